package azure

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/Microsoft/cognitive-services-speech-sdk-go/audio"
	"github.com/Microsoft/cognitive-services-speech-sdk-go/common"
	"github.com/Microsoft/cognitive-services-speech-sdk-go/speech"

	"github.com/streamsub/transcriberd/cmd/transcriberd/transcribe"
)

const recognizeTimeout = 10 * time.Second

type SpeechRecognizerConfig struct {
	SpeechKey    string
	SpeechRegion string
	// Language is a BCP-47 tag (e.g. "en-US"). Empty or "auto" leaves the
	// service default in place.
	Language string
}

func (c SpeechRecognizerConfig) IsValid() error {
	if c.SpeechKey == "" {
		return fmt.Errorf("invalid SpeechKey: should not be empty")
	}

	if c.SpeechRegion == "" {
		return fmt.Errorf("invalid SpeechRegion: should not be empty")
	}

	return nil
}

// SpeechRecognizer transcribes audio windows through the Azure Speech
// service. Each Transcribe call runs one recognition session over the window.
type SpeechRecognizer struct {
	cfg SpeechRecognizerConfig
}

func NewSpeechRecognizer(cfg SpeechRecognizerConfig) (*SpeechRecognizer, error) {
	if err := cfg.IsValid(); err != nil {
		return nil, fmt.Errorf("failed to validate config: %w", err)
	}

	return &SpeechRecognizer{
		cfg: cfg,
	}, nil
}

func (s *SpeechRecognizer) Transcribe(samples []float32) ([]transcribe.Segment, string, error) {
	cfg, err := speech.NewSpeechConfigFromSubscription(s.cfg.SpeechKey, s.cfg.SpeechRegion)
	if err != nil {
		return nil, "", fmt.Errorf("failed to create speech config: %w", err)
	}
	defer cfg.Close()

	if s.cfg.Language != "" && s.cfg.Language != "auto" {
		if err := cfg.SetSpeechRecognitionLanguage(s.cfg.Language); err != nil {
			return nil, "", fmt.Errorf("failed to set recognition language: %w", err)
		}
	}

	stream, err := audio.CreatePushAudioInputStream()
	if err != nil {
		return nil, "", fmt.Errorf("failed to create audio stream: %w", err)
	}
	defer stream.Close()

	audioConfig, err := audio.NewAudioConfigFromStreamInput(stream)
	if err != nil {
		return nil, "", fmt.Errorf("failed to create audio config: %w", err)
	}

	speechRecognizer, err := speech.NewSpeechRecognizerFromConfig(cfg, audioConfig)
	if err != nil {
		return nil, "", fmt.Errorf("failed to create speech recognizer: %w", err)
	}
	defer speechRecognizer.Close()

	speechRecognizer.SessionStarted(func(event speech.SessionEventArgs) {
		defer event.Close()
		slog.Debug("recognition session started", slog.String("sessionID", event.SessionID))
	})
	speechRecognizer.SessionStopped(func(event speech.SessionEventArgs) {
		defer event.Close()
		slog.Debug("recognition session stopped", slog.String("sessionID", event.SessionID))
	})
	speechRecognizer.Canceled(func(event speech.SpeechRecognitionCanceledEventArgs) {
		defer event.Close()
		slog.Debug("recognition canceled", slog.String("details", event.ErrorDetails))
	})

	if err := stream.Write(transcribe.F32PCMToWAV(samples)); err != nil {
		return nil, "", fmt.Errorf("failed to write audio data: %w", err)
	}

	segmentsCh := make(chan []transcribe.Segment, 1)
	errCh := make(chan error, 1)

	speechRecognizer.Recognized(func(event speech.SpeechRecognitionEventArgs) {
		defer event.Close()

		if event.Result.Reason == common.NoMatch {
			errCh <- fmt.Errorf("no match")
			return
		}
		if event.Result.Reason == common.Canceled {
			errCh <- fmt.Errorf("canceled")
			return
		}

		slog.Debug("recognition completed",
			slog.Float64("inputLen", float64(len(samples))/float64(transcribe.AudioSampleRate)))

		segmentsCh <- []transcribe.Segment{
			{
				Text:    event.Result.Text,
				StartTS: int64(event.Result.Offset.Seconds() * 1000),
				EndTS:   int64(event.Result.Offset.Seconds()*1000 + event.Result.Duration.Seconds()*1000),
			},
		}
	})

	if err := <-speechRecognizer.StartContinuousRecognitionAsync(); err != nil {
		return nil, "", fmt.Errorf("failed to start recognizer: %w", err)
	}
	defer func() {
		if err := <-speechRecognizer.StopContinuousRecognitionAsync(); err != nil {
			slog.Error("failed to stop recognizer", slog.String("err", err.Error()))
		}
	}()

	// This is important as it flushes out any remaining audio data.
	stream.CloseStream()

	select {
	case segments := <-segmentsCh:
		return segments, s.cfg.Language, nil
	case err := <-errCh:
		return nil, "", fmt.Errorf("transcription failed: %w", err)
	case <-time.After(recognizeTimeout):
		return nil, "", fmt.Errorf("timed out waiting for transcription")
	}
}

func (s *SpeechRecognizer) Destroy() error {
	return nil
}
