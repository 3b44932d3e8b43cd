package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"syscall"
	"time"

	"github.com/streamsub/transcriberd/cmd/transcriberd/apis/azure"
	whisper "github.com/streamsub/transcriberd/cmd/transcriberd/apis/whisper.cpp"
	"github.com/streamsub/transcriberd/cmd/transcriberd/config"
	"github.com/streamsub/transcriberd/cmd/transcriberd/session"
	"github.com/streamsub/transcriberd/cmd/transcriberd/transcribe"
)

const stopTimeout = 30 * time.Second

func slogReplaceAttr(_ []string, a slog.Attr) slog.Attr {
	if a.Key == slog.SourceKey {
		source := a.Value.Any().(*slog.Source)
		if source.File == "" {
			// Log from a dependency (e.g. speech SDK).
			if pc, file, line, ok := runtime.Caller(7); ok {
				if f := runtime.FuncForPC(pc); f != nil {
					source.File = filepath.Base(filepath.Dir(file)) + "/" + filepath.Base(file)
					source.Line = line
				}
			}
		} else {
			source.File = filepath.Base(source.File)
		}
	}
	return a
}

func newTranscriberFactory(svc config.ServiceConfig) session.NewTranscriberFunc {
	return func(cfg config.SessionConfig) (transcribe.Transcriber, error) {
		switch cfg.TranscribeAPI {
		case config.TranscribeAPIWhisperCPP:
			return whisper.NewContext(whisper.Config{
				ModelFile:    svc.WhisperModelFile(cfg.ModelSize),
				NumThreads:   svc.NumThreads,
				NoContext:    true,
				AudioContext: 512,
				Language:     cfg.Language,
			})
		case config.TranscribeAPIAzure:
			return azure.NewSpeechRecognizer(azure.SpeechRecognizerConfig{
				SpeechKey:    svc.AzureSpeechKey,
				SpeechRegion: svc.AzureSpeechRegion,
				Language:     cfg.Language,
			})
		default:
			return nil, fmt.Errorf("unsupported transcription API: %s", cfg.TranscribeAPI)
		}
	}
}

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		AddSource:   true,
		Level:       slog.LevelDebug,
		ReplaceAttr: slogReplaceAttr,
	}))
	slog.SetDefault(logger)

	pid := os.Getpid()
	if err := os.WriteFile("/tmp/transcriberd.pid", []byte(fmt.Sprintf("%d", pid)), 0666); err != nil {
		slog.Error("failed to write pid file", slog.String("err", err.Error()))
		os.Exit(1)
	}

	svcCfg, err := config.ServiceFromEnv()
	if err != nil {
		slog.Error("failed to load config", slog.String("err", err.Error()))
		os.Exit(1)
	}
	svcCfg.SetDefaults()

	var sessCfg config.SessionConfig
	sessCfg.FromEnv()
	sessCfg.SetDefaults()

	if len(os.Args) < 2 {
		slog.Error("usage: transcriberd <source> [source...]")
		os.Exit(1)
	}

	orch, err := session.NewOrchestrator(svcCfg, newTranscriberFactory(svcCfg))
	if err != nil {
		slog.Error("failed to create orchestrator", slog.String("err", err.Error()))
		os.Exit(1)
	}

	slog.Info("starting transcriberd")

	orch.Start()

	for _, source := range os.Args[1:] {
		id, err := orch.CreateSession(source, sessCfg)
		if err != nil {
			slog.Error("failed to create session", slog.String("source", source),
				slog.String("err", err.Error()))
			continue
		}
		slog.Info("session created", slog.String("sessionID", id), slog.String("source", source))
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for done := false; !done; {
		select {
		case <-sig:
			slog.Info("received signal, stopping")
			done = true
		case <-ticker.C:
			active := 0
			for _, sum := range orch.List() {
				if !sum.Status.Terminal() {
					active++
				}
			}
			if active == 0 {
				slog.Info("all sessions have finished")
				done = true
			}
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), stopTimeout)
	defer cancel()
	if err := orch.Stop(ctx); err != nil {
		slog.Error("failed to stop orchestrator", slog.String("err", err.Error()))
		os.Exit(1)
	}

	slog.Info("transcriberd has finished, exiting")
}
