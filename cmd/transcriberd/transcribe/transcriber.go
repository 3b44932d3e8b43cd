package transcribe

// Transcriber is the speech-to-text capability: given a bounded buffer of
// audio samples it produces an ordered sequence of timed text segments.
// Implementations may run locally (whisper.cpp) or call out to a remote
// service (Azure); callers cannot tell the difference.
type Transcriber interface {
	// Transcribe converts samples (16KHz, mono, float32 PCM) into timed text
	// segments. It also returns the detected language code.
	Transcribe(samples []float32) ([]Segment, string, error)
	Destroy() error
}

// Segment is a single timed text segment. Timestamps are milliseconds from
// the start of the audio buffer passed to Transcribe.
type Segment struct {
	Text    string
	StartTS int64
	EndTS   int64
}

// Track is an ordered sequence of segments forming a subtitle track.
type Track []Segment

type Format string

const (
	FormatSRT Format = "srt"
	FormatVTT Format = "vtt"
)

func (f Format) IsValid() bool {
	switch f {
	case FormatSRT, FormatVTT:
		return true
	default:
		return false
	}
}

// Ext returns the file extension for the format, without the dot.
func (f Format) Ext() string {
	return string(f)
}
