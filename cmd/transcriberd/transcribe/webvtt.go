package transcribe

import (
	"fmt"
	"html"
	"io"
	"strings"
)

// vttTS converts ts milliseconds in the 00:00:00.000 format.
func vttTS(ts int64) string {
	sMs := int64(1000)
	mMs := 60 * sMs
	hMs := 60 * mMs

	h := ts / hMs
	m := (ts - (h * hMs)) / mMs
	s := ((ts - (h * hMs)) - m*mMs) / sMs
	ms := ((ts - (h * hMs)) - m*mMs) - s*sMs

	return fmt.Sprintf("%02d:%02d:%02d.%03d", h, m, s, ms)
}

// WebVTT serializes the track as a WebVTT document.
func (t Track) WebVTT(w io.Writer) error {
	_, err := fmt.Fprintf(w, "WEBVTT\n")
	if err != nil {
		return fmt.Errorf("failed to write: %w", err)
	}
	for _, s := range t {
		_, err = fmt.Fprintf(w, "\n%s --> %s\n%s\n", vttTS(s.StartTS), vttTS(s.EndTS),
			html.EscapeString(strings.TrimSpace(s.Text)))
		if err != nil {
			return fmt.Errorf("failed to write: %w", err)
		}
	}

	return nil
}

// Serialize writes the track in the given format.
func (t Track) Serialize(w io.Writer, format Format) error {
	switch format {
	case FormatSRT:
		return t.SRT(w)
	case FormatVTT:
		return t.WebVTT(w)
	default:
		return fmt.Errorf("unsupported format %q", format)
	}
}
