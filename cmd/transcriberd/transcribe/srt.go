package transcribe

import (
	"fmt"
	"io"
	"strings"
)

// srtTS converts ts milliseconds in the 00:00:00,000 format.
func srtTS(ts int64) string {
	sMs := int64(1000)
	mMs := 60 * sMs
	hMs := 60 * mMs

	h := ts / hMs
	m := (ts - (h * hMs)) / mMs
	s := ((ts - (h * hMs)) - m*mMs) / sMs
	ms := ((ts - (h * hMs)) - m*mMs) - s*sMs

	return fmt.Sprintf("%02d:%02d:%02d,%03d", h, m, s, ms)
}

// SRT serializes the track as a SubRip document. Cues are numbered from 1 in
// track order.
func (t Track) SRT(w io.Writer) error {
	for i, s := range t {
		_, err := fmt.Fprintf(w, "%d\n%s --> %s\n%s\n\n",
			i+1, srtTS(s.StartTS), srtTS(s.EndTS), strings.TrimSpace(s.Text))
		if err != nil {
			return fmt.Errorf("failed to write: %w", err)
		}
	}

	return nil
}
