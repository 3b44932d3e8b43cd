package transcribe

import (
	"bytes"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"
)

const (
	FlushEveryDefault       = 3
	FlushMaxIntervalDefault = 2 * time.Second

	// Shown while no audio has been transcribed yet so that the encoder's
	// subtitles filter always has a parseable document to read.
	placeholderText = "Loading subtitles..."
)

// TrackWriterOpts configures the batching policy of a TrackWriter. The track
// is flushed after FlushEvery appended segments or after FlushMaxInterval
// since the oldest unflushed append, whichever comes first.
type TrackWriterOpts struct {
	Path             string
	Format           Format
	FlushEvery       int
	FlushMaxInterval time.Duration

	// OnFlush, if set, is invoked after every successful flush with the total
	// number of segments written so far. It's called without locks held.
	OnFlush func(total int)
}

func (o *TrackWriterOpts) SetDefaults() {
	if o.Format == "" {
		o.Format = FormatSRT
	}
	if o.FlushEvery == 0 {
		o.FlushEvery = FlushEveryDefault
	}
	if o.FlushMaxInterval == 0 {
		o.FlushMaxInterval = FlushMaxIntervalDefault
	}
}

func (o TrackWriterOpts) IsValid() error {
	if o.Path == "" {
		return fmt.Errorf("invalid Path: should not be empty")
	}
	if !o.Format.IsValid() {
		return fmt.Errorf("invalid Format: %q", o.Format)
	}
	if o.FlushEvery < 1 {
		return fmt.Errorf("invalid FlushEvery: should be a positive number")
	}
	if o.FlushMaxInterval <= 0 {
		return fmt.Errorf("invalid FlushMaxInterval: should be a positive duration")
	}
	return nil
}

// TrackWriter incrementally serializes a subtitle track to a single document
// on disk. Every flush rewrites the whole document through a rename so that a
// concurrent reader (the burn-in encoder, or a status poller) always observes
// a complete, parseable file and never a torn write.
//
// Appends must come from a single writer goroutine; snapshot reads may happen
// concurrently from any goroutine.
type TrackWriter struct {
	opts TrackWriterOpts

	mu        sync.Mutex
	segments  Track
	unflushed int
	closed    bool

	flusherDoneCh chan struct{}
	stopFlusherCh chan struct{}
	closeOnce     sync.Once
}

func NewTrackWriter(opts TrackWriterOpts) (*TrackWriter, error) {
	opts.SetDefaults()
	if err := opts.IsValid(); err != nil {
		return nil, fmt.Errorf("failed to validate opts: %w", err)
	}

	w := &TrackWriter{
		opts:          opts,
		flusherDoneCh: make(chan struct{}),
		stopFlusherCh: make(chan struct{}),
	}

	if err := w.writeDocument(nil); err != nil {
		return nil, fmt.Errorf("failed to write initial document: %w", err)
	}

	go w.flusher()

	return w, nil
}

// Append adds a segment to the track. Start offsets must be monotonically
// non-decreasing; regressions are rejected so that text already visible to a
// reader is never reordered.
func (w *TrackWriter) Append(s Segment) error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return fmt.Errorf("writer is closed")
	}

	if n := len(w.segments); n > 0 && s.StartTS < w.segments[n-1].StartTS {
		w.mu.Unlock()
		return fmt.Errorf("segment start %d regresses behind %d", s.StartTS, w.segments[n-1].StartTS)
	}

	w.segments = append(w.segments, s)
	w.unflushed++

	var total int
	var flushErr error
	flushed := false
	if w.unflushed >= w.opts.FlushEvery {
		total, flushErr = w.flushLocked()
		flushed = flushErr == nil
	}
	w.mu.Unlock()

	if flushErr != nil {
		return flushErr
	}
	if flushed {
		w.notifyFlush(total)
	}

	return nil
}

// Flush writes any pending segments to disk immediately.
func (w *TrackWriter) Flush() error {
	w.mu.Lock()
	if w.unflushed == 0 {
		w.mu.Unlock()
		return nil
	}
	total, err := w.flushLocked()
	w.mu.Unlock()

	if err != nil {
		return err
	}
	w.notifyFlush(total)

	return nil
}

// Snapshot returns a copy of the full track appended so far, including
// segments not yet flushed to disk.
func (w *TrackWriter) Snapshot() Track {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make(Track, len(w.segments))
	copy(out, w.segments)
	return out
}

// Len returns the number of segments appended so far.
func (w *TrackWriter) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.segments)
}

// Close flushes pending segments and stops the background flusher. It's safe
// to call more than once.
func (w *TrackWriter) Close() error {
	var err error
	w.closeOnce.Do(func() {
		close(w.stopFlusherCh)
		<-w.flusherDoneCh

		w.mu.Lock()
		w.closed = true
		if w.unflushed > 0 {
			_, err = w.flushLocked()
		}
		w.mu.Unlock()
	})
	return err
}

// Path returns the location of the on-disk document.
func (w *TrackWriter) Path() string {
	return w.opts.Path
}

func (w *TrackWriter) flusher() {
	defer close(w.flusherDoneCh)

	ticker := time.NewTicker(w.opts.FlushMaxInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.stopFlusherCh:
			return
		case <-ticker.C:
			if err := w.Flush(); err != nil {
				slog.Error("failed to flush subtitle track", slog.String("err", err.Error()),
					slog.String("path", w.opts.Path))
			}
		}
	}
}

func (w *TrackWriter) flushLocked() (int, error) {
	if err := w.writeDocument(w.segments); err != nil {
		return 0, err
	}
	w.unflushed = 0
	return len(w.segments), nil
}

// writeDocument atomically replaces the on-disk document. An empty track is
// rendered as a single placeholder cue.
func (w *TrackWriter) writeDocument(segments Track) error {
	if len(segments) == 0 {
		segments = Track{{Text: placeholderText, StartTS: 0, EndTS: 1000}}
	}

	var buf bytes.Buffer
	if err := segments.Serialize(&buf, w.opts.Format); err != nil {
		return fmt.Errorf("failed to serialize track: %w", err)
	}

	tmpPath := w.opts.Path + ".tmp"
	if err := os.WriteFile(tmpPath, buf.Bytes(), 0600); err != nil {
		return fmt.Errorf("failed to write document: %w", err)
	}
	if err := os.Rename(tmpPath, w.opts.Path); err != nil {
		return fmt.Errorf("failed to rename document: %w", err)
	}

	return nil
}

func (w *TrackWriter) notifyFlush(total int) {
	if w.opts.OnFlush != nil {
		w.opts.OnFlush(total)
	}
}
