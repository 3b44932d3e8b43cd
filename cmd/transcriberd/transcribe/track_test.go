package transcribe

import (
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestWriter(t *testing.T, opts TrackWriterOpts) *TrackWriter {
	t.Helper()
	if opts.Path == "" {
		opts.Path = filepath.Join(t.TempDir(), "subs.srt")
	}
	w, err := NewTrackWriter(opts)
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, w.Close())
	})
	return w
}

func TestTrackWriterOptsIsValid(t *testing.T) {
	tcs := []struct {
		name string
		opts TrackWriterOpts
		err  string
	}{
		{
			name: "missing path",
			opts: TrackWriterOpts{Format: FormatSRT, FlushEvery: 1, FlushMaxInterval: time.Second},
			err:  "invalid Path: should not be empty",
		},
		{
			name: "bad format",
			opts: TrackWriterOpts{Path: "/tmp/x.srt", Format: "ass", FlushEvery: 1, FlushMaxInterval: time.Second},
			err:  `invalid Format: "ass"`,
		},
		{
			name: "negative flush batch",
			opts: TrackWriterOpts{Path: "/tmp/x.srt", Format: FormatSRT, FlushEvery: -1, FlushMaxInterval: time.Second},
			err:  "invalid FlushEvery: should be a positive number",
		},
		{
			name: "valid",
			opts: TrackWriterOpts{Path: "/tmp/x.srt", Format: FormatSRT, FlushEvery: 1, FlushMaxInterval: time.Second},
		},
	}

	for _, tc := range tcs {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.opts.IsValid()
			if tc.err != "" {
				require.EqualError(t, err, tc.err)
			} else {
				require.NoError(t, err)
			}
		})
	}
}

func TestTrackWriterPlaceholder(t *testing.T) {
	path := filepath.Join(t.TempDir(), "subs.srt")
	newTestWriter(t, TrackWriterOpts{Path: path})

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, "1\n00:00:00,000 --> 00:00:01,000\nLoading subtitles...\n\n", string(data))
}

func TestTrackWriterBatchFlush(t *testing.T) {
	path := filepath.Join(t.TempDir(), "subs.srt")
	var flushes atomic.Int32
	w := newTestWriter(t, TrackWriterOpts{
		Path:             path,
		FlushEvery:       2,
		FlushMaxInterval: time.Hour,
		OnFlush:          func(_ int) { flushes.Add(1) },
	})

	require.NoError(t, w.Append(Segment{Text: "one", StartTS: 0, EndTS: 2000}))
	require.Equal(t, int32(0), flushes.Load())

	// Second append crosses the batch threshold.
	require.NoError(t, w.Append(Segment{Text: "two", StartTS: 2000, EndTS: 4000}))
	require.Equal(t, int32(1), flushes.Load())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Contains(t, string(data), "one")
	require.Contains(t, string(data), "two")
}

func TestTrackWriterIntervalFlush(t *testing.T) {
	path := filepath.Join(t.TempDir(), "subs.srt")
	w := newTestWriter(t, TrackWriterOpts{
		Path:             path,
		FlushEvery:       100,
		FlushMaxInterval: 50 * time.Millisecond,
	})

	require.NoError(t, w.Append(Segment{Text: "pending", StartTS: 0, EndTS: 1000}))

	require.Eventually(t, func() bool {
		data, err := os.ReadFile(path)
		return err == nil && string(data) == "1\n00:00:00,000 --> 00:00:01,000\npending\n\n"
	}, 2*time.Second, 10*time.Millisecond)
}

func TestTrackWriterMonotonicity(t *testing.T) {
	w := newTestWriter(t, TrackWriterOpts{})

	require.NoError(t, w.Append(Segment{Text: "later", StartTS: 4000, EndTS: 6000}))
	err := w.Append(Segment{Text: "earlier", StartTS: 2000, EndTS: 4000})
	require.EqualError(t, err, "segment start 2000 regresses behind 4000")

	// Equal start offsets are allowed.
	require.NoError(t, w.Append(Segment{Text: "same", StartTS: 4000, EndTS: 7000}))

	snap := w.Snapshot()
	require.Len(t, snap, 2)
	for i := 1; i < len(snap); i++ {
		require.GreaterOrEqual(t, snap[i].StartTS, snap[i-1].StartTS)
	}
}

func TestTrackWriterClose(t *testing.T) {
	path := filepath.Join(t.TempDir(), "subs.srt")
	w, err := NewTrackWriter(TrackWriterOpts{Path: path, FlushEvery: 100})
	require.NoError(t, err)

	require.NoError(t, w.Append(Segment{Text: "pending", StartTS: 0, EndTS: 1000}))
	require.NoError(t, w.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Contains(t, string(data), "pending")

	// Close is idempotent, appends after close fail.
	require.NoError(t, w.Close())
	require.EqualError(t, w.Append(Segment{Text: "late"}), "writer is closed")
}
