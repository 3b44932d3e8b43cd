package session

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/streamer45/silero-vad-go/speech"

	"github.com/streamsub/transcriberd/cmd/transcriberd/pipeline"
	"github.com/streamsub/transcriberd/cmd/transcriberd/transcribe"
)

var errCallTimeout = errors.New("transcription call timed out")

// TranscriberFactory creates one transcription context. Each scheduler worker
// owns its own context for the lifetime of the session.
type TranscriberFactory func() (transcribe.Transcriber, error)

// SchedulerConfig configures one session's segment scheduler.
type SchedulerConfig struct {
	// ChunkDir is the directory the audio segmenter writes windows into.
	ChunkDir string
	// ChunkDuration is the fixed window length; window i covers the timeline
	// range [i*ChunkDuration, (i+1)*ChunkDuration).
	ChunkDuration time.Duration
	// Concurrency caps in-flight transcription calls for this session.
	Concurrency int
	// CallTimeout bounds a single transcription call. A call still running at
	// the deadline counts as a failure subject to the retry policy; its
	// context is retired once the call eventually returns.
	CallTimeout time.Duration
	// DrainTimeout bounds how long Stop waits for in-flight windows.
	DrainTimeout time.Duration
}

func (c SchedulerConfig) IsValid() error {
	if c.ChunkDir == "" {
		return fmt.Errorf("ChunkDir should not be empty")
	}
	if c.ChunkDuration <= 0 {
		return fmt.Errorf("ChunkDuration should be a positive duration")
	}
	if c.Concurrency < 1 {
		return fmt.Errorf("Concurrency should be a positive number")
	}
	if c.CallTimeout <= 0 {
		return fmt.Errorf("CallTimeout should be a positive duration")
	}
	if c.DrainTimeout <= 0 {
		return fmt.Errorf("DrainTimeout should be a positive duration")
	}
	return nil
}

type window struct {
	index int
	path  string
}

type windowResult struct {
	index    int
	segments []transcribe.Segment
	err      error
}

type callOut struct {
	segments []transcribe.Segment
	err      error
}

// Scheduler partitions the incoming audio timeline into fixed-duration
// windows and sequences their transcriptions into the subtitle track.
//
// Windows are dispatched as their files complete but transcriptions are not
// required to finish in order: completed results are buffered until every
// earlier window has been appended, so the visible track is never regressed.
// A window completes when the segmenter opens the next one (the segment muxer
// writes strictly sequentially), or when the segmenter exits.
//
// A failed window is retried once with the same audio bounds; a second
// failure drops the window's subtitle contribution, records a recoverable
// error through OnWindowErr and lets the sequence advance.
type Scheduler struct {
	cfg     SchedulerConfig
	factory TranscriberFactory
	writer  *transcribe.TrackWriter
	feeder  *pipeline.Handle

	// OnActivity is invoked whenever a window's result has been sequenced.
	OnActivity func()
	// OnWindowErr is invoked when a window is dropped after its retry failed.
	OnWindowErr func(index int, err error)

	// vad optionally gates windows on detected speech.
	vad   *speech.Detector
	vadMu sync.Mutex

	watcher   *fsnotify.Watcher
	jobsCh    chan window
	resultsCh chan windowResult
	doneCh    chan struct{}
	loopDone  chan struct{}
	workersWg sync.WaitGroup
	stopOnce  sync.Once

	firstWindowOnce sync.Once
	firstWindowCh   chan struct{}
}

func NewScheduler(cfg SchedulerConfig, factory TranscriberFactory, writer *transcribe.TrackWriter, feeder *pipeline.Handle) (*Scheduler, error) {
	if err := cfg.IsValid(); err != nil {
		return nil, fmt.Errorf("failed to validate config: %w", err)
	}
	if factory == nil {
		return nil, fmt.Errorf("factory should not be nil")
	}
	if writer == nil {
		return nil, fmt.Errorf("writer should not be nil")
	}

	return &Scheduler{
		cfg:           cfg,
		factory:       factory,
		writer:        writer,
		feeder:        feeder,
		jobsCh:        make(chan window, cfg.Concurrency),
		resultsCh:     make(chan windowResult, cfg.Concurrency),
		doneCh:        make(chan struct{}),
		loopDone:      make(chan struct{}),
		firstWindowCh: make(chan struct{}),
	}, nil
}

// SetVAD installs a speech detector used to skip windows without any voice
// activity. Must be called before Start.
func (s *Scheduler) SetVAD(sd *speech.Detector) {
	s.vad = sd
}

// FirstWindow is closed once the pipeline has produced its first audio
// window, which is the earliest proof the external process is alive and
// decoding.
func (s *Scheduler) FirstWindow() <-chan struct{} {
	return s.firstWindowCh
}

// Start begins watching the chunk directory and launches the worker pool.
func (s *Scheduler) Start() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	if err := watcher.Add(s.cfg.ChunkDir); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("failed to watch chunk dir: %w", err)
	}
	s.watcher = watcher

	// The segmenter may have been producing chunks before the watch existed;
	// those never generate events, so fold them in from a directory scan.
	maxSeen, err := s.scanChunks()
	if err != nil {
		_ = watcher.Close()
		return fmt.Errorf("failed to scan chunk dir: %w", err)
	}

	for i := 0; i < s.cfg.Concurrency; i++ {
		s.workersWg.Add(1)
		go s.worker(i)
	}

	go s.run(maxSeen)

	return nil
}

// scanChunks returns the highest chunk index currently present in ChunkDir,
// or -1 when there is none.
func (s *Scheduler) scanChunks() (int, error) {
	entries, err := os.ReadDir(s.cfg.ChunkDir)
	if err != nil {
		return -1, err
	}

	maxIdx := -1
	for _, e := range entries {
		if idx, ok := pipeline.ChunkIndex(e.Name()); ok && idx > maxIdx {
			maxIdx = idx
		}
	}

	return maxIdx, nil
}

// Stop signals the scheduler to stop dispatching new windows and waits up to
// DrainTimeout for in-flight windows to finish. Transcription calls that
// outlive the drain are abandoned; their results are discarded.
func (s *Scheduler) Stop() error {
	s.stopOnce.Do(func() {
		close(s.doneCh)
	})

	drained := make(chan struct{})
	go func() {
		s.workersWg.Wait()
		<-s.loopDone
		if s.vad != nil {
			if err := s.vad.Destroy(); err != nil {
				slog.Error("failed to destroy speech detector", slog.String("err", err.Error()))
			}
			s.vad = nil
		}
		close(drained)
	}()

	select {
	case <-drained:
		return nil
	case <-time.After(s.cfg.DrainTimeout):
		return fmt.Errorf("timed out draining in-flight windows")
	}
}

// run is the single sequencing goroutine: it turns filesystem events into
// dispatched windows and folds completed results back into the track in
// timeline order. maxSeen is the highest chunk index found before the watch
// was in place.
func (s *Scheduler) run(maxSeen int) {
	defer close(s.loopDone)
	defer func() {
		if err := s.watcher.Close(); err != nil {
			slog.Error("failed to close watcher", slog.String("err", err.Error()))
		}
	}()

	var backlog []window
	var feederDone <-chan struct{}
	if s.feeder != nil {
		feederDone = s.feeder.Done()
	}

	// maxSeen is the highest chunk index observed; windows strictly below it
	// are complete. nextDispatch and nextAppend are the dispatch and append
	// cursors; pending buffers out-of-order completions.
	nextDispatch := 0
	nextAppend := 0
	pending := make(map[int][]transcribe.Segment)

	dispatchUpTo := func(last int) {
		for i := nextDispatch; i <= last; i++ {
			s.firstWindowOnce.Do(func() {
				close(s.firstWindowCh)
			})
			backlog = append(backlog, window{
				index: i,
				path:  filepath.Join(s.cfg.ChunkDir, fmt.Sprintf(pipeline.ChunkPattern, i)),
			})
		}
		if last >= nextDispatch {
			nextDispatch = last + 1
		}
	}

	// Chunks found by the startup scan are complete except possibly the
	// highest, which the segmenter may still be writing.
	dispatchUpTo(maxSeen - 1)

	for {
		// The send case is armed only while the backlog is non-empty.
		var sendCh chan window
		var head window
		if len(backlog) > 0 {
			sendCh = s.jobsCh
			head = backlog[0]
		}

		select {
		case <-s.doneCh:
			return

		case sendCh <- head:
			backlog = backlog[1:]

		case ev, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if !ev.Op.Has(fsnotify.Create) {
				continue
			}
			idx, ok := pipeline.ChunkIndex(filepath.Base(ev.Name))
			if !ok {
				continue
			}
			if idx > maxSeen {
				maxSeen = idx
				// The segmenter just opened window idx, so everything before
				// it is complete.
				dispatchUpTo(idx - 1)
			}

		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			slog.Error("chunk watcher error", slog.String("err", err.Error()))

		case <-feederDone:
			// The segmenter exited: every chunk on disk is as complete as it
			// will ever be. Rescan rather than trust maxSeen, since chunks
			// written between the startup scan and the watch taking effect
			// have no events either.
			feederDone = nil
			if idx, err := s.scanChunks(); err != nil {
				slog.Error("failed to rescan chunk dir", slog.String("err", err.Error()))
			} else if idx > maxSeen {
				maxSeen = idx
			}
			dispatchUpTo(maxSeen)

		case res := <-s.resultsCh:
			if res.err != nil {
				slog.Error("window transcription dropped", slog.Int("window", res.index),
					slog.String("err", res.err.Error()))
				if s.OnWindowErr != nil {
					s.OnWindowErr(res.index, res.err)
				}
				res.segments = nil
			}
			pending[res.index] = res.segments

			// Fold every consecutive completed window into the track.
			for {
				segments, ok := pending[nextAppend]
				if !ok {
					break
				}
				delete(pending, nextAppend)
				s.appendWindow(nextAppend, segments)
				nextAppend++
			}
			if s.OnActivity != nil {
				s.OnActivity()
			}
		}
	}
}

// appendWindow shifts the window's segments by its position in the overall
// timeline and appends them to the track.
func (s *Scheduler) appendWindow(index int, segments []transcribe.Segment) {
	base := int64(index) * s.cfg.ChunkDuration.Milliseconds()
	for _, seg := range segments {
		seg.StartTS += base
		seg.EndTS += base
		if err := s.writer.Append(seg); err != nil {
			slog.Error("failed to append segment", slog.Int("window", index),
				slog.String("err", err.Error()))
		}
	}
}

func (s *Scheduler) worker(id int) {
	defer s.workersWg.Done()

	h := &transcriberHolder{}
	defer h.destroy()

	for {
		select {
		case <-s.doneCh:
			return
		case w := <-s.jobsCh:
			res := s.process(h, w)
			select {
			case s.resultsCh <- res:
			case <-s.doneCh:
				return
			}
		}
	}
}

// process transcribes one window, retrying once on failure.
func (s *Scheduler) process(h *transcriberHolder, w window) windowResult {
	samples, err := transcribe.ReadWAVFile(w.path)
	if err != nil {
		return windowResult{index: w.index, err: fmt.Errorf("failed to read window audio: %w", err)}
	}
	if len(samples) == 0 {
		return windowResult{index: w.index}
	}

	if s.vad != nil && !s.hasSpeech(w.index, samples) {
		return windowResult{index: w.index}
	}

	segments, err := s.callOnce(h, samples)
	if err != nil {
		slog.Debug("window transcription failed, retrying", slog.Int("window", w.index),
			slog.String("err", err.Error()))
		segments, err = s.callOnce(h, samples)
	}
	if err != nil {
		return windowResult{index: w.index, err: err}
	}

	return windowResult{index: w.index, segments: segments}
}

// callOnce performs a single bounded transcription call.
func (s *Scheduler) callOnce(h *transcriberHolder, samples []float32) ([]transcribe.Segment, error) {
	tr, err := h.get(s.factory)
	if err != nil {
		return nil, fmt.Errorf("failed to create transcriber: %w", err)
	}

	outCh := make(chan callOut, 1)
	go func() {
		segments, _, err := tr.Transcribe(samples)
		outCh <- callOut{segments: segments, err: err}
	}()

	select {
	case out := <-outCh:
		return out.segments, out.err
	case <-time.After(s.cfg.CallTimeout):
		// The call may be wedged inside the model; retire this context and
		// let the next call get a fresh one. The stale result is discarded.
		h.retire(tr, outCh)
		return nil, errCallTimeout
	}
}

// hasSpeech runs the shared VAD over the window. Detection errors fail open:
// the window is transcribed anyway.
func (s *Scheduler) hasSpeech(index int, samples []float32) bool {
	s.vadMu.Lock()
	defer s.vadMu.Unlock()

	segments, err := s.vad.Detect(samples)
	if err != nil {
		slog.Error("vad failed", slog.Int("window", index), slog.String("err", err.Error()))
		return true
	}
	if err := s.vad.Reset(); err != nil {
		slog.Error("vad reset failed", slog.String("err", err.Error()))
	}

	if len(segments) == 0 {
		slog.Debug("window skipped, no speech detected", slog.Int("window", index))
		return false
	}
	return true
}

// transcriberHolder lazily creates a worker's transcription context and
// replaces it when a call times out while still in flight.
type transcriberHolder struct {
	tr transcribe.Transcriber
}

func (h *transcriberHolder) get(factory TranscriberFactory) (transcribe.Transcriber, error) {
	if h.tr != nil {
		return h.tr, nil
	}
	tr, err := factory()
	if err != nil {
		return nil, err
	}
	h.tr = tr
	return tr, nil
}

// retire disowns a context with a call still in flight and destroys it once
// the call returns.
func (h *transcriberHolder) retire(tr transcribe.Transcriber, pendingCh <-chan callOut) {
	h.tr = nil
	go func() {
		<-pendingCh
		if err := tr.Destroy(); err != nil {
			slog.Error("failed to destroy retired transcriber", slog.String("err", err.Error()))
		}
	}()
}

func (h *transcriberHolder) destroy() {
	if h.tr == nil {
		return
	}
	if err := h.tr.Destroy(); err != nil {
		slog.Error("failed to destroy transcriber", slog.String("err", err.Error()))
	}
	h.tr = nil
}
