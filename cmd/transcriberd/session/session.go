package session

import (
	"sync"
	"time"

	"github.com/streamsub/transcriberd/cmd/transcriberd/config"
	"github.com/streamsub/transcriberd/cmd/transcriberd/pipeline"
	"github.com/streamsub/transcriberd/cmd/transcriberd/transcribe"
)

// Status is the lifecycle state of a session. Transitions are monotonic along
// starting → running → stopping → stopped, with failed reachable from any
// non-terminal state.
type Status string

const (
	StatusStarting Status = "starting"
	StatusRunning  Status = "running"
	StatusStopping Status = "stopping"
	StatusStopped  Status = "stopped"
	StatusFailed   Status = "failed"
)

// Terminal reports whether no further transitions are possible.
func (s Status) Terminal() bool {
	return s == StatusStopped || s == StatusFailed
}

// canTransition enforces the allowed lifecycle edges.
func canTransition(from, to Status) bool {
	if from == to {
		return false
	}
	if to == StatusFailed {
		return !from.Terminal()
	}
	switch from {
	case StatusStarting:
		return to == StatusRunning || to == StatusStopping
	case StatusRunning:
		return to == StatusStopping
	case StatusStopping:
		return to == StatusStopped
	default:
		return false
	}
}

// Session is one end-to-end transcription request and all resources it owns.
// Data fields are mutated only through the registry, so that status readers
// never observe a half-updated session. Runtime fields are owned by the
// orchestrator.
type Session struct {
	ID     string
	Source string
	Config config.SessionConfig

	Status         Status
	CreatedAt      time.Time
	LastActivityAt time.Time
	// Err is the last fatal error, surfaced to status queries.
	Err string
	// WindowErrs counts recoverable per-window transcription failures.
	WindowErrs int

	Paths ArtifactPaths

	// runtime, wired by the orchestrator during startup
	proc     *pipeline.Handle // burn-in encoder, the session's pipeline process
	feeder   *pipeline.Handle // audio segmenter feeding the scheduler
	sched    *Scheduler
	writer   *transcribe.TrackWriter
	stopOnce sync.Once
	// lastRestartCount is the track length at the last encoder restart.
	lastRestartCount int
}

// Summary is an immutable snapshot of a session, as returned to status
// queries.
type Summary struct {
	ID             string
	Status         Status
	Source         string
	Config         config.SessionConfig
	CreatedAt      time.Time
	LastActivityAt time.Time
	Error          string
	WindowErrs     int
	SinkPath       string
	SegmentCount   int
	RecentSegments transcribe.Track
}

const recentSegmentsMax = 10

// summary must be called with the registry lock held.
func (s *Session) summary() Summary {
	sum := Summary{
		ID:             s.ID,
		Status:         s.Status,
		Source:         s.Source,
		Config:         s.Config,
		CreatedAt:      s.CreatedAt,
		LastActivityAt: s.LastActivityAt,
		Error:          s.Err,
		WindowErrs:     s.WindowErrs,
		SinkPath:       s.Paths.Sink,
	}

	if s.writer != nil {
		track := s.writer.Snapshot()
		sum.SegmentCount = len(track)
		if len(track) > recentSegmentsMax {
			track = track[len(track)-recentSegmentsMax:]
		}
		sum.RecentSegments = track
	}

	return sum
}
