package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/streamer45/silero-vad-go/speech"

	"github.com/streamsub/transcriberd/cmd/transcriberd/config"
	"github.com/streamsub/transcriberd/cmd/transcriberd/pipeline"
	"github.com/streamsub/transcriberd/cmd/transcriberd/transcribe"
)

// ErrValidation wraps request validation failures, reported to the caller
// before any resource is allocated.
var ErrValidation = errors.New("validation failed")

// NewTranscriberFunc builds a transcription context for a session's
// configuration. Implementations select the local or remote backend.
type NewTranscriberFunc func(cfg config.SessionConfig) (transcribe.Transcriber, error)

// Orchestrator is the core entry point: it creates, tracks and tears down one
// isolated processing pipeline per active session.
type Orchestrator struct {
	cfg            config.ServiceConfig
	newTranscriber NewTranscriberFunc

	registry *Registry
	sup      *pipeline.Supervisor

	stopCh   chan struct{}
	stopOnce sync.Once
	sweepWg  sync.WaitGroup
}

func NewOrchestrator(cfg config.ServiceConfig, newTranscriber NewTranscriberFunc) (*Orchestrator, error) {
	if err := cfg.IsValid(); err != nil {
		return nil, fmt.Errorf("failed to validate config: %w", err)
	}
	if newTranscriber == nil {
		return nil, fmt.Errorf("newTranscriber should not be nil")
	}

	sup, err := pipeline.NewSupervisor(cfg.FFmpegPath)
	if err != nil {
		return nil, fmt.Errorf("failed to create supervisor: %w", err)
	}

	return &Orchestrator{
		cfg:            cfg,
		newTranscriber: newTranscriber,
		registry:       NewRegistry(cfg.MaxSessions),
		sup:            sup,
	}, nil
}

// Start launches the idle-timeout sweeper.
func (o *Orchestrator) Start() {
	o.stopCh = make(chan struct{})
	o.sweepWg.Add(1)
	go o.sweepLoop()
}

// Stop tears down every remaining session and stops the sweeper.
func (o *Orchestrator) Stop(ctx context.Context) error {
	o.stopOnce.Do(func() {
		close(o.stopCh)
	})
	o.sweepWg.Wait()

	for _, sum := range o.registry.List() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		if err := o.StopSession(sum.ID); err != nil && !errors.Is(err, ErrNotFound) {
			slog.Error("failed to stop session on shutdown", slog.String("sessionID", sum.ID),
				slog.String("err", err.Error()))
		}
	}

	return nil
}

// CreateSession validates the request, registers a starting session under the
// global cap and wires the pipeline asynchronously. It returns the session id
// immediately so the caller can begin polling or consuming the output stream
// without blocking on pipeline startup.
func (o *Orchestrator) CreateSession(source string, cfg config.SessionConfig) (string, error) {
	cfg.SetDefaults()
	if err := cfg.IsValid(); err != nil {
		return "", fmt.Errorf("%w: %s", ErrValidation, err.Error())
	}
	if err := validateSource(source); err != nil {
		return "", fmt.Errorf("%w: %s", ErrValidation, err.Error())
	}

	now := time.Now()
	s := &Session{
		ID:             uuid.NewString(),
		Source:         source,
		Config:         cfg,
		Status:         StatusStarting,
		CreatedAt:      now,
		LastActivityAt: now,
	}

	if err := o.registry.Register(s); err != nil {
		return "", err
	}

	slog.Info("session created", slog.String("sessionID", s.ID), slog.String("source", source))

	go o.startSession(s)

	return s.ID, nil
}

// StopSession tears the session down and removes it from the registry.
// Stopping is idempotent: concurrent triggers run the cascade once, and a
// stop after removal reports ErrNotFound.
func (o *Orchestrator) StopSession(id string) error {
	s, err := o.registry.get(id)
	if err != nil {
		return err
	}

	o.teardown(s, nil)

	if err := o.registry.Remove(id); err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}
	return nil
}

// Status returns a snapshot of the session. Failed sessions remain queryable
// until reaped, so a polling caller can distinguish "never existed" from
// "existed and failed".
func (o *Orchestrator) Status(id string) (Summary, error) {
	return o.registry.Summary(id)
}

// List returns snapshots of all registered sessions.
func (o *Orchestrator) List() []Summary {
	return o.registry.List()
}

func validateSource(source string) error {
	if source == "" {
		return fmt.Errorf("source cannot be empty")
	}
	if pipeline.IsURL(source) {
		return nil
	}
	// Local paths are cheap to check; actual reachability of URLs is left to
	// the pipeline.
	if _, err := os.Stat(source); err != nil {
		return fmt.Errorf("source is not a URL nor an existing file")
	}
	return nil
}

// startSession wires the supervisor, scheduler and track writer together.
// Runs detached from the creating request.
func (o *Orchestrator) startSession(s *Session) {
	if err := o.wireSession(s); err != nil {
		slog.Error("session failed to start", slog.String("sessionID", s.ID),
			slog.String("err", err.Error()))
		o.failSession(s, fmt.Errorf("failed to start pipeline: %w", err))
		return
	}

	if err := o.registry.SetStatus(s.ID, StatusRunning); err != nil {
		// A concurrent stop won the race and its teardown may have run before
		// the resources existed, so release them here.
		slog.Debug("session no longer starting", slog.String("sessionID", s.ID),
			slog.String("err", err.Error()))
		o.releaseResources(s, s.proc)
		return
	}

	slog.Info("session running", slog.String("sessionID", s.ID))

	go o.monitor(s)
}

func (o *Orchestrator) wireSession(s *Session) error {
	paths := newArtifactPaths(o.cfg.TempDir, s.ID, s.Config.OutputFormat.TrackFormat())
	if err := paths.create(); err != nil {
		return err
	}
	if err := o.registry.Update(s.ID, func(s *Session) {
		s.Paths = paths
	}); err != nil {
		// The session was removed before it knew its paths, so the racing
		// teardown could not have cleaned the namespace.
		_ = paths.remove()
		return err
	}

	writer, err := transcribe.NewTrackWriter(transcribe.TrackWriterOpts{
		Path:             paths.Subtitle,
		Format:           s.Config.OutputFormat.TrackFormat(),
		FlushEvery:       o.cfg.FlushEverySegments,
		FlushMaxInterval: o.cfg.FlushMaxInterval,
		OnFlush: func(total int) {
			o.handleFlush(s.ID, total)
		},
	})
	if err != nil {
		return fmt.Errorf("failed to create track writer: %w", err)
	}

	encoder, err := o.sup.Start("encoder", pipeline.EncoderArgs(s.Source, paths.Subtitle, paths.Sink))
	if err != nil {
		_ = writer.Close()
		return err
	}

	feeder, err := o.sup.Start("segmenter", pipeline.SegmenterArgs(s.Source, s.Config.ChunkDuration, paths.ChunkPattern()))
	if err != nil {
		_ = encoder.Stop(o.cfg.GracePeriod)
		_ = writer.Close()
		return err
	}

	sched, err := NewScheduler(SchedulerConfig{
		ChunkDir:      paths.ChunkDir,
		ChunkDuration: s.Config.ChunkDuration,
		Concurrency:   o.cfg.WindowConcurrency,
		CallTimeout:   o.cfg.CallTimeout,
		DrainTimeout:  o.cfg.DrainTimeout,
	}, func() (transcribe.Transcriber, error) {
		return o.newTranscriber(s.Config)
	}, writer, feeder)
	if err == nil {
		sched.OnActivity = func() {
			o.registry.Touch(s.ID)
		}
		sched.OnWindowErr = func(index int, werr error) {
			_ = o.registry.Update(s.ID, func(s *Session) {
				s.WindowErrs++
			})
		}
		if o.cfg.VADEnabled {
			o.wireVAD(sched)
		}
		err = sched.Start()
	}
	if err != nil {
		_ = feeder.Stop(o.cfg.GracePeriod)
		_ = encoder.Stop(o.cfg.GracePeriod)
		_ = writer.Close()
		return fmt.Errorf("failed to start scheduler: %w", err)
	}

	if err := o.registry.Update(s.ID, func(s *Session) {
		s.proc = encoder
		s.feeder = feeder
		s.sched = sched
		s.writer = writer
	}); err != nil {
		_ = sched.Stop()
		_ = feeder.Stop(o.cfg.GracePeriod)
		_ = encoder.Stop(o.cfg.GracePeriod)
		_ = writer.Close()
		_ = paths.remove()
		return err
	}
	return nil
}

// wireVAD attaches a speech detector to the scheduler. VAD failures are not
// fatal: the session transcribes every window instead.
func (o *Orchestrator) wireVAD(sched *Scheduler) {
	sd, err := speech.NewDetector(speech.DetectorConfig{
		ModelPath:            o.cfg.VADModelFile(),
		SampleRate:           transcribe.AudioSampleRate,
		WindowSize:           512,
		Threshold:            0.5,
		MinSilenceDurationMs: 150,
		MinSpeechDurationMs:  200,
		SilencePadMs:         32,
	})
	if err != nil {
		slog.Error("failed to create speech detector", slog.String("err", err.Error()))
		return
	}
	sched.SetVAD(sd)
}

// monitor watches the encoder process for the session's lifetime. An exit
// that wasn't requested ends the session: cleanly stopped on a zero exit
// (source ran out), failed otherwise. Requested exits belong to either a
// restart or an in-progress teardown.
func (o *Orchestrator) monitor(s *Session) {
	startedAt := time.Now()
	firstWindowCh := s.sched.FirstWindow()

	for {
		proc := o.currentProc(s)
		if proc == nil {
			return
		}

		select {
		case <-o.stopCh:
			return
		case <-proc.Done():
			if proc.Requested() {
				if next := o.currentProc(s); next != nil && next != proc {
					// Restarted encoder, keep watching the new process.
					continue
				}
				return
			}

			// An exit before the first audio window, within the startup
			// timeout, is a start failure regardless of exit code.
			early := false
			select {
			case <-firstWindowCh:
			default:
				early = time.Since(startedAt) < o.cfg.StartupTimeout
			}

			switch exitErr := proc.ExitErr(); {
			case exitErr == nil && !early:
				slog.Info("pipeline completed", slog.String("sessionID", s.ID))
				o.teardown(s, nil)
			case early:
				err := fmt.Errorf("pipeline exited before producing output: %s", exitReason(proc))
				slog.Error("session failed to start", slog.String("sessionID", s.ID),
					slog.String("err", err.Error()))
				o.failSession(s, err)
			default:
				err := fmt.Errorf("pipeline exited unexpectedly: %s", exitReason(proc))
				slog.Error("session failed", slog.String("sessionID", s.ID),
					slog.String("err", err.Error()))
				o.failSession(s, err)
			}
			return
		}
	}
}

func exitReason(h *pipeline.Handle) string {
	reason := "exit status 0"
	if err := h.ExitErr(); err != nil {
		reason = err.Error()
	}
	if tail := h.StderrTail(); tail != "" {
		const tailMax = 512
		if len(tail) > tailMax {
			tail = tail[len(tail)-tailMax:]
		}
		reason += ": " + tail
	}
	return reason
}

func (o *Orchestrator) currentProc(s *Session) *pipeline.Handle {
	var proc *pipeline.Handle
	_ = o.registry.Update(s.ID, func(s *Session) {
		proc = s.proc
	})
	return proc
}

// handleFlush restarts the burn-in encoder once enough new segments have
// accumulated, since the subtitles filter reads the document only at startup.
// Invoked from the writer's flush path, so the actual restart runs detached.
func (o *Orchestrator) handleFlush(id string, total int) {
	if o.cfg.EncoderRestartSegments == 0 {
		return
	}

	restart := false
	_ = o.registry.Update(id, func(s *Session) {
		if s.Status == StatusRunning && total-s.lastRestartCount >= o.cfg.EncoderRestartSegments {
			s.lastRestartCount = total
			restart = true
		}
	})
	if !restart {
		return
	}

	go o.restartEncoder(id)
}

func (o *Orchestrator) restartEncoder(id string) {
	s, err := o.registry.get(id)
	if err != nil {
		return
	}

	next, err := o.sup.Start("encoder", pipeline.EncoderArgs(s.Source, s.Paths.Subtitle, s.Paths.Sink))
	if err != nil {
		slog.Error("failed to restart encoder", slog.String("sessionID", id), slog.String("err", err.Error()))
		return
	}

	var prev *pipeline.Handle
	swapErr := o.registry.Update(id, func(s *Session) {
		prev = s.proc
		s.proc = next
	})
	if swapErr != nil {
		// Session got removed while the new encoder was starting.
		_ = next.Stop(o.cfg.GracePeriod)
		return
	}

	slog.Debug("encoder restarted", slog.String("sessionID", id))

	if prev != nil {
		if err := prev.Stop(o.cfg.GracePeriod); err != nil {
			slog.Error("failed to stop previous encoder", slog.String("sessionID", id),
				slog.String("err", err.Error()))
		}
	}
}

// failSession marks the session failed and reclaims its resources. The entry
// stays registered so status pollers observe the failure instead of a
// disappearance; the idle sweep reaps it later.
func (o *Orchestrator) failSession(s *Session, cause error) {
	o.teardown(s, cause)
}

// teardown runs the cascading cleanup exactly once per session, regardless of
// how many triggers race: explicit stop, idle sweep, pipeline failure or
// daemon shutdown. Every step executes even when an earlier one reports an
// error; step failures are logged and never re-raised to the caller.
func (o *Orchestrator) teardown(s *Session, cause error) {
	s.stopOnce.Do(func() {
		if cause != nil {
			_ = o.registry.Update(s.ID, func(s *Session) {
				if !s.Status.Terminal() {
					s.Status = StatusFailed
					s.LastActivityAt = time.Now()
				}
				s.Err = cause.Error()
			})
		} else if err := o.registry.SetStatus(s.ID, StatusStopping); err != nil {
			slog.Debug("session already past stopping", slog.String("sessionID", s.ID),
				slog.String("err", err.Error()))
		}

		slog.Info("tearing down session", slog.String("sessionID", s.ID))

		o.releaseResources(s, o.currentProc(s))

		if cause == nil {
			if err := o.registry.SetStatus(s.ID, StatusStopped); err != nil {
				slog.Debug("teardown: could not mark stopped", slog.String("sessionID", s.ID),
					slog.String("err", err.Error()))
			}
		}

		slog.Info("session torn down", slog.String("sessionID", s.ID))
	})
}

// releaseResources runs the cleanup cascade over whatever resources the
// session has at this point. Every step executes even when an earlier one
// reports an error. Safe to call more than once: each step is idempotent.
func (o *Orchestrator) releaseResources(s *Session, proc *pipeline.Handle) {
	// 1. Stop the audio feed, then drain in-flight transcription windows.
	if s.feeder != nil {
		if err := s.feeder.Stop(o.cfg.GracePeriod); err != nil {
			slog.Error("teardown: failed to stop segmenter", slog.String("sessionID", s.ID),
				slog.String("err", err.Error()))
		}
	}
	if s.sched != nil {
		if err := s.sched.Stop(); err != nil {
			slog.Error("teardown: failed to drain scheduler", slog.String("sessionID", s.ID),
				slog.String("err", err.Error()))
		}
	}

	// 2. Stop the pipeline process.
	if proc != nil {
		if err := proc.Stop(o.cfg.GracePeriod); err != nil {
			slog.Error("teardown: failed to stop encoder", slog.String("sessionID", s.ID),
				slog.String("err", err.Error()))
		}
	}

	// 3. Flush and close the subtitle track.
	if s.writer != nil {
		if err := s.writer.Close(); err != nil {
			slog.Error("teardown: failed to close track writer", slog.String("sessionID", s.ID),
				slog.String("err", err.Error()))
		}
	}

	// 4. Remove the artifact namespace.
	if err := s.Paths.remove(); err != nil {
		slog.Error("teardown: failed to remove artifacts", slog.String("sessionID", s.ID),
			slog.String("err", err.Error()))
	}
}

func (o *Orchestrator) sweepLoop() {
	defer o.sweepWg.Done()

	ticker := time.NewTicker(o.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-o.stopCh:
			return
		case <-ticker.C:
			removed := o.registry.Sweep(o.cfg.IdleTimeout, func(id string) {
				if err := o.StopSession(id); err != nil && !errors.Is(err, ErrNotFound) {
					slog.Error("failed to reap session", slog.String("sessionID", id),
						slog.String("err", err.Error()))
				}
			})
			if len(removed) > 0 {
				slog.Info("reaped idle sessions", slog.Int("count", len(removed)))
			}
		}
	}
}
