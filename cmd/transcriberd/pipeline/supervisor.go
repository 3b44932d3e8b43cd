package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"syscall"
	"time"
)

const stderrTailSize = 8 * 1024

// Supervisor owns the lifecycle of the external decode/transcode processes.
// Start and Stop are the only paths through which pipeline processes are
// created and destroyed; a handle that escapes its session is a bug.
type Supervisor struct {
	cmdPath string
}

func NewSupervisor(cmdPath string) (*Supervisor, error) {
	if cmdPath == "" {
		return nil, fmt.Errorf("cmdPath should not be empty")
	}
	return &Supervisor{cmdPath: cmdPath}, nil
}

// Handle is the exclusive reference to one supervised child process.
type Handle struct {
	name   string
	cmd    *exec.Cmd
	stderr *tailBuffer

	doneCh    chan struct{}
	exitErr   error
	requested atomic.Bool
	stopOnce  sync.Once
}

// Start launches the process with stdout discarded and stderr captured for
// diagnostics, never inherited by the caller's own streams. name labels the
// process role in logs.
func (s *Supervisor) Start(name string, args []string) (*Handle, error) {
	h := &Handle{
		name:   name,
		stderr: newTailBuffer(stderrTailSize),
		doneCh: make(chan struct{}),
	}

	h.cmd = exec.Command(s.cmdPath, args...)
	h.cmd.Stdout = io.Discard
	h.cmd.Stderr = h.stderr
	// Run in its own process group so that signals aimed at the daemon don't
	// reach the pipeline, and vice versa.
	h.cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := h.cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start %s process: %w", name, err)
	}

	slog.Debug("pipeline process started", slog.String("name", name), slog.Int("pid", h.cmd.Process.Pid))

	go func() {
		h.exitErr = h.cmd.Wait()
		close(h.doneCh)
		slog.Debug("pipeline process exited", slog.String("name", name),
			slog.Int("code", h.cmd.ProcessState.ExitCode()))
	}()

	return h, nil
}

// Name returns the role label the handle was started with.
func (h *Handle) Name() string {
	return h.name
}

// Done is closed once the process has exited and been reaped.
func (h *Handle) Done() <-chan struct{} {
	return h.doneCh
}

// IsAlive reports whether the process is still running.
func (h *Handle) IsAlive() bool {
	select {
	case <-h.doneCh:
		return false
	default:
		return true
	}
}

// Requested reports whether termination was asked for through Stop, as
// opposed to the process exiting on its own.
func (h *Handle) Requested() bool {
	return h.requested.Load()
}

// WaitExit blocks until the process exits or ctx is done, returning the exit
// code.
func (h *Handle) WaitExit(ctx context.Context) (int, error) {
	select {
	case <-h.doneCh:
		return h.cmd.ProcessState.ExitCode(), nil
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// ExitErr returns the process exit error. Only meaningful after Done.
func (h *Handle) ExitErr() error {
	select {
	case <-h.doneCh:
		return h.exitErr
	default:
		return nil
	}
}

// StderrTail returns the captured tail of the process stderr, for error
// reporting.
func (h *Handle) StderrTail() string {
	return h.stderr.String()
}

// Stop terminates the process in two phases: a graceful termination signal
// first, escalating to a forced kill if it hasn't exited within grace. The
// escalation is required because ffmpeg may be blocked on a named pipe with
// no reader and would otherwise never exit, wedging artifact cleanup. Safe to
// call multiple times and after exit.
func (h *Handle) Stop(grace time.Duration) error {
	h.requested.Store(true)

	if !h.IsAlive() {
		return nil
	}

	var err error
	h.stopOnce.Do(func() {
		if sigErr := h.cmd.Process.Signal(syscall.SIGTERM); sigErr != nil && !errors.Is(sigErr, os.ErrProcessDone) {
			slog.Warn("failed to signal pipeline process", slog.String("name", h.name),
				slog.String("err", sigErr.Error()))
		}

		select {
		case <-h.doneCh:
			return
		case <-time.After(grace):
		}

		slog.Warn("pipeline process did not exit within grace period, killing",
			slog.String("name", h.name), slog.Duration("grace", grace))

		if killErr := h.cmd.Process.Kill(); killErr != nil && !errors.Is(killErr, os.ErrProcessDone) {
			err = fmt.Errorf("failed to kill %s process: %w", h.name, killErr)
			return
		}

		<-h.doneCh
	})

	if err != nil {
		return err
	}

	// Later callers wait for the first stop to complete.
	<-h.doneCh

	return nil
}

// tailBuffer is an io.Writer that keeps only the last size bytes written.
type tailBuffer struct {
	mu   sync.Mutex
	size int
	buf  []byte
}

func newTailBuffer(size int) *tailBuffer {
	return &tailBuffer{size: size}
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.buf = append(b.buf, p...)
	if len(b.buf) > b.size {
		b.buf = b.buf[len(b.buf)-b.size:]
	}

	return len(p), nil
}

func (b *tailBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.buf)
}
