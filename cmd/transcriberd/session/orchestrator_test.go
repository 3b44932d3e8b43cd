package session

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/streamsub/transcriberd/cmd/transcriberd/config"
	"github.com/streamsub/transcriberd/cmd/transcriberd/transcribe"
)

// writeStubPipeline creates an executable standing in for ffmpeg. It ignores
// its arguments and runs the given script body.
func writeStubPipeline(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ffmpeg")
	script := "#!/bin/sh\n" + body + "\n"
	require.NoError(t, os.WriteFile(path, []byte(script), 0700))
	return path
}

func newTestOrchestrator(t *testing.T, stubBody string, mut func(*config.ServiceConfig)) *Orchestrator {
	t.Helper()

	cfg := config.ServiceConfig{
		FFmpegPath:  writeStubPipeline(t, stubBody),
		TempDir:     t.TempDir(),
		GracePeriod: 500 * time.Millisecond,
		NumThreads:  1,
	}
	cfg.SetDefaults()
	cfg.DrainTimeout = time.Second
	if mut != nil {
		mut(&cfg)
	}

	o, err := NewOrchestrator(cfg, func(_ config.SessionConfig) (transcribe.Transcriber, error) {
		return &fakeTranscriber{}, nil
	})
	require.NoError(t, err)

	t.Cleanup(func() {
		for _, sum := range o.registry.List() {
			_ = o.StopSession(sum.ID)
		}
	})

	return o
}

func defaultSessionConfig() config.SessionConfig {
	var cfg config.SessionConfig
	cfg.SetDefaults()
	return cfg
}

func waitStatus(t *testing.T, o *Orchestrator, id string, want Status) Summary {
	t.Helper()
	var sum Summary
	require.Eventually(t, func() bool {
		var err error
		sum, err = o.Status(id)
		if err != nil {
			return false
		}
		return sum.Status == want
	}, 5*time.Second, 10*time.Millisecond, "session never reached %s", want)
	return sum
}

func TestCreateSessionValidation(t *testing.T) {
	o := newTestOrchestrator(t, "sleep 60", nil)

	t.Run("empty source", func(t *testing.T) {
		_, err := o.CreateSession("", defaultSessionConfig())
		require.ErrorIs(t, err, ErrValidation)
	})

	t.Run("nonexistent local file", func(t *testing.T) {
		_, err := o.CreateSession("/no/such/file.mp4", defaultSessionConfig())
		require.ErrorIs(t, err, ErrValidation)
	})

	t.Run("unsupported scheme", func(t *testing.T) {
		_, err := o.CreateSession("ftp://example.com/a.mp4", defaultSessionConfig())
		require.ErrorIs(t, err, ErrValidation)
	})

	t.Run("invalid config", func(t *testing.T) {
		cfg := defaultSessionConfig()
		cfg.Language = "klingon"
		_, err := o.CreateSession("https://example.com/live.m3u8", cfg)
		require.ErrorIs(t, err, ErrValidation)
	})

	t.Run("existing local file", func(t *testing.T) {
		src := filepath.Join(t.TempDir(), "in.mp4")
		require.NoError(t, os.WriteFile(src, []byte("data"), 0600))
		id, err := o.CreateSession(src, defaultSessionConfig())
		require.NoError(t, err)
		require.NotEmpty(t, id)
	})
}

func TestCreateSessionCapacity(t *testing.T) {
	o := newTestOrchestrator(t, "sleep 60", func(cfg *config.ServiceConfig) {
		cfg.MaxSessions = 2
	})

	id1, err := o.CreateSession("https://example.com/one.m3u8", defaultSessionConfig())
	require.NoError(t, err)
	_, err = o.CreateSession("https://example.com/two.m3u8", defaultSessionConfig())
	require.NoError(t, err)

	_, err = o.CreateSession("https://example.com/three.m3u8", defaultSessionConfig())
	require.ErrorIs(t, err, ErrMaxSessions)

	// Stopping one frees a slot.
	waitStatus(t, o, id1, StatusRunning)
	require.NoError(t, o.StopSession(id1))
	_, err = o.CreateSession("https://example.com/three.m3u8", defaultSessionConfig())
	require.NoError(t, err)
}

func TestStopSessionIdempotent(t *testing.T) {
	o := newTestOrchestrator(t, "sleep 60", nil)

	id, err := o.CreateSession("https://example.com/live.m3u8", defaultSessionConfig())
	require.NoError(t, err)
	sum := waitStatus(t, o, id, StatusRunning)

	require.NoError(t, o.StopSession(id))
	require.ErrorIs(t, o.StopSession(id), ErrNotFound)

	_, err = o.Status(id)
	require.ErrorIs(t, err, ErrNotFound)

	// The artifact namespace is gone with the session.
	_, err = os.Stat(filepath.Dir(sum.SinkPath))
	require.True(t, os.IsNotExist(err))
}

func TestSessionArtifactIsolation(t *testing.T) {
	o := newTestOrchestrator(t, "sleep 60", nil)

	var sinks []string
	for i := 0; i < 3; i++ {
		id, err := o.CreateSession(fmt.Sprintf("https://example.com/s%d.m3u8", i), defaultSessionConfig())
		require.NoError(t, err)
		sum := waitStatus(t, o, id, StatusRunning)
		require.Contains(t, sum.SinkPath, id)
		sinks = append(sinks, sum.SinkPath)
	}

	for i := 0; i < len(sinks); i++ {
		for j := i + 1; j < len(sinks); j++ {
			require.NotEqual(t, sinks[i], sinks[j])
		}
	}
}

// naturalEndStub emulates a short source: the segmenter role drops two audio
// chunks, the encoder role just runs out of input and exits cleanly.
const naturalEndStub = `for last; do :; done
case "$last" in
*.wav)
	d=$(dirname "$last")
	: > "$d/chunk_0000.wav"
	: > "$d/chunk_0001.wav"
	;;
esac
sleep 0.5
exit 0`

func TestSessionNaturalEnd(t *testing.T) {
	o := newTestOrchestrator(t, naturalEndStub, nil)

	id, err := o.CreateSession("https://example.com/short.m3u8", defaultSessionConfig())
	require.NoError(t, err)

	// A clean pipeline exit after output was produced ends the session as
	// stopped, and the entry stays queryable until reaped.
	sum := waitStatus(t, o, id, StatusStopped)
	require.Empty(t, sum.Error)

	require.NoError(t, o.StopSession(id))
	require.ErrorIs(t, o.StopSession(id), ErrNotFound)
}

func TestSessionEarlyCleanExit(t *testing.T) {
	o := newTestOrchestrator(t, "exit 0", nil)

	id, err := o.CreateSession("https://example.com/empty.m3u8", defaultSessionConfig())
	require.NoError(t, err)

	// A clean exit before any audio window was produced is a start failure,
	// not a completed session.
	sum := waitStatus(t, o, id, StatusFailed)
	require.Contains(t, sum.Error, "before producing output")
}

func TestSessionPipelineFailure(t *testing.T) {
	o := newTestOrchestrator(t, "echo 'decode error' >&2; exit 3", nil)

	id, err := o.CreateSession("https://example.com/broken.m3u8", defaultSessionConfig())
	require.NoError(t, err)

	sum := waitStatus(t, o, id, StatusFailed)
	require.Contains(t, sum.Error, "exit status 3")
	require.Contains(t, sum.Error, "decode error")

	// Failed sessions don't count against the cap.
	for i := 0; i < o.cfg.MaxSessions; i++ {
		_, err := o.CreateSession(fmt.Sprintf("https://example.com/b%d.m3u8", i), defaultSessionConfig())
		require.NoError(t, err)
	}
}

func TestWireSessionRemovedSession(t *testing.T) {
	o := newTestOrchestrator(t, "sleep 60", nil)

	// Session never registered, as if a concurrent stop removed it right
	// after creation. Wiring must fail and leave no artifact namespace.
	s := &Session{
		ID:     "ghost",
		Source: "https://example.com/live.m3u8",
		Config: defaultSessionConfig(),
		Status: StatusStarting,
	}
	require.ErrorIs(t, o.wireSession(s), ErrNotFound)

	_, err := os.Stat(filepath.Join(o.cfg.TempDir, "ghost"))
	require.True(t, os.IsNotExist(err))
}

func TestOrchestratorShutdown(t *testing.T) {
	o := newTestOrchestrator(t, "sleep 60", nil)
	o.Start()

	id, err := o.CreateSession("https://example.com/live.m3u8", defaultSessionConfig())
	require.NoError(t, err)
	waitStatus(t, o, id, StatusRunning)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, o.Stop(ctx))

	_, err = o.Status(id)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestIdleSweep(t *testing.T) {
	o := newTestOrchestrator(t, "sleep 60", func(cfg *config.ServiceConfig) {
		cfg.IdleTimeout = 200 * time.Millisecond
		cfg.SweepInterval = 50 * time.Millisecond
	})
	o.Start()
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		require.NoError(t, o.Stop(ctx))
	}()

	id, err := o.CreateSession("https://example.com/live.m3u8", defaultSessionConfig())
	require.NoError(t, err)
	waitStatus(t, o, id, StatusRunning)

	// No windows arrive from the stub, so the session goes idle and is reaped.
	require.Eventually(t, func() bool {
		_, err := o.Status(id)
		return err == ErrNotFound
	}, 5*time.Second, 20*time.Millisecond)
}
