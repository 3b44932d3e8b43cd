package session

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"

	"github.com/streamsub/transcriberd/cmd/transcriberd/pipeline"
	"github.com/streamsub/transcriberd/cmd/transcriberd/transcribe"
)

// ArtifactPaths is the set of filesystem locations exclusively owned by one
// session. Every path lives under a root namespaced by the session id, which
// is the single source of truth for the no-collision guarantee: two sessions
// can never share an artifact path.
type ArtifactPaths struct {
	// Root is the session's namespace directory; removing it removes every
	// artifact.
	Root string
	// Subtitle is the incrementally updated subtitle document.
	Subtitle string
	// Sink is where the encoder writes the playable output stream. A named
	// pipe when the platform allows it, a regular file otherwise.
	Sink string
	// ChunkDir holds the fixed-duration audio windows.
	ChunkDir string
}

func newArtifactPaths(tempDir, id string, format transcribe.Format) ArtifactPaths {
	root := filepath.Join(tempDir, id)
	return ArtifactPaths{
		Root:     root,
		Subtitle: filepath.Join(root, "subs."+format.Ext()),
		Sink:     filepath.Join(root, "video.ts"),
		ChunkDir: filepath.Join(root, "chunks"),
	}
}

// ChunkPattern returns the ffmpeg segment output pattern inside ChunkDir.
func (p ArtifactPaths) ChunkPattern() string {
	return filepath.Join(p.ChunkDir, pipeline.ChunkPattern)
}

// create materializes the namespace: the root and chunk directories plus the
// sink FIFO. The encoder blocks writing the FIFO until a stream consumer
// attaches; when FIFO creation fails the sink degrades to a regular file.
func (p ArtifactPaths) create() error {
	if err := os.MkdirAll(p.ChunkDir, 0700); err != nil {
		return fmt.Errorf("failed to create chunk dir: %w", err)
	}

	if err := unix.Mkfifo(p.Sink, 0600); err != nil {
		slog.Warn("failed to create sink fifo, falling back to regular file",
			slog.String("path", p.Sink), slog.String("err", err.Error()))
	}

	return nil
}

// remove deletes the whole namespace.
func (p ArtifactPaths) remove() error {
	if p.Root == "" {
		return nil
	}
	if err := os.RemoveAll(p.Root); err != nil {
		return fmt.Errorf("failed to remove artifacts: %w", err)
	}
	return nil
}
