package pipeline

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

const (
	// ChunkPattern is the ffmpeg segment muxer pattern for audio windows.
	ChunkPattern = "chunk_%04d.wav"

	subtitleStyle = "FontSize=24,PrimaryColour=&Hffffff,OutlineColour=&H000000,Outline=2,Bold=1"
)

var urlSchemes = []string{"http://", "https://", "rtsp://", "rtmp://", "mms://"}

// IsURL reports whether source is a remote stream URL rather than a local path.
func IsURL(source string) bool {
	for _, scheme := range urlSchemes {
		if strings.HasPrefix(source, scheme) {
			return true
		}
	}
	return false
}

// escapeFilterPath escapes a path for use inside an ffmpeg filter argument.
func escapeFilterPath(path string) string {
	path = strings.ReplaceAll(path, `'`, `\'`)
	return strings.ReplaceAll(path, `:`, `\:`)
}

// EncoderArgs builds the argument set for the burn-in encoder: it renders the
// subtitle document into the video frames and writes a continuously playable
// MPEG-TS stream to the session sink. Arguments are derived deterministically
// from the session's source and artifact paths.
func EncoderArgs(source, subtitlePath, sinkPath string) []string {
	return []string{
		"-i", source,
		"-vf", fmt.Sprintf("subtitles='%s':force_style='%s'", escapeFilterPath(subtitlePath), subtitleStyle),
		"-c:v", "libx264",
		"-preset", "ultrafast",
		"-tune", "zerolatency",
		"-profile:v", "baseline",
		"-level", "3.0",
		"-pix_fmt", "yuv420p",
		"-c:a", "aac",
		"-b:a", "128k",
		"-ar", "44100",
		"-f", "mpegts",
		"-y", sinkPath,
	}
}

// SegmenterArgs builds the argument set for the audio extraction process: it
// slices the source audio into fixed-duration mono 16KHz WAV windows under
// chunkDir, named after ChunkPattern.
func SegmenterArgs(source string, chunkDuration time.Duration, chunkPattern string) []string {
	return []string{
		"-i", source,
		"-vn",
		"-acodec", "pcm_s16le",
		"-ar", "16000",
		"-ac", "1",
		"-f", "segment",
		"-segment_time", strconv.Itoa(int(chunkDuration.Seconds())),
		"-segment_format", "wav",
		"-reset_timestamps", "1",
		"-strftime", "0",
		"-y", chunkPattern,
	}
}

// ChunkIndex parses the window index out of a chunk file name. It returns
// false for names that don't match ChunkPattern.
func ChunkIndex(name string) (int, bool) {
	if !strings.HasPrefix(name, "chunk_") || !strings.HasSuffix(name, ".wav") {
		return 0, false
	}
	idx, err := strconv.Atoi(strings.TrimSuffix(strings.TrimPrefix(name, "chunk_"), ".wav"))
	if err != nil || idx < 0 {
		return 0, false
	}
	return idx, true
}
