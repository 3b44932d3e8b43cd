package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"time"
)

const (
	// service defaults
	FFmpegPathDefault             = "ffmpeg"
	MaxSessionsDefault            = 8
	WindowConcurrencyDefault      = 2
	NumThreadsMax                 = 8
	CallTimeoutDefault            = 30 * time.Second
	StartupTimeoutDefault         = 15 * time.Second
	GracePeriodDefault            = 5 * time.Second
	DrainTimeoutDefault           = 10 * time.Second
	IdleTimeoutDefault            = 5 * time.Minute
	SweepIntervalDefault          = 30 * time.Second
	EncoderRestartSegmentsDefault = 3
)

// ServiceConfig is the process-wide configuration of the orchestrator: global
// caps, timeouts and filesystem locations shared by all sessions.
type ServiceConfig struct {
	// FFmpegPath is the decode/transcode executable launched per session.
	FFmpegPath string
	// TempDir is the root under which per-session artifact namespaces live.
	TempDir string
	// ModelsDir holds the whisper GGML models and the VAD model.
	ModelsDir string

	// MaxSessions caps the number of concurrently active sessions.
	MaxSessions int
	// WindowConcurrency caps in-flight transcription windows per session.
	WindowConcurrency int
	// NumThreads is the number of threads per local transcription context.
	NumThreads int

	// CallTimeout bounds a single transcription call.
	CallTimeout time.Duration
	// StartupTimeout bounds how long the pipeline may run without producing
	// output before an early exit is reported as a start failure.
	StartupTimeout time.Duration
	// GracePeriod is how long a subprocess gets between SIGTERM and SIGKILL.
	GracePeriod time.Duration
	// DrainTimeout bounds waiting for in-flight windows during teardown.
	DrainTimeout time.Duration
	// IdleTimeout is the inactivity threshold after which a session is reaped.
	IdleTimeout time.Duration
	// SweepInterval is how often the idle sweep runs.
	SweepInterval time.Duration

	// FlushEverySegments and FlushMaxInterval set the subtitle track batch
	// policy (flush after K segments or after the max latency, whichever
	// comes first).
	FlushEverySegments int
	FlushMaxInterval   time.Duration
	// EncoderRestartSegments is how many new subtitle segments accumulate
	// before the burn-in encoder is restarted to pick them up. Zero disables
	// restarts.
	EncoderRestartSegments int

	// VADEnabled gates windows through voice activity detection before they
	// are dispatched for transcription.
	VADEnabled bool

	AzureSpeechKey    string
	AzureSpeechRegion string
}

func (cfg ServiceConfig) IsValid() error {
	if cfg.FFmpegPath == "" {
		return fmt.Errorf("FFmpegPath cannot be empty")
	}
	if cfg.TempDir == "" {
		return fmt.Errorf("TempDir cannot be empty")
	}
	if cfg.MaxSessions < 1 {
		return fmt.Errorf("MaxSessions should be a positive number")
	}
	if cfg.WindowConcurrency < 1 {
		return fmt.Errorf("WindowConcurrency should be a positive number")
	}
	if numCPU := runtime.NumCPU(); cfg.NumThreads < 1 || cfg.NumThreads > numCPU {
		return fmt.Errorf("NumThreads should be in the range [1, %d]", numCPU)
	}
	for name, d := range map[string]time.Duration{
		"CallTimeout":      cfg.CallTimeout,
		"StartupTimeout":   cfg.StartupTimeout,
		"GracePeriod":      cfg.GracePeriod,
		"DrainTimeout":     cfg.DrainTimeout,
		"IdleTimeout":      cfg.IdleTimeout,
		"SweepInterval":    cfg.SweepInterval,
		"FlushMaxInterval": cfg.FlushMaxInterval,
	} {
		if d <= 0 {
			return fmt.Errorf("%s should be a positive duration", name)
		}
	}
	if cfg.FlushEverySegments < 1 {
		return fmt.Errorf("FlushEverySegments should be a positive number")
	}
	if cfg.EncoderRestartSegments < 0 {
		return fmt.Errorf("EncoderRestartSegments cannot be negative")
	}

	return nil
}

func (cfg *ServiceConfig) SetDefaults() {
	if cfg.FFmpegPath == "" {
		cfg.FFmpegPath = FFmpegPathDefault
	}
	if cfg.TempDir == "" {
		cfg.TempDir = filepath.Join(os.TempDir(), "transcriberd")
	}
	if cfg.ModelsDir == "" {
		cfg.ModelsDir = "./models"
	}
	if cfg.MaxSessions == 0 {
		cfg.MaxSessions = MaxSessionsDefault
	}
	if cfg.WindowConcurrency == 0 {
		cfg.WindowConcurrency = WindowConcurrencyDefault
	}
	if cfg.NumThreads == 0 {
		cfg.NumThreads = min(max(1, runtime.NumCPU()/2), NumThreadsMax)
	}
	if cfg.CallTimeout == 0 {
		cfg.CallTimeout = CallTimeoutDefault
	}
	if cfg.StartupTimeout == 0 {
		cfg.StartupTimeout = StartupTimeoutDefault
	}
	if cfg.GracePeriod == 0 {
		cfg.GracePeriod = GracePeriodDefault
	}
	if cfg.DrainTimeout == 0 {
		cfg.DrainTimeout = DrainTimeoutDefault
	}
	if cfg.IdleTimeout == 0 {
		cfg.IdleTimeout = IdleTimeoutDefault
	}
	if cfg.SweepInterval == 0 {
		cfg.SweepInterval = SweepIntervalDefault
	}
	if cfg.FlushEverySegments == 0 {
		cfg.FlushEverySegments = EncoderRestartSegmentsDefault
	}
	if cfg.FlushMaxInterval == 0 {
		cfg.FlushMaxInterval = 2 * time.Second
	}
	if cfg.EncoderRestartSegments == 0 {
		cfg.EncoderRestartSegments = EncoderRestartSegmentsDefault
	}
}

// VADModelFile returns the path of the VAD model under ModelsDir.
func (cfg ServiceConfig) VADModelFile() string {
	return filepath.Join(cfg.ModelsDir, "silero_vad.onnx")
}

// WhisperModelFile returns the path of the GGML model for the given size.
func (cfg ServiceConfig) WhisperModelFile(size ModelSize) string {
	return filepath.Join(cfg.ModelsDir, fmt.Sprintf("ggml-%s.bin", string(size)))
}

func ServiceFromEnv() (ServiceConfig, error) {
	var cfg ServiceConfig
	cfg.FFmpegPath = os.Getenv("FFMPEG_PATH")
	cfg.TempDir = os.Getenv("TEMP_DIR")
	cfg.ModelsDir = os.Getenv("MODELS_DIR")
	cfg.MaxSessions, _ = strconv.Atoi(os.Getenv("MAX_SESSIONS"))
	cfg.WindowConcurrency, _ = strconv.Atoi(os.Getenv("WINDOW_CONCURRENCY"))
	cfg.NumThreads, _ = strconv.Atoi(os.Getenv("NUM_THREADS"))
	cfg.FlushEverySegments, _ = strconv.Atoi(os.Getenv("FLUSH_EVERY_SEGMENTS"))
	cfg.EncoderRestartSegments, _ = strconv.Atoi(os.Getenv("ENCODER_RESTART_SEGMENTS"))
	cfg.VADEnabled, _ = strconv.ParseBool(os.Getenv("VAD_ENABLED"))
	cfg.AzureSpeechKey = os.Getenv("AZURE_SPEECH_KEY")
	cfg.AzureSpeechRegion = os.Getenv("AZURE_SPEECH_REGION")

	for env, dst := range map[string]*time.Duration{
		"CALL_TIMEOUT_MS":      &cfg.CallTimeout,
		"STARTUP_TIMEOUT_MS":   &cfg.StartupTimeout,
		"GRACE_PERIOD_MS":      &cfg.GracePeriod,
		"DRAIN_TIMEOUT_MS":     &cfg.DrainTimeout,
		"IDLE_TIMEOUT_MS":      &cfg.IdleTimeout,
		"SWEEP_INTERVAL_MS":    &cfg.SweepInterval,
		"FLUSH_MAX_INTERVAL_MS": &cfg.FlushMaxInterval,
	} {
		if ms, err := strconv.Atoi(os.Getenv(env)); err == nil && ms > 0 {
			*dst = time.Duration(ms) * time.Millisecond
		}
	}

	return cfg, nil
}
