package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/streamsub/transcriberd/cmd/transcriberd/transcribe"
)

const (
	// defaults
	ModelSizeDefault     = ModelSizeBase
	TranscribeAPIDefault = TranscribeAPIWhisperCPP
	OutputFormatDefault  = OutputFormatSRT
	LanguageDefault      = "auto"

	ChunkDurationDefault = 10 * time.Second
	ChunkDurationMin     = 1 * time.Second
	ChunkDurationMax     = 60 * time.Second
)

type OutputFormat string

const (
	OutputFormatSRT OutputFormat = "srt"
	OutputFormatVTT OutputFormat = "vtt"
)

func (f OutputFormat) IsValid() bool {
	switch f {
	case OutputFormatSRT, OutputFormatVTT:
		return true
	default:
		return false
	}
}

// TrackFormat maps the output format to the subtitle track serialization.
func (f OutputFormat) TrackFormat() transcribe.Format {
	return transcribe.Format(f)
}

type ModelSize string

const (
	ModelSizeTiny   ModelSize = "tiny"
	ModelSizeBase             = "base"
	ModelSizeSmall            = "small"
	ModelSizeMedium           = "medium"
	ModelSizeLarge            = "large"
)

func (s ModelSize) IsValid() bool {
	switch s {
	case ModelSizeTiny, ModelSizeBase, ModelSizeSmall, ModelSizeMedium, ModelSizeLarge:
		return true
	default:
		return false
	}
}

type TranscribeAPI string

const (
	TranscribeAPIWhisperCPP = "whisper.cpp"
	TranscribeAPIAzure      = "azure"
)

func (a TranscribeAPI) IsValid() bool {
	switch a {
	case TranscribeAPIWhisperCPP, TranscribeAPIAzure:
		return true
	default:
		return false
	}
}

// knownLanguages is the set of language codes accepted for transcription,
// plus "auto" for model autodetection.
var knownLanguages = map[string]bool{
	"auto": true,
	"en":   true,
	"it":   true,
	"es":   true,
	"fr":   true,
	"de":   true,
	"pt":   true,
	"nl":   true,
	"pl":   true,
	"ru":   true,
	"uk":   true,
	"tr":   true,
	"ar":   true,
	"hi":   true,
	"zh":   true,
	"ja":   true,
	"ko":   true,
}

// SessionConfig is the per-session transcription configuration. It's
// immutable once a session has been created.
type SessionConfig struct {
	Language      string
	ModelSize     ModelSize
	ChunkDuration time.Duration
	OutputFormat  OutputFormat
	TranscribeAPI TranscribeAPI
}

func (cfg SessionConfig) IsValid() error {
	if cfg == (SessionConfig{}) {
		return fmt.Errorf("config cannot be empty")
	}

	if !knownLanguages[cfg.Language] {
		return fmt.Errorf("Language value is not valid")
	}

	if !cfg.ModelSize.IsValid() {
		return fmt.Errorf("ModelSize value is not valid")
	}

	if cfg.ChunkDuration < ChunkDurationMin || cfg.ChunkDuration > ChunkDurationMax {
		return fmt.Errorf("ChunkDuration should be in the range [%s, %s]", ChunkDurationMin, ChunkDurationMax)
	}

	if !cfg.OutputFormat.IsValid() {
		return fmt.Errorf("OutputFormat value is not valid")
	}

	if !cfg.TranscribeAPI.IsValid() {
		return fmt.Errorf("TranscribeAPI value is not valid")
	}

	return nil
}

func (cfg *SessionConfig) SetDefaults() {
	if cfg.Language == "" {
		cfg.Language = LanguageDefault
	}

	if cfg.ModelSize == "" {
		cfg.ModelSize = ModelSizeDefault
	}

	if cfg.ChunkDuration == 0 {
		cfg.ChunkDuration = ChunkDurationDefault
	}

	if cfg.OutputFormat == "" {
		cfg.OutputFormat = OutputFormatDefault
	}

	if cfg.TranscribeAPI == "" {
		cfg.TranscribeAPI = TranscribeAPIDefault
	}
}

func (cfg SessionConfig) ToEnv() []string {
	if cfg == (SessionConfig{}) {
		return nil
	}

	return []string{
		fmt.Sprintf("LANGUAGE=%s", cfg.Language),
		fmt.Sprintf("MODEL_SIZE=%s", cfg.ModelSize),
		fmt.Sprintf("CHUNK_DURATION_SECS=%d", int(cfg.ChunkDuration.Seconds())),
		fmt.Sprintf("OUTPUT_FORMAT=%s", cfg.OutputFormat),
		fmt.Sprintf("TRANSCRIBE_API=%s", cfg.TranscribeAPI),
	}
}

func (cfg SessionConfig) ToMap() map[string]any {
	if cfg == (SessionConfig{}) {
		return nil
	}

	return map[string]any{
		"language":            cfg.Language,
		"model_size":          cfg.ModelSize,
		"chunk_duration_secs": int(cfg.ChunkDuration.Seconds()),
		"output_format":       cfg.OutputFormat,
		"transcribe_api":      cfg.TranscribeAPI,
	}
}

func (cfg *SessionConfig) FromMap(m map[string]any) *SessionConfig {
	cfg.Language, _ = m["language"].(string)

	// chunk_duration_secs can either be int or float64 depending whether it's
	// been previously marshaled or not.
	switch m["chunk_duration_secs"].(type) {
	case int:
		cfg.ChunkDuration = time.Duration(m["chunk_duration_secs"].(int)) * time.Second
	case float64:
		cfg.ChunkDuration = time.Duration(m["chunk_duration_secs"].(float64)) * time.Second
	}

	if modelSize, ok := m["model_size"].(string); ok {
		cfg.ModelSize = ModelSize(modelSize)
	} else {
		cfg.ModelSize, _ = m["model_size"].(ModelSize)
	}
	if outputFormat, ok := m["output_format"].(string); ok {
		cfg.OutputFormat = OutputFormat(outputFormat)
	} else {
		cfg.OutputFormat, _ = m["output_format"].(OutputFormat)
	}
	if api, ok := m["transcribe_api"].(string); ok {
		cfg.TranscribeAPI = TranscribeAPI(api)
	} else {
		cfg.TranscribeAPI, _ = m["transcribe_api"].(TranscribeAPI)
	}

	return cfg
}

func (cfg *SessionConfig) FromEnv() {
	cfg.Language = os.Getenv("LANGUAGE")

	if secs, err := strconv.Atoi(os.Getenv("CHUNK_DURATION_SECS")); err == nil {
		cfg.ChunkDuration = time.Duration(secs) * time.Second
	}

	if val := os.Getenv("MODEL_SIZE"); val != "" {
		cfg.ModelSize = ModelSize(val)
	}

	if val := os.Getenv("OUTPUT_FORMAT"); val != "" {
		cfg.OutputFormat = OutputFormat(val)
	}

	if val := os.Getenv("TRANSCRIBE_API"); val != "" {
		cfg.TranscribeAPI = TranscribeAPI(val)
	}
}
