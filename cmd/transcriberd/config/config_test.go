package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSessionConfigIsValid(t *testing.T) {
	tcs := []struct {
		name          string
		cfg           SessionConfig
		expectedError string
	}{
		{
			name:          "empty config",
			cfg:           SessionConfig{},
			expectedError: "config cannot be empty",
		},
		{
			name: "unknown language",
			cfg: SessionConfig{
				Language: "klingon",
			},
			expectedError: "Language value is not valid",
		},
		{
			name: "invalid model size",
			cfg: SessionConfig{
				Language:  "en",
				ModelSize: "huge",
			},
			expectedError: "ModelSize value is not valid",
		},
		{
			name: "chunk duration too short",
			cfg: SessionConfig{
				Language:      "en",
				ModelSize:     ModelSizeBase,
				ChunkDuration: 100 * time.Millisecond,
			},
			expectedError: "ChunkDuration should be in the range [1s, 1m0s]",
		},
		{
			name: "chunk duration too long",
			cfg: SessionConfig{
				Language:      "en",
				ModelSize:     ModelSizeBase,
				ChunkDuration: 5 * time.Minute,
			},
			expectedError: "ChunkDuration should be in the range [1s, 1m0s]",
		},
		{
			name: "invalid format",
			cfg: SessionConfig{
				Language:      "en",
				ModelSize:     ModelSizeBase,
				ChunkDuration: 10 * time.Second,
				OutputFormat:  "ass",
			},
			expectedError: "OutputFormat value is not valid",
		},
		{
			name: "invalid API",
			cfg: SessionConfig{
				Language:      "en",
				ModelSize:     ModelSizeBase,
				ChunkDuration: 10 * time.Second,
				OutputFormat:  OutputFormatSRT,
				TranscribeAPI: "openai",
			},
			expectedError: "TranscribeAPI value is not valid",
		},
		{
			name: "valid config",
			cfg: SessionConfig{
				Language:      "auto",
				ModelSize:     ModelSizeMedium,
				ChunkDuration: 2 * time.Second,
				OutputFormat:  OutputFormatVTT,
				TranscribeAPI: TranscribeAPIWhisperCPP,
			},
		},
	}

	for _, tc := range tcs {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.cfg.IsValid()
			if tc.expectedError == "" {
				require.NoError(t, err)
			} else {
				require.EqualError(t, err, tc.expectedError)
			}
		})
	}
}

func TestSessionConfigSetDefaults(t *testing.T) {
	t.Run("empty input config", func(t *testing.T) {
		var cfg SessionConfig
		cfg.SetDefaults()
		require.Equal(t, SessionConfig{
			Language:      "auto",
			ModelSize:     ModelSizeBase,
			ChunkDuration: 10 * time.Second,
			OutputFormat:  OutputFormatSRT,
			TranscribeAPI: TranscribeAPIWhisperCPP,
		}, cfg)
		require.NoError(t, cfg.IsValid())
	})

	t.Run("does not override set values", func(t *testing.T) {
		cfg := SessionConfig{
			Language:      "it",
			ChunkDuration: 2 * time.Second,
		}
		cfg.SetDefaults()
		require.Equal(t, "it", cfg.Language)
		require.Equal(t, 2*time.Second, cfg.ChunkDuration)
		require.Equal(t, ModelSize(ModelSizeBase), cfg.ModelSize)
	})
}

func TestSessionConfigMapRoundtrip(t *testing.T) {
	var cfg SessionConfig
	cfg.SetDefaults()

	var out SessionConfig
	out.FromMap(cfg.ToMap())
	require.Equal(t, cfg, out)

	// float durations come back from JSON unmarshaling
	m := cfg.ToMap()
	m["chunk_duration_secs"] = float64(4)
	out.FromMap(m)
	require.Equal(t, 4*time.Second, out.ChunkDuration)
}

func TestServiceConfigIsValid(t *testing.T) {
	valid := func() ServiceConfig {
		var cfg ServiceConfig
		cfg.SetDefaults()
		return cfg
	}

	t.Run("defaults are valid", func(t *testing.T) {
		cfg := valid()
		require.NoError(t, cfg.IsValid())
	})

	t.Run("missing ffmpeg path", func(t *testing.T) {
		cfg := valid()
		cfg.FFmpegPath = ""
		require.EqualError(t, cfg.IsValid(), "FFmpegPath cannot be empty")
	})

	t.Run("bad caps", func(t *testing.T) {
		cfg := valid()
		cfg.MaxSessions = -1
		require.EqualError(t, cfg.IsValid(), "MaxSessions should be a positive number")

		cfg = valid()
		cfg.WindowConcurrency = 0
		require.EqualError(t, cfg.IsValid(), "WindowConcurrency should be a positive number")
	})

	t.Run("bad durations", func(t *testing.T) {
		cfg := valid()
		cfg.IdleTimeout = -time.Second
		require.EqualError(t, cfg.IsValid(), "IdleTimeout should be a positive duration")
	})
}

func TestServiceFromEnv(t *testing.T) {
	t.Setenv("FFMPEG_PATH", "/usr/local/bin/ffmpeg")
	t.Setenv("MAX_SESSIONS", "2")
	t.Setenv("IDLE_TIMEOUT_MS", "60000")
	t.Setenv("VAD_ENABLED", "true")

	cfg, err := ServiceFromEnv()
	require.NoError(t, err)
	require.Equal(t, "/usr/local/bin/ffmpeg", cfg.FFmpegPath)
	require.Equal(t, 2, cfg.MaxSessions)
	require.Equal(t, time.Minute, cfg.IdleTimeout)
	require.True(t, cfg.VADEnabled)
}
