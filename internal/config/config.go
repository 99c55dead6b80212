package config

import (
	"fmt"
	"net/url"
	"time"
)

const (
	DefaultEndpoint = "http://localhost:8000/generate"
	DefaultModel    = "mlx-community/gemma-3n-E2B-it-4bit"
)

type Config struct {
	Inference InferenceConfig
	Screen    ScreenConfig
	Audio     AudioConfig
	Speech    SpeechConfig
	Typing    TypingConfig
	Server    ServerConfig
	Storage   StorageConfig
	Log       LogConfig
	Telemetry TelemetryConfig
}

type InferenceConfig struct {
	Endpoint      string
	Model         string
	Timeout       time.Duration
	StreamTimeout time.Duration
	IdleTimeout   time.Duration
	Stream        bool
	SendPath      bool
}

type ScreenConfig struct {
	Prompt    string
	System    string
	Interval  time.Duration
	MaxTokens int
	Dir       string
}

type AudioConfig struct {
	Prompt     string
	System     string
	Interval   time.Duration
	Duration   time.Duration
	SampleRate int
	MaxTokens  int
	Dir        string
}

type SpeechConfig struct {
	Voice string
}

type TypingConfig struct {
	Delay time.Duration
}

type ServerConfig struct {
	Port int
	// Token, when set, is required as a bearer token by the status API.
	Token string
}

type StorageConfig struct {
	DataDir string
}

type LogConfig struct {
	Level  string
	Format string
}

// Telemetry exporters.
const (
	ExporterNone   = "none"
	ExporterStdout = "stdout"
	ExporterOTLP   = "otlp"
)

type TelemetryConfig struct {
	// Exporter is "none", "stdout" (stderr, so stdout stays model output)
	// or "otlp" (endpoint from the OTEL_EXPORTER_OTLP_* variables).
	Exporter string
}

func defaults() Config {
	return Config{
		Inference: InferenceConfig{
			Endpoint:      DefaultEndpoint,
			Model:         DefaultModel,
			Timeout:       120 * time.Second,
			StreamTimeout: 300 * time.Second,
			IdleTimeout:   60 * time.Second,
			Stream:        true,
		},
		Screen: ScreenConfig{
			Prompt:    "Please analyze this screenshot and describe what you see.",
			System:    "You are a helpful assistant.",
			Interval:  30 * time.Second,
			MaxTokens: 1000,
			Dir:       "screenshots",
		},
		Audio: AudioConfig{
			Prompt:     "Transcribe the speech in this audio file. Only output the transcribed text, nothing else.",
			System:     "You are a transcription assistant. Transcribe the audio accurately and output only the transcribed text.",
			Interval:   10 * time.Second,
			Duration:   5 * time.Second,
			SampleRate: 16000,
			MaxTokens:  500,
			Dir:        "recordings",
		},
		Typing: TypingConfig{
			Delay: 3 * time.Second,
		},
		Server: ServerConfig{
			Port: 4100,
		},
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Telemetry: TelemetryConfig{
			Exporter: ExporterNone,
		},
	}
}

// Load reads configuration from the YAML config file and environment
// variables.
//
// The file lives at $XDG_CONFIG_HOME/glimpse/config.yaml unless
// GLIMPSE_CONFIG points elsewhere. Environment variables (GLIMPSE_*)
// override file values.
func Load() (Config, error) {
	return loadWith(newFileBackend(configFilePath()))
}

func loadFromPath(path string) (Config, error) {
	return loadWith(newFileBackend(path))
}

func loadWith(b ConfigBackend) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports the first setting that cannot drive the loop.
func (c Config) Validate() error {
	u, err := url.Parse(c.Inference.Endpoint)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("invalid config: inference.endpoint %q is not an absolute URL", c.Inference.Endpoint)
	}
	if c.Inference.Timeout <= 0 || c.Inference.StreamTimeout <= 0 {
		return fmt.Errorf("invalid config: inference timeouts must be positive")
	}
	if c.Screen.Interval <= 0 || c.Audio.Interval <= 0 {
		return fmt.Errorf("invalid config: intervals must be positive")
	}
	if c.Audio.Duration <= 0 {
		return fmt.Errorf("invalid config: audio.duration must be positive")
	}
	if c.Audio.SampleRate <= 0 {
		return fmt.Errorf("invalid config: audio.sample_rate must be positive")
	}
	if c.Screen.MaxTokens <= 0 || c.Audio.MaxTokens <= 0 {
		return fmt.Errorf("invalid config: max_tokens must be positive")
	}
	switch c.Telemetry.Exporter {
	case ExporterNone, ExporterStdout, ExporterOTLP:
	default:
		return fmt.Errorf("invalid config: telemetry.exporter %q must be none, stdout or otlp", c.Telemetry.Exporter)
	}
	return nil
}
