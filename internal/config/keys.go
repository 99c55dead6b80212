package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

type keyType int

const (
	kString keyType = iota
	kInt
	kBool
	kDuration
)

type keySpec struct {
	key     string
	typ     keyType
	env     string
	secret  bool
	apply   func(cfg *Config, v any)
	extract func(cfg Config) any
}

var specs = []keySpec{
	{
		key: "inference.endpoint", typ: kString, env: "GLIMPSE_INFERENCE_ENDPOINT",
		apply:   func(cfg *Config, v any) { cfg.Inference.Endpoint = v.(string) },
		extract: func(cfg Config) any { return cfg.Inference.Endpoint },
	},
	{
		key: "inference.model", typ: kString, env: "GLIMPSE_INFERENCE_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Inference.Model = v.(string) },
		extract: func(cfg Config) any { return cfg.Inference.Model },
	},
	{
		key: "inference.timeout", typ: kDuration, env: "GLIMPSE_INFERENCE_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Inference.Timeout = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Inference.Timeout },
	},
	{
		key: "inference.stream_timeout", typ: kDuration, env: "GLIMPSE_INFERENCE_STREAM_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Inference.StreamTimeout = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Inference.StreamTimeout },
	},
	{
		key: "inference.idle_timeout", typ: kDuration, env: "GLIMPSE_INFERENCE_IDLE_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Inference.IdleTimeout = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Inference.IdleTimeout },
	},
	{
		key: "inference.stream", typ: kBool, env: "GLIMPSE_INFERENCE_STREAM",
		apply:   func(cfg *Config, v any) { cfg.Inference.Stream = v.(bool) },
		extract: func(cfg Config) any { return cfg.Inference.Stream },
	},
	{
		key: "inference.send_path", typ: kBool, env: "GLIMPSE_INFERENCE_SEND_PATH",
		apply:   func(cfg *Config, v any) { cfg.Inference.SendPath = v.(bool) },
		extract: func(cfg Config) any { return cfg.Inference.SendPath },
	},
	{
		key: "screen.prompt", typ: kString, env: "GLIMPSE_SCREEN_PROMPT",
		apply:   func(cfg *Config, v any) { cfg.Screen.Prompt = v.(string) },
		extract: func(cfg Config) any { return cfg.Screen.Prompt },
	},
	{
		key: "screen.system", typ: kString, env: "GLIMPSE_SCREEN_SYSTEM",
		apply:   func(cfg *Config, v any) { cfg.Screen.System = v.(string) },
		extract: func(cfg Config) any { return cfg.Screen.System },
	},
	{
		key: "screen.interval", typ: kDuration, env: "GLIMPSE_SCREEN_INTERVAL",
		apply:   func(cfg *Config, v any) { cfg.Screen.Interval = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Screen.Interval },
	},
	{
		key: "screen.max_tokens", typ: kInt, env: "GLIMPSE_SCREEN_MAX_TOKENS",
		apply:   func(cfg *Config, v any) { cfg.Screen.MaxTokens = v.(int) },
		extract: func(cfg Config) any { return cfg.Screen.MaxTokens },
	},
	{
		key: "screen.dir", typ: kString, env: "GLIMPSE_SCREEN_DIR",
		apply:   func(cfg *Config, v any) { cfg.Screen.Dir = v.(string) },
		extract: func(cfg Config) any { return cfg.Screen.Dir },
	},
	{
		key: "audio.prompt", typ: kString, env: "GLIMPSE_AUDIO_PROMPT",
		apply:   func(cfg *Config, v any) { cfg.Audio.Prompt = v.(string) },
		extract: func(cfg Config) any { return cfg.Audio.Prompt },
	},
	{
		key: "audio.system", typ: kString, env: "GLIMPSE_AUDIO_SYSTEM",
		apply:   func(cfg *Config, v any) { cfg.Audio.System = v.(string) },
		extract: func(cfg Config) any { return cfg.Audio.System },
	},
	{
		key: "audio.interval", typ: kDuration, env: "GLIMPSE_AUDIO_INTERVAL",
		apply:   func(cfg *Config, v any) { cfg.Audio.Interval = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Audio.Interval },
	},
	{
		key: "audio.duration", typ: kDuration, env: "GLIMPSE_AUDIO_DURATION",
		apply:   func(cfg *Config, v any) { cfg.Audio.Duration = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Audio.Duration },
	},
	{
		key: "audio.sample_rate", typ: kInt, env: "GLIMPSE_AUDIO_SAMPLE_RATE",
		apply:   func(cfg *Config, v any) { cfg.Audio.SampleRate = v.(int) },
		extract: func(cfg Config) any { return cfg.Audio.SampleRate },
	},
	{
		key: "audio.max_tokens", typ: kInt, env: "GLIMPSE_AUDIO_MAX_TOKENS",
		apply:   func(cfg *Config, v any) { cfg.Audio.MaxTokens = v.(int) },
		extract: func(cfg Config) any { return cfg.Audio.MaxTokens },
	},
	{
		key: "audio.dir", typ: kString, env: "GLIMPSE_AUDIO_DIR",
		apply:   func(cfg *Config, v any) { cfg.Audio.Dir = v.(string) },
		extract: func(cfg Config) any { return cfg.Audio.Dir },
	},
	{
		key: "speech.voice", typ: kString, env: "GLIMPSE_SPEECH_VOICE",
		apply:   func(cfg *Config, v any) { cfg.Speech.Voice = v.(string) },
		extract: func(cfg Config) any { return cfg.Speech.Voice },
	},
	{
		key: "typing.delay", typ: kDuration, env: "GLIMPSE_TYPING_DELAY",
		apply:   func(cfg *Config, v any) { cfg.Typing.Delay = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Typing.Delay },
	},
	{
		key: "server.port", typ: kInt, env: "GLIMPSE_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "server.token", typ: kString, env: "GLIMPSE_SERVER_TOKEN", secret: true,
		apply:   func(cfg *Config, v any) { cfg.Server.Token = v.(string) },
		extract: func(cfg Config) any { return cfg.Server.Token },
	},
	{
		key: "storage.data_dir", typ: kString, env: "GLIMPSE_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "log.level", typ: kString, env: "GLIMPSE_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
	{
		key: "log.format", typ: kString, env: "GLIMPSE_LOG_FORMAT",
		apply:   func(cfg *Config, v any) { cfg.Log.Format = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Format },
	},
	{
		key: "telemetry.exporter", typ: kString, env: "GLIMPSE_TELEMETRY_EXPORTER",
		apply:   func(cfg *Config, v any) { cfg.Telemetry.Exporter = v.(string) },
		extract: func(cfg Config) any { return cfg.Telemetry.Exporter },
	},
}

// parseValue converts a raw string for the given key type. Durations accept
// Go duration syntax ("30s") or a bare number of seconds ("30").
func parseValue(typ keyType, raw string) (any, error) {
	switch typ {
	case kString:
		return raw, nil
	case kInt:
		return strconv.Atoi(raw)
	case kBool:
		return strconv.ParseBool(raw)
	case kDuration:
		return parseDuration(raw)
	}
	return nil, fmt.Errorf("unknown key type %d", typ)
}

func parseDuration(raw string) (time.Duration, error) {
	if secs, err := strconv.ParseFloat(raw, 64); err == nil {
		return time.Duration(secs * float64(time.Second)), nil
	}
	return time.ParseDuration(raw)
}

func applyBackend(cfg *Config, b ConfigBackend) error {
	for _, s := range specs {
		switch s.typ {
		case kInt:
			v, ok, err := b.GetInt(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		default:
			raw, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if !ok || (raw == "" && s.typ != kString) {
				continue
			}
			v, err := parseValue(s.typ, raw)
			if err != nil {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse config key %s=%q: %v. Using default value.\n", s.key, raw, err)
				continue
			}
			s.apply(cfg, v)
		}
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	for _, s := range specs {
		if s.env == "" {
			continue
		}
		raw := os.Getenv(s.env)
		if raw == "" {
			continue
		}
		v, err := parseValue(s.typ, raw)
		if err != nil {
			fmt.Fprintf(os.Stderr, "[WARN] could not parse env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			continue
		}
		s.apply(cfg, v)
	}
}
