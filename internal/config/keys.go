package config

import (
	"fmt"
	"os"
	"strconv"
)

type keyType int

const (
	kString keyType = iota
	kInt
)

type keySpec struct {
	key     string
	typ     keyType
	env     string
	apply   func(cfg *Config, v any)
	extract func(cfg Config) any
}

var specs = []keySpec{
	{
		key: "server.port", typ: kInt, env: "SIPHON_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "storage.data_dir", typ: kString, env: "SIPHON_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "poll.concurrency", typ: kInt, env: "SIPHON_POLL_CONCURRENCY",
		apply:   func(cfg *Config, v any) { cfg.Poll.Concurrency = v.(int) },
		extract: func(cfg Config) any { return cfg.Poll.Concurrency },
	},
	{
		key: "poll.fetch_limit", typ: kInt, env: "SIPHON_POLL_FETCH_LIMIT",
		apply:   func(cfg *Config, v any) { cfg.Poll.FetchLimit = v.(int) },
		extract: func(cfg Config) any { return cfg.Poll.FetchLimit },
	},
	{
		key: "poll.transcribe_per_cycle", typ: kInt, env: "SIPHON_POLL_TRANSCRIBE_PER_CYCLE",
		apply:   func(cfg *Config, v any) { cfg.Poll.TranscribePerCycle = v.(int) },
		extract: func(cfg Config) any { return cfg.Poll.TranscribePerCycle },
	},
	{
		key: "poll.fetch_timeout", typ: kString, env: "SIPHON_POLL_FETCH_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Poll.FetchTimeout = v.(string) },
		extract: func(cfg Config) any { return cfg.Poll.FetchTimeout },
	},
	{
		key: "poll.interval", typ: kString, env: "SIPHON_POLL_INTERVAL",
		apply:   func(cfg *Config, v any) { cfg.Poll.Interval = v.(string) },
		extract: func(cfg Config) any { return cfg.Poll.Interval },
	},
	{
		key: "whisper.base_url", typ: kString, env: "SIPHON_WHISPER_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Whisper.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Whisper.BaseURL },
	},
	{
		key: "whisper.model", typ: kString, env: "SIPHON_WHISPER_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Whisper.Model = v.(string) },
		extract: func(cfg Config) any { return cfg.Whisper.Model },
	},
	{
		key: "browser.base_url", typ: kString, env: "SIPHON_BROWSER_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Browser.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Browser.BaseURL },
	},
	{
		key: "media.output_dir", typ: kString, env: "SIPHON_MEDIA_OUTPUT_DIR",
		apply:   func(cfg *Config, v any) { cfg.Media.OutputDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Media.OutputDir },
	},
	{
		key: "log.level", typ: kString, env: "SIPHON_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
}

func applyBackend(cfg *Config, b ConfigBackend) error {
	for _, s := range specs {
		switch s.typ {
		case kString:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		case kInt:
			v, ok, err := b.GetInt(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
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
		switch s.typ {
		case kString:
			s.apply(cfg, raw)
		case kInt:
			if i, err := strconv.Atoi(raw); err == nil {
				s.apply(cfg, i)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse integer from env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			}
		}
	}
}
