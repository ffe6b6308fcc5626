package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

type keyType int

const (
	kString keyType = iota
	kInt
	kDuration
	kList
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
		key: "server.port", typ: kInt, env: "PROMPTLAB_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "server.cors_origins", typ: kList, env: "PROMPTLAB_SERVER_CORS_ORIGINS",
		apply:   func(cfg *Config, v any) { cfg.Server.CORSOrigins = v.([]string) },
		extract: func(cfg Config) any { return strings.Join(cfg.Server.CORSOrigins, ",") },
	},
	{
		key: "server.url", typ: kString, env: "PROMPTLAB_SERVER_URL",
		apply:   func(cfg *Config, v any) { cfg.Server.URL = v.(string) },
		extract: func(cfg Config) any { return cfg.Server.URL },
	},
	{
		key: "server.admin_token", typ: kString, env: "PROMPTLAB_SERVER_ADMIN_TOKEN",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Server.AdminToken = v.(string) },
		extract: func(cfg Config) any { return cfg.Server.AdminToken },
	},
	{
		key: "storage.driver", typ: kString, env: "PROMPTLAB_STORAGE_DRIVER",
		apply:   func(cfg *Config, v any) { cfg.Storage.Driver = strings.ToLower(v.(string)) },
		extract: func(cfg Config) any { return cfg.Storage.Driver },
	},
	{
		key: "storage.data_dir", typ: kString, env: "PROMPTLAB_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "storage.postgres_url", typ: kString, env: "PROMPTLAB_STORAGE_POSTGRES_URL",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Storage.PostgresURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.PostgresURL },
	},
	{
		key: "storage.postgres_dial_address", typ: kString, env: "PROMPTLAB_STORAGE_POSTGRES_DIAL_ADDRESS",
		apply:   func(cfg *Config, v any) { cfg.Storage.PostgresDialAddress = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.PostgresDialAddress },
	},
	{
		key: "storage.timeout", typ: kDuration, env: "PROMPTLAB_STORAGE_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Storage.Timeout = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Storage.Timeout },
	},
	{
		key: "llm.provider", typ: kString, env: "PROMPTLAB_LLM_PROVIDER",
		apply:   func(cfg *Config, v any) { cfg.LLM.Provider = strings.ToLower(v.(string)) },
		extract: func(cfg Config) any { return cfg.LLM.Provider },
	},
	{
		key: "llm.api_key", typ: kString, env: "PROMPTLAB_LLM_API_KEY",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.LLM.APIKey = v.(string) },
		extract: func(cfg Config) any { return cfg.LLM.APIKey },
	},
	{
		key: "llm.model", typ: kString, env: "PROMPTLAB_LLM_MODEL",
		apply:   func(cfg *Config, v any) { cfg.LLM.Model = v.(string) },
		extract: func(cfg Config) any { return cfg.LLM.Model },
	},
	{
		key: "llm.base_url", typ: kString, env: "PROMPTLAB_LLM_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.LLM.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.LLM.BaseURL },
	},
	{
		key: "llm.timeout", typ: kDuration, env: "PROMPTLAB_LLM_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.LLM.Timeout = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.LLM.Timeout },
	},
	{
		key: "study.task_count", typ: kInt, env: "PROMPTLAB_STUDY_TASK_COUNT",
		apply:   func(cfg *Config, v any) { cfg.Study.TaskCount = v.(int) },
		extract: func(cfg Config) any { return cfg.Study.TaskCount },
	},
	{
		key: "study.tasks_file", typ: kString, env: "PROMPTLAB_STUDY_TASKS_FILE",
		apply:   func(cfg *Config, v any) { cfg.Study.TasksFile = v.(string) },
		extract: func(cfg Config) any { return cfg.Study.TasksFile },
	},
	{
		key: "lock.redis_url", typ: kString, env: "PROMPTLAB_LOCK_REDIS_URL",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Lock.RedisURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Lock.RedisURL },
	},
	{
		key: "lock.ttl", typ: kDuration, env: "PROMPTLAB_LOCK_TTL",
		apply:   func(cfg *Config, v any) { cfg.Lock.TTL = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Lock.TTL },
	},
	{
		key: "pipeline.persist_attempts", typ: kInt, env: "PROMPTLAB_PIPELINE_PERSIST_ATTEMPTS",
		apply:   func(cfg *Config, v any) { cfg.Pipeline.PersistAttempts = v.(int) },
		extract: func(cfg Config) any { return cfg.Pipeline.PersistAttempts },
	},
	{
		key: "log.level", typ: kString, env: "PROMPTLAB_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
}

func lookupSpec(key string) (keySpec, bool) {
	for _, s := range specs {
		if s.key == key {
			return s, true
		}
	}
	return keySpec{}, false
}

// parseValue converts raw text into the Go value the key's apply func expects.
func parseValue(s keySpec, raw string) (any, error) {
	switch s.typ {
	case kInt:
		i, err := strconv.Atoi(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid integer for %s: %w", s.key, err)
		}
		return i, nil
	case kDuration:
		d, err := time.ParseDuration(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid duration for %s: %w", s.key, err)
		}
		if d <= 0 {
			return nil, fmt.Errorf("duration for %s must be positive", s.key)
		}
		return d, nil
	case kList:
		var out []string
		for _, part := range strings.Split(raw, ",") {
			if p := strings.TrimSpace(part); p != "" {
				out = append(out, p)
			}
		}
		return out, nil
	default:
		return raw, nil
	}
}

func applyBackend(cfg *Config, b ConfigBackend) error {
	for _, s := range specs {
		if s.secret {
			continue
		}
		var raw string
		switch s.typ {
		case kInt:
			v, ok, err := b.GetInt(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
			continue
		default:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if !ok || v == "" {
				continue
			}
			raw = v
		}
		v, err := parseValue(s, raw)
		if err != nil {
			slog.Warn("ignoring config value", "key", s.key, "value", raw, "error", err)
			continue
		}
		s.apply(cfg, v)
	}
	return nil
}

// applyEnvOverrides applies PROMPTLAB_* variables. A malformed value is a
// hard error: an operator who set it expects it to take effect.
func applyEnvOverrides(cfg *Config) error {
	for _, s := range specs {
		if s.env == "" {
			continue
		}
		raw := os.Getenv(s.env)
		if raw == "" {
			continue
		}
		v, err := parseValue(s, raw)
		if err != nil {
			return fmt.Errorf("%s: %w", s.env, err)
		}
		s.apply(cfg, v)
	}
	return nil
}
