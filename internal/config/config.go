package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Server   ServerConfig
	Storage  StorageConfig
	LLM      LLMConfig
	Study    StudyConfig
	Lock     LockConfig
	Pipeline PipelineConfig
	Log      LogConfig
}

type ServerConfig struct {
	Port        int
	CORSOrigins []string
	AdminToken  string
	// URL is where CLI commands reach a running server.
	URL string
}

type StorageConfig struct {
	Driver              string
	DataDir             string
	PostgresURL         string
	PostgresDialAddress string
	Timeout             time.Duration
}

type LLMConfig struct {
	Provider string
	APIKey   string
	Model    string
	BaseURL  string
	Timeout  time.Duration
}

type StudyConfig struct {
	TaskCount int
	TasksFile string
}

type LockConfig struct {
	RedisURL string
	TTL      time.Duration
}

type PipelineConfig struct {
	PersistAttempts int
}

type LogConfig struct {
	Level string
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Port:        4000,
			CORSOrigins: []string{"*"},
			URL:         "http://127.0.0.1:4000",
		},
		Storage: StorageConfig{
			Driver:  "sqlite",
			DataDir: defaultDataDir(),
			Timeout: 10 * time.Second,
		},
		LLM: LLMConfig{
			Provider: "gemini",
			Model:    "gemini-2.0-flash",
			Timeout:  60 * time.Second,
		},
		Study: StudyConfig{
			TaskCount: 7,
		},
		Lock: LockConfig{
			TTL: 3 * time.Minute,
		},
		Pipeline: PipelineConfig{
			PersistAttempts: 3,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load builds the configuration from defaults, the JSON file backend at
// $XDG_CONFIG_HOME/promptlab/config.json, a .env file in the working
// directory, and PROMPTLAB_* environment variables, in increasing order of
// precedence. It does not check required values; see Validate.
func Load() (Config, error) {
	return loadWith(newFileBackend(configFilePath()), ".env")
}

func loadWith(b ConfigBackend, envFiles ...string) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	// godotenv never overrides variables already set in the process.
	for _, f := range envFiles {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return Config{}, fmt.Errorf("loading %s: %w", f, err)
		}
	}

	if err := applyEnvOverrides(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports missing required values for running the server and
// rejects combinations that cannot work, such as a Redis lock that can
// expire while a turn still holds it.
func (c Config) Validate() error {
	var missing []string
	if c.LLM.APIKey == "" {
		missing = append(missing, "llm.api_key (PROMPTLAB_LLM_API_KEY)")
	}
	switch c.Storage.Driver {
	case "sqlite":
	case "postgres":
		if c.Storage.PostgresURL == "" {
			missing = append(missing, "storage.postgres_url (PROMPTLAB_STORAGE_POSTGRES_URL)")
		}
	default:
		return fmt.Errorf("unsupported storage.driver %q (want sqlite or postgres)", c.Storage.Driver)
	}
	if c.Study.TaskCount <= 0 {
		return fmt.Errorf("study.task_count must be positive, got %d", c.Study.TaskCount)
	}
	if c.Pipeline.PersistAttempts <= 0 {
		return fmt.Errorf("pipeline.persist_attempts must be positive, got %d", c.Pipeline.PersistAttempts)
	}
	if c.Lock.RedisURL != "" {
		if hold := c.MaxLockHold(); c.Lock.TTL <= hold {
			return fmt.Errorf("lock.ttl %s must exceed the longest a turn can hold the lock (%s: llm.timeout plus %d storage.timeout steps)",
				c.Lock.TTL, hold, 2*c.Pipeline.PersistAttempts)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required config: %s", strings.Join(missing, ", "))
	}
	return nil
}

// MaxLockHold is the longest a turn can hold its lock: the initial count,
// the model call, then up to PersistAttempts appends with a recount before
// every retry. Backoff sleeps are not included.
func (c Config) MaxLockHold() time.Duration {
	steps := time.Duration(2 * c.Pipeline.PersistAttempts)
	return c.LLM.Timeout + steps*c.Storage.Timeout
}
