package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memBackend is an in-memory ConfigBackend.
type memBackend struct {
	data map[string]any
}

func newMemBackend(kv map[string]any) *memBackend {
	if kv == nil {
		kv = map[string]any{}
	}
	return &memBackend{data: kv}
}

func (m *memBackend) GetString(key string) (string, bool, error) {
	v, ok := m.data[key]
	if !ok {
		return "", false, nil
	}
	s, _ := v.(string)
	return s, true, nil
}

func (m *memBackend) GetInt(key string) (int, bool, error) {
	v, ok := m.data[key]
	if !ok {
		return 0, false, nil
	}
	i, _ := v.(int)
	return i, true, nil
}

func (m *memBackend) SetString(key, val string) error { m.data[key] = val; return nil }
func (m *memBackend) SetInt(key string, val int) error { m.data[key] = val; return nil }
func (m *memBackend) Delete(key string) error         { delete(m.data, key); return nil }

// clearEnv unsets every PROMPTLAB_* variable for the duration of the test.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, s := range specs {
		t.Setenv(s.env, "")
		os.Unsetenv(s.env)
	}
}

func TestDefaults(t *testing.T) {
	clearEnv(t)
	cfg, err := loadWith(newMemBackend(nil))
	require.NoError(t, err)

	assert.Equal(t, 4000, cfg.Server.Port)
	assert.Equal(t, []string{"*"}, cfg.Server.CORSOrigins)
	assert.Equal(t, "sqlite", cfg.Storage.Driver)
	assert.Equal(t, "gemini", cfg.LLM.Provider)
	assert.Equal(t, "gemini-2.0-flash", cfg.LLM.Model)
	assert.Equal(t, 60*time.Second, cfg.LLM.Timeout)
	assert.Equal(t, 7, cfg.Study.TaskCount)
	assert.Equal(t, 3, cfg.Pipeline.PersistAttempts)
	assert.Equal(t, 3*time.Minute, cfg.Lock.TTL)
	assert.Equal(t, "info", cfg.Log.Level)
}

func TestBackendValues(t *testing.T) {
	clearEnv(t)
	b := newMemBackend(map[string]any{
		"server.port":         8081,
		"server.cors_origins": "https://a.example, https://b.example",
		"llm.provider":        "OpenAI",
		"llm.timeout":         "15s",
		"study.task_count":    5,
	})
	cfg, err := loadWith(b)
	require.NoError(t, err)

	assert.Equal(t, 8081, cfg.Server.Port)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.Server.CORSOrigins)
	assert.Equal(t, "openai", cfg.LLM.Provider)
	assert.Equal(t, 15*time.Second, cfg.LLM.Timeout)
	assert.Equal(t, 5, cfg.Study.TaskCount)
}

func TestBackendBadDurationIgnored(t *testing.T) {
	clearEnv(t)
	cfg, err := loadWith(newMemBackend(map[string]any{"llm.timeout": "soon"}))
	require.NoError(t, err)
	assert.Equal(t, 60*time.Second, cfg.LLM.Timeout)
}

func TestBackendSecretsIgnored(t *testing.T) {
	clearEnv(t)
	cfg, err := loadWith(newMemBackend(map[string]any{"llm.api_key": "from-file"}))
	require.NoError(t, err)
	assert.Empty(t, cfg.LLM.APIKey)
}

func TestEnvOverridesBackend(t *testing.T) {
	clearEnv(t)
	t.Setenv("PROMPTLAB_SERVER_PORT", "9000")
	t.Setenv("PROMPTLAB_LLM_API_KEY", "sk-env")
	t.Setenv("PROMPTLAB_LOCK_TTL", "30s")

	cfg, err := loadWith(newMemBackend(map[string]any{"server.port": 8081}))
	require.NoError(t, err)
	assert.Equal(t, 9000, cfg.Server.Port)
	assert.Equal(t, "sk-env", cfg.LLM.APIKey)
	assert.Equal(t, 30*time.Second, cfg.Lock.TTL)
}

func TestEnvInvalidValue(t *testing.T) {
	clearEnv(t)
	t.Setenv("PROMPTLAB_SERVER_PORT", "not-a-port")
	_, err := loadWith(newMemBackend(nil))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "PROMPTLAB_SERVER_PORT")
}

func TestDotEnvFile(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(path, []byte("PROMPTLAB_LLM_API_KEY=sk-dotenv\nPROMPTLAB_STUDY_TASK_COUNT=4\n"), 0o600))

	cfg, err := loadWith(newMemBackend(nil), path)
	require.NoError(t, err)
	assert.Equal(t, "sk-dotenv", cfg.LLM.APIKey)
	assert.Equal(t, 4, cfg.Study.TaskCount)
}

func TestDotEnvDoesNotOverrideProcessEnv(t *testing.T) {
	clearEnv(t)
	t.Setenv("PROMPTLAB_LLM_API_KEY", "sk-process")
	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(path, []byte("PROMPTLAB_LLM_API_KEY=sk-dotenv\n"), 0o600))

	cfg, err := loadWith(newMemBackend(nil), path)
	require.NoError(t, err)
	assert.Equal(t, "sk-process", cfg.LLM.APIKey)
}

func TestMissingDotEnvIsFine(t *testing.T) {
	clearEnv(t)
	_, err := loadWith(newMemBackend(nil), filepath.Join(t.TempDir(), "missing.env"))
	require.NoError(t, err)
}

func TestValidate(t *testing.T) {
	base := defaults()
	base.LLM.APIKey = "sk"

	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{"ok", func(c *Config) {}, ""},
		{"missing api key", func(c *Config) { c.LLM.APIKey = "" }, "llm.api_key"},
		{"postgres without url", func(c *Config) { c.Storage.Driver = "postgres" }, "storage.postgres_url"},
		{"postgres with url", func(c *Config) {
			c.Storage.Driver = "postgres"
			c.Storage.PostgresURL = "postgres://x"
		}, ""},
		{"bad driver", func(c *Config) { c.Storage.Driver = "mysql" }, "unsupported storage.driver"},
		{"zero tasks", func(c *Config) { c.Study.TaskCount = 0 }, "study.task_count"},
		{"zero attempts", func(c *Config) { c.Pipeline.PersistAttempts = 0 }, "pipeline.persist_attempts"},
		{"redis lock with defaults", func(c *Config) { c.Lock.RedisURL = "redis://localhost:6379" }, ""},
		{"redis lock shorter than model timeout", func(c *Config) {
			c.Lock.RedisURL = "redis://localhost:6379"
			c.LLM.Timeout = 5 * time.Minute
		}, "lock.ttl"},
		{"redis lock equal to worst case", func(c *Config) {
			c.Lock.RedisURL = "redis://localhost:6379"
			c.Lock.TTL = c.LLM.Timeout + 6*c.Storage.Timeout
		}, "lock.ttl"},
		{"short ttl without redis", func(c *Config) { c.Lock.TTL = time.Second }, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := base
			tt.mutate(&c)
			err := c.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestMaxLockHold(t *testing.T) {
	c := defaults()
	// 60s model call plus six 10s store steps.
	assert.Equal(t, 2*time.Minute, c.MaxLockHold())
	assert.Greater(t, c.Lock.TTL, c.MaxLockHold())
}

func TestShowAllMasksSecrets(t *testing.T) {
	cfg := defaults()
	cfg.LLM.APIKey = "sk-secret"

	byKey := map[string]KeyInfo{}
	for _, ki := range ShowAll(cfg) {
		byKey[ki.Key] = ki
	}
	assert.Equal(t, "********", byKey["llm.api_key"].Value)
	assert.Equal(t, "(not set)", byKey["server.admin_token"].Value)
	assert.Equal(t, "4000", byKey["server.port"].Value)
	assert.Equal(t, "1m0s", byKey["llm.timeout"].Value)
	assert.Equal(t, "PROMPTLAB_LLM_API_KEY", byKey["llm.api_key"].EnvVar)
}

func TestSetKey(t *testing.T) {
	b := newMemBackend(nil)

	require.NoError(t, setKeyIn(b, "server.port", "5000"))
	assert.Equal(t, 5000, b.data["server.port"])

	require.NoError(t, setKeyIn(b, "llm.timeout", "20s"))
	assert.Equal(t, "20s", b.data["llm.timeout"])

	err := setKeyIn(b, "llm.api_key", "sk")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "PROMPTLAB_LLM_API_KEY")

	assert.Error(t, setKeyIn(b, "nope", "x"))
	assert.Error(t, setKeyIn(b, "server.port", "abc"))
	assert.Error(t, setKeyIn(b, "lock.ttl", "-1s"))
}

func TestValidKeysExcludeSecrets(t *testing.T) {
	keys := ValidKeys()
	assert.Contains(t, keys, "server.port")
	assert.NotContains(t, keys, "llm.api_key")
	assert.NotContains(t, keys, "storage.postgres_url")
}

func TestFileBackendRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "promptlab", "config.json")
	b := newFileBackend(path)
	require.NoError(t, b.SetInt("server.port", 4100))
	require.NoError(t, b.SetString("llm.model", "gemini-1.5-pro"))

	reloaded := newFileBackend(path)
	port, ok, err := reloaded.GetInt("server.port")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 4100, port)

	model, ok, err := reloaded.GetString("llm.model")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "gemini-1.5-pro", model)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestUnsetKey(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "config.json")
	b := newFileBackend(path)
	require.NoError(t, setKeyIn(b, "llm.timeout", "20s"))
	require.NoError(t, unsetKeyIn(b, "llm.timeout"))
	require.NoError(t, unsetKeyIn(b, "llm.timeout"), "unsetting twice is a no-op")

	cfg, err := loadWith(newFileBackend(path))
	require.NoError(t, err)
	assert.Equal(t, 60*time.Second, cfg.LLM.Timeout)

	assert.ErrorContains(t, unsetKeyIn(b, "nope"), "unknown config key")
	assert.ErrorContains(t, unsetKeyIn(b, "llm.api_key"), "PROMPTLAB_LLM_API_KEY")
}

func TestFileBackendCorruptFileLoadsEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o600))

	b := newFileBackend(path)
	_, ok, err := b.GetString("llm.model")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, b.SetString("llm.model", "m"))
	v, ok, err := newFileBackend(path).GetString("llm.model")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "m", v)
}

func TestFileBackendRejectsFractionalInt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"server.port": 4000.5}`), 0o600))

	_, ok, err := newFileBackend(path).GetInt("server.port")
	assert.True(t, ok)
	assert.Error(t, err)
}

func TestConfigFilePathHonorsXDG(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", dir)
	assert.Equal(t, filepath.Join(dir, "promptlab", "config.json"), ConfigFilePath())
}
