package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/pelletier/go-toml/v2"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func defaultConfig(t *testing.T) *Config {
	t.Helper()
	v := viper.New()
	SetDefaults(v)
	cfg, err := LoadWithViper(v)
	require.NoError(t, err)
	return cfg
}

// isolate points HOME and the working directory at an empty temp dir
func isolate(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("HOME", dir)
	t.Chdir(dir)
	Reset()
	t.Cleanup(Reset)
	return dir
}

func TestDefaultsAreValid(t *testing.T) {
	cfg := defaultConfig(t)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, DriverSQLite, cfg.Database.Driver)
	assert.Equal(t, 3, cfg.Pulse.DefaultMaxRetries)
	assert.Equal(t, BackoffNone, cfg.Pulse.Backoff.Strategy)
	assert.Equal(t, 30, cfg.Maintenance.LogRetentionDays)
	assert.Equal(t, 30*time.Minute, cfg.Pulse.HandlerTimeout())
	assert.Equal(t, time.Second, cfg.Pulse.PollInterval())
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"unknown driver", func(c *Config) { c.Database.Driver = "mysql" }, "database.driver"},
		{"empty dsn", func(c *Config) { c.Database.DSN = "" }, "database.dsn"},
		{"negative workers", func(c *Config) { c.Pulse.Workers = -1 }, "pulse.workers"},
		{"zero poll interval", func(c *Config) { c.Pulse.PollIntervalMS = 0 }, "poll_interval_ms"},
		{"negative retries", func(c *Config) { c.Pulse.DefaultMaxRetries = -2 }, "default_max_retries"},
		{"bad timezone", func(c *Config) { c.Pulse.Timezone = "Mars/Olympus" }, "pulse.timezone"},
		{"unknown backoff", func(c *Config) { c.Pulse.Backoff.Strategy = "fibonacci" }, "pulse.backoff.strategy"},
		{"backoff without initial", func(c *Config) { c.Pulse.Backoff.Strategy = BackoffLinear }, "initial_ms"},
		{"stale not above heartbeat", func(c *Config) { c.Registry.StaleAfterMS = c.Registry.HeartbeatIntervalMS }, "stale_after_ms"},
		{"unknown log level", func(c *Config) { c.Log.Level = "chatty" }, "log.level"},
		{"server without address", func(c *Config) { c.Server.Address = "" }, "server.address"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := defaultConfig(t)
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}

	t.Run("zero workers is allowed", func(t *testing.T) {
		cfg := defaultConfig(t)
		cfg.Pulse.Workers = 0
		assert.NoError(t, cfg.Validate())
	})
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pulse.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
[database]
driver = "postgres"
dsn = "postgres://pulse@localhost/pulse?sslmode=disable"

[pulse]
workers = 8
timezone = "Europe/Lisbon"

[pulse.backoff]
strategy = "exponential"
initial_ms = 500
`), 0o644))

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, DriverPostgres, cfg.Database.Driver)
	assert.Equal(t, 8, cfg.Pulse.Workers)
	assert.Equal(t, BackoffExponential, cfg.Pulse.Backoff.Strategy)
	assert.Equal(t, 500, cfg.Pulse.Backoff.InitialMS)
	// untouched keys keep their defaults
	assert.Equal(t, 1000, cfg.Pulse.PollIntervalMS)

	loc, err := cfg.Pulse.Location()
	require.NoError(t, err)
	assert.Equal(t, "Europe/Lisbon", loc.String())
}

func TestLoadFromFileMissing(t *testing.T) {
	_, err := LoadFromFile(filepath.Join(t.TempDir(), "absent.toml"))
	assert.Error(t, err)
}

func TestLoadPrecedence(t *testing.T) {
	dir := isolate(t)

	userDir := filepath.Join(dir, ".pulse")
	require.NoError(t, os.MkdirAll(userDir, DefaultDirPermissions))
	require.NoError(t, os.WriteFile(filepath.Join(userDir, "pulse.toml"), []byte(`
[pulse]
workers = 4
poll_interval_ms = 250
`), 0o644))

	// project file found from a nested working directory
	require.NoError(t, os.WriteFile(filepath.Join(dir, ProjectConfigName), []byte(`
[pulse]
workers = 6
`), 0o644))
	nested := filepath.Join(dir, "a", "b")
	require.NoError(t, os.MkdirAll(nested, 0o755))
	t.Chdir(nested)

	t.Setenv("PULSE_LOG_LEVEL", "debug")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 6, cfg.Pulse.Workers, "project file overrides user file")
	assert.Equal(t, 250, cfg.Pulse.PollIntervalMS, "user file value survives when project omits it")
	assert.Equal(t, "debug", cfg.Log.Level, "env overrides files")
	assert.Len(t, LoadedFiles(), 2)

	again, err := Load()
	require.NoError(t, err)
	assert.Same(t, cfg, again, "Load caches until Reset")
}

func TestDatabaseURLEnv(t *testing.T) {
	isolate(t)
	t.Setenv("DATABASE_URL", "postgres://example/pulse")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "postgres://example/pulse", cfg.Database.DSN)
}

func TestRender(t *testing.T) {
	cfg := defaultConfig(t)

	t.Run("toml", func(t *testing.T) {
		data, err := Render(cfg, "toml")
		require.NoError(t, err)
		var back Config
		require.NoError(t, toml.Unmarshal(data, &back))
		assert.Equal(t, cfg.Registry.StaleAfterMS, back.Registry.StaleAfterMS)
	})

	t.Run("json", func(t *testing.T) {
		data, err := Render(cfg, "json")
		require.NoError(t, err)
		var raw map[string]map[string]interface{}
		require.NoError(t, json.Unmarshal(data, &raw))
		assert.Equal(t, "sqlite3", raw["database"]["driver"])
	})

	t.Run("yaml", func(t *testing.T) {
		data, err := Render(cfg, "yaml")
		require.NoError(t, err)
		var back Config
		require.NoError(t, yaml.Unmarshal(data, &back))
		assert.Equal(t, cfg.Server.Address, back.Server.Address)
	})

	t.Run("unsupported", func(t *testing.T) {
		_, err := Render(cfg, "xml")
		assert.Error(t, err)
	})
}

func TestWatcherReload(t *testing.T) {
	dir := isolate(t)
	path := filepath.Join(dir, ProjectConfigName)
	require.NoError(t, os.WriteFile(path, []byte("[log]\nlevel = \"info\"\n"), 0o644))

	w, err := NewWatcher(path, nil)
	require.NoError(t, err)
	w.debouncePeriod = 10 * time.Millisecond
	defer w.Stop()

	reloaded := make(chan *Config, 1)
	w.OnReload(func(c *Config) error {
		select {
		case reloaded <- c:
		default:
		}
		return nil
	})
	w.Start()

	require.NoError(t, os.WriteFile(path, []byte("[log]\nlevel = \"warn\"\n"), 0o644))

	select {
	case c := <-reloaded:
		assert.Equal(t, "warn", c.Log.Level)
	case <-time.After(5 * time.Second):
		t.Fatal("reload callback not called")
	}
}
