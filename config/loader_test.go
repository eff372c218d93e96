package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfigFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "takt.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoader_DefaultsOnly(t *testing.T) {
	cfg, err := NewLoader().Load()
	require.NoError(t, err)

	assert.False(t, cfg.Orchestrator.AutoApprove)
	assert.Equal(t, time.Hour, cfg.Orchestrator.ApprovalTimeout)
	assert.Equal(t, "memory", cfg.Orchestrator.CheckpointBackend)
	assert.Equal(t, 3, cfg.Retry.MaxRetries)
	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)
	assert.Equal(t, "sqlite", cfg.Database.Driver)
	assert.Equal(t, "log", cfg.Audit.Backend)
	assert.False(t, cfg.Telemetry.Enabled)
}

func TestLoader_YAMLOverridesDefaults(t *testing.T) {
	path := writeConfigFile(t, `
orchestrator:
  auto_approve: true
  approval_timeout: 10m
  checkpoint_backend: redis
retry:
  max_retries: -1
  initial_delay: 250ms
redis:
  addr: redis.internal:6380
audit:
  backend: redis
  stream: myapp:audit
`)

	cfg, err := NewLoader().WithConfigPath(path).Load()
	require.NoError(t, err)

	assert.True(t, cfg.Orchestrator.AutoApprove)
	assert.Equal(t, 10*time.Minute, cfg.Orchestrator.ApprovalTimeout)
	assert.Equal(t, "redis", cfg.Orchestrator.CheckpointBackend)
	assert.Equal(t, -1, cfg.Retry.MaxRetries)
	assert.Equal(t, 250*time.Millisecond, cfg.Retry.InitialDelay)
	assert.Equal(t, "redis.internal:6380", cfg.Redis.Addr)
	assert.Equal(t, "myapp:audit", cfg.Audit.Stream)

	// Untouched sections keep their defaults.
	assert.Equal(t, 30*time.Second, cfg.Retry.MaxDelay)
	assert.Equal(t, "sqlite", cfg.Database.Driver)
}

func TestLoader_EnvOverridesYAML(t *testing.T) {
	path := writeConfigFile(t, `
redis:
  addr: from-yaml:6379
`)
	t.Setenv("TAKT_REDIS_ADDR", "from-env:6379")
	t.Setenv("TAKT_ORCHESTRATOR_AUTO_APPROVE", "true")
	t.Setenv("TAKT_ORCHESTRATOR_APPROVAL_TIMEOUT", "90s")
	t.Setenv("TAKT_RETRY_MAX_RETRIES", "7")
	t.Setenv("TAKT_LOG_OUTPUT_PATHS", "stdout, /var/log/takt.log")
	t.Setenv("TAKT_TELEMETRY_SAMPLE_RATE", "0.25")

	cfg, err := NewLoader().WithConfigPath(path).Load()
	require.NoError(t, err)

	assert.Equal(t, "from-env:6379", cfg.Redis.Addr)
	assert.True(t, cfg.Orchestrator.AutoApprove)
	assert.Equal(t, 90*time.Second, cfg.Orchestrator.ApprovalTimeout)
	assert.Equal(t, 7, cfg.Retry.MaxRetries)
	assert.Equal(t, []string{"stdout", "/var/log/takt.log"}, cfg.Log.OutputPaths)
	assert.Equal(t, 0.25, cfg.Telemetry.SampleRate)
}

func TestLoader_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := NewLoader().WithConfigPath("/does/not/exist.yaml").Load()
	require.NoError(t, err)
	assert.Equal(t, "memory", cfg.Orchestrator.CheckpointBackend)
}

func TestLoader_MalformedYAML(t *testing.T) {
	path := writeConfigFile(t, "orchestrator: [not a mapping")

	_, err := NewLoader().WithConfigPath(path).Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to load config from file")
}

func TestLoader_ValidatorRejects(t *testing.T) {
	_, err := NewLoader().WithValidator(func(cfg *Config) error {
		cfg.Orchestrator.CheckpointBackend = "carrier-pigeon"
		return cfg.Validate()
	}).Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "checkpoint backend")
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"defaults are valid", func(*Config) {}, ""},
		{"bad checkpoint backend", func(c *Config) { c.Orchestrator.CheckpointBackend = "tape" }, "checkpoint backend"},
		{"non-positive approval timeout", func(c *Config) { c.Orchestrator.ApprovalTimeout = 0 }, "approval_timeout"},
		{"retries below unbounded", func(c *Config) { c.Retry.MaxRetries = -2 }, "max_retries"},
		{"bad audit backend", func(c *Config) { c.Audit.Backend = "smoke-signals" }, "audit backend"},
		{"bad database driver", func(c *Config) { c.Database.Driver = "oracle" }, "database driver"},
		{"empty driver disables history", func(c *Config) { c.Database.Driver = "" }, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
			}
		})
	}
}

func TestDatabaseConfig_DSN(t *testing.T) {
	pg := DatabaseConfig{Driver: "postgres", Host: "db", Port: 5432, User: "u", Password: "p", Name: "takt", SSLMode: "disable"}
	assert.Equal(t, "host=db port=5432 user=u password=p dbname=takt sslmode=disable", pg.DSN())

	my := DatabaseConfig{Driver: "mysql", Host: "db", Port: 3306, User: "u", Password: "p", Name: "takt"}
	assert.Equal(t, "u:p@tcp(db:3306)/takt?parseTime=true", my.DSN())

	lite := DatabaseConfig{Driver: "sqlite", Name: "takt.db"}
	assert.Equal(t, "takt.db", lite.DSN())

	unknown := DatabaseConfig{Driver: "oracle"}
	assert.Empty(t, unknown.DSN())
}

func TestLogConfig_BuildLogger(t *testing.T) {
	logger, err := DefaultLogConfig().BuildLogger()
	require.NoError(t, err)
	require.NotNil(t, logger)
	_ = logger.Sync()

	_, err = LogConfig{Level: "shouting"}.BuildLogger()
	require.Error(t, err)
}
