package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "-repaired", cfg.Repair.OutputSuffix)
	assert.True(t, cfg.Repair.Interactive)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "stderr", cfg.Logging.Output)
	assert.False(t, cfg.Metrics.Enabled)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 30*time.Second, cfg.Server.ShutdownTimeout)
	assert.Equal(t, "memory", cfg.Jobs.Backend)
	assert.Equal(t, 24*time.Hour, cfg.Jobs.TTL)
}

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "salvage.yaml")
	configContent := `
repair:
  output_suffix: "-fixed"
  default_format: "g"
  interactive: false

logging:
  level: "debug"
  format: "json"

server:
  port: 9000
  rate_limit: 0

jobs:
  backend: redis
  ttl: 1h

redis:
  addresses:
    - "redis:6379"
  pool_size: 5
`
	require.NoError(t, os.WriteFile(path, []byte(configContent), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "-fixed", cfg.Repair.OutputSuffix)
	assert.Equal(t, "g", cfg.Repair.DefaultFormat)
	assert.False(t, cfg.Repair.Interactive)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, 9000, cfg.Server.Port)
	assert.Equal(t, "redis", cfg.Jobs.Backend)
	assert.Equal(t, []string{"redis:6379"}, cfg.Redis.Addresses)
	assert.Equal(t, time.Hour, cfg.Jobs.TTL)
}

func TestLoadConfig_EnvOverride(t *testing.T) {
	t.Setenv("SALVAGE_REPAIR_OUTPUT_SUFFIX", "-env")
	t.Setenv("SALVAGE_LOGGING_LEVEL", "warn")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "-env", cfg.Repair.OutputSuffix)
	assert.Equal(t, "warn", cfg.Logging.Level)
}

func TestLoadConfig_Errors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorContains(t, err, "failed to read config")

	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("jobs:\n  backend: etcd\n"), 0o644))
	_, err = Load(path)
	assert.ErrorContains(t, err, "jobs backend")
}

func TestConfigValidation(t *testing.T) {
	valid := func() *Config { return Default() }

	tests := []struct {
		name   string
		mutate func(c *Config)
		errMsg string
	}{
		{"defaults", func(c *Config) {}, ""},
		{"empty suffix", func(c *Config) { c.Repair.OutputSuffix = "" }, "output_suffix cannot be empty"},
		{"suffix with separator", func(c *Config) { c.Repair.OutputSuffix = "/x" }, "path separators"},
		{"multi-char default format", func(c *Config) { c.Repair.DefaultFormat = "AB" }, "single character"},
		{"bad log level", func(c *Config) { c.Logging.Level = "loud" }, "invalid log level"},
		{"bad log format", func(c *Config) { c.Logging.Format = "xml" }, "log format"},
		{"file output without size", func(c *Config) { c.Logging.Output = "/tmp/s.log"; c.Logging.MaxSize = 0 }, "max_size"},
		{"metrics port", func(c *Config) { c.Metrics.Enabled = true; c.Metrics.Port = 0 }, "invalid metrics port"},
		{"server port", func(c *Config) { c.Server.Port = 70000 }, "invalid server port"},
		{"no work dir", func(c *Config) { c.Server.WorkDir = "" }, "work_dir"},
		{"zero burst", func(c *Config) { c.Server.RateBurst = 0 }, "rate_burst"},
		{"zero burst without limit", func(c *Config) { c.Server.RateLimit = 0; c.Server.RateBurst = 0 }, ""},
		{"jobs ttl", func(c *Config) { c.Jobs.TTL = 0 }, "ttl must be positive"},
		{"redis ignored for memory", func(c *Config) { c.Redis.PoolSize = 0 }, ""},
		{"redis checked for redis", func(c *Config) { c.Jobs.Backend = "redis"; c.Redis.PoolSize = 0 }, "pool_size"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := valid()
			tt.mutate(c)
			err := c.Validate()
			if tt.errMsg == "" {
				assert.NoError(t, err)
				return
			}
			assert.ErrorContains(t, err, tt.errMsg)
		})
	}
}

func TestRedisConfigValidation(t *testing.T) {
	tests := []struct {
		name    string
		config  RedisConfig
		wantErr bool
	}{
		{
			name:    "negative DB",
			config:  RedisConfig{Addresses: []string{"localhost:6379"}, DB: -1, PoolSize: 100},
			wantErr: true,
		},
		{
			name:    "no addresses",
			config:  RedisConfig{PoolSize: 10},
			wantErr: true,
		},
		{
			name:    "min idle conns greater than pool size",
			config:  RedisConfig{Addresses: []string{"localhost:6379"}, PoolSize: 10, MinIdleConns: 20},
			wantErr: true,
		},
		{
			name:    "valid",
			config:  RedisConfig{Addresses: []string{"localhost:6379"}, PoolSize: 10, MinIdleConns: 1},
			wantErr: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.config.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
