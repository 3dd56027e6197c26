package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_MissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1", cfg.Server.Host)
	assert.Equal(t, 1829, cfg.Server.Port)
	assert.Equal(t, "127.0.0.1:1829", cfg.Server.Addr())
	assert.Equal(t, []string{"*"}, cfg.Server.CORSOrigins)
	assert.Equal(t, uint32(130), cfg.Service.StopCode)
	assert.NoError(t, cfg.Validate())
}

func TestLoad_OverridesFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "printd.yaml")
	data := []byte(`
server:
  port: 8080
  shutdown_timeout: 5s
render:
  timeout: 15s
  no_sandbox: true
dispatch:
  lpr_path: /usr/bin/lpr
webhooks:
  endpoints:
    - url: https://hooks.example.com/print
      secret: s3cret
      events: [job_failed]
logging:
  level: debug
  format: console
`)
	require.NoError(t, os.WriteFile(path, data, 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "127.0.0.1", cfg.Server.Host)
	assert.Equal(t, 5*time.Second, cfg.Server.ShutdownTimeout)
	assert.Equal(t, 15*time.Second, cfg.Render.Timeout)
	assert.True(t, cfg.Render.NoSandbox)
	assert.Equal(t, "/usr/bin/lpr", cfg.Dispatch.LPRPath)
	require.Len(t, cfg.Webhooks.Endpoints, 1)
	assert.Equal(t, []string{"job_failed"}, cfg.Webhooks.Endpoints[0].Events)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.NoError(t, cfg.Validate())
}

func TestLoad_InvalidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server: [unclosed"), 0o644))

	_, err := Load(path)
	assert.ErrorContains(t, err, "failed to parse config file")
}

func TestApplyEnv(t *testing.T) {
	env := map[string]string{
		"PRINTD_PORT":         "9999",
		"PRINTD_CORS_ORIGINS": "http://a.local, http://b.local",
		"PRINTD_NO_SANDBOX":   "true",
		"PRINTD_LOG_LEVEL":    "warn",
	}
	cfg := Default()
	cfg.applyEnv(func(k string) string { return env[k] })

	assert.Equal(t, 9999, cfg.Server.Port)
	assert.Equal(t, []string{"http://a.local", "http://b.local"}, cfg.Server.CORSOrigins)
	assert.True(t, cfg.Render.NoSandbox)
	assert.Equal(t, "warn", cfg.Logging.Level)
}

func TestApplyEnv_IgnoresMalformedPort(t *testing.T) {
	cfg := Default()
	cfg.applyEnv(func(k string) string {
		if k == "PRINTD_PORT" {
			return "not-a-port"
		}
		return ""
	})
	assert.Equal(t, 1829, cfg.Server.Port)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"port out of range", func(c *Config) { c.Server.Port = 70000 }, "server port"},
		{"zero shutdown timeout", func(c *Config) { c.Server.ShutdownTimeout = 0 }, "shutdown timeout"},
		{"short suffix", func(c *Config) { c.Artifacts.SuffixLength = 6 }, "suffix length"},
		{"empty artifact dir", func(c *Config) { c.Artifacts.Dir = "" }, "artifact directory"},
		{"bad webhook url", func(c *Config) {
			c.Webhooks.Endpoints = []WebhookEndpoint{{URL: "ftp://x"}}
		}, "webhook endpoint 0"},
		{"bad log level", func(c *Config) { c.Logging.Level = "trace" }, "invalid log level"},
		{"bad log format", func(c *Config) { c.Logging.Format = "xml" }, "invalid log format"},
		{"system stop code", func(c *Config) { c.Service.StopCode = 1 }, "stop code"},
		{"write timeout within job budget", func(c *Config) { c.Server.WriteTimeout = 2 * time.Minute }, "job budget of 2m10s"},
		{"negative retry count", func(c *Config) { c.Webhooks.RetryCount = -1 }, "retry count"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			assert.ErrorContains(t, cfg.Validate(), tt.wantErr)
		})
	}
}

func TestValidate_WriteTimeoutOutlastsJobs(t *testing.T) {
	cfg := Default()
	assert.Equal(t, 130*time.Second, cfg.JobBudget())
	assert.Greater(t, cfg.Server.WriteTimeout, cfg.JobBudget(), "default write timeout must cover a full job")
	require.NoError(t, cfg.Validate())

	cfg.Server.WriteTimeout = 0
	assert.NoError(t, cfg.Validate(), "zero disables the write timeout")

	cfg.Server.WriteTimeout = cfg.JobBudget()
	assert.ErrorContains(t, cfg.Validate(), "write timeout")

	cfg.Render.Timeout = 10 * time.Second
	cfg.Dispatch.Timeout = 10 * time.Second
	assert.NoError(t, cfg.Validate(), "shorter stage timeouts shrink the budget")
}

func TestValidate_ZeroRetryCount(t *testing.T) {
	cfg := Default()
	cfg.Webhooks.RetryCount = 0
	assert.NoError(t, cfg.Validate(), "zero means a single delivery attempt")
}
