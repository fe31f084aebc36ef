package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func envMap(m map[string]string) lookupFunc {
	return func(key string) (string, bool) {
		v, ok := m[key]
		return v, ok
	}
}

func validConfig() *Config {
	cfg := Default()
	cfg.SFTP.Host = "sftp.example.com"
	cfg.SFTP.Username = "ingest"
	cfg.Secrets.SecretID = "sftp/ingest"
	return cfg
}

func TestDefaults(t *testing.T) {
	cfg := Default()

	assert.Equal(t, int64(8*1024*1024), cfg.ChunkSize())
	assert.Equal(t, 30*time.Second, cfg.ConnectTimeout())
	assert.Equal(t, 20*time.Second, cfg.Keepalive())
	assert.Equal(t, 30*time.Second, cfg.SafetyMargin())
	assert.Equal(t, 3, cfg.Transfer.MaxRetries)
	assert.Equal(t, 2*time.Second, cfg.RetryBaseDelay())
	assert.Equal(t, 900*time.Second, cfg.TimeBudget())
	assert.Equal(t, 22, cfg.SFTP.Port)
	assert.Equal(t, "/incoming", cfg.SFTP.TargetDir)
	assert.Equal(t, 930*time.Second, cfg.LeaseTTL())
}

func TestLoadFromEnv(t *testing.T) {
	cfg := Default()
	err := loadFromEnv(cfg, envMap(map[string]string{
		"SFTP_HOST":             "sftp.example.com",
		"SFTP_PORT":             "2222",
		"SFTP_USERNAME":         "ingest",
		"SFTP_TARGET_DIR":       "/drop",
		"SECRET_ID":             "sftp/ingest",
		"SFTP_HOST_FINGERPRINT": "SHA256:abc",
		"CHUNK_SIZE_MB":         " 16 ",
		"SAFETY_TIME_MS":        "5000",
		"MAX_RETRIES":           "5",
		"ENABLE_METRICS":        "false",
		"LOG_LEVEL":             "debug",
	}))
	require.NoError(t, err)

	assert.Equal(t, "sftp.example.com", cfg.SFTP.Host)
	assert.Equal(t, 2222, cfg.SFTP.Port)
	assert.Equal(t, "/drop", cfg.SFTP.TargetDir)
	assert.Equal(t, "SHA256:abc", cfg.SFTP.HostFingerprint)
	assert.Equal(t, int64(16*1024*1024), cfg.ChunkSize())
	assert.Equal(t, 5*time.Second, cfg.SafetyMargin())
	assert.Equal(t, 5, cfg.Transfer.MaxRetries)
	assert.False(t, cfg.Metrics.EMF)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.NoError(t, cfg.validate())
}

func TestLoadFromEnvRejectsBadNumber(t *testing.T) {
	err := loadFromEnv(Default(), envMap(map[string]string{"CHUNK_SIZE_MB": "eight"}))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "CHUNK_SIZE_MB")
}

func TestLoadRetryDelaySeconds(t *testing.T) {
	cfg := Default()
	require.NoError(t, loadFromEnv(cfg, envMap(map[string]string{"RETRY_BASE_DELAY_SEC": "1.5"})))
	assert.Equal(t, 1500*time.Millisecond, cfg.RetryBaseDelay())

	cfg = Default()
	require.NoError(t, loadFromEnv(cfg, envMap(map[string]string{
		"RETRY_BASE_DELAY_SEC": "1.5",
		"RETRY_BASE_DELAY_MS":  "250",
	})))
	assert.Equal(t, 250*time.Millisecond, cfg.RetryBaseDelay())

	assert.Error(t, loadFromEnv(Default(), envMap(map[string]string{"RETRY_BASE_DELAY_SEC": "soon"})))
}

func TestLoadRejectsZeroPollInterval(t *testing.T) {
	file := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(file, []byte(`
sftp:
  host: sftp.example.com
  username: ingest
secrets:
  secret_id: sftp/ingest
transfer:
  poll_interval_sec: 0
`), 0o600))

	_, err := Load(file, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "poll interval")
}

func TestLoadPrecedence(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(file, []byte(`
sftp:
  host: from-file
  username: ingest
secrets:
  secret_id: sftp/ingest
transfer:
  chunk_size_mb: 4
  max_retries: 7
`), 0o600))

	t.Setenv("SFTP_HOST", "from-env")
	t.Setenv("MAX_RETRIES", "")

	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	flags.Int("chunk-size-mb", 8, "")
	require.NoError(t, flags.Parse([]string{"--chunk-size-mb", "2"}))

	cfg, err := Load(file, flags)
	require.NoError(t, err)

	assert.Equal(t, "from-env", cfg.SFTP.Host)
	assert.Equal(t, int64(2*1024*1024), cfg.ChunkSize())
	assert.Equal(t, 7, cfg.Transfer.MaxRetries)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"missing host", func(c *Config) { c.SFTP.Host = "" }},
		{"missing username", func(c *Config) { c.SFTP.Username = "" }},
		{"missing secret", func(c *Config) { c.Secrets.SecretID = "" }},
		{"bad port", func(c *Config) { c.SFTP.Port = 70000 }},
		{"relative target", func(c *Config) { c.SFTP.TargetDir = "incoming" }},
		{"zero chunk", func(c *Config) { c.Transfer.ChunkSizeMB = 0 }},
		{"zero retries", func(c *Config) { c.Transfer.MaxRetries = 0 }},
		{"margin exceeds budget", func(c *Config) { c.Transfer.SafetyTimeMs = 900000 }},
		{"file provider without dir", func(c *Config) { c.Secrets.Provider = "file" }},
		{"unknown provider", func(c *Config) { c.Secrets.Provider = "vault" }},
		{"zero poll interval", func(c *Config) { c.Transfer.PollIntervalSec = 0 }},
		{"negative poll interval", func(c *Config) { c.Transfer.PollIntervalSec = -5 }},
	}

	require.NoError(t, validConfig().validate())

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			assert.Error(t, cfg.validate())
		})
	}
}

func TestParseBool(t *testing.T) {
	for _, v := range []string{"1", "true", "TRUE", "yes", " on "} {
		assert.True(t, parseBool(v), v)
	}
	for _, v := range []string{"0", "false", "no", "off", "maybe"} {
		assert.False(t, parseBool(v), v)
	}
}
