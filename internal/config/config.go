package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

// Config represents the application configuration
type Config struct {
	Source   SourceConfig   `yaml:"source"`
	SFTP     SFTPConfig     `yaml:"sftp"`
	Secrets  SecretsConfig  `yaml:"secrets"`
	Transfer TransferConfig `yaml:"transfer"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	LogLevel string         `yaml:"log_level"`
}

// SourceConfig represents the object store holding the objects to move
type SourceConfig struct {
	Provider  string `yaml:"provider"`
	Endpoint  string `yaml:"endpoint"`
	Region    string `yaml:"region"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Secure    bool   `yaml:"secure"`
}

// SFTPConfig represents the remote SFTP endpoint
type SFTPConfig struct {
	Host              string `yaml:"host"`
	Port              int    `yaml:"port"`
	Username          string `yaml:"username"`
	TargetDir         string `yaml:"target_dir"`
	HostFingerprint   string `yaml:"host_fingerprint"`
	ConnectTimeoutSec int    `yaml:"connect_timeout_sec"`
	KeepaliveSec      int    `yaml:"keepalive_sec"`
}

// SecretsConfig selects where SFTP credentials are read from
type SecretsConfig struct {
	Provider string `yaml:"provider"`
	SecretID string `yaml:"secret_id"`
	Region   string `yaml:"region"`
	Dir      string `yaml:"dir"`
}

// TransferConfig represents transfer-specific configuration
type TransferConfig struct {
	ChunkSizeMB      int    `yaml:"chunk_size_mb"`
	TimeBudgetSec    int    `yaml:"time_budget_sec"`
	SafetyTimeMs     int    `yaml:"safety_time_ms"`
	MaxRetries       int    `yaml:"max_retries"`
	RetryBaseDelayMs int    `yaml:"retry_base_delay_ms"`
	Checkpoint       string `yaml:"checkpoint"`
	Concurrency      int    `yaml:"concurrency"`
	PollIntervalSec  int    `yaml:"poll_interval_sec"`
	ShowProgress     bool   `yaml:"show_progress"`
}

// MetricsConfig represents metrics emission configuration
type MetricsConfig struct {
	EMF       bool   `yaml:"emf"`
	Namespace string `yaml:"namespace"`
	Function  string `yaml:"function"`
	Addr      string `yaml:"addr"`
}

// Default returns the configuration used before any source is applied
func Default() *Config {
	return &Config{
		LogLevel: "info",
		Source: SourceConfig{
			Provider: "aws",
			Secure:   true,
		},
		SFTP: SFTPConfig{
			Port:              22,
			TargetDir:         "/incoming",
			ConnectTimeoutSec: 30,
			KeepaliveSec:      20,
		},
		Secrets: SecretsConfig{
			Provider: "secretsmanager",
		},
		Transfer: TransferConfig{
			ChunkSizeMB:      8,
			TimeBudgetSec:    900,
			SafetyTimeMs:     30000,
			MaxRetries:       3,
			RetryBaseDelayMs: 2000,
			Checkpoint:       "./checkpoint.db",
			Concurrency:      1,
			PollIntervalSec:  5,
		},
		Metrics: MetricsConfig{
			EMF:       true,
			Namespace: "S3ToSFTP",
			Function:  "s3tosftp",
		},
	}
}

// Load loads configuration from file, environment and command line flags,
// in that order of precedence
func Load(configFile string, flags *pflag.FlagSet) (*Config, error) {
	cfg := Default()

	// Load from YAML file if provided
	if configFile != "" {
		if err := loadFromFile(cfg, configFile); err != nil {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
	}

	if err := loadFromEnv(cfg, os.LookupEnv); err != nil {
		return nil, fmt.Errorf("failed to load environment: %w", err)
	}

	// Override with command line flags
	if flags != nil {
		if err := loadFromFlags(cfg, flags); err != nil {
			return nil, fmt.Errorf("failed to load flags: %w", err)
		}
	}

	// Validate configuration
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

func loadFromFile(cfg *Config, filename string) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return err
	}

	return yaml.Unmarshal(data, cfg)
}

type lookupFunc func(key string) (string, bool)

func loadFromEnv(cfg *Config, lookup lookupFunc) error {
	stringVars := map[string]*string{
		"SFTP_HOST":             &cfg.SFTP.Host,
		"SFTP_USERNAME":         &cfg.SFTP.Username,
		"SFTP_TARGET_DIR":       &cfg.SFTP.TargetDir,
		"SFTP_HOST_FINGERPRINT": &cfg.SFTP.HostFingerprint,
		"SECRET_ID":             &cfg.Secrets.SecretID,
		"LOG_LEVEL":             &cfg.LogLevel,
		"AWS_REGION":            &cfg.Source.Region,
		"FUNCTION_NAME":         &cfg.Metrics.Function,
	}
	for name, dst := range stringVars {
		if v, ok := lookup(name); ok && v != "" {
			*dst = v
		}
	}

	intVars := map[string]*int{
		"SFTP_PORT":           &cfg.SFTP.Port,
		"CHUNK_SIZE_MB":       &cfg.Transfer.ChunkSizeMB,
		"CONNECT_TIMEOUT_SEC": &cfg.SFTP.ConnectTimeoutSec,
		"TCP_KEEPALIVE_SEC":   &cfg.SFTP.KeepaliveSec,
		"SAFETY_TIME_MS":      &cfg.Transfer.SafetyTimeMs,
		"MAX_RETRIES":         &cfg.Transfer.MaxRetries,
		"RETRY_BASE_DELAY_MS": &cfg.Transfer.RetryBaseDelayMs,
		"TIME_BUDGET_SEC":     &cfg.Transfer.TimeBudgetSec,
	}
	for name, dst := range intVars {
		v, ok := lookup(name)
		if !ok || v == "" {
			continue
		}
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		*dst = n
	}

	// RETRY_BASE_DELAY_MS wins when both are set
	if v, ok := lookup("RETRY_BASE_DELAY_SEC"); ok && v != "" {
		if _, msSet := lookup("RETRY_BASE_DELAY_MS"); !msSet {
			sec, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
			if err != nil {
				return fmt.Errorf("RETRY_BASE_DELAY_SEC: %w", err)
			}
			cfg.Transfer.RetryBaseDelayMs = int(sec * 1000)
		}
	}

	if v, ok := lookup("ENABLE_METRICS"); ok && v != "" {
		cfg.Metrics.EMF = parseBool(v)
	}

	return nil
}

// parseBool accepts the loose spellings used in deployment environments
func parseBool(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}

func loadFromFlags(cfg *Config, flags *pflag.FlagSet) error {
	if flags.Changed("source-provider") {
		cfg.Source.Provider, _ = flags.GetString("source-provider")
	}
	if flags.Changed("source-endpoint") {
		cfg.Source.Endpoint, _ = flags.GetString("source-endpoint")
	}
	if flags.Changed("source-region") {
		cfg.Source.Region, _ = flags.GetString("source-region")
	}
	if flags.Changed("source-access-key") {
		cfg.Source.AccessKey, _ = flags.GetString("source-access-key")
	}
	if flags.Changed("source-secret-key") {
		cfg.Source.SecretKey, _ = flags.GetString("source-secret-key")
	}
	if flags.Changed("source-secure") {
		cfg.Source.Secure, _ = flags.GetBool("source-secure")
	}

	if flags.Changed("sftp-host") {
		cfg.SFTP.Host, _ = flags.GetString("sftp-host")
	}
	if flags.Changed("sftp-port") {
		cfg.SFTP.Port, _ = flags.GetInt("sftp-port")
	}
	if flags.Changed("sftp-username") {
		cfg.SFTP.Username, _ = flags.GetString("sftp-username")
	}
	if flags.Changed("target-dir") {
		cfg.SFTP.TargetDir, _ = flags.GetString("target-dir")
	}
	if flags.Changed("host-fingerprint") {
		cfg.SFTP.HostFingerprint, _ = flags.GetString("host-fingerprint")
	}

	if flags.Changed("secrets-provider") {
		cfg.Secrets.Provider, _ = flags.GetString("secrets-provider")
	}
	if flags.Changed("secret-id") {
		cfg.Secrets.SecretID, _ = flags.GetString("secret-id")
	}
	if flags.Changed("secrets-dir") {
		cfg.Secrets.Dir, _ = flags.GetString("secrets-dir")
	}

	if flags.Changed("chunk-size-mb") {
		cfg.Transfer.ChunkSizeMB, _ = flags.GetInt("chunk-size-mb")
	}
	if flags.Changed("time-budget-sec") {
		cfg.Transfer.TimeBudgetSec, _ = flags.GetInt("time-budget-sec")
	}
	if flags.Changed("safety-time-ms") {
		cfg.Transfer.SafetyTimeMs, _ = flags.GetInt("safety-time-ms")
	}
	if flags.Changed("retries") {
		cfg.Transfer.MaxRetries, _ = flags.GetInt("retries")
	}
	if flags.Changed("retry-base-delay-ms") {
		cfg.Transfer.RetryBaseDelayMs, _ = flags.GetInt("retry-base-delay-ms")
	}
	if flags.Changed("checkpoint") {
		cfg.Transfer.Checkpoint, _ = flags.GetString("checkpoint")
	}
	if flags.Changed("concurrency") {
		cfg.Transfer.Concurrency, _ = flags.GetInt("concurrency")
	}
	if flags.Changed("show-progress") {
		cfg.Transfer.ShowProgress, _ = flags.GetBool("show-progress")
	}

	if flags.Changed("emf") {
		cfg.Metrics.EMF, _ = flags.GetBool("emf")
	}
	if flags.Changed("metrics-addr") {
		cfg.Metrics.Addr, _ = flags.GetString("metrics-addr")
	}
	if flags.Changed("log-level") {
		cfg.LogLevel, _ = flags.GetString("log-level")
	}

	return nil
}

func (c *Config) validate() error {
	if c.SFTP.Host == "" {
		return fmt.Errorf("sftp host is required")
	}
	if c.SFTP.Username == "" {
		return fmt.Errorf("sftp username is required")
	}
	if c.SFTP.Port <= 0 || c.SFTP.Port > 65535 {
		return fmt.Errorf("sftp port %d out of range", c.SFTP.Port)
	}
	if !strings.HasPrefix(c.SFTP.TargetDir, "/") {
		return fmt.Errorf("target dir must be absolute, got %q", c.SFTP.TargetDir)
	}
	if c.Secrets.SecretID == "" {
		return fmt.Errorf("secret id is required")
	}

	switch c.Secrets.Provider {
	case "secretsmanager":
	case "file":
		if c.Secrets.Dir == "" {
			return fmt.Errorf("secrets dir is required for the file provider")
		}
	default:
		return fmt.Errorf("unknown secrets provider %q", c.Secrets.Provider)
	}

	if c.Transfer.ChunkSizeMB <= 0 {
		return fmt.Errorf("chunk size must be positive")
	}
	if c.Transfer.MaxRetries <= 0 {
		return fmt.Errorf("max retries must be positive")
	}
	if c.Transfer.RetryBaseDelayMs < 0 {
		return fmt.Errorf("retry base delay must not be negative")
	}
	if c.Transfer.TimeBudgetSec <= 0 {
		return fmt.Errorf("time budget must be positive")
	}
	if c.SafetyMargin() >= c.TimeBudget() {
		return fmt.Errorf("safety margin %s must be smaller than the time budget %s", c.SafetyMargin(), c.TimeBudget())
	}
	if c.Transfer.Concurrency <= 0 {
		return fmt.Errorf("concurrency must be positive")
	}
	if c.Transfer.PollIntervalSec <= 0 {
		return fmt.Errorf("poll interval must be positive")
	}

	return nil
}

// ChunkSize returns the chunk size in bytes
func (c *Config) ChunkSize() int64 {
	return int64(c.Transfer.ChunkSizeMB) * 1024 * 1024
}

func (c *Config) TimeBudget() time.Duration {
	return time.Duration(c.Transfer.TimeBudgetSec) * time.Second
}

func (c *Config) SafetyMargin() time.Duration {
	return time.Duration(c.Transfer.SafetyTimeMs) * time.Millisecond
}

func (c *Config) RetryBaseDelay() time.Duration {
	return time.Duration(c.Transfer.RetryBaseDelayMs) * time.Millisecond
}

func (c *Config) ConnectTimeout() time.Duration {
	return time.Duration(c.SFTP.ConnectTimeoutSec) * time.Second
}

func (c *Config) Keepalive() time.Duration {
	return time.Duration(c.SFTP.KeepaliveSec) * time.Second
}

// LeaseTTL covers one full run plus its safety margin
func (c *Config) LeaseTTL() time.Duration {
	return c.TimeBudget() + c.SafetyMargin()
}

func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.Transfer.PollIntervalSec) * time.Second
}
