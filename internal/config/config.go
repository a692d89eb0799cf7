package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the application
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Redis    RedisConfig    `yaml:"redis"`
	Mail     MailConfig     `yaml:"mail"`
	SES      SESConfig      `yaml:"ses"`
	SMTP     SMTPConfig     `yaml:"smtp"`
	Dispatch DispatchConfig `yaml:"dispatch"`
	Tracking TrackingConfig `yaml:"tracking"`
	Log      LogConfig      `yaml:"log"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port           int      `yaml:"port"`
	Host           string   `yaml:"host"`
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// GetHost returns the server host, with container detection
func (c ServerConfig) GetHost() string {
	// On ECS/container, listen on all interfaces
	if os.Getenv("ECS_CONTAINER_METADATA_URI") != "" || os.Getenv("AWS_EXECUTION_ENV") != "" {
		return "0.0.0.0"
	}
	// Allow override via environment
	if host := os.Getenv("SERVER_HOST"); host != "" {
		return host
	}
	return c.Host
}

// DatabaseConfig selects the campaign store. An empty URL uses the in-memory
// store, which is fine for local runs but loses state on restart.
type DatabaseConfig struct {
	URL          string `yaml:"url"`
	MaxOpenConns int    `yaml:"max_open_conns"`
	MaxIdleConns int    `yaml:"max_idle_conns"`
}

// RedisConfig holds the Redis connection used for per-campaign run locks.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// MailConfig picks the mail transport and the sender identity.
type MailConfig struct {
	Provider  string `yaml:"provider"` // "ses", "smtp" or "log"
	FromEmail string `yaml:"from_email"`
	FromName  string `yaml:"from_name"`
}

// SESConfig holds AWS SES API configuration
type SESConfig struct {
	Region         string `yaml:"region"`
	AccessKey      string `yaml:"access_key"`
	SecretKey      string `yaml:"secret_key"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

// Timeout returns the configured timeout as a duration
func (c SESConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// SMTPConfig holds SMTP relay settings.
type SMTPConfig struct {
	Host          string `yaml:"host"`
	Port          int    `yaml:"port"`
	Username      string `yaml:"username"`
	Password      string `yaml:"password"`
	ImplicitTLS   bool   `yaml:"implicit_tls"`
	AllowInsecure bool   `yaml:"allow_insecure"`
}

// DispatchConfig controls batching and pacing of campaign sends.
type DispatchConfig struct {
	BatchSize          int    `yaml:"batch_size"`
	BatchDelayMS       int    `yaml:"batch_delay_ms"`
	SendTimeoutSeconds int    `yaml:"send_timeout_seconds"`
	SendRetries        int    `yaml:"send_retries"` // -1 disables
	StaleAfterMinutes  int    `yaml:"stale_after_minutes"`
	SweepIntervalSecs  int    `yaml:"sweep_interval_seconds"`
	TemplateEngine     string `yaml:"template_engine"` // "placeholder" or "liquid"
}

// BatchDelay returns the inter-batch pause as a duration
func (c DispatchConfig) BatchDelay() time.Duration {
	return time.Duration(c.BatchDelayMS) * time.Millisecond
}

// SendTimeout returns the per-message send timeout as a duration
func (c DispatchConfig) SendTimeout() time.Duration {
	return time.Duration(c.SendTimeoutSeconds) * time.Second
}

// StaleAfter returns how long a campaign may sit in processing before the
// sweeper marks it failed.
func (c DispatchConfig) StaleAfter() time.Duration {
	return time.Duration(c.StaleAfterMinutes) * time.Minute
}

// SweepInterval returns how often the stale sweeper runs.
func (c DispatchConfig) SweepInterval() time.Duration {
	return time.Duration(c.SweepIntervalSecs) * time.Second
}

// TrackingConfig holds open-tracking settings.
type TrackingConfig struct {
	BaseURL    string `yaml:"base_url"`
	SigningKey string `yaml:"signing_key"`
	Disabled   bool   `yaml:"disabled"`
	// SQSQueueURL, when set, forwards decoded open events to SQS.
	SQSQueueURL string `yaml:"sqs_queue_url"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	// File, when set, also writes JSON logs to a size-rotated file.
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

// Load reads and parses the configuration file. A missing file yields the
// defaults so the service can run from environment variables alone.
func Load(path string) (*Config, error) {
	var cfg Config
	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
	case err != nil:
		return nil, err
	default:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	}

	cfg.applyDefaults()
	return &cfg, nil
}

func (cfg *Config) applyDefaults() {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 5000
	}
	if cfg.Server.Host == "" {
		cfg.Server.Host = "localhost"
	}
	if len(cfg.Server.AllowedOrigins) == 0 {
		cfg.Server.AllowedOrigins = []string{"http://localhost:5173"}
	}
	if cfg.Database.MaxOpenConns == 0 {
		cfg.Database.MaxOpenConns = 25
	}
	if cfg.Database.MaxIdleConns == 0 {
		cfg.Database.MaxIdleConns = 5
	}
	if cfg.Mail.Provider == "" {
		cfg.Mail.Provider = "log"
	}
	if cfg.SES.Region == "" {
		cfg.SES.Region = "us-east-1"
	}
	if cfg.SES.TimeoutSeconds == 0 {
		cfg.SES.TimeoutSeconds = 30
	}
	if cfg.SMTP.Host == "" {
		cfg.SMTP.Host = "smtp.gmail.com"
	}
	if cfg.SMTP.Port == 0 {
		cfg.SMTP.Port = 587
	}
	if cfg.SMTP.Port == 465 {
		cfg.SMTP.ImplicitTLS = true
	}
	if cfg.Dispatch.BatchSize == 0 {
		cfg.Dispatch.BatchSize = 10
	}
	if cfg.Dispatch.BatchDelayMS == 0 {
		cfg.Dispatch.BatchDelayMS = 1000
	}
	if cfg.Dispatch.SendTimeoutSeconds == 0 {
		cfg.Dispatch.SendTimeoutSeconds = 30
	}
	if cfg.Dispatch.SendRetries == 0 {
		cfg.Dispatch.SendRetries = 2
	}
	if cfg.Dispatch.StaleAfterMinutes == 0 {
		cfg.Dispatch.StaleAfterMinutes = 30
	}
	if cfg.Dispatch.SweepIntervalSecs == 0 {
		cfg.Dispatch.SweepIntervalSecs = 120
	}
	if cfg.Dispatch.TemplateEngine == "" {
		cfg.Dispatch.TemplateEngine = "placeholder"
	}
	if cfg.Tracking.BaseURL == "" {
		cfg.Tracking.BaseURL = "http://localhost:5000"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "json"
	}
	if cfg.Log.File != "" && cfg.Log.MaxSizeMB == 0 {
		cfg.Log.MaxSizeMB = 100
	}
}

// LoadFromEnv loads configuration with environment variable overrides.
// It automatically loads a .env file (if present) before reading env vars,
// so secrets can live in .env locally and in real env vars in production.
func LoadFromEnv(path string) (*Config, error) {
	// Load .env file if it exists (no error if missing)
	_ = godotenv.Load()

	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}

	if v := os.Getenv("PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Database.URL = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	if v := os.Getenv("MAIL_PROVIDER"); v != "" {
		cfg.Mail.Provider = v
	}
	if v := os.Getenv("EMAIL_FROM"); v != "" {
		cfg.Mail.FromEmail = v
	}
	if v := os.Getenv("AWS_SES_ACCESS_KEY"); v != "" {
		cfg.SES.AccessKey = v
	}
	if v := os.Getenv("AWS_SES_SECRET_KEY"); v != "" {
		cfg.SES.SecretKey = v
	}
	if v := os.Getenv("AWS_SES_REGION"); v != "" {
		cfg.SES.Region = v
	}
	if v := os.Getenv("SMTP_HOST"); v != "" {
		cfg.SMTP.Host = v
	}
	if v := os.Getenv("SMTP_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.SMTP.Port = port
			cfg.SMTP.ImplicitTLS = cfg.SMTP.ImplicitTLS || port == 465
		}
	}
	if v := os.Getenv("SMTP_USER"); v != "" {
		cfg.SMTP.Username = v
	}
	if v := os.Getenv("SMTP_PASS"); v != "" {
		cfg.SMTP.Password = v
	}
	if os.Getenv("SMTP_SECURE") == "true" {
		cfg.SMTP.ImplicitTLS = true
	}
	if os.Getenv("SMTP_ALLOW_INSECURE") == "true" {
		cfg.SMTP.AllowInsecure = true
	}
	if v := os.Getenv("EMAIL_BATCH_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Dispatch.BatchSize = n
		}
	}
	if v := os.Getenv("EMAIL_BATCH_DELAY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			cfg.Dispatch.BatchDelayMS = n
		}
	}
	if v := os.Getenv("BASE_URL"); v != "" {
		cfg.Tracking.BaseURL = v
	}
	if v := os.Getenv("TRACKING_SIGNING_KEY"); v != "" {
		cfg.Tracking.SigningKey = v
	}
	if v := os.Getenv("TRACKING_SQS_QUEUE_URL"); v != "" {
		cfg.Tracking.SQSQueueURL = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("LOG_FILE"); v != "" {
		cfg.Log.File = v
		if cfg.Log.MaxSizeMB == 0 {
			cfg.Log.MaxSizeMB = 100
		}
	}

	return cfg, nil
}
