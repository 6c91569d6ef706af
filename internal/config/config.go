package config

import (
	"os"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the dispatch service
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Redis     RedisConfig     `yaml:"redis"`
	SES       SESConfig       `yaml:"ses"`
	Converter ConverterConfig `yaml:"converter"`
	Artifacts ArtifactsConfig `yaml:"artifacts"`
	Tracking  TrackingConfig  `yaml:"tracking"`
	Webhook   WebhookConfig   `yaml:"webhook"`
	Pending   PendingConfig   `yaml:"pending"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port int    `yaml:"port"`
	Host string `yaml:"host"`
}

// GetHost returns the server host, with container detection
func (c ServerConfig) GetHost() string {
	// On ECS/container, listen on all interfaces
	if os.Getenv("ECS_CONTAINER_METADATA_URI") != "" || os.Getenv("AWS_EXECUTION_ENV") != "" {
		return "0.0.0.0"
	}
	if host := os.Getenv("SERVER_HOST"); host != "" {
		return host
	}
	return c.Host
}

// DatabaseConfig holds Postgres connection settings
type DatabaseConfig struct {
	URL          string `yaml:"url"`
	MaxOpenConns int    `yaml:"max_open_conns"`
	MaxIdleConns int    `yaml:"max_idle_conns"`
}

// RedisConfig holds Redis settings for rate limiting and API key caching
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Enabled  bool   `yaml:"enabled"`
}

// SESConfig holds AWS SES credentials for the outbound mail transport
type SESConfig struct {
	Region         string `yaml:"region"`
	AccessKey      string `yaml:"access_key"`
	SecretKey      string `yaml:"secret_key"`
	FromEmail      string `yaml:"from_email"`
	FromName       string `yaml:"from_name"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

// Timeout returns the configured timeout as a duration
func (c SESConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// ConverterConfig holds the external HTML→PDF converter endpoint
type ConverterConfig struct {
	BaseURL        string `yaml:"base_url"`
	APIKey         string `yaml:"api_key"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

// Timeout returns the configured timeout as a duration
func (c ConverterConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// ArtifactsConfig holds S3 settings for generated artifact binaries
type ArtifactsConfig struct {
	S3Bucket  string `yaml:"s3_bucket"`
	S3Region  string `yaml:"s3_region"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Prefix    string `yaml:"prefix"`
}

// TrackingConfig holds open/click tracking settings
type TrackingConfig struct {
	BaseURL    string `yaml:"base_url"`
	SigningKey string `yaml:"signing_key"`
}

// WebhookConfig holds inbound provider-webhook verification settings
type WebhookConfig struct {
	Secret string `yaml:"secret"`
	// AllowUnverified restores the legacy accept-on-unverifiable
	// behavior. Events with a missing or bad signature are then
	// logged as warnings and still processed.
	AllowUnverified bool `yaml:"allow_unverified"`
}

// PendingConfig holds pending-delivery maintenance settings
type PendingConfig struct {
	ExpiryIntervalSeconds int `yaml:"expiry_interval_seconds"`
}

// ExpiryInterval returns the expiry sweep interval as a duration
func (c PendingConfig) ExpiryInterval() time.Duration {
	return time.Duration(c.ExpiryIntervalSeconds) * time.Second
}

// Load reads and parses the configuration file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	// Set defaults
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.Host == "" {
		cfg.Server.Host = "localhost"
	}
	if cfg.Database.MaxOpenConns == 0 {
		cfg.Database.MaxOpenConns = 25
	}
	if cfg.Database.MaxIdleConns == 0 {
		cfg.Database.MaxIdleConns = 5
	}
	if cfg.Redis.Addr == "" {
		cfg.Redis.Addr = "localhost:6379"
	}
	if cfg.SES.TimeoutSeconds == 0 {
		cfg.SES.TimeoutSeconds = 30
	}
	if cfg.SES.Region == "" {
		cfg.SES.Region = "us-east-1"
	}
	if cfg.Converter.TimeoutSeconds == 0 {
		cfg.Converter.TimeoutSeconds = 30
	}
	if cfg.Artifacts.Prefix == "" {
		cfg.Artifacts.Prefix = "artifacts"
	}
	if cfg.Pending.ExpiryIntervalSeconds == 0 {
		cfg.Pending.ExpiryIntervalSeconds = 60
	}

	return &cfg, nil
}

// LoadFromEnv loads configuration with environment variable overrides.
// It automatically loads a .env file (if present) before reading env vars,
// so secrets can live in .env locally and in real env vars on ECS.
func LoadFromEnv(path string) (*Config, error) {
	// Load .env file if it exists (no error if missing)
	_ = godotenv.Load()

	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}

	if dbURL := os.Getenv("DATABASE_URL"); dbURL != "" {
		cfg.Database.URL = dbURL
	}
	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		cfg.Redis.Addr = addr
		cfg.Redis.Enabled = true
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	if accessKey := os.Getenv("AWS_SES_ACCESS_KEY"); accessKey != "" {
		cfg.SES.AccessKey = accessKey
	}
	if secretKey := os.Getenv("AWS_SES_SECRET_KEY"); secretKey != "" {
		cfg.SES.SecretKey = secretKey
	}
	if region := os.Getenv("AWS_SES_REGION"); region != "" {
		cfg.SES.Region = region
	}
	if v := os.Getenv("CONVERTER_BASE_URL"); v != "" {
		cfg.Converter.BaseURL = v
	}
	if v := os.Getenv("CONVERTER_API_KEY"); v != "" {
		cfg.Converter.APIKey = v
	}
	if v := os.Getenv("ARTIFACTS_S3_BUCKET"); v != "" {
		cfg.Artifacts.S3Bucket = v
	}
	if v := os.Getenv("ARTIFACTS_S3_REGION"); v != "" {
		cfg.Artifacts.S3Region = v
	}
	if v := os.Getenv("ARTIFACTS_ACCESS_KEY"); v != "" {
		cfg.Artifacts.AccessKey = v
	}
	if v := os.Getenv("ARTIFACTS_SECRET_KEY"); v != "" {
		cfg.Artifacts.SecretKey = v
	}
	if v := os.Getenv("TRACKING_BASE_URL"); v != "" {
		cfg.Tracking.BaseURL = v
	}
	if v := os.Getenv("TRACKING_SIGNING_KEY"); v != "" {
		cfg.Tracking.SigningKey = v
	}
	if v := os.Getenv("WEBHOOK_SECRET"); v != "" {
		cfg.Webhook.Secret = v
	}

	return cfg, nil
}
