// Package config loads and validates application configuration from YAML files,
// .env files and environment variables.
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

// Config is the root application configuration.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Identity      IdentityConfig      `yaml:"identity"`
	Catalog       CatalogConfig       `yaml:"catalog"`
	Capability    CapabilityConfig    `yaml:"capability"`
	Storage       StorageConfig       `yaml:"storage"`
	Redis         RedisConfig         `yaml:"redis"`
	Idempotency   IdempotencyConfig   `yaml:"idempotency"`
	Uploads       UploadsConfig       `yaml:"uploads"`
	Client        ClientConfig        `yaml:"client"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// ServerConfig describes HTTP server settings.
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	HandlerTimeout  time.Duration `yaml:"handler_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	MaxBodyBytes    int64         `yaml:"max_body_bytes"`
	CORS            CORSConfig    `yaml:"cors"`
}

// CORSConfig describes Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers"`
	MaxAge         int      `yaml:"max_age"`
}

// IdentityConfig describes bearer token issuing and password rules.
type IdentityConfig struct {
	Issuer            string        `yaml:"issuer"`
	Audience          string        `yaml:"audience"`
	SigningKey        string        `yaml:"signing_key"`
	TokenTTL          time.Duration `yaml:"token_ttl"`
	MinPasswordLength int           `yaml:"min_password_length"`
}

// CatalogConfig describes where to find service catalog YAML files. An
// empty list uses the built-in catalog.
type CatalogConfig struct {
	Directories []string `yaml:"directories"`
}

// CapabilityConfig describes authorization settings.
type CapabilityConfig struct {
	StaticPolicyFile string      `yaml:"static_policy_file"`
	Cache            CacheConfig `yaml:"cache"`
}

// CacheConfig describes cache settings.
type CacheConfig struct {
	TTL        time.Duration `yaml:"ttl"`
	MaxEntries int           `yaml:"max_entries"`
}

// StorageConfig describes record and profile persistence.
type StorageConfig struct {
	Driver          string        `yaml:"driver"`
	DSNEnv          string        `yaml:"dsn_env"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// DSN resolves the Postgres connection string from the configured
// environment variable.
func (s StorageConfig) DSN() string {
	if s.DSNEnv == "" {
		return ""
	}
	return os.Getenv(s.DSNEnv)
}

// RedisConfig describes the shared Redis connection.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// IdempotencyConfig describes idempotency store settings.
type IdempotencyConfig struct {
	Enabled bool          `yaml:"enabled"`
	Driver  string        `yaml:"driver"`
	TTL     time.Duration `yaml:"ttl"`
}

// UploadsConfig limits profile uploads.
type UploadsConfig struct {
	MaxPictureBytes  int64    `yaml:"max_picture_bytes"`
	MaxDocumentBytes int64    `yaml:"max_document_bytes"`
	PictureTypes     []string `yaml:"picture_types"`
}

// ClientConfig configures the portal REST client used by the CLI.
type ClientConfig struct {
	BaseURL        string               `yaml:"base_url"`
	Timeout        time.Duration        `yaml:"timeout"`
	TokenStore     string               `yaml:"token_store"`
	TokenFile      string               `yaml:"token_file"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
	Retry          RetryConfig          `yaml:"retry"`
}

// CircuitBreakerConfig describes circuit breaker settings.
type CircuitBreakerConfig struct {
	FailureThreshold   int           `yaml:"failure_threshold"`
	SuccessThreshold   int           `yaml:"success_threshold"`
	Timeout            time.Duration `yaml:"timeout"`
	ErrorRateThreshold float64       `yaml:"error_rate_threshold"`
	ErrorRateWindow    time.Duration `yaml:"error_rate_window"`
}

// RetryConfig describes retry settings.
type RetryConfig struct {
	MaxAttempts       int           `yaml:"max_attempts"`
	BackoffInitial    time.Duration `yaml:"backoff_initial"`
	BackoffMultiplier float64       `yaml:"backoff_multiplier"`
	BackoffMax        time.Duration `yaml:"backoff_max"`
	IdempotentOnly    bool          `yaml:"idempotent_only"`
}

// ObservabilityConfig describes logging, tracing, and metrics settings.
type ObservabilityConfig struct {
	LogLevel  string        `yaml:"log_level"`
	LogFormat string        `yaml:"log_format"`
	Tracing   TracingConfig `yaml:"tracing"`
	Metrics   MetricsConfig `yaml:"metrics"`
}

// TracingConfig describes distributed tracing settings.
type TracingConfig struct {
	Enabled      bool    `yaml:"enabled"`
	Exporter     string  `yaml:"exporter"`
	Endpoint     string  `yaml:"endpoint"`
	SamplingRate float64 `yaml:"sampling_rate"`
}

// MetricsConfig describes Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// Defaults returns a Config with sensible default values.
func Defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			HandlerTimeout:  25 * time.Second,
			ShutdownTimeout: 30 * time.Second,
			MaxBodyBytes:    1 << 20,
			CORS: CORSConfig{
				AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
				AllowedHeaders: []string{"Authorization", "Content-Type",
					"X-Correlation-Id", "X-Idempotency-Key"},
				MaxAge: 86400,
			},
		},
		Identity: IdentityConfig{
			Issuer:            "civicportal",
			Audience:          "civicportal-api",
			TokenTTL:          12 * time.Hour,
			MinPasswordLength: 8,
		},
		Capability: CapabilityConfig{
			Cache: CacheConfig{
				TTL:        5 * time.Minute,
				MaxEntries: 10000,
			},
		},
		Storage: StorageConfig{
			Driver:          "memory",
			DSNEnv:          "CIVIC_DATABASE_URL",
			MaxOpenConns:    25,
			ConnMaxLifetime: 5 * time.Minute,
		},
		Redis: RedisConfig{
			Addr: "localhost:6379",
		},
		Idempotency: IdempotencyConfig{
			Enabled: true,
			Driver:  "memory",
			TTL:     24 * time.Hour,
		},
		Uploads: UploadsConfig{
			MaxPictureBytes:  2 << 20,
			MaxDocumentBytes: 10 << 20,
			PictureTypes:     []string{"image/png", "image/jpeg", "image/gif"},
		},
		Client: ClientConfig{
			BaseURL:    "http://localhost:8080",
			Timeout:    15 * time.Second,
			TokenStore: "file",
			TokenFile:  defaultTokenFile(),
			CircuitBreaker: CircuitBreakerConfig{
				FailureThreshold: 5,
				SuccessThreshold: 2,
				Timeout:          30 * time.Second,
			},
			Retry: RetryConfig{
				MaxAttempts:       3,
				BackoffInitial:    200 * time.Millisecond,
				BackoffMultiplier: 2,
				BackoffMax:        2 * time.Second,
				IdempotentOnly:    true,
			},
		},
		Observability: ObservabilityConfig{
			LogLevel:  "info",
			LogFormat: "json",
			Tracing: TracingConfig{
				Exporter:     "stdout",
				SamplingRate: 0.1,
			},
			Metrics: MetricsConfig{
				Enabled: true,
				Path:    "/metrics",
			},
		},
	}
}

func defaultTokenFile() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ".civicportal-token.json"
	}
	return dir + "/civicportal/token.json"
}

// Load reads a YAML config file, applies .env and environment variable
// overrides, and validates the result. An empty path uses the defaults.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: reading %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parsing %s: %w", path, err)
		}
	}

	if err := LoadDotEnv(); err != nil {
		return nil, err
	}
	if err := applyEnvOverrides(cfg); err != nil {
		return nil, fmt.Errorf("config: environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: validation: %w", err)
	}
	return cfg, nil
}

// LoadDotEnv loads .env from the working directory into the process
// environment without overriding variables that are already set. A missing
// file is not an error.
func LoadDotEnv(files ...string) error {
	err := godotenv.Load(files...)
	if err == nil {
		return nil
	}
	var pathErr *fs.PathError
	if errors.As(err, &pathErr) {
		return nil
	}
	return fmt.Errorf("config: loading .env: %w", err)
}

// Validate checks that all required fields are present and valid. Every
// problem is reported.
func (c *Config) Validate() error {
	var errs []error

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, errors.New("server.port must be between 1 and 65535"))
	}
	if c.Server.MaxBodyBytes < 1 {
		errs = append(errs, errors.New("server.max_body_bytes must be positive"))
	}
	if c.Identity.Issuer == "" {
		errs = append(errs, errors.New("identity.issuer is required"))
	}
	if c.Identity.Audience == "" {
		errs = append(errs, errors.New("identity.audience is required"))
	}
	if c.Identity.TokenTTL <= 0 {
		errs = append(errs, errors.New("identity.token_ttl must be positive"))
	}
	if c.Identity.MinPasswordLength < 8 {
		errs = append(errs, errors.New("identity.min_password_length must be at least 8"))
	}

	switch c.Storage.Driver {
	case "memory":
	case "postgres":
		if c.Storage.DSN() == "" {
			errs = append(errs, fmt.Errorf("storage.dsn_env: %s is not set", c.Storage.DSNEnv))
		}
	default:
		errs = append(errs, fmt.Errorf("storage.driver %q must be memory or postgres", c.Storage.Driver))
	}

	if c.Idempotency.Enabled {
		switch c.Idempotency.Driver {
		case "memory":
		case "redis":
			if c.Redis.Addr == "" {
				errs = append(errs, errors.New("redis.addr is required for the redis idempotency driver"))
			}
		default:
			errs = append(errs, fmt.Errorf("idempotency.driver %q must be memory or redis", c.Idempotency.Driver))
		}
		if c.Idempotency.TTL <= 0 {
			errs = append(errs, errors.New("idempotency.ttl must be positive"))
		}
	}

	if c.Uploads.MaxPictureBytes < 1 || c.Uploads.MaxDocumentBytes < 1 {
		errs = append(errs, errors.New("uploads limits must be positive"))
	}

	switch c.Client.TokenStore {
	case "file", "redis":
	default:
		errs = append(errs, fmt.Errorf("client.token_store %q must be file or redis", c.Client.TokenStore))
	}

	if c.Observability.Tracing.SamplingRate < 0 || c.Observability.Tracing.SamplingRate > 1 {
		errs = append(errs, errors.New("observability.tracing.sampling_rate must be between 0 and 1"))
	}

	return errors.Join(errs...)
}

// ValidateServer additionally checks settings the HTTP server cannot start
// without.
func (c *Config) ValidateServer() error {
	if len(c.Identity.SigningKey) < 32 {
		return errors.New("identity.signing_key must be at least 32 bytes (set CIVIC_IDENTITY_SIGNING_KEY)")
	}
	return nil
}

// applyEnvOverrides reads CIVIC_* environment variables and overrides config
// values. Only the most commonly overridden fields are supported.
func applyEnvOverrides(cfg *Config) error {
	var errs []error

	if v := os.Getenv("CIVIC_SERVER_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("CIVIC_SERVER_PORT: %w", err))
		} else {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("CIVIC_IDENTITY_ISSUER"); v != "" {
		cfg.Identity.Issuer = v
	}
	if v := os.Getenv("CIVIC_IDENTITY_AUDIENCE"); v != "" {
		cfg.Identity.Audience = v
	}
	if v := os.Getenv("CIVIC_IDENTITY_SIGNING_KEY"); v != "" {
		cfg.Identity.SigningKey = v
	}
	if v := os.Getenv("CIVIC_STORAGE_DRIVER"); v != "" {
		cfg.Storage.Driver = v
	}
	if v := os.Getenv("CIVIC_REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("CIVIC_REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	if v := os.Getenv("CIVIC_IDEMPOTENCY_DRIVER"); v != "" {
		cfg.Idempotency.Driver = v
	}
	if v := os.Getenv("CIVIC_CLIENT_BASE_URL"); v != "" {
		cfg.Client.BaseURL = v
	}
	if v := os.Getenv("CIVIC_CLIENT_TOKEN_STORE"); v != "" {
		cfg.Client.TokenStore = v
	}
	if v := os.Getenv("CIVIC_CLIENT_TOKEN_FILE"); v != "" {
		cfg.Client.TokenFile = v
	}
	if v := os.Getenv("CIVIC_OBSERVABILITY_LOG_LEVEL"); v != "" {
		cfg.Observability.LogLevel = v
	}
	if v := os.Getenv("CIVIC_TRACING_ENABLED"); v != "" {
		enabled, err := strconv.ParseBool(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("CIVIC_TRACING_ENABLED: %w", err))
		} else {
			cfg.Observability.Tracing.Enabled = enabled
		}
	}

	return errors.Join(errs...)
}
