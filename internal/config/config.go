package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so YAML files can use strings like "5s".
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses human readable duration strings.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return nil
	}
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration must be a string")
	}
	if value.Value == "" {
		d.Duration = 0
		return nil
	}
	parsed, err := time.ParseDuration(value.Value)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", value.Value, err)
	}
	d.Duration = parsed
	return nil
}

// Config holds all application configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Security  SecurityConfig  `yaml:"security"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Redis     RedisConfig     `yaml:"redis"`
	Tracing   TracingConfig   `yaml:"tracing"`
	Reward    RewardConfig    `yaml:"reward"`
	Features  map[string]bool `yaml:"features"`
	Log       LogConfig       `yaml:"log"`
}

// ServerConfig holds server-related configuration.
type ServerConfig struct {
	Port            string   `yaml:"port"`
	Host            string   `yaml:"host"`
	EnableTLS       bool     `yaml:"enable_tls"`
	CertFile        string   `yaml:"cert_file"`
	KeyFile         string   `yaml:"key_file"`
	ReadTimeout     Duration `yaml:"read_timeout"`
	WriteTimeout    Duration `yaml:"write_timeout"`
	ShutdownTimeout Duration `yaml:"shutdown_timeout"`
}

// Addr returns the listen address.
func (s ServerConfig) Addr() string {
	return s.Host + ":" + s.Port
}

// DatabaseConfig holds database-related configuration.
type DatabaseConfig struct {
	Path        string   `yaml:"path"`
	BusyTimeout Duration `yaml:"busy_timeout"`
}

// SecurityConfig holds security-related configuration.
type SecurityConfig struct {
	// Max request body size in bytes.
	MaxRequestBodySize int64 `yaml:"max_request_body_size"`
	// Allowed CORS origins (comma-separated)
	AllowedOrigins string `yaml:"allowed_origins"`
}

// Origins splits AllowedOrigins into a list.
func (s SecurityConfig) Origins() []string {
	var out []string
	for _, o := range strings.Split(s.AllowedOrigins, ",") {
		if o = strings.TrimSpace(o); o != "" {
			out = append(out, o)
		}
	}
	return out
}

// RateLimitConfig holds per-client token bucket settings.
type RateLimitConfig struct {
	Enabled           bool    `yaml:"enabled"`
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	Burst             int     `yaml:"burst"`
}

// RedisConfig points at the analytics cache. An empty Addr selects the
// in-memory cache.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type TracingConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Endpoint    string  `yaml:"endpoint"`
	Environment string  `yaml:"environment"`
	SampleRatio float64 `yaml:"sample_ratio"`
}

// RewardConfig tunes event processing.
type RewardConfig struct {
	ProcessingTimeout Duration `yaml:"processing_timeout"`
	AnalyticsCacheTTL Duration `yaml:"analytics_cache_ttl"`
}

type LogConfig struct {
	Level       string `yaml:"level"`
	Environment string `yaml:"environment"`
}

// LoadConfig loads configuration from environment variables and/or config file.
// Environment variables take precedence over config file values.
func LoadConfig(configFile string) (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Port:            getEnv("SERVER_PORT", "8080"),
			Host:            getEnv("SERVER_HOST", ""),
			EnableTLS:       getEnvBool("SERVER_ENABLE_TLS", false),
			CertFile:        getEnv("SERVER_CERT_FILE", ""),
			KeyFile:         getEnv("SERVER_KEY_FILE", ""),
			ReadTimeout:     Duration{getEnvDuration("SERVER_READ_TIMEOUT", 15*time.Second)},
			WriteTimeout:    Duration{getEnvDuration("SERVER_WRITE_TIMEOUT", 15*time.Second)},
			ShutdownTimeout: Duration{getEnvDuration("SERVER_SHUTDOWN_TIMEOUT", 30*time.Second)},
		},
		Database: DatabaseConfig{
			Path:        getEnv("DATABASE_PATH", "./referral_rewards.db"),
			BusyTimeout: Duration{getEnvDuration("DATABASE_BUSY_TIMEOUT", 5*time.Second)},
		},
		Security: SecurityConfig{
			MaxRequestBodySize: getEnvInt64("MAX_REQUEST_BODY_SIZE", 1<<20),
			AllowedOrigins:     getEnv("ALLOWED_ORIGINS", "*"),
		},
		RateLimit: RateLimitConfig{
			Enabled:           getEnvBool("RATE_LIMIT_ENABLED", true),
			RequestsPerSecond: getEnvFloat("RATE_LIMIT_RPS", 20),
			Burst:             getEnvInt("RATE_LIMIT_BURST", 40),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", ""),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
		},
		Tracing: TracingConfig{
			Enabled:     getEnvBool("TRACING_ENABLED", false),
			Endpoint:    getEnv("JAEGER_ENDPOINT", "http://localhost:14268/api/traces"),
			Environment: getEnv("ENVIRONMENT", "development"),
			SampleRatio: getEnvFloat("TRACING_SAMPLE_RATIO", 1),
		},
		Reward: RewardConfig{
			ProcessingTimeout: Duration{getEnvDuration("REWARD_PROCESSING_TIMEOUT", 10*time.Second)},
			AnalyticsCacheTTL: Duration{getEnvDuration("ANALYTICS_CACHE_TTL", time.Minute)},
		},
		Features: map[string]bool{},
		Log: LogConfig{
			Level:       getEnv("LOG_LEVEL", "info"),
			Environment: getEnv("ENVIRONMENT", "development"),
		},
	}

	if configFile != "" {
		if err := loadFromFile(configFile, cfg); err != nil {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
	}

	overrideFromEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// loadFromFile overlays a YAML (or JSON) file onto cfg.
func loadFromFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(data, cfg)
}

// overrideFromEnv re-applies explicitly set environment variables on top of
// the file values.
func overrideFromEnv(cfg *Config) {
	if v, ok := os.LookupEnv("SERVER_PORT"); ok && v != "" {
		cfg.Server.Port = v
	}
	if v, ok := os.LookupEnv("SERVER_HOST"); ok {
		cfg.Server.Host = v
	}
	if _, ok := os.LookupEnv("SERVER_ENABLE_TLS"); ok {
		cfg.Server.EnableTLS = getEnvBool("SERVER_ENABLE_TLS", cfg.Server.EnableTLS)
	}
	if v := os.Getenv("SERVER_CERT_FILE"); v != "" {
		cfg.Server.CertFile = v
	}
	if v := os.Getenv("SERVER_KEY_FILE"); v != "" {
		cfg.Server.KeyFile = v
	}
	cfg.Server.ReadTimeout.Duration = getEnvDuration("SERVER_READ_TIMEOUT", cfg.Server.ReadTimeout.Duration)
	cfg.Server.WriteTimeout.Duration = getEnvDuration("SERVER_WRITE_TIMEOUT", cfg.Server.WriteTimeout.Duration)
	cfg.Server.ShutdownTimeout.Duration = getEnvDuration("SERVER_SHUTDOWN_TIMEOUT", cfg.Server.ShutdownTimeout.Duration)

	if v := os.Getenv("DATABASE_PATH"); v != "" {
		cfg.Database.Path = v
	}
	cfg.Database.BusyTimeout.Duration = getEnvDuration("DATABASE_BUSY_TIMEOUT", cfg.Database.BusyTimeout.Duration)

	cfg.Security.MaxRequestBodySize = getEnvInt64("MAX_REQUEST_BODY_SIZE", cfg.Security.MaxRequestBodySize)
	if v := os.Getenv("ALLOWED_ORIGINS"); v != "" {
		cfg.Security.AllowedOrigins = v
	}

	if _, ok := os.LookupEnv("RATE_LIMIT_ENABLED"); ok {
		cfg.RateLimit.Enabled = getEnvBool("RATE_LIMIT_ENABLED", cfg.RateLimit.Enabled)
	}
	cfg.RateLimit.RequestsPerSecond = getEnvFloat("RATE_LIMIT_RPS", cfg.RateLimit.RequestsPerSecond)
	cfg.RateLimit.Burst = getEnvInt("RATE_LIMIT_BURST", cfg.RateLimit.Burst)

	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	cfg.Redis.DB = getEnvInt("REDIS_DB", cfg.Redis.DB)

	if _, ok := os.LookupEnv("TRACING_ENABLED"); ok {
		cfg.Tracing.Enabled = getEnvBool("TRACING_ENABLED", cfg.Tracing.Enabled)
	}
	if v := os.Getenv("JAEGER_ENDPOINT"); v != "" {
		cfg.Tracing.Endpoint = v
	}
	cfg.Tracing.SampleRatio = getEnvFloat("TRACING_SAMPLE_RATIO", cfg.Tracing.SampleRatio)

	cfg.Reward.ProcessingTimeout.Duration = getEnvDuration("REWARD_PROCESSING_TIMEOUT", cfg.Reward.ProcessingTimeout.Duration)
	cfg.Reward.AnalyticsCacheTTL.Duration = getEnvDuration("ANALYTICS_CACHE_TTL", cfg.Reward.AnalyticsCacheTTL.Duration)

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("ENVIRONMENT"); v != "" {
		cfg.Log.Environment = v
		cfg.Tracing.Environment = v
	}

	// FEATURE_<NAME>=true|false toggles individual flags.
	for _, kv := range os.Environ() {
		key, value, _ := strings.Cut(kv, "=")
		name, ok := strings.CutPrefix(key, "FEATURE_")
		if !ok || name == "" {
			continue
		}
		if cfg.Features == nil {
			cfg.Features = map[string]bool{}
		}
		cfg.Features[strings.ToLower(name)] = strings.EqualFold(value, "true") || value == "1"
	}
}

// getEnv gets an environment variable or returns the default value.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvBool gets a boolean environment variable or returns the default value.
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return strings.ToLower(value) == "true" || value == "1"
	}
	return defaultValue
}

// getEnvInt gets an integer environment variable or returns the default value.
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

// Validate validates the configuration and returns any errors.
func (c *Config) Validate() error {
	var errs []error
	if c.Server.Port == "" {
		errs = append(errs, errors.New("server port is required"))
	}
	if c.Server.EnableTLS && (c.Server.CertFile == "" || c.Server.KeyFile == "") {
		errs = append(errs, errors.New("tls requires cert_file and key_file"))
	}
	if c.Database.Path == "" {
		errs = append(errs, errors.New("database path is required"))
	}
	if c.Security.MaxRequestBodySize <= 0 {
		errs = append(errs, errors.New("max request body size must be positive"))
	}
	if c.RateLimit.Enabled {
		if c.RateLimit.RequestsPerSecond <= 0 {
			errs = append(errs, errors.New("rate limit requests_per_second must be positive"))
		}
		if c.RateLimit.Burst <= 0 {
			errs = append(errs, errors.New("rate limit burst must be positive"))
		}
	}
	if c.Tracing.SampleRatio < 0 || c.Tracing.SampleRatio > 1 {
		errs = append(errs, errors.New("tracing sample_ratio must be within [0, 1]"))
	}
	if c.Reward.ProcessingTimeout.Duration <= 0 {
		errs = append(errs, errors.New("reward processing_timeout must be positive"))
	}
	if c.Reward.AnalyticsCacheTTL.Duration < 0 {
		errs = append(errs, errors.New("reward analytics_cache_ttl must not be negative"))
	}
	return errors.Join(errs...)
}
