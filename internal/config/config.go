package config

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/evault/ledgerops/internal/domain"
	"github.com/spf13/viper"
)

const (
	BackendPostgres = "postgres"
	BackendMemory   = "memory"

	EnvDevelopment = "development"
)

type Config struct {
	DBSource       string `mapstructure:"DB_SOURCE"`
	StorageBackend string `mapstructure:"STORAGE_BACKEND"`
	Port           string `mapstructure:"SERVER_PORT"`
	Env            string `mapstructure:"ENVIRONMENT"`
	LogLevel       string `mapstructure:"LOG_LEVEL"`
	LogFormat      string `mapstructure:"LOG_FORMAT"`

	SupportedCurrencies     string        `mapstructure:"SUPPORTED_CURRENCIES"`
	PhoneDefaultRegion      string        `mapstructure:"PHONE_DEFAULT_REGION"`
	IdempotencyWaitTimeout  time.Duration `mapstructure:"IDEMPOTENCY_WAIT_TIMEOUT"`
	IdempotencyPollInterval time.Duration `mapstructure:"IDEMPOTENCY_POLL_INTERVAL"`
	IdempotencyRetention    time.Duration `mapstructure:"IDEMPOTENCY_RETENTION"`

	ReconcileSchedule       string        `mapstructure:"RECONCILE_SCHEDULE"`
	ReconcilePendingTimeout time.Duration `mapstructure:"RECONCILE_PENDING_TIMEOUT"`
	ReconcileBatchSize      int           `mapstructure:"RECONCILE_BATCH_SIZE"`

	JWTSecret      string `mapstructure:"JWT_SECRET"`
	InternalAPIKey string `mapstructure:"INTERNAL_API_KEY"`

	RedisURL           string `mapstructure:"REDIS_URL"`
	RateLimitPrefix    string `mapstructure:"RATE_LIMIT_PREFIX"`
	RateLimitPerMinute int    `mapstructure:"RATE_LIMIT_PER_MINUTE"`

	RabbitMQURL    string `mapstructure:"RABBITMQ_URL"`
	EventsExchange string `mapstructure:"EVENTS_EXCHANGE"`
}

var keys = []string{
	"DB_SOURCE", "STORAGE_BACKEND", "SERVER_PORT", "ENVIRONMENT", "LOG_LEVEL", "LOG_FORMAT",
	"SUPPORTED_CURRENCIES", "PHONE_DEFAULT_REGION", "IDEMPOTENCY_WAIT_TIMEOUT", "IDEMPOTENCY_POLL_INTERVAL", "IDEMPOTENCY_RETENTION",
	"RECONCILE_SCHEDULE", "RECONCILE_PENDING_TIMEOUT", "RECONCILE_BATCH_SIZE",
	"JWT_SECRET", "INTERNAL_API_KEY",
	"REDIS_URL", "RATE_LIMIT_PREFIX", "RATE_LIMIT_PER_MINUTE",
	"RABBITMQ_URL", "EVENTS_EXCHANGE",
}

// Load reads configuration from the environment and an optional .env file
// in path.
func Load(path string) (*Config, error) {
	viper.AddConfigPath(path)
	viper.SetConfigName(".env")
	viper.SetConfigType("env")
	viper.AutomaticEnv()

	viper.SetDefault("STORAGE_BACKEND", BackendPostgres)
	viper.SetDefault("SERVER_PORT", "8080")
	viper.SetDefault("ENVIRONMENT", EnvDevelopment)
	viper.SetDefault("LOG_LEVEL", "info")
	viper.SetDefault("LOG_FORMAT", "text")
	viper.SetDefault("SUPPORTED_CURRENCIES", "USD,EUR,GBP,NGN,GHS,KES")
	viper.SetDefault("PHONE_DEFAULT_REGION", "GH")
	viper.SetDefault("IDEMPOTENCY_WAIT_TIMEOUT", "3s")
	viper.SetDefault("IDEMPOTENCY_POLL_INTERVAL", "100ms")
	viper.SetDefault("IDEMPOTENCY_RETENTION", "720h")
	viper.SetDefault("RECONCILE_SCHEDULE", "@every 1m")
	viper.SetDefault("RECONCILE_PENDING_TIMEOUT", "5m")
	viper.SetDefault("RECONCILE_BATCH_SIZE", 100)
	viper.SetDefault("RATE_LIMIT_PREFIX", "ledgerops:rate_limit")
	viper.SetDefault("RATE_LIMIT_PER_MINUTE", 30)
	viper.SetDefault("EVENTS_EXCHANGE", "ledger_events")

	// Bind explicitly so unset keys still appear in Unmarshal.
	for _, key := range keys {
		_ = viper.BindEnv(key)
	}

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.StorageBackend = strings.ToLower(strings.TrimSpace(cfg.StorageBackend))
	cfg.Env = strings.ToLower(strings.TrimSpace(cfg.Env))
	cfg.PhoneDefaultRegion = strings.ToUpper(strings.TrimSpace(cfg.PhoneDefaultRegion))
	cfg.RedisURL = strings.TrimSpace(cfg.RedisURL)
	cfg.RateLimitPrefix = strings.TrimSuffix(strings.TrimSpace(cfg.RateLimitPrefix), ":")

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	switch c.StorageBackend {
	case BackendPostgres:
		if c.DBSource == "" {
			return fmt.Errorf("DB_SOURCE environment variable is required")
		}
	case BackendMemory:
	default:
		return fmt.Errorf("STORAGE_BACKEND must be %q or %q, got %q", BackendPostgres, BackendMemory, c.StorageBackend)
	}
	// Without a secret the history endpoint trusts ?userId=.
	if c.Env != EnvDevelopment && c.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET is required when ENVIRONMENT is %q", c.Env)
	}
	if !domain.KnownRegion(c.PhoneDefaultRegion) {
		return fmt.Errorf("PHONE_DEFAULT_REGION %q is not a known region", c.PhoneDefaultRegion)
	}
	if len(c.Currencies()) == 0 {
		return fmt.Errorf("SUPPORTED_CURRENCIES must list at least one currency")
	}
	if c.IdempotencyWaitTimeout < 0 || c.IdempotencyPollInterval <= 0 {
		return fmt.Errorf("IDEMPOTENCY_WAIT_TIMEOUT must be >= 0 and IDEMPOTENCY_POLL_INTERVAL > 0")
	}
	if c.ReconcilePendingTimeout <= 0 {
		return fmt.Errorf("RECONCILE_PENDING_TIMEOUT must be positive")
	}
	return nil
}

// Currencies returns the upper-cased supported currency codes.
func (c *Config) Currencies() []string {
	var out []string
	for _, code := range strings.Split(c.SupportedCurrencies, ",") {
		code = strings.ToUpper(strings.TrimSpace(code))
		if code != "" {
			out = append(out, code)
		}
	}
	return out
}

// Logger builds the process logger from LOG_LEVEL and LOG_FORMAT.
func (c *Config) Logger() *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if strings.EqualFold(c.LogFormat, "json") {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.New(handler).With("env", c.Env)
}
