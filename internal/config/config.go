package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"

	"recipebox/internal/notifier"
)

const (
	StorageMemory   = "memory"
	StorageSQLite   = "sqlite3"
	StoragePostgres = "pgx"
	StorageDapr     = "dapr"

	CacheMemory = "memory"
	CacheRedis  = "redis"

	MailLog    = "log"
	MailResend = "resend"

	TraceStdout = "stdout"
	TraceNone   = "none"
)

type Config struct {
	Port           string `envconfig:"PORT" default:"8080"`
	GinMode        string `envconfig:"GIN_MODE"`
	ServiceName    string `envconfig:"SERVICE_NAME" default:"recipe-subscribers"`
	ServiceVersion string `envconfig:"SERVICE_VERSION" default:"1.0.0"`
	LogLevel       string `envconfig:"LOG_LEVEL" default:"info"`
	TraceExporter  string `envconfig:"TRACE_EXPORTER" default:"stdout"`

	StorageDriver string `envconfig:"STORAGE_DRIVER" default:"memory"`
	DatabaseURL   string `envconfig:"DATABASE_URL" default:"file:subscribers.db?_foreign_keys=on"`
	DaprStoreName string `envconfig:"DAPR_STORE_NAME" default:"statestore"`

	CacheDriver string        `envconfig:"CACHE_DRIVER" default:"memory"`
	RedisURL    string        `envconfig:"REDIS_URL"`
	CacheTTL    time.Duration `envconfig:"CACHE_TTL" default:"5m"`

	MailTransport       string        `envconfig:"MAIL_TRANSPORT" default:"log"`
	MailFromAddress     string        `envconfig:"MAIL_FROM_ADDRESS" default:"noreply@restaurant.com"`
	ResendAPIKey        string        `envconfig:"RESEND_API_KEY"`
	MailBreakerFailures uint32        `envconfig:"MAIL_BREAKER_FAILURES" default:"5"`
	MailBreakerCooldown time.Duration `envconfig:"MAIL_BREAKER_COOLDOWN" default:"30s"`

	FlashSecret string `envconfig:"FLASH_SECRET"`
}

// Load reads an optional .env file and then the process environment.
// Variables already set in the environment win over the file.
func Load(envFiles ...string) (*Config, error) {
	if err := godotenv.Load(envFiles...); err != nil && len(envFiles) > 0 {
		return nil, fmt.Errorf("failed to load env file: %w", err)
	}

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

// Notifier returns the mail settings handed to the welcome notifier.
func (c *Config) Notifier() notifier.Config {
	return notifier.Config{FromAddress: c.MailFromAddress}
}

func (c *Config) validate() error {
	var errs []error

	switch c.StorageDriver {
	case StorageMemory, StorageDapr:
	case StorageSQLite, StoragePostgres:
		if strings.TrimSpace(c.DatabaseURL) == "" {
			errs = append(errs, fmt.Errorf("DATABASE_URL is required for STORAGE_DRIVER=%s", c.StorageDriver))
		}
	default:
		errs = append(errs, fmt.Errorf("STORAGE_DRIVER must be one of memory, sqlite3, pgx, dapr; got %q", c.StorageDriver))
	}

	switch c.CacheDriver {
	case CacheMemory:
	case CacheRedis:
		if !strings.HasPrefix(c.RedisURL, "redis://") && !strings.HasPrefix(c.RedisURL, "rediss://") {
			errs = append(errs, errors.New("REDIS_URL must start with redis:// or rediss:// when CACHE_DRIVER=redis"))
		}
	default:
		errs = append(errs, fmt.Errorf("CACHE_DRIVER must be memory or redis; got %q", c.CacheDriver))
	}

	switch c.MailTransport {
	case MailLog:
	case MailResend:
		if c.ResendAPIKey == "" {
			errs = append(errs, errors.New("RESEND_API_KEY is required when MAIL_TRANSPORT=resend"))
		}
	default:
		errs = append(errs, fmt.Errorf("MAIL_TRANSPORT must be log or resend; got %q", c.MailTransport))
	}

	switch c.TraceExporter {
	case TraceStdout, TraceNone:
	default:
		errs = append(errs, fmt.Errorf("TRACE_EXPORTER must be stdout or none; got %q", c.TraceExporter))
	}

	if c.CacheTTL <= 0 {
		errs = append(errs, errors.New("CACHE_TTL must be positive"))
	}

	return errors.Join(errs...)
}
