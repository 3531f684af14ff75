package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/Netflix/go-env"
	"github.com/joho/godotenv"
)

const (
	StoreDriverPostgres = "postgres"
	StoreDriverMongo    = "mongo"
	StoreDriverMemory   = "memory"
)

type Config struct {
	StoreDriver           string `env:"STORE_DRIVER,default=postgres"`
	DatabaseDSN           string `env:"DATABASE_DSN"`
	MongoURL              string `env:"MONGODB_URL"`
	MongoDatabase         string `env:"MONGODB_DATABASE,default=notifier"`
	RedisURL              string `env:"REDIS_URL,required=true"`
	RabbitMQURL           string `env:"RABBITMQ_URL"`
	RateLimitPerSec       int    `env:"RATE_LIMIT_PER_SEC,default=10"`
	StatusRateLimitPerSec int    `env:"STATUS_RATE_LIMIT_PER_SEC,default=20"`
	APIPort               int    `env:"API_PORT,default=8080"`
	LogLevel              string `env:"LOG_LEVEL,default=info"`
	LogFormat             string `env:"LOG_FORMAT,default=json"`
	HistoryTimezone       string `env:"HISTORY_TIMEZONE,default=America/Toronto"`

	Twilio TwilioConfig
	Sweep  SweepConfig
}

type TwilioConfig struct {
	AccountSID          string        `env:"TWILIO_ACCOUNT_SID,required=true"`
	AuthToken           string        `env:"TWILIO_AUTH_TOKEN,required=true"`
	FromNumber          string        `env:"TWILIO_FROM_NUMBER"`
	MessagingServiceSID string        `env:"TWILIO_MESSAGING_SERVICE_SID"`
	BaseURL             string        `env:"TWILIO_BASE_URL,default=https://api.twilio.com"`
	DefaultCountryCode  string        `env:"DEFAULT_COUNTRY_CODE,default=1"`
	Timeout             time.Duration `env:"TRANSPORT_TIMEOUT,default=15s"`
}

type SweepConfig struct {
	Enabled    bool          `env:"SCHEDULER_ENABLED,default=true"`
	Schedule   string        `env:"SWEEP_SCHEDULE,default=@every 3m"`
	BatchLimit int           `env:"SWEEP_BATCH_LIMIT,default=500"`
	LeaseTTL   time.Duration `env:"LEASE_TTL,default=2m"`
}

// Load reads an optional .env file and then the process environment. Values
// already present in the environment always win over the file.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	var cfg Config
	_, err := env.UnmarshalFromEnviron(&cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	c.StoreDriver = strings.ToLower(strings.TrimSpace(c.StoreDriver))
	switch c.StoreDriver {
	case StoreDriverPostgres:
		if strings.TrimSpace(c.DatabaseDSN) == "" {
			return fmt.Errorf("DATABASE_DSN is required when STORE_DRIVER=postgres")
		}
	case StoreDriverMongo:
		if strings.TrimSpace(c.MongoURL) == "" {
			return fmt.Errorf("MONGODB_URL is required when STORE_DRIVER=mongo")
		}
	case StoreDriverMemory:
	default:
		return fmt.Errorf("invalid STORE_DRIVER %q", c.StoreDriver)
	}

	if strings.TrimSpace(c.Twilio.FromNumber) == "" && strings.TrimSpace(c.Twilio.MessagingServiceSID) == "" {
		return fmt.Errorf("TWILIO_FROM_NUMBER or TWILIO_MESSAGING_SERVICE_SID is required")
	}
	if c.Twilio.Timeout <= 0 {
		return fmt.Errorf("TRANSPORT_TIMEOUT must be positive")
	}
	if strings.TrimSpace(c.Sweep.Schedule) == "" {
		return fmt.Errorf("SWEEP_SCHEDULE is required")
	}
	if c.Sweep.BatchLimit <= 0 {
		return fmt.Errorf("SWEEP_BATCH_LIMIT must be positive")
	}
	if c.Sweep.LeaseTTL <= c.Twilio.Timeout {
		return fmt.Errorf("LEASE_TTL (%s) must exceed TRANSPORT_TIMEOUT (%s)", c.Sweep.LeaseTTL, c.Twilio.Timeout)
	}
	if _, err := time.LoadLocation(c.HistoryTimezone); err != nil {
		return fmt.Errorf("invalid HISTORY_TIMEZONE %q: %w", c.HistoryTimezone, err)
	}
	return nil
}
