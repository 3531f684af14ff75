package config

import (
	"strings"
	"testing"
	"time"
)

func setRequiredEnv(t *testing.T) {
	t.Helper()
	t.Setenv("DATABASE_DSN", "host=localhost user=test password=test dbname=test port=5432 sslmode=disable")
	t.Setenv("REDIS_URL", "redis://localhost:6379/0")
	t.Setenv("TWILIO_ACCOUNT_SID", "AC123")
	t.Setenv("TWILIO_AUTH_TOKEN", "secret")
	t.Setenv("TWILIO_FROM_NUMBER", "+15550000000")
}

func TestLoad_Defaults(t *testing.T) {
	setRequiredEnv(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.StoreDriver != StoreDriverPostgres {
		t.Errorf("StoreDriver = %s, want postgres", cfg.StoreDriver)
	}
	if cfg.APIPort != 8080 {
		t.Errorf("APIPort = %d, want 8080", cfg.APIPort)
	}
	if cfg.LogLevel != "info" || cfg.LogFormat != "json" {
		t.Errorf("log = %s/%s, want info/json", cfg.LogLevel, cfg.LogFormat)
	}
	if cfg.RateLimitPerSec != 10 || cfg.StatusRateLimitPerSec != 20 {
		t.Errorf("rate limits = %d/%d, want 10/20", cfg.RateLimitPerSec, cfg.StatusRateLimitPerSec)
	}
	if cfg.Sweep.Schedule != "@every 3m" {
		t.Errorf("Sweep.Schedule = %q, want @every 3m", cfg.Sweep.Schedule)
	}
	if !cfg.Sweep.Enabled || cfg.Sweep.BatchLimit != 500 || cfg.Sweep.LeaseTTL != 2*time.Minute {
		t.Errorf("Sweep = %+v", cfg.Sweep)
	}
	if cfg.Twilio.Timeout != 15*time.Second || cfg.Twilio.BaseURL != "https://api.twilio.com" || cfg.Twilio.DefaultCountryCode != "1" {
		t.Errorf("Twilio = %+v", cfg.Twilio)
	}
	if cfg.HistoryTimezone != "America/Toronto" {
		t.Errorf("HistoryTimezone = %s", cfg.HistoryTimezone)
	}
	if cfg.RabbitMQURL != "" {
		t.Errorf("RabbitMQURL = %q, want empty (intake disabled)", cfg.RabbitMQURL)
	}
}

func TestLoad_CustomValues(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("API_PORT", "9090")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("SWEEP_SCHEDULE", "@every 30s")
	t.Setenv("TRANSPORT_TIMEOUT", "5s")
	t.Setenv("LEASE_TTL", "1m")
	t.Setenv("SCHEDULER_ENABLED", "false")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.APIPort != 9090 {
		t.Errorf("APIPort = %d, want 9090", cfg.APIPort)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel = %s, want debug", cfg.LogLevel)
	}
	if cfg.Sweep.Schedule != "@every 30s" || cfg.Sweep.Enabled {
		t.Errorf("Sweep = %+v", cfg.Sweep)
	}
	if cfg.Twilio.Timeout != 5*time.Second || cfg.Sweep.LeaseTTL != time.Minute {
		t.Errorf("timeouts = %s/%s", cfg.Twilio.Timeout, cfg.Sweep.LeaseTTL)
	}
}

func TestLoad_MissingRequired(t *testing.T) {
	t.Setenv("DATABASE_DSN", "host=localhost")
	t.Setenv("TWILIO_ACCOUNT_SID", "AC123")

	_, err := Load()
	if err == nil {
		t.Fatal("expected error for missing required env vars, got nil")
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()

	valid := func() Config {
		return Config{
			StoreDriver:     StoreDriverPostgres,
			DatabaseDSN:     "host=localhost",
			RedisURL:        "redis://localhost:6379/0",
			HistoryTimezone: "America/Toronto",
			Twilio: TwilioConfig{
				AccountSID: "AC1",
				AuthToken:  "x",
				FromNumber: "+15550000000",
				Timeout:    15 * time.Second,
			},
			Sweep: SweepConfig{Schedule: "@every 3m", BatchLimit: 500, LeaseTTL: 2 * time.Minute},
		}
	}

	testCases := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "valid", mutate: func(c *Config) {}},
		{name: "memory store needs no dsn", mutate: func(c *Config) { c.StoreDriver = StoreDriverMemory; c.DatabaseDSN = "" }},
		{name: "postgres without dsn", mutate: func(c *Config) { c.DatabaseDSN = "" }, wantErr: "DATABASE_DSN"},
		{name: "mongo without url", mutate: func(c *Config) { c.StoreDriver = StoreDriverMongo }, wantErr: "MONGODB_URL"},
		{name: "unknown driver", mutate: func(c *Config) { c.StoreDriver = "sqlite" }, wantErr: "STORE_DRIVER"},
		{name: "no sender", mutate: func(c *Config) { c.Twilio.FromNumber = "" }, wantErr: "TWILIO_FROM_NUMBER"},
		{name: "messaging service is a sender", mutate: func(c *Config) { c.Twilio.FromNumber = ""; c.Twilio.MessagingServiceSID = "MG1" }},
		{name: "empty schedule", mutate: func(c *Config) { c.Sweep.Schedule = " " }, wantErr: "SWEEP_SCHEDULE"},
		{name: "zero batch", mutate: func(c *Config) { c.Sweep.BatchLimit = 0 }, wantErr: "SWEEP_BATCH_LIMIT"},
		{name: "lease shorter than call", mutate: func(c *Config) { c.Sweep.LeaseTTL = 10 * time.Second }, wantErr: "LEASE_TTL"},
		{name: "bad timezone", mutate: func(c *Config) { c.HistoryTimezone = "Mars/Olympus" }, wantErr: "HISTORY_TIMEZONE"},
	}

	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			cfg := valid()
			tc.mutate(&cfg)

			err := cfg.Validate()
			if tc.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate() unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
				t.Fatalf("Validate() error = %v, want mention of %s", err, tc.wantErr)
			}
		})
	}
}
