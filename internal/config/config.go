// Package config содержит логику чтения конфигурации движка Attention-Credit.
package config

import (
	"flag"
	"fmt"
	"time"
	_ "time/tzdata"

	"github.com/caarlos0/env/v11"
)

const (
	// ProgressStoreSQLite хранит прогресс просмотра в локальном файле SQLite.
	ProgressStoreSQLite = "sqlite"
	// ProgressStoreRedis хранит прогресс просмотра в Redis.
	ProgressStoreRedis = "redis"
)

const (
	defaultRunAddress      = "localhost:8080"
	defaultProgressDBPath  = "progress.db"
	defaultBillingInterval = time.Minute
	defaultStreakTimezone  = "UTC"
	defaultSessionIdle     = 30 * time.Minute
)

// Config содержит параметры конфигурации движка.
type Config struct {
	RunAddress          string        `env:"RUN_ADDRESS"`
	DatabaseURI         string        `env:"DATABASE_URI"`
	PayoutSystemAddress string        `env:"PAYOUT_SYSTEM_ADDRESS"`
	JWTSecret           string        `env:"JWT_SECRET"`
	AdminToken          string        `env:"ADMIN_TOKEN"`
	ProgressStore       string        `env:"PROGRESS_STORE"`
	ProgressDBPath      string        `env:"PROGRESS_DB_PATH"`
	RedisAddress        string        `env:"REDIS_ADDRESS"`
	KafkaBrokers        string        `env:"KAFKA_BROKERS"`
	KafkaTopic          string        `env:"KAFKA_TOPIC"`
	BillingInterval     time.Duration `env:"BILLING_INTERVAL"`
	StreakTimezone      string        `env:"STREAK_TIMEZONE"`
	SessionIdleTimeout  time.Duration `env:"SESSION_IDLE_TIMEOUT"`
}

// Parse считывает конфигурацию из флагов командной строки и переменных окружения.
// Переменные окружения имеют приоритет над флагами.
func Parse() (*Config, error) {
	envCfg := Config{}
	if err := env.Parse(&envCfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	cfg := &Config{}
	flag.StringVar(&cfg.RunAddress, "a", defaultRunAddress, "address and port for HTTP server")
	flag.StringVar(&cfg.DatabaseURI, "d", "", "database URI")
	flag.StringVar(&cfg.PayoutSystemAddress, "p", "", "payout system address")
	flag.StringVar(&cfg.JWTSecret, "j", "", "JWT signing secret")
	flag.StringVar(&cfg.AdminToken, "admin-token", "", "support token for admin routes")
	flag.StringVar(&cfg.ProgressStore, "progress-store", ProgressStoreSQLite, "watch progress store: sqlite or redis")
	flag.StringVar(&cfg.ProgressDBPath, "progress-db", defaultProgressDBPath, "SQLite file for watch progress")
	flag.StringVar(&cfg.RedisAddress, "redis", "", "redis address for watch progress")
	flag.StringVar(&cfg.KafkaBrokers, "kafka", "", "comma separated kafka brokers for ledger events")
	flag.StringVar(&cfg.KafkaTopic, "kafka-topic", "", "kafka topic for ledger events")
	flag.DurationVar(&cfg.BillingInterval, "billing-interval", defaultBillingInterval, "subscription billing pass interval")
	flag.StringVar(&cfg.StreakTimezone, "streak-tz", defaultStreakTimezone, "timezone of streak day boundaries")
	flag.DurationVar(&cfg.SessionIdleTimeout, "session-idle", defaultSessionIdle, "idle time after which a watch session is closed")

	flag.Parse()

	overrideString(&cfg.RunAddress, envCfg.RunAddress)
	overrideString(&cfg.DatabaseURI, envCfg.DatabaseURI)
	overrideString(&cfg.PayoutSystemAddress, envCfg.PayoutSystemAddress)
	overrideString(&cfg.JWTSecret, envCfg.JWTSecret)
	overrideString(&cfg.AdminToken, envCfg.AdminToken)
	overrideString(&cfg.ProgressStore, envCfg.ProgressStore)
	overrideString(&cfg.ProgressDBPath, envCfg.ProgressDBPath)
	overrideString(&cfg.RedisAddress, envCfg.RedisAddress)
	overrideString(&cfg.KafkaBrokers, envCfg.KafkaBrokers)
	overrideString(&cfg.KafkaTopic, envCfg.KafkaTopic)
	overrideString(&cfg.StreakTimezone, envCfg.StreakTimezone)
	if envCfg.BillingInterval > 0 {
		cfg.BillingInterval = envCfg.BillingInterval
	}
	if envCfg.SessionIdleTimeout > 0 {
		cfg.SessionIdleTimeout = envCfg.SessionIdleTimeout
	}

	if cfg.RunAddress == "" {
		cfg.RunAddress = defaultRunAddress
	}
	if cfg.BillingInterval <= 0 {
		cfg.BillingInterval = defaultBillingInterval
	}
	if cfg.SessionIdleTimeout <= 0 {
		cfg.SessionIdleTimeout = defaultSessionIdle
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func overrideString(dst *string, envValue string) {
	if envValue != "" {
		*dst = envValue
	}
}

func (c *Config) validate() error {
	switch c.ProgressStore {
	case ProgressStoreSQLite:
		if c.ProgressDBPath == "" {
			return fmt.Errorf("progress store %q requires PROGRESS_DB_PATH", c.ProgressStore)
		}
	case ProgressStoreRedis:
		if c.RedisAddress == "" {
			return fmt.Errorf("progress store %q requires REDIS_ADDRESS", c.ProgressStore)
		}
	default:
		return fmt.Errorf("unknown progress store %q", c.ProgressStore)
	}

	if _, err := time.LoadLocation(c.StreakTimezone); err != nil {
		return fmt.Errorf("streak timezone: %w", err)
	}
	return nil
}

// Location возвращает часовой пояс границ суток для серий.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.StreakTimezone)
	if err != nil {
		return time.UTC
	}
	return loc
}
