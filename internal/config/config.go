// Package config содержит логику чтения конфигурации сервиса.
package config

import (
	"flag"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config содержит параметры конфигурации сервиса.
type Config struct {
	RunAddress  string `env:"RUN_ADDRESS"`
	DatabaseURI string `env:"DATABASE_URI"`
	APIToken    string `env:"API_TOKEN"`

	IBSAddress  string `env:"IBS_ADDRESS"`
	IBSUsername string `env:"IBS_USERNAME"`
	IBSPassword string `env:"IBS_PASSWORD"`

	TelegramToken string  `env:"TELEGRAM_BOT_TOKEN"`
	AdminIDs      []int64 `env:"ADMIN_IDS" envSeparator:","`

	ReservedInterval  time.Duration `env:"RESERVED_INTERVAL" envDefault:"1m"`
	PaymentInterval   time.Duration `env:"PAYMENT_INTERVAL" envDefault:"1m"`
	CancelInterval    time.Duration `env:"CANCEL_INTERVAL" envDefault:"1m"`
	ExpireInterval    time.Duration `env:"EXPIRE_INTERVAL" envDefault:"1h"`
	TimeSyncInterval  time.Duration `env:"TIME_SYNC_INTERVAL" envDefault:"15m"`
	UsageInterval     time.Duration `env:"USAGE_INTERVAL" envDefault:"24h"`
	EscalateInterval  time.Duration `env:"ESCALATE_INTERVAL" envDefault:"15m"`
	UsageSyncMinDelay time.Duration `env:"USAGE_SYNC_MIN_DELAY" envDefault:"4h"`

	PaymentGrace time.Duration `env:"PAYMENT_GRACE" envDefault:"72h"`

	QuietHoursFrom int `env:"QUIET_HOURS_FROM" envDefault:"0"`
	QuietHoursTo   int `env:"QUIET_HOURS_TO" envDefault:"9"`
}

// Parse считывает конфигурацию из флагов командной строки и переменных окружения.
// Значение из окружения имеет приоритет над флагом.
func Parse() (*Config, error) {
	cfg := &Config{}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	envRunAddress := cfg.RunAddress
	envDatabaseURI := cfg.DatabaseURI
	envIBSAddress := cfg.IBSAddress

	flag.StringVar(&cfg.RunAddress, "a", "localhost:8080", "address and port for HTTP server")
	flag.StringVar(&cfg.DatabaseURI, "d", "", "database URI")
	flag.StringVar(&cfg.IBSAddress, "i", "", "IBSng panel address")

	flag.Parse()

	if envRunAddress != "" {
		cfg.RunAddress = envRunAddress
	}
	if envDatabaseURI != "" {
		cfg.DatabaseURI = envDatabaseURI
	}
	if envIBSAddress != "" {
		cfg.IBSAddress = envIBSAddress
	}

	if cfg.RunAddress == "" {
		cfg.RunAddress = "localhost:8080"
	}

	if err := cfg.validateQuietHours(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validateQuietHours() error {
	if c.QuietHoursFrom < 0 || c.QuietHoursFrom > 23 {
		return fmt.Errorf("quiet hours start out of range: %d", c.QuietHoursFrom)
	}
	if c.QuietHoursTo < 0 || c.QuietHoursTo > 24 {
		return fmt.Errorf("quiet hours end out of range: %d", c.QuietHoursTo)
	}
	return nil
}
