package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	Port        string `envconfig:"PORT" default:"8080"`
	DatabaseURL string `envconfig:"DB_DSN" required:"true"`
	JWTSecret   string `envconfig:"JWT_SECRET" required:"true"`

	// Timezone defines the queue day boundary. Token numbering restarts
	// when the date rolls over in this zone.
	Timezone string `envconfig:"QUEUE_TIMEZONE" default:"UTC"`

	RateLimitPerMinute int `envconfig:"RATE_LIMIT_PER_MIN" default:"120"`
	RateLimitBurst     int `envconfig:"RATE_LIMIT_BURST" default:"30"`

	SMTPHost     string `envconfig:"SMTP_HOST"`
	SMTPPort     int    `envconfig:"SMTP_PORT" default:"587"`
	SMTPUsername string `envconfig:"SMTP_USERNAME"`
	SMTPPassword string `envconfig:"SMTP_PASSWORD"`
	SMTPFrom     string `envconfig:"SMTP_FROM"`

	ShutdownTimeout time.Duration `envconfig:"SHUTDOWN_TIMEOUT" default:"10s"`
}

func Load() (Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return Config{}, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

// Location resolves the configured timezone.
func (c Config) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, fmt.Errorf("invalid QUEUE_TIMEZONE %q: %w", c.Timezone, err)
	}
	return loc, nil
}
