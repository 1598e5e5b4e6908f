package config

import (
	"log"
	"sync"

	"github.com/caarlos0/env/v6"
)

// Secrets are read from the environment, or from files for the fields tagged with file.
// Everything else is configured through cli flags.
type Config struct {
	SendGridAPIKey string `env:"SENDQ_SENDGRID_API_KEY_FILE,file"`
	ResendAPIKey   string `env:"SENDQ_RESEND_API_KEY"`

	RedisPassword string `env:"SENDQ_REDIS_PASSWORD"`

	APIKeys []string `env:"SENDQ_API_KEYS" envSeparator:","`
}

var (
	once sync.Once
	cfg  Config
)

func Get() *Config {
	once.Do(func() {
		var err error
		cfg, err = Parse()
		if err != nil {
			log.Panic("Couldn't parse Config from env: ", err)
		}
	})
	return &cfg
}

func Parse() (Config, error) {
	c := Config{}
	err := env.Parse(&c)
	return c, err
}
