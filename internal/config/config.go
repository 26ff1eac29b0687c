package config

import (
	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"

	"log"
)

type Config struct {
	// Store selects the backend: memory, sqlite or redis.
	Store      string `env:"JOBRUN_STORE" envDefault:"memory"`
	SQLitePath string `env:"JOBRUN_SQLITE_PATH" envDefault:"jobrun.db"`
	Redis      Redis
}

type Redis struct {
	Addr      string `env:"JOBRUN_REDIS_ADDR" envDefault:"localhost:6379"`
	Password  string `env:"JOBRUN_REDIS_PASSWORD"`
	DB        int    `env:"JOBRUN_REDIS_DB"`
	KeyPrefix string `env:"JOBRUN_REDIS_PREFIX" envDefault:"jobrun"`
}

func Load() *Config {
	_ = godotenv.Load()

	var c Config
	if err := env.Parse(&c); err != nil {
		log.Fatal(err)
	}

	return &c
}
