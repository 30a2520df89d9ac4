package config

import (
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Config holds the runtime settings for the reconciliation API.
type Config struct {
	Env               string        `envconfig:"ENV" default:"development"`
	Debug             bool          `envconfig:"DEBUG" default:"false"`
	Port              string        `envconfig:"PORT" default:"8080"`
	DBPath            string        `envconfig:"DB_PATH" default:"recon.db"`
	JWTSecret         string        `envconfig:"JWT_SECRET" default:"recon-secret-key"`
	ReconcileInterval time.Duration `envconfig:"RECONCILE_INTERVAL" default:"5m"`
}

// Load reads configuration from the environment, with an optional .env file
// for development. A missing .env is not an error.
func Load() (*Config, error) {
	_ = godotenv.Load()

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}
