package config

import (
	"fmt"
	"log"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config holds all process configuration, parsed from the environment.
type Config struct {
	Port string `env:"PORT" envDefault:"8080"`

	// DATABASE_URL uses a sqlite:// or postgres:// prefix to pick the
	// driver. Ignored when StoreBackend is "memory".
	DatabaseURL  string `env:"DATABASE_URL" envDefault:"sqlite://fathom.db"`
	StoreBackend string `env:"STORE_BACKEND" envDefault:"db"`
	StateFile    string `env:"STATE_FILE" envDefault:"fathom_state.json"`

	OpenAIAPIKey  string `env:"OPENAI_API_KEY"`
	OpenAIBaseURL string `env:"OPENAI_BASE_URL"`
	OpenAIModel   string `env:"OPENAI_MODEL" envDefault:"gpt-4o-mini"`

	PowerThreshold int `env:"POWER_THRESHOLD" envDefault:"5"`

	APIKey     string `env:"API_KEY"`
	CORSOrigin string `env:"CORS_ORIGIN" envDefault:"*"`
	Debug      bool   `env:"DEBUG"`
}

// Load reads .env (when present) and parses the environment into a Config.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, reading from environment")
	}

	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}

	if cfg.PowerThreshold <= 0 {
		return Config{}, fmt.Errorf("POWER_THRESHOLD must be positive, got %d", cfg.PowerThreshold)
	}
	if cfg.StoreBackend != "db" && cfg.StoreBackend != "memory" {
		return Config{}, fmt.Errorf("STORE_BACKEND must be 'db' or 'memory', got %q", cfg.StoreBackend)
	}
	return cfg, nil
}
