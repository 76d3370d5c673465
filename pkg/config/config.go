package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/caarlos0/env/v6"
	"github.com/joho/godotenv"
)

// EnvFileVar names an env file to load before parsing. Without it ./.env is
// used when present. Variables already set in the environment always win.
const EnvFileVar = "HAMGAM_ENV_FILE"

type Config struct {
	Port           string        `env:"PORT" envDefault:"8080"`
	Environment    string        `env:"ENVIRONMENT" envDefault:"development"`
	DatabasePath   string        `env:"DATABASE_PATH" envDefault:"./data/hamgam.db"`
	JWTSecret      string        `env:"JWT_SECRET" envDefault:"your-secret-key-change-in-production"`
	TokenTTL       time.Duration `env:"TOKEN_TTL" envDefault:"24h"`
	CORSOrigins    string        `env:"CORS_ORIGINS" envDefault:"*"`
	LogLevel       string        `env:"LOG_LEVEL" envDefault:"info"`
	ServerURL      string        `env:"SERVER_URL" envDefault:"ws://localhost:8080/ws"`
	RequestTimeout time.Duration `env:"REQUEST_TIMEOUT" envDefault:"10s"`
	WSRateLimit    string        `env:"WS_RATE_LIMIT" envDefault:"30-M"`
}

func Load() (*Config, error) {
	if err := loadEnvFile(); err != nil {
		return nil, err
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return cfg, nil
}

func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

func loadEnvFile() error {
	if path := os.Getenv(EnvFileVar); path != "" {
		if err := godotenv.Load(path); err != nil {
			return fmt.Errorf("failed to load env file %s: %w", path, err)
		}
		return nil
	}

	if err := godotenv.Load(".env"); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to load .env: %w", err)
	}
	return nil
}
