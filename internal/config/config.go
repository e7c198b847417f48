// Package config loads service configuration from the environment, with an
// optional .env file for local development.
package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

// Config is the full service configuration.
type Config struct {
	Port      string `validate:"required,numeric"`
	ModelPath string

	// AllowedOrigins is a comma list for CORS; "*" allows everything.
	AllowedOrigins []string `validate:"min=1"`

	LogLevel  string `validate:"oneof=trace debug info warn error"`
	LogFormat string `validate:"oneof=console json"`
	LogFile   string
}

// Load reads a .env file if present, then the environment, and validates
// the result.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:           getenv("PORT", "8080"),
		ModelPath:      getenv("MODEL_PATH", "model/chexnet_weights.json"),
		AllowedOrigins: splitOrigins(getenv("ALLOWED_ORIGINS", "*")),
		LogLevel:       strings.ToLower(getenv("LOG_LEVEL", "info")),
		LogFormat:      strings.ToLower(getenv("LOG_FORMAT", "console")),
		LogFile:        os.Getenv("LOG_FILE"),
	}

	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

func getenv(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func splitOrigins(raw string) []string {
	var out []string
	for _, o := range strings.Split(raw, ",") {
		if o = strings.TrimSpace(o); o != "" {
			out = append(out, o)
		}
	}
	return out
}
