// Package config loads grimoire settings from the environment and .env files.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"strings"
	"time"

	"github.com/caarlos0/env/v6"
	"github.com/joho/godotenv"
)

// Config holds the settings of a grimoire process.
type Config struct {
	Port           int    `env:"PORT" envDefault:"3030"`
	APIRootURL     string `env:"API_ROOT_URL"`
	OpenAIAPIKey   string `env:"OPENAI_API_KEY"`
	OpenAIEndpoint string `env:"OPENAI_ENDPOINT" envDefault:"https://api.openai.com/v1"`
	// DatabaseURL is the SQLite database path. Empty keeps spells in memory.
	DatabaseURL string `env:"DATABASE_URL"`
	// NATSURL enables the NATS broker. Empty uses the in-process broker.
	NATSURL   string `env:"NATS_URL"`
	ProjectID string `env:"PROJECT_ID" envDefault:"default"`
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"console"`
	// MetricsExporter is none or stdout.
	MetricsExporter string        `env:"METRICS_EXPORTER" envDefault:"stdout"`
	MetricsInterval time.Duration `env:"METRICS_INTERVAL" envDefault:"1m"`
}

// Load reads the given .env files, or .env in the working directory when none
// are given, and parses the environment. Variables already set in the
// environment win over file values. A missing default .env is not an error.
func Load(files ...string) (Config, error) {
	if err := loadDotEnv(files); err != nil {
		return Config{}, err
	}

	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse environment: %w", err)
	}
	if cfg.APIRootURL == "" {
		cfg.APIRootURL = fmt.Sprintf("http://localhost:%d", cfg.Port)
	}
	cfg.APIRootURL = strings.TrimRight(cfg.APIRootURL, "/")
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func loadDotEnv(files []string) error {
	if len(files) == 0 {
		err := godotenv.Load()
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("load .env: %w", err)
		}
		return nil
	}
	if err := godotenv.Load(files...); err != nil {
		return fmt.Errorf("load %s: %w", strings.Join(files, ", "), err)
	}
	return nil
}

func (c Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid PORT %d", c.Port)
	}
	if _, err := c.Level(); err != nil {
		return err
	}
	switch c.LogFormat {
	case "console", "json":
	default:
		return fmt.Errorf("invalid LOG_FORMAT %q, expected console or json", c.LogFormat)
	}
	switch c.MetricsExporter {
	case "", "none", "stdout":
	default:
		return fmt.Errorf("invalid METRICS_EXPORTER %q, expected none or stdout", c.MetricsExporter)
	}
	if c.MetricsInterval < 0 {
		return fmt.Errorf("invalid METRICS_INTERVAL %s", c.MetricsInterval)
	}
	return nil
}

// Addr is the listen address of the HTTP server.
func (c Config) Addr() string {
	return fmt.Sprintf(":%d", c.Port)
}

// Level parses LogLevel.
func (c Config) Level() (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return slog.LevelInfo, fmt.Errorf("invalid LOG_LEVEL %q: %w", c.LogLevel, err)
	}
	return lvl, nil
}
