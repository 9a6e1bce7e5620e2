// Package config loads chanscope settings from defaults, an optional YAML
// file and CHANSCOPE_* environment variables, in that order.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

const envPrefix = "CHANSCOPE_"

// Config holds all application configuration
type Config struct {
	Server ServerConfig `yaml:"server"`
	Viewer ViewerConfig `yaml:"viewer"`
	Scorer ScorerConfig `yaml:"scorer"`
	Log    LogConfig    `yaml:"log"`
}

// ServerConfig configures the upstream API server
type ServerConfig struct {
	Addr   string `yaml:"addr"`
	DBPath string `yaml:"db_path"`
}

// ViewerConfig configures the client-side engine
type ViewerConfig struct {
	ServerURL  string        `yaml:"server_url"`
	PageSize   int           `yaml:"page_size"`
	Height     float64       `yaml:"height"`
	Step       float64       `yaml:"step"`
	Span       time.Duration `yaml:"span"`
	Transition time.Duration `yaml:"transition"`
	ItemHeight float64       `yaml:"item_height"`
	Threshold  float64       `yaml:"threshold"`
}

// ScorerConfig selects the server-side scoring backend
type ScorerConfig struct {
	Backend   string  `yaml:"backend"` // "none" or "perspective"
	APIKey    string  `yaml:"api_key"`
	Endpoint  string  `yaml:"endpoint"`
	QPS       float64 `yaml:"qps"`
	BatchSize int     `yaml:"batch_size"`
}

// LogConfig configures logging
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // "json" or "console"
}

// Default returns the built-in configuration
func Default() *Config {
	home, _ := os.UserHomeDir()
	return &Config{
		Server: ServerConfig{
			Addr:   ":8080",
			DBPath: filepath.Join(home, ".chanscope", "chanscope.db"),
		},
		Viewer: ViewerConfig{
			ServerURL:  "http://localhost:8080",
			PageSize:   100,
			Height:     600,
			Step:       24,
			Span:       time.Hour,
			Transition: time.Second,
			ItemHeight: 24,
			Threshold:  0.2,
		},
		Scorer: ScorerConfig{
			Backend:   "none",
			QPS:       1,
			BatchSize: 100,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// Load builds the configuration. path may be empty.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	c.Server.Addr = getEnv("ADDR", c.Server.Addr)
	c.Server.DBPath = getEnv("DB", c.Server.DBPath)
	c.Viewer.ServerURL = getEnv("SERVER_URL", c.Viewer.ServerURL)
	c.Scorer.Backend = getEnv("SCORER", c.Scorer.Backend)
	c.Scorer.Endpoint = getEnv("PERSPECTIVE_ENDPOINT", c.Scorer.Endpoint)
	c.Scorer.APIKey = getEnv("PERSPECTIVE_API_KEY", c.Scorer.APIKey)
	if c.Scorer.APIKey == "" {
		c.Scorer.APIKey = os.Getenv("PERSPECTIVE_API_KEY")
	}
	c.Log.Level = getEnv("LOG_LEVEL", c.Log.Level)
	c.Log.Format = getEnv("LOG_FORMAT", c.Log.Format)

	var err error
	if c.Viewer.PageSize, err = getEnvInt("PAGE_SIZE", c.Viewer.PageSize); err != nil {
		return err
	}
	if c.Scorer.QPS, err = getEnvFloat("SCORER_QPS", c.Scorer.QPS); err != nil {
		return err
	}
	return nil
}

// Validate checks that the configuration is usable
func (c *Config) Validate() error {
	var errs []error
	if c.Viewer.PageSize <= 0 || c.Viewer.PageSize > 500 {
		errs = append(errs, fmt.Errorf("viewer.page_size must be in 1..500, got %d", c.Viewer.PageSize))
	}
	if c.Viewer.Height <= 0 {
		errs = append(errs, errors.New("viewer.height must be positive"))
	}
	if c.Viewer.Step <= 0 {
		errs = append(errs, errors.New("viewer.step must be positive"))
	}
	if c.Viewer.Span <= 0 {
		errs = append(errs, errors.New("viewer.span must be positive"))
	}
	if c.Viewer.Threshold < 0 || c.Viewer.Threshold > 1 {
		errs = append(errs, fmt.Errorf("viewer.threshold must be in [0,1], got %g", c.Viewer.Threshold))
	}
	switch c.Scorer.Backend {
	case "none":
	case "perspective":
		if c.Scorer.APIKey == "" {
			errs = append(errs, errors.New("scorer.api_key is required for the perspective backend"))
		}
		if c.Scorer.QPS <= 0 {
			errs = append(errs, errors.New("scorer.qps must be positive"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown scorer backend %q", c.Scorer.Backend))
	}
	switch c.Log.Format {
	case "json", "console":
	default:
		errs = append(errs, fmt.Errorf("unknown log format %q", c.Log.Format))
	}
	return errors.Join(errs...)
}

// getEnv gets a CHANSCOPE_ environment variable with a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(envPrefix + key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) (int, error) {
	value := os.Getenv(envPrefix + key)
	if value == "" {
		return defaultValue, nil
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("%s%s: %w", envPrefix, key, err)
	}
	return n, nil
}

func getEnvFloat(key string, defaultValue float64) (float64, error) {
	value := os.Getenv(envPrefix + key)
	if value == "" {
		return defaultValue, nil
	}
	f, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return 0, fmt.Errorf("%s%s: %w", envPrefix, key, err)
	}
	return f, nil
}
