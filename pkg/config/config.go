// Package config provides configuration loading for the gateway.
package config

import (
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/gofhir/gateway/pkg/artifact"
	"github.com/gofhir/gateway/pkg/loader"
	"github.com/gofhir/gateway/pkg/logger"
)

// Environment variables overriding the file.
const (
	EnvIGDir    = "FHIR_GATEWAY_IG_DIR"
	EnvLogLevel = "FHIR_GATEWAY_LOG_LEVEL"
	EnvAddr     = "FHIR_GATEWAY_ADDR"
)

// Config is the complete gateway configuration.
type Config struct {
	// IGDir is the artifact directory.
	IGDir string `yaml:"igDir"`
	// PackageCache is the FHIR package cache (empty = ~/.fhir/packages).
	PackageCache string `yaml:"packageCache"`
	// Profiles are loaded after initialization; failures are logged.
	Profiles []string `yaml:"profiles"`
	// FetchTimeout bounds remote profile downloads.
	FetchTimeout time.Duration `yaml:"fetchTimeout"`
	// MaxDownloadBytes caps remote profile downloads.
	MaxDownloadBytes int64 `yaml:"maxDownloadBytes"`
	// Workers bounds concurrent package loads and batch validations.
	Workers int          `yaml:"workers"`
	Log     LogConfig    `yaml:"log"`
	Server  ServerConfig `yaml:"server"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	Addr         string        `yaml:"addr"`
	ReadTimeout  time.Duration `yaml:"readTimeout"`
	WriteTimeout time.Duration `yaml:"writeTimeout"`
	// MaxBodyBytes limits the size of a submitted resource.
	MaxBodyBytes int64 `yaml:"maxBodyBytes"`
}

// Default returns a Config with defaults.
func Default() *Config {
	return &Config{
		IGDir:            artifact.DefaultDir,
		FetchTimeout:     30 * time.Second,
		MaxDownloadBytes: loader.DefaultMaxDownloadBytes,
		Workers:          artifact.DefaultWorkers,
		Log: LogConfig{
			Level:  "info",
			Format: string(logger.FormatConsole),
		},
		Server: ServerConfig{
			Addr:         ":8080",
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 60 * time.Second,
			MaxBodyBytes: 10 << 20,
		},
	}
}

// Load reads path (skipped when empty) over the defaults and applies the
// environment overrides.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv(EnvIGDir); v != "" {
		c.IGDir = v
	}
	if v := os.Getenv(EnvLogLevel); v != "" {
		c.Log.Level = v
	}
	if v := os.Getenv(EnvAddr); v != "" {
		c.Server.Addr = v
	}
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	if _, err := logger.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("log.level: %w", err)
	}
	switch logger.Format(c.Log.Format) {
	case logger.FormatConsole, logger.FormatJSON:
	default:
		return fmt.Errorf("log.format must be %q or %q, got %q", logger.FormatConsole, logger.FormatJSON, c.Log.Format)
	}
	if c.Workers < 1 {
		return fmt.Errorf("workers must be at least 1, got %d", c.Workers)
	}
	if c.FetchTimeout <= 0 {
		return fmt.Errorf("fetchTimeout must be positive")
	}
	if c.MaxDownloadBytes <= 0 {
		return fmt.Errorf("maxDownloadBytes must be positive")
	}
	if c.Server.MaxBodyBytes <= 0 {
		return fmt.Errorf("server.maxBodyBytes must be positive")
	}
	return nil
}

// Logger builds the logger described by the configuration, writing to w.
func (c *Config) Logger(w io.Writer) (*logger.Logger, error) {
	level, err := logger.ParseLevel(c.Log.Level)
	if err != nil {
		return nil, err
	}
	return logger.New(w, level, logger.Format(c.Log.Format)), nil
}
