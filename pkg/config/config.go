package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
	"github.com/srg/gattq/internal/peripheral"
	"gopkg.in/yaml.v3"
)

// Config holds application configuration
type Config struct {
	LogLevel          string        `json:"log_level" yaml:"log_level" default:"info"`
	ScanTimeout       time.Duration `json:"scan_timeout" yaml:"scan_timeout" default:"10s"`
	ConnectTimeout    time.Duration `json:"connect_timeout" yaml:"connect_timeout" default:"30s"`
	RequestTimeout    time.Duration `json:"request_timeout" yaml:"request_timeout" default:"10s"`
	DisconnectTimeout time.Duration `json:"disconnect_timeout" yaml:"disconnect_timeout" default:"5s"`
	ReportDuplicates  bool          `json:"report_duplicates" yaml:"report_duplicates" default:"false"`
	OutputFormat      string        `json:"output_format" yaml:"output_format" default:"table"` // table, json
}

// DefaultConfig returns default configuration values
func DefaultConfig() *Config {
	cfg := &Config{}
	defaults.SetDefaults(cfg)
	return cfg
}

// DefaultConfigPath returns the default config file path
func DefaultConfigPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "gattq", "config.yaml")
}

// Load reads a YAML config file. Missing fields keep their defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// LoadOrDefault loads path when it exists and falls back to defaults otherwise.
// An explicitly named file that is missing is an error.
func LoadOrDefault(path string) (*Config, error) {
	if path != "" {
		return Load(path)
	}

	path = DefaultConfigPath()
	if path == "" {
		return DefaultConfig(), nil
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return DefaultConfig(), nil
	}
	return Load(path)
}

// Validate checks the config for invalid values
func (c *Config) Validate() error {
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("log_level: %w", err)
	}

	for name, d := range map[string]time.Duration{
		"scan_timeout":       c.ScanTimeout,
		"connect_timeout":    c.ConnectTimeout,
		"request_timeout":    c.RequestTimeout,
		"disconnect_timeout": c.DisconnectTimeout,
	} {
		if d < 0 {
			return fmt.Errorf("%s must not be negative, got %s", name, d)
		}
	}

	switch c.OutputFormat {
	case "table", "json":
	default:
		return fmt.Errorf("output_format must be \"table\" or \"json\", got %q", c.OutputFormat)
	}

	return nil
}

// Level returns the parsed log level, Info when unparsable
func (c *Config) Level() logrus.Level {
	level, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		return logrus.InfoLevel
	}
	return level
}

// NewLogger creates a configured logger instance
func (c *Config) NewLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(c.Level())

	// Use structured logging format
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339,
	})

	return logger
}

// PeripheralOptions maps the timeouts onto peripheral options
func (c *Config) PeripheralOptions(logger *logrus.Logger) peripheral.Options {
	return peripheral.Options{
		ConnectTimeout:    c.ConnectTimeout,
		RequestTimeout:    c.RequestTimeout,
		DisconnectTimeout: c.DisconnectTimeout,
		Logger:            logger,
	}
}
