package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.NotNil(t, cfg)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, 10*time.Second, cfg.ScanTimeout)
	assert.Equal(t, 30*time.Second, cfg.ConnectTimeout)
	assert.Equal(t, 10*time.Second, cfg.RequestTimeout)
	assert.Equal(t, 5*time.Second, cfg.DisconnectTimeout)
	assert.False(t, cfg.ReportDuplicates)
	assert.Equal(t, "table", cfg.OutputFormat)
	assert.NoError(t, cfg.Validate())
}

func TestConfig_NewLogger(t *testing.T) {
	tests := []struct {
		name     string
		logLevel string
		want     logrus.Level
	}{
		{name: "creates logger with debug level", logLevel: "debug", want: logrus.DebugLevel},
		{name: "creates logger with info level", logLevel: "info", want: logrus.InfoLevel},
		{name: "creates logger with warn level", logLevel: "warn", want: logrus.WarnLevel},
		{name: "creates logger with error level", logLevel: "error", want: logrus.ErrorLevel},
		{name: "falls back to info on garbage", logLevel: "loud", want: logrus.InfoLevel},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &Config{LogLevel: tt.logLevel}

			logger := cfg.NewLogger()

			assert.NotNil(t, logger)
			assert.Equal(t, tt.want, logger.GetLevel())

			// Verify formatter is set correctly
			formatter, ok := logger.Formatter.(*logrus.TextFormatter)
			assert.True(t, ok)
			assert.True(t, formatter.FullTimestamp)
			assert.Equal(t, time.RFC3339, formatter.TimestampFormat)
		})
	}
}

func TestLoad(t *testing.T) {
	path := writeConfig(t, `
log_level: debug
connect_timeout: 12s
request_timeout: 1500ms
report_duplicates: true
output_format: json
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, 12*time.Second, cfg.ConnectTimeout)
	assert.Equal(t, 1500*time.Millisecond, cfg.RequestTimeout)
	assert.True(t, cfg.ReportDuplicates)
	assert.Equal(t, "json", cfg.OutputFormat)

	// untouched fields keep their defaults
	assert.Equal(t, 10*time.Second, cfg.ScanTimeout)
	assert.Equal(t, 5*time.Second, cfg.DisconnectTimeout)
}

func TestLoadErrors(t *testing.T) {
	_, err := Load("/nonexistent/config.yaml")
	assert.Error(t, err, "MUST fail for a missing file")

	_, err = Load(writeConfig(t, "log_level: [debug"))
	assert.ErrorContains(t, err, "parsing config file")

	_, err = Load(writeConfig(t, "output_format: xml"))
	assert.ErrorContains(t, err, "output_format")
}

func TestLoadOrDefault(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())

	cfg, err := LoadOrDefault("")
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg, "MUST use defaults when no config file exists")

	_, err = LoadOrDefault("/nonexistent/config.yaml")
	assert.Error(t, err, "MUST fail for an explicit missing file")
}

func TestConfig_Validation(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		valid  bool
	}{
		{name: "defaults are valid", mutate: func(*Config) {}, valid: true},
		{name: "json format is valid", mutate: func(c *Config) { c.OutputFormat = "json" }, valid: true},
		{name: "zero timeouts disable deadlines", mutate: func(c *Config) { c.RequestTimeout = 0 }, valid: true},
		{name: "unknown format", mutate: func(c *Config) { c.OutputFormat = "xml" }, valid: false},
		{name: "unknown log level", mutate: func(c *Config) { c.LogLevel = "chatty" }, valid: false},
		{name: "negative timeout", mutate: func(c *Config) { c.ConnectTimeout = -time.Second }, valid: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)

			err := cfg.Validate()
			if tt.valid {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

func TestConfig_PeripheralOptions(t *testing.T) {
	cfg := DefaultConfig()
	logger := cfg.NewLogger()

	opts := cfg.PeripheralOptions(logger)

	assert.Equal(t, cfg.ConnectTimeout, opts.ConnectTimeout)
	assert.Equal(t, cfg.RequestTimeout, opts.RequestTimeout)
	assert.Equal(t, cfg.DisconnectTimeout, opts.DisconnectTimeout)
	assert.Same(t, logger, opts.Logger)
}

func BenchmarkDefaultConfig(b *testing.B) {
	for i := 0; i < b.N; i++ {
		_ = DefaultConfig()
	}
}
