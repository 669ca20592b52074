package logger

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

// Config stores logging configuration
type Config struct {
	Level      string `json:"level" yaml:"level"`
	Format     string `json:"format" yaml:"format"`
	OutputPath string `json:"output_path" yaml:"output_path"`
}

// DefaultConfig returns the default logging configuration
func DefaultConfig() Config {
	return Config{
		Level:  "info",
		Format: "text",
	}
}

// Validate rejects unknown levels and formats.
func (c Config) Validate() error {
	if c.Level != "" {
		if _, err := logrus.ParseLevel(c.Level); err != nil {
			return fmt.Errorf("logging.level: %w", err)
		}
	}
	switch strings.ToLower(c.Format) {
	case "", "text", "json":
	default:
		return fmt.Errorf("logging.format must be text or json, got %q", c.Format)
	}
	return nil
}

// New builds a logrus logger from config. An unwritable output path falls back
// to stdout only.
func New(config Config) *logrus.Logger {
	logger := logrus.New()

	level, err := logrus.ParseLevel(config.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)

	if strings.EqualFold(config.Format, "json") {
		logger.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{
			FullTimestamp: true,
		})
	}

	if config.OutputPath != "" {
		file, err := os.OpenFile(config.OutputPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err == nil {
			// Write to both file and stdout
			logger.SetOutput(io.MultiWriter(os.Stdout, file))
		} else {
			logger.Warnf("Cannot open log file %s: %v", config.OutputPath, err)
		}
	}

	return logger
}

// OrDefault returns l, or a fresh logger when l is nil.
func OrDefault(l *logrus.Logger) *logrus.Logger {
	if l == nil {
		return logrus.New()
	}
	return l
}
