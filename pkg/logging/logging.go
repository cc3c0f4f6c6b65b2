// Package logging configures logrus for the manager and worker processes.
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"

	log "github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Config selects console and file logging.
type Config struct {
	// Level is a logrus level name, e.g. "info" or "debug".
	Level string `mapstructure:"level" yaml:"level"`
	// Format is either "text" or "json".
	Format string `mapstructure:"format" yaml:"format"`
	File   FileConfig `mapstructure:"file" yaml:"file"`
}

// FileConfig enables a rotated log file next to console output.
type FileConfig struct {
	Enabled    bool   `mapstructure:"enabled" yaml:"enabled"`
	Path       string `mapstructure:"path" yaml:"path"`
	Level      string `mapstructure:"level" yaml:"level"`
	MaxSizeMb  int    `mapstructure:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days" yaml:"max_age_days"`
	Compress   bool   `mapstructure:"compress" yaml:"compress"`
}

// Validate checks level names, format and file settings.
func (c Config) Validate() error {
	if _, err := log.ParseLevel(orDefault(c.Level, "info")); err != nil {
		return err
	}
	switch orDefault(c.Format, "text") {
	case "text", "json":
	default:
		return fmt.Errorf("unknown log format %q", c.Format)
	}
	if c.File.Enabled {
		if c.File.Path == "" {
			return fmt.Errorf("logging.file.path is required when file logging is enabled")
		}
		if _, err := log.ParseLevel(orDefault(c.File.Level, "debug")); err != nil {
			return err
		}
		if c.File.MaxSizeMb <= 0 {
			return fmt.Errorf("logging.file.max_size_mb must be greater than zero")
		}
	}
	return nil
}

// New builds a logger writing to out (stderr when nil) and, if enabled, to a
// rotated file.
func New(cfg Config, out io.Writer) (*log.Logger, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if out == nil {
		out = os.Stderr
	}

	consoleLevel, _ := log.ParseLevel(orDefault(cfg.Level, "info"))

	// Output goes through hooks so console and file keep separate levels.
	logger := log.New()
	logger.SetOutput(io.Discard)
	logger.SetFormatter(formatter(cfg.Format))
	logger.SetLevel(consoleLevel)
	logger.AddHook(NewWriterHook(out, consoleLevel, formatter(cfg.Format)))

	if cfg.File.Enabled {
		fileLevel, _ := log.ParseLevel(orDefault(cfg.File.Level, "debug"))
		rotated := &lumberjack.Logger{
			Filename:   cfg.File.Path,
			MaxSize:    cfg.File.MaxSizeMb,
			MaxBackups: cfg.File.MaxBackups,
			MaxAge:     cfg.File.MaxAgeDays,
			Compress:   cfg.File.Compress,
		}
		logger.AddHook(NewWriterHook(rotated, fileLevel, formatter(cfg.Format)))
		if fileLevel > logger.GetLevel() {
			logger.SetLevel(fileLevel)
		}
	}
	return logger, nil
}

func formatter(format string) log.Formatter {
	if strings.EqualFold(format, "json") {
		return &log.JSONFormatter{}
	}
	return &log.TextFormatter{FullTimestamp: true}
}

func orDefault(v, def string) string {
	if strings.TrimSpace(v) == "" {
		return def
	}
	return v
}

// NullLogger discards everything; used by tests.
func NullLogger() *log.Logger {
	return &log.Logger{
		Out:       io.Discard,
		Formatter: new(log.TextFormatter),
		Hooks:     make(log.LevelHooks),
		Level:     log.PanicLevel,
	}
}
