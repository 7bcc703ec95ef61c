// Package logger builds the process-wide zerolog logger.
package logger

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Config holds logger configuration.
type Config struct {
	Level   string `json:"level" mapstructure:"level"`     // debug, info, warn, error
	File    string `json:"file" mapstructure:"file"`       // optional log file path
	Console bool   `json:"console" mapstructure:"console"` // enable console output
	Pretty  bool   `json:"pretty" mapstructure:"pretty"`   // human-readable console format

	// MaxSizeMB rotates the log file past this size; 0 disables rotation.
	MaxSizeMB int `json:"max_size_mb" mapstructure:"max_size_mb"`
	// MaxAgeDays prunes rotated archives older than this; 0 keeps all.
	MaxAgeDays int `json:"max_age_days" mapstructure:"max_age_days"`
}

// DefaultConfig returns the default logger configuration.
func DefaultConfig() Config {
	return Config{
		Level:      "info",
		Console:    true,
		Pretty:     true,
		MaxSizeMB:  100,
		MaxAgeDays: 7,
	}
}

// New builds a leveled logger writing to console and/or file per cfg. The
// returned closer releases the log file, if any, and is safe to call when
// no file was opened. The global zerolog/log logger is set as a side
// effect so leaf helpers can use it.
func New(cfg Config) (zerolog.Logger, io.Closer, error) {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || cfg.Level == "" {
		level = zerolog.InfoLevel
	}

	var writers []io.Writer
	if cfg.Console {
		var console io.Writer = os.Stdout
		if cfg.Pretty {
			console = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
		}
		writers = append(writers, console)
	}

	var file io.Closer
	if cfg.File != "" {
		rw, err := newRotatingWriter(cfg.File, cfg.MaxSizeMB, cfg.MaxAgeDays)
		if err != nil {
			return zerolog.Nop(), nopCloser{}, err
		}
		writers = append(writers, rw)
		file = rw
	}

	var writer io.Writer
	switch len(writers) {
	case 0:
		writer = os.Stdout
	case 1:
		writer = writers[0]
	default:
		writer = io.MultiWriter(writers...)
	}

	logger := zerolog.New(writer).Level(level).With().Timestamp().Logger()
	log.Logger = logger

	if file != nil {
		return logger, file, nil
	}
	return logger, nopCloser{}, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
