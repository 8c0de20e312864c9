package infra

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/BenjaminHolderbein/wallpaper-gen/internal/config"
)

// NewLogger builds the process logger from the logging section.
// Format "console" gives human readable output, anything else JSON.
func NewLogger(cfg config.LoggingConfig) zerolog.Logger {
	return newLogger(cfg, outputFor(cfg.Output))
}

func newLogger(cfg config.LoggingConfig, out io.Writer) zerolog.Logger {
	level, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(cfg.Level)))
	if err != nil || cfg.Level == "" {
		level = zerolog.InfoLevel
	}

	if cfg.Format == "console" {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}

	return zerolog.New(out).
		Level(level).
		With().
		Timestamp().
		Logger()
}

func outputFor(name string) io.Writer {
	if name == "stdout" {
		return os.Stdout
	}
	return os.Stderr
}
