package logger

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// New builds the process logger. Development gets a human-readable console
// writer; everything else emits JSON lines. level overrides the environment
// default when it parses.
func New(appEnv, level string) zerolog.Logger {
	return NewWithWriter(os.Stdout, appEnv, level)
}

// NewWithWriter is New with an explicit sink.
func NewWithWriter(out io.Writer, appEnv, level string) zerolog.Logger {
	lvl := zerolog.InfoLevel
	if appEnv == "development" {
		lvl = zerolog.DebugLevel
	}
	if parsed, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level))); err == nil && level != "" {
		lvl = parsed
	}

	if appEnv == "development" {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}
	return zerolog.New(out).
		Level(lvl).
		With().
		Timestamp().
		Str("service", "inference-bridge").
		Logger()
}
