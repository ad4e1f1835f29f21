// Package logging wraps zerolog with the structured logging conventions
// used throughout the broker: JSON by default, a pretty console writer for
// local development, and helpers for logging errors and recovered panics
// with full context.
package logging

import (
	"io"
	"os"
	"runtime/debug"
	"time"

	"github.com/rs/zerolog"
)

// Level names accepted by New/Config.
const (
	LevelDebug = "debug"
	LevelInfo  = "info"
	LevelWarn  = "warn"
	LevelError = "error"
)

// Format names accepted by New/Config.
const (
	FormatJSON   = "json"
	FormatPretty = "pretty"
)

// Config selects the minimum level and output format for New.
type Config struct {
	Level  string
	Format string
}

// New builds a zerolog.Logger configured per cfg, with a timestamp, caller
// location, and a fixed "service" field on every event.
func New(cfg Config) zerolog.Logger {
	var output io.Writer = os.Stdout

	level, ok := map[string]zerolog.Level{
		LevelDebug: zerolog.DebugLevel,
		LevelInfo:  zerolog.InfoLevel,
		LevelWarn:  zerolog.WarnLevel,
		LevelError: zerolog.ErrorLevel,
	}[cfg.Level]
	if !ok {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if cfg.Format == FormatPretty {
		output = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
	}

	return zerolog.New(output).
		With().
		Timestamp().
		Caller().
		Str("service", "mqbus").
		Logger().
		Level(level)
}

// Error logs err with msg and arbitrary context fields.
func Error(logger zerolog.Logger, err error, msg string, fields map[string]any) {
	ev := logger.Error().Err(err)
	for k, v := range fields {
		ev = ev.Interface(k, v)
	}
	ev.Msg(msg)
}

// Panic logs a recovered panic value with a full stack trace. Intended for
// use in a deferred recover() in long-lived goroutines (listener, receiver,
// sender loops) so one bad connection cannot silently kill a thread.
func Panic(logger zerolog.Logger, recovered any, msg string, fields map[string]any) {
	ev := logger.Error().
		Interface("panic", recovered).
		Str("stack", string(debug.Stack()))
	for k, v := range fields {
		ev = ev.Interface(k, v)
	}
	ev.Msg(msg)
}
