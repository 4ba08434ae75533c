// Package logging constructs the process-wide zerolog logger. Components
// derive child loggers with logger.With().Str("component", ...).Logger().
package logging

import (
	"io"
	"os"
	"runtime/debug"
	"time"

	"github.com/rs/zerolog"
)

// Config holds logger configuration.
type Config struct {
	Level  string // debug, info, warn, error
	Format string // json or pretty
}

// New creates a structured logger.
//
// Features:
//   - Structured JSON output (log-aggregator friendly)
//   - Timestamp in RFC3339 format
//   - Caller information for debugging
//
// Example:
//
//	logger := logging.New(logging.Config{Level: "info", Format: "json"})
//	logger.Info().
//	    Str("component", "dispatcher").
//	    Int("attempts", 2).
//	    Msg("Intent dispatched")
func New(config Config) zerolog.Logger {
	var output io.Writer = os.Stdout

	var level zerolog.Level
	switch config.Level {
	case "debug":
		level = zerolog.DebugLevel
	case "info":
		level = zerolog.InfoLevel
	case "warn":
		level = zerolog.WarnLevel
	case "error":
		level = zerolog.ErrorLevel
	default:
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if config.Format == "pretty" {
		output = zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		}
	}

	logger := zerolog.New(output).
		With().
		Timestamp().
		Caller().
		Str("service", "quietsend").
		Logger()

	return logger
}

// RecoverPanic logs a recovered panic with its stack trace and keeps the
// process running. Use in defer blocks of long-lived goroutines.
//
// Example:
//
//	go func() {
//	    defer logging.RecoverPanic(logger, "consumer")
//	    // ... goroutine work ...
//	}()
func RecoverPanic(logger zerolog.Logger, goroutineName string) {
	if r := recover(); r != nil {
		logger.Error().
			Str("goroutine", goroutineName).
			Interface("panic_value", r).
			Str("stack_trace", string(debug.Stack())).
			Msg("Goroutine panic recovered")
	}
}
