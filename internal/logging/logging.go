// Package logging builds the process-wide structured logger.
package logging

import (
	"os"
	"runtime/debug"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// New constructs a zerolog.Logger from a level string ("debug", "info",
// "warn", "error") and a format ("json" or "console").
func New(level, format string) zerolog.Logger {
	zerolog.TimeFieldFormat = time.RFC3339

	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil {
		lvl = zerolog.InfoLevel
	}

	var writer = os.Stdout
	logger := zerolog.New(writer).With().Timestamp().Caller().Logger()

	if strings.ToLower(format) == "console" {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: writer, TimeFormat: time.Kitchen}).
			With().Timestamp().Logger()
	}

	return logger.Level(lvl)
}

// RecoverPanic recovers a panic in the calling goroutine, logging it at
// error level with a stack trace and the goroutine's name. Call it directly
// from a defer, one per independently-spawned goroutine:
//
//	defer func() {
//		if logging.RecoverPanic(logger, "readPump") {
//			// tear the connection down
//		}
//	}()
//
// It reports whether a panic was recovered.
func RecoverPanic(logger zerolog.Logger, goroutine string) (recovered bool) {
	if r := recover(); r != nil {
		logger.Error().
			Interface("panic", r).
			Str("goroutine", goroutine).
			Str("stack", string(debug.Stack())).
			Msg("recovered from panic")
		recovered = true
	}

	return recovered
}
