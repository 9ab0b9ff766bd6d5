package util

import (
	"fmt"
	"os"
	"strings"

	"github.com/rs/zerolog"
)

// NewLogger builds the application logger at the given level, writing to
// stderr. Unknown levels fall back to info.
func NewLogger(level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	return zerolog.New(os.Stderr).Level(lvl).With().Timestamp().Logger()
}

// LogError logs an error with component and operation context.
// This helper standardizes error logging across the codebase.
//
// Example:
//
//	LogError(logger, "http", "list sessions", err)
func LogError(logger zerolog.Logger, component, operation string, err error) {
	logger.Error().
		Err(err).
		Str("component", component).
		Msg(fmt.Sprintf("Failed to %s", operation))
}
