package util

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

func TestNewLoggerLevels(t *testing.T) {
	assert.Equal(t, zerolog.DebugLevel, NewLogger("debug").GetLevel())
	assert.Equal(t, zerolog.WarnLevel, NewLogger("warn").GetLevel())
	assert.Equal(t, zerolog.ErrorLevel, NewLogger("ERROR").GetLevel())

	// Unknown levels fall back to info.
	assert.Equal(t, zerolog.InfoLevel, NewLogger("verbose").GetLevel())
}
