package util

import (
	"fmt"

	"github.com/rs/zerolog"

	"github.com/campuswell/counselchat/internal/metrics"
)

// SafeGo launches a goroutine with panic recovery.
// If the goroutine panics, the panic is recovered, logged, and the error metric
// is incremented. This prevents a single goroutine panic from crashing the
// entire process.
func SafeGo(logger zerolog.Logger, component string, fn func()) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				logger.Error().
					Str("component", component).
					Str("panic", fmt.Sprintf("%v", r)).
					Msg("Panic recovered in goroutine")
				metrics.MessageErrors.Inc()
			}
		}()
		fn()
	}()
}
