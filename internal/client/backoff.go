package client

import (
	"context"
	"time"

	"github.com/campuswell/counselchat/internal/constants"
)

// Backoff is an explicit retry policy passed to the client instead of
// package-level tuning knobs. The zero value disables retries.
type Backoff struct {
	// Base is the delay before the first retry.
	Base time.Duration
	// Multiplier scales the delay after each attempt.
	Multiplier float64
	// MaxAttempts bounds total tries, first attempt included. Retries
	// always terminate: after MaxAttempts the last error is returned.
	MaxAttempts int
}

// DefaultBackoff is the policy used when the caller does not supply one.
var DefaultBackoff = Backoff{
	Base:        constants.ClientRetryBaseDelay,
	Multiplier:  2.0,
	MaxAttempts: constants.ClientRetryMaxAttempts,
}

// Delay returns the pause before the given retry. attempt counts from 1
// (the delay after the first failed try).
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := float64(b.Base)
	for i := 1; i < attempt; i++ {
		d *= b.Multiplier
	}
	return time.Duration(d)
}

// sleep waits for the given delay or until the context is cancelled.
func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
