package util

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestSafeGoRunsFunction(t *testing.T) {
	done := make(chan struct{})
	SafeGo(zerolog.Nop(), "test", func() {
		close(done)
	})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("function was not executed")
	}
}

func TestSafeGoRecoversPanic(t *testing.T) {
	panicked := make(chan struct{})
	SafeGo(zerolog.Nop(), "test", func() {
		defer close(panicked)
		panic("boom")
	})

	select {
	case <-panicked:
	case <-time.After(time.Second):
		t.Fatal("goroutine did not run")
	}

	// Reaching this point at all means the panic did not escape the goroutine.
	time.Sleep(10 * time.Millisecond)
}
