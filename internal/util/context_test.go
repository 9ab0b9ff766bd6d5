package util

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewTimeoutContext(t *testing.T) {
	ctx, cancel := NewTimeoutContext(context.Background(), time.Minute)
	defer cancel()

	deadline, ok := ctx.Deadline()
	require.True(t, ok)
	assert.WithinDuration(t, time.Now().Add(time.Minute), deadline, time.Second)
}

func TestNewTimeoutContextNilParent(t *testing.T) {
	ctx, cancel := NewTimeoutContext(nil, time.Minute)
	defer cancel()

	_, ok := ctx.Deadline()
	assert.True(t, ok)
	assert.NoError(t, ctx.Err())
}

func TestNewTimeoutContextInheritsCancellation(t *testing.T) {
	parent, parentCancel := context.WithCancel(context.Background())
	ctx, cancel := NewTimeoutContext(parent, time.Minute)
	defer cancel()

	parentCancel()
	assert.ErrorIs(t, ctx.Err(), context.Canceled)
}

func TestTraceIDRoundTrip(t *testing.T) {
	ctx := NewContextWithTraceID(context.Background())

	id := TraceIDFromContext(ctx)
	assert.Len(t, id, 32)

	// Each context gets its own ID.
	other := TraceIDFromContext(NewContextWithTraceID(context.Background()))
	assert.NotEqual(t, id, other)

	assert.Empty(t, TraceIDFromContext(context.Background()))
}
