// Package ratelimit bounds connection counts and message rates per user.
// Connections use a simple per-user counter; messages use a sliding window.
package ratelimit

import (
	"sync"
	"time"
)

// ConnectionLimiter caps concurrent WebSocket connections per user.
type ConnectionLimiter struct {
	connections map[string]int // userID -> connection count
	maxPerUser  int
	mu          sync.RWMutex
}

// NewConnectionLimiter creates a connection limiter.
func NewConnectionLimiter(maxPerUser int) *ConnectionLimiter {
	return &ConnectionLimiter{
		connections: make(map[string]int),
		maxPerUser:  maxPerUser,
	}
}

// Allow reserves a connection slot for the user. Returns false at the cap.
func (cl *ConnectionLimiter) Allow(userID string) bool {
	cl.mu.Lock()
	defer cl.mu.Unlock()

	count := cl.connections[userID]
	if count >= cl.maxPerUser {
		return false
	}

	cl.connections[userID] = count + 1
	return true
}

// Release returns a connection slot.
func (cl *ConnectionLimiter) Release(userID string) {
	cl.mu.Lock()
	defer cl.mu.Unlock()

	if count, ok := cl.connections[userID]; ok {
		if count <= 1 {
			delete(cl.connections, userID)
		} else {
			cl.connections[userID] = count - 1
		}
	}
}

// GetCount returns the current connection count for a user.
func (cl *ConnectionLimiter) GetCount(userID string) int {
	cl.mu.RLock()
	defer cl.mu.RUnlock()
	return cl.connections[userID]
}

// MessageLimiter limits message rate per user with a sliding window.
type MessageLimiter struct {
	events map[string][]time.Time // userID -> timestamps
	window time.Duration
	limit  int
	mu     sync.RWMutex

	cleanupInterval time.Duration
	stopCleanup     chan struct{}
	cleanupWg       sync.WaitGroup
	stopOnce        sync.Once
}

// NewMessageLimiter creates a message rate limiter allowing limit events
// per window.
func NewMessageLimiter(window time.Duration, limit int) *MessageLimiter {
	return &MessageLimiter{
		events:          make(map[string][]time.Time),
		window:          window,
		limit:           limit,
		cleanupInterval: 5 * time.Minute,
		stopCleanup:     make(chan struct{}),
	}
}

// Allow records an event for the user if under the limit. Returns false when
// the window is full.
func (ml *MessageLimiter) Allow(userID string) bool {
	ml.mu.Lock()
	defer ml.mu.Unlock()

	now := time.Now()
	cutoff := now.Add(-ml.window)

	var recent []time.Time
	for _, t := range ml.events[userID] {
		if t.After(cutoff) {
			recent = append(recent, t)
		}
	}

	if len(recent) >= ml.limit {
		ml.events[userID] = recent
		return false
	}

	ml.events[userID] = append(recent, now)
	return true
}

// GetRetryAfter returns the milliseconds until the user's oldest in-window
// event expires, i.e. when the next message would be allowed. Zero when the
// user is under the limit.
func (ml *MessageLimiter) GetRetryAfter(userID string) int {
	ml.mu.RLock()
	defer ml.mu.RUnlock()

	events := ml.events[userID]
	if len(events) < ml.limit {
		return 0
	}

	now := time.Now()
	cutoff := now.Add(-ml.window)

	var oldest time.Time
	for _, t := range events {
		if t.After(cutoff) && (oldest.IsZero() || t.Before(oldest)) {
			oldest = t
		}
	}

	if oldest.IsZero() {
		return 0
	}

	retryAfter := oldest.Add(ml.window).Sub(now)
	if retryAfter < 0 {
		return 0
	}

	return int(retryAfter.Milliseconds())
}

// Reset clears the rate limit history for a user.
func (ml *MessageLimiter) Reset(userID string) {
	ml.mu.Lock()
	defer ml.mu.Unlock()
	delete(ml.events, userID)
}

// Cleanup drops expired events so idle users do not leak memory.
func (ml *MessageLimiter) Cleanup() {
	ml.mu.Lock()
	defer ml.mu.Unlock()

	cutoff := time.Now().Add(-ml.window)

	for userID, events := range ml.events {
		var recent []time.Time
		for _, t := range events {
			if t.After(cutoff) {
				recent = append(recent, t)
			}
		}

		if len(recent) == 0 {
			delete(ml.events, userID)
		} else {
			ml.events[userID] = recent
		}
	}
}

// StartCleanup launches a background goroutine that periodically runs Cleanup.
func (ml *MessageLimiter) StartCleanup() {
	ml.cleanupWg.Add(1)
	go func() {
		defer ml.cleanupWg.Done()
		ticker := time.NewTicker(ml.cleanupInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				ml.Cleanup()
			case <-ml.stopCleanup:
				return
			}
		}
	}()
}

// StopCleanup stops the cleanup goroutine and waits for it to finish.
func (ml *MessageLimiter) StopCleanup() {
	ml.stopOnce.Do(func() {
		close(ml.stopCleanup)
	})
	ml.cleanupWg.Wait()
}
