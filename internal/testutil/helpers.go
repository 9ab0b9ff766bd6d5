// Package testutil provides common test helpers and mock implementations.
package testutil

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/campuswell/counselchat/internal/session"
)

// MockStore is an in-memory session.Store that tracks method calls and allows
// error injection for testing failure paths.
type MockStore struct {
	mu sync.Mutex

	// CreateSession tracking
	CreateSessionFunc   func(context.Context, *session.ChatSession) error
	CreateSessionCalled bool
	CreatedSessions     []*session.ChatSession

	// ClaimSession tracking
	ClaimSessionFunc   func(context.Context, string, string) (*session.ChatSession, error)
	ClaimSessionCalled bool
	ClaimedSessionID   string
	ClaimedCounselorID string

	// CloseSession tracking
	CloseSessionFunc   func(context.Context, string, time.Time) error
	CloseSessionCalled bool
	ClosedSessionID    string

	// GetSession tracking
	GetSessionFunc   func(context.Context, string) (*session.ChatSession, error)
	GetSessionCalled bool
	GotSessionID     string

	// Sessions backs GetSession lookups when no custom function is set
	Sessions map[string]*session.ChatSession

	// LoadOpenSessions result
	OpenSessions []*session.ChatSession

	// Error injection
	CreateSessionError    error
	GetSessionError       error
	ClaimSessionError     error
	CloseSessionError     error
	LoadOpenSessionsError error
}

// CreateSession mocks the CreateSession method
func (m *MockStore) CreateSession(_ context.Context, sess *session.ChatSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.CreateSessionCalled = true
	if m.CreateSessionError != nil {
		return m.CreateSessionError
	}
	if m.CreateSessionFunc != nil {
		return m.CreateSessionFunc(context.Background(), sess)
	}
	m.CreatedSessions = append(m.CreatedSessions, sess)
	return nil
}

// ClaimSession mocks the atomic claim. With no custom function or error it
// mirrors success: the session comes back active and bound to the counselor.
func (m *MockStore) ClaimSession(_ context.Context, sessionID, counselorID string) (*session.ChatSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.ClaimSessionCalled = true
	m.ClaimedSessionID = sessionID
	m.ClaimedCounselorID = counselorID
	if m.ClaimSessionError != nil {
		return nil, m.ClaimSessionError
	}
	if m.ClaimSessionFunc != nil {
		return m.ClaimSessionFunc(context.Background(), sessionID, counselorID)
	}
	now := time.Now()
	return &session.ChatSession{
		ID:           sessionID,
		Status:       session.StatusActive,
		CounselorID:  counselorID,
		LastActivity: now,
		CreatedAt:    now,
	}, nil
}

// CloseSession mocks the CloseSession method
func (m *MockStore) CloseSession(_ context.Context, sessionID string, _ time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.CloseSessionCalled = true
	m.ClosedSessionID = sessionID
	if m.CloseSessionError != nil {
		return m.CloseSessionError
	}
	if m.CloseSessionFunc != nil {
		return m.CloseSessionFunc(context.Background(), sessionID, time.Now())
	}
	return nil
}

// GetSession mocks the single-session read. Lookups hit the Sessions map when
// no custom function is set; a miss reports ErrSessionNotFound like storage.
func (m *MockStore) GetSession(_ context.Context, sessionID string) (*session.ChatSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.GetSessionCalled = true
	m.GotSessionID = sessionID
	if m.GetSessionError != nil {
		return nil, m.GetSessionError
	}
	if m.GetSessionFunc != nil {
		return m.GetSessionFunc(context.Background(), sessionID)
	}
	if sess, ok := m.Sessions[sessionID]; ok {
		return sess.Clone(), nil
	}
	return nil, session.ErrSessionNotFound
}

// LoadOpenSessions mocks the rehydration read
func (m *MockStore) LoadOpenSessions(_ context.Context) ([]*session.ChatSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.LoadOpenSessionsError != nil {
		return nil, m.LoadOpenSessionsError
	}
	return m.OpenSessions, nil
}

// Reset clears all tracking data
func (m *MockStore) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.CreateSessionCalled = false
	m.GetSessionCalled = false
	m.ClaimSessionCalled = false
	m.CloseSessionCalled = false
	m.CreatedSessions = nil
	m.GotSessionID = ""
	m.ClaimedSessionID = ""
	m.ClaimedCounselorID = ""
	m.ClosedSessionID = ""
	m.Sessions = nil
	m.OpenSessions = nil
	m.CreateSessionError = nil
	m.GetSessionError = nil
	m.ClaimSessionError = nil
	m.CloseSessionError = nil
	m.LoadOpenSessionsError = nil
}

// CreateTestSession creates an unassigned session with test data
func CreateTestSession(studentID string, sessionID string) *session.ChatSession {
	if sessionID == "" {
		sessionID = "test-session-" + studentID
	}
	now := time.Now()
	return &session.ChatSession{
		ID:           sessionID,
		Category:     session.CategoryPersonal,
		Status:       session.StatusUnassigned,
		StudentID:    studentID,
		CreatedAt:    now,
		LastActivity: now,
	}
}

// CreateTestLogger creates a silent logger for tests
func CreateTestLogger(t *testing.T) zerolog.Logger {
	t.Helper()
	return zerolog.Nop()
}
