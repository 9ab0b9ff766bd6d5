package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Store persists session state. The registry writes through to it when present;
// a nil store keeps the registry purely in-memory (tests, single-node setups).
//
// ClaimSession must be atomic at the storage layer: the status flip from
// unassigned to active and the counselor binding happen in one conditional
// update, never as a read-then-write from the caller.
type Store interface {
	CreateSession(ctx context.Context, sess *ChatSession) error
	GetSession(ctx context.Context, sessionID string) (*ChatSession, error)
	ClaimSession(ctx context.Context, sessionID, counselorID string) (*ChatSession, error)
	CloseSession(ctx context.Context, sessionID string, at time.Time) error
	LoadOpenSessions(ctx context.Context) ([]*ChatSession, error)
}

// Registry owns ChatSession records and serializes lifecycle transitions.
type Registry struct {
	sessions map[string]*ChatSession
	store    Store
	logger   zerolog.Logger
	mu       sync.RWMutex
}

// NewRegistry creates a session registry. store may be nil.
func NewRegistry(store Store, logger zerolog.Logger) *Registry {
	return &Registry{
		sessions: make(map[string]*ChatSession),
		store:    store,
		logger:   logger.With().Str("component", "session").Logger(),
	}
}

// Rehydrate loads all open (unassigned or active) sessions from the store so a
// restarted instance serves existing conversations. Closed sessions stay in
// storage until a Get faults them back in.
func (r *Registry) Rehydrate(ctx context.Context) error {
	if r.store == nil {
		return nil
	}

	open, err := r.store.LoadOpenSessions(ctx)
	if err != nil {
		return fmt.Errorf("failed to load open sessions: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, sess := range open {
		r.sessions[sess.ID] = sess
	}

	r.logger.Info().Int("count", len(open)).Msg("Rehydrated open sessions from storage")
	return nil
}

// Create starts a new unassigned session for a student.
func (r *Registry) Create(ctx context.Context, studentID string, category Category) (*ChatSession, error) {
	if studentID == "" {
		return nil, ErrInvalidStudentID
	}
	if _, err := ParseCategory(string(category)); err != nil {
		return nil, err
	}

	now := time.Now()
	sess := &ChatSession{
		ID:           uuid.New().String(),
		Category:     category,
		Status:       StatusUnassigned,
		StudentID:    studentID,
		CreatedAt:    now,
		LastActivity: now,
	}

	if r.store != nil {
		if err := r.store.CreateSession(ctx, sess); err != nil {
			return nil, fmt.Errorf("failed to persist session: %w", err)
		}
	}

	r.mu.Lock()
	r.sessions[sess.ID] = sess
	r.mu.Unlock()

	r.logger.Info().
		Str("session_id", sess.ID).
		Str("category", string(category)).
		Msg("Session created")

	return sess.Clone(), nil
}

// Get retrieves a session by ID. Closed sessions remain readable. A miss in
// memory falls back to the store, so history from before a restart and
// sessions created on another instance stay reachable; the result is cached
// for subsequent reads.
func (r *Registry) Get(ctx context.Context, sessionID string) (*ChatSession, error) {
	if sessionID == "" {
		return nil, ErrInvalidSessionID
	}

	r.mu.RLock()
	if sess, ok := r.sessions[sessionID]; ok {
		out := sess.Clone()
		r.mu.RUnlock()
		return out, nil
	}
	r.mu.RUnlock()

	if r.store == nil {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}

	stored, err := r.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if cached, ok := r.sessions[sessionID]; ok {
		// A concurrent writer populated the entry; its view is newer.
		return cached.Clone(), nil
	}
	r.sessions[sessionID] = stored
	return stored.Clone(), nil
}

// ListActive returns open sessions for a counselor's work queue. Sort policy:
// sessions already bound to the requesting counselor first, then unassigned
// sessions, then the rest by most-recent activity descending. A counselor's
// own open cases must never be buried under a flood of new unassigned ones.
func (r *Registry) ListActive(counselorID string) []*ChatSession {
	r.mu.RLock()
	out := make([]*ChatSession, 0, len(r.sessions))
	for _, sess := range r.sessions {
		if sess.Status == StatusClosed {
			continue
		}
		out = append(out, sess.Clone())
	}
	r.mu.RUnlock()

	rank := func(s *ChatSession) int {
		switch {
		case counselorID != "" && s.CounselorID == counselorID:
			return 0
		case s.Status == StatusUnassigned:
			return 1
		default:
			return 2
		}
	}

	sort.SliceStable(out, func(i, j int) bool {
		ri, rj := rank(out[i]), rank(out[j])
		if ri != rj {
			return ri < rj
		}
		return out[i].LastActivity.After(out[j].LastActivity)
	})

	return out
}

// ListMine returns a student's own sessions, most recent activity first.
// Closed sessions are included so history stays reachable.
func (r *Registry) ListMine(studentID string) []*ChatSession {
	r.mu.RLock()
	out := make([]*ChatSession, 0)
	for _, sess := range r.sessions {
		if sess.StudentID == studentID {
			out = append(out, sess.Clone())
		}
	}
	r.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].LastActivity.After(out[j].LastActivity)
	})
	return out
}

// Claim atomically binds a counselor to an unassigned session. Exactly one of
// any set of concurrent claims succeeds; losers get ErrAlreadyAssigned and
// should refresh their view rather than retry.
func (r *Registry) Claim(ctx context.Context, sessionID, counselorID string) (*ChatSession, error) {
	if sessionID == "" {
		return nil, ErrInvalidSessionID
	}
	if counselorID == "" {
		return nil, ErrInvalidCounselorID
	}

	// With a store, the store's conditional update is the arbiter: two
	// instances may race and memory alone cannot decide the winner.
	if r.store != nil {
		claimed, err := r.store.ClaimSession(ctx, sessionID, counselorID)
		if err != nil {
			return nil, err
		}

		r.mu.Lock()
		r.sessions[claimed.ID] = claimed
		r.mu.Unlock()

		r.logger.Info().
			Str("session_id", sessionID).
			Str("counselor_id", counselorID).
			Msg("Session claimed")
		return claimed.Clone(), nil
	}

	// Memory-only: the registry lock makes the compare-and-set atomic.
	r.mu.Lock()
	defer r.mu.Unlock()

	sess, ok := r.sessions[sessionID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}

	switch sess.Status {
	case StatusClosed:
		return nil, ErrSessionClosed
	case StatusActive:
		return nil, ErrAlreadyAssigned
	}

	sess.Status = StatusActive
	sess.CounselorID = counselorID
	sess.LastActivity = time.Now()

	return sess.Clone(), nil
}

// Close marks a session closed. Closing an already-closed session returns
// ErrSessionClosed; the record itself stays readable forever.
func (r *Registry) Close(ctx context.Context, sessionID string) (*ChatSession, error) {
	if sessionID == "" {
		return nil, ErrInvalidSessionID
	}

	r.mu.RLock()
	sess, inMemory := r.sessions[sessionID]
	alreadyClosed := inMemory && sess.Status == StatusClosed
	r.mu.RUnlock()

	if alreadyClosed {
		return nil, ErrSessionClosed
	}
	if !inMemory && r.store == nil {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}

	// Persist first. A failed write must leave the in-memory view untouched,
	// otherwise this instance rejects traffic the store still accepts.
	now := time.Now()
	if r.store != nil {
		if err := r.store.CloseSession(ctx, sessionID, now); err != nil {
			if errors.Is(err, ErrSessionClosed) || errors.Is(err, ErrSessionNotFound) {
				return nil, err
			}
			return nil, fmt.Errorf("failed to persist session close: %w", err)
		}
	}

	r.mu.Lock()
	sess, inMemory = r.sessions[sessionID]
	var snapshot *ChatSession
	if inMemory {
		if sess.Status == StatusClosed {
			// A concurrent close got to memory first.
			r.mu.Unlock()
			return nil, ErrSessionClosed
		}
		sess.Status = StatusClosed
		sess.CounselorID = "" // binding exists only while active
		sess.ClosedAt = &now
		sess.LastActivity = now
		snapshot = sess.Clone()
	}
	r.mu.Unlock()

	if !inMemory {
		// Closed in storage without a local record; read the result back.
		return r.Get(ctx, sessionID)
	}

	r.logger.Info().Str("session_id", sessionID).Msg("Session closed")
	return snapshot, nil
}

// Touch bumps the cached last-activity timestamp after message traffic. The
// durable bump rides on the message append itself, which sets lastActivity in
// the same storage write; Touch only keeps this instance's cache in step.
func (r *Registry) Touch(sessionID string, at time.Time) {
	r.mu.Lock()
	if sess, ok := r.sessions[sessionID]; ok && at.After(sess.LastActivity) {
		sess.LastActivity = at
	}
	r.mu.Unlock()
}

// Count returns the number of sessions currently tracked in memory.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
