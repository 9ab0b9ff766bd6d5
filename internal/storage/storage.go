// Package storage persists counseling sessions and their encrypted message
// history in MongoDB. It is the arbiter for the counselor claim race: the
// status flip happens in a single conditional update server-side.
package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/campuswell/counselchat/internal/constants"
	"github.com/campuswell/counselchat/internal/message"
	"github.com/campuswell/counselchat/internal/metrics"
	"github.com/campuswell/counselchat/internal/session"
	"github.com/campuswell/counselchat/internal/util"
)

var (
	// ErrInvalidSession is returned when session is nil
	ErrInvalidSession = errors.New("session cannot be nil")
	// ErrInvalidMessage is returned when message is nil
	ErrInvalidMessage = errors.New("message cannot be nil")
)

// retryConfig holds configuration for MongoDB retry logic
type retryConfig struct {
	maxAttempts  int
	initialDelay time.Duration
	maxDelay     time.Duration
	multiplier   float64
}

// defaultRetryConfig provides default retry configuration
var defaultRetryConfig = retryConfig{
	maxAttempts:  constants.MaxRetryAttempts,
	initialDelay: constants.InitialRetryDelay,
	maxDelay:     constants.MaxRetryDelay,
	multiplier:   constants.RetryMultiplier,
}

// Service manages session persistence in MongoDB. It implements session.Store.
type Service struct {
	collection *mongo.Collection
	logger     zerolog.Logger
	cipher     Cipher
}

// SessionDocument represents a session stored in MongoDB
type SessionDocument struct {
	ID           string            `bson:"_id"`
	Category     string            `bson:"cat"`
	Status       string            `bson:"status"`
	CounselorID  string            `bson:"counselorId,omitempty"`
	StudentID    string            `bson:"studentId"`
	Messages     []MessageDocument `bson:"msgs"`
	CreatedAt    time.Time         `bson:"ts"`
	LastActivity time.Time         `bson:"lastActivity"`
	ClosedAt     *time.Time        `bson:"closedTs,omitempty"`
}

// MessageDocument represents a single message stored inside a session document.
// Content is AES-GCM encrypted at rest when a cipher is configured.
type MessageDocument struct {
	ID        string    `bson:"id"`
	Sender    string    `bson:"sender"`
	Content   string    `bson:"content"`
	Timestamp time.Time `bson:"ts"`
}

// NewService creates a storage service over the given collection.
// cipher may be nil, in which case content is stored in the clear.
func NewService(collection *mongo.Collection, logger zerolog.Logger, cipher Cipher) *Service {
	if cipher == nil {
		cipher = NoopCipher{}
	}
	return &Service{
		collection: collection,
		logger:     logger.With().Str("component", "storage").Logger(),
		cipher:     cipher,
	}
}

// isRetryableError checks if an error is retryable (transient)
// Returns true for network errors and transient MongoDB errors
func isRetryableError(err error) bool {
	if err == nil {
		return false
	}

	errStr := err.Error()

	// Network errors
	if containsAny(errStr, []string{
		"connection refused",
		"connection reset",
		"timeout",
		"temporary failure",
		"i/o timeout",
		"EOF",
	}) {
		return true
	}

	// MongoDB specific transient errors
	if containsAny(errStr, []string{
		"server selection timeout",
		"no reachable servers",
		"connection pool",
		"socket",
	}) {
		return true
	}

	return false
}

// containsAny checks if a string contains any of the given substrings
func containsAny(s string, substrings []string) bool {
	for _, substr := range substrings {
		if strings.Contains(s, substr) {
			return true
		}
	}
	return false
}

// EnsureIndexes creates the indexes the query paths depend on. Called once
// during application initialization.
func (s *Service) EnsureIndexes(ctx context.Context) error {
	statusIndex := mongo.IndexModel{
		Keys:    bson.D{{Key: constants.MongoFieldStatus, Value: 1}},
		Options: options.Index().SetName(constants.IndexStatus),
	}

	counselorIndex := mongo.IndexModel{
		Keys:    bson.D{{Key: constants.MongoFieldCounselorID, Value: 1}},
		Options: options.Index().SetName(constants.IndexCounselorID),
	}

	studentIndex := mongo.IndexModel{
		Keys:    bson.D{{Key: constants.MongoFieldStudentID, Value: 1}},
		Options: options.Index().SetName(constants.IndexStudentID),
	}

	// Compound index for the work-queue listing (open sessions by activity)
	statusActivityIndex := mongo.IndexModel{
		Keys: bson.D{
			{Key: constants.MongoFieldStatus, Value: 1},
			{Key: constants.MongoFieldLastActivity, Value: -1},
		},
		Options: options.Index().SetName(constants.IndexStatusLastActivity),
	}

	indexes := []mongo.IndexModel{
		statusIndex,
		counselorIndex,
		studentIndex,
		statusActivityIndex,
	}

	_, err := s.collection.Indexes().CreateMany(ctx, indexes)
	if err != nil {
		return fmt.Errorf("failed to create indexes: %w", err)
	}

	s.logger.Info().
		Strs("indexes", []string{constants.IndexStatus, constants.IndexCounselorID, constants.IndexStudentID, constants.IndexStatusLastActivity}).
		Msg("MongoDB indexes created")

	return nil
}

// CreateSession inserts a new session document.
func (s *Service) CreateSession(ctx context.Context, sess *session.ChatSession) error {
	if sess == nil {
		return ErrInvalidSession
	}
	if sess.ID == "" {
		return session.ErrInvalidSessionID
	}

	start := time.Now()
	defer func() {
		metrics.MongoDBOperationDuration.With(prometheus.Labels{"operation": "create_session"}).Observe(time.Since(start).Seconds())
	}()

	opCtx, cancel := util.NewTimeoutContext(ctx, constants.DefaultContextTimeout)
	defer cancel()

	doc := sessionToDocument(sess)

	err := s.retryOperation(opCtx, "CreateSession", func() error {
		_, err := s.collection.InsertOne(opCtx, doc)
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}

	metrics.SessionsCreated.Inc()
	metrics.ActiveSessions.Inc()

	return nil
}

// ClaimSession atomically binds a counselor to an unassigned session. The
// filter requires status == unassigned, so exactly one of any set of
// concurrent claims matches; losers fall through to the disambiguation read.
func (s *Service) ClaimSession(ctx context.Context, sessionID, counselorID string) (*session.ChatSession, error) {
	if sessionID == "" {
		return nil, session.ErrInvalidSessionID
	}
	if counselorID == "" {
		return nil, session.ErrInvalidCounselorID
	}

	start := time.Now()
	defer func() {
		metrics.MongoDBOperationDuration.With(prometheus.Labels{"operation": "claim_session"}).Observe(time.Since(start).Seconds())
	}()

	opCtx, cancel := util.NewTimeoutContext(ctx, constants.ClaimTimeout)
	defer cancel()

	filter := bson.M{
		constants.MongoFieldID:     sessionID,
		constants.MongoFieldStatus: string(session.StatusUnassigned),
	}
	update := bson.M{
		"$set": bson.M{
			constants.MongoFieldStatus:       string(session.StatusActive),
			constants.MongoFieldCounselorID:  counselorID,
			constants.MongoFieldLastActivity: time.Now(),
		},
	}
	findOpts := options.FindOneAndUpdate().SetReturnDocument(options.After)

	var doc SessionDocument
	err := s.retryOperation(opCtx, "ClaimSession", func() error {
		return s.collection.FindOneAndUpdate(opCtx, filter, update, findOpts).Decode(&doc)
	})
	if err == nil {
		metrics.SessionsClaimed.Inc()
		return documentToSession(&doc), nil
	}
	if !errors.Is(err, mongo.ErrNoDocuments) {
		return nil, fmt.Errorf("failed to claim session: %w", err)
	}

	// No unassigned document matched. Read the current state to tell the
	// caller why the claim lost.
	current, lookupErr := s.findSession(opCtx, sessionID)
	if lookupErr != nil {
		return nil, lookupErr
	}

	switch session.Status(current.Status) {
	case session.StatusClosed:
		return nil, session.ErrSessionClosed
	default:
		metrics.ClaimConflicts.Inc()
		return nil, session.ErrAlreadyAssigned
	}
}

// CloseSession marks a session closed and clears the counselor binding.
// Idempotent at the storage layer: a second close of the same session
// returns ErrSessionClosed.
func (s *Service) CloseSession(ctx context.Context, sessionID string, at time.Time) error {
	if sessionID == "" {
		return session.ErrInvalidSessionID
	}

	start := time.Now()
	defer func() {
		metrics.MongoDBOperationDuration.With(prometheus.Labels{"operation": "close_session"}).Observe(time.Since(start).Seconds())
	}()

	opCtx, cancel := util.NewTimeoutContext(ctx, constants.SessionCloseTimeout)
	defer cancel()

	filter := bson.M{
		constants.MongoFieldID:     sessionID,
		constants.MongoFieldStatus: bson.M{"$ne": string(session.StatusClosed)},
	}
	update := bson.M{
		"$set": bson.M{
			constants.MongoFieldStatus:       string(session.StatusClosed),
			constants.MongoFieldClosedAt:     at,
			constants.MongoFieldLastActivity: at,
		},
		"$unset": bson.M{
			constants.MongoFieldCounselorID: "",
		},
	}

	var result *mongo.UpdateResult
	err := s.retryOperation(opCtx, "CloseSession", func() error {
		var opErr error
		result, opErr = s.collection.UpdateOne(opCtx, filter, update)
		return opErr
	})
	if err != nil {
		return fmt.Errorf("failed to close session: %w", err)
	}

	if result.MatchedCount == 0 {
		// Either the session does not exist or it is already closed.
		current, lookupErr := s.findSession(opCtx, sessionID)
		if lookupErr != nil {
			return lookupErr
		}
		if session.Status(current.Status) == session.StatusClosed {
			return session.ErrSessionClosed
		}
		return session.ErrSessionNotFound
	}

	metrics.SessionsClosed.Inc()
	metrics.ActiveSessions.Dec()

	return nil
}

// GetSession reads a single session by ID, message history excluded. Closed
// sessions are returned like any other; the caller decides what a closed
// record means for its operation.
func (s *Service) GetSession(ctx context.Context, sessionID string) (*session.ChatSession, error) {
	if sessionID == "" {
		return nil, session.ErrInvalidSessionID
	}

	start := time.Now()
	defer func() {
		metrics.MongoDBOperationDuration.With(prometheus.Labels{"operation": "get_session"}).Observe(time.Since(start).Seconds())
	}()

	opCtx, cancel := util.NewTimeoutContext(ctx, constants.DefaultContextTimeout)
	defer cancel()

	var doc SessionDocument
	err := s.retryOperation(opCtx, "GetSession", func() error {
		filter := bson.M{constants.MongoFieldID: sessionID}
		queryOpts := options.FindOne().SetProjection(bson.M{constants.MongoFieldMessages: 0})
		return s.collection.FindOne(opCtx, filter, queryOpts).Decode(&doc)
	})
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, fmt.Errorf("%w: %s", session.ErrSessionNotFound, sessionID)
		}
		return nil, fmt.Errorf("failed to get session: %w", err)
	}

	return documentToSession(&doc), nil
}

// LoadOpenSessions returns all unassigned and active sessions. Used by the
// registry on startup so a restarted instance serves existing conversations.
func (s *Service) LoadOpenSessions(ctx context.Context) ([]*session.ChatSession, error) {
	opCtx, cancel := util.NewTimeoutContext(ctx, constants.LongContextTimeout)
	defer cancel()

	filter := bson.M{
		constants.MongoFieldStatus: bson.M{"$ne": string(session.StatusClosed)},
	}

	// Message arrays can grow large; the registry only needs session state.
	queryOpts := options.Find().
		SetProjection(bson.M{constants.MongoFieldMessages: 0}).
		SetLimit(int64(constants.MaxSessionLimit))

	cursor, err := s.collection.Find(opCtx, filter, queryOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to load open sessions: %w", err)
	}
	defer cursor.Close(opCtx)

	var sessions []*session.ChatSession
	for cursor.Next(opCtx) {
		var doc SessionDocument
		if err := cursor.Decode(&doc); err != nil {
			return nil, fmt.Errorf("failed to decode session document: %w", err)
		}
		sessions = append(sessions, documentToSession(&doc))
	}

	if err := cursor.Err(); err != nil {
		return nil, fmt.Errorf("cursor error: %w", err)
	}

	return sessions, nil
}

// AppendMessage persists a message into a session's history. Content is
// encrypted before the write. The filter excludes closed sessions so a late
// send can never land in a closed conversation. The returned message carries
// the server-assigned ID; broadcast happens only after this call succeeds.
func (s *Service) AppendMessage(ctx context.Context, sessionID string, msg *message.Message) (*message.Message, error) {
	if sessionID == "" {
		return nil, session.ErrInvalidSessionID
	}
	if msg == nil {
		return nil, ErrInvalidMessage
	}

	start := time.Now()
	defer func() {
		metrics.MongoDBOperationDuration.With(prometheus.Labels{"operation": "append_message"}).Observe(time.Since(start).Seconds())
	}()

	opCtx, cancel := util.NewTimeoutContext(ctx, constants.MessageAddTimeout)
	defer cancel()

	stored := *msg
	if stored.ID == "" {
		stored.ID = uuid.New().String()
	}
	if stored.Timestamp.IsZero() {
		stored.Timestamp = time.Now()
	}

	encrypted, err := s.cipher.Encrypt(stored.Content)
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt message content: %w", err)
	}

	msgDoc := MessageDocument{
		ID:        stored.ID,
		Sender:    string(stored.Sender),
		Content:   encrypted,
		Timestamp: stored.Timestamp,
	}

	filter := bson.M{
		constants.MongoFieldID:     sessionID,
		constants.MongoFieldStatus: bson.M{"$ne": string(session.StatusClosed)},
	}
	update := bson.M{
		"$push": bson.M{constants.MongoFieldMessages: msgDoc},
		"$set":  bson.M{constants.MongoFieldLastActivity: stored.Timestamp},
	}

	var result *mongo.UpdateResult
	err = s.retryOperation(opCtx, "AppendMessage", func() error {
		var opErr error
		result, opErr = s.collection.UpdateOne(opCtx, filter, update)
		return opErr
	})
	if err != nil {
		return nil, fmt.Errorf("failed to append message: %w", err)
	}

	if result.MatchedCount == 0 {
		current, lookupErr := s.findSession(opCtx, sessionID)
		if lookupErr != nil {
			return nil, lookupErr
		}
		if session.Status(current.Status) == session.StatusClosed {
			return nil, session.ErrSessionClosed
		}
		return nil, session.ErrSessionNotFound
	}

	return &stored, nil
}

// ListMessages returns a session's full message history in insertion order.
// A message whose content cannot be decrypted is returned with empty content
// and DecryptFailed set; one corrupt record never hides the rest of the
// conversation, and invented plaintext is never substituted.
func (s *Service) ListMessages(ctx context.Context, sessionID string) ([]*message.Message, error) {
	if sessionID == "" {
		return nil, session.ErrInvalidSessionID
	}

	start := time.Now()
	defer func() {
		metrics.MongoDBOperationDuration.With(prometheus.Labels{"operation": "list_messages"}).Observe(time.Since(start).Seconds())
	}()

	opCtx, cancel := util.NewTimeoutContext(ctx, constants.DefaultContextTimeout)
	defer cancel()

	var doc SessionDocument
	err := s.retryOperation(opCtx, "ListMessages", func() error {
		filter := bson.M{constants.MongoFieldID: sessionID}
		return s.collection.FindOne(opCtx, filter).Decode(&doc)
	})
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, session.ErrSessionNotFound
		}
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}

	msgs := make([]*message.Message, 0, len(doc.Messages))
	for _, msgDoc := range doc.Messages {
		m := &message.Message{
			ID:        msgDoc.ID,
			ChatID:    sessionID,
			Sender:    session.Sender(msgDoc.Sender),
			Timestamp: msgDoc.Timestamp,
		}

		plaintext, decErr := s.cipher.Decrypt(msgDoc.Content)
		if decErr != nil {
			m.DecryptFailed = true
			metrics.DecryptFailures.Inc()
			s.logger.Warn().
				Str("session_id", sessionID).
				Str("message_id", msgDoc.ID).
				Err(decErr).
				Msg("Failed to decrypt stored message")
		} else {
			m.Content = plaintext
		}

		msgs = append(msgs, m)
	}

	return msgs, nil
}

// findSession reads a raw session document by ID, mapping the not-found case.
func (s *Service) findSession(ctx context.Context, sessionID string) (*SessionDocument, error) {
	var doc SessionDocument
	err := s.retryOperation(ctx, "FindSession", func() error {
		filter := bson.M{constants.MongoFieldID: sessionID}
		return s.collection.FindOne(ctx, filter).Decode(&doc)
	})
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, session.ErrSessionNotFound
		}
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	return &doc, nil
}

// sessionToDocument converts a ChatSession to its storage form.
// Message history is managed exclusively via AppendMessage ($push).
func sessionToDocument(sess *session.ChatSession) *SessionDocument {
	return &SessionDocument{
		ID:           sess.ID,
		Category:     string(sess.Category),
		Status:       string(sess.Status),
		CounselorID:  sess.CounselorID,
		StudentID:    sess.StudentID,
		Messages:     []MessageDocument{},
		CreatedAt:    sess.CreatedAt,
		LastActivity: sess.LastActivity,
		ClosedAt:     sess.ClosedAt,
	}
}

// documentToSession converts a stored document back to the domain model.
func documentToSession(doc *SessionDocument) *session.ChatSession {
	return &session.ChatSession{
		ID:           doc.ID,
		Category:     session.Category(doc.Category),
		Status:       session.Status(doc.Status),
		CounselorID:  doc.CounselorID,
		StudentID:    doc.StudentID,
		CreatedAt:    doc.CreatedAt,
		LastActivity: doc.LastActivity,
		ClosedAt:     doc.ClosedAt,
	}
}

// retryOperation executes an operation with retry logic for transient errors
// using exponential backoff. Non-retryable errors return immediately.
func (s *Service) retryOperation(ctx context.Context, operation string, fn func() error) error {
	var lastErr error
	delay := defaultRetryConfig.initialDelay

	for attempt := 1; attempt <= defaultRetryConfig.maxAttempts; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}

		if !isRetryableError(err) {
			return err
		}

		lastErr = err

		if attempt < defaultRetryConfig.maxAttempts {
			s.logger.Warn().
				Str("operation", operation).
				Int("attempt", attempt).
				Int("max_attempts", defaultRetryConfig.maxAttempts).
				Dur("delay", delay).
				Err(err).
				Msg("MongoDB operation failed, retrying")

			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return fmt.Errorf("operation cancelled during retry: %w", ctx.Err())
			}

			delay = time.Duration(float64(delay) * defaultRetryConfig.multiplier)
			if delay > defaultRetryConfig.maxDelay {
				delay = defaultRetryConfig.maxDelay
			}
		}
	}

	return fmt.Errorf("operation failed after %d attempts: %w",
		defaultRetryConfig.maxAttempts, lastErr)
}
