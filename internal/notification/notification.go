// Package notification alerts on-call counselors by email when a student
// opens a new session. Alerts are best-effort and rate limited per category
// so a burst of new sessions cannot flood inboxes.
package notification

import (
	"fmt"
	"html"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	gomail "gopkg.in/gomail.v2"

	"github.com/campuswell/counselchat/internal/config"
	"github.com/campuswell/counselchat/internal/session"
	"github.com/campuswell/counselchat/internal/util"
)

// Sender abstracts the SMTP dialer so tests can capture outgoing mail.
type Sender interface {
	DialAndSend(m ...*gomail.Message) error
}

// RateLimiter prevents notification flooding per event key.
type RateLimiter struct {
	events map[string][]time.Time
	window time.Duration
	limit  int
	mu     sync.Mutex
}

// NewRateLimiter creates a sliding-window rate limiter.
func NewRateLimiter(window time.Duration, limit int) *RateLimiter {
	return &RateLimiter{
		events: make(map[string][]time.Time),
		window: window,
		limit:  limit,
	}
}

// Allow records an event if under the limit for its key.
func (rl *RateLimiter) Allow(eventKey string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	cutoff := now.Add(-rl.window)

	// Cap map growth: reject new keys when at capacity
	const maxTrackedEvents = 100000
	events := rl.events[eventKey]
	if events == nil && len(rl.events) >= maxTrackedEvents {
		return false
	}

	var recent []time.Time
	for _, t := range events {
		if t.After(cutoff) {
			recent = append(recent, t)
		}
	}

	if len(recent) == 0 && len(events) > 0 {
		delete(rl.events, eventKey)
	}

	if len(recent) >= rl.limit {
		rl.events[eventKey] = recent
		return false
	}

	rl.events[eventKey] = append(recent, now)
	return true
}

// Service sends counselor alerts over SMTP.
type Service struct {
	sender      Sender
	logger      zerolog.Logger
	rateLimiter *RateLimiter
	recipients  []string
	from        string
	enabled     bool
}

// NewService creates a notification service from configuration. When alerts
// are disabled or no recipients are configured, every send is a no-op.
func NewService(cfg config.NotificationConfig, logger zerolog.Logger) *Service {
	var sender Sender
	if cfg.Enabled && cfg.SMTPHost != "" {
		sender = gomail.NewDialer(cfg.SMTPHost, cfg.SMTPPort, cfg.SMTPUser, cfg.SMTPPass)
	}

	return &Service{
		sender:      sender,
		logger:      logger.With().Str("component", "notification").Logger(),
		rateLimiter: NewRateLimiter(5*time.Minute, 5),
		recipients:  cfg.CounselorEmails,
		from:        cfg.EmailFrom,
		enabled:     cfg.Enabled,
	}
}

// NewServiceWithSender creates a service with an injected sender. Test helper.
func NewServiceWithSender(sender Sender, recipients []string, from string, logger zerolog.Logger) *Service {
	return &Service{
		sender:      sender,
		logger:      logger.With().Str("component", "notification").Logger(),
		rateLimiter: NewRateLimiter(5*time.Minute, 5),
		recipients:  recipients,
		from:        from,
		enabled:     true,
	}
}

// NotifySessionCreated alerts counselors that a new session is waiting.
// The student is never identified; only session ID and category are shared.
func (s *Service) NotifySessionCreated(sess *session.ChatSession) error {
	if !s.enabled || s.sender == nil || len(s.recipients) == 0 {
		return nil
	}

	eventKey := fmt.Sprintf("session_created:%s", sess.Category)
	if !s.rateLimiter.Allow(eventKey) {
		s.logger.Warn().
			Str("category", string(sess.Category)).
			Msg("Session alert rate limited")
		return nil
	}

	m := gomail.NewMessage()
	m.SetHeader("From", s.from)
	m.SetHeader("To", s.recipients...)
	m.SetHeader("Subject", fmt.Sprintf("New counseling request: %s", categoryLabel(sess.Category)))
	m.SetBody("text/plain", fmt.Sprintf(
		"A student is waiting to talk.\n\nCategory: %s\nSession: %s\nOpened: %s\n",
		categoryLabel(sess.Category), sess.ID, sess.CreatedAt.Format(time.RFC3339)))
	m.AddAlternative("text/html", buildSessionCreatedHTML(sess))

	if err := s.sender.DialAndSend(m); err != nil {
		util.LogError(s.logger, "notification", "send session alert", err)
		return fmt.Errorf("failed to send session alert: %w", err)
	}

	s.logger.Info().
		Str("session_id", sess.ID).
		Int("recipients", len(s.recipients)).
		Msg("Session alert sent")
	return nil
}

// buildSessionCreatedHTML renders the alert body. All dynamic values are
// escaped even though they come from validated enums.
func buildSessionCreatedHTML(sess *session.ChatSession) string {
	return fmt.Sprintf(`
		<h2>New counseling request</h2>
		<ul>
			<li><strong>Category:</strong> %s</li>
			<li><strong>Session:</strong> %s</li>
			<li><strong>Opened:</strong> %s</li>
		</ul>
		<p>A student is waiting for a counselor to pick up this conversation.</p>
	`,
		html.EscapeString(categoryLabel(sess.Category)),
		html.EscapeString(sess.ID),
		sess.CreatedAt.Format(time.RFC3339))
}

// categoryLabel renders a category for human readers.
func categoryLabel(c session.Category) string {
	return strings.ReplaceAll(string(c), "_", " ")
}
