// Package client is the consumer-facing API client for the counseling chat
// service. It owns the resilience policy: exponential backoff for transient
// failures on idempotent requests, a single refresh-and-replay on expired
// credentials, and strict no-retry handling of conflicts and message sends.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/campuswell/counselchat/internal/constants"
	"github.com/campuswell/counselchat/internal/message"
)

var (
	// ErrReauthenticate is returned when a request failed with an auth error
	// that one token refresh could not fix. The caller must obtain fresh
	// credentials through a full login; the client will not loop on refresh.
	ErrReauthenticate = errors.New("authentication failed, re-login required")
	// ErrAlreadyAssigned is returned when a claim lost the race.
	ErrAlreadyAssigned = errors.New("session already assigned to another counselor")
	// ErrSessionClosed is returned on writes to a closed session.
	ErrSessionClosed = errors.New("session is closed")
	// ErrNotFound is returned when the session does not exist.
	ErrNotFound = errors.New("session not found")
)

// APIError is a non-2xx response from the server.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	RetryAfter time.Duration // only set for 429 responses
}

func (e *APIError) Error() string {
	return fmt.Sprintf("server returned %d %s: %s", e.StatusCode, e.Code, e.Message)
}

// RefreshFunc exchanges an expired token for a fresh one.
type RefreshFunc func(ctx context.Context, token string) (string, error)

// AuthContext carries the current credential and how to refresh it. It is a
// value handed to the client at construction; no global token state exists.
type AuthContext struct {
	mu      sync.Mutex
	token   string
	refresh RefreshFunc
}

// NewAuthContext creates an auth context. refresh may be nil for
// short-lived tools that prefer to fail fast on expiry.
func NewAuthContext(token string, refresh RefreshFunc) *AuthContext {
	return &AuthContext{token: token, refresh: refresh}
}

// Token returns the current credential.
func (a *AuthContext) Token() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.token
}

// refreshToken swaps the credential via the refresh callback.
func (a *AuthContext) refreshToken(ctx context.Context) error {
	a.mu.Lock()
	refresh := a.refresh
	current := a.token
	a.mu.Unlock()

	if refresh == nil {
		return ErrReauthenticate
	}

	fresh, err := refresh(ctx, current)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrReauthenticate, err)
	}

	a.mu.Lock()
	a.token = fresh
	a.mu.Unlock()
	return nil
}

// Session is a counseling session as the server reports it.
type Session struct {
	ID           string     `json:"id"`
	Category     string     `json:"category"`
	Status       string     `json:"status"`
	CounselorID  string     `json:"counselor_id,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	LastActivity time.Time  `json:"last_activity"`
	ClosedAt     *time.Time `json:"closed_at,omitempty"`
}

// PendingSend is a message whose delivery failed. The content is preserved so
// the caller can restore it into the compose box instead of losing it.
type PendingSend struct {
	ChatID   string
	Content  string
	Err      error
	FailedAt time.Time
}

// Client talks to the counseling chat HTTP API.
type Client struct {
	baseURL string
	httpc   *http.Client
	auth    *AuthContext
	backoff Backoff
	logger  zerolog.Logger

	mu      sync.Mutex
	pending []PendingSend
}

// Option customizes a Client.
type Option func(*Client)

// WithBackoff overrides the retry policy.
func WithBackoff(b Backoff) Option {
	return func(c *Client) { c.backoff = b }
}

// WithHTTPClient overrides the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpc = hc }
}

// New creates a client for the service at baseURL, including the path prefix,
// e.g. "https://support.example.edu/counselchat".
func New(baseURL string, auth *AuthContext, logger zerolog.Logger, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpc:   &http.Client{Timeout: constants.ClientRequestTimeout},
		auth:    auth,
		backoff: DefaultBackoff,
		logger:  logger.With().Str("component", "client").Logger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// CreateSession opens a new anonymous session in the given category.
func (c *Client) CreateSession(ctx context.Context, category string) (*Session, error) {
	var out Session
	body := map[string]string{"category": category}
	// Creation is not idempotent; a retried create could open duplicates.
	if err := c.do(ctx, http.MethodPost, "/sessions", body, &out, false); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListActive fetches the counselor work queue: own sessions first, then
// unassigned, then the rest.
func (c *Client) ListActive(ctx context.Context) ([]*Session, error) {
	var out []*Session
	if err := c.do(ctx, http.MethodGet, "/sessions/active", nil, &out, true); err != nil {
		return nil, err
	}
	return out, nil
}

// ListMine fetches the requesting user's own sessions, closed ones included.
func (c *Client) ListMine(ctx context.Context) ([]*Session, error) {
	var out []*Session
	if err := c.do(ctx, http.MethodGet, "/sessions/mine", nil, &out, true); err != nil {
		return nil, err
	}
	return out, nil
}

// GetSession fetches a single session.
func (c *Client) GetSession(ctx context.Context, sessionID string) (*Session, error) {
	var out Session
	if err := c.do(ctx, http.MethodGet, "/sessions/"+sessionID, nil, &out, true); err != nil {
		return nil, err
	}
	return &out, nil
}

// Messages fetches a session's full history in order. Entries with
// DecryptFailed set carry no content; render them as unavailable.
func (c *Client) Messages(ctx context.Context, sessionID string) ([]*message.Message, error) {
	var out []*message.Message
	if err := c.do(ctx, http.MethodGet, "/sessions/"+sessionID+"/messages", nil, &out, true); err != nil {
		return nil, err
	}
	return out, nil
}

// Send posts a message as the anonymous student. Sends are never silently
// retried: a failed send is recorded as pending and returned to the caller,
// who decides whether to resend.
func (c *Client) Send(ctx context.Context, sessionID, content string) (*message.Message, error) {
	return c.send(ctx, sessionID, content, "/messages")
}

// SendAsCounselor posts a message on the counselor path.
func (c *Client) SendAsCounselor(ctx context.Context, sessionID, content string) (*message.Message, error) {
	return c.send(ctx, sessionID, content, "/counselor-messages")
}

func (c *Client) send(ctx context.Context, sessionID, content, suffix string) (*message.Message, error) {
	var out message.Message
	body := map[string]string{"content": content}
	err := c.do(ctx, http.MethodPost, "/sessions/"+sessionID+suffix, body, &out, false)
	if err != nil {
		c.mu.Lock()
		c.pending = append(c.pending, PendingSend{
			ChatID:   sessionID,
			Content:  content,
			Err:      err,
			FailedAt: time.Now(),
		})
		c.mu.Unlock()
		return nil, err
	}
	return &out, nil
}

// TakePending returns and clears the failed sends accumulated so far.
func (c *Client) TakePending() []PendingSend {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := c.pending
	c.pending = nil
	return out
}

// Claim requests the session for the authenticated counselor. Exactly one
// concurrent claimant wins; the rest get ErrAlreadyAssigned and should
// refresh their queue instead of retrying.
func (c *Client) Claim(ctx context.Context, sessionID string) (*Session, error) {
	var out Session
	if err := c.do(ctx, http.MethodPost, "/sessions/"+sessionID+"/claim", nil, &out, false); err != nil {
		return nil, err
	}
	return &out, nil
}

// Close ends a session. Closing twice returns ErrSessionClosed.
func (c *Client) Close(ctx context.Context, sessionID string) error {
	return c.do(ctx, http.MethodDelete, "/sessions/"+sessionID, nil, nil, false)
}

// do performs one API request with the client's resilience policy.
// Idempotent requests retry on network failures, 429 and 5xx within the
// backoff budget. A 401 triggers at most one token refresh and one replay
// per call, independent of the retry budget. Conflicts map to sentinels and
// are never retried.
func (c *Client) do(ctx context.Context, method, path string, body, out interface{}, idempotent bool) error {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request body: %w", err)
		}
	}

	maxAttempts := c.backoff.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	refreshed := false
	var lastErr error

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(payload))
		if err != nil {
			return fmt.Errorf("failed to build request: %w", err)
		}
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		if c.auth != nil {
			req.Header.Set("Authorization", "Bearer "+c.auth.Token())
		}

		resp, err := c.httpc.Do(req)
		if err != nil {
			lastErr = fmt.Errorf("request failed: %w", err)
			if !idempotent || attempt == maxAttempts {
				return lastErr
			}
			if serr := sleep(ctx, c.backoff.Delay(attempt)); serr != nil {
				return serr
			}
			continue
		}

		raw, readErr := io.ReadAll(resp.Body)
		resp.Body.Close()
		if readErr != nil {
			lastErr = fmt.Errorf("failed to read response: %w", readErr)
			if !idempotent || attempt == maxAttempts {
				return lastErr
			}
			if serr := sleep(ctx, c.backoff.Delay(attempt)); serr != nil {
				return serr
			}
			continue
		}

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			if out == nil || len(raw) == 0 {
				return nil
			}
			if err := json.Unmarshal(raw, out); err != nil {
				return fmt.Errorf("failed to decode response: %w", err)
			}
			return nil
		}

		apiErr := parseAPIError(resp, raw)

		switch resp.StatusCode {
		case http.StatusUnauthorized:
			// One refresh, one replay. A second 401 means the refreshed
			// credential is also bad; surface that instead of looping. With
			// no auth context there is nothing to refresh.
			if refreshed || c.auth == nil {
				return ErrReauthenticate
			}
			if err := c.auth.refreshToken(ctx); err != nil {
				return err
			}
			refreshed = true
			attempt-- // the replay does not consume a retry attempt
			continue

		case http.StatusConflict:
			switch apiErr.Code {
			case "SESSION_CLOSED":
				return fmt.Errorf("%w: %s", ErrSessionClosed, apiErr.Message)
			default:
				return fmt.Errorf("%w: %s", ErrAlreadyAssigned, apiErr.Message)
			}

		case http.StatusNotFound:
			return fmt.Errorf("%w: %s", ErrNotFound, apiErr.Message)

		case http.StatusTooManyRequests:
			lastErr = apiErr
			if !idempotent || attempt == maxAttempts {
				return apiErr
			}
			delay := c.backoff.Delay(attempt)
			if apiErr.RetryAfter > delay {
				delay = apiErr.RetryAfter
			}
			c.logger.Debug().
				Str("path", path).
				Dur("delay", delay).
				Msg("Rate limited, backing off")
			if serr := sleep(ctx, delay); serr != nil {
				return serr
			}
			continue

		default:
			lastErr = apiErr
			if resp.StatusCode >= 500 && idempotent && attempt < maxAttempts {
				if serr := sleep(ctx, c.backoff.Delay(attempt)); serr != nil {
					return serr
				}
				continue
			}
			return apiErr
		}
	}

	return lastErr
}

// parseAPIError decodes the server's error envelope, tolerating non-JSON
// bodies from intermediaries.
func parseAPIError(resp *http.Response, raw []byte) *APIError {
	apiErr := &APIError{StatusCode: resp.StatusCode}

	var envelope struct {
		Error string `json:"error"`
		Code  string `json:"code"`
	}
	if err := json.Unmarshal(raw, &envelope); err == nil && envelope.Error != "" {
		apiErr.Message = envelope.Error
		apiErr.Code = envelope.Code
	} else {
		apiErr.Message = http.StatusText(resp.StatusCode)
	}

	if header := resp.Header.Get("Retry-After"); header != "" {
		if secs, err := strconv.Atoi(header); err == nil {
			apiErr.RetryAfter = time.Duration(secs) * time.Second
		}
	}

	return apiErr
}
