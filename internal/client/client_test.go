package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fastBackoff keeps retry tests quick while still exercising the policy.
var fastBackoff = Backoff{Base: time.Millisecond, Multiplier: 2.0, MaxAttempts: 3}

func newTestClient(t *testing.T, serverURL, token string, refresh RefreshFunc) *Client {
	t.Helper()
	return New(serverURL, NewAuthContext(token, refresh), zerolog.Nop(), WithBackoff(fastBackoff))
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func TestCreateSession(t *testing.T) {
	var gotAuth, gotBody string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/sessions", r.URL.Path)
		gotAuth = r.Header.Get("Authorization")
		var req map[string]string
		json.NewDecoder(r.Body).Decode(&req)
		gotBody = req["category"]
		writeJSON(w, http.StatusCreated, map[string]string{"id": "sess-1", "category": "academic", "status": "unassigned"})
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, "token-1", nil)
	sess, err := c.CreateSession(context.Background(), "academic")
	require.NoError(t, err)

	assert.Equal(t, "sess-1", sess.ID)
	assert.Equal(t, "Bearer token-1", gotAuth)
	assert.Equal(t, "academic", gotBody)
}

func TestUnauthorizedWithoutAuthContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "Invalid token", "code": "INVALID_TOKEN"})
	}))
	defer srv.Close()

	// A client built without credentials has nothing to refresh; a 401 must
	// surface as a re-auth signal, not a crash.
	c := New(srv.URL, nil, zerolog.Nop(), WithBackoff(fastBackoff))
	_, err := c.GetSession(context.Background(), "sess-1")
	assert.ErrorIs(t, err, ErrReauthenticate)
}

func TestRefreshOnceOn401(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "Invalid token", "code": "INVALID_TOKEN"})
			return
		}
		require.Equal(t, "Bearer fresh-token", r.Header.Get("Authorization"))
		writeJSON(w, http.StatusOK, []map[string]string{})
	}))
	defer srv.Close()

	refreshCalls := 0
	refresh := func(ctx context.Context, old string) (string, error) {
		refreshCalls++
		assert.Equal(t, "stale-token", old)
		return "fresh-token", nil
	}

	c := newTestClient(t, srv.URL, "stale-token", refresh)
	_, err := c.ListActive(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, refreshCalls)
	assert.EqualValues(t, 2, atomic.LoadInt32(&calls))
	assert.Equal(t, "fresh-token", c.auth.Token())
}

func TestSecond401ReturnsReauthenticate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "Invalid token", "code": "INVALID_TOKEN"})
	}))
	defer srv.Close()

	refreshCalls := 0
	refresh := func(ctx context.Context, old string) (string, error) {
		refreshCalls++
		return "still-bad", nil
	}

	c := newTestClient(t, srv.URL, "bad", refresh)
	_, err := c.ListActive(context.Background())

	assert.ErrorIs(t, err, ErrReauthenticate)
	assert.Equal(t, 1, refreshCalls, "refresh must not loop")
}

func Test401WithoutRefreshFunc(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "Invalid token"})
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, "bad", nil)
	_, err := c.ListActive(context.Background())
	assert.ErrorIs(t, err, ErrReauthenticate)
}

func TestClaimConflictNotRetried(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		writeJSON(w, http.StatusConflict, map[string]string{"error": "Case already taken", "code": "ALREADY_ASSIGNED"})
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, "token", nil)
	_, err := c.Claim(context.Background(), "sess-1")

	assert.ErrorIs(t, err, ErrAlreadyAssigned)
	assert.EqualValues(t, 1, atomic.LoadInt32(&calls), "conflicts must never be retried")
}

func TestClosedSessionConflict(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusConflict, map[string]string{"error": "Session is closed", "code": "SESSION_CLOSED"})
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, "token", nil)
	_, err := c.Send(context.Background(), "sess-1", "hello")
	assert.ErrorIs(t, err, ErrSessionClosed)
}

func TestNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "Session not found", "code": "NOT_FOUND"})
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, "token", nil)
	_, err := c.GetSession(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestIdempotentRetryOn5xx(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			writeJSON(w, http.StatusBadGateway, map[string]string{"error": "upstream down"})
			return
		}
		writeJSON(w, http.StatusOK, []map[string]string{{"id": "sess-1"}})
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, "token", nil)
	sessions, err := c.ListActive(context.Background())
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.EqualValues(t, 3, atomic.LoadInt32(&calls))
}

func TestNonIdempotentNeverRetriedOn5xx(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "boom"})
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, "token", nil)
	_, err := c.Send(context.Background(), "sess-1", "hello")

	require.Error(t, err)
	assert.EqualValues(t, 1, atomic.LoadInt32(&calls), "a send must never fire twice")
}

func TestRetryBudgetExhausted(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "down"})
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, "token", nil)
	_, err := c.ListActive(context.Background())

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusServiceUnavailable, apiErr.StatusCode)
	assert.EqualValues(t, fastBackoff.MaxAttempts, atomic.LoadInt32(&calls))
}

func TestRateLimitHonorsRetryAfterForIdempotent(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.Header().Set("Retry-After", "0")
			writeJSON(w, http.StatusTooManyRequests, map[string]string{"error": "slow down", "code": "TOO_MANY_REQUESTS"})
			return
		}
		writeJSON(w, http.StatusOK, []map[string]string{})
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, "token", nil)
	_, err := c.ListActive(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 2, atomic.LoadInt32(&calls))
}

func TestRateLimitNotRetriedForSends(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.Header().Set("Retry-After", "1")
		writeJSON(w, http.StatusTooManyRequests, map[string]string{"error": "slow down", "code": "TOO_MANY_REQUESTS"})
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, "token", nil)
	_, err := c.Send(context.Background(), "sess-1", "hello")

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, time.Second, apiErr.RetryAfter)
	assert.EqualValues(t, 1, atomic.LoadInt32(&calls))
}

func TestFailedSendRecordedAsPending(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "boom"})
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, "token", nil)
	_, err := c.Send(context.Background(), "sess-1", "my important message")
	require.Error(t, err)

	pending := c.TakePending()
	require.Len(t, pending, 1)
	assert.Equal(t, "sess-1", pending[0].ChatID)
	assert.Equal(t, "my important message", pending[0].Content)
	assert.Error(t, pending[0].Err)
	assert.False(t, pending[0].FailedAt.IsZero())

	// TakePending drains.
	assert.Empty(t, c.TakePending())
}

func TestSuccessfulSendLeavesNoPending(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusCreated, map[string]string{"id": "msg-1", "chat_id": "sess-1", "content": "hi"})
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, "token", nil)
	msg, err := c.Send(context.Background(), "sess-1", "hi")
	require.NoError(t, err)
	assert.Equal(t, "msg-1", msg.ID)
	assert.Empty(t, c.TakePending())
}

func TestParseAPIErrorToleratesNonJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		w.Write([]byte("<html>upstream error</html>"))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, "token", nil)
	closeErr := c.Close(context.Background(), "sess-1")
	var apiErr *APIError
	require.ErrorAs(t, closeErr, &apiErr)
	assert.Equal(t, http.StatusBadGateway, apiErr.StatusCode)
	assert.Equal(t, "Bad Gateway", apiErr.Message)
}

func TestBaseURLTrailingSlashTrimmed(t *testing.T) {
	c := New("http://example.com/counselchat/", NewAuthContext("t", nil), zerolog.Nop())
	assert.Equal(t, "http://example.com/counselchat", c.baseURL)
}

func TestNetworkFailureNotRetriedForNonIdempotent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close() // refuse connections

	c := newTestClient(t, srv.URL, "token", nil)
	_, err := c.CreateSession(context.Background(), "academic")
	require.Error(t, err)
	assert.ErrorContains(t, err, "request failed")
}
