package counselchat

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/campuswell/counselchat/internal/auth"
	"github.com/campuswell/counselchat/internal/constants"
	chaterrors "github.com/campuswell/counselchat/internal/errors"
	"github.com/campuswell/counselchat/internal/ratelimit"
	"github.com/campuswell/counselchat/internal/session"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func testContext() (*gin.Context, *httptest.ResponseRecorder) {
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest("GET", "/", nil)
	return c, w
}

func counselorContext() (*gin.Context, *httptest.ResponseRecorder) {
	c, w := testContext()
	c.Set("claims", &auth.Claims{UserID: "counselor-1", Roles: []string{constants.RoleCounselor}})
	return c, w
}

func TestToSessionResponse(t *testing.T) {
	now := time.Now().UTC()
	closedAt := now.Add(time.Hour)
	sess := &session.ChatSession{
		ID:           "sess-1",
		StudentID:    "student-1",
		Category:     session.CategoryAcademic,
		Status:       session.StatusClosed,
		CounselorID:  "counselor-1",
		CreatedAt:    now,
		LastActivity: now,
		ClosedAt:     &closedAt,
	}

	resp := toSessionResponse(sess)
	assert.Equal(t, "sess-1", resp.ID)
	assert.Equal(t, "academic", resp.Category)
	assert.Equal(t, "closed", resp.Status)
	assert.Equal(t, "counselor-1", resp.CounselorID)
	require.NotNil(t, resp.ClosedAt)
	assert.Equal(t, closedAt, *resp.ClosedAt)
}

func TestSessionResponseOmitsStudentIdentity(t *testing.T) {
	sess := &session.ChatSession{
		ID:        "sess-1",
		StudentID: "student-secret",
		Category:  session.CategoryPersonal,
		Status:    session.StatusUnassigned,
	}

	data, err := json.Marshal(toSessionResponse(sess))
	require.NoError(t, err)

	assert.NotContains(t, string(data), "student-secret")
	assert.NotContains(t, string(data), "counselor_id")
	assert.NotContains(t, string(data), "closed_at")
}

func TestSecurityHeadersMiddleware(t *testing.T) {
	c, w := testContext()
	securityHeadersMiddleware()(c)

	assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "DENY", w.Header().Get("X-Frame-Options"))
	assert.Equal(t, "strict-origin-when-cross-origin", w.Header().Get("Referrer-Policy"))
}

func TestParseNetworks(t *testing.T) {
	nets := parseNetworks([]string{"10.0.0.0/8", " 192.168.1.0/24 ", "", "not-a-cidr", "300.0.0.0/8"}, zerolog.Nop())

	require.Len(t, nets, 2)
	assert.Equal(t, "10.0.0.0/8", nets[0].String())
	assert.Equal(t, "192.168.1.0/24", nets[1].String())
}

func TestMetricsNetworkMiddleware(t *testing.T) {
	nets := parseNetworks([]string{"10.0.0.0/8"}, zerolog.Nop())
	mw := metricsNetworkMiddleware(nets, zerolog.Nop())

	c, w := testContext()
	c.Request.RemoteAddr = "10.1.2.3:55000"
	mw(c)
	assert.False(t, c.IsAborted())
	assert.Equal(t, http.StatusOK, w.Code)

	c, w = testContext()
	c.Request.RemoteAddr = "203.0.113.9:55000"
	mw(c)
	assert.True(t, c.IsAborted())
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestMetricsNetworkMiddlewareOpenWithoutAllowlist(t *testing.T) {
	mw := metricsNetworkMiddleware(nil, zerolog.Nop())

	c, _ := testContext()
	c.Request.RemoteAddr = "203.0.113.9:55000"
	mw(c)
	assert.False(t, c.IsAborted())
}

func TestPublicRateLimitMiddleware(t *testing.T) {
	limiter := ratelimit.NewMessageLimiter(time.Minute, 2)
	mw := publicRateLimitMiddleware(limiter)

	for i := 0; i < 2; i++ {
		c, _ := testContext()
		c.Request.RemoteAddr = "203.0.113.9:55000"
		mw(c)
		require.False(t, c.IsAborted())
	}

	c, w := testContext()
	c.Request.RemoteAddr = "203.0.113.9:55000"
	mw(c)

	assert.True(t, c.IsAborted())
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.NotEmpty(t, w.Header().Get(constants.HeaderRetryAfter))

	var body map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, string(chaterrors.ErrCodeTooManyRequests), body["code"])
}

func TestPublicRateLimitIsolatedPerIP(t *testing.T) {
	limiter := ratelimit.NewMessageLimiter(time.Minute, 1)
	mw := publicRateLimitMiddleware(limiter)

	c, _ := testContext()
	c.Request.RemoteAddr = "203.0.113.9:55000"
	mw(c)
	require.False(t, c.IsAborted())

	c, _ = testContext()
	c.Request.RemoteAddr = "203.0.113.10:55000"
	mw(c)
	assert.False(t, c.IsAborted())
}

func TestRequireRole(t *testing.T) {
	mw := requireRole(constants.RoleCounselor)

	c, w := counselorContext()
	mw(c)
	assert.False(t, c.IsAborted())
	assert.Equal(t, http.StatusOK, w.Code)

	c, w = testContext()
	c.Set("claims", &auth.Claims{UserID: "student-1", Roles: []string{"student"}})
	mw(c)
	assert.True(t, c.IsAborted())
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestMustClaims(t *testing.T) {
	c, _ := counselorContext()
	claims := mustClaims(c)
	require.NotNil(t, claims)
	assert.Equal(t, "counselor-1", claims.UserID)

	c, w := testContext()
	assert.Nil(t, mustClaims(c))
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	c, w = testContext()
	c.Set("claims", "not-claims")
	assert.Nil(t, mustClaims(c))
	assert.Equal(t, http.StatusInternalServerError, w.Code)
}

func TestAuthMiddleware(t *testing.T) {
	const secret = "a-sufficiently-long-and-random-jwt-secret-value"
	validator := auth.NewJWTValidator(secret)
	issuer := auth.NewTokenIssuer(secret, time.Hour, 10*time.Minute)
	mw := authMiddleware(validator, zerolog.Nop())

	token, err := issuer.Issue(&auth.Claims{UserID: "student-1", Roles: []string{"student"}})
	require.NoError(t, err)

	c, _ := testContext()
	c.Request.Header.Set(constants.HeaderAuthorization, "Bearer "+token)
	mw(c)
	require.False(t, c.IsAborted())
	claims := mustClaims(c)
	require.NotNil(t, claims)
	assert.Equal(t, "student-1", claims.UserID)

	c, w := testContext()
	mw(c)
	assert.True(t, c.IsAborted())
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	c, w = testContext()
	c.Request.Header.Set(constants.HeaderAuthorization, "Bearer garbage")
	mw(c)
	assert.True(t, c.IsAborted())
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestMessageRateLimitMiddleware(t *testing.T) {
	limiter := ratelimit.NewMessageLimiter(time.Minute, 1)
	mw := messageRateLimitMiddleware(limiter, zerolog.Nop())

	c, _ := counselorContext()
	mw(c)
	require.False(t, c.IsAborted())

	c, w := counselorContext()
	mw(c)
	assert.True(t, c.IsAborted())
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.NotEmpty(t, w.Header().Get(constants.HeaderRetryAfter))
}

func TestAuthorizeJoin(t *testing.T) {
	registry := session.NewRegistry(nil, zerolog.Nop())
	sess, err := registry.Create(context.Background(), "student-1", session.CategoryPersonal)
	require.NoError(t, err)

	svc := &Service{registry: registry, logger: zerolog.Nop()}

	assert.NoError(t, svc.AuthorizeJoin("student-1", []string{"student"}, sess.ID))
	assert.NoError(t, svc.AuthorizeJoin("counselor-1", []string{constants.RoleCounselor}, sess.ID))

	err = svc.AuthorizeJoin("student-2", []string{"student"}, sess.ID)
	require.Error(t, err)
	var chatErr *chaterrors.ChatError
	require.ErrorAs(t, err, &chatErr)
	assert.Equal(t, chaterrors.ErrCodeForbidden, chatErr.Code)

	err = svc.AuthorizeJoin("student-1", []string{"student"}, "missing-session")
	require.Error(t, err)
	require.ErrorAs(t, err, &chatErr)
	assert.Equal(t, chaterrors.ErrCodeSessionNotFound, chatErr.Code)
}

func TestHandleHealthCheck(t *testing.T) {
	c, w := testContext()
	handleHealthCheck(c)

	assert.Equal(t, http.StatusOK, w.Code)
	var body map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "healthy", body["status"])
}

func TestHandleReadyCheckWithoutMongo(t *testing.T) {
	c, w := testContext()
	handleReadyCheck(nil, zerolog.Nop())(c)

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}
