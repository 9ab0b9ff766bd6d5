// Package counselchat wires the anonymous counseling chat service into a gin
// router: session lifecycle endpoints, the message API, the realtime channel,
// and the operational surface (health, readiness, metrics).
package counselchat

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"github.com/campuswell/counselchat/internal/auth"
	"github.com/campuswell/counselchat/internal/config"
	"github.com/campuswell/counselchat/internal/constants"
	chaterrors "github.com/campuswell/counselchat/internal/errors"
	"github.com/campuswell/counselchat/internal/httperrors"
	"github.com/campuswell/counselchat/internal/hub"
	"github.com/campuswell/counselchat/internal/message"
	"github.com/campuswell/counselchat/internal/metrics"
	"github.com/campuswell/counselchat/internal/notification"
	"github.com/campuswell/counselchat/internal/ratelimit"
	"github.com/campuswell/counselchat/internal/session"
	"github.com/campuswell/counselchat/internal/storage"
	"github.com/campuswell/counselchat/internal/util"
	"github.com/campuswell/counselchat/internal/websocket"
)

// Service is the fully wired counseling chat application. Register builds one;
// Shutdown tears it down.
type Service struct {
	registry      *session.Registry
	store         *storage.Service
	rooms         *hub.Hub
	wsHandler     *websocket.Handler
	issuer        *auth.TokenIssuer
	notifier      *notification.Service
	messageLimit  *ratelimit.MessageLimiter
	publicLimit   *ratelimit.MessageLimiter
	redisClient   *redis.Client
	logger        zerolog.Logger
	shutdownOnce  sync.Once
}

// SessionResponse is the wire form of a session.
type SessionResponse struct {
	ID           string     `json:"id"`
	Category     string     `json:"category"`
	Status       string     `json:"status"`
	CounselorID  string     `json:"counselor_id,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	LastActivity time.Time  `json:"last_activity"`
	ClosedAt     *time.Time `json:"closed_at,omitempty"`
}

func toSessionResponse(sess *session.ChatSession) *SessionResponse {
	return &SessionResponse{
		ID:           sess.ID,
		Category:     string(sess.Category),
		Status:       string(sess.Status),
		CounselorID:  sess.CounselorID,
		CreatedAt:    sess.CreatedAt,
		LastActivity: sess.LastActivity,
		ClosedAt:     sess.ClosedAt,
	}
}

// Register wires the service into the gin router and returns it for shutdown.
func Register(r *gin.Engine, cfg *config.Config, logger zerolog.Logger, mongoClient *mongo.Client) (*Service, error) {
	svcLogger := logger.With().Str("service", "counselchat").Logger()
	svcLogger.Info().Msg("Initializing counseling chat service")

	if err := cfg.Validate(); err != nil {
		svcLogger.Error().Err(err).Msg("Configuration validation failed")
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	// Message encryption at rest. An empty key disables it with a warning.
	var cipher storage.Cipher
	if cfg.Database.EncryptionKey != "" {
		key := []byte(cfg.Database.EncryptionKey)
		if len(key) != constants.EncryptionKeyLength {
			return nil, fmt.Errorf("encryption key must be exactly %d bytes for AES-256, got %d",
				constants.EncryptionKeyLength, len(key))
		}
		var err error
		cipher, err = storage.NewAESCipher(key)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize message cipher: %w", err)
		}
		svcLogger.Info().Msg("Message encryption enabled")
	} else {
		svcLogger.Warn().Msg("No encryption key configured, messages will be stored unencrypted")
	}

	collection := mongoClient.Database(cfg.Database.Database).Collection(cfg.Database.Collection)
	store := storage.NewService(collection, svcLogger, cipher)

	indexCtx, indexCancel := util.NewTimeoutContext(context.Background(), constants.LongContextTimeout)
	defer indexCancel()
	if err := store.EnsureIndexes(indexCtx); err != nil {
		// Non-fatal: indexes can be created manually if needed.
		svcLogger.Warn().Err(err).Msg("Failed to create MongoDB indexes")
	}

	registry := session.NewRegistry(store, svcLogger)

	rehydrateCtx, rehydrateCancel := util.NewTimeoutContext(context.Background(), constants.LongContextTimeout)
	defer rehydrateCancel()
	if err := registry.Rehydrate(rehydrateCtx); err != nil {
		// Non-fatal: open sessions are still reachable through storage reads.
		svcLogger.Warn().Err(err).Msg("Failed to rehydrate sessions from storage")
	}

	// Optional Redis bridge so room broadcasts reach every instance.
	var redisClient *redis.Client
	if cfg.Redis.Address != "" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		svcLogger.Info().Str("address", cfg.Redis.Address).Msg("Cross-instance fanout via Redis enabled")
	}

	rooms := hub.New(svcLogger, redisClient)
	rooms.Start(context.Background())

	notifier := notification.NewService(cfg.Notification, svcLogger)

	validator := auth.NewJWTValidator(cfg.Server.JWTSecret)
	issuer := auth.NewTokenIssuer(cfg.Server.JWTSecret, cfg.Server.TokenTTL, cfg.Server.RefreshGrace)

	svc := &Service{
		registry:     registry,
		store:        store,
		rooms:        rooms,
		issuer:       issuer,
		notifier:     notifier,
		messageLimit: ratelimit.NewMessageLimiter(cfg.Server.RateWindow, cfg.Server.RateLimit),
		publicLimit:  ratelimit.NewMessageLimiter(time.Minute, 120),
		redisClient:  redisClient,
		logger:       svcLogger,
	}

	wsHandler := websocket.NewHandler(validator, rooms, svc, svcLogger,
		cfg.Server.MaxMessageSize, cfg.Server.MaxConnPerUser)
	if len(cfg.Server.AllowedOrigins) > 0 {
		wsHandler.SetAllowedOrigins(cfg.Server.AllowedOrigins)
	} else {
		svcLogger.Warn().Msg("No allowed origins configured, allowing all origins (development mode)")
	}
	svc.wsHandler = wsHandler

	svc.messageLimit.StartCleanup()
	svc.publicLimit.StartCleanup()

	// Router-wide middleware.
	if len(cfg.Server.AllowedOrigins) > 0 {
		r.Use(cors.New(cors.Config{
			AllowOrigins:     cfg.Server.AllowedOrigins,
			AllowMethods:     []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
			AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization"},
			ExposeHeaders:    []string{"Content-Length", "Retry-After"},
			AllowCredentials: true,
			MaxAge:           12 * time.Hour,
		}))
	}

	if len(cfg.Server.TrustedProxies) > 0 {
		if err := r.SetTrustedProxies(cfg.Server.TrustedProxies); err != nil {
			svcLogger.Warn().Err(err).Msg("Failed to set trusted proxies")
		}
	}

	r.Use(securityHeadersMiddleware())
	r.Use(metricsMiddleware())

	pathPrefix := cfg.Server.PathPrefix
	if !strings.HasPrefix(pathPrefix, "/") {
		return nil, fmt.Errorf("path prefix must start with '/' (got: %s)", pathPrefix)
	}
	svcLogger.Info().Str("prefix", pathPrefix).Msg("Using HTTP path prefix")

	group := r.Group(pathPrefix)
	{
		group.GET("/ws", func(c *gin.Context) {
			// Move a query-parameter token into the Authorization header and
			// redact it from the URL so it never lands in access logs.
			if token := c.Query("token"); token != "" {
				if c.Request.Header.Get("Authorization") == "" {
					c.Request.Header.Set("Authorization", "Bearer "+token)
				}
				q := c.Request.URL.Query()
				q.Del("token")
				c.Request.URL.RawQuery = q.Encode()
			}
			wsHandler.HandleWebSocket(c.Writer, c.Request)
		})

		authed := group.Group("")
		authed.Use(authMiddleware(validator, svcLogger))
		{
			authed.POST("/sessions", svc.handleCreateSession)
			authed.GET("/sessions/active", requireRole(constants.RoleCounselor), svc.handleListActive)
			authed.GET("/sessions/mine", svc.handleListMine)
			authed.GET("/sessions/:id", svc.handleGetSession)
			authed.GET("/sessions/:id/messages", svc.handleListMessages)
			authed.POST("/sessions/:id/messages",
				messageRateLimitMiddleware(svc.messageLimit, svcLogger), svc.handleStudentMessage)
			authed.POST("/sessions/:id/counselor-messages",
				requireRole(constants.RoleCounselor),
				messageRateLimitMiddleware(svc.messageLimit, svcLogger), svc.handleCounselorMessage)
			authed.POST("/sessions/:id/claim", requireRole(constants.RoleCounselor), svc.handleClaim)
			authed.DELETE("/sessions/:id", svc.handleCloseSession)
		}

		group.POST("/auth/refresh", publicRateLimitMiddleware(svc.publicLimit), svc.handleRefresh)

		group.GET("/healthz", publicRateLimitMiddleware(svc.publicLimit), handleHealthCheck)
		group.GET("/readyz", publicRateLimitMiddleware(svc.publicLimit), handleReadyCheck(mongoClient, svcLogger))

		metricsNets := parseNetworks(cfg.Server.MetricsNets, svcLogger)
		group.GET("/metrics",
			metricsNetworkMiddleware(metricsNets, svcLogger),
			publicRateLimitMiddleware(svc.publicLimit),
			gin.WrapH(promhttp.Handler()),
		)
	}

	svcLogger.Info().
		Str("websocket_endpoint", pathPrefix+"/ws").
		Str("sessions_endpoint", pathPrefix+"/sessions").
		Msg("Counseling chat service registered")

	return svc, nil
}

// AuthorizeJoin implements websocket.SessionAuthorizer. Students may join only
// their own sessions; counselors may join any room, which lets them observe a
// case before claiming it.
func (s *Service) AuthorizeJoin(userID string, roles []string, chatID string) error {
	ctx, cancel := util.NewTimeoutContext(context.Background(), constants.DefaultContextTimeout)
	defer cancel()

	sess, err := s.registry.Get(ctx, chatID)
	if err != nil {
		return chaterrors.ErrSessionNotFound(err)
	}
	if sess.StudentID == userID {
		return nil
	}
	if util.HasRole(roles, constants.RoleCounselor) {
		return nil
	}
	return chaterrors.ErrForbidden("")
}

// handleCreateSession opens a new anonymous session for the caller.
func (s *Service) handleCreateSession(c *gin.Context) {
	claims := mustClaims(c)
	if claims == nil {
		return
	}

	var req struct {
		Category string `json:"category" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		httperrors.RespondBadRequest(c, "category is required")
		return
	}

	category, err := session.ParseCategory(req.Category)
	if err != nil {
		httperrors.RespondBadRequest(c, fmt.Sprintf("unknown category: %s", req.Category))
		return
	}

	sess, err := s.registry.Create(c.Request.Context(), claims.UserID, category)
	if err != nil {
		util.LogError(s.logger, "http", "create session", err)
		httperrors.RespondInternalError(c)
		return
	}

	// Counselor alert is best-effort and must not delay the response.
	util.SafeGo(s.logger, "notifySessionCreated", func() {
		if err := s.notifier.NotifySessionCreated(sess); err != nil {
			util.LogError(s.logger, "notification", "session created alert", err)
		}
	})

	c.JSON(http.StatusCreated, toSessionResponse(sess))
}

// handleListActive returns the counselor work queue: the caller's own open
// cases first, then unassigned ones, then the rest by recency.
func (s *Service) handleListActive(c *gin.Context) {
	claims := mustClaims(c)
	if claims == nil {
		return
	}

	sessions := s.registry.ListActive(claims.UserID)
	out := make([]*SessionResponse, 0, len(sessions))
	for _, sess := range sessions {
		out = append(out, toSessionResponse(sess))
	}
	c.JSON(http.StatusOK, out)
}

// handleListMine returns the caller's own sessions, closed ones included.
func (s *Service) handleListMine(c *gin.Context) {
	claims := mustClaims(c)
	if claims == nil {
		return
	}

	sessions := s.registry.ListMine(claims.UserID)
	out := make([]*SessionResponse, 0, len(sessions))
	for _, sess := range sessions {
		out = append(out, toSessionResponse(sess))
	}
	c.JSON(http.StatusOK, out)
}

// handleGetSession returns one session the caller is allowed to see.
func (s *Service) handleGetSession(c *gin.Context) {
	claims := mustClaims(c)
	if claims == nil {
		return
	}

	sess, ok := s.authorizedSession(c, claims)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, toSessionResponse(sess))
}

// handleListMessages returns a session's full history in order. Messages whose
// stored content could not be decrypted arrive flagged with empty content.
func (s *Service) handleListMessages(c *gin.Context) {
	claims := mustClaims(c)
	if claims == nil {
		return
	}

	sess, ok := s.authorizedSession(c, claims)
	if !ok {
		return
	}

	msgs, err := s.store.ListMessages(c.Request.Context(), sess.ID)
	if err != nil {
		if errors.Is(err, session.ErrSessionNotFound) {
			httperrors.RespondNotFound(c, httperrors.MsgSessionNotFound)
			return
		}
		util.LogError(s.logger, "http", "list messages", err)
		httperrors.RespondInternalError(c)
		return
	}

	c.JSON(http.StatusOK, msgs)
}

// handleStudentMessage appends a message from the anonymous student side.
func (s *Service) handleStudentMessage(c *gin.Context) {
	claims := mustClaims(c)
	if claims == nil {
		return
	}

	sess, ok := s.authorizedSession(c, claims)
	if !ok {
		return
	}
	if sess.StudentID != claims.UserID {
		httperrors.RespondForbidden(c)
		return
	}

	s.appendAndBroadcast(c, sess.ID, session.SenderAnonymous)
}

// handleCounselorMessage appends a message from the assigned counselor.
func (s *Service) handleCounselorMessage(c *gin.Context) {
	claims := mustClaims(c)
	if claims == nil {
		return
	}

	sess, ok := s.authorizedSession(c, claims)
	if !ok {
		return
	}
	if sess.CounselorID != claims.UserID {
		httperrors.RespondForbidden(c)
		return
	}

	s.appendAndBroadcast(c, sess.ID, session.SenderCounselor)
}

// appendAndBroadcast validates, persists, then broadcasts one message.
// Persist strictly precedes broadcast: no event leaves this process for a
// message the database has not accepted, so readers of the event can always
// fetch it back from history.
func (s *Service) appendAndBroadcast(c *gin.Context, sessionID string, sender session.Sender) {
	var req struct {
		Content string `json:"content"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		httperrors.RespondBadRequest(c, "content is required")
		return
	}

	content := message.SanitizeContent(req.Content)
	if err := message.ValidateContent(content); err != nil {
		httperrors.RespondBadRequest(c, err.Error())
		return
	}

	msg := &message.Message{
		ChatID:  sessionID,
		Sender:  sender,
		Content: content,
	}

	stored, err := s.store.AppendMessage(c.Request.Context(), sessionID, msg)
	if err != nil {
		switch {
		case errors.Is(err, session.ErrSessionClosed):
			httperrors.RespondSessionClosed(c)
		case errors.Is(err, session.ErrSessionNotFound):
			httperrors.RespondNotFound(c, httperrors.MsgSessionNotFound)
		default:
			util.LogError(s.logger, "http", "append message", err)
			httperrors.RespondInternalError(c)
		}
		return
	}

	s.registry.Touch(sessionID, stored.Timestamp)
	s.rooms.Publish(c.Request.Context(), message.NewMessageEvent(stored))

	c.JSON(http.StatusCreated, stored)
}

// handleClaim atomically assigns the session to the calling counselor.
// Exactly one of any set of concurrent claims succeeds; the rest get 409.
func (s *Service) handleClaim(c *gin.Context) {
	claims := mustClaims(c)
	if claims == nil {
		return
	}
	sessionID := c.Param("id")

	sess, err := s.registry.Claim(c.Request.Context(), sessionID, claims.UserID)
	if err != nil {
		switch {
		case errors.Is(err, session.ErrAlreadyAssigned):
			s.logger.Info().
				Str("session_id", sessionID).
				Str("counselor_id", claims.UserID).
				Msg("Claim lost the race")
			httperrors.RespondAlreadyAssigned(c)
		case errors.Is(err, session.ErrSessionClosed):
			httperrors.RespondSessionClosed(c)
		case errors.Is(err, session.ErrSessionNotFound):
			httperrors.RespondNotFound(c, httperrors.MsgSessionNotFound)
		default:
			util.LogError(s.logger, "http", "claim session", err)
			httperrors.RespondInternalError(c)
		}
		return
	}

	s.rooms.Publish(c.Request.Context(),
		message.SessionUpdatedEvent(sess.ID, sess.Status, sess.CounselorID))

	c.JSON(http.StatusOK, toSessionResponse(sess))
}

// handleCloseSession ends a session. Either side may close; closed sessions
// stay readable but accept no further writes.
func (s *Service) handleCloseSession(c *gin.Context) {
	claims := mustClaims(c)
	if claims == nil {
		return
	}

	sess, ok := s.authorizedSession(c, claims)
	if !ok {
		return
	}
	if sess.StudentID != claims.UserID && sess.CounselorID != claims.UserID {
		httperrors.RespondForbidden(c)
		return
	}

	closed, err := s.registry.Close(c.Request.Context(), sess.ID)
	if err != nil {
		switch {
		case errors.Is(err, session.ErrSessionClosed):
			httperrors.RespondSessionClosed(c)
		case errors.Is(err, session.ErrSessionNotFound):
			httperrors.RespondNotFound(c, httperrors.MsgSessionNotFound)
		default:
			util.LogError(s.logger, "http", "close session", err)
			httperrors.RespondInternalError(c)
		}
		return
	}

	s.rooms.Publish(c.Request.Context(),
		message.SessionUpdatedEvent(closed.ID, closed.Status, ""))

	c.JSON(http.StatusOK, toSessionResponse(closed))
}

// handleRefresh exchanges a token expired within the grace window for a fresh
// one. Anything older requires a full re-login.
func (s *Service) handleRefresh(c *gin.Context) {
	var req struct {
		Token string `json:"token" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		httperrors.RespondBadRequest(c, "token is required")
		return
	}

	fresh, err := s.issuer.Refresh(req.Token)
	if err != nil {
		s.logger.Warn().Err(err).Msg("Token refresh rejected")
		httperrors.RespondInvalidToken(c)
		return
	}

	c.JSON(http.StatusOK, gin.H{"token": fresh})
}

// authorizedSession loads the session from the path parameter and enforces
// read access: the owning student, or any counselor. Responds on failure.
func (s *Service) authorizedSession(c *gin.Context, claims *auth.Claims) (*session.ChatSession, bool) {
	sessionID := c.Param("id")
	if sessionID == "" {
		httperrors.RespondBadRequest(c, constants.ErrMsgSessionIDRequired)
		return nil, false
	}

	sess, err := s.registry.Get(c.Request.Context(), sessionID)
	if err != nil {
		httperrors.RespondNotFound(c, httperrors.MsgSessionNotFound)
		return nil, false
	}

	if sess.StudentID != claims.UserID && !util.HasRole(claims.Roles, constants.RoleCounselor) {
		httperrors.RespondForbidden(c)
		return nil, false
	}

	return sess, true
}

// Shutdown gracefully stops the service: background limiters, the fanout
// bridge, then every live WebSocket connection within the context deadline.
func (s *Service) Shutdown(ctx context.Context) error {
	var err error
	s.shutdownOnce.Do(func() {
		s.logger.Info().Msg("Starting graceful shutdown")

		s.messageLimit.StopCleanup()
		s.publicLimit.StopCleanup()
		s.rooms.Stop()

		if s.wsHandler != nil {
			err = s.wsHandler.ShutdownWithContext(ctx)
		}

		if s.redisClient != nil {
			if cerr := s.redisClient.Close(); cerr != nil {
				s.logger.Warn().Err(cerr).Msg("Failed to close Redis client")
			}
		}

		s.logger.Info().Msg("Shutdown complete")
	})
	return err
}

// mustClaims pulls validated claims out of the request context.
func mustClaims(c *gin.Context) *auth.Claims {
	value, exists := c.Get("claims")
	if !exists {
		httperrors.RespondUnauthorized(c, "")
		c.Abort()
		return nil
	}
	claims, ok := value.(*auth.Claims)
	if !ok {
		httperrors.RespondInternalError(c)
		c.Abort()
		return nil
	}
	return claims
}

// authMiddleware validates the bearer token and stores claims in the context.
func authMiddleware(validator *auth.JWTValidator, logger zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		token, err := util.ExtractBearerToken(c.GetHeader(constants.HeaderAuthorization))
		if err != nil {
			httperrors.RespondUnauthorized(c, constants.ErrMsgInvalidAuthHeader)
			c.Abort()
			return
		}

		claims, err := validator.ValidateToken(token)
		if err != nil {
			logger.Warn().Err(err).Msg("Token validation failed")
			httperrors.RespondInvalidToken(c)
			c.Abort()
			return
		}

		c.Set("claims", claims)
		c.Next()
	}
}

// requireRole rejects callers missing the given role. Runs after
// authMiddleware.
func requireRole(role string) gin.HandlerFunc {
	return func(c *gin.Context) {
		claims := mustClaims(c)
		if claims == nil {
			return
		}
		if !util.HasRole(claims.Roles, role) {
			httperrors.RespondForbidden(c)
			c.Abort()
			return
		}
		c.Next()
	}
}

// messageRateLimitMiddleware enforces the per-user message rate and reports
// Retry-After so well-behaved clients can pace themselves.
func messageRateLimitMiddleware(limiter *ratelimit.MessageLimiter, logger zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		claims := mustClaims(c)
		if claims == nil {
			return
		}

		if !limiter.Allow(claims.UserID) {
			retryAfterMs := limiter.GetRetryAfter(claims.UserID)
			retryAfterSeconds := (retryAfterMs + constants.MillisecondsPerSecond - 1) / constants.MillisecondsPerSecond
			if retryAfterSeconds < constants.MinRetryAfterSeconds {
				retryAfterSeconds = constants.MinRetryAfterSeconds
			}
			c.Header(constants.HeaderRetryAfter, fmt.Sprintf("%d", retryAfterSeconds))

			logger.Warn().
				Str("user_id", claims.UserID).
				Int("retry_after_ms", retryAfterMs).
				Msg("Message rate limit exceeded")

			c.JSON(http.StatusTooManyRequests, httperrors.ErrorResponse{
				Error: constants.ErrMsgRateLimitExceeded,
				Code:  string(chaterrors.ErrCodeTooManyRequests),
			})
			c.Abort()
			return
		}

		c.Next()
	}
}

// publicRateLimitMiddleware limits unauthenticated endpoints by client IP.
func publicRateLimitMiddleware(limiter *ratelimit.MessageLimiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		clientIP := c.ClientIP()
		if !limiter.Allow(clientIP) {
			retryAfterMs := limiter.GetRetryAfter(clientIP)
			retryAfterSeconds := (retryAfterMs + constants.MillisecondsPerSecond - 1) / constants.MillisecondsPerSecond
			if retryAfterSeconds < constants.MinRetryAfterSeconds {
				retryAfterSeconds = constants.MinRetryAfterSeconds
			}
			c.Header(constants.HeaderRetryAfter, fmt.Sprintf("%d", retryAfterSeconds))
			c.JSON(http.StatusTooManyRequests, httperrors.ErrorResponse{
				Error: constants.ErrMsgRateLimitExceeded,
				Code:  string(chaterrors.ErrCodeTooManyRequests),
			})
			c.Abort()
			return
		}
		c.Next()
	}
}

// securityHeadersMiddleware adds standard HTTP security headers.
func securityHeadersMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("X-Frame-Options", "DENY")
		c.Header("Referrer-Policy", "strict-origin-when-cross-origin")
		c.Header("X-XSS-Protection", "1; mode=block")
		c.Next()
	}
}

// metricsMiddleware records HTTP request duration.
func metricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		metrics.HTTPRequestDuration.With(prometheus.Labels{
			"endpoint": c.FullPath(),
			"method":   c.Request.Method,
		}).Observe(time.Since(start).Seconds())
	}
}

// handleHealthCheck is the liveness probe.
func handleHealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "healthy",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// handleReadyCheck is the readiness probe: the service is ready when MongoDB
// answers a ping within the health check timeout.
func handleReadyCheck(mongoClient *mongo.Client, logger zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		checks := make(map[string]interface{})
		allReady := true

		if mongoClient == nil {
			checks["mongodb"] = gin.H{"status": "not ready", "reason": "MongoDB not initialized"}
			allReady = false
		} else {
			ctx, cancel := util.NewTimeoutContext(c.Request.Context(), constants.HealthCheckTimeout)
			defer cancel()

			if err := mongoClient.Ping(ctx, readpref.Primary()); err != nil {
				logger.Warn().Err(err).Msg("MongoDB health check failed")
				checks["mongodb"] = gin.H{"status": "not ready", "reason": "Database connectivity check failed"}
				allReady = false
			} else {
				checks["mongodb"] = gin.H{"status": "ready"}
			}
		}

		status := "ready"
		statusCode := http.StatusOK
		if !allReady {
			status = "not ready"
			statusCode = http.StatusServiceUnavailable
		}

		c.JSON(statusCode, gin.H{
			"status":    status,
			"timestamp": time.Now().UTC().Format(time.RFC3339),
			"checks":    checks,
		})
	}
}

// parseNetworks parses a comma-joined CIDR list, skipping invalid entries.
func parseNetworks(cidrs []string, logger zerolog.Logger) []*net.IPNet {
	var nets []*net.IPNet
	for _, cidr := range cidrs {
		cidr = strings.TrimSpace(cidr)
		if cidr == "" {
			continue
		}
		_, ipNet, err := net.ParseCIDR(cidr)
		if err != nil {
			logger.Warn().Str("cidr", cidr).Err(err).Msg("Invalid CIDR in metrics allowlist")
			continue
		}
		nets = append(nets, ipNet)
	}
	return nets
}

// metricsNetworkMiddleware restricts the metrics endpoint to configured
// networks. With none configured, all clients are allowed (development mode).
func metricsNetworkMiddleware(allowedNets []*net.IPNet, logger zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		if len(allowedNets) == 0 {
			c.Next()
			return
		}

		clientIP := net.ParseIP(c.ClientIP())
		if clientIP == nil {
			logger.Warn().Str("ip", c.ClientIP()).Msg("Could not parse client IP for metrics access")
			httperrors.RespondForbidden(c)
			c.Abort()
			return
		}

		for _, ipNet := range allowedNets {
			if ipNet.Contains(clientIP) {
				c.Next()
				return
			}
		}

		logger.Warn().Str("client_ip", c.ClientIP()).Msg("Metrics access denied from unauthorized network")
		httperrors.RespondForbidden(c)
		c.Abort()
	}
}
