// Package websocket handles the realtime channel: JWT-authenticated upgrade,
// connection lifecycle, and routing of join/leave frames into the hub.
// Clients never send chat messages over this channel; messages go through the
// HTTP API and arrive here only as server broadcasts after persistence.
package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog"

	"github.com/campuswell/counselchat/internal/auth"
	chaterrors "github.com/campuswell/counselchat/internal/errors"
	"github.com/campuswell/counselchat/internal/hub"
	"github.com/campuswell/counselchat/internal/message"
	"github.com/campuswell/counselchat/internal/metrics"
	"github.com/campuswell/counselchat/internal/ratelimit"
	"github.com/campuswell/counselchat/internal/util"
)

var (
	// upgrader configures the WebSocket upgrade.
	// SECURITY: deploy behind a TLS-terminating reverse proxy so clients
	// connect over WSS. CheckOrigin is set per-handler.
	upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
	}

	// pongWait is the time allowed to read the next pong from the peer
	pongWait = 60 * time.Second

	// pingPeriod is the interval for sending pings (must be less than pongWait)
	pingPeriod = (pongWait * 9) / 10

	// writeWait is the time allowed to write a message to the peer
	writeWait = 10 * time.Second
)

// SessionAuthorizer decides whether a user may join a session's room.
// Implemented by the application layer, which knows session ownership.
type SessionAuthorizer interface {
	AuthorizeJoin(userID string, roles []string, chatID string) error
}

// Connection is one active WebSocket connection with its user context.
// It implements hub.Subscriber.
type Connection struct {
	conn *websocket.Conn

	// ConnectionID uniquely identifies this connection across the process
	ConnectionID string

	// UserID is the authenticated user's ID from JWT
	UserID string

	// Name is the user's display name from JWT
	Name string

	// Roles are the user's roles from JWT
	Roles []string

	// send is a buffered channel for outbound frames
	send chan []byte

	// closing is set before the send channel closes so SafeSend never
	// panics on a closed channel.
	closing atomic.Bool

	mu sync.RWMutex
}

// NewConnection creates a detached Connection. Test helper.
func NewConnection(userID string, roles []string) *Connection {
	id, _ := gonanoid.New()
	return &Connection{
		ConnectionID: id,
		UserID:       userID,
		Name:         userID,
		Roles:        roles,
		send:         make(chan []byte, 256),
	}
}

// ID returns the connection's unique identifier.
func (c *Connection) ID() string {
	return c.ConnectionID
}

// Deliver enqueues a frame for the write pump. Returns false when the
// connection is closing or its buffer is full.
func (c *Connection) Deliver(data []byte) bool {
	return c.SafeSend(data)
}

// SafeSend attempts a non-blocking send on the outbound channel.
func (c *Connection) SafeSend(data []byte) bool {
	if c.closing.Load() {
		return false
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

// SetClosing marks the connection as closing. SafeSend returns false after.
func (c *Connection) SetClosing() {
	c.closing.Store(true)
}

// Close closes the underlying WebSocket connection.
func (c *Connection) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}

// ReceiveForTest exposes the outbound channel so tests can observe frames.
func (c *Connection) ReceiveForTest() <-chan []byte {
	return c.send
}

// Handler upgrades HTTP requests and manages active connections.
type Handler struct {
	validator      *auth.JWTValidator
	rooms          *hub.Hub
	authorizer     SessionAuthorizer
	logger         zerolog.Logger
	connLimiter    *ratelimit.ConnectionLimiter
	allowedOrigins map[string]bool
	maxMessageSize int64

	// connections tracks active connections by user ID and connection ID
	connections map[string]map[string]*Connection
	mu          sync.RWMutex
}

// NewHandler creates a WebSocket handler.
func NewHandler(validator *auth.JWTValidator, rooms *hub.Hub, authorizer SessionAuthorizer, logger zerolog.Logger, maxMessageSize int64, maxConnPerUser int) *Handler {
	return &Handler{
		validator:      validator,
		rooms:          rooms,
		authorizer:     authorizer,
		logger:         logger.With().Str("component", "websocket").Logger(),
		connLimiter:    ratelimit.NewConnectionLimiter(maxConnPerUser),
		allowedOrigins: make(map[string]bool),
		maxMessageSize: maxMessageSize,
		connections:    make(map[string]map[string]*Connection),
	}
}

// SetAllowedOrigins configures the origins accepted during upgrade.
// With no origins configured all origins are allowed (development mode).
func (h *Handler) SetAllowedOrigins(origins []string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.allowedOrigins = make(map[string]bool)
	for _, origin := range origins {
		h.allowedOrigins[origin] = true
	}

	h.logger.Info().Strs("origins", origins).Msg("Configured allowed origins")
}

// IsOpenOrigin reports whether all origins are currently accepted.
func (h *Handler) IsOpenOrigin() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.allowedOrigins) == 0
}

// checkOrigin validates the Origin header of an upgrade request.
func (h *Handler) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")

	h.mu.RLock()
	defer h.mu.RUnlock()

	if len(h.allowedOrigins) == 0 {
		return true
	}
	if h.allowedOrigins[origin] {
		return true
	}

	h.logger.Warn().Str("origin", origin).Msg("Origin not allowed")
	return false
}

// HandleWebSocket authenticates and upgrades an HTTP request, then starts the
// connection's read and write pumps.
func (h *Handler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	// Prefer the Authorization header; the query parameter exists for
	// browser clients that cannot set headers on WebSocket requests.
	var token string
	if header := r.Header.Get("Authorization"); len(header) > 7 && header[:7] == "Bearer " {
		token = header[7:]
	}
	if token == "" {
		token = r.URL.Query().Get("token")
	}

	if token == "" {
		http.Error(w, "Missing authentication token", http.StatusUnauthorized)
		return
	}

	claims, err := h.validator.ValidateToken(token)
	if err != nil {
		h.logger.Warn().Err(err).Msg("JWT validation failed")
		http.Error(w, "Authentication failed", http.StatusUnauthorized)
		return
	}

	if !h.connLimiter.Allow(claims.UserID) {
		h.logger.Warn().Str("user_id", claims.UserID).Msg("Connection limit exceeded")
		chatErr := chaterrors.ErrConnectionLimitExceeded(5000)
		http.Error(w, chatErr.Message, http.StatusTooManyRequests)
		return
	}

	localUpgrader := upgrader
	localUpgrader.CheckOrigin = h.checkOrigin

	conn, err := localUpgrader.Upgrade(w, r, nil)
	if err != nil {
		h.connLimiter.Release(claims.UserID)
		util.LogError(h.logger, "websocket", "upgrade connection", err)
		return
	}

	conn.SetReadLimit(h.maxMessageSize)

	connection := h.createConnection(conn, claims)
	h.registerConnection(connection)

	h.logger.Info().
		Str("user_id", claims.UserID).
		Str("connection_id", connection.ConnectionID).
		Msg("WebSocket connection established")

	util.SafeGo(h.logger, "readPump", func() { connection.readPump(h) })
	util.SafeGo(h.logger, "writePump", func() { connection.writePump() })
}

// createConnection builds a Connection from validated JWT claims.
func (h *Handler) createConnection(conn *websocket.Conn, claims *auth.Claims) *Connection {
	id, err := gonanoid.New()
	if err != nil {
		// Collision-resistant enough for the rare fallback case.
		id = fmt.Sprintf("%s-%d", claims.UserID, time.Now().UnixNano())
	}

	return &Connection{
		conn:         conn,
		ConnectionID: id,
		UserID:       claims.UserID,
		Name:         claims.Name,
		Roles:        claims.Roles,
		send:         make(chan []byte, 256),
	}
}

// registerConnection adds a connection to the active connections map.
func (h *Handler) registerConnection(conn *Connection) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.connections[conn.UserID] == nil {
		h.connections[conn.UserID] = make(map[string]*Connection)
	}
	h.connections[conn.UserID][conn.ConnectionID] = conn

	metrics.WebSocketConnections.Inc()
}

// RegisterConnectionForTest registers a connection directly. Test helper.
func (h *Handler) RegisterConnectionForTest(conn *Connection) {
	h.registerConnection(conn)
}

// unregisterConnection removes a connection and releases its resources.
func (h *Handler) unregisterConnection(conn *Connection) {
	h.mu.Lock()
	defer h.mu.Unlock()

	userConns, ok := h.connections[conn.UserID]
	if !ok {
		return
	}
	if _, exists := userConns[conn.ConnectionID]; !exists {
		return
	}

	delete(userConns, conn.ConnectionID)
	conn.closing.Store(true)
	close(conn.send)

	h.connLimiter.Release(conn.UserID)
	metrics.WebSocketConnections.Dec()

	if len(userConns) == 0 {
		delete(h.connections, conn.UserID)
	}

	h.logger.Info().
		Str("user_id", conn.UserID).
		Str("connection_id", conn.ConnectionID).
		Msg("Connection unregistered")
}

// sendError delivers a structured error frame to the client. Non-blocking.
func (c *Connection) sendError(chatID string, info *message.ErrorInfo) {
	evt := message.ErrorEvent(chatID, info)
	if data, err := json.Marshal(evt); err == nil {
		c.SafeSend(data)
	}
}

// readPump consumes client frames until the connection drops. Only join and
// leave frames are valid input; anything else earns an error frame back.
func (c *Connection) readPump(h *Handler) {
	defer func() {
		h.rooms.LeaveAll(c)
		h.unregisterConnection(c)
		c.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if errors.Is(err, websocket.ErrReadLimit) {
				h.logger.Warn().
					Str("user_id", c.UserID).
					Str("connection_id", c.ConnectionID).
					Int64("limit", h.maxMessageSize).
					Msg("WebSocket frame size limit exceeded")
			} else if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				util.LogError(h.logger, "websocket", "handle unexpected close", err)
			}
			break
		}

		var evt message.Event
		if err := json.Unmarshal(raw, &evt); err != nil {
			metrics.MessageErrors.Inc()
			c.sendError("", &message.ErrorInfo{
				Code:        string(chaterrors.ErrCodeInvalidFormat),
				Message:     "Invalid frame format",
				Recoverable: true,
			})
			continue
		}

		if err := evt.Validate(); err != nil {
			metrics.MessageErrors.Inc()
			c.sendError(evt.ChatID, &message.ErrorInfo{
				Code:        string(chaterrors.ErrCodeInvalidFormat),
				Message:     err.Error(),
				Recoverable: true,
			})
			continue
		}

		metrics.MessagesReceived.Inc()
		h.handleFrame(c, &evt)
	}
}

// handleFrame applies a validated join or leave frame.
func (h *Handler) handleFrame(c *Connection, evt *message.Event) {
	switch evt.Type {
	case message.TypeJoin:
		if h.authorizer != nil {
			if err := h.authorizer.AuthorizeJoin(c.UserID, c.Roles, evt.ChatID); err != nil {
				h.logger.Warn().
					Str("user_id", c.UserID).
					Str("chat_id", evt.ChatID).
					Err(err).
					Msg("Join rejected")

				var chatErr *chaterrors.ChatError
				if errors.As(err, &chatErr) {
					c.sendError(evt.ChatID, chatErr.ToErrorInfo())
				} else {
					c.sendError(evt.ChatID, &message.ErrorInfo{
						Code:        string(chaterrors.ErrCodeServiceError),
						Message:     "Failed to join session",
						Recoverable: true,
					})
				}
				return
			}
		}

		h.rooms.Join(evt.ChatID, c)
		h.logger.Debug().
			Str("user_id", c.UserID).
			Str("chat_id", evt.ChatID).
			Msg("Joined room")

	case message.TypeLeave:
		h.rooms.Leave(evt.ChatID, c)
		h.logger.Debug().
			Str("user_id", c.UserID).
			Str("chat_id", evt.ChatID).
			Msg("Left room")
	}
}

// writePump moves frames from the send channel to the wire and keeps the
// connection alive with periodic pings.
func (c *Connection) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Close()
	}()

	for {
		select {
		case frame, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			// One frame per WebSocket message so clients can parse each
			// payload as standalone JSON.
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}

			metrics.MessagesSent.Inc()

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// ShutdownWithContext closes all active connections, respecting the context
// deadline. Connections still open at the deadline are abandoned.
func (h *Handler) ShutdownWithContext(ctx context.Context) error {
	h.logger.Info().Msg("Shutting down WebSocket handler, closing all connections")

	h.mu.Lock()
	connections := make([]*Connection, 0)
	for _, userConns := range h.connections {
		for _, conn := range userConns {
			connections = append(connections, conn)
		}
	}
	h.mu.Unlock()

	var wg sync.WaitGroup
	for _, conn := range connections {
		wg.Add(1)
		go func(c *Connection) {
			defer wg.Done()

			c.mu.Lock()
			if c.conn != nil {
				c.conn.SetWriteDeadline(time.Now().Add(writeWait))
				c.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "Server shutting down"))
			}
			c.mu.Unlock()

			c.Close()
		}(conn)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		h.logger.Info().Msg("All WebSocket connections closed gracefully")
		return nil
	case <-ctx.Done():
		h.logger.Warn().
			Int("remaining_connections", len(connections)).
			Msg("Shutdown deadline exceeded, forcing closure")
		return ctx.Err()
	}
}
