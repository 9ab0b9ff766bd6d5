// Package constants provides centralized constant definitions for the counselchat application.
// This eliminates magic numbers and strings throughout the codebase.
package constants

import "time"

// Timeouts for various operations
const (
	DefaultContextTimeout = 10 * time.Second // Standard database operations
	LongContextTimeout    = 30 * time.Second // Complex queries and index creation
	ShortTimeout          = 2 * time.Second  // Quick operations like health checks
	MessageAddTimeout     = 5 * time.Second  // Appending messages to sessions
	SessionCloseTimeout   = 5 * time.Second  // Closing sessions
	ClaimTimeout          = 5 * time.Second  // Counselor claim operations
	HealthCheckTimeout    = 2 * time.Second  // Health check operations
)

// Sizes and Limits
const (
	DefaultMaxMessageSize  = 1048576 // 1MB in bytes for WebSocket messages
	MaxMessageContentChars = 4000    // Maximum characters in a chat message
	EncryptionKeyLength    = 32      // AES-256 requires exactly 32 bytes
	DefaultSessionLimit    = 100     // Default number of sessions to return
	MaxSessionLimit        = 1000    // Maximum sessions per query (performance cap)
	DefaultRateLimit       = 60      // Default messages per minute per user
	MaxRetryAttempts       = 3       // Maximum retry attempts for transient errors
	DefaultMaxConnPerUser  = 5       // Maximum concurrent WebSocket connections per user
)

// HTTP Server Timeouts (for standalone server mode)
const (
	HTTPReadTimeout  = 15 * time.Second  // Maximum time to read the entire request
	HTTPWriteTimeout = 30 * time.Second  // Maximum time to write the response
	HTTPIdleTimeout  = 120 * time.Second // Maximum time to keep idle connections alive
	ShutdownTimeout  = 30 * time.Second  // Graceful shutdown deadline
)

// Durations for background operations
const (
	DefaultRateWindow      = 1 * time.Minute // Rate limiting window
	DefaultCleanupInterval = 5 * time.Minute // Cleanup goroutine interval
	InitialRetryDelay      = 100 * time.Millisecond
	MaxRetryDelay          = 2 * time.Second
	RetryMultiplier        = 2.0
)

// Client-side resilience tuning
const (
	ClientRetryBaseDelay   = 250 * time.Millisecond
	ClientRetryMaxAttempts = 4
	ClientRequestTimeout   = 15 * time.Second
)

// Auth token settings
const (
	DefaultTokenTTL     = 1 * time.Hour    // Lifetime of refreshed tokens
	DefaultRefreshGrace = 15 * time.Minute // How long after expiry a token may still be refreshed
)

// Role Names for authorization
const (
	RoleStudent   = "student"
	RoleCounselor = "counselor"
)

// Default Configuration Values
const (
	DefaultMongoURI   = "mongodb://localhost:27017"
	DefaultDatabase   = "counselchat"
	DefaultCollection = "sessions"
	DefaultPort       = 8080
	DefaultLogLevel   = "info"
	DefaultPathPrefix = "/counselchat" // Default HTTP path prefix for all routes
)

// HTTP Headers
const (
	HeaderAuthorization = "Authorization"
	HeaderRetryAfter    = "Retry-After"
	BearerPrefix        = "Bearer "
	BearerPrefixLength  = 7
)

// Error Messages
const (
	ErrMsgInvalidAuthHeader = "Invalid or missing Authorization header"
	ErrMsgInvalidToken      = "Invalid or expired token"
	ErrMsgForbidden         = "Insufficient permissions"
	ErrMsgInternalError     = "Internal server error"
	ErrMsgRateLimitExceeded = "Too many requests. Please try again later."
	ErrMsgSessionIDRequired = "Session ID is required"
)

// MongoDB Field Names (BSON tags)
const (
	MongoFieldID           = "_id"
	MongoFieldCategory     = "cat"
	MongoFieldStatus       = "status"
	MongoFieldCounselorID  = "counselorId"
	MongoFieldStudentID    = "studentId"
	MongoFieldCreatedAt    = "ts"
	MongoFieldLastActivity = "lastActivity"
	MongoFieldClosedAt     = "closedTs"
	MongoFieldMessages     = "msgs"
)

// MongoDB Index Names
const (
	IndexStatus             = "idx_status"
	IndexCounselorID        = "idx_counselor_id"
	IndexStudentID          = "idx_student_id"
	IndexStatusLastActivity = "idx_status_last_activity"
)

// Redis channel prefix for cross-instance hub fanout
const (
	RedisChannelPrefix = "counselchat:room:"
)

// Notification event types
const (
	EventSessionCreated = "session_created"
)

// Weak Secrets for validation (security check)
var WeakSecrets = []string{
	"secret", "test", "test123", "password", "admin",
	"changeme", "default", "example", "demo", "12345",
	"placeholder",
}

// Minimum Security Requirements
const (
	MinJWTSecretLength = 32 // Minimum length for JWT secret (256 bits)
)

// Retry After Calculation
const (
	MillisecondsPerSecond = 1000
	MinRetryAfterSeconds  = 1 // Minimum retry-after value in seconds
)

// Network configuration defaults
const (
	DefaultTrustedProxies         = "10.0.0.0/8,172.16.0.0/12,192.168.0.0/16"
	DefaultMetricsAllowedNetworks = "10.0.0.0/8,172.16.0.0/12,192.168.0.0/16,127.0.0.0/8"
)
