// Package config loads and validates application configuration. Values come
// from a config file (YAML) and environment variables, with env taking
// priority so Kubernetes secrets can override file values.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/campuswell/counselchat/internal/constants"
)

// Config holds all application configuration
type Config struct {
	Server       ServerConfig       `mapstructure:"server"`
	Database     DatabaseConfig     `mapstructure:"database"`
	Redis        RedisConfig        `mapstructure:"redis"`
	Notification NotificationConfig `mapstructure:"notification"`
	Log          LogConfig          `mapstructure:"log"`
}

// ServerConfig holds server-specific configuration
type ServerConfig struct {
	Port           int           `mapstructure:"port"`
	PathPrefix     string        `mapstructure:"path_prefix"`
	JWTSecret      string        `mapstructure:"jwt_secret"`
	TokenTTL       time.Duration `mapstructure:"token_ttl"`
	RefreshGrace   time.Duration `mapstructure:"refresh_grace"`
	RateLimit      int           `mapstructure:"rate_limit"`
	RateWindow     time.Duration `mapstructure:"rate_window"`
	MaxConnPerUser int           `mapstructure:"max_conn_per_user"`
	MaxMessageSize int64         `mapstructure:"max_message_size"`
	AllowedOrigins []string      `mapstructure:"allowed_origins"`
	TrustedProxies []string      `mapstructure:"trusted_proxies"`
	MetricsNets    []string      `mapstructure:"metrics_allowed_networks"`
}

// DatabaseConfig holds MongoDB configuration
type DatabaseConfig struct {
	URI            string        `mapstructure:"uri"`
	Database       string        `mapstructure:"database"`
	Collection     string        `mapstructure:"collection"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
	EncryptionKey  string        `mapstructure:"encryption_key"`
}

// RedisConfig holds the optional cross-instance fanout bridge configuration.
// An empty address disables the bridge; the hub then fans out in-process only.
type RedisConfig struct {
	Address  string `mapstructure:"address"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// NotificationConfig holds counselor email alert configuration
type NotificationConfig struct {
	Enabled         bool     `mapstructure:"enabled"`
	CounselorEmails []string `mapstructure:"counselor_emails"`
	EmailFrom       string   `mapstructure:"email_from"`
	SMTPHost        string   `mapstructure:"smtp_host"`
	SMTPPort        int      `mapstructure:"smtp_port"`
	SMTPUser        string   `mapstructure:"smtp_user"`
	SMTPPass        string   `mapstructure:"smtp_pass"`
}

// LogConfig holds logging configuration
type LogConfig struct {
	Level string `mapstructure:"level"`
}

// Load reads configuration from the given file path (optional) and the
// environment. Environment variables use the COUNSELCHAT_ prefix with
// underscores, e.g. COUNSELCHAT_SERVER_JWT_SECRET.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	if configPath != "" {
		v.SetConfigFile(configPath)
		v.SetConfigType("yaml")
	}

	v.SetDefault("server.port", constants.DefaultPort)
	v.SetDefault("server.path_prefix", constants.DefaultPathPrefix)
	v.SetDefault("server.token_ttl", constants.DefaultTokenTTL.String())
	v.SetDefault("server.refresh_grace", constants.DefaultRefreshGrace.String())
	v.SetDefault("server.rate_limit", constants.DefaultRateLimit)
	v.SetDefault("server.rate_window", constants.DefaultRateWindow.String())
	v.SetDefault("server.max_conn_per_user", constants.DefaultMaxConnPerUser)
	v.SetDefault("server.max_message_size", constants.DefaultMaxMessageSize)
	v.SetDefault("server.trusted_proxies", strings.Split(constants.DefaultTrustedProxies, ","))
	v.SetDefault("server.metrics_allowed_networks", strings.Split(constants.DefaultMetricsAllowedNetworks, ","))
	v.SetDefault("database.uri", constants.DefaultMongoURI)
	v.SetDefault("database.database", constants.DefaultDatabase)
	v.SetDefault("database.collection", constants.DefaultCollection)
	v.SetDefault("database.connect_timeout", constants.DefaultContextTimeout.String())
	v.SetDefault("notification.smtp_port", 587)
	v.SetDefault("log.level", constants.DefaultLogLevel)

	v.SetEnvPrefix("COUNSELCHAT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate checks configuration consistency before serving traffic.
// Misconfigurations are caught here, not at first use.
func (c *Config) Validate() error {
	if err := ValidateJWTSecret(c.Server.JWTSecret); err != nil {
		return fmt.Errorf("configuration validation failed: %w", err)
	}

	if c.Server.PathPrefix == "" {
		return errors.New("path prefix cannot be empty")
	}
	if !strings.HasPrefix(c.Server.PathPrefix, "/") {
		return fmt.Errorf("path prefix must start with '/' (got: %s)", c.Server.PathPrefix)
	}

	if key := c.Database.EncryptionKey; key != "" {
		if containsPlaceholder(key) {
			return errors.New("encryption key contains placeholder value, set a real key before deploying")
		}
		if len(key) != constants.EncryptionKeyLength {
			return fmt.Errorf("encryption key must be exactly %d bytes for AES-256 (got %d)",
				constants.EncryptionKeyLength, len(key))
		}
	}

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}

	return nil
}

// ValidateJWTSecret rejects missing, short, or well-known weak secrets.
func ValidateJWTSecret(secret string) error {
	if secret == "" {
		return errors.New("JWT secret is required")
	}
	if containsPlaceholder(secret) {
		return errors.New("JWT secret contains placeholder value, set a real secret before deploying")
	}
	if len(secret) < constants.MinJWTSecretLength {
		return fmt.Errorf("JWT secret must be at least %d characters (got %d)",
			constants.MinJWTSecretLength, len(secret))
	}
	lower := strings.ToLower(secret)
	for _, weak := range constants.WeakSecrets {
		if lower == weak {
			return fmt.Errorf("JWT secret is a well-known weak value: %s", weak)
		}
	}
	return nil
}

// containsPlaceholder detects obviously unconfigured template values.
func containsPlaceholder(value string) bool {
	lower := strings.ToLower(value)
	for _, marker := range []string{"placeholder", "changeme", "your-", "<", "example"} {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}
