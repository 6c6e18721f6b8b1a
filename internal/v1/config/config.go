package config

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/retroden/canvas64/backend/go/internal/v1/logging"

	"go.uber.org/zap"
)

// Config holds validated environment configuration
type Config struct {
	// Server
	Port           string
	Environment    string
	AllowedOrigins string

	// Session lifecycle
	MaxSessions    int
	MaxChatLen     int
	ChatRing       int
	MaxChatBacklog int
	HostGrace      time.Duration
	IdleEvict      time.Duration
	ClosedGrace    time.Duration

	// Transport
	SocketHeartbeat time.Duration
	PingTimeout     time.Duration

	// REST
	RequestTimeout time.Duration

	// Input relay
	AnalogDeadzone float64

	// Upstream passthrough (empty disables the proxy routes)
	RetroAPIOrigin string

	// Bearer validation for the passthrough surface
	AuthDomain   string
	AuthAudience string
	SkipAuth     bool

	// Optional shared rate-limit store
	RedisAddr     string
	RedisPassword string

	// Rate limits (ulule/limiter formatted, e.g. "10-M")
	RateLimitEnabled bool
	RateLimitGlobal  string
	RateLimitCreate  string
	RateLimitJoin    string
	RateLimitWS      string
}

// Development reports whether the process runs with development defaults
// (colored logs, relaxed gin mode, mock token validation allowed).
func (c *Config) Development() bool {
	return c.Environment == "development"
}

// ValidateEnv validates all recognized environment variables and returns a
// Config object. Returns an error listing every invalid variable at once so
// a misconfigured deploy fails with the full picture, not one var at a time.
func ValidateEnv() (*Config, error) {
	cfg := &Config{}
	var errors []string

	// PORT (valid port number)
	cfg.Port = getEnvOrDefault("PORT", "8080")
	if port, err := strconv.Atoi(cfg.Port); err != nil || port < 1 || port > 65535 {
		errors = append(errors, fmt.Sprintf("PORT must be a valid port number between 1 and 65535 (got '%s')", cfg.Port))
	}

	// ENVIRONMENT (development|production)
	cfg.Environment = getEnvOrDefault("ENVIRONMENT", "development")
	if cfg.Environment != "development" && cfg.Environment != "production" {
		errors = append(errors, fmt.Sprintf("ENVIRONMENT must be 'development' or 'production' (got '%s')", cfg.Environment))
	}

	// ALLOWED_ORIGINS (CSV of absolute http(s) URLs)
	cfg.AllowedOrigins = getEnvOrDefault("ALLOWED_ORIGINS", "http://localhost:3000")
	for _, origin := range strings.Split(cfg.AllowedOrigins, ",") {
		if !isValidOrigin(strings.TrimSpace(origin)) {
			errors = append(errors, fmt.Sprintf("ALLOWED_ORIGINS entry must be an absolute http(s) URL (got '%s')", origin))
		}
	}

	// Session lifecycle knobs
	cfg.MaxSessions = getEnvInt("MAX_SESSIONS", 512, &errors)
	cfg.MaxChatLen = getEnvInt("MAX_CHAT_LEN", 280, &errors)
	cfg.ChatRing = getEnvInt("CHAT_RING", 60, &errors)
	cfg.MaxChatBacklog = getEnvInt("MAX_CHAT_BACKLOG", 64, &errors)
	cfg.HostGrace = getEnvDurationMS("HOST_GRACE_MS", 30_000, &errors)
	cfg.IdleEvict = getEnvDurationMS("IDLE_EVICT_MS", 900_000, &errors)
	cfg.ClosedGrace = getEnvDurationMS("CLOSED_GRACE_MS", 60_000, &errors)

	// Transport knobs
	cfg.SocketHeartbeat = getEnvDurationMS("SOCKET_HEARTBEAT_INTERVAL_MS", 10_000, &errors)
	cfg.PingTimeout = getEnvDurationMS("PING_TIMEOUT_MS", 25_000, &errors)

	// REST deadline
	cfg.RequestTimeout = getEnvDurationMS("REQUEST_TIMEOUT_MS", 12_000, &errors)

	// Analog deadzone in [0, 1)
	cfg.AnalogDeadzone = getEnvFloat("REMOTE_ANALOG_DEADZONE", 0.03, &errors)
	if cfg.AnalogDeadzone < 0 || cfg.AnalogDeadzone >= 1 {
		errors = append(errors, fmt.Sprintf("REMOTE_ANALOG_DEADZONE must be in [0, 1) (got %v)", cfg.AnalogDeadzone))
	}

	// Optional: RETRO_API_ORIGIN enables the saves/auth passthrough
	cfg.RetroAPIOrigin = os.Getenv("RETRO_API_ORIGIN")
	if cfg.RetroAPIOrigin != "" && !isValidOrigin(cfg.RetroAPIOrigin) {
		errors = append(errors, fmt.Sprintf("RETRO_API_ORIGIN must be an absolute http(s) URL (got '%s')", cfg.RetroAPIOrigin))
	}

	// Bearer validation for the passthrough surface
	cfg.AuthDomain = os.Getenv("AUTH_DOMAIN")
	cfg.AuthAudience = os.Getenv("AUTH_AUDIENCE")
	cfg.SkipAuth = os.Getenv("SKIP_AUTH") == "true"
	if cfg.SkipAuth && cfg.Environment == "production" {
		errors = append(errors, "SKIP_AUTH=true is not allowed in production")
	}

	// Optional: REDIS_ADDR switches the rate limiter to a shared store
	cfg.RedisAddr = os.Getenv("REDIS_ADDR")
	if cfg.RedisAddr != "" && !isValidHostPort(cfg.RedisAddr) {
		errors = append(errors, fmt.Sprintf("REDIS_ADDR must be in format 'host:port' (got '%s')", cfg.RedisAddr))
	}
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")

	// Rate limits (format validated by the ratelimit package at startup)
	cfg.RateLimitEnabled = getEnvOrDefault("RATE_LIMIT_ENABLED", "true") == "true"
	cfg.RateLimitGlobal = getEnvOrDefault("RATE_LIMIT_GLOBAL", "120-M")
	cfg.RateLimitCreate = getEnvOrDefault("RATE_LIMIT_CREATE", "10-M")
	cfg.RateLimitJoin = getEnvOrDefault("RATE_LIMIT_JOIN", "30-M")
	cfg.RateLimitWS = getEnvOrDefault("RATE_LIMIT_WS", "60-M")

	// If there are validation errors, return them
	if len(errors) > 0 {
		return nil, fmt.Errorf("environment validation failed:\n  - %s", strings.Join(errors, "\n  - "))
	}

	// Log validated configuration (with secrets redacted)
	logValidatedConfig(cfg)

	return cfg, nil
}

// isValidHostPort checks if a string is in the format "host:port"
func isValidHostPort(addr string) bool {
	parts := strings.Split(addr, ":")
	if len(parts) != 2 {
		return false
	}

	// Validate port is a number
	port, err := strconv.Atoi(parts[1])
	if err != nil || port < 1 || port > 65535 {
		return false
	}

	// Validate host is not empty
	if parts[0] == "" {
		return false
	}

	return true
}

// isValidOrigin checks for an absolute http(s) URL with a host
func isValidOrigin(origin string) bool {
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

// logValidatedConfig logs the validated configuration with secrets redacted
func logValidatedConfig(cfg *Config) {
	ctx := context.Background()
	logging.Info(ctx, "Environment configuration validated successfully")
	logging.Info(ctx, "Configuration",
		zap.String("port", cfg.Port),
		zap.String("environment", cfg.Environment),
		zap.String("allowed_origins", cfg.AllowedOrigins),
		zap.Int("max_sessions", cfg.MaxSessions),
		zap.Int("chat_ring", cfg.ChatRing),
		zap.Duration("host_grace", cfg.HostGrace),
		zap.Duration("idle_evict", cfg.IdleEvict),
		zap.Duration("closed_grace", cfg.ClosedGrace),
		zap.Duration("socket_heartbeat", cfg.SocketHeartbeat),
		zap.Duration("ping_timeout", cfg.PingTimeout),
		zap.Duration("request_timeout", cfg.RequestTimeout),
		zap.Float64("analog_deadzone", cfg.AnalogDeadzone),
		zap.String("retro_api_origin", cfg.RetroAPIOrigin),
		zap.String("auth_domain", cfg.AuthDomain),
		zap.Bool("skip_auth", cfg.SkipAuth),
		zap.String("redis_addr", cfg.RedisAddr),
		zap.String("redis_password", redactSecret(cfg.RedisPassword)),
		zap.Bool("rate_limit_enabled", cfg.RateLimitEnabled),
		zap.String("rate_limit_global", cfg.RateLimitGlobal),
	)
}

// getEnvOrDefault returns the value of the environment variable or a default value if not set
func getEnvOrDefault(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

// getEnvInt parses a positive integer variable, collecting violations
func getEnvInt(key string, defaultValue int, errs *[]string) int {
	raw, exists := os.LookupEnv(key)
	if !exists {
		return defaultValue
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v <= 0 {
		*errs = append(*errs, fmt.Sprintf("%s must be a positive integer (got '%s')", key, raw))
		return defaultValue
	}
	return v
}

// getEnvDurationMS parses a millisecond count into a time.Duration
func getEnvDurationMS(key string, defaultMS int64, errs *[]string) time.Duration {
	raw, exists := os.LookupEnv(key)
	if !exists {
		return time.Duration(defaultMS) * time.Millisecond
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || v <= 0 {
		*errs = append(*errs, fmt.Sprintf("%s must be a positive millisecond count (got '%s')", key, raw))
		return time.Duration(defaultMS) * time.Millisecond
	}
	return time.Duration(v) * time.Millisecond
}

// getEnvFloat parses a float variable, collecting violations
func getEnvFloat(key string, defaultValue float64, errs *[]string) float64 {
	raw, exists := os.LookupEnv(key)
	if !exists {
		return defaultValue
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		*errs = append(*errs, fmt.Sprintf("%s must be a number (got '%s')", key, raw))
		return defaultValue
	}
	return v
}

// redactSecret redacts a secret by showing only the first 8 characters
func redactSecret(secret string) string {
	if len(secret) <= 8 {
		return "***"
	}
	return secret[:8] + "***"
}
