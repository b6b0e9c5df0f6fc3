// Package config validates the environment configuration needed to bootstrap
// a chat client: which installation to talk to, how to authenticate, and
// tuning knobs for the heartbeat, reconnect and rate-limit subsystems.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds validated environment configuration for a single chat client
// process. Auth can come from a username/password pair, an API key, or a
// pre-existing tw-auth token — exactly one must be set.
type Config struct {
	InstallationURL string

	Username  string
	Password  string
	APIKey    string
	AuthToken string

	// Optional socket override (see spec.md §6 WebSocket endpoint resolution)
	SocketServerURL string

	GoEnv    string
	LogLevel string

	PingInterval      time.Duration
	PingTimeout       time.Duration
	PingMaxAttempt    int
	ReconnectInterval time.Duration
	FrameAwaitTimeout time.Duration

	RateLimitOutboundFrames string
	RateLimitOutboundHTTP   string

	RedisEnabled  bool
	RedisAddr     string
	RedisPassword string

	SessionCachePath string

	// StatusAllowedOrigins lists the origins allowed to call the demo
	// status/metrics server's CORS-protected routes (cmd/chatbot-demo).
	StatusAllowedOrigins []string

	// OtelCollectorAddr, when set, enables tracing via
	// internal/v1/tracing.InitTracer (SPEC_FULL.md §6: optional, the
	// global no-op tracer provider is used otherwise).
	OtelCollectorAddr string
}

// ValidateEnv validates all environment variables and returns a Config,
// reporting every problem found rather than failing on the first one.
func ValidateEnv() (*Config, error) {
	cfg := &Config{}
	var errs []string

	cfg.InstallationURL = os.Getenv("CHAT_INSTALLATION_URL")
	if cfg.InstallationURL == "" {
		errs = append(errs, "CHAT_INSTALLATION_URL is required")
	} else if !strings.HasPrefix(cfg.InstallationURL, "http://") && !strings.HasPrefix(cfg.InstallationURL, "https://") {
		errs = append(errs, fmt.Sprintf("CHAT_INSTALLATION_URL must include a scheme (got '%s')", cfg.InstallationURL))
	}

	cfg.Username = os.Getenv("CHAT_USERNAME")
	cfg.Password = os.Getenv("CHAT_PASSWORD")
	cfg.APIKey = os.Getenv("CHAT_API_KEY")
	cfg.AuthToken = os.Getenv("CHAT_AUTH_TOKEN")

	authMethods := 0
	if cfg.Username != "" || cfg.Password != "" {
		if cfg.Username == "" || cfg.Password == "" {
			errs = append(errs, "CHAT_USERNAME and CHAT_PASSWORD must both be set")
		} else {
			authMethods++
		}
	}
	if cfg.APIKey != "" {
		authMethods++
	}
	if cfg.AuthToken != "" {
		authMethods++
	}
	if authMethods == 0 {
		errs = append(errs, "one of CHAT_USERNAME/CHAT_PASSWORD, CHAT_API_KEY, or CHAT_AUTH_TOKEN is required")
	} else if authMethods > 1 {
		errs = append(errs, "only one authentication method may be configured at a time")
	}

	cfg.SocketServerURL = os.Getenv("CHAT_SOCKET_SERVER_URL")

	cfg.GoEnv = getEnvOrDefault("GO_ENV", "production")
	cfg.LogLevel = getEnvOrDefault("LOG_LEVEL", "info")

	cfg.PingInterval = getDurationOrDefault("CHAT_PING_INTERVAL", 10*time.Second)
	cfg.PingTimeout = getDurationOrDefault("CHAT_PING_TIMEOUT", 3*time.Second)
	cfg.PingMaxAttempt = getIntOrDefault("CHAT_PING_MAX_ATTEMPT", 3)
	cfg.ReconnectInterval = getDurationOrDefault("CHAT_RECONNECT_INTERVAL", 3*time.Second)
	cfg.FrameAwaitTimeout = getDurationOrDefault("CHAT_FRAME_AWAIT_TIMEOUT", 30*time.Second)

	cfg.RateLimitOutboundFrames = getEnvOrDefault("CHAT_RATE_LIMIT_FRAMES", "200-M")
	cfg.RateLimitOutboundHTTP = getEnvOrDefault("CHAT_RATE_LIMIT_HTTP", "300-M")

	cfg.RedisEnabled = os.Getenv("CHAT_REDIS_ENABLED") == "true"
	if cfg.RedisEnabled {
		cfg.RedisAddr = os.Getenv("CHAT_REDIS_ADDR")
		if cfg.RedisAddr == "" {
			cfg.RedisAddr = "localhost:6379"
			slog.Warn("CHAT_REDIS_ADDR not set, using default", "addr", cfg.RedisAddr)
		} else if !isValidHostPort(cfg.RedisAddr) {
			errs = append(errs, fmt.Sprintf("CHAT_REDIS_ADDR must be in format 'host:port' (got '%s')", cfg.RedisAddr))
		}
		cfg.RedisPassword = os.Getenv("CHAT_REDIS_PASSWORD")
	}

	cfg.SessionCachePath = os.Getenv("CHAT_SESSION_CACHE_PATH")

	cfg.StatusAllowedOrigins = getOriginsOrDefault("CHAT_STATUS_ALLOWED_ORIGINS", []string{"http://localhost:3000"})

	cfg.OtelCollectorAddr = os.Getenv("CHAT_OTEL_COLLECTOR_ADDR")

	if len(errs) > 0 {
		return nil, fmt.Errorf("environment validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}

	logValidatedConfig(cfg)
	return cfg, nil
}

// isValidHostPort checks if a string is in the format "host:port"
func isValidHostPort(addr string) bool {
	parts := strings.Split(addr, ":")
	if len(parts) != 2 {
		return false
	}
	port, err := strconv.Atoi(parts[1])
	if err != nil || port < 1 || port > 65535 {
		return false
	}
	if parts[0] == "" {
		return false
	}
	return true
}

// logValidatedConfig logs the validated configuration with secrets redacted
func logValidatedConfig(cfg *Config) {
	slog.Info("chat client configuration validated",
		"installation", cfg.InstallationURL,
		"auth_token", redactSecret(cfg.AuthToken),
		"api_key", redactSecret(cfg.APIKey),
		"go_env", cfg.GoEnv,
		"log_level", cfg.LogLevel,
		"ping_interval", cfg.PingInterval,
		"redis_enabled", cfg.RedisEnabled,
	)
}

// getEnvOrDefault returns the value of the environment variable or a default value if not set
func getEnvOrDefault(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

func getIntOrDefault(key string, defaultValue int) int {
	if value, exists := os.LookupEnv(key); exists {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

// getOriginsOrDefault reads a comma-separated list of origins, or returns
// defaultValue when the variable is unset.
func getOriginsOrDefault(key string, defaultValue []string) []string {
	value, exists := os.LookupEnv(key)
	if !exists || value == "" {
		return defaultValue
	}
	parts := strings.Split(value, ",")
	origins := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			origins = append(origins, p)
		}
	}
	return origins
}

func getDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	if value, exists := os.LookupEnv(key); exists {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

// redactSecret redacts a secret by showing only the first 8 characters
func redactSecret(secret string) string {
	if secret == "" {
		return ""
	}
	if len(secret) <= 8 {
		return "***"
	}
	return secret[:8] + "***"
}
