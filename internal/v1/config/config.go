package config

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/inkwell-live/whiteboard/backend/go/internal/v1/logging"
)

// Config holds validated environment configuration
type Config struct {
	// Required variables
	Port     string
	StoreURL string

	// Optional variables with defaults
	GoEnv    string
	LogLevel string

	// Room behavior
	HistoryMax    int
	SaveInterval  time.Duration
	LoadTimeout   time.Duration
	SaveTimeout   time.Duration
	SendQueueSize int

	// Redis (limiter store + readiness checks)
	RedisEnabled  bool
	RedisAddr     string
	RedisPassword string

	// Identity (optional; sessions are anonymous without it)
	Auth0Domain     string
	Auth0Audience   string
	SkipAuth        bool
	DevelopmentMode bool
	AllowedOrigins  string

	// Internal routes (store delete notifications)
	InternalAPIToken string

	// Rate limits
	RateLimitWsIP  string
	RateLimitWsMsg string

	// Tracing (enabled when set)
	OTLPEndpoint string
}

// ValidateEnv validates all required environment variables and returns a Config object
// Returns an error if any required variable is missing or invalid
func ValidateEnv() (*Config, error) {
	cfg := &Config{}
	var errors []string

	// Required: PORT (valid port number)
	cfg.Port = os.Getenv("PORT")
	if cfg.Port == "" {
		errors = append(errors, "PORT is required")
	} else {
		port, err := strconv.Atoi(cfg.Port)
		if err != nil || port < 1 || port > 65535 {
			errors = append(errors, fmt.Sprintf("PORT must be a valid port number between 1 and 65535 (got '%s')", cfg.Port))
		}
	}

	// Required: STORE_URL (document store base URL)
	cfg.StoreURL = strings.TrimRight(os.Getenv("STORE_URL"), "/")
	if cfg.StoreURL == "" {
		errors = append(errors, "STORE_URL is required")
	} else if !isValidHTTPURL(cfg.StoreURL) {
		errors = append(errors, fmt.Sprintf("STORE_URL must be an http(s) URL (got '%s')", cfg.StoreURL))
	}

	// Optional: HISTORY_MAX (defaults to 100, must stay >= 1 so the room
	// always keeps its baseline frame)
	if v, err := parsePositiveInt("HISTORY_MAX", 100); err != nil {
		errors = append(errors, err.Error())
	} else {
		cfg.HistoryMax = v
	}

	// Optional: SAVE_INTERVAL (defaults to 1s; the dirty-room scan period)
	if v, err := parseDuration("SAVE_INTERVAL", time.Second); err != nil {
		errors = append(errors, err.Error())
	} else if v < 10*time.Millisecond {
		errors = append(errors, fmt.Sprintf("SAVE_INTERVAL must be at least 10ms (got '%s')", v))
	} else {
		cfg.SaveInterval = v
	}

	// Optional: STORE_LOAD_TIMEOUT / STORE_SAVE_TIMEOUT
	if v, err := parseDuration("STORE_LOAD_TIMEOUT", 5*time.Second); err != nil {
		errors = append(errors, err.Error())
	} else {
		cfg.LoadTimeout = v
	}
	if v, err := parseDuration("STORE_SAVE_TIMEOUT", 10*time.Second); err != nil {
		errors = append(errors, err.Error())
	} else {
		cfg.SaveTimeout = v
	}

	// Optional: SEND_QUEUE_SIZE (defaults to 256 pending outbound messages)
	if v, err := parsePositiveInt("SEND_QUEUE_SIZE", 256); err != nil {
		errors = append(errors, err.Error())
	} else {
		cfg.SendQueueSize = v
	}

	// Conditional: REDIS_ADDR (required if REDIS_ENABLED=true)
	cfg.RedisEnabled = os.Getenv("REDIS_ENABLED") == "true"
	if cfg.RedisEnabled {
		cfg.RedisAddr = os.Getenv("REDIS_ADDR")
		if cfg.RedisAddr == "" {
			// Default to localhost:6379 if not specified
			cfg.RedisAddr = "localhost:6379"
			logging.Warn(context.Background(), "REDIS_ADDR not set, using default", zap.String("addr", cfg.RedisAddr))
		} else if !isValidHostPort(cfg.RedisAddr) {
			errors = append(errors, fmt.Sprintf("REDIS_ADDR must be in format 'host:port' (got '%s')", cfg.RedisAddr))
		}
		cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	}

	// Optional: GO_ENV (defaults to "production")
	cfg.GoEnv = os.Getenv("GO_ENV")
	if cfg.GoEnv == "" {
		cfg.GoEnv = "production"
	}

	// Optional: LOG_LEVEL (defaults to "info")
	cfg.LogLevel = os.Getenv("LOG_LEVEL")
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}

	// Identity variables (validated at validator construction, not here)
	cfg.Auth0Domain = os.Getenv("AUTH0_DOMAIN")
	cfg.Auth0Audience = os.Getenv("AUTH0_AUDIENCE")
	cfg.SkipAuth = os.Getenv("SKIP_AUTH") == "true"
	cfg.DevelopmentMode = os.Getenv("DEVELOPMENT_MODE") == "true"
	cfg.AllowedOrigins = os.Getenv("ALLOWED_ORIGINS")

	cfg.InternalAPIToken = os.Getenv("INTERNAL_API_TOKEN")

	// Rate Limits (format: count-period, S = Second, M = Minute, H = Hour)
	cfg.RateLimitWsIP = getEnvOrDefault("RATE_LIMIT_WS_IP", "30-M")
	cfg.RateLimitWsMsg = getEnvOrDefault("RATE_LIMIT_WS_MSG", "20-S")

	cfg.OTLPEndpoint = os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")

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

// isValidHTTPURL checks if a string parses as an absolute http(s) URL
func isValidHTTPURL(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

// parsePositiveInt reads an integer environment variable with a default,
// requiring a value >= 1
func parsePositiveInt(key string, defaultValue int) (int, error) {
	raw, exists := os.LookupEnv(key)
	if !exists || raw == "" {
		return defaultValue, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 1 {
		return 0, fmt.Errorf("%s must be a positive integer (got '%s')", key, raw)
	}
	return v, nil
}

// parseDuration reads a Go duration environment variable with a default
func parseDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	raw, exists := os.LookupEnv(key)
	if !exists || raw == "" {
		return defaultValue, nil
	}
	v, err := time.ParseDuration(raw)
	if err != nil || v <= 0 {
		return 0, fmt.Errorf("%s must be a positive Go duration like '500ms' or '2s' (got '%s')", key, raw)
	}
	return v, nil
}

// logValidatedConfig logs the validated configuration with secrets redacted
func logValidatedConfig(cfg *Config) {
	logging.Info(context.Background(), "Environment configuration validated",
		zap.String("port", cfg.Port),
		zap.String("store_url", cfg.StoreURL),
		zap.Int("history_max", cfg.HistoryMax),
		zap.Duration("save_interval", cfg.SaveInterval),
		zap.Duration("load_timeout", cfg.LoadTimeout),
		zap.Duration("save_timeout", cfg.SaveTimeout),
		zap.Int("send_queue_size", cfg.SendQueueSize),
		zap.Bool("redis_enabled", cfg.RedisEnabled),
		zap.String("redis_addr", cfg.RedisAddr),
		zap.String("go_env", cfg.GoEnv),
		zap.String("log_level", cfg.LogLevel),
		zap.Bool("development_mode", cfg.DevelopmentMode),
		zap.String("rate_limit_ws_ip", cfg.RateLimitWsIP),
		zap.String("rate_limit_ws_msg", cfg.RateLimitWsMsg),
		zap.String("internal_api_token", redactSecret(cfg.InternalAPIToken)),
	)
}

// getEnvOrDefault returns the value of the environment variable or a default value if not set
func getEnvOrDefault(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

// redactSecret redacts a secret by showing only the first 8 characters
func redactSecret(secret string) string {
	if len(secret) <= 8 {
		return "***"
	}
	return secret[:8] + "***"
}
