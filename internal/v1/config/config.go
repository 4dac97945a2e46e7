package config

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/meshconf/signaling/internal/v1/logging"

	"go.uber.org/zap"
)

// Payload ceiling bounds. The framer rejects anything above MaxPayloadBytes;
// deployments may tune it between the two ceilings that clients are built for.
const (
	MinPayloadBytes     = 500 << 10 // 500 KiB
	DefaultPayloadBytes = 1 << 20   // 1 MiB
)

// Capacity bounds of one hub process.
const (
	MaxTotalParticipants = 1000
	MaxRoomSize          = 50
)

// Config holds validated environment configuration.
type Config struct {
	Port            string
	AllowedOrigins  []string
	AnnouncedIP     string // handed to downstream SFU deployment config, opaque here
	MaxPayloadBytes int64
	Environment     string
	Development     bool

	// Optional Redis presence mirror / cross-pod bus
	RedisAddr     string
	RedisPassword string
	RedisEnabled  bool

	// Optional JWT validation
	AuthDomain   string
	AuthAudience string

	// Optional tracing
	OTelCollectorAddr string

	// Rate limits (ulule format: "count-period", M = minute, H = hour)
	RateLimitConnectIP string
}

// ValidateEnv reads and validates the environment, collecting every problem
// into a single error so operators fix one deploy, not five.
func ValidateEnv() (*Config, error) {
	cfg := &Config{}
	var errs []string

	// PORT (default 4000)
	cfg.Port = getEnvOrDefault("PORT", "4000")
	if port, err := strconv.Atoi(cfg.Port); err != nil || port < 1 || port > 65535 {
		errs = append(errs, fmt.Sprintf("PORT must be a valid port number between 1 and 65535 (got '%s')", cfg.Port))
	}

	// ALLOWED_ORIGINS (comma list)
	originsRaw := getEnvOrDefault("ALLOWED_ORIGINS", "http://localhost:3000")
	for _, o := range strings.Split(originsRaw, ",") {
		if trimmed := strings.TrimSpace(o); trimmed != "" {
			cfg.AllowedOrigins = append(cfg.AllowedOrigins, trimmed)
		}
	}
	if len(cfg.AllowedOrigins) == 0 {
		errs = append(errs, "ALLOWED_ORIGINS must contain at least one origin")
	}

	// ANNOUNCED_IP (optional; host or host:port)
	cfg.AnnouncedIP = os.Getenv("ANNOUNCED_IP")
	if cfg.AnnouncedIP != "" && strings.Contains(cfg.AnnouncedIP, ":") && !isValidHostPort(cfg.AnnouncedIP) {
		errs = append(errs, fmt.Sprintf("ANNOUNCED_IP must be 'host' or 'host:port' (got '%s')", cfg.AnnouncedIP))
	}

	// MAX_PAYLOAD_BYTES (default 1 MiB, bounded)
	cfg.MaxPayloadBytes = DefaultPayloadBytes
	if raw := os.Getenv("MAX_PAYLOAD_BYTES"); raw != "" {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || n < MinPayloadBytes || n > DefaultPayloadBytes {
			errs = append(errs, fmt.Sprintf("MAX_PAYLOAD_BYTES must be between %d and %d (got '%s')", MinPayloadBytes, DefaultPayloadBytes, raw))
		} else {
			cfg.MaxPayloadBytes = n
		}
	}

	// ENVIRONMENT (defaults to "production")
	cfg.Environment = getEnvOrDefault("ENVIRONMENT", "production")
	switch cfg.Environment {
	case "development":
		cfg.Development = true
	case "production":
	default:
		errs = append(errs, fmt.Sprintf("ENVIRONMENT must be 'development' or 'production' (got '%s')", cfg.Environment))
	}

	// REDIS_ADDR enables the distributed bus when present
	cfg.RedisAddr = os.Getenv("REDIS_ADDR")
	if cfg.RedisAddr != "" {
		cfg.RedisEnabled = true
		if !isValidHostPort(cfg.RedisAddr) {
			errs = append(errs, fmt.Sprintf("REDIS_ADDR must be in format 'host:port' (got '%s')", cfg.RedisAddr))
		}
		cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	}

	// AUTH_DOMAIN and AUTH_AUDIENCE come as a pair
	cfg.AuthDomain = os.Getenv("AUTH_DOMAIN")
	cfg.AuthAudience = os.Getenv("AUTH_AUDIENCE")
	if (cfg.AuthDomain == "") != (cfg.AuthAudience == "") {
		errs = append(errs, "AUTH_DOMAIN and AUTH_AUDIENCE must be set together")
	}

	cfg.OTelCollectorAddr = os.Getenv("OTEL_COLLECTOR_ADDR")

	cfg.RateLimitConnectIP = getEnvOrDefault("RATE_LIMIT_CONNECT_IP", "120-M")

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

	return parts[0] != ""
}

func logValidatedConfig(cfg *Config) {
	logging.Info(context.Background(), "environment configuration validated",
		zap.String("port", cfg.Port),
		zap.Strings("allowed_origins", cfg.AllowedOrigins),
		zap.String("announced_ip", cfg.AnnouncedIP),
		zap.Int64("max_payload_bytes", cfg.MaxPayloadBytes),
		zap.String("environment", cfg.Environment),
		zap.Bool("redis_enabled", cfg.RedisEnabled),
		zap.String("redis_addr", cfg.RedisAddr),
		zap.String("redis_password", redactSecret(cfg.RedisPassword)),
		zap.String("auth_domain", cfg.AuthDomain),
		zap.String("otel_collector_addr", cfg.OTelCollectorAddr),
		zap.String("rate_limit_connect_ip", cfg.RateLimitConnectIP),
	)
}

// getEnvOrDefault returns the value of the environment variable or a default value if not set
func getEnvOrDefault(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

// redactSecret redacts a secret, keeping only a short prefix for correlation
func redactSecret(secret string) string {
	if secret == "" {
		return ""
	}
	if len(secret) <= 8 {
		return "***"
	}
	return secret[:8] + "***"
}
