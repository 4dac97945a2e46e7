package config

import (
	"os"
	"strings"
	"testing"
)

// setupTestEnv clears the hub's environment variables and returns a cleanup
// function restoring the originals.
func setupTestEnv(t *testing.T) func() {
	t.Helper()

	keys := []string{
		"PORT", "ALLOWED_ORIGINS", "ANNOUNCED_IP", "MAX_PAYLOAD_BYTES",
		"ENVIRONMENT", "REDIS_ADDR", "REDIS_PASSWORD",
		"AUTH_DOMAIN", "AUTH_AUDIENCE", "OTEL_COLLECTOR_ADDR",
		"RATE_LIMIT_CONNECT_IP",
	}

	origVars := make(map[string]string, len(keys))
	for _, key := range keys {
		origVars[key] = os.Getenv(key)
		os.Unsetenv(key)
	}

	return func() {
		for key, val := range origVars {
			if val != "" {
				os.Setenv(key, val)
			} else {
				os.Unsetenv(key)
			}
		}
	}
}

func TestValidateEnv_Defaults(t *testing.T) {
	cleanup := setupTestEnv(t)
	defer cleanup()

	cfg, err := ValidateEnv()
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	if cfg.Port != "4000" {
		t.Errorf("Expected PORT to default to '4000', got '%s'", cfg.Port)
	}
	if len(cfg.AllowedOrigins) != 1 || cfg.AllowedOrigins[0] != "http://localhost:3000" {
		t.Errorf("Expected default allowed origins, got %v", cfg.AllowedOrigins)
	}
	if cfg.MaxPayloadBytes != DefaultPayloadBytes {
		t.Errorf("Expected MAX_PAYLOAD_BYTES to default to %d, got %d", DefaultPayloadBytes, cfg.MaxPayloadBytes)
	}
	if cfg.Environment != "production" {
		t.Errorf("Expected ENVIRONMENT to default to 'production', got '%s'", cfg.Environment)
	}
	if cfg.Development {
		t.Error("Expected Development to be false by default")
	}
	if cfg.RedisEnabled {
		t.Error("Expected Redis to be disabled without REDIS_ADDR")
	}
	if cfg.RateLimitConnectIP != "120-M" {
		t.Errorf("Expected default connect rate limit '120-M', got '%s'", cfg.RateLimitConnectIP)
	}
}

func TestValidateEnv_ValidConfiguration(t *testing.T) {
	cleanup := setupTestEnv(t)
	defer cleanup()

	os.Setenv("PORT", "8080")
	os.Setenv("ALLOWED_ORIGINS", "https://app.example.com, https://staging.example.com")
	os.Setenv("ANNOUNCED_IP", "203.0.113.10")
	os.Setenv("ENVIRONMENT", "development")
	os.Setenv("REDIS_ADDR", "localhost:6379")
	os.Setenv("REDIS_PASSWORD", "hunter2-but-longer")

	cfg, err := ValidateEnv()
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	if cfg.Port != "8080" {
		t.Errorf("Expected PORT '8080', got '%s'", cfg.Port)
	}
	if len(cfg.AllowedOrigins) != 2 {
		t.Errorf("Expected 2 origins, got %v", cfg.AllowedOrigins)
	}
	if cfg.AllowedOrigins[1] != "https://staging.example.com" {
		t.Errorf("Expected origins trimmed, got %v", cfg.AllowedOrigins)
	}
	if !cfg.Development {
		t.Error("Expected Development true for ENVIRONMENT=development")
	}
	if !cfg.RedisEnabled {
		t.Error("Expected Redis enabled when REDIS_ADDR is set")
	}
}

func TestValidateEnv_InvalidPort(t *testing.T) {
	cleanup := setupTestEnv(t)
	defer cleanup()

	os.Setenv("PORT", "99999")

	_, err := ValidateEnv()
	if err == nil {
		t.Fatal("Expected error for invalid PORT, got nil")
	}
	if !strings.Contains(err.Error(), "PORT must be a valid port number") {
		t.Errorf("Expected error message about invalid PORT, got: %v", err)
	}
}

func TestValidateEnv_PayloadCeilingBounds(t *testing.T) {
	cleanup := setupTestEnv(t)
	defer cleanup()

	os.Setenv("MAX_PAYLOAD_BYTES", "1024")
	if _, err := ValidateEnv(); err == nil {
		t.Fatal("Expected error for payload ceiling below the minimum")
	}

	os.Setenv("MAX_PAYLOAD_BYTES", "10485760")
	if _, err := ValidateEnv(); err == nil {
		t.Fatal("Expected error for payload ceiling above the maximum")
	}

	os.Setenv("MAX_PAYLOAD_BYTES", "524288")
	cfg, err := ValidateEnv()
	if err != nil {
		t.Fatalf("Expected 512 KiB ceiling to validate, got: %v", err)
	}
	if cfg.MaxPayloadBytes != 524288 {
		t.Errorf("Expected ceiling 524288, got %d", cfg.MaxPayloadBytes)
	}
}

func TestValidateEnv_InvalidEnvironment(t *testing.T) {
	cleanup := setupTestEnv(t)
	defer cleanup()

	os.Setenv("ENVIRONMENT", "staging")

	_, err := ValidateEnv()
	if err == nil {
		t.Fatal("Expected error for invalid ENVIRONMENT, got nil")
	}
	if !strings.Contains(err.Error(), "ENVIRONMENT must be") {
		t.Errorf("Expected error message about ENVIRONMENT, got: %v", err)
	}
}

func TestValidateEnv_InvalidRedisAddr(t *testing.T) {
	cleanup := setupTestEnv(t)
	defer cleanup()

	os.Setenv("REDIS_ADDR", "invalid-format")

	_, err := ValidateEnv()
	if err == nil {
		t.Fatal("Expected error for invalid REDIS_ADDR, got nil")
	}
	if !strings.Contains(err.Error(), "REDIS_ADDR must be in format 'host:port'") {
		t.Errorf("Expected error message about REDIS_ADDR format, got: %v", err)
	}
}

func TestValidateEnv_AuthPairRequired(t *testing.T) {
	cleanup := setupTestEnv(t)
	defer cleanup()

	os.Setenv("AUTH_DOMAIN", "tenant.auth.example.com")

	_, err := ValidateEnv()
	if err == nil {
		t.Fatal("Expected error when AUTH_DOMAIN is set without AUTH_AUDIENCE")
	}
	if !strings.Contains(err.Error(), "must be set together") {
		t.Errorf("Expected error about the auth pair, got: %v", err)
	}

	os.Setenv("AUTH_AUDIENCE", "https://api.example.com")
	if _, err := ValidateEnv(); err != nil {
		t.Fatalf("Expected pair to validate, got: %v", err)
	}
}

func TestValidateEnv_AnnouncedIPFormats(t *testing.T) {
	cleanup := setupTestEnv(t)
	defer cleanup()

	os.Setenv("ANNOUNCED_IP", "203.0.113.10:50051")
	if _, err := ValidateEnv(); err != nil {
		t.Fatalf("Expected host:port announced IP to validate, got: %v", err)
	}

	os.Setenv("ANNOUNCED_IP", "203.0.113.10:notaport")
	if _, err := ValidateEnv(); err == nil {
		t.Fatal("Expected error for malformed ANNOUNCED_IP port")
	}
}

func TestValidateEnv_CollectsAllErrors(t *testing.T) {
	cleanup := setupTestEnv(t)
	defer cleanup()

	os.Setenv("PORT", "0")
	os.Setenv("ENVIRONMENT", "qa")
	os.Setenv("REDIS_ADDR", "nope")

	_, err := ValidateEnv()
	if err == nil {
		t.Fatal("Expected combined validation error, got nil")
	}
	for _, want := range []string{"PORT", "ENVIRONMENT", "REDIS_ADDR"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("Expected combined error to mention %s, got: %v", want, err)
		}
	}
}

func TestRedactSecret(t *testing.T) {
	tests := []struct {
		name     string
		secret   string
		expected string
	}{
		{"Empty secret", "", ""},
		{"Long secret", "this-is-a-very-long-secret-key", "this-is-***"},
		{"Short secret", "short", "***"},
		{"Exactly 8 chars", "12345678", "***"},
		{"9 chars", "123456789", "12345678***"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := redactSecret(tt.secret)
			if result != tt.expected {
				t.Errorf("Expected '%s', got '%s'", tt.expected, result)
			}
		})
	}
}

func TestIsValidHostPort(t *testing.T) {
	tests := []struct {
		name     string
		addr     string
		expected bool
	}{
		{"Valid localhost", "localhost:8080", true},
		{"Valid IP", "127.0.0.1:3000", true},
		{"Valid hostname", "example.com:443", true},
		{"Missing port", "localhost", false},
		{"Missing host", ":8080", false},
		{"Invalid port", "localhost:99999", false},
		{"Non-numeric port", "localhost:abc", false},
		{"Multiple colons", "localhost:8080:9090", false},
		{"Empty string", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := isValidHostPort(tt.addr)
			if result != tt.expected {
				t.Errorf("isValidHostPort('%s') = %v, expected %v", tt.addr, result, tt.expected)
			}
		})
	}
}
