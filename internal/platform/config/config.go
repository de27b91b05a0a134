// Package config builds runtime configuration from the environment so main
// stays lean. Every knob has a development default; production deployments
// override via PERMIA_* variables.
package config

import (
	"os"
	"strconv"
	"time"

	"github.com/zteffi86/permia/internal/evidence/policy"
)

// Server is the full server configuration.
type Server struct {
	Addr        string
	LogLevel    string
	BlobRoot    string
	DatabaseURL string
	RedisURL    string

	// AuthRequired gates the JWT middleware. Off by default so local
	// development and the test harness skip token plumbing.
	AuthRequired  bool
	JWTSigningKey string
	JWTIssuer     string

	Thresholds     policy.Thresholds
	IdempotencyTTL time.Duration
	// SweepSchedule is a cron expression for the expired-entry sweep.
	SweepSchedule string

	// UploadRateLimit caps uploads per tenant per RateLimitWindow; zero
	// disables limiting.
	UploadRateLimit int
	RateLimitWindow time.Duration
}

// FromEnv reads the server configuration from environment variables.
func FromEnv() Server {
	return Server{
		Addr:          envString("PERMIA_ADDR", ":8080"),
		LogLevel:      envString("PERMIA_LOG_LEVEL", "info"),
		BlobRoot:      envString("PERMIA_BLOB_ROOT", "./data/blobs"),
		DatabaseURL:   os.Getenv("PERMIA_DATABASE_URL"),
		RedisURL:      os.Getenv("PERMIA_REDIS_URL"),
		AuthRequired:  envBool("PERMIA_AUTH_REQUIRED", false),
		JWTSigningKey: envString("PERMIA_JWT_SIGNING_KEY", "dev-secret-key-change-in-production"),
		JWTIssuer:     envString("PERMIA_JWT_ISSUER", "permia"),
		Thresholds: policy.Thresholds{
			MaxTimeDrift:         envDuration("PERMIA_MAX_TIME_DRIFT", 30*time.Second),
			MaxGpsAccuracyMeters: envFloat("PERMIA_MAX_GPS_ACCURACY_METERS", 50),
			ReplayWindow:         envDuration("PERMIA_REPLAY_WINDOW", 30*24*time.Hour),
			DriftSeverity:        envSeverity("PERMIA_TIME_DRIFT_SEVERITY", policy.SeverityHard),
			GpsSeverity:          envSeverity("PERMIA_GPS_ACCURACY_SEVERITY", policy.SeverityHard),
		},
		IdempotencyTTL:  envDuration("PERMIA_IDEMPOTENCY_TTL", 31*24*time.Hour),
		SweepSchedule:   envString("PERMIA_SWEEP_SCHEDULE", "0 * * * *"),
		UploadRateLimit: envInt("PERMIA_UPLOAD_RATE_LIMIT", 0),
		RateLimitWindow: envDuration("PERMIA_RATE_LIMIT_WINDOW", time.Minute),
	}
}

func envString(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func envDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}

func envFloat(key string, fallback float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fallback
	}
	return f
}

func envSeverity(key string, fallback policy.Severity) policy.Severity {
	switch os.Getenv(key) {
	case string(policy.SeverityHard):
		return policy.SeverityHard
	case string(policy.SeverityWarn):
		return policy.SeverityWarn
	default:
		return fallback
	}
}
