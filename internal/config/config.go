// Package config loads and validates application configuration from environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Storage drivers selected by DATABASE_URL.
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// Artifact content backends.
const (
	ArtifactsFS     = "fs"
	ArtifactsMemory = "memory"
	ArtifactsS3     = "s3"
)

// MinProviderTimeout is the floor applied to DEEPSEEK_TIMEOUT.
const MinProviderTimeout = time.Second

// Config holds all application configuration.
type Config struct {
	// Server settings.
	Port                int
	ReadTimeout         time.Duration
	WriteTimeout        time.Duration
	MaxRequestBodyBytes int64
	StreamKeepalive     time.Duration // Comment frame interval on idle event streams.

	// Storage settings. DATABASE_URL is either postgres://... or
	// sqlite:///relative/or/absolute/path.
	DatabaseURL      string
	ArtifactsBackend string
	ArtifactsRoot    string
	S3Bucket         string
	S3Prefix         string
	S3Region         string
	S3Endpoint       string

	// Auth settings.
	JWTSecret     string
	JWTExpiration time.Duration
	DemoUser      string
	DemoPassword  string

	// Text-generation provider settings.
	DeepSeekAPIKey       string
	DeepSeekBaseURL      string
	DeepSeekModel        string
	DeepSeekTimeout      time.Duration
	DeepSeekMaxRetries   int
	DeepSeekRetryBackoff time.Duration

	// Pipeline settings.
	StepDelay         time.Duration
	MaxConcurrentRuns int

	// Rate limiting.
	RateLimitEnabled bool
	RateLimitRPS     float64
	RateLimitBurst   int

	// OTEL settings.
	OTELEndpoint string
	ServiceName  string
	OTELInsecure bool

	LogLevel string
}

// Load reads configuration from environment variables with sensible defaults.
// Every malformed variable is reported, not just the first.
func Load() (Config, error) {
	var errs []error
	collect := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	cfg := Config{
		DatabaseURL:      envStr("DATABASE_URL", "sqlite:///./data.db"),
		ArtifactsBackend: strings.ToLower(envStr("KENKYU_ARTIFACTS_BACKEND", ArtifactsFS)),
		ArtifactsRoot:    envStr("ARTIFACTS_ROOT", "data/artifacts"),
		S3Bucket:         envStr("KENKYU_S3_BUCKET", ""),
		S3Prefix:         envStr("KENKYU_S3_PREFIX", ""),
		S3Region:         envStr("KENKYU_S3_REGION", ""),
		S3Endpoint:       envStr("KENKYU_S3_ENDPOINT", ""),
		JWTSecret:        envStr("JWT_SECRET", "dev-jwt-secret-change-me"),
		DemoUser:         envStr("KENKYU_DEMO_USER", "demo"),
		DemoPassword:     envStr("KENKYU_DEMO_PASSWORD", "demo"),
		DeepSeekAPIKey:   strings.TrimSpace(os.Getenv("DEEPSEEK_API_KEY")),
		DeepSeekBaseURL:  strings.TrimRight(envStr("DEEPSEEK_BASE_URL", "https://api.deepseek.com"), "/"),
		DeepSeekModel:    envStr("DEEPSEEK_MODEL", "deepseek-chat"),
		OTELEndpoint:     envStr("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
		ServiceName:      envStr("OTEL_SERVICE_NAME", "kenkyu"),
		LogLevel:         strings.ToLower(envStr("KENKYU_LOG_LEVEL", "info")),
	}

	var err error
	cfg.Port, err = envInt("KENKYU_PORT", 8000)
	collect(err)
	cfg.ReadTimeout, err = envDuration("KENKYU_READ_TIMEOUT", 30*time.Second)
	collect(err)
	cfg.WriteTimeout, err = envDuration("KENKYU_WRITE_TIMEOUT", 30*time.Second)
	collect(err)
	cfg.StreamKeepalive, err = envDuration("KENKYU_STREAM_KEEPALIVE", 15*time.Second)
	collect(err)
	var bodyBytes int
	bodyBytes, err = envInt("KENKYU_MAX_REQUEST_BODY_BYTES", 1*1024*1024) // 1 MB default
	cfg.MaxRequestBodyBytes = int64(bodyBytes)
	collect(err)
	var expireMinutes int
	expireMinutes, err = envInt("ACCESS_TOKEN_EXPIRE_MINUTES", 60)
	cfg.JWTExpiration = time.Duration(expireMinutes) * time.Minute
	collect(err)
	cfg.DeepSeekTimeout, err = envDuration("DEEPSEEK_TIMEOUT", 120*time.Second)
	cfg.DeepSeekTimeout = max(cfg.DeepSeekTimeout, MinProviderTimeout)
	collect(err)
	cfg.DeepSeekMaxRetries, err = envInt("DEEPSEEK_MAX_RETRIES", 1)
	collect(err)
	cfg.DeepSeekRetryBackoff, err = envDuration("DEEPSEEK_RETRY_BACKOFF", 1500*time.Millisecond)
	collect(err)
	cfg.StepDelay, err = envDuration("KENKYU_STEP_DELAY", 800*time.Millisecond)
	collect(err)
	cfg.MaxConcurrentRuns, err = envInt("KENKYU_MAX_CONCURRENT_RUNS", 0)
	collect(err)
	cfg.RateLimitEnabled, err = envBool("KENKYU_RATE_LIMIT_ENABLED", true)
	collect(err)
	cfg.RateLimitRPS, err = envFloat("KENKYU_RATE_LIMIT_RPS", 5)
	collect(err)
	cfg.RateLimitBurst, err = envInt("KENKYU_RATE_LIMIT_BURST", 20)
	collect(err)
	cfg.OTELInsecure, err = envBool("KENKYU_OTEL_INSECURE", false)
	collect(err)

	if len(errs) > 0 {
		return Config{}, fmt.Errorf("config: %w", errors.Join(errs...))
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks that the configuration is usable.
func (c Config) Validate() error {
	var errs []error
	if c.Port <= 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("KENKYU_PORT must be between 1 and 65535"))
	}
	if _, _, err := c.Storage(); err != nil {
		errs = append(errs, err)
	}
	switch c.ArtifactsBackend {
	case ArtifactsFS:
		if c.ArtifactsRoot == "" {
			errs = append(errs, fmt.Errorf("ARTIFACTS_ROOT is required for the fs backend"))
		}
	case ArtifactsMemory:
	case ArtifactsS3:
		if c.S3Bucket == "" {
			errs = append(errs, fmt.Errorf("KENKYU_S3_BUCKET is required for the s3 backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("KENKYU_ARTIFACTS_BACKEND must be fs, memory or s3, got %q", c.ArtifactsBackend))
	}
	if len(c.JWTSecret) < 16 {
		errs = append(errs, fmt.Errorf("JWT_SECRET must be at least 16 bytes"))
	}
	if c.JWTExpiration <= 0 {
		errs = append(errs, fmt.Errorf("ACCESS_TOKEN_EXPIRE_MINUTES must be positive"))
	}
	if c.DemoUser == "" || c.DemoPassword == "" {
		errs = append(errs, fmt.Errorf("KENKYU_DEMO_USER and KENKYU_DEMO_PASSWORD must not be empty"))
	}
	if c.DeepSeekMaxRetries < 0 {
		errs = append(errs, fmt.Errorf("DEEPSEEK_MAX_RETRIES must not be negative"))
	}
	if c.DeepSeekRetryBackoff < 0 || c.StepDelay < 0 {
		errs = append(errs, fmt.Errorf("DEEPSEEK_RETRY_BACKOFF and KENKYU_STEP_DELAY must not be negative"))
	}
	if c.MaxConcurrentRuns < 0 {
		errs = append(errs, fmt.Errorf("KENKYU_MAX_CONCURRENT_RUNS must not be negative"))
	}
	if c.RateLimitEnabled && (c.RateLimitRPS <= 0 || c.RateLimitBurst <= 0) {
		errs = append(errs, fmt.Errorf("KENKYU_RATE_LIMIT_RPS and KENKYU_RATE_LIMIT_BURST must be positive"))
	}
	if c.StreamKeepalive <= 0 {
		errs = append(errs, fmt.Errorf("KENKYU_STREAM_KEEPALIVE must be positive"))
	}
	if c.MaxRequestBodyBytes <= 0 {
		errs = append(errs, fmt.Errorf("KENKYU_MAX_REQUEST_BODY_BYTES must be positive"))
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("KENKYU_LOG_LEVEL must be debug, info, warn or error"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: %w", errors.Join(errs...))
	}
	return nil
}

// Storage returns the driver selected by DatabaseURL and its connection
// target: the DSN for Postgres or the file path for SQLite.
func (c Config) Storage() (driver, target string, err error) {
	u := c.DatabaseURL
	switch {
	case strings.HasPrefix(u, "postgres://"), strings.HasPrefix(u, "postgresql://"):
		return DriverPostgres, u, nil
	case strings.HasPrefix(u, "sqlite:///"):
		path := strings.TrimPrefix(u, "sqlite:///")
		if path == "" {
			return "", "", fmt.Errorf("DATABASE_URL %q has no sqlite path", u)
		}
		return DriverSQLite, path, nil
	case strings.HasPrefix(u, "sqlite://"):
		// sqlite://:memory: and sqlite://relative.db
		path := strings.TrimPrefix(u, "sqlite://")
		if path == "" {
			return "", "", fmt.Errorf("DATABASE_URL %q has no sqlite path", u)
		}
		return DriverSQLite, path, nil
	}
	return "", "", fmt.Errorf("DATABASE_URL must start with postgres://, postgresql:// or sqlite://")
}

func envStr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal, fmt.Errorf("%s=%q is not a valid integer", key, v)
	}
	return n, nil
}

func envFloat(key string, defaultVal float64) (float64, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return defaultVal, fmt.Errorf("%s=%q is not a valid number", key, v)
	}
	return f, nil
}

func envBool(key string, defaultVal bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return defaultVal, fmt.Errorf("%s=%q is not a valid boolean", key, v)
	}
	return b, nil
}

func envDuration(key string, defaultVal time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal, fmt.Errorf("%s=%q is not a valid duration", key, v)
	}
	return d, nil
}
