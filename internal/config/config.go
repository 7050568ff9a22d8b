// Package config loads catatan's configuration from CLI flags and
// environment variables and validates it before anything starts.
//
// Flags pick which external services are replaced by in-process mocks
// (--no-email, --no-s3, --no-oidc, --test). Environment variables carry
// secrets and tuning.
package config

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/kuitang/catatan/internal/ratelimit"
)

const (
	defaultS3Region     = "auto"
	defaultRedisChannel = "catatan:notes"
)

// Config holds all application configuration.
type Config struct {
	// Server
	ListenAddr string
	BaseURL    string
	LogLevel   string

	// Storage
	MasterKey       string // 64 hex characters (32 bytes)
	DatabasePath    string
	SessionDuration time.Duration

	// Editor autosave
	AutosaveDelay        time.Duration // quiet period before a save
	AutosaveSavedDisplay time.Duration // how long "saved" stays visible

	RateLimitConfig ratelimit.Config

	// Mocks (flags only)
	NoOIDC  bool
	NoEmail bool
	NoS3    bool

	// Google sign-in
	GoogleClientID     string
	GoogleClientSecret string
	GoogleRedirectURL  string

	// Resend
	ResendAPIKey    string
	ResendFromEmail string

	// Avatar storage (standard AWS_ variables)
	AWSEndpointS3      string
	AWSRegion          string
	AWSAccessKeyID     string
	AWSSecretAccessKey string
	AWSBucketName      string
	AWSPublicURL       string

	// Change feed fan-out across instances; empty keeps it in-process.
	RedisURL     string
	RedisChannel string
}

// ValidationError lists every configuration problem found.
type ValidationError struct {
	Errors []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("configuration validation failed:\n  - %s", strings.Join(e.Errors, "\n  - "))
}

// Flags are the values parsed from the command line.
type Flags struct {
	NoEmail bool
	NoS3    bool
	NoOIDC  bool
	Addr    string
}

// ParseFlags registers and parses the command line flags. --test implies
// every --no-* flag.
func ParseFlags() Flags {
	var f Flags
	var testMode bool
	flag.BoolVar(&f.NoEmail, "no-email", false, "Use mock email service (logs emails instead of sending)")
	flag.BoolVar(&f.NoS3, "no-s3", false, "Use in-memory S3 for avatar uploads")
	flag.BoolVar(&f.NoOIDC, "no-oidc", false, "Use a local mock Google sign-in provider")
	flag.BoolVar(&testMode, "test", false, "Shorthand for --no-email --no-s3 --no-oidc")
	flag.StringVar(&f.Addr, "addr", "", "Listen address (overrides LISTEN_ADDR)")
	flag.Parse()

	if testMode {
		f.NoEmail, f.NoS3, f.NoOIDC = true, true, true
	}
	return f
}

// LoadConfig reads the environment, applies flags and validates the result.
func LoadConfig(f Flags) (*Config, error) {
	cfg := &Config{
		NoEmail: f.NoEmail,
		NoS3:    f.NoS3,
		NoOIDC:  f.NoOIDC,
	}

	cfg.ListenAddr = getEnvOrDefault("LISTEN_ADDR", ":8080")
	if f.Addr != "" {
		cfg.ListenAddr = f.Addr
	}
	cfg.BaseURL = strings.TrimRight(strings.TrimSpace(os.Getenv("BASE_URL")), "/")
	if cfg.BaseURL == "" {
		cfg.BaseURL = "http://localhost" + cfg.ListenAddr
	}
	cfg.LogLevel = getEnvOrDefault("LOG_LEVEL", "info")

	cfg.MasterKey = strings.TrimSpace(os.Getenv("MASTER_KEY"))
	cfg.DatabasePath = getEnvOrDefault("DATABASE_PATH", "./data/catatan.db")
	cfg.SessionDuration = parseDurationOrDefault("SESSION_DURATION", 30*24*time.Hour)

	cfg.AutosaveDelay = parseDurationOrDefault("AUTOSAVE_DELAY", 1500*time.Millisecond)
	cfg.AutosaveSavedDisplay = parseDurationOrDefault("AUTOSAVE_SAVED_DISPLAY", 2*time.Second)

	cfg.RateLimitConfig = ratelimit.Config{
		UserRPS:         parseFloat64OrDefault("RATE_LIMIT_RPS", ratelimit.DefaultConfig.UserRPS),
		UserBurst:       parseIntOrDefault("RATE_LIMIT_BURST", ratelimit.DefaultConfig.UserBurst),
		AuthRPS:         parseFloat64OrDefault("AUTH_RATE_LIMIT_RPS", ratelimit.DefaultConfig.AuthRPS),
		AuthBurst:       parseIntOrDefault("AUTH_RATE_LIMIT_BURST", ratelimit.DefaultConfig.AuthBurst),
		CleanupInterval: parseDurationOrDefault("RATE_LIMIT_CLEANUP_INTERVAL", ratelimit.DefaultConfig.CleanupInterval),
	}

	cfg.GoogleClientID = os.Getenv("GOOGLE_CLIENT_ID")
	cfg.GoogleClientSecret = os.Getenv("GOOGLE_CLIENT_SECRET")
	cfg.GoogleRedirectURL = os.Getenv("GOOGLE_REDIRECT_URL")
	if cfg.GoogleRedirectURL == "" {
		cfg.GoogleRedirectURL = cfg.BaseURL + "/auth/google/callback"
	}

	cfg.ResendAPIKey = os.Getenv("RESEND_API_KEY")
	cfg.ResendFromEmail = getEnvOrDefault("RESEND_FROM_EMAIL", "Catatan <noreply@catatan.app>")

	cfg.AWSEndpointS3 = strings.TrimSpace(os.Getenv("AWS_ENDPOINT_URL_S3"))
	cfg.AWSRegion = getEnvOrDefault("AWS_REGION", defaultS3Region)
	cfg.AWSAccessKeyID = strings.TrimSpace(os.Getenv("AWS_ACCESS_KEY_ID"))
	cfg.AWSSecretAccessKey = strings.TrimSpace(os.Getenv("AWS_SECRET_ACCESS_KEY"))
	cfg.AWSBucketName = strings.TrimSpace(os.Getenv("BUCKET_NAME"))
	cfg.AWSPublicURL = strings.TrimSpace(os.Getenv("S3_PUBLIC_URL"))
	if cfg.AWSPublicURL == "" && cfg.AWSEndpointS3 != "" && cfg.AWSBucketName != "" {
		cfg.AWSPublicURL = strings.TrimRight(cfg.AWSEndpointS3, "/") + "/" + cfg.AWSBucketName
	}

	cfg.RedisURL = strings.TrimSpace(os.Getenv("REDIS_URL"))
	cfg.RedisChannel = getEnvOrDefault("REDIS_CHANNEL", defaultRedisChannel)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks required settings. Secrets for a service are only
// required when that service is not mocked.
func (c *Config) Validate() error {
	var problems []string

	if !c.NoOIDC {
		if c.GoogleClientID == "" {
			problems = append(problems, "GOOGLE_CLIENT_ID is required (set env var or use --no-oidc)")
		}
		if c.GoogleClientSecret == "" {
			problems = append(problems, "GOOGLE_CLIENT_SECRET is required (set env var or use --no-oidc)")
		}
	}

	if !c.NoEmail && c.ResendAPIKey == "" {
		problems = append(problems, "RESEND_API_KEY is required (set env var or use --no-email)")
	}

	if !c.NoS3 {
		if c.AWSEndpointS3 == "" {
			problems = append(problems, "AWS_ENDPOINT_URL_S3 is required (set env var or use --no-s3)")
		}
		if c.AWSBucketName == "" {
			problems = append(problems, "BUCKET_NAME is required (set env var or use --no-s3)")
		}
		if c.AWSAccessKeyID == "" {
			problems = append(problems, "AWS_ACCESS_KEY_ID is required (set env var or use --no-s3)")
		}
		if c.AWSSecretAccessKey == "" {
			problems = append(problems, "AWS_SECRET_ACCESS_KEY is required (set env var or use --no-s3)")
		}
	}

	if c.MasterKey == "" {
		problems = append(problems, "MASTER_KEY is required (generate with: openssl rand -hex 32)")
	} else if len(c.MasterKey) != 64 {
		problems = append(problems, "MASTER_KEY must be 64 hex characters (32 bytes)")
	}

	if c.DatabasePath == "" {
		problems = append(problems, "DATABASE_PATH must not be empty")
	}
	if c.SessionDuration <= 0 {
		problems = append(problems, "SESSION_DURATION must be positive")
	}
	if c.AutosaveDelay <= 0 {
		problems = append(problems, "AUTOSAVE_DELAY must be positive")
	}
	if c.AutosaveSavedDisplay < 0 {
		problems = append(problems, "AUTOSAVE_SAVED_DISPLAY must not be negative")
	}

	if c.RateLimitConfig.UserRPS <= 0 {
		problems = append(problems, "RATE_LIMIT_RPS must be positive")
	}
	if c.RateLimitConfig.UserBurst <= 0 {
		problems = append(problems, "RATE_LIMIT_BURST must be positive")
	}
	if c.RateLimitConfig.AuthRPS <= 0 {
		problems = append(problems, "AUTH_RATE_LIMIT_RPS must be positive")
	}
	if c.RateLimitConfig.AuthBurst <= 0 {
		problems = append(problems, "AUTH_RATE_LIMIT_BURST must be positive")
	}

	if c.RedisURL != "" && !strings.HasPrefix(c.RedisURL, "redis://") && !strings.HasPrefix(c.RedisURL, "rediss://") {
		problems = append(problems, "REDIS_URL must start with redis:// or rediss://")
	}

	if len(problems) > 0 {
		return &ValidationError{Errors: problems}
	}
	return nil
}

// IsDevelopment reports whether any service is mocked.
func (c *Config) IsDevelopment() bool {
	return c.NoOIDC || c.NoEmail || c.NoS3
}

// RequireSecureCookies is false for plain-http localhost base URLs.
func (c *Config) RequireSecureCookies() bool {
	return !strings.HasPrefix(c.BaseURL, "http://localhost") &&
		!strings.HasPrefix(c.BaseURL, "http://127.0.0.1")
}

// PrintStartupSummary writes a human-readable summary to stderr.
func (c *Config) PrintStartupSummary() {
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "catatan server starting...")

	if c.NoOIDC {
		fmt.Fprintln(os.Stderr, "  Auth:     Mock Google sign-in (--no-oidc)")
	} else {
		fmt.Fprintln(os.Stderr, "  Auth:     Google sign-in")
	}
	if c.NoEmail {
		fmt.Fprintln(os.Stderr, "  Email:    Mock (--no-email)")
	} else {
		fmt.Fprintf(os.Stderr, "  Email:    Resend (from: %s)\n", c.ResendFromEmail)
	}
	if c.NoS3 {
		fmt.Fprintln(os.Stderr, "  Avatars:  In-memory S3 (--no-s3)")
	} else {
		fmt.Fprintf(os.Stderr, "  Avatars:  S3 (endpoint: %s)\n", c.AWSEndpointS3)
	}
	if c.RedisURL == "" {
		fmt.Fprintln(os.Stderr, "  Realtime: in-process")
	} else {
		fmt.Fprintf(os.Stderr, "  Realtime: Redis (channel: %s)\n", c.RedisChannel)
	}
	fmt.Fprintf(os.Stderr, "  Database: %s\n", c.DatabasePath)
	fmt.Fprintf(os.Stderr, "  Autosave: %s delay, %s saved indicator\n", c.AutosaveDelay, c.AutosaveSavedDisplay)
	fmt.Fprintf(os.Stderr, "  Listen:   %s\n", c.ListenAddr)
	fmt.Fprintf(os.Stderr, "  Base:     %s\n", c.BaseURL)
	fmt.Fprintln(os.Stderr, "")
}

func getEnvOrDefault(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

func parseIntOrDefault(key string, defaultValue int) int {
	parsed, err := strconv.Atoi(os.Getenv(key))
	if err != nil {
		return defaultValue
	}
	return parsed
}

func parseFloat64OrDefault(key string, defaultValue float64) float64 {
	parsed, err := strconv.ParseFloat(os.Getenv(key), 64)
	if err != nil {
		return defaultValue
	}
	return parsed
}

func parseDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	parsed, err := time.ParseDuration(os.Getenv(key))
	if err != nil {
		return defaultValue
	}
	return parsed
}
