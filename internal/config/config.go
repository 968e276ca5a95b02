// Package config provides application configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Transport names accepted by BACKEND_TRANSPORT.
const (
	TransportHTTP = "http"
	TransportGRPC = "grpc"
)

// Transcript drivers accepted by TRANSCRIPT_DRIVER.
const (
	TranscriptSQLite = "sqlite"
	TranscriptRedis  = "redis"
	TranscriptNone   = "none"
)

// Config holds all application configuration.
type Config struct {
	Port        string
	FrontendURL string
	Backend     BackendConfig
	Client      ClientConfig
	Transcript  TranscriptConfig
	RateLimit   RateLimitConfig
}

// BackendConfig locates the remote chat backend.
type BackendConfig struct {
	URL            string
	Transport      string
	GRPCAddr       string
	APIKey         string
	ConnectTimeout time.Duration
}

// ClientConfig holds the resilience knobs of the assistant client.
type ClientConfig struct {
	Timeout               time.Duration
	MaxRetries            int
	BackoffBase           time.Duration
	BackoffCap            time.Duration
	FailureThreshold      int
	CoolDown              time.Duration
	HealthInterval        time.Duration
	HealthTimeout         time.Duration
	UnhealthyAfter        int
	HealthyAfter          int
	MinRequestInterval    time.Duration
	SessionCreateAttempts int
	SessionCreateDelay    time.Duration
	SessionTitle          string
	HistoryLimit          int
	MinCodeLength         int
	DefaultLanguage       string
	TokenEstimate         bool
}

// TranscriptConfig controls where the presentation layer keeps transcripts.
type TranscriptConfig struct {
	Driver    string
	DBPath    string
	RedisAddr string
	RedisTTL  time.Duration
	MaxPerKey int
}

// RateLimitConfig controls the inbound per-client limiter on the chat routes.
type RateLimitConfig struct {
	RequestsPerWindow int
	WindowDuration    time.Duration
}

// DefaultClientConfig returns the resilience defaults.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		Timeout:               30 * time.Second,
		MaxRetries:            3,
		BackoffBase:           500 * time.Millisecond,
		BackoffCap:            8 * time.Second,
		FailureThreshold:      5,
		CoolDown:              30 * time.Second,
		HealthInterval:        30 * time.Second,
		HealthTimeout:         5 * time.Second,
		UnhealthyAfter:        3,
		HealthyAfter:          1,
		MinRequestInterval:    time.Second,
		SessionCreateAttempts: 3,
		SessionCreateDelay:    time.Second,
		SessionTitle:          "Assistant session",
		HistoryLimit:          100,
		MinCodeLength:         10,
		DefaultLanguage:       "html",
	}
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	def := DefaultClientConfig()

	cfg := &Config{
		Port:        getEnv("PORT", "8080"),
		FrontendURL: getEnv("FRONTEND_URL", ""),
		Backend: BackendConfig{
			URL:            strings.TrimRight(getEnv("BACKEND_URL", "http://localhost:8000/api"), "/"),
			Transport:      strings.ToLower(getEnv("BACKEND_TRANSPORT", TransportHTTP)),
			GRPCAddr:       getEnv("BACKEND_GRPC_ADDR", "localhost:50051"),
			APIKey:         getEnv("BACKEND_API_KEY", ""),
			ConnectTimeout: getEnvDuration("BACKEND_CONNECT_TIMEOUT_MS", 5*time.Second),
		},
		Client: ClientConfig{
			Timeout:               getEnvDuration("ASSIST_TIMEOUT_MS", def.Timeout),
			MaxRetries:            getEnvInt("ASSIST_MAX_RETRIES", def.MaxRetries),
			BackoffBase:           getEnvDuration("ASSIST_BACKOFF_BASE_MS", def.BackoffBase),
			BackoffCap:            getEnvDuration("ASSIST_BACKOFF_CAP_MS", def.BackoffCap),
			FailureThreshold:      getEnvInt("ASSIST_FAILURE_THRESHOLD", def.FailureThreshold),
			CoolDown:              getEnvDuration("ASSIST_COOLDOWN_MS", def.CoolDown),
			HealthInterval:        getEnvDuration("ASSIST_HEALTH_INTERVAL_MS", def.HealthInterval),
			HealthTimeout:         getEnvDuration("ASSIST_HEALTH_TIMEOUT_MS", def.HealthTimeout),
			UnhealthyAfter:        getEnvInt("ASSIST_UNHEALTHY_AFTER", def.UnhealthyAfter),
			HealthyAfter:          getEnvInt("ASSIST_HEALTHY_AFTER", def.HealthyAfter),
			MinRequestInterval:    getEnvDuration("ASSIST_MIN_REQUEST_INTERVAL_MS", def.MinRequestInterval),
			SessionCreateAttempts: getEnvInt("ASSIST_SESSION_CREATE_ATTEMPTS", def.SessionCreateAttempts),
			SessionCreateDelay:    getEnvDuration("ASSIST_SESSION_CREATE_DELAY_MS", def.SessionCreateDelay),
			SessionTitle:          getEnv("ASSIST_SESSION_TITLE", def.SessionTitle),
			HistoryLimit:          getEnvInt("ASSIST_HISTORY_LIMIT", def.HistoryLimit),
			MinCodeLength:         getEnvInt("ASSIST_MIN_CODE_LENGTH", def.MinCodeLength),
			DefaultLanguage:       getEnv("ASSIST_DEFAULT_LANGUAGE", def.DefaultLanguage),
			TokenEstimate:         getEnvBool("ASSIST_TOKEN_ESTIMATE", false),
		},
		Transcript: TranscriptConfig{
			Driver:    strings.ToLower(getEnv("TRANSCRIPT_DRIVER", TranscriptSQLite)),
			DBPath:    getEnv("DB_PATH", "./data/assistant.db"),
			RedisAddr: getEnv("REDIS_ADDR", "localhost:6379"),
			RedisTTL:  getEnvDuration("REDIS_TTL", 24*time.Hour),
			MaxPerKey: getEnvInt("TRANSCRIPT_MAX_MESSAGES", 200),
		},
		RateLimit: RateLimitConfig{
			RequestsPerWindow: getEnvInt("RATE_LIMIT_REQUESTS", 30),
			WindowDuration:    getEnvDuration("RATE_LIMIT_WINDOW", time.Minute),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	switch c.Backend.Transport {
	case TransportHTTP:
		if c.Backend.URL == "" {
			return fmt.Errorf("BACKEND_URL cannot be empty")
		}
	case TransportGRPC:
		if c.Backend.GRPCAddr == "" {
			return fmt.Errorf("BACKEND_GRPC_ADDR cannot be empty")
		}
	default:
		return fmt.Errorf("BACKEND_TRANSPORT must be %q or %q, got %q", TransportHTTP, TransportGRPC, c.Backend.Transport)
	}
	switch c.Transcript.Driver {
	case TranscriptSQLite:
		if c.Transcript.DBPath == "" {
			return fmt.Errorf("DB_PATH cannot be empty")
		}
	case TranscriptRedis:
		if c.Transcript.RedisAddr == "" {
			return fmt.Errorf("REDIS_ADDR cannot be empty")
		}
	case TranscriptNone:
	default:
		return fmt.Errorf("TRANSCRIPT_DRIVER must be sqlite, redis or none, got %q", c.Transcript.Driver)
	}
	if c.RateLimit.RequestsPerWindow <= 0 {
		return fmt.Errorf("RATE_LIMIT_REQUESTS must be > 0")
	}
	if c.RateLimit.WindowDuration <= 0 {
		return fmt.Errorf("RATE_LIMIT_WINDOW must be > 0")
	}
	return c.Client.Validate()
}

// ChatBudget is the longest a single SendMessage can take: session creation
// with its retries, the send with its retries, and one recreate-and-resend
// after the backend rejects the session.
func (c ClientConfig) ChatBudget() time.Duration {
	create := time.Duration(c.SessionCreateAttempts) * (c.Timeout + c.SessionCreateDelay)
	send := time.Duration(c.MaxRetries+1) * (c.Timeout + c.BackoffCap)
	return 2 * (create + send)
}

// Validate checks the resilience knobs for values the client cannot honour.
func (c ClientConfig) Validate() error {
	if c.Timeout <= 0 {
		return fmt.Errorf("ASSIST_TIMEOUT_MS must be > 0")
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("ASSIST_MAX_RETRIES must be >= 0")
	}
	if c.BackoffBase <= 0 || c.BackoffCap < c.BackoffBase {
		return fmt.Errorf("ASSIST_BACKOFF_BASE_MS must be > 0 and <= ASSIST_BACKOFF_CAP_MS")
	}
	if c.FailureThreshold <= 0 {
		return fmt.Errorf("ASSIST_FAILURE_THRESHOLD must be > 0")
	}
	if c.CoolDown <= 0 {
		return fmt.Errorf("ASSIST_COOLDOWN_MS must be > 0")
	}
	if c.HealthInterval <= 0 {
		return fmt.Errorf("ASSIST_HEALTH_INTERVAL_MS must be > 0")
	}
	if c.MinRequestInterval < 0 {
		return fmt.Errorf("ASSIST_MIN_REQUEST_INTERVAL_MS must be >= 0")
	}
	if c.SessionCreateAttempts <= 0 {
		return fmt.Errorf("ASSIST_SESSION_CREATE_ATTEMPTS must be > 0")
	}
	if c.HistoryLimit <= 0 {
		return fmt.Errorf("ASSIST_HISTORY_LIMIT must be > 0")
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.FrontendURL == "" ||
		strings.Contains(c.FrontendURL, "localhost") ||
		strings.Contains(c.FrontendURL, "127.0.0.1")
}

// AllowedOrigins returns the CORS origins for the HTTP surface.
func (c *Config) AllowedOrigins() []string {
	if c.IsDevelopment() {
		return []string{"*"}
	}
	return []string{c.FrontendURL}
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

// getEnvDuration accepts either a bare integer (milliseconds) or a Go duration string.
func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	value = strings.TrimSpace(value)
	if ms, err := strconv.ParseInt(value, 10, 64); err == nil {
		return time.Duration(ms) * time.Millisecond
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return d
}
