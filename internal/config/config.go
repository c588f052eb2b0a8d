// Package config provides application configuration loaded from environment
// variables with defaults and validation. It centralizes application settings
// such as server timeouts, logging, the SQLite path, Telegram and Gemini
// credentials, relay tuning, rate limiting, and observability.
package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"
)

// SecurityConfig defines security-related settings such as HSTS.
type SecurityConfig struct {
	EnableHSTS bool
	HSTSMaxAge time.Duration
}

// OTELConfig defines OpenTelemetry observability settings.
type OTELConfig struct {
	Enabled     bool    // OTEL_ENABLED
	Endpoint    string  // OTEL_EXPORTER_OTLP_ENDPOINT (e.g. "otel:4317")
	Insecure    bool    // OTEL_EXPORTER_OTLP_INSECURE (true if no TLS)
	ServiceName string  // OTEL_SERVICE_NAME (e.g. "go-gemini-relay")
	SampleRatio float64 // OTEL_TRACES_SAMPLER_ARG in [0..1]
}

// TelegramConfig holds Bot API credentials and webhook settings.
type TelegramConfig struct {
	Token         string // TELEGRAM_BOT_TOKEN (required)
	APIBaseURL    string // TELEGRAM_API_BASE_URL
	WebhookSecret string // TELEGRAM_WEBHOOK_SECRET (required; path token)
	WebhookURL    string // TELEGRAM_WEBHOOK_URL (public base; empty disables registration)
	AdminUserID   int64  // TELEGRAM_ADMIN_USER_ID (0 disables operator commands)
}

// GeminiConfig holds completion service credentials and generation settings.
type GeminiConfig struct {
	APIKey          string  // GEMINI_API_KEY (required)
	Model           string  // GEMINI_MODEL
	BaseURL         string  // GEMINI_BASE_URL
	Temperature     float64 // GEMINI_TEMPERATURE
	TopP            float64 // GEMINI_TOP_P
	TopK            int     // GEMINI_TOP_K
	MaxOutputTokens int     // GEMINI_MAX_OUTPUT_TOKENS
}

// RelayConfig tunes reply chunking and the continuation loop.
type RelayConfig struct {
	ChunkLimit       int // RELAY_CHUNK_LIMIT (outbound message cap, bytes; splits back off to rune boundaries)
	MaxContinuations int // RELAY_MAX_CONTINUATIONS
	ContextLength    int // RELAY_CONTEXT_LENGTH (prior exchanges per prompt)
}

// RetentionConfig controls the periodic old-message cleanup.
type RetentionConfig struct {
	Days     int           // RETENTION_DAYS (0 disables cleanup)
	Interval time.Duration // RETENTION_INTERVAL between sweeps
}

// Config holds all configuration values for the application.
type Config struct {
	// Server
	Port              string        // just the number
	ReadTimeout       time.Duration // e.g. 15s
	ReadHeaderTimeout time.Duration // e.g. 10s
	WriteTimeout      time.Duration // e.g. 20s
	IdleTimeout       time.Duration // e.g. 60s
	MaxHeaderBytes    int           // bytes
	GinMode           string        // debug|release|test

	// Logging
	LogLevel  string // debug|info|warn|error|fatal|panic
	LogPretty bool   // pretty console logs in dev

	// App
	DBPath string // SQLite path

	// Rate limiting
	RateRPS   float64 // tokens per second (>= 0)
	RateBurst int     // bucket size (>= 1)

	// Web protection
	Security SecurityConfig

	// Integrations
	Telegram TelegramConfig
	Gemini   GeminiConfig
	Relay    RelayConfig

	// Housekeeping
	Retention RetentionConfig

	// Observability
	OTEL OTELConfig
}

// MustLoad loads the configuration and panics if validation fails.
func MustLoad() Config {
	cfg, err := Load()
	if err != nil {
		panic(err)
	}
	return cfg
}

// Load reads configuration from environment variables,
// applies defaults, normalizes values, and validates the result.
func Load() (Config, error) {
	cfg := Config{
		// Server
		Port:              getenv("PORT", "8080"),
		ReadTimeout:       getdur("READ_TIMEOUT", 15*time.Second),
		ReadHeaderTimeout: getdur("READ_HEADER_TIMEOUT", 10*time.Second),
		WriteTimeout:      getdur("WRITE_TIMEOUT", 20*time.Second),
		IdleTimeout:       getdur("IDLE_TIMEOUT", 60*time.Second),
		MaxHeaderBytes:    getint("MAX_HEADER_BYTES", 1<<20),
		GinMode:           strings.ToLower(getenv("GIN_MODE", "release")),

		// Logging
		LogLevel:  strings.ToLower(getenv("LOG_LEVEL", "info")),
		LogPretty: getbool("LOG_PRETTY", false),

		// App
		DBPath: getenv("DB_PATH", "relay.db"),

		// Rate limiting
		RateRPS:   getfloat("RATE_RPS", 30.0),
		RateBurst: getint("RATE_BURST", 60),

		// Web protection
		Security: SecurityConfig{
			EnableHSTS: getbool("ENABLE_HSTS", false),
			HSTSMaxAge: getdur("HSTS_MAX_AGE", 180*24*time.Hour),
		},

		// Integrations
		Telegram: TelegramConfig{
			Token:         getenv("TELEGRAM_BOT_TOKEN", ""),
			APIBaseURL:    getenv("TELEGRAM_API_BASE_URL", "https://api.telegram.org"),
			WebhookSecret: getenv("TELEGRAM_WEBHOOK_SECRET", ""),
			WebhookURL:    getenv("TELEGRAM_WEBHOOK_URL", ""),
			AdminUserID:   getint64("TELEGRAM_ADMIN_USER_ID", 0),
		},
		Gemini: GeminiConfig{
			APIKey:          getenv("GEMINI_API_KEY", ""),
			Model:           getenv("GEMINI_MODEL", "gemini-2.0-flash"),
			BaseURL:         getenv("GEMINI_BASE_URL", ""),
			Temperature:     getfloat("GEMINI_TEMPERATURE", 0.7),
			TopP:            getfloat("GEMINI_TOP_P", 0.95),
			TopK:            getint("GEMINI_TOP_K", 40),
			MaxOutputTokens: getint("GEMINI_MAX_OUTPUT_TOKENS", 2048),
		},
		Relay: RelayConfig{
			ChunkLimit:       getint("RELAY_CHUNK_LIMIT", 4000),
			MaxContinuations: getint("RELAY_MAX_CONTINUATIONS", 3),
			ContextLength:    getint("RELAY_CONTEXT_LENGTH", 10),
		},

		// Housekeeping
		Retention: RetentionConfig{
			Days:     getint("RETENTION_DAYS", 0),
			Interval: getdur("RETENTION_INTERVAL", 24*time.Hour),
		},

		// Observability (OpenTelemetry)
		OTEL: OTELConfig{
			Enabled:     getbool("OTEL_ENABLED", false),
			Endpoint:    getenv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
			Insecure:    getbool("OTEL_EXPORTER_OTLP_INSECURE", true),
			ServiceName: getenv("OTEL_SERVICE_NAME", "go-gemini-relay"),
			SampleRatio: getfloat("OTEL_TRACES_SAMPLER_ARG", 1.0),
		},
	}

	// --- normalization ---
	if cfg.LogLevel == "warning" {
		cfg.LogLevel = "warn"
	}
	switch cfg.GinMode {
	case "debug", "release", "test":
	default:
		cfg.GinMode = "release"
	}

	// --- validation ---
	switch cfg.LogLevel {
	case "debug", "info", "warn", "error", "fatal", "panic":
	default:
		return cfg, errors.New("LOG_LEVEL must be one of: debug, info, warn, error, fatal, panic")
	}
	if strings.TrimSpace(cfg.Port) == "" {
		return cfg, errors.New("PORT must not be empty")
	}
	if cfg.ReadTimeout <= 0 || cfg.ReadHeaderTimeout <= 0 || cfg.WriteTimeout <= 0 || cfg.IdleTimeout <= 0 {
		return cfg, errors.New("timeouts must be positive durations")
	}
	if cfg.MaxHeaderBytes <= 0 {
		return cfg, errors.New("MAX_HEADER_BYTES must be > 0")
	}
	if strings.TrimSpace(cfg.DBPath) == "" {
		return cfg, errors.New("DB_PATH must not be empty")
	}
	if cfg.RateRPS < 0 {
		return cfg, errors.New("RATE_RPS must be >= 0")
	}
	if cfg.RateBurst < 1 {
		return cfg, errors.New("RATE_BURST must be >= 1")
	}
	if cfg.Security.HSTSMaxAge < 0 {
		return cfg, errors.New("HSTS_MAX_AGE must be >= 0")
	}
	if strings.TrimSpace(cfg.Telegram.Token) == "" {
		return cfg, errors.New("TELEGRAM_BOT_TOKEN must not be empty")
	}
	if strings.TrimSpace(cfg.Telegram.WebhookSecret) == "" {
		return cfg, errors.New("TELEGRAM_WEBHOOK_SECRET must not be empty")
	}
	if strings.TrimSpace(cfg.Gemini.APIKey) == "" {
		return cfg, errors.New("GEMINI_API_KEY must not be empty")
	}
	if strings.TrimSpace(cfg.Gemini.Model) == "" {
		return cfg, errors.New("GEMINI_MODEL must not be empty")
	}
	if cfg.Gemini.Temperature < 0 || cfg.Gemini.Temperature > 2 {
		return cfg, errors.New("GEMINI_TEMPERATURE must be in [0,2]")
	}
	if cfg.Gemini.TopP < 0 || cfg.Gemini.TopP > 1 {
		return cfg, errors.New("GEMINI_TOP_P must be in [0,1]")
	}
	if cfg.Gemini.MaxOutputTokens < 1 {
		return cfg, errors.New("GEMINI_MAX_OUTPUT_TOKENS must be >= 1")
	}
	if cfg.Relay.ChunkLimit < 1 {
		return cfg, errors.New("RELAY_CHUNK_LIMIT must be >= 1")
	}
	if cfg.Relay.MaxContinuations < 0 {
		return cfg, errors.New("RELAY_MAX_CONTINUATIONS must be >= 0")
	}
	if cfg.Relay.ContextLength < 1 {
		return cfg, errors.New("RELAY_CONTEXT_LENGTH must be >= 1")
	}
	if cfg.Retention.Days < 0 {
		return cfg, errors.New("RETENTION_DAYS must be >= 0")
	}
	if cfg.Retention.Interval <= 0 {
		return cfg, errors.New("RETENTION_INTERVAL must be > 0")
	}
	if cfg.OTEL.SampleRatio < 0 || cfg.OTEL.SampleRatio > 1 {
		return cfg, errors.New("OTEL_TRACES_SAMPLER_ARG must be in [0,1]")
	}

	return cfg, nil
}

// ---- helpers (no external deps) ----

func getenv(k, def string) string {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		return v
	}
	return def
}

func getfloat(k string, def float64) float64 {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getint(k string, def int) int {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getint64(k string, def int64) int64 {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if i, err := strconv.ParseInt(v, 10, 64); err == nil {
			return i
		}
	}
	return def
}

func getbool(k string, def bool) bool {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "1", "true", "yes", "y", "on":
			return true
		case "0", "false", "no", "n", "off":
			return false
		}
	}
	return def
}

func getdur(k string, def time.Duration) time.Duration {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
