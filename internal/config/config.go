// Package config provides application configuration loaded from environment
// variables with defaults and validation. It centralizes bot settings such as
// platform credentials, model pricing, quota limits, payment polling, storage,
// the admin HTTP server, logging, and observability.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tbourn/gpt-subscription-bot/internal/domain"
)

// TelegramConfig holds the chat-platform settings.
type TelegramConfig struct {
	Token            string        // TELEGRAM_TOKEN
	WebhookURL       string        // TELEGRAM_WEBHOOK_URL; empty selects long polling
	WebhookSecret    string        // TELEGRAM_WEBHOOK_SECRET
	PollTimeout      int           // TELEGRAM_POLL_TIMEOUT, seconds
	AllowedUsers     []string      // ALLOWED_TELEGRAM_USERNAMES (usernames or numeric ids)
	RequiredChannel  string        // REQUIRED_CHANNEL, e.g. "@AllNewsAI"
	ChannelURL       string        // REQUIRED_CHANNEL_URL
	OperatorChatID   int64         // OPERATOR_CHAT_ID; 0 reports errors to the event's chat
	ChannelCacheTTL  time.Duration // CHANNEL_CACHE_TTL
	MessageChunkSize int           // MESSAGE_CHUNK_SIZE
}

// ModelConfig holds the language-model client and pricing settings.
type ModelConfig struct {
	APIKey                string
	BaseURL               string
	Model                 string
	Timeout               time.Duration
	PricePer1000Tokens    decimal.Decimal
	WhisperPricePerMinute decimal.Decimal
}

// QuotaConfig holds daily-budget and dialog-timeout settings.
type QuotaConfig struct {
	DailyTokenLimit  int64
	NewDialogTimeout time.Duration
}

// PaymentConfig holds the payment provider and poll settings.
type PaymentConfig struct {
	Token        string
	Receiver     string
	Price        decimal.Decimal
	Duration     time.Duration
	PollInterval time.Duration
	PollAttempts int
	Targets      string
}

// StorageConfig holds database and cache settings.
type StorageConfig struct {
	Driver        string // sqlite|postgres
	DSN           string
	RedisAddr     string
	RedisPassword string
	RedisDB       int
}

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
	ServiceName string  // OTEL_SERVICE_NAME (e.g. "gpt-subscription-bot")
	SampleRatio float64 // OTEL_TRACES_SAMPLER_ARG in [0..1]
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
	APIBasePath       string        // base path for admin routes
	AdminToken        string        // empty disables the admin API

	// Logging
	LogLevel  string // debug|info|warn|error|fatal|panic
	LogPretty bool   // pretty console logs in dev

	// Rate limiting
	RateRPS   float64 // tokens per second (>= 0)
	RateBurst int     // bucket size (>= 1)

	// Processed webhook updates are remembered this long.
	UpdateDedupTTL time.Duration

	Telegram TelegramConfig
	Model    ModelConfig
	Quota    QuotaConfig
	Payment  PaymentConfig
	Storage  StorageConfig
	Security SecurityConfig

	// Chat modes
	ChatModesPath   string
	DefaultChatMode domain.ChatModeID
	ChatModes       *domain.ChatModeCatalog

	// Observability
	OTEL OTELConfig
}

// WebhookMode reports whether updates are received via webhook.
func (c Config) WebhookMode() bool { return c.Telegram.WebhookURL != "" }

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
		APIBasePath:       normalizeBasePath(getenv("API_BASE_PATH", "/api/v1")),
		AdminToken:        getenv("ADMIN_TOKEN", ""),

		// Logging
		LogLevel:  strings.ToLower(getenv("LOG_LEVEL", "info")),
		LogPretty: getbool("LOG_PRETTY", false),

		// Rate limiting
		RateRPS:   getfloat("RATE_RPS", 5.0),
		RateBurst: getint("RATE_BURST", 10),

		UpdateDedupTTL: getdur("UPDATE_DEDUP_TTL", 24*time.Hour),

		Telegram: TelegramConfig{
			Token:            getenv("TELEGRAM_TOKEN", ""),
			WebhookURL:       strings.TrimRight(getenv("TELEGRAM_WEBHOOK_URL", ""), "/"),
			WebhookSecret:    getenv("TELEGRAM_WEBHOOK_SECRET", ""),
			PollTimeout:      getint("TELEGRAM_POLL_TIMEOUT", 60),
			AllowedUsers:     splitCSV(getenv("ALLOWED_TELEGRAM_USERNAMES", "")),
			RequiredChannel:  getenv("REQUIRED_CHANNEL", ""),
			ChannelURL:       getenv("REQUIRED_CHANNEL_URL", ""),
			OperatorChatID:   getint64("OPERATOR_CHAT_ID", 0),
			ChannelCacheTTL:  getdur("CHANNEL_CACHE_TTL", 5*time.Minute),
			MessageChunkSize: getint("MESSAGE_CHUNK_SIZE", 4000),
		},

		Model: ModelConfig{
			APIKey:                getenv("OPENAI_API_KEY", ""),
			BaseURL:               getenv("OPENAI_BASE_URL", ""),
			Model:                 getenv("OPENAI_MODEL", "gpt-3.5-turbo"),
			Timeout:               getdur("OPENAI_TIMEOUT", 2*time.Minute),
			PricePer1000Tokens:    getdecimal("CHATGPT_PRICE_PER_1000_TOKENS", decimal.RequireFromString("0.002")),
			WhisperPricePerMinute: getdecimal("WHISPER_PRICE_PER_1_MIN", decimal.RequireFromString("0.006")),
		},

		Quota: QuotaConfig{
			DailyTokenLimit:  getint64("DAILY_TOKEN_LIMIT", 5000),
			NewDialogTimeout: getdur("NEW_DIALOG_TIMEOUT", 600*time.Second),
		},

		Payment: PaymentConfig{
			Token:        getenv("YOOMONEY_TOKEN", ""),
			Receiver:     getenv("YOOMONEY_RECEIVER", ""),
			Price:        getdecimal("SUBSCRIPTION_PRICE", decimal.NewFromInt(249)),
			Duration:     getdur("SUBSCRIPTION_DURATION", 4*7*24*time.Hour),
			PollInterval: getdur("PAYMENT_POLL_INTERVAL", 5*time.Second),
			PollAttempts: getint("PAYMENT_POLL_ATTEMPTS", 720),
			Targets:      getenv("PAYMENT_TARGETS", "Подписка GPT-Bot"),
		},

		Storage: StorageConfig{
			Driver:        strings.ToLower(getenv("DB_DRIVER", "sqlite")),
			DSN:           getenv("DB_DSN", "app.db"),
			RedisAddr:     getenv("REDIS_ADDR", ""),
			RedisPassword: getenv("REDIS_PASSWORD", ""),
			RedisDB:       getint("REDIS_DB", 0),
		},

		Security: SecurityConfig{
			EnableHSTS: getbool("ENABLE_HSTS", false),
			HSTSMaxAge: getdur("HSTS_MAX_AGE", 180*24*time.Hour),
		},

		ChatModesPath:   getenv("CHAT_MODES_PATH", ""),
		DefaultChatMode: domain.ChatModeID(getenv("DEFAULT_CHAT_MODE", "assistant")),

		// Observability (OpenTelemetry)
		OTEL: OTELConfig{
			Enabled:     getbool("OTEL_ENABLED", false),
			Endpoint:    getenv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
			Insecure:    getbool("OTEL_EXPORTER_OTLP_INSECURE", true),
			ServiceName: getenv("OTEL_SERVICE_NAME", "gpt-subscription-bot"),
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
	if cfg.Storage.Driver == "postgresql" {
		cfg.Storage.Driver = "postgres"
	}

	// --- validation ---
	switch cfg.LogLevel {
	case "debug", "info", "warn", "error", "fatal", "panic":
	default:
		return cfg, errors.New("LOG_LEVEL must be one of: debug, info, warn, error, fatal, panic")
	}
	if strings.TrimSpace(cfg.Telegram.Token) == "" {
		return cfg, errors.New("TELEGRAM_TOKEN must not be empty")
	}
	if strings.TrimSpace(cfg.Model.APIKey) == "" {
		return cfg, errors.New("OPENAI_API_KEY must not be empty")
	}
	if cfg.WebhookMode() && strings.TrimSpace(cfg.Telegram.WebhookSecret) == "" {
		return cfg, errors.New("TELEGRAM_WEBHOOK_SECRET is required when TELEGRAM_WEBHOOK_URL is set")
	}
	if cfg.Telegram.PollTimeout < 0 {
		return cfg, errors.New("TELEGRAM_POLL_TIMEOUT must be >= 0")
	}
	if cfg.Telegram.MessageChunkSize < 1 || cfg.Telegram.MessageChunkSize > 4096 {
		return cfg, errors.New("MESSAGE_CHUNK_SIZE must be in [1,4096]")
	}
	if cfg.Telegram.ChannelCacheTTL < 0 {
		return cfg, errors.New("CHANNEL_CACHE_TTL must be >= 0")
	}
	if !cfg.Model.PricePer1000Tokens.IsPositive() {
		return cfg, errors.New("CHATGPT_PRICE_PER_1000_TOKENS must be > 0")
	}
	if cfg.Model.WhisperPricePerMinute.IsNegative() {
		return cfg, errors.New("WHISPER_PRICE_PER_1_MIN must be >= 0")
	}
	if cfg.Model.Timeout <= 0 {
		return cfg, errors.New("OPENAI_TIMEOUT must be > 0")
	}
	if cfg.Quota.DailyTokenLimit < 0 {
		return cfg, errors.New("DAILY_TOKEN_LIMIT must be >= 0")
	}
	if cfg.Quota.NewDialogTimeout <= 0 {
		return cfg, errors.New("NEW_DIALOG_TIMEOUT must be > 0")
	}
	if !cfg.Payment.Price.IsPositive() {
		return cfg, errors.New("SUBSCRIPTION_PRICE must be > 0")
	}
	if cfg.Payment.Duration <= 0 {
		return cfg, errors.New("SUBSCRIPTION_DURATION must be > 0")
	}
	if cfg.Payment.PollInterval <= 0 || cfg.Payment.PollAttempts < 1 {
		return cfg, errors.New("PAYMENT_POLL_INTERVAL must be > 0 and PAYMENT_POLL_ATTEMPTS >= 1")
	}
	switch cfg.Storage.Driver {
	case "sqlite", "postgres":
	default:
		return cfg, errors.New("DB_DRIVER must be one of: sqlite, postgres")
	}
	if strings.TrimSpace(cfg.Storage.DSN) == "" {
		return cfg, errors.New("DB_DSN must not be empty")
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
	if cfg.RateRPS < 0 {
		return cfg, errors.New("RATE_RPS must be >= 0")
	}
	if cfg.RateBurst < 1 {
		return cfg, errors.New("RATE_BURST must be >= 1")
	}
	if cfg.UpdateDedupTTL <= 0 {
		return cfg, errors.New("UPDATE_DEDUP_TTL must be > 0")
	}
	if cfg.Security.HSTSMaxAge < 0 {
		return cfg, errors.New("HSTS_MAX_AGE must be >= 0")
	}
	if cfg.OTEL.SampleRatio < 0 || cfg.OTEL.SampleRatio > 1 {
		return cfg, errors.New("OTEL_TRACES_SAMPLER_ARG must be in [0,1]")
	}

	catalog, err := LoadChatModes(cfg.ChatModesPath, cfg.DefaultChatMode)
	if err != nil {
		return cfg, err
	}
	cfg.ChatModes = catalog

	return cfg, nil
}

// ---- helpers ----

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
		if i, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			return i
		}
	}
	return def
}

func getint64(k string, def int64) int64 {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if i, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64); err == nil {
			return i
		}
	}
	return def
}

func getdecimal(k string, def decimal.Decimal) decimal.Decimal {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if d, err := decimal.NewFromString(strings.TrimSpace(v)); err == nil {
			return d
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

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		t := strings.TrimSpace(p)
		if t != "" {
			out = append(out, t)
		}
	}
	return out
}

// normalizeBasePath ensures leading '/' and strips trailing '/' (except root).
func normalizeBasePath(p string) string {
	p = strings.TrimSpace(p)
	if p == "" {
		return "/"
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	if len(p) > 1 && strings.HasSuffix(p, "/") {
		p = strings.TrimRight(p, "/")
	}
	return p
}

func wrapf(err error, format string, args ...any) error {
	return fmt.Errorf(format+": %w", append(args, err)...)
}
