package config

import (
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tbourn/gpt-subscription-bot/internal/domain"
)

// Required credentials are provided once for the whole package so each test
// only sets what it exercises.
func TestMain(m *testing.M) {
	os.Unsetenv("PORT")
	os.Setenv("TELEGRAM_TOKEN", "123:abc")
	os.Setenv("OPENAI_API_KEY", "sk-test")
	os.Exit(m.Run())
}

// --- MustLoad ---

func TestMustLoad_PanicsOnInvalidConfig(t *testing.T) {
	t.Setenv("LOG_LEVEL", "verbose")
	defer func() {
		if r := recover(); r == nil {
			t.Fatalf("MustLoad should panic on invalid config")
		}
	}()
	_ = MustLoad()
}

func TestMustLoad_Success_NoPanic(t *testing.T) {
	defer func() {
		if r := recover(); r != nil {
			t.Fatalf("MustLoad should not panic on valid defaults, got: %v", r)
		}
	}()
	cfg := MustLoad()
	if cfg.ChatModes == nil || cfg.APIBasePath == "" {
		t.Fatalf("unexpected empty config from MustLoad")
	}
}

// --- Load success + normalization + parsing ---

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Quota.DailyTokenLimit != 5000 || cfg.Quota.NewDialogTimeout != 600*time.Second {
		t.Fatalf("quota defaults unexpected: %+v", cfg.Quota)
	}
	if cfg.Telegram.MessageChunkSize != 4000 || cfg.Telegram.PollTimeout != 60 || cfg.WebhookMode() {
		t.Fatalf("telegram defaults unexpected: %+v", cfg.Telegram)
	}
	if !cfg.Payment.Price.Equal(decimal.NewFromInt(249)) ||
		cfg.Payment.Duration != 4*7*24*time.Hour ||
		cfg.Payment.PollInterval != 5*time.Second ||
		cfg.Payment.PollAttempts != 720 {
		t.Fatalf("payment defaults unexpected: %+v", cfg.Payment)
	}
	if !cfg.Model.PricePer1000Tokens.Equal(decimal.RequireFromString("0.002")) ||
		!cfg.Model.WhisperPricePerMinute.Equal(decimal.RequireFromString("0.006")) {
		t.Fatalf("model prices unexpected: %+v", cfg.Model)
	}
	if cfg.Storage.Driver != "sqlite" || cfg.Storage.DSN != "app.db" {
		t.Fatalf("storage defaults unexpected: %+v", cfg.Storage)
	}
	if cfg.ChatModes.Default() != "assistant" || len(cfg.ChatModes.List()) < 2 {
		t.Fatalf("embedded chat modes unexpected: %+v", cfg.ChatModes.List())
	}
	if cfg.APIBasePath != "/api/v1" {
		t.Fatalf("API_BASE_PATH default expected '/api/v1', got %q", cfg.APIBasePath)
	}
}

func TestLoad_Success_Overrides(t *testing.T) {
	t.Setenv("PORT", "8088")
	t.Setenv("READ_TIMEOUT", "2s")
	t.Setenv("GIN_MODE", "weird")
	t.Setenv("LOG_LEVEL", "warning")
	t.Setenv("LOG_PRETTY", "yes")
	t.Setenv("API_BASE_PATH", "admin/")
	t.Setenv("RATE_RPS", "x")
	t.Setenv("RATE_BURST", "nope")

	t.Setenv("TELEGRAM_WEBHOOK_URL", "https://bot.example.com/telegram/webhook/")
	t.Setenv("TELEGRAM_WEBHOOK_SECRET", "s3cret")
	t.Setenv("ALLOWED_TELEGRAM_USERNAMES", " alice , , 42 ")
	t.Setenv("REQUIRED_CHANNEL", "@AllNewsAI")
	t.Setenv("OPERATOR_CHAT_ID", "-100123")
	t.Setenv("DAILY_TOKEN_LIMIT", "100")
	t.Setenv("NEW_DIALOG_TIMEOUT", "1m")
	t.Setenv("SUBSCRIPTION_PRICE", "2.50")
	t.Setenv("DB_DRIVER", "PostgreSQL")
	t.Setenv("DB_DSN", "postgres://u:p@localhost/bot")
	t.Setenv("DEFAULT_CHAT_MODE", "code_assistant")

	t.Setenv("OTEL_ENABLED", "1")
	t.Setenv("OTEL_SERVICE_NAME", "svc")
	t.Setenv("OTEL_TRACES_SAMPLER_ARG", "0.75")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	if cfg.Port != "8088" || cfg.ReadTimeout != 2*time.Second || cfg.GinMode != "release" {
		t.Fatalf("server fields unexpected: %+v", cfg)
	}
	if cfg.LogLevel != "warn" || !cfg.LogPretty || cfg.APIBasePath != "/admin" {
		t.Fatalf("logging unexpected: %+v", cfg)
	}
	if cfg.RateRPS != 5.0 || cfg.RateBurst != 10 {
		t.Fatalf("rate limiting unexpected: %+v", cfg)
	}
	if !cfg.WebhookMode() || cfg.Telegram.WebhookURL != "https://bot.example.com/telegram/webhook" {
		t.Fatalf("webhook unexpected: %+v", cfg.Telegram)
	}
	if !reflect.DeepEqual(cfg.Telegram.AllowedUsers, []string{"alice", "42"}) {
		t.Fatalf("allowed users unexpected: %#v", cfg.Telegram.AllowedUsers)
	}
	if cfg.Telegram.OperatorChatID != -100123 || cfg.Telegram.RequiredChannel != "@AllNewsAI" {
		t.Fatalf("telegram unexpected: %+v", cfg.Telegram)
	}
	if cfg.Quota.DailyTokenLimit != 100 || cfg.Quota.NewDialogTimeout != time.Minute {
		t.Fatalf("quota unexpected: %+v", cfg.Quota)
	}
	if !cfg.Payment.Price.Equal(decimal.RequireFromString("2.5")) {
		t.Fatalf("price unexpected: %s", cfg.Payment.Price)
	}
	if cfg.Storage.Driver != "postgres" {
		t.Fatalf("driver unexpected: %q", cfg.Storage.Driver)
	}
	if cfg.ChatModes.Default() != "code_assistant" {
		t.Fatalf("default chat mode unexpected: %q", cfg.ChatModes.Default())
	}
	if !cfg.OTEL.Enabled || cfg.OTEL.ServiceName != "svc" || cfg.OTEL.SampleRatio != 0.75 {
		t.Fatalf("otel unexpected: %+v", cfg.OTEL)
	}
}

// --- Load validations (each case triggers exactly one validation error) ---

func TestLoad_ValidationErrors(t *testing.T) {
	cases := []struct {
		name, key, val, want string
	}{
		{"invalid LOG_LEVEL", "LOG_LEVEL", "verbose", "LOG_LEVEL"},
		{"missing token", "TELEGRAM_TOKEN", " ", "TELEGRAM_TOKEN"},
		{"missing api key", "OPENAI_API_KEY", " ", "OPENAI_API_KEY"},
		{"chunk size too large", "MESSAGE_CHUNK_SIZE", "5000", "MESSAGE_CHUNK_SIZE"},
		{"zero token price", "CHATGPT_PRICE_PER_1000_TOKENS", "0", "CHATGPT_PRICE_PER_1000_TOKENS"},
		{"negative daily limit", "DAILY_TOKEN_LIMIT", "-1", "DAILY_TOKEN_LIMIT"},
		{"zero dialog timeout", "NEW_DIALOG_TIMEOUT", "0s", "NEW_DIALOG_TIMEOUT"},
		{"zero price", "SUBSCRIPTION_PRICE", "0", "SUBSCRIPTION_PRICE"},
		{"zero attempts", "PAYMENT_POLL_ATTEMPTS", "0", "PAYMENT_POLL_ATTEMPTS"},
		{"unknown driver", "DB_DRIVER", "mysql", "DB_DRIVER"},
		{"empty PORT via spaces", "PORT", "   ", "PORT must not be empty"},
		{"non-positive timeouts", "READ_TIMEOUT", "0s", "timeouts must be positive"},
		{"max header bytes <= 0", "MAX_HEADER_BYTES", "0", "MAX_HEADER_BYTES"},
		{"rate rps negative", "RATE_RPS", "-1", "RATE_RPS"},
		{"rate burst < 1", "RATE_BURST", "0", "RATE_BURST"},
		{"otel sample ratio out of range", "OTEL_TRACES_SAMPLER_ARG", "1.5", "OTEL_TRACES_SAMPLER_ARG"},
		{"unknown default mode", "DEFAULT_CHAT_MODE", "poet", "unknown chat mode"},
		{"missing chat modes file", "CHAT_MODES_PATH", "/does/not/exist.yml", "CHAT_MODES_PATH"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Setenv(tc.key, tc.val)
			if _, err := Load(); err == nil || !containsErr(err, tc.want) {
				t.Fatalf("expected %q validation error, got: %v", tc.want, err)
			}
		})
	}

	t.Run("webhook without secret", func(t *testing.T) {
		t.Setenv("TELEGRAM_WEBHOOK_URL", "https://bot.example.com/hook")
		if _, err := Load(); err == nil || !containsErr(err, "TELEGRAM_WEBHOOK_SECRET") {
			t.Fatalf("expected webhook secret error, got: %v", err)
		}
	})
}

// --- chat modes ---

func TestLoadChatModes_FromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "modes.yml")
	body := `chat_modes:
  - id: poet
    name: Poet
    welcome_message: hi
    prompt_start: write verses
    parse_mode: markdown
  - id: plain
    name: Plain
`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	c, err := LoadChatModes(path, "poet")
	if err != nil {
		t.Fatalf("LoadChatModes: %v", err)
	}
	m, ok := c.Get("poet")
	if !ok || m.SystemPrompt != "write verses" || m.RenderMode != domain.RenderMarkdown {
		t.Fatalf("poet unexpected: %+v", m)
	}
	if p, _ := c.Get("plain"); p.RenderMode != domain.RenderPlain {
		t.Fatalf("plain render mode unexpected: %q", p.RenderMode)
	}
}

func TestLoadChatModes_UnknownDefault(t *testing.T) {
	_, err := LoadChatModes("", "no_such_mode")
	if !errors.Is(err, domain.ErrUnknownChatMode) {
		t.Fatalf("err = %v; want domain.ErrUnknownChatMode", err)
	}
}

func TestParseChatModes_Rejects(t *testing.T) {
	cases := map[string]string{
		"unknown field":       "chat_modes:\n  - id: a\n    name: A\n    colour: red\n",
		"unknown parse mode":  "chat_modes:\n  - id: a\n    name: A\n    parse_mode: bbcode\n",
		"duplicate ids":       "chat_modes:\n  - id: a\n    name: A\n  - id: a\n    name: B\n",
		"empty catalog":       "chat_modes: []\n",
		"separator in the id": "chat_modes:\n  - id: a|b\n    name: A\n",
	}
	for name, raw := range cases {
		if _, err := ParseChatModes([]byte(raw), "a"); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
}

// --- helpers ---

func TestHelpers_getenv(t *testing.T) {
	t.Setenv("X_EMPTY", "")
	if getenv("X_EMPTY", "d") != "d" {
		t.Fatalf("getenv should fall back to default on empty var")
	}
	t.Setenv("X_SET", "val")
	if getenv("X_SET", "d") != "val" {
		t.Fatalf("getenv should read set value")
	}
}

func TestHelpers_numeric(t *testing.T) {
	t.Setenv("F_VALID", "3.14")
	if getfloat("F_VALID", 0) != 3.14 {
		t.Fatalf("getfloat parse failed")
	}
	t.Setenv("F_BAD", "nope")
	if getfloat("F_BAD", 1.23) != 1.23 {
		t.Fatalf("getfloat default on bad parse failed")
	}

	t.Setenv("I_VALID", "42")
	if getint("I_VALID", 0) != 42 {
		t.Fatalf("getint parse failed")
	}
	t.Setenv("I64_VALID", "-1001234567890")
	if getint64("I64_VALID", 0) != -1001234567890 {
		t.Fatalf("getint64 parse failed")
	}
	t.Setenv("I_BAD", "x")
	if getint("I_BAD", 7) != 7 || getint64("I_BAD", 8) != 8 {
		t.Fatalf("int default on bad parse failed")
	}

	t.Setenv("DEC_VALID", "0.0015")
	if !getdecimal("DEC_VALID", decimal.Zero).Equal(decimal.RequireFromString("0.0015")) {
		t.Fatalf("getdecimal parse failed")
	}
	if !getdecimal("I_BAD", decimal.NewFromInt(3)).Equal(decimal.NewFromInt(3)) {
		t.Fatalf("getdecimal default on bad parse failed")
	}

	t.Setenv("D_VALID", "150ms")
	if getdur("D_VALID", time.Second) != 150*time.Millisecond {
		t.Fatalf("getdur parse failed")
	}
	t.Setenv("D_BAD", "zzz")
	if getdur("D_BAD", 2*time.Second) != 2*time.Second {
		t.Fatalf("getdur default on bad parse failed")
	}
}

func TestHelpers_getbool(t *testing.T) {
	for i, v := range []string{"1", "true", "TRUE", " yes ", "Y", "on", "On"} {
		k := "B_T_" + string(rune('a'+i))
		t.Setenv(k, v)
		if !getbool(k, false) {
			t.Fatalf("getbool(%q) = false; want true", v)
		}
	}
	for i, v := range []string{"0", "false", "FALSE", " no ", "N", "off", "Off"} {
		k := "B_F_" + string(rune('a'+i))
		t.Setenv(k, v)
		if getbool(k, true) {
			t.Fatalf("getbool(%q) = true; want false", v)
		}
	}
	t.Setenv("B_EMPTY", "")
	if !getbool("B_EMPTY", true) || getbool("B_EMPTY", false) {
		t.Fatalf("getbool default behavior unexpected")
	}
}

func TestHelpers_splitCSV_and_normalizeBasePath(t *testing.T) {
	if out := splitCSV(""); out != nil {
		t.Fatalf("splitCSV empty should return nil")
	}
	if got := splitCSV(" a, ,b ,  c  ,"); !reflect.DeepEqual(got, []string{"a", "b", "c"}) {
		t.Fatalf("splitCSV mismatch: got %#v", got)
	}
	if normalizeBasePath("") != "/" || normalizeBasePath("v1") != "/v1" ||
		normalizeBasePath("/v1/") != "/v1" || normalizeBasePath(" / ") != "/" {
		t.Fatalf("normalizeBasePath failed")
	}
}

// containsErr reports whether err's message contains the given substring.
func containsErr(err error, want string) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), want)
}
