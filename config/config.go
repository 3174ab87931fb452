// Package config loads settings shared by the ta-engine binaries from the
// environment, optionally seeded from a .env file.
package config

import (
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/denisbrodbeck/machineid"
	"github.com/joho/godotenv"
)

// Config holds configuration loaded from environment variables.
type Config struct {
	// Infrastructure
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	SQLitePath    string
	HTTPAddr      string

	// Logging
	LogLevel string

	// Indicator set, e.g. "SMA:20,ATR_RATIO:5/20,FRACTAL:2". IndicatorsFile,
	// when set, names a YAML indicator set that replaces it.
	Indicators     string
	IndicatorsFile string

	// Timeframes to consume (comma-separated seconds, e.g. "60,300,900")
	EnabledTFs string

	// Series to consume, "exchange:symbol" pairs, e.g. "NSE:SBIN,NSE:INFY".
	// Empty means discover from Redis.
	Symbols string

	// Optional WebSocket bar feed; empty disables it.
	FeedURL string

	// Redis consumer group identity
	ConsumerGroup string
	ConsumerName  string

	// StoreBars persists every processed bar to SQLite; StoreResults also
	// persists indicator records.
	StoreBars    bool
	StoreResults bool

	StrictOrder bool
	HealthEvery time.Duration

	// Admin API: HS256 secret for bearer tokens on /reload (empty disables
	// auth) and the allowed reload rate per second with its burst.
	AdminJWTSecret string
	ReloadRate     float64
	ReloadBurst    int

	// Alerts: a generic JSON webhook and/or a Telegram chat.
	AlertWebhookURL  string
	TelegramBotToken string
	TelegramChatID   string

	// Trading session for the bar builder, "NSE" or "HH:MM-HH:MM@Zone";
	// empty accepts ticks at any time. Holidays are YYYY-MM-DD dates.
	Session  string
	Holidays string

	// Synthetic tick server
	TickServerAddr string
	TickInterval   time.Duration
}

// DefaultIndicators is used when INDICATORS is unset.
const DefaultIndicators = "SMA:20,EMA:9,RSI:14,ATR:14,ATR_RATIO:5/20,AO:5/34,AC:5/34/5,FRACTAL:2,BBANDS:20/2"

// Load reads configuration from environment variables with sensible
// defaults. Variables already set in the environment win over the .env
// file at envFile; a missing file is not an error.
func Load(envFile string) *Config {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !os.IsNotExist(err) {
			slog.Warn("could not load env file", "path", envFile, "error", err)
		}
	}

	return &Config{
		RedisAddr:     getEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getEnvInt("REDIS_DB", 0),
		SQLitePath:    getEnv("SQLITE_PATH", "data/bars.db"),
		HTTPAddr:      getEnv("HTTP_ADDR", ":9095"),

		LogLevel: getEnv("LOG_LEVEL", "info"),

		Indicators:     getEnv("INDICATORS", DefaultIndicators),
		IndicatorsFile: getEnv("INDICATORS_FILE", ""),
		EnabledTFs: getEnv("ENABLED_TFS", "60,300"),
		Symbols:    getEnv("SYMBOLS", ""),
		FeedURL:    getEnv("FEED_URL", ""),

		ConsumerGroup: getEnv("CONSUMER_GROUP", "indengine"),
		ConsumerName:  getEnv("CONSUMER_NAME", defaultConsumerName()),

		StoreBars:    getEnvBool("SQLITE_STORE_BARS", true),
		StoreResults: getEnvBool("SQLITE_STORE_RESULTS", false),

		StrictOrder: getEnvBool("STRICT_ORDER", false),
		HealthEvery: getEnvDuration("HEALTH_INTERVAL", 10*time.Second),

		AdminJWTSecret: getEnv("ADMIN_JWT_SECRET", ""),
		ReloadRate:     getEnvFloat("RELOAD_RATE", 0.2),
		ReloadBurst:    getEnvInt("RELOAD_BURST", 3),

		AlertWebhookURL:  getEnv("ALERT_WEBHOOK_URL", ""),
		TelegramBotToken: getEnv("TELEGRAM_BOT_TOKEN", ""),
		TelegramChatID:   getEnv("TELEGRAM_CHAT_ID", ""),

		Session:  getEnv("SESSION", ""),
		Holidays: getEnv("HOLIDAYS", ""),

		TickServerAddr: getEnv("TICK_SERVER_ADDR", ":9001"),
		TickInterval:   getEnvDuration("TICK_INTERVAL", 100*time.Millisecond),
	}
}

// ParseTFs parses EnabledTFs into timeframe durations in seconds, skipping
// invalid entries.
func (c *Config) ParseTFs() []int {
	parts := strings.Split(c.EnabledTFs, ",")
	tfs := make([]int, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		n, err := strconv.Atoi(p)
		if err != nil || n <= 0 {
			slog.Warn("skipping invalid TF value", "value", p)
			continue
		}
		tfs = append(tfs, n)
	}
	return tfs
}

// Instrument is one exchange:symbol pair.
type Instrument struct {
	Exchange string
	Symbol   string
}

// ParseSymbols parses Symbols into instruments. Entries without an exchange
// prefix default to "NSE".
func (c *Config) ParseSymbols() []Instrument {
	var out []Instrument
	for _, p := range strings.Split(c.Symbols, ",") {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		ex, sym, ok := strings.Cut(p, ":")
		if !ok {
			ex, sym = "NSE", p
		}
		out = append(out, Instrument{Exchange: strings.ToUpper(ex), Symbol: strings.ToUpper(sym)})
	}
	return out
}

// defaultConsumerName derives a consumer name from the machine id so a
// restarted container rejoins the group as the same consumer and picks up
// its own pending entries. Hosts without a machine id fall back to the
// hostname.
func defaultConsumerName() string {
	if id, err := machineid.ProtectedID("ta-engine"); err == nil && len(id) >= 12 {
		return "ta-" + id[:12]
	}
	h, err := os.Hostname()
	if err != nil || h == "" {
		return "worker-1"
	}
	return h
}

func getEnv(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func getEnvInt(key string, fallback int) int {
	v, err := strconv.Atoi(os.Getenv(key))
	if err != nil {
		return fallback
	}
	return v
}

func getEnvFloat(key string, fallback float64) float64 {
	v, err := strconv.ParseFloat(os.Getenv(key), 64)
	if err != nil || v <= 0 {
		return fallback
	}
	return v
}

func getEnvBool(key string, fallback bool) bool {
	v, err := strconv.ParseBool(os.Getenv(key))
	if err != nil {
		return fallback
	}
	return v
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	v, err := time.ParseDuration(os.Getenv(key))
	if err != nil || v <= 0 {
		return fallback
	}
	return v
}
