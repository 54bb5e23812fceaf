// Package config loads application configuration from environment variables,
// with optional per-exchange request-limit tuning from a YAML file.
package config

import (
	"crypto/rand"
	"encoding/hex"
	"os"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

// Config holds all application configuration.
type Config struct {
	// Server
	Port        string
	MetricsAddr string
	LogLevel    string
	LogPretty   bool

	// Persistence root
	DataDir string

	// Security secrets. Never hard-coded: missing values are generated at
	// boot with a warning so a fresh checkout still runs.
	AdminCommandToken string
	AdminAPIKey       string
	FeedbackIPSalt    string
	ChatIPSalt        string

	// Warm-up default timeframe in minutes for clients that have not chosen
	// their own. Only a backfill priority hint.
	DefaultTimeframe int

	// Ingress limits
	MaxConnsPerIP  int
	MaxConnsGlobal int

	// Snapshot / archive cadence
	SnapshotInterval time.Duration
	ArchiveInterval  time.Duration

	// Outbound REST limits per exchange family.
	Limits Limits
}

// ExchangeLimit tunes one exchange's REST scheduler.
type ExchangeLimit struct {
	ChunkSize   int           `yaml:"chunk_size"`    // parallel calls per chunk (1 = serialized)
	Spacing     time.Duration `yaml:"spacing"`       // minimum delay between call starts / chunks
	PausePer429 time.Duration `yaml:"pause_per_429"` // queue pause after an observed 429
}

// Limits groups the per-exchange REST limits.
type Limits struct {
	Upbit   ExchangeLimit `yaml:"upbit"`
	Bithumb ExchangeLimit `yaml:"bithumb"`
	Binance ExchangeLimit `yaml:"binance"`
	OKX     ExchangeLimit `yaml:"okx"`
}

// DefaultLimits returns the built-in scheduler tuning: Korean venues are
// strictly serialized with 150ms spacing, Binance runs chunks of 3 spaced
// 500ms, OKX chunks of 5 spaced 1s.
func DefaultLimits() Limits {
	korean := ExchangeLimit{ChunkSize: 1, Spacing: 150 * time.Millisecond, PausePer429: 3 * time.Second}
	return Limits{
		Upbit:   korean,
		Bithumb: korean,
		Binance: ExchangeLimit{ChunkSize: 3, Spacing: 500 * time.Millisecond, PausePer429: 3 * time.Second},
		OKX:     ExchangeLimit{ChunkSize: 5, Spacing: time.Second, PausePer429: 3 * time.Second},
	}
}

// Load reads configuration from environment variables with sensible defaults.
// If LIMITS_FILE points at a YAML file, per-exchange limits are merged over
// the defaults.
func Load() *Config {
	cfg := &Config{
		Port:        getEnv("PORT", "8080"),
		MetricsAddr: getEnv("METRICS_ADDR", ":9090"),
		LogLevel:    getEnv("LOG_LEVEL", "info"),
		LogPretty:   getEnv("LOG_PRETTY", "") == "1",
		DataDir:     getEnv("DATA_DIR", "data"),

		AdminCommandToken: secretEnv("ADMIN_COMMAND_TOKEN"),
		AdminAPIKey:       secretEnv("ADMIN_API_KEY"),
		FeedbackIPSalt:    secretEnv("FEEDBACK_IP_SALT"),
		ChatIPSalt:        secretEnv("CHAT_IP_SALT"),

		DefaultTimeframe: getEnvInt("DEFAULT_TIMEFRAME", 1),
		MaxConnsPerIP:    getEnvInt("MAX_CONNS_PER_IP", 10),
		MaxConnsGlobal:   getEnvInt("MAX_CONNS_GLOBAL", 10_000),

		SnapshotInterval: getEnvDuration("SNAPSHOT_INTERVAL", 10*time.Minute),
		ArchiveInterval:  getEnvDuration("ARCHIVE_INTERVAL", time.Minute),

		Limits: DefaultLimits(),
	}

	if path := os.Getenv("LIMITS_FILE"); path != "" {
		if err := loadLimitsFile(path, &cfg.Limits); err != nil {
			log.Warn().Str("component", "config").Str("file", path).Err(err).
				Msg("could not load limits file, using defaults")
		}
	}
	return cfg
}

func loadLimitsFile(path string, limits *Limits) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(b, limits)
}

// secretEnv reads a secret from the environment, generating a random one with
// a warning when unset. Generated secrets do not survive restarts.
func secretEnv(key string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		log.Fatal().Str("component", "config").Err(err).Msgf("cannot generate %s", key)
	}
	v := hex.EncodeToString(buf)
	log.Warn().Str("component", "config").Str("key", key).
		Msg("secret not set, generated a random value for this run")
	return v
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
		log.Warn().Str("component", "config").Str("key", key).Str("value", v).
			Msg("invalid integer env value, using default")
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
		log.Warn().Str("component", "config").Str("key", key).Str("value", v).
			Msg("invalid duration env value, using default")
	}
	return fallback
}
