package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds all configuration for the Solace dialogue plane.
type Config struct {
	Port       int
	Version    string
	Database   DatabaseConfig
	Telemetry  TelemetryConfig
	Generation GenerationConfig
	Moderation ModerationConfig
	Dialogue   DialogueConfig
	Retention  RetentionConfig
}

type DatabaseConfig struct {
	// URL enables the PostgreSQL store. Empty = in-memory store.
	URL string
	// DataDir is where the in-memory store snapshots to disk.
	DataDir string
}

type TelemetryConfig struct {
	Enabled      bool
	OTLPEndpoint string
	ServiceName  string
}

type GenerationConfig struct {
	Endpoint  string
	APIKey    string
	FastModel string
	DeepModel string
	MaxTokens int
	Timeout   time.Duration
}

type ModerationConfig struct {
	Endpoint string
	APIKey   string
	Model    string
	Timeout  time.Duration
}

type DialogueConfig struct {
	UsageLimit   int
	UsagePeriod  time.Duration
	RecentWindow int
}

type RetentionConfig struct {
	Enabled  bool
	Interval time.Duration
	// MaxAge is how long an untouched conversation is kept before the
	// sweeper deletes it.
	MaxAge time.Duration
}

// Load reads configuration from environment variables with sensible defaults.
func Load() *Config {
	return &Config{
		Port:    envInt("SOLACE_PORT", 8080),
		Version: envStr("SOLACE_VERSION", "0.4.0"),
		Database: DatabaseConfig{
			URL:     envStr("DATABASE_URL", ""),
			DataDir: envStr("SOLACE_DATA_DIR", defaultDataDir()),
		},
		Telemetry: TelemetryConfig{
			Enabled:      envBool("OTEL_ENABLED", true),
			OTLPEndpoint: envStr("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
			ServiceName:  envStr("OTEL_SERVICE_NAME", "solace-dialogue"),
		},
		Generation: GenerationConfig{
			Endpoint:  envStr("GENERATION_ENDPOINT", "https://api.openai.com/v1"),
			APIKey:    envStr("GENERATION_API_KEY", ""),
			FastModel: envStr("GENERATION_FAST_MODEL", "gpt-4o-mini"),
			DeepModel: envStr("GENERATION_DEEP_MODEL", "gpt-4o"),
			MaxTokens: envInt("GENERATION_MAX_TOKENS", 1024),
			Timeout:   envDuration("GENERATION_TIMEOUT", 60*time.Second),
		},
		Moderation: ModerationConfig{
			Endpoint: envStr("MODERATION_ENDPOINT", "https://api.openai.com/v1"),
			APIKey:   envStr("MODERATION_API_KEY", ""),
			Model:    envStr("MODERATION_MODEL", "omni-moderation-latest"),
			Timeout:  envDuration("MODERATION_TIMEOUT", 3*time.Second),
		},
		Dialogue: DialogueConfig{
			UsageLimit:   envInt("DIALOGUE_USAGE_LIMIT", 50),
			UsagePeriod:  envDuration("DIALOGUE_USAGE_PERIOD", 24*time.Hour),
			RecentWindow: envInt("DIALOGUE_RECENT_WINDOW", 20),
		},
		Retention: RetentionConfig{
			Enabled:  envBool("RETENTION_ENABLED", true),
			Interval: envDuration("RETENTION_INTERVAL", time.Hour),
			MaxAge:   envDuration("RETENTION_MAX_AGE", 365*24*time.Hour),
		},
	}
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return home + "/.solace"
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
