// Package config loads the bot's runtime configuration from the
// environment. It follows the read-defaults-validate shape of
// pkg/config.LoadConfig, but reads os.Getenv directly instead of a YAML
// file: every key spec.md §6 documents is an environment variable, not
// a path on disk (see DESIGN.md for why gopkg.in/yaml.v3 isn't wired
// here despite being in the teacher's go.mod).
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds every environment-derived setting the bot needs to run.
type Config struct {
	BotPrivateKey string
	GeminiAPIKey  string
	NostrRelays   []string

	BotName           string
	BotResponseDelay  time.Duration

	MaxConcurrent int
	MaxQueueSize  int
	QueueTimeout  time.Duration

	RateLimitMaxTokens   float64
	RateLimitRefillRate  float64

	UserMetadataCacheTTL   time.Duration
	UserMetadataFastTimeout time.Duration

	EnableChatSessionReuse bool
	ChatSessionTTL         time.Duration
	MaxChatSessions        int

	EnableMemorySummary     bool
	MemorySummaryMinMessages int

	WebPort           int
	DashboardPassword string

	RelayPublishTimeout time.Duration

	// StoreBackend selects the store.Store implementation: "redis"
	// (default) or "firestore".
	StoreBackend    string
	RedisAddr       string
	RedisPassword   string
	RedisDB         int
	FirestoreProject string
}

// Load reads and validates configuration from the process environment.
func Load() (*Config, error) {
	cfg := &Config{
		BotPrivateKey: os.Getenv("BOT_PRIVATE_KEY"),
		GeminiAPIKey:  firstNonEmpty(os.Getenv("GEMINI_API_KEY"), os.Getenv("GOOGLE_GENERATIVE_AI_API_KEY")),
		NostrRelays:   splitCSV(os.Getenv("NOSTR_RELAYS")),

		BotName:          getEnv("BOT_NAME", "ZapAI"),
		BotResponseDelay: getEnvMillis("BOT_RESPONSE_DELAY", 0),

		MaxConcurrent: getEnvInt("MAX_CONCURRENT", 10),
		MaxQueueSize:  getEnvInt("MAX_QUEUE_SIZE", 10000),
		QueueTimeout:  getEnvMillis("QUEUE_TIMEOUT", 60000),

		RateLimitMaxTokens:  getEnvFloat("RATE_LIMIT_MAX_TOKENS", 50),
		RateLimitRefillRate: getEnvFloat("RATE_LIMIT_REFILL_RATE", 5),

		UserMetadataCacheTTL:    getEnvMillis("USER_METADATA_CACHE_TTL_MS", 21_600_000),
		UserMetadataFastTimeout: getEnvMillis("USER_METADATA_FAST_TIMEOUT_MS", 300),

		EnableChatSessionReuse: getEnvBool("ENABLE_CHAT_SESSION_REUSE", true),
		ChatSessionTTL:         getEnvMillis("CHAT_SESSION_TTL_MS", 1_800_000),
		MaxChatSessions:        getEnvInt("MAX_CHAT_SESSIONS", 5000),

		EnableMemorySummary:      getEnvBool("ENABLE_MEMORY_SUMMARY", false),
		MemorySummaryMinMessages: getEnvInt("MEMORY_SUMMARY_MIN_MESSAGES", 16),

		WebPort:           getEnvInt("WEB_PORT", 3000),
		DashboardPassword: os.Getenv("DASHBOARD_PASSWORD"),

		RelayPublishTimeout: getEnvMillis("RELAY_PUBLISH_TIMEOUT_MS", 8000),

		StoreBackend:     getEnv("STORE_BACKEND", "redis"),
		RedisAddr:        getEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword:    os.Getenv("REDIS_PASSWORD"),
		RedisDB:          getEnvInt("REDIS_DB", 0),
		FirestoreProject: os.Getenv("FIRESTORE_PROJECT"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the required keys spec.md §6 marks as required.
func (c *Config) Validate() error {
	if c.BotPrivateKey == "" {
		return fmt.Errorf("config: BOT_PRIVATE_KEY is required")
	}
	if c.GeminiAPIKey == "" {
		return fmt.Errorf("config: GEMINI_API_KEY or GOOGLE_GENERATIVE_AI_API_KEY is required")
	}
	if len(c.NostrRelays) == 0 {
		return fmt.Errorf("config: NOSTR_RELAYS is required")
	}
	switch c.StoreBackend {
	case "redis":
	case "firestore":
		if c.FirestoreProject == "" {
			return fmt.Errorf("config: FIRESTORE_PROJECT is required when STORE_BACKEND=firestore")
		}
	default:
		return fmt.Errorf("config: STORE_BACKEND must be \"redis\" or \"firestore\", got %q", c.StoreBackend)
	}
	return nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getEnvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getEnvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func getEnvMillis(key string, defMS int) time.Duration {
	ms := getEnvInt(key, defMS)
	return time.Duration(ms) * time.Millisecond
}
