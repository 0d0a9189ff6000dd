// Package config provides bot configuration from environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds bot configuration. Values come from env vars or defaults.
type Config struct {
	// --- Slack ---

	// SlackBotToken is the xoxb bot token (env: SLACK_BOT_TOKEN). Required.
	SlackBotToken string

	// SlackAppToken is the xapp app-level token for Socket Mode
	// (env: SLACK_APP_TOKEN). Required.
	SlackAppToken string

	// DebugChannel is an optional channel ID that receives structured debug
	// records from the observer and memory pipelines (env: DEBUG_CHANNEL).
	// Empty disables debug reporting.
	DebugChannel string

	// WatchChannels is the comma-separated list of channel IDs the observer
	// lurks in (env: WATCH_CHANNELS). Messages in other channels are only
	// handled when the bot is mentioned.
	WatchChannels []string

	// AdminUsers is the comma-separated list of Slack user IDs granted the
	// admin role (env: ADMIN_USERS). Everyone else is a viewer.
	AdminUsers []string

	// --- Engine ---

	// EngineBinary is the path to the engine CLI binary (env: ENGINE_BINARY).
	// Default: "claude". Ignored when EngineURL is set.
	EngineBinary string

	// EngineURL is the base URL of a remote engine service (env: ENGINE_URL).
	// When set, engine calls go over HTTP instead of a local subprocess.
	EngineURL string

	// EngineTimeout is the wait deadline for a single engine call
	// (env: ENGINE_TIMEOUT). Default: 10m. The process is terminated on expiry.
	EngineTimeout time.Duration

	// MCPConfigPath is the MCP server configuration file passed to the engine
	// for admin sessions (env: MCP_CONFIG_PATH).
	MCPConfigPath string

	// --- LLM ---

	// AnthropicAPIKey authenticates the pipeline LLM calls
	// (env: ANTHROPIC_API_KEY). Required.
	AnthropicAPIKey string

	// JudgeModel is the model used for channel judging and digest folding
	// (env: JUDGE_MODEL). Default: claude-3-5-haiku-latest.
	JudgeModel string

	// CompressModel is the model used for digest and memory compression
	// (env: COMPRESS_MODEL). Default: claude-sonnet-4-5. Intentionally a
	// stronger model than the judge — compression quality compounds.
	CompressModel string

	// --- Observer ---

	// PendingThreshold is the pending-buffer token count that triggers a
	// pipeline run (env: OBSERVER_PENDING_THRESHOLD). Default: 150.
	PendingThreshold int

	// DigestFoldThreshold is the judged+pending token count above which the
	// judged buffer is folded into the digest (env: OBSERVER_FOLD_THRESHOLD).
	// Default: 5000.
	DigestFoldThreshold int

	// DigestMaxTokens is the digest size that triggers compression
	// (env: OBSERVER_DIGEST_MAX_TOKENS). Default: 10000.
	DigestMaxTokens int

	// DigestTargetTokens is the compression target
	// (env: OBSERVER_DIGEST_TARGET_TOKENS). Default: 5000.
	DigestTargetTokens int

	// InterventionThreshold is the minimum final score for an autonomous
	// channel message (env: INTERVENTION_THRESHOLD). Default: 0.3.
	InterventionThreshold float64

	// InterventionCooldown is the idle-state cooldown between interventions
	// (env: INTERVENTION_COOLDOWN). Default: 10m.
	InterventionCooldown time.Duration

	// TriggerWords force a pipeline run regardless of the pending threshold
	// (env: TRIGGER_WORDS, comma-separated).
	TriggerWords []string

	// MentionTTL is how long a thread stays marked as mention-handled,
	// excluding it from observer reactions (env: MENTION_TTL). Default: 30m.
	MentionTTL time.Duration

	// --- Memory ---

	// MinTurnTokens is the minimum round-trip size worth observing
	// (env: OM_MIN_TURN_TOKENS). Default: 50.
	MinTurnTokens int

	// ReflectionThreshold is the per-session observation token count that
	// triggers in-place compression (env: OM_REFLECTION_THRESHOLD).
	// Default: 3000.
	ReflectionThreshold int

	// PromotionThreshold is the cross-session candidate token count that
	// triggers promotion to long-term memory (env: OM_PROMOTION_THRESHOLD).
	// Default: 1000.
	PromotionThreshold int

	// CompactionThreshold is the persistent-memory token count that triggers
	// compaction (env: OM_COMPACTION_THRESHOLD). Default: 8000.
	CompactionThreshold int

	// InjectionBudget caps the assembled context injection
	// (env: OM_INJECTION_BUDGET). Default: 6000 tokens.
	InjectionBudget int

	// --- Storage ---

	// DataDir is the base directory for sessions, memory, and channel state
	// (env: DATA_DIR). Default: "./data".
	DataDir string

	// SessionMaxAgeHours is the cleanup threshold for stale sessions
	// (env: SESSION_MAX_AGE_HOURS). Default: 720 (30 days).
	SessionMaxAgeHours int

	// --- Runtime ---

	// LogLevel controls log verbosity: debug, info, warn, error (env: LOG_LEVEL).
	LogLevel string

	// LogFormat selects the slog handler: json (default) or text (env: LOG_FORMAT).
	LogFormat string

	// ListenAddr is the health endpoint bind address (env: LISTEN_ADDR).
	// Default: ":8090".
	ListenAddr string
}

// Parse reads configuration from environment variables.
func Parse() *Config {
	return &Config{
		SlackBotToken: os.Getenv("SLACK_BOT_TOKEN"),
		SlackAppToken: os.Getenv("SLACK_APP_TOKEN"),
		DebugChannel:  os.Getenv("DEBUG_CHANNEL"),
		WatchChannels: envList("WATCH_CHANNELS"),
		AdminUsers:    envList("ADMIN_USERS"),

		EngineBinary:  envOr("ENGINE_BINARY", "claude"),
		EngineURL:     os.Getenv("ENGINE_URL"),
		EngineTimeout: envDurationOr("ENGINE_TIMEOUT", 10*time.Minute),
		MCPConfigPath: os.Getenv("MCP_CONFIG_PATH"),

		AnthropicAPIKey: os.Getenv("ANTHROPIC_API_KEY"),
		JudgeModel:      envOr("JUDGE_MODEL", "claude-3-5-haiku-latest"),
		CompressModel:   envOr("COMPRESS_MODEL", "claude-sonnet-4-5"),

		PendingThreshold:      envIntOr("OBSERVER_PENDING_THRESHOLD", 150),
		DigestFoldThreshold:   envIntOr("OBSERVER_FOLD_THRESHOLD", 5000),
		DigestMaxTokens:       envIntOr("OBSERVER_DIGEST_MAX_TOKENS", 10000),
		DigestTargetTokens:    envIntOr("OBSERVER_DIGEST_TARGET_TOKENS", 5000),
		InterventionThreshold: envFloatOr("INTERVENTION_THRESHOLD", 0.3),
		InterventionCooldown:  envDurationOr("INTERVENTION_COOLDOWN", 10*time.Minute),
		TriggerWords:          envList("TRIGGER_WORDS"),
		MentionTTL:            envDurationOr("MENTION_TTL", 30*time.Minute),

		MinTurnTokens:       envIntOr("OM_MIN_TURN_TOKENS", 50),
		ReflectionThreshold: envIntOr("OM_REFLECTION_THRESHOLD", 3000),
		PromotionThreshold:  envIntOr("OM_PROMOTION_THRESHOLD", 1000),
		CompactionThreshold: envIntOr("OM_COMPACTION_THRESHOLD", 8000),
		InjectionBudget:     envIntOr("OM_INJECTION_BUDGET", 6000),

		DataDir:            envOr("DATA_DIR", "./data"),
		SessionMaxAgeHours: envIntOr("SESSION_MAX_AGE_HOURS", 720),

		LogLevel:   envOr("LOG_LEVEL", "info"),
		LogFormat:  envOr("LOG_FORMAT", "json"),
		ListenAddr: envOr("LISTEN_ADDR", ":8090"),
	}
}

// Validate returns an error describing the first missing mandatory setting.
func (c *Config) Validate() error {
	if c.SlackBotToken == "" {
		return fmt.Errorf("SLACK_BOT_TOKEN is required")
	}
	if c.SlackAppToken == "" {
		return fmt.Errorf("SLACK_APP_TOKEN is required")
	}
	if c.AnthropicAPIKey == "" {
		return fmt.Errorf("ANTHROPIC_API_KEY is required")
	}
	return nil
}

// IsAdmin reports whether the given Slack user ID has the admin role.
func (c *Config) IsAdmin(userID string) bool {
	for _, u := range c.AdminUsers {
		if u == userID {
			return true
		}
	}
	return false
}

// IsWatched reports whether the observer lurks in the given channel.
func (c *Config) IsWatched(channelID string) bool {
	for _, ch := range c.WatchChannels {
		if ch == channelID {
			return true
		}
	}
	return false
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envIntOr(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envFloatOr(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func envDurationOr(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func envList(key string) []string {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
