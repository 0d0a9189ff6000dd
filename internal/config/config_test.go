package config

import (
	"testing"
	"time"
)

func TestParseDefaults(t *testing.T) {
	cfg := Parse()

	if cfg.EngineBinary != "claude" {
		t.Errorf("EngineBinary = %q, want claude", cfg.EngineBinary)
	}
	if cfg.EngineTimeout != 10*time.Minute {
		t.Errorf("EngineTimeout = %v, want 10m", cfg.EngineTimeout)
	}
	if cfg.PendingThreshold != 150 {
		t.Errorf("PendingThreshold = %d, want 150", cfg.PendingThreshold)
	}
	if cfg.InterventionThreshold != 0.3 {
		t.Errorf("InterventionThreshold = %v, want 0.3", cfg.InterventionThreshold)
	}
	if cfg.MentionTTL != 30*time.Minute {
		t.Errorf("MentionTTL = %v, want 30m", cfg.MentionTTL)
	}
	if cfg.LogFormat != "json" {
		t.Errorf("LogFormat = %q, want json", cfg.LogFormat)
	}
}

func TestParseOverrides(t *testing.T) {
	t.Setenv("OBSERVER_PENDING_THRESHOLD", "42")
	t.Setenv("INTERVENTION_THRESHOLD", "0.5")
	t.Setenv("WATCH_CHANNELS", "C1, C2 ,,C3")
	t.Setenv("ENGINE_TIMEOUT", "90s")

	cfg := Parse()

	if cfg.PendingThreshold != 42 {
		t.Errorf("PendingThreshold = %d, want 42", cfg.PendingThreshold)
	}
	if cfg.InterventionThreshold != 0.5 {
		t.Errorf("InterventionThreshold = %v, want 0.5", cfg.InterventionThreshold)
	}
	if len(cfg.WatchChannels) != 3 || cfg.WatchChannels[1] != "C2" {
		t.Errorf("WatchChannels = %v, want [C1 C2 C3]", cfg.WatchChannels)
	}
	if cfg.EngineTimeout != 90*time.Second {
		t.Errorf("EngineTimeout = %v, want 90s", cfg.EngineTimeout)
	}
}

func TestValidate(t *testing.T) {
	cfg := &Config{}
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for missing bot token")
	}
	cfg.SlackBotToken = "xoxb-test"
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for missing app token")
	}
	cfg.SlackAppToken = "xapp-test"
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for missing API key")
	}
	cfg.AnthropicAPIKey = "sk-test"
	if err := cfg.Validate(); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestRoleAndWatchLookups(t *testing.T) {
	cfg := &Config{
		AdminUsers:    []string{"U1", "U2"},
		WatchChannels: []string{"C9"},
	}
	if !cfg.IsAdmin("U1") {
		t.Error("U1 should be admin")
	}
	if cfg.IsAdmin("U3") {
		t.Error("U3 should not be admin")
	}
	if !cfg.IsWatched("C9") {
		t.Error("C9 should be watched")
	}
	if cfg.IsWatched("C1") {
		t.Error("C1 should not be watched")
	}
}
