package config

import (
	"strings"
	"testing"
	"time"
)

func TestLoad_valid(t *testing.T) {
	cfg, err := Load("testdata/valid.yaml")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Port != 9090 {
		t.Errorf("Server.Port = %d, want 9090", cfg.Server.Port)
	}
	if cfg.Server.ReadTimeout != 15*time.Second {
		t.Errorf("Server.ReadTimeout = %v, want 15s", cfg.Server.ReadTimeout)
	}
	if cfg.Skills.BaseURL != "https://skills.internal" {
		t.Errorf("Skills.BaseURL = %q", cfg.Skills.BaseURL)
	}
	if cfg.Skills.Timeout != 45*time.Second {
		t.Errorf("Skills.Timeout = %v, want 45s", cfg.Skills.Timeout)
	}
	if cfg.Skills.CircuitBreaker.FailureThreshold != 4 {
		t.Errorf("CircuitBreaker.FailureThreshold = %d, want 4", cfg.Skills.CircuitBreaker.FailureThreshold)
	}
	// Unset nested fields keep their defaults.
	if cfg.Skills.CircuitBreaker.SuccessThreshold != 2 {
		t.Errorf("CircuitBreaker.SuccessThreshold = %d, want default 2", cfg.Skills.CircuitBreaker.SuccessThreshold)
	}
	if cfg.Orchestrator.TimeBudget != 10*time.Minute {
		t.Errorf("Orchestrator.TimeBudget = %v, want 10m", cfg.Orchestrator.TimeBudget)
	}
	if cfg.Store.Driver != "sqlite" {
		t.Errorf("Store.Driver = %q, want sqlite", cfg.Store.Driver)
	}
	if !cfg.HITL.Slack.Enabled || cfg.HITL.Slack.DefaultChannelID != "C0123" {
		t.Errorf("HITL.Slack = %+v", cfg.HITL.Slack)
	}
	if cfg.HITL.Bus.Channel != "sequencer:hitl:decisions" {
		t.Errorf("HITL.Bus.Channel = %q, want default", cfg.HITL.Bus.Channel)
	}
}

func TestLoad_missing_file(t *testing.T) {
	_, err := Load("testdata/nonexistent.yaml")
	if err == nil {
		t.Fatal("Load() with missing file should return error")
	}
}

func TestLoad_invalid_collectsAllErrors(t *testing.T) {
	_, err := Load("testdata/bad_store.yaml")
	if err == nil {
		t.Fatal("Load() with bad store driver should return error")
	}
	msg := err.Error()
	for _, want := range []string{"store.driver", "orchestrator.max_parallel"} {
		if !strings.Contains(msg, want) {
			t.Errorf("error %q does not mention %s", msg, want)
		}
	}
}

func TestDefaults(t *testing.T) {
	cfg := Defaults()
	if cfg.Server.Port != 8080 {
		t.Errorf("default Server.Port = %d, want 8080", cfg.Server.Port)
	}
	if cfg.Store.Driver != "memory" {
		t.Errorf("default Store.Driver = %q, want memory", cfg.Store.Driver)
	}
	if cfg.HITL.DefaultTimeoutMinutes != 60 {
		t.Errorf("default HITL timeout = %d, want 60", cfg.HITL.DefaultTimeoutMinutes)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("defaults should validate: %v", err)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("SEQUENCER_SERVER_PORT", "3000")
	t.Setenv("SEQUENCER_SKILLS_BASE_URL", "http://localhost:7000")
	t.Setenv("SEQUENCER_ORCHESTRATOR_DRY_RUN", "true")
	t.Setenv("SEQUENCER_OBSERVABILITY_LOG_LEVEL", "error")
	t.Setenv("SEQUENCER_DEFINITIONS_DIRECTORIES", "/a,/b")

	cfg, err := Load("testdata/valid.yaml")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Port != 3000 {
		t.Errorf("Server.Port = %d, want 3000 (env override)", cfg.Server.Port)
	}
	if cfg.Skills.BaseURL != "http://localhost:7000" {
		t.Errorf("Skills.BaseURL = %q, want env override", cfg.Skills.BaseURL)
	}
	if !cfg.Orchestrator.DryRun {
		t.Error("Orchestrator.DryRun = false, want env override true")
	}
	if cfg.Observability.LogLevel != "error" {
		t.Errorf("LogLevel = %q, want error (env override)", cfg.Observability.LogLevel)
	}
	if len(cfg.Definitions.Directories) != 2 {
		t.Errorf("Definitions.Directories = %v, want 2 entries", cfg.Definitions.Directories)
	}
}

func TestValidate_invalid_port(t *testing.T) {
	cfg := Defaults()
	cfg.Server.Port = 0

	if err := cfg.Validate(); err == nil {
		t.Fatal("Validate() with port 0 should return error")
	}
}

func TestValidate_telegramNeedsChat(t *testing.T) {
	cfg := Defaults()
	cfg.HITL.Telegram.Enabled = true

	err := cfg.Validate()
	if err == nil || !strings.Contains(err.Error(), "telegram") {
		t.Fatalf("Validate() error = %v, want telegram chat_id error", err)
	}
}
