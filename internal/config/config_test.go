package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/basket/taskpulse/internal/config"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("TASKPULSE_HOME", t.TempDir())

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !cfg.NeedsGenesis {
		t.Error("fresh home must flag genesis")
	}
	if cfg.BindAddr != "127.0.0.1:18990" {
		t.Errorf("bind_addr = %q", cfg.BindAddr)
	}
	if cfg.LogLevel != "info" {
		t.Errorf("log_level = %q", cfg.LogLevel)
	}
	if cfg.Engine.Workers != 4 || cfg.Engine.PollIntervalMS != 500 || cfg.Engine.CronIntervalSecs != 60 {
		t.Errorf("engine = %+v", cfg.Engine)
	}
	if cfg.Schedules.Motivation != "0 9 * * *" || cfg.Schedules.Report != "0 20 * * *" {
		t.Errorf("schedules = %+v", cfg.Schedules)
	}
	if cfg.LLM.Provider != "google" || cfg.LLM.GeminiModel != "gemini-2.5-flash" {
		t.Errorf("llm = %+v", cfg.LLM)
	}
}

func TestLoad_ConfigFile(t *testing.T) {
	home := t.TempDir()
	t.Setenv("TASKPULSE_HOME", home)

	yaml := `
bind_addr: "0.0.0.0:9000"
log_level: debug
auth_token: sekret
llm:
  provider: anthropic
  anthropic_model: claude-sonnet-4-5
engine:
  workers: 8
schedules:
  motivation: "0 8 * * *"
`
	if err := os.WriteFile(config.ConfigPath(home), []byte(yaml), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.NeedsGenesis {
		t.Error("existing config must not flag genesis")
	}
	if cfg.BindAddr != "0.0.0.0:9000" || cfg.LogLevel != "debug" || cfg.AuthToken != "sekret" {
		t.Errorf("cfg = %+v", cfg)
	}
	if cfg.Engine.Workers != 8 {
		t.Errorf("workers = %d", cfg.Engine.Workers)
	}
	// Unset fields still normalize to defaults.
	if cfg.Engine.PollIntervalMS != 500 {
		t.Errorf("poll_interval_ms = %d", cfg.Engine.PollIntervalMS)
	}
	if cfg.Schedules.Motivation != "0 8 * * *" || cfg.Schedules.Report != "0 20 * * *" {
		t.Errorf("schedules = %+v", cfg.Schedules)
	}

	provider, model, _ := cfg.ResolveLLMConfig()
	if provider != "anthropic" || model != "claude-sonnet-4-5" {
		t.Errorf("resolved llm = %s/%s", provider, model)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	home := t.TempDir()
	t.Setenv("TASKPULSE_HOME", home)
	if err := os.WriteFile(config.ConfigPath(home), []byte("bind_addr: \"127.0.0.1:7777\"\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("TASKPULSE_BIND_ADDR", "0.0.0.0:8888")
	t.Setenv("TASKPULSE_WORKERS", "16")
	t.Setenv("TASKPULSE_LLM_PROVIDER", "gemini")

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.BindAddr != "0.0.0.0:8888" {
		t.Errorf("env override lost: bind_addr = %q", cfg.BindAddr)
	}
	if cfg.Engine.Workers != 16 {
		t.Errorf("workers = %d", cfg.Engine.Workers)
	}
	// Legacy provider name normalizes.
	if cfg.LLM.Provider != "google" {
		t.Errorf("provider = %q, want google", cfg.LLM.Provider)
	}
}

func TestProviderAPIKey(t *testing.T) {
	t.Setenv("GEMINI_API_KEY", "g-key")
	t.Setenv("ANTHROPIC_API_KEY", "a-key")

	var cfg config.Config
	if got := cfg.ProviderAPIKey("google"); got != "g-key" {
		t.Errorf("google key = %q", got)
	}
	if got := cfg.ProviderAPIKey("anthropic"); got != "a-key" {
		t.Errorf("anthropic key = %q", got)
	}
	if got := cfg.ProviderAPIKey("unknown"); got != "" {
		t.Errorf("unknown provider key = %q", got)
	}
}

func TestFingerprint_TracksMaterialFields(t *testing.T) {
	a := config.Config{BindAddr: "x", LogLevel: "info"}
	b := a
	if a.Fingerprint() != b.Fingerprint() {
		t.Fatal("identical configs must share a fingerprint")
	}
	b.BindAddr = "y"
	if a.Fingerprint() == b.Fingerprint() {
		t.Fatal("bind address change must alter the fingerprint")
	}
}

func TestConfigPath(t *testing.T) {
	if got := config.ConfigPath("/tmp/home"); got != filepath.Join("/tmp/home", "config.yaml") {
		t.Errorf("path = %q", got)
	}
}
