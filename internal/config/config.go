package config

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/basket/taskpulse/internal/otel"
)

// LLMProviderConfig holds configuration for the LLM providers the planner can use.
type LLMProviderConfig struct {
	// Provider names the active LLM provider: "google", "anthropic", "openai_compatible".
	Provider string `yaml:"provider"`

	// GoogleAI-specific config.
	GeminiModel string `yaml:"gemini_model"`

	// Anthropic-specific config.
	AnthropicModel string `yaml:"anthropic_model"`

	// OpenAICompatible config.
	OpenAIModel             string `yaml:"openai_model"`
	OpenAICompatibleBaseURL string `yaml:"openai_compatible_base_url"` // e.g. https://api.openai.com/v1
}

// EngineConfig tunes the durable delivery workers.
type EngineConfig struct {
	Workers          int `yaml:"workers"`
	PollIntervalMS   int `yaml:"poll_interval_ms"`
	CronIntervalSecs int `yaml:"cron_interval_seconds"`
}

// SchedulesConfig holds the cron expressions for the daily agent sweeps.
type SchedulesConfig struct {
	Motivation string `yaml:"motivation"`
	Report     string `yaml:"report"`
}

type Config struct {
	HomeDir string `yaml:"-"`

	BindAddr string `yaml:"bind_addr"`
	LogLevel string `yaml:"log_level"`

	// AuthToken, when set, requires a matching bearer token on all API requests.
	AuthToken string `yaml:"auth_token"`

	// AllowOrigins controls which Origin headers are accepted for browser WS connections.
	// Empty means local-only (no browser Origin required).
	AllowOrigins []string `yaml:"allow_origins"`

	LLM       LLMProviderConfig `yaml:"llm"`
	Engine    EngineConfig      `yaml:"engine"`
	Schedules SchedulesConfig   `yaml:"schedules"`
	Telemetry otel.Config       `yaml:"telemetry"`

	NeedsGenesis bool `yaml:"-"`
}

// ResolveLLMConfig returns the effective LLM provider, model, and API key.
func (c Config) ResolveLLMConfig() (provider, model, apiKey string) {
	provider = c.LLM.Provider
	if provider == "" {
		provider = "google"
	}
	// Normalize legacy provider name.
	if provider == "gemini" {
		provider = "google"
	}

	switch provider {
	case "anthropic":
		model = c.LLM.AnthropicModel
	case "openai_compatible":
		model = c.LLM.OpenAIModel
	case "google":
		model = c.LLM.GeminiModel
	}

	apiKey = c.ProviderAPIKey(provider)
	return provider, model, apiKey
}

// ProviderAPIKey returns the API key for the given provider from the environment.
func (c Config) ProviderAPIKey(provider string) string {
	envMap := map[string]string{
		"google":            "GEMINI_API_KEY",
		"anthropic":         "ANTHROPIC_API_KEY",
		"openai_compatible": "OPENAI_API_KEY",
	}
	if envVar, ok := envMap[provider]; ok {
		if v := os.Getenv(envVar); v != "" {
			return v
		}
	}
	return ""
}

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

// Fingerprint returns a stable hash of the active config.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "bind=%s|log=%s|workers=%d|llm=%s|sched=%s/%s",
		c.BindAddr, c.LogLevel, c.Engine.Workers, c.LLM.Provider,
		c.Schedules.Motivation, c.Schedules.Report)
	return fmt.Sprintf("cfg-%x", h.Sum64())
}

func defaultConfig() Config {
	return Config{
		BindAddr: "127.0.0.1:18990",
		LogLevel: "info",
		Engine: EngineConfig{
			Workers:          4,
			PollIntervalMS:   int((500 * time.Millisecond).Milliseconds()),
			CronIntervalSecs: 60,
		},
		Schedules: SchedulesConfig{
			Motivation: "0 9 * * *",
			Report:     "0 20 * * *",
		},
	}
}

func HomeDir() string {
	if override := os.Getenv("TASKPULSE_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".taskpulse")
}

func Load() (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = HomeDir()

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create taskpulse home: %w", err)
	}

	configPath := ConfigPath(cfg.HomeDir)
	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.NeedsGenesis = true
		} else {
			return cfg, fmt.Errorf("read config.yaml: %w", err)
		}
	} else if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	return cfg, nil
}

func normalize(cfg *Config) {
	if cfg.BindAddr == "" {
		cfg.BindAddr = "127.0.0.1:18990"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.Engine.Workers <= 0 {
		cfg.Engine.Workers = 4
	}
	if cfg.Engine.PollIntervalMS <= 0 {
		cfg.Engine.PollIntervalMS = 500
	}
	if cfg.Engine.CronIntervalSecs <= 0 {
		cfg.Engine.CronIntervalSecs = 60
	}
	if strings.TrimSpace(cfg.Schedules.Motivation) == "" {
		cfg.Schedules.Motivation = "0 9 * * *"
	}
	if strings.TrimSpace(cfg.Schedules.Report) == "" {
		cfg.Schedules.Report = "0 20 * * *"
	}
	if cfg.LLM.Provider == "" {
		cfg.LLM.Provider = "google"
	}
	if cfg.LLM.Provider == "gemini" {
		cfg.LLM.Provider = "google"
	}
	if cfg.LLM.GeminiModel == "" {
		cfg.LLM.GeminiModel = "gemini-2.5-flash"
	}
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("TASKPULSE_BIND_ADDR"); raw != "" {
		cfg.BindAddr = raw
	}
	if raw := os.Getenv("TASKPULSE_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("TASKPULSE_AUTH_TOKEN"); raw != "" {
		cfg.AuthToken = raw
	}
	if raw := os.Getenv("TASKPULSE_WORKERS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Engine.Workers = v
		}
	}
	if raw := os.Getenv("TASKPULSE_LLM_PROVIDER"); raw != "" {
		cfg.LLM.Provider = raw
	}
	if raw := os.Getenv("GEMINI_MODEL"); raw != "" {
		cfg.LLM.GeminiModel = raw
	}
	if raw := os.Getenv("TASKPULSE_OTEL_ENABLED"); raw != "" {
		cfg.Telemetry.Enabled = raw == "1" || strings.EqualFold(raw, "true")
	}
	if raw := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); raw != "" {
		cfg.Telemetry.Endpoint = raw
	}
}
