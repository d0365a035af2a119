package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/pelletier/go-toml/v2"
)

// LocalConfigName is the project-local config file searched for in parent directories
const LocalConfigName = ".evolve-orch.toml"

// Config holds all application configuration
type Config struct {
	General       GeneralConfig       `toml:"general"`
	LLM           LLMConfig           `toml:"llm"`
	Providers     ProvidersConfig     `toml:"providers"`
	Runs          RunsConfig          `toml:"runs"`
	Notifications NotificationsConfig `toml:"notifications"`
	Web           WebConfig           `toml:"web"`
	Logging       LoggingConfig       `toml:"logging"`
}

// GeneralConfig holds general settings
type GeneralConfig struct {
	ResultsRoot  string `toml:"results_root"`
	DatabasePath string `toml:"database_path"`
	PromptsDir   string `toml:"prompts_dir"`
}

// LLMConfig holds settings for the default (local) generative backend
type LLMConfig struct {
	BaseURL      string   `toml:"base_url"`
	APIKey       string   `toml:"api_key"`
	DefaultModel string   `toml:"default_model"`
	JudgeModel   string   `toml:"judge_model"`
	Timeout      Duration `toml:"timeout"`
	MaxAttempts  int      `toml:"max_attempts"`
	BaseDelay    Duration `toml:"base_delay"`
	MaxDelay     Duration `toml:"max_delay"`
}

// ProviderSettings holds the endpoint and credential for one hosted provider
type ProviderSettings struct {
	BaseURL    string `toml:"base_url"`
	APIKey     string `toml:"api_key"`
	APIVersion string `toml:"api_version"`
}

// ProvidersConfig holds per-provider settings for hosted backends
type ProvidersConfig struct {
	OpenAI     ProviderSettings `toml:"openai"`
	Azure      ProviderSettings `toml:"azure"`
	DeepSeek   ProviderSettings `toml:"deepseek"`
	Gemini     ProviderSettings `toml:"gemini"`
	Anthropic  ProviderSettings `toml:"anthropic"`
	OpenRouter ProviderSettings `toml:"openrouter"`
}

// RunsConfig holds run lifecycle settings
type RunsConfig struct {
	MaxParallelCandidates int      `toml:"max_parallel_candidates"`
	TopCandidates         int      `toml:"top_candidates"`
	EvictionSchedule      string   `toml:"eviction_schedule"`
	Retention             Duration `toml:"retention"`
}

// NotificationsConfig holds notification settings
type NotificationsConfig struct {
	Desktop      bool   `toml:"desktop"`
	SlackWebhook string `toml:"slack_webhook"`
}

// WebConfig holds HTTP API settings
type WebConfig struct {
	Port int    `toml:"port"`
	Host string `toml:"host"`
}

// LoggingConfig holds logger settings
type LoggingConfig struct {
	Level string `toml:"level"`
	JSON  bool   `toml:"json"`
}

// Duration is a time.Duration that decodes from TOML strings like "15s"
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = parsed
	return nil
}

// MarshalText implements encoding.TextMarshaler
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Default returns a Config with sensible defaults
func Default() *Config {
	home, _ := os.UserHomeDir()
	return &Config{
		General: GeneralConfig{
			ResultsRoot:  filepath.Join(home, ".evolve-orch", "results"),
			DatabasePath: filepath.Join(home, ".evolve-orch", "orchestrator.db"),
		},
		LLM: LLMConfig{
			BaseURL:      "http://localhost:11434/v1",
			APIKey:       "ollama",
			DefaultModel: "ollama:gemma3:latest",
			Timeout:      Duration{15 * time.Second},
			MaxAttempts:  10,
			BaseDelay:    Duration{time.Second},
			MaxDelay:     Duration{10 * time.Second},
		},
		Providers: ProvidersConfig{
			Azure:    ProviderSettings{APIVersion: "2024-06-01"},
			DeepSeek: ProviderSettings{BaseURL: "https://api.deepseek.com"},
			Gemini:   ProviderSettings{BaseURL: "https://generativelanguage.googleapis.com/v1beta/openai/"},
			OpenRouter: ProviderSettings{
				BaseURL: "https://openrouter.ai/api/v1",
			},
		},
		Runs: RunsConfig{
			MaxParallelCandidates: 4,
			TopCandidates:         8,
		},
		Notifications: NotificationsConfig{
			Desktop: false,
		},
		Web: WebConfig{
			Port: 8000,
			Host: "127.0.0.1",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load reads configuration from a TOML file, falling back to defaults.
// A .env file next to the working directory is loaded first and
// environment variables override file values.
func Load(path string) (*Config, error) {
	cfg := Default()

	// Missing .env is the normal case
	_ = godotenv.Load()

	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	if err == nil {
		if err := toml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing %s: %w", path, err)
		}
	}

	cfg.applyEnv()

	// Expand paths
	cfg.General.ResultsRoot = ExpandPath(cfg.General.ResultsRoot)
	cfg.General.DatabasePath = ExpandPath(cfg.General.DatabasePath)
	cfg.General.PromptsDir = ExpandPath(cfg.General.PromptsDir)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadWithLocalFallback loads the explicit path if given, otherwise a
// project-local config found upwards from the working directory, otherwise
// the user config.
func LoadWithLocalFallback(explicitPath string) (*Config, error) {
	if explicitPath != "" {
		return Load(explicitPath)
	}
	if local := FindLocalConfig(); local != "" {
		return Load(local)
	}
	return Load(DefaultConfigPath())
}

// applyEnv overlays environment variables. The OLLAMA_* names are accepted
// as fallbacks for the EVOLVE_* ones
func (c *Config) applyEnv() {
	c.LLM.BaseURL = firstEnv(c.LLM.BaseURL, "EVOLVE_LLM_BASE_URL", "OLLAMA_BASE_URL")
	c.LLM.APIKey = firstEnv(c.LLM.APIKey, "EVOLVE_LLM_API_KEY", "OLLAMA_API_KEY")
	c.LLM.DefaultModel = firstEnv(c.LLM.DefaultModel, "EVOLVE_LLM_MODEL")
	c.LLM.JudgeModel = firstEnv(c.LLM.JudgeModel, "EVOLVE_JUDGE_MODEL")
	if v := os.Getenv("EVOLVE_LLM_TIMEOUT"); v != "" {
		if d, ok := parseSeconds(v); ok {
			c.LLM.Timeout = Duration{d}
		}
	}
	if v := os.Getenv("EVOLVE_LLM_MAX_RETRIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.LLM.MaxAttempts = n
		}
	}

	c.Providers.OpenAI.APIKey = firstEnv(c.Providers.OpenAI.APIKey, "OPENAI_API_KEY")
	c.Providers.OpenAI.BaseURL = firstEnv(c.Providers.OpenAI.BaseURL, "OPENAI_BASE_URL")
	c.Providers.Azure.APIKey = firstEnv(c.Providers.Azure.APIKey, "AZURE_OPENAI_API_KEY")
	c.Providers.Azure.APIVersion = firstEnv(c.Providers.Azure.APIVersion, "AZURE_API_VERSION")
	c.Providers.Azure.BaseURL = firstEnv(c.Providers.Azure.BaseURL, "AZURE_API_ENDPOINT")
	c.Providers.DeepSeek.APIKey = firstEnv(c.Providers.DeepSeek.APIKey, "DEEPSEEK_API_KEY")
	c.Providers.Gemini.APIKey = firstEnv(c.Providers.Gemini.APIKey, "GEMINI_API_KEY")
	c.Providers.Anthropic.APIKey = firstEnv(c.Providers.Anthropic.APIKey, "ANTHROPIC_API_KEY")
	c.Providers.OpenRouter.APIKey = firstEnv(c.Providers.OpenRouter.APIKey, "OPENROUTER_API_KEY")

	c.Notifications.SlackWebhook = firstEnv(c.Notifications.SlackWebhook, "EVOLVE_SLACK_WEBHOOK")
	c.Logging.Level = firstEnv(c.Logging.Level, "EVOLVE_LOG_LEVEL")
}

// Validate checks that numeric settings are usable
func (c *Config) Validate() error {
	if c.LLM.Timeout.Duration <= 0 {
		return fmt.Errorf("config: llm.timeout must be positive")
	}
	if c.LLM.MaxAttempts <= 0 {
		return fmt.Errorf("config: llm.max_attempts must be positive")
	}
	if c.LLM.BaseDelay.Duration < 0 || c.LLM.MaxDelay.Duration < 0 {
		return fmt.Errorf("config: llm retry delays must not be negative")
	}
	if c.Web.Port <= 0 || c.Web.Port > 65535 {
		return fmt.Errorf("config: web.port %d out of range", c.Web.Port)
	}
	if c.Runs.MaxParallelCandidates <= 0 {
		return fmt.Errorf("config: runs.max_parallel_candidates must be positive")
	}
	if c.Runs.TopCandidates <= 0 {
		return fmt.Errorf("config: runs.top_candidates must be positive")
	}
	if c.Runs.Retention.Duration < 0 {
		return fmt.Errorf("config: runs.retention must not be negative")
	}
	return nil
}

// firstEnv returns the first non-empty environment variable among keys, or fallback
func firstEnv(fallback string, keys ...string) string {
	for _, k := range keys {
		if v := os.Getenv(k); v != "" {
			return v
		}
	}
	return fallback
}

// parseSeconds accepts "15", "15.5" (seconds) or a Go duration string
func parseSeconds(v string) (time.Duration, bool) {
	if f, err := strconv.ParseFloat(v, 64); err == nil {
		return time.Duration(f * float64(time.Second)), f > 0
	}
	d, err := time.ParseDuration(v)
	return d, err == nil && d > 0
}

// ExpandPath expands ~ to the user's home directory
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[2:])
	}
	return path
}

// DefaultConfigPath returns the default config file location
func DefaultConfigPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "evolve-orch", "config.toml")
}

// FindLocalConfig walks up from the working directory looking for LocalConfigName
func FindLocalConfig() string {
	dir, err := os.Getwd()
	if err != nil {
		return ""
	}
	for {
		candidate := filepath.Join(dir, LocalConfigName)
		if _, err := os.Stat(candidate); err == nil {
			return candidate
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return ""
		}
		dir = parent
	}
}
