package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		"EVOLVE_LLM_BASE_URL", "OLLAMA_BASE_URL", "EVOLVE_LLM_API_KEY", "OLLAMA_API_KEY",
		"EVOLVE_LLM_MODEL", "EVOLVE_JUDGE_MODEL", "EVOLVE_LLM_TIMEOUT", "EVOLVE_LLM_MAX_RETRIES",
		"OPENAI_API_KEY", "DEEPSEEK_API_KEY", "EVOLVE_LOG_LEVEL",
	} {
		t.Setenv(k, "")
	}
}

func TestLoad_Defaults(t *testing.T) {
	cfg := Default()

	if cfg.LLM.BaseURL != "http://localhost:11434/v1" {
		t.Errorf("LLM.BaseURL = %q, want local ollama endpoint", cfg.LLM.BaseURL)
	}
	if cfg.LLM.MaxAttempts != 10 {
		t.Errorf("LLM.MaxAttempts = %d, want 10", cfg.LLM.MaxAttempts)
	}
	if cfg.LLM.Timeout.Duration != 15*time.Second {
		t.Errorf("LLM.Timeout = %v, want 15s", cfg.LLM.Timeout)
	}
	if cfg.Runs.TopCandidates != 8 {
		t.Errorf("Runs.TopCandidates = %d, want 8", cfg.Runs.TopCandidates)
	}
	if cfg.Web.Host != "127.0.0.1" {
		t.Errorf("Web.Host = %q, want 127.0.0.1", cfg.Web.Host)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config should validate: %v", err)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	clearEnv(t)

	cfg, err := Load(filepath.Join(t.TempDir(), "nope.toml"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.LLM.DefaultModel != "ollama:gemma3:latest" {
		t.Errorf("DefaultModel = %q, want default", cfg.LLM.DefaultModel)
	}
}

func TestLoad_FromFile(t *testing.T) {
	clearEnv(t)
	path := writeTempConfig(t, `
[general]
results_root = "/tmp/evolve-results"

[llm]
default_model = "ollama:qwen3:0.6b"
timeout = "30s"
max_attempts = 4

[runs]
eviction_schedule = "@hourly"
retention = "24h"

[web]
port = 9000
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}

	if cfg.General.ResultsRoot != "/tmp/evolve-results" {
		t.Errorf("ResultsRoot = %q, want /tmp/evolve-results", cfg.General.ResultsRoot)
	}
	if cfg.LLM.DefaultModel != "ollama:qwen3:0.6b" {
		t.Errorf("DefaultModel = %q", cfg.LLM.DefaultModel)
	}
	if cfg.LLM.Timeout.Duration != 30*time.Second {
		t.Errorf("Timeout = %v, want 30s", cfg.LLM.Timeout)
	}
	if cfg.LLM.MaxAttempts != 4 {
		t.Errorf("MaxAttempts = %d, want 4", cfg.LLM.MaxAttempts)
	}
	if cfg.Runs.Retention.Duration != 24*time.Hour {
		t.Errorf("Retention = %v, want 24h", cfg.Runs.Retention)
	}
	if cfg.Web.Port != 9000 {
		t.Errorf("Web.Port = %d, want 9000", cfg.Web.Port)
	}
	// untouched sections keep defaults
	if cfg.LLM.BaseURL != "http://localhost:11434/v1" {
		t.Errorf("BaseURL = %q, want default", cfg.LLM.BaseURL)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("OLLAMA_BASE_URL", "http://gpu-box:11434/v1")
	t.Setenv("EVOLVE_LLM_MODEL", "ollama:llama3")
	t.Setenv("EVOLVE_LLM_TIMEOUT", "2.5")
	t.Setenv("DEEPSEEK_API_KEY", "sk-deep")

	cfg, err := Load(filepath.Join(t.TempDir(), "none.toml"))
	if err != nil {
		t.Fatal(err)
	}

	if cfg.LLM.BaseURL != "http://gpu-box:11434/v1" {
		t.Errorf("BaseURL = %q", cfg.LLM.BaseURL)
	}
	if cfg.LLM.DefaultModel != "ollama:llama3" {
		t.Errorf("DefaultModel = %q", cfg.LLM.DefaultModel)
	}
	if cfg.LLM.Timeout.Duration != 2500*time.Millisecond {
		t.Errorf("Timeout = %v, want 2.5s", cfg.LLM.Timeout)
	}
	if cfg.Providers.DeepSeek.APIKey != "sk-deep" {
		t.Errorf("DeepSeek.APIKey = %q", cfg.Providers.DeepSeek.APIKey)
	}
}

func TestLoad_EvolvePrefixWins(t *testing.T) {
	clearEnv(t)
	t.Setenv("OLLAMA_BASE_URL", "http://ollama")
	t.Setenv("EVOLVE_LLM_BASE_URL", "http://evolve")

	cfg, err := Load(filepath.Join(t.TempDir(), "none.toml"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.LLM.BaseURL != "http://evolve" {
		t.Errorf("BaseURL = %q, want http://evolve", cfg.LLM.BaseURL)
	}
}

func TestLoad_InvalidValues(t *testing.T) {
	clearEnv(t)
	tests := []struct {
		name    string
		content string
	}{
		{"zero attempts", "[llm]\nmax_attempts = 0\n"},
		{"bad port", "[web]\nport = 70000\n"},
		{"bad duration", "[llm]\ntimeout = \"soon\"\n"},
		{"zero top", "[runs]\ntop_candidates = 0\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Load(writeTempConfig(t, tt.content)); err == nil {
				t.Errorf("Load() should fail for %s", tt.name)
			}
		})
	}
}

func TestExpandPath(t *testing.T) {
	home, _ := os.UserHomeDir()

	tests := []struct {
		input string
		want  string
	}{
		{"~/test", filepath.Join(home, "test")},
		{"/absolute/path", "/absolute/path"},
		{"relative", "relative"},
	}

	for _, tt := range tests {
		got := ExpandPath(tt.input)
		if got != tt.want {
			t.Errorf("ExpandPath(%q) = %q, want %q", tt.input, got, tt.want)
		}
	}
}

func TestFindLocalConfig(t *testing.T) {
	root := t.TempDir()
	subdir := filepath.Join(root, "sub", "dir")
	if err := os.MkdirAll(subdir, 0755); err != nil {
		t.Fatal(err)
	}

	localConfig := filepath.Join(root, LocalConfigName)
	if err := os.WriteFile(localConfig, []byte("[web]\nport = 8123\n"), 0644); err != nil {
		t.Fatal(err)
	}

	t.Chdir(subdir)

	found := FindLocalConfig()
	// macOS temp dirs resolve through /private
	if resolved, err := filepath.EvalSymlinks(found); err == nil {
		found = resolved
	}
	want, _ := filepath.EvalSymlinks(localConfig)
	if found != want {
		t.Errorf("FindLocalConfig() = %q, want %q", found, want)
	}
}

func TestLoadWithLocalFallback_ExplicitPath(t *testing.T) {
	clearEnv(t)
	path := writeTempConfig(t, "[web]\nport = 8124\n")

	cfg, err := LoadWithLocalFallback(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Web.Port != 8124 {
		t.Errorf("Web.Port = %d, want 8124", cfg.Web.Port)
	}
}

func writeTempConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}
