package llm

import (
	"fmt"
	"sort"

	openai "github.com/sashabaranov/go-openai"

	"github.com/hochfrequenz/evolve-orchestrator/internal/config"
)

// DefaultRegistry registers the built-in providers using settings from cfg.
// The local OpenAI-compatible endpoint (ollama) takes its settings from the
// [llm] section; hosted providers from [providers.*].
func DefaultRegistry(cfg *config.Config) (*Registry, error) {
	r := NewRegistry()

	providers := []Provider{
		{
			Name:     "ollama",
			Prefixes: []string{"ollama:", "ollama-"},
			Settings: config.ProviderSettings{BaseURL: cfg.LLM.BaseURL, APIKey: cfg.LLM.APIKey},
			New:      compatible("ollama"),
		},
		{
			Name:             "azure",
			Prefixes:         []string{"azure-"},
			Settings:         cfg.Providers.Azure,
			New:              newAzure,
			SupportsJSONMode: true,
			Pricing:          openAIPrices,
		},
		{
			Name:             "openai",
			Models:           sortedModels(openAIPrices),
			Settings:         cfg.Providers.OpenAI,
			New:              compatible("openai"),
			SupportsJSONMode: true,
			Pricing:          openAIPrices,
		},
		{
			Name:             "deepseek",
			Models:           sortedModels(deepSeekPrices),
			Settings:         cfg.Providers.DeepSeek,
			New:              compatible("deepseek"),
			SupportsJSONMode: true,
			Pricing:          deepSeekPrices,
		},
		{
			Name:             "gemini",
			Models:           sortedModels(geminiPrices),
			Settings:         cfg.Providers.Gemini,
			New:              compatible("gemini"),
			SupportsJSONMode: true,
			Pricing:          geminiPrices,
		},
		{
			Name:     "anthropic",
			Models:   sortedModels(anthropicPrices),
			Settings: cfg.Providers.Anthropic,
			New:      newAnthropic,
			Pricing:  anthropicPrices,
		},
		{
			Name:     "openrouter",
			Prefixes: []string{"openrouter/"},
			Settings: cfg.Providers.OpenRouter,
			New:      compatible("openrouter"),
		},
	}

	for _, p := range providers {
		if err := r.Register(p); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// compatible builds a constructor for an OpenAI-compatible endpoint.
// An empty base URL keeps go-openai's default (api.openai.com).
func compatible(name string) func(config.ProviderSettings) (Backend, error) {
	return func(s config.ProviderSettings) (Backend, error) {
		cfg := openai.DefaultConfig(s.APIKey)
		if s.BaseURL != "" {
			cfg.BaseURL = s.BaseURL
		}
		return NewOpenAIBackend(name, cfg), nil
	}
}

func newAzure(s config.ProviderSettings) (Backend, error) {
	if s.BaseURL == "" {
		return nil, fmt.Errorf("azure endpoint not configured (AZURE_API_ENDPOINT)")
	}
	cfg := openai.DefaultAzureConfig(s.APIKey, s.BaseURL)
	if s.APIVersion != "" {
		cfg.APIVersion = s.APIVersion
	}
	return NewOpenAIBackend("azure", cfg), nil
}

func newAnthropic(s config.ProviderSettings) (Backend, error) {
	return NewOpenAIBackend("anthropic", openai.DefaultAnthropicConfig(s.APIKey, s.BaseURL)), nil
}

func sortedModels(t PriceTable) []string {
	names := t.Models()
	sort.Strings(names)
	return names
}
