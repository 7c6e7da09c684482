package providers

import (
	"fmt"

	"github.com/haasonsaas/mira/internal/config"
	"github.com/haasonsaas/mira/internal/llm"
)

// FromConfig builds the configured default provider.
func FromConfig(cfg config.LLMConfig) (llm.Provider, error) {
	switch cfg.Default {
	case "anthropic":
		return NewAnthropicProvider(AnthropicConfig{
			APIKey:        cfg.Anthropic.APIKey,
			BaseURL:       cfg.Anthropic.BaseURL,
			DefaultModel:  cfg.Anthropic.Model,
			ContextBudget: cfg.Anthropic.ContextBudget,
			MaxRetries:    cfg.MaxRetries,
			RetryDelay:    cfg.RetryDelay,
		})
	case "openai":
		return NewOpenAIProvider(OpenAIConfig{
			APIKey:        cfg.OpenAI.APIKey,
			BaseURL:       cfg.OpenAI.BaseURL,
			DefaultModel:  cfg.OpenAI.Model,
			ContextBudget: cfg.OpenAI.ContextBudget,
			MaxRetries:    cfg.MaxRetries,
			RetryDelay:    cfg.RetryDelay,
		})
	case "gemini":
		return NewGeminiProvider(GeminiConfig{
			APIKey:        cfg.Gemini.APIKey,
			DefaultModel:  cfg.Gemini.Model,
			ContextBudget: cfg.Gemini.ContextBudget,
			MaxRetries:    cfg.MaxRetries,
			RetryDelay:    cfg.RetryDelay,
		})
	case "ollama":
		return NewOllamaProvider(OllamaConfig{
			BaseURL:       cfg.Ollama.BaseURL,
			DefaultModel:  cfg.Ollama.Model,
			ContextBudget: cfg.Ollama.ContextBudget,
			MaxRetries:    cfg.MaxRetries,
			RetryDelay:    cfg.RetryDelay,
		}), nil
	default:
		return nil, fmt.Errorf("unknown llm provider %q", cfg.Default)
	}
}
