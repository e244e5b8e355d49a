package llm

import (
	"context"
	"fmt"
	"time"

	"github.com/scrypster/checkpoint/pkg/types"
)

// ProviderConfig selects and configures one provider. Empty fields fall back
// to the provider's defaults.
type ProviderConfig struct {
	Provider          string // openai, gemini, ollama, anthropic
	APIKey            string
	BaseURL           string
	Model             string
	EmbeddingModel    string
	Timeout           time.Duration
	RequestsPerSecond float64
	Burst             int
}

// NewGenerator creates the Generator for cfg.Provider.
func NewGenerator(ctx context.Context, cfg ProviderConfig) (Generator, error) {
	switch cfg.Provider {
	case "openai":
		return NewOpenAIClient(OpenAIConfig{
			APIKey: cfg.APIKey, BaseURL: cfg.BaseURL, Model: cfg.Model, Timeout: cfg.Timeout,
			RequestsPerSecond: cfg.RequestsPerSecond, Burst: cfg.Burst,
		}), nil
	case "anthropic":
		return NewAnthropicClient(AnthropicConfig{
			APIKey: cfg.APIKey, BaseURL: cfg.BaseURL, Model: cfg.Model, Timeout: cfg.Timeout,
			RequestsPerSecond: cfg.RequestsPerSecond, Burst: cfg.Burst,
		}), nil
	case "gemini":
		client, err := NewGeminiClient(ctx, GeminiConfig{
			APIKey: cfg.APIKey, BaseURL: cfg.BaseURL, Model: cfg.Model, Timeout: cfg.Timeout,
			RequestsPerSecond: cfg.RequestsPerSecond, Burst: cfg.Burst,
		})
		if err != nil {
			return nil, err
		}
		return client, nil
	case "ollama", "":
		return NewOllamaClient(OllamaConfig{
			BaseURL: cfg.BaseURL, Model: cfg.Model, Timeout: cfg.Timeout,
			RequestsPerSecond: cfg.RequestsPerSecond, Burst: cfg.Burst,
		}), nil
	default:
		return nil, fmt.Errorf("%w: unsupported generation provider %q", types.ErrInvalidConfiguration, cfg.Provider)
	}
}

// NewEmbedder creates the Embedder for cfg.Provider. Anthropic has no
// embedding API and is rejected.
func NewEmbedder(ctx context.Context, cfg ProviderConfig) (Embedder, error) {
	switch cfg.Provider {
	case "openai":
		return NewOpenAIEmbeddingClient(OpenAIConfig{
			APIKey: cfg.APIKey, BaseURL: cfg.BaseURL, EmbeddingModel: cfg.EmbeddingModel, Timeout: cfg.Timeout,
			RequestsPerSecond: cfg.RequestsPerSecond, Burst: cfg.Burst,
		}), nil
	case "gemini":
		client, err := NewGeminiClient(ctx, GeminiConfig{
			APIKey: cfg.APIKey, BaseURL: cfg.BaseURL, EmbeddingModel: cfg.EmbeddingModel, Timeout: cfg.Timeout,
			RequestsPerSecond: cfg.RequestsPerSecond, Burst: cfg.Burst,
		})
		if err != nil {
			return nil, err
		}
		return client, nil
	case "ollama", "":
		return NewOllamaClient(OllamaConfig{
			BaseURL: cfg.BaseURL, EmbeddingModel: cfg.EmbeddingModel, Timeout: cfg.Timeout,
			RequestsPerSecond: cfg.RequestsPerSecond, Burst: cfg.Burst,
		}), nil
	case "anthropic":
		return nil, fmt.Errorf("%w: anthropic does not provide embeddings", types.ErrInvalidConfiguration)
	default:
		return nil, fmt.Errorf("%w: unsupported embedding provider %q", types.ErrInvalidConfiguration, cfg.Provider)
	}
}
