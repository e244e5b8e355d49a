package llm

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// OpenAIConfig holds configuration for the OpenAI clients.
type OpenAIConfig struct {
	APIKey         string
	Model          string        // default: gpt-4o-mini
	EmbeddingModel string        // default: text-embedding-3-small
	BaseURL        string        // default: the SDK's https://api.openai.com/v1/
	Timeout        time.Duration // default: 60s

	RequestsPerSecond float64
	Burst             int
}

func (cfg *OpenAIConfig) applyDefaults() {
	if cfg.Model == "" {
		cfg.Model = "gpt-4o-mini"
	}
	if cfg.EmbeddingModel == "" {
		cfg.EmbeddingModel = "text-embedding-3-small"
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 60 * time.Second
	}
}

func newOpenAISDK(cfg OpenAIConfig) openai.Client {
	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithHTTPClient(&http.Client{Timeout: cfg.Timeout}),
		// retries are owned by the caller, not the SDK
		option.WithMaxRetries(0),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	return openai.NewClient(opts...)
}

// OpenAIClient implements Generator using the chat completions API.
type OpenAIClient struct {
	client openai.Client
	model  string
	guard  *guard
}

// NewOpenAIClient creates a chat client.
func NewOpenAIClient(cfg OpenAIConfig) *OpenAIClient {
	cfg.applyDefaults()
	return &OpenAIClient{
		client: newOpenAISDK(cfg),
		model:  cfg.Model,
		guard:  newGuard("openai", cfg.Timeout, cfg.RequestsPerSecond, cfg.Burst),
	}
}

// GetModel returns the chat model name.
func (c *OpenAIClient) GetModel() string {
	return c.model
}

// Complete sends the messages as one chat completion request.
func (c *OpenAIClient) Complete(ctx context.Context, messages []Message, temperature float64) (string, error) {
	params := openai.ChatCompletionNewParams{
		Model:       openai.ChatModel(c.model),
		Messages:    make([]openai.ChatCompletionMessageParamUnion, 0, len(messages)),
		Temperature: openai.Float(temperature),
	}
	for _, m := range messages {
		switch m.Role {
		case RoleSystem:
			params.Messages = append(params.Messages, openai.SystemMessage(m.Content))
		case RoleAssistant:
			params.Messages = append(params.Messages, openai.AssistantMessage(m.Content))
		default:
			params.Messages = append(params.Messages, openai.UserMessage(m.Content))
		}
	}

	return call(ctx, c.guard, "chat", func(ctx context.Context) (string, error) {
		resp, err := c.client.Chat.Completions.New(ctx, params)
		if err != nil {
			return "", err
		}
		if len(resp.Choices) == 0 {
			return "", fmt.Errorf("no choices in response")
		}
		return resp.Choices[0].Message.Content, nil
	})
}

// OpenAIEmbeddingClient implements Embedder using the embeddings API.
type OpenAIEmbeddingClient struct {
	client openai.Client
	model  string
	guard  *guard
}

// NewOpenAIEmbeddingClient creates an embedding client.
func NewOpenAIEmbeddingClient(cfg OpenAIConfig) *OpenAIEmbeddingClient {
	cfg.applyDefaults()
	return &OpenAIEmbeddingClient{
		client: newOpenAISDK(cfg),
		model:  cfg.EmbeddingModel,
		guard:  newGuard("openai", cfg.Timeout, cfg.RequestsPerSecond, cfg.Burst),
	}
}

// GetModel returns the embedding model name.
func (c *OpenAIEmbeddingClient) GetModel() string {
	return c.model
}

// Embed generates one embedding.
func (c *OpenAIEmbeddingClient) Embed(ctx context.Context, text string) ([]float32, error) {
	vectors, err := c.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vectors[0], nil
}

// EmbedBatch embeds all texts in one request. The API may return items out
// of order, so they are placed by index.
func (c *OpenAIEmbeddingClient) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	return call(ctx, c.guard, "embed", func(ctx context.Context) ([][]float32, error) {
		resp, err := c.client.Embeddings.New(ctx, openai.EmbeddingNewParams{
			Input: openai.EmbeddingNewParamsInputUnion{OfArrayOfStrings: texts},
			Model: openai.EmbeddingModel(c.model),
		})
		if err != nil {
			return nil, err
		}
		if len(resp.Data) != len(texts) {
			return nil, fmt.Errorf("expected %d embeddings, got %d", len(texts), len(resp.Data))
		}

		out := make([][]float32, len(texts))
		for _, d := range resp.Data {
			if d.Index < 0 || int(d.Index) >= len(out) {
				return nil, fmt.Errorf("embedding index %d out of range", d.Index)
			}
			vec := make([]float32, len(d.Embedding))
			for i, v := range d.Embedding {
				vec[i] = float32(v)
			}
			out[d.Index] = vec
		}
		for i, v := range out {
			if v == nil {
				return nil, fmt.Errorf("missing embedding for input %d", i)
			}
		}
		return out, nil
	})
}

var (
	_ Generator = (*OpenAIClient)(nil)
	_ Embedder  = (*OpenAIEmbeddingClient)(nil)
)
