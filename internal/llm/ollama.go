package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// OllamaConfig holds Ollama client configuration.
type OllamaConfig struct {
	// BaseURL is the base URL for the Ollama API (default: http://localhost:11434)
	BaseURL string

	// Model is used for chat completions (default: llama3.2)
	Model string

	// EmbeddingModel is used for embeddings (default: nomic-embed-text)
	EmbeddingModel string

	// Timeout bounds one request (default: 120s; local models are slow).
	Timeout time.Duration

	RequestsPerSecond float64
	Burst             int
}

// OllamaClient talks to a local Ollama server over its HTTP API. It
// implements both Generator and Embedder.
type OllamaClient struct {
	baseURL        string
	client         *http.Client
	guard          *guard
	model          string
	embeddingModel string
}

type ollamaChatRequest struct {
	Model    string        `json:"model"`
	Messages []Message     `json:"messages"`
	Stream   bool          `json:"stream"`
	Options  ollamaOptions `json:"options"`
}

type ollamaOptions struct {
	Temperature float64 `json:"temperature"`
}

type ollamaChatResponse struct {
	Message Message `json:"message"`
	Done    bool    `json:"done"`
}

// ollamaEmbedRequest is the body of /api/embed, which accepts a batch.
type ollamaEmbedRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type ollamaEmbedResponse struct {
	Embeddings [][]float32 `json:"embeddings"`
}

// NewOllamaClient creates a new Ollama client, applying defaults.
func NewOllamaClient(config OllamaConfig) *OllamaClient {
	if config.BaseURL == "" {
		config.BaseURL = "http://localhost:11434"
	}
	if config.Model == "" {
		config.Model = "llama3.2"
	}
	if config.EmbeddingModel == "" {
		config.EmbeddingModel = "nomic-embed-text"
	}
	if config.Timeout == 0 {
		config.Timeout = 120 * time.Second
	}

	return &OllamaClient{
		baseURL:        config.BaseURL,
		client:         &http.Client{Timeout: config.Timeout},
		guard:          newGuard("ollama", config.Timeout, config.RequestsPerSecond, config.Burst),
		model:          config.Model,
		embeddingModel: config.EmbeddingModel,
	}
}

// GetModel returns the chat model name.
func (c *OllamaClient) GetModel() string {
	return c.model
}

// Complete sends the messages to /api/chat and returns the reply text.
func (c *OllamaClient) Complete(ctx context.Context, messages []Message, temperature float64) (string, error) {
	return call(ctx, c.guard, "chat", func(ctx context.Context) (string, error) {
		var resp ollamaChatResponse
		err := c.post(ctx, "/api/chat", ollamaChatRequest{
			Model:    c.model,
			Messages: messages,
			Stream:   false,
			Options:  ollamaOptions{Temperature: temperature},
		}, &resp)
		if err != nil {
			return "", err
		}
		if resp.Message.Content == "" {
			return "", fmt.Errorf("empty completion")
		}
		return resp.Message.Content, nil
	})
}

// Embed generates one embedding.
func (c *OllamaClient) Embed(ctx context.Context, text string) ([]float32, error) {
	vectors, err := c.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vectors[0], nil
}

// EmbedBatch embeds all texts in one /api/embed request.
func (c *OllamaClient) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	return call(ctx, c.guard, "embed", func(ctx context.Context) ([][]float32, error) {
		var resp ollamaEmbedResponse
		if err := c.post(ctx, "/api/embed", ollamaEmbedRequest{Model: c.embeddingModel, Input: texts}, &resp); err != nil {
			return nil, err
		}
		if len(resp.Embeddings) != len(texts) {
			return nil, fmt.Errorf("expected %d embeddings, got %d", len(texts), len(resp.Embeddings))
		}
		return resp.Embeddings, nil
	})
}

func (c *OllamaClient) post(ctx context.Context, path string, body, out any) error {
	jsonData, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(jsonData))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("ollama returned status %d: %s", resp.StatusCode, string(b))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

var (
	_ Generator = (*OllamaClient)(nil)
	_ Embedder  = (*OllamaClient)(nil)
)
