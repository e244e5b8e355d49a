package llm

import (
	"context"
	"fmt"
	"strings"
	"time"

	"google.golang.org/genai"
)

// GeminiConfig holds configuration for the Gemini API clients.
type GeminiConfig struct {
	APIKey         string
	Model          string        // default: gemini-2.5-flash
	EmbeddingModel string        // default: gemini-embedding-001
	Dimensions     int           // optional output dimensionality for embeddings
	BaseURL        string        // optional API endpoint override
	Timeout        time.Duration // default: 60s

	RequestsPerSecond float64
	Burst             int
}

// GeminiClient implements Generator and Embedder on the Gemini API.
type GeminiClient struct {
	client         *genai.Client
	model          string
	embeddingModel string
	dimensions     int
	guard          *guard
}

// NewGeminiClient creates a Gemini client. It does not contact the API.
func NewGeminiClient(ctx context.Context, cfg GeminiConfig) (*GeminiClient, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("gemini: API key is required")
	}
	if cfg.Model == "" {
		cfg.Model = "gemini-2.5-flash"
	}
	if cfg.EmbeddingModel == "" {
		cfg.EmbeddingModel = "gemini-embedding-001"
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 60 * time.Second
	}

	clientCfg := &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	}
	if cfg.BaseURL != "" {
		clientCfg.HTTPOptions = genai.HTTPOptions{BaseURL: cfg.BaseURL}
	}
	client, err := genai.NewClient(ctx, clientCfg)
	if err != nil {
		return nil, fmt.Errorf("gemini: failed to create client: %w", err)
	}

	return &GeminiClient{
		client:         client,
		model:          cfg.Model,
		embeddingModel: cfg.EmbeddingModel,
		dimensions:     cfg.Dimensions,
		guard:          newGuard("gemini", cfg.Timeout, cfg.RequestsPerSecond, cfg.Burst),
	}, nil
}

// GetModel returns the chat model name.
func (c *GeminiClient) GetModel() string {
	return c.model
}

// Complete generates a reply. System messages become the SystemInstruction.
func (c *GeminiClient) Complete(ctx context.Context, messages []Message, temperature float64) (string, error) {
	contents, system := toGeminiContents(messages)
	config := &genai.GenerateContentConfig{
		Temperature: genai.Ptr(float32(temperature)),
	}
	if system != "" {
		config.SystemInstruction = genai.NewContentFromText(system, genai.RoleUser)
	}

	return call(ctx, c.guard, "generate", func(ctx context.Context) (string, error) {
		resp, err := c.client.Models.GenerateContent(ctx, c.model, contents, config)
		if err != nil {
			return "", err
		}

		var out strings.Builder
		if resp != nil {
			for _, candidate := range resp.Candidates {
				if candidate.Content == nil {
					continue
				}
				for _, part := range candidate.Content.Parts {
					out.WriteString(part.Text)
				}
				if out.Len() > 0 {
					break
				}
			}
		}
		if out.Len() == 0 {
			return "", fmt.Errorf("no response generated")
		}
		return out.String(), nil
	})
}

// Embed generates one embedding.
func (c *GeminiClient) Embed(ctx context.Context, text string) ([]float32, error) {
	vectors, err := c.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vectors[0], nil
}

// EmbedBatch embeds every text in one EmbedContent call.
func (c *GeminiClient) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	contents := make([]*genai.Content, len(texts))
	for i, t := range texts {
		contents[i] = genai.NewContentFromText(t, genai.RoleUser)
	}
	config := &genai.EmbedContentConfig{}
	if c.dimensions > 0 {
		dim := int32(c.dimensions)
		config.OutputDimensionality = &dim
	}

	return call(ctx, c.guard, "embed", func(ctx context.Context) ([][]float32, error) {
		result, err := c.client.Models.EmbedContent(ctx, c.embeddingModel, contents, config)
		if err != nil {
			return nil, err
		}
		if result == nil || len(result.Embeddings) != len(texts) {
			return nil, fmt.Errorf("expected %d embeddings", len(texts))
		}
		out := make([][]float32, len(texts))
		for i, e := range result.Embeddings {
			if e == nil || len(e.Values) == 0 {
				return nil, fmt.Errorf("empty embedding for input %d", i)
			}
			out[i] = e.Values
		}
		return out, nil
	})
}

// toGeminiContents maps messages onto Gemini roles and pulls system
// messages out for the SystemInstruction.
func toGeminiContents(messages []Message) ([]*genai.Content, string) {
	contents := make([]*genai.Content, 0, len(messages))
	var system []string
	for _, msg := range messages {
		role := genai.RoleUser
		switch msg.Role {
		case RoleSystem:
			system = append(system, msg.Content)
			continue
		case RoleAssistant:
			role = genai.RoleModel
		}
		contents = append(contents, &genai.Content{
			Role:  role,
			Parts: []*genai.Part{genai.NewPartFromText(msg.Content)},
		})
	}
	return contents, strings.Join(system, "\n\n")
}

var (
	_ Generator = (*GeminiClient)(nil)
	_ Embedder  = (*GeminiClient)(nil)
)
