// Package llm adapts embedding and completion providers (OpenAI, Gemini,
// Ollama, Anthropic) to two narrow interfaces. Every provider call goes
// through a rate limiter and a circuit breaker, and every failure is
// reported as types.ErrExternalService.
package llm

import "context"

// Role of a chat message sent to a Generator.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one entry of an assembled prompt.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// Generator produces a completion for a fully assembled prompt.
type Generator interface {
	Complete(ctx context.Context, messages []Message, temperature float64) (string, error)
	GetModel() string
}

// Embedder turns text into vectors of a fixed dimensionality per model.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	// EmbedBatch returns one vector per input, in input order.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	GetModel() string
}
