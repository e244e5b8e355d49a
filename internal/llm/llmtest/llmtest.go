// Package llmtest provides deterministic in-process providers for tests.
package llmtest

import (
	"context"
	"fmt"
	"hash/fnv"
	"math"
	"strings"
	"sync"
	"sync/atomic"
	"time"
	"unicode"

	"github.com/scrypster/checkpoint/internal/llm"
	"github.com/scrypster/checkpoint/pkg/types"
)

// DefaultDims is the vector size of Embedder when Dims is zero.
const DefaultDims = 64

// Embedder is a hashing bag-of-words embedder: every lower-cased word is
// hashed into one of Dims buckets and the result is L2-normalized. Texts that
// share words have a positive cosine similarity.
type Embedder struct {
	Dims int

	// Err, when set, fails every call.
	Err error

	// FailFor, when set, fails any batch containing a text it matches.
	FailFor func(text string) bool

	calls atomic.Int64
	texts atomic.Int64
}

// Calls returns how many Embed/EmbedBatch requests were made.
func (e *Embedder) Calls() int { return int(e.calls.Load()) }

// Texts returns how many texts were embedded in total.
func (e *Embedder) Texts() int { return int(e.texts.Load()) }

func (e *Embedder) GetModel() string { return "llmtest-hash" }

func (e *Embedder) Embed(ctx context.Context, text string) ([]float32, error) {
	vectors, err := e.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vectors[0], nil
}

func (e *Embedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	e.calls.Add(1)
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: llmtest embed: %w", types.ErrExternalService, err)
	}
	if e.Err != nil {
		return nil, fmt.Errorf("%w: llmtest embed: %w", types.ErrExternalService, e.Err)
	}
	out := make([][]float32, len(texts))
	for i, text := range texts {
		if e.FailFor != nil && e.FailFor(text) {
			return nil, fmt.Errorf("%w: llmtest embed: refused %q", types.ErrExternalService, text)
		}
		out[i] = Vector(text, e.Dims)
	}
	e.texts.Add(int64(len(texts)))
	return out, nil
}

// Vector returns the embedding Embedder produces for text.
func Vector(text string, dims int) []float32 {
	if dims <= 0 {
		dims = DefaultDims
	}
	v := make([]float32, dims)
	words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	for _, w := range words {
		h := fnv.New32a()
		_, _ = h.Write([]byte(w))
		v[h.Sum32()%uint32(dims)]++
	}

	var norm float64
	for _, x := range v {
		norm += float64(x) * float64(x)
	}
	if norm == 0 {
		// keep empty text off the zero vector so cosine stays defined
		v[0] = 1
		return v
	}
	norm = math.Sqrt(norm)
	for i := range v {
		v[i] = float32(float64(v[i]) / norm)
	}
	return v
}

// Call records one Complete request.
type Call struct {
	Messages    []llm.Message
	Temperature float64
}

// Generator returns scripted replies and records every request.
type Generator struct {
	// Replies are returned in order; the last one repeats. With no replies
	// the generator echoes the final message.
	Replies []string

	// Err, when set, fails every call.
	Err error

	// Delay holds each call until it elapses or the context ends.
	Delay time.Duration

	mu    sync.Mutex
	calls []Call
}

func (g *Generator) GetModel() string { return "llmtest-script" }

func (g *Generator) Complete(ctx context.Context, messages []llm.Message, temperature float64) (string, error) {
	g.mu.Lock()
	n := len(g.calls)
	g.calls = append(g.calls, Call{Messages: append([]llm.Message(nil), messages...), Temperature: temperature})
	g.mu.Unlock()

	if g.Delay > 0 {
		select {
		case <-time.After(g.Delay):
		case <-ctx.Done():
			return "", fmt.Errorf("%w: llmtest complete: %w", types.ErrExternalService, ctx.Err())
		}
	}
	if g.Err != nil {
		return "", fmt.Errorf("%w: llmtest complete: %w", types.ErrExternalService, g.Err)
	}

	switch {
	case len(g.Replies) == 0:
		if len(messages) == 0 {
			return "", nil
		}
		return "echo: " + messages[len(messages)-1].Content, nil
	case n < len(g.Replies):
		return g.Replies[n], nil
	default:
		return g.Replies[len(g.Replies)-1], nil
	}
}

// Calls returns a copy of the recorded requests.
func (g *Generator) Calls() []Call {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]Call(nil), g.calls...)
}

// LastCall returns the most recent request. It panics if there is none.
func (g *Generator) LastCall() Call {
	calls := g.Calls()
	return calls[len(calls)-1]
}

var (
	_ llm.Embedder  = (*Embedder)(nil)
	_ llm.Generator = (*Generator)(nil)
)
