package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/scrypster/checkpoint/internal/llm"
	"github.com/scrypster/checkpoint/internal/storage"
	"github.com/scrypster/checkpoint/pkg/types"
)

// Engine is the retrieval-generation orchestrator. It holds no store lock
// while calling the embedding or generation service.
type Engine struct {
	config    Config
	store     storage.MetadataStore
	index     storage.VectorIndex
	embedder  llm.Embedder
	generator llm.Generator
	logger    *slog.Logger
}

// New creates an engine. Zero config fields take their defaults; a nil
// logger means slog.Default().
func New(store storage.MetadataStore, index storage.VectorIndex, embedder llm.Embedder, generator llm.Generator, config Config, logger *slog.Logger) (*Engine, error) {
	if store == nil || index == nil {
		return nil, fmt.Errorf("%w: metadata store and vector index are required", types.ErrInvalidConfiguration)
	}
	if embedder == nil || generator == nil {
		return nil, fmt.Errorf("%w: embedder and generator are required", types.ErrInvalidConfiguration)
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		config:    config.withDefaults(),
		store:     store,
		index:     index,
		embedder:  embedder,
		generator: generator,
		logger:    logger,
	}, nil
}

// Chat answers one message. The user turn is recorded as soon as the
// checkpoint resolves, so a failed embedding or completion call loses no
// input; the assistant turn is recorded only on success.
func (e *Engine) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	message := strings.TrimSpace(req.Message)
	if message == "" {
		return nil, fmt.Errorf("%w: message is required", types.ErrInvalidConfiguration)
	}

	cp, err := e.resolve(ctx, req.Version)
	if err != nil {
		return nil, err
	}
	cfg := cp.Config.Effective()

	history, err := e.store.GetHistory(ctx, cp.Version, cfg.MaxHistory)
	if err != nil {
		return nil, fmt.Errorf("failed to load history: %w", err)
	}

	userTurn := &types.Turn{CheckpointVersion: cp.Version, Role: types.RoleUser, Content: message}
	if err := e.store.AppendTurn(ctx, userTurn); err != nil {
		return nil, fmt.Errorf("failed to record user turn: %w", err)
	}

	return e.respond(ctx, cp, history, message, e.temperature(cp, nil))
}

// Regenerate produces a new reply to the latest user message. The earlier
// reply stays in the history; only a new assistant turn is appended.
func (e *Engine) Regenerate(ctx context.Context, req RegenerateRequest) (*ChatResponse, error) {
	if t := req.Temperature; t != nil && (*t < 0 || *t > 2) {
		return nil, fmt.Errorf("%w: temperature %.2f out of range [0, 2]", types.ErrInvalidConfiguration, *t)
	}

	cp, err := e.resolve(ctx, req.Version)
	if err != nil {
		return nil, err
	}
	cfg := cp.Config.Effective()

	last, err := e.store.LatestTurn(ctx, cp.Version, types.RoleUser)
	if errors.Is(err, types.ErrNotFound) {
		return nil, types.ErrNothingToRegenerate
	}
	if err != nil {
		return nil, err
	}

	history, err := e.store.GetHistoryBefore(ctx, cp.Version, last.Seq, cfg.MaxHistory)
	if err != nil {
		return nil, fmt.Errorf("failed to load history: %w", err)
	}

	return e.respond(ctx, cp, history, last.Content, e.temperature(cp, req.Temperature))
}

// respond runs retrieval, prompt assembly and generation, then records the
// assistant turn.
func (e *Engine) respond(ctx context.Context, cp *types.Checkpoint, history []*types.Turn, message string, temperature float64) (*ChatResponse, error) {
	start := time.Now()
	cfg := cp.Config.Effective()

	sources, err := e.retrieve(ctx, cp.Version, message, cfg.ContextDocs)
	if err != nil {
		return nil, err
	}

	prompt := BuildPrompt(PromptInput{
		SystemPrompt: e.config.SystemPrompt,
		Config:       cfg,
		Documents:    sources,
		History:      history,
		Message:      message,
	})

	genCtx, cancel := context.WithTimeout(ctx, e.config.RequestTimeout)
	defer cancel()
	reply, err := e.generator.Complete(genCtx, prompt, temperature)
	if err != nil {
		e.logger.Warn("generation failed", "checkpoint", cp.Version, "model", e.generator.GetModel(), "error", err)
		return nil, external("generation", err)
	}

	assistantTurn := &types.Turn{CheckpointVersion: cp.Version, Role: types.RoleAssistant, Content: reply}
	if err := e.store.AppendTurn(ctx, assistantTurn); err != nil {
		return nil, fmt.Errorf("failed to record assistant turn: %w", err)
	}

	e.logger.Info("chat answered",
		"checkpoint", cp.Version,
		"sources", len(sources),
		"history", len(history),
		"temperature", temperature,
		"duration", time.Since(start))

	return &ChatResponse{Response: reply, Sources: sources, CheckpointVersion: cp.Version}, nil
}

// retrieve embeds the message and returns up to k documents of the
// checkpoint, most relevant first.
func (e *Engine) retrieve(ctx context.Context, version, message string, k int) ([]types.RetrievalResult, error) {
	embedCtx, cancel := context.WithTimeout(ctx, e.config.RequestTimeout)
	defer cancel()

	vector, err := e.embedder.Embed(embedCtx, message)
	if err != nil {
		e.logger.Warn("query embedding failed", "checkpoint", version, "error", err)
		return nil, external("embedding", err)
	}

	matches, err := e.index.Query(ctx, storage.Namespace(version), vector, k)
	if err != nil {
		return nil, fmt.Errorf("failed to query vector index: %w", err)
	}

	sources := make([]types.RetrievalResult, 0, len(matches))
	for _, m := range matches {
		sources = append(sources, types.RetrievalResult{
			DocumentID: m.DocumentID,
			Content:    m.Content,
			Relevance:  m.Relevance(),
		})
	}
	return sources, nil
}

// History returns the most recent turns of a checkpoint in chronological
// order. A limit of zero means the configured default.
func (e *Engine) History(ctx context.Context, version string, limit int) ([]*types.Turn, error) {
	if limit < 0 {
		return nil, fmt.Errorf("%w: limit must not be negative", types.ErrInvalidConfiguration)
	}
	if limit == 0 {
		limit = e.config.HistoryLimit
	}
	cp, err := e.resolve(ctx, version)
	if err != nil {
		return nil, err
	}
	return e.store.GetHistory(ctx, cp.Version, limit)
}

// ClearHistory deletes every turn of a checkpoint and returns how many were
// removed.
func (e *Engine) ClearHistory(ctx context.Context, version string) (string, int, error) {
	cp, err := e.resolve(ctx, version)
	if err != nil {
		return "", 0, err
	}
	n, err := e.store.ClearHistory(ctx, cp.Version)
	if err != nil {
		return "", 0, err
	}
	e.logger.Info("history cleared", "checkpoint", cp.Version, "turns", n)
	return cp.Version, n, nil
}

// Stats summarizes a checkpoint. Conversations counts user/assistant pairs.
func (e *Engine) Stats(ctx context.Context, version string) (*types.Stats, error) {
	cp, err := e.resolve(ctx, version)
	if err != nil {
		return nil, err
	}
	docs, err := e.store.CountDocuments(ctx, cp.Version)
	if err != nil {
		return nil, err
	}
	vectors, err := e.index.Count(ctx, storage.Namespace(cp.Version))
	if err != nil {
		return nil, err
	}
	messages, err := e.store.CountTurns(ctx, cp.Version)
	if err != nil {
		return nil, err
	}
	return &types.Stats{
		Version:       cp.Version,
		Documents:     docs,
		Vectors:       vectors,
		Messages:      messages,
		Conversations: messages / 2,
	}, nil
}

func (e *Engine) resolve(ctx context.Context, version string) (*types.Checkpoint, error) {
	if version == "" {
		return e.store.GetActiveCheckpoint(ctx)
	}
	return e.store.GetCheckpoint(ctx, version)
}

func (e *Engine) temperature(cp *types.Checkpoint, override *float64) float64 {
	switch {
	case override != nil:
		return *override
	case cp.Config.Temperature != nil:
		return *cp.Config.Temperature
	default:
		return *e.config.Temperature
	}
}

// external makes sure a provider failure carries types.ErrExternalService.
func external(op string, err error) error {
	if errors.Is(err, types.ErrExternalService) {
		return err
	}
	return fmt.Errorf("%w: %s: %w", types.ErrExternalService, op, err)
}
