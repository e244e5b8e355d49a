// Package ingest populates a checkpoint: it extracts text from source files
// or messages, chunks it, embeds the chunks and writes them to the metadata
// store and the vector index.
//
// The two stores are not updated atomically. Each chunk is first written as a
// pending row, then its vector is upserted under the same id, then the row is
// committed. Rows left pending by a crash are completed or removed by
// Reconciler.Repair.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/scrypster/checkpoint/internal/chunker"
	"github.com/scrypster/checkpoint/internal/llm"
	"github.com/scrypster/checkpoint/internal/storage"
	"github.com/scrypster/checkpoint/pkg/types"
)

// Config tunes the pipeline.
type Config struct {
	// BatchSize bounds the chunks sent per embedding request (default 32).
	BatchSize int `yaml:"batch_size"`

	// Workers is the number of documents processed in parallel (default 4).
	Workers int `yaml:"workers"`
}

// DefaultConfig returns the default pipeline configuration.
func DefaultConfig() Config {
	return Config{BatchSize: 32, Workers: 4}
}

// Request describes one ingestion run. Exactly one of Path and Messages is set.
type Request struct {
	CheckpointVersion string

	// Path is a file or a directory walked for supported files.
	Path string

	// Messages are pre-parsed messages, e.g. from the HTTP API.
	Messages []Message

	// SourceType overrides the type derived from each file. Messages
	// default to types.SourceMessage.
	SourceType types.SourceType

	// Chunk is the chunking configuration; the zero value means defaults.
	Chunk chunker.Config
}

// Pipeline ingests source documents into a checkpoint.
type Pipeline struct {
	store    storage.MetadataStore
	index    storage.VectorIndex
	embedder llm.Embedder
	config   Config
	locks    *KeyedMutex
	logger   *slog.Logger
}

// NewPipeline creates a pipeline. A nil logger means slog.Default().
func NewPipeline(store storage.MetadataStore, index storage.VectorIndex, embedder llm.Embedder, config Config, logger *slog.Logger) *Pipeline {
	def := DefaultConfig()
	if config.BatchSize <= 0 {
		config.BatchSize = def.BatchSize
	}
	if config.Workers <= 0 {
		config.Workers = def.Workers
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		store:    store,
		index:    index,
		embedder: embedder,
		config:   config,
		locks:    NewKeyedMutex(),
		logger:   logger,
	}
}

// Reconciler returns a repair pass that shares the pipeline's locks.
func (p *Pipeline) Reconciler() *Reconciler {
	return &Reconciler{
		store:    p.store,
		index:    p.index,
		embedder: p.embedder,
		locks:    p.locks,
		logger:   p.logger,
	}
}

// Ingest runs one ingestion request. Configuration problems, a missing
// checkpoint and an unreadable source path fail the whole call before any
// embedding request; anything that goes wrong with an individual document
// is recorded in the summary instead.
func (p *Pipeline) Ingest(ctx context.Context, req Request) (*Summary, error) {
	chunkCfg := req.Chunk
	if chunkCfg == (chunker.Config{}) {
		chunkCfg = chunker.DefaultConfig()
	}
	ch, err := chunker.New(chunkCfg)
	if err != nil {
		return nil, err
	}
	if req.SourceType != "" && !req.SourceType.IsValid() {
		return nil, fmt.Errorf("%w: unknown source type %q", types.ErrInvalidConfiguration, req.SourceType)
	}
	if (req.Path == "") == (len(req.Messages) == 0) {
		return nil, fmt.Errorf("%w: exactly one of path or messages is required", types.ErrInvalidConfiguration)
	}
	if _, err := p.store.GetCheckpoint(ctx, req.CheckpointVersion); err != nil {
		return nil, err
	}

	summary := &Summary{CheckpointVersion: req.CheckpointVersion, Errors: []ItemError{}}

	var items []Item
	if req.Path != "" {
		files, err := enumerate(ctx, req.Path)
		if err != nil {
			return nil, err
		}
		for _, f := range files {
			extracted, err := extractFile(f, req.SourceType)
			if err != nil {
				p.logger.Warn("failed to extract source", "source", f.rel, "error", err)
				summary.add(ItemResult{Source: f.rel, Err: err})
				continue
			}
			items = append(items, extracted...)
		}
	} else {
		items = messageItems("messages", req.Messages)
		for i := range items {
			items[i].SourceType = req.SourceType
			if items[i].SourceType == "" {
				items[i].SourceType = types.SourceMessage
			}
		}
	}

	start := time.Now()
	results := make([]ItemResult, len(items))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.config.Workers)
	for i, item := range items {
		g.Go(func() error {
			results[i] = p.ingestItem(gctx, req.CheckpointVersion, ch, item)
			return nil
		})
	}
	_ = g.Wait()

	for _, r := range results {
		summary.add(r)
	}

	p.logger.Info("ingestion finished",
		"checkpoint", req.CheckpointVersion,
		"documents", summary.Documents,
		"ingested", summary.Ingested,
		"skipped", summary.Skipped,
		"failed", summary.Failed,
		"failed_documents", summary.FailedDocuments,
		"duration", time.Since(start))

	// cancellation stops the run; the summary still reports what was written
	if err := ctx.Err(); err != nil {
		return summary, err
	}
	return summary, nil
}

// ingestItem chunks, embeds and writes one source document. The whole
// document fails if any of its embedding requests fails, so a document is
// never half-embedded by one run.
func (p *Pipeline) ingestItem(ctx context.Context, version string, ch *chunker.Chunker, item Item) ItemResult {
	result := ItemResult{Source: item.Source}

	if err := ctx.Err(); err != nil {
		result.Err = err
		return result
	}

	chunks := ch.Collect(item.Text)
	result.Chunks = len(chunks)
	if len(chunks) == 0 {
		result.Err = errors.New("no text extracted")
		return result
	}

	// Drop chunks already stored, and repeats within this document, before
	// paying for embeddings.
	seen := make(map[string]bool, len(chunks))
	var fresh []string
	for _, c := range chunks {
		hash := types.ContentHash(c)
		if seen[hash] {
			result.Skipped++
			continue
		}
		seen[hash] = true

		_, err := p.store.FindDocumentByHash(ctx, version, hash)
		switch {
		case err == nil:
			result.Skipped++
		case errors.Is(err, types.ErrNotFound):
			fresh = append(fresh, c)
		default:
			result.Failed = len(chunks) - result.Skipped
			result.Err = fmt.Errorf("failed to check duplicates: %w", err)
			return result
		}
	}
	if len(fresh) == 0 {
		return result
	}

	vectors := make([][]float32, 0, len(fresh))
	for start := 0; start < len(fresh); start += p.config.BatchSize {
		end := min(start+p.config.BatchSize, len(fresh))
		batch, err := p.embedder.EmbedBatch(ctx, fresh[start:end])
		if err == nil && len(batch) != end-start {
			err = fmt.Errorf("%w: expected %d embeddings, got %d", types.ErrExternalService, end-start, len(batch))
		}
		if err != nil {
			p.logger.Warn("embedding failed, skipping document", "source", item.Source, "error", err)
			result.Failed = len(fresh)
			result.Err = err
			return result
		}
		vectors = append(vectors, batch...)
	}

	var errs []error
	for i, c := range fresh {
		doc := &types.Document{
			ID:                uuid.NewString(),
			CheckpointVersion: version,
			SourceType:        item.SourceType,
			Content:           c,
			ContentHash:       types.ContentHash(c),
			Metadata:          item.Metadata,
			Status:            types.DocumentPending,
		}
		written, err := p.writeChunk(ctx, doc, vectors[i])
		switch {
		case err != nil:
			result.Failed++
			errs = append(errs, err)
		case written:
			result.Ingested++
		default:
			result.Skipped++
		}
	}
	result.Err = errors.Join(errs...)
	return result
}

// writeChunk performs the pending/vector/committed sequence under the
// checkpoint lock. It reports false, nil when another writer stored the same
// content first.
func (p *Pipeline) writeChunk(ctx context.Context, doc *types.Document, vector []float32) (bool, error) {
	unlock := p.locks.Lock(doc.CheckpointVersion)
	defer unlock()

	if _, err := p.store.FindDocumentByHash(ctx, doc.CheckpointVersion, doc.ContentHash); err == nil {
		return false, nil
	} else if !errors.Is(err, types.ErrNotFound) {
		return false, fmt.Errorf("failed to check duplicates: %w", err)
	}

	if err := p.store.InsertDocument(ctx, doc); err != nil {
		if errors.Is(err, storage.ErrDuplicateContent) {
			return false, nil
		}
		return false, fmt.Errorf("failed to insert document: %w", err)
	}

	ns := storage.Namespace(doc.CheckpointVersion)
	if err := p.index.Upsert(ctx, ns, doc.EmbeddingID(), vector, doc.Content); err != nil {
		if delErr := p.store.DeleteDocument(ctx, doc.ID); delErr != nil {
			p.logger.Error("document left pending", "id", doc.ID, "error", delErr)
			return false, fmt.Errorf("%w: document %s left pending: %w", types.ErrStorageInconsistency, doc.ID, err)
		}
		return false, fmt.Errorf("failed to write vector: %w", err)
	}

	if err := p.store.MarkDocumentCommitted(ctx, doc.ID); err != nil {
		// the vector exists, so the repair pass will commit the row
		return false, fmt.Errorf("%w: document %s left pending: %w", types.ErrStorageInconsistency, doc.ID, err)
	}
	return true, nil
}
