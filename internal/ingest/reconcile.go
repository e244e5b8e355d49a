package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/scrypster/checkpoint/internal/llm"
	"github.com/scrypster/checkpoint/internal/storage"
	"github.com/scrypster/checkpoint/pkg/types"
)

// RepairSummary reports what one repair pass did with pending rows.
type RepairSummary struct {
	CheckpointVersion string `json:"checkpoint_version"`
	// Committed rows already had their vector.
	Committed int `json:"committed"`
	// Completed rows were re-embedded and committed.
	Completed int `json:"completed"`
	// Deleted rows could not be completed and were removed.
	Deleted int         `json:"deleted"`
	Errors  []ItemError `json:"errors"`
}

// Reconciler resolves documents left pending between the metadata store and
// the vector index. Running it twice has the same effect as running it once.
type Reconciler struct {
	store    storage.MetadataStore
	index    storage.VectorIndex
	embedder llm.Embedder
	locks    *KeyedMutex
	logger   *slog.Logger
}

// NewReconciler creates a standalone repair pass. Prefer
// Pipeline.Reconciler when a pipeline exists, so both share locks.
func NewReconciler(store storage.MetadataStore, index storage.VectorIndex, embedder llm.Embedder, logger *slog.Logger) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{store: store, index: index, embedder: embedder, locks: NewKeyedMutex(), logger: logger}
}

// RepairAll repairs every checkpoint.
func (r *Reconciler) RepairAll(ctx context.Context) ([]*RepairSummary, error) {
	checkpoints, err := r.store.ListCheckpoints(ctx)
	if err != nil {
		return nil, err
	}
	summaries := make([]*RepairSummary, 0, len(checkpoints))
	for _, cp := range checkpoints {
		s, err := r.Repair(ctx, cp.Version)
		if err != nil {
			return summaries, err
		}
		summaries = append(summaries, s)
	}
	return summaries, nil
}

// Repair resolves the pending rows of one checkpoint: a row whose vector
// exists is committed, a row without one is re-embedded and completed, and a
// row that cannot be completed is deleted.
func (r *Reconciler) Repair(ctx context.Context, version string) (*RepairSummary, error) {
	if _, err := r.store.GetCheckpoint(ctx, version); err != nil {
		return nil, err
	}
	pending, err := r.store.ListPendingDocuments(ctx, version)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending documents: %w", err)
	}

	summary := &RepairSummary{CheckpointVersion: version, Errors: []ItemError{}}
	for _, doc := range pending {
		if err := ctx.Err(); err != nil {
			return summary, err
		}
		if err := r.repairOne(ctx, doc, summary); err != nil {
			summary.Errors = append(summary.Errors, ItemError{Source: doc.ID, Error: err.Error()})
		}
	}

	if len(pending) > 0 {
		r.logger.Info("repair pass finished",
			"checkpoint", version,
			"pending", len(pending),
			"committed", summary.Committed,
			"completed", summary.Completed,
			"deleted", summary.Deleted,
			"errors", len(summary.Errors))
	}
	return summary, nil
}

type pendingState int

const (
	stateSettled pendingState = iota // committed or removed by someone else
	stateCommitted
	stateMissingVector
)

func (r *Reconciler) repairOne(ctx context.Context, doc *types.Document, summary *RepairSummary) error {
	ns := storage.Namespace(doc.CheckpointVersion)

	state, err := r.commitIfIndexed(ctx, doc, ns)
	if err != nil {
		return err
	}
	switch state {
	case stateSettled:
		return nil
	case stateCommitted:
		summary.Committed++
		return nil
	}

	// embed without holding the checkpoint lock
	vector, embedErr := r.embedder.Embed(ctx, doc.Content)

	unlock := r.locks.Lock(doc.CheckpointVersion)
	defer unlock()

	current, err := r.store.GetDocument(ctx, doc.ID)
	if errors.Is(err, types.ErrNotFound) || (err == nil && current.Status == types.DocumentCommitted) {
		return nil
	}
	if err != nil {
		return err
	}

	if embedErr == nil {
		embedErr = r.index.Upsert(ctx, ns, doc.EmbeddingID(), vector, doc.Content)
		if embedErr == nil {
			if err := r.store.MarkDocumentCommitted(ctx, doc.ID); err != nil {
				return err
			}
			summary.Completed++
			return nil
		}
	}

	r.logger.Warn("removing unrecoverable pending document", "id", doc.ID, "checkpoint", doc.CheckpointVersion, "error", embedErr)
	if err := r.index.Delete(ctx, ns, doc.EmbeddingID()); err != nil {
		return err
	}
	if err := r.store.DeleteDocument(ctx, doc.ID); err != nil {
		return err
	}
	summary.Deleted++
	return nil
}

// commitIfIndexed commits doc when its vector already exists.
func (r *Reconciler) commitIfIndexed(ctx context.Context, doc *types.Document, ns string) (pendingState, error) {
	unlock := r.locks.Lock(doc.CheckpointVersion)
	defer unlock()

	current, err := r.store.GetDocument(ctx, doc.ID)
	if errors.Is(err, types.ErrNotFound) {
		return stateSettled, nil
	}
	if err != nil {
		return stateSettled, err
	}
	if current.Status == types.DocumentCommitted {
		return stateSettled, nil
	}

	has, err := r.index.Has(ctx, ns, doc.EmbeddingID())
	if err != nil {
		return stateSettled, err
	}
	if !has {
		return stateMissingVector, nil
	}
	if err := r.store.MarkDocumentCommitted(ctx, doc.ID); err != nil {
		return stateSettled, err
	}
	return stateCommitted, nil
}
