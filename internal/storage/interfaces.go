// Package storage defines the two persistence boundaries of the engine: the
// metadata store for checkpoints, documents and turns, and the vector index
// holding one namespace per checkpoint.
//
// Both are small interfaces so that backends can be swapped independently:
// the metadata store is always SQLite, while the vector index is either a
// second SQLite file or PostgreSQL with pgvector.
package storage

import (
	"context"

	"github.com/scrypster/checkpoint/pkg/types"
)

// CheckpointStore persists checkpoint rows and the single active pointer.
type CheckpointStore interface {
	// CreateCheckpoint inserts an inactive checkpoint.
	// Returns types.ErrDuplicateVersion if the version exists.
	CreateCheckpoint(ctx context.Context, cp *types.Checkpoint) error

	// GetCheckpoint returns one checkpoint.
	// Returns types.ErrNotFound if it does not exist.
	GetCheckpoint(ctx context.Context, version string) (*types.Checkpoint, error)

	// ListCheckpoints returns all checkpoints in version order ("0.2" < "0.10").
	ListCheckpoints(ctx context.Context) ([]*types.Checkpoint, error)

	// UpdateCheckpoint replaces description and config.
	// Returns types.ErrNotFound if it does not exist.
	UpdateCheckpoint(ctx context.Context, version, description string, cfg types.CheckpointConfig) error

	// ActivateCheckpoint makes version the only active checkpoint in one
	// transaction. Returns types.ErrNotFound if it does not exist.
	ActivateCheckpoint(ctx context.Context, version string) error

	// GetActiveCheckpoint returns the active checkpoint.
	// Returns types.ErrNoActiveCheckpoint if none is set.
	GetActiveCheckpoint(ctx context.Context) (*types.Checkpoint, error)

	// DeleteCheckpoint removes the row with its documents and turns. When the
	// deleted checkpoint was active, the highest remaining version becomes
	// active in the same transaction and is returned (empty if none remain).
	// Returns types.ErrNotFound if it does not exist.
	DeleteCheckpoint(ctx context.Context, version string) (newActive string, err error)
}

// DocumentStore persists ingested chunks and their commit status.
type DocumentStore interface {
	// InsertDocument writes a pending row. Returns ErrDuplicateContent if the
	// content hash already exists in the checkpoint.
	InsertDocument(ctx context.Context, doc *types.Document) error

	// MarkDocumentCommitted flips a pending row to committed.
	MarkDocumentCommitted(ctx context.Context, id string) error

	// DeleteDocument removes a row. Deleting a missing row is not an error.
	DeleteDocument(ctx context.Context, id string) error

	// GetDocument returns one document. Returns types.ErrNotFound if missing.
	GetDocument(ctx context.Context, id string) (*types.Document, error)

	// FindDocumentByHash looks up a chunk by content hash within a checkpoint.
	// Returns types.ErrNotFound if no row matches.
	FindDocumentByHash(ctx context.Context, version, hash string) (*types.Document, error)

	// ListDocuments pages through documents of a checkpoint, oldest first.
	ListDocuments(ctx context.Context, version string, opts ListOptions) ([]*types.Document, error)

	// ListPendingDocuments returns every pending row of a checkpoint.
	ListPendingDocuments(ctx context.Context, version string) ([]*types.Document, error)

	// CountDocuments counts committed documents of a checkpoint.
	CountDocuments(ctx context.Context, version string) (int, error)
}

// TurnStore persists append-only conversation turns.
type TurnStore interface {
	// AppendTurn assigns ID (if empty), Seq and CreatedAt and inserts the turn.
	// Returns types.ErrNotFound if the checkpoint does not exist.
	AppendTurn(ctx context.Context, turn *types.Turn) error

	// GetHistory returns the most recent limit turns in chronological order.
	GetHistory(ctx context.Context, version string, limit int) ([]*types.Turn, error)

	// GetHistoryBefore is GetHistory restricted to turns inserted before seq.
	GetHistoryBefore(ctx context.Context, version string, seq int64, limit int) ([]*types.Turn, error)

	// LatestTurn returns the newest turn with the given role.
	// Returns types.ErrNotFound if there is none.
	LatestTurn(ctx context.Context, version string, role types.Role) (*types.Turn, error)

	// ClearHistory deletes every turn of a checkpoint and returns the count.
	ClearHistory(ctx context.Context, version string) (int, error)

	// CountTurns counts turns of a checkpoint.
	CountTurns(ctx context.Context, version string) (int, error)
}

// MetadataStore is the durable record store.
type MetadataStore interface {
	CheckpointStore
	DocumentStore
	TurnStore

	// Close releases the underlying database.
	Close() error
}

// VectorIndex is the per-checkpoint semantic index. Every call is scoped by
// an explicit namespace; nothing crosses namespaces.
type VectorIndex interface {
	// CreateNamespace prepares an empty namespace, removing leftovers from a
	// previous checkpoint with the same version.
	CreateNamespace(ctx context.Context, namespace string) error

	// DropNamespace removes every vector of the namespace.
	DropNamespace(ctx context.Context, namespace string) error

	// Upsert stores or replaces the vector for documentID.
	Upsert(ctx context.Context, namespace, documentID string, vector []float32, content string) error

	// Delete removes one vector. Deleting a missing vector is not an error.
	Delete(ctx context.Context, namespace, documentID string) error

	// Has reports whether documentID has a vector in the namespace.
	Has(ctx context.Context, namespace, documentID string) (bool, error)

	// Query returns at most k matches by descending cosine similarity.
	// An empty namespace yields an empty slice and no error.
	Query(ctx context.Context, namespace string, vector []float32, k int) ([]Match, error)

	// Count returns the number of vectors in the namespace.
	Count(ctx context.Context, namespace string) (int, error)

	// Close releases the underlying database.
	Close() error
}
