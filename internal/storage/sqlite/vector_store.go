package sqlite

import (
	"context"
	"database/sql"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/scrypster/checkpoint/internal/storage"
	"github.com/scrypster/checkpoint/pkg/types"
)

// VectorStore implements storage.VectorIndex in its own SQLite database.
// Similarity is computed in Go over the namespace's vectors, which is fine
// for the per-person corpora a checkpoint holds.
type VectorStore struct {
	db *sql.DB
}

// NewVectorStore opens (or creates) the vector database at dsn.
func NewVectorStore(ctx context.Context, dsn string) (*VectorStore, error) {
	db, err := openDB(ctx, dsn, "vectors")
	if err != nil {
		return nil, fmt.Errorf("sqlite: vector store: %w", err)
	}
	return &VectorStore{db: db}, nil
}

// Close closes the database.
func (s *VectorStore) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// CreateNamespace creates an empty namespace, discarding vectors left over
// from an earlier namespace of the same name.
func (s *VectorStore) CreateNamespace(ctx context.Context, namespace string) error {
	if namespace == "" {
		return fmt.Errorf("%w: namespace is required", storage.ErrInvalidInput)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM vectors WHERE namespace = ?`, namespace); err != nil {
		return fmt.Errorf("failed to clear namespace: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO namespaces (name, created_at) VALUES (?, ?)`,
		namespace, time.Now().UnixNano()); err != nil {
		return fmt.Errorf("failed to create namespace: %w", err)
	}
	return tx.Commit()
}

// DropNamespace removes a namespace and its vectors.
func (s *VectorStore) DropNamespace(ctx context.Context, namespace string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM vectors WHERE namespace = ?`, namespace); err != nil {
		return fmt.Errorf("failed to drop vectors: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM namespaces WHERE name = ?`, namespace); err != nil {
		return fmt.Errorf("failed to drop namespace: %w", err)
	}
	return tx.Commit()
}

// Upsert stores or replaces a vector (upsert semantics).
func (s *VectorStore) Upsert(ctx context.Context, namespace, documentID string, vector []float32, content string) error {
	if documentID == "" {
		return fmt.Errorf("%w: document ID is required", storage.ErrInvalidInput)
	}
	if len(vector) == 0 {
		return fmt.Errorf("%w: embedding vector is empty", storage.ErrInvalidInput)
	}
	for i, v := range vector {
		if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
			return fmt.Errorf("%w: embedding contains invalid value at index %d", storage.ErrInvalidInput, i)
		}
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO vectors (namespace, document_id, dimension, embedding, content, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(namespace, document_id) DO UPDATE SET
			dimension = excluded.dimension,
			embedding = excluded.embedding,
			content = excluded.content,
			updated_at = excluded.updated_at`,
		namespace, documentID, len(vector), serializeEmbedding(vector), content, time.Now().UnixNano())
	if isForeignKeyViolation(err) {
		return fmt.Errorf("%w: namespace %s", types.ErrNotFound, namespace)
	}
	if err != nil {
		return fmt.Errorf("failed to upsert vector: %w", err)
	}
	return nil
}

// Delete removes one vector.
func (s *VectorStore) Delete(ctx context.Context, namespace, documentID string) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM vectors WHERE namespace = ? AND document_id = ?`, namespace, documentID); err != nil {
		return fmt.Errorf("failed to delete vector: %w", err)
	}
	return nil
}

// Has reports whether documentID has a vector in the namespace.
func (s *VectorStore) Has(ctx context.Context, namespace, documentID string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM vectors WHERE namespace = ? AND document_id = ?`, namespace, documentID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to look up vector: %w", err)
	}
	return true, nil
}

// Count returns the number of vectors in the namespace.
func (s *VectorStore) Count(ctx context.Context, namespace string) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM vectors WHERE namespace = ?`, namespace).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count vectors: %w", err)
	}
	return n, nil
}

// Query ranks the namespace's vectors by cosine similarity and returns the
// top k. Vectors of a different dimension are ignored.
func (s *VectorStore) Query(ctx context.Context, namespace string, vector []float32, k int) ([]storage.Match, error) {
	if len(vector) == 0 {
		return nil, fmt.Errorf("%w: query vector is empty", storage.ErrInvalidInput)
	}
	if k <= 0 {
		return []storage.Match{}, nil
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT document_id, embedding, content FROM vectors WHERE namespace = ? AND dimension = ?`,
		namespace, len(vector))
	if err != nil {
		return nil, fmt.Errorf("failed to query vectors: %w", err)
	}
	defer func() { _ = rows.Close() }()

	query := toFloat64(vector)
	matches := []storage.Match{}
	for rows.Next() {
		var (
			m    storage.Match
			blob []byte
		)
		if err := rows.Scan(&m.DocumentID, &blob, &m.Content); err != nil {
			return nil, fmt.Errorf("failed to scan vector: %w", err)
		}
		stored, err := deserializeEmbedding(blob)
		if err != nil {
			return nil, fmt.Errorf("vector %s: %w", m.DocumentID, err)
		}
		m.Similarity = cosineSimilarity(query, stored)
		matches = append(matches, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	sort.Slice(matches, func(i, j int) bool {
		if matches[i].Similarity != matches[j].Similarity {
			return matches[i].Similarity > matches[j].Similarity
		}
		return matches[i].DocumentID < matches[j].DocumentID
	})
	if len(matches) > k {
		matches = matches[:k]
	}
	return matches, nil
}

// serializeEmbedding encodes a vector as little-endian float64s.
func serializeEmbedding(vector []float32) []byte {
	buf := make([]byte, len(vector)*8)
	for i, v := range vector {
		binary.LittleEndian.PutUint64(buf[i*8:], math.Float64bits(float64(v)))
	}
	return buf
}

func deserializeEmbedding(data []byte) ([]float64, error) {
	if len(data)%8 != 0 {
		return nil, fmt.Errorf("invalid embedding blob length %d", len(data))
	}
	out := make([]float64, len(data)/8)
	for i := range out {
		out[i] = math.Float64frombits(binary.LittleEndian.Uint64(data[i*8:]))
	}
	return out, nil
}

func toFloat64(v []float32) []float64 {
	out := make([]float64, len(v))
	for i, x := range v {
		out[i] = float64(x)
	}
	return out
}

func cosineSimilarity(a, b []float64) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += a[i] * b[i]
		normA += a[i] * a[i]
		normB += b[i] * b[i]
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

var _ storage.VectorIndex = (*VectorStore)(nil)
