package sqlite

import (
	"context"
	"errors"
	"math"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scrypster/checkpoint/internal/storage"
	"github.com/scrypster/checkpoint/pkg/types"
)

func newTestVectorStore(t *testing.T) *VectorStore {
	t.Helper()
	store, err := NewVectorStore(context.Background(), ":memory:")
	if err != nil {
		t.Fatalf("failed to create vector store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestVectorStore_NamespaceIsolation(t *testing.T) {
	store := newTestVectorStore(t)
	ctx := context.Background()
	require.NoError(t, store.CreateNamespace(ctx, "A"))
	require.NoError(t, store.CreateNamespace(ctx, "B"))

	require.NoError(t, store.Upsert(ctx, "B", "doc-1", []float32{1, 0, 0}, "only in B"))

	matches, err := store.Query(ctx, "A", []float32{1, 0, 0}, 5)
	require.NoError(t, err)
	assert.NotNil(t, matches)
	assert.Empty(t, matches)

	matches, err = store.Query(ctx, "B", []float32{1, 0, 0}, 5)
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, "only in B", matches[0].Content)
}

func TestVectorStore_QueryOrderingAndK(t *testing.T) {
	store := newTestVectorStore(t)
	ctx := context.Background()
	require.NoError(t, store.CreateNamespace(ctx, "0.1"))

	require.NoError(t, store.Upsert(ctx, "0.1", "near", []float32{1, 0.1, 0}, "near"))
	require.NoError(t, store.Upsert(ctx, "0.1", "mid", []float32{1, 1, 0}, "mid"))
	require.NoError(t, store.Upsert(ctx, "0.1", "far", []float32{-1, 0, 0}, "far"))

	matches, err := store.Query(ctx, "0.1", []float32{1, 0, 0}, 10)
	require.NoError(t, err)
	require.Len(t, matches, 3, "k larger than the collection returns everything")
	assert.Equal(t, "near", matches[0].DocumentID)
	assert.Equal(t, "mid", matches[1].DocumentID)
	assert.Equal(t, "far", matches[2].DocumentID)
	assert.InDelta(t, -1.0, matches[2].Similarity, 1e-9)
	assert.InDelta(t, 0.0, matches[2].Relevance(), 1e-9)

	top, err := store.Query(ctx, "0.1", []float32{1, 0, 0}, 2)
	require.NoError(t, err)
	assert.Len(t, top, 2)

	none, err := store.Query(ctx, "0.1", []float32{1, 0, 0}, 0)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestVectorStore_UpsertReplaces(t *testing.T) {
	store := newTestVectorStore(t)
	ctx := context.Background()
	require.NoError(t, store.CreateNamespace(ctx, "0.1"))

	require.NoError(t, store.Upsert(ctx, "0.1", "doc", []float32{1, 0}, "old"))
	require.NoError(t, store.Upsert(ctx, "0.1", "doc", []float32{0, 1}, "new"))

	n, err := store.Count(ctx, "0.1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	matches, err := store.Query(ctx, "0.1", []float32{0, 1}, 1)
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, "new", matches[0].Content)
	assert.InDelta(t, 1.0, matches[0].Similarity, 1e-9)
}

func TestVectorStore_Validation(t *testing.T) {
	store := newTestVectorStore(t)
	ctx := context.Background()
	require.NoError(t, store.CreateNamespace(ctx, "0.1"))

	err := store.Upsert(ctx, "0.1", "doc", nil, "x")
	assert.True(t, errors.Is(err, storage.ErrInvalidInput))

	err = store.Upsert(ctx, "0.1", "doc", []float32{float32(math.NaN())}, "x")
	assert.True(t, errors.Is(err, storage.ErrInvalidInput))

	err = store.Upsert(ctx, "missing", "doc", []float32{1}, "x")
	assert.True(t, errors.Is(err, types.ErrNotFound), "got %v", err)

	_, err = store.Query(ctx, "0.1", nil, 3)
	assert.True(t, errors.Is(err, storage.ErrInvalidInput))
}

func TestVectorStore_DropAndRecreateNamespace(t *testing.T) {
	store := newTestVectorStore(t)
	ctx := context.Background()
	require.NoError(t, store.CreateNamespace(ctx, "0.1"))
	require.NoError(t, store.Upsert(ctx, "0.1", "doc", []float32{1, 2, 3}, "x"))

	has, err := store.Has(ctx, "0.1", "doc")
	require.NoError(t, err)
	assert.True(t, has)

	require.NoError(t, store.Delete(ctx, "0.1", "doc"))
	has, err = store.Has(ctx, "0.1", "doc")
	require.NoError(t, err)
	assert.False(t, has)

	require.NoError(t, store.Upsert(ctx, "0.1", "doc", []float32{1, 2, 3}, "x"))
	require.NoError(t, store.DropNamespace(ctx, "0.1"))

	n, err := store.Count(ctx, "0.1")
	require.NoError(t, err)
	assert.Zero(t, n)

	// recreating starts empty
	require.NoError(t, store.CreateNamespace(ctx, "0.1"))
	matches, err := store.Query(ctx, "0.1", []float32{1, 2, 3}, 5)
	require.NoError(t, err)
	assert.Empty(t, matches)
}

func TestVectorStore_IgnoresOtherDimensions(t *testing.T) {
	store := newTestVectorStore(t)
	ctx := context.Background()
	require.NoError(t, store.CreateNamespace(ctx, "0.1"))
	require.NoError(t, store.Upsert(ctx, "0.1", "three", []float32{1, 0, 0}, "3d"))
	require.NoError(t, store.Upsert(ctx, "0.1", "two", []float32{1, 0}, "2d"))

	matches, err := store.Query(ctx, "0.1", []float32{1, 0}, 5)
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, "two", matches[0].DocumentID)
}

func TestEmbeddingSerialization(t *testing.T) {
	in := []float32{0.1, -2.5, 3e-7, 0}
	out, err := deserializeEmbedding(serializeEmbedding(in))
	require.NoError(t, err)
	require.Len(t, out, len(in))
	for i := range in {
		assert.Equal(t, float64(in[i]), out[i])
	}

	_, err = deserializeEmbedding([]byte{1, 2, 3})
	assert.Error(t, err)
}

func TestVectorStore_SurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "vectors.db")

	store, err := NewVectorStore(ctx, path)
	require.NoError(t, err)
	require.NoError(t, store.CreateNamespace(ctx, "0.1"))
	require.NoError(t, store.Upsert(ctx, "0.1", "doc", []float32{1, 1}, "kept"))
	require.NoError(t, store.Close())

	reopened, err := NewVectorStore(ctx, path)
	require.NoError(t, err)
	defer reopened.Close()

	n, err := reopened.Count(ctx, "0.1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestDBPathFromDSN(t *testing.T) {
	tests := map[string]string{
		":memory:":                     ":memory:",
		"file::memory:?cache=shared":   ":memory:",
		"/var/lib/checkpoint.db":       "/var/lib/checkpoint.db",
		"data/vectors.db?_pragma=x":    "data/vectors.db",
		"file:/tmp/x.db?mode=ro":       "/tmp/x.db",
		"file:relative.db?cache=false": "relative.db",
	}
	for dsn, want := range tests {
		assert.Equal(t, want, dbPathFromDSN(dsn), dsn)
	}
}
