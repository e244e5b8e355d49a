package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scrypster/checkpoint/internal/storage"
	"github.com/scrypster/checkpoint/pkg/types"
)

// newTestMetadataStore creates an in-memory metadata store for testing.
func newTestMetadataStore(t *testing.T) *MetadataStore {
	t.Helper()
	store, err := NewMetadataStore(context.Background(), ":memory:")
	if err != nil {
		t.Fatalf("failed to create test store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func mustCreateCheckpoint(t *testing.T, store *MetadataStore, version string) {
	t.Helper()
	require.NoError(t, store.CreateCheckpoint(context.Background(), &types.Checkpoint{Version: version}))
}

func appendTurn(t *testing.T, store *MetadataStore, version string, role types.Role, content string) *types.Turn {
	t.Helper()
	turn := &types.Turn{ID: uuid.NewString(), CheckpointVersion: version, Role: role, Content: content}
	require.NoError(t, store.AppendTurn(context.Background(), turn))
	return turn
}

func TestCreateCheckpoint_Duplicate(t *testing.T) {
	store := newTestMetadataStore(t)
	ctx := context.Background()

	mustCreateCheckpoint(t, store, "0.1")
	err := store.CreateCheckpoint(ctx, &types.Checkpoint{Version: "0.1"})
	assert.True(t, errors.Is(err, types.ErrDuplicateVersion), "got %v", err)

	cp, err := store.GetCheckpoint(ctx, "0.1")
	require.NoError(t, err)
	assert.False(t, cp.IsActive, "new checkpoints start inactive")
}

func TestCheckpointConfig_RoundTrip(t *testing.T) {
	store := newTestMetadataStore(t)
	ctx := context.Background()

	cfg := types.CheckpointConfig{
		PersonalityNote: "warm, a little sarcastic",
		Temperature:     types.Float64(0.3),
		ContextDocs:     2,
	}
	require.NoError(t, store.CreateCheckpoint(ctx, &types.Checkpoint{Version: "1.0", Description: "first", Config: cfg}))

	cp, err := store.GetCheckpoint(ctx, "1.0")
	require.NoError(t, err)
	assert.Equal(t, "first", cp.Description)
	assert.Equal(t, cfg, cp.Config)

	cfg.MaxHistory = 6
	require.NoError(t, store.UpdateCheckpoint(ctx, "1.0", "updated", cfg))
	cp, err = store.GetCheckpoint(ctx, "1.0")
	require.NoError(t, err)
	assert.Equal(t, "updated", cp.Description)
	assert.Equal(t, 6, cp.Config.MaxHistory)

	err = store.UpdateCheckpoint(ctx, "9.9", "", cfg)
	assert.True(t, errors.Is(err, types.ErrNotFound))
}

func TestGetCheckpoint_NotFound(t *testing.T) {
	store := newTestMetadataStore(t)
	_, err := store.GetCheckpoint(context.Background(), "missing")
	assert.True(t, errors.Is(err, types.ErrNotFound))
}

func TestListCheckpoints_VersionOrder(t *testing.T) {
	store := newTestMetadataStore(t)
	for _, v := range []string{"0.10", "0.2", "1.0", "0.1"} {
		mustCreateCheckpoint(t, store, v)
	}

	list, err := store.ListCheckpoints(context.Background())
	require.NoError(t, err)

	var got []string
	for _, cp := range list {
		got = append(got, cp.Version)
	}
	assert.Equal(t, []string{"0.1", "0.2", "0.10", "1.0"}, got)
}

func TestActivateCheckpoint_SingleActive(t *testing.T) {
	store := newTestMetadataStore(t)
	ctx := context.Background()

	_, err := store.GetActiveCheckpoint(ctx)
	assert.True(t, errors.Is(err, types.ErrNoActiveCheckpoint))

	for _, v := range []string{"0.1", "0.2", "0.3"} {
		mustCreateCheckpoint(t, store, v)
	}

	for _, v := range []string{"0.1", "0.3", "0.2"} {
		require.NoError(t, store.ActivateCheckpoint(ctx, v))

		active, err := store.GetActiveCheckpoint(ctx)
		require.NoError(t, err)
		assert.Equal(t, v, active.Version)

		list, err := store.ListCheckpoints(ctx)
		require.NoError(t, err)
		activeCount := 0
		for _, cp := range list {
			if cp.IsActive {
				activeCount++
				assert.Equal(t, v, cp.Version)
			}
		}
		assert.Equal(t, 1, activeCount)
	}

	err = store.ActivateCheckpoint(ctx, "9.9")
	assert.True(t, errors.Is(err, types.ErrNotFound))

	active, err := store.GetActiveCheckpoint(ctx)
	require.NoError(t, err)
	assert.Equal(t, "0.2", active.Version, "failed activation must not change the active checkpoint")
}

func TestDeleteCheckpoint_Cascade(t *testing.T) {
	store := newTestMetadataStore(t)
	ctx := context.Background()
	mustCreateCheckpoint(t, store, "0.1")
	mustCreateCheckpoint(t, store, "0.2")

	doc := &types.Document{ID: uuid.NewString(), CheckpointVersion: "0.1", SourceType: types.SourceWriting, Content: "I like rain"}
	require.NoError(t, store.InsertDocument(ctx, doc))
	appendTurn(t, store, "0.1", types.RoleUser, "hi")
	appendTurn(t, store, "0.2", types.RoleUser, "hello")

	newActive, err := store.DeleteCheckpoint(ctx, "0.1")
	require.NoError(t, err)
	assert.Empty(t, newActive)

	_, err = store.GetCheckpoint(ctx, "0.1")
	assert.True(t, errors.Is(err, types.ErrNotFound))
	_, err = store.GetDocument(ctx, doc.ID)
	assert.True(t, errors.Is(err, types.ErrNotFound))

	n, err := store.CountTurns(ctx, "0.1")
	require.NoError(t, err)
	assert.Zero(t, n)
	n, err = store.CountTurns(ctx, "0.2")
	require.NoError(t, err)
	assert.Equal(t, 1, n, "other checkpoints are untouched")

	_, err = store.DeleteCheckpoint(ctx, "0.1")
	assert.True(t, errors.Is(err, types.ErrNotFound))
}

func TestDeleteCheckpoint_ActiveFallsBackToHighest(t *testing.T) {
	store := newTestMetadataStore(t)
	ctx := context.Background()
	for _, v := range []string{"0.2", "0.10", "0.9"} {
		mustCreateCheckpoint(t, store, v)
	}
	require.NoError(t, store.ActivateCheckpoint(ctx, "0.9"))

	newActive, err := store.DeleteCheckpoint(ctx, "0.9")
	require.NoError(t, err)
	assert.Equal(t, "0.10", newActive)

	active, err := store.GetActiveCheckpoint(ctx)
	require.NoError(t, err)
	assert.Equal(t, "0.10", active.Version)

	_, err = store.DeleteCheckpoint(ctx, "0.10")
	require.NoError(t, err)
	newActive, err = store.DeleteCheckpoint(ctx, "0.2")
	require.NoError(t, err)
	assert.Empty(t, newActive)

	_, err = store.GetActiveCheckpoint(ctx)
	assert.True(t, errors.Is(err, types.ErrNoActiveCheckpoint))
}

func TestInsertDocument_DuplicateHash(t *testing.T) {
	store := newTestMetadataStore(t)
	ctx := context.Background()
	mustCreateCheckpoint(t, store, "0.1")
	mustCreateCheckpoint(t, store, "0.2")

	first := &types.Document{ID: uuid.NewString(), CheckpointVersion: "0.1", SourceType: types.SourceMessage, Content: "Coffee is my ritual"}
	require.NoError(t, store.InsertDocument(ctx, first))
	assert.Equal(t, types.DocumentPending, first.Status)

	dup := &types.Document{ID: uuid.NewString(), CheckpointVersion: "0.1", SourceType: types.SourceMessage, Content: "Coffee is my ritual"}
	err := store.InsertDocument(ctx, dup)
	assert.True(t, errors.Is(err, storage.ErrDuplicateContent), "got %v", err)

	// the same content is allowed in another checkpoint
	other := &types.Document{ID: uuid.NewString(), CheckpointVersion: "0.2", SourceType: types.SourceMessage, Content: "Coffee is my ritual"}
	require.NoError(t, store.InsertDocument(ctx, other))

	missing := &types.Document{ID: uuid.NewString(), CheckpointVersion: "7.0", SourceType: types.SourceMessage, Content: "x"}
	err = store.InsertDocument(ctx, missing)
	assert.True(t, errors.Is(err, types.ErrNotFound), "got %v", err)

	found, err := store.FindDocumentByHash(ctx, "0.1", types.ContentHash("Coffee is my ritual"))
	require.NoError(t, err)
	assert.Equal(t, first.ID, found.ID)
}

func TestDocumentLifecycle(t *testing.T) {
	store := newTestMetadataStore(t)
	ctx := context.Background()
	mustCreateCheckpoint(t, store, "0.1")

	doc := &types.Document{
		ID:                uuid.NewString(),
		CheckpointVersion: "0.1",
		SourceType:        types.SourceEmail,
		Content:           "See you at the lake",
		Metadata:          map[string]string{"subject": "Weekend"},
	}
	require.NoError(t, store.InsertDocument(ctx, doc))

	pending, err := store.ListPendingDocuments(ctx, "0.1")
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "Weekend", pending[0].Metadata["subject"])

	n, err := store.CountDocuments(ctx, "0.1")
	require.NoError(t, err)
	assert.Zero(t, n, "pending documents are not counted")

	require.NoError(t, store.MarkDocumentCommitted(ctx, doc.ID))
	pending, err = store.ListPendingDocuments(ctx, "0.1")
	require.NoError(t, err)
	assert.Empty(t, pending)

	n, err = store.CountDocuments(ctx, "0.1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	docs, err := store.ListDocuments(ctx, "0.1", storage.ListOptions{})
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, types.DocumentCommitted, docs[0].Status)

	err = store.MarkDocumentCommitted(ctx, "nope")
	assert.True(t, errors.Is(err, types.ErrNotFound))

	require.NoError(t, store.DeleteDocument(ctx, doc.ID))
	require.NoError(t, store.DeleteDocument(ctx, doc.ID), "deleting twice is not an error")
}

func TestGetHistory_Ordering(t *testing.T) {
	store := newTestMetadataStore(t)
	ctx := context.Background()
	mustCreateCheckpoint(t, store, "0.1")

	t1 := appendTurn(t, store, "0.1", types.RoleUser, "T1")
	t2 := appendTurn(t, store, "0.1", types.RoleAssistant, "T2")
	t3 := appendTurn(t, store, "0.1", types.RoleUser, "T3")
	assert.Less(t, t1.Seq, t2.Seq)
	assert.Less(t, t2.Seq, t3.Seq)

	got, err := store.GetHistory(ctx, "0.1", 2)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "T2", got[0].Content)
	assert.Equal(t, "T3", got[1].Content)

	all, err := store.GetHistory(ctx, "0.1", 0)
	require.NoError(t, err)
	assert.Len(t, all, 3)

	before, err := store.GetHistoryBefore(ctx, "0.1", t3.Seq, 10)
	require.NoError(t, err)
	require.Len(t, before, 2)
	assert.Equal(t, "T1", before[0].Content)

	latest, err := store.LatestTurn(ctx, "0.1", types.RoleAssistant)
	require.NoError(t, err)
	assert.Equal(t, t2.ID, latest.ID)
}

func TestGetHistory_TimestampTieBrokenBySequence(t *testing.T) {
	store := newTestMetadataStore(t)
	ctx := context.Background()
	mustCreateCheckpoint(t, store, "0.1")

	fixed := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return fixed }

	for _, c := range []string{"a", "b", "c", "d"} {
		appendTurn(t, store, "0.1", types.RoleUser, c)
	}

	got, err := store.GetHistory(ctx, "0.1", 3)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, []string{"b", "c", "d"}, []string{got[0].Content, got[1].Content, got[2].Content})
}

func TestAppendTurn_Validation(t *testing.T) {
	store := newTestMetadataStore(t)
	ctx := context.Background()
	mustCreateCheckpoint(t, store, "0.1")

	err := store.AppendTurn(ctx, &types.Turn{ID: uuid.NewString(), CheckpointVersion: "0.1", Role: "system", Content: "x"})
	assert.True(t, errors.Is(err, storage.ErrInvalidInput))

	err = store.AppendTurn(ctx, &types.Turn{ID: uuid.NewString(), CheckpointVersion: "nope", Role: types.RoleUser, Content: "x"})
	assert.True(t, errors.Is(err, types.ErrNotFound), "got %v", err)

	_, err = store.LatestTurn(ctx, "0.1", types.RoleUser)
	assert.True(t, errors.Is(err, types.ErrNotFound))
}

func TestClearHistory(t *testing.T) {
	store := newTestMetadataStore(t)
	ctx := context.Background()
	mustCreateCheckpoint(t, store, "0.1")
	appendTurn(t, store, "0.1", types.RoleUser, "one")
	appendTurn(t, store, "0.1", types.RoleAssistant, "two")

	n, err := store.ClearHistory(ctx, "0.1")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	got, err := store.GetHistory(ctx, "0.1", 10)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestMetadataStore_SurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "checkpoint.db")

	store, err := NewMetadataStore(ctx, path)
	require.NoError(t, err)
	mustCreateCheckpoint(t, store, "0.1")
	require.NoError(t, store.ActivateCheckpoint(ctx, "0.1"))
	appendTurn(t, store, "0.1", types.RoleUser, "persist me")
	require.NoError(t, store.Close())

	reopened, err := NewMetadataStore(ctx, path)
	require.NoError(t, err)
	defer reopened.Close()

	active, err := reopened.GetActiveCheckpoint(ctx)
	require.NoError(t, err)
	assert.Equal(t, "0.1", active.Version)

	history, err := reopened.GetHistory(ctx, "0.1", 10)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, "persist me", history[0].Content)
}
