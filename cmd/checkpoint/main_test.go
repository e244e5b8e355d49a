package main

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scrypster/checkpoint/internal/config"
	"github.com/scrypster/checkpoint/internal/llm/llmtest"
	"github.com/scrypster/checkpoint/internal/server"
	"github.com/scrypster/checkpoint/pkg/types"
)

// setup points the configuration at a temp dir and replaces the providers
// with deterministic fakes.
func setup(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("CHECKPOINT_CONFIG", "")
	t.Setenv("CHECKPOINT_DATA_PATH", filepath.Join(dir, "data"))
	t.Setenv("CHECKPOINT_BACKUP_PATH", filepath.Join(dir, "backups"))
	t.Setenv("CHECKPOINT_LOG_LEVEL", "error")

	gen := &llmtest.Generator{Replies: []string{"first reply", "second reply"}}
	orig := openApp
	openApp = func(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*server.App, error) {
		store, index, err := server.OpenStorage(ctx, cfg.Storage)
		if err != nil {
			return nil, err
		}
		return server.Wire(cfg, store, index, &llmtest.Embedder{}, gen, logger)
	}
	t.Cleanup(func() { openApp = orig })
	return dir
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var buf bytes.Buffer
	cmd := newCommand()
	cmd.Writer = &buf
	cmd.ErrWriter = &buf
	err := cmd.Run(context.Background(), append([]string{"checkpoint"}, args...))
	return buf.String(), err
}

func mustRun(t *testing.T, args ...string) string {
	t.Helper()
	out, err := run(t, args...)
	require.NoError(t, err, out)
	return out
}

func TestCLI_CheckpointLifecycle(t *testing.T) {
	setup(t)

	out := mustRun(t, "checkpoint", "create", "-d", "college years", "--temperature", "0.4", "0.1")
	assert.Contains(t, out, "college years")
	assert.Contains(t, out, "0.40")

	mustRun(t, "checkpoint", "create", "--activate", "0.2")

	out = mustRun(t, "checkpoint", "list")
	assert.Contains(t, out, "  0.1")
	assert.Contains(t, out, "* 0.2")

	_, err := run(t, "checkpoint", "create", "0.1")
	assert.ErrorIs(t, err, types.ErrDuplicateVersion)

	out = mustRun(t, "checkpoint", "activate", "0.1")
	assert.Contains(t, out, "activated 0.1")

	out = mustRun(t, "checkpoint", "config", "--personality", "dry humor", "0.1")
	assert.Contains(t, out, "dry humor")
	assert.Contains(t, out, "0.40", "unset flags keep the current config")

	_, err = run(t, "checkpoint", "delete", "0.1")
	assert.ErrorIs(t, err, types.ErrCannotDeleteActive)

	out = mustRun(t, "checkpoint", "delete", "--force", "0.1")
	assert.Contains(t, out, "deleted 0.1")
	assert.Contains(t, out, "activated 0.2")

	_, err = run(t, "checkpoint", "show", "0.1")
	assert.ErrorIs(t, err, types.ErrNotFound)
}

func TestCLI_RequiresVersion(t *testing.T) {
	setup(t)
	_, err := run(t, "checkpoint", "create")
	assert.ErrorIs(t, err, types.ErrInvalidConfiguration)
}

func TestCLI_IngestAndChat(t *testing.T) {
	dir := setup(t)
	mustRun(t, "checkpoint", "create", "--activate", "1.0")

	notes := filepath.Join(dir, "notes.txt")
	require.NoError(t, os.WriteFile(notes, []byte("I spent the summer building a sailboat with my brother."), 0o644))

	out := mustRun(t, "ingest", notes)
	assert.Contains(t, out, "ingested:       1")

	out = mustRun(t, "ingest", notes)
	assert.Contains(t, out, "skipped:        1", "unchanged files are skipped")

	out = mustRun(t, "ask", "--sources", "what", "did", "you", "build?")
	assert.Contains(t, out, "first reply")
	assert.Contains(t, out, "sailboat")

	out = mustRun(t, "regenerate", "--temperature", "1.2")
	assert.Contains(t, out, "second reply")

	out = mustRun(t, "history")
	assert.Contains(t, out, "user: what did you build?")
	assert.Contains(t, out, "assistant: first reply")
	assert.Contains(t, out, "assistant: second reply")

	out = mustRun(t, "stats")
	assert.Contains(t, out, "documents:      1")
	assert.Contains(t, out, "messages:       3")

	out = mustRun(t, "history", "--clear")
	assert.Contains(t, out, "cleared 3 turns from 1.0")

	_, err := run(t, "regenerate")
	assert.ErrorIs(t, err, types.ErrNotFound)
}

func TestCLI_AskWithoutActiveCheckpoint(t *testing.T) {
	setup(t)
	_, err := run(t, "ask", "hello")
	assert.ErrorIs(t, err, types.ErrNoActiveCheckpoint)
}

func TestCLI_Repair(t *testing.T) {
	setup(t)
	mustRun(t, "checkpoint", "create", "1.0")
	out := mustRun(t, "repair")
	assert.Contains(t, out, "1.0\tcommitted=0 completed=0 deleted=0 errors=0")
}

func TestCLI_Backup(t *testing.T) {
	setup(t)
	mustRun(t, "checkpoint", "create", "1.0")

	out := mustRun(t, "backup", "list")
	assert.Contains(t, out, "no backups")

	out = mustRun(t, "backup", "now")
	assert.Contains(t, out, "checkpoint\t")
	assert.Contains(t, out, "vectors\t")

	out = mustRun(t, "backup", "list", "checkpoint")
	assert.Contains(t, out, "checkpoint\t")
	assert.NotContains(t, out, "vectors\t")

	out = mustRun(t, "backup", "health")
	assert.Contains(t, out, "healthy")
	assert.Contains(t, out, "backups:        2")

	mustRun(t, "checkpoint", "create", "2.0")

	svc, err := server.NewBackupService(mustLoad(t), nil)
	require.NoError(t, err)
	list, err := svc.ListBackups("checkpoint")
	require.NoError(t, err)
	require.Len(t, list, 1)

	out = mustRun(t, "backup", "restore", list[0].Path)
	assert.Contains(t, out, "restored")

	out = mustRun(t, "checkpoint", "list")
	assert.Contains(t, out, "1.0")
	assert.NotContains(t, out, "2.0", "restore returns to the backed up state")
}

// syncBuffer is a bytes.Buffer safe for a concurrent reader.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestCLI_IngestWatch(t *testing.T) {
	dir := setup(t)
	mustRun(t, "checkpoint", "create", "--activate", "1.0")
	writing := filepath.Join(dir, "writing")
	require.NoError(t, os.Mkdir(writing, 0o755))

	out := &syncBuffer{}
	cmd := newCommand()
	cmd.Writer = out
	cmd.ErrWriter = out

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- cmd.Run(ctx, []string{"checkpoint", "ingest", "--watch", writing}) }()

	require.Eventually(t, func() bool { return strings.Contains(out.String(), "watching") }, 5*time.Second, 20*time.Millisecond)
	// Give fsnotify a moment to register
	time.Sleep(200 * time.Millisecond)
	require.NoError(t, os.WriteFile(filepath.Join(writing, "letter.txt"), []byte("Dear Sam, the orchard is blooming again."), 0o644))
	require.Eventually(t, func() bool { return strings.Contains(out.String(), "ingested:       1") }, 5*time.Second, 20*time.Millisecond)

	cancel()
	require.NoError(t, <-done)

	out2 := mustRun(t, "stats")
	assert.Contains(t, out2, "documents:      1")
}

func mustLoad(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := config.Load("")
	require.NoError(t, err)
	return cfg
}
