package backup

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/scrypster/checkpoint/pkg/types"
)

// newDB creates a SQLite file holding one row with the given value.
func newDB(t *testing.T, path, value string) {
	t.Helper()
	db, err := sql.Open("sqlite", path)
	if err != nil {
		t.Fatalf("open %s: %v", path, err)
	}
	defer func() { _ = db.Close() }()
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS kv (v TEXT)`); err != nil {
		t.Fatalf("create table: %v", err)
	}
	if _, err := db.Exec(`DELETE FROM kv`); err != nil {
		t.Fatalf("clear table: %v", err)
	}
	if _, err := db.Exec(`INSERT INTO kv (v) VALUES (?)`, value); err != nil {
		t.Fatalf("insert: %v", err)
	}
}

func readDB(t *testing.T, path string) string {
	t.Helper()
	db, err := sql.Open("sqlite", path)
	if err != nil {
		t.Fatalf("open %s: %v", path, err)
	}
	defer func() { _ = db.Close() }()
	var v string
	if err := db.QueryRow(`SELECT v FROM kv`).Scan(&v); err != nil {
		t.Fatalf("select: %v", err)
	}
	return v
}

type fixture struct {
	svc        *Service
	checkpoint string
	vectors    string
	dir        string
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	root := t.TempDir()
	f := fixture{
		checkpoint: filepath.Join(root, "checkpoint.db"),
		vectors:    filepath.Join(root, "vectors.db"),
		dir:        filepath.Join(root, "backups"),
	}
	newDB(t, f.checkpoint, "turns-v1")
	newDB(t, f.vectors, "vectors-v1")

	svc, err := NewService(Config{
		Targets: []Target{
			{Name: "checkpoint", Path: f.checkpoint},
			{Name: "vectors", Path: f.vectors},
		},
		Dir:    f.dir,
		Verify: true,
	}, nil)
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	f.svc = svc
	return f
}

func TestNewServiceValidation(t *testing.T) {
	dir := t.TempDir()
	tests := []struct {
		name string
		cfg  Config
	}{
		{"no targets", Config{Dir: dir}},
		{"no dir", Config{Targets: []Target{{Name: "a", Path: "a.db"}}}},
		{"unnamed target", Config{Dir: dir, Targets: []Target{{Path: "a.db"}}}},
		{"duplicate target", Config{Dir: dir, Targets: []Target{{Name: "a", Path: "a.db"}, {Name: "a", Path: "b.db"}}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewService(tt.cfg, nil)
			if !errors.Is(err, types.ErrInvalidConfiguration) {
				t.Fatalf("expected ErrInvalidConfiguration, got %v", err)
			}
		})
	}
}

func TestNewServiceDefaults(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "backups")
	svc, err := NewService(Config{Dir: dir, Targets: []Target{{Name: "a", Path: "a.db"}}}, nil)
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	if svc.interval != 24*time.Hour {
		t.Errorf("expected default interval 24h, got %v", svc.interval)
	}
	if svc.retention != DefaultRetention() {
		t.Errorf("expected default retention, got %+v", svc.retention)
	}
	if _, err := os.Stat(dir); err != nil {
		t.Errorf("expected backup dir to be created: %v", err)
	}
}

func TestBackupNowCoversEveryTarget(t *testing.T) {
	f := newFixture(t)

	results, err := f.svc.BackupNow(context.Background())
	if err != nil {
		t.Fatalf("BackupNow: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}
	for _, r := range results {
		if !r.Verified {
			t.Errorf("expected %s backup to be verified", r.Target)
		}
		if r.Size == 0 {
			t.Errorf("expected %s backup to have content", r.Target)
		}
		if targetOf(filepath.Base(r.Path)) != r.Target {
			t.Errorf("backup %s not named after target %s", r.Path, r.Target)
		}
	}
	if got := readDB(t, results[0].Path); got != "turns-v1" {
		t.Errorf("checkpoint backup holds %q", got)
	}
	if got := readDB(t, results[1].Path); got != "vectors-v1" {
		t.Errorf("vectors backup holds %q", got)
	}

	all, err := f.svc.ListBackups("")
	if err != nil {
		t.Fatalf("ListBackups: %v", err)
	}
	if len(all) != 2 {
		t.Errorf("expected 2 backups listed, got %d", len(all))
	}
}

func TestBackupNowMissingDatabase(t *testing.T) {
	f := newFixture(t)
	if err := os.Remove(f.vectors); err != nil {
		t.Fatalf("remove: %v", err)
	}

	results, err := f.svc.BackupNow(context.Background())
	if !errors.Is(err, types.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for the missing database, got %v", err)
	}
	if len(results) != 1 || results[0].Target != "checkpoint" {
		t.Errorf("expected the checkpoint backup to succeed, got %+v", results)
	}
}

func TestListBackupsUnknownTarget(t *testing.T) {
	f := newFixture(t)
	if _, err := f.svc.ListBackups("memories"); !errors.Is(err, types.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestRestore(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	results, err := f.svc.BackupNow(ctx)
	if err != nil {
		t.Fatalf("BackupNow: %v", err)
	}
	newDB(t, f.checkpoint, "turns-v2")

	target, err := f.svc.Restore(ctx, filepath.Base(results[0].Path))
	if err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if target.Name != "checkpoint" {
		t.Errorf("expected checkpoint target, got %s", target.Name)
	}
	if got := readDB(t, f.checkpoint); got != "turns-v1" {
		t.Errorf("expected restored value turns-v1, got %q", got)
	}
	if got := readDB(t, f.vectors); got != "vectors-v1" {
		t.Errorf("vectors database should be untouched, got %q", got)
	}
	if _, err := os.Stat(f.checkpoint + ".pre-restore"); !os.IsNotExist(err) {
		t.Errorf("expected pre-restore snapshot to be cleaned up")
	}
}

func TestRestoreRejectsBadInput(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.svc.Restore(ctx, "notes.db"); !errors.Is(err, types.ErrInvalidConfiguration) {
		t.Errorf("expected ErrInvalidConfiguration for a foreign file, got %v", err)
	}
	if _, err := f.svc.Restore(ctx, "checkpoint-backup-missing.db"); !errors.Is(err, types.ErrNotFound) {
		t.Errorf("expected ErrNotFound for a missing backup, got %v", err)
	}
}

// TestRestoreRollsBackCorruptBackup checks the live database survives a
// backup that fails verification.
func TestRestoreRollsBackCorruptBackup(t *testing.T) {
	f := newFixture(t)
	bad := filepath.Join(f.dir, backupName("checkpoint", time.Now()))
	if err := os.WriteFile(bad, []byte("definitely not sqlite"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	if _, err := f.svc.Restore(context.Background(), bad); err == nil {
		t.Fatal("expected restore of a corrupt backup to fail")
	}
	if got := readDB(t, f.checkpoint); got != "turns-v1" {
		t.Errorf("expected live database to be intact, got %q", got)
	}
}

func TestStartStop(t *testing.T) {
	f := newFixture(t)
	f.svc.interval = 20 * time.Millisecond

	done := make(chan error, 1)
	go func() { done <- f.svc.Start(context.Background()) }()

	deadline := time.After(5 * time.Second)
	for {
		backups, err := listBackups(f.dir, "")
		if err != nil {
			t.Fatalf("listBackups: %v", err)
		}
		if len(backups) >= 2 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("scheduled backup never ran")
		case <-time.After(10 * time.Millisecond):
		}
	}

	if _, err := f.svc.Restore(context.Background(), "checkpoint-backup-x.db"); err == nil {
		t.Error("expected restore to be refused while running")
	}

	if err := f.svc.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := <-done; err != nil {
		t.Fatalf("Start returned %v", err)
	}
	if err := f.svc.Stop(); err == nil {
		t.Error("expected second Stop to fail")
	}
}

func TestHealthCheck(t *testing.T) {
	f := newFixture(t)
	now := time.Now()
	f.svc.now = func() time.Time { return now }

	status, err := f.svc.HealthCheck()
	if err != nil {
		t.Fatalf("HealthCheck: %v", err)
	}
	if status.Status != "healthy" || status.Message != "No backups yet" {
		t.Errorf("unexpected empty status %+v", status)
	}

	if _, err := f.svc.BackupNow(context.Background()); err != nil {
		t.Fatalf("BackupNow: %v", err)
	}
	status, err = f.svc.HealthCheck()
	if err != nil {
		t.Fatalf("HealthCheck: %v", err)
	}
	if status.TotalBackups != 2 || status.DiskSpaceUsed == 0 {
		t.Errorf("unexpected status after backup %+v", status)
	}

	f.svc.now = func() time.Time { return now.Add(72 * time.Hour) }
	status, err = f.svc.HealthCheck()
	if err != nil {
		t.Fatalf("HealthCheck: %v", err)
	}
	if status.Status != "warning" {
		t.Errorf("expected overdue warning, got %+v", status)
	}
}
