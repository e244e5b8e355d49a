package backup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/scrypster/checkpoint/pkg/types"
)

// Service runs scheduled and on-demand backups of a fixed set of targets.
type Service struct {
	targets   []Target
	dir       string
	interval  time.Duration
	retention RetentionPolicy
	verify    bool
	logger    *slog.Logger
	now       func() time.Time

	mu             sync.Mutex
	running        bool
	stopCh         chan struct{}
	lastBackupTime time.Time
	nextBackupTime time.Time
}

// NewService validates cfg and creates the backup directory.
func NewService(cfg Config, logger *slog.Logger) (*Service, error) {
	if len(cfg.Targets) == 0 {
		return nil, fmt.Errorf("%w: at least one backup target is required", types.ErrInvalidConfiguration)
	}
	seen := make(map[string]bool, len(cfg.Targets))
	for _, t := range cfg.Targets {
		if t.Name == "" || t.Path == "" {
			return nil, fmt.Errorf("%w: backup target needs a name and a path", types.ErrInvalidConfiguration)
		}
		if seen[t.Name] {
			return nil, fmt.Errorf("%w: duplicate backup target %q", types.ErrInvalidConfiguration, t.Name)
		}
		seen[t.Name] = true
	}
	if cfg.Dir == "" {
		return nil, fmt.Errorf("%w: backup directory is required", types.ErrInvalidConfiguration)
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 24 * time.Hour
	}
	if cfg.Retention == (RetentionPolicy{}) {
		cfg.Retention = DefaultRetention()
	}
	if logger == nil {
		logger = slog.Default()
	}

	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create backup directory: %w", err)
	}

	return &Service{
		targets:   cfg.Targets,
		dir:       cfg.Dir,
		interval:  cfg.Interval,
		retention: cfg.Retention,
		verify:    cfg.Verify,
		logger:    logger.With("component", "backup"),
		now:       time.Now,
		stopCh:    make(chan struct{}),
	}, nil
}

// Start runs scheduled backups until ctx is cancelled or Stop is called.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return errors.New("backup service is already running")
	}
	s.running = true
	s.nextBackupTime = s.now().Add(s.interval)
	stop := s.stopCh
	s.mu.Unlock()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info("backup service started", "interval", s.interval, "dir", s.dir)

	for {
		select {
		case <-ctx.Done():
			s.setStopped()
			s.logger.Info("backup service stopping", "reason", "context cancelled")
			return ctx.Err()

		case <-stop:
			s.logger.Info("backup service stopping", "reason", "stop requested")
			return nil

		case <-ticker.C:
			results, err := s.BackupNow(ctx)
			if err != nil {
				s.logger.Error("scheduled backup failed", "error", err)
			}
			for _, r := range results {
				s.logger.Info("scheduled backup completed",
					"target", r.Target, "path", r.Path, "bytes", r.Size,
					"duration", r.Duration, "verified", r.Verified)
			}

			s.mu.Lock()
			s.nextBackupTime = s.now().Add(s.interval)
			s.mu.Unlock()
		}
	}
}

func (s *Service) setStopped() {
	s.mu.Lock()
	s.running = false
	s.mu.Unlock()
}

// Stop ends a running Start loop.
func (s *Service) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return errors.New("backup service is not running")
	}
	close(s.stopCh)
	s.stopCh = make(chan struct{})
	s.running = false
	return nil
}

// BackupNow snapshots every target, verifies the copies when configured and
// applies the retention policy. Results cover the targets that succeeded;
// the error joins the failures of the rest.
func (s *Service) BackupNow(ctx context.Context) ([]Result, error) {
	var (
		results []Result
		errs    []error
	)
	for _, t := range s.targets {
		r, err := s.backupTarget(ctx, t)
		if err != nil {
			errs = append(errs, fmt.Errorf("backup %s: %w", t.Name, err))
			continue
		}
		results = append(results, r)

		removed, err := applyRetention(s.dir, t.Name, s.retention, s.now())
		if err != nil {
			s.logger.Warn("failed to apply retention policy", "target", t.Name, "error", err)
		}
		if len(removed) > 0 {
			s.logger.Debug("pruned backups", "target", t.Name, "removed", len(removed))
		}
	}

	if len(results) > 0 {
		s.mu.Lock()
		s.lastBackupTime = s.now()
		s.mu.Unlock()
	}
	return results, errors.Join(errs...)
}

func (s *Service) backupTarget(ctx context.Context, t Target) (Result, error) {
	start := time.Now()

	if _, err := os.Stat(t.Path); err != nil {
		return Result{}, fmt.Errorf("%w: database %s: %w", types.ErrNotFound, t.Path, err)
	}

	path := filepath.Join(s.dir, backupName(t.Name, s.now()))
	if err := snapshot(ctx, t.Path, path); err != nil {
		return Result{}, err
	}

	info, err := os.Stat(path)
	if err != nil {
		return Result{}, fmt.Errorf("failed to stat backup: %w", err)
	}

	r := Result{Target: t.Name, Path: path, Size: info.Size()}
	if s.verify {
		if err := verify(ctx, path); err != nil {
			_ = os.Remove(path)
			return Result{}, fmt.Errorf("backup verification failed: %w", err)
		}
		r.Verified = true
	}
	r.Duration = time.Since(start)
	return r, nil
}

// ListBackups lists backups newest first. An empty target lists all of them.
func (s *Service) ListBackups(target string) ([]Info, error) {
	if target != "" {
		if _, ok := s.target(target); !ok {
			return nil, fmt.Errorf("%w: unknown backup target %q", types.ErrNotFound, target)
		}
	}
	return listBackups(s.dir, target)
}

func (s *Service) target(name string) (Target, bool) {
	for _, t := range s.targets {
		if t.Name == name {
			return t, true
		}
	}
	return Target{}, false
}

// Restore replaces a target database with the backup at path. The target is
// taken from the backup's file name; a bare file name is looked up in the
// backup directory. The databases must not be open while this runs, and the
// scheduler must be stopped. On failure the previous database is put back.
func (s *Service) Restore(ctx context.Context, path string) (Target, error) {
	s.mu.Lock()
	running := s.running
	s.mu.Unlock()
	if running {
		return Target{}, errors.New("cannot restore while backup service is running")
	}

	if filepath.Base(path) == path {
		path = filepath.Join(s.dir, path)
	}
	t, ok := s.target(targetOf(filepath.Base(path)))
	if !ok {
		return Target{}, fmt.Errorf("%w: %s is not a backup of a known target", types.ErrInvalidConfiguration, filepath.Base(path))
	}
	if _, err := os.Stat(path); err != nil {
		return Target{}, fmt.Errorf("%w: backup %s", types.ErrNotFound, path)
	}

	rollback := t.Path + ".pre-restore"
	hasRollback := false
	if _, err := os.Stat(t.Path); err == nil {
		_ = os.Remove(rollback)
		if err := snapshot(ctx, t.Path, rollback); err != nil {
			return Target{}, fmt.Errorf("failed to create pre-restore backup: %w", err)
		}
		hasRollback = true
		defer func() { _ = os.Remove(rollback) }()
	}

	if err := restoreFile(ctx, path, t.Path); err != nil {
		if !hasRollback {
			return Target{}, err
		}
		if rbErr := restoreFile(ctx, rollback, t.Path); rbErr != nil {
			return Target{}, fmt.Errorf("restore failed and rollback failed: %v (restore error: %w)", rbErr, err)
		}
		return Target{}, fmt.Errorf("restore failed, rolled back to previous state: %w", err)
	}

	s.logger.Info("database restored", "target", t.Name, "from", path)
	return t, nil
}

// HealthCheck reports backup freshness and disk usage.
func (s *Service) HealthCheck() (*HealthStatus, error) {
	s.mu.Lock()
	lastBackup := s.lastBackupTime
	nextBackup := s.nextBackupTime
	s.mu.Unlock()

	backups, err := listBackups(s.dir, "")
	if err != nil {
		return nil, fmt.Errorf("failed to list backups: %w", err)
	}
	usage, err := calculateDiskUsage(s.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to calculate disk usage: %w", err)
	}

	// A fresh process has no in-memory record of earlier runs.
	if lastBackup.IsZero() && len(backups) > 0 {
		lastBackup = backups[0].Timestamp
	}

	status := &HealthStatus{
		Status:        "healthy",
		LastBackup:    lastBackup,
		NextBackup:    nextBackup,
		TotalBackups:  len(backups),
		Dir:           s.dir,
		DiskSpaceUsed: usage,
	}

	since := s.now().Sub(lastBackup)
	switch {
	case lastBackup.IsZero():
		status.Message = "No backups yet"
	case since > s.interval*2:
		status.Status = "warning"
		status.Message = fmt.Sprintf("Backup overdue by %v", (since - s.interval).Round(time.Minute))
	default:
		status.Message = fmt.Sprintf("Last backup: %v ago", since.Round(time.Minute))
	}
	return status, nil
}
