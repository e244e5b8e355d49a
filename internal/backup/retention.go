package backup

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

const backupMarker = "-backup-"

// backupName returns the file name for a backup of target taken at ts.
func backupName(target string, ts time.Time) string {
	return target + backupMarker + ts.UTC().Format("20060102-150405.000000") + ".db"
}

// targetOf returns the target a backup file name belongs to, or "" when the
// name is not a backup.
func targetOf(name string) string {
	if !strings.HasSuffix(name, ".db") {
		return ""
	}
	i := strings.Index(name, backupMarker)
	if i <= 0 {
		return ""
	}
	return name[:i]
}

// listBackups lists backups in dir, newest first. An empty target lists the
// backups of every target.
func listBackups(dir, target string) ([]Info, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read backup directory: %w", err)
	}

	var backups []Info
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := targetOf(entry.Name())
		if name == "" || (target != "" && name != target) {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		backups = append(backups, Info{
			Target:    name,
			Path:      filepath.Join(dir, entry.Name()),
			Timestamp: info.ModTime(),
			Size:      info.Size(),
		})
	}

	sort.Slice(backups, func(i, j int) bool {
		return backups[i].Timestamp.After(backups[j].Timestamp)
	})
	return backups, nil
}

// applyRetention removes backups of target that fall outside the policy.
// Backups older than a year are always removed.
func applyRetention(dir, target string, policy RetentionPolicy, now time.Time) ([]string, error) {
	backups, err := listBackups(dir, target)
	if err != nil {
		return nil, err
	}

	var toDelete []string
	var hourly, daily, weekly, monthly []Info
	for _, b := range backups {
		age := now.Sub(b.Timestamp)
		switch {
		case age < 24*time.Hour:
			hourly = append(hourly, b)
		case age < 7*24*time.Hour:
			daily = append(daily, b)
		case age < 30*24*time.Hour:
			weekly = append(weekly, b)
		case age < 365*24*time.Hour:
			monthly = append(monthly, b)
		default:
			toDelete = append(toDelete, b.Path)
		}
	}

	toDelete = append(toDelete, overflow(hourly, policy.Hourly)...)
	toDelete = append(toDelete, overflow(daily, policy.Daily)...)
	toDelete = append(toDelete, overflow(weekly, policy.Weekly)...)
	toDelete = append(toDelete, overflow(monthly, policy.Monthly)...)

	var errs []error
	removed := make([]string, 0, len(toDelete))
	for _, path := range toDelete {
		if err := os.Remove(path); err != nil {
			errs = append(errs, err)
			continue
		}
		removed = append(removed, path)
	}
	if len(errs) > 0 {
		return removed, fmt.Errorf("failed to delete some backups: %w", errors.Join(errs...))
	}
	return removed, nil
}

// overflow returns the paths past the first keep entries of a newest-first tier.
func overflow(tier []Info, keep int) []string {
	if keep < 0 {
		keep = 0
	}
	if len(tier) <= keep {
		return nil
	}
	paths := make([]string, 0, len(tier)-keep)
	for _, b := range tier[keep:] {
		paths = append(paths, b.Path)
	}
	return paths
}

// calculateDiskUsage sums the size of every backup in dir.
func calculateDiskUsage(dir string) (int64, error) {
	backups, err := listBackups(dir, "")
	if err != nil {
		return 0, err
	}
	var total int64
	for _, b := range backups {
		total += b.Size
	}
	return total, nil
}
