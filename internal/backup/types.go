// Package backup takes consistent snapshots of the SQLite databases behind a
// checkpoint deployment, verifies them, prunes old ones by age tier and
// restores them on request.
package backup

import (
	"time"
)

// Target is one database file that is backed up. Name prefixes every backup
// file taken from it, so several targets can share a directory.
type Target struct {
	Name string
	Path string
}

// Config holds backup service configuration.
type Config struct {
	// Targets are the database files to back up on every run.
	Targets []Target

	// Dir is where backups are written.
	Dir string

	// Interval between scheduled backups (default: 24h).
	Interval time.Duration

	Retention RetentionPolicy

	// Verify runs an integrity check on every new backup.
	Verify bool
}

// RetentionPolicy defines how many backups to keep at each tier, per target.
// Backups are categorized by age:
// - Hourly: backups less than 24 hours old
// - Daily: backups between 1-7 days old
// - Weekly: backups between 7-30 days old
// - Monthly: backups between 30-365 days old
type RetentionPolicy struct {
	Hourly  int
	Daily   int
	Weekly  int
	Monthly int
}

// DefaultRetention keeps a day of hourlies, a week of dailies, a month of
// weeklies and a year of monthlies.
func DefaultRetention() RetentionPolicy {
	return RetentionPolicy{Hourly: 24, Daily: 7, Weekly: 4, Monthly: 12}
}

// Info describes a backup file on disk.
type Info struct {
	Target    string    `json:"target"`
	Path      string    `json:"path"`
	Timestamp time.Time `json:"timestamp"`
	Size      int64     `json:"size"`
}

// Result is the outcome of backing up one target.
type Result struct {
	Target   string        `json:"target"`
	Path     string        `json:"path"`
	Duration time.Duration `json:"duration"`
	Size     int64         `json:"size"`
	Verified bool          `json:"verified"`
}

// HealthStatus represents the health of the backup service.
type HealthStatus struct {
	// Status is "healthy" or "warning".
	Status  string `json:"status"`
	Message string `json:"message"`

	LastBackup    time.Time `json:"last_backup"`
	NextBackup    time.Time `json:"next_backup"`
	TotalBackups  int       `json:"total_backups"`
	Dir           string    `json:"dir"`
	DiskSpaceUsed int64     `json:"disk_space_used"`
}
