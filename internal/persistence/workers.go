package persistence

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/camorch/ipcam-orchestrator/internal/logging"
)

// WorkersConfig tunes the background maintenance jobs.
type WorkersConfig struct {
	DataRoot            string
	DBPath              string
	BackupIntervalHours int
	BackupRetain        int
	AutoCleanupDays     int
}

// Workers runs the three background maintenance jobs on cron schedules:
// hourly cache cleanup, periodic DB backup with rotation, and a daily
// retention sweep over old scans and snapshots. Failures are logged and
// never stop the core.
type Workers struct {
	cfg    WorkersConfig
	store  *Store
	cache  *Cache
	logger *logging.Logger
	cron   *cron.Cron
}

// NewWorkers wires the maintenance jobs against store and cache.
func NewWorkers(cfg WorkersConfig, store *Store, cache *Cache) *Workers {
	if cfg.BackupIntervalHours <= 0 {
		cfg.BackupIntervalHours = 24
	}
	if cfg.BackupRetain <= 0 {
		cfg.BackupRetain = 10
	}
	if cfg.AutoCleanupDays <= 0 {
		cfg.AutoCleanupDays = 90
	}
	return &Workers{
		cfg:    cfg,
		store:  store,
		cache:  cache,
		logger: logging.GetComponentLogger("persistence.workers"),
		cron:   cron.New(),
	}
}

// Start registers and launches the cron schedules.
func (w *Workers) Start() error {
	if _, err := w.cron.AddFunc("@hourly", w.cacheCleanup); err != nil {
		return err
	}
	backupSpec := fmt.Sprintf("@every %dh", w.cfg.BackupIntervalHours)
	if _, err := w.cron.AddFunc(backupSpec, w.runBackup); err != nil {
		return err
	}
	if _, err := w.cron.AddFunc("@daily", w.retentionSweep); err != nil {
		return err
	}
	w.cron.Start()
	return nil
}

// Stop halts the schedules and waits for any in-flight job to finish.
func (w *Workers) Stop() {
	ctx := w.cron.Stop()
	<-ctx.Done()
}

func (w *Workers) cacheCleanup() {
	evicted := w.cache.EvictExpired()
	if evicted > 0 {
		w.logger.WithField("evicted", evicted).Debug("evicted expired cache entries")
	}
}

// runBackup copies the DB file to backups/backup_<YYYYMMDD_HHMMSS>.db and
// prunes all but the newest BackupRetain copies.
func (w *Workers) runBackup() {
	if err := w.BackupNow(); err != nil {
		w.logger.WithError(err).Warn("database backup failed")
	}
}

// BackupNow performs one backup cycle immediately. Exposed so shutdown can
// take a final backup without waiting for the schedule.
func (w *Workers) BackupNow() error {
	backupDir := filepath.Join(w.cfg.DataRoot, "backups")
	if err := os.MkdirAll(backupDir, 0o755); err != nil {
		return fmt.Errorf("create backup dir: %w", err)
	}

	name := fmt.Sprintf("backup_%s.db", time.Now().Format("20060102_150405"))
	dst := filepath.Join(backupDir, name)
	if err := copyFile(w.cfg.DBPath, dst); err != nil {
		return fmt.Errorf("copy db file: %w", err)
	}
	w.logger.WithField("file", name).Info("database backup written")

	return w.pruneBackups(backupDir)
}

func (w *Workers) pruneBackups(backupDir string) error {
	entries, err := os.ReadDir(backupDir)
	if err != nil {
		return fmt.Errorf("list backups: %w", err)
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && filepath.Ext(e.Name()) == ".db" {
			names = append(names, e.Name())
		}
	}
	// backup_<timestamp>.db names sort chronologically
	sort.Strings(names)
	for len(names) > w.cfg.BackupRetain {
		victim := names[0]
		names = names[1:]
		if err := os.Remove(filepath.Join(backupDir, victim)); err != nil {
			w.logger.WithError(err).WithField("file", victim).Warn("failed to prune old backup")
		}
	}
	return nil
}

// retentionSweep deletes scans and snapshots older than AutoCleanupDays.
func (w *Workers) retentionSweep() {
	cutoff := time.Now().AddDate(0, 0, -w.cfg.AutoCleanupDays)

	scans, err := w.store.DeleteScansOlderThan(cutoff)
	if err != nil {
		w.logger.WithError(err).Warn("scan retention sweep failed")
	}
	snaps, err := w.store.DeleteSnapshotsOlderThan(cutoff)
	if err != nil {
		w.logger.WithError(err).Warn("snapshot retention sweep failed")
	}
	if scans > 0 || snaps > 0 {
		w.logger.WithFields(logging.Fields{"scans": scans, "snapshots": snaps}).Info("retention sweep removed old rows")
	}
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()
	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Sync()
}
