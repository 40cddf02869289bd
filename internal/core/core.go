// Package core assembles the orchestrator's components into one struct
// owned by main: persistence, event bus, connection orchestrator, and scan
// coordinator, plus the command surface the API layer calls into.
package core

import (
	"context"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/camorch/ipcam-orchestrator/internal/config"
	"github.com/camorch/ipcam-orchestrator/internal/errs"
	"github.com/camorch/ipcam-orchestrator/internal/events"
	"github.com/camorch/ipcam-orchestrator/internal/logging"
	"github.com/camorch/ipcam-orchestrator/internal/model"
	"github.com/camorch/ipcam-orchestrator/internal/orchestrator"
	"github.com/camorch/ipcam-orchestrator/internal/persistence"
	"github.com/camorch/ipcam-orchestrator/internal/scan"
	"github.com/camorch/ipcam-orchestrator/internal/stream"
)

// Core owns every component. Built once in cmd/orchestrator; no hidden
// globals.
type Core struct {
	cfg    *config.Config
	logger *logging.Logger

	Bus          *events.Bus
	Store        *persistence.Store
	Cache        *persistence.Cache
	Workers      *persistence.Workers
	Orchestrator *orchestrator.Orchestrator
	Scanner      *scan.Coordinator

	secrets *config.SecretStore

	started     bool
	cancelFlush context.CancelFunc
	flushDone   chan struct{}
}

// New wires a Core from cfg. The data root and DB file are created on
// demand.
func New(cfg *config.Config) (*Core, error) {
	logger := logging.GetComponentLogger("core")

	dataRoot := cfg.Persistence.DataRoot
	if dataRoot == "" {
		dataRoot = "data"
	}
	if err := os.MkdirAll(dataRoot, 0o755); err != nil {
		return nil, errs.Wrap(errs.KindStorage, "core.data_root", err)
	}
	dbPath := filepath.Join(dataRoot, cfg.Persistence.DBFile)

	store, err := persistence.Open(dbPath)
	if err != nil {
		return nil, err
	}

	cacheTTL := time.Duration(cfg.Persistence.CacheTTLHours) * time.Hour
	if cacheTTL <= 0 {
		cacheTTL = 24 * time.Hour
	}
	cache := persistence.NewCache(store, cacheTTL)

	workers := persistence.NewWorkers(persistence.WorkersConfig{
		DataRoot:            dataRoot,
		DBPath:              dbPath,
		BackupIntervalHours: cfg.Persistence.BackupIntervalHrs,
		BackupRetain:        cfg.Persistence.BackupRetain,
		AutoCleanupDays:     cfg.Persistence.AutoCleanupDays,
	}, store, cache)

	bus := events.NewBus(cfg.Stream.MinEmitInterval, logging.GetComponentLogger("events"))

	orch := orchestrator.New(cfg, bus)

	scanner := scan.New(scan.CoordinatorConfig{
		MaxConcurrentScans:      cfg.Scan.MaxConcurrentScans,
		MaxCompletedScans:       cfg.Scan.MaxCompletedScans,
		MaxCacheEntries:         cfg.Scan.MaxCacheEntries,
		DefaultTimeout:          cfg.Scan.DefaultTimeout,
		HistoryRetentionDays:    cfg.Scan.HistoryRetentionDays,
		SchedulerInterval:       cfg.Scan.SchedulerInterval,
		CleanupInterval:         cfg.Scan.CleanupInterval,
		DefaultCacheTTL:         cfg.Scan.DefaultCacheTTL,
		ProbeConcurrencyPerHost: cfg.Scan.ProbeConcurrencyPerHost,
	}, bus, dataRoot)

	c := &Core{
		cfg:          cfg,
		logger:       logger,
		Bus:          bus,
		Store:        store,
		Cache:        cache,
		Workers:      workers,
		Orchestrator: orch,
		Scanner:      scanner,
	}

	if cfg.Security.EncryptConfig {
		seed, err := os.Hostname()
		if err != nil || seed == "" {
			seed = "ipcam-orchestrator"
		}
		c.secrets = config.NewSecretStore("config", seed)
		c.hydrateVendorPasswords()
	}
	return c, nil
}

// hydrateVendorPasswords overlays decrypted vendor passwords onto the
// loaded config so YAML never has to carry them in plaintext.
func (c *Core) hydrateVendorPasswords() {
	stored, err := c.secrets.Load()
	if err != nil {
		c.logger.WithError(err).Warn("stored credentials unavailable")
		return
	}
	for key, password := range stored {
		vendor := strings.TrimSuffix(key, ".password")
		if vendor == key {
			continue
		}
		cred := c.cfg.Vendors[vendor]
		cred.Password = password
		if c.cfg.Vendors == nil {
			c.cfg.Vendors = make(map[string]config.VendorCredentials)
		}
		c.cfg.Vendors[vendor] = cred
	}
}

// SetVendorPassword persists a vendor's password encrypted at rest. When
// encryption is disabled the value is refused rather than written in
// plaintext.
func (c *Core) SetVendorPassword(vendor, password string) error {
	if c.secrets == nil {
		c.logger.Warn("refusing to persist credential: security.encrypt_config is disabled")
		return errs.New(errs.KindValidation, "credential encryption is disabled")
	}
	stored, err := c.secrets.Load()
	if err != nil {
		return errs.Wrap(errs.KindStorage, "core.load_credentials", err)
	}
	if stored == nil {
		stored = make(map[string]string)
	}
	stored[vendor+".password"] = password
	if err := c.secrets.Store(stored); err != nil {
		return errs.Wrap(errs.KindStorage, "core.store_credentials", err)
	}
	cred := c.cfg.Vendors[vendor]
	cred.Password = password
	if c.cfg.Vendors == nil {
		c.cfg.Vendors = make(map[string]config.VendorCredentials)
	}
	c.cfg.Vendors[vendor] = cred
	return nil
}

// Start launches every background worker and announces readiness on the
// bus. Idempotent.
func (c *Core) Start(ctx context.Context) error {
	if c.started {
		return nil
	}
	c.started = true

	if err := c.Workers.Start(); err != nil {
		return fmt.Errorf("start persistence workers: %w", err)
	}
	c.Orchestrator.Start(ctx)
	c.Scanner.Start(ctx)

	if cams, err := c.Store.ListCameras(); err == nil {
		for _, cam := range cams {
			c.Orchestrator.RegisterCamera(cam)
		}
	} else {
		c.logger.WithError(err).Warn("could not rehydrate cameras from store")
	}

	flushCtx, cancel := context.WithCancel(ctx)
	c.cancelFlush = cancel
	c.flushDone = make(chan struct{})
	go c.statsFlushLoop(flushCtx)

	c.Bus.Publish(events.TopicPresenterReady, "", map[string]interface{}{
		"capabilities": []string{
			"start_camera_stream", "stop_camera_stream", "get_active_streams",
			"get_stream_metrics", "ptz_control", "capture_snapshot",
			"start_scan", "cancel_scan", "scan_status", "scan_results",
		},
	})
	c.logger.Info("core started")
	return nil
}

// Stop shuts every component down in reverse dependency order. Idempotent.
func (c *Core) Stop() {
	if !c.started {
		return
	}
	c.started = false

	if c.cancelFlush != nil {
		c.cancelFlush()
		<-c.flushDone
	}
	c.Scanner.Stop()
	c.Orchestrator.Stop()
	c.flushCameraStats()
	c.Workers.Stop()
	if err := c.Store.Close(); err != nil {
		c.logger.WithError(err).Warn("closing store failed")
	}
	c.logger.Info("core stopped")
}

// statsFlushLoop periodically writes camera counters through to the store
// so a crash loses at most one interval of accounting.
func (c *Core) statsFlushLoop(ctx context.Context) {
	defer close(c.flushDone)
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.flushCameraStats()
		}
	}
}

// flushCameraStats writes every registered camera's accumulated counters
// through the cache so the cameras table reflects the session.
func (c *Core) flushCameraStats() {
	for _, id := range c.Orchestrator.Cameras() {
		cam, ok := c.Orchestrator.Camera(id)
		if !ok {
			continue
		}
		if err := c.Cache.Save(cam); err != nil {
			c.logger.WithError(err).WithField("camera_id", id).Warn("failed to flush camera stats")
		}
	}
}

// AddCamera registers cam with the orchestrator and persists it
// write-through.
func (c *Core) AddCamera(cam *model.Camera) error {
	if cam.CameraID == "" {
		return errs.New(errs.KindValidation, "camera is missing a camera_id")
	}
	c.Orchestrator.RegisterCamera(cam)
	return c.Cache.Save(cam)
}

// StartCameraStream connects cameraID's stream connection (if not already
// established) and begins producing frames.
func (c *Core) StartCameraStream(ctx context.Context, cameraID string) error {
	if err := c.Orchestrator.ConnectCamera(ctx, cameraID, model.KindStream); err != nil {
		return err
	}
	return c.Orchestrator.StartStreaming(ctx, cameraID)
}

// StopCameraStream halts frame production without disconnecting.
func (c *Core) StopCameraStream(ctx context.Context, cameraID string) error {
	return c.Orchestrator.StopStreaming(ctx, cameraID)
}

// GetActiveStreams lists the camera ids with a currently-streaming
// pipeline.
func (c *Core) GetActiveStreams() []string {
	var out []string
	for _, id := range c.Orchestrator.Cameras() {
		if pl, ok := c.Orchestrator.Pipeline(id); ok && pl.Status() == model.StreamStreaming {
			out = append(out, id)
		}
	}
	return out
}

// GetStreamMetrics returns cameraID's current stream metrics snapshot.
func (c *Core) GetStreamMetrics(cameraID string) (stream.Metrics, error) {
	pl, ok := c.Orchestrator.Pipeline(cameraID)
	if !ok {
		return stream.Metrics{}, errs.New(errs.KindNotConnected, "camera %s has no active stream", cameraID)
	}
	return pl.MetricsSnapshot(), nil
}

// PTZControl routes a PTZ command to cameraID's handler.
func (c *Core) PTZControl(ctx context.Context, cameraID, action string, speed int) error {
	return c.Orchestrator.PTZControl(ctx, cameraID, action, speed)
}

// CaptureSnapshot grabs one still from cameraID, writes it under
// data/snapshots/<camera_id>/<timestamp>.jpg, and records the snapshot
// row. Returns the image bytes and the file path.
func (c *Core) CaptureSnapshot(ctx context.Context, cameraID string) ([]byte, string, error) {
	data, err := c.Orchestrator.CaptureSnapshot(ctx, cameraID)
	if err != nil {
		return nil, "", err
	}

	now := time.Now()
	dir := filepath.Join(c.cfg.Persistence.DataRoot, "snapshots", cameraID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return data, "", errs.Wrap(errs.KindStorage, "core.snapshot_dir", err)
	}
	path := filepath.Join(dir, now.Format("20060102_150405")+".jpg")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return data, "", errs.Wrap(errs.KindStorage, "core.snapshot_write", err)
	}

	snap := model.Snapshot{
		SnapshotID:    uuid.New().String(),
		CameraID:      cameraID,
		FilePath:      path,
		Timestamp:     now,
		FileSizeBytes: int64(len(data)),
		Resolution:    jpegResolution(data),
		Format:        "jpeg",
	}
	if err := c.Store.SaveSnapshot(snap); err != nil {
		c.logger.WithError(err).WithField("camera_id", cameraID).Warn("snapshot metadata not persisted")
	}
	return data, path, nil
}

// StartScan submits a scan of rng to the coordinator.
func (c *Core) StartScan(ctx context.Context, rng model.ScanRange, methods []model.ScanMethod, priority model.Priority, useCache bool) string {
	return c.Scanner.StartScan(ctx, rng, methods, priority, useCache)
}

// CancelScan cancels a queued or running scan.
func (c *Core) CancelScan(id string) error { return c.Scanner.CancelScan(id) }

// ScanStatus returns the job's state, if known.
func (c *Core) ScanStatus(id string) (*model.ScanJob, bool) { return c.Scanner.ScanStatus(id) }

// ScanResults returns the candidate camera results of a scan.
func (c *Core) ScanResults(id string) ([]model.ScanResult, bool) { return c.Scanner.GetResults(id) }

// ServiceMetrics exposes the orchestrator's aggregate snapshot.
func (c *Core) ServiceMetrics() orchestrator.ServiceMetrics { return c.Orchestrator.Metrics() }

// jpegResolution parses the SOF0/SOF2 marker for "WxH"; empty when the
// payload is not a parseable JPEG.
func jpegResolution(data []byte) string {
	if len(data) < 4 || data[0] != 0xff || data[1] != 0xd8 {
		return ""
	}
	i := 2
	for i+9 < len(data) {
		if data[i] != 0xff {
			i++
			continue
		}
		marker := data[i+1]
		if marker == 0xc0 || marker == 0xc2 {
			height := binary.BigEndian.Uint16(data[i+5 : i+7])
			width := binary.BigEndian.Uint16(data[i+7 : i+9])
			return fmt.Sprintf("%dx%d", width, height)
		}
		if marker == 0xd8 || marker == 0xd9 || (marker >= 0xd0 && marker <= 0xd7) {
			i += 2
			continue
		}
		segLen := int(binary.BigEndian.Uint16(data[i+2 : i+4]))
		i += 2 + segLen
	}
	return ""
}
