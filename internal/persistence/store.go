// Package persistence implements the durable store: the relational schema
// for cameras/scans/snapshots/configurations, a read-through/write-through
// TTL cache in front of it, and the background backup/retention/
// cache-cleanup workers.
package persistence

import (
	"database/sql"
	"encoding/json"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/camorch/ipcam-orchestrator/internal/errs"
	"github.com/camorch/ipcam-orchestrator/internal/logging"
	"github.com/camorch/ipcam-orchestrator/internal/model"
)

// Store is the SQLite-backed relational store.
// Writes are serialized by limiting the standard library's *sql.DB
// connection pool to one connection; SQLite itself rejects concurrent
// writers, so the Store never needs its own write lock.
type Store struct {
	db     *sql.DB
	logger *logging.Logger
}

// Open opens (and, if necessary, creates) the SQLite database at path and
// ensures every table and index exists.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, errs.Wrap(errs.KindStorage, "persistence.open", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, errs.Wrap(errs.KindStorage, "persistence.ping", err)
	}
	s := &Store{db: db, logger: logging.GetComponentLogger("persistence")}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// DB exposes the underlying *sql.DB. The backup worker does not use it; it
// copies the database file by path.
func (s *Store) DB() *sql.DB { return s.db }

// Close releases the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }

func (s *Store) initSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS cameras (
			camera_id TEXT PRIMARY KEY,
			brand TEXT,
			model TEXT,
			ip TEXT,
			last_seen DATETIME,
			connection_count INTEGER DEFAULT 0,
			successful_connections INTEGER DEFAULT 0,
			failed_connections INTEGER DEFAULT 0,
			total_uptime_minutes REAL DEFAULT 0,
			snapshots_count INTEGER DEFAULT 0,
			protocols TEXT,
			metadata TEXT,
			created_at DATETIME,
			updated_at DATETIME
		)`,
		`CREATE INDEX IF NOT EXISTS idx_cameras_ip ON cameras(ip)`,
		`CREATE INDEX IF NOT EXISTS idx_cameras_brand ON cameras(brand)`,
		`CREATE TABLE IF NOT EXISTS scans (
			scan_id TEXT PRIMARY KEY,
			target_ip TEXT,
			timestamp DATETIME,
			duration_seconds REAL,
			ports_scanned TEXT,
			ports_found TEXT,
			authentication_tested BOOLEAN,
			successful_auths INTEGER DEFAULT 0,
			protocols_detected TEXT,
			results TEXT,
			created_at DATETIME
		)`,
		`CREATE INDEX IF NOT EXISTS idx_scans_target_ip ON scans(target_ip)`,
		`CREATE INDEX IF NOT EXISTS idx_scans_timestamp ON scans(timestamp)`,
		`CREATE TABLE IF NOT EXISTS snapshots (
			snapshot_id TEXT PRIMARY KEY,
			camera_id TEXT,
			file_path TEXT,
			timestamp DATETIME,
			file_size_bytes INTEGER,
			resolution TEXT,
			format TEXT,
			metadata TEXT,
			created_at DATETIME
		)`,
		`CREATE INDEX IF NOT EXISTS idx_snapshots_camera_id ON snapshots(camera_id)`,
		`CREATE TABLE IF NOT EXISTS configurations (
			config_key TEXT PRIMARY KEY,
			config_value TEXT,
			config_type TEXT,
			description TEXT,
			created_at DATETIME,
			updated_at DATETIME
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return errs.Wrap(errs.KindStorage, "persistence.init_schema", err)
		}
	}
	return nil
}

// SaveCamera upserts camera's row. Round-tripping a Camera through
// SaveCamera/LoadCamera must reproduce every non-derived field.
func (s *Store) SaveCamera(c *model.Camera) error {
	protocols, err := json.Marshal(c.Capabilities.Protocols)
	if err != nil {
		return errs.Wrap(errs.KindStorage, "persistence.save_camera.marshal_protocols", err)
	}
	metadata, err := json.Marshal(cameraMetadata{
		DisplayName: c.DisplayName, Location: c.Location, IsActive: c.IsActive,
		Vendor: c.Vendor, Endpoints: c.Endpoints, Profiles: c.Profiles,
		Connection: c.Connection, Stream: c.Stream, Capabilities: c.Capabilities,
	})
	if err != nil {
		return errs.Wrap(errs.KindStorage, "persistence.save_camera.marshal_metadata", err)
	}

	_, err = s.db.Exec(`
		INSERT INTO cameras (camera_id, brand, model, ip, last_seen, connection_count,
			successful_connections, failed_connections, total_uptime_minutes,
			snapshots_count, protocols, metadata, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(camera_id) DO UPDATE SET
			brand=excluded.brand, model=excluded.model, ip=excluded.ip,
			last_seen=excluded.last_seen, connection_count=excluded.connection_count,
			successful_connections=excluded.successful_connections,
			failed_connections=excluded.failed_connections,
			total_uptime_minutes=excluded.total_uptime_minutes,
			snapshots_count=excluded.snapshots_count, protocols=excluded.protocols,
			metadata=excluded.metadata, updated_at=excluded.updated_at`,
		c.CameraID, c.Vendor, c.Model, c.Connection.IP, c.Stats.LastSeen,
		c.Stats.ConnectionCount, c.Stats.SuccessfulConnections, c.Stats.FailedConnections,
		c.Stats.TotalUptimeMinutes, c.Stats.SnapshotsCount, string(protocols), string(metadata),
		c.CreatedAt, time.Now(),
	)
	if err != nil {
		return errs.Wrap(errs.KindStorage, "persistence.save_camera", err)
	}
	return nil
}

// cameraMetadata bundles every Camera field not already given its own
// column, so LoadCamera can reconstruct the full struct.
type cameraMetadata struct {
	DisplayName  string
	Location     string
	IsActive     bool
	Vendor       string
	Endpoints    map[model.EndpointKind]model.Endpoint
	Profiles     []model.StreamProfile
	Connection   model.ConnectionConfig
	Stream       model.StreamConfig
	Capabilities model.Capabilities
}

// LoadCamera reads cameraID's row back into a Camera. Returns
// (nil, nil) if no such row exists.
func (s *Store) LoadCamera(cameraID string) (*model.Camera, error) {
	row := s.db.QueryRow(`SELECT camera_id, brand, model, ip, last_seen, connection_count,
		successful_connections, failed_connections, total_uptime_minutes,
		snapshots_count, protocols, metadata, created_at, updated_at
		FROM cameras WHERE camera_id = ?`, cameraID)
	return s.scanCamera(row)
}

func (s *Store) scanCamera(row *sql.Row) (*model.Camera, error) {
	var (
		id, brand, mdl, ip, protocolsJSON, metadataJSON string
		lastSeen, createdAt, updatedAt                  time.Time
		connCount, succ, fail, snapCount                int
		uptime                                          float64
	)
	err := row.Scan(&id, &brand, &mdl, &ip, &lastSeen, &connCount, &succ, &fail, &uptime,
		&snapCount, &protocolsJSON, &metadataJSON, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errs.Wrap(errs.KindStorage, "persistence.load_camera", err)
	}

	var protocols []model.Protocol
	if err := json.Unmarshal([]byte(protocolsJSON), &protocols); err != nil {
		return nil, errs.Wrap(errs.KindStorage, "persistence.load_camera.protocols", err)
	}
	var meta cameraMetadata
	if err := json.Unmarshal([]byte(metadataJSON), &meta); err != nil {
		return nil, errs.Wrap(errs.KindStorage, "persistence.load_camera.metadata", err)
	}

	cam := &model.Camera{
		CameraID:     id,
		Vendor:       meta.Vendor,
		Model:        mdl,
		DisplayName:  meta.DisplayName,
		Connection:   meta.Connection,
		Stream:       meta.Stream,
		Capabilities: meta.Capabilities,
		Endpoints:    meta.Endpoints,
		Profiles:     meta.Profiles,
		Location:     meta.Location,
		IsActive:     meta.IsActive,
		CreatedAt:    createdAt,
		UpdatedAt:    updatedAt,
		Stats: model.ConnectionStats{
			ConnectionCount:       connCount,
			SuccessfulConnections: succ,
			FailedConnections:     fail,
			TotalUptimeMinutes:    uptime,
			SnapshotsCount:        snapCount,
			LastSeen:              lastSeen,
		},
	}
	cam.Connection.IP = ip
	_ = brand // brand is stored for indexing; Vendor (from metadata) is authoritative
	return cam, nil
}

// ListCameras returns every persisted camera.
func (s *Store) ListCameras() ([]*model.Camera, error) {
	rows, err := s.db.Query(`SELECT camera_id FROM cameras`)
	if err != nil {
		return nil, errs.Wrap(errs.KindStorage, "persistence.list_cameras", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, errs.Wrap(errs.KindStorage, "persistence.list_cameras.scan", err)
		}
		ids = append(ids, id)
	}

	out := make([]*model.Camera, 0, len(ids))
	for _, id := range ids {
		cam, err := s.LoadCamera(id)
		if err != nil {
			return nil, err
		}
		if cam != nil {
			out = append(out, cam)
		}
	}
	return out, nil
}

// SaveScan inserts a completed scan's summary row.
func (s *Store) SaveScan(rec model.ScanRecord) error {
	portsScanned, _ := json.Marshal(rec.PortsScanned)
	portsFound, _ := json.Marshal(rec.PortsFound)
	protocols, _ := json.Marshal(rec.ProtocolsDetected)
	results, err := json.Marshal(rec.Results)
	if err != nil {
		return errs.Wrap(errs.KindStorage, "persistence.save_scan.marshal_results", err)
	}

	_, err = s.db.Exec(`INSERT OR REPLACE INTO scans (scan_id, target_ip, timestamp,
		duration_seconds, ports_scanned, ports_found, authentication_tested,
		successful_auths, protocols_detected, results, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ScanID, rec.TargetIP, rec.Timestamp, rec.DurationSeconds,
		string(portsScanned), string(portsFound), rec.AuthenticationTested,
		rec.SuccessfulAuths, string(protocols), string(results), time.Now(),
	)
	if err != nil {
		return errs.Wrap(errs.KindStorage, "persistence.save_scan", err)
	}
	return nil
}

// DeleteScansOlderThan removes scans rows whose timestamp precedes cutoff
// (retention sweep).
func (s *Store) DeleteScansOlderThan(cutoff time.Time) (int64, error) {
	res, err := s.db.Exec(`DELETE FROM scans WHERE timestamp < ?`, cutoff)
	if err != nil {
		return 0, errs.Wrap(errs.KindStorage, "persistence.delete_scans", err)
	}
	return res.RowsAffected()
}

// SaveSnapshot inserts a snapshot's metadata row: the handler returns the
// image bytes, the caller writes the file, then this row is inserted.
func (s *Store) SaveSnapshot(snap model.Snapshot) error {
	metadata, err := json.Marshal(snap.Metadata)
	if err != nil {
		return errs.Wrap(errs.KindStorage, "persistence.save_snapshot.marshal", err)
	}
	_, err = s.db.Exec(`INSERT INTO snapshots (snapshot_id, camera_id, file_path, timestamp,
		file_size_bytes, resolution, format, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		snap.SnapshotID, snap.CameraID, snap.FilePath, snap.Timestamp,
		snap.FileSizeBytes, snap.Resolution, snap.Format, string(metadata), time.Now(),
	)
	if err != nil {
		return errs.Wrap(errs.KindStorage, "persistence.save_snapshot", err)
	}
	if _, err := s.db.Exec(`UPDATE cameras SET snapshots_count = snapshots_count + 1 WHERE camera_id = ?`, snap.CameraID); err != nil {
		s.logger.WithError(err).Warn("failed to bump camera snapshot count")
	}
	return nil
}

// DeleteSnapshotsOlderThan removes snapshot rows whose timestamp precedes
// cutoff (retention sweep).
func (s *Store) DeleteSnapshotsOlderThan(cutoff time.Time) (int64, error) {
	res, err := s.db.Exec(`DELETE FROM snapshots WHERE timestamp < ?`, cutoff)
	if err != nil {
		return 0, errs.Wrap(errs.KindStorage, "persistence.delete_snapshots", err)
	}
	return res.RowsAffected()
}

// SetConfig upserts a configuration row.
func (s *Store) SetConfig(entry model.ConfigEntry) error {
	now := time.Now()
	_, err := s.db.Exec(`INSERT INTO configurations (config_key, config_value, config_type,
		description, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(config_key) DO UPDATE SET config_value=excluded.config_value,
		config_type=excluded.config_type, description=excluded.description,
		updated_at=excluded.updated_at`,
		entry.Key, entry.Value, entry.Type, entry.Description, now, now,
	)
	if err != nil {
		return errs.Wrap(errs.KindStorage, "persistence.set_config", err)
	}
	return nil
}

// GetConfig reads one configuration row; returns (nil, nil) if absent.
func (s *Store) GetConfig(key string) (*model.ConfigEntry, error) {
	row := s.db.QueryRow(`SELECT config_key, config_value, config_type, description,
		created_at, updated_at FROM configurations WHERE config_key = ?`, key)
	var e model.ConfigEntry
	err := row.Scan(&e.Key, &e.Value, &e.Type, &e.Description, &e.CreatedAt, &e.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errs.Wrap(errs.KindStorage, "persistence.get_config", err)
	}
	return &e, nil
}
