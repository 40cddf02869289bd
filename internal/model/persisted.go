package model

import "time"

// ScanRecord is the persisted row for one completed scan, distinct from
// the in-memory ScanJob it was produced from: it is the durable summary
// written once a ScanJob completes.
type ScanRecord struct {
	ScanID               string
	TargetIP             string
	Timestamp            time.Time
	DurationSeconds       float64
	PortsScanned          []int
	PortsFound            []int
	AuthenticationTested  bool
	SuccessfulAuths       int
	ProtocolsDetected     []Protocol
	Results               []ScanResult
	CreatedAt             time.Time
}

// Snapshot is the persisted row for one captured still image. The write
// path: capture_snapshot() returns bytes, the caller writes the file, and
// this row is inserted through the Persistence Core.
type Snapshot struct {
	SnapshotID    string
	CameraID      string
	FilePath      string
	Timestamp     time.Time
	FileSizeBytes int64
	Resolution    string
	Format        string
	Metadata      map[string]string
	CreatedAt     time.Time
}

// ConfigEntry is the persisted row for one `configurations` table entry:
// a runtime-typed config value plus its tagged kind.
type ConfigEntry struct {
	Key         string
	Value       string
	Type        string // one of config.ValueKind's string values
	Description string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}
