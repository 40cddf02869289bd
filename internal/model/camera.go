// Package model holds the core data types shared across the orchestrator:
// cameras, connection attempts, streams, and scan records. Plain structs
// only; behavior lives with the components that own the lifecycle.
package model

import "time"

// Protocol identifies one of the transport protocols a camera may be
// reached over.
type Protocol string

const (
	ProtocolONVIF      Protocol = "onvif"
	ProtocolRTSP       Protocol = "rtsp"
	ProtocolVendorHTTP Protocol = "vendor_http"
)

// ConnectionKind distinguishes the purpose of a connection to a camera:
// a media stream, a control channel, a one-shot API call, or a liveness
// ping.
type ConnectionKind string

const (
	KindStream  ConnectionKind = "stream"
	KindControl ConnectionKind = "control"
	KindAPI     ConnectionKind = "api"
	KindPing    ConnectionKind = "ping"
)

// EndpointKind names a discovered URL role on a camera.
type EndpointKind string

const (
	EndpointRTSPMain    EndpointKind = "rtsp_main"
	EndpointRTSPSub     EndpointKind = "rtsp_sub"
	EndpointSnapshot    EndpointKind = "snapshot"
	EndpointONVIFDevice EndpointKind = "onvif_device"
	EndpointMJPEG       EndpointKind = "mjpeg"
)

// Endpoint is one discovered URL for a camera, along with how it was found.
type Endpoint struct {
	Kind        EndpointKind
	URL         string
	Verified    bool
	Priority    int
	DiscoveredAt time.Time
}

// StreamProfile is a named stream configuration a camera offers.
type StreamProfile struct {
	Name       string
	StreamType string
	Width      int
	Height     int
	FPS        int
	BitrateKbps int
	Codec      string
	IsDefault  bool
}

// Capabilities is the static capability descriptor returned by a protocol
// handler's capabilities() operation.
type Capabilities struct {
	Protocols []Protocol
	PTZ       bool
	Audio     bool
	Codecs    []string
}

// RetryPolicy controls how a Connection retries a failed connect.
type RetryPolicy struct {
	MaxRetries int
	RetryDelay time.Duration
}

// AuthScheme names how a handler authenticates to a camera.
type AuthScheme string

const (
	AuthSchemeDigest AuthScheme = "digest"
	AuthSchemeBasic  AuthScheme = "basic"
	AuthSchemeNone   AuthScheme = "none"
)

// ConnectionConfig is the per-camera connection configuration: address,
// credentials, ports, timeout, and retry policy.
type ConnectionConfig struct {
	IP         string
	Username   string
	Password   string
	RTSPPort   int
	ONVIFPort  int
	HTTPPort   int
	Timeout    time.Duration
	Retry      RetryPolicy
	AuthScheme AuthScheme
}

// StreamConfig is the per-camera stream configuration: which channel/
// sub-stream to request and the target profile.
type StreamConfig struct {
	Channel         int
	SubStreamIndex  int
	TargetWidth     int
	TargetHeight    int
	TargetCodec     string
	TargetFPS       int
}

// Camera is one physical IP device, identified by a stable UUID. camera_id
// is stable across restarts; DisplayName may change.
type Camera struct {
	CameraID    string
	Vendor      string
	Model       string
	DisplayName string

	Connection ConnectionConfig
	Stream     StreamConfig

	Capabilities Capabilities
	Endpoints    map[EndpointKind]Endpoint
	Profiles     []StreamProfile

	Location string
	IsActive bool

	Stats ConnectionStats

	CreatedAt time.Time
	UpdatedAt time.Time
}

// ConnectionStats accumulates the per-camera counters named by the
// persisted `cameras` table: how many times a connection to
// this camera has been attempted, how many succeeded/failed, and how long
// it has spent in a connected/streaming state in total. The Connection
// Orchestrator updates the counters on each connect outcome and adds uptime
// when a camera is disconnected; the Core writes them through to the store
// on a periodic interval and when it stops.
type ConnectionStats struct {
	ConnectionCount        int
	SuccessfulConnections  int
	FailedConnections      int
	TotalUptimeMinutes     float64
	SnapshotsCount         int
	LastSeen               time.Time
}

// NewCamera constructs a Camera with its maps initialized.
func NewCamera(id, vendor, model, displayName string) *Camera {
	now := time.Now()
	return &Camera{
		CameraID:    id,
		Vendor:      vendor,
		Model:       model,
		DisplayName: displayName,
		Endpoints:   make(map[EndpointKind]Endpoint),
		IsActive:    true,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}
