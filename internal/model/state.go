package model

// ConnectionState is the Connection Model's finite-state machine:
//
//	Disconnected --connect()--> Connecting --ok--> Connected --start_streaming()--> Streaming
//	     ^                          |                  |                              |
//	     |                          |fail              |health fail                   |stop
//	     |                          v                  v                              v
//	     +------disconnect()---- Error <---------------+------------------------- Connected
type ConnectionState string

const (
	StateDisconnected ConnectionState = "disconnected"
	StateConnecting   ConnectionState = "connecting"
	StateConnected    ConnectionState = "connected"
	StateStreaming    ConnectionState = "streaming"
	StateError        ConnectionState = "error"
	StateUnavailable  ConnectionState = "unavailable"
)

// validTransitions enumerates the edges of the FSM above. A transition not
// present here is rejected by the Connection Model.
var validTransitions = map[ConnectionState]map[ConnectionState]bool{
	StateDisconnected: {StateConnecting: true},
	StateConnecting:   {StateConnected: true, StateError: true, StateDisconnected: true},
	StateConnected:    {StateStreaming: true, StateError: true, StateDisconnected: true},
	StateStreaming:    {StateConnected: true, StateError: true, StateDisconnected: true},
	StateError:        {StateDisconnected: true, StateConnecting: true},
	StateUnavailable:  {StateDisconnected: true},
}

// CanTransition reports whether moving from 'from' to 'to' is a legal edge
// of the Connection Model's state machine.
func CanTransition(from, to ConnectionState) bool {
	return validTransitions[from][to]
}

// StreamStatus is the Stream's lifecycle status.
type StreamStatus string

const (
	StreamIdle        StreamStatus = "idle"
	StreamConnecting  StreamStatus = "connecting"
	StreamStreaming   StreamStatus = "streaming"
	StreamReconnecting StreamStatus = "reconnecting"
	StreamError       StreamStatus = "error"
	StreamStopped     StreamStatus = "stopped"
)

// ScanJobState is a ScanJob's lifecycle state.
type ScanJobState string

const (
	ScanQueued    ScanJobState = "queued"
	ScanRunning   ScanJobState = "running"
	ScanCompleted ScanJobState = "completed"
	ScanCancelled ScanJobState = "cancelled"
)

// Priority orders ScanJobs waiting in the Scan Coordinator's queue,
// Urgent first.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityUrgent
)

func (p Priority) String() string {
	switch p {
	case PriorityUrgent:
		return "urgent"
	case PriorityHigh:
		return "high"
	case PriorityNormal:
		return "normal"
	default:
		return "low"
	}
}

// ScanMethod is one of the sweep techniques a ScanJob may run.
type ScanMethod string

const (
	MethodPingSweep      ScanMethod = "ping_sweep"
	MethodPortScan       ScanMethod = "port_scan"
	MethodProtocolDetect ScanMethod = "protocol_detect"
	MethodONVIFDiscovery ScanMethod = "onvif_discovery"
)
