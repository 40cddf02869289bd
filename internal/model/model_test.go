package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCanTransition_LegalEdgesOnly(t *testing.T) {
	assert.True(t, CanTransition(StateDisconnected, StateConnecting))
	assert.True(t, CanTransition(StateConnecting, StateConnected))
	assert.True(t, CanTransition(StateConnecting, StateError))
	assert.True(t, CanTransition(StateConnected, StateStreaming))
	assert.True(t, CanTransition(StateStreaming, StateConnected))
	assert.True(t, CanTransition(StateError, StateConnecting))

	assert.False(t, CanTransition(StateDisconnected, StateConnected), "connect must pass through Connecting")
	assert.False(t, CanTransition(StateDisconnected, StateStreaming))
	assert.False(t, CanTransition(StateError, StateStreaming))
}

func TestBatchOperation_SuccessRate(t *testing.T) {
	op := NewBatchOperation("op1")
	op.Results["c1"] = true
	op.Results["c2"] = false
	op.Results["c3"] = true
	op.Errors["c2"] = "AuthError: rejected"
	op.Finalize()

	assert.InDelta(t, 66.6667, op.SuccessRate, 0.001)

	empty := NewBatchOperation("op2")
	empty.Finalize()
	assert.Zero(t, empty.SuccessRate)
}

func TestScanRange_FingerprintIsPortOrderInsensitive(t *testing.T) {
	a := ScanRange{StartIP: "192.168.1.1", EndIP: "192.168.1.10", Ports: []int{554, 80}}
	b := ScanRange{StartIP: "192.168.1.1", EndIP: "192.168.1.10", Ports: []int{80, 554}}
	c := ScanRange{StartIP: "192.168.1.1", EndIP: "192.168.1.20", Ports: []int{80, 554}}

	assert.Equal(t, a.Fingerprint(), b.Fingerprint())
	assert.NotEqual(t, a.Fingerprint(), c.Fingerprint())
}

func TestCachedScanResult_Expiry(t *testing.T) {
	entry := CachedScanResult{Timestamp: time.Now().Add(-time.Hour), TTL: 24 * time.Hour}
	assert.False(t, entry.Expired(time.Now()))
	assert.True(t, entry.Expired(time.Now().Add(25*time.Hour)))
}

func TestPriority_Ordering(t *testing.T) {
	assert.Greater(t, int(PriorityUrgent), int(PriorityHigh))
	assert.Greater(t, int(PriorityHigh), int(PriorityNormal))
	assert.Greater(t, int(PriorityNormal), int(PriorityLow))
	assert.Equal(t, "urgent", PriorityUrgent.String())
}

func TestNewCamera_Initialized(t *testing.T) {
	cam := NewCamera("id1", "Dahua", "IPC", "porch")
	assert.NotNil(t, cam.Endpoints)
	assert.True(t, cam.IsActive)
	assert.False(t, cam.CreatedAt.IsZero())
}

func TestConnectionAttempt_Completed(t *testing.T) {
	a := ConnectionAttempt{StartTime: time.Now()}
	assert.False(t, a.Completed())
	a.EndTime = time.Now()
	assert.True(t, a.Completed())
}
