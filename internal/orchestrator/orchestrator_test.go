package orchestrator

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/camorch/ipcam-orchestrator/internal/config"
	"github.com/camorch/ipcam-orchestrator/internal/errs"
	"github.com/camorch/ipcam-orchestrator/internal/events"
	"github.com/camorch/ipcam-orchestrator/internal/model"
	"github.com/camorch/ipcam-orchestrator/internal/protocol"
)

// mockHandler simulates one camera's protocol driver without a network.
type mockHandler struct {
	mu          sync.Mutex
	connectErr  error
	connectWait time.Duration
	snapshot    []byte
	sink        protocol.FrameSink

	inFlight    int32
	maxInFlight int32
}

func (m *mockHandler) Connect(ctx context.Context) error {
	cur := atomic.AddInt32(&m.inFlight, 1)
	for {
		max := atomic.LoadInt32(&m.maxInFlight)
		if cur <= max || atomic.CompareAndSwapInt32(&m.maxInFlight, max, cur) {
			break
		}
	}
	defer atomic.AddInt32(&m.inFlight, -1)

	m.mu.Lock()
	wait := m.connectWait
	err := m.connectErr
	m.mu.Unlock()
	if wait > 0 {
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}

func (m *mockHandler) Disconnect(ctx context.Context)        {}
func (m *mockHandler) TestConnection(ctx context.Context) bool { return true }

func (m *mockHandler) CaptureSnapshot(ctx context.Context) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.snapshot == nil {
		return nil, errs.New(errs.KindNotConnected, "no session")
	}
	return m.snapshot, nil
}

func (m *mockHandler) SetFrameSink(sink protocol.FrameSink) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sink = sink
}

func (m *mockHandler) StartStreaming(ctx context.Context) error { return nil }
func (m *mockHandler) StopStreaming(ctx context.Context)        {}

func (m *mockHandler) Capabilities() model.Capabilities {
	return model.Capabilities{Protocols: []model.Protocol{model.ProtocolRTSP}}
}

func testConfig() *config.Config {
	return &config.Config{
		Network:     config.NetworkConfig{Timeout: 2 * time.Second, BufferSize: 5},
		Performance: config.PerformanceConfig{MaxConcurrentConnections: 10},
		Connection: config.ConnectionConfig{
			MaxRetries:              0,
			RetryDelay:              10 * time.Millisecond,
			ConnectionTimeout:       2 * time.Second,
			MaxConnectionsPerCamera: 4,
			MaxAttemptHistory:       100,
		},
		Stream: config.StreamConfig{MetricsInterval: time.Second, TargetFPS: 10},
	}
}

func testCamera(id string) *model.Camera {
	cam := model.NewCamera(id, "Generic", "test-cam", id)
	cam.Connection = model.ConnectionConfig{
		IP: "192.168.1.172", Username: "admin", Password: "x",
		RTSPPort: 554, Timeout: 2 * time.Second, AuthScheme: model.AuthSchemeDigest,
	}
	cam.Capabilities.Protocols = []model.Protocol{model.ProtocolRTSP}
	return cam
}

// newTestOrchestrator wires an Orchestrator whose handler factory hands out
// the supplied mocks by camera id.
func newTestOrchestrator(t *testing.T, handlers map[string]*mockHandler) (*Orchestrator, *events.MockEventSink) {
	t.Helper()
	bus := events.NewBus(0, nil)
	sink := events.NewMockEventSink()
	require.NoError(t, bus.Subscribe("test", []events.Topic{events.TopicAll}, sink.Record))

	o := New(testConfig(), bus)
	o.SetHandlerFactory(func(camera *model.Camera, _ model.Protocol) (protocol.Handler, error) {
		return handlers[camera.CameraID], nil
	})
	return o, sink
}

func TestConnectCamera_SingleConnectAndSnapshot(t *testing.T) {
	payload := []byte{0xff, 0xd8, 0xff, 0xd9}
	h := &mockHandler{connectWait: 50 * time.Millisecond, snapshot: payload}
	o, sink := newTestOrchestrator(t, map[string]*mockHandler{"cam1": h})
	o.RegisterCamera(testCamera("cam1"))

	require.NoError(t, o.ConnectCamera(context.Background(), "cam1", model.KindStream))

	conn, ok := o.Connection("cam1", model.KindStream)
	require.True(t, ok)
	assert.Equal(t, model.StateConnected, conn.State())

	m := o.Metrics()
	assert.Equal(t, 1, m.ActiveConnections)
	assert.Equal(t, 1, m.ByProtocol[model.ProtocolRTSP])

	// The state-change events arrive in order: Connecting, then Connected.
	statuses := sink.Filter(events.TopicStreamStatus)
	require.Len(t, statuses, 2)
	assert.Equal(t, "connecting", statuses[0].Data["to"])
	assert.Equal(t, "connected", statuses[1].Data["to"])

	data, err := o.CaptureSnapshot(context.Background(), "cam1")
	require.NoError(t, err)
	assert.Equal(t, payload, data)
}

func TestConnectCamera_IdempotentPerKind(t *testing.T) {
	h := &mockHandler{snapshot: []byte{1}}
	o, _ := newTestOrchestrator(t, map[string]*mockHandler{"cam1": h})
	o.RegisterCamera(testCamera("cam1"))

	require.NoError(t, o.ConnectCamera(context.Background(), "cam1", model.KindStream))
	require.NoError(t, o.ConnectCamera(context.Background(), "cam1", model.KindStream))

	cam, _ := o.Camera("cam1")
	assert.Equal(t, 1, cam.Stats.ConnectionCount, "the second connect reuses the Connected tuple")
}

func TestConnectCamera_FailureCountsAndState(t *testing.T) {
	h := &mockHandler{connectErr: errs.New(errs.KindUnreachable, "host down")}
	o, _ := newTestOrchestrator(t, map[string]*mockHandler{"cam1": h})
	o.RegisterCamera(testCamera("cam1"))

	err := o.ConnectCamera(context.Background(), "cam1", model.KindStream)
	require.Error(t, err)

	conn, ok := o.Connection("cam1", model.KindStream)
	require.True(t, ok)
	assert.Equal(t, model.StateError, conn.State())

	m := o.Metrics()
	assert.Equal(t, int64(1), m.FailedConnects)
	assert.Zero(t, m.ActiveConnections)

	cam, _ := o.Camera("cam1")
	assert.Equal(t, 1, cam.Stats.FailedConnections)
}

func TestConnectMany_PartialFailure(t *testing.T) {
	handlers := map[string]*mockHandler{
		"c1": {},
		"c2": {connectErr: errs.New(errs.KindAuth, "credentials rejected")},
		"c3": {},
	}
	o, _ := newTestOrchestrator(t, handlers)
	for id := range handlers {
		o.RegisterCamera(testCamera(id))
	}

	op := o.ConnectMany(context.Background(), []string{"c1", "c2", "c3"})

	require.Len(t, op.Results, 3)
	assert.True(t, op.Results["c1"])
	assert.False(t, op.Results["c2"])
	assert.True(t, op.Results["c3"])
	assert.Contains(t, op.Errors["c2"], "Auth")
	assert.InDelta(t, 66.67, op.SuccessRate, 0.01)
}

func TestDisconnectCamera_IdempotentOnUnknown(t *testing.T) {
	o, _ := newTestOrchestrator(t, nil)
	assert.NoError(t, o.DisconnectCamera(context.Background(), "never-registered"))
}

func TestDisconnectCamera_IdempotentWhenAlreadyDisconnected(t *testing.T) {
	h := &mockHandler{}
	o, _ := newTestOrchestrator(t, map[string]*mockHandler{"cam1": h})
	o.RegisterCamera(testCamera("cam1"))

	require.NoError(t, o.ConnectCamera(context.Background(), "cam1", model.KindStream))
	require.NoError(t, o.DisconnectCamera(context.Background(), "cam1"))
	require.NoError(t, o.DisconnectCamera(context.Background(), "cam1"))
}

func TestConnectMany_GlobalConcurrencyCap(t *testing.T) {
	const maxConc = 3
	handlers := make(map[string]*mockHandler)
	var ids []string
	shared := &mockHandler{connectWait: 30 * time.Millisecond}
	for _, id := range []string{"a", "b", "c", "d", "e", "f", "g", "h"} {
		handlers[id] = shared
		ids = append(ids, id)
	}

	cfg := testConfig()
	cfg.Performance.MaxConcurrentConnections = maxConc
	bus := events.NewBus(0, nil)
	o := New(cfg, bus)
	o.SetHandlerFactory(func(camera *model.Camera, _ model.Protocol) (protocol.Handler, error) {
		return handlers[camera.CameraID], nil
	})
	for _, id := range ids {
		o.RegisterCamera(testCamera(id))
	}

	op := o.ConnectMany(context.Background(), ids)
	require.Len(t, op.Results, len(ids))
	assert.LessOrEqual(t, atomic.LoadInt32(&shared.maxInFlight), int32(maxConc),
		"no more than max_concurrent_connections connects may be in flight at once")
}

func TestStartStopStreaming(t *testing.T) {
	h := &mockHandler{}
	o, sink := newTestOrchestrator(t, map[string]*mockHandler{"cam1": h})
	o.RegisterCamera(testCamera("cam1"))

	require.NoError(t, o.ConnectCamera(context.Background(), "cam1", model.KindStream))
	require.NoError(t, o.StartStreaming(context.Background(), "cam1"))

	conn, _ := o.Connection("cam1", model.KindStream)
	assert.Equal(t, model.StateStreaming, conn.State())

	pl, ok := o.Pipeline("cam1")
	require.True(t, ok)
	assert.Equal(t, model.StreamStreaming, pl.Status())

	// Frames pushed through the handler's sink land in the pipeline.
	h.mu.Lock()
	sinkFn := h.sink
	h.mu.Unlock()
	require.NotNil(t, sinkFn)
	sinkFn([]byte("frame"), 1)

	require.NoError(t, o.StopStreaming(context.Background(), "cam1"))
	assert.Equal(t, model.StateConnected, conn.State())

	statuses := sink.Filter(events.TopicStreamStatus)
	assert.NotEmpty(t, statuses)
}

func TestStartStreaming_RequiresConnection(t *testing.T) {
	o, _ := newTestOrchestrator(t, map[string]*mockHandler{"cam1": {}})
	o.RegisterCamera(testCamera("cam1"))

	err := o.StartStreaming(context.Background(), "cam1")
	require.Error(t, err)
	kind, ok := errs.KindOf(err)
	require.True(t, ok)
	assert.Equal(t, errs.KindNotConnected, kind)
}

func TestStartStop_Idempotent(t *testing.T) {
	o, _ := newTestOrchestrator(t, nil)
	ctx := context.Background()
	o.Start(ctx)
	o.Start(ctx)
	o.Stop()
	o.Stop()
}
