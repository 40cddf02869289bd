// Package orchestrator owns every camera's Connections: it bounds how many
// connect concurrently overall and per camera, runs the background retry
// loop for connections stuck in Error, keeps per-camera connection
// statistics, and exposes batch connect/disconnect operations plus the
// aggregate service metrics snapshot.
package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	"golang.org/x/sync/semaphore"

	"github.com/camorch/ipcam-orchestrator/internal/config"
	"github.com/camorch/ipcam-orchestrator/internal/connection"
	"github.com/camorch/ipcam-orchestrator/internal/errs"
	"github.com/camorch/ipcam-orchestrator/internal/events"
	"github.com/camorch/ipcam-orchestrator/internal/logging"
	"github.com/camorch/ipcam-orchestrator/internal/model"
	"github.com/camorch/ipcam-orchestrator/internal/protocol"
	"github.com/camorch/ipcam-orchestrator/internal/stream"
)

// HandlerFactory builds the protocol.Handler for a camera; overridable for
// tests so they never touch a real network.
type HandlerFactory func(camera *model.Camera, proto model.Protocol) (protocol.Handler, error)

// connUnit pairs one Connection with the handler driving it.
type connUnit struct {
	handler     protocol.Handler
	conn        *connection.Connection
	connectedAt time.Time
}

// entry bundles one registered camera with its live connections, keyed by
// kind, and its stream pipeline if one is producing.
type entry struct {
	camera   *model.Camera
	conns    map[model.ConnectionKind]*connUnit
	pipeline *stream.Pipeline
}

// Orchestrator owns the camera registry and every Connection in it. One
// instance is owned by the Core and is safe for concurrent use.
type Orchestrator struct {
	cfg    *config.Config
	bus    *events.Bus
	logger *logging.Logger

	newHandler HandlerFactory

	mu      sync.RWMutex
	entries map[string]*entry // keyed by camera_id

	globalSem   *semaphore.Weighted
	perCamSem   map[string]*semaphore.Weighted
	perCamSemMu sync.Mutex

	startTime         time.Time
	totalConnects     int64
	failedConnects    int64
	succeededConnects int64

	cancelRetry context.CancelFunc
	retryDone   chan struct{}
	started     bool
}

// New builds an Orchestrator against cfg's connection/performance tunables.
func New(cfg *config.Config, bus *events.Bus) *Orchestrator {
	maxConcurrent := cfg.Performance.MaxConcurrentConnections
	if maxConcurrent <= 0 {
		maxConcurrent = 10
	}
	return &Orchestrator{
		cfg:        cfg,
		bus:        bus,
		logger:     logging.GetComponentLogger("orchestrator"),
		newHandler: protocol.New,
		entries:    make(map[string]*entry),
		globalSem:  semaphore.NewWeighted(int64(maxConcurrent)),
		perCamSem:  make(map[string]*semaphore.Weighted),
		startTime:  time.Now(),
	}
}

// SetHandlerFactory replaces the protocol handler constructor; test-only.
func (o *Orchestrator) SetHandlerFactory(f HandlerFactory) { o.newHandler = f }

func (o *Orchestrator) camSemaphore(cameraID string) *semaphore.Weighted {
	limit := int64(o.cfg.Connection.MaxConnectionsPerCamera)
	if limit <= 0 {
		limit = 4
	}
	o.perCamSemMu.Lock()
	defer o.perCamSemMu.Unlock()
	sem, ok := o.perCamSem[cameraID]
	if !ok {
		sem = semaphore.NewWeighted(limit)
		o.perCamSem[cameraID] = sem
	}
	return sem
}

// RegisterCamera adds camera to the registry without connecting it.
func (o *Orchestrator) RegisterCamera(camera *model.Camera) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if existing, ok := o.entries[camera.CameraID]; ok {
		existing.camera = camera
		return
	}
	o.entries[camera.CameraID] = &entry{
		camera: camera,
		conns:  make(map[model.ConnectionKind]*connUnit),
	}
}

// Camera returns the registered camera, if any.
func (o *Orchestrator) Camera(cameraID string) (*model.Camera, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	e, ok := o.entries[cameraID]
	if !ok {
		return nil, false
	}
	return e.camera, true
}

// Cameras returns every registered camera id.
func (o *Orchestrator) Cameras() []string {
	o.mu.RLock()
	defer o.mu.RUnlock()
	ids := make([]string, 0, len(o.entries))
	for id := range o.entries {
		ids = append(ids, id)
	}
	return ids
}

// ConnectCamera builds (or reuses) the camera's Connection of the given
// kind and connects it, bounded by the global and per-camera concurrency
// semaphores. Idempotent per (camera_id, kind): if that tuple is already
// Connected or Streaming, it returns success immediately.
func (o *Orchestrator) ConnectCamera(ctx context.Context, cameraID string, kind model.ConnectionKind) error {
	o.mu.Lock()
	e, ok := o.entries[cameraID]
	o.mu.Unlock()
	if !ok {
		return errs.New(errs.KindValidation, "unknown camera %s", cameraID)
	}

	o.mu.Lock()
	if u, exists := e.conns[kind]; exists {
		state := u.conn.State()
		if state == model.StateConnected || state == model.StateStreaming {
			o.mu.Unlock()
			return nil
		}
	}
	o.mu.Unlock()

	if err := o.globalSem.Acquire(ctx, 1); err != nil {
		return errs.Wrap(errs.KindCancelled, "orchestrator.connect.global_sem", err)
	}
	defer o.globalSem.Release(1)

	camSem := o.camSemaphore(cameraID)
	if err := camSem.Acquire(ctx, 1); err != nil {
		return errs.Wrap(errs.KindCancelled, "orchestrator.connect.camera_sem", err)
	}
	defer camSem.Release(1)

	o.mu.Lock()
	u, exists := e.conns[kind]
	if !exists {
		handler, err := o.newHandler(e.camera, o.protocolFor(e.camera))
		if err != nil {
			o.mu.Unlock()
			return err
		}
		conn := connection.New(cameraID, o.protocolFor(e.camera), kind, handler, connection.Config{
			RetryPolicy:         model.RetryPolicy{MaxRetries: o.cfg.Connection.MaxRetries, RetryDelay: o.cfg.Connection.RetryDelay},
			HealthCheckInterval: o.cfg.Connection.HealthCheckInterval,
			MaxAttemptHistory:   o.cfg.Connection.MaxAttemptHistory,
		})
		conn.OnStateChanged(func(oldS, newS model.ConnectionState) {
			o.bus.Publish(events.TopicStreamStatus, cameraID, map[string]interface{}{
				"from": string(oldS), "to": string(newS), "kind": string(kind),
			})
		})
		conn.OnConnectionLost(func(cause error) {
			o.logger.WithFields(logging.Fields{"camera_id": cameraID, "kind": kind, "cause": cause}).Warn("connection lost")
		})
		u = &connUnit{handler: handler, conn: conn}
		e.conns[kind] = u
	}
	conn := u.conn
	handler := u.handler
	o.mu.Unlock()

	err := conn.Connect(ctx)
	o.recordOutcome(e, u, err)
	if err != nil {
		return err
	}

	handler.SetFrameSink(func(payload []byte, sequence uint64) {
		o.mu.RLock()
		pl := e.pipeline
		o.mu.RUnlock()
		if pl != nil {
			pl.PushFrame(payload, sequence)
		}
	})
	return nil
}

// recordOutcome folds one connect attempt's result into the camera's
// cumulative stats and the orchestrator's monotonic counters.
func (o *Orchestrator) recordOutcome(e *entry, u *connUnit, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.totalConnects++
	e.camera.Stats.ConnectionCount++
	if err != nil {
		o.failedConnects++
		e.camera.Stats.FailedConnections++
		return
	}
	o.succeededConnects++
	e.camera.Stats.SuccessfulConnections++
	e.camera.Stats.LastSeen = time.Now()
	u.connectedAt = time.Now()
}

func (o *Orchestrator) protocolFor(camera *model.Camera) model.Protocol {
	if len(camera.Capabilities.Protocols) > 0 {
		return camera.Capabilities.Protocols[0]
	}
	return model.ProtocolRTSP
}

// DisconnectCamera tears down every connection and the stream for
// cameraID, accruing its uptime into the camera stats. Idempotent:
// disconnecting an unknown or already-disconnected camera succeeds
// without mutating state.
func (o *Orchestrator) DisconnectCamera(ctx context.Context, cameraID string) error {
	o.mu.Lock()
	e, ok := o.entries[cameraID]
	if !ok {
		o.mu.Unlock()
		return nil
	}
	pipeline := e.pipeline
	e.pipeline = nil
	units := make([]*connUnit, 0, len(e.conns))
	for _, u := range e.conns {
		units = append(units, u)
	}
	now := time.Now()
	for _, u := range units {
		if !u.connectedAt.IsZero() {
			e.camera.Stats.TotalUptimeMinutes += now.Sub(u.connectedAt).Minutes()
			u.connectedAt = time.Time{}
		}
	}
	o.mu.Unlock()

	if pipeline != nil {
		pipeline.Stop()
	}
	for _, u := range units {
		u.conn.Disconnect(ctx)
	}
	return nil
}

// StartStreaming begins producing frames on cameraID's stream connection
// and wires up a Stream Pipeline publishing stream-status/stream-metrics
// on the bus.
func (o *Orchestrator) StartStreaming(ctx context.Context, cameraID string) error {
	o.mu.Lock()
	e, ok := o.entries[cameraID]
	if !ok {
		o.mu.Unlock()
		return errs.New(errs.KindValidation, "unknown camera %s", cameraID)
	}
	u, ok := e.conns[model.KindStream]
	if !ok {
		o.mu.Unlock()
		return errs.New(errs.KindNotConnected, "camera %s is not connected", cameraID)
	}
	if e.pipeline == nil {
		e.pipeline = stream.New(cameraID, uuid.New().String(), o.protocolFor(e.camera), stream.Config{
			BufferSize:      o.cfg.Network.BufferSize,
			TargetFPS:       e.camera.Stream.TargetFPS,
			MetricsInterval: o.cfg.Stream.MetricsInterval,
		}, o.bus)
	}
	pipeline := e.pipeline
	conn := u.conn
	handler := u.handler
	o.mu.Unlock()

	if err := handler.StartStreaming(ctx); err != nil {
		return errs.Wrap(errs.KindProtocol, "orchestrator.start_streaming", err)
	}
	conn.MarkStreaming()
	pipeline.Start(ctx)
	return nil
}

// StopStreaming halts frame production for cameraID without disconnecting
// it.
func (o *Orchestrator) StopStreaming(ctx context.Context, cameraID string) error {
	o.mu.Lock()
	e, ok := o.entries[cameraID]
	if !ok {
		o.mu.Unlock()
		return errs.New(errs.KindValidation, "unknown camera %s", cameraID)
	}
	u := e.conns[model.KindStream]
	pipeline := e.pipeline
	o.mu.Unlock()

	if u != nil {
		u.handler.StopStreaming(ctx)
	}
	if pipeline != nil {
		pipeline.Stop()
	}
	if u != nil {
		u.conn.MarkConnectedFromStreaming()
	}
	return nil
}

// Pipeline returns cameraID's active stream pipeline, if any.
func (o *Orchestrator) Pipeline(cameraID string) (*stream.Pipeline, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	e, ok := o.entries[cameraID]
	if !ok || e.pipeline == nil {
		return nil, false
	}
	return e.pipeline, true
}

// Subscribe registers sub on cameraID's Stream Pipeline, if one exists.
func (o *Orchestrator) Subscribe(cameraID string, sub *stream.Subscriber) error {
	pl, ok := o.Pipeline(cameraID)
	if !ok {
		return errs.New(errs.KindNotConnected, "camera %s has no active stream", cameraID)
	}
	pl.Subscribe(sub)
	return nil
}

// CaptureSnapshot asks cameraID's best-suited handler for one still image.
// It prefers an established control/stream connection and refuses when no
// connection exists.
func (o *Orchestrator) CaptureSnapshot(ctx context.Context, cameraID string) ([]byte, error) {
	o.mu.RLock()
	e, ok := o.entries[cameraID]
	var handler protocol.Handler
	if ok {
		for _, kind := range []model.ConnectionKind{model.KindControl, model.KindStream, model.KindAPI} {
			if u, exists := e.conns[kind]; exists {
				handler = u.handler
				break
			}
		}
	}
	o.mu.RUnlock()
	if !ok {
		return nil, errs.New(errs.KindValidation, "unknown camera %s", cameraID)
	}
	if handler == nil {
		return nil, errs.New(errs.KindNotConnected, "camera %s has no connection to snapshot over", cameraID)
	}

	data, err := handler.CaptureSnapshot(ctx)
	if err != nil {
		return nil, err
	}
	o.mu.Lock()
	e.camera.Stats.SnapshotsCount++
	o.mu.Unlock()
	return data, nil
}

// PTZControl routes a pan/tilt/zoom command to cameraID's handler, failing
// with a validation error when the connected protocol has no PTZ surface.
func (o *Orchestrator) PTZControl(ctx context.Context, cameraID, action string, speed int) error {
	o.mu.RLock()
	e, ok := o.entries[cameraID]
	var handler protocol.Handler
	if ok {
		for _, kind := range []model.ConnectionKind{model.KindControl, model.KindStream, model.KindAPI} {
			if u, exists := e.conns[kind]; exists {
				handler = u.handler
				break
			}
		}
	}
	o.mu.RUnlock()
	if !ok {
		return errs.New(errs.KindValidation, "unknown camera %s", cameraID)
	}
	if handler == nil {
		return errs.New(errs.KindNotConnected, "camera %s is not connected", cameraID)
	}
	ptz, ok := handler.(protocol.PTZHandler)
	if !ok {
		return errs.New(errs.KindValidation, "camera %s's protocol does not support ptz", cameraID)
	}
	return ptz.PTZControl(ctx, action, speed)
}

// ConnectMany connects every cameraID concurrently (bounded by the same
// semaphores as ConnectCamera) and returns a finalized BatchOperation.
// Individual failures never propagate; each camera's outcome lives in
// Results/Errors.
func (o *Orchestrator) ConnectMany(ctx context.Context, cameraIDs []string) *model.BatchOperation {
	op := model.NewBatchOperation(uuid.New().String())
	var mu sync.Mutex
	var wg sync.WaitGroup

	for _, id := range cameraIDs {
		wg.Add(1)
		go func(cameraID string) {
			defer wg.Done()
			err := o.ConnectCamera(ctx, cameraID, model.KindStream)
			mu.Lock()
			defer mu.Unlock()
			op.Results[cameraID] = err == nil
			if err != nil {
				op.Errors[cameraID] = err.Error()
			}
		}(id)
	}
	wg.Wait()
	op.Finalize()
	return op
}

// DisconnectAll disconnects every registered camera and returns a
// finalized BatchOperation.
func (o *Orchestrator) DisconnectAll(ctx context.Context) *model.BatchOperation {
	ids := o.Cameras()

	op := model.NewBatchOperation(uuid.New().String())
	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(cameraID string) {
			defer wg.Done()
			err := o.DisconnectCamera(ctx, cameraID)
			mu.Lock()
			defer mu.Unlock()
			op.Results[cameraID] = err == nil
			if err != nil {
				op.Errors[cameraID] = err.Error()
			}
		}(id)
	}
	wg.Wait()
	op.Finalize()
	return op
}

// Stats is one connection's snapshot, returned by ConnectionStats().
type Stats struct {
	CameraID string
	Kind     model.ConnectionKind
	connection.Stats
	Streaming bool
}

// ConnectionStats returns every live connection's stats plus whether its
// camera is currently streaming.
func (o *Orchestrator) ConnectionStats() []Stats {
	o.mu.RLock()
	defer o.mu.RUnlock()
	var out []Stats
	for id, e := range o.entries {
		streaming := e.pipeline != nil && e.pipeline.Status() == model.StreamStreaming
		for kind, u := range e.conns {
			out = append(out, Stats{
				CameraID:  id,
				Kind:      kind,
				Stats:     u.conn.Stats(),
				Streaming: streaming,
			})
		}
	}
	return out
}

// ServiceMetrics is the aggregate snapshot across every connection, plus
// host CPU and memory so one call paints the whole service's picture.
type ServiceMetrics struct {
	ActiveConnections int
	ByProtocol        map[model.Protocol]int
	AvgResponseTimeMs float64
	UptimePercent     float64
	TotalConnects     int64
	FailedConnects    int64
	HostCPUPercent    float64
	HostMemUsedMB     float64
	LastUpdated       time.Time
}

// Metrics computes the aggregate service metrics snapshot.
func (o *Orchestrator) Metrics() ServiceMetrics {
	o.mu.RLock()
	m := ServiceMetrics{
		ByProtocol:     make(map[model.Protocol]int),
		TotalConnects:  o.totalConnects,
		FailedConnects: o.failedConnects,
		LastUpdated:    time.Now(),
	}
	var respSum float64
	var respCount int
	for _, e := range o.entries {
		for _, u := range e.conns {
			st := u.conn.Stats()
			if st.State == model.StateConnected || st.State == model.StateStreaming {
				m.ActiveConnections++
				m.ByProtocol[u.conn.Protocol]++
			}
			if st.AvgResponseTimeMs > 0 {
				respSum += st.AvgResponseTimeMs
				respCount++
			}
		}
	}
	total := o.totalConnects
	succeeded := o.succeededConnects
	o.mu.RUnlock()

	if respCount > 0 {
		m.AvgResponseTimeMs = respSum / float64(respCount)
	}
	if total > 0 {
		m.UptimePercent = 100 * float64(succeeded) / float64(total)
	}

	if percents, err := cpu.Percent(0, false); err == nil && len(percents) > 0 {
		m.HostCPUPercent = percents[0]
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		m.HostMemUsedMB = float64(vm.Used) / (1024 * 1024)
	}
	return m
}

// Start launches the background retry loop: on every retry_interval tick
// it re-attempts connection for every connection currently in StateError.
// Each round logs a connection.BackoffWithJitter delay, but all retries of
// a round start at once; they are not spaced out per camera. Idempotent.
func (o *Orchestrator) Start(ctx context.Context) {
	o.mu.Lock()
	if o.started {
		o.mu.Unlock()
		return
	}
	o.started = true
	o.startTime = time.Now()
	o.mu.Unlock()

	if !o.cfg.Connection.RetryFailedConnections {
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	o.cancelRetry = cancel
	o.retryDone = make(chan struct{})
	go o.retryLoop(runCtx)
}

// Stop cancels the retry loop and drains every connection, bounded by the
// configured connection timeout. Idempotent.
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	if !o.started {
		o.mu.Unlock()
		return
	}
	o.started = false
	o.mu.Unlock()

	if o.cancelRetry != nil {
		o.cancelRetry()
		<-o.retryDone
		o.cancelRetry = nil
	}

	timeout := o.cfg.Connection.ConnectionTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	o.DisconnectAll(ctx)
}

func (o *Orchestrator) retryLoop(ctx context.Context) {
	defer close(o.retryDone)
	interval := o.cfg.Connection.RetryInterval
	if interval <= 0 {
		interval = 60 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	attempt := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			failed := o.failedConnections()
			if len(failed) == 0 {
				attempt = 0
				continue
			}
			attempt++
			delay := connection.BackoffWithJitter(interval, attempt)
			o.logger.WithFields(logging.Fields{"failed_count": len(failed), "delay": delay}).Info("retrying failed camera connections")
			for _, key := range failed {
				go func(cameraID string, kind model.ConnectionKind) {
					retryCtx, cancel := context.WithTimeout(context.Background(), o.cfg.Connection.ConnectionTimeout)
					defer cancel()
					_ = o.ConnectCamera(retryCtx, cameraID, kind)
				}(key.CameraID, key.Kind)
			}
		}
	}
}

func (o *Orchestrator) failedConnections() []connection.Key {
	o.mu.RLock()
	defer o.mu.RUnlock()
	var keys []connection.Key
	for id, e := range o.entries {
		for kind, u := range e.conns {
			if u.conn.State() == model.StateError {
				keys = append(keys, connection.Key{CameraID: id, Protocol: u.conn.Protocol, Kind: kind})
			}
		}
	}
	return keys
}

// Connection exposes the live Connection for one (camera, kind) tuple;
// test and introspection use.
func (o *Orchestrator) Connection(cameraID string, kind model.ConnectionKind) (*connection.Connection, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	e, ok := o.entries[cameraID]
	if !ok {
		return nil, false
	}
	u, ok := e.conns[kind]
	if !ok {
		return nil, false
	}
	return u.conn, true
}

func (o *Orchestrator) String() string {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return fmt.Sprintf("orchestrator(cameras=%d)", len(o.entries))
}
