// Package stream implements the per-camera frame pipeline: a bounded
// frame ring per active Connection, fan-out to per-subscriber sinks that
// can never stall the producer, a metrics loop computing FPS/latency/
// bandwidth over sliding windows, and the deterministic health score.
package stream

import (
	"container/ring"
	"context"
	"sync"
	"time"

	"github.com/camorch/ipcam-orchestrator/internal/events"
	"github.com/camorch/ipcam-orchestrator/internal/model"
)

// Subscriber receives frames for one stream. Deadline is this
// subscriber's per-frame budget: a sink call that takes longer counts the
// frame as dropped for this subscriber. QueueSize bounds the subscriber's
// delivery queue; zero means the pipeline's buffer size.
type Subscriber struct {
	ID        string
	Deadline  time.Duration
	QueueSize int
	Sink      func(model.Frame)
}

// subscriberState is one subscriber's delivery worker: a bounded queue
// drained by a dedicated goroutine so frames reach the sink strictly in
// producer order and a slow sink backs up only its own queue.
type subscriberState struct {
	sub  *Subscriber
	ch   chan model.Frame
	done chan struct{}
}

// Config bundles the Stream Pipeline's tunables.
type Config struct {
	BufferSize      int
	TargetFPS       int
	MetricsInterval time.Duration
}

const metricsWindow = 30

// Pipeline is one active stream's producer, ring buffer, and fan-out.
type Pipeline struct {
	CameraID string
	Protocol model.Protocol
	StreamID string

	cfg    Config
	bus    *events.Bus
	logger interface {
		Error(...interface{})
	}

	mu          sync.Mutex
	status      model.StreamStatus
	ring        *ring.Ring
	ringLen     int
	subscribers map[string]*subscriberState
	subDropped  map[string]int64

	totalFrames   int64
	droppedFrames int64
	errorCount    int64
	reconnects    int64
	totalBytes    int64
	startTime     time.Time
	sequence      uint64

	fpsWindow     []float64
	latencyWindow []float64
	bwWindow      []float64
	lastFrameAt   time.Time
	lastMetricsAt time.Time
	framesSinceTick int64
	bytesSinceTick  int64

	cancel context.CancelFunc
	done   chan struct{}
}

// New constructs an idle Pipeline for one Connection.
func New(cameraID, streamID string, protocol model.Protocol, cfg Config, bus *events.Bus) *Pipeline {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 5
	}
	return &Pipeline{
		CameraID:    cameraID,
		StreamID:    streamID,
		Protocol:    protocol,
		cfg:         cfg,
		bus:         bus,
		status:      model.StreamIdle,
		ring:        ring.New(cfg.BufferSize),
		subscribers: make(map[string]*subscriberState),
		subDropped:  make(map[string]int64),
	}
}

// Start transitions to Streaming and launches the metrics loop. Must be
// called once the owning Connection's handler has begun producing frames.
func (p *Pipeline) Start(ctx context.Context) {
	p.mu.Lock()
	p.status = model.StreamStreaming
	p.startTime = time.Now()
	p.lastMetricsAt = p.startTime
	p.mu.Unlock()

	runCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.done = make(chan struct{})
	p.emitStatus("streaming", "")
	go p.metricsLoop(runCtx)
}

// Subscribe registers sub and starts its delivery worker; the sink is
// called for every subsequent frame in producer order, independent of
// other subscribers. Re-subscribing the same ID replaces the previous
// registration.
func (p *Pipeline) Subscribe(sub *Subscriber) {
	queue := sub.QueueSize
	if queue <= 0 {
		queue = p.cfg.BufferSize
	}
	st := &subscriberState{
		sub:  sub,
		ch:   make(chan model.Frame, queue),
		done: make(chan struct{}),
	}
	p.mu.Lock()
	if old, ok := p.subscribers[sub.ID]; ok {
		close(old.ch)
	}
	p.subscribers[sub.ID] = st
	p.mu.Unlock()
	go p.deliverLoop(st)
}

// Unsubscribe removes a subscriber; idempotent. Frames already queued for
// the subscriber are still delivered before its worker exits.
func (p *Pipeline) Unsubscribe(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if st, ok := p.subscribers[id]; ok {
		close(st.ch)
		delete(p.subscribers, id)
	}
	delete(p.subDropped, id)
}

// PushFrame is called by the owning protocol handler's frame sink. It
// enqueues the frame into the bounded ring (evicting oldest on overrun,
// incrementing dropped_frames) and fans it out to every subscriber without
// ever blocking on a slow one.
func (p *Pipeline) PushFrame(payload []byte, sequence uint64) {
	now := time.Now()
	frame := model.Frame{Payload: payload, ReceivedAt: now, Sequence: sequence}

	p.mu.Lock()
	if p.ringLen >= p.cfg.BufferSize {
		p.droppedFrames++
	} else {
		p.ringLen++
	}
	p.ring.Value = frame
	p.ring = p.ring.Next()

	p.totalFrames++
	p.totalBytes += int64(len(payload))
	p.framesSinceTick++
	p.bytesSinceTick += int64(len(payload))
	if !p.lastFrameAt.IsZero() {
		p.latencyWindow = pushWindow(p.latencyWindow, float64(now.Sub(p.lastFrameAt).Milliseconds()))
	}
	p.lastFrameAt = now

	// Hand the frame to each subscriber's queue without ever blocking: a
	// full queue means that subscriber is too slow, so the frame is
	// dropped for it alone, never counted against the shared ring.
	for _, st := range p.subscribers {
		select {
		case st.ch <- frame:
		default:
			p.subDropped[st.sub.ID]++
		}
	}
	p.mu.Unlock()

	p.emitFrameUpdate(payload)
}

// deliverLoop drains one subscriber's queue, invoking its sink strictly in
// producer order. A sink call that overruns the subscriber's deadline
// counts that frame as dropped for the subscriber; the next frame is
// never started before the previous call has returned, so deliveries to a
// given subscriber can never reorder.
func (p *Pipeline) deliverLoop(st *subscriberState) {
	defer close(st.done)
	deadline := st.sub.Deadline
	if deadline <= 0 {
		deadline = time.Second
	}
	for frame := range st.ch {
		start := time.Now()
		st.sub.Sink(frame)
		if time.Since(start) > deadline {
			p.mu.Lock()
			p.subDropped[st.sub.ID]++
			p.mu.Unlock()
		}
	}
}

// SubscriberDropped returns how many frames were dropped for subscriberID
// specifically (not counted in the ring-level DroppedFrames).
func (p *Pipeline) SubscriberDropped(subscriberID string) int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.subDropped[subscriberID]
}

func pushWindow(w []float64, v float64) []float64 {
	w = append(w, v)
	if len(w) > metricsWindow {
		w = w[len(w)-metricsWindow:]
	}
	return w
}

func avg(w []float64) float64 {
	if len(w) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range w {
		sum += v
	}
	return sum / float64(len(w))
}

// metricsLoop computes and emits stream-metrics at cfg.MetricsInterval
// (default 1s).
func (p *Pipeline) metricsLoop(ctx context.Context) {
	defer close(p.done)
	interval := p.cfg.MetricsInterval
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.tick()
		}
	}
}

func (p *Pipeline) tick() {
	p.mu.Lock()
	now := time.Now()
	elapsed := now.Sub(p.lastMetricsAt).Seconds()
	if elapsed <= 0 {
		elapsed = 1
	}
	fps := float64(p.framesSinceTick) / elapsed
	bw := float64(p.bytesSinceTick) * 8 / 1000 / elapsed // kbps
	p.fpsWindow = pushWindow(p.fpsWindow, fps)
	p.bwWindow = pushWindow(p.bwWindow, bw)
	p.framesSinceTick = 0
	p.bytesSinceTick = 0
	p.lastMetricsAt = now

	m := Metrics{
		CurrentFPS:     fps,
		AvgFPS:         avg(p.fpsWindow),
		AvgLatencyMs:   avg(p.latencyWindow),
		BandwidthKbps:  bw,
		TotalFrames:    p.totalFrames,
		DroppedFrames:  p.droppedFrames,
		Errors:         p.errorCount,
		Reconnects:     p.reconnects,
		TotalBytes:     p.totalBytes,
		HealthScore:    healthScore(float64(p.cfg.TargetFPS), avg(p.fpsWindow), dropRatePercent(p.totalFrames, p.droppedFrames), p.errorCount, avg(p.latencyWindow)),
	}
	p.mu.Unlock()

	if p.bus != nil {
		p.bus.Publish(events.TopicStreamMetrics, p.CameraID, map[string]interface{}{"metrics": m})
	}
}

// MetricsSnapshot computes the current Metrics on demand, without waiting
// for the next metrics tick.
func (p *Pipeline) MetricsSnapshot() Metrics {
	p.mu.Lock()
	defer p.mu.Unlock()
	var currentFPS float64
	if len(p.fpsWindow) > 0 {
		currentFPS = p.fpsWindow[len(p.fpsWindow)-1]
	}
	var currentBW float64
	if len(p.bwWindow) > 0 {
		currentBW = p.bwWindow[len(p.bwWindow)-1]
	}
	return Metrics{
		CurrentFPS:    currentFPS,
		AvgFPS:        avg(p.fpsWindow),
		AvgLatencyMs:  avg(p.latencyWindow),
		BandwidthKbps: currentBW,
		TotalFrames:   p.totalFrames,
		DroppedFrames: p.droppedFrames,
		Errors:        p.errorCount,
		Reconnects:    p.reconnects,
		TotalBytes:    p.totalBytes,
		HealthScore:   healthScore(float64(p.cfg.TargetFPS), avg(p.fpsWindow), dropRatePercent(p.totalFrames, p.droppedFrames), p.errorCount, avg(p.latencyWindow)),
	}
}

func dropRatePercent(total, dropped int64) float64 {
	if total == 0 {
		return 0
	}
	return 100 * float64(dropped) / float64(total)
}

// Metrics is the snapshot shape published on stream-metrics and used to
// derive HealthScore.
type Metrics struct {
	CurrentFPS    float64
	AvgFPS        float64
	AvgLatencyMs  float64
	BandwidthKbps float64
	TotalFrames   int64
	DroppedFrames int64
	Errors        int64
	Reconnects    int64
	TotalBytes    int64
	HealthScore   float64
}

// healthScore folds fps shortfall, drop rate, errors, and latency into a
// deterministic 0..100 number.
func healthScore(targetFPS, avgFPS, dropRatePercent float64, errorCount int64, avgLatencyMs float64) float64 {
	score := 100.0
	score -= clamp(0, 30, 2*(targetFPS-avgFPS))
	score -= clamp(0, 20, 2*dropRatePercent)
	score -= clamp(0, 20, 5*float64(errorCount))
	score -= clamp(0, 20, (avgLatencyMs-200)/10)
	if score < 0 {
		score = 0
	}
	if score > 100 {
		score = 100
	}
	return score
}

func clamp(min, max, v float64) float64 {
	if v < min {
		v = min
	}
	if v > max {
		v = max
	}
	return v
}

// emitFrameUpdate publishes frame-update; the bus itself enforces the
// min_emit_interval throttle, so the pipeline always
// publishes and relies on the bus to drop.
func (p *Pipeline) emitFrameUpdate(payload []byte) {
	if p.bus == nil {
		return
	}
	p.bus.Publish(events.TopicFrameUpdate, p.CameraID, map[string]interface{}{"frame_payload": payload})
}

func (p *Pipeline) emitStatus(status, details string) {
	if p.bus == nil {
		return
	}
	p.bus.Publish(events.TopicStreamStatus, p.CameraID, map[string]interface{}{
		"status": status, "details": details,
	})
}

// RecordError transitions the stream to Error and emits stream-error.
func (p *Pipeline) RecordError(kind, message string) {
	p.mu.Lock()
	p.status = model.StreamError
	p.errorCount++
	p.mu.Unlock()

	if p.bus != nil {
		p.bus.Publish(events.TopicStreamError, p.CameraID, map[string]interface{}{
			"kind": kind, "message": message,
		})
	}
}

// RecordReconnect increments the reconnect counter.
func (p *Pipeline) RecordReconnect() {
	p.mu.Lock()
	p.reconnects++
	p.mu.Unlock()
}

// Status returns the current stream status.
func (p *Pipeline) Status() model.StreamStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status
}

// Stop flushes subscribers, cancels the metrics loop, resets the ring, and
// emits the final stream-status event.
func (p *Pipeline) Stop() {
	if p.cancel != nil {
		p.cancel()
		<-p.done
	}
	p.mu.Lock()
	states := make([]*subscriberState, 0, len(p.subscribers))
	for _, st := range p.subscribers {
		states = append(states, st)
		close(st.ch)
	}
	p.subscribers = make(map[string]*subscriberState)
	p.ring = ring.New(p.cfg.BufferSize)
	p.ringLen = 0
	p.status = model.StreamStopped
	p.mu.Unlock()

	// Bounded wait for delivery workers; a sink stuck past the grace
	// period is abandoned rather than blocking shutdown.
	for _, st := range states {
		select {
		case <-st.done:
		case <-time.After(2 * time.Second):
		}
	}
	p.emitStatus("stopped", "")
}
