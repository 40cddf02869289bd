// Package connection implements the connection state machine over one
// (camera_id, protocol, kind) tuple, with retry, a health-check loop,
// bounded attempt history, and lifecycle callbacks.
package connection

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/camorch/ipcam-orchestrator/internal/errs"
	"github.com/camorch/ipcam-orchestrator/internal/logging"
	"github.com/camorch/ipcam-orchestrator/internal/model"
)

// Handler is the minimal surface the Connection Model drives; the full
// contract (internal/protocol.Handler) satisfies this.
type Handler interface {
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context)
	TestConnection(ctx context.Context) bool
}

// StateChangeFunc is invoked synchronously, in order, on every legal state
// transition.
type StateChangeFunc func(old, new model.ConnectionState)

// LostFunc is invoked when health checking determines the connection has
// died.
type LostFunc func(cause error)

// RestoredFunc is invoked when a previously Error/Unavailable connection
// reconnects successfully.
type RestoredFunc func()

// Connection is the FSM for one (camera_id, protocol, kind) tuple. State
// changes are serialized by mu; readers see a consistent snapshot.
type Connection struct {
	CameraID string
	Protocol model.Protocol
	Kind     model.ConnectionKind

	handler Handler
	policy  model.RetryPolicy
	healthCheckInterval time.Duration
	maxAttemptHistory   int

	logger *logging.Logger

	mu               sync.RWMutex
	state            model.ConnectionState
	attempts         []model.ConnectionAttempt
	alive            bool
	consecutiveFails int
	avgResponseMs    float64
	lastSuccessful   time.Time
	lastAttempt      model.ConnectionAttempt

	onStateChanged StateChangeFunc
	onLost         LostFunc
	onRestored     RestoredFunc

	cancelHealth context.CancelFunc
	healthDone   chan struct{}
}

// Config bundles the tunables a Connection needs at construction.
type Config struct {
	RetryPolicy         model.RetryPolicy
	HealthCheckInterval time.Duration
	MaxAttemptHistory   int
}

// New builds a Connection in the Disconnected state.
func New(cameraID string, protocol model.Protocol, kind model.ConnectionKind, handler Handler, cfg Config) *Connection {
	maxHist := cfg.MaxAttemptHistory
	if maxHist <= 0 || maxHist > 100 {
		maxHist = 100
	}
	return &Connection{
		CameraID:            cameraID,
		Protocol:            protocol,
		Kind:                kind,
		handler:             handler,
		policy:              cfg.RetryPolicy,
		healthCheckInterval: cfg.HealthCheckInterval,
		maxAttemptHistory:   maxHist,
		state:               model.StateDisconnected,
		logger:              logging.GetComponentLogger("connection"),
	}
}

// OnStateChanged registers the state-transition callback.
func (c *Connection) OnStateChanged(fn StateChangeFunc) { c.onStateChanged = fn }

// OnConnectionLost registers the connection-lost callback.
func (c *Connection) OnConnectionLost(fn LostFunc) { c.onLost = fn }

// OnConnectionRestored registers the connection-restored callback.
func (c *Connection) OnConnectionRestored(fn RestoredFunc) { c.onRestored = fn }

// State returns the current FSM state.
func (c *Connection) State() model.ConnectionState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// setState is the single internal transition setter; every state change
// goes through it and emits the state-change callback. It is illegal to
// call with a 'to' not reachable from the current state; callers are
// expected to only request legal edges, so a violation is a programming
// error logged, not returned.
func (c *Connection) setState(to model.ConnectionState) {
	c.mu.Lock()
	from := c.state
	if !model.CanTransition(from, to) {
		c.mu.Unlock()
		c.logger.WithFields(logging.Fields{"from": from, "to": to, "camera_id": c.CameraID}).
			Error("rejected illegal connection state transition")
		return
	}
	c.state = to
	c.mu.Unlock()

	if c.onStateChanged != nil {
		c.onStateChanged(from, to)
	}
}

// Connect attempts to establish the connection, retrying up to
// policy.MaxRetries times with policy.RetryDelay between tries. On exhaustion the state moves to Error with the last attempt's
// cause recorded.
func (c *Connection) Connect(ctx context.Context) error {
	prev := c.State()
	if prev == model.StateConnected || prev == model.StateStreaming {
		return nil
	}

	c.setState(model.StateConnecting)

	var lastErr error
	for attempt := 0; attempt <= c.policy.MaxRetries; attempt++ {
		select {
		case <-ctx.Done():
			c.setState(model.StateDisconnected)
			return errs.New(errs.KindCancelled, "connect cancelled for %s", c.CameraID)
		default:
		}

		rec := model.ConnectionAttempt{
			AttemptID: uuid.New().String(),
			Protocol:  c.Protocol,
			Kind:      c.Kind,
			StartTime: time.Now(),
		}

		err := c.handler.Connect(ctx)
		rec.EndTime = time.Now()
		rec.ResponseTimeMs = rec.EndTime.Sub(rec.StartTime).Milliseconds()
		rec.Success = err == nil
		if err != nil {
			rec.Error = err.Error()
			lastErr = err
		}
		c.recordAttempt(rec)

		if err == nil {
			c.mu.Lock()
			c.alive = true
			c.consecutiveFails = 0
			c.lastSuccessful = time.Now()
			c.mu.Unlock()
			c.setState(model.StateConnected)
			c.startHealthLoop()
			if (prev == model.StateError || prev == model.StateUnavailable) && c.onRestored != nil {
				c.onRestored()
			}
			return nil
		}

		if attempt < c.policy.MaxRetries {
			select {
			case <-ctx.Done():
				c.setState(model.StateDisconnected)
				return errs.New(errs.KindCancelled, "connect cancelled for %s", c.CameraID)
			case <-time.After(c.policy.RetryDelay):
			}
		}
	}

	c.setState(model.StateError)
	if lastErr == nil {
		lastErr = errs.New(errs.KindUnreachable, "connect failed for %s", c.CameraID)
	}
	return lastErr
}

// Disconnect tears the connection down. It never fails observably; errors from the handler are logged only.
func (c *Connection) Disconnect(ctx context.Context) {
	c.stopHealthLoop()
	c.handler.Disconnect(ctx)
	c.setState(model.StateDisconnected)
}

// recordAttempt appends to the bounded attempt history, evicting the oldest
// entry once maxAttemptHistory is exceeded.
func (c *Connection) recordAttempt(a model.ConnectionAttempt) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.attempts = append(c.attempts, a)
	if len(c.attempts) > c.maxAttemptHistory {
		c.attempts = c.attempts[len(c.attempts)-c.maxAttemptHistory:]
	}
	c.lastAttempt = a
}

// RecentAttempts returns up to limit of the most recent attempts, newest
// last.
func (c *Connection) RecentAttempts(limit int) []model.ConnectionAttempt {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if limit <= 0 || limit > len(c.attempts) {
		limit = len(c.attempts)
	}
	out := make([]model.ConnectionAttempt, limit)
	copy(out, c.attempts[len(c.attempts)-limit:])
	return out
}

// Stats is the snapshot returned by stats().
type Stats struct {
	State               model.ConnectionState
	Alive               bool
	ConsecutiveFailures int
	AvgResponseTimeMs   float64
	LastSuccessfulCheck time.Time
	LastAttempt         model.ConnectionAttempt
}

// Stats returns a consistent snapshot of the connection's health counters.
func (c *Connection) Stats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return Stats{
		State:               c.state,
		Alive:               c.alive,
		ConsecutiveFailures: c.consecutiveFails,
		AvgResponseTimeMs:   c.avgResponseMs,
		LastSuccessfulCheck: c.lastSuccessful,
		LastAttempt:         c.lastAttempt,
	}
}

// MarkStreaming transitions Connected -> Streaming, used by the Stream
// Pipeline once its producer starts.
func (c *Connection) MarkStreaming() { c.setState(model.StateStreaming) }

// MarkConnectedFromStreaming transitions Streaming -> Connected on stop.
func (c *Connection) MarkConnectedFromStreaming() { c.setState(model.StateConnected) }

// startHealthLoop launches the health-check ticker while Connected or
// Streaming. Three consecutive failures mark alive=false,
// fire onLost, and move the state to Error.
func (c *Connection) startHealthLoop() {
	if c.healthCheckInterval <= 0 {
		return
	}
	c.mu.Lock()
	if c.cancelHealth != nil {
		select {
		case <-c.healthDone:
			c.cancelHealth() // the previous loop exited on its own
		default:
			c.mu.Unlock()
			return // already running
		}
	}
	ctx, cancel := context.WithCancel(context.Background())
	c.cancelHealth = cancel
	c.healthDone = make(chan struct{})
	c.mu.Unlock()

	go c.healthLoop(ctx)
}

func (c *Connection) stopHealthLoop() {
	c.mu.Lock()
	cancel := c.cancelHealth
	done := c.healthDone
	c.cancelHealth = nil
	c.mu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}
}

func (c *Connection) healthLoop(ctx context.Context) {
	defer close(c.healthDone)
	ticker := time.NewTicker(c.healthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			state := c.State()
			if state != model.StateConnected && state != model.StateStreaming {
				return
			}
			ok := c.handler.TestConnection(ctx)
			c.mu.Lock()
			if ok {
				c.consecutiveFails = 0
				c.alive = true
				c.lastSuccessful = time.Now()
				c.mu.Unlock()
				continue
			}
			c.consecutiveFails++
			fails := c.consecutiveFails
			c.mu.Unlock()

			if fails >= 3 {
				c.mu.Lock()
				c.alive = false
				c.mu.Unlock()
				cause := errs.New(errs.KindUnreachable, "health check failed 3 times for %s", c.CameraID)
				if c.onLost != nil {
					c.onLost(cause)
				}
				c.setState(model.StateError)
				return
			}
		}
	}
}

// backoffWithJitter returns base doubled per attempt with up to ±25%
// random jitter, capped at 30s.
func backoffWithJitter(base time.Duration, attempt int) time.Duration {
	backoff := base * time.Duration(1<<uint(attempt))
	jitter := float64(backoff) * 0.25 * (rand.Float64()*2 - 1)
	d := backoff + time.Duration(jitter)
	if max := 30 * time.Second; d > max {
		d = max
	}
	return d
}

// BackoffWithJitter exposes backoffWithJitter for the orchestrator's retry
// loop.
func BackoffWithJitter(base time.Duration, attempt int) time.Duration {
	return backoffWithJitter(base, attempt)
}

// Key is the unique identifier of a Connection within the Orchestrator's
// map: a camera may have several Connections at once, one per (protocol,
// kind) pair.
type Key struct {
	CameraID string
	Protocol model.Protocol
	Kind     model.ConnectionKind
}

func (k Key) String() string {
	return fmt.Sprintf("%s/%s/%s", k.CameraID, k.Protocol, k.Kind)
}
