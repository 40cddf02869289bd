// Package events implements the typed, rate-limited publish/subscribe
// conduit between the orchestrator core and its API-layer consumers:
// topic-keyed subscriber maps, panic-recovered dispatch, per-camera rate
// limiting of frame-update events, and a mock sink for tests.
package events

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/camorch/ipcam-orchestrator/internal/logging"
)

// Topic identifies an event kind on the bus.
type Topic string

const (
	TopicPresenterReady  Topic = "presenter-ready"
	TopicStreamStatus    Topic = "stream-status"
	TopicFrameUpdate     Topic = "frame-update"
	TopicStreamMetrics   Topic = "stream-metrics"
	TopicStreamError     Topic = "stream-error"
	TopicScanProgress    Topic = "scan-progress"
	TopicScanCompleted   Topic = "scan-completed"

	// TopicAll is the wildcard subscription: a subscriber registered under
	// it receives every topic.
	TopicAll Topic = "*"
)

var knownTopics = map[Topic]bool{
	TopicPresenterReady: true,
	TopicStreamStatus:   true,
	TopicFrameUpdate:    true,
	TopicStreamMetrics:  true,
	TopicStreamError:    true,
	TopicScanProgress:   true,
	TopicScanCompleted:  true,
}

// Event is one message delivered on the bus.
type Event struct {
	Topic     Topic
	CameraID  string // empty for bus-wide events such as presenter-ready
	Data      map[string]interface{}
	Timestamp time.Time
	EventID   string
}

// Sink receives events a subscriber is interested in. Sinks MUST NOT
// block: the bus calls each sink synchronously on the publisher's
// goroutine, so a blocking sink stalls the publisher. Panics from sinks
// are caught and logged without propagating them.
type Sink func(Event)

type subscription struct {
	id     string
	topics map[Topic]bool
	sink   Sink
}

// Bus is the event bus. One Bus instance is owned by the Core and shared
// by every component that emits or consumes events.
type Bus struct {
	mu            sync.RWMutex
	subscriptions map[string]*subscription
	byTopic       map[Topic]map[string]*subscription

	// frameLimiters rate-limits frame-update events per camera to at most
	// one per min_emit_interval; other topics are never
	// throttled.
	frameLimiters   map[string]*rate.Limiter
	frameLimitersMu sync.Mutex
	minEmitInterval time.Duration

	logger *logging.Logger

	activeSubscriptions int64 // atomic, for SubscriberCount
}

// NewBus creates an event bus. minEmitInterval is the frame-update
// throttle period (default ≈33ms, 30Hz); zero disables throttling.
func NewBus(minEmitInterval time.Duration, logger *logging.Logger) *Bus {
	if logger == nil {
		logger = logging.GetLogger()
	}
	return &Bus{
		subscriptions:   make(map[string]*subscription),
		byTopic:         make(map[Topic]map[string]*subscription),
		frameLimiters:   make(map[string]*rate.Limiter),
		minEmitInterval: minEmitInterval,
		logger:          logger,
	}
}

// Subscribe registers sink under subscriberID for the given topics (or
// TopicAll). Re-subscribing the same subscriberID replaces its topic set.
func (b *Bus) Subscribe(subscriberID string, topics []Topic, sink Sink) error {
	for _, t := range topics {
		if t != TopicAll && !knownTopics[t] {
			return fmt.Errorf("unknown event topic: %s", t)
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if old, exists := b.subscriptions[subscriberID]; exists {
		b.unlockedRemoveFromTopics(subscriberID, old.topics)
	} else {
		atomic.AddInt64(&b.activeSubscriptions, 1)
	}

	topicSet := make(map[Topic]bool, len(topics))
	for _, t := range topics {
		topicSet[t] = true
	}
	sub := &subscription{id: subscriberID, topics: topicSet, sink: sink}
	b.subscriptions[subscriberID] = sub

	for t := range topicSet {
		if b.byTopic[t] == nil {
			b.byTopic[t] = make(map[string]*subscription)
		}
		b.byTopic[t][subscriberID] = sub
	}
	return nil
}

// Unsubscribe removes subscriberID entirely. Idempotent: unsubscribing an
// unknown ID is a no-op, never an error.
func (b *Bus) Unsubscribe(subscriberID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub, exists := b.subscriptions[subscriberID]
	if !exists {
		return
	}
	b.unlockedRemoveFromTopics(subscriberID, sub.topics)
	delete(b.subscriptions, subscriberID)
	atomic.AddInt64(&b.activeSubscriptions, -1)
}

func (b *Bus) unlockedRemoveFromTopics(subscriberID string, topics map[Topic]bool) {
	for t := range topics {
		if m, ok := b.byTopic[t]; ok {
			delete(m, subscriberID)
		}
	}
}

// Publish delivers an event to every interested subscriber. frame-update
// events are throttled per CameraID to at most one per minEmitInterval;
// throttled events are dropped, never queued.
func (b *Bus) Publish(topic Topic, cameraID string, data map[string]interface{}) {
	if topic == TopicFrameUpdate && !b.allowFrame(cameraID) {
		return
	}

	event := Event{
		Topic:     topic,
		CameraID:  cameraID,
		Data:      data,
		Timestamp: time.Now(),
		EventID:   uuid.New().String(),
	}

	b.mu.RLock()
	targets := make([]*subscription, 0, len(b.byTopic[topic])+len(b.byTopic[TopicAll]))
	seen := make(map[string]bool)
	for _, sub := range b.byTopic[topic] {
		targets = append(targets, sub)
		seen[sub.id] = true
	}
	for _, sub := range b.byTopic[TopicAll] {
		if !seen[sub.id] {
			targets = append(targets, sub)
		}
	}
	b.mu.RUnlock()

	for _, sub := range targets {
		b.dispatch(sub, event)
	}
}

// dispatch invokes one subscriber's sink, recovering from and logging any
// panic so a misbehaving subscriber cannot take down a publisher.
func (b *Bus) dispatch(sub *subscription, event Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.WithFields(logging.Fields{
				"subscriber": sub.id,
				"topic":      string(event.Topic),
				"panic":      r,
			}).Error("event sink panicked")
		}
	}()
	sub.sink(event)
}

func (b *Bus) allowFrame(cameraID string) bool {
	if b.minEmitInterval <= 0 {
		return true
	}
	b.frameLimitersMu.Lock()
	lim, ok := b.frameLimiters[cameraID]
	if !ok {
		lim = rate.NewLimiter(rate.Every(b.minEmitInterval), 1)
		b.frameLimiters[cameraID] = lim
	}
	b.frameLimitersMu.Unlock()
	return lim.Allow()
}

// SubscriberCount returns the number of active subscriptions, for metrics.
func (b *Bus) SubscriberCount() int64 {
	return atomic.LoadInt64(&b.activeSubscriptions)
}
