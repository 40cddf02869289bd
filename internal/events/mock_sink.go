package events

import "sync"

// MockEventSink records every event delivered to it, in order. Tests
// subscribe a MockEventSink to the Bus instead of a real consumer, then
// assert on the recorded events.
type MockEventSink struct {
	mu     sync.Mutex
	events []Event
}

// NewMockEventSink constructs an empty sink.
func NewMockEventSink() *MockEventSink {
	return &MockEventSink{}
}

// Record is the Sink function to pass to Bus.Subscribe.
func (m *MockEventSink) Record(e Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, e)
}

// All returns a snapshot of every event recorded so far, in delivery
// order.
func (m *MockEventSink) All() []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Event, len(m.events))
	copy(out, m.events)
	return out
}

// Filter returns only the recorded events matching topic, in delivery
// order.
func (m *MockEventSink) Filter(topic Topic) []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Event
	for _, e := range m.events {
		if e.Topic == topic {
			out = append(out, e)
		}
	}
	return out
}

// Clear discards all recorded events.
func (m *MockEventSink) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = nil
}
