package console

import (
	"sync"
	"time"
)

const eventBufferSize = 100

// EventType names a lifecycle action recorded for a target.
type EventType string

const (
	EventConnected      EventType = "connected"
	EventConnectFailed  EventType = "connect_failed"
	EventRecovered      EventType = "recovered"
	EventIdleExpired    EventType = "idle_expired"
	EventLivenessFailed EventType = "liveness_failed"
	EventTransportError EventType = "transport_error"
	EventDisconnected   EventType = "disconnected"
	EventPurged         EventType = "purged"
)

// Event is one recorded lifecycle action.
type Event struct {
	Target    string    `json:"target"`
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Details   string    `json:"details,omitempty"`
}

// eventBuffer is a fixed-size ring of events for one target.
type eventBuffer struct {
	events [eventBufferSize]Event
	head   int
	count  int
}

func (b *eventBuffer) record(ev Event) {
	b.events[b.head] = ev
	b.head = (b.head + 1) % eventBufferSize
	if b.count < eventBufferSize {
		b.count++
	}
}

func (b *eventBuffer) history() []Event {
	if b.count == 0 {
		return nil
	}
	result := make([]Event, b.count)
	if b.count < eventBufferSize {
		copy(result, b.events[:b.count])
	} else {
		n := copy(result, b.events[b.head:])
		copy(result[n:], b.events[:b.head])
	}
	return result
}

type eventLog struct {
	mu      sync.RWMutex
	buffers map[string]*eventBuffer
}

func newEventLog() *eventLog {
	return &eventLog{buffers: make(map[string]*eventBuffer)}
}

func (el *eventLog) log(target string, typ EventType, details string) {
	el.mu.Lock()
	defer el.mu.Unlock()
	buf, ok := el.buffers[target]
	if !ok {
		buf = &eventBuffer{}
		el.buffers[target] = buf
	}
	buf.record(Event{Target: target, Type: typ, Timestamp: time.Now(), Details: details})
}

func (el *eventLog) get(target string) []Event {
	el.mu.RLock()
	defer el.mu.RUnlock()
	buf, ok := el.buffers[target]
	if !ok {
		return nil
	}
	return buf.history()
}

// Events returns the lifecycle events for a target, oldest first. Up to 100
// are retained.
func (m *Manager) Events(target string) []Event {
	return m.events.get(target)
}
