// Package events provides a lightweight pub/sub bus for fleet events.
package events

import (
	"sync"
	"time"
)

// Type identifies a fleet event.
type Type string

const (
	AgentEnrolled  Type = "agent.enrolled"
	AgentConnected Type = "agent.connected"
	AgentOffline   Type = "agent.offline"
	AgentDegraded  Type = "agent.degraded"
	ProbeExecuted  Type = "probe.executed"
	ChainBroken    Type = "audit.chain_broken"
)

// Event is a single fleet event.
type Event struct {
	Type      Type           `json:"type"`
	Agent     string         `json:"agent,omitempty"`
	Probe     string         `json:"probe,omitempty"`
	Detail    string         `json:"detail,omitempty"`
	Fields    map[string]any `json:"fields,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Bus fans out events to subscribers. Publishing never blocks: slow
// subscribers drop events once their buffer is full.
type Bus struct {
	mu   sync.RWMutex
	subs map[int]chan Event
	next int
}

// NewBus creates an event bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[int]chan Event)}
}

// Subscribe registers a subscriber with a buffered channel. The returned
// cancel function removes the subscription and closes the channel.
func (b *Bus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	b.mu.Lock()
	id := b.next
	b.next++
	ch := make(chan Event, buffer)
	b.subs[id] = ch
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		if c, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(c)
		}
		b.mu.Unlock()
	}
	return ch, cancel
}

// Publish delivers the event to all subscribers without blocking.
func (b *Bus) Publish(e Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
			// Subscriber is behind; drop rather than stall the publisher.
		}
	}
}
