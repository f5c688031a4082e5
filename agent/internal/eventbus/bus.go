// Package eventbus is the agent's one-way broadcast to local collaborators
// (IPC subscribers, the dashboard). Nothing published here flows back into the
// session manager or the live channel.
package eventbus

import (
	"encoding/json"
	"strings"
	"sync"
	"time"
)

// Topics published on the bus.
const (
	SessionState         = "session.state"
	SessionCredential    = "session.credential"
	SessionCleared       = "session.cleared"
	ChannelState         = "channel.state"
	StatsUpdated         = "stats.updated"
	NotificationReceived = "notification.received"
	ThreatDetected       = "threat.detected"
	AlertRaised          = "alert.raised"
	LogEntry             = "log.entry"
)

// subscriberBuffer is the channel capacity handed to each subscriber.
const subscriberBuffer = 64

// Event is a single message on the bus.
type Event struct {
	Type      string          `json:"type"`
	Timestamp time.Time       `json:"ts"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// Bus is a fan-out pub/sub event bus. Publishing never blocks: a subscriber
// whose buffer is full misses the event.
type Bus struct {
	mu      sync.RWMutex
	subs    map[chan Event][]string // channel → topic patterns (nil = all)
	dropped map[chan Event]int
}

// New creates an event bus.
func New() *Bus {
	return &Bus{
		subs:    make(map[chan Event][]string),
		dropped: make(map[chan Event]int),
	}
}

// Subscribe returns a channel receiving events whose type matches one of the
// patterns. A pattern ending in ".*" matches a whole namespace ("session.*").
// With no patterns every event is delivered.
func (b *Bus) Subscribe(patterns ...string) chan Event {
	ch := make(chan Event, subscriberBuffer)
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(patterns) == 0 {
		b.subs[ch] = nil
	} else {
		b.subs[ch] = append([]string(nil), patterns...)
	}
	return ch
}

// Unsubscribe removes a subscriber and closes its channel.
func (b *Bus) Unsubscribe(ch chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[ch]; ok {
		delete(b.subs, ch)
		delete(b.dropped, ch)
		close(ch)
	}
}

// Publish delivers e to every matching subscriber.
func (b *Bus) Publish(e Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch, patterns := range b.subs {
		if !matches(patterns, e.Type) {
			continue
		}
		select {
		case ch <- e:
		default:
			b.dropped[ch]++
		}
	}
}

// PublishType marshals data and publishes it under eventType.
func (b *Bus) PublishType(eventType string, data any) {
	var raw json.RawMessage
	if data != nil {
		raw, _ = json.Marshal(data)
	}
	b.Publish(Event{Type: eventType, Timestamp: time.Now(), Data: raw})
}

// Dropped reports how many events ch has missed because its buffer was full.
func (b *Bus) Dropped(ch chan Event) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.dropped[ch]
}

// Close unsubscribes everyone and closes their channels.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.subs {
		close(ch)
		delete(b.subs, ch)
		delete(b.dropped, ch)
	}
}

func matches(patterns []string, topic string) bool {
	if patterns == nil {
		return true
	}
	for _, p := range patterns {
		if p == topic {
			return true
		}
		if ns, ok := strings.CutSuffix(p, ".*"); ok && strings.HasPrefix(topic, ns+".") {
			return true
		}
	}
	return false
}
