// Package bus carries engine lifecycle events to in-process subscribers
// such as the metrics drain. The diagnostics topic is the review channel
// for quarantined entries.
package bus

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// Topic identifies the kind of engine event.
type Topic string

const (
	TopicItemRecorded     Topic = "item.recorded"
	TopicItemTransitioned Topic = "item.transitioned"
	TopicItemEvicted      Topic = "item.evicted"
	TopicItemForgotten    Topic = "item.forgotten"
	TopicRoutingDecision  Topic = "routing.decision"
	TopicSweepCompleted   Topic = "sweep.completed"
	TopicCorruptEntry     Topic = "diagnostic.corrupt_entry"
)

// Event is one engine occurrence. Fields beyond Topic are filled where
// they apply; Detail carries a short human-readable note.
type Event struct {
	Topic     Topic
	ItemID    string
	Tier      string
	FromPhase string
	ToPhase   string
	Reason    string
	Detail    string
	At        time.Time
}

type EventBus struct {
	events     chan Event
	diagnostic chan Event
	closed     bool
	dropped    droppedCounters
	mu         sync.RWMutex
}

type droppedCounters struct {
	events     atomic.Uint64
	diagnostic atomic.Uint64
}

const publishTimeout = 100 * time.Millisecond

func NewEventBus() *EventBus {
	return &EventBus{
		events:     make(chan Event, 256),
		diagnostic: make(chan Event, 64),
	}
}

// Publish enqueues an event without blocking the caller. When the buffer
// is full it waits a short grace period, then counts the event as dropped.
func (eb *EventBus) Publish(ev Event) {
	eb.mu.RLock()
	defer eb.mu.RUnlock()
	if eb.closed {
		return
	}
	if ev.At.IsZero() {
		ev.At = time.Now()
	}

	ch := eb.events
	counter := &eb.dropped.events
	if ev.Topic == TopicCorruptEntry {
		ch = eb.diagnostic
		counter = &eb.dropped.diagnostic
	}

	select {
	case ch <- ev:
	default:
		timer := time.NewTimer(publishTimeout)
		defer timer.Stop()
		select {
		case ch <- ev:
		case <-timer.C:
			counter.Add(1)
		}
	}
}

// Consume blocks for the next lifecycle event or context cancellation.
func (eb *EventBus) Consume(ctx context.Context) (Event, bool) {
	select {
	case ev, ok := <-eb.events:
		if !ok {
			return Event{}, false
		}
		return ev, true
	case <-ctx.Done():
		return Event{}, false
	}
}

// ConsumeDiagnostic blocks for the next operator-facing diagnostic event.
func (eb *EventBus) ConsumeDiagnostic(ctx context.Context) (Event, bool) {
	select {
	case ev, ok := <-eb.diagnostic:
		if !ok {
			return Event{}, false
		}
		return ev, true
	case <-ctx.Done():
		return Event{}, false
	}
}

func (eb *EventBus) Close() {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	if eb.closed {
		return
	}
	eb.closed = true
	close(eb.events)
	close(eb.diagnostic)
}

func (eb *EventBus) DroppedEvents() uint64 {
	return eb.dropped.events.Load()
}

func (eb *EventBus) DroppedDiagnostics() uint64 {
	return eb.dropped.diagnostic.Load()
}
