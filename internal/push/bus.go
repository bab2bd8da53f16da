// Package push is the in-process broadcaster fanning analysis lifecycle
// events to UI subscribers. Each subscriber owns a bounded queue drained by
// its own goroutine, so a slow consumer can never block the orchestrator or
// its peers.
package push

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/signalzero/signalzero/internal/monitoring"
	"github.com/signalzero/signalzero/internal/types"
)

// EventKind discriminates the push payload.
type EventKind string

const (
	KindStatus EventKind = "STATUS"
	KindScore  EventKind = "SCORE"
)

// Event is one analysis lifecycle notification.
type Event struct {
	AnalysisID uuid.UUID
	Kind       EventKind

	// Status fields, set when Kind == STATUS.
	Status types.AnalysisStatus
	Reason string

	// Score payload, set when Kind == SCORE.
	Score *types.ScoreUpdate

	At time.Time
}

// Bus fans events out to subscribers. Broadcast never blocks: when a
// subscriber's queue is full its oldest events are dropped and counted.
type Bus struct {
	mu     sync.Mutex
	subs   []*Subscription
	cap    int
	closed bool
	log    zerolog.Logger
}

// Subscription is one subscriber's handle. Close unsubscribes and lets the
// drain goroutine finish delivering whatever is already queued.
type Subscription struct {
	bus *Bus
	fn  func(Event)

	mu     sync.Mutex
	ch     chan Event
	closed bool
	done   chan struct{}
}

// NewBus builds a bus with the given per-subscriber queue capacity.
func NewBus(subscriberCap int, logger zerolog.Logger) *Bus {
	return &Bus{
		cap: subscriberCap,
		log: logger.With().Str("component", "push").Logger(),
	}
}

// Subscribe registers fn for all events. fn runs on the subscription's own
// goroutine, one event at a time.
func (b *Bus) Subscribe(fn func(Event)) *Subscription {
	sub := &Subscription{
		bus:  b,
		fn:   fn,
		ch:   make(chan Event, b.cap),
		done: make(chan struct{}),
	}
	go sub.drain()

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		sub.close()
		return sub
	}
	// Copy-on-write so Broadcast iterates without the bus lock.
	next := make([]*Subscription, len(b.subs)+1)
	copy(next, b.subs)
	next[len(b.subs)] = sub
	b.subs = next
	b.mu.Unlock()

	monitoring.PushSubscribers.Inc()
	return sub
}

// SubscribeAnalysis registers fn for events of a single analysis.
func (b *Bus) SubscribeAnalysis(id uuid.UUID, fn func(Event)) *Subscription {
	return b.Subscribe(func(ev Event) {
		if ev.AnalysisID == id {
			fn(ev)
		}
	})
}

// Broadcast enqueues ev for every current subscriber and returns without
// waiting for delivery.
func (b *Bus) Broadcast(ev Event) {
	b.mu.Lock()
	subs := b.subs
	b.mu.Unlock()

	for _, sub := range subs {
		sub.enqueue(ev)
	}
}

// Close shuts the bus down and closes all subscriptions.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	subs := b.subs
	b.subs = nil
	b.mu.Unlock()

	for _, sub := range subs {
		sub.close()
		monitoring.PushSubscribers.Dec()
	}
}

func (s *Subscription) drain() {
	defer close(s.done)
	for ev := range s.ch {
		s.fn(ev)
	}
}

// enqueue appends ev to the subscriber's queue, evicting the oldest queued
// event when full. The per-subscription mutex keeps enqueues serialized so
// each subscriber sees events in broadcast order.
func (s *Subscription) enqueue(ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	for {
		select {
		case s.ch <- ev:
			return
		default:
		}
		select {
		case <-s.ch:
			monitoring.PushLagDrops.Inc()
		default:
		}
	}
}

// Close unsubscribes and waits for already-queued events to be delivered.
func (s *Subscription) Close() {
	s.bus.mu.Lock()
	for i, sub := range s.bus.subs {
		if sub == s {
			next := make([]*Subscription, 0, len(s.bus.subs)-1)
			next = append(next, s.bus.subs[:i]...)
			next = append(next, s.bus.subs[i+1:]...)
			s.bus.subs = next
			monitoring.PushSubscribers.Dec()
			break
		}
	}
	s.bus.mu.Unlock()

	s.close()
}

func (s *Subscription) close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	close(s.ch)
	s.mu.Unlock()
	<-s.done
}
