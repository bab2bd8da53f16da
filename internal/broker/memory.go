package broker

import (
	"strings"
	"sync"
)

// Memory is an in-process Bus. It backs unit tests and the brokerless local
// mode (SZ_BROKER_MODE=memory), where agents are expected to be stubbed or
// absent. Deliveries run on their own goroutines, mirroring the broker-owned
// worker semantics of the NATS client.
type Memory struct {
	mu     sync.RWMutex
	subs   []*memorySub
	closed bool

	// Failure injection for tests and degraded-mode drills.
	publishErr error
	unhealthy  bool

	wg sync.WaitGroup
}

type memorySub struct {
	bus     *Memory
	pattern []string
	handler Handler
}

// NewMemory creates an empty in-process bus.
func NewMemory() *Memory {
	return &Memory{}
}

// Publish delivers the payload to every matching subscriber.
func (m *Memory) Publish(topic string, payload []byte, correlationID string) error {
	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		return ErrClosed
	}
	if m.publishErr != nil {
		err := m.publishErr
		m.mu.RUnlock()
		return err
	}
	segments := strings.Split(topic, "/")
	var matched []*memorySub
	for _, s := range m.subs {
		if matchPattern(s.pattern, segments) {
			matched = append(matched, s)
		}
	}
	// Registering deliveries while still holding the lock keeps the Add
	// ordered before Close's Wait.
	m.wg.Add(len(matched))
	m.mu.RUnlock()

	body := make([]byte, len(payload))
	copy(body, payload)

	for _, s := range matched {
		s := s
		go func() {
			defer m.wg.Done()
			s.handler(topic, body, correlationID)
		}()
	}
	return nil
}

// Subscribe registers a handler for a slash-separated pattern; "+" matches
// exactly one segment.
func (m *Memory) Subscribe(pattern string, h Handler) (Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	sub := &memorySub{bus: m, pattern: strings.Split(pattern, "/"), handler: h}
	m.subs = append(m.subs, sub)
	return sub, nil
}

func (s *memorySub) Unsubscribe() error {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	for i, other := range s.bus.subs {
		if other == s {
			s.bus.subs = append(s.bus.subs[:i], s.bus.subs[i+1:]...)
			break
		}
	}
	return nil
}

// Healthy reports the injected health state.
func (m *Memory) Healthy() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return !m.unhealthy && !m.closed
}

// Close rejects further publishes and waits for in-flight deliveries.
func (m *Memory) Close() error {
	m.mu.Lock()
	m.closed = true
	m.subs = nil
	m.mu.Unlock()
	m.wg.Wait()
	return nil
}

// FailPublishes makes every Publish return err until cleared with nil.
func (m *Memory) FailPublishes(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.publishErr = err
}

// SetHealthy overrides the health signal.
func (m *Memory) SetHealthy(healthy bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.unhealthy = !healthy
}

func matchPattern(pattern, segments []string) bool {
	if len(pattern) != len(segments) {
		return false
	}
	for i, p := range pattern {
		if p != "+" && p != segments[i] {
			return false
		}
	}
	return true
}
