// Package broker wraps the pub/sub transport behind a small interface: JSON
// payloads published to canonical slash-separated topics, at-least-once
// delivery, automatic reconnection, and bounded buffering of outbound
// publishes while disconnected.
package broker

import "errors"

// ErrBackpressure is returned when an outbound publish cannot be sent or
// buffered. Callers decide whether to degrade or fail the operation.
var ErrBackpressure = errors.New("broker: outbound buffer full")

// ErrClosed is returned for operations on a closed client.
var ErrClosed = errors.New("broker: client closed")

// Handler consumes one delivery. It runs on a broker-owned goroutine and must
// not block past the configured handler budget; longer work belongs on a
// worker pool.
type Handler func(topic string, payload []byte, correlationID string)

// Subscription is an active subscription handle.
type Subscription interface {
	Unsubscribe() error
}

// Bus is the publish/subscribe contract the core depends on. Two
// implementations exist: Client (NATS) and Memory (in-process, used by tests
// and brokerless local runs).
type Bus interface {
	// Publish sends payload on topic with at-least-once semantics. While
	// disconnected the message is buffered; if the buffer is full the publish
	// fails fast with ErrBackpressure.
	Publish(topic string, payload []byte, correlationID string) error

	// Subscribe registers a handler for a topic pattern. The pattern may use
	// "+" to match a single segment.
	Subscribe(pattern string, h Handler) (Subscription, error)

	// Healthy reports whether the broker connection is usable, tolerating
	// disconnects shorter than the configured health grace.
	Healthy() bool

	Close() error
}
