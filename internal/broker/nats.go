package broker

import (
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/signalzero/signalzero/internal/monitoring"
)

// correlationHeader carries the correlation id alongside the payload so
// consumers can route without decoding JSON first.
const correlationHeader = "Sz-Correlation-Id"

// Config holds NATS client construction options.
type Config struct {
	URL           string
	OutboundCap   int           // buffered publishes while disconnected
	ReconnectBase time.Duration // first reconnect delay
	ReconnectCap  time.Duration // reconnect delay ceiling
	HealthGrace   time.Duration // disconnect tolerance before Healthy() turns false
	HandlerBudget time.Duration // max time a subscribe handler may run
}

type outboundMsg struct {
	subject       string
	payload       []byte
	correlationID string
}

// Client is the NATS-backed Bus implementation.
type Client struct {
	conn *nats.Conn
	cfg  Config
	log  zerolog.Logger

	outbound chan outboundMsg
	closed   atomic.Bool
	wg       sync.WaitGroup

	// Unix nanos of the last disconnect; 0 while connected.
	disconnectedAt atomic.Int64
}

// NewClient connects to NATS with exponential backoff reconnection
// (base*2^n, capped, ±20% jitter) and starts the outbound flush loop.
func NewClient(cfg Config, logger zerolog.Logger) (*Client, error) {
	c := &Client{
		cfg:      cfg,
		log:      logger.With().Str("component", "broker").Logger(),
		outbound: make(chan outboundMsg, cfg.OutboundCap),
	}

	opts := []nats.Option{
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.CustomReconnectDelay(func(attempts int) time.Duration {
			return reconnectDelay(cfg.ReconnectBase, cfg.ReconnectCap, attempts)
		}),
		nats.ConnectHandler(func(nc *nats.Conn) {
			c.disconnectedAt.Store(0)
			monitoring.BrokerConnected.Set(1)
			c.log.Info().Str("url", nc.ConnectedUrl()).Msg("Connected to NATS")
		}),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			c.disconnectedAt.Store(time.Now().UnixNano())
			monitoring.BrokerConnected.Set(0)
			c.log.Warn().Err(err).Msg("Disconnected from NATS")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			c.disconnectedAt.Store(0)
			monitoring.BrokerConnected.Set(1)
			monitoring.BrokerReconnects.Inc()
			c.log.Info().Str("url", nc.ConnectedUrl()).Msg("Reconnected to NATS")
		}),
		nats.ErrorHandler(func(_ *nats.Conn, _ *nats.Subscription, err error) {
			c.log.Error().Err(err).Msg("NATS async error")
		}),
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	c.conn = conn
	if conn.IsConnected() {
		monitoring.BrokerConnected.Set(1)
	} else {
		c.disconnectedAt.Store(time.Now().UnixNano())
	}

	c.wg.Add(1)
	go c.flushLoop()

	return c, nil
}

// Publish sends on the canonical topic, buffering while disconnected. A full
// buffer fails fast with ErrBackpressure so the caller can degrade.
func (c *Client) Publish(topic string, payload []byte, correlationID string) error {
	if c.closed.Load() {
		return ErrClosed
	}
	subject := ToSubject(topic)

	if c.conn.IsConnected() {
		if err := c.publishMsg(subject, payload, correlationID); err == nil {
			monitoring.BrokerPublishes.WithLabelValues("sent").Inc()
			return nil
		}
		// Connection raced away under us; fall through to the buffer.
	}

	select {
	case c.outbound <- outboundMsg{subject: subject, payload: payload, correlationID: correlationID}:
		monitoring.BrokerPublishes.WithLabelValues("buffered").Inc()
		return nil
	default:
		monitoring.BrokerPublishes.WithLabelValues("rejected").Inc()
		return fmt.Errorf("publish %s: %w", topic, ErrBackpressure)
	}
}

func (c *Client) publishMsg(subject string, payload []byte, correlationID string) error {
	msg := nats.NewMsg(subject)
	msg.Data = payload
	if correlationID != "" {
		msg.Header.Set(correlationHeader, correlationID)
	}
	return c.conn.PublishMsg(msg)
}

// flushLoop drains buffered publishes once the connection is back.
func (c *Client) flushLoop() {
	defer c.wg.Done()
	defer monitoring.RecoverPanic(c.log, "broker.flushLoop")

	for msg := range c.outbound {
		for !c.conn.IsConnected() {
			if c.closed.Load() {
				return
			}
			time.Sleep(100 * time.Millisecond)
		}
		if err := c.publishMsg(msg.subject, msg.payload, msg.correlationID); err != nil {
			c.log.Error().Err(err).Str("subject", msg.subject).Msg("Failed to flush buffered publish")
			continue
		}
		monitoring.BrokerPublishes.WithLabelValues("sent").Inc()
	}
}

// Subscribe registers a handler for a canonical topic pattern. The handler
// runs on the NATS delivery goroutine; overruns of the handler budget are
// counted and logged but not interrupted.
func (c *Client) Subscribe(pattern string, h Handler) (Subscription, error) {
	if c.closed.Load() {
		return nil, ErrClosed
	}
	subject := ToSubject(pattern)

	sub, err := c.conn.Subscribe(subject, func(msg *nats.Msg) {
		start := time.Now()
		h(FromSubject(msg.Subject), msg.Data, msg.Header.Get(correlationHeader))
		if elapsed := time.Since(start); elapsed > c.cfg.HandlerBudget {
			monitoring.BrokerHandlerBudgetExceeded.Inc()
			c.log.Warn().
				Str("subject", msg.Subject).
				Dur("elapsed", elapsed).
				Dur("budget", c.cfg.HandlerBudget).
				Msg("Subscribe handler exceeded budget")
		}
	})
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to %s: %w", pattern, err)
	}
	c.log.Info().Str("pattern", pattern).Str("subject", subject).Msg("Subscribed")
	return sub, nil
}

// Healthy reports whether publishes are expected to reach agents. Short
// disconnects within the health grace still count as healthy because the
// outbound buffer covers them.
func (c *Client) Healthy() bool {
	if c.closed.Load() {
		return false
	}
	if c.conn.IsConnected() {
		return true
	}
	since := c.disconnectedAt.Load()
	if since == 0 {
		return true
	}
	return time.Since(time.Unix(0, since)) < c.cfg.HealthGrace
}

// Close stops the flush loop and drains the connection.
func (c *Client) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(c.outbound)
	c.wg.Wait()

	if err := c.conn.Drain(); err != nil {
		c.conn.Close()
		return fmt.Errorf("failed to drain NATS connection: %w", err)
	}
	monitoring.BrokerConnected.Set(0)
	c.log.Info().Msg("NATS connection closed")
	return nil
}

// ToSubject maps a canonical slash-separated topic onto NATS subject syntax.
func ToSubject(topic string) string {
	s := strings.ReplaceAll(topic, "/", ".")
	return strings.ReplaceAll(s, "+", "*")
}

// FromSubject maps a NATS subject back to the canonical topic form.
func FromSubject(subject string) string {
	s := strings.ReplaceAll(subject, ".", "/")
	return strings.ReplaceAll(s, "*", "+")
}

// reconnectDelay computes the backoff for the nth reconnect attempt:
// base*2^(n-1) capped at max, with ±20% jitter.
func reconnectDelay(base, max time.Duration, attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	d := base
	for i := 1; i < attempts; i++ {
		d *= 2
		if d >= max {
			d = max
			break
		}
	}
	jitter := time.Duration(rand.Int63n(2*int64(d)/5+1)) - d/5
	d += jitter
	if d > max {
		d = max
	}
	if d < 0 {
		d = base
	}
	return d
}
