package server

import (
	"encoding/json"
	"net"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"

	"github.com/signalzero/signalzero/internal/monitoring"
	"github.com/signalzero/signalzero/internal/push"
	"github.com/signalzero/signalzero/internal/types"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 5 * time.Second

	// Time allowed to read the next message from the peer.
	pongWait = 30 * time.Second

	// Ping period; must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Per-client send buffer. Subscribers that fall this far behind are
	// disconnected rather than allowed to stall the push path.
	sendBufferSize = 64
)

// client is one WebSocket subscriber.
type client struct {
	id          int64
	conn        net.Conn
	send        chan []byte
	connectedAt time.Time

	mu     sync.Mutex
	subs   map[uuid.UUID]*push.Subscription
	closed bool

	closeOnce sync.Once
}

// wsEvent is the wire shape pushed to WebSocket subscribers.
type wsEvent struct {
	Type       string             `json:"type"`
	AnalysisID uuid.UUID          `json:"analysisId"`
	Status     string             `json:"status,omitempty"`
	Reason     string             `json:"reason,omitempty"`
	Score      *types.ScoreUpdate `json:"score,omitempty"`
	At         time.Time          `json:"at"`
}

// clientCommand is the inbound subscribe/unsubscribe protocol.
type clientCommand struct {
	Action     string `json:"action"`
	AnalysisID string `json:"analysisId"`
}

// enqueue places data on the client's send buffer without blocking. Reports
// false when the buffer is full, which marks the client as too slow.
func (c *client) enqueue(data []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return true
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

// shutdown marks the client closed and closes the send channel, which stops
// the write pump. Safe only after closed is set: enqueue checks it under the
// same lock.
func (c *client) shutdown() {
	c.mu.Lock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
	c.mu.Unlock()
}

func (c *client) subscribe(s *Server, analysisID uuid.UUID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.subs[analysisID]; ok {
		return
	}
	sub := s.push.SubscribeAnalysis(analysisID, func(ev push.Event) {
		data, err := json.Marshal(toWSEvent(ev))
		if err != nil {
			return
		}
		if !c.enqueue(data) {
			monitoring.WSSlowClientsDisconnected.Inc()
			// Runs on the subscription's drain goroutine; disconnecting
			// closes that subscription, so it must happen elsewhere.
			go s.disconnectClient(c, "slow_client")
		}
	})
	c.subs[analysisID] = sub
}

func (c *client) unsubscribe(analysisID uuid.UUID) {
	c.mu.Lock()
	sub, ok := c.subs[analysisID]
	if ok {
		delete(c.subs, analysisID)
	}
	c.mu.Unlock()
	if ok {
		sub.Close()
	}
}

func (c *client) closeSubscriptions() {
	c.mu.Lock()
	subs := make([]*push.Subscription, 0, len(c.subs))
	for _, sub := range c.subs {
		subs = append(subs, sub)
	}
	c.subs = make(map[uuid.UUID]*push.Subscription)
	c.mu.Unlock()
	for _, sub := range subs {
		sub.Close()
	}
}

func toWSEvent(ev push.Event) wsEvent {
	out := wsEvent{
		AnalysisID: ev.AnalysisID,
		At:         ev.At,
	}
	switch ev.Kind {
	case push.KindScore:
		out.Type = "score"
		out.Score = ev.Score
	default:
		out.Type = "status"
		out.Status = string(ev.Status)
		out.Reason = ev.Reason
	}
	return out
}

// writePump owns all writes to the connection: queued events plus pings.
func (s *Server) writePump(c *client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.closeOnce.Do(func() { c.conn.Close() })
	}()

	for {
		select {
		case message, ok := <-c.send:
			if !ok {
				wsutil.WriteServerMessage(c.conn, ws.OpClose, nil)
				return
			}
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := wsutil.WriteServerMessage(c.conn, ws.OpText, message); err != nil {
				s.log.Debug().Int64("client_id", c.id).Err(err).Msg("Write failed, dropping client")
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := wsutil.WriteServerMessage(c.conn, ws.OpPing, nil); err != nil {
				return
			}
		}
	}
}

// readPump consumes client frames until error or close.
func (s *Server) readPump(c *client) {
	defer s.disconnectClient(c, "read_error")

	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	for {
		msg, op, err := wsutil.ReadClientData(c.conn)
		if err != nil {
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(pongWait))

		switch op {
		case ws.OpText:
			s.handleClientCommand(c, msg)
		case ws.OpClose:
			return
		}
	}
}

func (s *Server) handleClientCommand(c *client, data []byte) {
	var cmd clientCommand
	if err := json.Unmarshal(data, &cmd); err != nil {
		s.sendError(c, "INVALID_JSON", "message is not valid JSON")
		return
	}

	analysisID, err := uuid.Parse(cmd.AnalysisID)
	if err != nil {
		s.sendError(c, "INVALID_INPUT", "analysisId must be a uuid")
		return
	}

	switch cmd.Action {
	case "subscribe":
		c.subscribe(s, analysisID)
		s.sendAck(c, "subscribe", analysisID)
	case "unsubscribe":
		c.unsubscribe(analysisID)
		s.sendAck(c, "unsubscribe", analysisID)
	default:
		s.sendError(c, "UNKNOWN_ACTION", "action must be subscribe or unsubscribe")
	}
}

func (s *Server) sendAck(c *client, action string, analysisID uuid.UUID) {
	data, err := json.Marshal(map[string]any{
		"type":       "ack",
		"action":     action,
		"analysisId": analysisID,
	})
	if err == nil {
		c.enqueue(data)
	}
}

func (s *Server) sendError(c *client, code, msg string) {
	data, err := json.Marshal(map[string]any{
		"type":    "error",
		"code":    code,
		"message": msg,
	})
	if err == nil {
		c.enqueue(data)
	}
}
