package server

import (
	"net"
	"net/http"
	"time"

	"github.com/gobwas/ws"
	"github.com/google/uuid"

	"github.com/signalzero/signalzero/internal/monitoring"
	"github.com/signalzero/signalzero/internal/push"
)

// handleWebSocket upgrades the connection and starts the read/write pumps.
// Admission is gated by the global and per-IP connection limiters plus the
// connection semaphore.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if s.shuttingDown.Load() {
		monitoring.WSConnectionsRejected.WithLabelValues("shutdown").Inc()
		http.Error(w, "Server is shutting down", http.StatusServiceUnavailable)
		return
	}

	if !s.globalLimiter.Allow() {
		monitoring.WSConnectionsRejected.WithLabelValues("rate_global").Inc()
		http.Error(w, "Too many connection attempts", http.StatusTooManyRequests)
		return
	}
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		ip = r.RemoteAddr
	}
	if !s.limiterFor(ip).Allow() {
		monitoring.WSConnectionsRejected.WithLabelValues("rate_ip").Inc()
		http.Error(w, "Too many connection attempts", http.StatusTooManyRequests)
		return
	}

	select {
	case s.connectionsSem <- struct{}{}:
	default:
		monitoring.WSConnectionsRejected.WithLabelValues("capacity").Inc()
		s.log.Warn().
			Int("max_connections", s.cfg.MaxConnections).
			Msg("Connection rejected, server at capacity")
		http.Error(w, "Server at capacity", http.StatusServiceUnavailable)
		return
	}

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		<-s.connectionsSem
		monitoring.WSConnectionsRejected.WithLabelValues("upgrade_failed").Inc()
		s.log.Error().Err(err).Str("remote_addr", r.RemoteAddr).Msg("Failed to upgrade connection")
		return
	}

	c := &client{
		id:          s.clientSeq.Add(1),
		conn:        conn,
		send:        make(chan []byte, sendBufferSize),
		connectedAt: time.Now(),
		subs:        make(map[uuid.UUID]*push.Subscription),
	}
	s.clients.Store(c, struct{}{})
	monitoring.WSConnectionsActive.Inc()

	s.log.Debug().Int64("client_id", c.id).Str("remote_addr", r.RemoteAddr).Msg("Client connected")

	go s.writePump(c)
	go s.readPump(c)
}

// disconnectClient tears one client down exactly once.
func (s *Server) disconnectClient(c *client, reason string) {
	if _, loaded := s.clients.LoadAndDelete(c); !loaded {
		return
	}

	c.closeSubscriptions()
	c.closeOnce.Do(func() { c.conn.Close() })
	c.shutdown()

	<-s.connectionsSem
	monitoring.WSConnectionsActive.Dec()

	s.log.Info().
		Int64("client_id", c.id).
		Str("reason", reason).
		Dur("connection_duration", time.Since(c.connectedAt)).
		Msg("Client disconnected")
}
