// Package server exposes the HTTP and WebSocket surface: analysis
// submission, read APIs for analyses and the shame list, health and metrics
// endpoints, and the realtime subscription socket.
package server

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/signalzero/signalzero/internal/broker"
	"github.com/signalzero/signalzero/internal/intake"
	"github.com/signalzero/signalzero/internal/monitoring"
	"github.com/signalzero/signalzero/internal/orchestrator"
	"github.com/signalzero/signalzero/internal/push"
	"github.com/signalzero/signalzero/internal/store"
)

// Config carries the server's own knobs; everything else arrives wired.
type Config struct {
	Addr           string
	MaxConnections int

	ConnRatePerIP   float64
	ConnBurstPerIP  int
	ConnRateGlobal  float64
	ConnBurstGlobal int

	JWTSecret string
}

// Server is the composition of HTTP handlers over the core services.
type Server struct {
	cfg    Config
	log    zerolog.Logger
	intake *intake.Service
	orch   *orchestrator.Orchestrator
	st     *store.Store
	bus    broker.Bus
	push   *push.Bus

	httpServer *http.Server

	clients        sync.Map // *client → struct{}
	clientSeq      atomic.Int64
	connectionsSem chan struct{}
	shuttingDown   atomic.Bool

	limMu         sync.Mutex
	ipLimiters    map[string]*rate.Limiter
	globalLimiter *rate.Limiter
}

// New wires the server. Call Start to begin serving.
func New(cfg Config, intakeSvc *intake.Service, orch *orchestrator.Orchestrator, st *store.Store, bus broker.Bus, pushBus *push.Bus, logger zerolog.Logger) *Server {
	s := &Server{
		cfg:            cfg,
		log:            logger.With().Str("component", "server").Logger(),
		intake:         intakeSvc,
		orch:           orch,
		st:             st,
		bus:            bus,
		push:           pushBus,
		connectionsSem: make(chan struct{}, cfg.MaxConnections),
		ipLimiters:     make(map[string]*rate.Limiter),
		globalLimiter:  rate.NewLimiter(rate.Limit(cfg.ConnRateGlobal), cfg.ConnBurstGlobal),
	}
	s.httpServer = &http.Server{
		Addr:              cfg.Addr,
		Handler:           s.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/analyses", s.handleSubmit)
	mux.HandleFunc("GET /api/v1/analyses/public", s.handleListPublic)
	mux.HandleFunc("GET /api/v1/analyses/{id}", s.handleGetAnalysis)
	mux.HandleFunc("DELETE /api/v1/analyses/{id}", s.handleCancel)
	mux.HandleFunc("GET /api/v1/shame", s.handleShameList)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.Handle("GET /metrics", monitoring.MetricsHandler())
	mux.HandleFunc("GET /ws", s.handleWebSocket)
	return mux
}

// Start serves until Shutdown or a listener error.
func (s *Server) Start() error {
	s.log.Info().Str("addr", s.cfg.Addr).Msg("Server listening")
	err := s.httpServer.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown stops accepting work, closes WebSocket clients and drains the
// HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.shuttingDown.Store(true)

	s.clients.Range(func(key, _ any) bool {
		c := key.(*client)
		s.disconnectClient(c, "server_shutdown")
		return true
	})

	return s.httpServer.Shutdown(ctx)
}

// limiterFor returns the per-IP connection limiter, creating it on first
// sight of the address.
func (s *Server) limiterFor(ip string) *rate.Limiter {
	s.limMu.Lock()
	defer s.limMu.Unlock()
	lim, ok := s.ipLimiters[ip]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(s.cfg.ConnRatePerIP), s.cfg.ConnBurstPerIP)
		s.ipLimiters[ip] = lim
	}
	return lim
}
