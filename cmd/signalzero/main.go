package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	_ "go.uber.org/automaxprocs"

	"github.com/signalzero/signalzero/internal/broker"
	"github.com/signalzero/signalzero/internal/config"
	"github.com/signalzero/signalzero/internal/intake"
	"github.com/signalzero/signalzero/internal/monitoring"
	"github.com/signalzero/signalzero/internal/orchestrator"
	"github.com/signalzero/signalzero/internal/push"
	"github.com/signalzero/signalzero/internal/server"
	"github.com/signalzero/signalzero/internal/store"
	"github.com/signalzero/signalzero/internal/usage"
	"github.com/signalzero/signalzero/internal/worker"
)

func main() {
	var (
		debug = flag.Bool("debug", false, "enable debug logging (overrides LOG_LEVEL)")
	)
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		// No structured logger yet; write straight to stderr and bail.
		os.Stderr.WriteString("failed to load configuration: " + err.Error() + "\n")
		os.Exit(1)
	}
	if *debug {
		cfg.LogLevel = "debug"
	}

	logger := monitoring.NewLogger(monitoring.LoggerConfig{
		Level:  cfg.LogLevel,
		Format: cfg.LogFormat,
	})

	// automaxprocs has already clamped GOMAXPROCS to the container CPU limit.
	logger.Info().Int("gomaxprocs", runtime.GOMAXPROCS(0)).Msg("Starting signalzero")
	cfg.LogConfig(logger)

	st, err := store.Open(cfg.DBDriver, cfg.DBDSN, cfg.StoreTimeout, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to open store")
	}

	var bus broker.Bus
	switch cfg.BrokerMode {
	case "memory":
		bus = broker.NewMemory()
	default:
		bus, err = broker.NewClient(broker.Config{
			URL:           cfg.NATSUrl,
			OutboundCap:   cfg.OutboundCap,
			ReconnectBase: cfg.ReconnectBase,
			ReconnectCap:  cfg.ReconnectCap,
			HealthGrace:   cfg.HealthGrace,
			HandlerBudget: cfg.HandlerBudget,
		}, logger)
		if err != nil {
			logger.Fatal().Err(err).Str("url", cfg.NATSUrl).Msg("Failed to connect to NATS")
		}
	}

	pushBus := push.NewBus(cfg.SubscriberCap, logger)

	pool := worker.NewPool(cfg.WorkerCount, cfg.WorkerQueueSize, logger)
	pool.Start(context.Background())

	meter := usage.NewMeter(st, usage.Limits{
		Public:   cfg.LimitPublic,
		Free:     cfg.LimitFree,
		Pro:      cfg.LimitPro,
		Business: cfg.LimitBusiness,
	}, logger)

	orch := orchestrator.New(orchestrator.Config{
		AgentTimeout:   cfg.AgentTimeout,
		DemoMode:       cfg.DemoMode,
		DemoLatencyMin: cfg.DemoLatencyMin,
		DemoLatencyMax: cfg.DemoLatencyMax,
		DrainBudget:    cfg.DrainBudget,
	}, st, meter, bus, pushBus, pool, logger)
	if err := orch.Start(); err != nil {
		logger.Fatal().Err(err).Msg("Failed to start orchestrator")
	}

	svc := intake.New(orch, pushBus, logger)

	srv := server.New(server.Config{
		Addr:            cfg.Addr,
		MaxConnections:  cfg.MaxConnections,
		ConnRatePerIP:   cfg.ConnRateLimitPerIP,
		ConnBurstPerIP:  cfg.ConnRateBurstPerIP,
		ConnRateGlobal:  cfg.ConnRateLimitGlobal,
		ConnBurstGlobal: cfg.ConnRateBurstGlobal,
		JWTSecret:       cfg.JWTSecret,
	}, svc, orch, st, bus, pushBus, logger)

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- srv.Start()
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	select {
	case <-ctx.Done():
		logger.Info().Msg("Shutdown signal received")
	case err := <-serverErr:
		if err != nil {
			logger.Error().Err(err).Msg("Server exited")
		}
	}

	// Stop the edge first so no new work arrives, then drain in-flight
	// analyses, then tear down the plumbing underneath them.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.DrainBudget+5*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("HTTP server shutdown failed")
	}
	orch.Shutdown(shutdownCtx)
	pool.Stop()
	pushBus.Close()
	bus.Close()
	if err := st.Close(); err != nil {
		logger.Error().Err(err).Msg("Store close failed")
	}

	logger.Info().Msg("Shutdown complete")
}
