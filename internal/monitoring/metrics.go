package monitoring

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Prometheus metrics for the SignalZero core. Registered once via promauto;
// scraped from /metrics.
var (
	// Analysis lifecycle
	AnalysesSubmitted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sz_analyses_submitted_total",
		Help: "Total analyses admitted past the usage meter",
	})

	AnalysesCompleted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sz_analyses_terminal_total",
		Help: "Total analyses reaching a terminal status",
	}, []string{"status", "reason"})

	AnalysisDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "sz_analysis_duration_seconds",
		Help:    "Wall-clock time from submit to terminal status",
		Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 3, 5, 8, 13},
	})

	QuotaDenied = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sz_quota_denied_total",
		Help: "Total submissions denied by the usage meter, by reason",
	}, []string{"reason"})

	// Agent responses
	AgentResponsesReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sz_agent_responses_total",
		Help: "Agent responses received, by agent type",
	}, []string{"agent"})

	AgentResponsesDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sz_agent_responses_dropped_total",
		Help: "Agent responses dropped, by reason (malformed, late, unknown_correlation)",
	}, []string{"reason"})

	AgentScoresImputed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sz_agent_scores_imputed_total",
		Help: "Agent scores substituted with the neutral prior at aggregation",
	}, []string{"agent"})

	// Broker client
	BrokerConnected = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "sz_broker_connected",
		Help: "1 when the broker connection is established",
	})

	BrokerReconnects = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sz_broker_reconnects_total",
		Help: "Total broker reconnections",
	})

	BrokerPublishes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sz_broker_publishes_total",
		Help: "Broker publishes by outcome (sent, buffered, rejected)",
	}, []string{"outcome"})

	BrokerHandlerBudgetExceeded = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sz_broker_handler_budget_exceeded_total",
		Help: "Subscribe handlers that ran past the configured handler budget",
	})

	UnknownTopics = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sz_unknown_topics_total",
		Help: "Deliveries on topics that failed strict parsing",
	})

	// Push bus
	PushSubscribers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "sz_push_subscribers",
		Help: "Current number of push-bus subscribers",
	})

	PushLagDrops = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sz_push_lag_drops_total",
		Help: "Events dropped because a subscriber queue was full",
	})

	// Store
	StoreRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sz_store_retries_total",
		Help: "Store operations retried after a timeout",
	})

	// Worker pool
	WorkerTasksDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sz_worker_tasks_dropped_total",
		Help: "Tasks dropped because the worker queue was full",
	})

	// WebSocket surface
	WSConnectionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "sz_ws_connections_active",
		Help: "Current number of WebSocket subscribers",
	})

	WSConnectionsRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sz_ws_connections_rejected_total",
		Help: "WebSocket connections rejected, by reason",
	}, []string{"reason"})

	WSSlowClientsDisconnected = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sz_ws_slow_clients_disconnected_total",
		Help: "WebSocket clients disconnected for not draining their send buffer",
	})
)

// MetricsHandler returns the HTTP handler serving the Prometheus registry.
func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
