// Package orchestrator owns the analysis lifecycle: admit through the usage
// meter, persist, fan out to the analyzers over the broker, collect responses
// within the deadline, aggregate, persist the verdict and broadcast it.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/signalzero/signalzero/internal/broker"
	"github.com/signalzero/signalzero/internal/monitoring"
	"github.com/signalzero/signalzero/internal/push"
	"github.com/signalzero/signalzero/internal/score"
	"github.com/signalzero/signalzero/internal/store"
	"github.com/signalzero/signalzero/internal/topic"
	"github.com/signalzero/signalzero/internal/types"
	"github.com/signalzero/signalzero/internal/usage"
	"github.com/signalzero/signalzero/internal/worker"
)

// Failure reasons recorded on FAILED analyses.
const (
	ReasonBrokerUnavailable = "broker-unavailable"
	ReasonNoAgents          = "no-agents"
	ReasonCancelled         = "cancelled"
	ReasonShutdown          = "shutdown"
)

const (
	maxQueryBytes      = 2048
	storeRetryAttempts = 3
	storeRetryBase     = 50 * time.Millisecond
	finalizeTimeout    = 5 * time.Second
)

// Errors surfaced to the intake layer.
var (
	// ErrInvalidInput rejects empty queries and anonymous submissions
	// outside demo mode.
	ErrInvalidInput = errors.New("orchestrator: invalid input")

	// ErrShutdown rejects submissions while draining.
	ErrShutdown = errors.New("orchestrator: shutting down")
)

// QuotaError carries the denial details from the usage meter.
type QuotaError struct {
	Reason    string
	Remaining int
	ResetAt   time.Time
}

func (e *QuotaError) Error() string {
	return fmt.Sprintf("quota exceeded: %s, %d remaining", e.Reason, e.Remaining)
}

// Config tunes the orchestrator.
type Config struct {
	AgentTimeout   time.Duration
	DemoMode       bool
	DemoLatencyMin time.Duration
	DemoLatencyMax time.Duration
	DrainBudget    time.Duration
}

// Orchestrator drives analyses from submission to a terminal status.
type Orchestrator struct {
	cfg   Config
	st    *store.Store
	meter *usage.Meter
	bus   broker.Bus
	push  *push.Bus
	pool  *worker.Pool
	log   zerolog.Logger
	now   func() time.Time

	mu       sync.Mutex
	pending  map[uuid.UUID]*pendingRequest
	draining bool
	wg       sync.WaitGroup
	quit     chan struct{}

	respSub broker.Subscription
}

// New wires the orchestrator. Call Start before submitting.
func New(cfg Config, st *store.Store, meter *usage.Meter, bus broker.Bus, pushBus *push.Bus, pool *worker.Pool, logger zerolog.Logger) *Orchestrator {
	return &Orchestrator{
		cfg:     cfg,
		st:      st,
		meter:   meter,
		bus:     bus,
		push:    pushBus,
		pool:    pool,
		log:     logger.With().Str("component", "orchestrator").Logger(),
		now:     time.Now,
		pending: make(map[uuid.UUID]*pendingRequest),
		quit:    make(chan struct{}),
	}
}

// Start subscribes to the analyzer response topics.
func (o *Orchestrator) Start() error {
	sub, err := o.bus.Subscribe(topic.AgentResponseWildcard(), o.handleAgentResponse)
	if err != nil {
		return fmt.Errorf("failed to subscribe to agent responses: %w", err)
	}
	o.respSub = sub
	o.log.Info().
		Bool("demo_mode", o.cfg.DemoMode).
		Dur("agent_timeout", o.cfg.AgentTimeout).
		Msg("Orchestrator started")
	return nil
}

// Submit admits one analysis and returns its id. The heavy lifting happens
// asynchronously; callers observe progress through the push bus.
func (o *Orchestrator) Submit(ctx context.Context, userID *uuid.UUID, query, queryType, platform string) (uuid.UUID, error) {
	query = normalizeQuery(query)
	if query == "" {
		return uuid.Nil, ErrInvalidInput
	}

	o.mu.Lock()
	draining := o.draining
	o.mu.Unlock()
	if draining {
		return uuid.Nil, ErrShutdown
	}

	var override *score.Override
	if o.cfg.DemoMode {
		if ov, ok := score.MatchOverride(query); ok {
			override = &ov
		}
	}

	reserved := false
	switch {
	case userID != nil:
		d, err := o.meter.Reserve(ctx, *userID)
		if err != nil {
			return uuid.Nil, fmt.Errorf("failed to reserve quota: %w", err)
		}
		if !d.Admitted {
			return uuid.Nil, &QuotaError{Reason: d.Reason, Remaining: d.Remaining, ResetAt: d.ResetAt}
		}
		reserved = true
	case !o.cfg.DemoMode:
		// Anonymous submissions share the PUBLIC tier allowance of zero.
		return uuid.Nil, &QuotaError{Reason: usage.ReasonQuotaExceeded}
	}

	a, err := o.createAnalysis(ctx, userID, query, queryType, platform)
	if err != nil {
		if reserved {
			o.refund(*userID)
		}
		return uuid.Nil, err
	}

	started := o.now().UTC()
	err = store.RetryTimeouts(ctx, storeRetryAttempts, storeRetryBase, func() error {
		return o.st.UpdateAnalysisStatus(ctx, a.ID,
			[]types.AnalysisStatus{types.StatusPending}, types.StatusProcessing,
			store.TransitionFields{StartedAt: &started})
	})
	if err != nil {
		// The analysis never left PENDING; the reservation is refunded.
		if reserved {
			o.refund(*userID)
		}
		return uuid.Nil, fmt.Errorf("failed to start analysis: %w", err)
	}
	monitoring.AnalysesSubmitted.Inc()

	p := newPending(a, override, started, started.Add(o.cfg.AgentTimeout))
	o.mu.Lock()
	o.pending[a.ID] = p
	o.mu.Unlock()

	if override == nil {
		o.fanOut(ctx, p, a, started)
	}

	o.push.Broadcast(push.Event{
		AnalysisID: a.ID,
		Kind:       push.KindStatus,
		Status:     types.StatusProcessing,
		At:         started,
	})
	o.publishStatus(a.ID, types.StatusProcessing, "", started)

	o.wg.Add(1)
	go o.run(p)

	o.log.Info().
		Stringer("analysis_id", a.ID).
		Str("query", query).
		Bool("demo_override", override != nil).
		Msg("Analysis submitted")
	return a.ID, nil
}

func (o *Orchestrator) createAnalysis(ctx context.Context, userID *uuid.UUID, query, queryType, platform string) (*types.Analysis, error) {
	// A correlation id collision gets one retry with a fresh id.
	for attempt := 0; attempt < 2; attempt++ {
		a := &types.Analysis{
			ID:        uuid.New(),
			UserID:    userID,
			Query:     query,
			QueryType: queryType,
			Platform:  platform,
			Status:    types.StatusPending,
			CreatedAt: o.now().UTC(),
		}
		a.CorrelationID = topic.CorrelationID(a.ID)
		err := o.st.CreateAnalysis(ctx, a)
		if err == nil {
			return a, nil
		}
		if !errors.Is(err, store.ErrDuplicateCorrelation) {
			return nil, fmt.Errorf("failed to create analysis: %w", err)
		}
		o.log.Warn().Stringer("analysis_id", a.ID).Msg("Correlation id collision, retrying with fresh id")
	}
	return nil, store.ErrDuplicateCorrelation
}

// fanOut creates the PENDING agent slots and publishes one request per
// analyzer. Publishes are independent; a rejected publish marks that agent
// FAILED and its score is imputed later.
func (o *Orchestrator) fanOut(ctx context.Context, p *pendingRequest, a *types.Analysis, started time.Time) {
	req := types.AgentRequest{
		AnalysisID:    a.ID,
		CorrelationID: a.CorrelationID,
		Query:         a.Query,
		QueryType:     a.QueryType,
		Platform:      a.Platform,
		SubmittedAt:   started,
	}
	if a.UserID != nil {
		req.UserID = a.UserID.String()
	}
	payload, err := json.Marshal(req)
	if err != nil {
		o.log.Error().Err(err).Msg("Failed to encode agent request")
		p.allPublishesFailed = true
		return
	}

	failures := 0
	for _, at := range types.AnalyzerTypes {
		if _, err := o.st.CreateAgentResult(ctx, &types.AgentResult{
			AnalysisID: a.ID,
			AgentType:  at,
			Status:     types.AgentPending,
			CreatedAt:  started,
		}); err != nil {
			o.log.Error().Err(err).Str("agent", string(at)).Msg("Failed to record fan-out slot")
		}

		if err := o.bus.Publish(topic.AgentRequest(at), payload, a.CorrelationID); err != nil {
			failures++
			p.dropAwaited(at)
			now := o.now().UTC()
			if _, err := o.st.CompleteAgentResult(ctx, &types.AgentResult{
				AnalysisID:  a.ID,
				AgentType:   at,
				Status:      types.AgentFailed,
				Evidence:    `{"error":"publish-rejected"}`,
				CompletedAt: &now,
			}); err != nil {
				o.log.Error().Err(err).Str("agent", string(at)).Msg("Failed to record publish failure")
			}
			o.log.Warn().Err(err).
				Stringer("analysis_id", a.ID).
				Str("agent", string(at)).
				Msg("Agent request publish rejected")
		}
	}
	if failures == len(types.AnalyzerTypes) {
		p.allPublishesFailed = true
	}
}

// run is the per-analysis lifecycle goroutine: it waits for arrivals or the
// deadline, then finalizes exactly once.
func (o *Orchestrator) run(p *pendingRequest) {
	defer o.wg.Done()
	defer o.removePending(p.analysisID)

	if p.override != nil {
		select {
		case <-time.After(o.demoDelay()):
			o.finalize(p)
		case <-p.cancelCh:
		case <-o.quit:
			o.finalizeFailure(p, ReasonShutdown)
		}
		return
	}

	if p.allPublishesFailed {
		o.finalizeFailure(p, ReasonBrokerUnavailable)
		return
	}

	timer := time.NewTimer(time.Until(p.deadline))
	defer timer.Stop()
	for {
		select {
		case at := <-p.arrivals:
			if p.noteArrival(at) {
				o.finalize(p)
				return
			}
		case <-timer.C:
			o.finalize(p)
			return
		case <-p.cancelCh:
			return
		case <-o.quit:
			o.finalizeFailure(p, ReasonShutdown)
			return
		}
	}
}

func (o *Orchestrator) demoDelay() time.Duration {
	min, max := o.cfg.DemoLatencyMin, o.cfg.DemoLatencyMax
	if max <= min {
		return min
	}
	return min + time.Duration(rand.Int63n(int64(max-min)))
}

func (o *Orchestrator) removePending(id uuid.UUID) {
	o.mu.Lock()
	delete(o.pending, id)
	o.mu.Unlock()
}

func (o *Orchestrator) lookupPending(id uuid.UUID) *pendingRequest {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.pending[id]
}

func (o *Orchestrator) refund(userID uuid.UUID) {
	ctx, cancel := context.WithTimeout(context.Background(), finalizeTimeout)
	defer cancel()
	if err := o.meter.Release(ctx, userID); err != nil {
		o.log.Error().Err(err).Stringer("user_id", userID).Msg("Failed to refund reservation")
	}
}

// Cancel attempts PROCESSING→FAILED(cancelled). In-flight agent responses
// for a cancelled analysis are still written to the store, but nothing is
// broadcast for them.
func (o *Orchestrator) Cancel(ctx context.Context, analysisID uuid.UUID) error {
	p := o.lookupPending(analysisID)
	if p != nil {
		o.finalizeFailure(p, ReasonCancelled)
		p.cancel()
		return nil
	}

	now := o.now().UTC()
	reason := ReasonCancelled
	err := o.st.UpdateAnalysisStatus(ctx, analysisID,
		[]types.AnalysisStatus{types.StatusProcessing}, types.StatusFailed,
		store.TransitionFields{CompletedAt: &now, FailureReason: &reason})
	if err != nil {
		return err
	}
	o.broadcastTerminal(analysisID, types.StatusFailed, ReasonCancelled, now)
	return nil
}

// Shutdown stops accepting submissions, waits up to the drain budget for
// in-flight analyses, then forces FAILED(shutdown) on the remainder.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	if o.draining {
		o.mu.Unlock()
		return nil
	}
	o.draining = true
	o.mu.Unlock()

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(o.cfg.DrainBudget):
		o.log.Warn().Msg("Drain budget exhausted, forcing remaining analyses to FAILED")
		close(o.quit)
		<-done
	case <-ctx.Done():
		close(o.quit)
		<-done
	}

	if o.respSub != nil {
		if err := o.respSub.Unsubscribe(); err != nil {
			o.log.Warn().Err(err).Msg("Failed to unsubscribe from agent responses")
		}
	}
	o.log.Info().Msg("Orchestrator drained")
	return nil
}

func normalizeQuery(query string) string {
	query = strings.TrimSpace(query)
	if len(query) > maxQueryBytes {
		cut := maxQueryBytes
		for cut > 0 && !utf8.RuneStart(query[cut]) {
			cut--
		}
		query = strings.TrimSpace(query[:cut])
	}
	return query
}
