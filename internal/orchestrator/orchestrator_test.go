package orchestrator

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/signalzero/signalzero/internal/broker"
	"github.com/signalzero/signalzero/internal/push"
	"github.com/signalzero/signalzero/internal/store"
	"github.com/signalzero/signalzero/internal/topic"
	"github.com/signalzero/signalzero/internal/types"
	"github.com/signalzero/signalzero/internal/usage"
	"github.com/signalzero/signalzero/internal/worker"
)

type env struct {
	st   *store.Store
	bus  *broker.Memory
	push *push.Bus
	orch *Orchestrator
}

func newEnv(t *testing.T, cfg Config) *env {
	t.Helper()

	st, err := store.Open("sqlite3", ":memory:", time.Second, zerolog.Nop())
	require.NoError(t, err)

	bus := broker.NewMemory()
	pushBus := push.NewBus(256, zerolog.Nop())
	pool := worker.NewPool(4, 256, zerolog.Nop())
	pool.Start(context.Background())
	meter := usage.NewMeter(st, usage.DefaultLimits, zerolog.Nop())

	orch := New(cfg, st, meter, bus, pushBus, pool, zerolog.Nop())
	require.NoError(t, orch.Start())

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		orch.Shutdown(ctx)
		pool.Stop()
		pushBus.Close()
		bus.Close()
		st.Close()
	})
	return &env{st: st, bus: bus, push: pushBus, orch: orch}
}

func defaultConfig() Config {
	return Config{
		AgentTimeout:   250 * time.Millisecond,
		DemoLatencyMin: 10 * time.Millisecond,
		DemoLatencyMax: 30 * time.Millisecond,
		DrainBudget:    time.Second,
	}
}

func (e *env) user(t *testing.T, tier types.Tier) uuid.UUID {
	t.Helper()
	id := uuid.New()
	require.NoError(t, e.st.EnsureUser(context.Background(), id, tier))
	return id
}

// mockAgents answers fan-out requests with fixed scores; agents without an
// entry stay silent and time out.
func (e *env) mockAgents(t *testing.T, scores map[types.AgentType]float64) {
	t.Helper()
	_, err := e.bus.Subscribe("signalzero/agent/+/request", func(tpc string, payload []byte, cid string) {
		parsed, err := topic.Parse(tpc)
		if err != nil {
			return
		}
		s, ok := scores[parsed.AgentType]
		if !ok {
			return
		}
		var req types.AgentRequest
		if err := json.Unmarshal(payload, &req); err != nil {
			return
		}
		resp := types.AgentResponse{
			AnalysisID:   req.AnalysisID,
			AgentType:    parsed.AgentType,
			Score:        s,
			Confidence:   90,
			Status:       types.AgentComplete,
			ProcessingMs: 5,
			ProducedAt:   time.Now().UTC(),
		}
		raw, _ := json.Marshal(resp)
		_ = e.bus.Publish(topic.AgentResponse(parsed.AgentType), raw, cid)
	})
	require.NoError(t, err)
}

func (e *env) watch() (<-chan push.Event, func()) {
	ch := make(chan push.Event, 64)
	sub := e.push.Subscribe(func(ev push.Event) { ch <- ev })
	return ch, sub.Close
}

func waitTerminal(t *testing.T, ch <-chan push.Event, id uuid.UUID) push.Event {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case ev := <-ch:
			if ev.AnalysisID == id && ev.Kind == push.KindStatus && ev.Status.Terminal() {
				return ev
			}
		case <-deadline:
			t.Fatal("no terminal status observed")
		}
	}
}

func TestHappyFanOut(t *testing.T) {
	e := newEnv(t, defaultConfig())
	e.mockAgents(t, map[types.AgentType]float64{
		types.AgentBot:       15,
		types.AgentTrend:     82,
		types.AgentReview:    85,
		types.AgentPromotion: 88,
	})
	userID := e.user(t, types.TierPro)

	events, stop := e.watch()
	defer stop()

	id, err := e.orch.Submit(context.Background(), &userID, "Local Artisan Coffee", "product", "tiktok")
	require.NoError(t, err)

	ev := waitTerminal(t, events, id)
	assert.Equal(t, types.StatusComplete, ev.Status)

	// round(0.4·85 + 0.3·82 + 0.2·85 + 0.1·88) = 83
	a, err := e.st.GetAnalysis(context.Background(), id)
	require.NoError(t, err)
	require.NotNil(t, a.Authenticity)
	assert.Equal(t, 83.0, *a.Authenticity)
	require.NotNil(t, a.Band)
	assert.Equal(t, types.BandGreen, *a.Band)
	require.NotNil(t, a.BotScore)
	assert.Equal(t, 15.0, *a.BotScore)
	require.NotNil(t, a.ProcessingMs)

	// The SCORE event follows the terminal STATUS event.
	select {
	case sc := <-events:
		require.Equal(t, push.KindScore, sc.Kind)
		require.NotNil(t, sc.Score)
		assert.Equal(t, 83, sc.Score.Authenticity)
		assert.Equal(t, types.BandGreen, sc.Score.Band)
	case <-time.After(time.Second):
		t.Fatal("no score event")
	}

	// Four analyzers plus the aggregator, all settled.
	results, err := e.st.ListAgentResults(context.Background(), id)
	require.NoError(t, err)
	require.Len(t, results, 5)
	assert.Equal(t, types.AgentAggregator, results[4].AgentType)
	assert.Equal(t, 83.0, results[4].Score)

	shame, err := e.st.ListShame(context.Background(), 10)
	require.NoError(t, err)
	assert.Empty(t, shame)
}

func TestPartialResponsesImpute(t *testing.T) {
	e := newEnv(t, defaultConfig())
	e.mockAgents(t, map[types.AgentType]float64{
		types.AgentBot:   70,
		types.AgentTrend: 30,
	})
	userID := e.user(t, types.TierPro)

	events, stop := e.watch()
	defer stop()

	id, err := e.orch.Submit(context.Background(), &userID, "mystery gadget", "product", "")
	require.NoError(t, err)

	ev := waitTerminal(t, events, id)
	assert.Equal(t, types.StatusComplete, ev.Status)

	// round(0.4·30 + 0.3·30 + 0.2·50 + 0.1·50) = 36
	a, err := e.st.GetAnalysis(context.Background(), id)
	require.NoError(t, err)
	require.NotNil(t, a.Authenticity)
	assert.Equal(t, 36.0, *a.Authenticity)
	assert.Equal(t, types.BandYellow, *a.Band)
	assert.Equal(t, 50.0, *a.ReviewScore)
	assert.Equal(t, 50.0, *a.PromotionScore)

	results, err := e.st.ListAgentResults(context.Background(), id)
	require.NoError(t, err)
	agg := results[len(results)-1]
	require.Equal(t, types.AgentAggregator, agg.AgentType)

	var evidence struct {
		Imputed []string `json:"imputed"`
	}
	require.NoError(t, json.Unmarshal([]byte(agg.Evidence), &evidence))
	assert.ElementsMatch(t, []string{"review", "promotion"}, evidence.Imputed)
}

func TestDemoOverride(t *testing.T) {
	cfg := defaultConfig()
	cfg.DemoMode = true
	e := newEnv(t, cfg)
	userID := e.user(t, types.TierPro)

	events, stop := e.watch()
	defer stop()

	start := time.Now()
	id, err := e.orch.Submit(context.Background(), &userID, "Stanley Cup tumbler", "product", "tiktok")
	require.NoError(t, err)

	ev := waitTerminal(t, events, id)
	assert.Equal(t, types.StatusComplete, ev.Status)
	assert.Less(t, time.Since(start), 2*time.Second)

	a, err := e.st.GetAnalysis(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, 62.0, *a.BotScore)
	assert.Equal(t, 34.0, *a.Authenticity)
	// Authenticity 34 sits on the YELLOW boundary; the band always comes
	// from classification, never from the override table.
	require.NotNil(t, a.Band)
	assert.Equal(t, types.BandYellow, *a.Band)

	// bot ≥ 60 puts it on the shame list even without a RED band.
	shame, err := e.st.ListShame(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, shame, 1)
	assert.Equal(t, id, shame[0].AnalysisID)
	assert.Equal(t, 62.0, shame[0].BotScore)
	assert.Equal(t, types.BandYellow, shame[0].Band)

	results, err := e.st.ListAgentResults(context.Background(), id)
	require.NoError(t, err)
	require.Len(t, results, 5)
	for _, r := range results[:4] {
		assert.Contains(t, r.Evidence, "demo-override")
	}
}

func TestQuotaExceeded(t *testing.T) {
	e := newEnv(t, defaultConfig())
	e.mockAgents(t, map[types.AgentType]float64{
		types.AgentBot: 10, types.AgentTrend: 50, types.AgentReview: 50, types.AgentPromotion: 50,
	})
	userID := e.user(t, types.TierFree)

	for i := 0; i < 3; i++ {
		_, err := e.orch.Submit(context.Background(), &userID, "some product", "", "")
		require.NoError(t, err, "submission %d", i)
	}

	id, err := e.orch.Submit(context.Background(), &userID, "one too many", "", "")
	assert.Equal(t, uuid.Nil, id)

	var qe *QuotaError
	require.ErrorAs(t, err, &qe)
	assert.Equal(t, usage.ReasonQuotaExceeded, qe.Reason)
	assert.Equal(t, 0, qe.Remaining)
	assert.False(t, qe.ResetAt.IsZero())
}

func TestLateResponseRecordedWithoutBroadcast(t *testing.T) {
	cfg := defaultConfig()
	cfg.AgentTimeout = 100 * time.Millisecond
	e := newEnv(t, cfg)
	userID := e.user(t, types.TierPro)

	events, stop := e.watch()
	defer stop()

	id, err := e.orch.Submit(context.Background(), &userID, "slow product", "", "")
	require.NoError(t, err)

	ev := waitTerminal(t, events, id)
	assert.Equal(t, types.StatusComplete, ev.Status)

	a, err := e.st.GetAnalysis(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, 50.0, *a.Authenticity)
	assert.Equal(t, 50.0, *a.BotScore)

	// The real bot response arrives after COMPLETE.
	resp := types.AgentResponse{
		AnalysisID: id,
		AgentType:  types.AgentBot,
		Score:      70,
		Confidence: 95,
		Status:     types.AgentComplete,
		ProducedAt: time.Now().UTC(),
	}
	raw, _ := json.Marshal(resp)
	require.NoError(t, e.bus.Publish(topic.AgentResponse(types.AgentBot), raw, id.String()))

	require.Eventually(t, func() bool {
		results, err := e.st.ListAgentResults(context.Background(), id)
		if err != nil {
			return false
		}
		for _, r := range results {
			if r.AgentType == types.AgentBot {
				return r.Status == types.AgentComplete && r.Score == 70
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)

	// Analysis fields and band are untouched and nothing new is broadcast.
	a, err = e.st.GetAnalysis(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, 50.0, *a.BotScore)
	assert.Equal(t, 50.0, *a.Authenticity)

	// One SCORE event was queued behind the terminal STATUS; nothing after.
	select {
	case sc := <-events:
		assert.Equal(t, push.KindScore, sc.Kind)
	case <-time.After(time.Second):
		t.Fatal("missing score event")
	}
	select {
	case ev := <-events:
		t.Fatalf("unexpected event after terminal: %+v", ev)
	case <-time.After(150 * time.Millisecond):
	}
}

func TestBrokerOutageFailsAnalysis(t *testing.T) {
	e := newEnv(t, defaultConfig())
	userID := e.user(t, types.TierPro)

	events, stop := e.watch()
	defer stop()

	e.bus.FailPublishes(broker.ErrBackpressure)
	defer e.bus.FailPublishes(nil)

	id, err := e.orch.Submit(context.Background(), &userID, "unreachable product", "", "")
	require.NoError(t, err)

	ev := waitTerminal(t, events, id)
	assert.Equal(t, types.StatusFailed, ev.Status)
	assert.Equal(t, ReasonBrokerUnavailable, ev.Reason)

	a, err := e.st.GetAnalysis(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, types.StatusFailed, a.Status)
	assert.Equal(t, ReasonBrokerUnavailable, a.FailureReason)

	// Quota is consumed, not refunded.
	u, err := e.st.GetUser(context.Background(), userID)
	require.NoError(t, err)
	assert.Equal(t, 1, u.UsedThisMonth)
}

func TestInvalidInput(t *testing.T) {
	e := newEnv(t, defaultConfig())
	userID := e.user(t, types.TierPro)

	for _, q := range []string{"", "   ", "\n\t"} {
		_, err := e.orch.Submit(context.Background(), &userID, q, "", "")
		assert.ErrorIs(t, err, ErrInvalidInput, "query %q", q)
	}
}

func TestAnonymousDeniedOutsideDemo(t *testing.T) {
	e := newEnv(t, defaultConfig())

	_, err := e.orch.Submit(context.Background(), nil, "anything", "", "")
	var qe *QuotaError
	require.ErrorAs(t, err, &qe)
}

func TestAnonymousAdmittedInDemo(t *testing.T) {
	cfg := defaultConfig()
	cfg.DemoMode = true
	e := newEnv(t, cfg)

	events, stop := e.watch()
	defer stop()

	id, err := e.orch.Submit(context.Background(), nil, "prime energy", "", "")
	require.NoError(t, err)

	ev := waitTerminal(t, events, id)
	assert.Equal(t, types.StatusComplete, ev.Status)

	a, err := e.st.GetAnalysis(context.Background(), id)
	require.NoError(t, err)
	assert.Nil(t, a.UserID)
	assert.Equal(t, 29.0, *a.Authenticity)
	assert.Equal(t, types.BandRed, *a.Band)
}

func TestCancel(t *testing.T) {
	cfg := defaultConfig()
	cfg.AgentTimeout = 2 * time.Second
	e := newEnv(t, cfg)
	userID := e.user(t, types.TierPro)

	events, stop := e.watch()
	defer stop()

	id, err := e.orch.Submit(context.Background(), &userID, "cancel me", "", "")
	require.NoError(t, err)

	require.NoError(t, e.orch.Cancel(context.Background(), id))

	ev := waitTerminal(t, events, id)
	assert.Equal(t, types.StatusFailed, ev.Status)
	assert.Equal(t, ReasonCancelled, ev.Reason)

	a, err := e.st.GetAnalysis(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, types.StatusFailed, a.Status)
	assert.Equal(t, ReasonCancelled, a.FailureReason)
}

func TestShutdownForcesRemainderFailed(t *testing.T) {
	cfg := defaultConfig()
	cfg.AgentTimeout = 10 * time.Second
	cfg.DrainBudget = 50 * time.Millisecond
	e := newEnv(t, cfg)
	userID := e.user(t, types.TierPro)

	id, err := e.orch.Submit(context.Background(), &userID, "drain me", "", "")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, e.orch.Shutdown(ctx))

	a, err := e.st.GetAnalysis(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, types.StatusFailed, a.Status)
	assert.Equal(t, ReasonShutdown, a.FailureReason)

	// Draining orchestrators reject new work.
	_, err = e.orch.Submit(context.Background(), &userID, "too late", "", "")
	assert.ErrorIs(t, err, ErrShutdown)
}
