package intake

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/signalzero/signalzero/internal/broker"
	"github.com/signalzero/signalzero/internal/orchestrator"
	"github.com/signalzero/signalzero/internal/push"
	"github.com/signalzero/signalzero/internal/store"
	"github.com/signalzero/signalzero/internal/types"
	"github.com/signalzero/signalzero/internal/usage"
	"github.com/signalzero/signalzero/internal/worker"
)

func newService(t *testing.T) (*Service, *store.Store) {
	t.Helper()

	st, err := store.Open("sqlite3", ":memory:", time.Second, zerolog.Nop())
	require.NoError(t, err)

	bus := broker.NewMemory()
	pushBus := push.NewBus(256, zerolog.Nop())
	pool := worker.NewPool(2, 64, zerolog.Nop())
	pool.Start(context.Background())
	meter := usage.NewMeter(st, usage.DefaultLimits, zerolog.Nop())

	orch := orchestrator.New(orchestrator.Config{
		AgentTimeout:   100 * time.Millisecond,
		DemoMode:       true,
		DemoLatencyMin: 10 * time.Millisecond,
		DemoLatencyMax: 20 * time.Millisecond,
		DrainBudget:    time.Second,
	}, st, meter, bus, pushBus, pool, zerolog.Nop())
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
	return New(orch, pushBus, zerolog.Nop()), st
}

func TestAnalyzeDeliversLifecycle(t *testing.T) {
	svc, st := newService(t)
	userID := uuid.New()
	require.NoError(t, st.EnsureUser(context.Background(), userID, types.TierPro))

	var mu sync.Mutex
	var seen []push.EventKind
	var statuses []types.AnalysisStatus
	id, sub, err := svc.Analyze(context.Background(), &userID, "$buzz coin", "crypto", "", func(ev push.Event) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, ev.Kind)
		if ev.Kind == push.KindStatus {
			statuses = append(statuses, ev.Status)
		}
	})
	require.NoError(t, err)
	require.NotEqual(t, uuid.Nil, id)
	defer sub.Close()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) >= 3
	}, 3*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []types.AnalysisStatus{types.StatusProcessing, types.StatusComplete}, statuses)
	assert.Equal(t, push.KindScore, seen[len(seen)-1])
}

func TestAnalyzeSubmitErrorClosesSubscription(t *testing.T) {
	svc, _ := newService(t)

	// Empty query is rejected before any subscription survives.
	id, sub, err := svc.Analyze(context.Background(), nil, "   ", "", "", func(push.Event) {
		t.Error("no events expected")
	})
	assert.ErrorIs(t, err, orchestrator.ErrInvalidInput)
	assert.Equal(t, uuid.Nil, id)
	assert.Nil(t, sub)
}
