package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/signalzero/signalzero/internal/types"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open("sqlite3", ":memory:", time.Second, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func newAnalysis(userID *uuid.UUID) *types.Analysis {
	id := uuid.New()
	return &types.Analysis{
		ID:            id,
		UserID:        userID,
		Query:         "stanley cup",
		QueryType:     "product",
		Platform:      "tiktok",
		Status:        types.StatusPending,
		CorrelationID: id.String(),
		CreatedAt:     time.Now().UTC(),
	}
}

func TestCreateAnalysisDuplicateCorrelation(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	a := newAnalysis(nil)
	require.NoError(t, s.CreateAnalysis(ctx, a))

	dup := newAnalysis(nil)
	dup.CorrelationID = a.CorrelationID
	err := s.CreateAnalysis(ctx, dup)
	assert.ErrorIs(t, err, ErrDuplicateCorrelation)

	// The collision must not have inserted a second row.
	_, err = s.GetAnalysis(ctx, dup.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStatusTransitions(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	a := newAnalysis(nil)
	require.NoError(t, s.CreateAnalysis(ctx, a))

	started := time.Now().UTC()
	require.NoError(t, s.UpdateAnalysisStatus(ctx, a.ID,
		[]types.AnalysisStatus{types.StatusPending}, types.StatusProcessing,
		TransitionFields{StartedAt: &started}))

	// Replaying the same transition must fail: status is no longer PENDING.
	err := s.UpdateAnalysisStatus(ctx, a.ID,
		[]types.AnalysisStatus{types.StatusPending}, types.StatusProcessing,
		TransitionFields{StartedAt: &started})
	assert.ErrorIs(t, err, ErrIllegalTransition)

	bot, trend, review, promo := 15.0, 80.0, 85.0, 75.0
	auth := 83.0
	band := types.BandGreen
	completed := time.Now().UTC()
	ms := int64(412)
	require.NoError(t, s.UpdateAnalysisStatus(ctx, a.ID,
		[]types.AnalysisStatus{types.StatusProcessing}, types.StatusComplete,
		TransitionFields{
			CompletedAt: &completed, ProcessingMs: &ms,
			Bot: &bot, Trend: &trend, Review: &review, Promotion: &promo,
			Authenticity: &auth, Band: &band,
		}))

	got, err := s.GetAnalysis(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusComplete, got.Status)
	require.NotNil(t, got.Authenticity)
	assert.Equal(t, 83.0, *got.Authenticity)
	require.NotNil(t, got.Band)
	assert.Equal(t, types.BandGreen, *got.Band)
	require.NotNil(t, got.ProcessingMs)
	assert.Equal(t, int64(412), *got.ProcessingMs)
	require.NotNil(t, got.StartedAt)
	require.NotNil(t, got.CompletedAt)

	// Terminal states never transition again.
	reason := "late"
	err = s.UpdateAnalysisStatus(ctx, a.ID,
		[]types.AnalysisStatus{types.StatusPending, types.StatusProcessing},
		types.StatusTimeout, TransitionFields{FailureReason: &reason})
	assert.ErrorIs(t, err, ErrIllegalTransition)
}

func TestFindByCorrelation(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	a := newAnalysis(nil)
	require.NoError(t, s.CreateAnalysis(ctx, a))

	got, err := s.FindByCorrelation(ctx, a.CorrelationID)
	require.NoError(t, err)
	assert.Equal(t, a.ID, got.ID)
	assert.Nil(t, got.UserID)

	_, err = s.FindByCorrelation(ctx, uuid.NewString())
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestUsageQuotaBoundary(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	userID := uuid.New()
	require.NoError(t, s.EnsureUser(ctx, userID, types.TierFree))
	// Re-running is a no-op, not an error.
	require.NoError(t, s.EnsureUser(ctx, userID, types.TierPro))

	u, err := s.GetUser(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, types.TierFree, u.Tier)

	const limit = 3
	for i := 0; i < limit; i++ {
		ok, err := s.IncrementUsage(ctx, userID, limit)
		require.NoError(t, err)
		assert.True(t, ok, "increment %d", i)
	}
	ok, err := s.IncrementUsage(ctx, userID, limit)
	require.NoError(t, err)
	assert.False(t, ok, "fourth increment must be denied")

	u, err = s.GetUser(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, limit, u.UsedThisMonth)

	require.NoError(t, s.ReleaseUsage(ctx, userID))
	ok, err = s.IncrementUsage(ctx, userID, limit)
	require.NoError(t, err)
	assert.True(t, ok, "released slot is usable again")

	// Unbounded tiers ignore the counter entirely.
	for i := 0; i < 5; i++ {
		ok, err := s.IncrementUsage(ctx, userID, -1)
		require.NoError(t, err)
		assert.True(t, ok)
	}

	// A same-month reset is a no-op and leaves the counter intact.
	reset, err := s.ResetUsageIfMonthChanged(ctx, userID, time.Now())
	require.NoError(t, err)
	assert.False(t, reset)
	u, err = s.GetUser(ctx, userID)
	require.NoError(t, err)
	assert.NotEqual(t, 0, u.UsedThisMonth)

	// Once last_reset falls into a previous month the reset fires atomically.
	stale := time.Now().UTC().AddDate(0, 0, -40)
	_, err = s.db.ExecContext(ctx, s.rebind(`
		UPDATE users SET last_reset = ? WHERE id = ?`), stale, userID.String())
	require.NoError(t, err)

	reset, err = s.ResetUsageIfMonthChanged(ctx, userID, time.Now())
	require.NoError(t, err)
	assert.True(t, reset)
	u, err = s.GetUser(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, 0, u.UsedThisMonth)
}

func TestInactiveUserDenied(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	userID := uuid.New()
	require.NoError(t, s.EnsureUser(ctx, userID, types.TierPro))
	require.NoError(t, s.SetUserActive(ctx, userID, false))

	ok, err := s.IncrementUsage(ctx, userID, 100)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestAgentResultLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	a := newAnalysis(nil)
	require.NoError(t, s.CreateAnalysis(ctx, a))

	now := time.Now().UTC()
	pending := &types.AgentResult{
		AnalysisID: a.ID,
		AgentType:  types.AgentBot,
		Status:     types.AgentPending,
		CreatedAt:  now,
	}
	created, err := s.CreateAgentResult(ctx, pending)
	require.NoError(t, err)
	assert.True(t, created)

	// Fan-out replay is a no-op.
	created, err = s.CreateAgentResult(ctx, pending)
	require.NoError(t, err)
	assert.False(t, created)

	// A PENDING slot does not count as completed.
	n, err := s.CountCompletedAgents(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	done := now.Add(300 * time.Millisecond)
	response := &types.AgentResult{
		AnalysisID:   a.ID,
		AgentType:    types.AgentBot,
		Score:        15,
		Confidence:   90,
		Status:       types.AgentComplete,
		Evidence:     `{"accounts":120}`,
		ProcessingMs: 300,
		CompletedAt:  &done,
	}
	updated, err := s.CompleteAgentResult(ctx, response)
	require.NoError(t, err)
	assert.True(t, updated)

	// First delivery wins; the duplicate changes nothing.
	dup := *response
	dup.Score = 99
	updated, err = s.CompleteAgentResult(ctx, &dup)
	require.NoError(t, err)
	assert.False(t, updated)

	results, err := s.ListAgentResults(ctx, a.ID)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, 15.0, results[0].Score)
	assert.Equal(t, types.AgentComplete, results[0].Status)
	require.NotNil(t, results[0].CompletedAt)

	n, err = s.CountCompletedAgents(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	// The aggregator row is inserted fully populated and sorts last.
	agg := &types.AgentResult{
		AnalysisID: a.ID,
		AgentType:  types.AgentAggregator,
		Score:      83,
		Confidence: 100,
		Status:     types.AgentComplete,
		Evidence:   `{"imputed":[]}`,
		CreatedAt:  now,
	}
	created, err = s.CreateAgentResult(ctx, agg)
	require.NoError(t, err)
	assert.True(t, created)

	results, err = s.ListAgentResults(ctx, a.ID)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, types.AgentBot, results[0].AgentType)
	assert.Equal(t, types.AgentAggregator, results[1].AgentType)

	// The aggregator row never counts toward completed analyzers.
	n, err = s.CountCompletedAgents(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestShameListOrderingAndUniqueness(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	insert := func(bot float64, order int, at time.Time) *types.ShameEntry {
		a := newAnalysis(nil)
		require.NoError(t, s.CreateAnalysis(ctx, a))
		e := &types.ShameEntry{
			ID:           uuid.New(),
			AnalysisID:   a.ID,
			ProductName:  a.Query,
			Band:         types.BandRed,
			BotScore:     bot,
			Authenticity: 100 - bot,
			Active:       true,
			DisplayOrder: order,
			CreatedAt:    at,
		}
		created, err := s.InsertShameEntry(ctx, e)
		require.NoError(t, err)
		require.True(t, created)
		return e
	}

	now := time.Now().UTC()
	pinned := insert(40, 1, now)
	worst := insert(95, 100, now.Add(-time.Hour))
	newest := insert(95, 100, now)
	mild := insert(60, 100, now)

	// Duplicate analysis id is silently ignored.
	dup := &types.ShameEntry{
		ID: uuid.New(), AnalysisID: pinned.AnalysisID, ProductName: "x",
		Band: types.BandRed, Active: true, DisplayOrder: 100, CreatedAt: now,
	}
	created, err := s.InsertShameEntry(ctx, dup)
	require.NoError(t, err)
	assert.False(t, created)

	entries, err := s.ListShame(ctx, 10)
	require.NoError(t, err)
	require.Len(t, entries, 4)
	assert.Equal(t, pinned.ID, entries[0].ID)
	assert.Equal(t, newest.ID, entries[1].ID)
	assert.Equal(t, worst.ID, entries[2].ID)
	assert.Equal(t, mild.ID, entries[3].ID)

	require.NoError(t, s.DeactivateShameEntry(ctx, mild.ID))
	entries, err = s.ListShame(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, entries, 3)
}

func TestListPublicAnalyses(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	complete := func(at time.Time) *types.Analysis {
		a := newAnalysis(nil)
		require.NoError(t, s.CreateAnalysis(ctx, a))
		require.NoError(t, s.UpdateAnalysisStatus(ctx, a.ID,
			[]types.AnalysisStatus{types.StatusPending}, types.StatusProcessing,
			TransitionFields{StartedAt: &at}))
		auth := 50.0
		band := types.BandYellow
		require.NoError(t, s.UpdateAnalysisStatus(ctx, a.ID,
			[]types.AnalysisStatus{types.StatusProcessing}, types.StatusComplete,
			TransitionFields{CompletedAt: &at, Authenticity: &auth, Band: &band}))
		return a
	}

	now := time.Now().UTC()
	older := complete(now.Add(-time.Hour))
	newer := complete(now)
	pending := newAnalysis(nil)
	require.NoError(t, s.CreateAnalysis(ctx, pending))

	got, err := s.ListPublicAnalyses(ctx, 10)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, newer.ID, got[0].ID)
	assert.Equal(t, older.ID, got[1].ID)

	got, err = s.ListPublicAnalyses(ctx, 1)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, newer.ID, got[0].ID)
}

func TestRetryTimeouts(t *testing.T) {
	ctx := context.Background()

	calls := 0
	err := RetryTimeouts(ctx, 3, time.Millisecond, func() error {
		calls++
		if calls < 3 {
			return ErrTimeout
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)

	// Non-timeout errors are returned immediately.
	boom := errors.New("boom")
	calls = 0
	err = RetryTimeouts(ctx, 3, time.Millisecond, func() error {
		calls++
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, calls)

	// Exhausted attempts surface the timeout.
	err = RetryTimeouts(ctx, 2, time.Millisecond, func() error { return ErrTimeout })
	assert.ErrorIs(t, err, ErrTimeout)
}
