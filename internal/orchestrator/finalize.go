package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/signalzero/signalzero/internal/monitoring"
	"github.com/signalzero/signalzero/internal/push"
	"github.com/signalzero/signalzero/internal/score"
	"github.com/signalzero/signalzero/internal/store"
	"github.com/signalzero/signalzero/internal/topic"
	"github.com/signalzero/signalzero/internal/types"
)

// finalize reduces collected results to a verdict and persists it. Guarded
// so the deadline, the last arrival and shutdown can race safely.
func (o *Orchestrator) finalize(p *pendingRequest) {
	p.finalizeOnce.Do(func() { o.doFinalize(p) })
}

// finalizeFailure moves the analysis to FAILED with the given reason, under
// the same guard as finalize.
func (o *Orchestrator) finalizeFailure(p *pendingRequest, reason string) {
	p.finalizeOnce.Do(func() { o.doFail(p, reason) })
}

func (o *Orchestrator) doFinalize(p *pendingRequest) {
	ctx, cancel := context.WithTimeout(context.Background(), finalizeTimeout)
	defer cancel()

	// Deadline with zero responses while the broker is unhealthy means the
	// agent pool is gone, not slow. The store count is authoritative: a
	// response written but not yet consumed from the arrival channel still
	// counts as an arrival.
	if p.override == nil && p.arrivedCount() == 0 && !o.bus.Healthy() {
		if n, err := o.st.CountCompletedAgents(ctx, p.analysisID); err == nil && n == 0 {
			o.doFail(p, ReasonNoAgents)
			return
		}
	}

	inputs, imputed, err := o.collectInputs(ctx, p)
	if err != nil {
		o.log.Error().Err(err).
			Stringer("analysis_id", p.analysisID).
			Msg("Failed to read agent results, finalization aborted")
		return
	}

	authenticity := score.Authenticity(inputs)
	if p.override != nil {
		authenticity = p.override.Authenticity
	}
	band := score.Classify(authenticity)
	now := o.now().UTC()

	if err := o.writeAggregatorResult(ctx, p, authenticity, imputed, now); err != nil {
		o.log.Error().Err(err).
			Stringer("analysis_id", p.analysisID).
			Msg("Failed to record aggregator result")
	}

	bot := score.Round2(inputs.Bot)
	trend := score.Round2(inputs.Trend)
	review := score.Round2(inputs.Review)
	promotion := score.Round2(inputs.Promotion)
	processingMs := now.Sub(p.startedAt).Milliseconds()

	err = store.RetryTimeouts(ctx, storeRetryAttempts, storeRetryBase, func() error {
		return o.st.UpdateAnalysisStatus(ctx, p.analysisID,
			[]types.AnalysisStatus{types.StatusProcessing}, types.StatusComplete,
			store.TransitionFields{
				CompletedAt:  &now,
				ProcessingMs: &processingMs,
				Bot:          &bot,
				Trend:        &trend,
				Review:       &review,
				Promotion:    &promotion,
				Authenticity: &authenticity,
				Band:         &band,
			})
	})
	if errors.Is(err, store.ErrIllegalTransition) {
		// Already terminal (cancelled or forced); nothing to broadcast.
		return
	}
	if err != nil {
		o.log.Error().Err(err).
			Stringer("analysis_id", p.analysisID).
			Msg("Failed to complete analysis")
		return
	}

	monitoring.AnalysesCompleted.WithLabelValues(string(types.StatusComplete), "").Inc()
	monitoring.AnalysisDuration.Observe(now.Sub(p.startedAt).Seconds())

	if bot >= 60 || authenticity <= 33 {
		o.addToShameList(ctx, p, band, bot, authenticity, now)
	}

	o.broadcastTerminal(p.analysisID, types.StatusComplete, "", now)

	sc := types.ScoreUpdate{
		AnalysisID:   p.analysisID,
		Authenticity: int(authenticity),
		Bot:          int(math.Round(bot)),
		Band:         band,
		CompletedAt:  now,
	}
	o.push.Broadcast(push.Event{
		AnalysisID: p.analysisID,
		Kind:       push.KindScore,
		Score:      &sc,
		At:         now,
	})
	if payload, err := json.Marshal(sc); err == nil {
		if err := o.bus.Publish(topic.ScoreUpdate(p.analysisID), payload, p.correlationID); err != nil {
			o.log.Warn().Err(err).Stringer("analysis_id", p.analysisID).Msg("Failed to publish score update")
		}
	}

	o.log.Info().
		Stringer("analysis_id", p.analysisID).
		Float64("authenticity", authenticity).
		Str("band", string(band)).
		Strs("imputed", imputed).
		Int64("processing_ms", processingMs).
		Msg("Analysis complete")
}

// collectInputs assembles the four analyzer scores, imputing the neutral
// prior for anything missing or failed. Demo overrides replace the whole
// vector and write their synthetic agent results.
func (o *Orchestrator) collectInputs(ctx context.Context, p *pendingRequest) (score.Inputs, []string, error) {
	if p.override != nil {
		ov := p.override
		now := o.now().UTC()
		for _, at := range types.AnalyzerTypes {
			var s float64
			switch at {
			case types.AgentBot:
				s = ov.Bot
			case types.AgentTrend:
				s = ov.Trend
			case types.AgentReview:
				s = ov.Review
			case types.AgentPromotion:
				s = ov.Promotion
			}
			if _, err := o.st.CreateAgentResult(ctx, &types.AgentResult{
				AnalysisID:  p.analysisID,
				AgentType:   at,
				Score:       s,
				Confidence:  100,
				Status:      types.AgentComplete,
				Evidence:    `{"source":"demo-override"}`,
				CreatedAt:   now,
				CompletedAt: &now,
			}); err != nil {
				o.log.Error().Err(err).Str("agent", string(at)).Msg("Failed to record demo result")
			}
		}
		return score.Inputs{Bot: ov.Bot, Trend: ov.Trend, Review: ov.Review, Promotion: ov.Promotion}, nil, nil
	}

	var results []*types.AgentResult
	err := store.RetryTimeouts(ctx, storeRetryAttempts, storeRetryBase, func() error {
		var err error
		results, err = o.st.ListAgentResults(ctx, p.analysisID)
		return err
	})
	if err != nil {
		return score.Inputs{}, nil, err
	}

	byType := make(map[types.AgentType]float64, len(results))
	for _, r := range results {
		if r.Status == types.AgentComplete && r.AgentType != types.AgentAggregator {
			byType[r.AgentType] = r.Score
		}
	}

	var in score.Inputs
	var imputed []string
	get := func(at types.AgentType) float64 {
		if s, ok := byType[at]; ok {
			return s
		}
		imputed = append(imputed, string(at))
		monitoring.AgentScoresImputed.WithLabelValues(string(at)).Inc()
		return score.Fallback
	}
	in.Bot = get(types.AgentBot)
	in.Trend = get(types.AgentTrend)
	in.Review = get(types.AgentReview)
	in.Promotion = get(types.AgentPromotion)
	return in, imputed, nil
}

func (o *Orchestrator) writeAggregatorResult(ctx context.Context, p *pendingRequest, authenticity float64, imputed []string, now time.Time) error {
	if imputed == nil {
		imputed = []string{}
	}
	evidence := map[string]any{"imputed": imputed}
	if p.override != nil {
		evidence["source"] = "demo-override"
	}
	raw, err := json.Marshal(evidence)
	if err != nil {
		return err
	}
	processingMs := now.Sub(p.startedAt).Milliseconds()
	_, err = o.st.CreateAgentResult(ctx, &types.AgentResult{
		AnalysisID:   p.analysisID,
		AgentType:    types.AgentAggregator,
		Score:        authenticity,
		Confidence:   100,
		Status:       types.AgentComplete,
		Evidence:     string(raw),
		ProcessingMs: processingMs,
		CreatedAt:    now,
		CompletedAt:  &now,
	})
	return err
}

func (o *Orchestrator) addToShameList(ctx context.Context, p *pendingRequest, band types.Band, bot, authenticity float64, now time.Time) {
	entry := &types.ShameEntry{
		ID:           uuid.New(),
		AnalysisID:   p.analysisID,
		ProductName:  p.query,
		Band:         band,
		BotScore:     bot,
		Authenticity: authenticity,
		Active:       true,
		DisplayOrder: 100,
		CreatedAt:    now,
	}
	created, err := o.st.InsertShameEntry(ctx, entry)
	if err != nil {
		o.log.Error().Err(err).Stringer("analysis_id", p.analysisID).Msg("Failed to insert shame entry")
		return
	}
	if !created {
		return
	}

	add := types.ShameAdd{
		AnalysisID:   p.analysisID,
		ProductName:  p.query,
		Band:         band,
		Bot:          int(math.Round(bot)),
		Authenticity: int(authenticity),
		CreatedAt:    now,
	}
	if payload, err := json.Marshal(add); err == nil {
		if err := o.bus.Publish(topic.ShameAdd(), payload, p.correlationID); err != nil {
			o.log.Warn().Err(err).Stringer("analysis_id", p.analysisID).Msg("Failed to publish shame add")
		}
	}
	o.log.Info().
		Stringer("analysis_id", p.analysisID).
		Str("product", p.query).
		Float64("bot", bot).
		Msg("Shame list entry added")
}

func (o *Orchestrator) doFail(p *pendingRequest, reason string) {
	ctx, cancel := context.WithTimeout(context.Background(), finalizeTimeout)
	defer cancel()

	now := o.now().UTC()
	processingMs := now.Sub(p.startedAt).Milliseconds()
	err := store.RetryTimeouts(ctx, storeRetryAttempts, storeRetryBase, func() error {
		return o.st.UpdateAnalysisStatus(ctx, p.analysisID,
			[]types.AnalysisStatus{types.StatusPending, types.StatusProcessing},
			types.StatusFailed,
			store.TransitionFields{
				CompletedAt:   &now,
				ProcessingMs:  &processingMs,
				FailureReason: &reason,
			})
	})
	if errors.Is(err, store.ErrIllegalTransition) {
		return
	}
	if err != nil {
		o.log.Error().Err(err).
			Stringer("analysis_id", p.analysisID).
			Str("reason", reason).
			Msg("Failed to fail analysis")
		return
	}

	monitoring.AnalysesCompleted.WithLabelValues(string(types.StatusFailed), reason).Inc()
	monitoring.AnalysisDuration.Observe(now.Sub(p.startedAt).Seconds())
	o.broadcastTerminal(p.analysisID, types.StatusFailed, reason, now)

	o.log.Warn().
		Stringer("analysis_id", p.analysisID).
		Str("reason", reason).
		Msg("Analysis failed")
}

// broadcastTerminal pushes a terminal status event and mirrors it on the
// broker's status topic.
func (o *Orchestrator) broadcastTerminal(id uuid.UUID, status types.AnalysisStatus, reason string, at time.Time) {
	o.push.Broadcast(push.Event{
		AnalysisID: id,
		Kind:       push.KindStatus,
		Status:     status,
		Reason:     reason,
		At:         at,
	})
	o.publishStatus(id, status, reason, at)
}

func (o *Orchestrator) publishStatus(id uuid.UUID, status types.AnalysisStatus, reason string, at time.Time) {
	su := types.StatusUpdate{AnalysisID: id, Status: status, Reason: reason, At: at}
	payload, err := json.Marshal(su)
	if err != nil {
		return
	}
	if err := o.bus.Publish(topic.StatusUpdate(id), payload, topic.CorrelationID(id)); err != nil {
		o.log.Warn().Err(err).Stringer("analysis_id", id).Msg("Failed to publish status update")
	}
}
