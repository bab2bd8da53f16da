package orchestrator

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/google/uuid"

	"github.com/signalzero/signalzero/internal/monitoring"
	"github.com/signalzero/signalzero/internal/store"
	"github.com/signalzero/signalzero/internal/topic"
	"github.com/signalzero/signalzero/internal/types"
)

// Drop reasons for agent responses.
const (
	dropMalformed          = "malformed"
	dropLate               = "late"
	dropUnknownCorrelation = "unknown_correlation"
)

// handleAgentResponse runs on the broker's handler pool, so it only parses
// and validates; the store work is handed to the worker pool.
func (o *Orchestrator) handleAgentResponse(t string, payload []byte, correlationID string) {
	parsed, err := topic.Parse(t)
	if err != nil || parsed.Kind != topic.KindAgentResponse {
		monitoring.UnknownTopics.Inc()
		o.log.Warn().Str("topic", t).Msg("Discarding delivery on unknown topic")
		return
	}

	var resp types.AgentResponse
	if err := json.Unmarshal(payload, &resp); err != nil {
		o.dropResponse(dropMalformed, t, "undecodable payload")
		return
	}
	if !validResponse(&resp, parsed.AgentType, correlationID) {
		o.dropResponse(dropMalformed, t, "failed validation")
		return
	}

	monitoring.AgentResponsesReceived.WithLabelValues(string(resp.AgentType)).Inc()
	o.pool.Submit(func() { o.recordAgentResponse(&resp) })
}

// validResponse enforces the wire contract: a known analyzer type matching
// the topic, scores in range, a terminal agent status, and a correlation id
// that agrees with the analysis id.
func validResponse(resp *types.AgentResponse, topicAgent types.AgentType, correlationID string) bool {
	if resp.AnalysisID == uuid.Nil {
		return false
	}
	switch resp.AgentType {
	case types.AgentBot, types.AgentTrend, types.AgentReview, types.AgentPromotion:
	default:
		return false
	}
	if topicAgent != resp.AgentType {
		return false
	}
	if resp.Score < 0 || resp.Score > 100 || resp.Confidence < 0 || resp.Confidence > 100 {
		return false
	}
	switch resp.Status {
	case types.AgentComplete, types.AgentFailed, types.AgentTimeout:
	default:
		return false
	}
	if correlationID != "" && correlationID != resp.AnalysisID.String() {
		return false
	}
	return true
}

// recordAgentResponse persists one validated response and wakes the waiting
// lifecycle goroutine. Runs on the worker pool.
func (o *Orchestrator) recordAgentResponse(resp *types.AgentResponse) {
	ctx, cancel := context.WithTimeout(context.Background(), finalizeTimeout)
	defer cancel()

	p := o.lookupPending(resp.AnalysisID)
	if p == nil {
		a, err := o.st.GetAnalysis(ctx, resp.AnalysisID)
		if errors.Is(err, store.ErrNotFound) {
			o.dropResponse(dropUnknownCorrelation, "", resp.AnalysisID.String())
			return
		}
		if err != nil {
			o.log.Error().Err(err).Stringer("analysis_id", resp.AnalysisID).Msg("Failed to resolve analysis for response")
			return
		}
		if a.Status.Terminal() {
			// Late responses are kept for forensic value but trigger no
			// broadcast and never regress the analysis.
			o.writeResult(ctx, resp)
			o.dropResponse(dropLate, "", resp.AnalysisID.String())
			return
		}
	}

	o.writeResult(ctx, resp)
	if p != nil {
		p.notify(resp.AgentType)
	}
}

func (o *Orchestrator) writeResult(ctx context.Context, resp *types.AgentResponse) {
	evidence := "{}"
	if len(resp.Evidence) > 0 {
		if raw, err := json.Marshal(resp.Evidence); err == nil {
			evidence = string(raw)
		}
	}
	now := o.now().UTC()
	completedAt := resp.ProducedAt
	if completedAt.IsZero() {
		completedAt = now
	}
	updated, err := o.st.CompleteAgentResult(ctx, &types.AgentResult{
		AnalysisID:   resp.AnalysisID,
		AgentType:    resp.AgentType,
		Score:        resp.Score,
		Confidence:   resp.Confidence,
		Status:       resp.Status,
		Evidence:     evidence,
		ProcessingMs: resp.ProcessingMs,
		CompletedAt:  &completedAt,
	})
	if err != nil {
		o.log.Error().Err(err).
			Stringer("analysis_id", resp.AnalysisID).
			Str("agent", string(resp.AgentType)).
			Msg("Failed to write agent result")
		return
	}
	if !updated {
		o.log.Debug().
			Stringer("analysis_id", resp.AnalysisID).
			Str("agent", string(resp.AgentType)).
			Msg("Duplicate agent response, store unchanged")
	}
}

func (o *Orchestrator) dropResponse(reason, topicName, detail string) {
	monitoring.AgentResponsesDropped.WithLabelValues(reason).Inc()
	o.log.Warn().
		Str("reason", reason).
		Str("topic", topicName).
		Str("detail", detail).
		Msg("Agent response dropped")
}
