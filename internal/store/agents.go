package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/signalzero/signalzero/internal/types"
)

type agentResultRow struct {
	AnalysisID   string       `db:"analysis_id"`
	AgentType    string       `db:"agent_type"`
	Score        float64      `db:"score"`
	Confidence   float64      `db:"confidence"`
	Status       string       `db:"status"`
	Evidence     string       `db:"evidence"`
	ProcessingMs int64        `db:"processing_ms"`
	CreatedAt    time.Time    `db:"created_at"`
	CompletedAt  sql.NullTime `db:"completed_at"`
}

func (r *agentResultRow) toDomain() (*types.AgentResult, error) {
	id, err := uuid.Parse(r.AnalysisID)
	if err != nil {
		return nil, fmt.Errorf("corrupt analysis id %q: %w", r.AnalysisID, err)
	}
	res := &types.AgentResult{
		AnalysisID:   id,
		AgentType:    types.AgentType(r.AgentType),
		Score:        r.Score,
		Confidence:   r.Confidence,
		Status:       types.AgentResultStatus(r.Status),
		Evidence:     r.Evidence,
		ProcessingMs: r.ProcessingMs,
		CreatedAt:    r.CreatedAt,
	}
	if r.CompletedAt.Valid {
		t := r.CompletedAt.Time
		res.CompletedAt = &t
	}
	return res, nil
}

// CreateAgentResult records one analyzer slot for an analysis. The
// orchestrator inserts PENDING rows at fan-out time, FAILED rows when a
// publish is rejected, and fully-populated rows for the aggregator and demo
// overrides. A replay on the same (analysisId, agentType) changes nothing
// and reports created=false.
func (s *Store) CreateAgentResult(ctx context.Context, r *types.AgentResult) (created bool, err error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	var completedAt any
	if r.CompletedAt != nil {
		completedAt = r.CompletedAt.UTC()
	}
	evidence := r.Evidence
	if evidence == "" {
		evidence = "{}"
	}
	res, err := s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO agent_results (analysis_id, agent_type, score, confidence,
			status, evidence, processing_ms, created_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (analysis_id, agent_type) DO NOTHING`),
		r.AnalysisID.String(), r.AgentType, r.Score, r.Confidence,
		r.Status, evidence, r.ProcessingMs, r.CreatedAt.UTC(), completedAt)
	if err != nil {
		return false, mapErr(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, mapErr(err)
	}
	return n == 1, nil
}

// CompleteAgentResult applies an agent response to its PENDING row. The first
// delivery wins; duplicates find the row already settled and report
// updated=false, leaving the store byte-identical to a single delivery.
func (s *Store) CompleteAgentResult(ctx context.Context, r *types.AgentResult) (updated bool, err error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	var completedAt any
	if r.CompletedAt != nil {
		completedAt = r.CompletedAt.UTC()
	}
	evidence := r.Evidence
	if evidence == "" {
		evidence = "{}"
	}
	res, err := s.db.ExecContext(ctx, s.rebind(`
		UPDATE agent_results
		SET score = ?, confidence = ?, status = ?, evidence = ?,
			processing_ms = ?, completed_at = ?
		WHERE analysis_id = ? AND agent_type = ? AND status = ?`),
		r.Score, r.Confidence, r.Status, evidence, r.ProcessingMs, completedAt,
		r.AnalysisID.String(), r.AgentType, types.AgentPending)
	if err != nil {
		return false, mapErr(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, mapErr(err)
	}
	return n == 1, nil
}

// CountCompletedAgents reports how many analyzers have settled a COMPLETE
// result for the analysis. The aggregator's own row is excluded.
func (s *Store) CountCompletedAgents(ctx context.Context, analysisID uuid.UUID) (int, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	var n int
	err := s.db.GetContext(ctx, &n, s.rebind(`
		SELECT COUNT(*) FROM agent_results
		WHERE analysis_id = ? AND status = ? AND agent_type != ?`),
		analysisID.String(), types.AgentComplete, types.AgentAggregator)
	if err != nil {
		return 0, mapErr(err)
	}
	return n, nil
}

// ListAgentResults returns all recorded contributions for one analysis,
// analyzers first, aggregator last.
func (s *Store) ListAgentResults(ctx context.Context, analysisID uuid.UUID) ([]*types.AgentResult, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	var rows []agentResultRow
	err := s.db.SelectContext(ctx, &rows, s.rebind(`
		SELECT analysis_id, agent_type, score, confidence, status, evidence,
			processing_ms, created_at, completed_at
		FROM agent_results WHERE analysis_id = ?
		ORDER BY agent_type = 'aggregator', agent_type`), analysisID.String())
	if err != nil {
		return nil, mapErr(err)
	}
	out := make([]*types.AgentResult, 0, len(rows))
	for i := range rows {
		r, err := rows[i].toDomain()
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}
