package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/signalzero/signalzero/internal/types"
)

// analysisRow mirrors the analyses table with driver-friendly null types.
type analysisRow struct {
	ID            string          `db:"id"`
	UserID        sql.NullString  `db:"user_id"`
	Query         string          `db:"query"`
	QueryType     string          `db:"query_type"`
	Platform      string          `db:"platform"`
	Status        string          `db:"status"`
	BotScore      sql.NullFloat64 `db:"bot_score"`
	TrendScore    sql.NullFloat64 `db:"trend_score"`
	ReviewScore   sql.NullFloat64 `db:"review_score"`
	PromoScore    sql.NullFloat64 `db:"promotion_score"`
	Authenticity  sql.NullFloat64 `db:"authenticity_score"`
	Band          sql.NullString  `db:"band"`
	CorrelationID string          `db:"correlation_id"`
	FailureReason string          `db:"failure_reason"`
	CreatedAt     time.Time       `db:"created_at"`
	StartedAt     sql.NullTime    `db:"started_at"`
	CompletedAt   sql.NullTime    `db:"completed_at"`
	ProcessingMs  sql.NullInt64   `db:"processing_ms"`
}

const analysisColumns = `id, user_id, query, query_type, platform, status,
	bot_score, trend_score, review_score, promotion_score, authenticity_score,
	band, correlation_id, failure_reason, created_at, started_at, completed_at,
	processing_ms`

func (r *analysisRow) toDomain() (*types.Analysis, error) {
	id, err := uuid.Parse(r.ID)
	if err != nil {
		return nil, fmt.Errorf("corrupt analysis id %q: %w", r.ID, err)
	}
	a := &types.Analysis{
		ID:            id,
		Query:         r.Query,
		QueryType:     r.QueryType,
		Platform:      r.Platform,
		Status:        types.AnalysisStatus(r.Status),
		CorrelationID: r.CorrelationID,
		FailureReason: r.FailureReason,
		CreatedAt:     r.CreatedAt,
	}
	if r.UserID.Valid {
		uid, err := uuid.Parse(r.UserID.String)
		if err != nil {
			return nil, fmt.Errorf("corrupt user id %q: %w", r.UserID.String, err)
		}
		a.UserID = &uid
	}
	if r.BotScore.Valid {
		a.BotScore = &r.BotScore.Float64
	}
	if r.TrendScore.Valid {
		a.TrendScore = &r.TrendScore.Float64
	}
	if r.ReviewScore.Valid {
		a.ReviewScore = &r.ReviewScore.Float64
	}
	if r.PromoScore.Valid {
		a.PromotionScore = &r.PromoScore.Float64
	}
	if r.Authenticity.Valid {
		a.Authenticity = &r.Authenticity.Float64
	}
	if r.Band.Valid {
		band := types.Band(r.Band.String)
		a.Band = &band
	}
	if r.StartedAt.Valid {
		t := r.StartedAt.Time
		a.StartedAt = &t
	}
	if r.CompletedAt.Valid {
		t := r.CompletedAt.Time
		a.CompletedAt = &t
	}
	if r.ProcessingMs.Valid {
		a.ProcessingMs = &r.ProcessingMs.Int64
	}
	return a, nil
}

// CreateAnalysis inserts a fresh PENDING record. A correlation id collision
// returns ErrDuplicateCorrelation without mutating anything.
func (s *Store) CreateAnalysis(ctx context.Context, a *types.Analysis) error {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	var userID any
	if a.UserID != nil {
		userID = a.UserID.String()
	}
	_, err := s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO analyses (id, user_id, query, query_type, platform, status,
			correlation_id, failure_reason, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, '', ?)`),
		a.ID.String(), userID, a.Query, a.QueryType, a.Platform,
		a.Status, a.CorrelationID, a.CreatedAt.UTC())
	if isUniqueViolation(err) {
		return fmt.Errorf("analysis %s: %w", a.ID, ErrDuplicateCorrelation)
	}
	return mapErr(err)
}

// TransitionFields carries the optional columns set alongside a status
// transition. Nil fields are left untouched.
type TransitionFields struct {
	StartedAt     *time.Time
	CompletedAt   *time.Time
	ProcessingMs  *int64
	FailureReason *string

	// Scores and band are written together, exactly once, at COMPLETE.
	Bot          *float64
	Trend        *float64
	Review       *float64
	Promotion    *float64
	Authenticity *float64
	Band         *types.Band
}

// UpdateAnalysisStatus performs a conditional transition: the update applies
// only while the current status is in fromSet; otherwise ErrIllegalTransition
// is returned and nothing changes. Every status mutation in the system goes
// through here.
func (s *Store) UpdateAnalysisStatus(ctx context.Context, id uuid.UUID, fromSet []types.AnalysisStatus, to types.AnalysisStatus, fields TransitionFields) error {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	set := []string{"status = ?"}
	args := []any{to}

	add := func(col string, v any) {
		set = append(set, col+" = ?")
		args = append(args, v)
	}
	if fields.StartedAt != nil {
		add("started_at", fields.StartedAt.UTC())
	}
	if fields.CompletedAt != nil {
		add("completed_at", fields.CompletedAt.UTC())
	}
	if fields.ProcessingMs != nil {
		add("processing_ms", *fields.ProcessingMs)
	}
	if fields.FailureReason != nil {
		add("failure_reason", *fields.FailureReason)
	}
	if fields.Bot != nil {
		add("bot_score", *fields.Bot)
	}
	if fields.Trend != nil {
		add("trend_score", *fields.Trend)
	}
	if fields.Review != nil {
		add("review_score", *fields.Review)
	}
	if fields.Promotion != nil {
		add("promotion_score", *fields.Promotion)
	}
	if fields.Authenticity != nil {
		add("authenticity_score", *fields.Authenticity)
	}
	if fields.Band != nil {
		add("band", *fields.Band)
	}

	placeholders := make([]string, len(fromSet))
	for i, from := range fromSet {
		placeholders[i] = "?"
		args = append(args, from)
	}
	args = append(args, id.String())

	query := fmt.Sprintf(`UPDATE analyses SET %s WHERE status IN (%s) AND id = ?`,
		strings.Join(set, ", "), strings.Join(placeholders, ", "))

	// Bindvar order must match: SET args, then IN list, then id.
	reordered := append([]any{}, args...)
	res, err := s.db.ExecContext(ctx, s.rebind(query), reordered...)
	if err != nil {
		return mapErr(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return mapErr(err)
	}
	if n == 0 {
		return fmt.Errorf("analysis %s -> %s: %w", id, to, ErrIllegalTransition)
	}
	return nil
}

// GetAnalysis loads one analysis.
func (s *Store) GetAnalysis(ctx context.Context, id uuid.UUID) (*types.Analysis, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	var row analysisRow
	err := s.db.GetContext(ctx, &row, s.rebind(
		`SELECT `+analysisColumns+` FROM analyses WHERE id = ?`), id.String())
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, mapErr(err)
	}
	return row.toDomain()
}

// FindByCorrelation resolves an analysis by its correlation id.
func (s *Store) FindByCorrelation(ctx context.Context, correlationID string) (*types.Analysis, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	var row analysisRow
	err := s.db.GetContext(ctx, &row, s.rebind(
		`SELECT `+analysisColumns+` FROM analyses WHERE correlation_id = ?`), correlationID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, mapErr(err)
	}
	return row.toDomain()
}

// ListPublicAnalyses returns the most recent completed analyses for the
// public feed.
func (s *Store) ListPublicAnalyses(ctx context.Context, limit int) ([]*types.Analysis, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	var rows []analysisRow
	err := s.db.SelectContext(ctx, &rows, s.rebind(
		`SELECT `+analysisColumns+` FROM analyses
		 WHERE status = ? ORDER BY completed_at DESC LIMIT ?`),
		types.StatusComplete, limit)
	if err != nil {
		return nil, mapErr(err)
	}
	out := make([]*types.Analysis, 0, len(rows))
	for i := range rows {
		a, err := rows[i].toDomain()
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, nil
}
