package store

import (
	"context"

	"github.com/google/uuid"

	"github.com/signalzero/signalzero/internal/types"
)

// InsertShameEntry adds an analysis to the shame list. At most one entry per
// analysis exists; a replay reports created=false and changes nothing.
func (s *Store) InsertShameEntry(ctx context.Context, e *types.ShameEntry) (created bool, err error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	res, err := s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO shame_list (id, analysis_id, product_name, band, bot_score,
			authenticity_score, active, display_order, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (analysis_id) DO NOTHING`),
		e.ID.String(), e.AnalysisID.String(), e.ProductName, e.Band,
		e.BotScore, e.Authenticity, e.Active, e.DisplayOrder, e.CreatedAt.UTC())
	if err != nil {
		return false, mapErr(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, mapErr(err)
	}
	return n == 1, nil
}

// ListShame returns active entries in display order: pinned entries first
// (lower display_order), then the most manipulated, then the most recent.
func (s *Store) ListShame(ctx context.Context, limit int) ([]*types.ShameEntry, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	var out []*types.ShameEntry
	err := s.db.SelectContext(ctx, &out, s.rebind(`
		SELECT id, analysis_id, product_name, band, bot_score,
			authenticity_score, active, display_order, created_at
		FROM shame_list WHERE active
		ORDER BY display_order ASC, bot_score DESC, created_at DESC
		LIMIT ?`), limit)
	if err != nil {
		return nil, mapErr(err)
	}
	return out, nil
}

// DeactivateShameEntry hides an entry without deleting it.
func (s *Store) DeactivateShameEntry(ctx context.Context, id uuid.UUID) error {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	_, err := s.db.ExecContext(ctx, s.rebind(`
		UPDATE shame_list SET active = FALSE WHERE id = ?`), id.String())
	return mapErr(err)
}
