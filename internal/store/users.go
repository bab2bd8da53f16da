package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/signalzero/signalzero/internal/types"
)

// EnsureUser inserts the user if missing. Existing rows are untouched, so it
// is safe to call on every authenticated request.
func (s *Store) EnsureUser(ctx context.Context, id uuid.UUID, tier types.Tier) error {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO users (id, tier, used_this_month, last_reset, active, created_at)
		VALUES (?, ?, 0, ?, TRUE, ?)
		ON CONFLICT (id) DO NOTHING`),
		id.String(), tier, now, now)
	return mapErr(err)
}

// GetUser loads one user row.
func (s *Store) GetUser(ctx context.Context, id uuid.UUID) (*types.User, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	var u types.User
	err := s.db.GetContext(ctx, &u, s.rebind(`
		SELECT id, tier, used_this_month, last_reset, active, created_at
		FROM users WHERE id = ?`), id.String())
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, mapErr(err)
	}
	return &u, nil
}

// IncrementUsage bumps the monthly counter only while it is under limit.
// A negative limit means unbounded. Returns whether the increment happened;
// on failure nothing is mutated.
func (s *Store) IncrementUsage(ctx context.Context, id uuid.UUID, limit int) (bool, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	var (
		res sql.Result
		err error
	)
	if limit < 0 {
		res, err = s.db.ExecContext(ctx, s.rebind(`
			UPDATE users SET used_this_month = used_this_month + 1
			WHERE id = ? AND active`), id.String())
	} else {
		res, err = s.db.ExecContext(ctx, s.rebind(`
			UPDATE users SET used_this_month = used_this_month + 1
			WHERE id = ? AND active AND used_this_month < ?`), id.String(), limit)
	}
	if err != nil {
		return false, mapErr(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, mapErr(err)
	}
	return n == 1, nil
}

// ReleaseUsage refunds one reservation. Used when an analysis never left
// PENDING. Never drops the counter below zero.
func (s *Store) ReleaseUsage(ctx context.Context, id uuid.UUID) error {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	_, err := s.db.ExecContext(ctx, s.rebind(`
		UPDATE users SET used_this_month = used_this_month - 1
		WHERE id = ? AND used_this_month > 0`), id.String())
	return mapErr(err)
}

// ResetUsageIfMonthChanged zeroes the monthly counter only when the stored
// last_reset lies outside now's calendar month. The predicate runs inside the
// UPDATE, so two service instances sharing one database cannot race a reset
// against an increment. Returns whether this call performed the reset.
func (s *Store) ResetUsageIfMonthChanged(ctx context.Context, id uuid.UUID, now time.Time) (bool, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	now = now.UTC()
	monthStart := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	nextMonth := monthStart.AddDate(0, 1, 0)
	res, err := s.db.ExecContext(ctx, s.rebind(`
		UPDATE users SET used_this_month = 0, last_reset = ?
		WHERE id = ? AND (last_reset < ? OR last_reset >= ?)`),
		now, id.String(), monthStart, nextMonth)
	if err != nil {
		return false, mapErr(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, mapErr(err)
	}
	return n == 1, nil
}

// SetUserActive flips the active flag; users are never deleted.
func (s *Store) SetUserActive(ctx context.Context, id uuid.UUID, active bool) error {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	_, err := s.db.ExecContext(ctx, s.rebind(`
		UPDATE users SET active = ? WHERE id = ?`), active, id.String())
	return mapErr(err)
}

// SetUserTier changes a user's tier (admin operation).
func (s *Store) SetUserTier(ctx context.Context, id uuid.UUID, tier types.Tier) error {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	_, err := s.db.ExecContext(ctx, s.rebind(`
		UPDATE users SET tier = ? WHERE id = ?`), tier, id.String())
	return mapErr(err)
}
