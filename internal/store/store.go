// Package store owns all persisted state: users, analyses, agent results and
// the shame list. Repositories expose conditional updates so status
// transitions and quota increments are race-free at the database level.
//
// Two drivers are supported through sqlx: sqlite3 for local/default use and
// pgx (PostgreSQL) for production. Queries are written with "?" bindvars and
// rebound per driver.
package store

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"github.com/pressly/goose/v3"
	"github.com/rs/zerolog"

	"github.com/signalzero/signalzero/internal/monitoring"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Sentinel errors callers match with errors.Is.
var (
	// ErrDuplicateCorrelation signals a correlation id collision on insert.
	ErrDuplicateCorrelation = errors.New("store: duplicate correlation id")

	// ErrIllegalTransition signals a conditional status update whose
	// precondition did not hold.
	ErrIllegalTransition = errors.New("store: illegal status transition")

	// ErrTimeout signals the per-operation deadline elapsed before the
	// statement finished.
	ErrTimeout = errors.New("store: operation timed out")

	// ErrNotFound signals a lookup with no matching row.
	ErrNotFound = errors.New("store: not found")
)

// Store wraps the database handle and per-operation timeout.
type Store struct {
	db        *sqlx.DB
	log       zerolog.Logger
	opTimeout time.Duration
}

// Open connects, applies migrations and returns a ready Store.
func Open(driver, dsn string, opTimeout time.Duration, logger zerolog.Logger) (*Store, error) {
	db, err := sqlx.Connect(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if driver == "sqlite3" {
		// A single writer avoids SQLITE_BUSY under concurrent transitions.
		db.SetMaxOpenConns(1)
	}

	goose.SetBaseFS(migrations)
	if err := goose.SetDialect(gooseDialect(driver)); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set migration dialect: %w", err)
	}
	if err := goose.Up(db.DB, "migrations"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	s := &Store{
		db:        db,
		log:       logger.With().Str("component", "store").Logger(),
		opTimeout: opTimeout,
	}
	s.log.Info().Str("driver", driver).Msg("Store opened, migrations applied")
	return s, nil
}

func gooseDialect(driver string) string {
	if driver == "pgx" {
		return "postgres"
	}
	return driver
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping verifies connectivity, for health checks.
func (s *Store) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.opTimeout)
	defer cancel()
	return s.db.PingContext(ctx)
}

// opCtx bounds one store operation by the configured timeout.
func (s *Store) opCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.opTimeout)
}

// mapErr translates driver errors into the store's sentinel errors.
func mapErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	return err
}

// isUniqueViolation detects unique-constraint failures across both drivers.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") || // sqlite3
		strings.Contains(msg, "SQLSTATE 23505") || // pgx
		strings.Contains(msg, "duplicate key value violates unique constraint")
}

// rebind adapts "?" bindvars to the active driver.
func (s *Store) rebind(query string) string {
	return s.db.Rebind(query)
}

// RetryTimeouts runs fn up to attempts times, retrying only on ErrTimeout
// with jittered backoff. Used by the orchestrator around status transitions.
func RetryTimeouts(ctx context.Context, attempts int, base time.Duration, fn func() error) error {
	var err error
	for i := 0; i < attempts; i++ {
		err = fn()
		if err == nil || !errors.Is(err, ErrTimeout) {
			return err
		}
		monitoring.StoreRetries.Inc()
		delay := base << i
		delay += time.Duration(rand.Int63n(int64(delay)/2 + 1))
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}
