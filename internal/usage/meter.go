// Package usage enforces per-tier monthly analysis quotas. Reservations are
// serialized per user through lock striping, and the month-boundary reset is
// applied lazily on the first reservation after the boundary.
package usage

import (
	"context"
	"hash/fnv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/signalzero/signalzero/internal/monitoring"
	"github.com/signalzero/signalzero/internal/store"
	"github.com/signalzero/signalzero/internal/types"
)

// Denial reasons carried on a Decision.
const (
	ReasonInactive      = "inactive"
	ReasonQuotaExceeded = "quota-exceeded"
)

const lockStripes = 64

// Limits holds the monthly allowance per tier. ENTERPRISE is unbounded and
// has no entry.
type Limits struct {
	Public   int
	Free     int
	Pro      int
	Business int
}

// DefaultLimits mirror the product tiers.
var DefaultLimits = Limits{Public: 0, Free: 3, Pro: 100, Business: 1000}

// ForTier returns the monthly limit, negative meaning unbounded. Unknown
// tiers get the PUBLIC allowance.
func (l Limits) ForTier(t types.Tier) int {
	switch t {
	case types.TierFree:
		return l.Free
	case types.TierPro:
		return l.Pro
	case types.TierBusiness:
		return l.Business
	case types.TierEnterprise:
		return -1
	default:
		return l.Public
	}
}

// Decision is the outcome of one reservation. Remaining and ResetAt are only
// meaningful on denial; Remaining is negative for unbounded tiers.
type Decision struct {
	Admitted  bool
	Reason    string
	Remaining int
	ResetAt   time.Time
}

// Meter gates analysis admission against the store-backed counters.
type Meter struct {
	store  *store.Store
	limits Limits
	log    zerolog.Logger
	now    func() time.Time

	locks [lockStripes]sync.Mutex
}

// NewMeter builds a meter over the given store.
func NewMeter(st *store.Store, limits Limits, logger zerolog.Logger) *Meter {
	return &Meter{
		store:  st,
		limits: limits,
		log:    logger.With().Str("component", "usage").Logger(),
		now:    time.Now,
	}
}

func (m *Meter) lockFor(id uuid.UUID) *sync.Mutex {
	h := fnv.New32a()
	h.Write(id[:])
	return &m.locks[h.Sum32()%lockStripes]
}

// Reserve consumes one analysis slot for the user. The sequence load, lazy
// month reset, conditional increment runs under the user's lock stripe so
// concurrent submissions cannot overshoot the limit.
func (m *Meter) Reserve(ctx context.Context, userID uuid.UUID) (Decision, error) {
	mu := m.lockFor(userID)
	mu.Lock()
	defer mu.Unlock()

	now := m.now().UTC()

	u, err := m.store.GetUser(ctx, userID)
	if err != nil {
		return Decision{}, err
	}
	if !u.Active {
		monitoring.QuotaDenied.WithLabelValues(ReasonInactive).Inc()
		return Decision{Reason: ReasonInactive, ResetAt: nextMonth(now)}, nil
	}

	if monthChanged(u.LastReset.UTC(), now) {
		reset, err := m.store.ResetUsageIfMonthChanged(ctx, userID, now)
		if err != nil {
			return Decision{}, err
		}
		if reset {
			u.UsedThisMonth = 0
			m.log.Debug().Stringer("user_id", userID).Msg("Monthly usage reset")
		} else {
			// Another instance reset first; reload for an accurate count.
			if u, err = m.store.GetUser(ctx, userID); err != nil {
				return Decision{}, err
			}
		}
	}

	limit := m.limits.ForTier(u.Tier)
	ok, err := m.store.IncrementUsage(ctx, userID, limit)
	if err != nil {
		return Decision{}, err
	}
	if !ok {
		monitoring.QuotaDenied.WithLabelValues(ReasonQuotaExceeded).Inc()
		remaining := limit - u.UsedThisMonth
		if remaining < 0 {
			remaining = 0
		}
		return Decision{
			Reason:    ReasonQuotaExceeded,
			Remaining: remaining,
			ResetAt:   nextMonth(now),
		}, nil
	}

	remaining := -1
	if limit >= 0 {
		remaining = limit - u.UsedThisMonth - 1
	}
	return Decision{Admitted: true, Remaining: remaining, ResetAt: nextMonth(now)}, nil
}

// Release refunds one reservation. Called only when an analysis never left
// PENDING; quota is otherwise consumed even by failed analyses.
func (m *Meter) Release(ctx context.Context, userID uuid.UUID) error {
	mu := m.lockFor(userID)
	mu.Lock()
	defer mu.Unlock()
	return m.store.ReleaseUsage(ctx, userID)
}

func monthChanged(last, now time.Time) bool {
	return last.Year() != now.Year() || last.Month() != now.Month()
}

// nextMonth is the first instant of the following calendar month in UTC.
func nextMonth(now time.Time) time.Time {
	return time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC).AddDate(0, 1, 0)
}
