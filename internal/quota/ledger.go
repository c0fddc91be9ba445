package quota

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/zoomjudge/eval-engine/pkg/models"
)

// Ledger tracks per-user monthly usage windows. Increments are serialized
// per (userId, month) by optimistic locking on the window's version field;
// the orchestrator checks the ledger before admission and increments on
// terminal decisions only.

const (
	incrementAttempts = 3
	retrySleepBase    = 50 * time.Millisecond
)

// UsageStore is the persistence surface, implemented by the Postgres store.
// PutWindow with expectedVersion 0 inserts; any other value is a CAS update
// that reports false on version conflict.
type UsageStore interface {
	GetWindow(ctx context.Context, userID, month string) (models.UsageWindow, bool, error)
	PutWindow(ctx context.Context, w models.UsageWindow, expectedVersion int) (bool, error)
	StaleWindows(ctx context.Context, cutoff time.Time) ([]models.UsageWindow, error)
}

// TierResolver maps a user onto a subscription tier. Identity and billing
// live outside this service; the resolver is the contract at that seam.
type TierResolver func(userID string) models.SubscriptionTier

type Ledger struct {
	store UsageStore
	tiers TierResolver
	now   func() time.Time
}

func NewLedger(store UsageStore, tiers TierResolver) *Ledger {
	if tiers == nil {
		tiers = func(string) models.SubscriptionTier { return models.TierFree }
	}
	return &Ledger{store: store, tiers: tiers, now: time.Now}
}

// Decision is the admission verdict for one user.
type Decision struct {
	Allowed bool
	Used    int
	Limit   int
	Tier    models.SubscriptionTier
	Reason  string
}

// MonthKey formats a UTC month as "YYYY-MM".
func MonthKey(t time.Time) string {
	return t.UTC().Format("2006-01")
}

// NextReset returns the first instant of the month after t, UTC.
func NextReset(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), 1, 0, 0, 0, 0, time.UTC).AddDate(0, 1, 0)
}

// CanEvaluate checks the current window against the user's tier cap. It
// never mutates state: a window that has lapsed simply reads as empty.
func (l *Ledger) CanEvaluate(ctx context.Context, userID string) (Decision, error) {
	now := l.now()
	tier := l.tiers(userID)
	limit := TierCap(tier)

	w, ok, err := l.store.GetWindow(ctx, userID, MonthKey(now))
	if err != nil {
		return Decision{}, fmt.Errorf("quota: read window: %w", err)
	}

	used := 0
	if ok {
		if now.Before(w.ResetAt) {
			used = w.EvaluationsCount
		}
		// Persisted tier wins over the resolver when present: the reset
		// task stamps tier changes into the window.
		if w.Tier != "" {
			tier = w.Tier
			limit = TierCap(tier)
		}
	}

	d := Decision{Used: used, Limit: limit, Tier: tier}
	if limit == Unbounded || used < limit {
		d.Allowed = true
		return d, nil
	}
	d.Reason = fmt.Sprintf("monthly evaluation cap reached (%d/%d)", used, limit)
	return d, nil
}

// Increment adds one evaluation to the user's current window, rolling a
// lapsed window forward first. Version conflicts retry with exponential
// sleep, bounded at three attempts.
func (l *Ledger) Increment(ctx context.Context, userID string) error {
	sleep := retrySleepBase
	var lastErr error

	for attempt := 1; attempt <= incrementAttempts; attempt++ {
		ok, err := l.tryIncrement(ctx, userID)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		lastErr = fmt.Errorf("quota: version conflict for user %s", userID)
		if attempt < incrementAttempts {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(sleep):
			}
			sleep *= 2
		}
	}
	return lastErr
}

func (l *Ledger) tryIncrement(ctx context.Context, userID string) (bool, error) {
	now := l.now()
	month := MonthKey(now)

	w, ok, err := l.store.GetWindow(ctx, userID, month)
	if err != nil {
		return false, fmt.Errorf("quota: read window: %w", err)
	}
	if !ok {
		fresh := models.UsageWindow{
			UserID:           userID,
			Month:            month,
			EvaluationsCount: 1,
			Tier:             l.tiers(userID),
			ResetAt:          NextReset(now),
			Version:          1,
		}
		return l.store.PutWindow(ctx, fresh, 0)
	}

	// Any increment after resetAt rolls the window forward first.
	if !now.Before(w.ResetAt) {
		w.EvaluationsCount = 0
		w.ResetAt = NextReset(now)
	}
	expected := w.Version
	w.EvaluationsCount++
	w.Version++
	return l.store.PutWindow(ctx, w, expected)
}

// ResetExpired sweeps windows whose resetAt has passed and opens the current
// month for those users. Running it twice in a row is a no-op after the
// first pass.
func (l *Ledger) ResetExpired(ctx context.Context) error {
	now := l.now()
	month := MonthKey(now)

	stale, err := l.store.StaleWindows(ctx, now)
	if err != nil {
		return fmt.Errorf("quota: list stale windows: %w", err)
	}

	reset := 0
	for _, w := range stale {
		if w.Month == month {
			continue
		}
		if _, exists, err := l.store.GetWindow(ctx, w.UserID, month); err != nil {
			return err
		} else if exists {
			continue
		}
		fresh := models.UsageWindow{
			UserID:  w.UserID,
			Month:   month,
			Tier:    w.Tier,
			ResetAt: NextReset(now),
			Version: 1,
		}
		if ok, err := l.store.PutWindow(ctx, fresh, 0); err != nil {
			return err
		} else if ok {
			reset++
		}
	}
	if reset > 0 {
		log.Printf("[Quota] Rolled %d usage windows into %s", reset, month)
	}
	return nil
}
