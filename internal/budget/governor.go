package budget

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"tacit/internal/store"
)

// thresholds are spend fractions that emit one warning event each as
// they are crossed within a period.
var thresholds = []int{80, 90, 100}

// Reservation is the token a caller holds between Reserve and
// Reconcile or Cancel.
type Reservation struct {
	IdempotencyKey     string
	Model              string
	EstimatedCostCents int64
	// Settled reports that a previous run already finished this call;
	// the caller should skip the API call and reuse the recorded result.
	Settled bool
}

// Governor mediates every external AI call against the ledger. Reserve
// before calling, Reconcile after, Cancel when the call never went out.
// Reservation counts the worst case so a crash between the two steps
// can only over-count, never overspend.
type Governor struct {
	store   *store.Store
	pricing *Pricing
	log     *zap.Logger

	// onThreshold, when set, receives each crossed percentage once per
	// period (80, 90, 100).
	onThreshold func(percent int, ledger *store.BudgetLedger)
}

func NewGovernor(s *store.Store, pricing *Pricing, log *zap.Logger) *Governor {
	return &Governor{store: s, pricing: pricing, log: log}
}

// OnThreshold registers the threshold event sink. Call before use.
func (g *Governor) OnThreshold(fn func(percent int, ledger *store.BudgetLedger)) {
	g.onThreshold = fn
}

// Reserve charges the estimated cost of a call against the ledger. It
// returns ErrBudget when any limit would be exceeded; the caller parks
// the job until NextDailyReset. Passing an idempotency key that already
// settled returns a Reservation with Settled set instead of re-charging.
func (g *Governor) Reserve(ctx context.Context, op, model, idempotencyKey, correlationID string, estInputTokens, estOutputTokens int64) (*Reservation, error) {
	rate := g.pricing.Rate(model)
	estCost := CallCost(rate, estInputTokens, estOutputTokens)

	res := &Reservation{IdempotencyKey: idempotencyKey, Model: model, EstimatedCostCents: estCost}
	err := g.store.WriteTx(ctx, func(tx *sql.Tx) error {
		existing, err := g.store.GetApiCall(tx, idempotencyKey)
		if err == nil {
			switch existing.Status {
			case "success", "error":
				res.Settled = true
				return nil
			case "reserved":
				// A previous attempt crashed mid-call; its estimate is
				// still held, so do not double-charge.
				res.EstimatedCostCents = existing.EstimatedCostCents
				return nil
			}
			// cancelled falls through and re-reserves under a new row id
			// via the same key, which the unique index forbids; treat as
			// settled-with-nothing and let the caller retry cleanly.
			res.Settled = true
			return nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return err
		}

		ledger, err := g.resetIfRolled(tx)
		if err != nil {
			return err
		}

		if estCost > ledger.PerOperationLimitCents {
			return fmt.Errorf("%w: estimated %d¢ exceeds per-operation limit %d¢",
				store.ErrBudget, estCost, ledger.PerOperationLimitCents)
		}
		if ledger.CurrentDailySpendCents+estCost > ledger.DailyLimitCents {
			return fmt.Errorf("%w: daily limit %d¢ reached", store.ErrBudget, ledger.DailyLimitCents)
		}
		if ledger.CurrentMonthlySpendCents+estCost > ledger.MonthlyLimitCents {
			return fmt.Errorf("%w: monthly limit %d¢ reached", store.ErrBudget, ledger.MonthlyLimitCents)
		}

		if err := store.InsertApiCall(tx, &store.ApiCall{
			IdempotencyKey:     idempotencyKey,
			Operation:          op,
			Model:              model,
			Status:             "reserved",
			EstimatedCostCents: estCost,
			CorrelationID:      correlationID,
		}); err != nil {
			return err
		}
		if err := store.AdjustSpend(tx, estCost); err != nil {
			return err
		}
		g.emitThresholds(ledger, estCost)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// Reconcile settles a reservation with the actual token counts. The
// spend delta (actual minus estimate) adjusts the ledger, clamped at
// zero, so conservation holds: ledger spend equals the sum of settled
// call costs plus outstanding reservations.
func (g *Governor) Reconcile(ctx context.Context, idempotencyKey string, inputTokens, outputTokens int64, callErr error) error {
	return g.store.WriteTx(ctx, func(tx *sql.Tx) error {
		call, err := g.store.GetApiCall(tx, idempotencyKey)
		if err != nil {
			return err
		}
		if call.Status != "reserved" {
			return nil // already settled; reconcile is idempotent
		}

		rate := g.pricing.Rate(call.Model)
		actual := CallCost(rate, inputTokens, outputTokens)
		status := "success"
		if callErr != nil {
			status = "error"
		}
		if err := store.UpdateApiCall(tx, idempotencyKey, status, inputTokens, outputTokens, actual); err != nil {
			return err
		}
		return store.AdjustSpend(tx, actual-call.EstimatedCostCents)
	})
}

// Cancel releases a reservation whose call never went out.
func (g *Governor) Cancel(ctx context.Context, idempotencyKey string) error {
	return g.store.WriteTx(ctx, func(tx *sql.Tx) error {
		call, err := g.store.GetApiCall(tx, idempotencyKey)
		if err != nil {
			return err
		}
		if call.Status != "reserved" {
			return nil
		}
		if err := store.UpdateApiCall(tx, idempotencyKey, "cancelled", 0, 0, 0); err != nil {
			return err
		}
		return store.AdjustSpend(tx, -call.EstimatedCostCents)
	})
}

// resetIfRolled zeroes the daily counter when the UTC day has changed
// since period_start, and the monthly counter when the month has.
func (g *Governor) resetIfRolled(tx *sql.Tx) (*store.BudgetLedger, error) {
	ledger, err := g.store.GetLedger(tx)
	if err != nil {
		return nil, err
	}
	started, err := store.ParseTime(ledger.PeriodStart)
	if err != nil {
		return nil, fmt.Errorf("%w: bad period_start %q", store.ErrFatal, ledger.PeriodStart)
	}

	now := time.Now().UTC()
	sy, sm, sd := started.Date()
	ny, nm, nd := now.Date()

	if sy != ny || sm != nm {
		if err := store.ResetMonthlySpend(tx); err != nil {
			return nil, err
		}
		ledger.CurrentMonthlySpendCents = 0
	}
	if sy != ny || sm != nm || sd != nd {
		if err := store.ResetDailySpend(tx, store.FormatTime(now)); err != nil {
			return nil, err
		}
		ledger.CurrentDailySpendCents = 0
		ledger.PeriodStart = store.FormatTime(now)
	}
	return ledger, nil
}

// emitThresholds fires the warning sink for every 80/90/100% mark this
// reservation crosses, checked against the daily and the monthly limit
// independently.
func (g *Governor) emitThresholds(ledger *store.BudgetLedger, estCost int64) {
	if g.onThreshold == nil {
		return
	}
	emit := func(limit, before int64) {
		if limit == 0 {
			return
		}
		for _, pct := range thresholds {
			mark := limit * int64(pct) / 100
			if before < mark && before+estCost >= mark {
				g.onThreshold(pct, ledger)
			}
		}
	}
	emit(ledger.DailyLimitCents, ledger.CurrentDailySpendCents)
	emit(ledger.MonthlyLimitCents, ledger.CurrentMonthlySpendCents)
}

// Status returns the current ledger after applying any pending period
// roll, for the budget CLI.
func (g *Governor) Status(ctx context.Context) (*store.BudgetLedger, error) {
	var ledger *store.BudgetLedger
	err := g.store.WriteTx(ctx, func(tx *sql.Tx) error {
		var err error
		ledger, err = g.resetIfRolled(tx)
		return err
	})
	return ledger, err
}

// NextDailyReset is the next UTC midnight, when parked budget jobs
// become runnable again.
func NextDailyReset(now time.Time) time.Time {
	now = now.UTC()
	return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC).Add(24 * time.Hour)
}
