package budget

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"tacit/internal/store"
)

const testModel = "gemini-2.0-flash" // 10¢/MTok in, 40¢/MTok out

func newTestGovernor(t *testing.T, daily, monthly, perOp int64) (*Governor, *store.Store) {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "tacit.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	require.NoError(t, s.EnsureLedger(daily, monthly, perOp))

	pricing, err := LoadPricing("", zap.NewNop())
	require.NoError(t, err)
	return NewGovernor(s, pricing, zap.NewNop()), s
}

func dailySpend(t *testing.T, s *store.Store) int64 {
	t.Helper()
	l, err := s.GetLedger(nil)
	require.NoError(t, err)
	return l.CurrentDailySpendCents
}

func TestCostRoundsUp(t *testing.T) {
	assert.Equal(t, int64(0), Cost(0, 10))
	assert.Equal(t, int64(1), Cost(1, 10), "any nonzero usage costs at least a cent")
	assert.Equal(t, int64(10), Cost(1_000_000, 10))
	assert.Equal(t, int64(11), Cost(1_000_001, 10))
}

func TestReserveReconcileConservation(t *testing.T) {
	g, s := newTestGovernor(t, 500, 10_000, 25)
	ctx := context.Background()

	res, err := g.Reserve(ctx, "validate", testModel, "call-1", "C1", 1_000_000, 100_000)
	require.NoError(t, err)
	assert.False(t, res.Settled)
	assert.Equal(t, int64(14), res.EstimatedCostCents) // 10 in + 4 out
	assert.Equal(t, int64(14), dailySpend(t, s))

	// Actual usage came in under the estimate; the delta is released.
	require.NoError(t, g.Reconcile(ctx, "call-1", 500_000, 50_000, nil))
	assert.Equal(t, int64(7), dailySpend(t, s))

	call, err := s.GetApiCall(nil, "call-1")
	require.NoError(t, err)
	assert.Equal(t, "success", call.Status)
	assert.Equal(t, int64(7), call.CostCents)

	// Reconcile is idempotent.
	require.NoError(t, g.Reconcile(ctx, "call-1", 500_000, 50_000, nil))
	assert.Equal(t, int64(7), dailySpend(t, s))
}

func TestReservePerOperationLimit(t *testing.T) {
	g, s := newTestGovernor(t, 500, 10_000, 25)

	_, err := g.Reserve(context.Background(), "validate", testModel, "call-1", "", 3_000_000, 0) // 30¢
	assert.ErrorIs(t, err, store.ErrBudget)
	assert.Zero(t, dailySpend(t, s), "failed reservations charge nothing")
}

func TestReserveDailyLimit(t *testing.T) {
	g, _ := newTestGovernor(t, 10, 10_000, 25)
	ctx := context.Background()

	_, err := g.Reserve(ctx, "validate", testModel, "call-1", "", 1_000_000, 0) // 10¢
	require.NoError(t, err)
	_, err = g.Reserve(ctx, "validate", testModel, "call-2", "", 1_000_000, 0)
	assert.ErrorIs(t, err, store.ErrBudget)
}

func TestReserveIdempotency(t *testing.T) {
	g, s := newTestGovernor(t, 500, 10_000, 25)
	ctx := context.Background()

	first, err := g.Reserve(ctx, "validate", testModel, "call-1", "", 1_000_000, 0)
	require.NoError(t, err)
	again, err := g.Reserve(ctx, "validate", testModel, "call-1", "", 1_000_000, 0)
	require.NoError(t, err)
	assert.False(t, again.Settled, "an open reservation is resumed, not settled")
	assert.Equal(t, first.EstimatedCostCents, again.EstimatedCostCents)
	assert.Equal(t, int64(10), dailySpend(t, s), "no double charge")

	require.NoError(t, g.Reconcile(ctx, "call-1", 1_000_000, 0, nil))
	settled, err := g.Reserve(ctx, "validate", testModel, "call-1", "", 1_000_000, 0)
	require.NoError(t, err)
	assert.True(t, settled.Settled, "a settled call must not run again")
}

func TestCancelReleasesReservation(t *testing.T) {
	g, s := newTestGovernor(t, 500, 10_000, 25)
	ctx := context.Background()

	_, err := g.Reserve(ctx, "validate", testModel, "call-1", "", 1_000_000, 0)
	require.NoError(t, err)
	require.NoError(t, g.Cancel(ctx, "call-1"))
	assert.Zero(t, dailySpend(t, s))

	call, err := s.GetApiCall(nil, "call-1")
	require.NoError(t, err)
	assert.Equal(t, "cancelled", call.Status)
}

func TestFailedCallStillCharged(t *testing.T) {
	g, s := newTestGovernor(t, 500, 10_000, 25)
	ctx := context.Background()

	_, err := g.Reserve(ctx, "validate", testModel, "call-1", "", 1_000_000, 0)
	require.NoError(t, err)
	require.NoError(t, g.Reconcile(ctx, "call-1", 1_000_000, 0, assert.AnError))

	call, err := s.GetApiCall(nil, "call-1")
	require.NoError(t, err)
	assert.Equal(t, "error", call.Status)
	assert.Equal(t, int64(10), dailySpend(t, s), "tokens were consumed even though the call failed")
}

func TestThresholdEvents(t *testing.T) {
	g, _ := newTestGovernor(t, 100, 10_000, 100)
	ctx := context.Background()

	var crossed []int
	g.OnThreshold(func(percent int, _ *store.BudgetLedger) {
		crossed = append(crossed, percent)
	})

	_, err := g.Reserve(ctx, "validate", testModel, "call-1", "", 8_500_000, 0) // 85¢
	require.NoError(t, err)
	_, err = g.Reserve(ctx, "validate", testModel, "call-2", "", 1_000_000, 0) // 95¢
	require.NoError(t, err)
	_, err = g.Reserve(ctx, "validate", testModel, "call-3", "", 500_000, 0) // 100¢
	require.NoError(t, err)

	assert.Equal(t, []int{80, 90, 100}, crossed)
}

func TestThresholdEventsMonthlyLimit(t *testing.T) {
	// Daily headroom is huge; only the monthly limit is approached.
	g, _ := newTestGovernor(t, 10_000, 100, 100)
	ctx := context.Background()

	var crossed []int
	g.OnThreshold(func(percent int, _ *store.BudgetLedger) {
		crossed = append(crossed, percent)
	})

	_, err := g.Reserve(ctx, "validate", testModel, "call-1", "", 8_500_000, 0) // 85¢
	require.NoError(t, err)
	_, err = g.Reserve(ctx, "validate", testModel, "call-2", "", 1_000_000, 0) // 95¢
	require.NoError(t, err)
	_, err = g.Reserve(ctx, "validate", testModel, "call-3", "", 500_000, 0) // 100¢
	require.NoError(t, err)

	assert.Equal(t, []int{80, 90, 100}, crossed)
}

func TestDailyPeriodRoll(t *testing.T) {
	g, s := newTestGovernor(t, 500, 10_000, 25)
	ctx := context.Background()

	_, err := g.Reserve(ctx, "validate", testModel, "call-1", "", 1_000_000, 0)
	require.NoError(t, err)
	require.Equal(t, int64(10), dailySpend(t, s))

	// Rewind period_start a day; the next ledger touch resets daily spend.
	yesterday := store.FormatTime(time.Now().UTC().Add(-24 * time.Hour))
	_, err = s.DB().Exec("UPDATE budget_ledger SET period_start = ? WHERE id = 1", yesterday)
	require.NoError(t, err)

	ledger, err := g.Status(ctx)
	require.NoError(t, err)
	assert.Zero(t, ledger.CurrentDailySpendCents)
}

func TestNextDailyReset(t *testing.T) {
	now := time.Date(2026, 8, 25, 13, 45, 0, 0, time.UTC)
	assert.Equal(t, time.Date(2026, 8, 26, 0, 0, 0, 0, time.UTC), NextDailyReset(now))
}
