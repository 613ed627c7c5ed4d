package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"tacit/internal/ids"
)

// BudgetLedger is the singleton spend-tracking row. All figures are
// integer cents.
type BudgetLedger struct {
	DailyLimitCents          int64
	MonthlyLimitCents        int64
	PerOperationLimitCents   int64
	CurrentDailySpendCents   int64
	CurrentMonthlySpendCents int64
	PeriodStart              string
	LastResetAt              string
}

// ApiCall is one row per external LLM call, keyed by idempotency key.
type ApiCall struct {
	ID                 string
	IdempotencyKey     string
	Operation          string
	Model              string
	Status             string // reserved | success | error | cancelled
	InputTokens        int64
	OutputTokens       int64
	EstimatedCostCents int64
	CostCents          int64
	CorrelationID      string
	CreatedAt          string
}

// EnsureLedger creates or updates the singleton ledger row with the
// configured limits. Spend counters are preserved across limit changes.
func (s *Store) EnsureLedger(daily, monthly, perOp int64) error {
	return s.WriteTx(context.Background(), func(tx *sql.Tx) error {
		now := Now()
		_, err := tx.Exec(
			`INSERT INTO budget_ledger
				(id, daily_limit_cents, monthly_limit_cents, per_operation_limit_cents,
				 current_daily_spend_cents, current_monthly_spend_cents, period_start, last_reset_at)
			 VALUES (1, ?, ?, ?, 0, 0, ?, ?)
			 ON CONFLICT(id) DO UPDATE SET
				daily_limit_cents = excluded.daily_limit_cents,
				monthly_limit_cents = excluded.monthly_limit_cents,
				per_operation_limit_cents = excluded.per_operation_limit_cents`,
			daily, monthly, perOp, now, now,
		)
		return err
	})
}

// GetLedger reads the singleton ledger inside the given transaction (pass
// nil to read outside one).
func (s *Store) GetLedger(tx *sql.Tx) (*BudgetLedger, error) {
	row := queryRow(tx, s.db,
		`SELECT daily_limit_cents, monthly_limit_cents, per_operation_limit_cents,
			current_daily_spend_cents, current_monthly_spend_cents, period_start, last_reset_at
		 FROM budget_ledger WHERE id = 1`)

	var l BudgetLedger
	err := row.Scan(&l.DailyLimitCents, &l.MonthlyLimitCents, &l.PerOperationLimitCents,
		&l.CurrentDailySpendCents, &l.CurrentMonthlySpendCents, &l.PeriodStart, &l.LastResetAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read ledger: %w", err)
	}
	return &l, nil
}

// AdjustSpend adds delta (may be negative) to both spend counters.
func AdjustSpend(tx *sql.Tx, deltaCents int64) error {
	_, err := tx.Exec(
		`UPDATE budget_ledger SET
			current_daily_spend_cents = MAX(0, current_daily_spend_cents + ?),
			current_monthly_spend_cents = MAX(0, current_monthly_spend_cents + ?)
		 WHERE id = 1`,
		deltaCents, deltaCents,
	)
	if err != nil {
		return fmt.Errorf("failed to adjust spend: %w", err)
	}
	return nil
}

// ResetDailySpend zeroes the daily counter and stamps the reset.
func ResetDailySpend(tx *sql.Tx, periodStart string) error {
	_, err := tx.Exec(
		"UPDATE budget_ledger SET current_daily_spend_cents = 0, period_start = ?, last_reset_at = ? WHERE id = 1",
		periodStart, Now(),
	)
	return err
}

// ResetMonthlySpend zeroes the monthly counter.
func ResetMonthlySpend(tx *sql.Tx) error {
	_, err := tx.Exec(
		"UPDATE budget_ledger SET current_monthly_spend_cents = 0, last_reset_at = ? WHERE id = 1",
		Now(),
	)
	return err
}

// InsertApiCall writes a reservation row in the caller's transaction.
func InsertApiCall(tx *sql.Tx, c *ApiCall) error {
	if c.ID == "" {
		c.ID = ids.New()
	}
	if c.CreatedAt == "" {
		c.CreatedAt = Now()
	}
	_, err := tx.Exec(
		`INSERT INTO api_call
			(id, idempotency_key, operation, model, status, input_tokens, output_tokens,
			 estimated_cost_cents, cost_cents, correlation_id, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.IdempotencyKey, c.Operation, c.Model, c.Status, c.InputTokens,
		c.OutputTokens, c.EstimatedCostCents, c.CostCents, c.CorrelationID, c.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert api_call: %w", err)
	}
	return nil
}

// GetApiCall fetches a call row by idempotency key inside tx (nil for a
// plain read).
func (s *Store) GetApiCall(tx *sql.Tx, idempotencyKey string) (*ApiCall, error) {
	row := queryRow(tx, s.db,
		`SELECT id, idempotency_key, operation, model, status, input_tokens, output_tokens,
			estimated_cost_cents, cost_cents, COALESCE(correlation_id, ''), created_at
		 FROM api_call WHERE idempotency_key = ?`, idempotencyKey)

	var c ApiCall
	err := row.Scan(&c.ID, &c.IdempotencyKey, &c.Operation, &c.Model, &c.Status,
		&c.InputTokens, &c.OutputTokens, &c.EstimatedCostCents, &c.CostCents,
		&c.CorrelationID, &c.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch api_call: %w", err)
	}
	return &c, nil
}

// UpdateApiCall finalizes a call row after reconcile.
func UpdateApiCall(tx *sql.Tx, idempotencyKey, status string, inputTokens, outputTokens, costCents int64) error {
	res, err := tx.Exec(
		"UPDATE api_call SET status = ?, input_tokens = ?, output_tokens = ?, cost_cents = ? WHERE idempotency_key = ?",
		status, inputTokens, outputTokens, costCents, idempotencyKey,
	)
	if err != nil {
		return fmt.Errorf("failed to update api_call: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// SumCostSince totals cost_cents over non-reserved rows created at or
// after the given timestamp. Used by the budget conservation checks.
func (s *Store) SumCostSince(since string) (int64, error) {
	var total sql.NullInt64
	err := s.db.QueryRow(
		"SELECT SUM(cost_cents) FROM api_call WHERE created_at >= ? AND status != 'cancelled'",
		since,
	).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("failed to sum costs: %w", err)
	}
	return total.Int64, nil
}

type rowScanner interface{ Scan(...any) error }

func queryRow(tx *sql.Tx, db *sql.DB, query string, args ...any) rowScanner {
	if tx != nil {
		return tx.QueryRow(query, args...)
	}
	return db.QueryRow(query, args...)
}
