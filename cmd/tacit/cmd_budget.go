package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"tacit/internal/budget"
)

var budgetCmd = &cobra.Command{
	Use:   "budget",
	Short: "Show AI spending against configured limits",
	RunE:  runBudgetStatus,
}

var budgetStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show AI spending against configured limits",
	RunE:  runBudgetStatus,
}

func runBudgetStatus(cmd *cobra.Command, args []string) error {
	s, err := openStore()
	if err != nil {
		return err
	}
	defer s.Close()

	if err := s.EnsureLedger(
		cfg.Budget.DailyLimitCents,
		cfg.Budget.MonthlyLimitCents,
		cfg.Budget.PerOperationLimitCents,
	); err != nil {
		return err
	}

	pricing, err := budget.LoadPricing(cfg.Budget.PricingPath, logger)
	if err != nil {
		return err
	}
	ledger, err := budget.NewGovernor(s, pricing, logger).Status(cmd.Context())
	if err != nil {
		return err
	}

	fmt.Printf("Daily:    %s of %s (%d%%)\n",
		cents(ledger.CurrentDailySpendCents), cents(ledger.DailyLimitCents),
		percent(ledger.CurrentDailySpendCents, ledger.DailyLimitCents))
	fmt.Printf("Monthly:  %s of %s (%d%%)\n",
		cents(ledger.CurrentMonthlySpendCents), cents(ledger.MonthlyLimitCents),
		percent(ledger.CurrentMonthlySpendCents, ledger.MonthlyLimitCents))
	fmt.Printf("Per-call: %s max\n", cents(ledger.PerOperationLimitCents))
	fmt.Printf("Daily reset at %s\n",
		budget.NextDailyReset(time.Now()).Format(time.RFC3339))
	return nil
}

func cents(c int64) string {
	return fmt.Sprintf("$%d.%02d", c/100, c%100)
}

func percent(spend, limit int64) int64 {
	if limit <= 0 {
		return 0
	}
	return spend * 100 / limit
}

func init() {
	budgetCmd.AddCommand(budgetStatusCmd)
	rootCmd.AddCommand(budgetCmd)
}
