package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

// traceCmd stitches together every telemetry event recorded under one
// correlation id, across the hook and all follow-up jobs.
var traceCmd = &cobra.Command{
	Use:   "trace <correlation-id>",
	Short: "Show all events recorded under a correlation id",
	Args:  cobra.ExactArgs(1),
	RunE:  runTrace,
}

func runTrace(cmd *cobra.Command, args []string) error {
	s, err := openStore()
	if err != nil {
		return err
	}
	defer s.Close()

	rows, err := s.LogsByCorrelation(args[0])
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		fmt.Println("No events for that correlation id.")
		return nil
	}
	for _, r := range rows {
		span := r.SpanID
		if span == "" {
			span = "-"
		}
		fmt.Printf("%s  %-5s %-22s span=%s %s\n", r.CreatedAt, r.Level, r.Event, span, r.Fields)
	}
	return nil
}

func init() {
	rootCmd.AddCommand(traceCmd)
}
