package main

import (
	"context"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"tacit/internal/hook"
	"tacit/internal/sanitize"
	"tacit/internal/telemetry"
)

// hookCmd is the synchronous capture entry point. The assistant runtime
// pipes one JSON event to stdin and reads the ack from stdout. It must
// exit 0 no matter what: a capture failure is never the conversation's
// problem.
var hookCmd = &cobra.Command{
	Use:   "hook",
	Short: "Capture one conversation event from stdin (runtime use)",
	RunE:  runHook,
}

func runHook(cmd *cobra.Command, args []string) error {
	s, err := openStore()
	if err != nil {
		// Store down: still acknowledge. The event is lost by contract.
		logger.Warn("hook dropping event, store unavailable", zap.Error(err))
		os.Stdout.WriteString("{\"ok\":true}\n")
		return nil
	}
	defer s.Close()

	tel := telemetry.NewLogger(logger, s)
	defer tel.Close()

	h := hook.New(cfg, s, sanitize.New(), tel, telemetry.NewMetrics())
	h.Process(context.Background(), os.Stdin, os.Stdout)
	return nil
}

func init() {
	rootCmd.AddCommand(hookCmd)
}
