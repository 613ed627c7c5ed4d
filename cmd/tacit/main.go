// Package main implements the tacit CLI: the capture hook, the
// background worker, and the operator commands for inspecting the
// queue, budget, telemetry, and learnings.
package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"tacit/internal/config"
	"tacit/internal/store"
)

var (
	// Global flags
	verbose   bool
	workspace string

	// Resolved in PersistentPreRunE
	cfg    config.Config
	logger *zap.Logger
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "tacit",
	Short: "tacit - privacy-preserving capture of AI coding conversations",
	Long: `tacit captures AI coding-assistant conversations, scrubs PII and
secrets before anything touches disk, and distills consented, validated
learnings for sharing.

The hook subcommand is wired into the assistant runtime; everything else
runs out of band: a worker drains the job queue, and the remaining
commands inspect or maintain the local store.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		ws := workspace
		if ws == "" {
			var err error
			if ws, err = config.FindWorkspaceRoot(); err != nil {
				return fmt.Errorf("failed to locate workspace: %w", err)
			}
		}
		var err error
		if cfg, err = config.Load(ws); err != nil {
			return err
		}

		zc := zap.NewProductionConfig()
		zc.Level = zap.NewAtomicLevelAt(zapLevel(cfg.Telemetry.Level))
		if verbose {
			zc.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		// The hook shares stdout with its ack; keep zap off it.
		zc.OutputPaths = []string{"stderr"}
		if logger, err = zc.Build(); err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

func zapLevel(level string) zapcore.Level {
	switch level {
	case "debug":
		return zapcore.DebugLevel
	case "warn":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

// openStore opens the workspace database, creating the .tacit directory
// on first use.
func openStore() (*store.Store, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.Store.Path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create state directory: %w", err)
	}
	return store.Open(cfg.Store.Path)
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")
	rootCmd.PersistentFlags().StringVar(&workspace, "workspace", "", "workspace root (default: auto-detect)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
