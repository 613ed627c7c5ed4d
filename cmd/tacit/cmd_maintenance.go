package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"tacit/internal/telemetry"
)

var backupCmd = &cobra.Command{
	Use:   "backup <destination>",
	Short: "Write a consistent snapshot of the database",
	Args:  cobra.ExactArgs(1),
	RunE:  runBackup,
}

var compactCmd = &cobra.Command{
	Use:   "compact",
	Short: "Reclaim free space in the database file",
	RunE:  runCompact,
}

var pruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Delete telemetry past the retention window now",
	RunE:  runPrune,
}

func runBackup(cmd *cobra.Command, args []string) error {
	s, err := openStore()
	if err != nil {
		return err
	}
	defer s.Close()

	bytes, err := s.Backup(args[0])
	if err != nil {
		return err
	}
	fmt.Printf("Backup written to %s (%d bytes).\n", args[0], bytes)
	return nil
}

func runCompact(cmd *cobra.Command, args []string) error {
	s, err := openStore()
	if err != nil {
		return err
	}
	defer s.Close()

	if err := s.Compact(cmd.Context()); err != nil {
		return err
	}
	fmt.Println("Database compacted.")
	return nil
}

func runPrune(cmd *cobra.Command, args []string) error {
	s, err := openStore()
	if err != nil {
		return err
	}
	defer s.Close()

	retention := time.Duration(cfg.Telemetry.RetentionDays) * 24 * time.Hour
	res, err := telemetry.Prune(cmd.Context(), s, retention, cfg.Telemetry.PruneBatch)
	if err != nil {
		return err
	}
	fmt.Printf("Removed %d telemetry rows.\n", res.Removed)
	if res.Compacted {
		fmt.Println("Database compacted.")
	}
	return nil
}

func init() {
	rootCmd.AddCommand(backupCmd, compactCmd, pruneCmd)
}
