package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"tacit/internal/queue"
)

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Inspect and manage the background job queue",
	RunE:  runQueueStatus,
}

var queueStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show job counts by status",
	RunE:  runQueueStatus,
}

var queueDeadCmd = &cobra.Command{
	Use:   "dead-letters",
	Short: "List dead-lettered jobs",
	RunE:  runQueueDeadLetters,
}

var queueRetryCmd = &cobra.Command{
	Use:   "retry <job-id>",
	Short: "Requeue a failed or dead-lettered job",
	Args:  cobra.ExactArgs(1),
	RunE:  runQueueRetry,
}

func runQueueStatus(cmd *cobra.Command, args []string) error {
	s, err := openStore()
	if err != nil {
		return err
	}
	defer s.Close()

	counts, err := queue.New(s).Counts()
	if err != nil {
		return err
	}
	order := []string{
		queue.StatusQueued, queue.StatusInProgress, queue.StatusCompleted,
		queue.StatusFailed, queue.StatusDeadLetter,
	}
	for _, status := range order {
		fmt.Printf("%-12s %d\n", status, counts[status])
	}
	return nil
}

func runQueueDeadLetters(cmd *cobra.Command, args []string) error {
	s, err := openStore()
	if err != nil {
		return err
	}
	defer s.Close()

	jobs, err := queue.New(s).DeadLetters(50)
	if err != nil {
		return err
	}
	if len(jobs) == 0 {
		fmt.Println("No dead-lettered jobs.")
		return nil
	}
	for _, j := range jobs {
		fmt.Printf("%s  %-10s attempts=%d  %s\n", j.ID, j.Type, j.Attempts, j.Error)
	}
	return nil
}

func runQueueRetry(cmd *cobra.Command, args []string) error {
	s, err := openStore()
	if err != nil {
		return err
	}
	defer s.Close()

	if err := queue.New(s).Retry(cmd.Context(), args[0]); err != nil {
		return err
	}
	fmt.Printf("Job %s requeued.\n", args[0])
	return nil
}

func init() {
	queueCmd.AddCommand(queueStatusCmd, queueDeadCmd, queueRetryCmd)
	rootCmd.AddCommand(queueCmd)
}
