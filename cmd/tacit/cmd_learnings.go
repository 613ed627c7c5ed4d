package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"tacit/internal/queue"
)

var (
	learningsCategory       string
	learningsLimit          int
	learningsIncludeContent bool
	learningsYes            bool
)

// learningsCmd lists extracted learnings. Content display requires an
// explicit flag plus confirmation: even sanitized text deserves a
// deliberate step before it hits a terminal scrollback.
var learningsCmd = &cobra.Command{
	Use:   "learnings",
	Short: "List extracted learnings",
	RunE:  runLearnings,
}

var publishCmd = &cobra.Command{
	Use:   "publish <learning-id>",
	Short: "Queue a learning for upload to the shared store",
	Args:  cobra.ExactArgs(1),
	RunE:  runPublish,
}

func runLearnings(cmd *cobra.Command, args []string) error {
	s, err := openStore()
	if err != nil {
		return err
	}
	defer s.Close()

	if learningsIncludeContent && !learningsYes {
		fmt.Print("Print full learning content to this terminal? [y/N] ")
		line, _ := bufio.NewReader(os.Stdin).ReadString('\n')
		if answer := strings.ToLower(strings.TrimSpace(line)); answer != "y" && answer != "yes" {
			fmt.Println("Aborted.")
			return nil
		}
	}

	learnings, err := s.ListLearnings(learningsCategory, learningsLimit)
	if err != nil {
		return err
	}
	if len(learnings) == 0 {
		fmt.Println("No learnings yet.")
		return nil
	}
	for _, l := range learnings {
		fmt.Printf("%s  %-13s %.2f  %s\n", l.ID, l.Category, l.Confidence, l.Title)
		if learningsIncludeContent {
			fmt.Printf("    %s\n", l.Content)
			if len(l.Tags) > 0 {
				fmt.Printf("    tags: %s\n", strings.Join(l.Tags, ", "))
			}
		}
	}
	return nil
}

func runPublish(cmd *cobra.Command, args []string) error {
	s, err := openStore()
	if err != nil {
		return err
	}
	defer s.Close()

	// Fail fast on the obvious blockers; the worker re-checks both.
	if _, err := s.ActiveConsent(); err != nil {
		return fmt.Errorf("no active consent; run 'tacit consent grant' first")
	}
	l, err := s.GetLearning(args[0])
	if err != nil {
		return err
	}

	payload, _ := json.Marshal(map[string]string{"learning_id": l.ID})
	id, err := queue.New(s).Enqueue(cmd.Context(), &queue.Job{
		Type:           queue.TypePublish,
		Payload:        string(payload),
		IdempotencyKey: "publish-" + l.ID,
	})
	if err != nil {
		return err
	}
	fmt.Printf("Publish job %s queued for learning %s.\n", id, l.ID)
	return nil
}

var revokeReason string

// revokeCmd records a logical deletion marker. Removal from the shared
// store is best effort by design; the marker guarantees tacit itself
// never serves or re-uploads the content again.
var revokeCmd = &cobra.Command{
	Use:   "revoke <learning-id>",
	Short: "Revoke a published learning",
	Args:  cobra.ExactArgs(1),
	RunE:  runRevoke,
}

func runRevoke(cmd *cobra.Command, args []string) error {
	s, err := openStore()
	if err != nil {
		return err
	}
	defer s.Close()

	u, err := s.GetUploadByLearning(args[0])
	if err != nil {
		return fmt.Errorf("learning %s has no recorded upload: %w", args[0], err)
	}
	if _, err := s.Revoke(u.ContentAddress, revokeReason); err != nil {
		return err
	}
	fmt.Printf("Revoked %s.\n", u.ContentAddress)
	fmt.Println("Note: removal from the shared store is best effort; local queries exclude it immediately.")
	return nil
}

func init() {
	learningsCmd.Flags().StringVar(&learningsCategory, "category", "", "filter by category")
	learningsCmd.Flags().IntVar(&learningsLimit, "limit", 50, "maximum rows")
	learningsCmd.Flags().BoolVar(&learningsIncludeContent, "include-content", false, "print full content")
	learningsCmd.Flags().BoolVar(&learningsYes, "yes", false, "skip the content confirmation prompt")
	revokeCmd.Flags().StringVar(&revokeReason, "reason", "user request", "revocation reason")
	rootCmd.AddCommand(learningsCmd, publishCmd, revokeCmd)
}
