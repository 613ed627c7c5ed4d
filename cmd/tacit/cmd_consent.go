package main

import (
	"bufio"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"tacit/internal/store"
)

// consentVersion identifies the dialog text below. Bump it whenever the
// wording changes; old consent stays valid for what it covered.
const consentVersion = "1.0"

const consentText = `tacit will share learnings distilled from your AI coding
conversations with a public store. Shared content has passed two rounds
of PII and secret removal, but no sanitizer is perfect. Sharing is
anonymous unless you choose otherwise. You can withdraw at any time;
withdrawal stops future uploads and marks past uploads revoked, though
copies already fetched by others may persist.`

var (
	consentAttribution string
	consentAge         bool
)

var consentCmd = &cobra.Command{
	Use:   "consent",
	Short: "Manage sharing consent",
	RunE:  runConsentStatus,
}

var consentStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the active consent record",
	RunE:  runConsentStatus,
}

var consentGrantCmd = &cobra.Command{
	Use:   "grant",
	Short: "Grant sharing consent interactively",
	RunE:  runConsentGrant,
}

var consentWithdrawCmd = &cobra.Command{
	Use:   "withdraw",
	Short: "Withdraw sharing consent",
	RunE:  runConsentWithdraw,
}

func runConsentStatus(cmd *cobra.Command, args []string) error {
	s, err := openStore()
	if err != nil {
		return err
	}
	defer s.Close()

	c, err := s.ActiveConsent()
	if errors.Is(err, store.ErrNotFound) {
		fmt.Println("No active consent. Sharing is disabled.")
		return nil
	}
	if err != nil {
		return err
	}
	fmt.Printf("Consent v%s given at %s\n", c.Version, c.GivenAt)
	fmt.Printf("  sharing:     %v\n", c.ShareEnabled)
	fmt.Printf("  attribution: %s\n", c.Attribution)
	return nil
}

func runConsentGrant(cmd *cobra.Command, args []string) error {
	if !consentAge {
		return fmt.Errorf("--age-confirmed is required: consent needs an adult's explicit confirmation")
	}
	switch consentAttribution {
	case "anonymous", "pseudonymous", "attributed":
	default:
		return fmt.Errorf("attribution must be anonymous, pseudonymous, or attributed")
	}

	fmt.Println(consentText)
	fmt.Print("\nType 'I agree' to grant consent: ")
	line, _ := bufio.NewReader(os.Stdin).ReadString('\n')
	if strings.TrimSpace(line) != "I agree" {
		fmt.Println("Consent not granted.")
		return nil
	}

	s, err := openStore()
	if err != nil {
		return err
	}
	defer s.Close()

	textHash := sha256.Sum256([]byte(consentText))
	if err := s.RecordConsent(&store.Consent{
		Version:      consentVersion,
		TextHash:     hex.EncodeToString(textHash[:]),
		ShareEnabled: true,
		Attribution:  consentAttribution,
		AgeConfirmed: true,
	}); err != nil {
		return err
	}
	fmt.Println("Consent recorded. Sharing is now enabled.")
	return nil
}

func runConsentWithdraw(cmd *cobra.Command, args []string) error {
	s, err := openStore()
	if err != nil {
		return err
	}
	defer s.Close()

	if err := s.WithdrawConsent(); errors.Is(err, store.ErrNotFound) {
		fmt.Println("No active consent to withdraw.")
		return nil
	} else if err != nil {
		return err
	}
	fmt.Println("Consent withdrawn. Future uploads are blocked.")
	return nil
}

func init() {
	consentGrantCmd.Flags().StringVar(&consentAttribution, "attribution", "anonymous", "anonymous | pseudonymous | attributed")
	consentGrantCmd.Flags().BoolVar(&consentAge, "age-confirmed", false, "confirm you are an adult")
	consentCmd.AddCommand(consentStatusCmd, consentGrantCmd, consentWithdrawCmd)
	rootCmd.AddCommand(consentCmd)
}
