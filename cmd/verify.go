package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/dhcgn/imap-backup/archive"
)

// NewVerifyCommand builds the `verify` subcommand: recompute the hash of a
// run archive and compare it against the recorded manifest.
func NewVerifyCommand() *cobra.Command {
	var manifestPath string

	verifyCmd := &cobra.Command{
		Use:   "verify [archive.zip]",
		Short: "Check a run archive against its integrity manifest",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			archivePath := args[0]

			if manifestPath == "" {
				manifestPath = strings.TrimSuffix(archivePath, ".zip") + ".txt"
			}

			if err := archive.Verify(archivePath, manifestPath); err != nil {
				return fmt.Errorf("verify %s: %w", archivePath, err)
			}

			fmt.Printf("OK: %s matches %s\n", archivePath, manifestPath)
			return nil
		},
	}

	verifyCmd.Flags().StringVar(&manifestPath, "manifest", "", "Manifest file (defaults to the archive name with .txt)")

	return verifyCmd
}
