// Package cmd implements the ccrelayctl command tree.
package cmd

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/oakline-labs/ccrelay/accountstore/sqlite"
)

var dbPath string

var rootCmd = &cobra.Command{
	Use:   "ccrelayctl",
	Short: "Inspect and manage ccrelay account state",
}

func init() {
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", "ccrelay.db", "path to the SQLite account store")
	rootCmd.AddCommand(accountsCmd)
}

// ExecuteContext runs the command tree with ctx threaded to every
// subcommand's RunE.
func ExecuteContext(ctx context.Context) error {
	return rootCmd.ExecuteContext(ctx)
}

func openStore() (*sqlite.Store, error) {
	return sqlite.Open(dbPath)
}
