package cmd

import (
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"
)

var accountsCmd = &cobra.Command{
	Use:   "accounts",
	Short: "Inspect and mutate account state in the account store",
}

var accountsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List every account and its current rate-limit and quota state",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore()
		if err != nil {
			return err
		}
		defer store.Close()

		accounts, err := store.List(cmd.Context())
		if err != nil {
			return err
		}
		for _, a := range accounts {
			status := "ok"
			if a.IsInvalid {
				status = "invalid"
			} else if !a.Enabled {
				status = "disabled"
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%-32s %-10s last_used=%s\n", a.Email, status, formatTime(a.LastUsed))
			for model, rl := range a.ModelRateLimits {
				if rl.IsRateLimited {
					fmt.Fprintf(cmd.OutOrStdout(), "  %-30s rate-limited until %s\n", model, rl.ResetTime.Format(time.RFC3339))
				}
			}
			for model, q := range a.Quota.Models {
				fmt.Fprintf(cmd.OutOrStdout(), "  %-30s quota remaining %.2f\n", model, q.RemainingFraction)
			}
		}
		return nil
	},
}

var accountsInvalidateCmd = &cobra.Command{
	Use:   "invalidate <email> [reason]",
	Short: "Mark an account permanently invalid",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore()
		if err != nil {
			return err
		}
		defer store.Close()

		reason := "invalidated by operator"
		if len(args) == 2 {
			reason = args[1]
		}
		return store.MarkInvalid(cmd.Context(), args[0], reason)
	},
}

var accountsQuotaCmd = &cobra.Command{
	Use:   "quota <email> <model> <remaining-fraction>",
	Short: "Record a quota reading for an account/model pair",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		fraction, err := strconv.ParseFloat(args[2], 64)
		if err != nil {
			return fmt.Errorf("ccrelayctl: invalid fraction %q: %w", args[2], err)
		}

		store, err := openStore()
		if err != nil {
			return err
		}
		defer store.Close()

		return store.SetQuota(cmd.Context(), args[0], args[1], fraction, time.Now())
	},
}

func init() {
	accountsCmd.AddCommand(accountsListCmd, accountsInvalidateCmd, accountsQuotaCmd)
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "never"
	}
	return t.Format(time.RFC3339)
}
