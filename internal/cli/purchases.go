package cli

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
)

// addPurchaseCommands adds purchase attempt inspection commands.
func addPurchaseCommands(rootCmd *cobra.Command, app *App) {
	cmd := &cobra.Command{
		Use:   "purchases",
		Short: "Inspect purchase attempts",
	}

	cmd.AddCommand(newPurchaseListCmd(app))
	cmd.AddCommand(newPurchaseStatsCmd(app))

	rootCmd.AddCommand(cmd)
}

func newPurchaseListCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "list <entry-id>",
		Short: "List attempts for a queue entry",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireStore(app); err != nil {
				return err
			}

			attempts, err := app.Store.ListAttempts(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			output := NewOutput(cmd)
			if output.IsJSON() {
				return output.JSON(attempts)
			}
			if len(attempts) == 0 {
				output.Dim("No attempts for entry %s", args[0])
				return nil
			}

			rows := make([][]string, 0, len(attempts))
			for _, a := range attempts {
				detail := a.Confirmation
				if detail == "" {
					detail = a.FailureReason
				}
				if detail == "" {
					detail = "-"
				}
				rows = append(rows, []string{
					a.ID[:8],
					strconv.Itoa(a.RetryCount),
					string(a.Status),
					fmt.Sprintf("%.2f", a.FinalPrice),
					detail,
					FormatTime(a.CompletedAt),
				})
			}
			output.Table(
				[]string{"ID", "RETRY", "STATUS", "PRICE", "DETAIL", "COMPLETED"},
				rows,
			)
			return nil
		},
	}
}

func newPurchaseStatsCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show per-platform purchase statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireStore(app); err != nil {
				return err
			}

			stats, err := app.Store.PlatformStats(cmd.Context())
			if err != nil {
				return err
			}

			output := NewOutput(cmd)
			if output.IsJSON() {
				return output.JSON(stats)
			}
			if len(stats) == 0 {
				output.Dim("No purchase attempts recorded")
				return nil
			}

			rows := make([][]string, 0, len(stats))
			for _, s := range stats {
				rows = append(rows, []string{
					s.Platform,
					strconv.Itoa(s.Attempts),
					strconv.Itoa(s.Successes),
					strconv.Itoa(s.Failures),
					fmt.Sprintf("%.0f%%", s.SuccessRate*100),
					fmt.Sprintf("%.2f", s.TotalSpent),
				})
			}
			output.Table(
				[]string{"PLATFORM", "ATTEMPTS", "OK", "FAILED", "SUCCESS", "SPENT"},
				rows,
			)
			return nil
		},
	}
}
