package cli

import (
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"ticketwatch/internal/models"
	"ticketwatch/internal/queue"
	"ticketwatch/internal/store"
)

// addQueueCommands adds purchase queue commands.
func addQueueCommands(rootCmd *cobra.Command, app *App) {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Manage the purchase queue",
		Long:  "Add, list, and cancel purchase intents.",
	}

	cmd.AddCommand(newQueueAddCmd(app))
	cmd.AddCommand(newQueueListCmd(app))
	cmd.AddCommand(newQueueCancelCmd(app))

	rootCmd.AddCommand(cmd)
}

func newQueueAddCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "add <ticket-id>",
		Short: "Queue a purchase intent",
		Args:  cobra.ExactArgs(1),
		Example: `  ticketwatch queue add TKT-123 --user alice --platform stubhub --max-price 150
  ticketwatch queue add TKT-123 --user alice --platform stubhub --max-price 150 --priority critical --expires-in 2h`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireStore(app); err != nil {
				return err
			}

			userID, _ := cmd.Flags().GetString("user")
			platform, _ := cmd.Flags().GetString("platform")
			if userID == "" || platform == "" {
				return fmt.Errorf("--user and --platform are required")
			}
			maxPrice, _ := cmd.Flags().GetFloat64("max-price")
			quantity, _ := cmd.Flags().GetInt("quantity")
			priority, _ := cmd.Flags().GetString("priority")
			expiresIn, _ := cmd.Flags().GetDuration("expires-in")

			req := queue.EnqueueRequest{
				TicketID: args[0],
				UserID:   userID,
				Platform: platform,
				Priority: models.ParseQueuePriority(priority),
				MaxPrice: maxPrice,
				Quantity: quantity,
			}
			if expiresIn > 0 {
				expiresAt := time.Now().Add(expiresIn)
				req.ExpiresAt = &expiresAt
			}

			entry, err := app.Queue.Enqueue(cmd.Context(), req)
			if err != nil {
				return err
			}

			output := NewOutput(cmd)
			if output.IsJSON() {
				return output.JSON(entry)
			}
			output.Success("Purchase queued: %s", entry.ID)
			output.Dim("Transaction: %s", entry.TransactionID)
			return nil
		},
	}

	cmd.Flags().String("user", "", "purchasing user (required)")
	cmd.Flags().String("platform", "", "resale platform (required)")
	cmd.Flags().Float64("max-price", 0, "price ceiling per ticket")
	cmd.Flags().Int("quantity", 1, "tickets to buy")
	cmd.Flags().String("priority", "medium", "queue priority: low, medium, high, urgent, critical")
	cmd.Flags().Duration("expires-in", 0, "intent lifetime from now (0 = never)")

	return cmd
}

func newQueueListCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List queue entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireStore(app); err != nil {
				return err
			}

			userID, _ := cmd.Flags().GetString("user")
			status, _ := cmd.Flags().GetString("status")
			limit, _ := cmd.Flags().GetInt("limit")

			entries, err := app.Store.ListQueueEntries(cmd.Context(), store.QueueFilter{
				UserID: userID,
				Status: models.QueueStatus(status),
				Limit:  limit,
			})
			if err != nil {
				return err
			}

			output := NewOutput(cmd)
			if output.IsJSON() {
				return output.JSON(entries)
			}
			if len(entries) == 0 {
				output.Dim("Queue is empty")
				return nil
			}

			rows := make([][]string, 0, len(entries))
			for _, e := range entries {
				reason := e.FailureReason
				if reason == "" {
					reason = e.CancellationReason
				}
				if reason == "" {
					reason = "-"
				}
				rows = append(rows, []string{
					e.ID[:8],
					e.TicketID,
					e.Platform,
					e.Priority.String(),
					fmt.Sprintf("%.2f", e.MaxPrice),
					strconv.Itoa(e.Quantity),
					string(e.Status),
					reason,
				})
			}
			output.Table(
				[]string{"ID", "TICKET", "PLATFORM", "PRIORITY", "MAX", "QTY", "STATUS", "REASON"},
				rows,
			)
			return nil
		},
	}

	cmd.Flags().String("user", "", "filter by user")
	cmd.Flags().String("status", "", "filter by status")
	cmd.Flags().Int("limit", 50, "maximum rows")

	return cmd
}

func newQueueCancelCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <entry-id>",
		Short: "Cancel a purchase intent",
		Long: `Cancel a purchase intent.

A queued entry cancels immediately. An entry already executing is flagged
and stops at the orchestrator's next checkpoint.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireStore(app); err != nil {
				return err
			}
			if err := app.Queue.Cancel(cmd.Context(), args[0], models.CancelUserRequest); err != nil {
				return err
			}
			NewOutput(cmd).Success("Cancel requested: %s", args[0])
			return nil
		},
	}
}
