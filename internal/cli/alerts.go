package cli

import (
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"ticketwatch/internal/models"
	"ticketwatch/internal/store"
)

// addAlertCommands adds alert management commands.
func addAlertCommands(rootCmd *cobra.Command, app *App) {
	cmd := &cobra.Command{
		Use:   "alerts",
		Short: "Manage ticket alerts",
		Long:  "Create, list, pause, resume, and acknowledge price/availability alerts.",
	}

	cmd.AddCommand(newAlertAddCmd(app))
	cmd.AddCommand(newAlertListCmd(app))
	cmd.AddCommand(newAlertPauseCmd(app))
	cmd.AddCommand(newAlertResumeCmd(app))
	cmd.AddCommand(newAlertAckCmd(app))

	rootCmd.AddCommand(cmd)
}

func newAlertAddCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "add <ticket-id>",
		Short: "Create an alert for a ticket",
		Args:  cobra.ExactArgs(1),
		Example: `  ticketwatch alerts add TKT-123 --user alice --max-price 150
  ticketwatch alerts add TKT-123 --user alice --max-price 90 --priority 5 --auto-purchase`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireStore(app); err != nil {
				return err
			}

			userID, _ := cmd.Flags().GetString("user")
			if userID == "" {
				return fmt.Errorf("--user is required")
			}
			maxPrice, _ := cmd.Flags().GetFloat64("max-price")
			minPrice, _ := cmd.Flags().GetFloat64("min-price")
			minQuantity, _ := cmd.Flags().GetInt("min-quantity")
			sections, _ := cmd.Flags().GetStringSlice("sections")
			platforms, _ := cmd.Flags().GetStringSlice("platforms")
			priority, _ := cmd.Flags().GetInt("priority")
			cooldown, _ := cmd.Flags().GetDuration("cooldown")
			maxTriggers, _ := cmd.Flags().GetInt("max-triggers")
			autoPurchase, _ := cmd.Flags().GetBool("auto-purchase")
			expiresIn, _ := cmd.Flags().GetDuration("expires-in")

			if priority < models.PriorityLowest || priority > models.PriorityCritical {
				return fmt.Errorf("priority must be between %d and %d", models.PriorityLowest, models.PriorityCritical)
			}
			if cooldown == 0 {
				cooldown = app.Config.Matcher.DefaultCooldown
			}

			now := time.Now()
			alert := &models.Alert{
				ID:           uuid.NewString(),
				UserID:       userID,
				TicketID:     args[0],
				MinQuantity:  minQuantity,
				Sections:     sections,
				Platforms:    platforms,
				Status:       models.AlertActive,
				Priority:     priority,
				AutoPurchase: autoPurchase,
				Cooldown:     cooldown,
				MaxTriggers:  maxTriggers,
				CreatedAt:    now,
			}
			if maxPrice > 0 {
				alert.MaxPrice = &maxPrice
			}
			if minPrice > 0 {
				alert.MinPrice = &minPrice
			}
			if expiresIn > 0 {
				expiresAt := now.Add(expiresIn)
				alert.ExpiresAt = &expiresAt
			}

			if err := app.Store.SaveAlert(cmd.Context(), alert); err != nil {
				return err
			}

			output := NewOutput(cmd)
			if output.IsJSON() {
				return output.JSON(alert)
			}
			output.Success("Alert created: %s", alert.ID)
			return nil
		},
	}

	cmd.Flags().String("user", "", "owner of the alert (required)")
	cmd.Flags().Float64("max-price", 0, "price ceiling")
	cmd.Flags().Float64("min-price", 0, "price floor")
	cmd.Flags().Int("min-quantity", 1, "minimum tickets available")
	cmd.Flags().StringSlice("sections", nil, "section allow-list (empty = any)")
	cmd.Flags().StringSlice("platforms", nil, "platform allow-list (empty = any)")
	cmd.Flags().Int("priority", models.PriorityNormal, "escalation priority 1-5")
	cmd.Flags().Duration("cooldown", 0, "minimum interval between triggers")
	cmd.Flags().Int("max-triggers", 0, "trigger budget (0 = unlimited)")
	cmd.Flags().Bool("auto-purchase", false, "queue a purchase when the alert matches")
	cmd.Flags().Duration("expires-in", 0, "alert lifetime from now (0 = never)")

	return cmd
}

func newAlertListCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List alerts",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireStore(app); err != nil {
				return err
			}

			userID, _ := cmd.Flags().GetString("user")
			status, _ := cmd.Flags().GetString("status")
			limit, _ := cmd.Flags().GetInt("limit")

			alerts, err := app.Store.ListAlerts(cmd.Context(), store.AlertFilter{
				UserID: userID,
				Status: models.AlertStatus(status),
				Limit:  limit,
			})
			if err != nil {
				return err
			}

			output := NewOutput(cmd)
			if output.IsJSON() {
				return output.JSON(alerts)
			}
			if len(alerts) == 0 {
				output.Dim("No alerts")
				return nil
			}

			rows := make([][]string, 0, len(alerts))
			for _, a := range alerts {
				ceiling := "-"
				if a.MaxPrice != nil {
					ceiling = fmt.Sprintf("%.2f", *a.MaxPrice)
				}
				rows = append(rows, []string{
					a.ID[:8],
					a.UserID,
					a.TicketID,
					ceiling,
					strconv.Itoa(a.Priority),
					string(a.Status),
					strconv.Itoa(a.TriggerCount),
					FormatTime(a.LastTriggeredAt),
				})
			}
			output.Table(
				[]string{"ID", "USER", "TICKET", "CEILING", "PRI", "STATUS", "TRIGGERS", "LAST TRIGGER"},
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

func newAlertPauseCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "pause <alert-id>",
		Short: "Pause an alert",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireStore(app); err != nil {
				return err
			}
			if err := app.Store.UpdateAlertStatus(cmd.Context(), args[0], models.AlertActive, models.AlertPaused); err != nil {
				return err
			}
			NewOutput(cmd).Success("Alert paused: %s", args[0])
			return nil
		},
	}
}

func newAlertAckCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "ack <alert-id>",
		Short: "Acknowledge an alert, stopping its pending escalation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireStore(app); err != nil {
				return err
			}
			if err := app.Store.AcknowledgeAlert(cmd.Context(), args[0], time.Now()); err != nil {
				return err
			}
			NewOutput(cmd).Success("Alert acknowledged: %s", args[0])
			return nil
		},
	}
}

func newAlertResumeCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "resume <alert-id>",
		Short: "Resume a paused alert",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireStore(app); err != nil {
				return err
			}
			if err := app.Store.UpdateAlertStatus(cmd.Context(), args[0], models.AlertPaused, models.AlertActive); err != nil {
				return err
			}
			NewOutput(cmd).Success("Alert resumed: %s", args[0])
			return nil
		},
	}
}
