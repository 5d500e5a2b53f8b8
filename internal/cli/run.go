package cli

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var errNotInitialized = errors.New("storage not initialized, check config and permissions")

// addRunCommands adds the daemon-style run and one-shot tick commands.
func addRunCommands(rootCmd *cobra.Command, app *App) {
	rootCmd.AddCommand(newRunCmd(app))
	rootCmd.AddCommand(newTickCmd(app))
}

func newRunCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the watch loop",
		Long: `Run the coordinator loop until interrupted.

Each tick polls the observation feed, matches alerts, processes due
escalations, and executes queued purchases.`,
		Example: `  ticketwatch run
  ticketwatch run --debug`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireStore(app); err != nil {
				return err
			}

			output := NewOutput(cmd)
			output.Bold("Starting ticketwatch")
			output.Printf("  Tick interval:    %s\n", app.Config.Coordinator.TickInterval)
			output.Printf("  Notify workers:   %d\n", app.Config.Coordinator.NotifyWorkers)
			output.Printf("  Purchase workers: %d\n", app.Config.Coordinator.PurchaseWorkers)
			if app.Config.Feed.URL == "" {
				output.Warning("No feed URL configured; ticks will not ingest observations")
			}
			output.Println()

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			err := app.Coordinator.Run(ctx)
			if errors.Is(err, context.Canceled) {
				output.Info("Stopped")
				return nil
			}
			return err
		},
	}
}

func newTickCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "tick",
		Short: "Run a single tick and exit",
		Long:  "Run one pass of the pipeline: sweep, ingest, escalate, purchase.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireStore(app); err != nil {
				return err
			}

			output := NewOutput(cmd)
			if err := app.Coordinator.RunOnce(cmd.Context()); err != nil {
				return err
			}
			output.Success("Tick complete")
			return nil
		},
	}
}
