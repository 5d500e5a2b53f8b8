package cli

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"ticketwatch/internal/config"
	"ticketwatch/internal/coordinator"
	"ticketwatch/internal/dispatch"
	"ticketwatch/internal/escalation"
	"ticketwatch/internal/feed"
	"ticketwatch/internal/logging"
	"ticketwatch/internal/matcher"
	"ticketwatch/internal/purchase"
	"ticketwatch/internal/queue"
	"ticketwatch/internal/resilience"
	"ticketwatch/internal/store"
)

// Version information
const (
	Version   = "0.1.0"
	BuildDate = "2024-06-01"
)

// App holds the application dependencies.
type App struct {
	Config      *config.Config
	Logger      zerolog.Logger
	Store       store.DataStore
	Queue       *queue.Queue
	Dispatcher  *dispatch.Dispatcher
	Coordinator *coordinator.Coordinator
}

// NewRootCmd creates the root command for the CLI.
func NewRootCmd(cfg *config.Config, logger zerolog.Logger) *cobra.Command {
	app := &App{
		Config: cfg,
		Logger: logger,
	}

	dataStore, err := store.NewSQLiteStore(cfg.Storage.Path)
	if err != nil {
		logger.Warn().Err(err).Msg("failed to initialize store, most commands will be unavailable")
	} else {
		app.Store = dataStore
		logger.Debug().Msg("sqlite store initialized")
	}

	if app.Store != nil {
		directory := loadDirectory(logger)

		dispatcher, err := dispatch.NewDispatcher(app.Store, cfg.Dispatch, directory, logger)
		if err != nil {
			logger.Warn().Err(err).Msg("failed to initialize dispatcher")
		} else {
			app.Dispatcher = dispatcher

			scheduler := escalation.NewScheduler(app.Store, dispatcher, logger)
			m := matcher.NewMatcher(app.Store, logger)
			app.Queue = queue.NewQueue(app.Store, logger)

			breakers := resilience.NewRegistry(resilience.DefaultBreakerConfig())
			orch := purchase.NewOrchestrator(app.Store, cfg.Purchase, breakers, logger)
			for name, pc := range cfg.Platforms {
				orch.Register(purchase.NewHTTPAdapter(name, pc.URL, pc.APIKey))
				logger.Debug().Str("platform", name).Msg("platform adapter registered")
			}

			obsFeed := feed.NewHTTPFeed(cfg.Feed, logger)
			app.Coordinator = coordinator.New(app.Store, obsFeed, m, scheduler, app.Queue, orch, cfg.Coordinator, logger)
		}
	}

	rootCmd := &cobra.Command{
		Use:   "ticketwatch",
		Short: "Ticket resale alert escalation and purchase automation",
		Long: `ticketwatch watches resale platforms for ticket listings, escalates
notifications when a listing matches a user alert, and can queue and
execute purchases automatically.

Use 'ticketwatch help <command>' for more information about a command.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			debug, _ := cmd.Flags().GetBool("debug")
			if debug {
				logging.SetDebugLevel()
				app.Logger = app.Logger.Level(zerolog.DebugLevel)
			}
			return nil
		},
	}

	// Global flags
	rootCmd.PersistentFlags().String("config", "", "config directory (default: ~/.config/ticketwatch)")
	rootCmd.PersistentFlags().Bool("json", false, "output in JSON format")
	rootCmd.PersistentFlags().Bool("debug", false, "enable debug logging")

	rootCmd.AddCommand(newVersionCmd())
	addRunCommands(rootCmd, app)
	addAlertCommands(rootCmd, app)
	addQueueCommands(rootCmd, app)
	addPurchaseCommands(rootCmd, app)

	return rootCmd
}

// loadDirectory reads user profiles from contacts.json in the config
// directory. Each profile maps channels to addresses and may carry a
// per-user quiet-hours window. A missing file yields an empty directory;
// sends then fail with a missing-recipient error until contacts are
// configured.
func loadDirectory(logger zerolog.Logger) dispatch.StaticDirectory {
	directory := dispatch.StaticDirectory{}
	path := filepath.Join(config.DefaultConfigDir(), "contacts.json")
	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			logger.Warn().Err(err).Str("path", path).Msg("failed to read contacts file")
		}
		return directory
	}
	if err := json.Unmarshal(data, &directory); err != nil {
		logger.Warn().Err(err).Str("path", path).Msg("failed to parse contacts file")
	}
	return directory
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			output := NewOutput(cmd)
			if output.IsJSON() {
				output.JSON(map[string]string{
					"version":    Version,
					"build_date": BuildDate,
				})
			} else {
				output.Printf("ticketwatch v%s\n", Version)
				output.Dim("Build date: %s", BuildDate)
			}
		},
	}
}

func requireStore(app *App) error {
	if app.Store == nil || app.Coordinator == nil {
		return errNotInitialized
	}
	return nil
}
