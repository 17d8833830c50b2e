/*
main.go - Application entry point

PURPOSE:
  Command-line entry for the leave-import engine. Serves the HTTP API and
  offers the operator tools that do not need the review UI.

COMMANDS:
  serve                 Run the HTTP API (graceful shutdown on SIGINT/SIGTERM)
  import FILE           Open a staged import session from a YAML/JSON file
  waitlist reset        Renumber a day's waitlist 1..n

GLOBAL FLAGS:
  --config       config file (default: ./leaveimport.yaml, then
                 $HOME/.config/leaveimport/leaveimport.yaml)
  --log-level    debug, info, warn, error
  --log-format   console, json

ENVIRONMENT:
  Every config key can be set as LEAVEIMPORT_<SECTION>_<KEY>, for example
  LEAVEIMPORT_DATABASE_PATH=":memory:" or LEAVEIMPORT_SERVER_PORT=3000.

EXAMPLES:
  # Run with file database
  ./server serve

  # Run on different port with an in-memory database
  LEAVEIMPORT_DATABASE_PATH=":memory:" ./server serve --port=3000

  # Stage an import from the command line
  ./server import export.yaml --calendar=cal-1 --actor=ops@example.com

SEE ALSO:
  - config/config.go: keys and defaults
  - api/server.go: Router configuration
  - store/sqlite/sqlite.go: Database implementation
*/
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/warp/leave-import/config"
	"github.com/warp/leave-import/store/sqlite"
)

// app carries what PersistentPreRunE loaded for the subcommands.
type app struct {
	v       *viper.Viper
	cfgFile string
	cfg     *config.Config
	logger  *slog.Logger
}

func newRootCmd() *cobra.Command {
	a := &app{v: config.New()}

	root := &cobra.Command{
		Use:   "leaveimport",
		Short: "Staged reconciliation of calendar leave exports",
		Long: `leaveimport walks an imported calendar export through member matching,
duplicate detection, over-allotment review and database reconciliation,
then commits it to the leave store in one transaction.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.init(cmd)
		},
	}

	// Global flags
	root.PersistentFlags().StringVar(&a.cfgFile, "config", "", "config file (default: ./leaveimport.yaml)")
	root.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")
	root.PersistentFlags().String("log-format", "console", "log format (console, json)")
	root.PersistentFlags().String("db", "", "SQLite database path (overrides database.path)")

	// Bind flags to viper
	_ = a.v.BindPFlag("logging.level", root.PersistentFlags().Lookup("log-level"))
	_ = a.v.BindPFlag("logging.format", root.PersistentFlags().Lookup("log-format"))

	root.AddCommand(serveCmd(a))
	root.AddCommand(importCmd(a))
	root.AddCommand(waitlistCmd(a))
	return root
}

func main() {
	// Set up signal handling
	ctx, cancel := context.WithCancel(context.Background())

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		slog.Info("Received interrupt signal, shutting down gracefully...")
		cancel()
	}()

	err := newRootCmd().ExecuteContext(ctx)
	cancel()

	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func (a *app) init(cmd *cobra.Command) error {
	if db, _ := cmd.Flags().GetString("db"); db != "" {
		a.v.Set("database.path", db)
	}

	cfg, err := config.Load(a.v, a.cfgFile)
	if err != nil {
		return err
	}
	logger, err := config.NewLogger(cfg.Logging, cmd.ErrOrStderr())
	if err != nil {
		return fmt.Errorf("failed to setup logging: %w", err)
	}
	slog.SetDefault(logger)

	a.cfg = cfg
	a.logger = logger
	return nil
}

func (a *app) openStore() (*sqlite.Store, error) {
	store, err := sqlite.New(a.cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}
	a.logger.Debug("database opened", "path", a.cfg.Database.Path)
	return store, nil
}
