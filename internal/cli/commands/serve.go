package commands

import (
	"github.com/spf13/cobra"

	"github.com/leapstack-labs/leapgrid/internal/ui"
)

// NewServeCommand creates the serve command.
func NewServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the leapgrid UI server",
		Long: `Start the local server backing the data grid frontend.

Tabs opened through the API stream their sources in batches, stay
responsive during sorts and refreshes, and persist a bounded snapshot
across restarts.`,
		Example: `  # Serve an in-memory engine on the default port
  leapgrid serve

  # Serve a database file and watch registered file sources
  leapgrid serve --database analytics.duckdb --watch`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			cfg := ConfigFromContext(ctx)
			logger := LoggerFromContext(ctx)

			a, err := newApp(ctx, cfg, logger, true)
			if err != nil {
				return err
			}
			defer a.close()

			srv := ui.NewServer(ui.Config{
				Registry:      a.registry,
				Engine:        a.engine,
				Addr:          cfg.Addr(),
				Watch:         cfg.Watch,
				SessionSecret: cfg.SessionSecret,
				Logger:        logger,
			})
			return srv.Serve(ctx)
		},
	}
}
