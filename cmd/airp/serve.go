package main

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"airp/internal/config"
	"airp/internal/server"
)

var serveAddr string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the airp server",
	Long: `Start the airp HTTP server.

The server provides cookie-session auth, novel upload and management,
pipeline job control, and the role-play query endpoints. The config
file is watched; retrieval tunables apply without a restart.

Examples:
  airp serve                     # Start on the configured address
  airp serve --addr :3000        # Override the listen address
  airp serve --home /srv/airp    # Use a custom data directory`,
	RunE: func(cmd *cobra.Command, args []string) error {
		logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		}))

		mgr, err := config.NewManager(cfgFile)
		if err != nil {
			return err
		}
		if homeDir != "" {
			if err := mgr.Override("home_dir", homeDir); err != nil {
				return err
			}
		}
		if serveAddr != "" {
			if err := mgr.Override("server.addr", serveAddr); err != nil {
				return err
			}
		}

		// Placeholder model keys are fine for browsing and uploads, the
		// pipeline and grounded replies need real ones.
		if err := mgr.Get().Validate(); err != nil {
			logger.Warn("model endpoints not configured", "error", err)
		}
		mgr.WatchConfig()

		srv, err := server.New(server.Config{
			ConfigManager: mgr,
			Logger:        logger,
		})
		if err != nil {
			return err
		}

		// Start server (blocks until shutdown)
		return srv.Start(cmd.Context())
	},
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "listen address (default from config)")

	rootCmd.AddCommand(serveCmd)
}
