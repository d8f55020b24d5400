package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/harunnryd/kansa/internal/adapter"
	"github.com/harunnryd/kansa/internal/daemon"
	"github.com/harunnryd/kansa/internal/daemon/components"

	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the gateway",
	Long:  `Starts the gateway: chat platform adapters, the tool-call hook and review API, and periodic cleanup of expired review state.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if cfg == nil {
			return fmt.Errorf("config not loaded")
		}

		d, err := daemon.NewDaemon(cfg)
		if err != nil {
			return fmt.Errorf("failed to create daemon manager: %w", err)
		}

		stores := components.NewStoresComponent(cfg, d.DataDir())
		adapters := components.NewAdaptersComponent(&cfg.Adapters, stores, adapter.RuntimeOptions{})
		gw := components.NewGatewayComponent(cfg, stores, adapters)
		housekeeping := components.NewHousekeepingComponent(&cfg.Observe, stores, gw)
		httpComp := components.NewHTTPServerComponent(d, &cfg.Server, gw, adapters)

		d.AddComponent(stores)
		d.AddComponent(gw)
		d.AddComponent(housekeeping)
		d.AddComponent(httpComp)
		// Adapters start last so no event arrives before the HTTP API is up.
		d.AddComponent(adapters)

		slog.Info("Kansa starting up...", "port", cfg.Server.Port, "data_dir", d.DataDir())
		err = d.Start(context.Background())
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				slog.Info("Kansa stopped gracefully")
				return nil
			}
			return fmt.Errorf("daemon failed: %w", err)
		}

		slog.Info("Kansa stopped gracefully")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().Int("server.port", 0, "server port (default 8080)")
}
