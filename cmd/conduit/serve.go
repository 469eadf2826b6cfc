package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/harunnryd/conduit/internal/daemon"
	"github.com/harunnryd/conduit/internal/daemon/components"

	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the gateway daemon",
	Long:  `Starts the websocket gateway, the shared capability connection and the session manager, and serves until interrupted.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if cfg == nil {
			return fmt.Errorf("config not loaded")
		}

		daemonMgr, err := daemon.NewDaemon(cfg)
		if err != nil {
			return fmt.Errorf("failed to create daemon manager: %w", err)
		}

		capabilityComp := components.NewCapabilityComponent(cfg)
		modelsComp := components.NewModelsComponent(cfg)
		sessionsComp := components.NewSessionsComponent(cfg, capabilityComp, modelsComp)
		httpComp := components.NewHTTPServerComponent(daemonMgr, cfg, sessionsComp, capabilityComp, modelsComp)

		daemonMgr.AddComponent(capabilityComp)
		daemonMgr.AddComponent(modelsComp)
		daemonMgr.AddComponent(sessionsComp)
		daemonMgr.AddComponent(httpComp)

		slog.Info("Conduit starting up...", "port", cfg.Server.Port, "capability_url", cfg.Capability.URL)
		err = daemonMgr.Start(context.Background())
		if err != nil {
			// Cancellation via signal/context is a graceful shutdown case for CLI.
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				slog.Info("Conduit stopped gracefully")
				return nil
			}
			return fmt.Errorf("daemon failed: %w", err)
		}

		slog.Info("Conduit stopped gracefully")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().String("models.default", "", "default backend for sessions that do not pick one")
	serveCmd.Flags().Int("orchestrator.max_iterations", 0, "tool cycle ceiling per user turn")
}
