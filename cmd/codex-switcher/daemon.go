package main

import (
	"context"
	"fmt"

	"github.com/Koohoko/codex-switcher/internal/logger"
	"github.com/Koohoko/codex-switcher/internal/metrics"
	"github.com/Koohoko/codex-switcher/internal/refresh"
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Keep tokens fresh in the background until interrupted",
	Args:  cobra.NoArgs,
	RunE:  runDaemon,
}

func runDaemon(cmd *cobra.Command, args []string) error {
	app := newApp(cfg, refresh.Background, metrics.Endpoint)
	if err := app.Err(); err != nil {
		return fmt.Errorf("failed to build application: %w", err)
	}

	startCtx, cancel := context.WithTimeout(cmd.Context(), app.StartTimeout())
	defer cancel()
	if err := app.Start(startCtx); err != nil {
		return fmt.Errorf("failed to start application: %w", err)
	}

	pterm.Info.Printfln("Refreshing tokens every %s, press Ctrl+C to stop", cfg.Scheduler.Interval)

	select {
	case <-cmd.Context().Done():
	case signal := <-app.Done():
		logger.Info("Received signal", zap.String("signal", signal.String()))
	}

	stopCtx, cancelStop := context.WithTimeout(context.Background(), app.StopTimeout())
	defer cancelStop()
	return app.Stop(stopCtx)
}
