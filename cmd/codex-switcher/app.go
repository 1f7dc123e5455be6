package main

import (
	"context"
	"fmt"

	"github.com/Koohoko/codex-switcher/internal/accounts"
	"github.com/Koohoko/codex-switcher/internal/auth"
	"github.com/Koohoko/codex-switcher/internal/auth/constants"
	"github.com/Koohoko/codex-switcher/internal/config"
	"github.com/Koohoko/codex-switcher/internal/logger"
	"github.com/Koohoko/codex-switcher/internal/metrics"
	"github.com/Koohoko/codex-switcher/internal/notify"
	"github.com/Koohoko/codex-switcher/internal/refresh"
	"github.com/pterm/pterm"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// appOptions wires every module; extra adds command specific options
func appOptions(cfg *config.Config, extra ...fx.Option) []fx.Option {
	options := []fx.Option{
		fx.WithLogger(logger.FxLogger),
		config.Module(cfg),
		metrics.Module,
		accounts.Module,
		auth.Module,
		refresh.Module,
		fx.Provide(newSink),
	}
	return append(options, extra...)
}

func newApp(cfg *config.Config, extra ...fx.Option) *fx.App {
	return fx.New(appOptions(cfg, extra...)...)
}

func newSink() notify.Sink {
	return notify.Multi{notify.LogSink{}, notify.SinkFunc(printEvent)}
}

// printEvent tells the user at the terminal that the browser came back
func printEvent(event notify.Event) {
	if event.Name == constants.EventCallbackReceived {
		pterm.Info.Println("Browser sign-in received, finishing login...")
	}
}

// startApp builds and starts the app, filling targets from the container.
// The returned func stops it.
func startApp(ctx context.Context, targets ...interface{}) (func(), error) {
	app := newApp(cfg, fx.Populate(targets...))
	if err := app.Err(); err != nil {
		return nil, fmt.Errorf("failed to build application: %w", err)
	}

	startCtx, cancel := context.WithTimeout(ctx, app.StartTimeout())
	defer cancel()
	if err := app.Start(startCtx); err != nil {
		return nil, fmt.Errorf("failed to start application: %w", err)
	}

	return func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), app.StopTimeout())
		defer cancel()
		if err := app.Stop(stopCtx); err != nil {
			logger.Warn("Application did not stop cleanly", zap.Error(err))
		}
	}, nil
}
