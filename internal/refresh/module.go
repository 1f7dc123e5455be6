package refresh

import (
	"context"

	"github.com/Koohoko/codex-switcher/internal/accounts"
	"github.com/Koohoko/codex-switcher/internal/config"
	"github.com/Koohoko/codex-switcher/internal/logger"
	"go.uber.org/fx"
)

// Module provides the Scheduler without starting it
var Module = fx.Module("refresh",
	fx.Provide(
		func(store *accounts.Store) AccountStore { return store },
		NewScheduler,
	),
)

// Background runs the scan loop for the lifetime of the app when the
// scheduler is enabled.
var Background = fx.Invoke(registerLoop)

func registerLoop(lc fx.Lifecycle, cfg *config.SchedulerConfig, s *Scheduler) {
	if !cfg.Enabled {
		logger.Info("Background refresh disabled")
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			s.Start(ctx)
			return nil
		},
		OnStop: func(context.Context) error {
			s.Stop()
			cancel()
			return nil
		},
	})
}
