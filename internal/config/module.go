package config

import "go.uber.org/fx"

// Module supplies the loaded config and each section on its own, so
// components depend only on the part they read.
func Module(cfg *Config) fx.Option {
	return fx.Module("config",
		fx.Supply(
			cfg,
			&cfg.Logging,
			&cfg.OAuth,
			&cfg.Scheduler,
			&cfg.Store,
			&cfg.Metrics,
			&cfg.Codex,
		),
	)
}
