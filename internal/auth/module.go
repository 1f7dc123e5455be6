package auth

import (
	"context"

	"github.com/Koohoko/codex-switcher/internal/accounts"
	"github.com/Koohoko/codex-switcher/internal/auth/providers"
	"github.com/Koohoko/codex-switcher/internal/config"
	"go.uber.org/fx"
)

// Module provides the identity provider client, the pending-login registry and the login Service
var Module = fx.Module("auth",
	fx.Provide(
		fx.Annotate(
			newProvider,
			fx.As(new(providers.Provider)),
			fx.As(new(providers.Refresher)),
		),
		NewRegistry,
		newEvictor,
		func(store *accounts.Store) AccountStore { return store },
		NewService,
	),
	fx.Invoke(func(lc fx.Lifecycle, s *Service) {
		lc.Append(fx.Hook{
			OnStop: func(ctx context.Context) error {
				s.Close()
				return nil
			},
		})
	}),
)

func newProvider(cfg *config.OAuthConfig) *providers.OpenAIProvider {
	return providers.NewOpenAIProvider(cfg.HTTPTimeout)
}

func newEvictor(cfg *config.OAuthConfig) PortEvictor {
	if !cfg.EvictPortOwner {
		return NoopEvictor{}
	}
	return NewLsofEvictor()
}
