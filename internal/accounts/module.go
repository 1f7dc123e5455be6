package accounts

import (
	"context"

	"github.com/Koohoko/codex-switcher/internal/config"
	"github.com/Koohoko/codex-switcher/internal/logger"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Module provides the Persister selected by the store config and the Store on top of it
var Module = fx.Module("accounts",
	fx.Provide(
		NewPersister,
		NewStoreFromLifecycle,
	),
)

// NewPersister picks the database persister when a database URL is set and
// the JSON file otherwise.
func NewPersister(lc fx.Lifecycle, cfg *config.StoreConfig) (Persister, error) {
	if cfg.DatabaseURL == "" {
		logger.Debug("Using file account store", zap.String("path", cfg.Path))
		return NewFilePersister(cfg.Path), nil
	}

	persister, err := NewDatabasePersister(context.Background(), cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}
	logger.Debug("Using database account store", zap.String("driver", persister.Driver()))
	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			return persister.Close()
		},
	})
	return persister, nil
}

// NewStoreFromLifecycle loads the store while the app is being constructed
func NewStoreFromLifecycle(p Persister) (*Store, error) {
	return NewStore(context.Background(), p)
}
