package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/Koohoko/codex-switcher/internal/config"
	"github.com/Koohoko/codex-switcher/internal/logger"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Module provides a private registry and the Recorder
var Module = fx.Module("metrics",
	fx.Provide(
		prometheus.NewRegistry,
		func(reg *prometheus.Registry) prometheus.Registerer { return reg },
		NewRecorder,
	),
)

// Endpoint serves /metrics on the configured address, if any, for the app lifetime
var Endpoint = fx.Invoke(registerEndpoint)

func registerEndpoint(lc fx.Lifecycle, cfg *config.MetricsConfig, reg *prometheus.Registry) {
	if cfg.ListenAddr == "" {
		return
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	server := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				logger.Info("Serving metrics", zap.String("address", cfg.ListenAddr))
				if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					logger.Error("Metrics server stopped", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			return server.Shutdown(ctx)
		},
	})
}
