// Package daemon composes the courierd server from its parts and ties
// their lifecycles together.
package daemon

import (
	"context"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/courier-im/courier/internal/config"
	"github.com/courier-im/courier/internal/delivery"
	"github.com/courier-im/courier/internal/hub"
	"github.com/courier-im/courier/internal/logging"
	"github.com/courier-im/courier/internal/presence"
	"github.com/courier-im/courier/internal/store"
)

// Params holds the resolved server configuration passed to the fx module.
type Params struct {
	Config *config.Config

	// ListenAddr overrides config for testing; empty = use config.
	ListenAddr string
}

// Module returns the fx module for the server, composing all providers
// and lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideLogger,
			provideStore,
			provideRegistry,
			provideCoordinator,
			provideAuthenticator,
			provideHub,
			NewServer,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideLogger(p Params) (*zap.Logger, error) {
	return logging.New(p.Config.Server.LogPath, "courierd")
}

func provideStore(p Params, logger *zap.Logger) (*store.DB, error) {
	dbPath := p.Config.Server.DBPath
	db, err := store.Open(dbPath)
	if err != nil {
		return nil, err
	}
	result, err := db.Migrate()
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	if result.Changed {
		logger.Info("migrations applied", zap.Uint("version", result.Version))
	} else {
		logger.Info("migrations up to date", zap.Uint("version", result.Version))
	}
	logger.Info("store initialized", zap.String("path", dbPath))
	return db, nil
}

func provideRegistry() *presence.Registry {
	return presence.NewRegistry()
}

func provideCoordinator(db *store.DB, registry *presence.Registry, logger *zap.Logger) *delivery.Coordinator {
	return delivery.NewCoordinator(db, registry, logger)
}

func provideAuthenticator() hub.Authenticator {
	return hub.HeaderAuthenticator{}
}

func provideHub(db *store.DB, coordinator *delivery.Coordinator, registry *presence.Registry, auth hub.Authenticator, logger *zap.Logger) *hub.Hub {
	return hub.New(db, coordinator, registry, auth, logger)
}

func registerLifecycle(lc fx.Lifecycle, srv *Server, h *hub.Hub, coordinator *delivery.Coordinator, db *store.DB, logger *zap.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			// The hub must see presence fanout before the coordinator
			// starts auto-delivering on connect transitions.
			coordinator.SetNotifier(h)
			h.Start(context.Background())
			coordinator.Start(context.Background())

			go func() {
				if err := srv.Start(); err != nil {
					logger.Error("http server error", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			srv.Stop(ctx)
			coordinator.Stop()
			h.Stop()
			if err := db.Close(); err != nil {
				logger.Warn("error closing store", zap.Error(err))
			}
			logger.Info("daemon stopped")
			return nil
		},
	})
}
