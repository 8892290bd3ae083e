package daemon

import (
	"context"
	"errors"

	"github.com/matheus3301/convsync/internal/api"
	"github.com/matheus3301/convsync/internal/behavior"
	"github.com/matheus3301/convsync/internal/bus"
	"github.com/matheus3301/convsync/internal/config"
	"github.com/matheus3301/convsync/internal/controller"
	"github.com/matheus3301/convsync/internal/logging"
	"github.com/matheus3301/convsync/internal/outbox"
	"github.com/matheus3301/convsync/internal/prefetch"
	"github.com/matheus3301/convsync/internal/realtime"
	"github.com/matheus3301/convsync/internal/session"
	"github.com/matheus3301/convsync/internal/status"
	"github.com/matheus3301/convsync/internal/store"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"google.golang.org/grpc/health"
)

// Params holds the resolved profile configuration passed to the fx module.
type Params struct {
	SessionName string
	Config      *config.Config
	SocketPath  string // optional override for testing; empty = use default
}

// Module returns the fx module for the sync agent, composing all providers and lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideConfig,
			provideLogger,
			provideBus,
			provideStateMachine,
			provideStore,
			provideAPIClient,
			provideTransport,
			provideHub,
			provideOutbox,
			provideTracker,
			providePrefetcher,
			provideController,
			provideHealth,
			NewServer,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideConfig(p Params) *config.Config {
	if p.Config == nil {
		return config.Default()
	}
	return p.Config
}

func provideLogger(p Params) (*zap.Logger, error) {
	return logging.New(session.LogPath(p.SessionName), p.SessionName)
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideStateMachine(b *bus.Bus) *status.Machine {
	return status.NewMachine(b)
}

func provideStore(p Params, logger *zap.Logger) (*store.DB, store.Store, error) {
	if err := session.EnsureDir(p.SessionName); err != nil {
		return nil, nil, err
	}
	dbPath := session.CacheDBPath(p.SessionName)
	db, err := store.Open(dbPath)
	if err != nil {
		return nil, nil, err
	}
	result, err := db.Migrate()
	if err != nil {
		_ = db.Close()
		return nil, nil, err
	}
	if result.Changed {
		logger.Info("migrations applied", zap.Uint("version", result.Version))
	} else {
		logger.Info("migrations up to date", zap.Uint("version", result.Version))
	}
	logger.Info("store initialized", zap.String("path", dbPath))
	return db, db, nil
}

func provideAPIClient(cfg *config.Config) *api.Client {
	return api.New(cfg.API.BaseURL,
		api.WithToken(cfg.API.Token),
		api.WithTimeout(cfg.API.Timeout.Duration),
	)
}

func provideTransport(cfg *config.Config, machine *status.Machine, logger *zap.Logger) *realtime.WSTransport {
	return realtime.NewWSTransport(realtime.WSConfig{
		URL:           cfg.Realtime.URL,
		Token:         cfg.API.Token,
		ReconnectBase: cfg.Realtime.ReconnectBase.Duration,
		ReconnectMax:  cfg.Realtime.ReconnectMax.Duration,
		MaxAttempts:   cfg.Realtime.MaxAttempts,
	}, machine, logger.Named("realtime"))
}

func provideHub(t *realtime.WSTransport, logger *zap.Logger) *realtime.Hub {
	return realtime.NewHub(t, logger.Named("hub"))
}

func provideOutbox(b *bus.Bus, logger *zap.Logger) *outbox.Manager {
	return outbox.NewManager(b, logger.Named("outbox"))
}

func provideTracker() *behavior.Tracker {
	return behavior.New()
}

func providePrefetcher(cfg *config.Config, st store.Store, client *api.Client, tracker *behavior.Tracker, b *bus.Bus, logger *zap.Logger) *prefetch.Controller {
	return prefetch.New(st, client, tracker, prefetch.Config{
		TopConversations: cfg.Prefetch.TopConversations,
		MaxConcurrent:    cfg.Prefetch.MaxConcurrent,
		HoverDelay:       cfg.Prefetch.HoverDelay.Duration,
		ScrollWindow:     cfg.Prefetch.ScrollWindow,
		PageSize:         cfg.Cache.PageSize,
	}, b, logger.Named("prefetch"))
}

func provideController(cfg *config.Config, st store.Store, client *api.Client, hub *realtime.Hub, ob *outbox.Manager, pf *prefetch.Controller, b *bus.Bus, logger *zap.Logger) *controller.Controller {
	return controller.New(controller.Config{
		Self:                       outbox.SenderInfo{ID: cfg.Sync.UserID},
		PageSize:                   cfg.Cache.PageSize,
		DedupWindow:                cfg.Sync.DedupWindow.Duration,
		TypingTTL:                  cfg.Sync.TypingTTL.Duration,
		MaxConversations:           cfg.Cache.MaxConversations,
		MaxMessagesPerConversation: cfg.Cache.MaxMessagesPerConversation,
	}, controller.Deps{
		Store:    st,
		API:      client,
		Hub:      hub,
		Outbox:   ob,
		Prefetch: pf,
		Bus:      b,
		Logger:   logger.Named("controller"),
	})
}

func provideHealth() *health.Server {
	return health.NewServer()
}

func registerLifecycle(
	lc fx.Lifecycle,
	cfg *config.Config,
	srv *Server,
	db *store.DB,
	transport *realtime.WSTransport,
	hub *realtime.Hub,
	ctrl *controller.Controller,
	hs *health.Server,
	machine *status.Machine,
	b *bus.Bus,
	logger *zap.Logger,
) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{}, 3)

	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			if cfg.Sync.UserID == "" {
				logger.Warn("sync.user_id is not set, the list channel will not be subscribed")
			}

			// Subscribe before the transport starts so the first status change is seen.
			events, unsub := b.Subscribe("realtime.", 16)
			go func() {
				defer func() { done <- struct{}{} }()
				defer unsub()
				trackHealth(ctx, events, hs, machine.Current())
			}()

			go func() {
				defer func() { done <- struct{}{} }()
				hub.Run(ctx)
			}()

			go func() {
				defer func() { done <- struct{}{} }()
				err := transport.Run(ctx)
				switch {
				case errors.Is(err, realtime.ErrGaveUp):
					logger.Error("realtime transport gave up, serving from cache only", zap.Error(err))
				case err != nil && !errors.Is(err, context.Canceled):
					logger.Error("realtime transport stopped", zap.Error(err))
				}
			}()

			go func() {
				if err := srv.Start(); err != nil {
					logger.Error("gRPC server error", zap.Error(err))
				}
			}()

			list := ctrl.OpenList(ctx)
			logger.Info("conversation list opened", zap.Int("cached", list.Len()))
			return nil
		},
		OnStop: func(stopCtx context.Context) error {
			ctrl.Close()
			cancel()
			for i := 0; i < 3; i++ {
				select {
				case <-done:
				case <-stopCtx.Done():
					logger.Warn("timed out waiting for background workers")
					return stopCtx.Err()
				}
			}
			srv.Stop(stopCtx)
			if err := db.Close(); err != nil {
				logger.Warn("error closing store", zap.Error(err))
			}
			b.Close()
			logger.Info("sync agent stopped")
			return nil
		},
	})
}
