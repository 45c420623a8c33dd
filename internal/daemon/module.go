// Package daemon composes the sync engine: store, remote, outbox, listener
// and presence, wired with fx lifecycle hooks.
package daemon

import (
	"context"
	"os"
	"path/filepath"

	"github.com/lucasmbraz/syncbox/internal/bus"
	"github.com/lucasmbraz/syncbox/internal/config"
	"github.com/lucasmbraz/syncbox/internal/lock"
	"github.com/lucasmbraz/syncbox/internal/logging"
	"github.com/lucasmbraz/syncbox/internal/outbox"
	"github.com/lucasmbraz/syncbox/internal/presence"
	"github.com/lucasmbraz/syncbox/internal/remote"
	"github.com/lucasmbraz/syncbox/internal/store"
	intsync "github.com/lucasmbraz/syncbox/internal/sync"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Params holds the resolved startup options passed to the fx module.
type Params struct {
	ConfigPath string // empty = <data dir>/config.toml
}

// Module returns the fx module for the daemon, composing all providers and
// lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideConfig,
			provideLogger,
			provideBus,
			provideLock,
			provideStore,
			provideRemote,
			provideQueue,
			provideCoordinator,
			provideListener,
			provideSender,
			providePresence,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideConfig(p Params) (*config.Config, error) {
	path := p.ConfigPath
	if path == "" {
		path = filepath.Join(config.Default().DataDir, "config.toml")
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return config.Default(), nil
	}
	return config.Load(path)
}

func provideLogger(cfg *config.Config) (*zap.Logger, error) {
	return logging.New(cfg.LogPath(), cfg.Actor)
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideLock(cfg *config.Config, logger *zap.Logger) (*lock.Lock, error) {
	logger.Info("acquiring data dir lock", zap.String("data_dir", cfg.DataDir))
	l, err := lock.Acquire(cfg.DataDir)
	if err != nil {
		return nil, err
	}
	logger.Info("data dir lock acquired")
	return l, nil
}

func provideStore(cfg *config.Config, logger *zap.Logger) (*store.DB, error) {
	dbPath := cfg.DBPath()
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
	// Entries caught mid-attempt by a crash go back to queued; the sender
	// would otherwise never see them again.
	recovered, err := db.RecoverOutbox()
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	if recovered > 0 {
		logger.Info("recovered in-flight outbox entries", zap.Int64("count", recovered))
	}
	logger.Info("store initialized", zap.String("path", dbPath))
	return db, nil
}

func provideRemote(cfg *config.Config, logger *zap.Logger) remote.Store {
	if cfg.RemoteURL == "" {
		logger.Info("no remote_url configured, using in-process remote")
		return remote.NewMemory()
	}
	return remote.NewClient(cfg.RemoteURL, logger)
}

func provideQueue(cfg *config.Config, db *store.DB) *outbox.Queue {
	return outbox.NewQueue(db, outbox.Policy{
		Base:        cfg.BackoffBase(),
		Max:         cfg.BackoffMax(),
		MaxAttempts: cfg.Backoff.MaxAttempts,
	})
}

func provideCoordinator(cfg *config.Config, db *store.DB, queue *outbox.Queue, rs remote.Store, b *bus.Bus, logger *zap.Logger) *intsync.Coordinator {
	return intsync.NewCoordinator(db, queue, rs, b, cfg.Actor, logger)
}

func provideListener(cfg *config.Config, db *store.DB, rs remote.Store, b *bus.Bus, logger *zap.Logger) *intsync.Listener {
	return intsync.NewListener(db, rs, b, cfg.Actor, logger)
}

func provideSender(queue *outbox.Queue, coord *intsync.Coordinator, b *bus.Bus, logger *zap.Logger) *outbox.Sender {
	return outbox.NewSender(queue, coord, b, logger)
}

func providePresence(cfg *config.Config, rs remote.Store, logger *zap.Logger) *presence.Channel {
	return presence.NewChannel(rs, cfg.Actor, cfg.PresenceThrottle(), cfg.PresenceIdle(), logger)
}

func registerLifecycle(lc fx.Lifecycle, lk *lock.Lock, db *store.DB, rs remote.Store, listener *intsync.Listener, sender *outbox.Sender, ch *presence.Channel, b *bus.Bus, logger *zap.Logger) {
	ctx, cancel := context.WithCancel(context.Background())

	lc.Append(fx.Hook{
		OnStart: func(startCtx context.Context) error {
			if client, ok := rs.(*remote.Client); ok {
				if err := client.Connect(startCtx); err != nil {
					return err
				}
			}

			// Resume listening on every known conversation scope.
			convs, err := db.ListConversations(10000, 0, true)
			if err != nil {
				return err
			}
			for _, conv := range convs {
				if err := listener.Listen(ctx, conv.ID); err != nil {
					logger.Error("failed to resume scope", zap.Error(err), zap.String("conv_id", conv.ID))
				}
			}

			// Newly created conversations get a scope subscription as soon as
			// their local record appears.
			events, unsubscribe := b.Subscribe(bus.KindEntityUpserted, 64)
			go func() {
				defer unsubscribe()
				for {
					select {
					case ev, ok := <-events:
						if !ok {
							return
						}
						payload, ok := ev.Payload.(map[string]string)
						if !ok {
							continue
						}
						if convID := payload["conv_id"]; convID != "" {
							if err := listener.Listen(ctx, convID); err != nil {
								logger.Error("failed to subscribe scope", zap.Error(err), zap.String("conv_id", convID))
							}
						}
					case <-ctx.Done():
						return
					}
				}
			}()

			sender.Start(ctx)
			logger.Info("daemon started")
			return nil
		},
		OnStop: func(context.Context) error {
			cancel()
			sender.Stop()
			ch.Close()
			listener.CloseAll()
			if client, ok := rs.(*remote.Client); ok {
				if err := client.Close(); err != nil {
					logger.Warn("error closing remote", zap.Error(err))
				}
			}
			if err := db.Close(); err != nil {
				logger.Warn("error closing store", zap.Error(err))
			}
			if err := lk.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("daemon stopped")
			return nil
		},
	})
}
