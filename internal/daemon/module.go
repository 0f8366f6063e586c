package daemon

import (
	"context"
	"time"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/Qrutz/deelsync/internal/bus"
	"github.com/Qrutz/deelsync/internal/identity"
	"github.com/Qrutz/deelsync/internal/lock"
	"github.com/Qrutz/deelsync/internal/logging"
	"github.com/Qrutz/deelsync/internal/notify"
	"github.com/Qrutz/deelsync/internal/rest"
	"github.com/Qrutz/deelsync/internal/session"
	"github.com/Qrutz/deelsync/internal/status"
	"github.com/Qrutz/deelsync/internal/store"
	intsync "github.com/Qrutz/deelsync/internal/sync"
	"github.com/Qrutz/deelsync/internal/transport"
)

// Params holds the resolved session and backend configuration passed to
// the fx module.
type Params struct {
	SessionName string
	APIBaseURL  string
	SocketURL   string
	SocketPath  string // optional override for testing; empty = use default
}

// Module returns the fx module for the daemon, composing all providers and lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideLogger,
			provideBus,
			provideStateMachine,
			provideLock,
			provideStore,
			provideMirror,
			provideIdentity,
			provideRESTClient,
			provideSocket,
			provideNotifier,
			provideListEngine,
			provideManager,
			provideSupervisor,
			NewServer,
		),
		fx.Invoke(registerLifecycle),
	)
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

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	if err := session.EnsureDir(p.SessionName); err != nil {
		return nil, err
	}
	logger.Info("acquiring session lock", zap.String("session", p.SessionName))
	l, err := lock.Acquire(session.LockPath(p.SessionName))
	if err != nil {
		return nil, err
	}
	logger.Info("session lock acquired")
	return l, nil
}

func provideStore(p Params, logger *zap.Logger) (*store.DB, error) {
	dbPath := session.CacheDBPath(p.SessionName)
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
	logger.Info("cache initialized", zap.String("path", dbPath))
	return db, nil
}

func provideMirror(db *store.DB, b *bus.Bus, logger *zap.Logger) *store.Mirror {
	return store.NewMirror(db, b, logger)
}

func provideIdentity(p Params) *identity.Provider {
	prov := identity.NewProvider(session.TokenPath(p.SessionName))
	// Best effort; OnStart decides whether auth is required.
	_ = prov.Load()
	return prov
}

func provideRESTClient(p Params, ident *identity.Provider, logger *zap.Logger) *rest.Client {
	return rest.New(rest.Options{
		BaseURL: p.APIBaseURL,
		Token:   ident.Token,
		Retries: 2,
		Logger:  logger,
	})
}

func provideSocket(p Params, ident *identity.Provider, b *bus.Bus, logger *zap.Logger) *transport.Socket {
	return transport.NewSocket(transport.Options{
		URL:   p.SocketURL,
		Token: ident.Token,
	}, b, logger)
}

func provideNotifier(logger *zap.Logger) notify.Notifier {
	return notify.NewLogNotifier(logger)
}

func provideListEngine(ident *identity.Provider, sock *transport.Socket, b *bus.Bus, n notify.Notifier, logger *zap.Logger) *intsync.ListEngine {
	return intsync.NewListEngine(intsync.ListConfig{
		UserID:    ident.UserID,
		Transport: sock,
		Bus:       b,
		Notifier:  n,
		Logger:    logger,
	})
}

func provideManager(ident *identity.Provider, sock *transport.Socket, b *bus.Bus, logger *zap.Logger) *intsync.Manager {
	factory := func(conversationID string) *intsync.Engine {
		return intsync.NewEngine(intsync.Config{
			ConversationID: conversationID,
			UserID:         ident.UserID(),
			Transport:      sock,
			Bus:            b,
			Logger:         logger,
		})
	}
	return intsync.NewManager(factory, logger)
}

func provideSupervisor(b *bus.Bus, machine *status.Machine, ident *identity.Provider, manager *intsync.Manager, list *intsync.ListEngine, api *rest.Client, logger *zap.Logger) *Supervisor {
	return NewSupervisor(b, machine, ident, manager, list, api, logger)
}

func registerLifecycle(
	lc fx.Lifecycle,
	srv *Server,
	lk *lock.Lock,
	sock *transport.Socket,
	mirror *store.Mirror,
	sup *Supervisor,
	manager *intsync.Manager,
	list *intsync.ListEngine,
	ident *identity.Provider,
	machine *status.Machine,
	logger *zap.Logger,
) {
	daemonCtx, cancel := context.WithCancel(context.Background())

	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			// Mirror and supervisor subscribe to bus events before the
			// socket can publish any.
			mirror.Start(daemonCtx)
			sup.Start(daemonCtx)

			go func() {
				if err := srv.Start(); err != nil {
					logger.Error("control server error", zap.Error(err))
				}
			}()

			connect := func() {
				_ = machine.Transition(status.Connecting)
				sock.Start(daemonCtx)
			}

			if err := ident.Load(); err != nil || !ident.Valid() {
				logger.Info("no usable credentials, waiting for token", zap.Error(err))
				_ = machine.Transition(status.AuthRequired)
				go watchAuth(daemonCtx, ident, tokenPollInterval, connect)
				return nil
			}

			connect()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			cancel()
			manager.CloseAll()
			list.Close()
			sock.Stop()
			sup.Stop()
			mirror.Stop()
			srv.Stop(ctx)
			if err := lk.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("daemon stopped")
			return nil
		},
	})
}

const tokenPollInterval = 5 * time.Second

// watchAuth polls the token file while the daemon sits in AuthRequired.
// Signing in drops a token on disk; the daemon picks it up and connects
// without needing a restart. onReady runs at most once.
func watchAuth(ctx context.Context, ident *identity.Provider, interval time.Duration, onReady func()) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := ident.Load(); err != nil || !ident.Valid() {
				continue
			}
			onReady()
			return
		case <-ctx.Done():
			return
		}
	}
}
