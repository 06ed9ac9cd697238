// Package app wires the fishkeeper core from a Config: local persistence,
// the remote document store, encryption, the sync queue, the migration
// orchestrator, status reporting and the session/record services.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"

	"github.com/dmitrijs2005/fishkeeper/internal/auth"
	"github.com/dmitrijs2005/fishkeeper/internal/config"
	"github.com/dmitrijs2005/fishkeeper/internal/db"
	"github.com/dmitrijs2005/fishkeeper/internal/encryption"
	"github.com/dmitrijs2005/fishkeeper/internal/guest"
	"github.com/dmitrijs2005/fishkeeper/internal/logging"
	"github.com/dmitrijs2005/fishkeeper/internal/migration"
	"github.com/dmitrijs2005/fishkeeper/internal/models"
	"github.com/dmitrijs2005/fishkeeper/internal/netx"
	"github.com/dmitrijs2005/fishkeeper/internal/photos"
	"github.com/dmitrijs2005/fishkeeper/internal/reachability"
	"github.com/dmitrijs2005/fishkeeper/internal/remote"
	"github.com/dmitrijs2005/fishkeeper/internal/remote/firestorestore"
	"github.com/dmitrijs2005/fishkeeper/internal/remote/memstore"
	"github.com/dmitrijs2005/fishkeeper/internal/remote/mongostore"
	"github.com/dmitrijs2005/fishkeeper/internal/remote/pgstore"
	"github.com/dmitrijs2005/fishkeeper/internal/repositories/kv"
	"github.com/dmitrijs2005/fishkeeper/internal/repositories/queue"
	"github.com/dmitrijs2005/fishkeeper/internal/retry"
	"github.com/dmitrijs2005/fishkeeper/internal/services"
	"github.com/dmitrijs2005/fishkeeper/internal/status"
	"github.com/dmitrijs2005/fishkeeper/internal/storage"
	"github.com/dmitrijs2005/fishkeeper/internal/syncqueue"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

type App struct {
	config *config.Config
	logger logging.Logger

	DB        *sql.DB
	Local     storage.Store
	Remote    remote.DocumentStore
	Gateway   *remote.Gateway
	Engine    *encryption.Engine
	Guests    *guest.Store
	Queue     *syncqueue.Queue
	Migration *migration.Orchestrator
	Reach     *reachability.Monitor
	Network   *netx.Watcher
	Status    *status.Facade
	Registry  *prometheus.Registry
	Auth      *auth.Broadcaster
	Session   *services.SessionService
	Records   *services.RecordService
	// Photos is nil when no bucket is configured.
	Photos *photos.Service

	token   atomic.Value
	unbind  func()
	closers []func(context.Context) error
}

// NewApp builds every component. On error the components opened so far
// are closed.
func NewApp(ctx context.Context, c *config.Config, logger logging.Logger) (_ *App, err error) {
	logger = logging.OrDiscard(logger)
	a := &App{config: c, logger: logger}
	a.token.Store("")
	defer func() {
		if err != nil {
			_ = a.Close(context.WithoutCancel(ctx))
		}
	}()

	if err := a.openLocal(ctx); err != nil {
		return nil, err
	}
	if err := a.openRemote(ctx); err != nil {
		return nil, err
	}

	a.Engine = encryption.NewEngine(encryption.Options{
		AppSecret: []byte(c.AppSecret),
		Salts:     a.Remote,
		Logger:    logger,
	})
	if c.AppSecret == "" {
		logger.Warn(ctx, "no application secret configured, records will sync unencrypted")
	}

	a.Gateway, err = remote.NewGateway(a.Remote, a.Engine, remote.GatewayOptions{CacheMaxCost: c.CacheMaxCost, Logger: logger})
	if err != nil {
		_ = a.Remote.Close(ctx)
		return nil, fmt.Errorf("gateway init error: %w", err)
	}
	a.closers = append(a.closers, a.Gateway.Close)

	a.Guests = guest.NewStore(a.Local, guest.Options{
		MaxSessions: c.GuestMaxSessions,
		Retention:   c.GuestRetention,
		Logger:      logger,
	})

	rc := retry.Config{
		MaxAttempts: c.RetryMaxAttempts,
		InitialWait: c.RetryInitialWait,
		MaxWait:     c.RetryMaxWait,
		Multiplier:  2,
	}
	a.Queue, err = syncqueue.New(ctx, queue.NewSQLiteRepository(a.DB), a.Gateway, a.Local, syncqueue.Options{Retry: rc, Logger: logger})
	if err != nil {
		return nil, fmt.Errorf("sync queue init error: %w", err)
	}

	a.Migration = migration.New(a.Gateway, a.Engine, a.Local, migration.Options{
		PageSize: c.MigrationPageSize,
		Retry:    rc,
		Logger:   logger,
	})
	a.Migration.Subscribe(migration.Listener{
		OnIndexError: func(ev migration.IndexErrorEvent) {
			logger.Error(ctx, "migration needs a remote index", "collection", ev.Collection, "create_at", ev.RemediationURL)
		},
	})

	if err := a.buildReachability(ctx); err != nil {
		return nil, err
	}
	a.Network = netx.NewWatcher(c.ConnectivityAddr, c.ProbeTimeout, logger)

	a.Registry = prometheus.NewRegistry()
	a.Registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	a.Status = status.New(a.Queue, a.Migration, a.Reach, status.Options{
		StuckAfter: c.StuckAfter,
		Online:     a.Network.Online,
		Owner:      a.Queue.Owner,
		Metrics:    status.NewMetrics(a.Registry),
		Logger:     logger,
	})

	a.Auth = auth.NewBroadcaster(auth.NewVerifier([]byte(c.AuthSecret), c.AuthIssuer))
	a.Session, err = services.NewSessionService(services.SessionOptions{
		Keys:      a.Engine,
		Queue:     a.Queue,
		Migration: a.Migration,
		Guests:    a.Guests,
		Merger:    guest.NewMerger(a.Guests, a.Queue, logger),
		Cache:     a.Gateway,
		Logger:    logger,
	})
	if err != nil {
		return nil, err
	}
	a.unbind = a.Session.Bind(context.WithoutCancel(ctx), a.Auth)

	a.Records, err = services.NewRecordService(services.RecordOptions{
		Identity: a.Session,
		Guests:   a.Guests,
		Queue:    a.Queue,
		Remote:   a.Gateway,
		Local:    a.Local,
		Logger:   logger,
	})
	if err != nil {
		return nil, err
	}

	if c.S3Bucket != "" {
		a.Photos, err = photos.New(ctx, photos.Config{
			Region:    c.S3Region,
			Endpoint:  c.S3Endpoint,
			Bucket:    c.S3Bucket,
			AccessKey: c.S3AccessKey,
			SecretKey: c.S3SecretKey,
			PathStyle: c.S3PathStyle,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("photo store init error: %w", err)
		}
	}

	return a, nil
}

func (a *App) openLocal(ctx context.Context) error {
	c := a.config

	// the queue tables always live in sqlite
	dsn := c.DBPath
	if c.LocalBackend == config.LocalMemory {
		dsn = ":memory:"
	}
	database, err := db.Open(ctx, dsn)
	if err != nil {
		return fmt.Errorf("db init error: %w", err)
	}
	a.DB = database
	a.closers = append(a.closers, func(context.Context) error { return database.Close() })

	var store storage.Store
	switch c.LocalBackend {
	case config.LocalSQLite:
		store = kv.NewSQLiteStore(database)
	case config.LocalRedis:
		rs, err := kv.NewRedisStore(ctx, "redis://"+c.RedisAddr, "fishkeeper")
		if err != nil {
			return fmt.Errorf("redis init error: %w", err)
		}
		a.closers = append(a.closers, func(context.Context) error { return rs.Close() })
		store = rs
	case config.LocalMemory:
		store = storage.NewMemory()
	default:
		return fmt.Errorf("unknown local backend %q", c.LocalBackend)
	}
	a.Local = storage.WithQuota(store, c.LocalQuotaBytes)
	return nil
}

func (a *App) openRemote(ctx context.Context) error {
	c := a.config
	var (
		store remote.DocumentStore
		err   error
	)
	switch c.RemoteBackend {
	case config.RemoteMemory:
		store = memstore.New()
	case config.RemoteMongo:
		store, err = mongostore.Open(ctx, c.MongoURI, c.MongoDatabase)
	case config.RemoteFirestore:
		store, err = firestorestore.Open(ctx, c.FirestoreProject)
	case config.RemotePostgres:
		store, err = pgstore.Open(ctx, c.PostgresDSN)
	default:
		err = fmt.Errorf("unknown remote backend %q", c.RemoteBackend)
	}
	if err != nil {
		return fmt.Errorf("remote store init error: %w", err)
	}
	a.Remote = store
	a.logger.Info(ctx, "remote store ready", "backend", c.RemoteBackend)
	return nil
}

func (a *App) buildReachability(ctx context.Context) error {
	c := a.config
	if c.HealthTarget == "" {
		a.Reach = reachability.NewMonitor(reachability.ProberFunc(a.Gateway.Ping), c.ProbeTimeout, a.logger)
		return nil
	}
	p, err := reachability.NewGRPCHealthProber(c.HealthTarget, c.HealthService, a.currentToken)
	if err != nil {
		return fmt.Errorf("health probe init error: %w", err)
	}
	a.closers = append(a.closers, func(context.Context) error { return p.Close() })
	a.Reach = reachability.NewMonitor(p, c.ProbeTimeout, a.logger)
	a.logger.Debug(ctx, "probing remote health over grpc", "target", c.HealthTarget)
	return nil
}

func (a *App) currentToken() string { return a.token.Load().(string) }

// SignIn verifies an ID token and signs its user in.
func (a *App) SignIn(token string) (*models.Authenticated, error) {
	user, err := a.Auth.SignIn(token)
	if err != nil {
		return nil, err
	}
	a.token.Store(token)
	return user, nil
}

// SignOut signs the current user out.
func (a *App) SignOut() {
	a.token.Store("")
	a.Auth.SignOut()
}

func (a *App) initSignalHandler(ctx context.Context, cancelFunc context.CancelFunc) {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)

	go func() {
		defer signal.Stop(sigs)
		select {
		case <-sigs:
			cancelFunc()
		case <-ctx.Done():
		}
	}()
}

// Run starts the background loops (drain, probes, status) and blocks until
// ctx is done or a termination signal arrives.
func (a *App) Run(ctx context.Context) {
	ctx, cancelFunc := context.WithCancel(ctx)
	defer cancelFunc()

	a.logger.Info(ctx, "Starting fishkeeper core...")
	a.initSignalHandler(ctx, cancelFunc)

	c := a.config
	var wg sync.WaitGroup
	loops := []func(){
		func() { a.Queue.Run(ctx, c.DrainInterval) },
		func() { a.Reach.Run(ctx, c.StatusInterval) },
		func() { a.Network.Run(ctx, c.StatusInterval) },
		func() { a.Status.Run(ctx, c.StatusInterval) },
	}
	for _, loop := range loops {
		wg.Add(1)
		go func() {
			defer wg.Done()
			loop()
		}()
	}
	wg.Wait()

	a.logger.Info(context.WithoutCancel(ctx), "fishkeeper core stopped")
}

// Close stops the workers and releases every opened resource in reverse
// order.
func (a *App) Close(ctx context.Context) error {
	if a.unbind != nil {
		a.unbind()
	}
	if a.Migration != nil {
		a.Migration.Stop()
	}
	if a.Queue != nil {
		a.Queue.Stop()
	}

	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

// Config returns the configuration the app was built from.
func (a *App) Config() *config.Config { return a.config }
