package app

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strings"

	"relator/api/db"
	"relator/api/internal/archive"
	"relator/api/internal/association"
	"relator/api/internal/auth"
	"relator/api/internal/cache"
	"relator/api/internal/config"
	"relator/api/internal/history"
	"relator/api/internal/invoke"
	"relator/api/internal/lock"
	"relator/api/internal/nodes"
	"relator/api/internal/schema"
	"relator/api/internal/search"
	"relator/api/internal/session"
	"relator/api/internal/store"
)

// Runtime is the fully wired process: the api server and relatorctl both
// build one from the environment.
type Runtime struct {
	Config   config.Config
	Store    store.Store
	Defs     *schema.Registry
	History  *history.Service
	Nodes    *nodes.Service
	Queue    *association.StoreQueue
	Registry *association.Registry
	Creator  *association.Creator
	Executor *association.Executor
	Search   *search.Service
	Archive  *archive.Exporter
	Service  *Service

	closers []func() error
}

type WireOptions struct {
	// SelfInvoke schedules executor runs by posting to the api's own execute
	// endpoint. Without it runs happen only when a caller drains the queue.
	SelfInvoke bool
	// Search mirrors node writes into Meilisearch when one is configured.
	Search bool
}

func Wire(ctx context.Context, cfg config.Config, opts WireOptions, logger *slog.Logger) (*Runtime, error) {
	if logger == nil {
		logger = slog.Default()
	}
	rt := &Runtime{Config: cfg}

	docs, err := openStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	rt.Store = docs
	rt.closers = append(rt.closers, docs.Close)

	var (
		kv     cache.Cache = cache.Nop{}
		locker lock.Locker = lock.NewMemory()
		spent  TokenLedger
	)
	if strings.TrimSpace(cfg.RedisURL) != "" {
		client, err := cache.Connect(cfg.RedisURL)
		if err != nil {
			rt.Close()
			return nil, err
		}
		kv = cache.NewRedis(client)
		locker = lock.NewRedis(client)
		spent = session.NewRedisStore(client)
		rt.closers = append(rt.closers, client.Close)
	} else {
		logger.Warn("REDIS_URL not set, using process-local cache and locks")
	}

	issuer := auth.NewIssuer(cfg.InvokeSecret, cfg.InvokeTokenTTL)
	var invoker association.Invoker
	if opts.SelfInvoke {
		invoker = invoke.NewHTTP(cfg.SelfURL, issuer, nil, logger)
	}

	rt.Defs = schema.NewRegistry(docs, kv, cfg.CacheTTL, logger)
	rt.History = history.NewService(docs, kv, rt.Defs, cfg.CacheTTL, logger)
	rt.Queue = association.NewStoreQueue(docs)
	rt.Registry = association.NewRegistry(docs)
	rt.Creator = association.NewCreator(rt.Queue, rt.Registry, rt.Defs, invoker, logger)

	listeners := []nodes.WriteListener{rt.Creator}
	var meiliClient *search.Meili
	if opts.Search && strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient = search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey, logger)
		rt.closers = append(rt.closers, func() error { meiliClient.Close(); return nil })
	}
	var backend search.Backend
	if meiliClient != nil {
		backend = meiliClient
	}
	rt.Search = search.NewService(backend, search.NewScan(docs), logger)
	if backend != nil {
		listeners = append(listeners, rt.Search)
	}

	rt.Nodes = nodes.NewService(docs, rt.History, rt.Defs, logger, listeners...)
	rt.Executor = association.NewExecutor(rt.Queue, rt.Registry, rt.Creator, rt.Nodes, rt.Defs, locker, invoker, association.Options{
		BatchSize:     cfg.TaskBatchSize,
		TaskDelay:     cfg.TaskDelay,
		LockTTL:       cfg.LockTTL,
		TargetLockTTL: cfg.TargetLockTTL,
	}, logger)

	if strings.TrimSpace(cfg.ArchiveEndpoint) != "" {
		bucket, err := archive.NewMinioBucket(ctx, archive.MinioConfig{
			Endpoint:  cfg.ArchiveEndpoint,
			Bucket:    cfg.ArchiveBucket,
			AccessKey: cfg.ArchiveAccessKey,
			SecretKey: cfg.ArchiveSecretKey,
			UseSSL:    cfg.ArchiveUseSSL,
		})
		if err != nil {
			logger.Warn("history archive disabled", "error", err)
		} else {
			rt.Archive = archive.NewExporter(rt.History, bucket, logger)
		}
	}

	rt.Service = NewService(Deps{
		Store:    docs,
		Nodes:    rt.Nodes,
		History:  rt.History,
		Defs:     rt.Defs,
		Creator:  rt.Creator,
		Executor: rt.Executor,
		Queue:    rt.Queue,
		Issuer:   issuer,
		Search:   rt.Search,
		Spent:    spent,
		Logger:   logger,
	})
	return rt, nil
}

func openStore(ctx context.Context, cfg config.Config) (store.Store, error) {
	var migrations fs.FS = db.Migrations
	if cfg.MigrationsDir != "" {
		migrations = os.DirFS(cfg.MigrationsDir)
	}
	dsn := cfg.DatabaseURL
	if cfg.StoreDriver == store.DriverSQLite {
		dsn = cfg.SQLitePath
	}
	docs, err := store.New(ctx, cfg.StoreDriver, dsn, migrations)
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", cfg.StoreDriver, err)
	}
	return docs, nil
}

// SeedDefinitions applies every definition file of dir.
func (rt *Runtime) SeedDefinitions(ctx context.Context, dir string) error {
	defs, err := schema.LoadDir(dir)
	if err != nil {
		return err
	}
	for _, def := range defs {
		if _, err := rt.Service.ApplyDefinition(ctx, def); err != nil {
			return err
		}
	}
	return nil
}

// WatchDefinitions re-applies definition files of dir as they change until
// ctx is done.
func (rt *Runtime) WatchDefinitions(ctx context.Context, dir string) error {
	watcher, err := schema.NewWatcher(dir, func(ctx context.Context, def *schema.Definition) error {
		_, err := rt.Service.ApplyDefinition(ctx, def)
		return err
	}, nil)
	if err != nil {
		return err
	}
	rt.closers = append(rt.closers, func() error { watcher.Close(); return nil })
	go watcher.Run(ctx)
	return nil
}

// Close releases connections in reverse order of acquisition.
func (rt *Runtime) Close() error {
	var errs []error
	for i := len(rt.closers) - 1; i >= 0; i-- {
		if err := rt.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	rt.closers = nil
	return errors.Join(errs...)
}
