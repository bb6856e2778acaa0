package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/pitabwire/civicportal/internal/application"
	"github.com/pitabwire/civicportal/internal/capability"
	"github.com/pitabwire/civicportal/internal/catalog"
	"github.com/pitabwire/civicportal/internal/config"
	"github.com/pitabwire/civicportal/internal/identity"
	"github.com/pitabwire/civicportal/internal/observability"
	"github.com/pitabwire/civicportal/internal/openapi"
	"github.com/pitabwire/civicportal/internal/profile"
	"github.com/pitabwire/civicportal/internal/transport"
)

const idempotencySweepInterval = 10 * time.Minute

func newServeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the portal API server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd.Context(), opts.cfg)
		},
	}
}

// stores holds the persistence backends selected by configuration.
type stores struct {
	records     application.RecordStore
	profiles    profile.Store
	idempotency application.IdempotencyStore
	closers     []func()
}

func (s *stores) Close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
}

// openStores connects the record, profile and idempotency stores.
func openStores(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*stores, error) {
	s := &stores{}

	switch cfg.Storage.Driver {
	case "postgres":
		pool, err := openPool(ctx, cfg.Storage)
		if err != nil {
			return nil, err
		}
		s.closers = append(s.closers, pool.Close)

		records := application.NewPgRecordStore(pool)
		profiles := profile.NewPgStore(pool)
		if err := records.EnsureSchema(ctx); err != nil {
			s.Close()
			return nil, fmt.Errorf("record store: %w", err)
		}
		if err := profiles.EnsureSchema(ctx); err != nil {
			s.Close()
			return nil, fmt.Errorf("profile store: %w", err)
		}
		s.records, s.profiles = records, profiles
		logger.Info("using postgres storage")
	default:
		s.records = application.NewMemoryRecordStore()
		s.profiles = profile.NewMemoryStore()
		logger.Warn("using in-memory storage, data is lost on restart")
	}

	if cfg.Idempotency.Enabled {
		switch cfg.Idempotency.Driver {
		case "redis":
			rdb := newRedisClient(cfg.Redis)
			if err := rdb.Ping(ctx).Err(); err != nil {
				_ = rdb.Close()
				s.Close()
				return nil, fmt.Errorf("idempotency store: redis ping: %w", err)
			}
			s.closers = append(s.closers, func() { _ = rdb.Close() })
			s.idempotency = application.NewRedisIdempotencyStore(rdb)
			logger.Info("using redis idempotency store", zap.String("addr", cfg.Redis.Addr))
		default:
			s.idempotency = application.NewMemoryIdempotencyStore()
		}
	}
	return s, nil
}

func openPool(ctx context.Context, cfg config.StorageConfig) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("storage: parse DSN: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		poolCfg.MaxConns = int32(cfg.MaxOpenConns)
	}
	poolCfg.MaxConnLifetime = cfg.ConnMaxLifetime

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("storage: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("storage: ping: %w", err)
	}
	return pool, nil
}

func newRedisClient(cfg config.RedisConfig) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
}

func serve(ctx context.Context, cfg *config.Config) error {
	if err := cfg.ValidateServer(); err != nil {
		return err
	}

	logger, err := observability.NewLogger(cfg.Observability)
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	tracingShutdown, err := observability.InitTracing(ctx, cfg.Observability.Tracing, "civicportal", version)
	if err != nil {
		return fmt.Errorf("tracing: %w", err)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := observability.InitMetrics(reg)

	defs, err := catalog.Load(cfg.Catalog.Directories)
	if err != nil {
		metrics.RecordCatalogReload("failure")
		return err
	}
	registry := catalog.NewRegistry(defs)
	metrics.SetCatalogServicesLoaded(len(registry.Services()))

	evaluator, err := capability.NewStaticPolicyEvaluator(cfg.Capability.StaticPolicyFile)
	if err != nil {
		return fmt.Errorf("static policy: %w", err)
	}
	resolver := capability.NewResolver(evaluator, cfg.Capability.Cache.TTL, cfg.Capability.Cache.MaxEntries).
		WithMetrics(metrics)

	contract, err := openapi.LoadPortal()
	if err != nil {
		return err
	}

	st, err := openStores(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	tokens := identity.NewTokenService([]byte(cfg.Identity.SigningKey),
		cfg.Identity.Issuer, cfg.Identity.Audience, cfg.Identity.TokenTTL)
	profiles := profile.NewService(st.profiles, tokens, cfg.Identity, cfg.Uploads, metrics, logger)

	appOpts := []application.Option{
		application.WithNotifier(profiles),
		application.WithMetrics(metrics),
	}
	if st.idempotency != nil {
		appOpts = append(appOpts, application.WithIdempotency(st.idempotency, cfg.Idempotency.TTL))
	}
	apps := application.NewService(st.records, registry, resolver, logger, appOpts...)

	readiness := observability.ReadinessChecks{
		CatalogLoaded: func() bool { return registry.Len() > 0 },
		RecordStore:   st.records,
		ProfileStore:  st.profiles,
	}
	if st.idempotency != nil {
		readiness.IdempotencyStore = st.idempotency
	}

	router := transport.NewRouter(transport.Dependencies{
		Config:       cfg,
		Logger:       logger,
		Metrics:      metrics,
		Gatherer:     reg,
		Tokens:       tokens,
		Capabilities: resolver,
		Catalog:      registry,
		Applications: apps,
		Profiles:     profiles,
		Contract:     contract,
		Readiness:    readiness,
	})

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           router,
		ReadTimeout:       cfg.Server.ReadTimeout,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      cfg.Server.WriteTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("server started",
			zap.Int("port", cfg.Server.Port),
			zap.String("version", version),
			zap.String("commit", commit),
			zap.Int("services", registry.Len()),
			zap.String("catalog_checksum", registry.Checksum()),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutdown initiated")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("HTTP server shutdown error", zap.Error(err))
		}
		if err := tracingShutdown(shutdownCtx); err != nil {
			logger.Error("tracing shutdown error", zap.Error(err))
		}
		return nil
	})

	if mem, ok := st.idempotency.(*application.MemoryIdempotencyStore); ok {
		g.Go(func() error {
			sweepIdempotency(gctx, mem, idempotencySweepInterval, logger)
			return nil
		})
	}

	g.Go(func() error {
		watchCatalogReload(gctx, cfg.Catalog.Directories, registry, metrics, logger)
		return nil
	})

	err = g.Wait()
	logger.Info("shutdown complete")
	return err
}

// sweepIdempotency drops expired in-memory idempotency entries.
func sweepIdempotency(ctx context.Context, store *application.MemoryIdempotencyStore, interval time.Duration, logger *zap.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := store.Purge(); n > 0 {
				logger.Debug("purged idempotency entries", zap.Int("count", n))
			}
		}
	}
}

// watchCatalogReload reloads the catalog on SIGHUP. A catalog that fails
// to load or validate leaves the running one in place.
func watchCatalogReload(ctx context.Context, dirs []string, registry *catalog.Registry, metrics *observability.Metrics, logger *zap.Logger) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			defs, err := catalog.Load(dirs)
			if err != nil {
				metrics.RecordCatalogReload("failure")
				logger.Error("catalog reload failed", zap.Error(err))
				continue
			}
			registry.Replace(defs)
			metrics.RecordCatalogReload("success")
			metrics.SetCatalogServicesLoaded(registry.Len())
			logger.Info("catalog reloaded",
				zap.Int("services", registry.Len()),
				zap.String("checksum", registry.Checksum()))
		}
	}
}
