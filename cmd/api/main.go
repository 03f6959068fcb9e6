package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"pharmatrack.org/internal/audit"
	"pharmatrack.org/internal/auth"
	"pharmatrack.org/internal/cache"
	"pharmatrack.org/internal/config"
	"pharmatrack.org/internal/httpapi"
	"pharmatrack.org/internal/lines"
	"pharmatrack.org/internal/migrate"
	"pharmatrack.org/internal/obs"
	"pharmatrack.org/internal/processes"
	"pharmatrack.org/internal/store"
	"pharmatrack.org/internal/store/memstore"
	"pharmatrack.org/internal/store/pg"
	"pharmatrack.org/internal/stream"
	"pharmatrack.org/internal/users"
)

var (
	version = "0.1.0"
	commit  = "unknown"
)

const readinessInterval = 10 * time.Second

func main() {
	configPath := flag.String("config", "", "path to YAML config (defaults to PHARMATRACK_CONFIG or configs/pharmatrack.yaml)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	logger, err := obs.NewLogger(obs.LogConfig{Level: cfg.Log.Level, Format: cfg.Log.Format})
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()
	obs.SetLogger(logger)

	obs.Init()
	obs.InitBuildInfo(version, commit)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal("pharmatrack-api stopped with error", zap.Error(err))
	}
	logger.Info("stopped")
}

func openStore(ctx context.Context, cfg config.Config, logger *zap.Logger) (store.Gateway, error) {
	if cfg.Database.DSN == "" {
		logger.Warn("database.dsn not set, using in-memory store")
		return memstore.New(), nil
	}
	st, err := pg.Open(cfg.Database.DSN)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if cfg.Database.AutoMigrate {
		mgr := migrate.NewManager(st.DB(), migrate.Migrations(), migrate.Seeds(), migrate.WithLogger(logger))
		if err := mgr.Up(ctx); err != nil {
			_ = st.Close()
			return nil, fmt.Errorf("migrate: %w", err)
		}
	}
	return st, nil
}

func run(ctx context.Context, cfg config.Config, logger *zap.Logger) error {
	st, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	// Without Redis the cache is a pass-through and revocations live in memory.
	var (
		c           *cache.Cache
		revocations auth.RevocationStore = auth.NewMemoryRevocations()
	)
	if cfg.Redis.Addr != "" {
		client := cache.NewRedisClient(cache.RedisOptions{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		c = cache.New(cache.NewRedisBackend(client),
			cache.WithTTL(cfg.Cache.DefaultTTL),
			cache.WithLogger(logger.Named("cache")))
		c.Start(ctx)
		defer c.Close()
		revocations = auth.NewRedisRevocations(client)
	} else {
		logger.Warn("redis.addr not set, caching disabled and sessions revoked in memory only")
	}

	events := stream.New()
	rec := audit.NewRecorder(st.Reader(), audit.WithLogger(logger.Named("audit")))
	userSvc := users.NewService(st, rec,
		users.WithCache(c), users.WithPublisher(events), users.WithLogger(logger.Named("users")))
	lineSvc := lines.NewService(st, rec,
		lines.WithCache(c), lines.WithPublisher(events), lines.WithLogger(logger.Named("lines")))
	processSvc := processes.NewService(st, rec,
		processes.WithCache(c), processes.WithPublisher(events), processes.WithLogger(logger.Named("processes")))

	tokens, err := auth.NewTokens(cfg.Auth.Secret,
		auth.WithIssuer(cfg.Auth.Issuer),
		auth.WithAccessTTL(cfg.Auth.AccessTTL))
	if err != nil {
		return err
	}
	authSvc, err := auth.NewService(tokens, revocations, userSvc, auth.WithLogger(logger.Named("auth")))
	if err != nil {
		return err
	}

	if cfg.Bootstrap.AdminEmail != "" {
		if _, created, err := userSvc.Bootstrap(ctx, cfg.Bootstrap.AdminEmail, cfg.Bootstrap.AdminPassword); err != nil {
			return fmt.Errorf("bootstrap administrator: %w", err)
		} else if !created {
			logger.Info("users exist, bootstrap skipped")
		}
	}

	opts := []httpapi.Option{
		httpapi.WithLogger(logger.Named("http")),
		httpapi.WithVersion(version),
		httpapi.WithAllowedOrigins(cfg.HTTP.AllowedOrigins...),
		httpapi.WithMaxBodyBytes(cfg.HTTP.MaxBodyBytes),
		httpapi.WithLoaderWait(cfg.Loader.Wait),
	}
	if cfg.RateLimit.Enabled {
		opts = append(opts, httpapi.WithRateLimit(cfg.RateLimit.Burst, cfg.RateLimit.PerSecond))
	}
	api := httpapi.New(httpapi.Deps{
		Store:     st,
		Cache:     c,
		Stream:    events,
		Auth:      authSvc,
		Audit:     rec,
		Lines:     lineSvc,
		Processes: processSvc,
		Users:     userSvc,
	}, opts...)

	srv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           api.Handler(),
		ReadTimeout:       cfg.HTTP.ReadTimeout,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      cfg.HTTP.WriteTimeout,
		IdleTimeout:       60 * time.Second,
	}
	grpcSrv := httpapi.NewGRPCServer(httpapi.ReadyProbe{Store: st}, httpapi.WithGRPCLogger(logger.Named("grpc")))

	g, gctx := errgroup.WithContext(ctx)

	if c != nil {
		invalidations := events.SubscribeLossless(gctx)
		g.Go(func() error {
			c.Consume(gctx, invalidations)
			return nil
		})
		g.Go(func() error {
			c.Monitor(gctx, cfg.Cache.MonitorInterval)
			return nil
		})
		g.Go(func() error {
			for _, warm := range []func(context.Context) error{lineSvc.Warm, processSvc.Warm, userSvc.Warm} {
				if err := warm(gctx); err != nil {
					logger.Warn("cache warm failed", zap.Error(err))
				}
			}
			return nil
		})
	}

	g.Go(func() error {
		logger.Info("http server listening", zap.String("addr", srv.Addr), zap.String("version", version))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http listen: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		lis, err := net.Listen("tcp", cfg.GRPC.Addr)
		if err != nil {
			return fmt.Errorf("grpc listen: %w", err)
		}
		return grpcSrv.Serve(lis)
	})

	g.Go(func() error {
		grpcSrv.WatchReadiness(gctx, readinessInterval)
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		httpErr := srv.Shutdown(shutdownCtx)
		grpcErr := grpcSrv.Shutdown(shutdownCtx)
		return errors.Join(httpErr, grpcErr)
	})

	return g.Wait()
}
