package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"github.com/phtran-dev/saola-eventq/internal/cache"
	"github.com/phtran-dev/saola-eventq/internal/config"
	"github.com/phtran-dev/saola-eventq/internal/dispatch"
	"github.com/phtran-dev/saola-eventq/internal/pkg/clock"
	"github.com/phtran-dev/saola-eventq/internal/queue"
	"github.com/phtran-dev/saola-eventq/internal/scheduler"
	"github.com/phtran-dev/saola-eventq/internal/storage"
	"github.com/phtran-dev/saola-eventq/internal/storage/spannerdb"
	"github.com/phtran-dev/saola-eventq/internal/storage/sqlite"
	resthttp "github.com/phtran-dev/saola-eventq/internal/transport/http"
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("server failed: %v", err)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	defer logger.Sync()

	logger.Info("starting event queue",
		zap.String("backend", cfg.Backend),
		zap.Int("max_retry", cfg.MaxRetry),
		zap.Duration("throttle", cfg.ThrottleDelay))

	registry := config.NewRegistry(nil, logger)
	if cfg.AppsFile != "" {
		registry, err = config.LoadRegistry(cfg.AppsFile, logger)
		if err != nil {
			return fmt.Errorf("load app registry: %w", err)
		}
	}
	logger.Info("app registry loaded", zap.Int("apps", len(registry.Apps())))

	pol := cfg.Policy()
	clk := clock.NewRealClock()

	var backend storage.Backend
	switch cfg.Backend {
	case config.BackendSpanner:
		backend, err = spannerdb.Open(ctx, cfg.SpannerDatabase, clk, pol, logger)
	default:
		backend, err = sqlite.Open(cfg.DBPath, clk, pol, logger)
	}
	if err != nil {
		return fmt.Errorf("open storage backend: %w", err)
	}
	defer backend.Close()

	var jobCache *cache.JobCache
	if cfg.EnableJobCache {
		jobCache = cache.New(cfg.JobCacheLimit, cfg.JobCacheTypes)
	}

	executor := dispatch.NewHTTPExecutor(logger)
	describer := dispatch.NewHTTPResourceDescriber(cfg.ImagingServerURL)
	jobs := dispatch.NewHTTPJobStatusClient(cfg.ImagingServerURL)
	notifier := &dispatch.LogNotifier{Log: logger}

	service := queue.New(queue.Params{
		Backend:  backend,
		Registry: registry,
		Jobs:     jobs,
		Notifier: notifier,
		JobCache: jobCache,
		Clock:    clk,
		Logger:   logger,
	})

	sched := scheduler.New(scheduler.Params{
		Backend:   backend,
		Registry:  registry,
		Policy:    pol,
		Executor:  executor,
		Describer: describer,
		Jobs:      jobs,
		Notifier:  notifier,
		JobCache:  jobCache,
		Clock:     clk,
		Logger:    logger,
	})
	service.SetExecutor(sched)

	restServer := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: resthttp.NewHandler(service, logger).Routes(),
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		if err := sched.Run(groupCtx); err != nil {
			return fmt.Errorf("scheduler: %w", err)
		}
		return nil
	})
	group.Go(func() error {
		logger.Info("rest listening", zap.String("addr", cfg.HTTPAddr))
		if err := restServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("rest server: %w", err)
		}
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return restServer.Shutdown(shutdownCtx)
	})

	return group.Wait()
}

func newLogger(level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("parse log level %q: %w", level, err)
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	return cfg.Build()
}
