// Command vault-server is the Vault's request-serving process (spec
// §2 [ADD]): it hosts the HTTP route table, drives the Lifecycle Store
// and Cache directly, and answers cook_request — but never cooks
// in-process on a request goroutine. Cooking happens on a bounded pool
// of worker goroutines behind the in-process Scheduler Adapter, running
// in this same binary in the default, embedded deployment.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/SoftwareHeritage/swh-vault/internal/config"
	"github.com/SoftwareHeritage/swh-vault/internal/wiring"
	"github.com/SoftwareHeritage/swh-vault/pkg/cache"
	"github.com/SoftwareHeritage/swh-vault/pkg/cooker"
	"github.com/SoftwareHeritage/swh-vault/pkg/coordinator"
	"github.com/SoftwareHeritage/swh-vault/pkg/httpapi"
	"github.com/SoftwareHeritage/swh-vault/pkg/lifecycle"
	"github.com/SoftwareHeritage/swh-vault/pkg/metrics"
	"github.com/SoftwareHeritage/swh-vault/pkg/notification"
	"github.com/SoftwareHeritage/swh-vault/pkg/scheduler"
	vaultstorage "github.com/SoftwareHeritage/swh-vault/pkg/storage"
	"github.com/SoftwareHeritage/swh-vault/pkg/vault"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the Vault's YAML configuration")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "vault-server: %v\n", err)
		os.Exit(1)
	}

	zapLogger, err := wiring.NewLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "vault-server: %v\n", err)
		os.Exit(1)
	}
	defer zapLogger.Sync()
	logger := zapLogger.Sugar()

	db, err := wiring.Connect(cfg, zapLogger)
	if err != nil {
		logger.Fatalw("vault-server: database setup failed", "error", err)
	}
	defer db.Close()

	store := lifecycle.New(db, zapLogger)
	cacheOpts := []cache.Option{}
	if cfg.Cache.RedisAddr != "" {
		cacheOpts = append(cacheOpts, cache.WithRedis(redis.NewClient(&redis.Options{Addr: cfg.Cache.RedisAddr})))
	}
	blobs, err := cache.New(cfg.Cache.Root, cfg.Cache.Slicing, cfg.Cache.AllowDelete, logger, cacheOpts...)
	if err != nil {
		logger.Fatalw("vault-server: cache setup failed", "error", err)
	}
	notifier := notification.New(cfg.SMTP.Host, cfg.SMTP.Port, cfg.SMTP.From, logger)

	archive := vaultstorage.NewHTTPClient(cfg.Storage.Endpoint, cfg.Storage.GraphEndpoint)
	var graph vaultstorage.Graph
	if archive.HasGraph() {
		graph = archive
	}
	cookers := wiring.NewCookerFactory(archive, graph, logger)

	sched := scheduler.NewInProcessScheduler(cfg.Scheduler.WorkerPoolSize, cfg.Scheduler.QueueSize,
		cookHandler(cookers, store, blobs, notifier, cfg.MaxBundleSize, logger), logger)

	coord := coordinator.New(store, sched, notifier, coordinator.CookerFactory(cookers), logger)

	router := httpapi.NewRouter(httpapi.Deps{
		Store:       store,
		Cache:       blobs,
		Notifier:    notifier,
		Coordinator: coord,
		Logger:      logger,
	})

	metricsSrv := metrics.NewServer(cfg.Server.MetricsPort, logger)
	metricsSrv.StartAsync()

	apiSrv := &http.Server{Addr: ":" + cfg.Server.Port, Handler: router}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	schedErrCh := make(chan error, 1)
	go func() { schedErrCh <- sched.Run(ctx) }()

	go func() {
		logger.Infow("vault-server: listening", "addr", apiSrv.Addr)
		if err := apiSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Errorw("vault-server: serve failed", "error", err)
		}
	}()

	<-ctx.Done()
	logger.Info("vault-server: shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := apiSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warnw("vault-server: http shutdown error", "error", err)
	}
	if err := metricsSrv.Stop(shutdownCtx); err != nil {
		logger.Warnw("vault-server: metrics shutdown error", "error", err)
	}
	if err := <-schedErrCh; err != nil {
		logger.Warnw("vault-server: scheduler stopped with error", "error", err)
	}
}

// cookHandler closes the Cooker Framework's run loop into a
// scheduler.Handler: embedded-mode dispatch, building the concrete
// Cooker for the task's (type, id) pair and running cooker.Cook
// directly against this process's own Store/Cache/Notifier (spec §2
// [ADD]'s "embedded mode").
func cookHandler(cookers func(vault.BundleType, vault.ObjectID) (cooker.Cooker, error), store cooker.Store, blobs cooker.BundleCache, notifier cooker.Notifier, maxBundleSize int64, logger *zap.SugaredLogger) scheduler.Handler {
	return func(ctx context.Context, task scheduler.Task) error {
		bundleType := vault.BundleType(task.Type)
		id, err := vault.ObjectIDFromHex(task.HexID)
		if err != nil {
			return fmt.Errorf("vault-server: bad task hex id %q: %w", task.HexID, err)
		}
		c, err := cookers(bundleType, id)
		if err != nil {
			return err
		}
		return cooker.Cook(ctx, c, id, store, blobs, notifier, maxBundleSize, logger)
	}
}
