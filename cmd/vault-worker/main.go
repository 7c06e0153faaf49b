// Command vault-worker is the Vault's cooking process (spec §2 [ADD]):
// it owns its own in-process Scheduler Adapter and worker pool, and
// recovers tasks orphaned by a crash between CreateTask and
// SetTaskHandle (the gap pkg/lifecycle.Store.CreateTask's own doc
// comment names) by sweeping for them on startup and periodically
// thereafter, re-enqueuing each one exactly as cook_request originally
// would have.
package main

import (
	"context"
	"flag"
	"fmt"
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
	"github.com/SoftwareHeritage/swh-vault/pkg/lifecycle"
	"github.com/SoftwareHeritage/swh-vault/pkg/notification"
	"github.com/SoftwareHeritage/swh-vault/pkg/scheduler"
	vaultstorage "github.com/SoftwareHeritage/swh-vault/pkg/storage"
	"github.com/SoftwareHeritage/swh-vault/pkg/vault"
)

// orphanSweepInterval bounds how long a task can be stuck after a
// worker crash before this process notices and re-enqueues it.
const orphanSweepInterval = 30 * time.Second

func main() {
	configPath := flag.String("config", "config.yaml", "path to the Vault's YAML configuration")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "vault-worker: %v\n", err)
		os.Exit(1)
	}

	zapLogger, err := wiring.NewLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "vault-worker: %v\n", err)
		os.Exit(1)
	}
	defer zapLogger.Sync()
	logger := zapLogger.Sugar()

	db, err := wiring.Connect(cfg, zapLogger)
	if err != nil {
		logger.Fatalw("vault-worker: database setup failed", "error", err)
	}
	defer db.Close()

	store := lifecycle.New(db, zapLogger)
	cacheOpts := []cache.Option{}
	if cfg.Cache.RedisAddr != "" {
		cacheOpts = append(cacheOpts, cache.WithRedis(redis.NewClient(&redis.Options{Addr: cfg.Cache.RedisAddr})))
	}
	blobs, err := cache.New(cfg.Cache.Root, cfg.Cache.Slicing, cfg.Cache.AllowDelete, logger, cacheOpts...)
	if err != nil {
		logger.Fatalw("vault-worker: cache setup failed", "error", err)
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

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	schedErrCh := make(chan error, 1)
	go func() { schedErrCh <- sched.Run(ctx) }()

	sweepOrphans(ctx, store, sched, logger)
	go runOrphanSweeper(ctx, store, sched, logger)

	logger.Infow("vault-worker: ready", "pool_size", cfg.Scheduler.WorkerPoolSize)
	<-ctx.Done()
	logger.Info("vault-worker: shutting down")

	if err := <-schedErrCh; err != nil {
		logger.Warnw("vault-worker: scheduler stopped with error", "error", err)
	}
}

func cookHandler(cookers func(vault.BundleType, vault.ObjectID) (cooker.Cooker, error), store cooker.Store, blobs cooker.BundleCache, notifier cooker.Notifier, maxBundleSize int64, logger *zap.SugaredLogger) scheduler.Handler {
	return func(ctx context.Context, task scheduler.Task) error {
		bundleType := vault.BundleType(task.Type)
		id, err := vault.ObjectIDFromHex(task.HexID)
		if err != nil {
			return fmt.Errorf("vault-worker: bad task hex id %q: %w", task.HexID, err)
		}
		c, err := cookers(bundleType, id)
		if err != nil {
			return err
		}
		return cooker.Cook(ctx, c, id, store, blobs, notifier, maxBundleSize, logger)
	}
}

func runOrphanSweeper(ctx context.Context, store *lifecycle.Store, sched *scheduler.InProcessScheduler, logger *zap.SugaredLogger) {
	ticker := time.NewTicker(orphanSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sweepOrphans(ctx, store, sched, logger)
		}
	}
}

func sweepOrphans(ctx context.Context, store *lifecycle.Store, sched *scheduler.InProcessScheduler, logger *zap.SugaredLogger) {
	orphans, err := store.ListOrphaned(ctx)
	if err != nil {
		logger.Warnw("vault-worker: orphan sweep failed", "error", err)
		return
	}
	for _, rec := range orphans {
		handle, err := sched.Enqueue(ctx, scheduler.Task{Type: string(rec.Type), HexID: rec.ObjectID.Hex()})
		if err != nil {
			logger.Warnw("vault-worker: re-enqueue failed", "type", rec.Type, "object_id", rec.ObjectID.Hex(), "error", err)
			continue
		}
		if err := store.SetTaskHandle(ctx, rec.Type, rec.ObjectID, handle); err != nil {
			logger.Warnw("vault-worker: set_task_handle failed after re-enqueue", "type", rec.Type, "object_id", rec.ObjectID.Hex(), "error", err)
			continue
		}
		logger.Infow("vault-worker: recovered orphaned task", "type", rec.Type, "object_id", rec.ObjectID.Hex())
	}
}
