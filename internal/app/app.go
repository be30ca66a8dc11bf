// Package app wires the stores, the indexer, the workers and the ops API into
// one process.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"github.com/znz-systems/mailindex/internal/attachment"
	"github.com/znz-systems/mailindex/internal/blob"
	"github.com/znz-systems/mailindex/internal/config"
	"github.com/znz-systems/mailindex/internal/indexer"
	"github.com/znz-systems/mailindex/internal/metrics"
	"github.com/znz-systems/mailindex/internal/models"
	"github.com/znz-systems/mailindex/internal/ratelimit"
	"github.com/znz-systems/mailindex/internal/report"
	"github.com/znz-systems/mailindex/internal/search"
	"github.com/znz-systems/mailindex/internal/store/postgres"
	"github.com/znz-systems/mailindex/internal/web"
	"github.com/znz-systems/mailindex/internal/web/handlers"
)

const (
	coordJanitorInterval = time.Minute
	journalPruneInterval = time.Hour
)

// App owns every long-lived component of a mailindex process.
type App struct {
	cfg    *config.Config
	db     *sql.DB
	logger *slog.Logger

	Attachments *attachment.Storage
	Indexer     *indexer.Indexer
	Reindexer   *indexer.Reindexer

	coord    *postgres.CoordStore
	journal  *postgres.JournalSource
	jobs     *postgres.IndexJobStore
	workers  []*indexer.Worker
	limiter  *ratelimit.Limiter
	registry *prometheus.Registry
}

func New(ctx context.Context, cfg *config.Config, db *sql.DB, logger *slog.Logger) (*App, error) {
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(registry)
	notifier := report.NewLogNotifier(logger)

	attachmentStore := postgres.NewAttachmentStore(db)
	coordStore := postgres.NewCoordStore(db)
	jobStore := postgres.NewIndexJobStore(db)
	messageStore := postgres.NewMessageStore(db)

	attOpts := attachment.Options{
		DecodeBase64: cfg.AttachmentDecodeBase64,
		Notifier:     notifier,
		Metrics:      m,
		Logger:       logger,
	}
	var attachments *attachment.Storage
	switch cfg.AttachmentBackend {
	case "gridstore":
		attachments = attachment.NewGridStorage(attachmentStore, attachmentStore, attOpts)
	default:
		objects, err := blob.NewFromConfig(ctx, blob.Config{
			Backend:           cfg.AttachmentBackend,
			FSRoot:            cfg.BlobFSRoot,
			S3Bucket:          cfg.S3Bucket,
			S3Prefix:          cfg.S3Prefix,
			S3Region:          cfg.S3Region,
			S3Endpoint:        cfg.S3Endpoint,
			S3AccessKeyID:     cfg.S3AccessKeyID,
			S3SecretAccessKey: cfg.S3SecretAccessKey,
			S3ForcePathStyle:  cfg.S3ForcePathStyle,
		})
		if err != nil {
			return nil, fmt.Errorf("open attachment backend: %w", err)
		}
		attachments = attachment.NewBlobStorage(attachmentStore, objects, attOpts)
	}

	index, err := search.NewElasticClient(search.ElasticConfig{
		Addresses: cfg.ElasticsearchURLs,
		Index:     cfg.ElasticsearchIndex,
		Username:  cfg.ElasticsearchUsername,
		Password:  cfg.ElasticsearchPassword,
	})
	if err != nil {
		return nil, err
	}

	var flag indexer.FlagSource = indexer.NewSetMembershipFlag(coordStore)
	if cfg.IndexingEnabled {
		flag = indexer.StaticFlag(true)
	}

	source := postgres.NewJournalSource(db, cfg.DatabaseURL, logger, postgres.JournalSourceOptions{
		BatchSize:    cfg.IndexerBatchSize,
		PollInterval: cfg.IndexerPollInterval,
	})
	ix := indexer.New(coordStore, source, jobStore, flag, indexer.Options{
		RenewInterval: cfg.LockRenewTTL,
		LeaseTTL:      cfg.LockExpireTTL,
		Notifier:      notifier,
		Metrics:       m,
		Logger:        logger,
	})

	processor := indexer.NewProcessor(index, messageStore, coordStore, notifier, logger)
	var workers []*indexer.Worker
	for _, queue := range []string{models.QueueLive, models.QueueBacklog} {
		workers = append(workers, indexer.NewWorker(queue, jobStore, processor, indexer.WorkerOptions{
			PollInterval: cfg.WorkerPollInterval,
			LockTimeout:  cfg.WorkerLockTimeout,
			Metrics:      m,
			Logger:       logger,
		}))
	}

	return &App{
		cfg:         cfg,
		db:          db,
		logger:      logger,
		Attachments: attachments,
		Indexer:     ix,
		Reindexer:   indexer.NewReindexer(messageStore, jobStore),
		coord:       coordStore,
		journal:     source,
		jobs:        jobStore,
		workers:     workers,
		limiter:     ratelimit.NewLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst),
		registry:    registry,
	}, nil
}

// Serve runs the indexer, the workers, the housekeeping loops and the ops
// HTTP server until ctx is cancelled or one of them fails.
func (a *App) Serve(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return a.Indexer.Run(ctx) })
	for _, w := range a.workers {
		g.Go(func() error {
			w.Run(ctx)
			return nil
		})
	}
	g.Go(func() error {
		a.every(ctx, a.cfg.AttachmentGCInterval, "attachment gc", func(ctx context.Context) error {
			n, err := a.Attachments.DeleteOrphaned(ctx)
			if n > 0 {
				a.logger.Info("orphaned attachments removed", "count", n)
			}
			return err
		})
		return nil
	})
	g.Go(func() error {
		a.every(ctx, coordJanitorInterval, "coord janitor", func(ctx context.Context) error {
			_, err := a.coord.PurgeExpired(ctx)
			return err
		})
		return nil
	})
	if a.cfg.JournalRetention > 0 {
		g.Go(func() error {
			a.every(ctx, journalPruneInterval, "journal prune", func(ctx context.Context) error {
				n, err := a.journal.Prune(ctx, time.Now().Add(-a.cfg.JournalRetention))
				if n > 0 {
					a.logger.Info("journal pruned", "entries", n)
				}
				return err
			})
			return nil
		})
	}
	g.Go(func() error {
		a.limiter.Run(ctx)
		return nil
	})
	g.Go(func() error { return a.serveHTTP(ctx) })

	return g.Wait()
}

func (a *App) serveHTTP(ctx context.Context) error {
	router := web.NewRouter(web.RouterDeps{
		OpsHandler: handlers.NewOpsHandler(a.Indexer, a.jobs, a.Attachments, a.db),
		Limiter:    a.limiter,
		WriteCost:  a.cfg.RateLimitWriteCost,
		Gatherer:   a.registry,
	})
	srv := &http.Server{
		Addr:         a.cfg.HTTPAddr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("mailindex starting", "addr", a.cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	a.logger.Info("shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("shutdown error", "error", err)
	}
	return nil
}

// every runs fn on each tick until ctx is done. Failures are logged and the
// loop keeps going.
func (a *App) every(ctx context.Context, interval time.Duration, name string, fn func(context.Context) error) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := fn(ctx); err != nil && ctx.Err() == nil {
				a.logger.Error(name+" failed", "error", err)
			}
		}
	}
}
