package indexer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/znz-systems/mailindex/internal/metrics"
	"github.com/znz-systems/mailindex/internal/models"
	"github.com/znz-systems/mailindex/internal/store"
)

type WorkerOptions struct {
	PollInterval   time.Duration
	RetryBaseDelay time.Duration
	MaxRetryDelay  time.Duration
	// LockTimeout is how long a job may stay claimed before another worker
	// takes it over.
	LockTimeout time.Duration
	Metrics     *metrics.Metrics
	Logger      *slog.Logger
}

// Worker processes the jobs of one queue, one at a time.
type Worker struct {
	queue          string
	jobs           store.IndexJobStore
	processor      *Processor
	pollInterval   time.Duration
	retryBaseDelay time.Duration
	maxRetryDelay  time.Duration
	lockTimeout    time.Duration
	metrics        *metrics.Metrics
	logger         *slog.Logger
}

func NewWorker(queue string, jobs store.IndexJobStore, processor *Processor, opts WorkerOptions) *Worker {
	poll := opts.PollInterval
	if poll <= 0 {
		poll = 500 * time.Millisecond
	}
	retryBase := opts.RetryBaseDelay
	if retryBase <= 0 {
		retryBase = jobOptions.Backoff
	}
	maxRetry := opts.MaxRetryDelay
	if maxRetry <= 0 {
		maxRetry = 10 * time.Minute
	}
	lockTimeout := opts.LockTimeout
	if lockTimeout <= 0 {
		lockTimeout = 5 * time.Minute
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Worker{
		queue:          queue,
		jobs:           jobs,
		processor:      processor,
		pollInterval:   poll,
		retryBaseDelay: retryBase,
		maxRetryDelay:  maxRetry,
		lockTimeout:    lockTimeout,
		metrics:        opts.Metrics,
		logger:         logger.With("component", "indexer-worker", "queue", queue),
	}
}

func (w *Worker) Run(ctx context.Context) {
	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		worked, err := w.processOne(ctx)
		if err != nil && ctx.Err() == nil {
			w.logger.Error("indexing job worker cycle failed", "error", err)
		}
		if worked {
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (w *Worker) processOne(ctx context.Context) (bool, error) {
	job, err := w.jobs.ClaimNextIndexJob(ctx, w.queue, w.lockTimeout)
	if err != nil {
		return false, fmt.Errorf("claim indexing job: %w", err)
	}
	if job == nil {
		return false, nil
	}
	// A claimed job must leave the processing state even when ctx is
	// cancelled mid-job.
	markCtx := context.WithoutCancel(ctx)

	var payload JobPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return true, w.markFailed(markCtx, job, "", "invalid payload: "+err.Error())
	}
	payload.Normalize()
	if err := payload.Validate(); err != nil {
		return true, w.markFailed(markCtx, job, string(payload.Action), "invalid payload: "+err.Error())
	}

	procErr := w.processor.Process(ctx, payload)
	if procErr == nil {
		if err := w.jobs.MarkIndexJobDone(markCtx, job); err != nil {
			return true, fmt.Errorf("mark indexing job done: %w", err)
		}
		w.metrics.JobProcessed(w.queue, string(payload.Action), "done")
		return true, nil
	}

	if ctx.Err() != nil {
		// Shutting down: hand the job back right away.
		if err := w.jobs.MarkIndexJobRetry(markCtx, job.ID, time.Now().UTC(), procErr.Error()); err != nil {
			return true, fmt.Errorf("requeue interrupted indexing job: %w", err)
		}
		w.logger.Info("indexing job interrupted, requeued", "job", job.ID)
		w.metrics.JobProcessed(w.queue, string(payload.Action), "interrupted")
		return true, nil
	}

	if errors.Is(procErr, errUnknownAction) || job.Attempts >= job.MaxAttempts {
		return true, w.markFailed(markCtx, job, string(payload.Action), procErr.Error())
	}

	nextRun := time.Now().UTC().Add(w.retryDelay(job))
	if err := w.jobs.MarkIndexJobRetry(markCtx, job.ID, nextRun, procErr.Error()); err != nil {
		return true, fmt.Errorf("mark indexing job retry: %w", err)
	}
	w.metrics.JobProcessed(w.queue, string(payload.Action), "retry")
	return true, nil
}

func (w *Worker) markFailed(ctx context.Context, job *models.IndexJob, action, reason string) error {
	if err := w.jobs.MarkIndexJobFailed(ctx, job, reason); err != nil {
		return fmt.Errorf("mark indexing job failed: %w", err)
	}
	w.logger.Warn("indexing job failed permanently", "job", job.ID, "attempts", job.Attempts, "reason", reason)
	w.metrics.JobProcessed(w.queue, action, "failed")
	return nil
}

// retryDelay doubles the job's backoff for every attempt already made.
func (w *Worker) retryDelay(job *models.IndexJob) time.Duration {
	attempt := job.Attempts
	if attempt < 1 {
		attempt = 1
	}
	delay := job.Backoff
	if delay <= 0 {
		delay = w.retryBaseDelay
	}
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= w.maxRetryDelay {
			return w.maxRetryDelay
		}
	}
	if delay > w.maxRetryDelay {
		return w.maxRetryDelay
	}
	return delay
}
