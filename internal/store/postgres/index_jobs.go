package postgres

import (
	"context"
	"database/sql"
	"time"

	"github.com/znz-systems/mailindex/internal/models"
)

const indexJobColumns = `id, queue, status, payload, attempts, max_attempts, backoff_ms, keep_done, keep_failed, available_at, locked_at, last_error, created_at, updated_at, done_at`

type IndexJobStore struct {
	db *sql.DB
}

func NewIndexJobStore(db *sql.DB) *IndexJobStore {
	return &IndexJobStore{db: db}
}

func (s *IndexJobStore) EnqueueIndexJob(ctx context.Context, queue string, payload []byte, opts models.IndexJobOptions) (*models.IndexJob, error) {
	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 5
	}
	job, err := scanIndexJob(s.db.QueryRowContext(ctx,
		`INSERT INTO index_jobs (queue, payload, max_attempts, backoff_ms, keep_done, keep_failed)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 RETURNING `+indexJobColumns,
		queue, payload, maxAttempts, opts.Backoff.Milliseconds(), opts.KeepDone, opts.KeepFailed,
	))
	if err != nil {
		return nil, err
	}
	return job, nil
}

func (s *IndexJobStore) ClaimNextIndexJob(ctx context.Context, queue string, staleAfter time.Duration) (*models.IndexJob, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	// Stale jobs that already used their last attempt are not run again.
	_, err = tx.ExecContext(ctx,
		`UPDATE index_jobs
		 SET status = 'failed',
		     last_error = 'worker stopped responding on the last attempt',
		     done_at = NOW(),
		     locked_at = NULL,
		     updated_at = NOW()
		 WHERE queue = $1
		   AND status = 'processing'
		   AND locked_at < NOW() - make_interval(secs => $2)
		   AND attempts >= max_attempts`,
		queue, staleAfter.Seconds(),
	)
	if err != nil {
		return nil, err
	}

	job, err := scanIndexJob(tx.QueryRowContext(ctx,
		`WITH next_job AS (
			SELECT id
			FROM index_jobs
			WHERE queue = $1
			  AND ((status = 'queued' AND available_at <= NOW())
			    OR (status = 'processing' AND locked_at < NOW() - make_interval(secs => $2)))
			ORDER BY available_at ASC, id ASC
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		UPDATE index_jobs j
		SET status = 'processing',
			attempts = j.attempts + 1,
			locked_at = NOW(),
			updated_at = NOW()
		FROM next_job
		WHERE j.id = next_job.id
		RETURNING j.id, j.queue, j.status, j.payload, j.attempts, j.max_attempts, j.backoff_ms, j.keep_done, j.keep_failed, j.available_at, j.locked_at, j.last_error, j.created_at, j.updated_at, j.done_at`,
		queue, staleAfter.Seconds(),
	))
	if err != nil {
		if err == sql.ErrNoRows {
			if commitErr := tx.Commit(); commitErr != nil {
				return nil, commitErr
			}
			return nil, nil
		}
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return job, nil
}

// MarkIndexJobDone completes the job and trims the done history of its queue
// to the newest job.KeepDone entries.
func (s *IndexJobStore) MarkIndexJobDone(ctx context.Context, job *models.IndexJob) error {
	return s.finish(ctx, job, models.JobDone, "", job.KeepDone)
}

func (s *IndexJobStore) MarkIndexJobRetry(ctx context.Context, jobID int64, nextAvailableAt time.Time, lastError string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE index_jobs
		 SET status = 'queued',
		     available_at = $2,
		     last_error = $3,
		     locked_at = NULL,
		     updated_at = NOW()
		 WHERE id = $1`,
		jobID, nextAvailableAt, lastError,
	)
	return err
}

func (s *IndexJobStore) MarkIndexJobFailed(ctx context.Context, job *models.IndexJob, lastError string) error {
	return s.finish(ctx, job, models.JobFailed, lastError, job.KeepFailed)
}

func (s *IndexJobStore) finish(ctx context.Context, job *models.IndexJob, status, lastError string, keep int) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`UPDATE index_jobs
		 SET status = $2,
		     last_error = $3,
		     done_at = NOW(),
		     locked_at = NULL,
		     updated_at = NOW()
		 WHERE id = $1`,
		job.ID, status, lastError,
	)
	if err != nil {
		return err
	}

	if keep >= 0 {
		_, err = tx.ExecContext(ctx,
			`DELETE FROM index_jobs
			 WHERE queue = $1 AND status = $2
			   AND id NOT IN (
				SELECT id FROM index_jobs
				WHERE queue = $1 AND status = $2
				ORDER BY done_at DESC, id DESC
				LIMIT $3
			   )`,
			job.Queue, status, keep,
		)
		if err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *IndexJobStore) IndexQueueStats(ctx context.Context, queue string) (*models.QueueStats, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM index_jobs WHERE queue = $1 GROUP BY status`, queue)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	stats := &models.QueueStats{Queue: queue}
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		switch status {
		case models.JobQueued:
			stats.Queued = count
		case models.JobProcessing:
			stats.Processing = count
		case models.JobDone:
			stats.Done = count
		case models.JobFailed:
			stats.Failed = count
		}
	}
	return stats, rows.Err()
}

func scanIndexJob(row *sql.Row) (*models.IndexJob, error) {
	job := &models.IndexJob{}
	var backoffMS int64
	err := row.Scan(
		&job.ID, &job.Queue, &job.Status, &job.Payload, &job.Attempts, &job.MaxAttempts, &backoffMS,
		&job.KeepDone, &job.KeepFailed, &job.AvailableAt, &job.LockedAt, &job.LastError, &job.CreatedAt, &job.UpdatedAt, &job.DoneAt,
	)
	if err != nil {
		return nil, err
	}
	job.Backoff = time.Duration(backoffMS) * time.Millisecond
	return job, nil
}
