package indexer

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/znz-systems/mailindex/internal/models"
)

type mockJobStore struct {
	mu     sync.Mutex
	jobs   []*models.IndexJob
	nextID int64

	retries []time.Time
}

func (m *mockJobStore) EnqueueIndexJob(_ context.Context, queue string, payload []byte, opts models.IndexJobOptions) (*models.IndexJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	job := &models.IndexJob{
		ID:          m.nextID,
		Queue:       queue,
		Status:      models.JobQueued,
		Payload:     append([]byte(nil), payload...),
		MaxAttempts: opts.MaxAttempts,
		Backoff:     opts.Backoff,
		KeepDone:    opts.KeepDone,
		KeepFailed:  opts.KeepFailed,
		AvailableAt: time.Now(),
	}
	m.jobs = append(m.jobs, job)
	cp := *job
	return &cp, nil
}

func (m *mockJobStore) ClaimNextIndexJob(_ context.Context, queue string, staleAfter time.Duration) (*models.IndexJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	for _, job := range m.jobs {
		if job.Queue != queue {
			continue
		}
		stale := job.Status == models.JobProcessing && job.LockedAt != nil && job.LockedAt.Before(now.Add(-staleAfter))
		if stale && job.Attempts >= job.MaxAttempts {
			job.Status = models.JobFailed
			job.LockedAt = nil
			continue
		}
		ready := job.Status == models.JobQueued && !job.AvailableAt.After(now)
		if ready || stale {
			job.Status = models.JobProcessing
			job.Attempts++
			job.LockedAt = &now
			cp := *job
			return &cp, nil
		}
	}
	return nil, nil
}

// strand leaves a job claimed by a worker that went away at lockedAt.
func (m *mockJobStore) strand(id int64, attempts int, lockedAt time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job := m.find(id)
	job.Status = models.JobProcessing
	job.Attempts = attempts
	job.LockedAt = &lockedAt
}

func (m *mockJobStore) find(id int64) *models.IndexJob {
	for _, job := range m.jobs {
		if job.ID == id {
			return job
		}
	}
	return nil
}

func (m *mockJobStore) MarkIndexJobDone(ctx context.Context, job *models.IndexJob) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.find(job.ID).Status = models.JobDone
	return nil
}

func (m *mockJobStore) MarkIndexJobRetry(ctx context.Context, jobID int64, next time.Time, lastError string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	job := m.find(jobID)
	job.Status = models.JobQueued
	job.AvailableAt = next
	job.LastError = lastError
	m.retries = append(m.retries, next)
	return nil
}

func (m *mockJobStore) MarkIndexJobFailed(ctx context.Context, job *models.IndexJob, lastError string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	stored := m.find(job.ID)
	stored.Status = models.JobFailed
	stored.LastError = lastError
	return nil
}

func (m *mockJobStore) IndexQueueStats(_ context.Context, queue string) (*models.QueueStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	stats := &models.QueueStats{Queue: queue}
	for _, job := range m.jobs {
		if job.Queue != queue {
			continue
		}
		switch job.Status {
		case models.JobQueued:
			stats.Queued++
		case models.JobProcessing:
			stats.Processing++
		case models.JobDone:
			stats.Done++
		case models.JobFailed:
			stats.Failed++
		}
	}
	return stats, nil
}

func (m *mockJobStore) payloads(t *testing.T, queue string) []JobPayload {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []JobPayload
	for _, job := range m.jobs {
		if job.Queue != queue {
			continue
		}
		var p JobPayload
		if err := json.Unmarshal(job.Payload, &p); err != nil {
			t.Fatalf("decode payload: %v", err)
		}
		out = append(out, p)
	}
	return out
}

func (m *mockJobStore) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.jobs)
}

func (m *mockJobStore) status(id int64) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.find(id).Status
}

type mockMessageStore struct {
	docs map[string]*models.MessageDocument
	err  error
}

func (m *mockMessageStore) GetMessageDocument(_ context.Context, id, mailbox string, uid int64) (*models.MessageDocument, error) {
	if m.err != nil {
		return nil, m.err
	}
	doc, ok := m.docs[id]
	if !ok || doc.Mailbox != mailbox || doc.UID != uid {
		return nil, sql.ErrNoRows
	}
	return doc, nil
}

func (m *mockMessageStore) ListMessageRefsByUser(_ context.Context, user, afterID string, limit int) ([]models.MessageRef, error) {
	var refs []models.MessageRef
	for _, doc := range m.docs {
		if doc.User == user && doc.ID > afterID {
			refs = append(refs, models.MessageRef{ID: doc.ID, User: doc.User, Mailbox: doc.Mailbox, UID: doc.UID, Modseq: doc.Modseq})
		}
	}
	sort.Slice(refs, func(i, j int) bool { return refs[i].ID < refs[j].ID })
	if len(refs) > limit {
		refs = refs[:limit]
	}
	return refs, nil
}

type recordingNotifier struct {
	mu   sync.Mutex
	errs []error
}

func (n *recordingNotifier) Notify(_ context.Context, err error, _ ...any) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.errs = append(n.errs, err)
}

func (n *recordingNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.errs)
}

var errIndexDown = errors.New("index unavailable")

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
