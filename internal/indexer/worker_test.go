package indexer

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/znz-systems/mailindex/internal/models"
	"github.com/znz-systems/mailindex/internal/search"
)

func enqueue(t *testing.T, jobs *mockJobStore, queue string, payload any) int64 {
	t.Helper()
	body, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	job, err := jobs.EnqueueIndexJob(context.Background(), queue, body, jobOptions)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	return job.ID
}

func TestWorkerMarksJobDone(t *testing.T) {
	jobs := &mockJobStore{}
	msg := testMessage()
	idx := search.NewMemoryIndex()
	p, _, _ := newTestProcessor(idx, msg)
	w := NewWorker(models.QueueBacklog, jobs, p, WorkerOptions{})

	id := enqueue(t, jobs, models.QueueBacklog, newJob(msg))
	worked, err := w.processOne(context.Background())
	if err != nil || !worked {
		t.Fatalf("processOne = %v, %v", worked, err)
	}
	if got := jobs.status(id); got != models.JobDone {
		t.Fatalf("expected done, got %s", got)
	}
	if idx.Len() != 1 {
		t.Fatal("expected message to be indexed")
	}
}

func TestWorkerOnlyClaimsItsQueue(t *testing.T) {
	jobs := &mockJobStore{}
	p, _, _ := newTestProcessor(search.NewMemoryIndex())
	w := NewWorker(models.QueueLive, jobs, p, WorkerOptions{})

	enqueue(t, jobs, models.QueueBacklog, newJob(testMessage()))
	worked, err := w.processOne(context.Background())
	if err != nil {
		t.Fatalf("processOne: %v", err)
	}
	if worked {
		t.Fatal("live worker claimed a backlog job")
	}
}

func TestWorkerRetriesWithBackoff(t *testing.T) {
	jobs := &mockJobStore{}
	msg := testMessage()
	p, _, _ := newTestProcessor(failingIndex{}, msg)
	w := NewWorker(models.QueueLive, jobs, p, WorkerOptions{})

	id := enqueue(t, jobs, models.QueueLive, newJob(msg))
	before := time.Now()
	if _, err := w.processOne(context.Background()); err != nil {
		t.Fatalf("processOne: %v", err)
	}
	if got := jobs.status(id); got != models.JobQueued {
		t.Fatalf("expected job to be requeued, got %s", got)
	}
	if len(jobs.retries) != 1 {
		t.Fatalf("expected one retry, got %d", len(jobs.retries))
	}
	if delay := jobs.retries[0].Sub(before); delay < 2*time.Second || delay > 3*time.Second {
		t.Fatalf("expected first retry after about 2s, got %v", delay)
	}
}

func TestWorkerFailsAfterMaxAttempts(t *testing.T) {
	jobs := &mockJobStore{}
	msg := testMessage()
	p, _, _ := newTestProcessor(failingIndex{}, msg)
	w := NewWorker(models.QueueLive, jobs, p, WorkerOptions{})

	id := enqueue(t, jobs, models.QueueLive, newJob(msg))
	jobs.find(id).Attempts = jobOptions.MaxAttempts - 1

	if _, err := w.processOne(context.Background()); err != nil {
		t.Fatalf("processOne: %v", err)
	}
	if got := jobs.status(id); got != models.JobFailed {
		t.Fatalf("expected failed, got %s", got)
	}
}

func TestWorkerFailsInvalidPayload(t *testing.T) {
	jobs := &mockJobStore{}
	p, _, _ := newTestProcessor(search.NewMemoryIndex())
	w := NewWorker(models.QueueLive, jobs, p, WorkerOptions{})

	bad := enqueue(t, jobs, models.QueueLive, map[string]any{"action": "rebuild", "message": "msg1"})
	if _, err := w.processOne(context.Background()); err != nil {
		t.Fatalf("processOne: %v", err)
	}
	if got := jobs.status(bad); got != models.JobFailed {
		t.Fatalf("expected failed, got %s", got)
	}
}

func TestRetryDelay(t *testing.T) {
	w := NewWorker(models.QueueLive, &mockJobStore{}, nil, WorkerOptions{MaxRetryDelay: 10 * time.Second})
	tests := []struct {
		attempts int
		want     time.Duration
	}{
		{attempts: 1, want: 2 * time.Second},
		{attempts: 2, want: 4 * time.Second},
		{attempts: 3, want: 8 * time.Second},
		{attempts: 4, want: 10 * time.Second},
	}
	for _, tt := range tests {
		got := w.retryDelay(&models.IndexJob{Attempts: tt.attempts, Backoff: 2 * time.Second})
		if got != tt.want {
			t.Fatalf("attempt %d: got %v, want %v", tt.attempts, got, tt.want)
		}
	}
}

func TestReindexUserQueuesBacklog(t *testing.T) {
	jobs := &mockJobStore{}
	messages := &mockMessageStore{docs: map[string]*models.MessageDocument{
		"a": {ID: "a", User: "u1", Mailbox: "m1", UID: 1},
		"b": {ID: "b", User: "u1", Mailbox: "m1", UID: 2},
		"c": {ID: "c", User: "u2", Mailbox: "m9", UID: 3},
	}}

	n, err := NewReindexer(messages, jobs).ReindexUser(context.Background(), "u1")
	if err != nil {
		t.Fatalf("ReindexUser: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 jobs, got %d", n)
	}
	payloads := jobs.payloads(t, models.QueueBacklog)
	if len(payloads) != 2 || payloads[0].Message != "a" || payloads[1].Action != ActionNew {
		t.Fatalf("unexpected backlog payloads %+v", payloads)
	}
}

// blockingIndex holds every call until the caller's context ends.
type blockingIndex struct{ started chan struct{} }

func (b blockingIndex) Index(ctx context.Context, _ string, _ search.Document) error {
	close(b.started)
	<-ctx.Done()
	return ctx.Err()
}
func (blockingIndex) Update(context.Context, string, search.Update) error { return nil }
func (blockingIndex) Delete(context.Context, string) error                 { return nil }

func TestWorkerRequeuesJobInterruptedByShutdown(t *testing.T) {
	jobs := &mockJobStore{}
	msg := testMessage()
	idx := blockingIndex{started: make(chan struct{})}
	p, _, _ := newTestProcessor(idx, msg)
	w := NewWorker(models.QueueLive, jobs, p, WorkerOptions{})

	id := enqueue(t, jobs, models.QueueLive, newJob(msg))
	ctx, cancel := context.WithCancel(context.Background())
	type result struct {
		worked bool
		err    error
	}
	done := make(chan result, 1)
	go func() {
		worked, err := w.processOne(ctx)
		done <- result{worked, err}
	}()

	<-idx.started
	cancel()
	res := <-done
	if res.err != nil || !res.worked {
		t.Fatalf("processOne = %v, %v", res.worked, res.err)
	}
	if got := jobs.status(id); got != models.JobQueued {
		t.Fatalf("expected interrupted job to be queued again, got %s", got)
	}
	if job := jobs.find(id); job.AvailableAt.After(time.Now()) {
		t.Fatalf("expected requeued job to be available at once, got %v", job.AvailableAt)
	}
}

func TestWorkerTakesOverStaleJob(t *testing.T) {
	jobs := &mockJobStore{}
	msg := testMessage()
	idx := search.NewMemoryIndex()
	p, _, _ := newTestProcessor(idx, msg)
	w := NewWorker(models.QueueLive, jobs, p, WorkerOptions{LockTimeout: time.Minute})

	fresh := enqueue(t, jobs, models.QueueLive, newJob(msg))
	jobs.strand(fresh, 1, time.Now())
	if worked, err := w.processOne(context.Background()); err != nil || worked {
		t.Fatalf("a job claimed moments ago must not be taken over: %v, %v", worked, err)
	}

	jobs.strand(fresh, 1, time.Now().Add(-10*time.Minute))
	if worked, err := w.processOne(context.Background()); err != nil || !worked {
		t.Fatalf("processOne = %v, %v", worked, err)
	}
	if got := jobs.status(fresh); got != models.JobDone {
		t.Fatalf("expected stale job to complete, got %s", got)
	}
	if idx.Len() != 1 {
		t.Fatal("expected message to be indexed")
	}
}

func TestWorkerFailsStaleJobOnLastAttempt(t *testing.T) {
	jobs := &mockJobStore{}
	msg := testMessage()
	p, _, _ := newTestProcessor(search.NewMemoryIndex(), msg)
	w := NewWorker(models.QueueLive, jobs, p, WorkerOptions{LockTimeout: time.Minute})

	id := enqueue(t, jobs, models.QueueLive, newJob(msg))
	jobs.strand(id, jobOptions.MaxAttempts, time.Now().Add(-10*time.Minute))

	if worked, err := w.processOne(context.Background()); err != nil || worked {
		t.Fatalf("processOne = %v, %v", worked, err)
	}
	if got := jobs.status(id); got != models.JobFailed {
		t.Fatalf("expected failed, got %s", got)
	}
}
