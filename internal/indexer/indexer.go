// Package indexer turns journal entries into search index updates. One
// leader process tails the journal and enqueues jobs; workers in every
// process apply them.
package indexer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/znz-systems/mailindex/internal/coord"
	"github.com/znz-systems/mailindex/internal/journal"
	"github.com/znz-systems/mailindex/internal/metrics"
	"github.com/znz-systems/mailindex/internal/models"
	"github.com/znz-systems/mailindex/internal/report"
	"github.com/znz-systems/mailindex/internal/store"
)

type State int32

const (
	StateStopped State = iota
	StateStarting
	StateTailing
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateTailing:
		return "tailing"
	default:
		return "stopped"
	}
}

var errLeaseLost = errors.New("indexer lease lost")

type Options struct {
	// RenewInterval is how often the lease is renewed.
	RenewInterval time.Duration
	// LeaseTTL is the lease expiry and must exceed RenewInterval.
	LeaseTTL  time.Duration
	ProcessID string
	Notifier  report.Notifier
	Metrics   *metrics.Metrics
	Logger    *slog.Logger
}

// Status is a point-in-time view of the leader loop.
type Status struct {
	ProcessID string `json:"processId"`
	State     string `json:"state"`
	Leader    bool   `json:"leader"`
	Disabled  bool   `json:"disabled"`
	LastToken string `json:"lastToken,omitempty"`
}

type Indexer struct {
	coord  coord.Store
	source journal.Source
	jobs   store.IndexJobStore
	flag   FlagSource

	processID     string
	renewInterval time.Duration
	leaseTTL      time.Duration
	notifier      report.Notifier
	metrics       *metrics.Metrics
	logger        *slog.Logger
	now           func() time.Time

	state      atomic.Int32
	leaseUntil atomic.Int64
	disabled   atomic.Bool

	mu        sync.Mutex
	lastToken string
}

func New(c coord.Store, source journal.Source, jobs store.IndexJobStore, flag FlagSource, opts Options) *Indexer {
	renew := opts.RenewInterval
	if renew <= 0 {
		renew = 10 * time.Second
	}
	ttl := opts.LeaseTTL
	if ttl <= renew {
		ttl = 3 * renew
	}
	pid := opts.ProcessID
	if pid == "" {
		pid = uuid.NewString()
	}
	notifier := opts.Notifier
	if notifier == nil {
		notifier = report.NoopNotifier{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Indexer{
		coord:         c,
		source:        source,
		jobs:          jobs,
		flag:          flag,
		processID:     pid,
		renewInterval: renew,
		leaseTTL:      ttl,
		notifier:      notifier,
		metrics:       opts.Metrics,
		logger:        logger.With("component", "indexer", "process", pid),
		now:           time.Now,
	}
}

func (ix *Indexer) Status() Status {
	ix.mu.Lock()
	token := ix.lastToken
	ix.mu.Unlock()
	return Status{
		ProcessID: ix.processID,
		State:     State(ix.state.Load()).String(),
		Leader:    ix.holdsLease(),
		Disabled:  ix.disabled.Load(),
		LastToken: token,
	}
}

type tailRun struct {
	cancel context.CancelFunc
	done   chan error
}

func (r *tailRun) doneCh() <-chan error {
	if r == nil {
		return nil
	}
	return r.done
}

// Run renews the lease and keeps the journal tail running while this
// process holds it. It returns when ctx is done, after releasing the lease.
func (ix *Indexer) Run(ctx context.Context) error {
	ticker := time.NewTicker(ix.renewInterval)
	defer ticker.Stop()

	var run *tailRun
	run = ix.renew(ctx, run)
	for {
		select {
		case <-ctx.Done():
			ix.stopTail(run)
			ix.release(ctx)
			return nil
		case <-ticker.C:
			run = ix.renew(ctx, run)
		case err := <-run.doneCh():
			run = nil
			ix.tailStopped(ctx, err)
		}
	}
}

// renew acquires or extends the lease and starts or stops the tail to
// match. It returns the tail that is running afterwards.
func (ix *Indexer) renew(ctx context.Context, run *tailRun) *tailRun {
	ok, err := ix.coord.AcquireLock(ctx, coord.KeyIndexerLock, ix.processID, ix.leaseTTL)
	if err != nil {
		if ctx.Err() == nil {
			ix.logger.Error("failed to renew indexer lease", "error", err)
		}
		ok = false
	}
	if ok {
		ix.leaseUntil.Store(ix.now().Add(ix.leaseTTL).UnixNano())
	} else {
		ix.leaseUntil.Store(0)
	}

	switch {
	case ok && run == nil && !ix.disabled.Load():
		return ix.startTail(ctx)
	case !ok && run != nil:
		ix.logger.Info("indexer lease not held, stopping journal tail")
		ix.stopTail(run)
		return nil
	}
	return run
}

func (ix *Indexer) holdsLease() bool {
	until := ix.leaseUntil.Load()
	return until != 0 && ix.now().UnixNano() < until
}

func (ix *Indexer) startTail(ctx context.Context) *tailRun {
	ix.state.Store(int32(StateStarting))
	tailCtx, cancel := context.WithCancel(ctx)
	run := &tailRun{cancel: cancel, done: make(chan error, 1)}
	go func() {
		run.done <- ix.tail(tailCtx)
	}()
	return run
}

func (ix *Indexer) stopTail(run *tailRun) {
	if run == nil {
		return
	}
	run.cancel()
	err := <-run.done
	ix.setStopped()
	if err != nil && !errors.Is(err, errLeaseLost) {
		ix.logger.Debug("journal tail stopped", "error", err)
	}
}

func (ix *Indexer) setStopped() {
	ix.state.Store(int32(StateStopped))
	ix.metrics.SetTailing(false)
}

// tailStopped handles a tail that ended on its own. The next successful
// renewal starts it again unless tailing was disabled.
func (ix *Indexer) tailStopped(ctx context.Context, err error) {
	ix.setStopped()
	switch {
	case err == nil, errors.Is(err, errLeaseLost):
		ix.logger.Info("journal tail stopped")
	case errors.Is(err, journal.ErrUnsupported):
		ix.disabled.Store(true)
		ix.logger.Error("journal change feed is not supported, indexing disabled for this process", "error", err)
	case errors.Is(err, journal.ErrResumeTokenInvalid):
		ix.logger.Warn("cannot resume journal tail, restarting from the current end", "error", err)
		if delErr := ix.coord.Del(ctx, coord.KeyIndexerLast); delErr != nil {
			ix.logger.Error("failed to drop indexer resume token", "error", delErr)
		}
		ix.mu.Lock()
		ix.lastToken = ""
		ix.mu.Unlock()
	default:
		ix.logger.Error("journal tail failed", "error", err)
		ix.notifier.Notify(ctx, fmt.Errorf("journal tail: %w", err), "process", ix.processID)
	}
}

func (ix *Indexer) tail(ctx context.Context) error {
	token, err := ix.coord.Get(ctx, coord.KeyIndexerLast)
	if errors.Is(err, coord.ErrNil) {
		token = ""
	} else if err != nil {
		return fmt.Errorf("read resume token: %w", err)
	}

	feed, err := ix.source.Open(ctx, token)
	if err != nil {
		return err
	}
	defer feed.Close()
	stop := context.AfterFunc(ctx, func() { feed.Close() })
	defer stop()

	ix.state.Store(int32(StateTailing))
	ix.metrics.SetTailing(true)
	ix.logger.Info("tailing journal", "resume_token", token)

	for {
		ev, err := feed.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		if !ix.holdsLease() {
			return errLeaseLost
		}
		if err := ix.handleEvent(ctx, ev); err != nil {
			return err
		}
		if err := ix.coord.Set(ctx, coord.KeyIndexerLast, ev.Token, 0); err != nil {
			return fmt.Errorf("persist resume token: %w", err)
		}
		ix.mu.Lock()
		ix.lastToken = ev.Token
		ix.mu.Unlock()
	}
}

func (ix *Indexer) handleEvent(ctx context.Context, ev *journal.Event) error {
	e := ev.Entry
	if e.Command == "" || e.User == "" {
		ix.metrics.JournalEvent("malformed")
		return nil
	}
	payload, ok := payloadFromEntry(e)
	if !ok {
		ix.metrics.JournalEvent("malformed")
		ix.logger.Debug("skipping journal entry with unknown command", "entry", e.ID, "command", e.Command)
		return nil
	}

	enabled, err := ix.flag.Enabled(ctx, e.User)
	if err != nil {
		return fmt.Errorf("check indexing flag for %s: %w", e.User, err)
	}
	if !enabled {
		ix.metrics.JournalEvent("disabled")
		ix.logger.Debug("indexing disabled for user, skipping", "user", e.User, "entry", e.ID)
		return nil
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode job payload: %w", err)
	}
	if _, err := ix.jobs.EnqueueIndexJob(ctx, models.QueueLive, body, jobOptions); err != nil {
		return fmt.Errorf("enqueue %s job: %w", payload.Action, err)
	}
	ix.metrics.JournalEvent("enqueued")
	ix.logger.Debug("enqueued indexing job", payload.logAttrs()...)
	return nil
}

// release gives up the lease so another process can take over without
// waiting for it to expire.
func (ix *Indexer) release(ctx context.Context) {
	ix.leaseUntil.Store(0)
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := ix.coord.ReleaseLock(rctx, coord.KeyIndexerLock, ix.processID); err != nil {
		ix.logger.Warn("failed to release indexer lease", "error", err)
	}
}
