package indexer

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/znz-systems/mailindex/internal/coord"
	"github.com/znz-systems/mailindex/internal/report"
	"github.com/znz-systems/mailindex/internal/search"
	"github.com/znz-systems/mailindex/internal/store"
)

const tombstoneTTL = 24 * time.Hour

// Processor applies one indexing job to the search index. Applying the same
// job more than once has the same effect as applying it once.
type Processor struct {
	index    search.Client
	messages store.MessageStore
	coord    coord.Store
	notifier report.Notifier
	logger   *slog.Logger
	now      func() time.Time
}

func NewProcessor(index search.Client, messages store.MessageStore, c coord.Store, notifier report.Notifier, logger *slog.Logger) *Processor {
	if notifier == nil {
		notifier = report.NoopNotifier{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Processor{
		index:    index,
		messages: messages,
		coord:    c,
		notifier: notifier,
		logger:   logger.With("component", "indexer-worker"),
		now:      time.Now,
	}
}

func (p *Processor) Process(ctx context.Context, job JobPayload) error {
	switch job.Action {
	case ActionNew:
		return p.indexNew(ctx, job)
	case ActionDelete:
		return p.delete(ctx, job)
	case ActionUpdate:
		return p.update(ctx, job)
	default:
		return errUnknownAction
	}
}

func (p *Processor) indexNew(ctx context.Context, job JobPayload) error {
	now := p.now()
	for _, day := range []time.Time{now, now.Add(-24 * time.Hour)} {
		gone, err := p.coord.SIsMember(ctx, coord.TombstoneKey(day), job.Message)
		if err != nil {
			return p.fail(ctx, job, fmt.Errorf("check tombstone: %w", err))
		}
		if gone {
			p.logger.Info("message already deleted, skipping", job.logAttrs()...)
			return nil
		}
	}

	msg, err := p.messages.GetMessageDocument(ctx, job.Message, job.Mailbox, job.UID)
	if errors.Is(err, sql.ErrNoRows) || (err == nil && msg == nil) {
		p.logger.Info("message not found, skipping", job.logAttrs()...)
		return nil
	}
	if err != nil {
		return p.fail(ctx, job, fmt.Errorf("load message: %w", err))
	}

	if err := p.index.Index(ctx, job.Message, search.NewDocument(msg)); err != nil {
		return p.fail(ctx, job, fmt.Errorf("index message: %w", err))
	}
	return nil
}

func (p *Processor) delete(ctx context.Context, job JobPayload) error {
	err := p.index.Delete(ctx, job.Message)
	if errors.Is(err, search.ErrNotFound) {
		// The matching new job may still be queued. The tombstone keeps it
		// from indexing a deleted message.
		p.logger.Info("message not in index, recording tombstone", job.logAttrs()...)
		if err := p.coord.SAdd(ctx, coord.TombstoneKey(p.now()), job.Message, tombstoneTTL); err != nil {
			return p.fail(ctx, job, fmt.Errorf("record tombstone: %w", err))
		}
		return nil
	}
	if err != nil {
		return p.fail(ctx, job, fmt.Errorf("delete message: %w", err))
	}
	return nil
}

func (p *Processor) update(ctx context.Context, job JobPayload) error {
	err := p.index.Update(ctx, job.Message, search.Update{
		Fields: search.FlagsFromList(job.Flags),
		Modseq: job.Modseq,
	})
	if errors.Is(err, search.ErrNotFound) {
		p.logger.Info("message not in index, skipping flag update", job.logAttrs()...)
		return nil
	}
	if err != nil {
		return p.fail(ctx, job, fmt.Errorf("update message: %w", err))
	}
	return nil
}

func (p *Processor) fail(ctx context.Context, job JobPayload, err error) error {
	attrs := job.logAttrs()
	p.logger.Error("indexing job failed", append([]any{"error", err}, attrs...)...)
	p.notifier.Notify(ctx, err, attrs...)
	return err
}
