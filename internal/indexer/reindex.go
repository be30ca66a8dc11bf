package indexer

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/znz-systems/mailindex/internal/models"
	"github.com/znz-systems/mailindex/internal/store"
)

const reindexPageSize = 500

// Reindexer queues every message of a user on the backlog queue.
type Reindexer struct {
	messages store.MessageStore
	jobs     store.IndexJobStore
}

func NewReindexer(messages store.MessageStore, jobs store.IndexJobStore) *Reindexer {
	return &Reindexer{messages: messages, jobs: jobs}
}

// ReindexUser returns the number of jobs enqueued.
func (r *Reindexer) ReindexUser(ctx context.Context, user string) (int, error) {
	queued := 0
	after := ""
	for {
		refs, err := r.messages.ListMessageRefsByUser(ctx, user, after, reindexPageSize)
		if err != nil {
			return queued, fmt.Errorf("list messages of %s: %w", user, err)
		}
		for _, ref := range refs {
			body, err := json.Marshal(JobPayload{
				Action:  ActionNew,
				User:    ref.User,
				Mailbox: ref.Mailbox,
				Message: ref.ID,
				UID:     ref.UID,
				Modseq:  ref.Modseq,
			})
			if err != nil {
				return queued, fmt.Errorf("encode job payload: %w", err)
			}
			if _, err := r.jobs.EnqueueIndexJob(ctx, models.QueueBacklog, body, jobOptions); err != nil {
				return queued, fmt.Errorf("enqueue backlog job for %s: %w", ref.ID, err)
			}
			queued++
		}
		if len(refs) < reindexPageSize {
			return queued, nil
		}
		after = refs[len(refs)-1].ID
	}
}
