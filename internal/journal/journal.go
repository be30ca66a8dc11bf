// Package journal defines the tailable, resumable view of the mailbox change
// journal consumed by the indexer.
package journal

import (
	"context"
	"errors"

	"github.com/znz-systems/mailindex/internal/models"
)

var (
	// ErrUnsupported means the backing store cannot provide a change feed.
	// It is permanent for the lifetime of the process.
	ErrUnsupported = errors.New("journal: change feed not supported")
	// ErrResumeTokenInvalid means the feed cannot continue from the given
	// token, either because it is malformed or because the journal no longer
	// holds the entries following it.
	ErrResumeTokenInvalid = errors.New("journal: cannot resume from token")
	// ErrFeedClosed is returned by Next after Close.
	ErrFeedClosed = errors.New("journal: feed closed")
)

type Event struct {
	// Token resumes the feed right after this event.
	Token string
	Entry models.JournalEntry
}

// Feed delivers inserted journal entries in order. Next blocks until an entry
// is available, the context is done or the feed is closed. Close may be
// called from another goroutine and unblocks a pending Next.
type Feed interface {
	Next(ctx context.Context) (*Event, error)
	Close() error
}

type Source interface {
	// Open starts a feed after resumeToken, or at the current end of the
	// journal when resumeToken is empty.
	Open(ctx context.Context, resumeToken string) (Feed, error)
}
