package journal

import (
	"context"
	"strconv"
	"sync"

	"github.com/znz-systems/mailindex/internal/models"
)

// MemoryLog is an in-process journal. Tokens are entry ids.
type MemoryLog struct {
	mu      sync.Mutex
	entries []models.JournalEntry
	wake    chan struct{}
	// firstID is the id of the oldest retained entry; tokens before it
	// cannot be resumed from.
	firstID int64
	openErr error
}

func NewMemoryLog() *MemoryLog {
	return &MemoryLog{wake: make(chan struct{}), firstID: 1}
}

// Append assigns the next id to e and wakes waiting feeds.
func (l *MemoryLog) Append(e models.JournalEntry) int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	e.ID = l.firstID + int64(len(l.entries))
	l.entries = append(l.entries, e)
	close(l.wake)
	l.wake = make(chan struct{})
	return e.ID
}

// Prune drops every entry with an id lower than keepFrom.
func (l *MemoryLog) Prune(keepFrom int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	drop := keepFrom - l.firstID
	if drop <= 0 {
		return
	}
	if drop > int64(len(l.entries)) {
		drop = int64(len(l.entries))
	}
	l.entries = l.entries[drop:]
	l.firstID = keepFrom
}

// FailOpen makes subsequent Open calls return err. A nil err clears it.
func (l *MemoryLog) FailOpen(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.openErr = err
}

func (l *MemoryLog) Open(_ context.Context, resumeToken string) (Feed, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.openErr != nil {
		return nil, l.openErr
	}
	cursor := l.firstID - 1 + int64(len(l.entries))
	if resumeToken != "" {
		id, err := strconv.ParseInt(resumeToken, 10, 64)
		if err != nil || id < l.firstID-1 {
			return nil, ErrResumeTokenInvalid
		}
		cursor = id
	}
	return &memoryFeed{log: l, cursor: cursor, closed: make(chan struct{})}, nil
}

type memoryFeed struct {
	log       *MemoryLog
	cursor    int64
	closed    chan struct{}
	closeOnce sync.Once
}

func (f *memoryFeed) Next(ctx context.Context) (*Event, error) {
	for {
		select {
		case <-f.closed:
			return nil, ErrFeedClosed
		default:
		}

		f.log.mu.Lock()
		idx := f.cursor + 1 - f.log.firstID
		if idx < 0 {
			f.log.mu.Unlock()
			return nil, ErrResumeTokenInvalid
		}
		if idx < int64(len(f.log.entries)) {
			e := f.log.entries[idx]
			f.log.mu.Unlock()
			f.cursor = e.ID
			return &Event{Token: strconv.FormatInt(e.ID, 10), Entry: e}, nil
		}
		wake := f.log.wake
		f.log.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-f.closed:
			return nil, ErrFeedClosed
		case <-wake:
		}
	}
}

func (f *memoryFeed) Close() error {
	f.closeOnce.Do(func() { close(f.closed) })
	return nil
}
