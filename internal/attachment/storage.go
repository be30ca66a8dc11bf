// Package attachment stores attachment bodies once per content hash and
// tracks how many messages reference them.
package attachment

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/znz-systems/mailindex/internal/metrics"
	"github.com/znz-systems/mailindex/internal/models"
	"github.com/znz-systems/mailindex/internal/report"
	"github.com/znz-systems/mailindex/internal/store"
)

var ErrNotFound = errors.New("attachment not found")

const (
	defaultMaxAttempts = 5
	defaultChunkSize   = 255 * 1024
	defaultOrphanGrace = time.Hour
	orphanBatchSize    = 1000
)

// Attachment is a body to be stored. EstimatedSize defaults to len(Body).
type Attachment struct {
	Body             []byte
	ContentType      string
	TransferEncoding string
	EstimatedSize    int64
}

type Options struct {
	// DecodeBase64 stores base64 bodies decoded when their line wrapping can
	// be reproduced on read.
	DecodeBase64 bool
	MaxAttempts  int
	ChunkSize    int
	OrphanGrace  time.Duration
	Notifier     report.Notifier
	Metrics      *metrics.Metrics
	Logger       *slog.Logger
}

// backend holds the attachment bytes. Metadata rows are handled by Storage.
type backend interface {
	upload(ctx context.Context, rec *models.Attachment, body []byte) error
	open(ctx context.Context, rec *models.Attachment) (io.ReadCloser, error)
	purge(ctx context.Context, id []byte) error
	sweep(ctx context.Context) (int, error)
}

type Storage struct {
	meta        store.AttachmentStore
	bytes       backend
	decode      bool
	maxAttempts int
	notifier    report.Notifier
	metrics     *metrics.Metrics
	logger      *slog.Logger

	sleep  func(ctx context.Context, d time.Duration) error
	jitter func() time.Duration
}

func newStorage(meta store.AttachmentStore, b backend, opts Options) *Storage {
	attempts := opts.MaxAttempts
	if attempts <= 0 {
		attempts = defaultMaxAttempts
	}
	notifier := opts.Notifier
	if notifier == nil {
		notifier = report.NoopNotifier{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Storage{
		meta:        meta,
		bytes:       b,
		decode:      opts.DecodeBase64,
		maxAttempts: attempts,
		notifier:    notifier,
		metrics:     opts.Metrics,
		logger:      logger.With("component", "attachments"),
		sleep:       sleepCtx,
		jitter:      retryJitter,
	}
}

func (s *Storage) Get(ctx context.Context, id []byte) (*models.Attachment, error) {
	rec, err := s.meta.GetAttachment(ctx, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get attachment %s: %w", hexID(id), err)
	}
	return rec, nil
}

// Create stores a body under hash, or adds a reference when the hash is
// already stored. The returned id is always hash.
func (s *Storage) Create(ctx context.Context, a Attachment, hash []byte, magic float64) ([]byte, error) {
	s.checkMagic(ctx, "create", hash, magic)
	rec, body := s.prepare(a, hash, magic)

	purge := false
	for attempt := 1; ; attempt++ {
		found, err := s.meta.IncrementAttachment(ctx, hash, 1, magic)
		if err != nil {
			return nil, fmt.Errorf("increment attachment %s: %w", hexID(hash), err)
		}
		if found {
			s.metrics.Attachment("deduplicated", 1)
			return hash, nil
		}

		err = s.meta.LockAttachment(ctx, hash, func(ctx context.Context) error {
			if purge {
				s.logger.Warn("removing leftover attachment data", "attachment", hexID(hash))
				if err := s.bytes.purge(ctx, hash); err != nil {
					return fmt.Errorf("remove leftover attachment data: %w", err)
				}
				purge = false
			}
			if err := s.bytes.upload(ctx, rec, body); err != nil {
				return err
			}
			return s.meta.InsertAttachment(ctx, rec)
		})
		if err == nil {
			s.metrics.Attachment("created", 1)
			return hash, nil
		}

		switch {
		case errors.Is(err, store.ErrDuplicateChunks):
			// Either a concurrent upload of the same body or data left by an
			// aborted one. If the row still does not exist after a pause the
			// data is treated as leftover.
			purge = true
		case errors.Is(err, store.ErrDuplicateAttachment):
		default:
			return nil, fmt.Errorf("store attachment %s: %w", hexID(hash), err)
		}

		if attempt >= s.maxAttempts {
			return nil, fmt.Errorf("store attachment %s: gave up after %d attempts: %w", hexID(hash), attempt, err)
		}
		s.logger.Debug("attachment insert raced, retrying", "attachment", hexID(hash), "attempt", attempt, "error", err)
		if err := s.sleep(ctx, s.jitter()); err != nil {
			return nil, err
		}
	}
}

// Open streams the stored body in its original encoding. rec may be nil, in
// which case the metadata is looked up first.
func (s *Storage) Open(ctx context.Context, id []byte, rec *models.Attachment) (io.ReadCloser, error) {
	if rec == nil {
		var err error
		if rec, err = s.Get(ctx, id); err != nil {
			return nil, err
		}
	}
	r, err := s.bytes.open(ctx, rec)
	if err != nil {
		return nil, fmt.Errorf("open attachment %s: %w", hexID(id), err)
	}
	if rec.Decoded {
		return encodeStream(r, rec.LineLength, rec.TrailingBreak), nil
	}
	return r, nil
}

// Delete drops one reference. It reports whether a row was updated; the
// bytes stay until DeleteOrphaned runs.
func (s *Storage) Delete(ctx context.Context, id []byte, magic float64) (bool, error) {
	s.checkMagic(ctx, "delete", id, magic)
	found, err := s.meta.IncrementAttachment(ctx, id, -1, -magic)
	if err != nil {
		return false, fmt.Errorf("release attachment %s: %w", hexID(id), err)
	}
	return found, nil
}

// Update adjusts the reference count of every listed attachment by count
// and returns how many rows matched.
func (s *Storage) Update(ctx context.Context, ids [][]byte, count int64, magic float64) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	s.checkMagic(ctx, "update", nil, magic)
	n, err := s.meta.IncrementAttachments(ctx, ids, count, magic)
	if err != nil {
		return 0, fmt.Errorf("update attachments: %w", err)
	}
	return n, nil
}

// DeleteOrphaned removes attachments whose reference count and magic are
// both zero, then lets the backend drop unowned data. It returns the number
// of attachment rows removed.
func (s *Storage) DeleteOrphaned(ctx context.Context) (int, error) {
	deleted := 0
	for {
		ids, err := s.meta.ListOrphanedAttachments(ctx, orphanBatchSize)
		if err != nil {
			return deleted, fmt.Errorf("list orphaned attachments: %w", err)
		}

		removed := 0
		for _, id := range ids {
			var ok bool
			// The row and its data go under the attachment lock, so a
			// concurrent Create of the same hash cannot upload in between.
			err := s.meta.LockAttachment(ctx, id, func(ctx context.Context) error {
				var err error
				if ok, err = s.meta.DeleteAttachment(ctx, id); err != nil || !ok {
					return err
				}
				if err := s.bytes.purge(ctx, id); err != nil {
					s.logger.Warn("failed to delete attachment data", "attachment", hexID(id), "error", err)
				}
				return nil
			})
			if err != nil {
				return deleted, fmt.Errorf("delete attachment %s: %w", hexID(id), err)
			}
			if ok {
				removed++
			}
		}
		deleted += removed

		if len(ids) < orphanBatchSize || removed == 0 {
			break
		}
	}

	swept, err := s.bytes.sweep(ctx)
	if err != nil {
		s.logger.Warn("orphaned attachment data sweep failed", "error", err)
	}
	s.metrics.Attachment("deleted", deleted)
	s.metrics.Attachment("swept", swept)
	if deleted > 0 || swept > 0 {
		s.logger.Info("deleted orphaned attachments", "attachments", deleted, "unowned_data", swept)
	}
	return deleted, nil
}

func (s *Storage) prepare(a Attachment, hash []byte, magic float64) (*models.Attachment, []byte) {
	rec := &models.Attachment{
		ID:               hash,
		ContentType:      a.ContentType,
		TransferEncoding: a.TransferEncoding,
		RefCount:         1,
		Magic:            magic,
		EstimatedSize:    a.EstimatedSize,
	}
	if rec.EstimatedSize <= 0 {
		rec.EstimatedSize = int64(len(a.Body))
	}

	body := a.Body
	if s.decode && strings.EqualFold(strings.TrimSpace(a.TransferEncoding), "base64") {
		if p, ok := packBase64(a.Body); ok {
			body = p.data
			rec.Decoded = true
			rec.LineLength = p.lineLen
			rec.TrailingBreak = p.trailingBreak
		}
	}
	rec.Length = int64(len(body))
	return rec, body
}

// checkMagic reports non-finite magic values. The value is still written.
func (s *Storage) checkMagic(ctx context.Context, op string, id []byte, magic float64) {
	if !math.IsNaN(magic) && !math.IsInf(magic, 0) {
		return
	}
	attrs := []any{"op", op, "magic", magic}
	if id != nil {
		attrs = append(attrs, "attachment", hexID(id))
	}
	s.notifier.Notify(ctx, fmt.Errorf("%w: non-finite attachment magic", report.ErrIntegrity), attrs...)
}

func retryJitter() time.Duration {
	return time.Duration(10+rand.IntN(291)) * time.Millisecond
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
