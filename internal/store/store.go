package store

import (
	"context"
	"errors"
	"time"

	"github.com/znz-systems/mailindex/internal/models"
)

var (
	// ErrDuplicateAttachment is returned when an attachment row with the same
	// hash already exists.
	ErrDuplicateAttachment = errors.New("attachment already exists")
	// ErrDuplicateChunks is returned when chunk data for the hash is already
	// present, either from a concurrent upload or from an aborted one.
	ErrDuplicateChunks = errors.New("attachment chunks already exist")
)

type AttachmentStore interface {
	GetAttachment(ctx context.Context, id []byte) (*models.Attachment, error)
	IncrementAttachment(ctx context.Context, id []byte, count int64, magic float64) (bool, error)
	IncrementAttachments(ctx context.Context, ids [][]byte, count int64, magic float64) (int64, error)
	InsertAttachment(ctx context.Context, a *models.Attachment) error
	DeleteAttachment(ctx context.Context, id []byte) (bool, error)
	ListOrphanedAttachments(ctx context.Context, limit int) ([][]byte, error)
	// LockAttachment runs fn while holding an exclusive lock on id that is
	// shared by every process using the store.
	LockAttachment(ctx context.Context, id []byte, fn func(ctx context.Context) error) error
}

type ChunkStore interface {
	WriteAttachmentChunks(ctx context.Context, id []byte, chunkSize int, data []byte) error
	ReadAttachmentChunk(ctx context.Context, id []byte, n int) ([]byte, error)
	DeleteAttachmentChunks(ctx context.Context, id []byte) error
	ListOrphanedChunks(ctx context.Context, olderThan time.Time, limit int) ([][]byte, error)
}

type IndexJobStore interface {
	EnqueueIndexJob(ctx context.Context, queue string, payload []byte, opts models.IndexJobOptions) (*models.IndexJob, error)
	// ClaimNextIndexJob also takes over jobs that have been processing for
	// longer than staleAfter, whose worker is presumed gone.
	ClaimNextIndexJob(ctx context.Context, queue string, staleAfter time.Duration) (*models.IndexJob, error)
	MarkIndexJobDone(ctx context.Context, job *models.IndexJob) error
	MarkIndexJobRetry(ctx context.Context, jobID int64, nextAvailableAt time.Time, lastError string) error
	MarkIndexJobFailed(ctx context.Context, job *models.IndexJob, lastError string) error
	IndexQueueStats(ctx context.Context, queue string) (*models.QueueStats, error)
}

type MessageStore interface {
	GetMessageDocument(ctx context.Context, id, mailbox string, uid int64) (*models.MessageDocument, error)
	ListMessageRefsByUser(ctx context.Context, user string, afterID string, limit int) ([]models.MessageRef, error)
}
