package attachment

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/znz-systems/mailindex/internal/models"
	"github.com/znz-systems/mailindex/internal/store"
)

// NewGridStorage keeps attachment bytes as fixed-size chunks next to the
// metadata rows.
func NewGridStorage(meta store.AttachmentStore, chunks store.ChunkStore, opts Options) *Storage {
	size := opts.ChunkSize
	if size <= 0 {
		size = defaultChunkSize
	}
	grace := opts.OrphanGrace
	if grace <= 0 {
		grace = defaultOrphanGrace
	}
	return newStorage(meta, &gridBackend{chunks: chunks, chunkSize: size, grace: grace, now: time.Now}, opts)
}

type gridBackend struct {
	chunks    store.ChunkStore
	chunkSize int
	grace     time.Duration
	now       func() time.Time
}

func (g *gridBackend) upload(ctx context.Context, rec *models.Attachment, body []byte) error {
	rec.ChunkSize = g.chunkSize
	return g.chunks.WriteAttachmentChunks(ctx, rec.ID, g.chunkSize, body)
}

func (g *gridBackend) open(ctx context.Context, rec *models.Attachment) (io.ReadCloser, error) {
	return &chunkReader{ctx: ctx, chunks: g.chunks, id: rec.ID, length: rec.Length}, nil
}

func (g *gridBackend) purge(ctx context.Context, id []byte) error {
	return g.chunks.DeleteAttachmentChunks(ctx, id)
}

// sweep removes chunk data without a metadata row. Recent data is left
// alone since it may belong to an upload that has not inserted its row yet.
func (g *gridBackend) sweep(ctx context.Context) (int, error) {
	ids, err := g.chunks.ListOrphanedChunks(ctx, g.now().Add(-g.grace), orphanBatchSize)
	if err != nil {
		return 0, fmt.Errorf("list orphaned chunks: %w", err)
	}
	for i, id := range ids {
		if err := g.chunks.DeleteAttachmentChunks(ctx, id); err != nil {
			return i, fmt.Errorf("delete orphaned chunks %s: %w", hexID(id), err)
		}
	}
	return len(ids), nil
}

// chunkReader fetches one chunk at a time as the caller reads.
type chunkReader struct {
	ctx    context.Context
	chunks store.ChunkStore
	id     []byte
	length int64

	n    int
	read int64
	buf  []byte
	err  error
}

func (r *chunkReader) Read(p []byte) (int, error) {
	for len(r.buf) == 0 {
		if r.err != nil {
			return 0, r.err
		}
		data, err := r.chunks.ReadAttachmentChunk(r.ctx, r.id, r.n)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			if r.read < r.length {
				r.err = io.ErrUnexpectedEOF
			} else {
				r.err = io.EOF
			}
		case err != nil:
			r.err = fmt.Errorf("read chunk %d: %w", r.n, err)
		default:
			r.buf = data
			r.n++
		}
	}
	n := copy(p, r.buf)
	r.buf = r.buf[n:]
	r.read += int64(n)
	return n, nil
}

func (r *chunkReader) Close() error {
	r.buf = nil
	r.err = errors.New("read from closed attachment stream")
	return nil
}
