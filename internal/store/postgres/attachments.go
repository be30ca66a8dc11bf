package postgres

import (
	"context"
	"database/sql"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/znz-systems/mailindex/internal/models"
	"github.com/znz-systems/mailindex/internal/store"
)

type AttachmentStore struct {
	db *sql.DB
}

func NewAttachmentStore(db *sql.DB) *AttachmentStore {
	return &AttachmentStore{db: db}
}

func (s *AttachmentStore) GetAttachment(ctx context.Context, id []byte) (*models.Attachment, error) {
	a := &models.Attachment{}
	err := s.db.QueryRowContext(ctx,
		`SELECT id, content_type, transfer_encoding, length, chunk_size, ref_count, magic,
		        decoded, line_length, trailing_break, estimated_size, upload_date
		 FROM attachments WHERE id = $1`, id,
	).Scan(
		&a.ID, &a.ContentType, &a.TransferEncoding, &a.Length, &a.ChunkSize, &a.RefCount, &a.Magic,
		&a.Decoded, &a.LineLength, &a.TrailingBreak, &a.EstimatedSize, &a.UploadDate,
	)
	if err != nil {
		return nil, err
	}
	return a, nil
}

func (s *AttachmentStore) IncrementAttachment(ctx context.Context, id []byte, count int64, magic float64) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE attachments SET ref_count = ref_count + $2, magic = magic + $3 WHERE id = $1`,
		id, count, magic,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *AttachmentStore) IncrementAttachments(ctx context.Context, ids [][]byte, count int64, magic float64) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE attachments SET ref_count = ref_count + $2, magic = magic + $3 WHERE id = ANY($1)`,
		pq.ByteaArray(ids), count, magic,
	)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *AttachmentStore) InsertAttachment(ctx context.Context, a *models.Attachment) error {
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO attachments
		 (id, content_type, transfer_encoding, length, chunk_size, ref_count, magic, decoded, line_length, trailing_break, estimated_size)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		 RETURNING upload_date`,
		a.ID, a.ContentType, a.TransferEncoding, a.Length, a.ChunkSize, a.RefCount, a.Magic,
		a.Decoded, a.LineLength, a.TrailingBreak, a.EstimatedSize,
	).Scan(&a.UploadDate)
	if _, dup := uniqueViolation(err); dup {
		return store.ErrDuplicateAttachment
	}
	return err
}

// DeleteAttachment removes the row only while it is still unreferenced.
func (s *AttachmentStore) DeleteAttachment(ctx context.Context, id []byte) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM attachments WHERE id = $1 AND ref_count = 0 AND magic = 0`, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *AttachmentStore) ListOrphanedAttachments(ctx context.Context, limit int) ([][]byte, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id FROM attachments WHERE ref_count = 0 AND magic = 0 LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanIDs(rows)
}

// attachmentLockClass namespaces attachment advisory locks.
const attachmentLockClass = 0x61747461 // "atta"

// LockAttachment holds a session advisory lock keyed by the first bytes of
// the content hash while fn runs. Unrelated hashes may share a key; that only
// serializes them.
func (s *AttachmentStore) LockAttachment(ctx context.Context, id []byte, fn func(ctx context.Context) error) error {
	var key [4]byte
	copy(key[:], id)
	objID := int32(binary.BigEndian.Uint32(key[:]))

	conn, err := s.db.Conn(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, `SELECT pg_advisory_lock($1, $2)`, attachmentLockClass, objID); err != nil {
		return fmt.Errorf("lock attachment: %w", err)
	}
	defer conn.ExecContext(context.WithoutCancel(ctx), `SELECT pg_advisory_unlock($1, $2)`, attachmentLockClass, objID)

	return fn(ctx)
}

// WriteAttachmentChunks stores data split into chunkSize pieces. Every chunk
// is committed on its own, so an interrupted upload leaves partial chunk data
// behind that is only reclaimed by the orphan sweep or the next create.
func (s *AttachmentStore) WriteAttachmentChunks(ctx context.Context, id []byte, chunkSize int, data []byte) error {
	for n, off := 0, 0; off < len(data); n, off = n+1, off+chunkSize {
		end := min(off+chunkSize, len(data))
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO attachment_chunks (files_id, n, data) VALUES ($1, $2, $3)`,
			id, n, data[off:end],
		)
		if _, dup := uniqueViolation(err); dup {
			return store.ErrDuplicateChunks
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func (s *AttachmentStore) ReadAttachmentChunk(ctx context.Context, id []byte, n int) ([]byte, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT data FROM attachment_chunks WHERE files_id = $1 AND n = $2`, id, n,
	).Scan(&data)
	if err != nil {
		return nil, err
	}
	return data, nil
}

func (s *AttachmentStore) DeleteAttachmentChunks(ctx context.Context, id []byte) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM attachment_chunks WHERE files_id = $1`, id)
	return err
}

func (s *AttachmentStore) ListOrphanedChunks(ctx context.Context, olderThan time.Time, limit int) ([][]byte, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT c.files_id
		 FROM attachment_chunks c
		 LEFT JOIN attachments a ON a.id = c.files_id
		 WHERE a.id IS NULL
		 GROUP BY c.files_id
		 HAVING MAX(c.created_at) < $1
		 LIMIT $2`,
		olderThan, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanIDs(rows)
}

func scanIDs(rows *sql.Rows) ([][]byte, error) {
	var ids [][]byte
	for rows.Next() {
		var id []byte
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
