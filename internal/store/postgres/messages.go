package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/lib/pq"
	"github.com/znz-systems/mailindex/internal/models"
)

// MessageStore reads the message store layer's documents. Only the columns
// the indexer projects are selected.
type MessageStore struct {
	db *sql.DB
}

func NewMessageStore(db *sql.DB) *MessageStore {
	return &MessageStore{db: db}
}

// GetMessageDocument loads a message by id. Mailbox and uid must match as
// well, so a message that was moved or re-uploaded under the same id is not
// returned for a stale job.
func (s *MessageStore) GetMessageDocument(ctx context.Context, id, mailbox string, uid int64) (*models.MessageDocument, error) {
	m := &models.MessageDocument{}
	var (
		thread, msgID, inReplyTo        sql.NullString
		headers, addresses, attachments []byte
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, mailbox, uid, thread, modseq, flags, idate, hdate, created, size,
		        subject, msgid, in_reply_to, headers, addresses, attachments, has_attachments, text, html
		 FROM messages
		 WHERE id = $1 AND mailbox = $2 AND uid = $3`,
		id, mailbox, uid,
	).Scan(
		&m.ID, &m.User, &m.Mailbox, &m.UID, &thread, &m.Modseq, pq.Array(&m.Flags), &m.IDate, &m.HDate, &m.Created, &m.Size,
		&m.Subject, &msgID, &inReplyTo, &headers, &addresses, &attachments, &m.HasAttachments, &m.Text, &m.HTML,
	)
	if err != nil {
		return nil, err
	}
	m.Thread = thread.String
	m.MsgID = msgID.String
	m.InReplyTo = inReplyTo.String

	if err := unmarshalJSONColumn(headers, &m.Headers); err != nil {
		return nil, fmt.Errorf("decode headers: %w", err)
	}
	if err := unmarshalJSONColumn(addresses, &m.Addresses); err != nil {
		return nil, fmt.Errorf("decode addresses: %w", err)
	}
	if err := unmarshalJSONColumn(attachments, &m.Attachments); err != nil {
		return nil, fmt.Errorf("decode attachments: %w", err)
	}
	return m, nil
}

func (s *MessageStore) ListMessageRefsByUser(ctx context.Context, user string, afterID string, limit int) ([]models.MessageRef, error) {
	if limit <= 0 || limit > 1000 {
		limit = 500
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, mailbox, uid, modseq
		 FROM messages
		 WHERE user_id = $1 AND id > $2
		 ORDER BY id
		 LIMIT $3`,
		user, afterID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var refs []models.MessageRef
	for rows.Next() {
		var r models.MessageRef
		if err := rows.Scan(&r.ID, &r.User, &r.Mailbox, &r.UID, &r.Modseq); err != nil {
			return nil, err
		}
		refs = append(refs, r)
	}
	return refs, rows.Err()
}

func unmarshalJSONColumn(raw []byte, v any) error {
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, v)
}
