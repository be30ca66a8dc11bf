package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/lib/pq"
	"github.com/znz-systems/mailindex/internal/journal"
	"github.com/znz-systems/mailindex/internal/models"
)

// journalChannel is notified by the journal_notify trigger on every insert.
const journalChannel = "journal_insert"

// journalPos orders journal rows by writing transaction, then id. Ids are
// assigned before commit, so id order alone can put a late-committing row
// behind a cursor that already moved past it. Rows are only read once their
// transaction is older than every transaction still running, and any
// transaction that commits later sorts after them.
type journalPos struct {
	tx uint64
	id int64
}

func (p journalPos) String() string {
	return strconv.FormatUint(p.tx, 10) + "." + strconv.FormatInt(p.id, 10)
}

func (p journalPos) less(o journalPos) bool {
	if p.tx != o.tx {
		return p.tx < o.tx
	}
	return p.id < o.id
}

func parseJournalPos(token string) (journalPos, error) {
	txPart, idPart, ok := strings.Cut(token, ".")
	if !ok {
		return journalPos{}, journal.ErrResumeTokenInvalid
	}
	tx, err := strconv.ParseUint(txPart, 10, 64)
	if err != nil {
		return journalPos{}, journal.ErrResumeTokenInvalid
	}
	id, err := strconv.ParseInt(idPart, 10, 64)
	if err != nil || id < 0 {
		return journalPos{}, journal.ErrResumeTokenInvalid
	}
	return journalPos{tx: tx, id: id}, nil
}

// JournalSource tails the journal table. Rows are read by position cursor;
// LISTEN notifications only shorten the wait between polls, so a missed
// notification delays an entry by at most one poll interval. An open write
// transaction anywhere in the cluster holds back newer rows until it ends.
type JournalSource struct {
	db           *sql.DB
	dsn          string
	batchSize    int
	pollInterval time.Duration
	logger       *slog.Logger
}

type JournalSourceOptions struct {
	BatchSize    int
	PollInterval time.Duration
}

func NewJournalSource(db *sql.DB, dsn string, logger *slog.Logger, opts JournalSourceOptions) *JournalSource {
	batch := opts.BatchSize
	if batch <= 0 {
		batch = 100
	}
	poll := opts.PollInterval
	if poll <= 0 {
		poll = 5 * time.Second
	}
	return &JournalSource{
		db:           db,
		dsn:          dsn,
		batchSize:    batch,
		pollInterval: poll,
		logger:       logger.With("component", "journal"),
	}
}

func (s *JournalSource) Open(ctx context.Context, resumeToken string) (journal.Feed, error) {
	var table sql.NullString
	if err := s.db.QueryRowContext(ctx, `SELECT to_regclass('journal')::text`).Scan(&table); err != nil {
		return nil, fmt.Errorf("check journal table: %w", err)
	}
	if !table.Valid {
		return nil, journal.ErrUnsupported
	}

	cursor, err := s.resolveCursor(ctx, resumeToken)
	if err != nil {
		return nil, err
	}

	listener := pq.NewListener(s.dsn, 10*time.Second, time.Minute, s.eventHandler)
	if err := listener.Listen(journalChannel); err != nil {
		listener.Close()
		return nil, fmt.Errorf("listen %s: %w", journalChannel, err)
	}

	feedCtx, cancel := context.WithCancel(context.Background())
	return &JournalFeed{
		db:           s.db,
		listener:     listener,
		cursor:       cursor,
		batchSize:    s.batchSize,
		pollInterval: s.pollInterval,
		ctx:          feedCtx,
		cancel:       cancel,
	}, nil
}

func (s *JournalSource) resolveCursor(ctx context.Context, token string) (journalPos, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelRepeatableRead, ReadOnly: true})
	if err != nil {
		return journalPos{}, err
	}
	defer tx.Rollback()

	pruned, err := readWatermark(ctx, tx)
	if err != nil {
		return journalPos{}, err
	}

	if token == "" {
		var txText sql.NullString
		var id sql.NullInt64
		err := tx.QueryRowContext(ctx,
			`SELECT tx_id::text, id FROM journal
			 WHERE tx_id < pg_snapshot_xmin(pg_current_snapshot())
			 ORDER BY tx_id DESC, id DESC
			 LIMIT 1`,
		).Scan(&txText, &id)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return journalPos{}, fmt.Errorf("read journal tail: %w", err)
		}
		tail := pruned
		if txText.Valid {
			pos, err := parseJournalPos(txText.String + "." + strconv.FormatInt(id.Int64, 10))
			if err != nil {
				return journalPos{}, fmt.Errorf("read journal tail: %w", err)
			}
			if tail.less(pos) {
				tail = pos
			}
		}
		return tail, nil
	}

	cursor, err := parseJournalPos(token)
	if err != nil {
		return journalPos{}, err
	}
	// Entries after the token were pruned.
	if cursor.less(pruned) {
		return journalPos{}, journal.ErrResumeTokenInvalid
	}
	// The token names a transaction this cluster has not reached, so it
	// belongs to another database.
	var xmax string
	if err := tx.QueryRowContext(ctx, `SELECT pg_snapshot_xmax(pg_current_snapshot())::text`).Scan(&xmax); err != nil {
		return journalPos{}, fmt.Errorf("read snapshot: %w", err)
	}
	if limit, err := strconv.ParseUint(xmax, 10, 64); err == nil && cursor.tx >= limit {
		return journalPos{}, journal.ErrResumeTokenInvalid
	}
	return cursor, nil
}

// Prune deletes journal entries created before olderThan and records the
// highest deleted position, so feeds and tokens behind it are rejected
// instead of silently skipping entries. Gaps in ids left by rolled back
// inserts are not mistaken for pruning.
func (s *JournalSource) Prune(ctx context.Context, olderThan time.Time) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	var txText sql.NullString
	var id sql.NullInt64
	err = tx.QueryRowContext(ctx,
		`SELECT tx_id::text, id FROM journal
		 WHERE created_at < $1
		   AND tx_id < pg_snapshot_xmin(pg_current_snapshot())
		 ORDER BY tx_id DESC, id DESC
		 LIMIT 1`,
		olderThan,
	).Scan(&txText, &id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("find prune position: %w", err)
	}

	res, err := tx.ExecContext(ctx,
		`DELETE FROM journal WHERE (tx_id, id) <= ($1::text::xid8, $2)`,
		txText.String, id.Int64,
	)
	if err != nil {
		return 0, fmt.Errorf("prune journal: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO journal_watermark (singleton, pruned_tx, pruned_id)
		 VALUES (TRUE, $1::text::xid8, $2)
		 ON CONFLICT (singleton) DO UPDATE
		 SET pruned_tx = EXCLUDED.pruned_tx, pruned_id = EXCLUDED.pruned_id
		 WHERE (journal_watermark.pruned_tx, journal_watermark.pruned_id) < (EXCLUDED.pruned_tx, EXCLUDED.pruned_id)`,
		txText.String, id.Int64,
	)
	if err != nil {
		return 0, fmt.Errorf("record journal watermark: %w", err)
	}
	return n, tx.Commit()
}

func readWatermark(ctx context.Context, tx *sql.Tx) (journalPos, error) {
	var txText string
	var id int64
	err := tx.QueryRowContext(ctx,
		`SELECT pruned_tx::text, pruned_id FROM journal_watermark WHERE singleton`,
	).Scan(&txText, &id)
	if errors.Is(err, sql.ErrNoRows) {
		return journalPos{}, nil
	}
	if err != nil {
		return journalPos{}, fmt.Errorf("read journal watermark: %w", err)
	}
	return parseJournalPos(txText + "." + strconv.FormatInt(id, 10))
}

func (s *JournalSource) eventHandler(ev pq.ListenerEventType, err error) {
	switch ev {
	case pq.ListenerEventConnected:
		s.logger.Debug("listener connected")
	case pq.ListenerEventReconnected:
		s.logger.Info("listener connection reestablished")
	case pq.ListenerEventConnectionAttemptFailed:
		s.logger.Error("listener connection attempt failed", "error", err)
	case pq.ListenerEventDisconnected:
		s.logger.Warn("listener connection closed", "error", err)
	}
}

type journalRow struct {
	pos   journalPos
	entry models.JournalEntry
}

type JournalFeed struct {
	db           *sql.DB
	listener     *pq.Listener
	cursor       journalPos
	batchSize    int
	pollInterval time.Duration
	buf          []journalRow

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

func (f *JournalFeed) Next(ctx context.Context) (*journal.Event, error) {
	for {
		if len(f.buf) > 0 {
			r := f.buf[0]
			f.buf = f.buf[1:]
			f.cursor = r.pos
			return &journal.Event{Token: r.pos.String(), Entry: r.entry}, nil
		}
		if f.ctx.Err() != nil {
			return nil, journal.ErrFeedClosed
		}

		if err := f.fill(ctx); err != nil {
			if f.ctx.Err() != nil {
				return nil, journal.ErrFeedClosed
			}
			return nil, err
		}
		if len(f.buf) > 0 {
			continue
		}

		timer := time.NewTimer(f.pollInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-f.ctx.Done():
			timer.Stop()
			return nil, journal.ErrFeedClosed
		case <-f.listener.Notify:
			timer.Stop()
		case <-timer.C:
		}
	}
}

// fill reads the next batch and the prune watermark from one snapshot.
func (f *JournalFeed) fill(ctx context.Context) error {
	qctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(f.ctx, cancel)
	defer stop()

	tx, err := f.db.BeginTx(qctx, &sql.TxOptions{Isolation: sql.LevelRepeatableRead, ReadOnly: true})
	if err != nil {
		return fmt.Errorf("read journal: %w", err)
	}
	defer tx.Rollback()

	pruned, err := readWatermark(qctx, tx)
	if err != nil {
		return err
	}
	if f.cursor.less(pruned) {
		return journal.ErrResumeTokenInvalid
	}

	rows, err := tx.QueryContext(qctx,
		`SELECT tx_id::text, id, command, user_id, mailbox, message, uid, modseq, flags, created_at
		 FROM journal
		 WHERE (tx_id, id) > ($1::text::xid8, $2)
		   AND tx_id < pg_snapshot_xmin(pg_current_snapshot())
		 ORDER BY tx_id, id
		 LIMIT $3`,
		strconv.FormatUint(f.cursor.tx, 10), f.cursor.id, f.batchSize,
	)
	if err != nil {
		return fmt.Errorf("read journal: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var r journalRow
		var txText string
		var command, user, mailbox, msgID sql.NullString
		var uid, modseq sql.NullInt64
		e := &r.entry
		if err := rows.Scan(&txText, &e.ID, &command, &user, &mailbox, &msgID, &uid, &modseq, pq.Array(&e.Flags), &e.CreatedAt); err != nil {
			return fmt.Errorf("scan journal entry: %w", err)
		}
		if r.pos.tx, err = strconv.ParseUint(txText, 10, 64); err != nil {
			return fmt.Errorf("scan journal entry: %w", err)
		}
		r.pos.id = e.ID
		e.Command = models.JournalCommand(command.String)
		e.User = user.String
		e.Mailbox = mailbox.String
		e.Message = msgID.String
		e.UID = uid.Int64
		e.Modseq = modseq.Int64
		f.buf = append(f.buf, r)
	}
	if err := rows.Err(); err != nil {
		if errors.Is(err, context.Canceled) && f.ctx.Err() != nil {
			return journal.ErrFeedClosed
		}
		return fmt.Errorf("read journal: %w", err)
	}
	return nil
}

func (f *JournalFeed) Close() error {
	var err error
	f.closeOnce.Do(func() {
		f.cancel()
		err = f.listener.Close()
	})
	return err
}
