package postgres

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/znz-systems/mailindex/internal/coord"
)

// CoordStore implements coord.Store on two tables: coord_keys for plain
// values and coord_set_members for sets. Expired rows are invisible to reads
// and removed by PurgeExpired.
type CoordStore struct {
	db *sql.DB
}

func NewCoordStore(db *sql.DB) *CoordStore {
	return &CoordStore{db: db}
}

var _ coord.Store = (*CoordStore)(nil)

func ttlMillis(ttl time.Duration) sql.NullInt64 {
	if ttl <= 0 {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: ttl.Milliseconds(), Valid: true}
}

func (s *CoordStore) Get(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM coord_keys
		 WHERE key = $1 AND (expires_at IS NULL OR expires_at > NOW())`, key,
	).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", coord.ErrNil
	}
	if err != nil {
		return "", err
	}
	return value, nil
}

func (s *CoordStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO coord_keys (key, value, expires_at)
		 VALUES ($1, $2, NOW() + $3::bigint * INTERVAL '1 millisecond')
		 ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, expires_at = EXCLUDED.expires_at`,
		key, value, ttlMillis(ttl),
	)
	return err
}

func (s *CoordStore) Del(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM coord_keys WHERE key = $1`, key); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `DELETE FROM coord_set_members WHERE key = $1`, key)
	return err
}

func (s *CoordStore) AcquireLock(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	var holder string
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO coord_keys (key, value, expires_at)
		 VALUES ($1, $2, NOW() + $3::bigint * INTERVAL '1 millisecond')
		 ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, expires_at = EXCLUDED.expires_at
		 WHERE coord_keys.value = EXCLUDED.value
		    OR (coord_keys.expires_at IS NOT NULL AND coord_keys.expires_at <= NOW())
		 RETURNING value`,
		key, owner, ttlMillis(ttl),
	).Scan(&holder)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return holder == owner, nil
}

func (s *CoordStore) ReleaseLock(ctx context.Context, key, owner string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM coord_keys WHERE key = $1 AND value = $2`, key, owner)
	return err
}

func (s *CoordStore) SAdd(ctx context.Context, key, member string, ttl time.Duration) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO coord_set_members (key, member) VALUES ($1, $2)
		 ON CONFLICT (key, member) DO NOTHING`,
		key, member,
	)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx,
		`UPDATE coord_set_members
		 SET expires_at = NOW() + $2::bigint * INTERVAL '1 millisecond'
		 WHERE key = $1`,
		key, ttlMillis(ttl),
	)
	if err != nil {
		return err
	}
	return tx.Commit()
}

func (s *CoordStore) SIsMember(ctx context.Context, key, member string) (bool, error) {
	var ok bool
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS (
			SELECT 1 FROM coord_set_members
			WHERE key = $1 AND member = $2 AND (expires_at IS NULL OR expires_at > NOW())
		 )`,
		key, member,
	).Scan(&ok)
	return ok, err
}

func (s *CoordStore) PurgeExpired(ctx context.Context) (int64, error) {
	var total int64
	for _, q := range []string{
		`DELETE FROM coord_keys WHERE expires_at IS NOT NULL AND expires_at <= NOW()`,
		`DELETE FROM coord_set_members WHERE expires_at IS NOT NULL AND expires_at <= NOW()`,
	} {
		res, err := s.db.ExecContext(ctx, q)
		if err != nil {
			return total, err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}
