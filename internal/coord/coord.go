// Package coord is the shared key-value store used for leader election,
// resume positions, feature flags and tombstones.
package coord

import (
	"context"
	"errors"
	"time"
)

// ErrNil is returned by Get when the key does not exist or has expired.
var ErrNil = errors.New("coord: key does not exist")

const (
	KeyIndexerLast     = "indexer:last"
	KeyIndexerLock     = "indexer:lock"
	KeyFeatureIndexing = "feature:indexing"

	tombstonePrefix = "indexer:tomb:"
)

// TombstoneKey returns the per-day tombstone set key for t (UTC date).
func TombstoneKey(t time.Time) string {
	return tombstonePrefix + t.UTC().Format("20060102")
}

type Store interface {
	Get(ctx context.Context, key string) (string, error)
	// Set stores value under key. A zero ttl means no expiry.
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Del(ctx context.Context, key string) error

	// AcquireLock sets key to owner with the given ttl if the key is absent,
	// expired, or already held by owner. It reports whether owner holds the
	// lock afterwards.
	AcquireLock(ctx context.Context, key, owner string, ttl time.Duration) (bool, error)
	ReleaseLock(ctx context.Context, key, owner string) error

	// SAdd adds member to the set and resets the expiry of the whole set.
	SAdd(ctx context.Context, key, member string, ttl time.Duration) error
	SIsMember(ctx context.Context, key, member string) (bool, error)

	PurgeExpired(ctx context.Context) (int64, error)
}
