package indexer

import (
	"context"

	"github.com/znz-systems/mailindex/internal/coord"
)

// FlagSource decides whether indexing is enabled for a user.
type FlagSource interface {
	Enabled(ctx context.Context, user string) (bool, error)
}

// StaticFlag enables or disables indexing for everyone.
type StaticFlag bool

func (f StaticFlag) Enabled(context.Context, string) (bool, error) {
	return bool(f), nil
}

// SetMembershipFlag enables indexing for users that are members of a set in
// the coordination store.
type SetMembershipFlag struct {
	Store coord.Store
	Key   string
}

func NewSetMembershipFlag(store coord.Store) SetMembershipFlag {
	return SetMembershipFlag{Store: store, Key: coord.KeyFeatureIndexing}
}

func (f SetMembershipFlag) Enabled(ctx context.Context, user string) (bool, error) {
	return f.Store.SIsMember(ctx, f.Key, user)
}
