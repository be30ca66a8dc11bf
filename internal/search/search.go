// Package search writes message documents to the full-text index.
package search

import (
	"context"
	"errors"
)

// ErrNotFound is returned by Update and Delete when the document is not in
// the index.
var ErrNotFound = errors.New("search document not found")

// FlagFields are the document fields derived from a flag list that an
// update job may patch.
type FlagFields struct {
	Draft   bool     `json:"draft"`
	Flagged bool     `json:"flagged"`
	Flags   []string `json:"flags"`
	Unseen  bool     `json:"unseen"`
}

// Update patches flag fields. With a positive Modseq the update is skipped
// when the stored document already has an equal or newer modseq.
type Update struct {
	Fields FlagFields
	Modseq int64
}

type Client interface {
	Index(ctx context.Context, id string, doc Document) error
	Update(ctx context.Context, id string, u Update) error
	Delete(ctx context.Context, id string) error
}
