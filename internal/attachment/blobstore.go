package attachment

import (
	"context"
	"errors"
	"io"

	"github.com/znz-systems/mailindex/internal/blob"
	"github.com/znz-systems/mailindex/internal/models"
	"github.com/znz-systems/mailindex/internal/store"
)

// NewBlobStorage keeps attachment bytes as whole objects in a blob store.
// Metadata and reference counting are the same as NewGridStorage.
func NewBlobStorage(meta store.AttachmentStore, objects blob.Store, opts Options) *Storage {
	return newStorage(meta, &blobBackend{objects: objects}, opts)
}

type blobBackend struct {
	objects blob.Store
}

func blobKey(id []byte) string {
	return "attachments/" + hexID(id)
}

// upload overwrites any object left under the key. Objects are addressed by
// content, so a concurrent writer puts the same bytes.
func (b *blobBackend) upload(ctx context.Context, rec *models.Attachment, body []byte) error {
	contentType := rec.ContentType
	if rec.Decoded || contentType == "" {
		contentType = "application/octet-stream"
	}
	return b.objects.Put(ctx, blobKey(rec.ID), contentType, body)
}

func (b *blobBackend) open(ctx context.Context, rec *models.Attachment) (io.ReadCloser, error) {
	return b.objects.Open(ctx, blobKey(rec.ID))
}

func (b *blobBackend) purge(ctx context.Context, id []byte) error {
	err := b.objects.Delete(ctx, blobKey(id))
	if errors.Is(err, blob.ErrObjectNotFound) {
		return nil
	}
	return err
}

// sweep is a no-op: objects are only written right before their row and
// are deleted together with it.
func (b *blobBackend) sweep(context.Context) (int, error) {
	return 0, nil
}
