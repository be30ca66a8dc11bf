package attachment

import (
	"context"
	"database/sql"
	"encoding/hex"
	"sync"
	"time"

	"github.com/znz-systems/mailindex/internal/models"
	"github.com/znz-systems/mailindex/internal/store"
)

type mockMetaStore struct {
	mu   sync.Mutex
	rows map[string]*models.Attachment

	// beforeInsert runs before the insert takes effect. Returning an error
	// makes InsertAttachment fail with it.
	beforeInsert func(rec *models.Attachment) error
	inserts      int

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

func newMockMetaStore() *mockMetaStore {
	return &mockMetaStore{rows: make(map[string]*models.Attachment), locks: make(map[string]*sync.Mutex)}
}

func (m *mockMetaStore) LockAttachment(ctx context.Context, id []byte, fn func(ctx context.Context) error) error {
	m.locksMu.Lock()
	l, ok := m.locks[hex.EncodeToString(id)]
	if !ok {
		l = &sync.Mutex{}
		m.locks[hex.EncodeToString(id)] = l
	}
	m.locksMu.Unlock()

	l.Lock()
	defer l.Unlock()
	return fn(ctx)
}

func (m *mockMetaStore) GetAttachment(_ context.Context, id []byte) (*models.Attachment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.rows[hex.EncodeToString(id)]
	if !ok {
		return nil, sql.ErrNoRows
	}
	cp := *rec
	return &cp, nil
}

func (m *mockMetaStore) IncrementAttachment(_ context.Context, id []byte, count int64, magic float64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.rows[hex.EncodeToString(id)]
	if !ok {
		return false, nil
	}
	rec.RefCount += count
	rec.Magic += magic
	return true, nil
}

func (m *mockMetaStore) IncrementAttachments(_ context.Context, ids [][]byte, count int64, magic float64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, id := range ids {
		if rec, ok := m.rows[hex.EncodeToString(id)]; ok {
			rec.RefCount += count
			rec.Magic += magic
			n++
		}
	}
	return n, nil
}

func (m *mockMetaStore) InsertAttachment(_ context.Context, a *models.Attachment) error {
	if m.beforeInsert != nil {
		if err := m.beforeInsert(a); err != nil {
			return err
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	key := hex.EncodeToString(a.ID)
	if _, ok := m.rows[key]; ok {
		return store.ErrDuplicateAttachment
	}
	m.inserts++
	cp := *a
	cp.UploadDate = time.Now()
	m.rows[key] = &cp
	return nil
}

func (m *mockMetaStore) DeleteAttachment(_ context.Context, id []byte) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := hex.EncodeToString(id)
	rec, ok := m.rows[key]
	if !ok || rec.RefCount != 0 || rec.Magic != 0 {
		return false, nil
	}
	delete(m.rows, key)
	return true, nil
}

func (m *mockMetaStore) ListOrphanedAttachments(_ context.Context, limit int) ([][]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ids [][]byte
	for _, rec := range m.rows {
		if rec.RefCount == 0 && rec.Magic == 0 && len(ids) < limit {
			ids = append(ids, rec.ID)
		}
	}
	return ids, nil
}

func (m *mockMetaStore) row(id []byte) *models.Attachment {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rows[hex.EncodeToString(id)]
}

type chunkSet struct {
	data    [][]byte
	created time.Time
}

type mockChunkStore struct {
	mu     sync.Mutex
	chunks map[string]*chunkSet
	writes int
	purged []string
}

func newMockChunkStore() *mockChunkStore {
	return &mockChunkStore{chunks: make(map[string]*chunkSet)}
}

func (m *mockChunkStore) WriteAttachmentChunks(_ context.Context, id []byte, chunkSize int, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := hex.EncodeToString(id)
	if _, ok := m.chunks[key]; ok {
		return store.ErrDuplicateChunks
	}
	m.writes++
	set := &chunkSet{created: time.Now()}
	for off := 0; off < len(data); off += chunkSize {
		end := min(off+chunkSize, len(data))
		set.data = append(set.data, append([]byte(nil), data[off:end]...))
	}
	m.chunks[key] = set
	return nil
}

func (m *mockChunkStore) ReadAttachmentChunk(_ context.Context, id []byte, n int) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	set, ok := m.chunks[hex.EncodeToString(id)]
	if !ok || n >= len(set.data) {
		return nil, sql.ErrNoRows
	}
	return set.data[n], nil
}

func (m *mockChunkStore) DeleteAttachmentChunks(_ context.Context, id []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := hex.EncodeToString(id)
	delete(m.chunks, key)
	m.purged = append(m.purged, key)
	return nil
}

func (m *mockChunkStore) ListOrphanedChunks(context.Context, time.Time, int) ([][]byte, error) {
	return nil, nil
}

func (m *mockChunkStore) put(id []byte, created time.Time, data ...[]byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.chunks[hex.EncodeToString(id)] = &chunkSet{data: data, created: created}
}

func (m *mockChunkStore) has(id []byte) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.chunks[hex.EncodeToString(id)]
	return ok
}

// sweepChunkStore answers ListOrphanedChunks against a metadata fake.
type sweepChunkStore struct {
	*mockChunkStore
	meta *mockMetaStore
}

func (s *sweepChunkStore) ListOrphanedChunks(_ context.Context, olderThan time.Time, limit int) ([][]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids [][]byte
	for key, set := range s.chunks {
		id, _ := hex.DecodeString(key)
		if s.meta.row(id) != nil || !set.created.Before(olderThan) {
			continue
		}
		if len(ids) < limit {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

type recordingNotifier struct {
	mu   sync.Mutex
	errs []error
}

func (n *recordingNotifier) Notify(_ context.Context, err error, _ ...any) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.errs = append(n.errs, err)
}

func (n *recordingNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.errs)
}
