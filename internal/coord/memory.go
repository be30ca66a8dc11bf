package coord

import (
	"context"
	"sync"
	"time"
)

type memoryValue struct {
	value     string
	expiresAt time.Time
}

type memorySet struct {
	members   map[string]struct{}
	expiresAt time.Time
}

// MemoryStore is an in-process Store for single-node runs and tests.
type MemoryStore struct {
	mu   sync.Mutex
	keys map[string]memoryValue
	sets map[string]*memorySet
	now  func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		keys: make(map[string]memoryValue),
		sets: make(map[string]*memorySet),
		now:  time.Now,
	}
}

// SetClock replaces the time source used for expiry checks.
func (m *MemoryStore) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

func (m *MemoryStore) expired(at time.Time) bool {
	return !at.IsZero() && !m.now().Before(at)
}

func (m *MemoryStore) deadline(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return m.now().Add(ttl)
}

func (m *MemoryStore) Get(_ context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.keys[key]
	if !ok || m.expired(v.expiresAt) {
		return "", ErrNil
	}
	return v.value, nil
}

func (m *MemoryStore) Set(_ context.Context, key, value string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.keys[key] = memoryValue{value: value, expiresAt: m.deadline(ttl)}
	return nil
}

func (m *MemoryStore) Del(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.keys, key)
	delete(m.sets, key)
	return nil
}

func (m *MemoryStore) AcquireLock(_ context.Context, key, owner string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.keys[key]
	if ok && !m.expired(v.expiresAt) && v.value != owner {
		return false, nil
	}
	m.keys[key] = memoryValue{value: owner, expiresAt: m.deadline(ttl)}
	return true, nil
}

func (m *MemoryStore) ReleaseLock(_ context.Context, key, owner string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if v, ok := m.keys[key]; ok && v.value == owner {
		delete(m.keys, key)
	}
	return nil
}

func (m *MemoryStore) SAdd(_ context.Context, key, member string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sets[key]
	if !ok || m.expired(s.expiresAt) {
		s = &memorySet{members: make(map[string]struct{})}
		m.sets[key] = s
	}
	s.members[member] = struct{}{}
	s.expiresAt = m.deadline(ttl)
	return nil
}

func (m *MemoryStore) SIsMember(_ context.Context, key, member string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sets[key]
	if !ok || m.expired(s.expiresAt) {
		return false, nil
	}
	_, ok = s.members[member]
	return ok, nil
}

func (m *MemoryStore) PurgeExpired(_ context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for k, v := range m.keys {
		if m.expired(v.expiresAt) {
			delete(m.keys, k)
			n++
		}
	}
	for k, s := range m.sets {
		if m.expired(s.expiresAt) {
			n += int64(len(s.members))
			delete(m.sets, k)
		}
	}
	return n, nil
}
