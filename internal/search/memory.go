package search

import (
	"context"
	"sync"
)

// MemoryIndex is an in-process Client with the same update semantics as
// ElasticClient.
type MemoryIndex struct {
	mu   sync.Mutex
	docs map[string]Document
}

func NewMemoryIndex() *MemoryIndex {
	return &MemoryIndex{docs: make(map[string]Document)}
}

func (m *MemoryIndex) Index(_ context.Context, id string, doc Document) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.docs[id] = doc
	return nil
}

func (m *MemoryIndex) Update(_ context.Context, id string, u Update) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	doc, ok := m.docs[id]
	if !ok {
		return ErrNotFound
	}
	if u.Modseq > 0 && doc.Modseq >= u.Modseq {
		return nil
	}
	doc.Draft = u.Fields.Draft
	doc.Flagged = u.Fields.Flagged
	doc.Flags = u.Fields.Flags
	doc.Unseen = u.Fields.Unseen
	if u.Modseq > 0 {
		doc.Modseq = u.Modseq
	}
	m.docs[id] = doc
	return nil
}

func (m *MemoryIndex) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.docs[id]; !ok {
		return ErrNotFound
	}
	delete(m.docs, id)
	return nil
}

// Get returns a stored document.
func (m *MemoryIndex) Get(id string) (Document, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	doc, ok := m.docs[id]
	return doc, ok
}

func (m *MemoryIndex) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.docs)
}
