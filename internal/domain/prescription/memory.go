package prescription

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-process Store. Stored records are copied in and out.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]*Prescription
	events  []Event
	err     error
}

// NewMemoryStore creates an empty store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]*Prescription)}
}

// Create implements Store
func (m *MemoryStore) Create(_ context.Context, p *Prescription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.records[p.ID] = p.Clone()
	m.events = append(m.events, IssuedEvent(p))
	return nil
}

// Get implements Store
func (m *MemoryStore) Get(_ context.Context, id string) (*Prescription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.records[id]
	if !ok {
		return nil, ErrNotFound
	}
	return p.Clone(), nil
}

// AttachDocument implements Store
func (m *MemoryStore) AttachDocument(_ context.Context, p *Prescription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	stored, ok := m.records[p.ID]
	if !ok {
		return ErrNotFound
	}
	if stored.HasDocument() {
		return ErrDocumentAttached
	}
	stored.DocumentRef = p.DocumentRef
	if p.Signature != nil {
		sig := *p.Signature
		stored.Signature = &sig
	}
	stored.UpdatedAt = p.UpdatedAt
	m.events = append(m.events, DocumentAttachedEvent(stored))
	return nil
}

// ListUndocumented implements Store
func (m *MemoryStore) ListUndocumented(_ context.Context, cutoff time.Time, limit int) ([]*Prescription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Prescription
	for _, p := range m.records {
		if !p.HasDocument() && p.CreatedAt.Before(cutoff) {
			out = append(out, p.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Len returns the number of stored prescriptions
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.records)
}

// Events returns the domain events that would have been queued
func (m *MemoryStore) Events() []Event {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]Event(nil), m.events...)
}

// FailWith makes writes return err; nil restores normal operation
func (m *MemoryStore) FailWith(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}
