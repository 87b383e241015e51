package auth

import (
	"context"
	"sync"
)

// MemoryStore is an in-process identity store for tests and local development
type MemoryStore struct {
	mu         sync.RWMutex
	byID       map[string]*Identity
	byEmployee map[string]*Identity
}

// NewMemoryStore creates a store seeded with identities
func NewMemoryStore(idents ...*Identity) *MemoryStore {
	s := &MemoryStore{
		byID:       make(map[string]*Identity),
		byEmployee: make(map[string]*Identity),
	}
	for _, ident := range idents {
		s.Put(ident)
	}
	return s
}

// Put adds or replaces an identity
func (s *MemoryStore) Put(ident *Identity) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byID[ident.ID] = ident
	if ident.EmployeeID != "" {
		s.byEmployee[ident.EmployeeID] = ident
	}
}

// FindByID implements IdentityStore
func (s *MemoryStore) FindByID(_ context.Context, id string) (*Identity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ident, ok := s.byID[id]
	if !ok {
		return nil, ErrIdentityNotFound
	}
	cp := *ident
	return &cp, nil
}

// FindByEmployeeID implements CredentialStore
func (s *MemoryStore) FindByEmployeeID(_ context.Context, employeeID string) (*Identity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ident, ok := s.byEmployee[employeeID]
	if !ok {
		return nil, ErrIdentityNotFound
	}
	cp := *ident
	return &cp, nil
}
