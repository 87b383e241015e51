package patient

import (
	"context"
	"errors"
	"sync"

	"github.com/drfirst/go-rxguard/internal/auth"
)

// MemoryDirectory is an in-process Directory for tests and local development
type MemoryDirectory struct {
	mu       sync.RWMutex
	patients map[string]*Patient
}

// NewMemoryDirectory creates a directory seeded with patients
func NewMemoryDirectory(patients ...*Patient) *MemoryDirectory {
	d := &MemoryDirectory{patients: make(map[string]*Patient)}
	for _, p := range patients {
		d.Put(p)
	}
	return d
}

// Put adds or replaces a patient
func (d *MemoryDirectory) Put(p *Patient) {
	d.mu.Lock()
	defer d.mu.Unlock()
	cp := *p
	d.patients[p.ID] = &cp
}

// Get implements Directory
func (d *MemoryDirectory) Get(_ context.Context, id string) (*Patient, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	p, ok := d.patients[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *p
	return &cp, nil
}

// FindByID implements auth.IdentityStore
func (d *MemoryDirectory) FindByID(ctx context.Context, id string) (*auth.Identity, error) {
	p, err := d.Get(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return nil, auth.ErrIdentityNotFound
	}
	if err != nil {
		return nil, err
	}
	return p.Identity(), nil
}
