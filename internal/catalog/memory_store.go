package catalog

import (
	"context"
	"slices"
	"strings"
	"sync"
)

// MemoryStore is an in-memory package store for demo/development.
type MemoryStore struct {
	mu       sync.RWMutex
	packages map[int64]*Package
	names    map[string]int64 // lower(name) → ID
	nextID   int64
	refs     ReferenceChecker
}

// NewMemoryStore creates a new in-memory package store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		packages: make(map[int64]*Package),
		names:    make(map[string]int64),
	}
}

// SetReferenceChecker installs the tenant lookup used to refuse deleting
// packages that are still assigned.
func (m *MemoryStore) SetReferenceChecker(rc ReferenceChecker) {
	m.mu.Lock()
	m.refs = rc
	m.mu.Unlock()
}

func (m *MemoryStore) Create(_ context.Context, p *Package) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := strings.ToLower(p.Name)
	if _, exists := m.names[key]; exists {
		return ErrNameTaken
	}
	if p.ID == 0 {
		m.nextID++
		p.ID = m.nextID
	} else if p.ID > m.nextID {
		m.nextID = p.ID
	}
	m.packages[p.ID] = clonePackage(p)
	m.names[key] = p.ID
	return nil
}

func (m *MemoryStore) Update(_ context.Context, p *Package) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	old, ok := m.packages[p.ID]
	if !ok {
		return ErrPackageNotFound
	}
	key := strings.ToLower(p.Name)
	if id, exists := m.names[key]; exists && id != p.ID {
		return ErrNameTaken
	}
	delete(m.names, strings.ToLower(old.Name))
	m.packages[p.ID] = clonePackage(p)
	m.names[key] = p.ID
	return nil
}

func (m *MemoryStore) Delete(ctx context.Context, id int64) error {
	m.mu.RLock()
	refs := m.refs
	m.mu.RUnlock()

	if refs != nil {
		inUse, err := refs.PackageInUse(ctx, id)
		if err != nil {
			return err
		}
		if inUse {
			return ErrPackageInUse
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.packages[id]
	if !ok {
		return ErrPackageNotFound
	}
	delete(m.names, strings.ToLower(p.Name))
	delete(m.packages, id)
	return nil
}

func (m *MemoryStore) FindByID(_ context.Context, id int64) (*Package, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, ok := m.packages[id]
	if !ok {
		return nil, ErrPackageNotFound
	}
	return clonePackage(p), nil
}

func (m *MemoryStore) List(_ context.Context) ([]*Package, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*Package, 0, len(m.packages))
	for _, p := range m.packages {
		out = append(out, clonePackage(p))
	}
	slices.SortFunc(out, func(a, b *Package) int { return int(a.ID - b.ID) })
	return out, nil
}

func (m *MemoryStore) ListSelectable(_ context.Context) ([]Option, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Option, 0, len(m.packages))
	for _, p := range m.packages {
		out = append(out, Option{ID: p.ID, Name: p.Name})
	}
	slices.SortFunc(out, func(a, b Option) int { return strings.Compare(a.Name, b.Name) })
	return out, nil
}

// clonePackage copies p including its permission slice so callers cannot
// mutate stored state.
func clonePackage(p *Package) *Package {
	cp := *p
	cp.Permissions = slices.Clone(p.Permissions)
	return &cp
}

var _ Store = (*MemoryStore)(nil)
