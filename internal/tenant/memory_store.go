package tenant

import (
	"context"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/mbd888/peopledesk/internal/catalog"
)

// MemoryStore is an in-memory tenant directory for demo/development.
type MemoryStore struct {
	mu        sync.RWMutex
	tenants   map[string]*Tenant   // by ID
	customers map[string]*Customer // by tenant ID
	domains   map[string]*Domain   // by tenant ID
	hosts     map[string]string    // domain → tenant ID
	emails    map[string]string    // lower(email) → tenant ID
	dbNames   map[string]string    // tenancy_db_name → tenant ID

	signups  map[string]*PendingSignup
	renewals map[string]*PendingRenewal
}

// NewMemoryStore creates a new in-memory tenant store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tenants:   make(map[string]*Tenant),
		customers: make(map[string]*Customer),
		domains:   make(map[string]*Domain),
		hosts:     make(map[string]string),
		emails:    make(map[string]string),
		dbNames:   make(map[string]string),
		signups:   make(map[string]*PendingSignup),
		renewals:  make(map[string]*PendingRenewal),
	}
}

func (m *MemoryStore) Reserve(_ context.Context, reg *Registration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, c, d := reg.Tenant, reg.Customer, reg.Domain
	if _, exists := m.tenants[t.ID]; exists {
		return ErrDBNameTaken
	}
	if _, exists := m.dbNames[t.TenancyDBName]; exists {
		return ErrDBNameTaken
	}
	if _, exists := m.hosts[d.Domain]; exists {
		return ErrDomainTaken
	}
	if _, exists := m.emails[strings.ToLower(c.Email)]; exists {
		return ErrEmailTaken
	}

	tc, cc, dc := *t, *c, *d
	m.tenants[t.ID] = &tc
	m.customers[t.ID] = &cc
	m.domains[t.ID] = &dc
	m.hosts[d.Domain] = t.ID
	m.emails[strings.ToLower(c.Email)] = t.ID
	m.dbNames[t.TenancyDBName] = t.ID
	return nil
}

func (m *MemoryStore) Release(_ context.Context, tenantID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deleteDomainLocked(tenantID)
	m.deleteCustomerLocked(tenantID)
	m.deleteTenantLocked(tenantID)
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Tenant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	t, ok := m.tenants[id]
	if !ok {
		return nil, ErrTenantNotFound
	}
	cp := *t
	return &cp, nil
}

func (m *MemoryStore) GetByDomain(ctx context.Context, domain string) (*Tenant, error) {
	m.mu.RLock()
	id, ok := m.hosts[domain]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrTenantNotFound
	}
	return m.Get(ctx, id)
}

func (m *MemoryStore) GetCustomer(_ context.Context, tenantID string) (*Customer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	c, ok := m.customers[tenantID]
	if !ok {
		return nil, ErrCustomerNotFound
	}
	cp := *c
	return &cp, nil
}

func (m *MemoryStore) GetDomain(_ context.Context, tenantID string) (*Domain, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	d, ok := m.domains[tenantID]
	if !ok {
		return nil, ErrDomainNotFound
	}
	cp := *d
	return &cp, nil
}

func (m *MemoryStore) DomainExists(_ context.Context, domain string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.hosts[domain]
	return ok, nil
}

func (m *MemoryStore) EmailExists(_ context.Context, email string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.emails[strings.ToLower(email)]
	return ok, nil
}

func (m *MemoryStore) List(_ context.Context, opts ListOptions) ([]*Listing, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*Listing, 0, len(m.tenants))
	for id, t := range m.tenants {
		if opts.PackageID != 0 && t.PackageID != opts.PackageID {
			continue
		}
		if opts.Status != "" && t.Status != opts.Status {
			continue
		}
		tc := *t
		l := &Listing{Tenant: &tc}
		if c, ok := m.customers[id]; ok {
			cc := *c
			l.Customer = &cc
		}
		if d, ok := m.domains[id]; ok {
			dc := *d
			l.Domain = &dc
		}
		out = append(out, l)
	}
	slices.SortFunc(out, func(a, b *Listing) int {
		if c := b.Tenant.CreatedAt.Compare(a.Tenant.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.Tenant.ID, b.Tenant.ID)
	})

	if c := opts.After; c != nil {
		i := slices.IndexFunc(out, func(l *Listing) bool { return c.Admits(l.Tenant.CreatedAt, l.Tenant.ID) })
		if i < 0 {
			return []*Listing{}, nil
		}
		out = out[i:]
	}
	if opts.Limit > 0 && len(out) > opts.Limit {
		out = out[:opts.Limit]
	}
	return out, nil
}

func (m *MemoryStore) PackageInUse(_ context.Context, packageID int64) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, t := range m.tenants {
		if t.PackageID == packageID {
			return true, nil
		}
	}
	return false, nil
}

func (m *MemoryStore) UpdatePackage(_ context.Context, id string, packageID int64) error {
	return m.update(id, func(t *Tenant) { t.PackageID = packageID })
}

func (m *MemoryStore) UpdateSubscription(_ context.Context, id string, subType catalog.SubscriptionType, expiry time.Time) error {
	return m.update(id, func(t *Tenant) {
		t.SubscriptionType = subType
		t.ExpiryDate = Today(expiry)
	})
}

func (m *MemoryStore) SetStatus(_ context.Context, id string, status Status) error {
	return m.update(id, func(t *Tenant) { t.Status = status })
}

func (m *MemoryStore) update(id string, fn func(*Tenant)) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.tenants[id]
	if !ok {
		return ErrTenantNotFound
	}
	cp := *t
	fn(&cp)
	cp.UpdatedAt = time.Now().UTC()
	m.tenants[id] = &cp
	return nil
}

func (m *MemoryStore) DeleteDomain(_ context.Context, tenantID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.deleteDomainLocked(tenantID) {
		return ErrDomainNotFound
	}
	return nil
}

func (m *MemoryStore) DeleteCustomer(_ context.Context, tenantID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.deleteCustomerLocked(tenantID) {
		return ErrCustomerNotFound
	}
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.deleteTenantLocked(id) {
		return ErrTenantNotFound
	}
	return nil
}

func (m *MemoryStore) deleteDomainLocked(tenantID string) bool {
	d, ok := m.domains[tenantID]
	if !ok {
		return false
	}
	delete(m.hosts, d.Domain)
	delete(m.domains, tenantID)
	return true
}

func (m *MemoryStore) deleteCustomerLocked(tenantID string) bool {
	c, ok := m.customers[tenantID]
	if !ok {
		return false
	}
	delete(m.emails, strings.ToLower(c.Email))
	delete(m.customers, tenantID)
	return true
}

func (m *MemoryStore) deleteTenantLocked(id string) bool {
	t, ok := m.tenants[id]
	if !ok {
		return false
	}
	delete(m.dbNames, t.TenancyDBName)
	delete(m.tenants, id)
	return true
}

// ---------- Pending payments ----------

// SavePendingSignup parks p. Its domain and email stay claimed until the
// record is deleted or purged.
func (m *MemoryStore) SavePendingSignup(_ context.Context, p *PendingSignup) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	email := strings.ToLower(p.Email)
	if _, exists := m.hosts[p.Domain]; exists {
		return ErrDomainTaken
	}
	if _, exists := m.emails[email]; exists {
		return ErrEmailTaken
	}
	for id, other := range m.signups {
		if id == p.CorrelationID {
			continue
		}
		if other.Domain == p.Domain {
			return ErrDomainTaken
		}
		if strings.ToLower(other.Email) == email {
			return ErrEmailTaken
		}
	}
	cp := *p
	m.signups[p.CorrelationID] = &cp
	return nil
}

func (m *MemoryStore) GetPendingSignup(_ context.Context, correlationID string) (*PendingSignup, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.signups[correlationID]
	if !ok {
		return nil, ErrPendingNotFound
	}
	cp := *p
	return &cp, nil
}

func (m *MemoryStore) DeletePendingSignup(_ context.Context, correlationID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.signups[correlationID]; !ok {
		return ErrPendingNotFound
	}
	delete(m.signups, correlationID)
	return nil
}

func (m *MemoryStore) SavePendingRenewal(_ context.Context, p *PendingRenewal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *p
	m.renewals[p.CorrelationID] = &cp
	return nil
}

func (m *MemoryStore) GetPendingRenewal(_ context.Context, correlationID string) (*PendingRenewal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.renewals[correlationID]
	if !ok {
		return nil, ErrPendingNotFound
	}
	cp := *p
	return &cp, nil
}

func (m *MemoryStore) DeletePendingRenewal(_ context.Context, correlationID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.renewals[correlationID]; !ok {
		return ErrPendingNotFound
	}
	delete(m.renewals, correlationID)
	return nil
}

// PurgePending drops pending signups and renewals created before cutoff.
func (m *MemoryStore) PurgePending(_ context.Context, cutoff time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for id, p := range m.signups {
		if p.CreatedAt.Before(cutoff) {
			delete(m.signups, id)
			n++
		}
	}
	for id, p := range m.renewals {
		if p.CreatedAt.Before(cutoff) {
			delete(m.renewals, id)
			n++
		}
	}
	return n, nil
}

var (
	_ Store        = (*MemoryStore)(nil)
	_ PendingStore = (*MemoryStore)(nil)
)
