package tenant

import (
	"context"
	"time"

	"github.com/mbd888/peopledesk/internal/catalog"
)

// Store persists the tenant directory.
type Store interface {
	// Reserve inserts customer, tenant and domain in one transaction. Unique
	// violations map to ErrDomainTaken, ErrEmailTaken or ErrDBNameTaken.
	Reserve(ctx context.Context, reg *Registration) error
	// Release removes every landlord row of a reservation. Missing rows are ignored.
	Release(ctx context.Context, tenantID string) error

	Get(ctx context.Context, id string) (*Tenant, error)
	GetByDomain(ctx context.Context, domain string) (*Tenant, error)
	GetCustomer(ctx context.Context, tenantID string) (*Customer, error)
	GetDomain(ctx context.Context, tenantID string) (*Domain, error)
	DomainExists(ctx context.Context, domain string) (bool, error)
	EmailExists(ctx context.Context, email string) (bool, error)
	List(ctx context.Context, opts ListOptions) ([]*Listing, error)
	PackageInUse(ctx context.Context, packageID int64) (bool, error)

	UpdatePackage(ctx context.Context, id string, packageID int64) error
	UpdateSubscription(ctx context.Context, id string, subType catalog.SubscriptionType, expiry time.Time) error
	SetStatus(ctx context.Context, id string, status Status) error

	DeleteDomain(ctx context.Context, tenantID string) error
	DeleteCustomer(ctx context.Context, tenantID string) error
	Delete(ctx context.Context, id string) error
}

// PendingStore persists payment handoff contexts keyed by correlation id.
type PendingStore interface {
	SavePendingSignup(ctx context.Context, p *PendingSignup) error
	GetPendingSignup(ctx context.Context, correlationID string) (*PendingSignup, error)
	DeletePendingSignup(ctx context.Context, correlationID string) error

	SavePendingRenewal(ctx context.Context, p *PendingRenewal) error
	GetPendingRenewal(ctx context.Context, correlationID string) (*PendingRenewal, error)
	DeletePendingRenewal(ctx context.Context, correlationID string) error
}
