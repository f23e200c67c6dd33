// Package tenant is the landlord tenant directory: tenants, their owning
// customer and domain binding, and the pending payment contexts that precede
// paid provisioning.
package tenant

import (
	"errors"
	"time"

	"github.com/mbd888/peopledesk/internal/catalog"
	"github.com/mbd888/peopledesk/internal/pagination"
	"github.com/shopspring/decimal"
)

// Errors
var (
	ErrTenantNotFound   = errors.New("tenant: not found")
	ErrCustomerNotFound = errors.New("tenant: customer not found")
	ErrDomainNotFound   = errors.New("tenant: domain not found")
	ErrDomainTaken      = errors.New("tenant: domain already taken")
	ErrEmailTaken       = errors.New("tenant: email already taken")
	ErrDBNameTaken      = errors.New("tenant: database name already taken")
	ErrPendingNotFound  = errors.New("tenant: pending payment not found")
)

// Status represents a tenant's lifecycle state.
type Status string

const (
	// StatusProvisioning marks a reserved tenant whose database is being built.
	StatusProvisioning Status = "provisioning"
	StatusActive       Status = "active"
)

// DateLayout is the wire format of expiry dates.
const DateLayout = "2006-01-02"

// Tenant is one customer organisation with its own isolated database.
type Tenant struct {
	ID               string                   `json:"id"`
	PackageID        int64                    `json:"packageId"`
	SubscriptionType catalog.SubscriptionType `json:"subscriptionType"`
	ExpiryDate       time.Time                `json:"expiryDate"`
	TenancyDBName    string                   `json:"tenancyDbName"`
	Status           Status                   `json:"status"`
	CreatedAt        time.Time                `json:"createdAt"`
	UpdatedAt        time.Time                `json:"updatedAt"`
}

// Customer is the account owner of a tenant.
type Customer struct {
	ID           string    `json:"id"`
	TenantID     string    `json:"tenantId"`
	CompanyName  string    `json:"companyName"`
	FirstName    string    `json:"firstName"`
	LastName     string    `json:"lastName"`
	ContactNo    string    `json:"contactNo"`
	Email        string    `json:"email"`
	Username     string    `json:"username"`
	PasswordHash string    `json:"-"`
	CreatedAt    time.Time `json:"createdAt"`
}

// FullName joins first and last name.
func (c *Customer) FullName() string {
	if c.LastName == "" {
		return c.FirstName
	}
	return c.FirstName + " " + c.LastName
}

// Domain binds a host name to a tenant.
type Domain struct {
	Domain    string    `json:"domain"`
	TenantID  string    `json:"tenantId"`
	CreatedAt time.Time `json:"createdAt"`
}

// Registration is the landlord-side footprint of a tenant, reserved atomically.
type Registration struct {
	Tenant   *Tenant
	Customer *Customer
	Domain   *Domain
}

// Listing is the directory read model: a tenant with its owned sub-resources.
// Customer or Domain may be nil when a previous deprovision left gaps.
type Listing struct {
	Tenant   *Tenant   `json:"tenant"`
	Customer *Customer `json:"customer,omitempty"`
	Domain   *Domain   `json:"domain,omitempty"`
}

// ListOptions filters List.
type ListOptions struct {
	PackageID int64
	Status    Status
	Limit     int
	After     *pagination.Cursor // newest-first keyset position
}

// PendingSignup is the durable payment handoff for a paid signup. It carries
// everything needed to provision once payment succeeds.
type PendingSignup struct {
	CorrelationID    string                   `json:"correlationId"`
	CompanyName      string                   `json:"companyName"`
	FirstName        string                   `json:"firstName"`
	LastName         string                   `json:"lastName"`
	ContactNo        string                   `json:"contactNo"`
	Email            string                   `json:"email"`
	Username         string                   `json:"username"`
	PasswordHash     string                   `json:"-"`
	Domain           string                   `json:"domain"`
	PackageID        int64                    `json:"packageId"`
	SubscriptionType catalog.SubscriptionType `json:"subscriptionType"`
	Price            decimal.Decimal          `json:"price"`
	PaymentMethod    string                   `json:"paymentMethod"`
	CreatedAt        time.Time                `json:"createdAt"`
}

// PendingRenewal is the durable payment handoff for a paid renewal.
type PendingRenewal struct {
	CorrelationID    string                   `json:"correlationId"`
	TenantID         string                   `json:"tenantId"`
	PackageID        int64                    `json:"packageId"`
	SubscriptionType catalog.SubscriptionType `json:"subscriptionType"`
	Price            decimal.Decimal          `json:"price"`
	PaymentMethod    string                   `json:"paymentMethod"`
	CreatedAt        time.Time                `json:"createdAt"`
}

// Today truncates t to a UTC calendar date.
func Today(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
