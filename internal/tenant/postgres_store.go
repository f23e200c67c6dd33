package tenant

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"
	"github.com/mbd888/peopledesk/internal/catalog"
)

// PostgresStore persists the tenant directory in the landlord PostgreSQL database.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed tenant store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const tenantColumns = `id, package_id, subscription_type, expiry_date, tenancy_db_name, status, created_at, updated_at`

func (p *PostgresStore) Reserve(ctx context.Context, reg *Registration) (err error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	t, c, d := reg.Tenant, reg.Customer, reg.Domain
	if _, err = tx.ExecContext(ctx, `
		INSERT INTO tenants (id, package_id, subscription_type, expiry_date, tenancy_db_name, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		t.ID, t.PackageID, string(t.SubscriptionType), t.ExpiryDate, t.TenancyDBName,
		string(t.Status), t.CreatedAt, t.UpdatedAt,
	); err != nil {
		return mapUniqueViolation(err)
	}
	if _, err = tx.ExecContext(ctx, `
		INSERT INTO customers (id, tenant_id, company_name, first_name, last_name, contact_no,
			email, username, password_hash, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		c.ID, t.ID, c.CompanyName, c.FirstName, c.LastName, c.ContactNo,
		strings.ToLower(c.Email), c.Username, c.PasswordHash, c.CreatedAt,
	); err != nil {
		return mapUniqueViolation(err)
	}
	if _, err = tx.ExecContext(ctx, `
		INSERT INTO domains (domain, tenant_id, created_at) VALUES ($1, $2, $3)`,
		d.Domain, t.ID, d.CreatedAt,
	); err != nil {
		return mapUniqueViolation(err)
	}
	return tx.Commit()
}

func (p *PostgresStore) Release(ctx context.Context, tenantID string) (err error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()
	for _, q := range []string{
		`DELETE FROM domains WHERE tenant_id = $1`,
		`DELETE FROM customers WHERE tenant_id = $1`,
		`DELETE FROM tenants WHERE id = $1`,
	} {
		if _, err = tx.ExecContext(ctx, q, tenantID); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Tenant, error) {
	return scanTenant(p.db.QueryRowContext(ctx,
		`SELECT `+tenantColumns+` FROM tenants WHERE id = $1`, id))
}

func (p *PostgresStore) GetByDomain(ctx context.Context, domain string) (*Tenant, error) {
	return scanTenant(p.db.QueryRowContext(ctx, `
		SELECT t.id, t.package_id, t.subscription_type, t.expiry_date, t.tenancy_db_name,
			t.status, t.created_at, t.updated_at
		FROM tenants t JOIN domains d ON d.tenant_id = t.id
		WHERE d.domain = $1`, domain))
}

func (p *PostgresStore) GetCustomer(ctx context.Context, tenantID string) (*Customer, error) {
	c := &Customer{}
	err := p.db.QueryRowContext(ctx, `
		SELECT id, tenant_id, company_name, first_name, last_name, contact_no, email,
			username, password_hash, created_at
		FROM customers WHERE tenant_id = $1`, tenantID,
	).Scan(&c.ID, &c.TenantID, &c.CompanyName, &c.FirstName, &c.LastName, &c.ContactNo,
		&c.Email, &c.Username, &c.PasswordHash, &c.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrCustomerNotFound
	}
	if err != nil {
		return nil, err
	}
	return c, nil
}

func (p *PostgresStore) GetDomain(ctx context.Context, tenantID string) (*Domain, error) {
	d := &Domain{}
	err := p.db.QueryRowContext(ctx, `
		SELECT domain, tenant_id, created_at FROM domains WHERE tenant_id = $1`, tenantID,
	).Scan(&d.Domain, &d.TenantID, &d.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrDomainNotFound
	}
	if err != nil {
		return nil, err
	}
	return d, nil
}

func (p *PostgresStore) DomainExists(ctx context.Context, domain string) (bool, error) {
	var exists bool
	err := p.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM domains WHERE domain = $1)`, domain).Scan(&exists)
	return exists, err
}

func (p *PostgresStore) EmailExists(ctx context.Context, email string) (bool, error) {
	var exists bool
	err := p.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM customers WHERE email = $1)`, strings.ToLower(email)).Scan(&exists)
	return exists, err
}

// List returns the directory read model, newest tenants first.
func (p *PostgresStore) List(ctx context.Context, opts ListOptions) ([]*Listing, error) {
	query := `
		SELECT t.id, t.package_id, t.subscription_type, t.expiry_date, t.tenancy_db_name,
			t.status, t.created_at, t.updated_at,
			c.id, c.company_name, c.first_name, c.last_name, c.contact_no, c.email, c.username, c.created_at,
			d.domain, d.created_at
		FROM tenants t
		LEFT JOIN customers c ON c.tenant_id = t.id
		LEFT JOIN domains d ON d.tenant_id = t.id
		WHERE ($1 = 0 OR t.package_id = $1) AND ($2 = '' OR t.status = $2)`
	args := []any{opts.PackageID, string(opts.Status)}
	if c := opts.After; c != nil {
		args = append(args, c.CreatedAt, c.ID)
		query += fmt.Sprintf(" AND (t.created_at < $%d OR (t.created_at = $%d AND t.id > $%d))",
			len(args)-1, len(args)-1, len(args))
	}
	query += " ORDER BY t.created_at DESC, t.id"
	if opts.Limit > 0 {
		args = append(args, opts.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	out := []*Listing{}
	for rows.Next() {
		var (
			t                                              Tenant
			subType, status                                string
			cID, company, first, last, contact, email, usr sql.NullString
			cCreated, dCreated                             sql.NullTime
			domain                                         sql.NullString
		)
		if err := rows.Scan(&t.ID, &t.PackageID, &subType, &t.ExpiryDate, &t.TenancyDBName,
			&status, &t.CreatedAt, &t.UpdatedAt,
			&cID, &company, &first, &last, &contact, &email, &usr, &cCreated,
			&domain, &dCreated); err != nil {
			return nil, err
		}
		t.SubscriptionType = catalog.SubscriptionType(subType)
		t.Status = Status(status)
		l := &Listing{Tenant: &t}
		if cID.Valid {
			l.Customer = &Customer{
				ID: cID.String, TenantID: t.ID, CompanyName: company.String,
				FirstName: first.String, LastName: last.String, ContactNo: contact.String,
				Email: email.String, Username: usr.String, CreatedAt: cCreated.Time,
			}
		}
		if domain.Valid {
			l.Domain = &Domain{Domain: domain.String, TenantID: t.ID, CreatedAt: dCreated.Time}
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

func (p *PostgresStore) PackageInUse(ctx context.Context, packageID int64) (bool, error) {
	var exists bool
	err := p.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM tenants WHERE package_id = $1)`, packageID).Scan(&exists)
	return exists, err
}

func (p *PostgresStore) UpdatePackage(ctx context.Context, id string, packageID int64) error {
	return p.exec(ctx, ErrTenantNotFound,
		`UPDATE tenants SET package_id = $1, updated_at = $2 WHERE id = $3`,
		packageID, time.Now().UTC(), id)
}

func (p *PostgresStore) UpdateSubscription(ctx context.Context, id string, subType catalog.SubscriptionType, expiry time.Time) error {
	return p.exec(ctx, ErrTenantNotFound,
		`UPDATE tenants SET subscription_type = $1, expiry_date = $2, updated_at = $3 WHERE id = $4`,
		string(subType), Today(expiry), time.Now().UTC(), id)
}

func (p *PostgresStore) SetStatus(ctx context.Context, id string, status Status) error {
	return p.exec(ctx, ErrTenantNotFound,
		`UPDATE tenants SET status = $1, updated_at = $2 WHERE id = $3`,
		string(status), time.Now().UTC(), id)
}

func (p *PostgresStore) DeleteDomain(ctx context.Context, tenantID string) error {
	return p.exec(ctx, ErrDomainNotFound, `DELETE FROM domains WHERE tenant_id = $1`, tenantID)
}

func (p *PostgresStore) DeleteCustomer(ctx context.Context, tenantID string) error {
	return p.exec(ctx, ErrCustomerNotFound, `DELETE FROM customers WHERE tenant_id = $1`, tenantID)
}

func (p *PostgresStore) Delete(ctx context.Context, id string) error {
	return p.exec(ctx, ErrTenantNotFound, `DELETE FROM tenants WHERE id = $1`, id)
}

// exec runs a single-row statement and returns notFound when nothing matched.
func (p *PostgresStore) exec(ctx context.Context, notFound error, query string, args ...any) error {
	result, err := p.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return notFound
	}
	return nil
}

// ---------- Pending payments ----------

func (p *PostgresStore) SavePendingSignup(ctx context.Context, s *PendingSignup) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO pending_signups (correlation_id, company_name, first_name, last_name, contact_no,
			email, username, password_hash, domain, package_id, subscription_type, price,
			payment_method, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		s.CorrelationID, s.CompanyName, s.FirstName, s.LastName, s.ContactNo,
		strings.ToLower(s.Email), s.Username, s.PasswordHash, s.Domain, s.PackageID,
		string(s.SubscriptionType), s.Price, s.PaymentMethod, s.CreatedAt,
	)
	return mapUniqueViolation(err)
}

func (p *PostgresStore) GetPendingSignup(ctx context.Context, correlationID string) (*PendingSignup, error) {
	s := &PendingSignup{}
	var subType string
	err := p.db.QueryRowContext(ctx, `
		SELECT correlation_id, company_name, first_name, last_name, contact_no, email, username,
			password_hash, domain, package_id, subscription_type, price, payment_method, created_at
		FROM pending_signups WHERE correlation_id = $1`, correlationID,
	).Scan(&s.CorrelationID, &s.CompanyName, &s.FirstName, &s.LastName, &s.ContactNo, &s.Email,
		&s.Username, &s.PasswordHash, &s.Domain, &s.PackageID, &subType, &s.Price,
		&s.PaymentMethod, &s.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrPendingNotFound
	}
	if err != nil {
		return nil, err
	}
	s.SubscriptionType = catalog.SubscriptionType(subType)
	return s, nil
}

func (p *PostgresStore) DeletePendingSignup(ctx context.Context, correlationID string) error {
	return p.exec(ctx, ErrPendingNotFound,
		`DELETE FROM pending_signups WHERE correlation_id = $1`, correlationID)
}

func (p *PostgresStore) SavePendingRenewal(ctx context.Context, r *PendingRenewal) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO pending_renewals (correlation_id, tenant_id, package_id, subscription_type,
			price, payment_method, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		r.CorrelationID, r.TenantID, r.PackageID, string(r.SubscriptionType), r.Price,
		r.PaymentMethod, r.CreatedAt,
	)
	return err
}

func (p *PostgresStore) GetPendingRenewal(ctx context.Context, correlationID string) (*PendingRenewal, error) {
	r := &PendingRenewal{}
	var subType string
	err := p.db.QueryRowContext(ctx, `
		SELECT correlation_id, tenant_id, package_id, subscription_type, price, payment_method, created_at
		FROM pending_renewals WHERE correlation_id = $1`, correlationID,
	).Scan(&r.CorrelationID, &r.TenantID, &r.PackageID, &subType, &r.Price, &r.PaymentMethod, &r.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrPendingNotFound
	}
	if err != nil {
		return nil, err
	}
	r.SubscriptionType = catalog.SubscriptionType(subType)
	return r, nil
}

func (p *PostgresStore) DeletePendingRenewal(ctx context.Context, correlationID string) error {
	return p.exec(ctx, ErrPendingNotFound,
		`DELETE FROM pending_renewals WHERE correlation_id = $1`, correlationID)
}

func scanTenant(row *sql.Row) (*Tenant, error) {
	t := &Tenant{}
	var subType, status string
	err := row.Scan(&t.ID, &t.PackageID, &subType, &t.ExpiryDate, &t.TenancyDBName,
		&status, &t.CreatedAt, &t.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTenantNotFound
	}
	if err != nil {
		return nil, err
	}
	t.SubscriptionType = catalog.SubscriptionType(subType)
	t.Status = Status(status)
	return t, nil
}

// mapUniqueViolation translates 23505 on the directory's unique constraints.
func mapUniqueViolation(err error) error {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) || pqErr.Code != "23505" {
		return err
	}
	switch pqErr.Constraint {
	case "uq_domains_domain", "uq_pending_signups_domain":
		return ErrDomainTaken
	case "uq_customers_email", "uq_pending_signups_email":
		return ErrEmailTaken
	default:
		return ErrDBNameTaken
	}
}

// Migrate creates the directory tables (used in dev/test; prod uses migration files).
// The packages table must already exist.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS tenants (
			id                TEXT PRIMARY KEY,
			package_id        BIGINT NOT NULL REFERENCES packages(id) ON DELETE RESTRICT,
			subscription_type TEXT NOT NULL DEFAULT 'monthly',
			expiry_date       DATE NOT NULL,
			tenancy_db_name   TEXT NOT NULL CONSTRAINT uq_tenants_db_name UNIQUE,
			status            TEXT NOT NULL DEFAULT 'provisioning',
			created_at        TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at        TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS idx_tenants_package ON tenants(package_id);
		CREATE INDEX IF NOT EXISTS idx_tenants_listing ON tenants(created_at DESC, id);

		CREATE TABLE IF NOT EXISTS customers (
			id            TEXT PRIMARY KEY,
			tenant_id     TEXT NOT NULL UNIQUE REFERENCES tenants(id),
			company_name  TEXT NOT NULL,
			first_name    TEXT NOT NULL,
			last_name     TEXT NOT NULL DEFAULT '',
			contact_no    TEXT NOT NULL DEFAULT '',
			email         TEXT NOT NULL CONSTRAINT uq_customers_email UNIQUE,
			username      TEXT NOT NULL,
			password_hash TEXT NOT NULL,
			created_at    TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);

		CREATE TABLE IF NOT EXISTS domains (
			domain     TEXT NOT NULL CONSTRAINT uq_domains_domain UNIQUE,
			tenant_id  TEXT NOT NULL UNIQUE REFERENCES tenants(id),
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);

		CREATE TABLE IF NOT EXISTS pending_signups (
			correlation_id    TEXT PRIMARY KEY,
			company_name      TEXT NOT NULL,
			first_name        TEXT NOT NULL,
			last_name         TEXT NOT NULL DEFAULT '',
			contact_no        TEXT NOT NULL DEFAULT '',
			email             TEXT NOT NULL CONSTRAINT uq_pending_signups_email UNIQUE,
			username          TEXT NOT NULL,
			password_hash     TEXT NOT NULL,
			domain            TEXT NOT NULL CONSTRAINT uq_pending_signups_domain UNIQUE,
			package_id        BIGINT NOT NULL REFERENCES packages(id),
			subscription_type TEXT NOT NULL,
			price             NUMERIC(12,2) NOT NULL,
			payment_method    TEXT NOT NULL,
			created_at        TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);

		CREATE TABLE IF NOT EXISTS pending_renewals (
			correlation_id    TEXT PRIMARY KEY,
			tenant_id         TEXT NOT NULL REFERENCES tenants(id) ON DELETE CASCADE,
			package_id        BIGINT NOT NULL REFERENCES packages(id),
			subscription_type TEXT NOT NULL,
			price             NUMERIC(12,2) NOT NULL,
			payment_method    TEXT NOT NULL,
			created_at        TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
	`)
	return err
}

// PurgePending drops pending signups and renewals created before cutoff.
func (p *PostgresStore) PurgePending(ctx context.Context, cutoff time.Time) (int, error) {
	total := 0
	for _, query := range []string{
		`DELETE FROM pending_signups WHERE created_at < $1`,
		`DELETE FROM pending_renewals WHERE created_at < $1`,
	} {
		result, err := p.db.ExecContext(ctx, query, cutoff)
		if err != nil {
			return total, err
		}
		n, err := result.RowsAffected()
		if err != nil {
			return total, err
		}
		total += int(n)
	}
	return total, nil
}

var (
	_ Store        = (*PostgresStore)(nil)
	_ PendingStore = (*PostgresStore)(nil)
)
