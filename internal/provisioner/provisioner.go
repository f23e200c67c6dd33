// Package provisioner creates and removes tenants.
//
// A free-trial signup is provisioned synchronously:
//
//	reserve landlord rows → create database → migrate + seed → mark active
//
// Any failure after the reservation drops the database and releases the
// landlord rows. A paid signup is parked as a PendingSignup until the payment
// provider confirms it, then provisioned the same way by CompleteSignup.
package provisioner

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mbd888/peopledesk/internal/apperr"
	"github.com/mbd888/peopledesk/internal/auth"
	"github.com/mbd888/peopledesk/internal/catalog"
	"github.com/mbd888/peopledesk/internal/filestore"
	"github.com/mbd888/peopledesk/internal/idgen"
	"github.com/mbd888/peopledesk/internal/logging"
	"github.com/mbd888/peopledesk/internal/metrics"
	"github.com/mbd888/peopledesk/internal/payment"
	"github.com/mbd888/peopledesk/internal/realtime"
	"github.com/mbd888/peopledesk/internal/retry"
	"github.com/mbd888/peopledesk/internal/settings"
	"github.com/mbd888/peopledesk/internal/syncutil"
	"github.com/mbd888/peopledesk/internal/tenant"
	"github.com/mbd888/peopledesk/internal/tenantdb"
	"github.com/mbd888/peopledesk/internal/traces"
	"github.com/mbd888/peopledesk/internal/validation"
	"golang.org/x/sync/errgroup"
)

// ErrSignupNotFound is returned when a payment confirmation names no pending
// signup, including a second confirmation for one already provisioned.
var ErrSignupNotFound = errors.New("provisioner: pending signup not found")

// Outcome of a signup.
type Outcome string

const (
	OutcomeActive         Outcome = "active"
	OutcomePendingPayment Outcome = "pending_payment"
)

// PackageFinder loads packages by id.
type PackageFinder interface {
	FindByID(ctx context.Context, id int64) (*catalog.Package, error)
}

// GeneralSettings reads the landlord settings.
type GeneralSettings interface {
	Get(ctx context.Context) (settings.General, error)
}

// EventPublisher receives tenant lifecycle events.
type EventPublisher interface {
	Publish(eventType realtime.EventType, tenantID string, packageID int64, data interface{})
}

// SignupRequest is a customer signup.
type SignupRequest struct {
	CompanyName      string `json:"companyName" binding:"required"`
	FirstName        string `json:"firstName" binding:"required"`
	LastName         string `json:"lastName" binding:"required"`
	ContactNo        string `json:"contactNo" binding:"required"`
	Email            string `json:"email" binding:"required"`
	Username         string `json:"username" binding:"required"`
	Password         string `json:"password" binding:"required"`
	Subdomain        string `json:"subdomain" binding:"required"`
	PackageID        int64  `json:"packageId" binding:"required"`
	SubscriptionType string `json:"subscriptionType"`
	PaymentMethod    string `json:"paymentMethod"`
}

// Result describes a signup or completed payment.
type Result struct {
	Outcome       Outcome   `json:"status"`
	TenantID      string    `json:"tenantId,omitempty"`
	Domain        string    `json:"domain"`
	DatabaseName  string    `json:"databaseName,omitempty"`
	PackageID     int64     `json:"packageId"`
	ExpiryDate    time.Time `json:"expiryDate,omitempty"`
	CorrelationID string    `json:"correlationId,omitempty"`
	RedirectURL   string    `json:"redirectUrl,omitempty"`
}

// Config holds provisioning settings.
type Config struct {
	CentralDomain string
	Currency      string

	// Database creation is retried on errors other than name clashes.
	CreateAttempts  int
	CreateBaseDelay time.Duration

	// Bounds rollback work, which outlives a cancelled request.
	CompensationTimeout time.Duration
}

// DefaultConfig returns settings suitable for local development.
func DefaultConfig() Config {
	return Config{
		CentralDomain:   "localhost",
		Currency:        "USD",
		CreateAttempts:      3,
		CreateBaseDelay:     200 * time.Millisecond,
		CompensationTimeout: 30 * time.Second,
	}
}

// Service provisions and deprovisions tenants.
type Service struct {
	tenants  tenant.Store
	pending  tenant.PendingStore
	packages PackageFinder
	general  GeneralSettings
	dbs      tenantdb.Provider
	locks    *syncutil.KeyedMutex
	hasher   *auth.Hasher
	cfg      Config

	files    filestore.Store
	payments payment.Gateway
	events   EventPublisher
	now      func() time.Time
}

// NewService creates a provisioner.
func NewService(
	tenants tenant.Store,
	pending tenant.PendingStore,
	packages PackageFinder,
	general GeneralSettings,
	dbs tenantdb.Provider,
	locks *syncutil.KeyedMutex,
	cfg Config,
) *Service {
	if locks == nil {
		locks = syncutil.NewKeyedMutex()
	}
	if cfg.CreateAttempts <= 0 {
		cfg.CreateAttempts = 1
	}
	if cfg.CompensationTimeout <= 0 {
		cfg.CompensationTimeout = DefaultConfig().CompensationTimeout
	}
	return &Service{
		tenants:  tenants,
		pending:  pending,
		packages: packages,
		general:  general,
		dbs:      dbs,
		locks:    locks,
		hasher:   auth.NewHasher(),
		cfg:      cfg,
		now:      time.Now,
	}
}

// WithHasher replaces the password hasher (tests lower the bcrypt cost).
func (s *Service) WithHasher(h *auth.Hasher) *Service {
	s.hasher = h
	return s
}

// WithFileStore enables tenant artifact cleanup on deprovision.
func (s *Service) WithFileStore(fs filestore.Store) *Service {
	s.files = fs
	return s
}

// WithPayments enables paid signups.
func (s *Service) WithPayments(g payment.Gateway) *Service {
	s.payments = g
	return s
}

// WithEvents publishes lifecycle events.
func (s *Service) WithEvents(p EventPublisher) *Service {
	s.events = p
	return s
}

// WithClock overrides the time source.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// account is a validated signup with the password already hashed.
type account struct {
	CompanyName  string
	FirstName    string
	LastName     string
	ContactNo    string
	Email        string
	Username     string
	PasswordHash string
	Domain       string
}

// Provision handles a signup. Free-trial and zero-price packages are
// provisioned immediately; other packages return a payment redirect.
func (s *Service) Provision(ctx context.Context, req SignupRequest) (*Result, error) {
	subType, verr := s.validate(&req)
	if verr != nil {
		return nil, verr
	}
	domain := s.domainFor(req.Subdomain)

	if taken, err := s.tenants.DomainExists(ctx, domain); err != nil {
		return nil, apperr.Transaction("check domain", err)
	} else if taken {
		return nil, apperr.Validation("domain already taken")
	}
	if taken, err := s.tenants.EmailExists(ctx, req.Email); err != nil {
		return nil, apperr.Transaction("check email", err)
	} else if taken {
		return nil, apperr.Validation("email already registered")
	}
	pkg, err := s.packages.FindByID(ctx, req.PackageID)
	if err != nil {
		if errors.Is(err, catalog.ErrPackageNotFound) {
			return nil, apperr.NotFound("package not found", err)
		}
		return nil, apperr.Transaction("load package", err)
	}

	hash, err := s.hasher.Hash(req.Password)
	if err != nil {
		return nil, apperr.Validation("password must be between 8 and 72 characters")
	}
	acct := account{
		CompanyName:  req.CompanyName,
		FirstName:    req.FirstName,
		LastName:     req.LastName,
		ContactNo:    req.ContactNo,
		Email:        req.Email,
		Username:     req.Username,
		PasswordHash: hash,
		Domain:       domain,
	}

	if pkg.RequiresPayment(subType) {
		return s.startPaidSignup(ctx, acct, pkg, subType, req.PaymentMethod)
	}

	general, err := s.general.Get(ctx)
	if err != nil {
		return nil, apperr.Transaction("load general settings", err)
	}
	today := tenant.Today(s.now())
	expiry := subType.Extend(today)
	if pkg.IsFreeTrial {
		expiry = general.FreeTrialExpiry(today)
	}
	return s.provision(ctx, acct, pkg, general, subType, expiry, "free_trial")
}

// CompleteSignup provisions a paid signup after the provider confirmed it.
func (s *Service) CompleteSignup(ctx context.Context, correlationID string) (*Result, error) {
	ctx, span := traces.StartSpan(ctx, "provisioner.CompleteSignup", traces.CorrelationID(correlationID))
	var err error
	defer func() { traces.End(span, err) }()

	// Serializes duplicate confirmations of the same payment.
	unlock, err := s.locks.LockContext(ctx, "signup:"+correlationID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	p, err := s.pending.GetPendingSignup(ctx, correlationID)
	if err != nil {
		if errors.Is(err, tenant.ErrPendingNotFound) {
			err = apperr.NotFound("pending signup not found", ErrSignupNotFound)
			return nil, err
		}
		err = apperr.Transaction("load pending signup", err)
		return nil, err
	}

	pkg, err := s.packages.FindByID(ctx, p.PackageID)
	if err != nil {
		if errors.Is(err, catalog.ErrPackageNotFound) {
			err = apperr.NotFound("package not found", err)
			return nil, err
		}
		err = apperr.Transaction("load package", err)
		return nil, err
	}
	general, err := s.general.Get(ctx)
	if err != nil {
		err = apperr.Transaction("load general settings", err)
		return nil, err
	}

	acct := account{
		CompanyName:  p.CompanyName,
		FirstName:    p.FirstName,
		LastName:     p.LastName,
		ContactNo:    p.ContactNo,
		Email:        p.Email,
		Username:     p.Username,
		PasswordHash: p.PasswordHash,
		Domain:       p.Domain,
	}
	expiry := p.SubscriptionType.Extend(tenant.Today(s.now()))

	res, err := s.provision(ctx, acct, pkg, general, p.SubscriptionType, expiry, "paid")
	if err != nil {
		return nil, err
	}
	if derr := s.pending.DeletePendingSignup(ctx, correlationID); derr != nil {
		logging.L(ctx).Error("failed to delete completed pending signup", "correlation_id", correlationID, "error", derr)
	}
	res.CorrelationID = correlationID
	return res, nil
}

func (s *Service) startPaidSignup(ctx context.Context, acct account, pkg *catalog.Package, subType catalog.SubscriptionType, method string) (*Result, error) {
	if s.payments == nil {
		return nil, apperr.Validation("paid packages are not available")
	}
	if method == "" {
		method = payment.MethodStripe
	}

	p := &tenant.PendingSignup{
		CorrelationID:    idgen.New(),
		CompanyName:      acct.CompanyName,
		FirstName:        acct.FirstName,
		LastName:         acct.LastName,
		ContactNo:        acct.ContactNo,
		Email:            acct.Email,
		Username:         acct.Username,
		PasswordHash:     acct.PasswordHash,
		Domain:           acct.Domain,
		PackageID:        pkg.ID,
		SubscriptionType: subType,
		Price:            pkg.Price(subType),
		PaymentMethod:    method,
		CreatedAt:        s.now().UTC(),
	}
	if err := s.pending.SavePendingSignup(ctx, p); err != nil {
		switch {
		case errors.Is(err, tenant.ErrDomainTaken):
			return nil, apperr.Conflict("domain is held by a signup awaiting payment", err)
		case errors.Is(err, tenant.ErrEmailTaken):
			return nil, apperr.Conflict("email is held by a signup awaiting payment", err)
		}
		return nil, apperr.Transaction("save pending signup", err)
	}

	redirect, err := s.payments.InitiatePayment(ctx, payment.Checkout{
		CorrelationID:    p.CorrelationID,
		Purpose:          payment.PurposeSignup,
		Method:           method,
		PackageName:      pkg.Name,
		SubscriptionType: subType,
		Amount:           p.Price,
		Currency:         s.cfg.Currency,
		CustomerEmail:    acct.Email,
	})
	if err != nil {
		if derr := s.pending.DeletePendingSignup(context.WithoutCancel(ctx), p.CorrelationID); derr != nil {
			logging.L(ctx).Warn("failed to discard pending signup", "correlation_id", p.CorrelationID, "error", derr)
		}
		metrics.ProvisioningsTotal.WithLabelValues("paid", "payment_failed").Inc()
		if errors.Is(err, payment.ErrUnsupportedMethod) {
			return nil, apperr.Validation("unsupported payment method")
		}
		return nil, apperr.External("initiate payment", err)
	}

	logging.L(ctx).Info("signup awaiting payment",
		"correlation_id", p.CorrelationID, "package_id", pkg.ID, "price", p.Price.StringFixed(2))
	s.publish(realtime.EventPaymentPending, "", pkg.ID, map[string]interface{}{
		"correlationId": p.CorrelationID,
		"domain":        acct.Domain,
	})

	return &Result{
		Outcome:       OutcomePendingPayment,
		Domain:        acct.Domain,
		PackageID:     pkg.ID,
		CorrelationID: p.CorrelationID,
		RedirectURL:   redirect.URL,
	}, nil
}

// provision runs the saga for one tenant.
func (s *Service) provision(
	ctx context.Context,
	acct account,
	pkg *catalog.Package,
	general settings.General,
	subType catalog.SubscriptionType,
	expiry time.Time,
	mode string,
) (res *Result, err error) {
	start := time.Now()
	tenantID := idgen.TenantID()
	dbName := idgen.DatabaseName(tenantID)

	ctx = logging.WithTenant(ctx, tenantID)
	ctx, span := traces.StartSpan(ctx, "provisioner.provision",
		traces.TenantID(tenantID), traces.PackageID(pkg.ID), traces.DatabaseName(dbName))
	defer func() {
		traces.End(span, err)
		result := "success"
		if err != nil {
			result = string(apperr.KindOf(err))
		}
		metrics.ProvisioningsTotal.WithLabelValues(mode, result).Inc()
		metrics.ProvisioningDuration.Observe(time.Since(start).Seconds())
	}()

	unlock, err := s.locks.LockContext(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	now := s.now().UTC()
	reg := &tenant.Registration{
		Tenant: &tenant.Tenant{
			ID:               tenantID,
			PackageID:        pkg.ID,
			SubscriptionType: subType,
			ExpiryDate:       tenant.Today(expiry),
			TenancyDBName:    dbName,
			Status:           tenant.StatusProvisioning,
			CreatedAt:        now,
			UpdatedAt:        now,
		},
		Customer: &tenant.Customer{
			ID:           idgen.WithPrefix("cus_"),
			TenantID:     tenantID,
			CompanyName:  acct.CompanyName,
			FirstName:    acct.FirstName,
			LastName:     acct.LastName,
			ContactNo:    acct.ContactNo,
			Email:        acct.Email,
			Username:     acct.Username,
			PasswordHash: acct.PasswordHash,
			CreatedAt:    now,
		},
		Domain: &tenant.Domain{Domain: acct.Domain, TenantID: tenantID, CreatedAt: now},
	}
	if err = s.tenants.Reserve(ctx, reg); err != nil {
		switch {
		case errors.Is(err, tenant.ErrDomainTaken):
			err = apperr.Conflict("domain already taken", err)
		case errors.Is(err, tenant.ErrEmailTaken):
			err = apperr.Conflict("email already registered", err)
		case errors.Is(err, tenant.ErrDBNameTaken):
			err = apperr.Conflict("tenant database name already in use", err)
		default:
			err = apperr.Transaction("reserve tenant", err)
		}
		return nil, err
	}

	created := false
	fail := func(op string, cause error) error {
		s.rollback(ctx, tenantID, dbName, created)
		return apperr.Transaction(op, cause)
	}

	create := retry.Policy{
		MaxAttempts: s.cfg.CreateAttempts,
		BaseDelay:   s.cfg.CreateBaseDelay,
		Retryable: func(err error) bool {
			switch {
			case errors.Is(err, tenantdb.ErrDatabaseExists), errors.Is(err, tenantdb.ErrInvalidName),
				errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
				return false
			}
			return ctx.Err() == nil
		},
		OnRetry: func(attempt int, err error) {
			logging.L(ctx).Warn("retrying tenant database creation", "attempt", attempt, "error", err)
		},
	}
	if cerr := create.Do(ctx, func() error { return s.dbs.Create(ctx, dbName) }); cerr != nil {
		err = fail("create tenant database", cerr)
		return nil, err
	}
	created = true

	cfg := settings.ForPackage(pkg, general, subType, tenant.Today(expiry))
	owner := tenantdb.Owner{
		ID:           idgen.WithPrefix("usr_"),
		Name:         strings.TrimSpace(acct.FirstName + " " + acct.LastName),
		Email:        acct.Email,
		Username:     acct.Username,
		PasswordHash: acct.PasswordHash,
	}
	serr := s.dbs.Run(ctx, dbName, func(ctx context.Context, db *tenantdb.DB) error {
		if err := db.Migrate(ctx); err != nil {
			return err
		}
		return db.InTx(ctx, func(tx *tenantdb.Tx) error {
			if _, err := tx.InsertPermissions(ctx, pkg.Permissions); err != nil {
				return fmt.Errorf("seed permissions: %w", err)
			}
			if err := tx.SetRoleGrants(ctx, tenantdb.OwnerRole, pkg.Permissions.IDs()); err != nil {
				return fmt.Errorf("grant owner role: %w", err)
			}
			if err := tx.PutSettings(ctx, cfg.Values()); err != nil {
				return fmt.Errorf("write settings: %w", err)
			}
			return tx.SeedOwner(ctx, owner)
		})
	})
	if serr != nil {
		err = fail("initialize tenant database", serr)
		return nil, err
	}

	if aerr := s.tenants.SetStatus(ctx, tenantID, tenant.StatusActive); aerr != nil {
		err = fail("activate tenant", aerr)
		return nil, err
	}

	logging.L(ctx).Info("tenant provisioned",
		"domain", acct.Domain, "package_id", pkg.ID, "db", dbName, "expiry", tenant.Today(expiry).Format(tenant.DateLayout))
	s.publish(realtime.EventTenantProvisioned, tenantID, pkg.ID, map[string]interface{}{
		"domain": acct.Domain,
	})

	return &Result{
		Outcome:      OutcomeActive,
		TenantID:     tenantID,
		Domain:       acct.Domain,
		DatabaseName: dbName,
		PackageID:    pkg.ID,
		ExpiryDate:   tenant.Today(expiry),
	}, nil
}

// rollback undoes a partial provisioning. It runs detached from the caller's
// cancellation so an aborted request still releases its reservation.
// Failures are logged; the caller's error is what gets reported.
func (s *Service) rollback(ctx context.Context, tenantID, dbName string, dropDB bool) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.CompensationTimeout)
	defer cancel()

	ok := true
	if dropDB {
		if err := s.dbs.Drop(ctx, dbName); err != nil && !errors.Is(err, tenantdb.ErrDatabaseNotFound) {
			ok = false
			logging.L(ctx).Error("rollback: drop tenant database failed", "db", dbName, "error", err)
		}
	}
	if err := s.tenants.Release(ctx, tenantID); err != nil {
		ok = false
		logging.L(ctx).Error("rollback: release tenant reservation failed", "error", err)
	}
	result := "succeeded"
	if !ok {
		result = "failed"
	}
	metrics.CompensationsTotal.WithLabelValues("provision", result).Inc()
	logging.L(ctx).Warn("provisioning rolled back", "db", dbName, "result", result)
}

// Deprovision removes a tenant: domain binding, customer, artifact
// directory, database, then the tenant row. Only the final delete is fatal.
func (s *Service) Deprovision(ctx context.Context, tenantID string) (err error) {
	ctx = logging.WithTenant(ctx, tenantID)
	ctx, span := traces.StartSpan(ctx, "provisioner.Deprovision", traces.TenantID(tenantID))
	defer func() {
		traces.End(span, err)
		result := "success"
		if err != nil {
			result = string(apperr.KindOf(err))
		}
		metrics.DeprovisionsTotal.WithLabelValues(result).Inc()
	}()

	unlock, err := s.locks.LockContext(ctx, tenantID)
	if err != nil {
		return err
	}
	defer unlock()

	t, err := s.tenants.Get(ctx, tenantID)
	if err != nil {
		if errors.Is(err, tenant.ErrTenantNotFound) {
			return apperr.NotFound("tenant not found", err)
		}
		return apperr.Transaction("load tenant", err)
	}
	log := logging.L(ctx)

	if derr := s.tenants.DeleteDomain(ctx, tenantID); derr != nil {
		if errors.Is(derr, tenant.ErrDomainNotFound) {
			log.Warn("deprovision: tenant has no domain")
		} else {
			return apperr.Transaction("delete domain", derr)
		}
	}
	if derr := s.tenants.DeleteCustomer(ctx, tenantID); derr != nil {
		if errors.Is(derr, tenant.ErrCustomerNotFound) {
			log.Warn("deprovision: tenant has no customer")
		} else {
			return apperr.Transaction("delete customer", derr)
		}
	}

	// Artifact and database removal are independent and best effort.
	var g errgroup.Group
	if s.files != nil {
		g.Go(func() error {
			if ferr := s.files.DeleteDirectory(ctx, filestore.TenantDir(tenantID)); ferr != nil {
				log.Error("deprovision: delete tenant directory failed", "error", ferr)
			}
			return nil
		})
	}
	g.Go(func() error {
		if derr := s.dbs.Drop(ctx, t.TenancyDBName); derr != nil {
			if errors.Is(derr, tenantdb.ErrDatabaseNotFound) {
				log.Warn("deprovision: tenant database already gone", "db", t.TenancyDBName)
			} else {
				log.Error("deprovision: drop tenant database failed", "db", t.TenancyDBName, "error", derr)
			}
		}
		return nil
	})
	_ = g.Wait()

	if derr := s.tenants.Delete(ctx, tenantID); derr != nil {
		return apperr.Transaction("delete tenant", derr)
	}

	log.Info("tenant deprovisioned", "db", t.TenancyDBName)
	s.publish(realtime.EventTenantDeprovisioned, tenantID, t.PackageID, nil)
	return nil
}

// validate checks and normalizes a signup in place.
func (s *Service) validate(req *SignupRequest) (catalog.SubscriptionType, error) {
	req.Email = validation.NormalizeEmail(req.Email)
	req.Subdomain = validation.NormalizeHost(req.Subdomain)
	req.CompanyName = validation.SanitizeString(req.CompanyName, 200)
	req.FirstName = validation.SanitizeString(req.FirstName, 100)
	req.LastName = validation.SanitizeString(req.LastName, 100)
	req.Username = validation.SanitizeString(req.Username, 100)
	req.ContactNo = strings.TrimSpace(req.ContactNo)

	var errs validation.Errors
	errs.Required("companyName", req.CompanyName)
	errs.Required("firstName", req.FirstName)
	errs.Required("lastName", req.LastName)
	errs.Required("contactNo", req.ContactNo)
	errs.Check("contactNo", validation.IsValidPhone(req.ContactNo), "must be a valid phone number")
	errs.Required("email", req.Email)
	errs.Check("email", validation.IsValidEmail(req.Email), "must be a valid email address")
	errs.Required("username", req.Username)
	errs.Length("password", req.Password, auth.MinPasswordLength, 72)
	errs.Required("subdomain", req.Subdomain)
	errs.Check("subdomain", validation.IsValidSubdomain(req.Subdomain), "must be a lowercase DNS label and not reserved")
	if err := errs.Err(); err != nil {
		return "", apperr.Validation(err.Error())
	}
	if req.PackageID <= 0 {
		return "", apperr.Validation("packageId: is required")
	}

	if req.SubscriptionType == "" {
		return catalog.Monthly, nil
	}
	subType, ok := catalog.ParseSubscriptionType(req.SubscriptionType)
	if !ok {
		return "", apperr.Validation("subscriptionType: must be monthly or yearly")
	}
	return subType, nil
}

func (s *Service) domainFor(subdomain string) string {
	if s.cfg.CentralDomain == "" {
		return subdomain
	}
	return subdomain + "." + validation.NormalizeHost(s.cfg.CentralDomain)
}

func (s *Service) publish(eventType realtime.EventType, tenantID string, packageID int64, data interface{}) {
	if s.events != nil {
		s.events.Publish(eventType, tenantID, packageID, data)
	}
}
