// Package subscription renews tenant subscriptions and switches tenants
// between packages.
//
// Renew writes the package-derived settings into the tenant database first
// and then the new expiry into the landlord directory; a failed directory
// write restores the previous tenant settings. Package switches are delegated
// to the reconciler. A renewal onto another package holds the tenant lock
// across the switch and the renewal, and undoes the switch if renewal fails.
package subscription

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mbd888/peopledesk/internal/apperr"
	"github.com/mbd888/peopledesk/internal/auth"
	"github.com/mbd888/peopledesk/internal/catalog"
	"github.com/mbd888/peopledesk/internal/idgen"
	"github.com/mbd888/peopledesk/internal/logging"
	"github.com/mbd888/peopledesk/internal/metrics"
	"github.com/mbd888/peopledesk/internal/payment"
	"github.com/mbd888/peopledesk/internal/realtime"
	"github.com/mbd888/peopledesk/internal/reconciler"
	"github.com/mbd888/peopledesk/internal/settings"
	"github.com/mbd888/peopledesk/internal/syncutil"
	"github.com/mbd888/peopledesk/internal/tenant"
	"github.com/mbd888/peopledesk/internal/tenantdb"
	"github.com/mbd888/peopledesk/internal/traces"
)

var (
	ErrRenewalNotFound = errors.New("subscription: pending renewal not found")
	ErrInvalidLogin    = errors.New("subscription: invalid customer credentials")

	errOwnerRoleEmpty = errors.New("owner role holds no permissions")
)

// compensationTimeout bounds undo work, which runs even after the caller's
// context is done.
const compensationTimeout = 30 * time.Second

// TenantStore is the slice of the tenant directory renewals need.
type TenantStore interface {
	Get(ctx context.Context, id string) (*tenant.Tenant, error)
	GetCustomer(ctx context.Context, tenantID string) (*tenant.Customer, error)
	UpdateSubscription(ctx context.Context, id string, subType catalog.SubscriptionType, expiry time.Time) error
}

// PackageFinder loads packages by id.
type PackageFinder interface {
	FindByID(ctx context.Context, id int64) (*catalog.Package, error)
}

// GeneralSettings reads the landlord settings.
type GeneralSettings interface {
	Get(ctx context.Context) (settings.General, error)
}

// Reconciler switches a tenant's package.
type Reconciler interface {
	Reconcile(ctx context.Context, tenantID string, packageID int64) (*reconciler.Result, error)
}

// EventPublisher receives tenant lifecycle events.
type EventPublisher interface {
	Publish(eventType realtime.EventType, tenantID string, packageID int64, data interface{})
}

// RenewRequest sets a tenant's subscription terms.
type RenewRequest struct {
	TenantID         string
	ExpiryDate       time.Time
	SubscriptionType catalog.SubscriptionType
}

// RenewResult is the state after a renewal.
type RenewResult struct {
	TenantID         string                   `json:"tenantId"`
	PackageID        int64                    `json:"packageId"`
	SubscriptionType catalog.SubscriptionType `json:"subscriptionType"`
	ExpiryDate       time.Time                `json:"expiryDate"`
	Settings         settings.Tenant          `json:"settings"`
}

// RenewalCheckout is a customer-initiated renewal, optionally onto another
// package. The customer proves ownership with their landlord credentials.
type RenewalCheckout struct {
	TenantID         string `json:"tenantId" binding:"required"`
	Email            string `json:"email" binding:"required"`
	Password         string `json:"password" binding:"required"`
	PackageID        int64  `json:"packageId" binding:"required"`
	SubscriptionType string `json:"subscriptionType"`
	PaymentMethod    string `json:"paymentMethod"`
}

// Outcome of a renewal checkout.
type Outcome string

const (
	OutcomeRenewed        Outcome = "renewed"
	OutcomePendingPayment Outcome = "pending_payment"
)

// CheckoutResult describes a renewal checkout.
type CheckoutResult struct {
	Outcome       Outcome      `json:"status"`
	TenantID      string       `json:"tenantId"`
	PackageID     int64        `json:"packageId"`
	CorrelationID string       `json:"correlationId,omitempty"`
	RedirectURL   string       `json:"redirectUrl,omitempty"`
	Renewal       *RenewResult `json:"renewal,omitempty"`
}

// Service orchestrates renewals and package switches.
type Service struct {
	tenants    TenantStore
	pending    tenant.PendingStore
	packages   PackageFinder
	general    GeneralSettings
	dbs        tenantdb.Provider
	locks      *syncutil.KeyedMutex
	reconciler Reconciler
	hasher     *auth.Hasher

	payments payment.Gateway
	currency string
	events   EventPublisher
	now      func() time.Time
}

// NewService creates a subscription orchestrator. locks must be shared with
// the reconciler and provisioner.
func NewService(
	tenants TenantStore,
	pending tenant.PendingStore,
	packages PackageFinder,
	general GeneralSettings,
	dbs tenantdb.Provider,
	locks *syncutil.KeyedMutex,
	rec Reconciler,
) *Service {
	if locks == nil {
		locks = syncutil.NewKeyedMutex()
	}
	return &Service{
		tenants:    tenants,
		pending:    pending,
		packages:   packages,
		general:    general,
		dbs:        dbs,
		locks:      locks,
		reconciler: rec,
		hasher:     auth.NewHasher(),
		currency:   "USD",
		now:        time.Now,
	}
}

// WithPayments enables paid renewals in currency.
func (s *Service) WithPayments(g payment.Gateway, currency string) *Service {
	s.payments = g
	if currency != "" {
		s.currency = currency
	}
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

// Renew applies new subscription terms to a tenant.
func (s *Service) Renew(ctx context.Context, req RenewRequest) (res *RenewResult, err error) {
	ctx = logging.WithTenant(ctx, req.TenantID)
	ctx, span := traces.StartSpan(ctx, "subscription.Renew", traces.TenantID(req.TenantID))
	defer func() {
		traces.End(span, err)
		result := "success"
		if err != nil {
			result = string(apperr.KindOf(err))
		}
		metrics.RenewalsTotal.WithLabelValues(result).Inc()
	}()

	if strings.TrimSpace(req.TenantID) == "" {
		return nil, apperr.Validation("tenantId: is required")
	}
	if !req.SubscriptionType.Valid() {
		return nil, apperr.Validation("subscriptionType: must be monthly or yearly")
	}
	if req.ExpiryDate.IsZero() {
		return nil, apperr.Validation("expiryDate: is required")
	}
	expiry := tenant.Today(req.ExpiryDate)

	unlock, err := s.locks.LockContext(ctx, req.TenantID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	t, err := s.tenants.Get(ctx, req.TenantID)
	if err != nil {
		if errors.Is(err, tenant.ErrTenantNotFound) {
			return nil, apperr.NotFound("tenant not found", err)
		}
		return nil, apperr.Transaction("load tenant", err)
	}
	pkg, err := s.packages.FindByID(ctx, t.PackageID)
	if err != nil {
		if errors.Is(err, catalog.ErrPackageNotFound) {
			return nil, apperr.NotFound("package not found", err)
		}
		return nil, apperr.Transaction("load package", err)
	}
	general, err := s.general.Get(ctx)
	if err != nil {
		return nil, apperr.Transaction("load general settings", err)
	}

	cfg := settings.ForPackage(pkg, general, req.SubscriptionType, expiry)

	var previous map[string]string
	err = s.dbs.Run(ctx, t.TenancyDBName, func(ctx context.Context, db *tenantdb.DB) error {
		return db.InTx(ctx, func(tx *tenantdb.Tx) error {
			var err error
			if previous, err = tx.Settings(ctx); err != nil {
				return err
			}
			if err = tx.PutSettings(ctx, cfg.Values()); err != nil {
				return err
			}
			grants, err := tx.RoleGrants(ctx, tenantdb.OwnerRole)
			if err != nil {
				return err
			}
			if len(pkg.Permissions) > 0 && grants.Len() == 0 {
				return errOwnerRoleEmpty
			}
			return nil
		})
	})
	if err != nil {
		if errors.Is(err, errOwnerRoleEmpty) {
			logging.L(ctx).Error("renewal refused: owner role has no permissions", "package_id", pkg.ID)
			return nil, apperr.Invariant("renew", "owner role must keep at least one permission")
		}
		return nil, apperr.Transaction("write tenant settings", err)
	}

	if uerr := s.tenants.UpdateSubscription(ctx, req.TenantID, req.SubscriptionType, expiry); uerr != nil {
		return nil, s.restoreSettings(ctx, t.TenancyDBName, previous, apperr.Transaction("update subscription", uerr))
	}

	logging.L(ctx).Info("subscription renewed",
		"package_id", pkg.ID, "subscription_type", req.SubscriptionType, "expiry", expiry.Format(tenant.DateLayout))
	s.publish(realtime.EventSubscriptionRenewed, req.TenantID, pkg.ID, map[string]interface{}{
		"expiryDate":       expiry.Format(tenant.DateLayout),
		"subscriptionType": req.SubscriptionType,
	})

	return &RenewResult{
		TenantID:         req.TenantID,
		PackageID:        pkg.ID,
		SubscriptionType: req.SubscriptionType,
		ExpiryDate:       expiry,
		Settings:         cfg,
	}, nil
}

func (s *Service) restoreSettings(ctx context.Context, dbName string, previous map[string]string, cause error) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), compensationTimeout)
	defer cancel()

	restoreErr := s.dbs.Run(ctx, dbName, func(ctx context.Context, db *tenantdb.DB) error {
		return db.InTx(ctx, func(tx *tenantdb.Tx) error {
			return tx.ReplaceSettings(ctx, previous)
		})
	})
	if restoreErr != nil {
		metrics.CompensationsTotal.WithLabelValues("renew", "failed").Inc()
		logging.L(ctx).Error("compensation failed, tenant settings diverge from directory",
			"db", dbName, "cause", cause, "error", restoreErr)
		return fmt.Errorf("%w; restore tenant settings: %w", cause, restoreErr)
	}
	metrics.CompensationsTotal.WithLabelValues("renew", "succeeded").Inc()
	logging.L(ctx).Warn("tenant settings restored after directory update failed", "db", dbName, "cause", cause)
	return cause
}

// SwitchPackage moves a tenant onto packageID.
func (s *Service) SwitchPackage(ctx context.Context, tenantID string, packageID int64) (*reconciler.Result, error) {
	if packageID <= 0 {
		return nil, apperr.Validation("packageId: is required")
	}
	res, err := s.reconciler.Reconcile(ctx, tenantID, packageID)
	if err != nil {
		return nil, err
	}
	s.publish(realtime.EventPackageSwitched, tenantID, packageID, map[string]interface{}{
		"previousPackageId": res.PreviousPackageID,
		"inserted":          len(res.Inserted),
		"deleted":           len(res.Deleted),
	})
	return res, nil
}

// RequestRenewal starts a customer renewal. Free and zero-price terms apply
// at once; others return a payment redirect and complete in CompleteRenewal.
func (s *Service) RequestRenewal(ctx context.Context, req RenewalCheckout) (*CheckoutResult, error) {
	subType := catalog.Monthly
	if req.SubscriptionType != "" {
		var ok bool
		if subType, ok = catalog.ParseSubscriptionType(req.SubscriptionType); !ok {
			return nil, apperr.Validation("subscriptionType: must be monthly or yearly")
		}
	}

	cust, err := s.tenants.GetCustomer(ctx, req.TenantID)
	if err != nil {
		if errors.Is(err, tenant.ErrCustomerNotFound) {
			return nil, apperr.Validation("invalid credentials")
		}
		return nil, apperr.Transaction("load customer", err)
	}
	if !strings.EqualFold(cust.Email, strings.TrimSpace(req.Email)) || s.hasher.Verify(cust.PasswordHash, req.Password) != nil {
		logging.L(ctx).Warn("renewal rejected: bad credentials", "tenant_id", req.TenantID)
		return nil, apperr.Validation("invalid credentials")
	}

	pkg, err := s.packages.FindByID(ctx, req.PackageID)
	if err != nil {
		if errors.Is(err, catalog.ErrPackageNotFound) {
			return nil, apperr.NotFound("package not found", err)
		}
		return nil, apperr.Transaction("load package", err)
	}

	if !pkg.RequiresPayment(subType) {
		renewal, err := s.apply(ctx, req.TenantID, pkg, subType)
		if err != nil {
			return nil, err
		}
		return &CheckoutResult{Outcome: OutcomeRenewed, TenantID: req.TenantID, PackageID: pkg.ID, Renewal: renewal}, nil
	}

	if s.payments == nil {
		return nil, apperr.Validation("paid renewals are not available")
	}
	method := req.PaymentMethod
	if method == "" {
		method = payment.MethodStripe
	}
	p := &tenant.PendingRenewal{
		CorrelationID:    idgen.New(),
		TenantID:         req.TenantID,
		PackageID:        pkg.ID,
		SubscriptionType: subType,
		Price:            pkg.Price(subType),
		PaymentMethod:    method,
		CreatedAt:        s.now().UTC(),
	}
	if err := s.pending.SavePendingRenewal(ctx, p); err != nil {
		return nil, apperr.Transaction("save pending renewal", err)
	}

	redirect, err := s.payments.InitiatePayment(ctx, payment.Checkout{
		CorrelationID:    p.CorrelationID,
		Purpose:          payment.PurposeRenewal,
		Method:           method,
		TenantID:         req.TenantID,
		PackageName:      pkg.Name,
		SubscriptionType: subType,
		Amount:           p.Price,
		Currency:         s.currency,
		CustomerEmail:    cust.Email,
	})
	if err != nil {
		if derr := s.pending.DeletePendingRenewal(ctx, p.CorrelationID); derr != nil {
			logging.L(ctx).Warn("failed to discard pending renewal", "correlation_id", p.CorrelationID, "error", derr)
		}
		if errors.Is(err, payment.ErrUnsupportedMethod) {
			return nil, apperr.Validation("unsupported payment method")
		}
		return nil, apperr.External("initiate payment", err)
	}

	s.publish(realtime.EventPaymentPending, req.TenantID, pkg.ID, map[string]interface{}{
		"correlationId": p.CorrelationID,
	})
	return &CheckoutResult{
		Outcome:       OutcomePendingPayment,
		TenantID:      req.TenantID,
		PackageID:     pkg.ID,
		CorrelationID: p.CorrelationID,
		RedirectURL:   redirect.URL,
	}, nil
}

// CompleteRenewal applies a paid renewal once the provider confirmed it.
func (s *Service) CompleteRenewal(ctx context.Context, correlationID string) (*CheckoutResult, error) {
	unlock, err := s.locks.LockContext(ctx, "renewal:"+correlationID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	p, err := s.pending.GetPendingRenewal(ctx, correlationID)
	if err != nil {
		if errors.Is(err, tenant.ErrPendingNotFound) {
			return nil, apperr.NotFound("pending renewal not found", ErrRenewalNotFound)
		}
		return nil, apperr.Transaction("load pending renewal", err)
	}
	pkg, err := s.packages.FindByID(ctx, p.PackageID)
	if err != nil {
		if errors.Is(err, catalog.ErrPackageNotFound) {
			return nil, apperr.NotFound("package not found", err)
		}
		return nil, apperr.Transaction("load package", err)
	}

	renewal, err := s.apply(ctx, p.TenantID, pkg, p.SubscriptionType)
	if err != nil {
		return nil, err
	}
	if derr := s.pending.DeletePendingRenewal(ctx, correlationID); derr != nil {
		logging.L(ctx).Error("failed to delete completed pending renewal", "correlation_id", correlationID, "error", derr)
	}
	return &CheckoutResult{
		Outcome:       OutcomeRenewed,
		TenantID:      p.TenantID,
		PackageID:     pkg.ID,
		CorrelationID: correlationID,
		Renewal:       renewal,
	}, nil
}

// apply switches the tenant onto pkg if needed and extends its subscription,
// holding the tenant lock across both steps. If the renewal fails after a
// switch, the tenant is reconciled back onto its previous package.
// Paid terms extend from the later of today and the current expiry so early
// renewals keep the remaining days.
func (s *Service) apply(ctx context.Context, tenantID string, pkg *catalog.Package, subType catalog.SubscriptionType) (*RenewResult, error) {
	ctx, unlock, err := s.locks.Hold(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	t, err := s.tenants.Get(ctx, tenantID)
	if err != nil {
		if errors.Is(err, tenant.ErrTenantNotFound) {
			return nil, apperr.NotFound("tenant not found", err)
		}
		return nil, apperr.Transaction("load tenant", err)
	}

	var switched *reconciler.Result
	if t.PackageID != pkg.ID {
		if switched, err = s.reconciler.Reconcile(ctx, tenantID, pkg.ID); err != nil {
			return nil, err
		}
	}

	renewal, err := s.renewOnto(ctx, t, pkg, subType)
	if err != nil {
		if switched != nil {
			return nil, s.revertSwitch(ctx, tenantID, t.PackageID, err)
		}
		return nil, err
	}

	if switched != nil {
		s.publish(realtime.EventPackageSwitched, tenantID, pkg.ID, map[string]interface{}{
			"previousPackageId": switched.PreviousPackageID,
			"inserted":          len(switched.Inserted),
			"deleted":           len(switched.Deleted),
		})
	}
	return renewal, nil
}

func (s *Service) renewOnto(ctx context.Context, t *tenant.Tenant, pkg *catalog.Package, subType catalog.SubscriptionType) (*RenewResult, error) {
	today := tenant.Today(s.now())
	var expiry time.Time
	if pkg.IsFreeTrial {
		general, err := s.general.Get(ctx)
		if err != nil {
			return nil, apperr.Transaction("load general settings", err)
		}
		expiry = general.FreeTrialExpiry(today)
	} else {
		base := today
		if t.ExpiryDate.After(base) {
			base = t.ExpiryDate
		}
		expiry = subType.Extend(base)
	}
	return s.Renew(ctx, RenewRequest{TenantID: t.ID, ExpiryDate: expiry, SubscriptionType: subType})
}

// revertSwitch moves the tenant back onto previousPackageID after a failed
// renewal. The returned error always carries cause.
func (s *Service) revertSwitch(ctx context.Context, tenantID string, previousPackageID int64, cause error) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), compensationTimeout)
	defer cancel()

	if _, err := s.reconciler.Reconcile(ctx, tenantID, previousPackageID); err != nil {
		metrics.CompensationsTotal.WithLabelValues("renewal_switch", "failed").Inc()
		logging.L(ctx).Error("compensation failed, tenant left on the new package without renewal",
			"tenant_id", tenantID, "previous_package_id", previousPackageID, "cause", cause, "error", err)
		return fmt.Errorf("%w; revert package switch: %w", cause, err)
	}
	metrics.CompensationsTotal.WithLabelValues("renewal_switch", "succeeded").Inc()
	logging.L(ctx).Warn("package switch reverted after renewal failed",
		"tenant_id", tenantID, "previous_package_id", previousPackageID, "cause", cause)
	return cause
}

func (s *Service) publish(eventType realtime.EventType, tenantID string, packageID int64, data interface{}) {
	if s.events != nil {
		s.events.Publish(eventType, tenantID, packageID, data)
	}
}
