package subscription

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/peopledesk/internal/apperr"
	"github.com/mbd888/peopledesk/internal/auth"
	"github.com/mbd888/peopledesk/internal/catalog"
	"github.com/mbd888/peopledesk/internal/payment"
	"github.com/mbd888/peopledesk/internal/permission"
	"github.com/mbd888/peopledesk/internal/provisioner"
	"github.com/mbd888/peopledesk/internal/realtime"
	"github.com/mbd888/peopledesk/internal/reconciler"
	"github.com/mbd888/peopledesk/internal/settings"
	"github.com/mbd888/peopledesk/internal/syncutil"
	"github.com/mbd888/peopledesk/internal/tenant"
	"github.com/mbd888/peopledesk/internal/tenantdb"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

func init() {
	gin.SetMode(gin.TestMode)
}

var fixedNow = time.Date(2026, 3, 10, 9, 30, 0, 0, time.UTC)

func date(s string) time.Time {
	d, err := time.Parse(tenant.DateLayout, s)
	if err != nil {
		panic(err)
	}
	return d
}

// --- Test Setup ---

type eventRecorder struct {
	mu    sync.Mutex
	types []realtime.EventType
}

func (r *eventRecorder) Publish(t realtime.EventType, _ string, _ int64, _ interface{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.types = append(r.types, t)
}

type fakeGateway struct {
	checkouts []payment.Checkout
}

func (g *fakeGateway) InitiatePayment(_ context.Context, c payment.Checkout) (*payment.Redirect, error) {
	g.checkouts = append(g.checkouts, c)
	return &payment.Redirect{URL: "https://pay.test/" + c.CorrelationID}, nil
}

// directory lets a test fail subscription writes.
type directory struct {
	*tenant.MemoryStore
	failUpdate bool
}

func (d *directory) UpdateSubscription(ctx context.Context, id string, subType catalog.SubscriptionType, expiry time.Time) error {
	if d.failUpdate {
		return errors.New("directory unavailable")
	}
	return d.MemoryStore.UpdateSubscription(ctx, id, subType, expiry)
}

type fixture struct {
	tenants  *directory
	packages *catalog.MemoryStore
	dbs      tenantdb.Provider
	gateway  *fakeGateway
	events   *eventRecorder
	svc      *Service
	trial    int64
	pro      int64
	tenantID string
	dbName   string
}

func setup(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	dbs, err := tenantdb.NewSQLiteProvider(t.TempDir())
	require.NoError(t, err)

	f := &fixture{
		tenants:  &directory{MemoryStore: tenant.NewMemoryStore()},
		packages: catalog.NewMemoryStore(),
		dbs:      dbs,
		gateway:  &fakeGateway{},
		events:   &eventRecorder{},
	}
	general := settings.NewMemoryStore()

	trial := &catalog.Package{
		Name:         "Trial",
		IsFreeTrial:  true,
		MaxEmployees: 10,
		MaxUsers:     2,
		Permissions:  permission.List{{ID: 1, Name: "view employees"}, {ID: 2, Name: "edit employees"}},
	}
	pro := &catalog.Package{
		Name:         "Pro",
		MonthlyFee:   decimal.RequireFromString("49.00"),
		YearlyFee:    decimal.RequireFromString("490.00"),
		MaxEmployees: 500,
		MaxUsers:     50,
		Permissions:  permission.List{{ID: 2, Name: "edit employees"}, {ID: 3, Name: "run payroll"}},
	}
	require.NoError(t, f.packages.Create(ctx, trial))
	require.NoError(t, f.packages.Create(ctx, pro))
	f.trial, f.pro = trial.ID, pro.ID

	locks := syncutil.NewKeyedMutex()
	clock := func() time.Time { return fixedNow }

	prov := provisioner.NewService(f.tenants, f.tenants, f.packages, general, dbs, locks, provisioner.DefaultConfig()).
		WithHasher(&auth.Hasher{Cost: bcrypt.MinCost}).
		WithClock(clock)
	res, err := prov.Provision(ctx, provisioner.SignupRequest{
		CompanyName: "Acme Corp",
		FirstName:   "Ada",
		LastName:    "Lovelace",
		ContactNo:   "+1 555 0100",
		Email:       "ada@acme.com",
		Username:    "ada",
		Password:    "correct horse",
		Subdomain:   "acme",
		PackageID:   f.trial,
	})
	require.NoError(t, err)
	f.tenantID, f.dbName = res.TenantID, res.DatabaseName

	rec := reconciler.NewService(f.tenants, f.packages, dbs, locks)
	f.svc = NewService(f.tenants, f.tenants, f.packages, general, dbs, locks, rec).
		WithPayments(f.gateway, "USD").
		WithEvents(f.events).
		WithClock(clock)
	return f
}

func (f *fixture) tenantSettings(t *testing.T) map[string]string {
	t.Helper()
	var values map[string]string
	require.NoError(t, f.dbs.Run(context.Background(), f.dbName, func(ctx context.Context, db *tenantdb.DB) error {
		var err error
		values, err = db.Settings(ctx)
		return err
	}))
	return values
}

func (f *fixture) ownerGrants(t *testing.T) permission.IDSet {
	t.Helper()
	var grants permission.IDSet
	require.NoError(t, f.dbs.Run(context.Background(), f.dbName, func(ctx context.Context, db *tenantdb.DB) error {
		var err error
		grants, err = db.RoleGrants(ctx, tenantdb.OwnerRole)
		return err
	}))
	return grants
}

// --- Renew ---

func TestRenew_WritesTenantAndDirectory(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	res, err := f.svc.Renew(ctx, RenewRequest{
		TenantID:         f.tenantID,
		ExpiryDate:       date("2027-03-10"),
		SubscriptionType: catalog.Yearly,
	})
	require.NoError(t, err)
	assert.Equal(t, f.trial, res.PackageID)
	assert.Equal(t, 10, res.Settings.MaxEmployees)

	got, err := f.tenants.Get(ctx, f.tenantID)
	require.NoError(t, err)
	assert.Equal(t, catalog.Yearly, got.SubscriptionType)
	assert.True(t, got.ExpiryDate.Equal(date("2027-03-10")))

	values := f.tenantSettings(t)
	assert.Equal(t, "2027-03-10", values[settings.KeyExpiryDate])
	assert.Equal(t, "yearly", values[settings.KeySubscriptionType])
	assert.Contains(t, f.events.types, realtime.EventSubscriptionRenewed)
}

func TestRenew_Validation(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	_, err := f.svc.Renew(ctx, RenewRequest{TenantID: f.tenantID, ExpiryDate: fixedNow, SubscriptionType: "weekly"})
	assert.True(t, apperr.Is(err, apperr.KindValidation))

	_, err = f.svc.Renew(ctx, RenewRequest{TenantID: f.tenantID, SubscriptionType: catalog.Monthly})
	assert.True(t, apperr.Is(err, apperr.KindValidation))

	_, err = f.svc.Renew(ctx, RenewRequest{TenantID: "missing", ExpiryDate: fixedNow, SubscriptionType: catalog.Monthly})
	assert.True(t, apperr.Is(err, apperr.KindNotFound))
}

func TestRenew_DirectoryFailureRestoresSettings(t *testing.T) {
	f := setup(t)
	before := f.tenantSettings(t)
	f.tenants.failUpdate = true

	_, err := f.svc.Renew(context.Background(), RenewRequest{
		TenantID:         f.tenantID,
		ExpiryDate:       date("2027-03-10"),
		SubscriptionType: catalog.Yearly,
	})
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.KindTransaction))
	assert.Equal(t, before, f.tenantSettings(t))

	got, err := f.tenants.Get(context.Background(), f.tenantID)
	require.NoError(t, err)
	assert.Equal(t, before[settings.KeyExpiryDate], got.ExpiryDate.Format(tenant.DateLayout))
}

func TestRenew_RefusesEmptyOwnerRole(t *testing.T) {
	f := setup(t)
	before := f.tenantSettings(t)
	require.NoError(t, f.dbs.Run(context.Background(), f.dbName, func(ctx context.Context, db *tenantdb.DB) error {
		return db.InTx(ctx, func(tx *tenantdb.Tx) error {
			return tx.SetRoleGrants(ctx, tenantdb.OwnerRole, permission.NewIDSet())
		})
	}))

	_, err := f.svc.Renew(context.Background(), RenewRequest{
		TenantID:         f.tenantID,
		ExpiryDate:       date("2027-03-10"),
		SubscriptionType: catalog.Yearly,
	})
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.KindInvariant))
	assert.Equal(t, before, f.tenantSettings(t))
}

// --- SwitchPackage ---

func TestSwitchPackage(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	res, err := f.svc.SwitchPackage(ctx, f.tenantID, f.pro)
	require.NoError(t, err)
	assert.Equal(t, f.trial, res.PreviousPackageID)
	assert.True(t, f.ownerGrants(t).Equal(permission.NewIDSet(2, 3)))
	assert.Contains(t, f.events.types, realtime.EventPackageSwitched)

	_, err = f.svc.SwitchPackage(ctx, f.tenantID, 0)
	assert.True(t, apperr.Is(err, apperr.KindValidation))
}

// --- Customer renewals ---

func checkout(f *fixture, packageID int64) RenewalCheckout {
	return RenewalCheckout{
		TenantID:         f.tenantID,
		Email:            "Ada@Acme.com",
		Password:         "correct horse",
		PackageID:        packageID,
		SubscriptionType: "yearly",
		PaymentMethod:    payment.MethodStripe,
	}
}

func TestRequestRenewal_RejectsBadCredentials(t *testing.T) {
	f := setup(t)
	req := checkout(f, f.trial)
	req.Password = "wrong horse"

	_, err := f.svc.RequestRenewal(context.Background(), req)
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.KindValidation))
	assert.Empty(t, f.gateway.checkouts)
}

func TestRequestRenewal_FreeTrialAppliesImmediately(t *testing.T) {
	f := setup(t)

	res, err := f.svc.RequestRenewal(context.Background(), checkout(f, f.trial))
	require.NoError(t, err)
	assert.Equal(t, OutcomeRenewed, res.Outcome)
	require.NotNil(t, res.Renewal)
	assert.True(t, res.Renewal.ExpiryDate.Equal(date("2026-03-24")))
	assert.Empty(t, f.gateway.checkouts)
}

func TestRequestRenewal_PaidCompletesAfterPayment(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	res, err := f.svc.RequestRenewal(ctx, checkout(f, f.pro))
	require.NoError(t, err)
	assert.Equal(t, OutcomePendingPayment, res.Outcome)
	assert.Equal(t, "https://pay.test/"+res.CorrelationID, res.RedirectURL)
	require.Len(t, f.gateway.checkouts, 1)
	assert.Equal(t, payment.PurposeRenewal, f.gateway.checkouts[0].Purpose)
	assert.True(t, f.gateway.checkouts[0].Amount.Equal(decimal.RequireFromString("490.00")))
	assert.Equal(t, "ada@acme.com", f.gateway.checkouts[0].CustomerEmail)

	// Nothing changes until the payment lands.
	got, err := f.tenants.Get(ctx, f.tenantID)
	require.NoError(t, err)
	assert.Equal(t, f.trial, got.PackageID)

	done, err := f.svc.CompleteRenewal(ctx, res.CorrelationID)
	require.NoError(t, err)
	assert.Equal(t, OutcomeRenewed, done.Outcome)

	got, err = f.tenants.Get(ctx, f.tenantID)
	require.NoError(t, err)
	assert.Equal(t, f.pro, got.PackageID)
	assert.Equal(t, catalog.Yearly, got.SubscriptionType)
	// Extends from the remaining trial rather than today.
	assert.True(t, got.ExpiryDate.Equal(date("2027-03-24")), got.ExpiryDate)

	values := f.tenantSettings(t)
	assert.Equal(t, "Pro", values[settings.KeyPackageName])
	assert.Equal(t, "500", values[settings.KeyMaxEmployees])
	assert.True(t, f.ownerGrants(t).Equal(permission.NewIDSet(2, 3)))

	_, err = f.svc.CompleteRenewal(ctx, res.CorrelationID)
	assert.ErrorIs(t, err, ErrRenewalNotFound)
}

func TestCompleteRenewal_FailedRenewalRevertsSwitch(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	before := f.tenantSettings(t)
	tn, err := f.tenants.Get(ctx, f.tenantID)
	require.NoError(t, err)
	expiryBefore := tn.ExpiryDate

	res, err := f.svc.RequestRenewal(ctx, checkout(f, f.pro))
	require.NoError(t, err)

	f.tenants.failUpdate = true
	_, err = f.svc.CompleteRenewal(ctx, res.CorrelationID)
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.KindTransaction))

	got, err := f.tenants.Get(ctx, f.tenantID)
	require.NoError(t, err)
	assert.Equal(t, f.trial, got.PackageID, "tenant must stay on its previous package")
	assert.True(t, got.ExpiryDate.Equal(expiryBefore))
	assert.True(t, f.ownerGrants(t).Equal(permission.NewIDSet(1, 2)))
	assert.Equal(t, before, f.tenantSettings(t))
	assert.NotContains(t, f.events.types, realtime.EventPackageSwitched)

	// The payment is still on record and completes once the directory recovers.
	f.tenants.failUpdate = false
	done, err := f.svc.CompleteRenewal(ctx, res.CorrelationID)
	require.NoError(t, err)
	assert.Equal(t, f.pro, done.PackageID)
	assert.Contains(t, f.events.types, realtime.EventPackageSwitched)
}

func TestCompleteRenewal_HoldsTenantLockAcrossSwitchAndRenew(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	res, err := f.svc.RequestRenewal(ctx, checkout(f, f.pro))
	require.NoError(t, err)

	// A concurrent switch back to the trial must wait for the whole renewal.
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, _ = f.svc.CompleteRenewal(ctx, res.CorrelationID)
	}()
	go func() {
		defer wg.Done()
		_, _ = f.svc.SwitchPackage(ctx, f.tenantID, f.trial)
	}()
	wg.Wait()

	got, err := f.tenants.Get(ctx, f.tenantID)
	require.NoError(t, err)
	values := f.tenantSettings(t)
	pkg, err := f.packages.FindByID(ctx, got.PackageID)
	require.NoError(t, err)
	assert.True(t, f.ownerGrants(t).Equal(pkg.Permissions.IDs()), "grants must match the directory package")
	if got.PackageID == f.pro {
		assert.Equal(t, "Pro", values[settings.KeyPackageName])
	}
}

// --- Handlers ---

func setupRouter(f *fixture) *gin.Engine {
	r := gin.New()
	h := NewHandler(f.svc)
	h.RegisterRoutes(r.Group("/v1"))
	h.RegisterAdminRoutes(r.Group("/v1/admin"))
	return r
}

func TestHandler_Renew(t *testing.T) {
	f := setup(t)
	r := setupRouter(f)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/v1/admin/tenants/"+f.tenantID+"/renew",
		strings.NewReader(`{"expiryDate":"2026-04-10","subscriptionType":"monthly"}`)))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/v1/admin/tenants/"+f.tenantID+"/renew",
		strings.NewReader(`{"expiryDate":"10/04/2026","subscriptionType":"monthly"}`)))
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/v1/admin/tenants/missing/renew",
		strings.NewReader(`{"expiryDate":"2026-04-10","subscriptionType":"monthly"}`)))
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHandler_SwitchAndRequestRenewal(t *testing.T) {
	f := setup(t)
	r := setupRouter(f)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/v1/admin/tenants/"+f.tenantID+"/package",
		strings.NewReader(`{"packageId":999}`)))
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/v1/renewals",
		strings.NewReader(`{"tenantId":"`+f.tenantID+`","email":"ada@acme.com","password":"correct horse","packageId":2,"subscriptionType":"monthly"}`)))
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	assert.Contains(t, w.Body.String(), "pending_payment")
}
