package settings

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/peopledesk/internal/catalog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func TestForPackage(t *testing.T) {
	pkg := &catalog.Package{ID: 3, Name: "Pro", MaxEmployees: 50, MaxUsers: 5}
	g := General{CurrencyCode: "EUR", DateFormat: "d/m/Y"}
	expiry := time.Date(2027, 1, 1, 0, 0, 0, 0, time.UTC)

	ts := ForPackage(pkg, g, catalog.Yearly, expiry)

	assert.Equal(t, Tenant{
		PackageID: 3, PackageName: "Pro", SubscriptionType: catalog.Yearly, ExpiryDate: expiry,
		MaxEmployees: 50, MaxUsers: 5, CurrencyCode: "EUR", DateFormat: "d/m/Y",
	}, ts)
}

func TestTenant_ValuesRoundTrip(t *testing.T) {
	ts := Tenant{
		PackageID: 7, PackageName: "Basic", SubscriptionType: catalog.Monthly,
		ExpiryDate:   time.Date(2026, 11, 18, 0, 0, 0, 0, time.UTC),
		MaxEmployees: 10, CurrencyCode: "USD", DateFormat: "Y-m-d",
	}
	values := ts.Values()
	assert.Equal(t, "2026-11-18", values[KeyExpiryDate])

	parsed, err := ParseTenant(values)
	require.NoError(t, err)
	assert.Equal(t, ts, parsed)
}

func TestParseTenant_Invalid(t *testing.T) {
	_, err := ParseTenant(map[string]string{KeyMaxUsers: "lots"})
	assert.ErrorIs(t, err, ErrInvalidTenantSettings)

	empty, err := ParseTenant(nil)
	require.NoError(t, err)
	assert.Equal(t, Tenant{}, empty)
}

func TestFreeTrialExpiry(t *testing.T) {
	today := time.Date(2026, 10, 18, 0, 0, 0, 0, time.UTC)
	assert.Equal(t, today.AddDate(0, 0, 30), General{FreeTrialLimit: 30}.FreeTrialExpiry(today))
	assert.Equal(t, today.AddDate(0, 0, DefaultFreeTrialDays), General{}.FreeTrialExpiry(today))
}

func TestHandler_UpdateSettings(t *testing.T) {
	s := NewMemoryStore()
	r := gin.New()
	NewHandler(s).RegisterAdminRoutes(r.Group("/v1"))

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPut, "/v1/settings",
		bytes.NewBufferString(`{"siteTitle":"HR Cloud","currencyCode":"eur","freeTrialLimit":30}`))
	req.Header.Set("Content-Type", "application/json")
	r.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	g, _ := s.Get(context.Background())
	assert.Equal(t, "EUR", g.CurrencyCode)
	assert.Equal(t, 30, g.FreeTrialLimit)
	assert.Equal(t, "Y-m-d", g.DateFormat)

	w = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodPut, "/v1/settings",
		bytes.NewBufferString(`{"siteTitle":"HR Cloud","currencyCode":"EUR","freeTrialLimit":0}`))
	req.Header.Set("Content-Type", "application/json")
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
