package catalog

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/peopledesk/internal/permission"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fakeRefs map[int64]bool

func (f fakeRefs) PackageInUse(_ context.Context, id int64) (bool, error) {
	return f[id], nil
}

func seedPackage(t *testing.T, s *MemoryStore, name string, perms ...permission.Permission) *Package {
	t.Helper()
	p := &Package{
		Name:        name,
		Permissions: perms,
		MonthlyFee:  decimal.RequireFromString("10.00"),
		YearlyFee:   decimal.RequireFromString("100.00"),
	}
	require.NoError(t, s.Create(context.Background(), p))
	return p
}

func TestPackage_Price(t *testing.T) {
	p := &Package{MonthlyFee: decimal.NewFromInt(10), YearlyFee: decimal.NewFromInt(100)}
	assert.True(t, p.Price(Monthly).Equal(decimal.NewFromInt(10)))
	assert.True(t, p.Price(Yearly).Equal(decimal.NewFromInt(100)))
	assert.True(t, p.RequiresPayment(Monthly))

	p.IsFreeTrial = true
	assert.False(t, p.RequiresPayment(Yearly))

	free := &Package{}
	assert.False(t, free.RequiresPayment(Monthly))
}

func TestSubscriptionType(t *testing.T) {
	st, ok := ParseSubscriptionType(" Yearly ")
	assert.True(t, ok)
	assert.Equal(t, Yearly, st)

	_, ok = ParseSubscriptionType("weekly")
	assert.False(t, ok)

	start := time.Date(2026, 1, 31, 0, 0, 0, 0, time.UTC)
	assert.Equal(t, time.Date(2027, 1, 31, 0, 0, 0, 0, time.UTC), Yearly.Extend(start))
	assert.Equal(t, time.Date(2026, 3, 3, 0, 0, 0, 0, time.UTC), Monthly.Extend(start))
}

func TestMemoryStore_CRUD(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	basic := seedPackage(t, s, "Basic", permission.Permission{ID: 1, Name: "view"})
	assert.Equal(t, int64(1), basic.ID)

	err := s.Create(ctx, &Package{Name: "basic"})
	assert.ErrorIs(t, err, ErrNameTaken)

	got, err := s.FindByID(ctx, basic.ID)
	require.NoError(t, err)
	assert.Equal(t, "Basic", got.Name)

	// Returned copies must not alias stored state.
	got.Permissions[0].Name = "mutated"
	again, _ := s.FindByID(ctx, basic.ID)
	assert.Equal(t, "view", again.Permissions[0].Name)

	got.Name = "Basic Plus"
	require.NoError(t, s.Update(ctx, got))
	seedPackage(t, s, "Basic") // old name is free again

	_, err = s.FindByID(ctx, 99)
	assert.ErrorIs(t, err, ErrPackageNotFound)
	assert.ErrorIs(t, s.Update(ctx, &Package{ID: 99, Name: "x"}), ErrPackageNotFound)
}

func TestMemoryStore_ListSelectable(t *testing.T) {
	s := NewMemoryStore()
	seedPackage(t, s, "Pro")
	seedPackage(t, s, "Basic")

	opts, err := s.ListSelectable(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []Option{{ID: 2, Name: "Basic"}, {ID: 1, Name: "Pro"}}, opts)

	empty, err := NewMemoryStore().ListSelectable(context.Background())
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestMemoryStore_DeleteInUse(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	p := seedPackage(t, s, "Basic")
	s.SetReferenceChecker(fakeRefs{p.ID: true})

	assert.ErrorIs(t, s.Delete(ctx, p.ID), ErrPackageInUse)

	s.SetReferenceChecker(fakeRefs{})
	require.NoError(t, s.Delete(ctx, p.ID))
	assert.ErrorIs(t, s.Delete(ctx, p.ID), ErrPackageNotFound)
}

func newTestRouter(s Store) *gin.Engine {
	r := gin.New()
	h := NewHandler(s)
	g := r.Group("/v1")
	h.RegisterRoutes(g)
	h.RegisterAdminRoutes(g)
	return r
}

func TestHandler_CreateAndGet(t *testing.T) {
	s := NewMemoryStore()
	r := newTestRouter(s)

	body, _ := json.Marshal(map[string]any{
		"name":        "Pro",
		"permissions": []map[string]any{{"id": 2, "name": "edit"}, {"id": 3, "name": "delete"}, {"id": 2, "name": "edit"}},
		"monthlyFee":  "19.999",
		"yearlyFee":   "199",
	})
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/packages", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	r.ServeHTTP(w, req)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	stored, err := s.FindByID(context.Background(), 1)
	require.NoError(t, err)
	assert.Len(t, stored.Permissions, 2)
	assert.Equal(t, "20", stored.MonthlyFee.String())

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/packages/1", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/packages/42", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/packages/abc", nil))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandler_CreateValidation(t *testing.T) {
	r := newTestRouter(NewMemoryStore())

	cases := []map[string]any{
		{"name": ""},
		{"name": "Neg", "monthlyFee": "-1"},
		{"name": "Bad", "permissions": []map[string]any{{"id": 0, "name": "x"}}},
		{"name": "Lim", "maxUsers": -3},
	}
	for _, c := range cases {
		body, _ := json.Marshal(c)
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/v1/packages", bytes.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		r.ServeHTTP(w, req)
		assert.Equal(t, http.StatusBadRequest, w.Code, "body %v", c)
	}
}

func TestHandler_UpdateAndDelete(t *testing.T) {
	s := NewMemoryStore()
	seedPackage(t, s, "Basic")
	seedPackage(t, s, "Pro")
	r := newTestRouter(s)

	body, _ := json.Marshal(map[string]any{"name": "Pro"})
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPut, "/v1/packages/1", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusConflict, w.Code)

	s.SetReferenceChecker(fakeRefs{1: true})
	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodDelete, "/v1/packages/1", nil))
	assert.Equal(t, http.StatusConflict, w.Code)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodDelete, "/v1/packages/2", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/packages/options", nil))
	require.Equal(t, http.StatusOK, w.Code)
	var resp struct {
		Packages []Option `json:"packages"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, []Option{{ID: 1, Name: "Basic"}}, resp.Packages)
}
