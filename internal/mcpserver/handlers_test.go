package mcpserver

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- Test helpers ---

func newTestSetup(handler http.Handler) (*Handlers, func()) {
	ts := httptest.NewServer(handler)
	h := NewHandlers(NewClient(Config{APIURL: ts.URL, AdminSecret: "s3cret"}))
	return h, ts.Close
}

func makeRequest(args map[string]any) mcp.CallToolRequest {
	var req mcp.CallToolRequest
	if args == nil {
		args = map[string]any{}
	}
	req.Params.Arguments = args
	return req
}

func resultText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	require.NotEmpty(t, result.Content, "expected at least one content block")
	tc, ok := result.Content[0].(mcp.TextContent)
	require.True(t, ok, "expected TextContent, got %T", result.Content[0])
	return tc.Text
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// ============================================================
// Client tests
// ============================================================

func TestClient_DoRequest_AdminHeader(t *testing.T) {
	var got string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Get("X-Admin-Secret")
		_, _ = w.Write([]byte(`{}`))
	}))
	defer ts.Close()

	client := NewClient(Config{APIURL: ts.URL, AdminSecret: "s3cret"})
	_, err := client.ListPackages(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "s3cret", got)
}

func TestClient_DoRequest_NoSecret(t *testing.T) {
	var present bool
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, present = r.Header["X-Admin-Secret"]
		_, _ = w.Write([]byte(`{}`))
	}))
	defer ts.Close()

	_, err := NewClient(Config{APIURL: ts.URL}).Health(context.Background())
	require.NoError(t, err)
	assert.False(t, present)
}

func TestClient_DoRequest_HTTPError_WithAPIMessage(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusUnauthorized, map[string]any{
			"error":   "unauthorized",
			"message": "admin secret required",
		})
	}))
	defer ts.Close()

	_, err := NewClient(Config{APIURL: ts.URL}).ListTenants(context.Background(), 0, "", 0, "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "401")
	assert.Contains(t, err.Error(), "admin secret required")
}

func TestClient_DoRequest_HTTPError_RawBody(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte("upstream down"))
	}))
	defer ts.Close()

	_, err := NewClient(Config{APIURL: ts.URL}).Health(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
	assert.Contains(t, err.Error(), "upstream down")
}

func TestClient_ListTenants_Query(t *testing.T) {
	var query map[string]string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/admin/tenants", r.URL.Path)
		query = map[string]string{}
		for k := range r.URL.Query() {
			query[k] = r.URL.Query().Get(k)
		}
		_, _ = w.Write([]byte(`{"tenants":[]}`))
	}))
	defer ts.Close()

	_, err := NewClient(Config{APIURL: ts.URL}).ListTenants(context.Background(), 3, "active", 10, "abc")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"packageId": "3", "status": "active", "limit": "10", "cursor": "abc"}, query)
}

func TestClient_EscapesTenantID(t *testing.T) {
	var path string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.EscapedPath()
		_, _ = w.Write([]byte(`{}`))
	}))
	defer ts.Close()

	_, err := NewClient(Config{APIURL: ts.URL}).GetTenant(context.Background(), "a/b")
	require.NoError(t, err)
	assert.Equal(t, "/v1/admin/tenants/a%2Fb", path)
}

// ============================================================
// Handler tests
// ============================================================

func TestHandleListPackages(t *testing.T) {
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/packages", r.URL.Path)
		writeJSON(w, http.StatusOK, map[string]any{
			"packages": []map[string]any{
				{"id": 1, "name": "Trial", "isFreeTrial": true, "monthlyFee": "0", "yearlyFee": "0", "maxEmployees": 10, "maxUsers": 0, "permissions": []int{1, 2}},
				{"id": 2, "name": "Pro", "monthlyFee": "49", "yearlyFee": "490", "maxEmployees": 500, "maxUsers": 50, "permissions": []int{2, 3, 4}},
			},
			"count": 2,
		})
	}))
	defer cleanup()

	result, err := h.HandleListPackages(context.Background(), makeRequest(nil))
	require.NoError(t, err)
	require.False(t, result.IsError)

	text := resultText(t, result)
	assert.Contains(t, text, "Found 2 package(s)")
	assert.Contains(t, text, "1. Trial (free trial)")
	assert.Contains(t, text, "10 employees, unlimited users")
	assert.Contains(t, text, "Fees: 49/month, 490/year")
	assert.Contains(t, text, "Permissions: 3")
}

func TestHandleListPackages_Empty(t *testing.T) {
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"packages": []any{}, "count": 0})
	}))
	defer cleanup()

	result, err := h.HandleListPackages(context.Background(), makeRequest(nil))
	require.NoError(t, err)
	assert.Equal(t, "No packages defined.", resultText(t, result))
}

func TestHandleListTenants(t *testing.T) {
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "20", r.URL.Query().Get("limit"))
		writeJSON(w, http.StatusOK, map[string]any{
			"tenants": []map[string]any{{
				"tenant":      map[string]any{"id": "ten_1", "packageId": 2, "status": "active", "expiryDate": "2027-03-24T00:00:00Z"},
				"customer":    map[string]any{"companyName": "Acme"},
				"domain":      map[string]any{"domain": "acme.peopledesk.test"},
				"packageName": "Pro",
			}},
			"count":      1,
			"nextCursor": "next123",
			"hasMore":    true,
		})
	}))
	defer cleanup()

	result, err := h.HandleListTenants(context.Background(), makeRequest(nil))
	require.NoError(t, err)
	require.False(t, result.IsError)

	text := resultText(t, result)
	assert.Contains(t, text, "1. ten_1 Acme")
	assert.Contains(t, text, "Domain: acme.peopledesk.test")
	assert.Contains(t, text, "Package: Pro | Status: active | Expires: 2027-03-24")
	assert.Contains(t, text, "next_cursor: next123")
}

func TestHandleListTenants_Empty(t *testing.T) {
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"tenants": []any{}, "count": 0})
	}))
	defer cleanup()

	result, err := h.HandleListTenants(context.Background(), makeRequest(nil))
	require.NoError(t, err)
	assert.Equal(t, "No tenants found.", resultText(t, result))
}

func TestHandleGetTenant(t *testing.T) {
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/admin/tenants/ten_1", r.URL.Path)
		writeJSON(w, http.StatusOK, map[string]any{
			"tenant":   map[string]any{"id": "ten_1", "status": "active", "tenancyDbName": "tenant_ten_1", "subscriptionType": "yearly", "expiryDate": "2027-03-24T00:00:00Z"},
			"customer": map[string]any{"companyName": "Acme", "firstName": "Ada", "lastName": "King", "email": "ada@acme.test"},
			"domain":   map[string]any{"domain": "acme.peopledesk.test"},
			"package":  map[string]any{"id": 2, "name": "Pro"},
		})
	}))
	defer cleanup()

	result, err := h.HandleGetTenant(context.Background(), makeRequest(map[string]any{"tenant_id": "ten_1"}))
	require.NoError(t, err)
	require.False(t, result.IsError)

	text := resultText(t, result)
	assert.Contains(t, text, "Database: tenant_ten_1")
	assert.Contains(t, text, "Owner: Ada King <ada@acme.test>")
	assert.Contains(t, text, "Package: Pro (#2)")
	assert.Contains(t, text, "Subscription: yearly, expires 2027-03-24")
}

func TestHandleGetTenant_MissingID(t *testing.T) {
	h := NewHandlers(NewClient(Config{APIURL: "http://127.0.0.1:1"}))
	result, err := h.HandleGetTenant(context.Background(), makeRequest(nil))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "tenant_id is required")
}

func TestHandleGetTenant_NotFound(t *testing.T) {
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusNotFound, map[string]any{"error": "not_found", "message": "tenant not found"})
	}))
	defer cleanup()

	result, err := h.HandleGetTenant(context.Background(), makeRequest(map[string]any{"tenant_id": "ten_x"}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "tenant not found")
}

func TestHandleSwitchPackage(t *testing.T) {
	var body map[string]any
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v1/admin/tenants/ten_1/package", r.URL.Path)
		raw, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(raw, &body)
		writeJSON(w, http.StatusOK, map[string]any{"tenantId": "ten_1", "packageId": 3})
	}))
	defer cleanup()

	result, err := h.HandleSwitchPackage(context.Background(), makeRequest(map[string]any{
		"tenant_id":  "ten_1",
		"package_id": float64(3),
	}))
	require.NoError(t, err)
	require.False(t, result.IsError)
	assert.Equal(t, float64(3), body["packageId"])
	assert.Contains(t, resultText(t, result), "Package switched.")
}

func TestHandleSwitchPackage_Validation(t *testing.T) {
	var calls atomic.Int32
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	}))
	defer cleanup()

	result, _ := h.HandleSwitchPackage(context.Background(), makeRequest(map[string]any{"package_id": float64(2)}))
	assert.True(t, result.IsError)
	result, _ = h.HandleSwitchPackage(context.Background(), makeRequest(map[string]any{"tenant_id": "ten_1", "package_id": float64(0)}))
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "package_id")
	assert.Zero(t, calls.Load())
}

func TestHandleRenewSubscription(t *testing.T) {
	var body map[string]string
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/admin/tenants/ten_1/renew", r.URL.Path)
		raw, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(raw, &body)
		writeJSON(w, http.StatusOK, map[string]any{"tenantId": "ten_1"})
	}))
	defer cleanup()

	result, err := h.HandleRenewSubscription(context.Background(), makeRequest(map[string]any{
		"tenant_id":         "ten_1",
		"expiry_date":       "2027-01-31",
		"subscription_type": "monthly",
	}))
	require.NoError(t, err)
	require.False(t, result.IsError)
	assert.Equal(t, map[string]string{"expiryDate": "2027-01-31", "subscriptionType": "monthly"}, body)
	assert.Contains(t, resultText(t, result), "renewed until 2027-01-31 (monthly)")
}

func TestHandleRenewSubscription_Validation(t *testing.T) {
	h := NewHandlers(NewClient(Config{APIURL: "http://127.0.0.1:1"}))

	tests := []struct {
		name string
		args map[string]any
		want string
	}{
		{"missing tenant", map[string]any{"expiry_date": "2027-01-31", "subscription_type": "monthly"}, "tenant_id"},
		{"bad date", map[string]any{"tenant_id": "t", "expiry_date": "31/01/2027", "subscription_type": "monthly"}, "YYYY-MM-DD"},
		{"bad type", map[string]any{"tenant_id": "t", "expiry_date": "2027-01-31", "subscription_type": "weekly"}, "monthly or yearly"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := h.HandleRenewSubscription(context.Background(), makeRequest(tt.args))
			require.NoError(t, err)
			assert.True(t, result.IsError)
			assert.Contains(t, resultText(t, result), tt.want)
		})
	}
}

func TestHandleConfirmPayment(t *testing.T) {
	var body map[string]string
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/admin/payments/corr_1/confirm", r.URL.Path)
		raw, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(raw, &body)
		writeJSON(w, http.StatusOK, map[string]any{"status": "completed"})
	}))
	defer cleanup()

	result, err := h.HandleConfirmPayment(context.Background(), makeRequest(map[string]any{
		"correlation_id": "corr_1",
		"purpose":        "signup",
	}))
	require.NoError(t, err)
	require.False(t, result.IsError)
	assert.Equal(t, "signup", body["purpose"])
	assert.Contains(t, resultText(t, result), "Payment corr_1 confirmed for signup.")
}

func TestHandleConfirmPayment_BadPurpose(t *testing.T) {
	h := NewHandlers(NewClient(Config{APIURL: "http://127.0.0.1:1"}))
	result, err := h.HandleConfirmPayment(context.Background(), makeRequest(map[string]any{
		"correlation_id": "corr_1",
		"purpose":        "refund",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestHandleDeleteTenant_RequiresConfirmation(t *testing.T) {
	var calls atomic.Int32
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		writeJSON(w, http.StatusOK, map[string]any{})
	}))
	defer cleanup()

	result, err := h.HandleDeleteTenant(context.Background(), makeRequest(map[string]any{
		"tenant_id": "ten_1",
		"confirm":   "ten_2",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "nothing was deleted")
	assert.Zero(t, calls.Load())
}

func TestHandleDeleteTenant(t *testing.T) {
	var method, path string
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		method, path = r.Method, r.URL.Path
		writeJSON(w, http.StatusOK, map[string]any{"status": "deleted"})
	}))
	defer cleanup()

	result, err := h.HandleDeleteTenant(context.Background(), makeRequest(map[string]any{
		"tenant_id": "ten_1",
		"confirm":   "ten_1",
	}))
	require.NoError(t, err)
	require.False(t, result.IsError)
	assert.Equal(t, http.MethodDelete, method)
	assert.Equal(t, "/v1/admin/tenants/ten_1", path)
	assert.Equal(t, "Tenant ten_1 deleted.", resultText(t, result))
}

func TestHandleHealth(t *testing.T) {
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"status": "healthy"})
	}))
	defer cleanup()

	result, err := h.HandleHealth(context.Background(), makeRequest(nil))
	require.NoError(t, err)
	assert.Contains(t, resultText(t, result), `"status": "healthy"`)
}

// ============================================================
// Formatting helpers
// ============================================================

func TestFormatTenant_MissingTenant(t *testing.T) {
	_, err := formatTenant(json.RawMessage(`{"customer":{}}`))
	assert.Error(t, err)
}

func TestFormatPackageList_MalformedJSON(t *testing.T) {
	_, err := formatPackageList(json.RawMessage(`not json`))
	assert.Error(t, err)
}

func TestFormatJSON_InvalidJSON(t *testing.T) {
	assert.Equal(t, "plain", formatJSON(json.RawMessage("plain")))
}

func TestDateOnly(t *testing.T) {
	assert.Equal(t, "2027-03-24", dateOnly("2027-03-24T00:00:00Z"))
	assert.Equal(t, "", dateOnly(""))
}

func TestGetString_NumericValue(t *testing.T) {
	assert.Equal(t, "42", getString(map[string]any{"id": float64(42)}, "id"))
	assert.Equal(t, "b", getString(map[string]any{"y": "b"}, "x", "y"))
}

// ============================================================
// Concurrency and wiring
// ============================================================

func TestHandlers_ConcurrentCalls(t *testing.T) {
	var callCount atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/packages", func(w http.ResponseWriter, r *http.Request) {
		callCount.Add(1)
		writeJSON(w, http.StatusOK, map[string]any{"packages": []any{}})
	})
	mux.HandleFunc("/v1/admin/tenants", func(w http.ResponseWriter, r *http.Request) {
		callCount.Add(1)
		writeJSON(w, http.StatusOK, map[string]any{"tenants": []any{}})
	})

	h, cleanup := newTestSetup(mux)
	defer cleanup()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = h.HandleListPackages(context.Background(), makeRequest(nil))
			_, _ = h.HandleListTenants(context.Background(), makeRequest(nil))
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(40), callCount.Load())
}

func TestNewMCPServer(t *testing.T) {
	s := NewMCPServer(Config{APIURL: "http://localhost:8080", AdminSecret: "k"})
	require.NotNil(t, s)
}

func TestHandlers_NeverReturnGoError(t *testing.T) {
	// Failures are reported through result.IsError.
	h := NewHandlers(NewClient(Config{APIURL: "http://127.0.0.1:1"}))

	tests := []struct {
		name string
		fn   func() (*mcp.CallToolResult, error)
	}{
		{"ListPackages", func() (*mcp.CallToolResult, error) {
			return h.HandleListPackages(context.Background(), makeRequest(nil))
		}},
		{"ListTenants", func() (*mcp.CallToolResult, error) {
			return h.HandleListTenants(context.Background(), makeRequest(nil))
		}},
		{"GetTenant", func() (*mcp.CallToolResult, error) {
			return h.HandleGetTenant(context.Background(), makeRequest(map[string]any{"tenant_id": "t"}))
		}},
		{"SwitchPackage", func() (*mcp.CallToolResult, error) {
			return h.HandleSwitchPackage(context.Background(), makeRequest(map[string]any{"tenant_id": "t", "package_id": float64(1)}))
		}},
		{"RenewSubscription", func() (*mcp.CallToolResult, error) {
			return h.HandleRenewSubscription(context.Background(), makeRequest(map[string]any{
				"tenant_id": "t", "expiry_date": "2027-01-01", "subscription_type": "yearly",
			}))
		}},
		{"ConfirmPayment", func() (*mcp.CallToolResult, error) {
			return h.HandleConfirmPayment(context.Background(), makeRequest(map[string]any{"correlation_id": "c", "purpose": "renewal"}))
		}},
		{"DeleteTenant", func() (*mcp.CallToolResult, error) {
			return h.HandleDeleteTenant(context.Background(), makeRequest(map[string]any{"tenant_id": "t", "confirm": "t"}))
		}},
		{"Health", func() (*mcp.CallToolResult, error) {
			return h.HandleHealth(context.Background(), makeRequest(nil))
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := tt.fn()
			assert.NoError(t, err)
			require.NotNil(t, result)
			assert.True(t, result.IsError, "unreachable server should produce isError result")
		})
	}
}

func TestClient_RetriesReadsOnServerError(t *testing.T) {
	var calls atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`{"packages":[]}`))
	}))
	defer ts.Close()

	c := NewClient(Config{APIURL: ts.URL + "/", Retries: 2})
	c.reads.BaseDelay = time.Millisecond
	out, err := c.ListPackages(context.Background())
	require.NoError(t, err)
	assert.JSONEq(t, `{"packages":[]}`, string(out))
	assert.EqualValues(t, 3, calls.Load())
}

func TestClient_DoesNotRetryWritesOrClientErrors(t *testing.T) {
	var calls atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		if r.Method == http.MethodPost {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		writeJSON(w, http.StatusNotFound, map[string]any{"error": "not_found", "message": "tenant not found"})
	}))
	defer ts.Close()

	c := NewClient(Config{APIURL: ts.URL, Retries: 3})
	c.reads.BaseDelay = time.Millisecond

	_, err := c.SwitchPackage(context.Background(), "ten_1", 2)
	require.Error(t, err)
	assert.EqualValues(t, 1, calls.Load())

	_, err = c.GetTenant(context.Background(), "ten_1")
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusNotFound, apiErr.Status)
	assert.Equal(t, "not_found", apiErr.Code)
	assert.EqualValues(t, 2, calls.Load())
}
