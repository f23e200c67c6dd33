package metrics

import (
	"database/sql"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func TestStatusBucket(t *testing.T) {
	for code, want := range map[int]string{
		101: "1xx", 200: "2xx", 202: "2xx", 302: "3xx",
		400: "4xx", 409: "4xx", 429: "4xx", 500: "5xx", 503: "5xx",
	} {
		assert.Equal(t, want, statusBucket(code), "code %d", code)
	}
}

func scrape(t *testing.T) string {
	t.Helper()
	r := gin.New()
	r.GET("/metrics", Handler())
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, w.Code)
	return w.Body.String()
}

func TestHandlerExposesLandlordMetrics(t *testing.T) {
	ProvisioningsTotal.WithLabelValues("free_trial", "ok").Inc()
	RenewalsTotal.WithLabelValues("ok").Inc()

	body := scrape(t)
	assert.Contains(t, body, "peopledesk_active_websocket_clients")
	assert.Contains(t, body, `peopledesk_provisionings_total{mode="free_trial",result="ok"}`)
	assert.Contains(t, body, "peopledesk_renewals_total")
	assert.Contains(t, body, "go_goroutines")
}

func TestMiddlewareLabelsByRoute(t *testing.T) {
	r := gin.New()
	r.Use(Middleware())
	r.GET("/v1/admin/tenants/:id", func(c *gin.Context) { c.Status(http.StatusNotFound) })

	before := testutil.ToFloat64(HTTPRequestsTotal.WithLabelValues("GET", "/v1/admin/tenants/:id", "4xx"))
	unmatched := testutil.ToFloat64(HTTPRequestsTotal.WithLabelValues("GET", "unmatched", "4xx"))

	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/v1/admin/tenants/ten_a", nil))
	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/v1/admin/tenants/ten_b", nil))
	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/nope", nil))

	assert.Equal(t, before+2, testutil.ToFloat64(HTTPRequestsTotal.WithLabelValues("GET", "/v1/admin/tenants/:id", "4xx")))
	assert.Equal(t, unmatched+1, testutil.ToFloat64(HTTPRequestsTotal.WithLabelValues("GET", "unmatched", "4xx")))
}

func TestRegisterDB(t *testing.T) {
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	defer db.Close()

	require.NoError(t, RegisterDB(db, "metrics_test"))
	require.NoError(t, RegisterDB(db, "metrics_test"), "re-registration is tolerated")

	assert.Contains(t, scrape(t), `go_sql_open_connections{db_name="metrics_test"}`)
}
