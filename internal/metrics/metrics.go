// Package metrics provides Prometheus instrumentation for the PeopleDesk landlord.
package metrics

import (
	"database/sql"
	"errors"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "peopledesk"

var (
	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, path pattern, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// ReconciliationsTotal counts permission reconciliations by result.
	ReconciliationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconciliations_total",
			Help:      "Total permission reconciliations by result (success or error kind).",
		},
		[]string{"result"},
	)

	// PermissionRowsTotal counts tenant-local permission rows changed by reconciliation.
	PermissionRowsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "permission_rows_total",
			Help:      "Tenant-local permission rows changed by reconciliation, by operation.",
		},
		[]string{"op"}, // inserted, deleted
	)

	// CompensationsTotal counts saga compensations by operation and outcome.
	CompensationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "compensations_total",
			Help:      "Compensating actions run after a failed landlord write.",
		},
		[]string{"operation", "result"},
	)

	// ProvisioningsTotal counts signups by mode (free_trial, paid) and result.
	ProvisioningsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provisionings_total",
			Help:      "Tenant provisioning attempts by mode and result.",
		},
		[]string{"mode", "result"},
	)

	// ProvisioningDuration observes how long building a tenant database takes.
	ProvisioningDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "provisioning_duration_seconds",
		Help:      "Time to create, migrate and seed a tenant database.",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	})

	// DeprovisionsTotal counts tenant deletions by result.
	DeprovisionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deprovisions_total",
			Help:      "Tenant deprovisioning attempts by result.",
		},
		[]string{"result"},
	)

	// RenewalsTotal counts subscription renewals by result.
	RenewalsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "renewals_total",
			Help:      "Subscription renewals by result.",
		},
		[]string{"result"},
	)

	// PaymentWebhooksTotal counts payment provider callbacks by event type and result.
	PaymentWebhooksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "payment_webhooks_total",
			Help:      "Payment provider webhook deliveries by event type and result.",
		},
		[]string{"event", "result"},
	)

	// RateLimitedTotal counts requests rejected by the rate limiter, by scope.
	RateLimitedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limited_total",
			Help:      "Requests rejected by the rate limiter.",
		},
		[]string{"scope"},
	)

	// ActiveWebSocketClients tracks connected WebSocket clients.
	ActiveWebSocketClients = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_websocket_clients",
			Help:      "Number of currently connected WebSocket clients.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		ReconciliationsTotal,
		PermissionRowsTotal,
		CompensationsTotal,
		ProvisioningsTotal,
		ProvisioningDuration,
		DeprovisionsTotal,
		RenewalsTotal,
		PaymentWebhooksTotal,
		RateLimitedTotal,
		ActiveWebSocketClients,
	)
}

// RegisterDB exports pool statistics for db under the db_name label.
// Registering the same name twice is not an error.
func RegisterDB(db *sql.DB, name string) error {
	err := prometheus.Register(collectors.NewDBStatsCollector(db, name))
	var are prometheus.AlreadyRegisteredError
	if errors.As(err, &are) {
		return nil
	}
	return err
}

// Middleware records request counts and latency labelled by route
// template. Requests that match no route share the "unmatched" label.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		HTTPRequestDuration.WithLabelValues(c.Request.Method, route).Observe(time.Since(start).Seconds())
		HTTPRequestsTotal.WithLabelValues(c.Request.Method, route, statusBucket(c.Writer.Status())).Inc()
	}
}

// Handler returns the Prometheus metrics HTTP handler for /metrics endpoint.
func Handler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

// statusBucket groups HTTP status codes into buckets (2xx, 3xx, 4xx, 5xx).
func statusBucket(code int) string {
	switch {
	case code < 200:
		return "1xx"
	case code < 300:
		return "2xx"
	case code < 400:
		return "3xx"
	case code < 500:
		return "4xx"
	default:
		return "5xx"
	}
}
