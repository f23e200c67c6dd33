// Package security provides HTTP hardening for the landlord API.
package security

import (
	"net/http"
	"slices"
	"strings"

	"github.com/gin-gonic/gin"
)

// baseHeaders go on every response. The API serves JSON only; the operator
// event stream is the one allowed connection.
var baseHeaders = [][2]string{
	{"X-Content-Type-Options", "nosniff"},
	{"X-Frame-Options", "DENY"},
	{"Referrer-Policy", "no-referrer"},
	{"Content-Security-Policy", "default-src 'none'; connect-src 'self' ws: wss:; frame-ancestors 'none'"},
	{"Cross-Origin-Resource-Policy", "same-site"},
	{"Permissions-Policy", "geolocation=(), microphone=(), camera=()"},
	// Tenant and signup responses carry personal data.
	{"Cache-Control", "no-store"},
}

const hsts = "max-age=63072000; includeSubDomains"

// HeadersMiddleware adds the hardening headers. HSTS is sent only when
// strictTransport is set, because the central domain is served over plain
// http in development.
func HeadersMiddleware(strictTransport bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		h := c.Writer.Header()
		for _, kv := range baseHeaders {
			h.Set(kv[0], kv[1])
		}
		if strictTransport {
			h.Set("Strict-Transport-Security", hsts)
		}
		c.Next()
	}
}

// CORSConfig lists who may call the API from a browser.
type CORSConfig struct {
	// AllowedOrigins holds exact origins; "*" allows any origin without
	// credentials.
	AllowedOrigins []string

	// AllowedHeaders are sent in preflight answers.
	AllowedHeaders []string
}

// DefaultCORSConfig allows the signup site at publicBaseURL. Development
// allows any origin.
func DefaultCORSConfig(publicBaseURL string, development bool) CORSConfig {
	cfg := CORSConfig{
		AllowedOrigins: []string{strings.TrimRight(publicBaseURL, "/")},
		AllowedHeaders: []string{"Content-Type", "X-Request-ID", "X-Admin-Secret"},
	}
	if development {
		cfg.AllowedOrigins = []string{"*"}
	}
	return cfg
}

// CORSMiddleware answers preflights and tags responses for allowed origins.
// Preflights from other origins get 403; simple requests pass without CORS
// headers so the browser blocks them.
func CORSMiddleware(cfg CORSConfig) gin.HandlerFunc {
	wildcard := slices.Contains(cfg.AllowedOrigins, "*")
	allowedHeaders := strings.Join(cfg.AllowedHeaders, ", ")

	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		c.Writer.Header().Add("Vary", "Origin")

		allowed := origin != "" && (wildcard || slices.Contains(cfg.AllowedOrigins, origin))
		if allowed {
			h := c.Writer.Header()
			h.Set("Access-Control-Allow-Origin", origin)
			if !wildcard {
				h.Set("Access-Control-Allow-Credentials", "true")
			}
		}

		if c.Request.Method == http.MethodOptions && c.GetHeader("Access-Control-Request-Method") != "" {
			if !allowed {
				c.AbortWithStatus(http.StatusForbidden)
				return
			}
			h := c.Writer.Header()
			h.Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			h.Set("Access-Control-Allow-Headers", allowedHeaders)
			h.Set("Access-Control-Max-Age", "86400")
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}
