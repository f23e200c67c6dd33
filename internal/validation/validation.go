// Package validation checks and normalizes request fields.
package validation

import (
	"net/http"
	"net/mail"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/gin-gonic/gin"
)

// MaxRequestSize caps request bodies at 1MB.
const MaxRequestSize = 1 << 20

var (
	labelPattern    = regexp.MustCompile(`^[a-z0-9]([a-z0-9-]{0,61}[a-z0-9])?$`)
	hostPattern     = regexp.MustCompile(`^([a-z0-9]([a-z0-9-]{0,61}[a-z0-9])?\.)+[a-z]{2,63}$`)
	phonePattern    = regexp.MustCompile(`^\+?[0-9][0-9 ()-]{5,19}$`)
	tenantIDPattern = regexp.MustCompile(`^ten_[a-f0-9]{24}$`)
)

// Subdomains the landlord keeps for itself.
var reserved = map[string]struct{}{
	"www": {}, "api": {}, "admin": {}, "app": {}, "mail": {}, "landlord": {},
}

// RequestSizeMiddleware rejects bodies larger than limit bytes.
func RequestSizeMiddleware(limit int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, limit)
		c.Next()
	}
}

// IsValidEmail reports whether s is one bare address with no display name.
func IsValidEmail(s string) bool {
	addr, err := mail.ParseAddress(s)
	return err == nil && addr.Name == "" && addr.Address == s
}

// IsValidSubdomain reports whether s is a lowercase DNS label nobody reserved.
func IsValidSubdomain(s string) bool {
	if !labelPattern.MatchString(s) {
		return false
	}
	_, taken := reserved[s]
	return !taken
}

func IsValidDomain(s string) bool {
	return len(s) <= 253 && hostPattern.MatchString(s)
}

func IsValidPhone(s string) bool {
	return phonePattern.MatchString(s)
}

func IsValidTenantID(s string) bool {
	return tenantIDPattern.MatchString(s)
}

// SanitizeString trims s, drops NUL bytes and cuts it to at most max bytes
// without splitting a UTF-8 sequence.
func SanitizeString(s string, max int) string {
	s = strings.ReplaceAll(strings.TrimSpace(s), "\x00", "")
	if len(s) <= max {
		return s
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}

func NormalizeEmail(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// NormalizeHost lower-cases s and strips a trailing root dot.
func NormalizeHost(s string) string {
	return strings.TrimSuffix(NormalizeEmail(s), ".")
}

// FieldError describes one rejected field.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// Errors collects at most one problem per field, in the order found.
//
//	var errs validation.Errors
//	errs.Required("email", req.Email)
//	errs.Check("email", validation.IsValidEmail(req.Email), "must be a valid email address")
//	if err := errs.Err(); err != nil { ... }
type Errors []FieldError

// Check records message for field unless ok holds or field already failed.
func (e *Errors) Check(field string, ok bool, message string) {
	if ok || e.failed(field) {
		return
	}
	*e = append(*e, FieldError{Field: field, Message: message})
}

func (e *Errors) Required(field, value string) {
	e.Check(field, strings.TrimSpace(value) != "", "is required")
}

// Length records a failure unless min <= len(value) <= max.
func (e *Errors) Length(field, value string, min, max int) {
	e.Check(field, len(value) >= min, "is too short")
	e.Check(field, len(value) <= max, "exceeds maximum length")
}

func (e Errors) failed(field string) bool {
	for _, fe := range e {
		if fe.Field == field {
			return true
		}
	}
	return false
}

// Err returns nil when nothing failed.
func (e Errors) Err() error {
	if len(e) == 0 {
		return nil
	}
	return e
}

// Error reports the first failure.
func (e Errors) Error() string {
	if len(e) == 0 {
		return "validation failed"
	}
	return e[0].Field + ": " + e[0].Message
}

// TenantIDParamMiddleware rejects requests whose :id is not a tenant id.
func TenantIDParamMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if id := c.Param("id"); id != "" && !IsValidTenantID(id) {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_tenant_id",
				"message": "tenant id must look like ten_ followed by 24 hex chars",
			})
			return
		}
		c.Next()
	}
}
