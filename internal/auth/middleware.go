package auth

import (
	"crypto/subtle"
	"net/http"

	"github.com/gin-gonic/gin"
)

const (
	// HeaderAdminSecret carries the landlord admin secret.
	HeaderAdminSecret = "X-Admin-Secret"
	// ContextKeyAdmin is set on requests that passed RequireAdmin.
	ContextKeyAdmin = "authAdmin"
)

// RequireAdmin rejects requests that do not present the admin secret.
// An empty secret disables the check (development only; config validation
// refuses it in production).
func RequireAdmin(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if secret == "" {
			c.Set(ContextKeyAdmin, true)
			c.Next()
			return
		}

		provided := c.GetHeader(HeaderAdminSecret)
		if provided == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "admin secret required. Include the 'X-Admin-Secret' header.",
			})
			return
		}
		if subtle.ConstantTimeCompare([]byte(provided), []byte(secret)) != 1 {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":   "forbidden",
				"message": "invalid admin secret",
			})
			return
		}
		c.Set(ContextKeyAdmin, true)
		c.Next()
	}
}

// IsAdmin reports whether the request passed RequireAdmin.
func IsAdmin(c *gin.Context) bool {
	return c.GetBool(ContextKeyAdmin)
}
