package subscription

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/peopledesk/internal/apperr"
	"github.com/mbd888/peopledesk/internal/catalog"
	"github.com/mbd888/peopledesk/internal/tenant"
)

// Handler provides HTTP endpoints for renewals and package switches.
type Handler struct {
	service *Service
}

// NewHandler creates a new subscription handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up the customer renewal route.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/renewals", h.RequestRenewal)
}

// RegisterAdminRoutes sets up operator renewal and package switch routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/tenants/:id/renew", h.Renew)
	r.POST("/tenants/:id/package", h.SwitchPackage)
}

type renewBody struct {
	ExpiryDate       string `json:"expiryDate" binding:"required"`
	SubscriptionType string `json:"subscriptionType" binding:"required"`
}

// Renew handles POST /v1/admin/tenants/:id/renew
func (h *Handler) Renew(c *gin.Context) {
	var body renewBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "expiryDate and subscriptionType are required",
		})
		return
	}
	expiry, err := time.Parse(tenant.DateLayout, body.ExpiryDate)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "expiryDate must be YYYY-MM-DD",
		})
		return
	}
	subType, ok := catalog.ParseSubscriptionType(body.SubscriptionType)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "subscriptionType must be monthly or yearly",
		})
		return
	}

	res, err := h.service.Renew(c.Request.Context(), RenewRequest{
		TenantID:         c.Param("id"),
		ExpiryDate:       expiry,
		SubscriptionType: subType,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Subscription renewed", "renewal": res})
}

// SwitchPackage handles POST /v1/admin/tenants/:id/package
func (h *Handler) SwitchPackage(c *gin.Context) {
	var body struct {
		PackageID int64 `json:"packageId" binding:"required"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "packageId is required",
		})
		return
	}

	res, err := h.service.SwitchPackage(c.Request.Context(), c.Param("id"), body.PackageID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Package switched", "switch": res})
}

// RequestRenewal handles POST /v1/renewals
func (h *Handler) RequestRenewal(c *gin.Context) {
	var req RenewalCheckout
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "tenantId, email, password and packageId are required",
		})
		return
	}

	res, err := h.service.RequestRenewal(c.Request.Context(), req)
	if err != nil {
		writeError(c, err)
		return
	}
	if res.Outcome == OutcomePendingPayment {
		c.JSON(http.StatusAccepted, gin.H{"message": "Complete the payment to renew", "renewal": res})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Subscription renewed", "renewal": res})
}

func writeError(c *gin.Context, err error) {
	res := apperr.From(err)
	c.JSON(res.StatusCode, gin.H{
		"error":   res.Code,
		"message": res.Message,
	})
}
