package provisioner

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/peopledesk/internal/apperr"
)

// Handler provides HTTP endpoints for signup and deprovisioning.
type Handler struct {
	service *Service
}

// NewHandler creates a new provisioner handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up the public signup route.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/signup", h.Signup)
}

// RegisterAdminRoutes sets up tenant removal.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.DELETE("/tenants/:id", h.DeleteTenant)
}

// Signup handles POST /v1/signup
func (h *Handler) Signup(c *gin.Context) {
	var req SignupRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "companyName, firstName, lastName, contactNo, email, username, password, subdomain and packageId are required",
		})
		return
	}

	res, err := h.service.Provision(c.Request.Context(), req)
	if err != nil {
		writeError(c, err)
		return
	}

	if res.Outcome == OutcomePendingPayment {
		c.JSON(http.StatusAccepted, gin.H{
			"message": "Complete the payment to activate your account",
			"signup":  res,
		})
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"message": "Tenant created",
		"signup":  res,
	})
}

// DeleteTenant handles DELETE /v1/tenants/:id
func (h *Handler) DeleteTenant(c *gin.Context) {
	if err := h.service.Deprovision(c.Request.Context(), c.Param("id")); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, apperr.Success("Tenant deleted", http.StatusOK))
}

func writeError(c *gin.Context, err error) {
	res := apperr.From(err)
	c.JSON(res.StatusCode, gin.H{
		"error":   res.Code,
		"message": res.Message,
	})
}
