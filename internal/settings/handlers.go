package settings

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/peopledesk/internal/validation"
)

// Handler provides HTTP endpoints for the landlord general settings.
type Handler struct {
	store Store
}

// NewHandler creates a new settings handler.
func NewHandler(store Store) *Handler {
	return &Handler{store: store}
}

// RegisterAdminRoutes sets up the settings routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.GET("/settings", h.GetSettings)
	r.PUT("/settings", h.UpdateSettings)
}

// GetSettings handles GET /v1/settings
func (h *Handler) GetSettings(c *gin.Context) {
	g, err := h.store.Get(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "failed to load settings"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"settings": g})
}

// UpdateSettings handles PUT /v1/settings
func (h *Handler) UpdateSettings(c *gin.Context) {
	var req struct {
		SiteTitle      string `json:"siteTitle" binding:"required"`
		CurrencyCode   string `json:"currencyCode" binding:"required"`
		DateFormat     string `json:"dateFormat"`
		FreeTrialLimit int    `json:"freeTrialLimit"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "siteTitle and currencyCode are required"})
		return
	}
	code := strings.ToUpper(strings.TrimSpace(req.CurrencyCode))
	if len(code) != 3 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "currencyCode must be an ISO 4217 code"})
		return
	}
	if req.FreeTrialLimit < 1 || req.FreeTrialLimit > 365 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "freeTrialLimit must be between 1 and 365 days"})
		return
	}

	g := General{
		SiteTitle:      validation.SanitizeString(req.SiteTitle, 120),
		CurrencyCode:   code,
		DateFormat:     validation.SanitizeString(req.DateFormat, 20),
		FreeTrialLimit: req.FreeTrialLimit,
		UpdatedAt:      time.Now().UTC(),
	}
	if g.DateFormat == "" {
		g.DateFormat = Defaults().DateFormat
	}
	if err := h.store.Put(c.Request.Context(), g); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "failed to save settings"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"settings": g})
}
