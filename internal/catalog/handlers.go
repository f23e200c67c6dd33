package catalog

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/peopledesk/internal/permission"
	"github.com/mbd888/peopledesk/internal/validation"
	"github.com/shopspring/decimal"
)

// Handler provides HTTP endpoints for the package registry.
type Handler struct {
	store Store
}

// NewHandler creates a new catalog handler.
func NewHandler(store Store) *Handler {
	return &Handler{store: store}
}

// RegisterRoutes sets up the public read routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/packages", h.ListPackages)
	r.GET("/packages/options", h.ListOptions)
	r.GET("/packages/:id", h.GetPackage)
}

// RegisterAdminRoutes sets up package management routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/packages", h.CreatePackage)
	r.PUT("/packages/:id", h.UpdatePackage)
	r.DELETE("/packages/:id", h.DeletePackage)
}

type packageRequest struct {
	Name         string                  `json:"name" binding:"required"`
	Permissions  []permission.Permission `json:"permissions"`
	MonthlyFee   decimal.Decimal         `json:"monthlyFee"`
	YearlyFee    decimal.Decimal         `json:"yearlyFee"`
	IsFreeTrial  bool                    `json:"isFreeTrial"`
	MaxEmployees int                     `json:"maxEmployees"`
	MaxUsers     int                     `json:"maxUsers"`
}

func (r *packageRequest) validate() string {
	if strings.TrimSpace(r.Name) == "" {
		return "name is required"
	}
	if r.MonthlyFee.IsNegative() || r.YearlyFee.IsNegative() {
		return "fees must not be negative"
	}
	if r.MaxEmployees < 0 || r.MaxUsers < 0 {
		return "limits must not be negative"
	}
	for _, p := range r.Permissions {
		if p.ID <= 0 || strings.TrimSpace(p.Name) == "" {
			return "every permission needs a positive id and a name"
		}
	}
	return ""
}

func (r *packageRequest) apply(p *Package) {
	p.Name = validation.SanitizeString(r.Name, 120)
	p.Permissions = permission.List(r.Permissions).Dedupe()
	p.MonthlyFee = r.MonthlyFee.Round(2)
	p.YearlyFee = r.YearlyFee.Round(2)
	p.IsFreeTrial = r.IsFreeTrial
	p.MaxEmployees = r.MaxEmployees
	p.MaxUsers = r.MaxUsers
}

// ListPackages handles GET /v1/packages
func (h *Handler) ListPackages(c *gin.Context) {
	pkgs, err := h.store.List(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "failed to list packages"})
		return
	}
	if pkgs == nil {
		pkgs = []*Package{}
	}
	c.JSON(http.StatusOK, gin.H{"packages": pkgs, "count": len(pkgs)})
}

// ListOptions handles GET /v1/packages/options
func (h *Handler) ListOptions(c *gin.Context) {
	opts, err := h.store.ListSelectable(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "failed to list packages"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"packages": opts})
}

// GetPackage handles GET /v1/packages/:id
func (h *Handler) GetPackage(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	pkg, err := h.store.FindByID(c.Request.Context(), id)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"package": pkg})
}

// CreatePackage handles POST /v1/packages (admin only).
func (h *Handler) CreatePackage(c *gin.Context) {
	var req packageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "name is required"})
		return
	}
	if msg := req.validate(); msg != "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": msg})
		return
	}

	now := time.Now().UTC()
	pkg := &Package{CreatedAt: now, UpdatedAt: now}
	req.apply(pkg)

	if err := h.store.Create(c.Request.Context(), pkg); err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"package": pkg})
}

// UpdatePackage handles PUT /v1/packages/:id (admin only). Tenants already on
// the package keep their permissions until renewed or switched.
func (h *Handler) UpdatePackage(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	var req packageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "name is required"})
		return
	}
	if msg := req.validate(); msg != "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": msg})
		return
	}

	ctx := c.Request.Context()
	pkg, err := h.store.FindByID(ctx, id)
	if err != nil {
		h.writeError(c, err)
		return
	}
	req.apply(pkg)
	pkg.UpdatedAt = time.Now().UTC()

	if err := h.store.Update(ctx, pkg); err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"package": pkg})
}

// DeletePackage handles DELETE /v1/packages/:id (admin only).
func (h *Handler) DeletePackage(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	if err := h.store.Delete(c.Request.Context(), id); err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "package deleted"})
}

func (h *Handler) writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrPackageNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "package not found"})
	case errors.Is(err, ErrNameTaken):
		c.JSON(http.StatusConflict, gin.H{"error": "name_taken", "message": "package name already in use"})
	case errors.Is(err, ErrPackageInUse):
		c.JSON(http.StatusConflict, gin.H{"error": "package_in_use", "message": "package is assigned to tenants"})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "package operation failed"})
	}
}

func parseID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "invalid package id"})
		return 0, false
	}
	return id, true
}
