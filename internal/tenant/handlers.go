package tenant

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/peopledesk/internal/catalog"
	"github.com/mbd888/peopledesk/internal/pagination"
)

// PackageFinder resolves package names for the directory read model.
type PackageFinder interface {
	FindByID(ctx context.Context, id int64) (*catalog.Package, error)
}

// Handler provides read-only HTTP endpoints for the tenant directory.
// Mutations live with the provisioner and subscription handlers.
type Handler struct {
	store    Store
	packages PackageFinder
}

// NewHandler creates a new tenant handler.
func NewHandler(store Store, packages PackageFinder) *Handler {
	return &Handler{store: store, packages: packages}
}

// RegisterAdminRoutes sets up the admin-only directory routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.GET("/tenants", h.ListTenants)
	r.GET("/tenants/:id", h.GetTenant)
}

type listingView struct {
	*Listing
	PackageName string `json:"packageName,omitempty"`
}

// ListTenants handles GET /v1/tenants?packageId=&status=&limit=&cursor=
func (h *Handler) ListTenants(c *gin.Context) {
	opts := ListOptions{
		Status: Status(c.Query("status")),
		Limit:  pagination.ParseLimit(c.Query("limit"), 50, 500),
	}
	if v := c.Query("packageId"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "packageId must be an integer"})
			return
		}
		opts.PackageID = id
	}
	cursor, err := pagination.Decode(c.Query("cursor"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "invalid cursor"})
		return
	}
	opts.After = cursor

	ctx := c.Request.Context()
	limit := opts.Limit
	opts.Limit++
	listings, err := h.store.List(ctx, opts)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "failed to list tenants"})
		return
	}
	page := pagination.Paginate(listings, limit, func(l *Listing) pagination.Cursor {
		return pagination.Cursor{CreatedAt: l.Tenant.CreatedAt, ID: l.Tenant.ID}
	})

	names := make(map[int64]string)
	views := make([]listingView, 0, len(page.Items))
	for _, l := range page.Items {
		views = append(views, listingView{Listing: l, PackageName: h.packageName(ctx, names, l.Tenant.PackageID)})
	}
	c.JSON(http.StatusOK, gin.H{"tenants": views, "count": len(views), "nextCursor": page.NextCursor, "hasMore": page.HasMore})
}

// GetTenant handles GET /v1/tenants/:id
func (h *Handler) GetTenant(c *gin.Context) {
	ctx := c.Request.Context()
	id := c.Param("id")

	t, err := h.store.Get(ctx, id)
	if err != nil {
		if errors.Is(err, ErrTenantNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "tenant not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "failed to load tenant"})
		return
	}

	resp := gin.H{"tenant": t}
	if cust, err := h.store.GetCustomer(ctx, id); err == nil {
		resp["customer"] = cust
	}
	if d, err := h.store.GetDomain(ctx, id); err == nil {
		resp["domain"] = d
	}
	if pkg, err := h.packages.FindByID(ctx, t.PackageID); err == nil {
		resp["package"] = pkg
	}
	c.JSON(http.StatusOK, resp)
}

func (h *Handler) packageName(ctx context.Context, cache map[int64]string, id int64) string {
	if name, ok := cache[id]; ok {
		return name
	}
	name := ""
	if pkg, err := h.packages.FindByID(ctx, id); err == nil {
		name = pkg.Name
	}
	cache[id] = name
	return name
}
