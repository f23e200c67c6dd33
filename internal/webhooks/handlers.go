package webhooks

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/peopledesk/internal/idgen"
	"github.com/mbd888/peopledesk/internal/realtime"
	"github.com/mbd888/peopledesk/internal/security"
)

// Handler serves the operator webhook registry under /v1/admin.
type Handler struct {
	store        Store
	dispatcher   *Dispatcher
	urlValidator func(string) error
}

func NewHandler(store Store, dispatcher *Dispatcher) *Handler {
	return &Handler{
		store:        store,
		dispatcher:   dispatcher,
		urlValidator: security.ValidateEndpointURL,
	}
}

func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/webhooks", h.CreateWebhook)
	r.GET("/webhooks", h.ListWebhooks)
	r.DELETE("/webhooks/:webhookId", h.DeleteWebhook)
	r.POST("/webhooks/:webhookId/reactivate", h.ReactivateWebhook)
	r.POST("/webhooks/:webhookId/ping", h.PingWebhook)
}

type CreateWebhookRequest struct {
	URL    string   `json:"url" binding:"required"`
	Events []string `json:"events" binding:"required,min=1"`
}

func fail(c *gin.Context, status int, code, message string) {
	c.JSON(status, gin.H{"error": code, "message": message})
}

// CreateWebhook handles POST /v1/admin/webhooks. The signing secret is
// returned here and never again.
func (h *Handler) CreateWebhook(c *gin.Context) {
	var req CreateWebhookRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "invalid_request", "url and at least one event are required")
		return
	}
	if err := h.urlValidator(req.URL); err != nil {
		fail(c, http.StatusBadRequest, "invalid_url", err.Error())
		return
	}

	events := make([]realtime.EventType, 0, len(req.Events))
	for _, e := range req.Events {
		et := realtime.EventType(e)
		if !realtime.Known(et) {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_request",
				"message": "unknown event type: " + e,
				"allowed": realtime.EventTypes,
			})
			return
		}
		events = append(events, et)
	}

	sub := &Subscription{
		ID:        idgen.WithPrefix("wh_"),
		URL:       req.URL,
		Secret:    idgen.Hex(32),
		Events:    events,
		Active:    true,
		CreatedAt: time.Now().UTC(),
	}
	if err := h.store.Create(c.Request.Context(), sub); err != nil {
		fail(c, http.StatusInternalServerError, "create_failed", "Failed to create webhook")
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"webhook": sub,
		"secret":  sub.Secret,
		"usage": gin.H{
			"signature": "hex HMAC-SHA256 of the raw body, keyed by secret",
			"header":    HeaderSignature,
		},
	})
}

func (h *Handler) ListWebhooks(c *gin.Context) {
	subs, err := h.store.List(c.Request.Context())
	if err != nil {
		fail(c, http.StatusInternalServerError, "list_failed", "Failed to list webhooks")
		return
	}
	c.JSON(http.StatusOK, gin.H{"webhooks": subs, "count": len(subs)})
}

func (h *Handler) DeleteWebhook(c *gin.Context) {
	if err := h.store.Delete(c.Request.Context(), c.Param("webhookId")); err != nil {
		h.storeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "deleted"})
}

// ReactivateWebhook re-enables a subscription switched off after repeated
// delivery failures and clears its failure count.
func (h *Handler) ReactivateWebhook(c *gin.Context) {
	ctx := c.Request.Context()
	sub, err := h.store.Get(ctx, c.Param("webhookId"))
	if err != nil {
		h.storeError(c, err)
		return
	}
	sub.Active = true
	sub.ConsecutiveFailures = 0
	sub.LastError = ""
	if err := h.store.Update(ctx, sub); err != nil {
		h.storeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"webhook": sub})
}

// PingWebhook sends a test event and reports the endpoint's answer.
func (h *Handler) PingWebhook(c *gin.Context) {
	ctx := c.Request.Context()
	sub, err := h.store.Get(ctx, c.Param("webhookId"))
	if err != nil {
		h.storeError(c, err)
		return
	}
	if err := h.dispatcher.Ping(ctx, sub); err != nil {
		fail(c, http.StatusBadGateway, "delivery_failed", err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "delivered", "webhook": sub})
}

func (h *Handler) storeError(c *gin.Context, err error) {
	if errors.Is(err, ErrNotFound) {
		fail(c, http.StatusNotFound, "not_found", "webhook not found")
		return
	}
	fail(c, http.StatusInternalServerError, "store_error", "webhook store unavailable")
}
