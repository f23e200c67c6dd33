package payment

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/peopledesk/internal/apperr"
	"github.com/mbd888/peopledesk/internal/logging"
	"github.com/mbd888/peopledesk/internal/metrics"
	stripe "github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/webhook"
)

const webhookBodyLimit = 1 << 20

// Completer finishes the operation a confirmed payment was for.
type Completer interface {
	Complete(ctx context.Context, correlationID string) (apperr.Result, error)
}

// CompleterFunc adapts a function to Completer.
type CompleterFunc func(ctx context.Context, correlationID string) (apperr.Result, error)

func (f CompleterFunc) Complete(ctx context.Context, correlationID string) (apperr.Result, error) {
	return f(ctx, correlationID)
}

// Handler receives payment confirmations.
type Handler struct {
	webhookSecret string
	completers    map[Purpose]Completer
}

// NewHandler creates a payment callback handler.
func NewHandler(webhookSecret string) *Handler {
	return &Handler{
		webhookSecret: webhookSecret,
		completers:    make(map[Purpose]Completer),
	}
}

// OnComplete routes confirmed payments for purpose to c.
func (h *Handler) OnComplete(purpose Purpose, c Completer) *Handler {
	h.completers[purpose] = c
	return h
}

// RegisterRoutes sets up the public provider callback.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/payments/stripe/webhook", h.StripeWebhook)
}

// RegisterAdminRoutes sets up manual confirmation of offline payments.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/payments/:correlationId/confirm", h.ConfirmOffline)
}

// StripeWebhook handles POST /v1/payments/stripe/webhook
func (h *Handler) StripeWebhook(c *gin.Context) {
	eventType := "unknown"
	result := "ok"
	defer func() {
		metrics.PaymentWebhooksTotal.WithLabelValues(eventType, result).Inc()
	}()

	if strings.TrimSpace(h.webhookSecret) == "" {
		result = "unconfigured"
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error":   "webhook_unconfigured",
			"message": "Webhook secret not configured",
		})
		return
	}

	payload, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, webhookBodyLimit))
	if err != nil {
		result = "bad_request"
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Failed to read request body",
		})
		return
	}

	event, err := webhook.ConstructEventWithOptions(payload, c.GetHeader("Stripe-Signature"), h.webhookSecret,
		webhook.ConstructEventOptions{IgnoreAPIVersionMismatch: true})
	if err != nil {
		result = "bad_signature"
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_signature",
			"message": "Invalid Stripe signature",
		})
		return
	}
	eventType = string(event.Type)

	// Delayed methods (bank debits) report paid only on the async event.
	if event.Type != stripe.EventTypeCheckoutSessionCompleted &&
		event.Type != stripe.EventTypeCheckoutSessionAsyncPaymentSucceeded {
		result = "ignored"
		c.JSON(http.StatusOK, gin.H{"received": true})
		return
	}

	var sess stripe.CheckoutSession
	if err := json.Unmarshal(event.Data.Raw, &sess); err != nil {
		result = "bad_payload"
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_payload",
			"message": "Malformed checkout session",
		})
		return
	}
	if sess.PaymentStatus != stripe.CheckoutSessionPaymentStatusPaid {
		result = "unpaid"
		c.JSON(http.StatusOK, gin.H{"received": true})
		return
	}

	correlationID := sess.Metadata[MetaCorrelationID]
	if correlationID == "" {
		correlationID = sess.ClientReferenceID
	}
	res, err := h.dispatch(c.Request.Context(), Purpose(sess.Metadata[MetaPurpose]), correlationID)
	if err != nil {
		log := logging.L(c.Request.Context())
		switch {
		case apperr.Is(err, apperr.KindNotFound):
			// Already handled; acknowledge so the provider stops retrying.
			result = string(apperr.KindNotFound)
			log.Info("payment already completed",
				"event_id", event.ID, "correlation_id", correlationID)
			c.JSON(http.StatusOK, gin.H{"received": true, "message": res.Message})
		case apperr.Is(err, apperr.KindConflict), apperr.Is(err, apperr.KindValidation):
			// Retrying cannot succeed. The money was taken, so acknowledge and
			// leave the refund to an operator.
			result = "needs_refund"
			log.Error("paid checkout cannot be completed, refund required",
				"event_id", event.ID, "checkout_session", sess.ID, "payment_intent", paymentIntentID(&sess),
				"correlation_id", correlationID, "needs_refund", true, "error", err)
			c.JSON(http.StatusOK, gin.H{"received": true, "needs_refund": true, "message": res.Message})
		default:
			result = string(apperr.KindOf(err))
			log.Error("payment completion failed",
				"event_id", event.ID, "correlation_id", correlationID, "error", err)
			c.JSON(res.StatusCode, gin.H{"error": res.Code, "message": res.Message})
		}
		return
	}
	c.JSON(http.StatusOK, gin.H{"received": true, "message": res.Message})
}

func paymentIntentID(sess *stripe.CheckoutSession) string {
	if sess.PaymentIntent == nil {
		return ""
	}
	return sess.PaymentIntent.ID
}

type confirmRequest struct {
	Purpose Purpose `json:"purpose" binding:"required"`
}

// ConfirmOffline handles POST /v1/payments/:correlationId/confirm
func (h *Handler) ConfirmOffline(c *gin.Context) {
	var req confirmRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "purpose is required",
		})
		return
	}

	res, err := h.dispatch(c.Request.Context(), req.Purpose, c.Param("correlationId"))
	if err != nil {
		c.JSON(res.StatusCode, gin.H{"error": res.Code, "message": res.Message})
		return
	}
	c.JSON(res.StatusCode, res)
}

func (h *Handler) dispatch(ctx context.Context, purpose Purpose, correlationID string) (apperr.Result, error) {
	if correlationID == "" {
		err := apperr.Validation("missing correlation id")
		return apperr.From(err), err
	}
	completer, ok := h.completers[purpose]
	if !ok {
		err := apperr.Validation(fmt.Sprintf("unknown payment purpose %q", purpose))
		return apperr.From(err), err
	}
	res, err := completer.Complete(ctx, correlationID)
	if err != nil {
		return apperr.From(err), err
	}
	return res, nil
}
