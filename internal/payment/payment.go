// Package payment hands signups and renewals that cost money to a payment
// provider and routes the provider's success callback back to the landlord.
package payment

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/mbd888/peopledesk/internal/catalog"
	"github.com/shopspring/decimal"
)

var (
	ErrUnsupportedMethod = errors.New("payment: unsupported payment method")
	ErrInvalidCheckout   = errors.New("payment: invalid checkout")
)

// Purpose says which completer a confirmed payment is routed to.
type Purpose string

const (
	PurposeSignup  Purpose = "signup"
	PurposeRenewal Purpose = "renewal"
)

// Payment methods accepted at signup and renewal.
const (
	MethodStripe  = "stripe"
	MethodOffline = "offline"
)

// Metadata keys attached to provider sessions.
const (
	MetaCorrelationID = "correlation_id"
	MetaPurpose       = "purpose"
	MetaTenantID      = "tenant_id"
)

// Checkout is everything a gateway needs to start collecting a payment.
type Checkout struct {
	CorrelationID    string                   `json:"correlationId"`
	Purpose          Purpose                  `json:"purpose"`
	Method           string                   `json:"method"`
	TenantID         string                   `json:"tenantId,omitempty"`
	PackageName      string                   `json:"packageName"`
	SubscriptionType catalog.SubscriptionType `json:"subscriptionType"`
	Amount           decimal.Decimal          `json:"amount"`
	Currency         string                   `json:"currency"`
	CustomerEmail    string                   `json:"customerEmail,omitempty"`
}

// Validate checks the fields every gateway relies on.
func (c Checkout) Validate() error {
	switch {
	case c.CorrelationID == "":
		return fmt.Errorf("%w: missing correlation id", ErrInvalidCheckout)
	case c.Purpose != PurposeSignup && c.Purpose != PurposeRenewal:
		return fmt.Errorf("%w: unknown purpose %q", ErrInvalidCheckout, c.Purpose)
	case !c.Amount.IsPositive():
		return fmt.Errorf("%w: amount must be positive", ErrInvalidCheckout)
	case len(c.Currency) != 3:
		return fmt.Errorf("%w: currency must be a 3-letter code", ErrInvalidCheckout)
	}
	return nil
}

// MinorUnits converts the amount to the currency's smallest unit (cents).
func (c Checkout) MinorUnits() int64 {
	return c.Amount.Mul(decimal.NewFromInt(100)).Round(0).IntPart()
}

// Description is the line item label shown by the provider.
func (c Checkout) Description() string {
	return fmt.Sprintf("%s (%s)", c.PackageName, c.SubscriptionType)
}

// Redirect is where the customer is sent to complete the payment.
type Redirect struct {
	URL       string `json:"url"`
	SessionID string `json:"sessionId,omitempty"`
}

// Gateway starts a payment.
type Gateway interface {
	InitiatePayment(ctx context.Context, checkout Checkout) (*Redirect, error)
}

// Router dispatches a checkout to the gateway registered for its method.
type Router struct {
	gateways map[string]Gateway
}

// NewRouter creates an empty router.
func NewRouter() *Router {
	return &Router{gateways: make(map[string]Gateway)}
}

// Register binds method to g.
func (r *Router) Register(method string, g Gateway) *Router {
	r.gateways[strings.ToLower(method)] = g
	return r
}

// Supports reports whether method has a gateway.
func (r *Router) Supports(method string) bool {
	_, ok := r.gateways[strings.ToLower(method)]
	return ok
}

func (r *Router) InitiatePayment(ctx context.Context, checkout Checkout) (*Redirect, error) {
	g, ok := r.gateways[strings.ToLower(checkout.Method)]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedMethod, checkout.Method)
	}
	if err := checkout.Validate(); err != nil {
		return nil, err
	}
	return g.InitiatePayment(ctx, checkout)
}

// Offline records nothing with a provider. The customer is sent to a page
// telling them to pay manually; an administrator confirms the payment later.
type Offline struct {
	baseURL string
}

// NewOffline creates an offline gateway whose redirects point under baseURL.
func NewOffline(baseURL string) *Offline {
	return &Offline{baseURL: strings.TrimRight(baseURL, "/")}
}

func (o *Offline) InitiatePayment(_ context.Context, checkout Checkout) (*Redirect, error) {
	q := url.Values{}
	q.Set("correlationId", checkout.CorrelationID)
	q.Set("purpose", string(checkout.Purpose))
	return &Redirect{URL: o.baseURL + "/payments/offline?" + q.Encode()}, nil
}

var (
	_ Gateway = (*Router)(nil)
	_ Gateway = (*Offline)(nil)
)
