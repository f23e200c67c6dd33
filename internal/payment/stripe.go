package payment

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/mbd888/peopledesk/internal/circuitbreaker"
	"github.com/mbd888/peopledesk/internal/logging"
	"github.com/mbd888/peopledesk/internal/traces"
	stripe "github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/checkout/session"
)

// ErrGatewayUnavailable is returned while the provider circuit is open.
var ErrGatewayUnavailable = errors.New("payment: gateway temporarily unavailable")

// StripeConfig configures Stripe Checkout.
type StripeConfig struct {
	SecretKey  string
	SuccessURL string
	CancelURL  string
}

// Stripe starts payments as one-off Stripe Checkout sessions.
type Stripe struct {
	cfg        StripeConfig
	breaker    *circuitbreaker.Breaker
	newSession func(params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error)
}

// NewStripe creates a Stripe gateway. breaker may be nil.
func NewStripe(cfg StripeConfig, breaker *circuitbreaker.Breaker) *Stripe {
	client := session.Client{B: stripe.GetBackend(stripe.APIBackend), Key: cfg.SecretKey}
	return &Stripe{
		cfg:        cfg,
		breaker:    breaker,
		newSession: client.New,
	}
}

func (s *Stripe) InitiatePayment(ctx context.Context, checkout Checkout) (*Redirect, error) {
	ctx, span := traces.StartSpan(ctx, "payment.Stripe.InitiatePayment", traces.CorrelationID(checkout.CorrelationID))
	var err error
	defer func() { traces.End(span, err) }()

	if err = checkout.Validate(); err != nil {
		return nil, err
	}

	params := &stripe.CheckoutSessionParams{
		Mode:              stripe.String(string(stripe.CheckoutSessionModePayment)),
		SuccessURL:        stripe.String(s.cfg.SuccessURL),
		CancelURL:         stripe.String(s.cfg.CancelURL),
		ClientReferenceID: stripe.String(checkout.CorrelationID),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{
				PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
					Currency:   stripe.String(strings.ToLower(checkout.Currency)),
					UnitAmount: stripe.Int64(checkout.MinorUnits()),
					ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
						Name: stripe.String(checkout.Description()),
					},
				},
				Quantity: stripe.Int64(1),
			},
		},
	}
	if checkout.CustomerEmail != "" {
		params.CustomerEmail = stripe.String(checkout.CustomerEmail)
	}
	params.AddMetadata(MetaCorrelationID, checkout.CorrelationID)
	params.AddMetadata(MetaPurpose, string(checkout.Purpose))
	if checkout.TenantID != "" {
		params.AddMetadata(MetaTenantID, checkout.TenantID)
	}

	var sess *stripe.CheckoutSession
	call := func() error {
		var callErr error
		sess, callErr = s.newSession(params)
		return callErr
	}
	if s.breaker != nil {
		err = s.breaker.Execute(isProviderFault, call)
	} else {
		err = call()
	}
	if errors.Is(err, circuitbreaker.ErrOpen) {
		err = ErrGatewayUnavailable
		return nil, err
	}
	if err != nil {
		logging.L(ctx).Error("stripe checkout session creation failed",
			"correlation_id", checkout.CorrelationID, "error", err)
		err = fmt.Errorf("create checkout session: %w", err)
		return nil, err
	}

	logging.L(ctx).Info("stripe checkout session created",
		"correlation_id", checkout.CorrelationID, "session_id", sess.ID, "purpose", checkout.Purpose)
	return &Redirect{URL: sess.URL, SessionID: sess.ID}, nil
}

// isProviderFault keeps request errors (4xx) from tripping the breaker.
func isProviderFault(err error) bool {
	var se *stripe.Error
	if errors.As(err, &se) {
		return se.HTTPStatusCode == 0 || se.HTTPStatusCode >= 500 || se.HTTPStatusCode == 429
	}
	return true
}

var _ Gateway = (*Stripe)(nil)
