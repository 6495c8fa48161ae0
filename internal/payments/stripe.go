package payments

import (
	"context"
	"fmt"

	stripe "github.com/stripe/stripe-go/v74"
	"github.com/stripe/stripe-go/v74/paymentintent"
)

// StripeClient settles PaymentIntents that were created with
// capture_method=manual by the checkout flow. It never creates intents.
type StripeClient struct {
	intents paymentintent.Client
}

// NewStripeClient uses the default Stripe API backend.
func NewStripeClient(apiKey string) *StripeClient {
	return NewStripeClientWithBackend(apiKey, stripe.GetBackend(stripe.APIBackend))
}

func NewStripeClientWithBackend(apiKey string, backend stripe.Backend) *StripeClient {
	return &StripeClient{intents: paymentintent.Client{B: backend, Key: apiKey}}
}

// Capture finalizes a previously-held PaymentIntent.
func (s *StripeClient) Capture(ctx context.Context, paymentIntentID string) error {
	params := &stripe.PaymentIntentCaptureParams{}
	params.Context = ctx
	if _, err := s.intents.Capture(paymentIntentID, params); err != nil {
		return fmt.Errorf("payments: capture %s: %w", paymentIntentID, err)
	}
	return nil
}

// Cancel releases the hold on a PaymentIntent.
func (s *StripeClient) Cancel(ctx context.Context, paymentIntentID string) error {
	params := &stripe.PaymentIntentCancelParams{}
	params.Context = ctx
	if _, err := s.intents.Cancel(paymentIntentID, params); err != nil {
		return fmt.Errorf("payments: cancel %s: %w", paymentIntentID, err)
	}
	return nil
}
