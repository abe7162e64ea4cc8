// Package payments holds and captures rider fares through Stripe
// PaymentIntents with manual capture.
package payments

import (
	"context"
	"fmt"

	stripe "github.com/stripe/stripe-go/v74"
	"github.com/stripe/stripe-go/v74/client"
)

// minorUnits converts whole currency units into the smallest unit Stripe
// charges in (paise, cents).
const minorUnits = 100

// IntentAPI is the slice of the PaymentIntents resource the client uses.
type IntentAPI interface {
	New(params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error)
	Capture(id string, params *stripe.PaymentIntentCaptureParams) (*stripe.PaymentIntent, error)
	Cancel(id string, params *stripe.PaymentIntentCancelParams) (*stripe.PaymentIntent, error)
}

type StripeClient struct {
	intents IntentAPI
}

// NewStripeClient builds a client bound to apiKey instead of the package
// level stripe.Key.
func NewStripeClient(apiKey string) *StripeClient {
	sc := &client.API{}
	sc.Init(apiKey, nil)
	return &StripeClient{intents: sc.PaymentIntents}
}

func NewStripeClientWithAPI(api IntentAPI) *StripeClient {
	return &StripeClient{intents: api}
}

// Hold creates a PaymentIntent with capture_method=manual to hold funds.
// It returns the PaymentIntent ID on success.
func (s *StripeClient) Hold(ctx context.Context, amount int64, currency, customerID string) (string, error) {
	if amount <= 0 {
		return "", fmt.Errorf("hold amount must be positive, got %d", amount)
	}
	params := &stripe.PaymentIntentParams{
		Amount:        stripe.Int64(amount * minorUnits),
		Currency:      stripe.String(currency),
		CaptureMethod: stripe.String(string(stripe.PaymentIntentCaptureMethodManual)),
	}
	params.Context = ctx
	if customerID != "" {
		params.Customer = stripe.String(customerID)
	}
	pi, err := s.intents.New(params)
	if err != nil {
		return "", fmt.Errorf("stripe hold: %w", err)
	}
	return pi.ID, nil
}

// Capture finalizes a previously-held PaymentIntent.
func (s *StripeClient) Capture(ctx context.Context, paymentIntentID string) error {
	params := &stripe.PaymentIntentCaptureParams{}
	params.Context = ctx
	if _, err := s.intents.Capture(paymentIntentID, params); err != nil {
		return fmt.Errorf("stripe capture %s: %w", paymentIntentID, err)
	}
	return nil
}

// Cancel releases the hold on a PaymentIntent.
func (s *StripeClient) Cancel(ctx context.Context, paymentIntentID string) error {
	params := &stripe.PaymentIntentCancelParams{}
	params.Context = ctx
	if _, err := s.intents.Cancel(paymentIntentID, params); err != nil {
		return fmt.Errorf("stripe cancel %s: %w", paymentIntentID, err)
	}
	return nil
}
