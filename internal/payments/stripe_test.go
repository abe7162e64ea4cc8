package payments

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	stripe "github.com/stripe/stripe-go/v74"
)

type fakeIntents struct {
	created  []*stripe.PaymentIntentParams
	captured []string
	canceled []string
	err      error
}

func (f *fakeIntents) New(p *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.created = append(f.created, p)
	return &stripe.PaymentIntent{ID: "pi_1"}, nil
}

func (f *fakeIntents) Capture(id string, _ *stripe.PaymentIntentCaptureParams) (*stripe.PaymentIntent, error) {
	f.captured = append(f.captured, id)
	return &stripe.PaymentIntent{ID: id}, f.err
}

func (f *fakeIntents) Cancel(id string, _ *stripe.PaymentIntentCancelParams) (*stripe.PaymentIntent, error) {
	f.canceled = append(f.canceled, id)
	return &stripe.PaymentIntent{ID: id}, f.err
}

func TestHoldUsesManualCaptureInMinorUnits(t *testing.T) {
	api := &fakeIntents{}
	c := NewStripeClientWithAPI(api)

	id, err := c.Hold(context.Background(), 420, "inr", "cus_1")
	require.NoError(t, err)
	assert.Equal(t, "pi_1", id)

	require.Len(t, api.created, 1)
	p := api.created[0]
	assert.Equal(t, int64(42000), *p.Amount)
	assert.Equal(t, "inr", *p.Currency)
	assert.Equal(t, "manual", *p.CaptureMethod)
	assert.Equal(t, "cus_1", *p.Customer)
	assert.NotNil(t, p.Context)
}

func TestHoldRejectsEmptyAmount(t *testing.T) {
	api := &fakeIntents{}
	_, err := NewStripeClientWithAPI(api).Hold(context.Background(), 0, "inr", "")
	assert.Error(t, err)
	assert.Empty(t, api.created)
}

func TestCaptureAndCancelWrapErrors(t *testing.T) {
	api := &fakeIntents{}
	c := NewStripeClientWithAPI(api)
	require.NoError(t, c.Capture(context.Background(), "pi_1"))
	require.NoError(t, c.Cancel(context.Background(), "pi_2"))
	assert.Equal(t, []string{"pi_1"}, api.captured)
	assert.Equal(t, []string{"pi_2"}, api.canceled)

	api.err = errors.New("card_declined")
	err := c.Capture(context.Background(), "pi_3")
	assert.ErrorContains(t, err, "pi_3")
	assert.ErrorIs(t, err, api.err)
}
