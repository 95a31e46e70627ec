// Package payments places cancellation fee holds with Stripe.
package payments

import (
	"context"
	"math"

	stripe "github.com/stripe/stripe-go/v74"
	"github.com/stripe/stripe-go/v74/paymentintent"
)

// Hold is a manual-capture authorization for a cancellation fee.
type Hold struct {
	AmountCents    int64
	Currency       string
	OrderID        string
	ChargedTo      string
	IdempotencyKey string
}

// StripeClient is a thin wrapper around stripe-go PaymentIntents.
type StripeClient struct{}

// NewStripeClient sets the process-wide Stripe key.
func NewStripeClient(apiKey string) *StripeClient {
	stripe.Key = apiKey
	return &StripeClient{}
}

// Hold creates a PaymentIntent with capture_method=manual and returns its id.
// Retries with the same IdempotencyKey return the original intent.
func (s *StripeClient) Hold(ctx context.Context, h Hold) (string, error) {
	params := &stripe.PaymentIntentParams{
		Amount:        stripe.Int64(h.AmountCents),
		Currency:      stripe.String(h.Currency),
		CaptureMethod: stripe.String(string(stripe.PaymentIntentCaptureMethodManual)),
	}
	params.Context = ctx
	params.SetIdempotencyKey(h.IdempotencyKey)
	params.AddMetadata("order_id", h.OrderID)
	params.AddMetadata("charged_to", h.ChargedTo)
	pi, err := paymentintent.New(params)
	if err != nil {
		return "", err
	}
	return pi.ID, nil
}

func toCents(amount float64) int64 {
	return int64(math.Round(amount * 100))
}
