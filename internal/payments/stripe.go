// Package payments places a hold on the agreed fare when a bid is accepted
// and settles it on completion. Money never moves on acceptance; the
// capture waits for the job to finish and a cancel releases the hold.
package payments

import (
	"context"
	"fmt"
	"math"

	stripe "github.com/stripe/stripe-go/v74"
	"github.com/stripe/stripe-go/v74/paymentintent"

	"github.com/example/trip-exchange/internal/models"
)

// Escrow wraps the PaymentIntent hold/capture/cancel flow.
type Escrow struct {
	Currency string
}

func NewEscrow(apiKey, currency string) *Escrow {
	stripe.Key = apiKey
	if currency == "" {
		currency = "eur"
	}
	return &Escrow{Currency: currency}
}

// Hold reserves the agreed fare against the requester. Returns the
// PaymentIntent ID to stash on the request record.
func (e *Escrow) Hold(ctx context.Context, req *models.TripRequest) (string, error) {
	if req.PriceAgreed <= 0 {
		return "", fmt.Errorf("payments: request %s has no agreed price", req.ID)
	}
	params := &stripe.PaymentIntentParams{
		Amount:        stripe.Int64(toMinorUnits(req.PriceAgreed)),
		Currency:      stripe.String(e.Currency),
		CaptureMethod: stripe.String(string(stripe.PaymentIntentCaptureMethodManual)),
	}
	params.AddMetadata("request_id", req.ID)
	params.AddMetadata("kind", string(req.Kind))
	pi, err := paymentintent.New(params)
	if err != nil {
		return "", fmt.Errorf("holding fare for request %s: %w", req.ID, err)
	}
	return pi.ID, nil
}

// Capture settles the held fare after completion.
func (e *Escrow) Capture(ctx context.Context, paymentIntentID string) error {
	if _, err := paymentintent.Capture(paymentIntentID, nil); err != nil {
		return fmt.Errorf("capturing %s: %w", paymentIntentID, err)
	}
	return nil
}

// Release drops the hold after a cancellation.
func (e *Escrow) Release(ctx context.Context, paymentIntentID string) error {
	if _, err := paymentintent.Cancel(paymentIntentID, nil); err != nil {
		return fmt.Errorf("releasing %s: %w", paymentIntentID, err)
	}
	return nil
}

func toMinorUnits(price float64) int64 {
	return int64(math.Round(price * 100))
}
