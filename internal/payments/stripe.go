package payments

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	stripe "github.com/stripe/stripe-go/v74"
	"github.com/stripe/stripe-go/v74/customer"
	"github.com/stripe/stripe-go/v74/paymentintent"
	"github.com/stripe/stripe-go/v74/webhook"

	"github.com/example/ride-dispatch/internal/models"
)

// StripeGateway charges final fares with PaymentIntents: hold with
// capture_method=manual, then capture. The trip id travels in metadata so the
// webhook can route the outcome back.
type StripeGateway struct {
	webhookSecret string
	payers        PayerResolver
}

// Payer is the saved customer and card a rider is charged against.
type Payer struct {
	CustomerID      string
	PaymentMethodID string
}

// PayerResolver finds the Stripe customer behind a rider.
type PayerResolver interface {
	ResolvePayer(ctx context.Context, riderID string) (Payer, error)
}

// NewStripeGateway sets the global stripe key and returns a gateway that
// looks riders up with CustomerSearch.
func NewStripeGateway(apiKey, webhookSecret string) *StripeGateway {
	stripe.Key = apiKey
	return &StripeGateway{webhookSecret: webhookSecret, payers: CustomerSearch{}}
}

// CustomerSearch finds the customer tagged with metadata rider_id and uses
// its default payment method.
type CustomerSearch struct{}

func (CustomerSearch) ResolvePayer(ctx context.Context, riderID string) (Payer, error) {
	params := &stripe.CustomerSearchParams{SearchParams: stripe.SearchParams{
		Query:  fmt.Sprintf("metadata['rider_id']:'%s'", strings.ReplaceAll(riderID, "'", "\\'")),
		Limit:  stripe.Int64(1),
		Single: true,
	}}
	params.Context = ctx
	it := customer.Search(params)
	if !it.Next() {
		if err := it.Err(); err != nil {
			return Payer{}, err
		}
		return Payer{}, fmt.Errorf("%w: no stripe customer for rider %s", models.ErrNotFound, riderID)
	}
	c := it.Customer()
	if c.InvoiceSettings == nil || c.InvoiceSettings.DefaultPaymentMethod == nil {
		return Payer{}, fmt.Errorf("%w: customer %s has no default payment method", models.ErrNotFound, c.ID)
	}
	return Payer{CustomerID: c.ID, PaymentMethodID: c.InvoiceSettings.DefaultPaymentMethod.ID}, nil
}

// Charge holds and captures the trip's final fare. A capture failure cancels
// the hold.
func (s *StripeGateway) Charge(ctx context.Context, t models.Trip) (string, error) {
	if t.FinalFare == nil {
		return "", fmt.Errorf("%w: trip %s has no final fare", models.ErrValidation, t.ID)
	}
	payer, err := s.payers.ResolvePayer(ctx, t.RiderID)
	if err != nil {
		return "", fmt.Errorf("resolve payer: %w", err)
	}
	id, err := s.Hold(ctx, t.FinalFare.MinorUnits(), t.FinalFare.Currency, payer, t.RiderID, t.ID)
	if err != nil {
		if id != "" {
			if cerr := s.Cancel(ctx, id); cerr != nil {
				err = errors.Join(err, cerr)
			}
		}
		return id, fmt.Errorf("hold: %w", err)
	}
	if err := s.Capture(ctx, id); err != nil {
		if cerr := s.Cancel(ctx, id); cerr != nil {
			err = errors.Join(err, cerr)
		}
		return id, fmt.Errorf("capture %s: %w", id, err)
	}
	return id, nil
}

// Hold confirms an off-session PaymentIntent against the payer's saved card
// with capture_method=manual. An intent that was created but did not reach
// requires_capture is returned with an error.
func (s *StripeGateway) Hold(ctx context.Context, amount int64, currency string, payer Payer, riderID, tripID string) (string, error) {
	params := &stripe.PaymentIntentParams{
		Amount:        stripe.Int64(amount),
		Currency:      stripe.String(strings.ToLower(currency)),
		Customer:      stripe.String(payer.CustomerID),
		PaymentMethod: stripe.String(payer.PaymentMethodID),
		Confirm:       stripe.Bool(true),
		OffSession:    stripe.Bool(true),
	}
	params.Context = ctx
	params.CaptureMethod = stripe.String(string(stripe.PaymentIntentCaptureMethodManual))
	params.AddMetadata("trip_id", tripID)
	params.AddMetadata("rider_id", riderID)
	params.SetIdempotencyKey("hold-" + tripID)
	pi, err := paymentintent.New(params)
	if err != nil {
		return "", err
	}
	if pi.Status != stripe.PaymentIntentStatusRequiresCapture {
		return pi.ID, fmt.Errorf("payment intent %s is %s", pi.ID, pi.Status)
	}
	return pi.ID, nil
}

// Capture finalizes a previously-held PaymentIntent.
func (s *StripeGateway) Capture(ctx context.Context, paymentIntentID string) error {
	params := &stripe.PaymentIntentCaptureParams{}
	params.Context = ctx
	_, err := paymentintent.Capture(paymentIntentID, params)
	return err
}

// Cancel releases the hold on a PaymentIntent.
func (s *StripeGateway) Cancel(ctx context.Context, paymentIntentID string) error {
	params := &stripe.PaymentIntentCancelParams{}
	params.Context = ctx
	_, err := paymentintent.Cancel(paymentIntentID, params)
	return err
}

// Signed is false without a webhook secret, since nothing can be verified.
func (s *StripeGateway) Signed() bool { return s.webhookSecret != "" }

// ParseWebhook verifies a Stripe webhook and maps payment_intent events to a
// trip payment outcome. ok is false for events that carry no outcome.
func (s *StripeGateway) ParseWebhook(payload []byte, signature string) (Result, bool, error) {
	ev, err := webhook.ConstructEventWithOptions(payload, signature, s.webhookSecret,
		webhook.ConstructEventOptions{IgnoreAPIVersionMismatch: true})
	if err != nil {
		return Result{}, false, fmt.Errorf("%w: %v", models.ErrValidation, err)
	}
	var status models.PaymentStatus
	switch ev.Type {
	case "payment_intent.succeeded":
		status = models.PaymentSucceeded
	case "payment_intent.payment_failed", "payment_intent.canceled":
		status = models.PaymentFailed
	default:
		return Result{}, false, nil
	}
	var pi stripe.PaymentIntent
	if err := json.Unmarshal(ev.Data.Raw, &pi); err != nil {
		return Result{}, false, fmt.Errorf("%w: decode payment intent: %v", models.ErrValidation, err)
	}
	tripID := pi.Metadata["trip_id"]
	if tripID == "" {
		return Result{}, false, nil
	}
	return Result{TripID: tripID, Status: status, Reference: pi.ID}, true, nil
}
