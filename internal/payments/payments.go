package payments

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/example/ride-dispatch/internal/models"
)

// Gateway charges the final fare of a completed trip. It returns the
// provider's reference for the charge.
type Gateway interface {
	Charge(ctx context.Context, t models.Trip) (string, error)
}

// Result is a payment outcome reported back to the dispatch core.
type Result struct {
	TripID    string               `json:"trip_id"`
	Status    models.PaymentStatus `json:"status"`
	Reference string               `json:"reference,omitempty"`
}

func (r Result) Validate() error {
	if r.TripID == "" {
		return fmt.Errorf("%w: trip_id is required", models.ErrValidation)
	}
	if r.Status != models.PaymentSucceeded && r.Status != models.PaymentFailed {
		return fmt.Errorf("%w: status must be succeeded or failed", models.ErrValidation)
	}
	return nil
}

// WebhookParser turns a provider callback into a Result. Signed reports
// whether ParseWebhook authenticates the sender from the signature; unsigned
// parsers are only reachable by system callers.
type WebhookParser interface {
	ParseWebhook(payload []byte, signature string) (Result, bool, error)
	Signed() bool
}

// NopGateway approves every charge. Used when no provider is configured.
type NopGateway struct{}

func (NopGateway) Charge(ctx context.Context, t models.Trip) (string, error) {
	return "nop_" + uuid.NewString(), nil
}

// JSONWebhook accepts an unsigned {"trip_id","status"} body. It backs the
// webhook route when no provider secret is configured.
type JSONWebhook struct{}

func (JSONWebhook) Signed() bool { return false }

func (JSONWebhook) ParseWebhook(payload []byte, _ string) (Result, bool, error) {
	var r Result
	if err := json.Unmarshal(payload, &r); err != nil {
		return Result{}, false, fmt.Errorf("%w: %v", models.ErrValidation, err)
	}
	if err := r.Validate(); err != nil {
		return Result{}, false, err
	}
	return r, true, nil
}
