// Package stripe confirms card payments through Stripe payment intents.
package stripe

import (
	"context"

	"github.com/xenking/kart-checkout/internal/payment"
)

// Intent statuses used by the adapter.
const (
	StatusSucceeded      = "succeeded"
	StatusRequiresAction = "requires_action"
)

// IntentParams describes the payment intent to create.
type IntentParams struct {
	Amount         int64
	Currency       string
	ReceiptEmail   string
	Description    string
	IdempotencyKey string
}

// Intent is the provider's payment intent.
type Intent struct {
	ID           string
	ClientSecret string
	Status       string
	// LastError is the provider's message for the last failed confirmation.
	LastError string
}

// Client is the subset of the Stripe API used by the adapter.
type Client interface {
	CreateIntent(ctx context.Context, p IntentParams) (Intent, error)
	ConfirmIntent(ctx context.Context, intentID, paymentMethodID string) (Intent, error)
}

var _ payment.Adapter = (*Adapter)(nil)

// Adapter creates a payment intent and confirms it once. There is no retry;
// the provider's error is surfaced as is.
type Adapter struct {
	client Client
}

// New creates an Adapter.
func New(client Client) *Adapter {
	return &Adapter{client: client}
}

func (a *Adapter) Method() payment.Method {
	return payment.MethodStripe
}

func (a *Adapter) Initiate(ctx context.Context, req payment.Request) payment.Outcome {
	if req.Token == "" {
		return payment.Invalid("missing card payment method")
	}

	intent, err := a.client.CreateIntent(ctx, IntentParams{
		Amount:         payment.MinorUnits(req.Amount),
		Currency:       req.Currency,
		ReceiptEmail:   req.Billing.Email,
		Description:    "Order " + req.SessionID,
		IdempotencyKey: req.IdempotencyKey,
	})
	if err != nil {
		return payment.FromError(ctx, err)
	}

	confirmed, err := a.client.ConfirmIntent(ctx, intent.ID, req.Token)
	if err != nil {
		return payment.FromError(ctx, err).WithReference(intent.ID)
	}

	switch confirmed.Status {
	case StatusSucceeded:
		return payment.Succeeded(confirmed.ID)
	case StatusRequiresAction:
		return payment.Declined("card requires additional authentication").WithReference(confirmed.ID)
	default:
		msg := confirmed.LastError
		if msg == "" {
			msg = "payment intent " + confirmed.Status
		}
		return payment.Declined(msg).WithReference(confirmed.ID)
	}
}
