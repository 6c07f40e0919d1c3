// Package crypto takes payments through a hosted cryptocurrency checkout.
// The charge is created up front and its verification endpoint is polled
// until the payment is confirmed, the charge expires or the ceiling is hit.
package crypto

import (
	"context"
	"time"

	"github.com/go-faster/errors"

	"github.com/xenking/kart-checkout/internal/payment"
)

// Verification statuses.
const (
	StatusPending   = "pending"
	StatusConfirmed = "confirmed"
	StatusExpired   = "expired"
	StatusFailed    = "failed"
)

// Default polling parameters.
const (
	DefaultInterval = 5 * time.Second
	DefaultTimeout  = 30 * time.Minute
)

// ChargeParams describes the charge to create.
type ChargeParams struct {
	Amount         string
	Currency       string
	Name           string
	Email          string
	SessionID      string
	IdempotencyKey string
}

// Charge is a pending crypto charge.
type Charge struct {
	ID        string
	HostedURL string
	ExpiresAt time.Time
}

// Verification is the current state of a charge.
type Verification struct {
	Status string
	// TxHash is set once the payment is confirmed.
	TxHash string
}

// Client is the crypto payment backend.
type Client interface {
	CreateCharge(ctx context.Context, p ChargeParams) (Charge, error)
	Verify(ctx context.Context, chargeID string) (Verification, error)
}

var (
	errExpired = errors.New("charge expired")
	errFailed  = errors.New("charge failed")
)

var _ payment.Adapter = (*Adapter)(nil)

// Adapter creates a charge and polls for its verification.
type Adapter struct {
	client Client
	poll   payment.PollConfig
}

// New creates an Adapter. Zero poll fields take the defaults.
func New(client Client, poll payment.PollConfig) *Adapter {
	if poll.Interval <= 0 {
		poll.Interval = DefaultInterval
	}
	if poll.Timeout <= 0 {
		poll.Timeout = DefaultTimeout
	}
	return &Adapter{client: client, poll: poll}
}

func (a *Adapter) Method() payment.Method {
	return payment.MethodCrypto
}

func (a *Adapter) Initiate(ctx context.Context, req payment.Request) payment.Outcome {
	charge, err := a.client.CreateCharge(ctx, ChargeParams{
		Amount:         req.Amount.StringFixed(2),
		Currency:       req.Currency,
		Name:           req.Billing.Name,
		Email:          req.Billing.Email,
		SessionID:      req.SessionID,
		IdempotencyKey: req.IdempotencyKey,
	})
	if err != nil {
		return payment.FromError(ctx, err)
	}

	req.Publish(payment.Action{
		Kind:      payment.ActionRedirect,
		URL:       charge.HostedURL,
		Reference: charge.ID,
		ExpiresAt: charge.ExpiresAt,
	})

	// Verification errors are transient: the charge stays payable, so polling
	// continues until a terminal status or the ceiling.
	var lastErr error
	err = payment.Poll(ctx, a.poll, func(ctx context.Context) (bool, error) {
		v, err := a.client.Verify(ctx, charge.ID)
		if err != nil {
			lastErr = err
			return false, nil
		}
		switch v.Status {
		case StatusConfirmed:
			return true, nil
		case StatusExpired:
			return false, errExpired
		case StatusFailed:
			return false, errFailed
		default:
			return false, nil
		}
	})

	switch {
	case err == nil:
		return payment.Succeeded(charge.ID)
	case errors.Is(err, payment.ErrPollTimeout):
		msg := "crypto payment not confirmed in time"
		if lastErr != nil {
			msg += ": " + lastErr.Error()
		}
		return payment.TimedOut(msg).WithReference(charge.ID)
	case errors.Is(err, errExpired):
		return payment.TimedOut("crypto charge expired").WithReference(charge.ID)
	case errors.Is(err, errFailed):
		return payment.Declined("crypto payment failed").WithReference(charge.ID)
	default:
		return payment.FromError(ctx, err).WithReference(charge.ID)
	}
}
