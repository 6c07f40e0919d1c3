// Package safekey authorizes payments approved out of band on the
// cardholder's phone. The adapter polls the approval status until it settles
// or the approval window closes.
package safekey

import (
	"context"
	"time"

	"github.com/go-faster/errors"

	"github.com/xenking/kart-checkout/internal/payment"
)

// Approval statuses reported by the backend.
const (
	StatusPending  = "pending"
	StatusApproved = "approved"
	StatusRejected = "rejected"
	StatusExpired  = "expired"
)

// Default polling parameters.
const (
	DefaultInterval = 2 * time.Second
	DefaultTimeout  = 3 * time.Minute
)

// maxStatusErrors is the number of consecutive failed status checks tolerated
// before the attempt is abandoned.
const maxStatusErrors = 3

// InitiateParams describes an approval request.
type InitiateParams struct {
	Amount         int64
	Currency       string
	CardholderName string
	Email          string
	IdempotencyKey string
}

// Challenge is a pending approval.
type Challenge struct {
	ID        string
	ExpiresAt time.Time
}

// Client is the SafeKey backend.
type Client interface {
	Initiate(ctx context.Context, p InitiateParams) (Challenge, error)
	Status(ctx context.Context, challengeID string) (string, error)
}

var (
	errRejected = errors.New("rejected by cardholder")
	errExpired  = errors.New("approval expired")
)

var _ payment.Adapter = (*Adapter)(nil)

// Adapter starts a challenge and polls its status.
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
	return payment.MethodSafeKey
}

func (a *Adapter) Initiate(ctx context.Context, req payment.Request) payment.Outcome {
	ch, err := a.client.Initiate(ctx, InitiateParams{
		Amount:         payment.MinorUnits(req.Amount),
		Currency:       req.Currency,
		CardholderName: req.Billing.Name,
		Email:          req.Billing.Email,
		IdempotencyKey: req.IdempotencyKey,
	})
	if err != nil {
		return payment.FromError(ctx, err)
	}

	req.Publish(payment.Action{
		Kind:      payment.ActionAwaitApproval,
		Reference: ch.ID,
		ExpiresAt: ch.ExpiresAt,
	})

	var (
		failures int
		lastErr  error
	)
	err = payment.Poll(ctx, a.poll, func(ctx context.Context) (bool, error) {
		status, err := a.client.Status(ctx, ch.ID)
		if err != nil {
			failures++
			lastErr = err
			if failures >= maxStatusErrors {
				return false, err
			}
			return false, nil
		}
		failures = 0

		switch status {
		case StatusApproved:
			return true, nil
		case StatusRejected:
			return false, errRejected
		case StatusExpired:
			return false, errExpired
		default:
			return false, nil
		}
	})

	switch {
	case err == nil:
		return payment.Succeeded(ch.ID)
	case errors.Is(err, payment.ErrPollTimeout), errors.Is(err, errExpired):
		return payment.TimedOut("SafeKey approval window closed").WithReference(ch.ID)
	case errors.Is(err, errRejected):
		return payment.Declined("Payment rejected on your SafeKey device").WithReference(ch.ID)
	case ctx.Err() != nil:
		return payment.FromError(ctx, err).WithReference(ch.ID)
	default:
		if lastErr != nil {
			err = lastErr
		}
		return payment.FromError(ctx, err).WithReference(ch.ID)
	}
}
