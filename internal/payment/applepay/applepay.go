// Package applepay drives an Apple Pay session. The browser's payment sheet
// raises two callbacks in order, merchant validation and payment
// authorization, and may be cancelled at any point. The adapter consumes
// those callbacks as events of a Session.
package applepay

import (
	"context"
	"net/url"
	"strings"

	"github.com/go-faster/errors"

	"github.com/xenking/kart-checkout/internal/payment"
)

// EventKind identifies a payment sheet callback.
type EventKind int

// Sheet callbacks.
const (
	EventValidateMerchant EventKind = iota + 1
	EventAuthorize
	EventCancel
)

func (k EventKind) String() string {
	switch k {
	case EventValidateMerchant:
		return "validate_merchant"
	case EventAuthorize:
		return "authorize"
	case EventCancel:
		return "cancel"
	default:
		return "unknown"
	}
}

// Reply is the adapter's answer to an event, handed back to the sheet.
type Reply struct {
	// MerchantSession is the opaque session object for
	// completeMerchantValidation.
	MerchantSession []byte
	// Approved selects the completePayment status.
	Approved bool
	Err      error
}

// Event is a callback raised by the payment sheet.
type Event struct {
	Kind          EventKind
	ValidationURL string
	// Token is the payment token of an authorization.
	Token string

	reply chan<- Reply
}

// Reply answers the event. Only the first reply is delivered.
func (e Event) Reply(r Reply) {
	if e.reply == nil {
		return
	}
	select {
	case e.reply <- r:
	default:
	}
}

// Session is an open payment sheet.
type Session interface {
	Events() <-chan Event
	Close()
}

// SessionOpener opens the payment sheet of a checkout session.
type SessionOpener interface {
	Open(ctx context.Context, sessionID string) (Session, error)
}

// MerchantValidator obtains a merchant session from Apple.
type MerchantValidator interface {
	Validate(ctx context.Context, validationURL string) ([]byte, error)
}

// ProcessParams describes a payment to process with an Apple Pay token.
type ProcessParams struct {
	Token          string
	Amount         int64
	Currency       string
	Email          string
	IdempotencyKey string
}

// Result is the processor's answer.
type Result struct {
	ID       string
	Approved bool
	Message  string
}

// Processor charges an Apple Pay payment token.
type Processor interface {
	Process(ctx context.Context, p ProcessParams) (Result, error)
}

var (
	// ErrInvalidValidationURL is returned for validation URLs outside Apple's
	// domain.
	ErrInvalidValidationURL = errors.New("invalid merchant validation url")
	// ErrNotValidated is replied to an authorization received before merchant
	// validation completed.
	ErrNotValidated = errors.New("merchant not validated")
	// ErrAlreadyValidated is replied to a repeated validation callback.
	ErrAlreadyValidated = errors.New("merchant already validated")
)

// CheckValidationURL reports whether raw is an https URL on an apple.com host.
func CheckValidationURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return errors.Wrap(ErrInvalidValidationURL, err.Error())
	}
	host := u.Hostname()
	if u.Scheme != "https" || (host != "apple.com" && !strings.HasSuffix(host, ".apple.com")) {
		return errors.Wrapf(ErrInvalidValidationURL, "%q", raw)
	}
	return nil
}

var _ payment.Adapter = (*Adapter)(nil)

// Adapter runs one payment sheet per attempt.
type Adapter struct {
	opener    SessionOpener
	validator MerchantValidator
	processor Processor
}

// New creates an Adapter.
func New(opener SessionOpener, validator MerchantValidator, processor Processor) *Adapter {
	return &Adapter{opener: opener, validator: validator, processor: processor}
}

func (a *Adapter) Method() payment.Method {
	return payment.MethodApplePay
}

// Initiate opens the sheet and handles its callbacks until the payment is
// authorized, fails or is cancelled. A failed merchant validation aborts the
// session.
func (a *Adapter) Initiate(ctx context.Context, req payment.Request) payment.Outcome {
	sess, err := a.opener.Open(ctx, req.SessionID)
	if err != nil {
		return payment.Errored("Apple Pay session: " + err.Error())
	}
	defer sess.Close()

	req.Publish(payment.Action{Kind: payment.ActionPresentSheet, Reference: req.SessionID})

	validated := false
	for {
		var ev Event
		select {
		case <-ctx.Done():
			return payment.FromError(ctx, ctx.Err())
		case ev = <-sess.Events():
		}

		switch ev.Kind {
		case EventValidateMerchant:
			if validated {
				ev.Reply(Reply{Err: ErrAlreadyValidated})
				continue
			}
			if err := CheckValidationURL(ev.ValidationURL); err != nil {
				ev.Reply(Reply{Err: err})
				return payment.Invalid("Apple Pay merchant validation failed")
			}
			ms, err := a.validator.Validate(ctx, ev.ValidationURL)
			if err != nil {
				ev.Reply(Reply{Err: err})
				out := payment.FromError(ctx, err)
				out.ErrorMessage = "Apple Pay merchant validation failed: " + out.ErrorMessage
				return out
			}
			validated = true
			ev.Reply(Reply{MerchantSession: ms})

		case EventAuthorize:
			if !validated {
				ev.Reply(Reply{Err: ErrNotValidated})
				continue
			}
			res, err := a.processor.Process(ctx, ProcessParams{
				Token:          ev.Token,
				Amount:         payment.MinorUnits(req.Amount),
				Currency:       req.Currency,
				Email:          req.Billing.Email,
				IdempotencyKey: req.IdempotencyKey,
			})
			if err != nil {
				ev.Reply(Reply{Err: err})
				return payment.FromError(ctx, err)
			}
			ev.Reply(Reply{Approved: res.Approved})
			if !res.Approved {
				msg := res.Message
				if msg == "" {
					msg = "Apple Pay payment declined"
				}
				return payment.Declined(msg).WithReference(res.ID)
			}
			return payment.Succeeded(res.ID)

		case EventCancel:
			ev.Reply(Reply{})
			return payment.Cancelled("Apple Pay sheet closed")
		}
	}
}
