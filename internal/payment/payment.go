// Package payment defines the contract shared by all payment method adapters.
package payment

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
)

// Method identifies a payment method.
type Method string

// Supported payment methods.
const (
	MethodStripe    Method = "stripe"
	MethodSquare    Method = "square"
	MethodSafeKey   Method = "safekey"
	MethodApplePay  Method = "apple_pay"
	MethodGooglePay Method = "google_pay"
	MethodCrypto    Method = "crypto"
)

var methods = []Method{
	MethodStripe,
	MethodSquare,
	MethodSafeKey,
	MethodApplePay,
	MethodGooglePay,
	MethodCrypto,
}

// ErrUnknownMethod is returned by ParseMethod for unsupported values.
var ErrUnknownMethod = errors.New("unknown payment method")

// ParseMethod parses a method name such as "apple_pay".
func ParseMethod(s string) (Method, error) {
	m := Method(strings.ToLower(strings.TrimSpace(s)))
	if !slices.Contains(methods, m) {
		return "", errors.Wrapf(ErrUnknownMethod, "%q", s)
	}
	return m, nil
}

func (m Method) String() string {
	return string(m)
}

// Billing is the identity the payment is made under.
type Billing struct {
	Name  string
	Email string
}

// ActionKind classifies a pending user-facing step.
type ActionKind string

const (
	// ActionRedirect asks the user to open URL (hosted crypto checkout).
	ActionRedirect ActionKind = "redirect"
	// ActionAwaitApproval asks the user to approve on another device.
	ActionAwaitApproval ActionKind = "await_approval"
	// ActionPresentSheet asks the browser to show the wallet payment sheet.
	ActionPresentSheet ActionKind = "present_sheet"
)

// Action is a user-facing step an adapter publishes while an attempt is in
// flight.
type Action struct {
	Kind      ActionKind
	URL       string
	Reference string
	ExpiresAt time.Time
}

// Request is a single payment attempt.
type Request struct {
	SessionID      string
	Amount         decimal.Decimal
	Currency       string
	Billing        Billing
	IdempotencyKey string
	// Token is method-specific data posted by the browser: a Stripe payment
	// method id, a Square card nonce or Google Pay payment data.
	Token string
	// OnAction is called when the adapter needs the user to act. May be nil.
	OnAction func(Action)
}

// Publish reports a pending action to the caller, if it listens.
func (r Request) Publish(a Action) {
	if r.OnAction != nil {
		r.OnAction(a)
	}
}

// FailureKind classifies an unsuccessful outcome.
type FailureKind string

// Failure kinds.
const (
	KindDeclined       FailureKind = "declined"
	KindTimeout        FailureKind = "timeout"
	KindCancelled      FailureKind = "cancelled"
	KindProviderError  FailureKind = "provider_error"
	KindInvalidRequest FailureKind = "invalid_request"
)

// Outcome is the normalized result of a payment attempt.
type Outcome struct {
	Success           bool
	ProviderReference string
	ErrorMessage      string
	Kind              FailureKind
}

// Succeeded returns a successful outcome.
func Succeeded(reference string) Outcome {
	return Outcome{Success: true, ProviderReference: reference}
}

// Declined returns an outcome for a payment rejected by the provider.
func Declined(msg string) Outcome {
	return Outcome{ErrorMessage: msg, Kind: KindDeclined}
}

// TimedOut returns an outcome for an attempt that ran out of time.
func TimedOut(msg string) Outcome {
	return Outcome{ErrorMessage: msg, Kind: KindTimeout}
}

// Cancelled returns an outcome for an attempt stopped by the user.
func Cancelled(msg string) Outcome {
	return Outcome{ErrorMessage: msg, Kind: KindCancelled}
}

// Errored returns an outcome for a provider or network failure.
func Errored(msg string) Outcome {
	return Outcome{ErrorMessage: msg, Kind: KindProviderError}
}

// Invalid returns an outcome for a request the adapter could not send.
func Invalid(msg string) Outcome {
	return Outcome{ErrorMessage: msg, Kind: KindInvalidRequest}
}

// WithReference sets the provider reference of a failed outcome, so support
// can trace attempts that reached the provider.
func (o Outcome) WithReference(ref string) Outcome {
	o.ProviderReference = ref
	return o
}

// UserMessage returns the text shown to the user for a failed outcome.
// Timeouts read differently from declines.
func (o Outcome) UserMessage() string {
	switch {
	case o.Success:
		return ""
	case o.Kind == KindTimeout:
		return "Payment verification timed out"
	case o.Kind == KindCancelled:
		return "Payment cancelled"
	case o.ErrorMessage != "":
		return o.ErrorMessage
	case o.Kind == KindDeclined:
		return "Payment declined"
	default:
		return "Payment failed"
	}
}

func (o Outcome) String() string {
	if o.Success {
		return fmt.Sprintf("success(%s)", o.ProviderReference)
	}
	return fmt.Sprintf("%s(%s)", o.Kind, o.ErrorMessage)
}

// ProviderError is a non-2xx answer of a payment provider.
type ProviderError struct {
	Status  int
	Code    string
	Message string
}

func (e *ProviderError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("provider error %d (%s): %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("provider error %d: %s", e.Status, e.Message)
}

// Declined reports whether the provider rejected the payment itself rather
// than the request.
func (e *ProviderError) Declined() bool {
	return e.Status == 402 || strings.Contains(strings.ToLower(e.Code), "declined")
}

// FromError converts an error returned by a provider client into an outcome.
// Context expiry becomes a timeout, context cancellation a cancel. Provider
// messages are kept verbatim.
func FromError(ctx context.Context, err error) Outcome {
	if ctxErr := ctx.Err(); ctxErr != nil {
		err = ctxErr
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return TimedOut("payment attempt timed out")
	case errors.Is(err, context.Canceled):
		return Cancelled("payment attempt cancelled")
	}

	var pe *ProviderError
	if errors.As(err, &pe) {
		msg := pe.Message
		if msg == "" {
			msg = pe.Code
		}
		if pe.Declined() {
			return Declined(msg)
		}
		return Errored(msg)
	}
	return Errored(err.Error())
}

// Adapter drives one payment method's confirmation protocol. Initiate never
// returns a raw error: every failure is an Outcome. Implementations must stop
// all background work before returning and honor ctx cancellation.
type Adapter interface {
	Method() Method
	Initiate(ctx context.Context, req Request) Outcome
}

// Registry maps methods to their adapters.
type Registry struct {
	adapters map[Method]Adapter
}

// NewRegistry creates a registry holding adapters.
func NewRegistry(adapters ...Adapter) *Registry {
	r := &Registry{adapters: make(map[Method]Adapter, len(adapters))}
	for _, a := range adapters {
		r.Register(a)
	}
	return r
}

// Register adds or replaces the adapter for a.Method().
func (r *Registry) Register(a Adapter) {
	r.adapters[a.Method()] = a
}

// Lookup returns the adapter for m.
func (r *Registry) Lookup(m Method) (Adapter, bool) {
	a, ok := r.adapters[m]
	return a, ok
}

// Methods returns the registered methods in display order.
func (r *Registry) Methods() []Method {
	out := make([]Method, 0, len(r.adapters))
	for _, m := range methods {
		if _, ok := r.adapters[m]; ok {
			out = append(out, m)
		}
	}
	return out
}

// MinorUnits converts an amount to the provider's smallest currency unit,
// rounding half away from zero.
func MinorUnits(amount decimal.Decimal) int64 {
	return amount.Shift(2).Round(0).IntPart()
}
