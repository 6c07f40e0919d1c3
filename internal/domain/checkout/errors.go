package checkout

import (
	"fmt"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
)

// Sentinel errors returned by the orchestrator.
var (
	ErrSessionNotFound   = errors.New("checkout session not found")
	ErrEmptyCart         = errors.New("cart is empty")
	ErrShippingLocked    = errors.New("shipping cannot change after payment has started")
	ErrNoRates           = errors.New("no shipping rates available for this address")
	ErrMethodUnavailable = errors.New("payment method unavailable")
	ErrSettling          = errors.New("payment is being finalized")
	ErrAbandoned         = errors.New("checkout session abandoned")
	ErrClosed            = errors.New("checkout is shutting down")
)

// ValidationError is a rejected input. The session is unchanged.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

// TransitionError is an operation not allowed in the session's status.
type TransitionError struct {
	Op     string
	Status Status
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("cannot %s while checkout is %s", e.Op, e.Status)
}

// OrderNotRecordedError reports a captured payment for which no order could
// be created. It is never retried automatically.
type OrderNotRecordedError struct {
	SessionID         string
	ProviderReference string
	Amount            decimal.Decimal
	Err               error
}

func (e *OrderNotRecordedError) Error() string {
	return fmt.Sprintf("payment %s captured for session %s but order not recorded: %v",
		e.ProviderReference, e.SessionID, e.Err)
}

func (e *OrderNotRecordedError) Unwrap() error {
	return e.Err
}

// UserMessage is shown to the customer.
func (e *OrderNotRecordedError) UserMessage() string {
	return fmt.Sprintf("Your payment was received but we could not record your order. "+
		"Please contact support and quote reference %s. Do not pay again.", e.ProviderReference)
}
