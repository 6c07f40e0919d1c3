package checkout

import (
	"context"
	"slices"
	"time"

	"github.com/shopspring/decimal"

	"github.com/xenking/kart-checkout/internal/domain/cart"
	"github.com/xenking/kart-checkout/internal/domain/shipping"
	"github.com/xenking/kart-checkout/internal/payment"
)

// Status is the state of a checkout session.
type Status string

// Session states.
const (
	StatusCollectingAddress Status = "collecting_address"
	StatusSelectingPayment  Status = "selecting_payment"
	StatusAuthorizing       Status = "authorizing"
	StatusConfirmed         Status = "confirmed"
	StatusFailed            Status = "failed"
	// StatusOrderUnrecorded means the payment was captured but the order could
	// not be recorded. Only support staff can resolve it.
	StatusOrderUnrecorded Status = "order_unrecorded"
)

func (s Status) String() string {
	return string(s)
}

// IsTerminal reports whether no further operation is accepted.
func (s Status) IsTerminal() bool {
	return s == StatusConfirmed || s == StatusOrderUnrecorded
}

// Session is a read-only view of a checkout session.
type Session struct {
	ID       string
	UserID   string
	Status   Status
	Address  *shipping.Address
	Rates    []shipping.Rate
	Shipping *shipping.Selection
	Billing  BillingIdentity
	Method   payment.Method

	// CartSnapshot and GrandTotal follow the cart until the first
	// authorization and are frozen from then on.
	CartSnapshot   cart.State
	GrandTotal     decimal.Decimal
	Frozen         bool
	IdempotencyKey string

	Attempts      int
	PendingAction *payment.Action
	LastOutcome   *payment.Outcome
	OrderID       string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// session is the mutable state behind a Session. Guarded by Orchestrator.mu.
type session struct {
	Session

	cart *cart.Cart

	// cancel stops the in-flight attempt; nil when none is running.
	cancel context.CancelFunc
	// settled is set once a successful outcome has been accepted.
	settled bool
	// settling is set while the order is being created.
	settling  bool
	abandoned bool
}

// view returns a copy safe to hand out. Before the totals are frozen it shows
// the live cart.
func (s *session) view() Session {
	v := s.Session
	v.Rates = slices.Clone(s.Rates)
	v.Address = clonePtr(s.Address)
	v.Shipping = clonePtr(s.Shipping)
	v.PendingAction = clonePtr(s.PendingAction)
	v.LastOutcome = clonePtr(s.LastOutcome)

	if s.Frozen {
		v.CartSnapshot = cart.State{Lines: slices.Clone(s.CartSnapshot.Lines), Total: s.CartSnapshot.Total}
		return v
	}
	v.CartSnapshot = s.cart.Snapshot()
	v.GrandTotal = v.CartSnapshot.Total
	if s.Shipping != nil {
		v.GrandTotal = v.GrandTotal.Add(s.Shipping.Rate)
	}
	return v
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
