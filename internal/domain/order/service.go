package order

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/bits-and-blooms/bloom/v3"
	"github.com/go-faster/errors"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/xenking/kart-checkout/internal/domain/shipping"
)

// Sentinel errors for order validation.
var (
	ErrEmptyItems              = errors.New("items required")
	ErrInvalidTotal            = errors.New("total must be greater than 0")
	ErrMissingPaymentReference = errors.New("payment reference required")
	ErrMissingIdempotencyKey   = errors.New("idempotency key required")
)

// InvalidItemError indicates an order line that cannot be recorded.
type InvalidItemError struct {
	ProductID int64
	Reason    string
}

func (e *InvalidItemError) Error() string {
	return fmt.Sprintf("item %d: %s", e.ProductID, e.Reason)
}

// KeyReuseError indicates an idempotency key that was already used for an
// order with a different total.
type KeyReuseError struct {
	Key      string
	Existing string
}

func (e *KeyReuseError) Error() string {
	return fmt.Sprintf("idempotency key %s already used by order %s", e.Key, e.Existing)
}

// CreateRequest holds the input for recording an order.
type CreateRequest struct {
	UserID           string
	Items            []Item
	Total            decimal.Decimal
	ShippingAddress  shipping.Address
	ShippingRate     shipping.Selection
	PaymentMethod    string
	PaymentReference string
	BillingName      string
	BillingEmail     string
	IdempotencyKey   string
}

// Bloom filter sizing for recently seen idempotency keys.
const (
	seenCapacity = 1_000_000
	seenFPR      = 0.001
)

// Service records orders, at most one per idempotency key.
type Service struct {
	orders Repository
	now    func() time.Time

	mu   sync.Mutex
	seen *bloom.BloomFilter
}

// NewService creates an order Service.
func NewService(orders Repository) *Service {
	return &Service{
		orders: orders,
		now:    time.Now,
		seen:   bloom.NewWithEstimates(seenCapacity, seenFPR),
	}
}

// Create validates req and records the order. A request repeating the
// idempotency key of a recorded order returns that order.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*Order, error) {
	if err := validate(req); err != nil {
		return nil, err
	}

	// Keys never seen by this process skip the lookup; the repository insert
	// is idempotent on its own.
	if s.maybeSeen(req.IdempotencyKey) {
		existing, err := s.orders.GetByIdempotencyKey(ctx, req.IdempotencyKey)
		switch {
		case err == nil:
			return replay(existing, req)
		case !errors.Is(err, ErrNotFound):
			return nil, errors.Wrap(err, "lookup order")
		}
	}

	o := &Order{
		ID:               uuid.New().String(),
		UserID:           req.UserID,
		Items:            req.Items,
		Total:            req.Total.Round(2),
		ShippingAddress:  req.ShippingAddress,
		ShippingRate:     req.ShippingRate,
		PaymentMethod:    req.PaymentMethod,
		PaymentReference: req.PaymentReference,
		BillingName:      req.BillingName,
		BillingEmail:     req.BillingEmail,
		IdempotencyKey:   req.IdempotencyKey,
		CreatedAt:        s.now().UTC(),
	}
	stored, err := s.orders.Create(ctx, o)
	if err != nil {
		return nil, errors.Wrap(err, "create order")
	}
	s.markSeen(req.IdempotencyKey)

	if stored.ID != o.ID {
		return replay(stored, req)
	}
	return stored, nil
}

func validate(req CreateRequest) error {
	if strings.TrimSpace(req.IdempotencyKey) == "" {
		return ErrMissingIdempotencyKey
	}
	if strings.TrimSpace(req.PaymentReference) == "" {
		return ErrMissingPaymentReference
	}
	if !req.Total.IsPositive() {
		return ErrInvalidTotal
	}
	if len(req.Items) == 0 {
		return ErrEmptyItems
	}
	for _, item := range req.Items {
		switch {
		case item.Quantity <= 0:
			return &InvalidItemError{ProductID: item.ProductID, Reason: "quantity must be greater than 0"}
		case item.UnitPrice.IsNegative():
			return &InvalidItemError{ProductID: item.ProductID, Reason: "negative unit price"}
		}
	}
	return nil
}

// replay returns the order already recorded under the request's key.
func replay(existing *Order, req CreateRequest) (*Order, error) {
	if !existing.Total.Equal(req.Total.Round(2)) {
		return nil, &KeyReuseError{Key: req.IdempotencyKey, Existing: existing.ID}
	}
	return existing, nil
}

func (s *Service) maybeSeen(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.seen.TestString(key)
}

func (s *Service) markSeen(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seen.AddString(key)
}
