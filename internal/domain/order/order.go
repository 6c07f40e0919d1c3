package order

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"

	"github.com/xenking/kart-checkout/internal/domain/shipping"
)

// ErrNotFound is returned by a Repository when no order matches.
var ErrNotFound = errors.New("order not found")

// Order is an order recorded after a captured payment.
type Order struct {
	ID               string
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
	CreatedAt        time.Time
}

// Item is a single line of an order.
type Item struct {
	ProductID int64           `json:"product_id"`
	Name      string          `json:"name"`
	UnitPrice decimal.Decimal `json:"unit_price"`
	Quantity  int             `json:"quantity"`
}

// Repository defines persistence operations for orders.
type Repository interface {
	// Create stores o unless an order with the same idempotency key exists.
	// It returns the stored order, which is the earlier one on a conflict.
	Create(ctx context.Context, o *Order) (*Order, error)
	GetByIdempotencyKey(ctx context.Context, key string) (*Order, error)
}
