package postgres

import (
	"context"
	"encoding/json"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/xenking/kart-checkout/internal/domain/order"
)

var _ order.Repository = (*OrderRepository)(nil)

// OrderRepository implements order.Repository backed by PostgreSQL.
type OrderRepository struct {
	pool *pgxpool.Pool
}

// NewOrderRepository returns an OrderRepository that uses the given pool.
func NewOrderRepository(pool *pgxpool.Pool) *OrderRepository {
	return &OrderRepository{pool: pool}
}

const orderColumns = `id, user_id, items, total,
	ship_name, ship_line1, ship_line2, ship_city, ship_state, ship_postal_code, ship_country, ship_phone,
	shipping_carrier, shipping_service, shipping_rate, shipping_days,
	payment_method, payment_reference, billing_name, billing_email, idempotency_key, created_at`

// Create persists o unless its idempotency key is taken, and returns the
// stored order either way. The order items are serialized to JSON for
// storage in the JSONB column.
func (r *OrderRepository) Create(ctx context.Context, o *order.Order) (*order.Order, error) {
	itemsJSON, err := json.Marshal(o.Items)
	if err != nil {
		return nil, errors.Wrap(err, "marshal order items")
	}

	a, rate := o.ShippingAddress, o.ShippingRate
	tag, err := r.pool.Exec(ctx, `INSERT INTO orders (`+orderColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22)
		ON CONFLICT (idempotency_key) DO NOTHING`,
		o.ID, o.UserID, itemsJSON, o.Total,
		a.Name, a.Line1, a.Line2, a.City, a.State, a.PostalCode, a.Country, a.Phone,
		rate.Carrier, rate.Service, rate.Rate, rate.EstimatedDays,
		o.PaymentMethod, o.PaymentReference, o.BillingName, o.BillingEmail, o.IdempotencyKey, o.CreatedAt,
	)
	if err != nil {
		return nil, errors.Wrapf(err, "create order %q", o.ID)
	}
	if tag.RowsAffected() == 1 {
		stored := *o
		return &stored, nil
	}
	return r.GetByIdempotencyKey(ctx, o.IdempotencyKey)
}

// GetByIdempotencyKey returns the order recorded under key or
// order.ErrNotFound.
func (r *OrderRepository) GetByIdempotencyKey(ctx context.Context, key string) (*order.Order, error) {
	var (
		o         order.Order
		itemsJSON []byte
		a         = &o.ShippingAddress
		rate      = &o.ShippingRate
	)
	err := r.pool.QueryRow(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE idempotency_key = $1`, key,
	).Scan(
		&o.ID, &o.UserID, &itemsJSON, &o.Total,
		&a.Name, &a.Line1, &a.Line2, &a.City, &a.State, &a.PostalCode, &a.Country, &a.Phone,
		&rate.Carrier, &rate.Service, &rate.Rate, &rate.EstimatedDays,
		&o.PaymentMethod, &o.PaymentReference, &o.BillingName, &o.BillingEmail, &o.IdempotencyKey, &o.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, order.ErrNotFound
		}
		return nil, errors.Wrapf(err, "get order by key %q", key)
	}
	if err := json.Unmarshal(itemsJSON, &o.Items); err != nil {
		return nil, errors.Wrap(err, "unmarshal order items")
	}
	o.CreatedAt = o.CreatedAt.UTC()
	return &o, nil
}
