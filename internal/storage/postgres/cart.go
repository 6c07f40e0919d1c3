package postgres

import (
	"context"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/xenking/kart-checkout/internal/domain/cart"
)

var _ cart.Store = (*CartStore)(nil)

// CartStore implements cart.Store backed by PostgreSQL.
type CartStore struct {
	pool *pgxpool.Pool
}

// NewCartStore returns a CartStore that uses the given pool.
func NewCartStore(pool *pgxpool.Pool) *CartStore {
	return &CartStore{pool: pool}
}

// Load returns the record stored under key.
func (s *CartStore) Load(ctx context.Context, key string) (cart.Record, error) {
	var rec cart.Record
	err := s.pool.QueryRow(ctx,
		`SELECT data, version FROM carts WHERE key = $1`, key,
	).Scan(&rec.Data, &rec.Version)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return cart.Record{}, cart.ErrNotFound
		}
		return cart.Record{}, errors.Wrapf(err, "load cart %q", key)
	}
	return rec, nil
}

// Save upserts rec when its version is newer than the stored one.
func (s *CartStore) Save(ctx context.Context, key string, rec cart.Record) error {
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO carts (key, data, version, updated_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (key) DO UPDATE
		SET data = EXCLUDED.data, version = EXCLUDED.version, updated_at = now()
		WHERE carts.version < EXCLUDED.version`,
		key, rec.Data, rec.Version,
	)
	if err != nil {
		return errors.Wrapf(err, "save cart %q", key)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}

	var current int64
	if err := s.pool.QueryRow(ctx, `SELECT version FROM carts WHERE key = $1`, key).Scan(&current); err != nil {
		return errors.Wrapf(err, "read cart %q version", key)
	}
	return &cart.StaleWriteError{Key: key, Current: current}
}
