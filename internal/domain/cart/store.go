package cart

import (
	"context"
	"fmt"

	"github.com/go-faster/errors"
)

// ErrNotFound is returned by a Store when no cart is stored under the key.
var ErrNotFound = errors.New("cart not found")

// Record is the persisted form of a cart: the encoded state and a monotonic
// write version.
type Record struct {
	Data    []byte
	Version int64
}

// StaleWriteError is returned by Store.Save when the stored record already has
// a version greater than or equal to the one being written.
type StaleWriteError struct {
	Key     string
	Current int64
}

func (e *StaleWriteError) Error() string {
	return fmt.Sprintf("stale write for cart %q: stored version is %d", e.Key, e.Current)
}

// Store persists encoded carts under scoped keys.
type Store interface {
	Load(ctx context.Context, key string) (Record, error)
	// Save writes rec if the stored version is lower than rec.Version and
	// returns *StaleWriteError otherwise.
	Save(ctx context.Context, key string, rec Record) error
}

// StorageKey returns the scoped storage key of a user's cart.
func StorageKey(userID string) string {
	return "cart:" + userID
}
