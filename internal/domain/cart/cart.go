package cart

import (
	"context"
	"slices"
	"sync"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Line is a single product entry in the cart. Quantity is at least 1 while
// the line exists.
type Line struct {
	ProductID int64
	Name      string
	UnitPrice decimal.Decimal
	Quantity  int
}

// Subtotal returns UnitPrice * Quantity.
func (l Line) Subtotal() decimal.Decimal {
	return l.UnitPrice.Mul(decimal.NewFromInt(int64(l.Quantity)))
}

// State is an observable cart value. Total always equals the sum of line
// subtotals.
type State struct {
	Lines []Line
	Total decimal.Decimal
}

// Empty reports whether the cart has no lines.
func (s State) Empty() bool {
	return len(s.Lines) == 0
}

// ItemCount returns the sum of quantities across all lines.
func (s State) ItemCount() int {
	n := 0
	for _, l := range s.Lines {
		n += l.Quantity
	}
	return n
}

func (s State) clone() State {
	return State{Lines: slices.Clone(s.Lines), Total: s.Total}
}

func (s State) index(productID int64) int {
	return slices.IndexFunc(s.Lines, func(l Line) bool { return l.ProductID == productID })
}

// Product is the shape of a product handed to the cart by upstream callers.
// Price is normalized with NormalizePrice.
type Product struct {
	ID    int64
	Name  string
	Price any
}

// Notification messages sent after successful mutations.
const (
	MsgAdded   = "Added to cart"
	MsgRemoved = "Removed from cart"
	MsgUpdated = "Cart updated"
	MsgCleared = "Cart cleared"
	MsgOrdered = "Ordered items removed from cart"
)

// Notifier delivers best-effort user notifications. Failures never affect
// cart state.
type Notifier interface {
	Notify(ctx context.Context, key, message string) error
}

// Cart is the cart aggregate for a single storage key. All mutations are
// serialized; each one persists the new state and then notifies the user.
type Cart struct {
	key      string
	store    Store
	notifier Notifier
	lg       *zap.Logger

	mu      sync.Mutex
	state   State
	version int64
}

// Option configures a Cart.
type Option func(*Cart)

// WithNotifier sets the notifier used after successful mutations.
func WithNotifier(n Notifier) Option {
	return func(c *Cart) { c.notifier = n }
}

// WithLogger sets the logger for persistence and notification failures.
func WithLogger(lg *zap.Logger) Option {
	return func(c *Cart) { c.lg = lg }
}

// Load rehydrates the cart stored under key. Missing or malformed data yields
// an empty cart; Load never fails.
func Load(ctx context.Context, key string, store Store, opts ...Option) *Cart {
	c := &Cart{
		key:   key,
		store: store,
		lg:    zap.NewNop(),
		state: State{Total: decimal.Zero},
	}
	for _, o := range opts {
		o(c)
	}

	rec, err := store.Load(ctx, key)
	switch {
	case errors.Is(err, ErrNotFound):
		return c
	case err != nil:
		c.lg.Warn("Cart load failed, starting empty", zap.String("key", key), zap.Error(err))
		return c
	}

	st, err := Decode(rec.Data)
	if err != nil {
		c.lg.Warn("Discarding malformed cart data",
			zap.String("key", key),
			zap.Int("bytes", len(rec.Data)),
			zap.Error(err),
		)
		// Keep the stored version so the next write replaces the corrupt record.
		c.version = rec.Version
		return c
	}
	c.state = st
	c.version = rec.Version
	return c
}

// Key returns the storage key of the cart.
func (c *Cart) Key() string {
	return c.key
}

// Snapshot returns a deep copy of the current state.
func (c *Cart) Snapshot() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.clone()
}

// AddItem increments the quantity of an existing line or appends a new line
// with quantity 1. It fails only when the price cannot be normalized, in which
// case the state is unchanged.
func (c *Cart) AddItem(ctx context.Context, p Product) error {
	price, err := NormalizePrice(p.Price)
	if err != nil {
		return errors.Wrapf(err, "product %d", p.ID)
	}

	c.mutate(ctx, MsgAdded, func(s *State) bool {
		if i := s.index(p.ID); i >= 0 {
			s.Lines[i].Quantity++
			s.Total = s.Total.Add(s.Lines[i].UnitPrice)
			return true
		}
		s.Lines = append(s.Lines, Line{
			ProductID: p.ID,
			Name:      p.Name,
			UnitPrice: price,
			Quantity:  1,
		})
		s.Total = s.Total.Add(price)
		return true
	})
	return nil
}

// RemoveItem deletes the line for productID. Unknown products are ignored.
func (c *Cart) RemoveItem(ctx context.Context, productID int64) {
	c.mutate(ctx, MsgRemoved, func(s *State) bool {
		return removeLine(s, productID)
	})
}

// UpdateQuantity sets the quantity of an existing line. Negative quantities
// are ignored, zero removes the line, unknown products are ignored.
func (c *Cart) UpdateQuantity(ctx context.Context, productID int64, quantity int) {
	if quantity < 0 {
		return
	}
	msg := MsgUpdated
	if quantity == 0 {
		msg = MsgRemoved
	}
	c.mutate(ctx, msg, func(s *State) bool {
		if quantity == 0 {
			return removeLine(s, productID)
		}
		i := s.index(productID)
		if i < 0 {
			return false
		}
		l := &s.Lines[i]
		if l.Quantity == quantity {
			return false
		}
		delta := decimal.NewFromInt(int64(quantity - l.Quantity))
		s.Total = s.Total.Add(l.UnitPrice.Mul(delta))
		l.Quantity = quantity
		return true
	})
}

// Clear empties the cart unconditionally.
func (c *Cart) Clear(ctx context.Context) {
	c.mutate(ctx, MsgCleared, func(s *State) bool {
		s.Lines = nil
		s.Total = decimal.Zero
		return true
	})
}

// Subtract removes the quantities of paid from the cart, leaving anything
// added since paid was taken. Lines that drop to zero are removed.
func (c *Cart) Subtract(ctx context.Context, paid State) {
	c.mutate(ctx, MsgOrdered, func(s *State) bool {
		changed := false
		for _, p := range paid.Lines {
			i := s.index(p.ProductID)
			if i < 0 || p.Quantity <= 0 {
				continue
			}
			if s.Lines[i].Quantity <= p.Quantity {
				removeLine(s, p.ProductID)
			} else {
				l := &s.Lines[i]
				l.Quantity -= p.Quantity
				s.Total = s.Total.Sub(l.UnitPrice.Mul(decimal.NewFromInt(int64(p.Quantity))))
			}
			changed = true
		}
		return changed
	})
}

func removeLine(s *State, productID int64) bool {
	i := s.index(productID)
	if i < 0 {
		return false
	}
	s.Total = s.Total.Sub(s.Lines[i].Subtotal())
	s.Lines = slices.Delete(s.Lines, i, i+1)
	return true
}

// mutate applies fn to a copy of the state and publishes the copy only when fn
// reports a change, so observers never see a partial update.
func (c *Cart) mutate(ctx context.Context, msg string, fn func(s *State) bool) {
	c.mu.Lock()
	next := c.state.clone()
	if !fn(&next) {
		c.mu.Unlock()
		return
	}
	c.state = next
	c.persist(ctx)
	c.mu.Unlock()

	c.notify(ctx, msg)
}

// persist writes the current state. Must be called with c.mu held.
func (c *Cart) persist(ctx context.Context) {
	rec := Record{Data: Encode(c.state), Version: c.version + 1}
	err := c.store.Save(ctx, c.key, rec)

	var stale *StaleWriteError
	if errors.As(err, &stale) {
		// Another writer got there first; this writer's state wins.
		c.lg.Warn("Cart overwritten concurrently, applying last write",
			zap.String("key", c.key),
			zap.Int64("expected_version", c.version),
			zap.Int64("current_version", stale.Current),
		)
		rec.Version = stale.Current + 1
		err = c.store.Save(ctx, c.key, rec)
	}
	if err != nil {
		c.lg.Error("Persist cart", zap.String("key", c.key), zap.Error(err))
		return
	}
	c.version = rec.Version
}

func (c *Cart) notify(ctx context.Context, msg string) {
	if c.notifier == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			c.lg.Warn("Cart notifier panicked", zap.String("key", c.key), zap.Any("panic", r))
		}
	}()
	if err := c.notifier.Notify(ctx, c.key, msg); err != nil {
		c.lg.Debug("Cart notification dropped", zap.String("key", c.key), zap.Error(err))
	}
}
