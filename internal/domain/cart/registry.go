package cart

import (
	"context"
	"sync"
)

// Registry owns the carts of all users served by this process. A cart is
// rehydrated from the store on first access and kept for the process lifetime.
type Registry struct {
	store Store
	opts  []Option

	mu    sync.Mutex
	carts map[string]*Cart
}

// NewRegistry creates a Registry backed by store. opts are applied to every
// cart it loads.
func NewRegistry(store Store, opts ...Option) *Registry {
	return &Registry{
		store: store,
		opts:  opts,
		carts: make(map[string]*Cart),
	}
}

// Get returns the cart of userID, loading it on first use.
func (r *Registry) Get(ctx context.Context, userID string) *Cart {
	key := StorageKey(userID)

	r.mu.Lock()
	defer r.mu.Unlock()

	if c, ok := r.carts[key]; ok {
		return c
	}
	c := Load(ctx, key, r.store, r.opts...)
	r.carts[key] = c
	return c
}

// Len returns the number of carts currently held in memory.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.carts)
}
