package cart

import (
	"context"
	"math/rand/v2"
	"sync"
	"testing"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- Mock implementations ---

type memStore struct {
	mu      sync.Mutex
	records map[string]Record
	saves   int
	loadErr error
	saveErr error
}

func newMemStore() *memStore {
	return &memStore{records: make(map[string]Record)}
}

func (m *memStore) Load(_ context.Context, key string) (Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.loadErr != nil {
		return Record{}, m.loadErr
	}
	rec, ok := m.records[key]
	if !ok {
		return Record{}, ErrNotFound
	}
	return rec, nil
}

func (m *memStore) Save(_ context.Context, key string, rec Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saves++
	if m.saveErr != nil {
		return m.saveErr
	}
	if cur, ok := m.records[key]; ok && cur.Version >= rec.Version {
		return &StaleWriteError{Key: key, Current: cur.Version}
	}
	m.records[key] = rec
	return nil
}

type recordingNotifier struct {
	messages []string
	err      error
	panics   bool
}

func (n *recordingNotifier) Notify(_ context.Context, _ string, message string) error {
	if n.panics {
		panic("toast container not mounted")
	}
	n.messages = append(n.messages, message)
	return n.err
}

// --- Helpers ---

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func sumLines(s State) decimal.Decimal {
	sum := decimal.Zero
	for _, l := range s.Lines {
		sum = sum.Add(l.UnitPrice.Mul(decimal.NewFromInt(int64(l.Quantity))))
	}
	return sum
}

func requireTotalInvariant(t *testing.T, s State) {
	t.Helper()
	require.True(t, sumLines(s).Equal(s.Total), "total %s != sum of lines %s", s.Total, sumLines(s))
	for _, l := range s.Lines {
		require.GreaterOrEqual(t, l.Quantity, 1, "line %d", l.ProductID)
	}
}

func newTestCart(t *testing.T) (*Cart, *memStore) {
	t.Helper()
	store := newMemStore()
	return Load(context.Background(), StorageKey("u1"), store), store
}

// --- Tests ---

func TestAddItem_NewAndRepeated(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestCart(t)

	require.NoError(t, c.AddItem(ctx, Product{ID: 7, Name: "Candle", Price: "12.50"}))
	require.NoError(t, c.AddItem(ctx, Product{ID: 7, Name: "Candle", Price: 12.5}))

	s := c.Snapshot()
	require.Len(t, s.Lines, 1)
	assert.Equal(t, 2, s.Lines[0].Quantity)
	assert.True(t, dec("25.00").Equal(s.Total), "got %s", s.Total)
}

func TestAddItem_InvalidPriceLeavesStateUnchanged(t *testing.T) {
	ctx := context.Background()
	c, store := newTestCart(t)
	require.NoError(t, c.AddItem(ctx, Product{ID: 1, Name: "Book", Price: "10"}))
	before := c.Snapshot()
	saves := store.saves

	err := c.AddItem(ctx, Product{ID: 2, Name: "Broken", Price: "ten dollars"})

	require.ErrorIs(t, err, ErrInvalidPrice)
	assert.Equal(t, before, c.Snapshot())
	assert.Equal(t, saves, store.saves)
}

func TestRemoveItem(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestCart(t)
	require.NoError(t, c.AddItem(ctx, Product{ID: 1, Name: "A", Price: "3.00"}))
	require.NoError(t, c.AddItem(ctx, Product{ID: 1, Name: "A", Price: "3.00"}))
	require.NoError(t, c.AddItem(ctx, Product{ID: 2, Name: "B", Price: "4.25"}))

	c.RemoveItem(ctx, 1)

	s := c.Snapshot()
	require.Len(t, s.Lines, 1)
	assert.Equal(t, int64(2), s.Lines[0].ProductID)
	assert.True(t, dec("4.25").Equal(s.Total))

	// Unknown product is a silent no-op.
	c.RemoveItem(ctx, 99)
	assert.Equal(t, s, c.Snapshot())
}

func TestUpdateQuantity(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name      string
		productID int64
		quantity  int
		wantLines int
		wantTotal string
	}{
		{name: "increase", productID: 1, quantity: 5, wantLines: 2, wantTotal: "17.00"},
		{name: "decrease", productID: 1, quantity: 1, wantLines: 2, wantTotal: "5.00"},
		{name: "zero removes line", productID: 1, quantity: 0, wantLines: 1, wantTotal: "2.00"},
		{name: "negative is ignored", productID: 1, quantity: -1, wantLines: 2, wantTotal: "8.00"},
		{name: "unknown product is ignored", productID: 42, quantity: 3, wantLines: 2, wantTotal: "8.00"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, _ := newTestCart(t)
			require.NoError(t, c.AddItem(ctx, Product{ID: 1, Name: "A", Price: "3"}))
			require.NoError(t, c.AddItem(ctx, Product{ID: 1, Name: "A", Price: "3"}))
			require.NoError(t, c.AddItem(ctx, Product{ID: 2, Name: "B", Price: "2"}))

			c.UpdateQuantity(ctx, tt.productID, tt.quantity)

			s := c.Snapshot()
			assert.Len(t, s.Lines, tt.wantLines)
			assert.True(t, dec(tt.wantTotal).Equal(s.Total), "got %s", s.Total)
			requireTotalInvariant(t, s)
		})
	}
}

func TestUpdateQuantity_NegativeIsByteIdentical(t *testing.T) {
	ctx := context.Background()
	c, store := newTestCart(t)
	require.NoError(t, c.AddItem(ctx, Product{ID: 3, Name: "Rosary", Price: "19.99"}))
	before := Encode(c.Snapshot())
	saves := store.saves

	c.UpdateQuantity(ctx, 3, -1)

	assert.Equal(t, before, Encode(c.Snapshot()))
	assert.Equal(t, saves, store.saves, "no persistence write for a rejected update")
}

func TestClear(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestCart(t)
	require.NoError(t, c.AddItem(ctx, Product{ID: 1, Name: "A", Price: "1.10"}))

	c.Clear(ctx)

	s := c.Snapshot()
	assert.Empty(t, s.Lines)
	assert.True(t, decimal.Zero.Equal(s.Total))
}

func TestSubtract(t *testing.T) {
	ctx := context.Background()
	paid := State{
		Lines: []Line{
			{ProductID: 1, Name: "A", UnitPrice: dec("3"), Quantity: 2},
			{ProductID: 2, Name: "B", UnitPrice: dec("2"), Quantity: 1},
		},
		Total: dec("8"),
	}

	tests := []struct {
		name      string
		extra     []Product
		wantLines map[int64]int
		wantTotal string
	}{
		{name: "nothing added since", wantLines: map[int64]int{}, wantTotal: "0"},
		{
			name:      "new product survives",
			extra:     []Product{{ID: 3, Name: "C", Price: "100"}},
			wantLines: map[int64]int{3: 1},
			wantTotal: "100",
		},
		{
			name:      "extra quantity survives",
			extra:     []Product{{ID: 1, Name: "A", Price: "3"}},
			wantLines: map[int64]int{1: 1},
			wantTotal: "3",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, store := newTestCart(t)
			require.NoError(t, c.AddItem(ctx, Product{ID: 1, Name: "A", Price: "3"}))
			require.NoError(t, c.AddItem(ctx, Product{ID: 1, Name: "A", Price: "3"}))
			require.NoError(t, c.AddItem(ctx, Product{ID: 2, Name: "B", Price: "2"}))
			for _, p := range tt.extra {
				require.NoError(t, c.AddItem(ctx, p))
			}
			saves := store.saves

			c.Subtract(ctx, paid)

			s := c.Snapshot()
			got := make(map[int64]int, len(s.Lines))
			for _, l := range s.Lines {
				got[l.ProductID] = l.Quantity
			}
			assert.Equal(t, tt.wantLines, got)
			assert.True(t, dec(tt.wantTotal).Equal(s.Total), "got %s", s.Total)
			assert.Equal(t, saves+1, store.saves)
			requireTotalInvariant(t, s)
		})
	}

	t.Run("lines removed meanwhile are skipped", func(t *testing.T) {
		c, store := newTestCart(t)
		require.NoError(t, c.AddItem(ctx, Product{ID: 9, Name: "Z", Price: "1"}))
		saves := store.saves

		c.Subtract(ctx, paid)

		assert.Len(t, c.Snapshot().Lines, 1)
		assert.Equal(t, saves, store.saves, "no write when nothing matched")
	})
}

func TestTotalInvariant_RandomOperations(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestCart(t)
	rng := rand.New(rand.NewPCG(1, 2))
	prices := []string{"0.99", "1.10", "25.00", "3.33", "100", "0.01"}

	for i := range 2000 {
		id := int64(rng.IntN(6))
		switch rng.IntN(10) {
		case 0, 1, 2, 3:
			require.NoError(t, c.AddItem(ctx, Product{ID: id, Name: "p", Price: prices[id]}))
		case 4, 5:
			c.RemoveItem(ctx, id)
		case 6, 7, 8:
			c.UpdateQuantity(ctx, id, rng.IntN(6)-1)
		case 9:
			if rng.IntN(20) == 0 {
				c.Clear(ctx)
			}
		}
		s := c.Snapshot()
		require.True(t, sumLines(s).Equal(s.Total), "step %d: total %s != %s", i, s.Total, sumLines(s))
	}
}

func TestMutationsPersistAndRehydrate(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	c := Load(ctx, StorageKey("u2"), store)

	require.NoError(t, c.AddItem(ctx, Product{ID: 10, Name: "Icon", Price: "49.95"}))
	require.NoError(t, c.AddItem(ctx, Product{ID: 11, Name: "Oil", Price: 7}))
	c.UpdateQuantity(ctx, 11, 3)

	reloaded := Load(ctx, StorageKey("u2"), store)

	assert.Equal(t, c.Snapshot().Lines, reloaded.Snapshot().Lines)
	assert.True(t, c.Snapshot().Total.Equal(reloaded.Snapshot().Total))
	assert.Equal(t, int64(3), store.records[StorageKey("u2")].Version)
}

func TestLoad_Fallbacks(t *testing.T) {
	ctx := context.Background()

	t.Run("malformed data", func(t *testing.T) {
		store := newMemStore()
		store.records["cart:x"] = Record{Data: []byte(`{"lines":[{"productId":1,`), Version: 4}
		c := Load(ctx, "cart:x", store)
		assert.True(t, c.Snapshot().Empty())

		// The next write replaces the corrupt record instead of conflicting forever.
		require.NoError(t, c.AddItem(ctx, Product{ID: 1, Name: "A", Price: "1"}))
		assert.Equal(t, int64(5), store.records["cart:x"].Version)
	})

	t.Run("store error", func(t *testing.T) {
		store := newMemStore()
		store.loadErr = errors.New("quota exceeded")
		c := Load(ctx, "cart:y", store)
		assert.True(t, c.Snapshot().Empty())
	})
}

func TestPersist_StaleWriteAppliesLastWrite(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	tab1 := Load(ctx, "cart:shared", store)
	tab2 := Load(ctx, "cart:shared", store)

	require.NoError(t, tab1.AddItem(ctx, Product{ID: 1, Name: "A", Price: "1"}))
	require.NoError(t, tab2.AddItem(ctx, Product{ID: 2, Name: "B", Price: "2"}))

	rec := store.records["cart:shared"]
	assert.Equal(t, int64(2), rec.Version)
	stored, err := Decode(rec.Data)
	require.NoError(t, err)
	assert.Equal(t, tab2.Snapshot().Lines, stored.Lines)
	assert.True(t, dec("2").Equal(stored.Total))
}

func TestPersistFailureKeepsMutation(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	store.saveErr = errors.New("disk full")
	c := Load(ctx, "cart:z", store)

	require.NoError(t, c.AddItem(ctx, Product{ID: 1, Name: "A", Price: "2.50"}))

	assert.True(t, dec("2.50").Equal(c.Snapshot().Total))
}

func TestNotifierFailuresDoNotAffectState(t *testing.T) {
	ctx := context.Background()

	t.Run("error", func(t *testing.T) {
		n := &recordingNotifier{err: errors.New("no toast")}
		c := Load(ctx, "cart:n1", newMemStore(), WithNotifier(n))
		require.NoError(t, c.AddItem(ctx, Product{ID: 1, Name: "A", Price: "1"}))
		c.UpdateQuantity(ctx, 1, 0)
		assert.Equal(t, []string{MsgAdded, MsgRemoved}, n.messages)
		assert.True(t, c.Snapshot().Empty())
	})

	t.Run("panic", func(t *testing.T) {
		n := &recordingNotifier{panics: true}
		c := Load(ctx, "cart:n2", newMemStore(), WithNotifier(n))
		require.NotPanics(t, func() {
			require.NoError(t, c.AddItem(ctx, Product{ID: 1, Name: "A", Price: "1"}))
		})
		assert.Len(t, c.Snapshot().Lines, 1)
	})
}

func TestConcurrentMutations(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestCart(t)

	var wg sync.WaitGroup
	for i := range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = c.AddItem(ctx, Product{ID: int64(i % 5), Name: "p", Price: "1.25"})
		}()
	}
	wg.Wait()

	s := c.Snapshot()
	assert.Equal(t, 50, s.ItemCount())
	requireTotalInvariant(t, s)
}

func TestRegistry_LoadsOnce(t *testing.T) {
	ctx := context.Background()
	r := NewRegistry(newMemStore())

	a := r.Get(ctx, "alice")
	require.NoError(t, a.AddItem(ctx, Product{ID: 1, Name: "A", Price: "1"}))

	assert.Same(t, a, r.Get(ctx, "alice"))
	assert.NotSame(t, a, r.Get(ctx, "bob"))
	assert.Equal(t, 2, r.Len())
}
