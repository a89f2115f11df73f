// Package memstore keeps carts and orders in process memory. One mutex
// guards both, so checkout is atomic with respect to every cart write.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/gofrs/uuid"

	"github.com/vasiliy-maslov/cart-checkout/internal/cart"
	"github.com/vasiliy-maslov/cart-checkout/internal/order"
)

type checkoutKey struct {
	userID string
	key    string
}

type Store struct {
	mu     sync.Mutex
	carts  map[string]*cart.Cart
	orders map[uuid.UUID]*order.Order
	keys   map[checkoutKey]uuid.UUID
	seq    []uuid.UUID
	now    func() time.Time
}

func New() *Store {
	return &Store{
		carts:  make(map[string]*cart.Cart),
		orders: make(map[uuid.UUID]*order.Order),
		keys:   make(map[checkoutKey]uuid.UUID),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// WithClock replaces the time source; tests use it to get distinct
// creation times.
func (s *Store) WithClock(now func() time.Time) *Store {
	s.now = now
	return s
}

func (s *Store) Carts() cart.Repository {
	return &cartRepository{s: s}
}

func (s *Store) Orders() order.Repository {
	return &orderRepository{s: s}
}

type cartRepository struct {
	s *Store
}

func (r *cartRepository) GetByUserID(_ context.Context, userID string) (*cart.Cart, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	c, ok := r.s.carts[userID]
	if !ok {
		return nil, cart.ErrCartNotFound
	}
	return copyCart(c), nil
}

func (r *cartRepository) AddItem(_ context.Context, userID string, item cart.Item) (*cart.Cart, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	c := r.s.cartFor(userID)
	if i := c.Find(item.ProductID); i >= 0 {
		c.Items[i].Quantity += item.Quantity
	} else {
		c.Items = append(c.Items, item)
	}
	c.UpdatedAt = r.s.now()
	return copyCart(c), nil
}

func (r *cartRepository) PutItem(_ context.Context, userID string, item cart.Item) (*cart.Cart, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	c := r.s.cartFor(userID)
	if i := c.Find(item.ProductID); i >= 0 {
		c.Items[i] = item
	} else {
		c.Items = append(c.Items, item)
	}
	c.UpdatedAt = r.s.now()
	return copyCart(c), nil
}

func (r *cartRepository) SetQuantity(_ context.Context, userID, productID string, quantity int) (*cart.Cart, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	c, ok := r.s.carts[userID]
	if !ok {
		return nil, cart.ErrCartNotFound
	}
	i := c.Find(productID)
	if i < 0 {
		return nil, cart.ErrItemNotFound
	}

	if quantity > 0 {
		c.Items[i].Quantity = quantity
	} else {
		c.Items = append(c.Items[:i], c.Items[i+1:]...)
	}
	c.UpdatedAt = r.s.now()
	return copyCart(c), nil
}

func (r *cartRepository) RemoveItem(_ context.Context, userID, productID string) (*cart.Cart, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	c, ok := r.s.carts[userID]
	if !ok {
		return nil, cart.ErrCartNotFound
	}
	if i := c.Find(productID); i >= 0 {
		c.Items = append(c.Items[:i], c.Items[i+1:]...)
	}
	c.UpdatedAt = r.s.now()
	return copyCart(c), nil
}

func (r *cartRepository) Clear(_ context.Context, userID string) (*cart.Cart, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	c, ok := r.s.carts[userID]
	if !ok {
		return nil, cart.ErrCartNotFound
	}
	c.Items = []cart.Item{}
	c.UpdatedAt = r.s.now()
	return copyCart(c), nil
}

// cartFor must be called with mu held.
func (s *Store) cartFor(userID string) *cart.Cart {
	c, ok := s.carts[userID]
	if !ok {
		c = cart.Empty(userID)
		s.carts[userID] = c
	}
	return c
}

type orderRepository struct {
	s *Store
}

func (r *orderRepository) Checkout(_ context.Context, draft *order.Order) (*order.Order, error) {
	id, err := uuid.NewV4()
	if err != nil {
		return nil, err
	}

	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	key := checkoutKey{userID: draft.UserID, key: draft.IdempotencyKey}
	if draft.IdempotencyKey != "" {
		if existing, ok := r.s.keys[key]; ok {
			return copyOrder(r.s.orders[existing]), nil
		}
	}

	c, ok := r.s.carts[draft.UserID]
	if !ok || len(c.Items) == 0 {
		return nil, order.ErrEmptyCart
	}

	now := r.s.now()
	created := *draft
	created.ID = id
	created.Items, created.TotalAmount = order.Snapshot(c.Items)
	created.Status = order.StatusPending
	created.CreatedAt = now
	created.UpdatedAt = now

	r.s.orders[id] = &created
	r.s.seq = append(r.s.seq, id)
	if draft.IdempotencyKey != "" {
		r.s.keys[key] = id
	}

	c.Items = []cart.Item{}
	c.UpdatedAt = now

	return copyOrder(&created), nil
}

func (r *orderRepository) GetByID(_ context.Context, id uuid.UUID) (*order.Order, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	o, ok := r.s.orders[id]
	if !ok {
		return nil, order.ErrOrderNotFound
	}
	return copyOrder(o), nil
}

func (r *orderRepository) ListByUserID(_ context.Context, userID string) ([]order.Order, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	return r.s.newestFirst(func(o *order.Order) bool { return o.UserID == userID }), nil
}

func (r *orderRepository) List(_ context.Context, filter order.ListFilter) ([]order.Order, int, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	matched := r.s.newestFirst(func(o *order.Order) bool {
		return filter.Status == "" || o.Status == filter.Status
	})

	total := len(matched)
	start := (filter.Page - 1) * filter.Limit
	if start < 0 || start >= total {
		return []order.Order{}, total, nil
	}
	end := start + filter.Limit
	if end > total {
		end = total
	}
	return matched[start:end], total, nil
}

func (r *orderRepository) UpdateStatus(_ context.Context, id uuid.UUID, expected, next order.OrderStatus) (*order.Order, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	o, ok := r.s.orders[id]
	if !ok {
		return nil, order.ErrOrderNotFound
	}
	if o.Status != expected {
		return nil, order.ErrStatusConflict
	}

	o.Status = next
	o.UpdatedAt = r.s.now()
	return copyOrder(o), nil
}

// newestFirst must be called with mu held.
func (s *Store) newestFirst(keep func(*order.Order) bool) []order.Order {
	out := make([]order.Order, 0)
	for i := len(s.seq) - 1; i >= 0; i-- {
		o := s.orders[s.seq[i]]
		if keep(o) {
			out = append(out, *copyOrder(o))
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

func copyCart(c *cart.Cart) *cart.Cart {
	cp := *c
	cp.Items = append([]cart.Item{}, c.Items...)
	return &cp
}

func copyOrder(o *order.Order) *order.Order {
	cp := *o
	cp.Items = append([]order.OrderItem{}, o.Items...)
	return &cp
}
