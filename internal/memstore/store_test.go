package memstore_test

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/vasiliy-maslov/cart-checkout/internal/apperr"
	"github.com/vasiliy-maslov/cart-checkout/internal/cache"
	"github.com/vasiliy-maslov/cart-checkout/internal/cart"
	"github.com/vasiliy-maslov/cart-checkout/internal/memstore"
	"github.com/vasiliy-maslov/cart-checkout/internal/order"
)

func address() order.CreateOrderInput {
	return order.CreateOrderInput{
		ShippingAddress: order.ShippingAddress{
			Name: "Jane", Street: "1 Main St", City: "Springfield", ZipCode: "12345", Country: "US",
		},
		PaymentMethod: order.PaymentPayPal,
	}
}

func TestCartToOrderLifecycle(t *testing.T) {
	store := memstore.New()
	carts := cart.NewService(store.Carts())
	orders := order.NewService(store.Orders())
	ctx := context.Background()

	_, err := carts.AddItem(ctx, "u1", cart.AddItemInput{ProductID: "p1", Name: "Widget", Price: decimal.NewFromInt(10), Quantity: 2})
	require.NoError(t, err)
	summary, err := carts.AddItem(ctx, "u1", cart.AddItemInput{ProductID: "p2", Name: "Gadget", Price: decimal.NewFromInt(5), Quantity: 1})
	require.NoError(t, err)
	assert.True(t, decimal.NewFromInt(25).Equal(summary.TotalAmount))

	created, err := orders.CreateOrder(ctx, "u1", address())
	require.NoError(t, err)
	assert.Equal(t, order.StatusPending, created.Status)
	assert.True(t, decimal.NewFromInt(25).Equal(created.TotalAmount))
	require.Len(t, created.Items, 2)

	summary, err = carts.GetCart(ctx, "u1")
	require.NoError(t, err)
	assert.Empty(t, summary.Cart.Items)

	_, err = orders.CreateOrder(ctx, "u1", address())
	require.ErrorIs(t, err, apperr.ErrEmptyCart)

	shipped, err := orders.SetOrderStatus(ctx, created.ID.String(), order.StatusShipped)
	require.NoError(t, err)
	assert.Equal(t, order.StatusShipped, shipped.Status)

	_, err = orders.CancelOrder(ctx, created.ID.String(), order.Requester{UserID: "u1"})
	require.ErrorIs(t, err, apperr.ErrInvalidState)

	_, err = orders.GetOrderByID(ctx, created.ID.String(), order.Requester{UserID: "u2"})
	require.ErrorIs(t, err, apperr.ErrForbidden)
}

func TestCancelPendingOrder(t *testing.T) {
	store := memstore.New()
	carts := cart.NewService(store.Carts())
	orders := order.NewService(store.Orders())
	ctx := context.Background()

	_, err := carts.AddItem(ctx, "u1", cart.AddItemInput{ProductID: "p1", Name: "Widget", Price: decimal.NewFromInt(1), Quantity: 1})
	require.NoError(t, err)
	created, err := orders.CreateOrder(ctx, "u1", address())
	require.NoError(t, err)

	cancelled, err := orders.CancelOrder(ctx, created.ID.String(), order.Requester{UserID: "u1"})
	require.NoError(t, err)
	assert.Equal(t, order.StatusCancelled, cancelled.Status)
	assert.True(t, !cancelled.UpdatedAt.Before(created.UpdatedAt))

	_, err = orders.CancelOrder(ctx, created.ID.String(), order.Requester{UserID: "u1"})
	require.ErrorIs(t, err, order.ErrNotCancellable)
}

func TestConcurrentAddsAccumulate(t *testing.T) {
	store := memstore.New()
	carts := cart.NewService(store.Carts())

	g, ctx := errgroup.WithContext(context.Background())
	for i := 0; i < 50; i++ {
		g.Go(func() error {
			_, err := carts.AddItem(ctx, "u1", cart.AddItemInput{ProductID: "p1", Name: "Widget", Price: decimal.NewFromInt(2), Quantity: 1})
			return err
		})
	}
	require.NoError(t, g.Wait())

	summary, err := carts.GetCart(context.Background(), "u1")
	require.NoError(t, err)
	require.Len(t, summary.Cart.Items, 1)
	assert.Equal(t, 50, summary.Cart.Items[0].Quantity)
	assert.True(t, decimal.NewFromInt(100).Equal(summary.TotalAmount))
}

func TestConcurrentCheckoutCreatesOneOrder(t *testing.T) {
	store := memstore.New()
	carts := cart.NewService(store.Carts())
	orders := order.NewService(store.Orders())

	_, err := carts.AddItem(context.Background(), "u1", cart.AddItemInput{ProductID: "p1", Name: "Widget", Price: decimal.NewFromInt(3), Quantity: 3})
	require.NoError(t, err)

	var created, empty atomic.Int32
	g, ctx := errgroup.WithContext(context.Background())
	for i := 0; i < 10; i++ {
		g.Go(func() error {
			_, err := orders.CreateOrder(ctx, "u1", address())
			if errors.Is(err, apperr.ErrEmptyCart) {
				empty.Add(1)
				return nil
			}
			if err == nil {
				created.Add(1)
			}
			return err
		})
	}
	require.NoError(t, g.Wait())

	assert.Equal(t, int32(1), created.Load())
	assert.Equal(t, int32(9), empty.Load())

	mine, err := orders.GetUserOrders(context.Background(), "u1")
	require.NoError(t, err)
	assert.Len(t, mine, 1)
}

func TestListNewestFirstWithPagination(t *testing.T) {
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	tick := 0
	store := memstore.New().WithClock(func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Minute)
	})
	carts := cart.NewService(store.Carts())
	orders := order.NewService(store.Orders())
	ctx := context.Background()

	var ids []string
	for i := 0; i < 3; i++ {
		_, err := carts.AddItem(ctx, "u1", cart.AddItemInput{ProductID: "p1", Name: "Widget", Price: decimal.NewFromInt(1), Quantity: 1})
		require.NoError(t, err)
		o, err := orders.CreateOrder(ctx, "u1", address())
		require.NoError(t, err)
		ids = append(ids, o.ID.String())
	}

	page, err := orders.ListAllOrders(ctx, order.ListFilter{Page: 1, Limit: 2})
	require.NoError(t, err)
	assert.Equal(t, 3, page.Pagination.Total)
	assert.Equal(t, 2, page.Pagination.Pages)
	require.Len(t, page.Orders, 2)
	assert.Equal(t, ids[2], page.Orders[0].ID.String())

	page, err = orders.ListAllOrders(ctx, order.ListFilter{Page: 2, Limit: 2})
	require.NoError(t, err)
	require.Len(t, page.Orders, 1)
	assert.Equal(t, ids[0], page.Orders[0].ID.String())

	page, err = orders.ListAllOrders(ctx, order.ListFilter{Page: 5, Limit: 2})
	require.NoError(t, err)
	assert.Empty(t, page.Orders)
}

func TestReturnedCartIsACopy(t *testing.T) {
	store := memstore.New()
	repo := store.Carts()
	ctx := context.Background()

	c, err := repo.AddItem(ctx, "u1", cart.Item{ProductID: "p1", Name: "Widget", Price: decimal.NewFromInt(1), Quantity: 1})
	require.NoError(t, err)
	c.Items[0].Quantity = 99

	stored, err := repo.GetByUserID(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 1, stored.Items[0].Quantity)
}

// pausingRepository holds the first successful checkout after it commits
// until release is closed.
type pausingRepository struct {
	order.Repository
	committed chan struct{}
	release   chan struct{}
	paused    atomic.Bool
}

func (r *pausingRepository) Checkout(ctx context.Context, draft *order.Order) (*order.Order, error) {
	o, err := r.Repository.Checkout(ctx, draft)
	if err == nil && r.paused.CompareAndSwap(false, true) {
		close(r.committed)
		<-r.release
	}
	return o, err
}

func TestRetriedCheckoutDuringFirstAttemptReturnsSameOrder(t *testing.T) {
	store := memstore.New()
	repo := &pausingRepository{
		Repository: store.Orders(),
		committed:  make(chan struct{}),
		release:    make(chan struct{}),
	}
	carts := cart.NewService(store.Carts())
	orders := order.NewService(repo, order.WithIdempotencyStore(cache.NewMemoryIdempotencyStore(time.Minute)))
	ctx := context.Background()

	_, err := carts.AddItem(ctx, "u1", cart.AddItemInput{ProductID: "p1", Name: "Widget", Price: decimal.NewFromInt(10), Quantity: 2})
	require.NoError(t, err)

	in := address()
	in.IdempotencyKey = "key-1"

	type result struct {
		o   *order.Order
		err error
	}
	first := make(chan result, 1)
	go func() {
		o, err := orders.CreateOrder(ctx, "u1", in)
		first <- result{o, err}
	}()

	<-repo.committed
	// The first attempt has emptied the cart but not yet remembered its key.
	retried, err := orders.CreateOrder(ctx, "u1", in)
	close(repo.release)
	require.NoError(t, err)

	res := <-first
	require.NoError(t, res.err)
	assert.Equal(t, res.o.ID, retried.ID)
	assert.True(t, decimal.NewFromInt(20).Equal(retried.TotalAmount))

	list, err := orders.GetUserOrders(ctx, "u1")
	require.NoError(t, err)
	assert.Len(t, list, 1)

	// A different key is a new checkout of the now empty cart.
	in.IdempotencyKey = "key-2"
	_, err = orders.CreateOrder(ctx, "u1", in)
	require.ErrorIs(t, err, apperr.ErrEmptyCart)
}

func TestRandomCartEditsKeepTotalsConsistent(t *testing.T) {
	store := memstore.New()
	carts := cart.NewService(store.Carts())
	ctx := context.Background()

	const products = 6
	prices := make([]decimal.Decimal, products)
	for i := range prices {
		prices[i] = decimal.New(int64(100+i*1337), -2)
	}

	for _, seed := range []int64{1, 7, 42, 2024} {
		t.Run(fmt.Sprintf("seed %d", seed), func(t *testing.T) {
			rng := rand.New(rand.NewSource(seed))
			userID := fmt.Sprintf("user-%d", seed)
			want := make(map[string]int)

			for step := 0; step < 300; step++ {
				n := rng.Intn(products)
				productID := fmt.Sprintf("p%d", n)

				var (
					summary *cart.Summary
					err     error
				)
				switch op := rng.Intn(10); {
				case op < 5:
					qty := 1 + rng.Intn(5)
					summary, err = carts.AddItem(ctx, userID, cart.AddItemInput{
						ProductID: productID, Name: "Product " + productID, Price: prices[n], Quantity: qty,
					})
					want[productID] += qty
				case op < 8:
					qty := rng.Intn(6)
					summary, err = carts.UpdateItem(ctx, userID, productID, qty)
					if _, ok := want[productID]; !ok {
						require.Error(t, err, "step %d: update of a missing line", step)
						continue
					}
					if qty == 0 {
						delete(want, productID)
					} else {
						want[productID] = qty
					}
				case op < 9:
					summary, err = carts.RemoveItem(ctx, userID, productID)
					delete(want, productID)
				default:
					summary, err = carts.ClearCart(ctx, userID)
					clear(want)
				}
				require.NoError(t, err, "step %d", step)

				wantAmount, wantQty := decimal.Zero, 0
				for id, qty := range want {
					var i int
					_, _ = fmt.Sscanf(id, "p%d", &i)
					wantAmount = wantAmount.Add(prices[i].Mul(decimal.NewFromInt(int64(qty))))
					wantQty += qty
				}

				gotAmount := decimal.Zero
				for _, it := range summary.Cart.Items {
					gotAmount = gotAmount.Add(it.Price.Mul(decimal.NewFromInt(int64(it.Quantity))))
				}

				require.True(t, gotAmount.Equal(summary.TotalAmount), "step %d: total %s, lines sum to %s", step, summary.TotalAmount, gotAmount)
				require.True(t, wantAmount.Equal(summary.TotalAmount), "step %d: total %s, want %s", step, summary.TotalAmount, wantAmount)
				require.Equal(t, wantQty, summary.TotalQuantity, "step %d", step)
				require.Equal(t, len(want), summary.TotalItems, "step %d", step)
			}
		})
	}
}
