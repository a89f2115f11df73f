package cart_test

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vasiliy-maslov/cart-checkout/internal/apperr"
	"github.com/vasiliy-maslov/cart-checkout/internal/cart"
	"github.com/vasiliy-maslov/cart-checkout/internal/db/dbtest"
)

func item(productID, price string, quantity int) cart.Item {
	return cart.Item{
		ProductID: productID,
		Name:      "Product " + productID,
		Price:     decimal.RequireFromString(price),
		Quantity:  quantity,
	}
}

func TestPostgresRepository_AddItemAccumulates(t *testing.T) {
	repo := cart.NewRepository(dbtest.Pool(t))
	ctx := context.Background()

	_, err := repo.GetByUserID(ctx, "u1")
	require.ErrorIs(t, err, cart.ErrCartNotFound)

	_, err = repo.AddItem(ctx, "u1", item("p1", "10.00", 2))
	require.NoError(t, err)
	_, err = repo.AddItem(ctx, "u1", item("p2", "5.00", 1))
	require.NoError(t, err)
	c, err := repo.AddItem(ctx, "u1", item("p1", "10.00", 3))
	require.NoError(t, err)

	require.Len(t, c.Items, 2)
	assert.Equal(t, "p1", c.Items[0].ProductID)
	assert.Equal(t, 5, c.Items[0].Quantity)
	assert.Equal(t, "p2", c.Items[1].ProductID)
	assert.True(t, decimal.RequireFromString("55").Equal(c.Total()))
}

func TestPostgresRepository_PutItemIsIdempotent(t *testing.T) {
	repo := cart.NewRepository(dbtest.Pool(t))
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := repo.PutItem(ctx, "u1", item("p1", "2.50", 4))
		require.NoError(t, err)
	}

	c, err := repo.GetByUserID(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, c.Items, 1)
	assert.Equal(t, 4, c.Items[0].Quantity)
}

func TestPostgresRepository_SetQuantity(t *testing.T) {
	repo := cart.NewRepository(dbtest.Pool(t))
	ctx := context.Background()

	_, err := repo.SetQuantity(ctx, "u1", "p1", 1)
	require.ErrorIs(t, err, cart.ErrCartNotFound)

	_, err = repo.AddItem(ctx, "u1", item("p1", "1.00", 1))
	require.NoError(t, err)

	_, err = repo.SetQuantity(ctx, "u1", "missing", 1)
	require.ErrorIs(t, err, cart.ErrItemNotFound)

	c, err := repo.SetQuantity(ctx, "u1", "p1", 7)
	require.NoError(t, err)
	assert.Equal(t, 7, c.Items[0].Quantity)

	c, err = repo.SetQuantity(ctx, "u1", "p1", 0)
	require.NoError(t, err)
	assert.Empty(t, c.Items)
}

func TestPostgresRepository_RemoveAndClear(t *testing.T) {
	repo := cart.NewRepository(dbtest.Pool(t))
	ctx := context.Background()

	_, err := repo.Clear(ctx, "u1")
	require.ErrorIs(t, err, cart.ErrCartNotFound)

	_, err = repo.AddItem(ctx, "u1", item("p1", "1.00", 1))
	require.NoError(t, err)
	_, err = repo.AddItem(ctx, "u1", item("p2", "1.00", 1))
	require.NoError(t, err)

	c, err := repo.RemoveItem(ctx, "u1", "absent")
	require.NoError(t, err)
	assert.Len(t, c.Items, 2)

	c, err = repo.RemoveItem(ctx, "u1", "p1")
	require.NoError(t, err)
	require.Len(t, c.Items, 1)
	assert.Equal(t, "p2", c.Items[0].ProductID)

	c, err = repo.Clear(ctx, "u1")
	require.NoError(t, err)
	assert.Empty(t, c.Items)

	c, err = repo.GetByUserID(ctx, "u1")
	require.NoError(t, err, "cleared cart must still exist")
	assert.Empty(t, c.Items)
}

func TestPostgresRepository_RejectsNegativePrice(t *testing.T) {
	repo := cart.NewRepository(dbtest.Pool(t))

	_, err := repo.AddItem(context.Background(), "u1", item("p1", "-1.00", 1))
	require.ErrorIs(t, err, apperr.ErrValidation)
}

func TestPostgresRepository_OversizedPriceIsNotReportedAsQuantity(t *testing.T) {
	repo := cart.NewRepository(dbtest.Pool(t))

	_, err := repo.AddItem(context.Background(), "u1", item("p1", "99999999999.00", 1))
	require.ErrorIs(t, err, apperr.ErrValidation)

	var verr *apperr.ValidationError
	require.ErrorAs(t, err, &verr)
	require.Len(t, verr.Fields, 1)
	assert.Equal(t, "item", verr.Fields[0].Field)
}
