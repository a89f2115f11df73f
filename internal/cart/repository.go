package cart

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/vasiliy-maslov/cart-checkout/internal/apperr"
	"github.com/vasiliy-maslov/cart-checkout/internal/db"
)

var (
	ErrCartNotFound = apperr.New(apperr.ErrNotFound, "cart not found")
	ErrItemNotFound = apperr.New(apperr.ErrNotFound, "item not found in cart")
)

// Repository persists one cart per user. Every mutating method is atomic
// and returns the cart as it is after the change.
type Repository interface {
	GetByUserID(ctx context.Context, userID string) (*Cart, error)
	// AddItem creates the cart if needed and adds item.Quantity to an
	// existing line or appends a new one.
	AddItem(ctx context.Context, userID string, item Item) (*Cart, error)
	// PutItem sets the line for item.ProductID to exactly item.
	PutItem(ctx context.Context, userID string, item Item) (*Cart, error)
	// SetQuantity sets the quantity of an existing line, removing it when
	// quantity <= 0.
	SetQuantity(ctx context.Context, userID, productID string, quantity int) (*Cart, error)
	RemoveItem(ctx context.Context, userID, productID string) (*Cart, error)
	Clear(ctx context.Context, userID string) (*Cart, error)
}

type postgresRepository struct {
	db *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) Repository {
	return &postgresRepository{db: pool}
}

const (
	upsertCartQuery = `
		INSERT INTO order_service.carts (user_id, created_at, updated_at)
		VALUES ($1, $2, $2)
		ON CONFLICT (user_id) DO UPDATE SET updated_at = EXCLUDED.updated_at
	`
	lockCartQuery = `
		SELECT updated_at FROM order_service.carts
		WHERE user_id = $1
		FOR UPDATE
	`
	touchCartQuery = `
		UPDATE order_service.carts SET updated_at = $2 WHERE user_id = $1
	`
)

func (r *postgresRepository) GetByUserID(ctx context.Context, userID string) (*Cart, error) {
	return Load(ctx, r.db, userID)
}

func (r *postgresRepository) AddItem(ctx context.Context, userID string, item Item) (*Cart, error) {
	query := `
		INSERT INTO order_service.cart_items (user_id, product_id, name, price, quantity, image)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (user_id, product_id)
		DO UPDATE SET quantity = cart_items.quantity + EXCLUDED.quantity
	`
	return r.upsertItem(ctx, "add cart item", query, userID, item)
}

func (r *postgresRepository) PutItem(ctx context.Context, userID string, item Item) (*Cart, error) {
	query := `
		INSERT INTO order_service.cart_items (user_id, product_id, name, price, quantity, image)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (user_id, product_id)
		DO UPDATE SET name = EXCLUDED.name, price = EXCLUDED.price, quantity = EXCLUDED.quantity, image = EXCLUDED.image
	`
	return r.upsertItem(ctx, "put cart item", query, userID, item)
}

func (r *postgresRepository) upsertItem(ctx context.Context, op, query, userID string, item Item) (*Cart, error) {
	var result *Cart
	err := db.WithTx(ctx, r.db, op, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, upsertCartQuery, userID, time.Now().UTC()); err != nil {
			return fmt.Errorf("repository: failed to upsert cart for user %s: %w", userID, err)
		}

		_, err := tx.Exec(ctx, query, userID, item.ProductID, item.Name, item.Price, item.Quantity, item.Image)
		if err != nil {
			return fmt.Errorf("repository: failed to upsert item %s for user %s: %w", item.ProductID, userID, mapConstraintError(err))
		}

		result, err = Load(ctx, tx, userID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (r *postgresRepository) SetQuantity(ctx context.Context, userID, productID string, quantity int) (*Cart, error) {
	var result *Cart
	err := db.WithTx(ctx, r.db, "set cart item quantity", func(tx pgx.Tx) error {
		if err := lockCart(ctx, tx, userID); err != nil {
			return err
		}

		var (
			tag pgconn.CommandTag
			err error
		)
		if quantity > 0 {
			tag, err = tx.Exec(ctx, `
				UPDATE order_service.cart_items SET quantity = $3
				WHERE user_id = $1 AND product_id = $2
			`, userID, productID, quantity)
		} else {
			tag, err = tx.Exec(ctx, `
				DELETE FROM order_service.cart_items
				WHERE user_id = $1 AND product_id = $2
			`, userID, productID)
		}
		if err != nil {
			return fmt.Errorf("repository: failed to set quantity of item %s for user %s: %w", productID, userID, err)
		}
		if tag.RowsAffected() == 0 {
			return ErrItemNotFound
		}

		if _, err := tx.Exec(ctx, touchCartQuery, userID, time.Now().UTC()); err != nil {
			return fmt.Errorf("repository: failed to touch cart for user %s: %w", userID, err)
		}

		result, err = Load(ctx, tx, userID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (r *postgresRepository) RemoveItem(ctx context.Context, userID, productID string) (*Cart, error) {
	return r.deleteItems(ctx, "remove cart item", userID, `
		DELETE FROM order_service.cart_items WHERE user_id = $1 AND product_id = $2
	`, userID, productID)
}

func (r *postgresRepository) Clear(ctx context.Context, userID string) (*Cart, error) {
	return r.deleteItems(ctx, "clear cart", userID, `
		DELETE FROM order_service.cart_items WHERE user_id = $1
	`, userID)
}

func (r *postgresRepository) deleteItems(ctx context.Context, op, userID, query string, args ...any) (*Cart, error) {
	var result *Cart
	err := db.WithTx(ctx, r.db, op, func(tx pgx.Tx) error {
		if err := lockCart(ctx, tx, userID); err != nil {
			return err
		}

		if _, err := tx.Exec(ctx, query, args...); err != nil {
			return fmt.Errorf("repository: %s for user %s: %w", op, userID, err)
		}
		if _, err := tx.Exec(ctx, touchCartQuery, userID, time.Now().UTC()); err != nil {
			return fmt.Errorf("repository: failed to touch cart for user %s: %w", userID, err)
		}

		var err error
		result, err = Load(ctx, tx, userID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func lockCart(ctx context.Context, tx pgx.Tx, userID string) error {
	var updatedAt time.Time
	err := tx.QueryRow(ctx, lockCartQuery, userID).Scan(&updatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrCartNotFound
		}
		return fmt.Errorf("repository: failed to lock cart for user %s: %w", userID, err)
	}
	return nil
}

// Load reads a cart and its lines in insertion order. It is exported so the
// order repository can read the cart inside its checkout transaction.
func Load(ctx context.Context, q db.Querier, userID string) (*Cart, error) {
	c := Empty(userID)

	err := q.QueryRow(ctx, `
		SELECT updated_at FROM order_service.carts WHERE user_id = $1
	`, userID).Scan(&c.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrCartNotFound
		}
		return nil, fmt.Errorf("repository: failed to select cart for user %s: %w", userID, err)
	}

	rows, err := q.Query(ctx, `
		SELECT product_id, name, price, quantity, image
		FROM order_service.cart_items
		WHERE user_id = $1
		ORDER BY id
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("repository: failed to query cart items for user %s: %w", userID, err)
	}
	defer rows.Close()

	for rows.Next() {
		var item Item
		if err := rows.Scan(&item.ProductID, &item.Name, &item.Price, &item.Quantity, &item.Image); err != nil {
			return nil, fmt.Errorf("repository: failed to scan cart item for user %s: %w", userID, err)
		}
		c.Items = append(c.Items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("repository: error iterating cart items for user %s: %w", userID, err)
	}

	return c, nil
}

func mapConstraintError(err error) error {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return err
	}

	switch pgErr.Code {
	case pgerrcode.CheckViolation:
		return apperr.NewValidation("item", "violates constraint "+pgErr.ConstraintName)
	case pgerrcode.NumericValueOutOfRange:
		// Raised for either price or quantity, the server does not say which.
		return apperr.NewValidation("item", "numeric value is out of range")
	default:
		return err
	}
}
