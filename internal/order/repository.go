package order

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gofrs/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"

	"github.com/vasiliy-maslov/cart-checkout/internal/apperr"
	"github.com/vasiliy-maslov/cart-checkout/internal/cart"
	"github.com/vasiliy-maslov/cart-checkout/internal/db"
)

var (
	ErrOrderNotFound  = apperr.New(apperr.ErrNotFound, "order not found")
	ErrEmptyCart      = apperr.New(apperr.ErrEmptyCart, "cannot create order with empty cart")
	ErrStatusConflict = apperr.New(apperr.ErrInvalidState, "order status was changed concurrently")
)

type Repository interface {
	// Checkout snapshots the user's cart into a new pending order built
	// from draft and empties the cart, all in one transaction. It fails
	// with ErrEmptyCart when the cart is missing or has no lines.
	Checkout(ctx context.Context, draft *Order) (*Order, error)
	GetByID(ctx context.Context, id uuid.UUID) (*Order, error)
	ListByUserID(ctx context.Context, userID string) ([]Order, error)
	List(ctx context.Context, filter ListFilter) ([]Order, int, error)
	// UpdateStatus writes next only if the order is still in expected.
	UpdateStatus(ctx context.Context, id uuid.UUID, expected, next OrderStatus) (*Order, error)
}

type postgresRepository struct {
	db *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) Repository {
	return &postgresRepository{db: pool}
}

const orderColumns = `
	id, user_id, total_amount,
	shipping_name, shipping_street, shipping_city, shipping_state,
	shipping_zip_code, shipping_country, shipping_phone,
	payment_method, status, notes, created_at, updated_at
`

func (r *postgresRepository) Checkout(ctx context.Context, draft *Order) (*Order, error) {
	orderID, err := uuid.NewV4()
	if err != nil {
		return nil, fmt.Errorf("repository: failed to generate order ID: %w", err)
	}

	created := *draft
	var replayed *Order
	err = db.WithTx(ctx, r.db, "checkout", func(tx pgx.Tx) error {
		// A concurrent checkout for the same user waits here until the
		// first one commits, so the key lookup below sees its order.
		var cartUpdatedAt time.Time
		cartExists := true
		err := tx.QueryRow(ctx, `
			SELECT updated_at FROM order_service.carts
			WHERE user_id = $1
			FOR UPDATE
		`, draft.UserID).Scan(&cartUpdatedAt)
		if err != nil {
			if !errors.Is(err, pgx.ErrNoRows) {
				return fmt.Errorf("repository: failed to lock cart for user %s: %w", draft.UserID, err)
			}
			cartExists = false
		}

		if draft.IdempotencyKey != "" {
			existing, err := findByIdempotencyKey(ctx, tx, draft.UserID, draft.IdempotencyKey)
			if err != nil {
				return err
			}
			if existing != nil {
				replayed = existing
				return nil
			}
		}
		if !cartExists {
			return ErrEmptyCart
		}

		c, err := cart.Load(ctx, tx, draft.UserID)
		if err != nil {
			return err
		}
		if len(c.Items) == 0 {
			return ErrEmptyCart
		}

		now := time.Now().UTC()
		created.ID = orderID
		created.Items, created.TotalAmount = Snapshot(c.Items)
		created.Status = StatusPending
		created.CreatedAt = now
		created.UpdatedAt = now

		_, err = tx.Exec(ctx, `
			INSERT INTO order_service.orders (`+orderColumns+`, idempotency_key)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, NULLIF($16, ''))
		`,
			created.ID,
			created.UserID,
			created.TotalAmount,
			created.ShippingAddress.Name,
			created.ShippingAddress.Street,
			created.ShippingAddress.City,
			created.ShippingAddress.State,
			created.ShippingAddress.ZipCode,
			created.ShippingAddress.Country,
			created.ShippingAddress.Phone,
			string(created.PaymentMethod),
			string(created.Status),
			created.Notes,
			created.CreatedAt,
			created.UpdatedAt,
			created.IdempotencyKey,
		)
		if err != nil {
			return fmt.Errorf("repository: failed to insert order: %w", err)
		}

		for i, it := range created.Items {
			_, err = tx.Exec(ctx, `
				INSERT INTO order_service.order_items (order_id, position, product_id, name, price, quantity, image)
				VALUES ($1, $2, $3, $4, $5, $6, $7)
			`, created.ID, i, it.ProductID, it.Name, it.Price, it.Quantity, it.Image)
			if err != nil {
				return fmt.Errorf("repository: failed to insert order item for order %s: %w", created.ID, err)
			}
		}

		if _, err = tx.Exec(ctx, `DELETE FROM order_service.cart_items WHERE user_id = $1`, draft.UserID); err != nil {
			return fmt.Errorf("repository: failed to empty cart for user %s: %w", draft.UserID, err)
		}
		if _, err = tx.Exec(ctx, `UPDATE order_service.carts SET updated_at = $2 WHERE user_id = $1`, draft.UserID, now); err != nil {
			return fmt.Errorf("repository: failed to touch cart for user %s: %w", draft.UserID, err)
		}

		return nil
	})
	if err != nil {
		return nil, err
	}
	if replayed != nil {
		log.Debug().Stringer("order_id", replayed.ID).Str("user_id", replayed.UserID).Msg("repository: checkout matched existing idempotency key")
		return replayed, nil
	}

	log.Debug().Stringer("order_id", created.ID).Str("user_id", created.UserID).Int("items", len(created.Items)).Msg("repository: checkout committed")
	return &created, nil
}

// findByIdempotencyKey returns nil when the user has no order under key.
func findByIdempotencyKey(ctx context.Context, q db.Querier, userID, key string) (*Order, error) {
	var id uuid.UUID
	err := q.QueryRow(ctx, `
		SELECT id FROM order_service.orders
		WHERE user_id = $1 AND idempotency_key = $2
	`, userID, key).Scan(&id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("repository: failed to look up idempotency key for user %s: %w", userID, err)
	}

	o, err := getByID(ctx, q, id)
	if err != nil {
		return nil, err
	}
	o.IdempotencyKey = key
	return o, nil
}

func (r *postgresRepository) GetByID(ctx context.Context, id uuid.UUID) (*Order, error) {
	return getByID(ctx, r.db, id)
}

func getByID(ctx context.Context, q db.Querier, id uuid.UUID) (*Order, error) {
	o, err := scanOrder(q.QueryRow(ctx, `SELECT `+orderColumns+` FROM order_service.orders WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrOrderNotFound
		}
		return nil, fmt.Errorf("repository: failed to select order by id %s: %w", id, err)
	}

	orders := []Order{*o}
	if err := loadItems(ctx, q, orders); err != nil {
		return nil, err
	}
	return &orders[0], nil
}

func (r *postgresRepository) ListByUserID(ctx context.Context, userID string) ([]Order, error) {
	rows, err := r.db.Query(ctx, `
		SELECT `+orderColumns+`
		FROM order_service.orders
		WHERE user_id = $1
		ORDER BY created_at DESC, id
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("repository: failed to query orders for user id %s: %w", userID, err)
	}

	orders, err := collectOrders(rows)
	if err != nil {
		return nil, fmt.Errorf("repository: failed to read orders for user id %s: %w", userID, err)
	}

	if err := loadItems(ctx, r.db, orders); err != nil {
		return nil, err
	}
	return orders, nil
}

func (r *postgresRepository) List(ctx context.Context, filter ListFilter) ([]Order, int, error) {
	var status *string
	if filter.Status != "" {
		s := string(filter.Status)
		status = &s
	}

	var total int
	err := r.db.QueryRow(ctx, `
		SELECT COUNT(*) FROM order_service.orders
		WHERE ($1::text IS NULL OR status = $1)
	`, status).Scan(&total)
	if err != nil {
		return nil, 0, fmt.Errorf("repository: failed to count orders: %w", err)
	}

	rows, err := r.db.Query(ctx, `
		SELECT `+orderColumns+`
		FROM order_service.orders
		WHERE ($1::text IS NULL OR status = $1)
		ORDER BY created_at DESC, id
		LIMIT $2 OFFSET $3
	`, status, filter.Limit, (filter.Page-1)*filter.Limit)
	if err != nil {
		return nil, 0, fmt.Errorf("repository: failed to query orders: %w", err)
	}

	orders, err := collectOrders(rows)
	if err != nil {
		return nil, 0, fmt.Errorf("repository: failed to read orders: %w", err)
	}

	if err := loadItems(ctx, r.db, orders); err != nil {
		return nil, 0, err
	}
	return orders, total, nil
}

func (r *postgresRepository) UpdateStatus(ctx context.Context, id uuid.UUID, expected, next OrderStatus) (*Order, error) {
	var updated *Order
	err := db.WithTx(ctx, r.db, "update order status", func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE order_service.orders
			SET status = $3, updated_at = $4
			WHERE id = $1 AND status = $2
		`, id, string(expected), string(next), time.Now().UTC())
		if err != nil {
			return fmt.Errorf("repository: failed to update order status %s: %w", id, err)
		}

		if tag.RowsAffected() == 0 {
			var current string
			err := tx.QueryRow(ctx, `SELECT status FROM order_service.orders WHERE id = $1`, id).Scan(&current)
			if errors.Is(err, pgx.ErrNoRows) {
				return ErrOrderNotFound
			}
			if err != nil {
				return fmt.Errorf("repository: failed to read order status %s: %w", id, err)
			}
			log.Warn().Stringer("order_id", id).Str("current_status", current).Stringer("expected_status", expected).Msg("repository: order status changed concurrently")
			return ErrStatusConflict
		}

		updated, err = getByID(ctx, tx, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

func scanOrder(row pgx.Row) (*Order, error) {
	var (
		o             Order
		paymentMethod string
		status        string
	)
	err := row.Scan(
		&o.ID,
		&o.UserID,
		&o.TotalAmount,
		&o.ShippingAddress.Name,
		&o.ShippingAddress.Street,
		&o.ShippingAddress.City,
		&o.ShippingAddress.State,
		&o.ShippingAddress.ZipCode,
		&o.ShippingAddress.Country,
		&o.ShippingAddress.Phone,
		&paymentMethod,
		&status,
		&o.Notes,
		&o.CreatedAt,
		&o.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	o.PaymentMethod = PaymentMethod(paymentMethod)
	o.Status = OrderStatus(status)
	o.Items = make([]OrderItem, 0)
	return &o, nil
}

func collectOrders(rows pgx.Rows) ([]Order, error) {
	defer rows.Close()

	orders := make([]Order, 0)
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, *o)
	}
	return orders, rows.Err()
}

// loadItems fills Items of every order in one query.
func loadItems(ctx context.Context, q db.Querier, orders []Order) error {
	if len(orders) == 0 {
		return nil
	}

	index := make(map[uuid.UUID]int, len(orders))
	ids := make([]uuid.UUID, 0, len(orders))
	for i := range orders {
		index[orders[i].ID] = i
		ids = append(ids, orders[i].ID)
	}

	rows, err := q.Query(ctx, `
		SELECT order_id, product_id, name, price, quantity, image
		FROM order_service.order_items
		WHERE order_id = ANY($1)
		ORDER BY order_id, position
	`, ids)
	if err != nil {
		return fmt.Errorf("repository: failed to query order items: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			orderID uuid.UUID
			it      OrderItem
		)
		if err := rows.Scan(&orderID, &it.ProductID, &it.Name, &it.Price, &it.Quantity, &it.Image); err != nil {
			return fmt.Errorf("repository: failed to scan order item: %w", err)
		}
		if i, ok := index[orderID]; ok {
			orders[i].Items = append(orders[i].Items, it)
		}
	}

	if err := rows.Err(); err != nil {
		return fmt.Errorf("repository: error iterating order items: %w", err)
	}
	return nil
}
