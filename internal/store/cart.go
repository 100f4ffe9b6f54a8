package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/ClassicWannabe/ecommerce/internal/database"
	"github.com/ClassicWannabe/ecommerce/internal/models"
)

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

const orderColumns = `id, user_id, start_date, ordered_date, ordered,
	shipping_address_id, billing_address_id, coupon_id, payment_id, ref_code,
	being_delivered, received, refund_requested, refund_granted`

func scanOrder(row *sql.Row) (*models.Order, error) {
	order := &models.Order{}
	err := row.Scan(
		&order.ID,
		&order.UserID,
		&order.StartDate,
		&order.OrderedDate,
		&order.Ordered,
		&order.ShippingAddressID,
		&order.BillingAddressID,
		&order.CouponID,
		&order.PaymentID,
		&order.RefCode,
		&order.BeingDelivered,
		&order.Received,
		&order.RefundRequested,
		&order.RefundGranted,
	)
	if err != nil {
		return nil, err
	}
	return order, nil
}

// getActiveOrder returns the user's single order with ordered = false.
// The partial unique index on orders(user_id) guarantees at most one.
func getActiveOrder(ctx context.Context, q querier, userID int64, forUpdate bool) (*models.Order, error) {
	query := `
		SELECT ` + orderColumns + `
		FROM orders
		WHERE user_id = $1 AND NOT ordered`
	if forUpdate {
		query += `
		FOR UPDATE`
	}

	order, err := scanOrder(q.QueryRowContext(ctx, query, userID))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, database.ErrOrderNotFound
		}
		return nil, fmt.Errorf("get active order: %w", err)
	}

	return order, nil
}

func loadOrderItems(ctx context.Context, q querier, orderID int64) ([]models.OrderItem, error) {
	query := `
		SELECT oi.id, oi.user_id, oi.item_id, oi.order_id, oi.quantity, oi.ordered,
		       i.id, i.title, i.price, i.discount_price, i.category, i.label, i.slug,
		       i.description, i.created_at, i.updated_at
		FROM order_items oi
		JOIN items i ON i.id = oi.item_id
		WHERE oi.order_id = $1
		ORDER BY oi.id`

	rows, err := q.QueryContext(ctx, query, orderID)
	if err != nil {
		return nil, fmt.Errorf("load order items: %w", err)
	}
	defer rows.Close()

	var items []models.OrderItem
	for rows.Next() {
		var oi models.OrderItem
		err := rows.Scan(
			&oi.ID,
			&oi.UserID,
			&oi.ItemID,
			&oi.OrderID,
			&oi.Quantity,
			&oi.Ordered,
			&oi.Item.ID,
			&oi.Item.Title,
			&oi.Item.Price,
			&oi.Item.DiscountPrice,
			&oi.Item.Category,
			&oi.Item.Label,
			&oi.Item.Slug,
			&oi.Item.Description,
			&oi.Item.CreatedAt,
			&oi.Item.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan order item: %w", err)
		}
		items = append(items, oi)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return items, nil
}

func loadCoupon(ctx context.Context, q querier, couponID int64) (*models.Coupon, error) {
	coupon := &models.Coupon{}
	err := q.QueryRowContext(ctx,
		`SELECT id, code, amount, created_at FROM coupons WHERE id = $1`,
		couponID).Scan(&coupon.ID, &coupon.Code, &coupon.Amount, &coupon.CreatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, database.ErrCouponNotFound
		}
		return nil, fmt.Errorf("load coupon: %w", err)
	}
	return coupon, nil
}

// hydrateOrder attaches line items and the coupon, if any, to the order.
func hydrateOrder(ctx context.Context, q querier, order *models.Order) error {
	items, err := loadOrderItems(ctx, q, order.ID)
	if err != nil {
		return err
	}
	order.Items = items

	if order.CouponID != nil {
		coupon, err := loadCoupon(ctx, q, *order.CouponID)
		if err != nil {
			return err
		}
		order.Coupon = coupon
	}

	return nil
}

// GetActiveOrder returns the user's cart with items and coupon loaded.
func GetActiveOrder(ctx context.Context, db *sql.DB, userID int64) (*models.Order, error) {
	order, err := getActiveOrder(ctx, db, userID, false)
	if err != nil {
		return nil, err
	}
	if err := hydrateOrder(ctx, db, order); err != nil {
		return nil, err
	}
	return order, nil
}

// AddItem puts one unit of the item into the user's cart. The active
// order is created lazily; re-adding a linked item increments its
// quantity instead of creating a second line. Returns the resulting
// quantity of the line.
func AddItem(ctx context.Context, db *sql.DB, userID int64, slug string) (int, error) {
	var quantity int

	err := database.WithRetry(ctx, db, database.DefaultTxOptions(), func(tx *sql.Tx) error {
		item, err := getItemBySlugTx(ctx, tx, slug)
		if err != nil {
			return err
		}

		orderID, err := resolveActiveOrderID(ctx, tx, userID)
		if err != nil {
			return err
		}

		var lineID int64
		var lineOrderID *int64
		var lineQty int
		err = tx.QueryRowContext(ctx,
			`SELECT id, order_id, quantity
			 FROM order_items
			 WHERE user_id = $1 AND item_id = $2 AND NOT ordered
			 FOR UPDATE`,
			userID, item.ID).Scan(&lineID, &lineOrderID, &lineQty)
		switch {
		case err == sql.ErrNoRows:
			err = tx.QueryRowContext(ctx,
				`INSERT INTO order_items (user_id, item_id, order_id, quantity)
				 VALUES ($1, $2, $3, 1)
				 RETURNING quantity`,
				userID, item.ID, orderID).Scan(&quantity)
			if err != nil {
				return fmt.Errorf("create order item: %w", err)
			}
			return nil
		case err != nil:
			return fmt.Errorf("lock order item: %w", err)
		}

		if lineOrderID != nil && *lineOrderID == orderID {
			err = tx.QueryRowContext(ctx,
				`UPDATE order_items
				 SET quantity = quantity + 1
				 WHERE id = $1
				 RETURNING quantity`,
				lineID).Scan(&quantity)
			if err != nil {
				return fmt.Errorf("increment order item: %w", err)
			}
			return nil
		}

		// Unlinked leftover line from a previous removal: relink it with
		// its old quantity.
		err = tx.QueryRowContext(ctx,
			`UPDATE order_items
			 SET order_id = $1
			 WHERE id = $2
			 RETURNING quantity`,
			orderID, lineID).Scan(&quantity)
		if err != nil {
			return fmt.Errorf("link order item: %w", err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	return quantity, nil
}

// resolveActiveOrderID returns the id of the user's active order,
// creating the order when none exists. The insert races against the
// partial unique index, so a conflicting concurrent create falls back
// to selecting the winner's row.
func resolveActiveOrderID(ctx context.Context, tx *sql.Tx, userID int64) (int64, error) {
	var orderID int64
	err := tx.QueryRowContext(ctx,
		`SELECT id FROM orders WHERE user_id = $1 AND NOT ordered FOR UPDATE`,
		userID).Scan(&orderID)
	if err == nil {
		return orderID, nil
	}
	if err != sql.ErrNoRows {
		return 0, fmt.Errorf("find active order: %w", err)
	}

	err = tx.QueryRowContext(ctx,
		`INSERT INTO orders (user_id)
		 VALUES ($1)
		 ON CONFLICT (user_id) WHERE NOT ordered DO NOTHING
		 RETURNING id`,
		userID).Scan(&orderID)
	if err == nil {
		return orderID, nil
	}
	if err != sql.ErrNoRows {
		return 0, fmt.Errorf("create active order: %w", err)
	}

	err = tx.QueryRowContext(ctx,
		`SELECT id FROM orders WHERE user_id = $1 AND NOT ordered FOR UPDATE`,
		userID).Scan(&orderID)
	if err != nil {
		return 0, fmt.Errorf("find active order after conflict: %w", err)
	}
	return orderID, nil
}

func getItemBySlugTx(ctx context.Context, tx *sql.Tx, slug string) (*models.Item, error) {
	item := &models.Item{}
	err := tx.QueryRowContext(ctx,
		`SELECT id, title, price, discount_price, slug FROM items WHERE slug = $1`,
		slug).Scan(&item.ID, &item.Title, &item.Price, &item.DiscountPrice, &item.Slug)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, database.ErrItemNotFound
		}
		return nil, fmt.Errorf("get item: %w", err)
	}
	return item, nil
}

// RemoveItem unlinks the whole line for the item from the user's active
// order. The boolean reports whether a line was actually removed; an
// item that was not in the cart is a no-op, not an error.
func RemoveItem(ctx context.Context, db *sql.DB, userID int64, slug string) (bool, error) {
	var removed bool

	err := database.WithRetry(ctx, db, database.DefaultTxOptions(), func(tx *sql.Tx) error {
		item, err := getItemBySlugTx(ctx, tx, slug)
		if err != nil {
			return err
		}

		order, err := getActiveOrder(ctx, tx, userID, true)
		if err != nil {
			return err
		}

		result, err := tx.ExecContext(ctx,
			`UPDATE order_items
			 SET order_id = NULL
			 WHERE order_id = $1 AND item_id = $2 AND NOT ordered`,
			order.ID, item.ID)
		if err != nil {
			return fmt.Errorf("unlink order item: %w", err)
		}

		rowsAffected, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("get rows affected: %w", err)
		}

		removed = rowsAffected > 0
		return nil
	})
	if err != nil {
		return false, err
	}

	return removed, nil
}

// DecrementItem lowers the line quantity by one, unlinking the line
// entirely when the quantity was 1. It returns the remaining quantity
// (0 when unlinked) and whether the line was unlinked. A line that was
// not in the cart returns (0, false, nil).
func DecrementItem(ctx context.Context, db *sql.DB, userID int64, slug string) (int, bool, error) {
	var (
		quantity int
		unlinked bool
	)

	err := database.WithRetry(ctx, db, database.DefaultTxOptions(), func(tx *sql.Tx) error {
		quantity, unlinked = 0, false

		item, err := getItemBySlugTx(ctx, tx, slug)
		if err != nil {
			return err
		}

		order, err := getActiveOrder(ctx, tx, userID, true)
		if err != nil {
			return err
		}

		var lineID int64
		var lineQty int
		err = tx.QueryRowContext(ctx,
			`SELECT id, quantity
			 FROM order_items
			 WHERE order_id = $1 AND item_id = $2 AND NOT ordered
			 FOR UPDATE`,
			order.ID, item.ID).Scan(&lineID, &lineQty)
		if err == sql.ErrNoRows {
			return nil
		}
		if err != nil {
			return fmt.Errorf("lock order item: %w", err)
		}

		if lineQty > 1 {
			err = tx.QueryRowContext(ctx,
				`UPDATE order_items
				 SET quantity = quantity - 1
				 WHERE id = $1
				 RETURNING quantity`,
				lineID).Scan(&quantity)
			if err != nil {
				return fmt.Errorf("decrement order item: %w", err)
			}
			return nil
		}

		if _, err := tx.ExecContext(ctx,
			`UPDATE order_items SET order_id = NULL WHERE id = $1`, lineID); err != nil {
			return fmt.Errorf("unlink order item: %w", err)
		}
		unlinked = true
		return nil
	})
	if err != nil {
		return 0, false, err
	}

	return quantity, unlinked, nil
}
