package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/ClassicWannabe/ecommerce/internal/database"
	"github.com/ClassicWannabe/ecommerce/internal/models"
	"github.com/shopspring/decimal"
)

func CreateCoupon(ctx context.Context, db *sql.DB, code string, amount decimal.Decimal) (*models.Coupon, error) {
	coupon := &models.Coupon{}

	query := `
		INSERT INTO coupons (code, amount, created_at)
		VALUES ($1, $2, NOW())
		RETURNING id, code, amount, created_at`

	err := db.QueryRowContext(ctx, query, code, amount).Scan(
		&coupon.ID,
		&coupon.Code,
		&coupon.Amount,
		&coupon.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("create coupon: %w", err)
	}

	return coupon, nil
}

// ApplyCoupon attaches the coupon with the given code to the user's
// active order. Codes are not unique; the first match wins, and a
// coupon applied later overwrites any earlier one on the order. The
// discount itself is only applied at total-computation time.
func ApplyCoupon(ctx context.Context, db *sql.DB, userID int64, code string) (*models.Coupon, error) {
	var coupon *models.Coupon

	err := database.WithTransaction(ctx, db, database.DefaultTxOptions(), func(tx *sql.Tx) error {
		order, err := getActiveOrder(ctx, tx, userID, true)
		if err != nil {
			return err
		}

		coupon = &models.Coupon{}
		err = tx.QueryRowContext(ctx,
			`SELECT id, code, amount, created_at
			 FROM coupons
			 WHERE code = $1
			 ORDER BY id
			 LIMIT 1`,
			code).Scan(&coupon.ID, &coupon.Code, &coupon.Amount, &coupon.CreatedAt)
		if err != nil {
			if err == sql.ErrNoRows {
				return database.ErrCouponNotFound
			}
			return fmt.Errorf("get coupon: %w", err)
		}

		if _, err := tx.ExecContext(ctx,
			`UPDATE orders SET coupon_id = $1 WHERE id = $2`,
			coupon.ID, order.ID); err != nil {
			return fmt.Errorf("attach coupon: %w", err)
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	return coupon, nil
}
