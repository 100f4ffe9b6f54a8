package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/ClassicWannabe/ecommerce/internal/database"
	"github.com/ClassicWannabe/ecommerce/internal/models"
)

// RequestRefund flags the order identified by refCode and records a
// Refund with accepted = false. Anyone holding the ref code may request
// a refund; acceptance and the actual gateway-side reversal happen out
// of band.
func RequestRefund(ctx context.Context, db *sql.DB, refCode, reason, email string) (*models.Refund, error) {
	var refund *models.Refund

	err := database.WithTransaction(ctx, db, database.DefaultTxOptions(), func(tx *sql.Tx) error {
		var orderID int64
		err := tx.QueryRowContext(ctx,
			`SELECT id FROM orders WHERE ref_code = $1 FOR UPDATE`,
			refCode).Scan(&orderID)
		if err != nil {
			if err == sql.ErrNoRows {
				return database.ErrOrderNotFound
			}
			return fmt.Errorf("get order by ref code: %w", err)
		}

		if _, err := tx.ExecContext(ctx,
			`UPDATE orders SET refund_requested = TRUE WHERE id = $1`,
			orderID); err != nil {
			return fmt.Errorf("flag refund requested: %w", err)
		}

		refund = &models.Refund{}
		err = tx.QueryRowContext(ctx,
			`INSERT INTO refunds (order_id, reason, email, created_at)
			 VALUES ($1, $2, $3, NOW())
			 RETURNING id, order_id, reason, email, accepted, created_at`,
			orderID, reason, email,
		).Scan(&refund.ID, &refund.OrderID, &refund.Reason, &refund.Email, &refund.Accepted, &refund.CreatedAt)
		if err != nil {
			return fmt.Errorf("create refund: %w", err)
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	return refund, nil
}
