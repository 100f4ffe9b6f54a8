package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/ClassicWannabe/ecommerce/internal/database"
	"github.com/ClassicWannabe/ecommerce/internal/models"
)

func CreateUser(ctx context.Context, db *sql.DB, email, name string) (*models.User, error) {
	user := &models.User{}

	query := `
		INSERT INTO users (email, name, created_at, updated_at)
		VALUES ($1, $2, NOW(), NOW())
		RETURNING id, email, name, stripe_customer_id, one_click_purchasing, created_at, updated_at`

	err := db.QueryRowContext(ctx, query, email, name).Scan(
		&user.ID,
		&user.Email,
		&user.Name,
		&user.StripeCustomerID,
		&user.OneClickPurchasing,
		&user.CreatedAt,
		&user.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("create user: %w", err)
	}

	return user, nil
}

func GetUser(ctx context.Context, db *sql.DB, id int64) (*models.User, error) {
	user := &models.User{}

	query := `
		SELECT id, email, name, stripe_customer_id, one_click_purchasing, created_at, updated_at
		FROM users
		WHERE id = $1`

	err := db.QueryRowContext(ctx, query, id).Scan(
		&user.ID,
		&user.Email,
		&user.Name,
		&user.StripeCustomerID,
		&user.OneClickPurchasing,
		&user.CreatedAt,
		&user.UpdatedAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, database.ErrUserNotFound
		}
		return nil, fmt.Errorf("get user: %w", err)
	}

	return user, nil
}

func getUserTx(ctx context.Context, tx *sql.Tx, id int64) (*models.User, error) {
	user := &models.User{}

	query := `
		SELECT id, email, name, stripe_customer_id, one_click_purchasing, created_at, updated_at
		FROM users
		WHERE id = $1
		FOR UPDATE`

	err := tx.QueryRowContext(ctx, query, id).Scan(
		&user.ID,
		&user.Email,
		&user.Name,
		&user.StripeCustomerID,
		&user.OneClickPurchasing,
		&user.CreatedAt,
		&user.UpdatedAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, database.ErrUserNotFound
		}
		return nil, fmt.Errorf("lock user: %w", err)
	}

	return user, nil
}

// setStripeCustomerTx records the processor-side customer id and turns
// on one-click purchasing for the user.
func setStripeCustomerTx(ctx context.Context, tx *sql.Tx, userID int64, customerID string) error {
	_, err := tx.ExecContext(ctx,
		`UPDATE users
		 SET stripe_customer_id = $1,
		     one_click_purchasing = TRUE,
		     updated_at = NOW()
		 WHERE id = $2`,
		customerID, userID)
	if err != nil {
		return fmt.Errorf("set stripe customer: %w", err)
	}
	return nil
}

func ListUsers(ctx context.Context, db *sql.DB, page, pageSize int) (*OffsetPage, error) {
	var total int64
	err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM users`).Scan(&total)
	if err != nil {
		return nil, fmt.Errorf("count users: %w", err)
	}

	offset := (page - 1) * pageSize
	query := `
		SELECT id, email, name, stripe_customer_id, one_click_purchasing, created_at, updated_at
		FROM users
		ORDER BY created_at DESC
		LIMIT $1 OFFSET $2`

	rows, err := db.QueryContext(ctx, query, pageSize, offset)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	defer rows.Close()

	var users []models.User
	for rows.Next() {
		var user models.User
		err := rows.Scan(
			&user.ID,
			&user.Email,
			&user.Name,
			&user.StripeCustomerID,
			&user.OneClickPurchasing,
			&user.CreatedAt,
			&user.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		users = append(users, user)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return NewOffsetPage(users, total, page, pageSize), nil
}
