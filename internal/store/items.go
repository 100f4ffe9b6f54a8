package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/ClassicWannabe/ecommerce/internal/database"
	"github.com/ClassicWannabe/ecommerce/internal/models"
	"github.com/shopspring/decimal"
)

type CreateItemRequest struct {
	Title         string
	Price         decimal.Decimal
	DiscountPrice *decimal.Decimal
	Category      string
	Label         string
	Slug          string
	Description   string
}

func CreateItem(ctx context.Context, db *sql.DB, req CreateItemRequest) (*models.Item, error) {
	item := &models.Item{}

	query := `
		INSERT INTO items (title, price, discount_price, category, label, slug, description, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NOW(), NOW())
		RETURNING id, title, price, discount_price, category, label, slug, description, created_at, updated_at`

	err := db.QueryRowContext(ctx, query,
		req.Title, req.Price, req.DiscountPrice, req.Category, req.Label, req.Slug, req.Description,
	).Scan(
		&item.ID,
		&item.Title,
		&item.Price,
		&item.DiscountPrice,
		&item.Category,
		&item.Label,
		&item.Slug,
		&item.Description,
		&item.CreatedAt,
		&item.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("create item: %w", err)
	}

	return item, nil
}

func GetItemBySlug(ctx context.Context, db *sql.DB, slug string) (*models.Item, error) {
	item := &models.Item{}

	query := `
		SELECT id, title, price, discount_price, category, label, slug, description, created_at, updated_at
		FROM items
		WHERE slug = $1`

	err := db.QueryRowContext(ctx, query, slug).Scan(
		&item.ID,
		&item.Title,
		&item.Price,
		&item.DiscountPrice,
		&item.Category,
		&item.Label,
		&item.Slug,
		&item.Description,
		&item.CreatedAt,
		&item.UpdatedAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, database.ErrItemNotFound
		}
		return nil, fmt.Errorf("get item: %w", err)
	}

	return item, nil
}

func ListItems(ctx context.Context, db *sql.DB, page, pageSize int) (*OffsetPage, error) {
	var total int64
	err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM items`).Scan(&total)
	if err != nil {
		return nil, fmt.Errorf("count items: %w", err)
	}

	offset := (page - 1) * pageSize
	query := `
		SELECT id, title, price, discount_price, category, label, slug, description, created_at, updated_at
		FROM items
		ORDER BY created_at DESC
		LIMIT $1 OFFSET $2`

	rows, err := db.QueryContext(ctx, query, pageSize, offset)
	if err != nil {
		return nil, fmt.Errorf("list items: %w", err)
	}
	defer rows.Close()

	var items []models.Item
	for rows.Next() {
		var item models.Item
		err := rows.Scan(
			&item.ID,
			&item.Title,
			&item.Price,
			&item.DiscountPrice,
			&item.Category,
			&item.Label,
			&item.Slug,
			&item.Description,
			&item.CreatedAt,
			&item.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan item: %w", err)
		}
		items = append(items, item)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return NewOffsetPage(items, total, page, pageSize), nil
}
