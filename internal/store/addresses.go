package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/ClassicWannabe/ecommerce/internal/database"
	"github.com/ClassicWannabe/ecommerce/internal/models"
)

// AddressForm carries checkout form input for one address. UseDefault
// selects the user's default address of the given type instead of
// creating a new one.
type AddressForm struct {
	UseDefault       bool
	StreetAddress    string
	ApartmentAddress string
	Country          string
	Zip              string
	SetDefault       bool
}

func (f AddressForm) valid() bool {
	for _, field := range []string{f.StreetAddress, f.Country, f.Zip} {
		if strings.TrimSpace(field) == "" {
			return false
		}
	}
	return true
}

// CheckoutRequest resolves both order addresses in one call.
// SameBillingAddress clones the resolved shipping address and re-tags
// it as billing, ignoring the Billing form.
type CheckoutRequest struct {
	Shipping           AddressForm
	SameBillingAddress bool
	Billing            AddressForm
	PaymentOption      string
}

const (
	PaymentOptionStripe = "stripe"
	PaymentOptionPaypal = "paypal"
)

// GetDefaultAddress returns the user's default address of the given
// type ("S" or "B").
func GetDefaultAddress(ctx context.Context, db *sql.DB, userID int64, addressType string) (*models.Address, error) {
	return getDefaultAddress(ctx, db, userID, addressType)
}

func getDefaultAddress(ctx context.Context, q querier, userID int64, addressType string) (*models.Address, error) {
	addr := &models.Address{}
	err := q.QueryRowContext(ctx,
		`SELECT id, user_id, street_address, apartment_address, country, zip, address_type, is_default, created_at
		 FROM addresses
		 WHERE user_id = $1 AND address_type = $2 AND is_default
		 ORDER BY id
		 LIMIT 1`,
		userID, addressType).Scan(
		&addr.ID,
		&addr.UserID,
		&addr.StreetAddress,
		&addr.ApartmentAddress,
		&addr.Country,
		&addr.Zip,
		&addr.AddressType,
		&addr.Default,
		&addr.CreatedAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, database.ErrAddressNotFound
		}
		return nil, fmt.Errorf("get default address: %w", err)
	}
	return addr, nil
}

func insertAddress(ctx context.Context, tx *sql.Tx, userID int64, addressType string, form AddressForm) (int64, error) {
	var id int64
	err := tx.QueryRowContext(ctx,
		`INSERT INTO addresses (user_id, street_address, apartment_address, country, zip, address_type, is_default)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 RETURNING id`,
		userID, form.StreetAddress, form.ApartmentAddress, form.Country, form.Zip, addressType, form.SetDefault,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("create address: %w", err)
	}
	return id, nil
}

// cloneAddressAs copies an existing address row under a new type tag.
func cloneAddressAs(ctx context.Context, tx *sql.Tx, addressID int64, addressType string) (int64, error) {
	var id int64
	err := tx.QueryRowContext(ctx,
		`INSERT INTO addresses (user_id, street_address, apartment_address, country, zip, address_type, is_default)
		 SELECT user_id, street_address, apartment_address, country, zip, $2, is_default
		 FROM addresses
		 WHERE id = $1
		 RETURNING id`,
		addressID, addressType).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("clone address: %w", err)
	}
	return id, nil
}

func resolveAddress(ctx context.Context, tx *sql.Tx, userID int64, addressType string, form AddressForm) (int64, error) {
	if form.UseDefault {
		addr, err := getDefaultAddress(ctx, tx, userID, addressType)
		if err != nil {
			return 0, err
		}
		return addr.ID, nil
	}

	if !form.valid() {
		return 0, database.ErrInvalidAddress
	}
	return insertAddress(ctx, tx, userID, addressType, form)
}

// Checkout assigns shipping and billing addresses to the user's active
// order and validates the chosen payment option. The whole resolution
// runs in one transaction; nothing is persisted on validation failure.
func Checkout(ctx context.Context, db *sql.DB, userID int64, req CheckoutRequest) (*models.Order, error) {
	if req.PaymentOption != PaymentOptionStripe && req.PaymentOption != PaymentOptionPaypal {
		return nil, database.ErrInvalidPaymentOption
	}

	var order *models.Order

	err := database.WithTransaction(ctx, db, database.DefaultTxOptions(), func(tx *sql.Tx) error {
		var err error
		order, err = getActiveOrder(ctx, tx, userID, true)
		if err != nil {
			return err
		}

		shippingID, err := resolveAddress(ctx, tx, userID, models.AddressTypeShipping, req.Shipping)
		if err != nil {
			return err
		}

		var billingID int64
		if req.SameBillingAddress {
			billingID, err = cloneAddressAs(ctx, tx, shippingID, models.AddressTypeBilling)
		} else {
			billingID, err = resolveAddress(ctx, tx, userID, models.AddressTypeBilling, req.Billing)
		}
		if err != nil {
			return err
		}

		_, err = tx.ExecContext(ctx,
			`UPDATE orders
			 SET shipping_address_id = $1, billing_address_id = $2
			 WHERE id = $3`,
			shippingID, billingID, order.ID)
		if err != nil {
			return fmt.Errorf("assign order addresses: %w", err)
		}

		order.ShippingAddressID = &shippingID
		order.BillingAddressID = &billingID
		return nil
	})
	if err != nil {
		return nil, err
	}

	return order, nil
}
