package store

import (
	"context"
	"database/sql"
	"fmt"
	"math/rand"
	"time"

	"github.com/ClassicWannabe/ecommerce/internal/database"
	"github.com/ClassicWannabe/ecommerce/internal/gateway"
	"github.com/ClassicWannabe/ecommerce/internal/models"
)

// ChargeGateway is the slice of the payment gateway the order workflow
// needs. Satisfied by *gateway.Client.
type ChargeGateway interface {
	Charge(ctx context.Context, req gateway.ChargeRequest) (gateway.ChargeResult, error)
	EnsureCustomer(ctx context.Context, customerID, email, token string) (string, error)
}

// ChargeOrderRequest describes one payment submission. Token is a
// one-time card token from the payment form; Save stores the card with
// the processor for one-click purchasing; UseDefault charges the saved
// customer instead of the token.
type ChargeOrderRequest struct {
	UserID         int64
	Token          string
	Save           bool
	UseDefault     bool
	IdempotencyKey string
}

type ChargeOrderResult struct {
	Order   *models.Order
	Payment *models.Payment
}

const (
	refCodeLength   = 20
	refCodeAlphabet = "abcdefghijklmnopqrstuvwxyz0123456789"
	refCodeAttempts = 5
)

func generateRefCode() string {
	code := make([]byte, refCodeLength)
	for i := range code {
		code[i] = refCodeAlphabet[rand.Intn(len(refCodeAlphabet))]
	}
	return string(code)
}

// ChargeOrder charges the user's active order through the payment
// gateway and finalizes it: a Payment row is created, every line and
// the order itself flip to ordered, and a fresh ref code is assigned.
// Everything runs in one transaction holding a lock on the order row,
// so a concurrent duplicate submission blocks and then fails with
// ErrOrderNotFound instead of charging twice. On gateway failure the
// transaction rolls back and the order is left untouched; nothing is
// retried.
func ChargeOrder(ctx context.Context, db *sql.DB, gw ChargeGateway, req ChargeOrderRequest) (*ChargeOrderResult, error) {
	var result *ChargeOrderResult

	err := database.WithTransaction(ctx, db, database.DefaultTxOptions(), func(tx *sql.Tx) error {
		order, err := getActiveOrder(ctx, tx, req.UserID, true)
		if err != nil {
			return err
		}

		if order.BillingAddressID == nil {
			return database.ErrNoBillingAddress
		}

		if err := hydrateOrder(ctx, tx, order); err != nil {
			return err
		}
		if len(order.Items) == 0 {
			return database.ErrEmptyCart
		}

		user, err := getUserTx(ctx, tx, req.UserID)
		if err != nil {
			return err
		}

		customerID := user.StripeCustomerID
		if req.Save {
			customerID, err = gw.EnsureCustomer(ctx, customerID, user.Email, req.Token)
			if err != nil {
				return err
			}
			if err := setStripeCustomerTx(ctx, tx, user.ID, customerID); err != nil {
				return err
			}
		}

		total := order.GetTotal()
		chargeReq := gateway.ChargeRequest{
			Amount:         total.Shift(2).Round(0).IntPart(),
			Description:    fmt.Sprintf("Order #%d", order.ID),
			IdempotencyKey: req.IdempotencyKey,
		}
		if req.UseDefault || req.Save {
			chargeReq.CustomerID = customerID
		} else {
			chargeReq.SourceToken = req.Token
		}

		charge, err := gw.Charge(ctx, chargeReq)
		if err != nil {
			return err
		}

		payment := &models.Payment{}
		err = tx.QueryRowContext(ctx,
			`INSERT INTO payments (stripe_charge_id, user_id, amount, created_at)
			 VALUES ($1, $2, $3, NOW())
			 RETURNING id, stripe_charge_id, user_id, amount, created_at`,
			charge.ChargeID, user.ID, total,
		).Scan(&payment.ID, &payment.StripeChargeID, &payment.UserID, &payment.Amount, &payment.CreatedAt)
		if err != nil {
			return fmt.Errorf("create payment: %w", err)
		}

		if _, err := tx.ExecContext(ctx,
			`UPDATE order_items SET ordered = TRUE WHERE order_id = $1`,
			order.ID); err != nil {
			return fmt.Errorf("mark order items ordered: %w", err)
		}

		refCode, err := pickRefCode(ctx, tx)
		if err != nil {
			return err
		}

		var orderedDate time.Time
		err = tx.QueryRowContext(ctx,
			`UPDATE orders
			 SET ordered = TRUE, ordered_date = NOW(), payment_id = $1, ref_code = $2
			 WHERE id = $3
			 RETURNING ordered_date`,
			payment.ID, refCode, order.ID).Scan(&orderedDate)
		if err != nil {
			return fmt.Errorf("finalize order: %w", err)
		}

		order.Ordered = true
		order.OrderedDate = &orderedDate
		order.PaymentID = &payment.ID
		order.RefCode = &refCode
		for i := range order.Items {
			order.Items[i].Ordered = true
		}

		result = &ChargeOrderResult{Order: order, Payment: payment}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return result, nil
}

// pickRefCode generates a ref code that is not already taken. The
// unique index on orders.ref_code remains the backstop; a collision
// there after this check would abort the transaction after the charge,
// so the pre-check keeps that window to one in 36^20.
func pickRefCode(ctx context.Context, tx *sql.Tx) (string, error) {
	for attempt := 0; attempt < refCodeAttempts; attempt++ {
		code := generateRefCode()

		var exists bool
		err := tx.QueryRowContext(ctx,
			`SELECT EXISTS(SELECT 1 FROM orders WHERE ref_code = $1)`,
			code).Scan(&exists)
		if err != nil {
			return "", fmt.Errorf("check ref code: %w", err)
		}
		if !exists {
			return code, nil
		}
	}
	return "", fmt.Errorf("generate ref code: %d collisions in a row", refCodeAttempts)
}

// GetOrderByRefCode looks an order up by the opaque code handed out at
// payment time. The refund workflow looks orders up this way, so there
// is no user check.
func GetOrderByRefCode(ctx context.Context, db *sql.DB, refCode string) (*models.Order, error) {
	order, err := scanOrder(db.QueryRowContext(ctx,
		`SELECT `+orderColumns+`
		 FROM orders
		 WHERE ref_code = $1`,
		refCode))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, database.ErrOrderNotFound
		}
		return nil, fmt.Errorf("get order by ref code: %w", err)
	}

	if err := hydrateOrder(ctx, db, order); err != nil {
		return nil, err
	}
	return order, nil
}
