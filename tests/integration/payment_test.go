package integration

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/ClassicWannabe/ecommerce/internal/database"
	"github.com/ClassicWannabe/ecommerce/internal/gateway"
	"github.com/ClassicWannabe/ecommerce/internal/models"
	"github.com/ClassicWannabe/ecommerce/internal/store"
)

// checkoutCart puts one priced item in the user's cart and runs checkout
// so the order is ready to charge.
func checkoutCart(t *testing.T, db *sql.DB, user *models.User, slug, price string) {
	t.Helper()

	ctx := context.Background()
	createTestItem(t, db, slug, price, nil)
	if _, err := store.AddItem(ctx, db, user.ID, slug); err != nil {
		t.Fatalf("Add item: %v", err)
	}
	if _, err := store.Checkout(ctx, db, user.ID, store.CheckoutRequest{
		Shipping:           testShippingForm(),
		SameBillingAddress: true,
		PaymentOption:      store.PaymentOptionStripe,
	}); err != nil {
		t.Fatalf("Checkout: %v", err)
	}
}

func TestChargeOrderSuccess(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	user := createTestUser(t, db, "pay1@example.com")
	checkoutCart(t, db, user, "pay-shirt", "19.99")

	gw := &stubGateway{}
	result, err := store.ChargeOrder(ctx, db, gw, store.ChargeOrderRequest{
		UserID:         user.ID,
		Token:          "tok_visa",
		IdempotencyKey: uuid.NewString(),
	})
	if err != nil {
		t.Fatalf("Charge order: %v", err)
	}

	if !result.Order.Ordered {
		t.Error("Order must be marked ordered")
	}
	if result.Order.RefCode == nil || len(*result.Order.RefCode) != 20 {
		t.Errorf("Expected a 20-char ref code, got %v", result.Order.RefCode)
	}
	if result.Order.OrderedDate == nil {
		t.Error("Expected an ordered date")
	}
	if !result.Payment.Amount.Equal(decimal.RequireFromString("19.99")) {
		t.Errorf("Expected payment amount 19.99, got %s", result.Payment.Amount)
	}

	if gw.chargeCount() != 1 {
		t.Fatalf("Expected one gateway charge, got %d", gw.chargeCount())
	}
	if got := gw.charges[0].Amount; got != 1999 {
		t.Errorf("Expected 1999 cents sent to the gateway, got %d", got)
	}
	if gw.charges[0].SourceToken != "tok_visa" {
		t.Errorf("Expected the token as charge source, got %q", gw.charges[0].SourceToken)
	}

	payments := countRows(t, db, `SELECT COUNT(*) FROM payments WHERE user_id = $1`, user.ID)
	if payments != 1 {
		t.Errorf("Expected one payment row, got %d", payments)
	}
	unorderedLines := countRows(t, db,
		`SELECT COUNT(*) FROM order_items WHERE user_id = $1 AND NOT ordered`, user.ID)
	if unorderedLines != 0 {
		t.Errorf("All lines must flip to ordered, got %d unordered", unorderedLines)
	}

	// The cart is gone once the order is placed.
	if _, err := store.GetActiveOrder(ctx, db, user.ID); !errors.Is(err, database.ErrOrderNotFound) {
		t.Errorf("Expected no active order after payment, got: %v", err)
	}
}

func TestChargeOrderDeclineLeavesOrderUntouched(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	user := createTestUser(t, db, "pay2@example.com")
	checkoutCart(t, db, user, "pay-shirt-2", "10.00")

	gw := &stubGateway{chargeErr: &gateway.Error{
		Kind:    gateway.KindCardDeclined,
		Message: "Your card was declined.",
	}}

	_, err := store.ChargeOrder(ctx, db, gw, store.ChargeOrderRequest{
		UserID: user.ID,
		Token:  "tok_chargeDeclined",
	})

	var gwErr *gateway.Error
	if !errors.As(err, &gwErr) || gwErr.Kind != gateway.KindCardDeclined {
		t.Fatalf("Expected a card-declined gateway error, got: %v", err)
	}

	if n := countRows(t, db, `SELECT COUNT(*) FROM payments WHERE user_id = $1`, user.ID); n != 0 {
		t.Errorf("Expected no payment rows after decline, got %d", n)
	}
	order, err := store.GetActiveOrder(ctx, db, user.ID)
	if err != nil {
		t.Fatalf("Active order must survive the decline: %v", err)
	}
	if order.Ordered || order.RefCode != nil {
		t.Error("Declined order must stay unordered without a ref code")
	}
}

func TestChargeOrderNoBillingAddress(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	user := createTestUser(t, db, "pay3@example.com")
	createTestItem(t, db, "pay-shirt-3", "10.00", nil)
	if _, err := store.AddItem(ctx, db, user.ID, "pay-shirt-3"); err != nil {
		t.Fatalf("Add item: %v", err)
	}

	gw := &stubGateway{}
	_, err := store.ChargeOrder(ctx, db, gw, store.ChargeOrderRequest{
		UserID: user.ID,
		Token:  "tok_visa",
	})
	if !errors.Is(err, database.ErrNoBillingAddress) {
		t.Errorf("Expected ErrNoBillingAddress, got: %v", err)
	}
	if gw.chargeCount() != 0 {
		t.Errorf("Gateway must not be called, got %d charges", gw.chargeCount())
	}
}

func TestChargeOrderEmptyCart(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	user := createTestUser(t, db, "pay4@example.com")
	checkoutCart(t, db, user, "pay-shirt-4", "10.00")
	if _, err := store.RemoveItem(ctx, db, user.ID, "pay-shirt-4"); err != nil {
		t.Fatalf("Remove item: %v", err)
	}

	gw := &stubGateway{}
	_, err := store.ChargeOrder(ctx, db, gw, store.ChargeOrderRequest{
		UserID: user.ID,
		Token:  "tok_visa",
	})
	if !errors.Is(err, database.ErrEmptyCart) {
		t.Errorf("Expected ErrEmptyCart, got: %v", err)
	}
	if gw.chargeCount() != 0 {
		t.Errorf("Gateway must not be called, got %d charges", gw.chargeCount())
	}
}

func TestChargeOrderSaveCard(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	user := createTestUser(t, db, "pay5@example.com")
	checkoutCart(t, db, user, "pay-shirt-5", "10.00")

	gw := &stubGateway{}
	result, err := store.ChargeOrder(ctx, db, gw, store.ChargeOrderRequest{
		UserID: user.ID,
		Token:  "tok_visa",
		Save:   true,
	})
	if err != nil {
		t.Fatalf("Charge order: %v", err)
	}
	if result.Payment == nil {
		t.Fatal("Expected a payment")
	}

	saved, err := store.GetUser(ctx, db, user.ID)
	if err != nil {
		t.Fatalf("Get user: %v", err)
	}
	if saved.StripeCustomerID == "" || !saved.OneClickPurchasing {
		t.Errorf("Expected stored customer and one-click flag, got %q %v",
			saved.StripeCustomerID, saved.OneClickPurchasing)
	}

	// With a saved card the charge goes against the customer, not the token.
	if gw.charges[0].CustomerID == "" || gw.charges[0].SourceToken != "" {
		t.Errorf("Expected a customer charge, got %+v", gw.charges[0])
	}

	// One-click: the next order charges the saved customer with no token.
	checkoutCart(t, db, user, "pay-shirt-5b", "15.00")
	if _, err := store.ChargeOrder(ctx, db, gw, store.ChargeOrderRequest{
		UserID:     user.ID,
		UseDefault: true,
	}); err != nil {
		t.Fatalf("One-click charge: %v", err)
	}
	if gw.charges[1].CustomerID != saved.StripeCustomerID {
		t.Errorf("Expected charge against %q, got %+v", saved.StripeCustomerID, gw.charges[1])
	}
}

func TestChargeOrderDoubleSubmit(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	user := createTestUser(t, db, "pay6@example.com")
	checkoutCart(t, db, user, "pay-shirt-6", "10.00")

	gw := &stubGateway{}
	req := store.ChargeOrderRequest{UserID: user.ID, Token: "tok_visa"}

	if _, err := store.ChargeOrder(ctx, db, gw, req); err != nil {
		t.Fatalf("First charge: %v", err)
	}
	_, err := store.ChargeOrder(ctx, db, gw, req)
	if !errors.Is(err, database.ErrOrderNotFound) {
		t.Errorf("Second submit must fail with ErrOrderNotFound, got: %v", err)
	}

	if gw.chargeCount() != 1 {
		t.Errorf("Expected exactly one gateway charge, got %d", gw.chargeCount())
	}
	if n := countRows(t, db, `SELECT COUNT(*) FROM payments WHERE user_id = $1`, user.ID); n != 1 {
		t.Errorf("Expected one payment row, got %d", n)
	}
}

func TestChargeOrderConcurrentSubmit(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	user := createTestUser(t, db, "pay7@example.com")
	checkoutCart(t, db, user, "pay-shirt-7", "10.00")

	gw := &stubGateway{}
	req := store.ChargeOrderRequest{UserID: user.ID, Token: "tok_visa"}

	const submits = 4
	errs := make([]error, submits)
	var wg sync.WaitGroup
	for i := 0; i < submits; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = store.ChargeOrder(ctx, db, gw, req)
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
		} else if !errors.Is(err, database.ErrOrderNotFound) {
			t.Errorf("Unexpected error: %v", err)
		}
	}
	if succeeded != 1 {
		t.Errorf("Expected exactly one winning submit, got %d", succeeded)
	}
	if gw.chargeCount() != 1 {
		t.Errorf("Expected exactly one gateway charge, got %d", gw.chargeCount())
	}
	if n := countRows(t, db, `SELECT COUNT(*) FROM payments WHERE user_id = $1`, user.ID); n != 1 {
		t.Errorf("Expected one payment row, got %d", n)
	}
}

func TestGetOrderByRefCode(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	user := createTestUser(t, db, "pay8@example.com")
	checkoutCart(t, db, user, "pay-shirt-8", "10.00")

	result, err := store.ChargeOrder(ctx, db, &stubGateway{}, store.ChargeOrderRequest{
		UserID: user.ID,
		Token:  "tok_visa",
	})
	if err != nil {
		t.Fatalf("Charge order: %v", err)
	}

	order, err := store.GetOrderByRefCode(ctx, db, *result.Order.RefCode)
	if err != nil {
		t.Fatalf("Get order by ref code: %v", err)
	}
	if order.ID != result.Order.ID {
		t.Errorf("Expected order %d, got %d", result.Order.ID, order.ID)
	}

	if _, err := store.GetOrderByRefCode(ctx, db, "00000000000000000000"); !errors.Is(err, database.ErrOrderNotFound) {
		t.Errorf("Expected ErrOrderNotFound for unknown code, got: %v", err)
	}
}
