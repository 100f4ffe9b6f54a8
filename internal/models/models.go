package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type User struct {
	ID                 int64     `json:"id"`
	Email              string    `json:"email"`
	Name               string    `json:"name"`
	StripeCustomerID   string    `json:"-"`
	OneClickPurchasing bool      `json:"one_click_purchasing"`
	CreatedAt          time.Time `json:"created_at"`
	UpdatedAt          time.Time `json:"updated_at"`
}

const (
	CategoryShirt     = "S"
	CategorySportwear = "SW"
	CategoryOutwear   = "OW"
)

const (
	LabelPrimary   = "P"
	LabelSecondary = "S"
	LabelDanger    = "D"
)

type Item struct {
	ID            int64            `json:"id"`
	Title         string           `json:"title"`
	Price         decimal.Decimal  `json:"price"`
	DiscountPrice *decimal.Decimal `json:"discount_price,omitempty"`
	Category      string           `json:"category"`
	Label         string           `json:"label"`
	Slug          string           `json:"slug"`
	Description   string           `json:"description,omitempty"`
	CreatedAt     time.Time        `json:"created_at"`
	UpdatedAt     time.Time        `json:"updated_at"`
}

// EffectivePrice is the unit price charged for the item: the discount
// price when one is set, the list price otherwise.
func (i *Item) EffectivePrice() decimal.Decimal {
	if i.DiscountPrice != nil {
		return *i.DiscountPrice
	}
	return i.Price
}

// OrderItem is a cart line. OrderID is nil while the line is not linked
// to any order; Ordered flips to true when the parent order is placed.
type OrderItem struct {
	ID       int64  `json:"id"`
	UserID   int64  `json:"user_id"`
	ItemID   int64  `json:"item_id"`
	OrderID  *int64 `json:"order_id,omitempty"`
	Quantity int    `json:"quantity"`
	Ordered  bool   `json:"ordered"`
	Item     Item   `json:"item"`
}

// TotalPrice is quantity times the item's effective unit price.
func (oi *OrderItem) TotalPrice() decimal.Decimal {
	return oi.Item.EffectivePrice().Mul(decimal.NewFromInt(int64(oi.Quantity)))
}

const (
	AddressTypeShipping = "S"
	AddressTypeBilling  = "B"
)

type Address struct {
	ID               int64     `json:"id"`
	UserID           int64     `json:"user_id"`
	StreetAddress    string    `json:"street_address"`
	ApartmentAddress string    `json:"apartment_address,omitempty"`
	Country          string    `json:"country"`
	Zip              string    `json:"zip"`
	AddressType      string    `json:"address_type"`
	Default          bool      `json:"default"`
	CreatedAt        time.Time `json:"created_at"`
}

type Coupon struct {
	ID        int64           `json:"id"`
	Code      string          `json:"code"`
	Amount    decimal.Decimal `json:"amount"`
	CreatedAt time.Time       `json:"created_at"`
}

type Payment struct {
	ID             int64           `json:"id"`
	StripeChargeID string          `json:"stripe_charge_id"`
	UserID         *int64          `json:"user_id,omitempty"`
	Amount         decimal.Decimal `json:"amount"`
	CreatedAt      time.Time       `json:"created_at"`
}

// Order is the aggregate root for the cart and checkout workflow. The
// row with Ordered == false is the user's active cart; RefCode is set
// only once payment succeeds.
type Order struct {
	ID                int64       `json:"id"`
	UserID            int64       `json:"user_id"`
	StartDate         time.Time   `json:"start_date"`
	OrderedDate       *time.Time  `json:"ordered_date,omitempty"`
	Ordered           bool        `json:"ordered"`
	ShippingAddressID *int64      `json:"shipping_address_id,omitempty"`
	BillingAddressID  *int64      `json:"billing_address_id,omitempty"`
	CouponID          *int64      `json:"coupon_id,omitempty"`
	PaymentID         *int64      `json:"payment_id,omitempty"`
	RefCode           *string     `json:"ref_code,omitempty"`
	BeingDelivered    bool        `json:"being_delivered"`
	Received          bool        `json:"received"`
	RefundRequested   bool        `json:"refund_requested"`
	RefundGranted     bool        `json:"refund_granted"`
	Items             []OrderItem `json:"items,omitempty"`
	Coupon            *Coupon     `json:"coupon,omitempty"`
}

// GetTotal sums the line totals and subtracts the coupon amount when a
// coupon is attached and the order has at least one item. The result is
// not clamped at zero.
func (o *Order) GetTotal() decimal.Decimal {
	total := decimal.Zero
	for i := range o.Items {
		total = total.Add(o.Items[i].TotalPrice())
	}
	if o.Coupon != nil && len(o.Items) > 0 {
		total = total.Sub(o.Coupon.Amount)
	}
	return total
}

type Refund struct {
	ID        int64     `json:"id"`
	OrderID   int64     `json:"order_id"`
	Reason    string    `json:"reason"`
	Email     string    `json:"email"`
	Accepted  bool      `json:"accepted"`
	CreatedAt time.Time `json:"created_at"`
}
