package gateway

import (
	"context"
	"errors"
	"strings"

	"github.com/rs/zerolog"
	"github.com/stripe/stripe-go/v78"
	"github.com/stripe/stripe-go/v78/client"
	"github.com/stripe/stripe-go/v78/paymentsource"
)

type chargeAPI interface {
	New(params *stripe.ChargeParams) (*stripe.Charge, error)
}

type customerAPI interface {
	New(params *stripe.CustomerParams) (*stripe.Customer, error)
}

type sourceAPI interface {
	New(params *stripe.PaymentSourceParams) (*stripe.PaymentSource, error)
	List(params *stripe.PaymentSourceListParams) *paymentsource.Iter
}

// Config configures the Stripe-backed Client. The secret key is
// injected here; no package-global processor state exists.
type Config struct {
	SecretKey string
	Currency  string
	Logger    zerolog.Logger

	// test seams; left nil in production
	charges   chargeAPI
	customers customerAPI
	sources   sourceAPI
}

// Client talks to the payment processor. Charges are never retried;
// callers receive a typed *Error on failure.
type Client struct {
	charges   chargeAPI
	customers customerAPI
	sources   sourceAPI
	currency  string
	logger    zerolog.Logger
}

func New(cfg Config) (*Client, error) {
	c := &Client{
		charges:   cfg.charges,
		customers: cfg.customers,
		sources:   cfg.sources,
		currency:  strings.ToLower(cfg.Currency),
		logger:    cfg.Logger,
	}
	if c.currency == "" {
		c.currency = "usd"
	}

	if c.charges == nil || c.customers == nil || c.sources == nil {
		key := strings.TrimSpace(cfg.SecretKey)
		if key == "" {
			return nil, errors.New("gateway: secret key is required")
		}
		sc := client.New(key, nil)
		c.charges = sc.Charges
		c.customers = sc.Customers
		c.sources = sc.PaymentSources
	}

	return c, nil
}

// ChargeRequest describes a single charge attempt. Exactly one of
// SourceToken (one-time card token) or CustomerID (saved customer,
// one-click) must be set. Amount is in minor currency units.
type ChargeRequest struct {
	Amount         int64
	Description    string
	SourceToken    string
	CustomerID     string
	IdempotencyKey string
}

type ChargeResult struct {
	ChargeID string
	Amount   int64
}

func (c *Client) Charge(ctx context.Context, req ChargeRequest) (ChargeResult, error) {
	params := &stripe.ChargeParams{
		Amount:   stripe.Int64(req.Amount),
		Currency: stripe.String(c.currency),
	}
	params.Context = ctx
	if req.Description != "" {
		params.Description = stripe.String(req.Description)
	}
	if key := strings.TrimSpace(req.IdempotencyKey); key != "" {
		params.SetIdempotencyKey(key)
	}

	switch {
	case req.CustomerID != "":
		params.Customer = stripe.String(req.CustomerID)
	case req.SourceToken != "":
		if err := params.SetSource(req.SourceToken); err != nil {
			return ChargeResult{}, &Error{Kind: KindInvalidRequest, Message: "Invalid request.", err: err}
		}
	default:
		return ChargeResult{}, &Error{Kind: KindInvalidRequest, Message: "No payment source supplied."}
	}

	ch, err := c.charges.New(params)
	if err != nil {
		gwErr := wrapError(err)
		c.logger.Warn().
			Str("kind", gwErr.Kind.String()).
			Int64("amount", req.Amount).
			Err(err).
			Msg("charge failed")
		return ChargeResult{}, gwErr
	}

	c.logger.Info().
		Str("charge_id", ch.ID).
		Int64("amount", ch.Amount).
		Msg("charge created")

	return ChargeResult{ChargeID: ch.ID, Amount: ch.Amount}, nil
}

// EnsureCustomer makes sure a processor-side customer exists with the
// given card token attached, returning the customer id. An empty
// customerID creates a new customer; otherwise the token is attached to
// the existing one.
func (c *Client) EnsureCustomer(ctx context.Context, customerID, email, token string) (string, error) {
	if customerID == "" {
		params := &stripe.CustomerParams{
			Email:  stripe.String(email),
			Source: stripe.String(token),
		}
		params.Context = ctx
		cus, err := c.customers.New(params)
		if err != nil {
			return "", wrapError(err)
		}
		c.logger.Info().Str("customer_id", cus.ID).Msg("customer created")
		return cus.ID, nil
	}

	params := &stripe.PaymentSourceParams{
		Customer: stripe.String(customerID),
		Source:   &stripe.PaymentSourceSourceParams{Token: stripe.String(token)},
	}
	params.Context = ctx
	if _, err := c.sources.New(params); err != nil {
		return "", wrapError(err)
	}
	return customerID, nil
}

// Card is a saved-card summary shown on the payment form.
type Card struct {
	ID       string `json:"id"`
	Brand    string `json:"brand"`
	Last4    string `json:"last4"`
	ExpMonth int64  `json:"exp_month"`
	ExpYear  int64  `json:"exp_year"`
}

// ListCards returns up to limit cards saved against the customer.
func (c *Client) ListCards(ctx context.Context, customerID string, limit int64) ([]Card, error) {
	params := &stripe.PaymentSourceListParams{
		Customer: stripe.String(customerID),
		Object:   stripe.String("card"),
	}
	params.Context = ctx
	params.Limit = stripe.Int64(limit)

	var cards []Card
	iter := c.sources.List(params)
	for iter.Next() {
		source := iter.PaymentSource()
		if source.Card == nil {
			continue
		}
		cards = append(cards, Card{
			ID:       source.ID,
			Brand:    string(source.Card.Brand),
			Last4:    source.Card.Last4,
			ExpMonth: source.Card.ExpMonth,
			ExpYear:  source.Card.ExpYear,
		})
	}
	if err := iter.Err(); err != nil {
		return nil, wrapError(err)
	}
	return cards, nil
}
