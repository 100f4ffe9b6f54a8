package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/ClassicWannabe/ecommerce/internal/config"
	"github.com/ClassicWannabe/ecommerce/internal/database"
	"github.com/ClassicWannabe/ecommerce/internal/gateway"
	"github.com/ClassicWannabe/ecommerce/internal/models"
	"github.com/ClassicWannabe/ecommerce/internal/store"
)

func main() {
	logger := zerolog.New(os.Stdout).With().
		Timestamp().
		Str("service", "ecommerce-api").
		Logger()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("load config")
	}

	db, err := database.NewConnection(&cfg.Database)
	if err != nil {
		logger.Fatal().Err(err).Msg("connect to database")
	}
	defer db.Close()

	logger.Info().Msg("connected to database")

	gw, err := gateway.New(gateway.Config{
		SecretKey: cfg.Stripe.SecretKey,
		Currency:  cfg.Stripe.Currency,
		Logger:    logger,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("init payment gateway")
	}

	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(requestIDMiddleware)
	r.Use(requestLogger(logger))
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Post("/users", handleCreateUser(db))
	r.Get("/users", handleListUsers(db))
	r.Get("/users/{id}", handleGetUser(db))

	r.Get("/items", handleListItems(db))
	r.Post("/items", handleCreateItem(db))
	r.Get("/items/{slug}", handleGetItem(db))

	r.Get("/cart", handleCartSummary(db))
	r.Post("/cart/add/{slug}", handleCartAdd(db))
	r.Post("/cart/remove/{slug}", handleCartRemove(db))
	r.Post("/cart/decrement/{slug}", handleCartDecrement(db))

	r.Get("/checkout", handleCheckoutDefaults(db))
	r.Post("/checkout", handleCheckout(db))

	r.Get("/payment/{option}", handlePaymentContext(db, gw, cfg.Stripe.PublicKey))
	r.Post("/payment/{option}", handlePayment(db, gw))

	r.Post("/coupons", handleCreateCoupon(db))
	r.Post("/coupons/apply", handleApplyCoupon(db))

	r.Post("/refunds", handleRequestRefund(db))

	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	logger.Info().Str("port", cfg.Server.Port).Msg("server starting")
	if err := server.ListenAndServe(); err != nil {
		logger.Fatal().Err(err).Msg("server error")
	}
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", requestID)
		next.ServeHTTP(w, r)
	})
}

func requestLogger(logger zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()

			next.ServeHTTP(ww, r)

			logger.Info().
				Str("request_id", ww.Header().Get("X-Request-ID")).
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", ww.Status()).
				Dur("duration", time.Since(start)).
				Msg("request")
		})
	}
}

// userID reads the caller identity from the X-User-ID header.
// Authentication happens in an outer layer; the header stands in for
// the session.
func userID(r *http.Request) (int64, error) {
	id, err := strconv.ParseInt(r.Header.Get("X-User-ID"), 10, 64)
	if err != nil || id <= 0 {
		return 0, errors.New("missing or invalid X-User-ID header")
	}
	return id, nil
}

func handleCreateUser(db *sql.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Email string `json:"email"`
			Name  string `json:"name"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			respondError(w, http.StatusBadRequest, "Invalid request body")
			return
		}

		user, err := store.CreateUser(r.Context(), db, req.Email, req.Name)
		if err != nil {
			respondStoreError(w, err)
			return
		}

		respondJSON(w, http.StatusCreated, user)
	}
}

func handleListUsers(db *sql.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		page, pageSize := pageParams(r)
		result, err := store.ListUsers(r.Context(), db, page, pageSize)
		if err != nil {
			respondStoreError(w, err)
			return
		}
		respondJSON(w, http.StatusOK, result)
	}
}

func handleGetUser(db *sql.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
		if err != nil {
			respondError(w, http.StatusBadRequest, "Invalid user ID")
			return
		}

		user, err := store.GetUser(r.Context(), db, id)
		if err != nil {
			respondStoreError(w, err)
			return
		}
		respondJSON(w, http.StatusOK, user)
	}
}

func handleListItems(db *sql.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		page, pageSize := pageParams(r)
		result, err := store.ListItems(r.Context(), db, page, pageSize)
		if err != nil {
			respondStoreError(w, err)
			return
		}
		respondJSON(w, http.StatusOK, result)
	}
}

func handleCreateItem(db *sql.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Title         string  `json:"title"`
			Price         string  `json:"price"`
			DiscountPrice *string `json:"discount_price"`
			Category      string  `json:"category"`
			Label         string  `json:"label"`
			Slug          string  `json:"slug"`
			Description   string  `json:"description"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			respondError(w, http.StatusBadRequest, "Invalid request body")
			return
		}

		price, err := decimal.NewFromString(req.Price)
		if err != nil {
			respondError(w, http.StatusBadRequest, "Invalid price")
			return
		}

		createReq := store.CreateItemRequest{
			Title:       req.Title,
			Price:       price,
			Category:    req.Category,
			Label:       req.Label,
			Slug:        req.Slug,
			Description: req.Description,
		}
		if req.DiscountPrice != nil {
			discount, err := decimal.NewFromString(*req.DiscountPrice)
			if err != nil {
				respondError(w, http.StatusBadRequest, "Invalid discount price")
				return
			}
			createReq.DiscountPrice = &discount
		}

		item, err := store.CreateItem(r.Context(), db, createReq)
		if err != nil {
			respondStoreError(w, err)
			return
		}
		respondJSON(w, http.StatusCreated, item)
	}
}

func handleGetItem(db *sql.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		item, err := store.GetItemBySlug(r.Context(), db, chi.URLParam(r, "slug"))
		if err != nil {
			respondStoreError(w, err)
			return
		}
		respondJSON(w, http.StatusOK, item)
	}
}

func handleCartSummary(db *sql.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		uid, err := userID(r)
		if err != nil {
			respondError(w, http.StatusUnauthorized, err.Error())
			return
		}

		order, err := store.GetActiveOrder(r.Context(), db, uid)
		if err != nil {
			respondStoreError(w, err)
			return
		}

		respondJSON(w, http.StatusOK, map[string]any{
			"order": order,
			"total": order.GetTotal(),
		})
	}
}

func handleCartAdd(db *sql.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		uid, err := userID(r)
		if err != nil {
			respondError(w, http.StatusUnauthorized, err.Error())
			return
		}

		quantity, err := store.AddItem(r.Context(), db, uid, chi.URLParam(r, "slug"))
		if err != nil {
			respondStoreError(w, err)
			return
		}

		message := "This item was added to your cart"
		if quantity > 1 {
			message = "This item quantity was updated"
		}
		respondJSON(w, http.StatusOK, map[string]any{
			"message":  message,
			"quantity": quantity,
		})
	}
}

func handleCartRemove(db *sql.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		uid, err := userID(r)
		if err != nil {
			respondError(w, http.StatusUnauthorized, err.Error())
			return
		}

		removed, err := store.RemoveItem(r.Context(), db, uid, chi.URLParam(r, "slug"))
		if err != nil {
			respondStoreError(w, err)
			return
		}

		message := "This item was removed from your cart"
		if !removed {
			message = "This item was not in your cart"
		}
		respondJSON(w, http.StatusOK, map[string]any{"message": message})
	}
}

func handleCartDecrement(db *sql.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		uid, err := userID(r)
		if err != nil {
			respondError(w, http.StatusUnauthorized, err.Error())
			return
		}

		quantity, unlinked, err := store.DecrementItem(r.Context(), db, uid, chi.URLParam(r, "slug"))
		if err != nil {
			respondStoreError(w, err)
			return
		}

		var message string
		switch {
		case unlinked:
			message = "This item was removed from your cart"
		case quantity > 0:
			message = "This item quantity was updated"
		default:
			message = "This item was not in your cart"
		}
		respondJSON(w, http.StatusOK, map[string]any{
			"message":  message,
			"quantity": quantity,
		})
	}
}

type addressFormRequest struct {
	UseDefault       bool   `json:"use_default"`
	StreetAddress    string `json:"street_address"`
	ApartmentAddress string `json:"apartment_address"`
	Country          string `json:"country"`
	Zip              string `json:"zip"`
	SetDefault       bool   `json:"set_default"`
}

func (a addressFormRequest) form() store.AddressForm {
	return store.AddressForm{
		UseDefault:       a.UseDefault,
		StreetAddress:    a.StreetAddress,
		ApartmentAddress: a.ApartmentAddress,
		Country:          a.Country,
		Zip:              a.Zip,
		SetDefault:       a.SetDefault,
	}
}

func handleCheckoutDefaults(db *sql.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		uid, err := userID(r)
		if err != nil {
			respondError(w, http.StatusUnauthorized, err.Error())
			return
		}

		order, err := store.GetActiveOrder(r.Context(), db, uid)
		if err != nil {
			respondStoreError(w, err)
			return
		}

		resp := map[string]any{
			"order": order,
			"total": order.GetTotal(),
		}
		shipping, err := optionalDefaultAddress(r.Context(), db, uid, models.AddressTypeShipping)
		if err != nil {
			respondStoreError(w, err)
			return
		}
		if shipping != nil {
			resp["default_shipping_address"] = shipping
		}
		billing, err := optionalDefaultAddress(r.Context(), db, uid, models.AddressTypeBilling)
		if err != nil {
			respondStoreError(w, err)
			return
		}
		if billing != nil {
			resp["default_billing_address"] = billing
		}

		respondJSON(w, http.StatusOK, resp)
	}
}

// optionalDefaultAddress distinguishes "no default saved" (nil, nil)
// from a real lookup failure, which callers must surface.
func optionalDefaultAddress(ctx context.Context, db *sql.DB, userID int64, addressType string) (*models.Address, error) {
	addr, err := store.GetDefaultAddress(ctx, db, userID, addressType)
	if errors.Is(err, database.ErrAddressNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return addr, nil
}

func handleCheckout(db *sql.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		uid, err := userID(r)
		if err != nil {
			respondError(w, http.StatusUnauthorized, err.Error())
			return
		}

		var req struct {
			Shipping           addressFormRequest `json:"shipping"`
			SameBillingAddress bool               `json:"same_billing_address"`
			Billing            addressFormRequest `json:"billing"`
			PaymentOption      string             `json:"payment_option"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			respondError(w, http.StatusBadRequest, "Invalid request body")
			return
		}

		order, err := store.Checkout(r.Context(), db, uid, store.CheckoutRequest{
			Shipping:           req.Shipping.form(),
			SameBillingAddress: req.SameBillingAddress,
			Billing:            req.Billing.form(),
			PaymentOption:      req.PaymentOption,
		})
		if err != nil {
			respondStoreError(w, err)
			return
		}

		respondJSON(w, http.StatusOK, map[string]any{
			"order":          order,
			"payment_option": req.PaymentOption,
		})
	}
}

func handlePaymentContext(db *sql.DB, gw *gateway.Client, publicKey string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if chi.URLParam(r, "option") != store.PaymentOptionStripe {
			respondError(w, http.StatusBadRequest, "Invalid payment option selected")
			return
		}

		uid, err := userID(r)
		if err != nil {
			respondError(w, http.StatusUnauthorized, err.Error())
			return
		}

		order, err := store.GetActiveOrder(r.Context(), db, uid)
		if err != nil {
			respondStoreError(w, err)
			return
		}
		if order.BillingAddressID == nil {
			respondError(w, http.StatusBadRequest, "You have not added a billing address")
			return
		}

		user, err := store.GetUser(r.Context(), db, uid)
		if err != nil {
			respondStoreError(w, err)
			return
		}

		resp := map[string]any{
			"order":               order,
			"total":               order.GetTotal(),
			"stripe_public_key":   publicKey,
			"one_click_available": user.OneClickPurchasing,
		}
		if user.OneClickPurchasing && user.StripeCustomerID != "" {
			cards, err := gw.ListCards(r.Context(), user.StripeCustomerID, 3)
			if err != nil {
				respondStoreError(w, err)
				return
			}
			if len(cards) > 0 {
				resp["card"] = cards[0]
			}
		}

		respondJSON(w, http.StatusOK, resp)
	}
}

func handlePayment(db *sql.DB, gw *gateway.Client) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if chi.URLParam(r, "option") != store.PaymentOptionStripe {
			respondError(w, http.StatusBadRequest, "Invalid payment option selected")
			return
		}

		uid, err := userID(r)
		if err != nil {
			respondError(w, http.StatusUnauthorized, err.Error())
			return
		}

		var req struct {
			Token      string `json:"token"`
			Save       bool   `json:"save"`
			UseDefault bool   `json:"use_default"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			respondError(w, http.StatusBadRequest, "Invalid request body")
			return
		}

		result, err := store.ChargeOrder(r.Context(), db, gw, store.ChargeOrderRequest{
			UserID:         uid,
			Token:          req.Token,
			Save:           req.Save,
			UseDefault:     req.UseDefault,
			IdempotencyKey: uuid.NewString(),
		})
		if err != nil {
			respondStoreError(w, err)
			return
		}

		respondJSON(w, http.StatusOK, map[string]any{
			"message":  "Your order was successful",
			"order":    result.Order,
			"payment":  result.Payment,
			"ref_code": result.Order.RefCode,
		})
	}
}

func handleCreateCoupon(db *sql.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Code   string `json:"code"`
			Amount string `json:"amount"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			respondError(w, http.StatusBadRequest, "Invalid request body")
			return
		}

		amount, err := decimal.NewFromString(req.Amount)
		if err != nil {
			respondError(w, http.StatusBadRequest, "Invalid amount")
			return
		}

		coupon, err := store.CreateCoupon(r.Context(), db, req.Code, amount)
		if err != nil {
			respondStoreError(w, err)
			return
		}
		respondJSON(w, http.StatusCreated, coupon)
	}
}

func handleApplyCoupon(db *sql.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		uid, err := userID(r)
		if err != nil {
			respondError(w, http.StatusUnauthorized, err.Error())
			return
		}

		var req struct {
			Code string `json:"code"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			respondError(w, http.StatusBadRequest, "Invalid request body")
			return
		}

		coupon, err := store.ApplyCoupon(r.Context(), db, uid, req.Code)
		if err != nil {
			respondStoreError(w, err)
			return
		}

		respondJSON(w, http.StatusOK, map[string]any{
			"message": "Successfully added coupon",
			"coupon":  coupon,
		})
	}
}

func handleRequestRefund(db *sql.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			RefCode string `json:"ref_code"`
			Message string `json:"message"`
			Email   string `json:"email"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			respondError(w, http.StatusBadRequest, "Invalid request body")
			return
		}

		refund, err := store.RequestRefund(r.Context(), db, req.RefCode, req.Message, req.Email)
		if err != nil {
			respondStoreError(w, err)
			return
		}

		respondJSON(w, http.StatusCreated, map[string]any{
			"message": "Your request was received",
			"refund":  refund,
		})
	}
}

func pageParams(r *http.Request) (int, int) {
	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	if page < 1 {
		page = 1
	}
	pageSize, _ := strconv.Atoi(r.URL.Query().Get("page_size"))
	if pageSize < 1 || pageSize > 100 {
		pageSize = 20
	}
	return page, pageSize
}

// respondStoreError maps operation errors onto HTTP statuses: not-found
// sentinels to 404, validation sentinels to 400, gateway failures to a
// payment-specific status with the user-facing message, everything else
// to 500.
func respondStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, database.ErrUserNotFound),
		errors.Is(err, database.ErrItemNotFound),
		errors.Is(err, database.ErrOrderNotFound),
		errors.Is(err, database.ErrAddressNotFound),
		errors.Is(err, database.ErrCouponNotFound):
		respondError(w, http.StatusNotFound, err.Error())
		return
	case errors.Is(err, database.ErrInvalidAddress),
		errors.Is(err, database.ErrInvalidPaymentOption),
		errors.Is(err, database.ErrNoBillingAddress),
		errors.Is(err, database.ErrEmptyCart):
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	var gwErr *gateway.Error
	if errors.As(err, &gwErr) {
		status := http.StatusPaymentRequired
		if gwErr.Kind == gateway.KindUnexpected {
			status = http.StatusInternalServerError
		}
		respondError(w, status, gwErr.Message)
		return
	}

	respondError(w, http.StatusInternalServerError, err.Error())
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}
