package gateway

import (
	"errors"
	"fmt"
	"net"
	"net/http"

	"github.com/stripe/stripe-go/v78"
)

// Kind is the closed set of gateway failure categories surfaced to
// callers. Nothing is retried automatically for any of them.
type Kind int

const (
	KindCardDeclined Kind = iota
	KindRateLimited
	KindInvalidRequest
	KindAuthFailure
	KindConnectivity
	KindProcessor
	KindUnexpected
)

func (k Kind) String() string {
	switch k {
	case KindCardDeclined:
		return "card_declined"
	case KindRateLimited:
		return "rate_limited"
	case KindInvalidRequest:
		return "invalid_request"
	case KindAuthFailure:
		return "auth_failure"
	case KindConnectivity:
		return "connectivity"
	case KindProcessor:
		return "processor_error"
	default:
		return "unexpected"
	}
}

// Error wraps a payment-processor failure with its Kind and a message
// safe to show to the user.
type Error struct {
	Kind    Kind
	Message string
	err     error
}

func (e *Error) Error() string {
	if e.err != nil {
		return fmt.Sprintf("gateway: %s: %v", e.Kind, e.err)
	}
	return fmt.Sprintf("gateway: %s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.err }

// wrapError converts a processor failure into an *Error. Stripe errors
// classify off the error type, code, and HTTP status (rate limits can
// surface as an invalid_request_error with code rate_limit, so the code
// and status checks run first); card errors carry the user-facing
// decline message. Transport failures that never reached the processor
// map to KindConnectivity.
func wrapError(err error) *Error {
	var stripeErr *stripe.Error
	if !errors.As(err, &stripeErr) {
		var netErr net.Error
		if errors.As(err, &netErr) {
			return &Error{Kind: KindConnectivity, Message: "Network error.", err: err}
		}
		return &Error{
			Kind:    KindUnexpected,
			Message: "A serious error occurred. We've been notified.",
			err:     err,
		}
	}

	switch {
	case stripeErr.Type == stripe.ErrorTypeCard:
		msg := stripeErr.Msg
		if msg == "" {
			msg = "Your card was declined."
		}
		return &Error{Kind: KindCardDeclined, Message: msg, err: err}
	case stripeErr.Code == stripe.ErrorCodeRateLimit,
		stripeErr.HTTPStatusCode == http.StatusTooManyRequests:
		return &Error{Kind: KindRateLimited, Message: "Rate limit error.", err: err}
	case stripeErr.HTTPStatusCode == http.StatusUnauthorized:
		return &Error{Kind: KindAuthFailure, Message: "Not authenticated.", err: err}
	case stripeErr.Type == stripe.ErrorTypeInvalidRequest:
		return &Error{Kind: KindInvalidRequest, Message: "Invalid request.", err: err}
	default:
		return &Error{
			Kind:    KindProcessor,
			Message: "Something went wrong. You were not charged. Please try again.",
			err:     err,
		}
	}
}
