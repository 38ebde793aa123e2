// Package settlement holds the contracts for the opaque external
// collaborators: the currency-clearing adapter and the payment provider.
// Neither is reimplemented here; the kernel only depends on these narrow
// request/response shapes.
package settlement

import (
	"context"
	"errors"
	"time"
)

// ErrUnavailable wraps adapter timeouts and transport failures. Callers
// surface it as a retryable dependency failure; trade state is unchanged.
var ErrUnavailable = errors.New("settlement adapter unavailable")

// Clearing is the result of converting and clearing a cross-currency
// settlement amount.
type Clearing struct {
	SettlementID string
	// Rate is fixed-point with money.RateScale
	Rate      int64
	NetAmount int64
	Currency  string
}

// Clearer converts and clears cross-currency settlement amounts.
type Clearer interface {
	Clear(ctx context.Context, amount int64, fromCurrency, toCurrency string) (Clearing, error)
}

// PaymentIntent is the handle returned when payment is initiated; the
// client secret is forwarded to the paying party.
type PaymentIntent struct {
	ID           string
	ClientSecret string
}

// PaymentProvider is the external payment processor contract.
type PaymentProvider interface {
	CreateIntent(ctx context.Context, amount int64, currency string) (PaymentIntent, error)
	Confirm(ctx context.Context, intentID string) error
	Refund(ctx context.Context, paymentRef string, amount int64) (refundID string, err error)
}

// CallTimeout bounds every adapter call. Calls must not hold any lock on
// the trade entity while waiting.
const CallTimeout = 5 * time.Second
