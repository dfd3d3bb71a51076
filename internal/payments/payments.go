// Package payments creates hosted checkout sessions and verifies processor
// webhooks.
package payments

import (
	"context"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

type CheckoutRequest struct {
	ChargeID    string
	AgreementID string
	Description string
	Amount      decimal.Decimal
	Currency    string
	SuccessURL  string
	CancelURL   string
	CustomerRef string
	// Attempt numbers link generations for one charge; retries of the same
	// attempt reuse the processor's idempotency key.
	Attempt int
}

type CheckoutSession struct {
	ID  string `json:"id"`
	URL string `json:"url"`
}

// Provider is the payment processor.
type Provider interface {
	CreateCheckoutSession(ctx context.Context, req CheckoutRequest) (CheckoutSession, error)
}

type APIError struct {
	StatusCode int
	Type       string
	Message    string
}

func (e *APIError) Error() string {
	if e.Type != "" {
		return fmt.Sprintf("payments: http %d: %s: %s", e.StatusCode, e.Type, e.Message)
	}
	return fmt.Sprintf("payments: http %d: %s", e.StatusCode, e.Message)
}

var zeroDecimal = map[string]bool{
	"BIF": true, "CLP": true, "DJF": true, "GNF": true, "JPY": true, "KMF": true, "KRW": true,
	"MGA": true, "PYG": true, "RWF": true, "UGX": true, "VND": true, "VUV": true, "XAF": true,
	"XOF": true, "XPF": true,
}

// MinorUnits converts an amount to the processor's integer unit, rejecting
// amounts with more precision than the currency supports.
func MinorUnits(amount decimal.Decimal, currency string) (int64, error) {
	if amount.IsNegative() || amount.IsZero() {
		return 0, fmt.Errorf("amount must be positive")
	}
	exp := int32(2)
	if zeroDecimal[strings.ToUpper(currency)] {
		exp = 0
	}
	scaled := amount.Shift(exp)
	if !scaled.Equal(scaled.Truncate(0)) {
		return 0, fmt.Errorf("amount %s has too many decimals for %s", amount, currency)
	}
	return scaled.IntPart(), nil
}
