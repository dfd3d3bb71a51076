// Package paymentstest provides an in-memory payments.Provider.
package paymentstest

import (
	"context"
	"fmt"
	"sync"

	"ariex/internal/payments"
)

type Fake struct {
	mu       sync.Mutex
	Sessions []payments.CheckoutRequest
	Err      error
}

func New() *Fake { return &Fake{} }

func (f *Fake) CreateCheckoutSession(_ context.Context, req payments.CheckoutRequest) (payments.CheckoutSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return payments.CheckoutSession{}, f.Err
	}
	if _, err := payments.MinorUnits(req.Amount, req.Currency); err != nil {
		return payments.CheckoutSession{}, err
	}
	f.Sessions = append(f.Sessions, req)
	id := fmt.Sprintf("cs_test_%d", len(f.Sessions))
	return payments.CheckoutSession{ID: id, URL: "https://checkout.test/" + id}, nil
}

func (f *Fake) Count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.Sessions)
}
