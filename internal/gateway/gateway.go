// Package gateway is a thin adapter over the external payment provider's
// invoice, customer, and checkout operations. It surfaces idempotent
// operations and typed errors; all business decisions live in the engine.
package gateway

import (
	"context"
	"errors"
	"fmt"
)

// Sentinel errors callers are expected to branch on.
var (
	// ErrAlreadyPaid is returned by PayInvoiceOutOfBand when the provider
	// reports the invoice as already settled. Callers treat it as success.
	ErrAlreadyPaid = errors.New("invoice already paid")

	// ErrCustomerDeleted is returned when the provider-side customer record
	// has been deleted and no balance can be read.
	ErrCustomerDeleted = errors.New("customer deleted")
)

// Error wraps a provider failure with the operation and resource involved so
// money-touching failures stay actionable in logs.
type Error struct {
	Op       string
	Resource string
	Err      error
}

func (e *Error) Error() string {
	if e.Resource != "" {
		return fmt.Sprintf("gateway %s %s: %v", e.Op, e.Resource, e.Err)
	}
	return fmt.Sprintf("gateway %s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Invoice is the provider invoice shape the engine consumes.
type Invoice struct {
	ID         string
	Status     string
	CustomerID string
	Metadata   map[string]string
	AmountDue  int64
	AmountPaid int64
}

// Paid reports whether the provider considers the invoice settled.
func (i *Invoice) Paid() bool {
	return i != nil && i.Status == "paid"
}

// SessionRef identifies a provider checkout session.
type SessionRef struct {
	ID  string
	URL string
}

// CheckoutParams describes a checkout session bound to an existing customer.
type CheckoutParams struct {
	CustomerID string
	PriceID    string
	Metadata   map[string]string
}

// RenewalInvoiceParams describes a provider invoice that bills the next
// period for rails lacking a native recurring subscription object.
type RenewalInvoiceParams struct {
	CustomerID   string
	PriceID      string
	DaysUntilDue int64
	Metadata     map[string]string
}

// Client is the billing provider surface the engine depends on. The stripe
// implementation is the only production one; tests substitute fakes.
type Client interface {
	// RetrieveInvoice fetches the current provider-side invoice state.
	RetrieveInvoice(ctx context.Context, id string) (*Invoice, error)

	// PayInvoiceOutOfBand marks an invoice paid without moving money again.
	// idempotencyKey makes repeated calls safe; ErrAlreadyPaid is returned
	// (not swallowed) when the provider reports the invoice settled.
	PayInvoiceOutOfBand(ctx context.Context, id, idempotencyKey string) error

	// CreateRenewalInvoice creates an invoice billing the next period.
	CreateRenewalInvoice(ctx context.Context, params RenewalInvoiceParams) (*Invoice, error)

	// CreateCheckoutSession creates a checkout session for the customer.
	CreateCheckoutSession(ctx context.Context, params CheckoutParams) (*SessionRef, error)

	// ExpireCheckoutSession expires a session server-side.
	ExpireCheckoutSession(ctx context.Context, id string) error

	// GetCustomerBalance reads the customer balance in the smallest currency
	// unit. Negative means unused credit. Returns ErrCustomerDeleted when
	// the customer no longer exists.
	GetCustomerBalance(ctx context.Context, customerID string) (int64, error)
}
