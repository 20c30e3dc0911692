package engine

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/dotabod/subsync/internal/gateway"
	"github.com/dotabod/subsync/internal/ledger"
)

type payCall struct {
	invoiceID      string
	idempotencyKey string
}

// fakeGateway implements gateway.Client for tests. Zero value is usable;
// seed invoices and balances as needed.
type fakeGateway struct {
	invoices         map[string]*gateway.Invoice
	balances         map[string]int64
	deletedCustomers map[string]bool

	payCalls []payCall
	payErr   error

	renewalCalls []gateway.RenewalInvoiceParams
	renewalErr   error

	sessionCalls []gateway.CheckoutParams
	sessionErr   error
	expiredIDs   []string
}

func (f *fakeGateway) addInvoice(inv *gateway.Invoice) {
	if f.invoices == nil {
		f.invoices = make(map[string]*gateway.Invoice)
	}
	f.invoices[inv.ID] = inv
}

func (f *fakeGateway) RetrieveInvoice(_ context.Context, id string) (*gateway.Invoice, error) {
	inv, ok := f.invoices[id]
	if !ok {
		return nil, &gateway.Error{Op: "retrieve invoice", Resource: id, Err: fmt.Errorf("not found")}
	}
	return inv, nil
}

func (f *fakeGateway) PayInvoiceOutOfBand(_ context.Context, id, idempotencyKey string) error {
	f.payCalls = append(f.payCalls, payCall{invoiceID: id, idempotencyKey: idempotencyKey})
	if f.payErr != nil {
		return f.payErr
	}
	if inv, ok := f.invoices[id]; ok {
		inv.Status = "paid"
		inv.AmountPaid = inv.AmountDue
	}
	return nil
}

func (f *fakeGateway) CreateRenewalInvoice(_ context.Context, params gateway.RenewalInvoiceParams) (*gateway.Invoice, error) {
	f.renewalCalls = append(f.renewalCalls, params)
	if f.renewalErr != nil {
		return nil, f.renewalErr
	}
	inv := &gateway.Invoice{
		ID:         fmt.Sprintf("in_renewal_%d", len(f.renewalCalls)),
		Status:     "open",
		CustomerID: params.CustomerID,
		Metadata:   params.Metadata,
	}
	f.addInvoice(inv)
	return inv, nil
}

func (f *fakeGateway) CreateCheckoutSession(_ context.Context, params gateway.CheckoutParams) (*gateway.SessionRef, error) {
	f.sessionCalls = append(f.sessionCalls, params)
	if f.sessionErr != nil {
		return nil, f.sessionErr
	}
	id := fmt.Sprintf("cs_test_%d", len(f.sessionCalls))
	return &gateway.SessionRef{ID: id, URL: "https://checkout.example.com/" + id}, nil
}

func (f *fakeGateway) ExpireCheckoutSession(_ context.Context, id string) error {
	f.expiredIDs = append(f.expiredIDs, id)
	return nil
}

func (f *fakeGateway) GetCustomerBalance(_ context.Context, customerID string) (int64, error) {
	if f.deletedCustomers[customerID] {
		return 0, gateway.ErrCustomerDeleted
	}
	return f.balances[customerID], nil
}

const (
	testPriceMonthly  = "price_monthly"
	testPriceAnnual   = "price_annual"
	testPriceLifetime = "price_lifetime"
)

var testNow = time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)

func newTestEngine(t *testing.T) (*Engine, *fakeGateway, *ledger.Store) {
	t.Helper()
	store, err := ledger.Open(t.TempDir())
	if err != nil {
		t.Fatalf("ledger.Open: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	gw := &fakeGateway{}
	eng := New(store, gw, PriceCatalog{
		Monthly:  testPriceMonthly,
		Annual:   testPriceAnnual,
		Lifetime: testPriceLifetime,
	}, "")
	eng.now = func() time.Time { return testNow }
	return eng, gw, store
}
