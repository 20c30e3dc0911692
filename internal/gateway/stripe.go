package gateway

import (
	"context"
	"errors"
	"strings"

	stripe "github.com/stripe/stripe-go/v82"
	stripesession "github.com/stripe/stripe-go/v82/checkout/session"
	stripecustomer "github.com/stripe/stripe-go/v82/customer"
	stripeinvoice "github.com/stripe/stripe-go/v82/invoice"
	stripeinvoiceitem "github.com/stripe/stripe-go/v82/invoiceitem"
)

// StripeClient implements Client against the Stripe API. The stripe calls
// are function fields so tests can substitute them without network access.
type StripeClient struct {
	getInvoice     func(id string, params *stripe.InvoiceParams) (*stripe.Invoice, error)
	payInvoice     func(id string, params *stripe.InvoicePayParams) (*stripe.Invoice, error)
	newInvoice     func(params *stripe.InvoiceParams) (*stripe.Invoice, error)
	newInvoiceItem func(params *stripe.InvoiceItemParams) (*stripe.InvoiceItem, error)
	newSession     func(params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error)
	expireSession  func(id string, params *stripe.CheckoutSessionExpireParams) (*stripe.CheckoutSession, error)
	getCustomer    func(id string, params *stripe.CustomerParams) (*stripe.Customer, error)
}

// NewStripeClient configures the package-level Stripe API key and returns a
// client bound to it.
func NewStripeClient(apiKey string) *StripeClient {
	stripe.Key = strings.TrimSpace(apiKey)
	return &StripeClient{
		getInvoice:     stripeinvoice.Get,
		payInvoice:     stripeinvoice.Pay,
		newInvoice:     stripeinvoice.New,
		newInvoiceItem: stripeinvoiceitem.New,
		newSession:     stripesession.New,
		expireSession:  stripesession.Expire,
		getCustomer:    stripecustomer.Get,
	}
}

var _ Client = (*StripeClient)(nil)

func (c *StripeClient) RetrieveInvoice(ctx context.Context, id string) (*Invoice, error) {
	params := &stripe.InvoiceParams{}
	params.Context = ctx
	inv, err := c.getInvoice(id, params)
	if err != nil {
		return nil, &Error{Op: "retrieve invoice", Resource: id, Err: err}
	}
	return fromStripeInvoice(inv), nil
}

func (c *StripeClient) PayInvoiceOutOfBand(ctx context.Context, id, idempotencyKey string) error {
	params := &stripe.InvoicePayParams{
		PaidOutOfBand: stripe.Bool(true),
	}
	params.Context = ctx
	if key := strings.TrimSpace(idempotencyKey); key != "" {
		params.IdempotencyKey = stripe.String(key)
	}
	if _, err := c.payInvoice(id, params); err != nil {
		if isAlreadyPaid(err) {
			return ErrAlreadyPaid
		}
		return &Error{Op: "pay invoice out of band", Resource: id, Err: err}
	}
	return nil
}

func (c *StripeClient) CreateRenewalInvoice(ctx context.Context, p RenewalInvoiceParams) (*Invoice, error) {
	itemParams := &stripe.InvoiceItemParams{
		Customer: stripe.String(p.CustomerID),
		Pricing: &stripe.InvoiceItemPricingParams{
			Price: stripe.String(p.PriceID),
		},
	}
	itemParams.Context = ctx
	if _, err := c.newInvoiceItem(itemParams); err != nil {
		return nil, &Error{Op: "create renewal invoice item", Resource: p.CustomerID, Err: err}
	}

	daysUntilDue := p.DaysUntilDue
	if daysUntilDue <= 0 {
		daysUntilDue = 3
	}
	invParams := &stripe.InvoiceParams{
		Customer:         stripe.String(p.CustomerID),
		CollectionMethod: stripe.String(string(stripe.InvoiceCollectionMethodSendInvoice)),
		DaysUntilDue:     stripe.Int64(daysUntilDue),
		AutoAdvance:      stripe.Bool(true),
		Metadata:         p.Metadata,
	}
	invParams.Context = ctx
	inv, err := c.newInvoice(invParams)
	if err != nil {
		return nil, &Error{Op: "create renewal invoice", Resource: p.CustomerID, Err: err}
	}
	return fromStripeInvoice(inv), nil
}

func (c *StripeClient) CreateCheckoutSession(ctx context.Context, p CheckoutParams) (*SessionRef, error) {
	params := &stripe.CheckoutSessionParams{
		Mode:     stripe.String(string(stripe.CheckoutSessionModeSubscription)),
		Customer: stripe.String(p.CustomerID),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{
				Price:    stripe.String(p.PriceID),
				Quantity: stripe.Int64(1),
			},
		},
		Metadata: p.Metadata,
	}
	params.Context = ctx
	session, err := c.newSession(params)
	if err != nil {
		return nil, &Error{Op: "create checkout session", Resource: p.CustomerID, Err: err}
	}
	return &SessionRef{ID: session.ID, URL: session.URL}, nil
}

func (c *StripeClient) ExpireCheckoutSession(ctx context.Context, id string) error {
	params := &stripe.CheckoutSessionExpireParams{}
	params.Context = ctx
	if _, err := c.expireSession(id, params); err != nil {
		return &Error{Op: "expire checkout session", Resource: id, Err: err}
	}
	return nil
}

func (c *StripeClient) GetCustomerBalance(ctx context.Context, customerID string) (int64, error) {
	params := &stripe.CustomerParams{}
	params.Context = ctx
	cust, err := c.getCustomer(customerID, params)
	if err != nil {
		return 0, &Error{Op: "get customer", Resource: customerID, Err: err}
	}
	if cust.Deleted {
		return 0, ErrCustomerDeleted
	}
	return cust.Balance, nil
}

func fromStripeInvoice(inv *stripe.Invoice) *Invoice {
	if inv == nil {
		return nil
	}
	out := &Invoice{
		ID:         inv.ID,
		Status:     string(inv.Status),
		Metadata:   inv.Metadata,
		AmountDue:  inv.AmountDue,
		AmountPaid: inv.AmountPaid,
	}
	if inv.Customer != nil {
		out.CustomerID = inv.Customer.ID
	}
	return out
}

// isAlreadyPaid recognizes the provider's "already paid" rejection, which
// repair flows tolerate as success rather than failure.
func isAlreadyPaid(err error) bool {
	var stripeErr *stripe.Error
	if !errors.As(err, &stripeErr) {
		return false
	}
	if stripeErr.Code == "invoice_already_paid" {
		return true
	}
	return strings.Contains(strings.ToLower(stripeErr.Msg), "already paid")
}
