package ledger

import (
	"crypto/rand"
	"fmt"
	"strings"
	"time"
)

// Status represents the lifecycle state of a subscription record.
type Status string

const (
	StatusActive     Status = "active"
	StatusCanceled   Status = "canceled"
	StatusPastDue    Status = "past_due"
	StatusIncomplete Status = "incomplete"
	StatusUnpaid     Status = "unpaid"
)

// TransactionType distinguishes renewable subscriptions from one-time
// permanent grants.
type TransactionType string

const (
	TransactionRecurring TransactionType = "recurring"
	TransactionLifetime  TransactionType = "lifetime"
)

// Tier is the feature tier a subscription grants.
type Tier string

const (
	TierFree Tier = "free"
	TierPro  Tier = "pro"
)

// Period is a billing period. Lifetime is terminal and has no period end.
type Period string

const (
	PeriodMonthly  Period = "monthly"
	PeriodAnnual   Period = "annual"
	PeriodLifetime Period = "lifetime"
)

// Duration returns the wall-clock length of one billing period. Lifetime
// returns zero.
func (p Period) Duration() time.Duration {
	switch p {
	case PeriodMonthly:
		return 30 * 24 * time.Hour
	case PeriodAnnual:
		return 365 * 24 * time.Hour
	default:
		return 0
	}
}

// Subscription is one user's current or historical entitlement record.
// Records are never physically deleted; canceled rows remain for audit.
type Subscription struct {
	ID                     string            `json:"id"`
	UserID                 string            `json:"user_id"`
	ExternalCustomerID     string            `json:"external_customer_id"`
	ExternalSubscriptionID string            `json:"external_subscription_id,omitempty"`
	ExternalPriceID        string            `json:"external_price_id"`
	Status                 Status            `json:"status"`
	TransactionType        TransactionType   `json:"transaction_type"`
	Tier                   Tier              `json:"tier"`
	CurrentPeriodEnd       *time.Time        `json:"current_period_end,omitempty"`
	CancelAtPeriodEnd      bool              `json:"cancel_at_period_end"`
	IsGift                 bool              `json:"is_gift"`
	Metadata               map[string]string `json:"metadata,omitempty"`
	CreatedAt              time.Time         `json:"created_at"`
	UpdatedAt              time.Time         `json:"updated_at"`
}

// IsReactivatable reports whether the record qualifies for price reuse when
// applying gift credit: inactive, scheduled to lapse at period end, and tied
// to a real provider-side subscription.
func (s *Subscription) IsReactivatable() bool {
	if s == nil || s.Status == StatusActive {
		return false
	}
	return s.CancelAtPeriodEnd && strings.TrimSpace(s.ExternalSubscriptionID) != ""
}

// GiftDetail is the one-to-one extension of a Subscription created through a
// gift flow. It is owned by its Subscription and created in the same
// transaction.
type GiftDetail struct {
	SubscriptionID string    `json:"subscription_id"`
	SenderName     string    `json:"sender_name,omitempty"`
	GiftMessage    string    `json:"gift_message,omitempty"`
	GiftType       Period    `json:"gift_type"`
	GiftQuantity   int       `json:"gift_quantity"`
	CreatedAt      time.Time `json:"created_at"`
}

// DisplaySender returns the sender name shown to the recipient.
func (g *GiftDetail) DisplaySender() string {
	if g == nil || strings.TrimSpace(g.SenderName) == "" {
		return "Anonymous"
	}
	return g.SenderName
}

// ChargeStatus is the provider-side state of an external charge. The set is
// open ended; only the settled members matter to reconciliation.
type ChargeStatus string

const (
	ChargePending   ChargeStatus = "pending"
	ChargePaid      ChargeStatus = "paid"
	ChargeConfirmed ChargeStatus = "confirmed"
	ChargeFailed    ChargeStatus = "failed"
)

// Settled reports whether the provider considers the charge collected.
func (c ChargeStatus) Settled() bool {
	return c == ChargePaid || c == ChargeConfirmed
}

// ExternalCharge records a provider-side charge whose completion must be
// reflected in the ledger. Used for asynchronous rails such as crypto
// payments where the provider webhook is the only completion signal.
type ExternalCharge struct {
	ExternalChargeID   string            `json:"external_charge_id"`
	ExternalInvoiceID  string            `json:"external_invoice_id"`
	UserID             string            `json:"user_id"`
	ExternalCustomerID string            `json:"external_customer_id"`
	Amount             int64             `json:"amount"`
	Currency           string            `json:"currency"`
	Status             ChargeStatus      `json:"status"`
	LastWebhookAt      *time.Time        `json:"last_webhook_at,omitempty"`
	Metadata           map[string]string `json:"metadata,omitempty"`
	CreatedAt          time.Time         `json:"created_at"`
	UpdatedAt          time.Time         `json:"updated_at"`
}

// crockfordBase32 is the Crockford base32 alphabet (excludes I, L, O, U).
const crockfordBase32 = "0123456789ABCDEFGHJKMNPQRSTVWXYZ"

// GenerateSubscriptionID returns a ledger subscription ID of the form "ls_"
// followed by 14 random Crockford base32 characters (70 bits of entropy).
// The prefix keeps ledger IDs visually distinct from provider "sub_" IDs.
func GenerateSubscriptionID() (string, error) {
	b := make([]byte, 14)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate subscription id: %w", err)
	}
	var sb strings.Builder
	sb.WriteString("ls_")
	for _, v := range b {
		sb.WriteByte(crockfordBase32[int(v)%len(crockfordBase32)])
	}
	return sb.String(), nil
}
