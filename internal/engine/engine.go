// Package engine implements the subscription lifecycle state machine and the
// payment reconciliation flows around it. The engine is the single writer of
// subscription state: webhook handlers, the reconciliation CLI, and the
// credit-apply endpoint all call into it and never mutate the ledger
// directly.
package engine

import (
	"time"

	"github.com/dotabod/subsync/internal/gateway"
	"github.com/dotabod/subsync/internal/ledger"
)

// Metadata keys written into subscription and charge audit trails. Metadata
// is provenance only; invariants are enforced from typed columns.
const (
	metaUpgradedTo       = "upgradedTo"
	metaPreviousPriceID  = "previousPriceId"
	metaUpgradedAt       = "upgradedAt"
	metaCanceledReason   = "canceledReason"
	metaCanceledAt       = "canceledAt"
	metaAutoApplied      = "autoApplied"
	metaCreditApplied    = "creditApplied"
	metaCreditAmount     = "creditAmount"
	metaCheckoutSession  = "checkoutSession"
	metaRecoveredAt      = "recoveredAt"
	metaRecoveredSubID   = "recoveredSubscriptionId"
	metaRecoveryEventID  = "recoveryEventId"
	metaSourceInvoiceID  = "sourceInvoiceId"
	metaSourceChargeID   = "sourceChargeId"
	metaRenewalInvoiceID = "renewalInvoiceId"
)

// Invoice metadata keys the grant path requires from the provider.
const (
	invoiceMetaUserID  = "userId"
	invoiceMetaPriceID = "priceId"

	invoiceMetaIsGift       = "isGift"
	invoiceMetaGiftSender   = "giftSenderName"
	invoiceMetaGiftMessage  = "giftMessage"
	invoiceMetaGiftQuantity = "giftQuantity"
)

// Engine wires the ledger store, the billing gateway, and the price catalog
// into the lifecycle, upgrade, reconciliation, and credit flows.
type Engine struct {
	store   *ledger.Store
	gateway gateway.Client
	prices  PriceCatalog

	// creditPriceID is the fallback price when applying gift credit for a
	// user with no reactivatable record.
	creditPriceID string

	now func() time.Time
}

// New creates an Engine.
func New(store *ledger.Store, gw gateway.Client, prices PriceCatalog, creditPriceID string) *Engine {
	if creditPriceID == "" {
		creditPriceID = prices.Monthly
	}
	return &Engine{
		store:         store,
		gateway:       gw,
		prices:        prices,
		creditPriceID: creditPriceID,
		now:           func() time.Time { return time.Now().UTC() },
	}
}

// hasMatchingEntitlement reports whether the user holds an active
// subscription covering the given transaction type. An active lifetime grant
// covers recurring purchases as well; the reverse is not true.
func hasMatchingEntitlement(tx *ledger.Tx, userID string, txType ledger.TransactionType) (*ledger.Subscription, error) {
	lifetime, err := tx.FindActive(userID, ledger.TransactionLifetime)
	if err != nil || lifetime != nil {
		return lifetime, err
	}
	if txType == ledger.TransactionRecurring {
		return tx.FindActive(userID, ledger.TransactionRecurring)
	}
	return nil, nil
}

func mergeMetadata(dst map[string]string, src map[string]string) map[string]string {
	if dst == nil {
		dst = make(map[string]string, len(src))
	}
	for k, v := range src {
		dst[k] = v
	}
	return dst
}
