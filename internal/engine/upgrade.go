package engine

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dotabod/subsync/internal/gateway"
	"github.com/dotabod/subsync/internal/ledger"
)

const renewalInvoiceDaysUntilDue = 3

// RenewalSubscriptionID derives the deterministic synthetic
// external-subscription id for a checkout reference. Renewal-invoice
// subscriptions lack a true provider-side recurring object; this id lets the
// upgrade engine recognize them across checkouts.
func RenewalSubscriptionID(checkoutRef string) string {
	return "renewal_" + strings.TrimSpace(checkoutRef)
}

// Transition validates and executes a billing period change for an existing
// renewal-style entitlement, or grants a fresh one when the user has none.
// Returns true when a new subscription was granted.
//
// Upgrading never forfeits already-paid time: the replacement's period end
// extends from the existing record's period end when that is still in the
// future.
func (e *Engine) Transition(ctx context.Context, userID, newPriceID, customerID, checkoutRef string, existingPeriodEnd *time.Time) (bool, error) {
	toPeriod, ok := e.prices.PeriodFor(newPriceID)
	if !ok {
		return false, fmt.Errorf("transition: unknown price %q", newPriceID)
	}
	syntheticID := RenewalSubscriptionID(checkoutRef)

	var renewalCustomerID string
	err := e.store.WithTx(ctx, func(tx *ledger.Tx) error {
		existing, err := e.findRenewalSubscription(tx, userID, customerID, syntheticID)
		if err != nil {
			return err
		}

		base := e.now()
		if existing != nil {
			fromPeriod, ok := e.prices.PeriodFor(existing.ExternalPriceID)
			if !ok {
				return fmt.Errorf("transition: existing subscription %s has unknown price %q", existing.ID, existing.ExternalPriceID)
			}
			if !ValidateTransition(fromPeriod, toPeriod) {
				return &InvalidTransitionError{From: fromPeriod, To: toPeriod}
			}

			if _, err := e.cancelTx(tx, CancelParams{
				SubscriptionID: existing.ID,
				Metadata: map[string]string{
					metaUpgradedTo:      newPriceID,
					metaPreviousPriceID: existing.ExternalPriceID,
					metaUpgradedAt:      e.now().Format(time.RFC3339),
				},
			}); err != nil {
				return err
			}

			if existing.CurrentPeriodEnd != nil && existing.CurrentPeriodEnd.After(base) {
				base = *existing.CurrentPeriodEnd
			}
		}
		if existingPeriodEnd != nil && existingPeriodEnd.After(base) {
			base = *existingPeriodEnd
		}

		var periodEnd *time.Time
		if toPeriod != ledger.PeriodLifetime {
			end := base.Add(toPeriod.Duration())
			periodEnd = &end
		}

		sub, err := e.grantTx(tx, GrantParams{
			UserID:                 userID,
			PriceID:                newPriceID,
			TransactionType:        TransactionTypeFor(toPeriod),
			ExternalCustomerID:     customerID,
			ExternalSubscriptionID: syntheticID,
			PeriodEnd:              periodEnd,
			Metadata: map[string]string{
				metaCheckoutSession: checkoutRef,
			},
		})
		if err != nil {
			return err
		}
		renewalCustomerID = sub.ExternalCustomerID
		return nil
	})
	if err != nil {
		return false, err
	}

	// Schedule the next period's renewal invoice. Failures here are
	// non-fatal: access is already granted and billing can be scheduled
	// manually.
	if toPeriod != ledger.PeriodLifetime {
		inv, err := e.gateway.CreateRenewalInvoice(ctx, gateway.RenewalInvoiceParams{
			CustomerID:   renewalCustomerID,
			PriceID:      newPriceID,
			DaysUntilDue: renewalInvoiceDaysUntilDue,
			Metadata: map[string]string{
				invoiceMetaUserID:  userID,
				invoiceMetaPriceID: newPriceID,
			},
		})
		if err != nil {
			log.Warn().Err(err).
				Str("user_id", userID).
				Str("customer_id", renewalCustomerID).
				Str("price_id", newPriceID).
				Msg("Renewal invoice creation failed; manual renewal follow-up required")
		} else {
			log.Info().
				Str("user_id", userID).
				Str("invoice_id", inv.ID).
				Msg("Renewal invoice scheduled")
		}
	}

	return true, nil
}

// findRenewalSubscription locates the user's existing renewal-style
// subscription: first by the deterministic synthetic external id, then by
// the active recurring record tied to the same provider customer.
func (e *Engine) findRenewalSubscription(tx *ledger.Tx, userID, customerID, syntheticID string) (*ledger.Subscription, error) {
	sub, err := tx.FindByExternalSubscriptionID(syntheticID)
	if err != nil {
		return nil, err
	}
	if sub != nil && sub.Status == ledger.StatusActive {
		return sub, nil
	}

	sub, err = tx.FindActive(userID, ledger.TransactionRecurring)
	if err != nil {
		return nil, err
	}
	if sub == nil {
		return nil, nil
	}
	if customerID != "" && sub.ExternalCustomerID != customerID {
		return nil, nil
	}
	return sub, nil
}
