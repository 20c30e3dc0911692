package engine

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dotabod/subsync/internal/gateway"
	"github.com/dotabod/subsync/internal/ledger"
)

// CheckoutCompletedEvent is the slice of a provider checkout-completed
// notification the engine acts on.
type CheckoutCompletedEvent struct {
	SessionID              string
	CustomerID             string
	ExternalSubscriptionID string
	PeriodEnd              *time.Time
	Metadata               map[string]string
}

// HandleCheckoutCompleted grants the entitlement a completed checkout paid
// for. A conflicting grant is resolved by what the conflict means: a
// re-delivered event for an entitlement already granted is absorbed, while a
// checkout for a different recurring price is a paid period change and goes
// through the transition path.
func (e *Engine) HandleCheckoutCompleted(ctx context.Context, ev CheckoutCompletedEvent) error {
	userID := ev.Metadata[invoiceMetaUserID]
	priceID := ev.Metadata[invoiceMetaPriceID]
	if userID == "" || priceID == "" {
		return fmt.Errorf("checkout session %s missing userId/priceId metadata", ev.SessionID)
	}
	period, ok := e.prices.PeriodFor(priceID)
	if !ok {
		return fmt.Errorf("checkout session %s references unknown price %q", ev.SessionID, priceID)
	}
	txType := TransactionTypeFor(period)

	quantity := 1
	if q, err := strconv.Atoi(ev.Metadata[invoiceMetaGiftQuantity]); err == nil && q > 1 {
		quantity = q
	}

	periodEnd := ev.PeriodEnd
	if periodEnd == nil && period != ledger.PeriodLifetime {
		end := e.now().Add(time.Duration(quantity) * period.Duration())
		periodEnd = &end
	}

	isGift := ev.Metadata[invoiceMetaIsGift] == "true"
	var gift *GiftParams
	if isGift {
		gift = &GiftParams{
			SenderName: ev.Metadata[invoiceMetaGiftSender],
			Message:    ev.Metadata[invoiceMetaGiftMessage],
			GiftType:   period,
			Quantity:   quantity,
		}
	}

	_, err := e.Grant(ctx, GrantParams{
		UserID:                 userID,
		PriceID:                priceID,
		TransactionType:        txType,
		ExternalCustomerID:     ev.CustomerID,
		ExternalSubscriptionID: ev.ExternalSubscriptionID,
		PeriodEnd:              periodEnd,
		IsGift:                 isGift,
		Gift:                   gift,
		Metadata:               map[string]string{metaCheckoutSession: ev.SessionID},
	})
	var conflict *ConflictError
	if errors.As(err, &conflict) {
		return e.resolveCheckoutConflict(ctx, ev, userID, priceID, txType, conflict)
	}
	return err
}

// resolveCheckoutConflict decides what a conflicting completed checkout
// means. The user paid: the event is only absorbed when the entitlement it
// bought already exists. Anything else either transitions the billing period
// or surfaces the conflict.
func (e *Engine) resolveCheckoutConflict(ctx context.Context, ev CheckoutCompletedEvent, userID, priceID string, txType ledger.TransactionType, conflict *ConflictError) error {
	existing, err := e.store.View(ctx).FindActive(userID, txType)
	if err != nil {
		return err
	}
	if existing == nil {
		// A recurring grant blocked by an active lifetime record: the user
		// already holds more than the checkout bought.
		log.Debug().
			Str("session_id", ev.SessionID).
			Str("user_id", userID).
			Msg("Checkout covered by lifetime entitlement; nothing to grant")
		return nil
	}
	if existing.ExternalPriceID == priceID || existing.Metadata[metaCheckoutSession] == ev.SessionID {
		log.Debug().
			Str("session_id", ev.SessionID).
			Str("user_id", userID).
			Msg("Checkout already granted; duplicate delivery ignored")
		return nil
	}
	if txType != ledger.TransactionRecurring {
		return conflict
	}

	log.Info().
		Str("session_id", ev.SessionID).
		Str("user_id", userID).
		Str("from_price", existing.ExternalPriceID).
		Str("to_price", priceID).
		Msg("Paid checkout changes billing period; transitioning")
	_, err = e.Transition(ctx, userID, priceID, ev.CustomerID, ev.SessionID, nil)
	return err
}

// HandleInvoicePaid is the live delivery path for a paid invoice. It grants
// through the same transactional body the repair flow uses and stamps the
// linked charge's webhook timestamp.
func (e *Engine) HandleInvoicePaid(ctx context.Context, inv *gateway.Invoice) error {
	var subID string
	var granted bool
	err := e.store.WithTx(ctx, func(tx *ledger.Tx) error {
		charge, err := tx.GetChargeByInvoiceID(inv.ID)
		if err != nil {
			return err
		}
		sourceChargeID := ""
		if charge != nil {
			sourceChargeID = charge.ExternalChargeID
		}

		subID, granted, err = e.applyPaidInvoiceTx(tx, inv, sourceChargeID)
		if err != nil {
			return err
		}

		if charge != nil {
			now := e.now()
			charge.LastWebhookAt = &now
			if !charge.Status.Settled() {
				charge.Status = ledger.ChargePaid
			}
			return tx.UpdateCharge(charge)
		}
		return nil
	})
	if err != nil {
		return err
	}

	if granted {
		log.Info().
			Str("invoice_id", inv.ID).
			Str("subscription_id", subID).
			Msg("Invoice paid; subscription granted")
	} else {
		log.Debug().
			Str("invoice_id", inv.ID).
			Str("subscription_id", subID).
			Msg("Invoice paid; entitlement already present")
	}
	return nil
}

// ChargeEventParams carries a provider charge notification.
type ChargeEventParams struct {
	ExternalChargeID   string
	ExternalInvoiceID  string
	UserID             string
	ExternalCustomerID string
	Amount             int64
	Currency           string
	Status             ledger.ChargeStatus
	Metadata           map[string]string
}

// RecordChargeEvent upserts the ledger's record of a provider charge and
// stamps its webhook timestamp. The charge table is what reconciliation
// scans, so every charge notification lands here even when no grant follows.
func (e *Engine) RecordChargeEvent(ctx context.Context, params ChargeEventParams) error {
	if params.ExternalChargeID == "" {
		return fmt.Errorf("charge event missing charge id")
	}
	return e.store.WithTx(ctx, func(tx *ledger.Tx) error {
		now := e.now()
		charge, err := tx.GetCharge(params.ExternalChargeID)
		if err != nil {
			return err
		}
		if charge == nil {
			return tx.CreateCharge(&ledger.ExternalCharge{
				ExternalChargeID:   params.ExternalChargeID,
				ExternalInvoiceID:  params.ExternalInvoiceID,
				UserID:             params.UserID,
				ExternalCustomerID: params.ExternalCustomerID,
				Amount:             params.Amount,
				Currency:           params.Currency,
				Status:             params.Status,
				LastWebhookAt:      &now,
				Metadata:           params.Metadata,
			})
		}

		// A re-ordered delivery must not pull a settled charge back to
		// pending and out of the reconciliation scan.
		if !charge.Status.Settled() || params.Status.Settled() {
			charge.Status = params.Status
		}
		charge.LastWebhookAt = &now
		if params.ExternalInvoiceID != "" {
			charge.ExternalInvoiceID = params.ExternalInvoiceID
		}
		charge.Metadata = mergeMetadata(charge.Metadata, params.Metadata)
		return tx.UpdateCharge(charge)
	})
}

// SyncSubscriptionStatus mirrors a provider-side subscription change into
// the ledger. Unknown provider subscriptions are logged and skipped; the
// provider can reference subscriptions this ledger never owned. A record
// becomes active only through a grant, so a provider event reporting active
// for a locally non-active record is refused: writing it back would revive a
// row that was canceled by an upgrade or cancellation and could leave the
// user with two active subscriptions of one type.
func (e *Engine) SyncSubscriptionStatus(ctx context.Context, externalSubID, providerStatus, priceID string, cancelAtPeriodEnd bool, periodEnd *time.Time) error {
	return e.store.WithTx(ctx, func(tx *ledger.Tx) error {
		sub, err := tx.FindByExternalSubscriptionID(externalSubID)
		if err != nil {
			return err
		}
		if sub == nil {
			log.Debug().
				Str("external_subscription_id", externalSubID).
				Msg("Status update for unknown subscription; skipping")
			return nil
		}

		mapped := MapProviderStatus(providerStatus)
		if mapped == ledger.StatusActive && sub.Status != ledger.StatusActive {
			log.Warn().
				Str("subscription_id", sub.ID).
				Str("external_subscription_id", externalSubID).
				Str("local_status", string(sub.Status)).
				Msg("Provider reports active for a non-active record; refusing in-place reactivation")
			return nil
		}

		sub.Status = mapped
		sub.CancelAtPeriodEnd = cancelAtPeriodEnd
		if priceID != "" {
			sub.ExternalPriceID = priceID
		}
		if periodEnd != nil {
			sub.CurrentPeriodEnd = periodEnd
		}
		if err := tx.UpdateSubscription(sub); err != nil {
			return err
		}

		log.Info().
			Str("subscription_id", sub.ID).
			Str("status", string(sub.Status)).
			Bool("cancel_at_period_end", sub.CancelAtPeriodEnd).
			Msg("Subscription status synced")
		return nil
	})
}

// SyncSubscriptionDeleted handles the provider's terminal deletion event by
// canceling the local record immediately.
func (e *Engine) SyncSubscriptionDeleted(ctx context.Context, externalSubID string) error {
	sub, err := e.store.View(ctx).FindByExternalSubscriptionID(externalSubID)
	if err != nil {
		return err
	}
	if sub == nil {
		log.Debug().
			Str("external_subscription_id", externalSubID).
			Msg("Deletion event for unknown subscription; skipping")
		return nil
	}
	if sub.Status == ledger.StatusCanceled {
		return nil
	}

	_, err = e.Cancel(ctx, CancelParams{
		SubscriptionID: sub.ID,
		Reason:         "provider_deleted",
	})
	return err
}
