package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dotabod/subsync/internal/ledger"
	"github.com/dotabod/subsync/internal/submetrics"
)

// GiftParams describes the gift extension created atomically with a gifted
// subscription.
type GiftParams struct {
	SenderName string
	Message    string
	GiftType   ledger.Period
	Quantity   int
}

// GrantParams describes a new entitlement.
type GrantParams struct {
	UserID                 string
	PriceID                string
	TransactionType        ledger.TransactionType
	ExternalCustomerID     string
	ExternalSubscriptionID string
	PeriodEnd              *time.Time
	IsGift                 bool
	Gift                   *GiftParams
	Metadata               map[string]string
}

// Grant creates a new active subscription inside one ledger transaction.
// It fails with ConflictError when an active lifetime record exists (lifetime
// is terminal) or, for recurring grants, when an active recurring record
// exists — the caller must cancel first so every transition stays an explicit
// caller decision.
func (e *Engine) Grant(ctx context.Context, params GrantParams) (*ledger.Subscription, error) {
	var sub *ledger.Subscription
	err := e.store.WithTx(ctx, func(tx *ledger.Tx) error {
		var err error
		sub, err = e.grantTx(tx, params)
		return err
	})
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	submetrics.GrantsTotal.WithLabelValues(string(params.TransactionType), outcome).Inc()
	if err != nil {
		return nil, err
	}

	log.Info().
		Str("subscription_id", sub.ID).
		Str("user_id", sub.UserID).
		Str("transaction_type", string(sub.TransactionType)).
		Str("price_id", sub.ExternalPriceID).
		Bool("is_gift", sub.IsGift).
		Msg("Subscription granted")
	return sub, nil
}

// grantTx is the transactional grant body shared with the upgrade and repair
// flows, which bracket it inside their own transactions.
func (e *Engine) grantTx(tx *ledger.Tx, params GrantParams) (*ledger.Subscription, error) {
	if params.UserID == "" {
		return nil, fmt.Errorf("grant: missing user id")
	}

	lifetime, err := tx.FindActive(params.UserID, ledger.TransactionLifetime)
	if err != nil {
		return nil, err
	}
	if lifetime != nil {
		return nil, &ConflictError{UserID: params.UserID, Reason: "an active lifetime subscription already exists"}
	}
	if params.TransactionType == ledger.TransactionRecurring {
		recurring, err := tx.FindActive(params.UserID, ledger.TransactionRecurring)
		if err != nil {
			return nil, err
		}
		if recurring != nil {
			return nil, &ConflictError{UserID: params.UserID, Reason: "an active recurring subscription already exists"}
		}
	}

	id, err := ledger.GenerateSubscriptionID()
	if err != nil {
		return nil, err
	}
	sub := &ledger.Subscription{
		ID:                     id,
		UserID:                 params.UserID,
		ExternalCustomerID:     params.ExternalCustomerID,
		ExternalSubscriptionID: params.ExternalSubscriptionID,
		ExternalPriceID:        params.PriceID,
		Status:                 ledger.StatusActive,
		TransactionType:        params.TransactionType,
		Tier:                   ledger.TierPro,
		CurrentPeriodEnd:       params.PeriodEnd,
		IsGift:                 params.IsGift,
		Metadata:               params.Metadata,
	}
	if err := tx.CreateSubscription(sub); err != nil {
		return nil, err
	}

	if params.Gift != nil {
		gift := &ledger.GiftDetail{
			SubscriptionID: sub.ID,
			SenderName:     params.Gift.SenderName,
			GiftMessage:    params.Gift.Message,
			GiftType:       params.Gift.GiftType,
			GiftQuantity:   params.Gift.Quantity,
		}
		if err := tx.CreateGiftDetail(gift); err != nil {
			return nil, err
		}
	}
	return sub, nil
}

// CancelParams describes a cancellation.
type CancelParams struct {
	SubscriptionID       string
	EffectiveAtPeriodEnd bool
	Reason               string
	Metadata             map[string]string
}

// Cancel marks a subscription canceled, either immediately or at period end.
// The record is never deleted; cancellation metadata is merged into the
// audit trail.
func (e *Engine) Cancel(ctx context.Context, params CancelParams) (*ledger.Subscription, error) {
	var sub *ledger.Subscription
	err := e.store.WithTx(ctx, func(tx *ledger.Tx) error {
		var err error
		sub, err = e.cancelTx(tx, params)
		return err
	})
	if err != nil {
		return nil, err
	}

	log.Info().
		Str("subscription_id", sub.ID).
		Str("user_id", sub.UserID).
		Bool("at_period_end", params.EffectiveAtPeriodEnd).
		Str("reason", params.Reason).
		Msg("Subscription canceled")
	return sub, nil
}

func (e *Engine) cancelTx(tx *ledger.Tx, params CancelParams) (*ledger.Subscription, error) {
	sub, err := tx.GetSubscription(params.SubscriptionID)
	if err != nil {
		return nil, err
	}
	if sub == nil {
		return nil, fmt.Errorf("cancel: subscription %q not found", params.SubscriptionID)
	}

	if params.EffectiveAtPeriodEnd {
		sub.CancelAtPeriodEnd = true
	} else {
		sub.Status = ledger.StatusCanceled
		sub.Metadata = mergeMetadata(sub.Metadata, map[string]string{
			metaCanceledAt: e.now().Format(time.RFC3339),
		})
	}
	if params.Reason != "" {
		sub.Metadata = mergeMetadata(sub.Metadata, map[string]string{metaCanceledReason: params.Reason})
	}
	sub.Metadata = mergeMetadata(sub.Metadata, params.Metadata)

	if err := tx.UpdateSubscription(sub); err != nil {
		return nil, err
	}
	return sub, nil
}

// FindActive returns the user's active subscription of the given type, or
// nil. The basis for all "does this user already have access" checks.
func (e *Engine) FindActive(ctx context.Context, userID string, txType ledger.TransactionType) (*ledger.Subscription, error) {
	return e.store.View(ctx).FindActive(userID, txType)
}

// FindAnyActive returns the user's active subscription of either type,
// preferring lifetime.
func (e *Engine) FindAnyActive(ctx context.Context, userID string) (*ledger.Subscription, error) {
	return e.store.View(ctx).FindAnyActive(userID)
}
