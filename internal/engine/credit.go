package engine

import (
	"context"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dotabod/subsync/internal/gateway"
	"github.com/dotabod/subsync/internal/ledger"
	"github.com/dotabod/subsync/internal/submetrics"
)

// ApplyOutcome classifies a credit auto-apply attempt.
type ApplyOutcome string

const (
	OutcomeApplied       ApplyOutcome = "applied"
	OutcomeAlreadyActive ApplyOutcome = "already_active"
	OutcomeNoCredit      ApplyOutcome = "no_credit"
)

// ApplyResult reports what TryApply did for a user.
type ApplyResult struct {
	Outcome        ApplyOutcome
	SubscriptionID string
	Balance        int64
}

// TryApply converts a negative customer balance (gift credit) into an active
// subscription. Any active record leaves the user untouched: for a paying
// subscriber the credit keeps accruing against regular renewals, and a
// gifted one would collide with the grant anyway. The check runs before any
// gateway call so no session is ever created for a grant that cannot
// succeed. Safe to call on every user touchpoint: a zero balance is a cheap
// no-op.
func (e *Engine) TryApply(ctx context.Context, userID string) (*ApplyResult, error) {
	view := e.store.View(ctx)

	active, err := view.FindAnyActive(userID)
	if err != nil {
		return nil, err
	}
	if active != nil {
		submetrics.CreditAppliesTotal.WithLabelValues(string(OutcomeAlreadyActive)).Inc()
		return &ApplyResult{Outcome: OutcomeAlreadyActive, SubscriptionID: active.ID}, nil
	}

	latest, err := view.FindLatestByUser(userID)
	if err != nil {
		return nil, err
	}
	if latest == nil || latest.ExternalCustomerID == "" {
		return nil, &NoCustomerError{UserID: userID}
	}
	customerID := latest.ExternalCustomerID

	balance, err := e.gateway.GetCustomerBalance(ctx, customerID)
	if err != nil {
		return nil, err
	}
	if balance >= 0 {
		submetrics.CreditAppliesTotal.WithLabelValues(string(OutcomeNoCredit)).Inc()
		return &ApplyResult{Outcome: OutcomeNoCredit, Balance: balance}, nil
	}

	// Resume the price of an interrupted subscription when one exists, so a
	// user who canceled annual comes back on annual.
	priceID := e.creditPriceID
	if prior, err := view.FindReactivatable(userID); err != nil {
		return nil, err
	} else if prior != nil && prior.ExternalPriceID != "" {
		if _, ok := e.prices.PeriodFor(prior.ExternalPriceID); ok {
			priceID = prior.ExternalPriceID
		}
	}
	// Credit can only fund a recurring subscription; a lifetime or
	// unrecognized price falls back to the monthly rail.
	period, ok := e.prices.PeriodFor(priceID)
	if !ok || period == ledger.PeriodLifetime {
		period = ledger.PeriodMonthly
		if fallback := e.prices.PriceFor(period); fallback != "" {
			priceID = fallback
		}
	}

	// A checkout session is created and immediately expired: creation is
	// what primes the billing provider to draw down the credit balance on
	// the subscription created below; the session itself must never be
	// completable by the user.
	session, err := e.gateway.CreateCheckoutSession(ctx, gateway.CheckoutParams{
		CustomerID: customerID,
		PriceID:    priceID,
		Metadata: map[string]string{
			invoiceMetaUserID: userID,
			metaAutoApplied:   "true",
		},
	})
	if err != nil {
		return nil, err
	}
	if err := e.gateway.ExpireCheckoutSession(ctx, session.ID); err != nil {
		return nil, err
	}

	end := e.now().Add(period.Duration())
	sub, err := e.Grant(ctx, GrantParams{
		UserID:             userID,
		PriceID:            priceID,
		TransactionType:    ledger.TransactionRecurring,
		ExternalCustomerID: customerID,
		PeriodEnd:          &end,
		Metadata: map[string]string{
			metaAutoApplied:     "true",
			metaCreditApplied:   e.now().Format(time.RFC3339),
			metaCreditAmount:    strconv.FormatInt(balance, 10),
			metaCheckoutSession: session.ID,
		},
	})
	if err != nil {
		return nil, err
	}

	submetrics.CreditAppliesTotal.WithLabelValues(string(OutcomeApplied)).Inc()
	log.Info().
		Str("user_id", userID).
		Str("subscription_id", sub.ID).
		Int64("balance", balance).
		Str("price_id", priceID).
		Msg("Gift credit applied")
	return &ApplyResult{Outcome: OutcomeApplied, SubscriptionID: sub.ID, Balance: balance}, nil
}
