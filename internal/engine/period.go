package engine

import (
	"strings"

	"github.com/dotabod/subsync/internal/ledger"
)

// PriceCatalog maps provider price IDs to billing periods. Everything else
// about a price (amount, currency) lives provider-side.
type PriceCatalog struct {
	Monthly  string
	Annual   string
	Lifetime string
}

// PeriodFor returns the billing period a price ID maps to.
func (c PriceCatalog) PeriodFor(priceID string) (ledger.Period, bool) {
	switch strings.TrimSpace(priceID) {
	case c.Monthly:
		return ledger.PeriodMonthly, true
	case c.Annual:
		return ledger.PeriodAnnual, true
	case c.Lifetime:
		return ledger.PeriodLifetime, true
	default:
		return "", false
	}
}

// PriceFor returns the price ID for a billing period.
func (c PriceCatalog) PriceFor(period ledger.Period) string {
	switch period {
	case ledger.PeriodMonthly:
		return c.Monthly
	case ledger.PeriodAnnual:
		return c.Annual
	case ledger.PeriodLifetime:
		return c.Lifetime
	default:
		return ""
	}
}

// TransactionTypeFor returns the transaction type a period implies.
func TransactionTypeFor(period ledger.Period) ledger.TransactionType {
	if period == ledger.PeriodLifetime {
		return ledger.TransactionLifetime
	}
	return ledger.TransactionRecurring
}

// periodTransition is a candidate billing period change.
type periodTransition struct {
	From ledger.Period
	To   ledger.Period
}

// validPeriodTransitions enumerates the allowed period changes. Lifetime has
// no upgrade or downgrade path in either direction: it is a one-time
// permanent grant.
var validPeriodTransitions = map[periodTransition]bool{
	{ledger.PeriodMonthly, ledger.PeriodAnnual}: true,
	{ledger.PeriodAnnual, ledger.PeriodMonthly}: true,
}

// ValidateTransition reports whether changing from one billing period to
// another is allowed.
func ValidateTransition(from, to ledger.Period) bool {
	return validPeriodTransitions[periodTransition{from, to}]
}

// MapProviderStatus converts a provider subscription status string to a
// ledger status. Unknown statuses fail closed (unpaid).
func MapProviderStatus(status string) ledger.Status {
	switch strings.ToLower(strings.TrimSpace(status)) {
	case "active", "trialing":
		return ledger.StatusActive
	case "canceled":
		return ledger.StatusCanceled
	case "past_due":
		return ledger.StatusPastDue
	case "incomplete", "incomplete_expired":
		return ledger.StatusIncomplete
	default:
		return ledger.StatusUnpaid
	}
}
