package engine

import (
	"fmt"
	"strings"

	"github.com/dotabod/subsync/internal/ledger"
)

// ConflictError reports a business invariant violation, e.g. granting over an
// active lifetime entitlement. Never retried automatically.
type ConflictError struct {
	UserID string
	Reason string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("conflict for user %s: %s", e.UserID, e.Reason)
}

// InvalidTransitionError reports a disallowed billing period change.
type InvalidTransitionError struct {
	From ledger.Period
	To   ledger.Period
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid period transition %s -> %s", e.From, e.To)
}

// MalformedInvoiceError reports a provider invoice missing metadata the grant
// path requires. The missing fields are never guessed or defaulted.
type MalformedInvoiceError struct {
	InvoiceID string
	Missing   []string
}

func (e *MalformedInvoiceError) Error() string {
	return fmt.Sprintf("invoice %s missing required metadata: %s", e.InvoiceID, strings.Join(e.Missing, ", "))
}

// NoCustomerError reports that no provider customer could be resolved for a
// user, which makes credit application impossible.
type NoCustomerError struct {
	UserID string
}

func (e *NoCustomerError) Error() string {
	return fmt.Sprintf("no billing customer on record for user %s", e.UserID)
}

// VerificationFailedError reports that a repair sequence completed its
// gateway side but the post-condition check found no matching active
// entitlement. The ledger transaction is rolled back; the charge stays
// repairable.
type VerificationFailedError struct {
	ChargeID string
	Reason   string
}

func (e *VerificationFailedError) Error() string {
	return fmt.Sprintf("repair verification failed for charge %s: %s", e.ChargeID, e.Reason)
}
