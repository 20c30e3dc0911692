package engine

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog/log"

	"github.com/dotabod/subsync/internal/gateway"
	"github.com/dotabod/subsync/internal/ledger"
	"github.com/dotabod/subsync/internal/submetrics"
)

// DefaultDiscoverLimit bounds a discovery scan when the caller does not
// choose one. Charge volume grows without bound; scans must not.
const DefaultDiscoverLimit = 500

// Diagnosis classifies a settled charge against the ledger.
type Diagnosis string

const (
	DiagnosisOK                 Diagnosis = "ok"
	DiagnosisMissingEntitlement Diagnosis = "missing_entitlement"
	DiagnosisMissingWebhookOnly Diagnosis = "missing_webhook_only"
	DiagnosisBoth               Diagnosis = "missing_entitlement_and_webhook"
)

// Candidate is a settled charge with its diagnosis.
type Candidate struct {
	Charge               *ledger.ExternalCharge
	Diagnosis            Diagnosis
	HasActiveEntitlement bool
	MissingWebhook       bool
}

// Repairable reports whether the candidate needs repair.
func (c Candidate) Repairable() bool {
	return c.Diagnosis != DiagnosisOK
}

// Discover scans settled charges (newest first, bounded by limit) and
// diagnoses each against the ledger. Charges diagnosed OK are reconciled and
// need no repair.
func (e *Engine) Discover(ctx context.Context, limit int) ([]Candidate, error) {
	if limit <= 0 {
		limit = DefaultDiscoverLimit
	}
	view := e.store.View(ctx)
	charges, err := view.ListChargesByStatus([]ledger.ChargeStatus{ledger.ChargePaid, ledger.ChargeConfirmed}, limit)
	if err != nil {
		return nil, fmt.Errorf("discover settled charges: %w", err)
	}

	candidates := make([]Candidate, 0, len(charges))
	for _, charge := range charges {
		existing, err := hasMatchingEntitlement(view, charge.UserID, e.chargeTransactionType(charge))
		if err != nil {
			return nil, err
		}
		cand := Candidate{
			Charge:               charge,
			HasActiveEntitlement: existing != nil,
			MissingWebhook:       charge.LastWebhookAt == nil,
		}
		switch {
		case cand.HasActiveEntitlement && !cand.MissingWebhook:
			cand.Diagnosis = DiagnosisOK
		case cand.HasActiveEntitlement:
			cand.Diagnosis = DiagnosisMissingWebhookOnly
		case cand.MissingWebhook:
			cand.Diagnosis = DiagnosisBoth
		default:
			cand.Diagnosis = DiagnosisMissingEntitlement
		}
		candidates = append(candidates, cand)
	}
	return candidates, nil
}

// chargeTransactionType derives the transaction type a charge's purchased
// product implies. Charges without a recognizable price fall back to
// recurring, the common rail.
func (e *Engine) chargeTransactionType(c *ledger.ExternalCharge) ledger.TransactionType {
	if pid := c.Metadata[invoiceMetaPriceID]; pid != "" {
		if period, ok := e.prices.PeriodFor(pid); ok {
			return TransactionTypeFor(period)
		}
	}
	return ledger.TransactionRecurring
}

// RepairResult is the outcome of one charge repair attempt.
type RepairResult struct {
	ChargeID       string
	Success        bool
	WebhookOnly    bool
	SubscriptionID string
	Err            error
}

// Repair re-drives the normal grant pathway for one settled charge whose
// webhook delivery failed. Independently retryable: the gateway side is
// idempotent (charge id as idempotency key) and the ledger side is bracketed
// in one transaction with a post-condition check.
func (e *Engine) Repair(ctx context.Context, chargeID string) RepairResult {
	res := RepairResult{ChargeID: chargeID}
	fail := func(err error) RepairResult {
		res.Err = err
		submetrics.RepairsTotal.WithLabelValues("error").Inc()
		log.Error().Err(err).
			Str("charge_id", chargeID).
			Msg("Charge repair failed")
		return res
	}

	charge, err := e.store.View(ctx).GetCharge(chargeID)
	if err != nil {
		return fail(err)
	}
	if charge == nil {
		return fail(fmt.Errorf("charge %q not found", chargeID))
	}
	if !charge.Status.Settled() {
		return fail(fmt.Errorf("charge %s has status %q: only settled charges can be repaired", chargeID, charge.Status))
	}
	expected := e.chargeTransactionType(charge)

	// Webhook-only case: the entitlement exists, only the delivery record is
	// missing. No new subscription is created; a second pass leaves the
	// charge untouched.
	var webhookOnly bool
	err = e.store.WithTx(ctx, func(tx *ledger.Tx) error {
		existing, err := hasMatchingEntitlement(tx, charge.UserID, expected)
		if err != nil || existing == nil {
			return err
		}
		webhookOnly = true
		res.SubscriptionID = existing.ID
		if charge.LastWebhookAt != nil {
			return nil
		}
		return e.stampRecovery(tx, charge, existing.ID)
	})
	if err != nil {
		return fail(err)
	}
	if webhookOnly {
		res.Success = true
		res.WebhookOnly = true
		submetrics.RepairsTotal.WithLabelValues("webhook_only").Inc()
		log.Info().
			Str("charge_id", chargeID).
			Str("subscription_id", res.SubscriptionID).
			Msg("Charge repaired (webhook record only)")
		return res
	}

	if charge.ExternalInvoiceID == "" {
		return fail(fmt.Errorf("charge %s has no linked invoice", chargeID))
	}
	inv, err := e.gateway.RetrieveInvoice(ctx, charge.ExternalInvoiceID)
	if err != nil {
		return fail(err)
	}
	if missing := missingInvoiceMetadata(inv); len(missing) > 0 {
		return fail(&MalformedInvoiceError{InvoiceID: inv.ID, Missing: missing})
	}

	// Settle the invoice out of band. The charge id is the idempotency key,
	// so repeated repair attempts are safe; "already paid" is success.
	if err := e.gateway.PayInvoiceOutOfBand(ctx, inv.ID, charge.ExternalChargeID); err != nil {
		if !errors.Is(err, gateway.ErrAlreadyPaid) {
			return fail(err)
		}
		log.Debug().
			Str("charge_id", chargeID).
			Str("invoice_id", inv.ID).
			Msg("Invoice already paid; continuing repair")
	}

	// Re-fetch the invoice and re-drive the live invoice-paid path inside
	// one ledger transaction, so recovery and the live webhook share one
	// code path and one set of invariants.
	inv, err = e.gateway.RetrieveInvoice(ctx, inv.ID)
	if err != nil {
		return fail(err)
	}
	if !inv.Paid() {
		return fail(&VerificationFailedError{
			ChargeID: chargeID,
			Reason:   fmt.Sprintf("invoice %s still %q after out-of-band payment", inv.ID, inv.Status),
		})
	}

	err = e.store.WithTx(ctx, func(tx *ledger.Tx) error {
		subID, _, err := e.applyPaidInvoiceTx(tx, inv, charge.ExternalChargeID)
		if err != nil {
			return err
		}

		verified, err := hasMatchingEntitlement(tx, charge.UserID, expected)
		if err != nil {
			return err
		}
		if verified == nil {
			return &VerificationFailedError{ChargeID: chargeID, Reason: "no active matching entitlement after grant"}
		}
		res.SubscriptionID = subID
		return e.stampRecovery(tx, charge, subID)
	})
	if err != nil {
		return fail(err)
	}

	res.Success = true
	submetrics.RepairsTotal.WithLabelValues("repaired").Inc()
	log.Info().
		Str("charge_id", chargeID).
		Str("user_id", charge.UserID).
		Str("subscription_id", res.SubscriptionID).
		Msg("Charge repaired")
	return res
}

// stampRecovery records the webhook timestamp and recovery provenance on the
// charge inside the caller's transaction.
func (e *Engine) stampRecovery(tx *ledger.Tx, charge *ledger.ExternalCharge, subscriptionID string) error {
	now := e.now()
	charge.LastWebhookAt = &now
	charge.Metadata = mergeMetadata(charge.Metadata, map[string]string{
		metaRecoveredAt:     now.Format(time.RFC3339),
		metaRecoveredSubID:  subscriptionID,
		metaRecoveryEventID: uuid.NewString(),
	})
	return tx.UpdateCharge(charge)
}

func missingInvoiceMetadata(inv *gateway.Invoice) []string {
	var missing []string
	if inv.Metadata[invoiceMetaUserID] == "" {
		missing = append(missing, invoiceMetaUserID)
	}
	if inv.Metadata[invoiceMetaPriceID] == "" {
		missing = append(missing, invoiceMetaPriceID)
	}
	return missing
}

// applyPaidInvoiceTx is the single grant pathway for a paid invoice, shared
// by the live webhook handler and Repair. Granting is idempotent: an
// existing matching entitlement short-circuits.
func (e *Engine) applyPaidInvoiceTx(tx *ledger.Tx, inv *gateway.Invoice, sourceChargeID string) (string, bool, error) {
	if missing := missingInvoiceMetadata(inv); len(missing) > 0 {
		return "", false, &MalformedInvoiceError{InvoiceID: inv.ID, Missing: missing}
	}
	userID := inv.Metadata[invoiceMetaUserID]
	priceID := inv.Metadata[invoiceMetaPriceID]

	period, ok := e.prices.PeriodFor(priceID)
	if !ok {
		return "", false, fmt.Errorf("invoice %s references unknown price %q", inv.ID, priceID)
	}
	txType := TransactionTypeFor(period)

	existing, err := hasMatchingEntitlement(tx, userID, txType)
	if err != nil {
		return "", false, err
	}
	if existing != nil {
		return existing.ID, false, nil
	}

	quantity := 1
	if q, err := strconv.Atoi(inv.Metadata[invoiceMetaGiftQuantity]); err == nil && q > 1 {
		quantity = q
	}

	var periodEnd *time.Time
	if period != ledger.PeriodLifetime {
		end := e.now().Add(time.Duration(quantity) * period.Duration())
		periodEnd = &end
	}

	isGift := inv.Metadata[invoiceMetaIsGift] == "true"
	var gift *GiftParams
	if isGift {
		gift = &GiftParams{
			SenderName: inv.Metadata[invoiceMetaGiftSender],
			Message:    inv.Metadata[invoiceMetaGiftMessage],
			GiftType:   period,
			Quantity:   quantity,
		}
	}

	externalSubID := ""
	if txType == ledger.TransactionRecurring {
		externalSubID = RenewalSubscriptionID(inv.ID)
	}

	metadata := map[string]string{metaSourceInvoiceID: inv.ID}
	if sourceChargeID != "" {
		metadata[metaSourceChargeID] = sourceChargeID
	}

	sub, err := e.grantTx(tx, GrantParams{
		UserID:                 userID,
		PriceID:                priceID,
		TransactionType:        txType,
		ExternalCustomerID:     inv.CustomerID,
		ExternalSubscriptionID: externalSubID,
		PeriodEnd:              periodEnd,
		IsGift:                 isGift,
		Gift:                   gift,
		Metadata:               metadata,
	})
	if err != nil {
		return "", false, err
	}
	return sub.ID, true, nil
}

// BatchDecision is an operator's choice for one candidate in interactive
// mode.
type BatchDecision int

const (
	DecisionRepair BatchDecision = iota
	DecisionSkip
	DecisionQuit
)

// BatchOptions controls a reconciliation pass.
type BatchOptions struct {
	// DryRun diagnoses without mutating anything.
	DryRun bool

	// Limit bounds the discovery scan; 0 applies DefaultDiscoverLimit.
	Limit int

	// Confirm, when set, is asked per candidate (interactive mode). Nil
	// repairs every candidate.
	Confirm func(Candidate) BatchDecision
}

// BatchReport summarizes one reconciliation pass.
type BatchReport struct {
	RunID      string
	StartedAt  time.Time
	Scanned    int
	Candidates []Candidate
	Results    []RepairResult
	Repaired   int
	Failed     int
	Skipped    int
}

// RunBatch drives Repair over all repairable candidates. Charges are
// processed strictly sequentially; one charge's failure never aborts the
// pass — every result is collected so operators see the full outcome.
func (e *Engine) RunBatch(ctx context.Context, opts BatchOptions) (*BatchReport, error) {
	report := &BatchReport{
		RunID:     ulid.Make().String(),
		StartedAt: e.now(),
	}

	all, err := e.Discover(ctx, opts.Limit)
	if err != nil {
		return nil, err
	}
	report.Scanned = len(all)
	for _, cand := range all {
		if cand.Repairable() {
			report.Candidates = append(report.Candidates, cand)
		}
	}

	log.Info().
		Str("run_id", report.RunID).
		Int("scanned", report.Scanned).
		Int("candidates", len(report.Candidates)).
		Bool("dry_run", opts.DryRun).
		Msg("Reconciliation pass started")

	if opts.DryRun {
		return report, nil
	}

	for _, cand := range report.Candidates {
		if ctx.Err() != nil {
			return report, ctx.Err()
		}
		if opts.Confirm != nil {
			switch opts.Confirm(cand) {
			case DecisionSkip:
				report.Skipped++
				continue
			case DecisionQuit:
				return report, nil
			}
		}

		res := e.Repair(ctx, cand.Charge.ExternalChargeID)
		report.Results = append(report.Results, res)
		if res.Success {
			report.Repaired++
		} else {
			report.Failed++
		}
	}

	log.Info().
		Str("run_id", report.RunID).
		Int("repaired", report.Repaired).
		Int("failed", report.Failed).
		Int("skipped", report.Skipped).
		Msg("Reconciliation pass finished")
	return report, nil
}
