package engine

import (
	"context"
	"testing"
	"time"

	"github.com/dotabod/subsync/internal/ledger"
)

func TestHandleCheckoutCompletedGrants(t *testing.T) {
	eng, _, store := newTestEngine(t)
	ctx := context.Background()

	ev := CheckoutCompletedEvent{
		SessionID:              "cs_1",
		CustomerID:             "cus_1",
		ExternalSubscriptionID: "sub_ext_1",
		Metadata: map[string]string{
			"userId":  "user-1",
			"priceId": testPriceMonthly,
		},
	}
	if err := eng.HandleCheckoutCompleted(ctx, ev); err != nil {
		t.Fatalf("HandleCheckoutCompleted: %v", err)
	}

	sub, err := store.View(ctx).FindActive("user-1", ledger.TransactionRecurring)
	if err != nil || sub == nil {
		t.Fatalf("active lookup: sub=%v err=%v", sub, err)
	}
	if sub.ExternalSubscriptionID != "sub_ext_1" || sub.ExternalCustomerID != "cus_1" {
		t.Errorf("provider refs = %+v", sub)
	}
	if sub.Metadata["checkoutSession"] != "cs_1" {
		t.Errorf("checkout provenance missing: %+v", sub.Metadata)
	}

	// Duplicate delivery is absorbed, not an error.
	if err := eng.HandleCheckoutCompleted(ctx, ev); err != nil {
		t.Fatalf("duplicate delivery: %v", err)
	}
	n, err := store.View(ctx).CountActive("user-1", ledger.TransactionRecurring)
	if err != nil {
		t.Fatalf("CountActive: %v", err)
	}
	if n != 1 {
		t.Errorf("active subscriptions = %d, want 1", n)
	}
}

func TestHandleCheckoutCompletedUpgradesPeriod(t *testing.T) {
	eng, gw, store := newTestEngine(t)
	ctx := context.Background()

	if err := eng.HandleCheckoutCompleted(ctx, CheckoutCompletedEvent{
		SessionID:  "cs_monthly",
		CustomerID: "cus_1",
		Metadata: map[string]string{
			"userId":  "user-1",
			"priceId": testPriceMonthly,
		},
	}); err != nil {
		t.Fatalf("monthly checkout: %v", err)
	}

	// The user paid for annual: the monthly record is replaced, not the
	// event dropped.
	if err := eng.HandleCheckoutCompleted(ctx, CheckoutCompletedEvent{
		SessionID:  "cs_annual",
		CustomerID: "cus_1",
		Metadata: map[string]string{
			"userId":  "user-1",
			"priceId": testPriceAnnual,
		},
	}); err != nil {
		t.Fatalf("annual checkout: %v", err)
	}

	sub, err := store.View(ctx).FindActive("user-1", ledger.TransactionRecurring)
	if err != nil || sub == nil {
		t.Fatalf("active lookup: sub=%v err=%v", sub, err)
	}
	if sub.ExternalPriceID != testPriceAnnual {
		t.Errorf("active price = %q, want annual", sub.ExternalPriceID)
	}
	n, err := store.View(ctx).CountActive("user-1", ledger.TransactionRecurring)
	if err != nil {
		t.Fatalf("CountActive: %v", err)
	}
	if n != 1 {
		t.Errorf("active recurring rows = %d, want 1", n)
	}

	// The replaced record is canceled with the transition audit trail, and
	// the next period's invoice is scheduled.
	subs, err := store.View(ctx).ListByUser("user-1")
	if err != nil {
		t.Fatalf("ListByUser: %v", err)
	}
	var old *ledger.Subscription
	for _, s := range subs {
		if s.ExternalPriceID == testPriceMonthly {
			old = s
		}
	}
	if old == nil || old.Status != ledger.StatusCanceled {
		t.Fatalf("monthly record = %+v, want canceled", old)
	}
	if old.Metadata["upgradedTo"] != testPriceAnnual {
		t.Errorf("upgrade audit trail missing: %+v", old.Metadata)
	}
	if len(gw.renewalCalls) != 1 {
		t.Errorf("renewal invoices = %d, want 1", len(gw.renewalCalls))
	}
}

func TestHandleCheckoutCompletedLifetimeHolder(t *testing.T) {
	eng, _, store := newTestEngine(t)
	ctx := context.Background()

	if _, err := eng.Grant(ctx, GrantParams{
		UserID:          "user-1",
		PriceID:         testPriceLifetime,
		TransactionType: ledger.TransactionLifetime,
	}); err != nil {
		t.Fatalf("lifetime grant: %v", err)
	}

	// A recurring checkout for a lifetime holder is covered, not an error.
	if err := eng.HandleCheckoutCompleted(ctx, CheckoutCompletedEvent{
		SessionID:  "cs_1",
		CustomerID: "cus_1",
		Metadata: map[string]string{
			"userId":  "user-1",
			"priceId": testPriceMonthly,
		},
	}); err != nil {
		t.Fatalf("HandleCheckoutCompleted: %v", err)
	}
	n, err := store.View(ctx).CountActive("user-1", ledger.TransactionRecurring)
	if err != nil {
		t.Fatalf("CountActive: %v", err)
	}
	if n != 0 {
		t.Errorf("checkout granted a recurring subscription alongside lifetime")
	}
}

func TestHandleCheckoutCompletedGift(t *testing.T) {
	eng, _, store := newTestEngine(t)
	ctx := context.Background()

	err := eng.HandleCheckoutCompleted(ctx, CheckoutCompletedEvent{
		SessionID:  "cs_gift",
		CustomerID: "cus_sender",
		Metadata: map[string]string{
			"userId":         "recipient-1",
			"priceId":        testPriceMonthly,
			"isGift":         "true",
			"giftSenderName": "alice",
			"giftMessage":    "enjoy!",
			"giftQuantity":   "3",
		},
	})
	if err != nil {
		t.Fatalf("HandleCheckoutCompleted: %v", err)
	}

	sub, err := store.View(ctx).FindActive("recipient-1", ledger.TransactionRecurring)
	if err != nil || sub == nil {
		t.Fatalf("active lookup: sub=%v err=%v", sub, err)
	}
	if !sub.IsGift {
		t.Error("subscription not flagged as gift")
	}
	// Three gifted months extend the period end accordingly.
	wantEnd := testNow.Add(3 * ledger.PeriodMonthly.Duration())
	if sub.CurrentPeriodEnd == nil || !sub.CurrentPeriodEnd.Equal(wantEnd) {
		t.Errorf("period end = %v, want %v", sub.CurrentPeriodEnd, wantEnd)
	}

	gift, err := store.View(ctx).GetGiftDetail(sub.ID)
	if err != nil || gift == nil {
		t.Fatalf("gift lookup: gift=%v err=%v", gift, err)
	}
	if gift.SenderName != "alice" || gift.GiftQuantity != 3 {
		t.Errorf("gift detail = %+v", gift)
	}
}

func TestHandleCheckoutCompletedMissingMetadata(t *testing.T) {
	eng, _, _ := newTestEngine(t)
	err := eng.HandleCheckoutCompleted(context.Background(), CheckoutCompletedEvent{
		SessionID: "cs_1",
		Metadata:  map[string]string{"priceId": testPriceMonthly},
	})
	if err == nil {
		t.Fatal("expected error for missing userId metadata")
	}
}

func TestHandleInvoicePaidIsIdempotent(t *testing.T) {
	eng, _, store := newTestEngine(t)
	ctx := context.Background()

	seedCharge(t, store, paidCharge("ch_1", "in_1", "user-1"))
	inv := paidInvoice("in_1", "user-1", testPriceMonthly)
	inv.Status = "paid"

	if err := eng.HandleInvoicePaid(ctx, inv); err != nil {
		t.Fatalf("HandleInvoicePaid: %v", err)
	}
	if err := eng.HandleInvoicePaid(ctx, inv); err != nil {
		t.Fatalf("second delivery: %v", err)
	}

	n, err := store.View(ctx).CountActive("user-1", ledger.TransactionRecurring)
	if err != nil {
		t.Fatalf("CountActive: %v", err)
	}
	if n != 1 {
		t.Errorf("active subscriptions = %d, want 1", n)
	}

	// The linked charge carries the delivery timestamp and grant provenance
	// flows from the invoice.
	charge, err := store.View(ctx).GetCharge("ch_1")
	if err != nil {
		t.Fatalf("GetCharge: %v", err)
	}
	if charge.LastWebhookAt == nil {
		t.Error("webhook timestamp not stamped on charge")
	}

	sub, err := store.View(ctx).FindActive("user-1", ledger.TransactionRecurring)
	if err != nil || sub == nil {
		t.Fatalf("active lookup: sub=%v err=%v", sub, err)
	}
	if sub.Metadata["sourceInvoiceId"] != "in_1" || sub.Metadata["sourceChargeId"] != "ch_1" {
		t.Errorf("provenance = %+v", sub.Metadata)
	}
}

func TestRecordChargeEventUpserts(t *testing.T) {
	eng, _, store := newTestEngine(t)
	ctx := context.Background()

	params := ChargeEventParams{
		ExternalChargeID:   "ch_1",
		ExternalInvoiceID:  "in_1",
		UserID:             "user-1",
		ExternalCustomerID: "cus_1",
		Amount:             999,
		Currency:           "usd",
		Status:             ledger.ChargePending,
	}
	if err := eng.RecordChargeEvent(ctx, params); err != nil {
		t.Fatalf("RecordChargeEvent: %v", err)
	}

	charge, err := store.View(ctx).GetCharge("ch_1")
	if err != nil || charge == nil {
		t.Fatalf("charge lookup: charge=%v err=%v", charge, err)
	}
	if charge.Status != ledger.ChargePending || charge.LastWebhookAt == nil {
		t.Errorf("created charge = %+v", charge)
	}

	// A later confirmation updates in place.
	params.Status = ledger.ChargeConfirmed
	if err := eng.RecordChargeEvent(ctx, params); err != nil {
		t.Fatalf("RecordChargeEvent update: %v", err)
	}
	charge, err = store.View(ctx).GetCharge("ch_1")
	if err != nil {
		t.Fatalf("GetCharge: %v", err)
	}
	if charge.Status != ledger.ChargeConfirmed {
		t.Errorf("status = %q, want confirmed", charge.Status)
	}
}

func TestRecordChargeEventKeepsSettledStatus(t *testing.T) {
	eng, _, store := newTestEngine(t)
	ctx := context.Background()

	params := ChargeEventParams{
		ExternalChargeID: "ch_1",
		UserID:           "user-1",
		Status:           ledger.ChargePaid,
	}
	if err := eng.RecordChargeEvent(ctx, params); err != nil {
		t.Fatalf("RecordChargeEvent: %v", err)
	}

	// A re-ordered delivery carrying the pre-payment state must not pull the
	// charge out of the reconciliation scan.
	params.Status = ledger.ChargePending
	if err := eng.RecordChargeEvent(ctx, params); err != nil {
		t.Fatalf("RecordChargeEvent replay: %v", err)
	}

	charge, err := store.View(ctx).GetCharge("ch_1")
	if err != nil || charge == nil {
		t.Fatalf("charge lookup: charge=%v err=%v", charge, err)
	}
	if charge.Status != ledger.ChargePaid {
		t.Errorf("status = %q, want paid preserved", charge.Status)
	}
}

func TestSyncSubscriptionStatus(t *testing.T) {
	eng, _, store := newTestEngine(t)
	ctx := context.Background()

	sub, err := eng.Grant(ctx, GrantParams{
		UserID:                 "user-1",
		PriceID:                testPriceMonthly,
		TransactionType:        ledger.TransactionRecurring,
		ExternalSubscriptionID: "sub_ext_1",
	})
	if err != nil {
		t.Fatalf("Grant: %v", err)
	}

	newEnd := testNow.Add(60 * 24 * time.Hour)
	if err := eng.SyncSubscriptionStatus(ctx, "sub_ext_1", "past_due", testPriceAnnual, true, &newEnd); err != nil {
		t.Fatalf("SyncSubscriptionStatus: %v", err)
	}

	got, err := store.View(ctx).GetSubscription(sub.ID)
	if err != nil {
		t.Fatalf("GetSubscription: %v", err)
	}
	if got.Status != ledger.StatusPastDue {
		t.Errorf("status = %q, want past_due", got.Status)
	}
	if !got.CancelAtPeriodEnd {
		t.Error("cancel_at_period_end not synced")
	}
	if got.ExternalPriceID != testPriceAnnual {
		t.Errorf("price = %q, want the provider-reported price", got.ExternalPriceID)
	}
	if got.CurrentPeriodEnd == nil || !got.CurrentPeriodEnd.Equal(newEnd) {
		t.Errorf("period end = %v, want %v", got.CurrentPeriodEnd, newEnd)
	}

	// Unknown provider subscriptions are skipped silently.
	if err := eng.SyncSubscriptionStatus(ctx, "sub_unknown", "active", "", false, nil); err != nil {
		t.Errorf("unknown subscription sync: %v", err)
	}
}

func TestSyncSubscriptionStatusRefusesReactivation(t *testing.T) {
	eng, _, store := newTestEngine(t)
	ctx := context.Background()

	// Monthly entitlement upgraded to annual: the monthly record is canceled
	// and a fresh annual one is active.
	if _, err := eng.Transition(ctx, "user-1", testPriceMonthly, "cus_1", "cs_old", nil); err != nil {
		t.Fatalf("initial grant: %v", err)
	}
	if _, err := eng.Transition(ctx, "user-1", testPriceAnnual, "cus_1", "cs_new", nil); err != nil {
		t.Fatalf("upgrade: %v", err)
	}

	// A late provider event for the upgraded-away subscription must not
	// revive the canceled record alongside the replacement.
	if err := eng.SyncSubscriptionStatus(ctx, RenewalSubscriptionID("cs_old"), "active", "", false, nil); err != nil {
		t.Fatalf("SyncSubscriptionStatus: %v", err)
	}

	n, err := store.View(ctx).CountActive("user-1", ledger.TransactionRecurring)
	if err != nil {
		t.Fatalf("CountActive: %v", err)
	}
	if n != 1 {
		t.Errorf("active recurring rows = %d, want 1", n)
	}
	old, err := store.View(ctx).FindByExternalSubscriptionID(RenewalSubscriptionID("cs_old"))
	if err != nil || old == nil {
		t.Fatalf("old record lookup: sub=%v err=%v", old, err)
	}
	if old.Status != ledger.StatusCanceled {
		t.Errorf("old record status = %q, want canceled", old.Status)
	}
}

func TestSyncSubscriptionDeleted(t *testing.T) {
	eng, _, store := newTestEngine(t)
	ctx := context.Background()

	sub, err := eng.Grant(ctx, GrantParams{
		UserID:                 "user-1",
		PriceID:                testPriceMonthly,
		TransactionType:        ledger.TransactionRecurring,
		ExternalSubscriptionID: "sub_ext_1",
	})
	if err != nil {
		t.Fatalf("Grant: %v", err)
	}

	if err := eng.SyncSubscriptionDeleted(ctx, "sub_ext_1"); err != nil {
		t.Fatalf("SyncSubscriptionDeleted: %v", err)
	}

	got, err := store.View(ctx).GetSubscription(sub.ID)
	if err != nil {
		t.Fatalf("GetSubscription: %v", err)
	}
	if got.Status != ledger.StatusCanceled {
		t.Errorf("status = %q, want canceled", got.Status)
	}
	if got.Metadata["canceledReason"] != "provider_deleted" {
		t.Errorf("reason = %+v", got.Metadata)
	}

	// Second delivery is a no-op.
	if err := eng.SyncSubscriptionDeleted(ctx, "sub_ext_1"); err != nil {
		t.Errorf("duplicate deletion: %v", err)
	}
	if err := eng.SyncSubscriptionDeleted(ctx, "sub_unknown"); err != nil {
		t.Errorf("unknown deletion: %v", err)
	}
}
