package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/dotabod/subsync/internal/ledger"
)

func TestGrantActivatesProTier(t *testing.T) {
	eng, _, store := newTestEngine(t)
	ctx := context.Background()

	end := testNow.Add(30 * 24 * time.Hour)
	sub, err := eng.Grant(ctx, GrantParams{
		UserID:             "user-1",
		PriceID:            testPriceMonthly,
		TransactionType:    ledger.TransactionRecurring,
		ExternalCustomerID: "cus_1",
		PeriodEnd:          &end,
	})
	if err != nil {
		t.Fatalf("Grant: %v", err)
	}
	if sub.Status != ledger.StatusActive || sub.Tier != ledger.TierPro {
		t.Errorf("granted subscription = %+v", sub)
	}

	got, err := store.View(ctx).FindActive("user-1", ledger.TransactionRecurring)
	if err != nil {
		t.Fatalf("FindActive: %v", err)
	}
	if got == nil || got.ID != sub.ID {
		t.Errorf("granted subscription not found as active: %+v", got)
	}
}

func TestGrantGiftCreatesDetailAtomically(t *testing.T) {
	eng, _, store := newTestEngine(t)
	ctx := context.Background()

	sub, err := eng.Grant(ctx, GrantParams{
		UserID:          "user-1",
		PriceID:         testPriceMonthly,
		TransactionType: ledger.TransactionRecurring,
		IsGift:          true,
		Gift: &GiftParams{
			SenderName: "bob",
			Message:    "happy birthday",
			GiftType:   ledger.PeriodMonthly,
			Quantity:   2,
		},
	})
	if err != nil {
		t.Fatalf("Grant: %v", err)
	}

	gift, err := store.View(ctx).GetGiftDetail(sub.ID)
	if err != nil {
		t.Fatalf("GetGiftDetail: %v", err)
	}
	if gift == nil {
		t.Fatal("gift detail missing")
	}
	if gift.SenderName != "bob" || gift.GiftQuantity != 2 {
		t.Errorf("gift detail = %+v", gift)
	}
}

func TestGrantBlockedByActiveLifetime(t *testing.T) {
	eng, _, _ := newTestEngine(t)
	ctx := context.Background()

	if _, err := eng.Grant(ctx, GrantParams{
		UserID:          "user-1",
		PriceID:         testPriceLifetime,
		TransactionType: ledger.TransactionLifetime,
	}); err != nil {
		t.Fatalf("lifetime grant: %v", err)
	}

	// Lifetime is terminal: neither another lifetime nor a recurring grant
	// may follow.
	for _, params := range []GrantParams{
		{UserID: "user-1", PriceID: testPriceLifetime, TransactionType: ledger.TransactionLifetime},
		{UserID: "user-1", PriceID: testPriceMonthly, TransactionType: ledger.TransactionRecurring},
	} {
		_, err := eng.Grant(ctx, params)
		var conflict *ConflictError
		if !errors.As(err, &conflict) {
			t.Errorf("grant %s after lifetime: err = %v, want ConflictError", params.TransactionType, err)
		}
	}
}

func TestGrantBlockedByActiveRecurring(t *testing.T) {
	eng, _, _ := newTestEngine(t)
	ctx := context.Background()

	if _, err := eng.Grant(ctx, GrantParams{
		UserID:          "user-1",
		PriceID:         testPriceMonthly,
		TransactionType: ledger.TransactionRecurring,
	}); err != nil {
		t.Fatalf("recurring grant: %v", err)
	}

	_, err := eng.Grant(ctx, GrantParams{
		UserID:          "user-1",
		PriceID:         testPriceAnnual,
		TransactionType: ledger.TransactionRecurring,
	})
	var conflict *ConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("second recurring grant: err = %v, want ConflictError", err)
	}
}

func TestGrantRequiresUserID(t *testing.T) {
	eng, _, _ := newTestEngine(t)
	if _, err := eng.Grant(context.Background(), GrantParams{PriceID: testPriceMonthly}); err == nil {
		t.Fatal("expected error for missing user id")
	}
}

func TestCancelAtPeriodEndKeepsAccess(t *testing.T) {
	eng, _, store := newTestEngine(t)
	ctx := context.Background()

	sub, err := eng.Grant(ctx, GrantParams{
		UserID:          "user-1",
		PriceID:         testPriceMonthly,
		TransactionType: ledger.TransactionRecurring,
	})
	if err != nil {
		t.Fatalf("Grant: %v", err)
	}

	canceled, err := eng.Cancel(ctx, CancelParams{
		SubscriptionID:       sub.ID,
		EffectiveAtPeriodEnd: true,
		Reason:               "user_request",
	})
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if canceled.Status != ledger.StatusActive {
		t.Errorf("deferred cancel changed status to %q", canceled.Status)
	}
	if !canceled.CancelAtPeriodEnd {
		t.Error("cancel_at_period_end not set")
	}

	// Still counts as the user's active subscription.
	active, err := store.View(ctx).FindActive("user-1", ledger.TransactionRecurring)
	if err != nil {
		t.Fatalf("FindActive: %v", err)
	}
	if active == nil {
		t.Error("deferred cancellation removed active access")
	}
}

func TestCancelImmediateRevokesAndKeepsRecord(t *testing.T) {
	eng, _, store := newTestEngine(t)
	ctx := context.Background()

	sub, err := eng.Grant(ctx, GrantParams{
		UserID:          "user-1",
		PriceID:         testPriceMonthly,
		TransactionType: ledger.TransactionRecurring,
	})
	if err != nil {
		t.Fatalf("Grant: %v", err)
	}

	canceled, err := eng.Cancel(ctx, CancelParams{SubscriptionID: sub.ID, Reason: "fraud"})
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if canceled.Status != ledger.StatusCanceled {
		t.Errorf("status = %q, want canceled", canceled.Status)
	}
	if canceled.Metadata["canceledReason"] != "fraud" {
		t.Errorf("cancel reason not recorded: %+v", canceled.Metadata)
	}
	if canceled.Metadata["canceledAt"] == "" {
		t.Error("canceledAt not recorded")
	}

	// The record survives for audit.
	got, err := store.View(ctx).GetSubscription(sub.ID)
	if err != nil {
		t.Fatalf("GetSubscription: %v", err)
	}
	if got == nil {
		t.Fatal("canceled subscription deleted")
	}
}

func TestCancelMissingSubscription(t *testing.T) {
	eng, _, _ := newTestEngine(t)
	if _, err := eng.Cancel(context.Background(), CancelParams{SubscriptionID: "ls_missing"}); err == nil {
		t.Fatal("expected error canceling a missing subscription")
	}
}
