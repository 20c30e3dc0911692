package webhook

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/stripe/stripe-go/v82/webhook"

	"github.com/dotabod/subsync/internal/engine"
	"github.com/dotabod/subsync/internal/gateway"
	"github.com/dotabod/subsync/internal/ledger"
	"github.com/dotabod/subsync/internal/submetrics"
)

const bodyLimit = 1024 * 1024 // 1 MiB

// Lifecycle is the slice of the engine the webhook handler drives.
type Lifecycle interface {
	HandleCheckoutCompleted(ctx context.Context, ev engine.CheckoutCompletedEvent) error
	HandleInvoicePaid(ctx context.Context, inv *gateway.Invoice) error
	RecordChargeEvent(ctx context.Context, params engine.ChargeEventParams) error
	SyncSubscriptionStatus(ctx context.Context, externalSubID, providerStatus, priceID string, cancelAtPeriodEnd bool, periodEnd *time.Time) error
	SyncSubscriptionDeleted(ctx context.Context, externalSubID string) error
}

// Handler verifies and dispatches billing provider webhook events.
type Handler struct {
	secret    string
	lifecycle Lifecycle
}

type errorResponse struct {
	Error string `json:"error"`
}

type receivedResponse struct {
	Received bool `json:"received"`
}

// NewHandler creates a webhook HTTP handler.
func NewHandler(secret string, lifecycle Lifecycle) *Handler {
	return &Handler{
		secret:    secret,
		lifecycle: lifecycle,
	}
}

// ServeHTTP verifies the provider signature and dispatches the event.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	eventType := "unknown"
	status := http.StatusOK
	defer func() {
		submetrics.WebhookRequestsTotal.WithLabelValues(eventType, strconv.Itoa(status)).Inc()
		submetrics.WebhookDuration.WithLabelValues(eventType).Observe(time.Since(start).Seconds())
	}()

	if r.Method != http.MethodPost {
		status = http.StatusMethodNotAllowed
		writeJSON(w, http.StatusMethodNotAllowed, errorResponse{Error: "method not allowed"})
		return
	}
	if strings.TrimSpace(h.secret) == "" {
		status = http.StatusServiceUnavailable
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "webhook secret not configured"})
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, bodyLimit)
	payload, err := io.ReadAll(r.Body)
	if err != nil {
		status = http.StatusBadRequest
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "failed to read request body"})
		return
	}

	sigHeader := r.Header.Get("Stripe-Signature")
	if strings.TrimSpace(sigHeader) == "" {
		status = http.StatusBadRequest
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "missing Stripe signature"})
		return
	}

	event, err := webhook.ConstructEventWithOptions(payload, sigHeader, h.secret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		status = http.StatusBadRequest
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid Stripe signature"})
		return
	}
	eventType = string(event.Type)

	if err := h.handleEvent(r.Context(), string(event.Type), event.ID, event.Data.Raw); err != nil {
		log.Error().Err(err).
			Str("event_id", event.ID).
			Str("type", string(event.Type)).
			Msg("Webhook processing failed")
		status = http.StatusInternalServerError
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "processing failed"})
		return
	}

	status = http.StatusOK
	writeJSON(w, http.StatusOK, receivedResponse{Received: true})
}

func (h *Handler) handleEvent(ctx context.Context, eventType, eventID string, raw json.RawMessage) error {
	switch eventType {
	case "checkout.session.completed":
		var session CheckoutSession
		if err := json.Unmarshal(raw, &session); err != nil {
			return fmt.Errorf("decode checkout.session: %w", err)
		}
		return h.lifecycle.HandleCheckoutCompleted(ctx, engine.CheckoutCompletedEvent{
			SessionID:              session.ID,
			CustomerID:             session.Customer,
			ExternalSubscriptionID: session.Subscription,
			Metadata:               session.Metadata,
		})

	case "invoice.paid", "invoice.payment_succeeded":
		var inv Invoice
		if err := json.Unmarshal(raw, &inv); err != nil {
			return fmt.Errorf("decode invoice: %w", err)
		}
		return h.lifecycle.HandleInvoicePaid(ctx, &gateway.Invoice{
			ID:         inv.ID,
			Status:     inv.Status,
			CustomerID: inv.Customer,
			AmountDue:  inv.AmountDue,
			AmountPaid: inv.AmountPaid,
			Metadata:   inv.Metadata,
		})

	case "charge.succeeded", "charge.updated":
		var ch Charge
		if err := json.Unmarshal(raw, &ch); err != nil {
			return fmt.Errorf("decode charge: %w", err)
		}
		return h.lifecycle.RecordChargeEvent(ctx, engine.ChargeEventParams{
			ExternalChargeID:   ch.ID,
			ExternalInvoiceID:  ch.Invoice,
			UserID:             ch.Metadata["userId"],
			ExternalCustomerID: ch.Customer,
			Amount:             ch.Amount,
			Currency:           ch.Currency,
			Status:             chargeStatus(ch.Status),
			Metadata:           ch.Metadata,
		})

	case "customer.subscription.updated":
		var sub Subscription
		if err := json.Unmarshal(raw, &sub); err != nil {
			return fmt.Errorf("decode subscription: %w", err)
		}
		return h.lifecycle.SyncSubscriptionStatus(ctx, sub.ID, sub.Status, sub.FirstPriceID(), sub.CancelAtPeriodEnd, sub.PeriodEnd())

	case "customer.subscription.deleted":
		var sub Subscription
		if err := json.Unmarshal(raw, &sub); err != nil {
			return fmt.Errorf("decode subscription: %w", err)
		}
		return h.lifecycle.SyncSubscriptionDeleted(ctx, sub.ID)

	default:
		log.Info().
			Str("type", eventType).
			Str("event_id", eventID).
			Msg("Webhook ignored (unhandled type)")
		return nil
	}
}

// chargeStatus maps a provider charge status onto the ledger's enum; unknown
// states fail closed to pending so they are never treated as settled.
func chargeStatus(s string) ledger.ChargeStatus {
	switch s {
	case "succeeded", "paid":
		return ledger.ChargePaid
	case "confirmed":
		return ledger.ChargeConfirmed
	case "failed", "canceled":
		return ledger.ChargeFailed
	default:
		return ledger.ChargePending
	}
}

// CheckoutSession is a minimal representation of a checkout.session event.
type CheckoutSession struct {
	ID           string            `json:"id"`
	Mode         string            `json:"mode"`
	Customer     string            `json:"customer"`
	Subscription string            `json:"subscription"`
	Metadata     map[string]string `json:"metadata"`
}

// Invoice is a minimal representation of an invoice event.
type Invoice struct {
	ID         string            `json:"id"`
	Customer   string            `json:"customer"`
	Status     string            `json:"status"`
	AmountDue  int64             `json:"amount_due"`
	AmountPaid int64             `json:"amount_paid"`
	Metadata   map[string]string `json:"metadata"`
}

// Charge is a minimal representation of a charge event.
type Charge struct {
	ID       string            `json:"id"`
	Customer string            `json:"customer"`
	Invoice  string            `json:"invoice"`
	Amount   int64             `json:"amount"`
	Currency string            `json:"currency"`
	Status   string            `json:"status"`
	Metadata map[string]string `json:"metadata"`
}

// Subscription is a minimal representation of a subscription event.
type Subscription struct {
	ID                string `json:"id"`
	Customer          string `json:"customer"`
	Status            string `json:"status"`
	CancelAtPeriodEnd bool   `json:"cancel_at_period_end"`
	CurrentPeriodEnd  int64  `json:"current_period_end"`
	Items             struct {
		Data []struct {
			Price struct {
				ID string `json:"id"`
			} `json:"price"`
		} `json:"data"`
	} `json:"items"`
	Metadata map[string]string `json:"metadata"`
}

// FirstPriceID returns the price ID from the first subscription item.
func (s *Subscription) FirstPriceID() string {
	for _, item := range s.Items.Data {
		if priceID := strings.TrimSpace(item.Price.ID); priceID != "" {
			return priceID
		}
	}
	return ""
}

// PeriodEnd converts the provider's unix period end, when present.
func (s *Subscription) PeriodEnd() *time.Time {
	if s.CurrentPeriodEnd <= 0 {
		return nil
	}
	ts := time.Unix(s.CurrentPeriodEnd, 0).UTC()
	return &ts
}

func writeJSON[T any](w http.ResponseWriter, status int, v T) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("Failed to encode webhook response")
	}
}
