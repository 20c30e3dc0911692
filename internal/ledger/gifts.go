package ledger

import (
	"database/sql"
	"fmt"
	"time"
)

// CreateGiftDetail inserts the gift extension for a subscription. Callers
// create it in the same transaction as the owning subscription.
func (tx *Tx) CreateGiftDetail(g *GiftDetail) error {
	if g == nil {
		return fmt.Errorf("gift detail is nil")
	}
	if g.GiftQuantity < 1 {
		g.GiftQuantity = 1
	}
	if g.CreatedAt.IsZero() {
		g.CreatedAt = time.Now().UTC()
	}

	_, err := tx.q.ExecContext(tx.ctx, `
		INSERT INTO gift_details (subscription_id, sender_name, gift_message, gift_type, gift_quantity, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		g.SubscriptionID, g.SenderName, g.GiftMessage, string(g.GiftType), g.GiftQuantity, g.CreatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("create gift detail: %w", err)
	}
	return nil
}

// GetGiftDetail retrieves the gift extension for a subscription, or nil.
func (tx *Tx) GetGiftDetail(subscriptionID string) (*GiftDetail, error) {
	var g GiftDetail
	var giftType string
	var createdAt int64
	err := tx.q.QueryRowContext(tx.ctx, `
		SELECT subscription_id, sender_name, gift_message, gift_type, gift_quantity, created_at
		FROM gift_details WHERE subscription_id = ?`, subscriptionID).Scan(
		&g.SubscriptionID, &g.SenderName, &g.GiftMessage, &giftType, &g.GiftQuantity, &createdAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("scan gift detail: %w", err)
	}
	g.GiftType = Period(giftType)
	g.CreatedAt = time.Unix(createdAt, 0).UTC()
	return &g, nil
}
