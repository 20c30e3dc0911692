package ledger

import (
	"database/sql"
	"fmt"
	"time"
)

const subscriptionColumns = `
	id, user_id, external_customer_id, external_subscription_id, external_price_id,
	status, transaction_type, tier, current_period_end, cancel_at_period_end,
	is_gift, metadata, created_at, updated_at`

// CreateSubscription inserts a new subscription record.
func (tx *Tx) CreateSubscription(s *Subscription) error {
	if s == nil {
		return fmt.Errorf("subscription is nil")
	}
	now := time.Now().UTC()
	if s.CreatedAt.IsZero() {
		s.CreatedAt = now
	}
	s.UpdatedAt = now

	meta, err := encodeMetadata(s.Metadata)
	if err != nil {
		return err
	}
	_, err = tx.q.ExecContext(tx.ctx, `
		INSERT INTO subscriptions (`+subscriptionColumns+`
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		s.ID, s.UserID, s.ExternalCustomerID, s.ExternalSubscriptionID, s.ExternalPriceID,
		string(s.Status), string(s.TransactionType), string(s.Tier),
		nullableTimeUnix(s.CurrentPeriodEnd), boolToInt(s.CancelAtPeriodEnd),
		boolToInt(s.IsGift), meta, s.CreatedAt.Unix(), s.UpdatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("create subscription: %w", err)
	}
	return nil
}

// UpdateSubscription persists status, flags, and metadata changes.
func (tx *Tx) UpdateSubscription(s *Subscription) error {
	if s == nil {
		return fmt.Errorf("subscription is nil")
	}
	s.UpdatedAt = time.Now().UTC()

	meta, err := encodeMetadata(s.Metadata)
	if err != nil {
		return err
	}
	res, err := tx.q.ExecContext(tx.ctx, `
		UPDATE subscriptions SET
			external_customer_id = ?, external_subscription_id = ?, external_price_id = ?,
			status = ?, transaction_type = ?, tier = ?,
			current_period_end = ?, cancel_at_period_end = ?, is_gift = ?,
			metadata = ?, updated_at = ?
		WHERE id = ?`,
		s.ExternalCustomerID, s.ExternalSubscriptionID, s.ExternalPriceID,
		string(s.Status), string(s.TransactionType), string(s.Tier),
		nullableTimeUnix(s.CurrentPeriodEnd), boolToInt(s.CancelAtPeriodEnd), boolToInt(s.IsGift),
		meta, s.UpdatedAt.Unix(),
		s.ID,
	)
	if err != nil {
		return fmt.Errorf("update subscription: %w", err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return fmt.Errorf("subscription %q not found", s.ID)
	}
	return nil
}

// GetSubscription retrieves a subscription by ledger ID. Returns nil if the
// record does not exist.
func (tx *Tx) GetSubscription(id string) (*Subscription, error) {
	row := tx.q.QueryRowContext(tx.ctx, `SELECT`+subscriptionColumns+`
		FROM subscriptions WHERE id = ?`, id)
	return scanSubscription(row)
}

// FindActive returns the user's active subscription of the given transaction
// type, or nil when the user has none.
func (tx *Tx) FindActive(userID string, txType TransactionType) (*Subscription, error) {
	row := tx.q.QueryRowContext(tx.ctx, `SELECT`+subscriptionColumns+`
		FROM subscriptions
		WHERE user_id = ? AND status = ? AND transaction_type = ?
		ORDER BY created_at DESC LIMIT 1`,
		userID, string(StatusActive), string(txType))
	return scanSubscription(row)
}

// FindAnyActive returns the user's active subscription of either type,
// preferring lifetime. Used by "does this user already have access" checks.
func (tx *Tx) FindAnyActive(userID string) (*Subscription, error) {
	lifetime, err := tx.FindActive(userID, TransactionLifetime)
	if err != nil || lifetime != nil {
		return lifetime, err
	}
	return tx.FindActive(userID, TransactionRecurring)
}

// FindByExternalSubscriptionID returns the most recent record carrying the
// given provider-side (or synthetic) subscription ID.
func (tx *Tx) FindByExternalSubscriptionID(externalID string) (*Subscription, error) {
	row := tx.q.QueryRowContext(tx.ctx, `SELECT`+subscriptionColumns+`
		FROM subscriptions WHERE external_subscription_id = ?
		ORDER BY created_at DESC LIMIT 1`, externalID)
	return scanSubscription(row)
}

// FindLatestByUser returns the user's most recent subscription record of any
// status, or nil. The basis for resolving the provider customer ID.
func (tx *Tx) FindLatestByUser(userID string) (*Subscription, error) {
	row := tx.q.QueryRowContext(tx.ctx, `SELECT`+subscriptionColumns+`
		FROM subscriptions WHERE user_id = ?
		ORDER BY created_at DESC LIMIT 1`, userID)
	return scanSubscription(row)
}

// FindReactivatable returns the user's most recent inactive record that still
// points at a real provider subscription and was set to lapse at period end.
func (tx *Tx) FindReactivatable(userID string) (*Subscription, error) {
	row := tx.q.QueryRowContext(tx.ctx, `SELECT`+subscriptionColumns+`
		FROM subscriptions
		WHERE user_id = ?
		  AND status IN (?, ?, ?, ?)
		  AND cancel_at_period_end = 1
		  AND external_subscription_id != ''
		ORDER BY created_at DESC LIMIT 1`,
		userID,
		string(StatusCanceled), string(StatusPastDue), string(StatusIncomplete), string(StatusUnpaid))
	return scanSubscription(row)
}

// ListByUser returns all of the user's subscription records, newest first.
func (tx *Tx) ListByUser(userID string) ([]*Subscription, error) {
	rows, err := tx.q.QueryContext(tx.ctx, `SELECT`+subscriptionColumns+`
		FROM subscriptions WHERE user_id = ? ORDER BY created_at DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("list subscriptions by user: %w", err)
	}
	defer rows.Close()
	return scanSubscriptions(rows)
}

// CountActive returns the number of active records for a user and type.
func (tx *Tx) CountActive(userID string, txType TransactionType) (int, error) {
	var n int
	err := tx.q.QueryRowContext(tx.ctx, `SELECT COUNT(*) FROM subscriptions
		WHERE user_id = ? AND status = ? AND transaction_type = ?`,
		userID, string(StatusActive), string(txType)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count active subscriptions: %w", err)
	}
	return n, nil
}

func scanSubscription(s scanner) (*Subscription, error) {
	var sub Subscription
	var status, txType, tier, meta string
	var periodEnd sql.NullInt64
	var cancelAtPeriodEnd, isGift int
	var createdAt, updatedAt int64

	err := s.Scan(
		&sub.ID, &sub.UserID, &sub.ExternalCustomerID, &sub.ExternalSubscriptionID, &sub.ExternalPriceID,
		&status, &txType, &tier, &periodEnd, &cancelAtPeriodEnd,
		&isGift, &meta, &createdAt, &updatedAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("scan subscription: %w", err)
	}

	sub.Status = Status(status)
	sub.TransactionType = TransactionType(txType)
	sub.Tier = Tier(tier)
	if periodEnd.Valid {
		ts := time.Unix(periodEnd.Int64, 0).UTC()
		sub.CurrentPeriodEnd = &ts
	}
	sub.CancelAtPeriodEnd = cancelAtPeriodEnd != 0
	sub.IsGift = isGift != 0
	sub.Metadata, err = decodeMetadata(meta)
	if err != nil {
		return nil, err
	}
	sub.CreatedAt = time.Unix(createdAt, 0).UTC()
	sub.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	return &sub, nil
}

func scanSubscriptions(rows *sql.Rows) ([]*Subscription, error) {
	var subs []*Subscription
	for rows.Next() {
		s, err := scanSubscription(rows)
		if err != nil {
			return nil, err
		}
		subs = append(subs, s)
	}
	return subs, rows.Err()
}
