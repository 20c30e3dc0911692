package ledger

import (
	"database/sql"
	"fmt"
	"strings"
	"time"
)

const chargeColumns = `
	external_charge_id, external_invoice_id, user_id, external_customer_id,
	amount, currency, status, last_webhook_at, metadata, created_at, updated_at`

// CreateCharge inserts a new external charge record.
func (tx *Tx) CreateCharge(c *ExternalCharge) error {
	if c == nil {
		return fmt.Errorf("charge is nil")
	}
	now := time.Now().UTC()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = now

	meta, err := encodeMetadata(c.Metadata)
	if err != nil {
		return err
	}
	_, err = tx.q.ExecContext(tx.ctx, `
		INSERT INTO external_charges (`+chargeColumns+`
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ExternalChargeID, c.ExternalInvoiceID, c.UserID, c.ExternalCustomerID,
		c.Amount, c.Currency, string(c.Status), nullableTimeUnix(c.LastWebhookAt),
		meta, c.CreatedAt.Unix(), c.UpdatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("create charge: %w", err)
	}
	return nil
}

// UpdateCharge persists status, webhook timestamp, and metadata changes.
func (tx *Tx) UpdateCharge(c *ExternalCharge) error {
	if c == nil {
		return fmt.Errorf("charge is nil")
	}
	c.UpdatedAt = time.Now().UTC()

	meta, err := encodeMetadata(c.Metadata)
	if err != nil {
		return err
	}
	res, err := tx.q.ExecContext(tx.ctx, `
		UPDATE external_charges SET
			external_invoice_id = ?, user_id = ?, external_customer_id = ?,
			amount = ?, currency = ?, status = ?, last_webhook_at = ?,
			metadata = ?, updated_at = ?
		WHERE external_charge_id = ?`,
		c.ExternalInvoiceID, c.UserID, c.ExternalCustomerID,
		c.Amount, c.Currency, string(c.Status), nullableTimeUnix(c.LastWebhookAt),
		meta, c.UpdatedAt.Unix(),
		c.ExternalChargeID,
	)
	if err != nil {
		return fmt.Errorf("update charge: %w", err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return fmt.Errorf("charge %q not found", c.ExternalChargeID)
	}
	return nil
}

// GetCharge retrieves a charge by its provider-side ID. Returns nil when the
// charge does not exist.
func (tx *Tx) GetCharge(externalChargeID string) (*ExternalCharge, error) {
	row := tx.q.QueryRowContext(tx.ctx, `SELECT`+chargeColumns+`
		FROM external_charges WHERE external_charge_id = ?`, externalChargeID)
	return scanCharge(row)
}

// GetChargeByInvoiceID finds the charge linked to a provider invoice.
// Returns nil when no charge references the invoice.
func (tx *Tx) GetChargeByInvoiceID(externalInvoiceID string) (*ExternalCharge, error) {
	row := tx.q.QueryRowContext(tx.ctx, `SELECT`+chargeColumns+`
		FROM external_charges WHERE external_invoice_id = ?
		ORDER BY created_at DESC LIMIT 1`, externalInvoiceID)
	return scanCharge(row)
}

// ListChargesByStatus returns charges in any of the given statuses, newest
// first, bounded by limit (0 means no bound).
func (tx *Tx) ListChargesByStatus(statuses []ChargeStatus, limit int) ([]*ExternalCharge, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(statuses)), ", ")
	args := make([]any, 0, len(statuses)+1)
	for _, st := range statuses {
		args = append(args, string(st))
	}
	query := `SELECT` + chargeColumns + `
		FROM external_charges WHERE status IN (` + placeholders + `)
		ORDER BY created_at DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := tx.q.QueryContext(tx.ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list charges by status: %w", err)
	}
	defer rows.Close()

	var charges []*ExternalCharge
	for rows.Next() {
		c, err := scanCharge(rows)
		if err != nil {
			return nil, err
		}
		charges = append(charges, c)
	}
	return charges, rows.Err()
}

func scanCharge(s scanner) (*ExternalCharge, error) {
	var c ExternalCharge
	var status, meta string
	var lastWebhookAt sql.NullInt64
	var createdAt, updatedAt int64

	err := s.Scan(
		&c.ExternalChargeID, &c.ExternalInvoiceID, &c.UserID, &c.ExternalCustomerID,
		&c.Amount, &c.Currency, &status, &lastWebhookAt, &meta, &createdAt, &updatedAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("scan charge: %w", err)
	}

	c.Status = ChargeStatus(status)
	if lastWebhookAt.Valid {
		ts := time.Unix(lastWebhookAt.Int64, 0).UTC()
		c.LastWebhookAt = &ts
	}
	c.Metadata, err = decodeMetadata(meta)
	if err != nil {
		return nil, err
	}
	c.CreatedAt = time.Unix(createdAt, 0).UTC()
	c.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	return &c, nil
}
