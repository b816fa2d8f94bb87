package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// ApplicationStore reads and updates the payment-facing slice of the
// applications table. The wider CRUD surface lives elsewhere; this store
// only touches the status fields the reconciliation subsystem owns.
type ApplicationStore struct {
	db *DB
}

// NewApplicationStore creates an application store.
func NewApplicationStore(db *DB) *ApplicationStore {
	return &ApplicationStore{db: db}
}

// Get retrieves an application by id.
func (s *ApplicationStore) Get(ctx context.Context, id string) (*Application, error) {
	query := `
		SELECT id, applicant_id, status, COALESCE(payment_intent_id, ''),
			   COALESCE(payment_status, ''), amount_cents, currency,
			   created_at, updated_at
		FROM applications WHERE id = $1`

	var app Application
	err := s.db.conn.QueryRowContext(ctx, query, id).Scan(
		&app.ID, &app.ApplicantID, &app.Status, &app.PaymentIntentID,
		&app.PaymentStatus, &app.AmountCents, &app.Currency,
		&app.CreatedAt, &app.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("application not found: %s", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get application: %w", err)
	}
	return &app, nil
}

// SetPaymentStatus updates only the local payment status.
func (s *ApplicationStore) SetPaymentStatus(ctx context.Context, id, paymentStatus string) error {
	query := `UPDATE applications SET payment_status = $1, updated_at = NOW() WHERE id = $2`
	if _, err := s.db.conn.ExecContext(ctx, query, paymentStatus, id); err != nil {
		return fmt.Errorf("failed to set payment status: %w", err)
	}
	return nil
}

// SetPaymentState updates the application status and payment status
// together. Both writes are status-set operations, idempotent in effect.
func (s *ApplicationStore) SetPaymentState(ctx context.Context, id, status, paymentStatus string) error {
	query := `UPDATE applications SET status = $1, payment_status = $2, updated_at = NOW() WHERE id = $3`
	if _, err := s.db.conn.ExecContext(ctx, query, status, paymentStatus, id); err != nil {
		return fmt.Errorf("failed to set payment state: %w", err)
	}
	return nil
}

// ListStuckPayments returns applications whose payment has not moved for
// longer than the threshold. These are the reconciliation candidates.
func (s *ApplicationStore) ListStuckPayments(ctx context.Context, olderThan time.Duration, limit int) ([]StuckPayment, error) {
	query := `
		SELECT id, payment_intent_id, payment_status, updated_at
		FROM applications
		WHERE payment_status IN ('pending_payment', 'processing', 'requires_action', 'failed')
		  AND payment_intent_id IS NOT NULL
		  AND updated_at < NOW() - $1::interval
		ORDER BY updated_at ASC
		LIMIT $2`

	interval := fmt.Sprintf("%d seconds", int(olderThan.Seconds()))
	rows, err := s.db.conn.QueryContext(ctx, query, interval, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list stuck payments: %w", err)
	}
	defer rows.Close()

	var stuck []StuckPayment
	for rows.Next() {
		var sp StuckPayment
		if err := rows.Scan(&sp.ApplicationID, &sp.PaymentIntentID, &sp.PaymentStatus, &sp.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan stuck payment: %w", err)
		}
		stuck = append(stuck, sp)
	}
	return stuck, rows.Err()
}
