package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ErrMaxAttempts is returned when the attempt cap has been reached for a
// pair; the caller must not contact the gateway again.
var ErrMaxAttempts = errors.New("store: max recovery attempts reached")

// ErrAlreadySucceeded is returned when recovery already completed for the
// pair; the invariant is that no further attempts occur after success.
var ErrAlreadySucceeded = errors.New("store: recovery already succeeded")

// ErrAttemptNotFound is returned when no attempt record exists for the pair.
var ErrAttemptNotFound = errors.New("store: recovery attempt not found")

// AttemptStore persists recovery attempt records.
type AttemptStore struct {
	db          *DB
	maxAttempts int
}

// NewAttemptStore creates an attempt store with the given attempt cap.
func NewAttemptStore(db *DB, maxAttempts int) *AttemptStore {
	return &AttemptStore{db: db, maxAttempts: maxAttempts}
}

// EnsureTableExists creates the recovery_attempts table if needed.
func (s *AttemptStore) EnsureTableExists(ctx context.Context) error {
	query := `
		CREATE TABLE IF NOT EXISTS recovery_attempts (
			application_id UUID NOT NULL,
			payment_intent_id VARCHAR(255) NOT NULL,
			attempt_count INT NOT NULL DEFAULT 0,
			recovery_status VARCHAR(50) NOT NULL DEFAULT 'not_attempted',
			last_attempt_time TIMESTAMP,
			last_error TEXT,
			created_at TIMESTAMP NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMP NOT NULL DEFAULT NOW(),
			PRIMARY KEY (application_id, payment_intent_id),
			CONSTRAINT valid_recovery_status CHECK (recovery_status IN
				('not_attempted', 'recovering', 'succeeded', 'failed', 'max_attempts_reached'))
		);

		CREATE INDEX IF NOT EXISTS idx_recovery_attempts_status
			ON recovery_attempts(recovery_status);
		CREATE INDEX IF NOT EXISTS idx_recovery_attempts_stale
			ON recovery_attempts(last_attempt_time) WHERE recovery_status = 'recovering';
	`

	if _, err := s.db.conn.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("failed to create recovery_attempts table: %w", err)
	}
	return nil
}

// IncrementAttempt atomically creates or bumps the attempt record for the
// pair and marks it recovering. The increment is guarded so the stored
// count can never exceed the cap, even with concurrent callers: two
// processes both observing count=2 cannot both write count=3 and a fourth
// attempt. Returns ErrMaxAttempts or ErrAlreadySucceeded when no attempt
// may proceed.
func (s *AttemptStore) IncrementAttempt(ctx context.Context, applicationID, paymentIntentID string) (*RecoveryAttempt, error) {
	query := `
		INSERT INTO recovery_attempts (
			application_id, payment_intent_id, attempt_count, recovery_status,
			last_attempt_time, created_at, updated_at
		) VALUES ($1, $2, 1, 'recovering', NOW(), NOW(), NOW())
		ON CONFLICT (application_id, payment_intent_id) DO UPDATE SET
			attempt_count = recovery_attempts.attempt_count + 1,
			recovery_status = 'recovering',
			last_attempt_time = NOW(),
			updated_at = NOW()
		WHERE recovery_attempts.attempt_count < $3
		  AND recovery_attempts.recovery_status <> 'succeeded'
		RETURNING attempt_count, recovery_status, last_attempt_time, created_at, updated_at`

	attempt := &RecoveryAttempt{
		ApplicationID:   applicationID,
		PaymentIntentID: paymentIntentID,
	}
	err := s.db.conn.QueryRowContext(ctx, query, applicationID, paymentIntentID, s.maxAttempts).Scan(
		&attempt.AttemptCount, &attempt.RecoveryStatus, &attempt.LastAttemptTime,
		&attempt.CreatedAt, &attempt.UpdatedAt,
	)
	if err == nil {
		return attempt, nil
	}
	if err != sql.ErrNoRows {
		return nil, fmt.Errorf("failed to increment attempt: %w", err)
	}

	// The guarded update matched nothing: either the cap is reached or
	// recovery already succeeded. Read the row to tell them apart.
	existing, getErr := s.Get(ctx, applicationID, paymentIntentID)
	if getErr != nil {
		return nil, fmt.Errorf("failed to inspect capped attempt: %w", getErr)
	}
	if existing.RecoveryStatus == AttemptStatusSucceeded {
		return existing, ErrAlreadySucceeded
	}
	return existing, ErrMaxAttempts
}

// MarkOutcome finalizes the record after an attempt.
func (s *AttemptStore) MarkOutcome(ctx context.Context, applicationID, paymentIntentID, status, lastError string) error {
	query := `
		UPDATE recovery_attempts SET
			recovery_status = $1,
			last_error = NULLIF($2, ''),
			updated_at = NOW()
		WHERE application_id = $3 AND payment_intent_id = $4`

	if _, err := s.db.conn.ExecContext(ctx, query, status, lastError, applicationID, paymentIntentID); err != nil {
		return fmt.Errorf("failed to mark attempt outcome: %w", err)
	}
	return nil
}

// Get retrieves the attempt record for a pair.
func (s *AttemptStore) Get(ctx context.Context, applicationID, paymentIntentID string) (*RecoveryAttempt, error) {
	query := `
		SELECT application_id, payment_intent_id, attempt_count, recovery_status,
			   COALESCE(last_attempt_time, created_at), COALESCE(last_error, ''),
			   created_at, updated_at
		FROM recovery_attempts
		WHERE application_id = $1 AND payment_intent_id = $2`

	var attempt RecoveryAttempt
	err := s.db.conn.QueryRowContext(ctx, query, applicationID, paymentIntentID).Scan(
		&attempt.ApplicationID, &attempt.PaymentIntentID, &attempt.AttemptCount,
		&attempt.RecoveryStatus, &attempt.LastAttemptTime, &attempt.LastError,
		&attempt.CreatedAt, &attempt.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrAttemptNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get recovery attempt: %w", err)
	}
	return &attempt, nil
}

// List returns attempt records, optionally filtered by status.
func (s *AttemptStore) List(ctx context.Context, status string, limit int) ([]RecoveryAttempt, error) {
	query := `
		SELECT application_id, payment_intent_id, attempt_count, recovery_status,
			   COALESCE(last_attempt_time, created_at), COALESCE(last_error, ''),
			   created_at, updated_at
		FROM recovery_attempts`

	args := []any{}
	argNum := 1

	if status != "" {
		query += fmt.Sprintf(" WHERE recovery_status = $%d", argNum)
		args = append(args, status)
		argNum++
	}

	query += " ORDER BY updated_at DESC"
	query += fmt.Sprintf(" LIMIT $%d", argNum)
	args = append(args, limit)

	rows, err := s.db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list recovery attempts: %w", err)
	}
	defer rows.Close()

	return scanAttempts(rows)
}

// ListStaleRecovering returns records stuck in recovering whose last
// attempt is older than the given age. These are re-driven by the
// scheduler.
func (s *AttemptStore) ListStaleRecovering(ctx context.Context, olderThan time.Duration, limit int) ([]RecoveryAttempt, error) {
	query := `
		SELECT application_id, payment_intent_id, attempt_count, recovery_status,
			   COALESCE(last_attempt_time, created_at), COALESCE(last_error, ''),
			   created_at, updated_at
		FROM recovery_attempts
		WHERE recovery_status = 'recovering'
		  AND last_attempt_time < NOW() - $1::interval
		ORDER BY last_attempt_time ASC
		LIMIT $2`

	interval := fmt.Sprintf("%d seconds", int(olderThan.Seconds()))
	rows, err := s.db.conn.QueryContext(ctx, query, interval, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list stale recovering attempts: %w", err)
	}
	defer rows.Close()

	return scanAttempts(rows)
}

func scanAttempts(rows *sql.Rows) ([]RecoveryAttempt, error) {
	var attempts []RecoveryAttempt
	for rows.Next() {
		var attempt RecoveryAttempt
		err := rows.Scan(
			&attempt.ApplicationID, &attempt.PaymentIntentID, &attempt.AttemptCount,
			&attempt.RecoveryStatus, &attempt.LastAttemptTime, &attempt.LastError,
			&attempt.CreatedAt, &attempt.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan recovery attempt: %w", err)
		}
		attempts = append(attempts, attempt)
	}
	return attempts, rows.Err()
}
