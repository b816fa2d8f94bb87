package store

import "time"

// Application statuses
const (
	AppStatusDraft             = "draft"
	AppStatusSubmitted         = "submitted"
	AppStatusApproved          = "approved"
	AppStatusRejected          = "rejected"
	AppStatusPendingPayment    = "pending_payment"
	AppStatusPaymentProcessing = "payment_processing"
	AppStatusPaymentReceived   = "payment_received"
	AppStatusCompleted         = "completed"
)

// Local payment statuses
const (
	PaymentStatusPending        = "pending_payment"
	PaymentStatusProcessing     = "processing"
	PaymentStatusRequiresAction = "requires_action"
	PaymentStatusSucceeded      = "succeeded"
	PaymentStatusFailed         = "failed"
	PaymentStatusCancelled      = "cancelled"
)

// Recovery attempt statuses
const (
	AttemptStatusNotAttempted = "not_attempted"
	AttemptStatusRecovering   = "recovering"
	AttemptStatusSucceeded    = "succeeded"
	AttemptStatusFailed       = "failed"
	AttemptStatusMaxReached   = "max_attempts_reached"
)

// Application is a permit application with its local payment state.
type Application struct {
	ID              string    `json:"id" db:"id"`
	ApplicantID     string    `json:"applicant_id" db:"applicant_id"`
	Status          string    `json:"status" db:"status"`
	PaymentIntentID string    `json:"payment_intent_id,omitempty" db:"payment_intent_id"`
	PaymentStatus   string    `json:"payment_status" db:"payment_status"`
	AmountCents     int64     `json:"amount_cents" db:"amount_cents"`
	Currency        string    `json:"currency" db:"currency"`
	CreatedAt       time.Time `json:"created_at" db:"created_at"`
	UpdatedAt       time.Time `json:"updated_at" db:"updated_at"`
}

// RecoveryAttempt is the durable attempt record for one
// (application, payment intent) pair.
type RecoveryAttempt struct {
	ApplicationID   string    `json:"application_id" db:"application_id"`
	PaymentIntentID string    `json:"payment_intent_id" db:"payment_intent_id"`
	AttemptCount    int       `json:"attempt_count" db:"attempt_count"`
	RecoveryStatus  string    `json:"recovery_status" db:"recovery_status"`
	LastAttemptTime time.Time `json:"last_attempt_time" db:"last_attempt_time"`
	LastError       string    `json:"last_error,omitempty" db:"last_error"`
	CreatedAt       time.Time `json:"created_at" db:"created_at"`
	UpdatedAt       time.Time `json:"updated_at" db:"updated_at"`
}

// StuckPayment is a reconciliation candidate: an application whose local
// payment state has not moved for longer than the stuck threshold.
type StuckPayment struct {
	ApplicationID   string    `json:"application_id" db:"application_id"`
	PaymentIntentID string    `json:"payment_intent_id" db:"payment_intent_id"`
	PaymentStatus   string    `json:"payment_status" db:"payment_status"`
	UpdatedAt       time.Time `json:"updated_at" db:"updated_at"`
}
