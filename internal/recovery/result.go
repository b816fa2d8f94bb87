package recovery

import "encoding/json"

// Reason codes for recovery outcomes. The user-visible message layer maps
// these one-to-one to localized strings.
type Reason string

const (
	ReasonPaymentSucceeded      Reason = "payment_succeeded"
	ReasonMaxAttempts           Reason = "max_attempts_reached"
	ReasonIntentNotFound        Reason = "payment_intent_not_found"
	ReasonRequiresPaymentMethod Reason = "requires_payment_method"
	ReasonConfirmationFailed    Reason = "confirmation_failed"
	ReasonRequiresAction        Reason = "requires_action"
	ReasonStillProcessing       Reason = "still_processing"
	ReasonPaymentCanceled       Reason = "payment_canceled"
	ReasonCaptureError          Reason = "capture_error"
	ReasonManualCapture         Reason = "requires_manual_capture"
	ReasonUnknownStatus         Reason = "unknown_status"
	ReasonCircuitOpen           Reason = "circuit_breaker_open"
	ReasonRecoveryError         Reason = "recovery_error"
)

// User action hints accompanying non-retryable outcomes.
const (
	ActionRetryPayment     = "retry_payment"
	ActionCompleteAuth     = "complete_authentication"
	ActionAwaitAdminReview = "await_admin_review"
)

// Result is the structured outcome of one recovery attempt. Outcomes are
// values, never exceptions; unexpected infrastructure errors are folded
// into a recovery_error result at the engine boundary.
type Result struct {
	Success            bool            `json:"success"`
	Reason             Reason          `json:"reason"`
	UserAction         string          `json:"user_action,omitempty"`
	NextAction         json.RawMessage `json:"next_action,omitempty"`
	NextCheckInSeconds int             `json:"next_check_in_seconds,omitempty"`
	Error              string          `json:"error,omitempty"`
}

func failure(reason Reason) *Result {
	return &Result{Success: false, Reason: reason}
}
