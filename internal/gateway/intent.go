package gateway

import (
	"encoding/json"
	"time"
)

// IntentStatus is the payment gateway's status lifecycle for a payment
// intent. The engine switches exhaustively on these values; an
// unrecognized status falls through to the unknown handler.
type IntentStatus string

const (
	StatusSucceeded            IntentStatus = "succeeded"
	StatusRequiresPaymentMethod IntentStatus = "requires_payment_method"
	StatusRequiresConfirmation IntentStatus = "requires_confirmation"
	StatusRequiresAction       IntentStatus = "requires_action"
	StatusProcessing           IntentStatus = "processing"
	StatusCanceled             IntentStatus = "canceled"
	StatusRequiresCapture      IntentStatus = "requires_capture"
)

// Known reports whether the status is part of the recognized lifecycle.
func (s IntentStatus) Known() bool {
	switch s {
	case StatusSucceeded, StatusRequiresPaymentMethod, StatusRequiresConfirmation,
		StatusRequiresAction, StatusProcessing, StatusCanceled, StatusRequiresCapture:
		return true
	}
	return false
}

// PaymentIntent is the gateway's representation of a single payment
// attempt.
type PaymentIntent struct {
	ID               string          `json:"id"`
	Status           IntentStatus    `json:"status"`
	Amount           int64           `json:"amount"`
	Currency         string          `json:"currency"`
	LastPaymentError *PaymentError   `json:"last_payment_error,omitempty"`
	NextAction       json.RawMessage `json:"next_action,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
}

// PaymentError is the gateway's error detail attached to an intent.
type PaymentError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
