package recovery

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/permithq/payment-reconciler/internal/alerts"
	"github.com/permithq/payment-reconciler/internal/breaker"
	"github.com/permithq/payment-reconciler/internal/gateway"
	"github.com/permithq/payment-reconciler/internal/idempotency"
	"github.com/permithq/payment-reconciler/internal/logger"
	"github.com/permithq/payment-reconciler/internal/metrics"
	"github.com/permithq/payment-reconciler/internal/store"
)

// Interfaces the engine depends on. The concrete implementations live in
// gateway, store, idempotency and alerts; tests swap in fakes.
type (
	GatewayAPI interface {
		Retrieve(ctx context.Context, intentID string) (*gateway.PaymentIntent, error)
		Confirm(ctx context.Context, intentID string) (*gateway.PaymentIntent, error)
		Capture(ctx context.Context, intentID string) (*gateway.PaymentIntent, error)
	}

	AttemptStore interface {
		IncrementAttempt(ctx context.Context, applicationID, paymentIntentID string) (*store.RecoveryAttempt, error)
		MarkOutcome(ctx context.Context, applicationID, paymentIntentID, status, lastError string) error
	}

	ApplicationStore interface {
		Get(ctx context.Context, id string) (*store.Application, error)
		SetPaymentStatus(ctx context.Context, id, paymentStatus string) error
		SetPaymentState(ctx context.Context, id, status, paymentStatus string) error
	}

	ResultCache interface {
		GetOrCompute(ctx context.Context, key string, ttl time.Duration, dest interface{}, compute func(ctx context.Context) (interface{}, error)) (bool, error)
	}

	Guard interface {
		Execute(ctx context.Context, op func(ctx context.Context) error) error
	}

	Notifier interface {
		SendAsync(alert alerts.Alert)
	}
)

// Application statuses eligible for automatic capture. Anything earlier in
// the lifecycle holds the funds and routes to manual review instead.
var autoCapturable = map[string]bool{
	store.AppStatusApproved:          true,
	store.AppStatusPaymentProcessing: true,
	store.AppStatusPaymentReceived:   true,
}

// Recheck delays in seconds for intents still processing at the gateway,
// indexed by attempt number. Later attempts wait longer.
var processingBackoff = []int{30, 60, 120}

// Engine drives payment state reconciliation against the gateway. One call
// to Recover performs a single bounded attempt for one application.
type Engine struct {
	gateway  GatewayAPI
	attempts AttemptStore
	apps     ApplicationStore
	cache    ResultCache
	guard    Guard
	alerts   Notifier
	log      *logger.Logger
	idemTTL  time.Duration
}

func NewEngine(gw GatewayAPI, attempts AttemptStore, apps ApplicationStore, cache ResultCache, guard Guard, notifier Notifier, idemTTL time.Duration, log *logger.Logger) *Engine {
	return &Engine{
		gateway:  gw,
		attempts: attempts,
		apps:     apps,
		cache:    cache,
		guard:    guard,
		alerts:   notifier,
		log:      log,
		idemTTL:  idemTTL,
	}
}

// Recover reconciles one payment intent with local application state.
// Duplicate requests within the idempotency window return the recorded
// result without touching the gateway again.
func (e *Engine) Recover(ctx context.Context, applicationID, paymentIntentID string) (*Result, error) {
	start := time.Now()

	key := idempotency.Key(applicationID, paymentIntentID)
	var res Result
	hit, err := e.cache.GetOrCompute(ctx, key, e.idemTTL, &res, func(ctx context.Context) (interface{}, error) {
		return e.attempt(ctx, applicationID, paymentIntentID), nil
	})
	if err != nil {
		e.log.Error("recovery failed", "application_id", applicationID, "error", err)
		return failure(ReasonRecoveryError), err
	}

	metrics.RecoveryAttemptsTotal.WithLabelValues(string(res.Reason)).Inc()
	metrics.RecoveryDuration.Observe(time.Since(start).Seconds())
	e.log.Info("recovery finished",
		"application_id", applicationID,
		"payment_intent_id", paymentIntentID,
		"reason", string(res.Reason),
		"success", res.Success,
		"cached", hit,
	)
	return &res, nil
}

// attempt runs the full state machine for one recovery attempt. Outcomes
// come back as results, never as errors, so they are always cacheable.
func (e *Engine) attempt(ctx context.Context, applicationID, paymentIntentID string) *Result {
	att, err := e.attempts.IncrementAttempt(ctx, applicationID, paymentIntentID)
	switch {
	case errors.Is(err, store.ErrAlreadySucceeded):
		return &Result{Success: true, Reason: ReasonPaymentSucceeded}
	case errors.Is(err, store.ErrMaxAttempts):
		if merr := e.attempts.MarkOutcome(ctx, applicationID, paymentIntentID, store.AttemptStatusMaxReached, "attempt limit reached"); merr != nil {
			e.log.Error("failed to record attempt cap", "application_id", applicationID, "error", merr)
		}
		r := failure(ReasonMaxAttempts)
		r.UserAction = ActionAwaitAdminReview
		return r
	case err != nil:
		e.log.Error("failed to increment attempt", "application_id", applicationID, "error", err)
		r := failure(ReasonRecoveryError)
		r.Error = err.Error()
		return r
	}

	intent, err := e.callGateway(ctx, func(ctx context.Context) (*gateway.PaymentIntent, error) {
		return e.gateway.Retrieve(ctx, paymentIntentID)
	})
	switch {
	case errors.Is(err, breaker.ErrOpen):
		e.markAttempt(ctx, applicationID, paymentIntentID, store.AttemptStatusRecovering, "gateway circuit open")
		return failure(ReasonCircuitOpen)
	case errors.Is(err, gateway.ErrIntentNotFound):
		if serr := e.apps.SetPaymentStatus(ctx, applicationID, store.PaymentStatusFailed); serr != nil {
			e.log.Error("failed to mark payment failed", "application_id", applicationID, "error", serr)
		}
		e.markAttempt(ctx, applicationID, paymentIntentID, store.AttemptStatusFailed, "payment intent not found")
		r := failure(ReasonIntentNotFound)
		r.UserAction = ActionRetryPayment
		return r
	case err != nil:
		e.markAttempt(ctx, applicationID, paymentIntentID, store.AttemptStatusRecovering, err.Error())
		r := failure(ReasonRecoveryError)
		r.Error = err.Error()
		return r
	}

	res := e.handleStatus(ctx, applicationID, paymentIntentID, intent, att.AttemptCount)

	// Still-processing intents stay in the recovering state for the
	// scheduler to pick up again; everything else gets a terminal mark.
	if res.Reason != ReasonStillProcessing {
		status := store.AttemptStatusFailed
		if res.Success {
			status = store.AttemptStatusSucceeded
		}
		e.markAttempt(ctx, applicationID, paymentIntentID, status, res.Error)
	}
	return res
}

func (e *Engine) handleStatus(ctx context.Context, applicationID, paymentIntentID string, intent *gateway.PaymentIntent, attemptCount int) *Result {
	switch intent.Status {
	case gateway.StatusSucceeded:
		if err := e.apps.SetPaymentState(ctx, applicationID, store.AppStatusPaymentReceived, store.PaymentStatusSucceeded); err != nil {
			e.log.Error("failed to record succeeded payment", "application_id", applicationID, "error", err)
			r := failure(ReasonRecoveryError)
			r.Error = err.Error()
			return r
		}
		return &Result{Success: true, Reason: ReasonPaymentSucceeded}

	case gateway.StatusRequiresPaymentMethod:
		e.setPaymentStatus(ctx, applicationID, store.PaymentStatusFailed)
		r := failure(ReasonRequiresPaymentMethod)
		r.UserAction = ActionRetryPayment
		if intent.LastPaymentError != nil {
			r.Error = intent.LastPaymentError.Message
		}
		return r

	case gateway.StatusRequiresConfirmation:
		confirmed, err := e.callGateway(ctx, func(ctx context.Context) (*gateway.PaymentIntent, error) {
			return e.gateway.Confirm(ctx, paymentIntentID)
		})
		if errors.Is(err, breaker.ErrOpen) {
			return failure(ReasonCircuitOpen)
		}
		if err != nil || confirmed.Status != gateway.StatusSucceeded {
			e.setPaymentStatus(ctx, applicationID, store.PaymentStatusFailed)
			r := failure(ReasonConfirmationFailed)
			r.UserAction = ActionRetryPayment
			if err != nil {
				r.Error = err.Error()
			}
			return r
		}
		return e.handleStatus(ctx, applicationID, paymentIntentID, confirmed, attemptCount)

	case gateway.StatusRequiresAction:
		e.setPaymentStatus(ctx, applicationID, store.PaymentStatusRequiresAction)
		r := failure(ReasonRequiresAction)
		r.UserAction = ActionCompleteAuth
		r.NextAction = intent.NextAction
		return r

	case gateway.StatusProcessing:
		e.setPaymentStatus(ctx, applicationID, store.PaymentStatusProcessing)
		r := failure(ReasonStillProcessing)
		r.NextCheckInSeconds = backoffFor(attemptCount)
		return r

	case gateway.StatusCanceled:
		e.setPaymentStatus(ctx, applicationID, store.PaymentStatusCancelled)
		r := failure(ReasonPaymentCanceled)
		r.UserAction = ActionRetryPayment
		return r

	case gateway.StatusRequiresCapture:
		return e.handleCapture(ctx, applicationID, paymentIntentID, attemptCount)

	default:
		e.log.Warn("unknown gateway status",
			"application_id", applicationID,
			"payment_intent_id", paymentIntentID,
			"status", string(intent.Status),
		)
		r := failure(ReasonUnknownStatus)
		r.Error = fmt.Sprintf("unhandled gateway status %q", intent.Status)
		return r
	}
}

// handleCapture settles an authorized intent. Capture is only automatic for
// applications far enough along in the review lifecycle; earlier statuses
// hold the authorization for an operator to release.
func (e *Engine) handleCapture(ctx context.Context, applicationID, paymentIntentID string, attemptCount int) *Result {
	app, err := e.apps.Get(ctx, applicationID)
	if err != nil {
		e.log.Error("failed to load application", "application_id", applicationID, "error", err)
		r := failure(ReasonRecoveryError)
		r.Error = err.Error()
		return r
	}

	if !autoCapturable[app.Status] {
		e.setPaymentStatus(ctx, applicationID, store.PaymentStatusProcessing)
		e.alerts.SendAsync(alerts.Alert{
			Title:    "Payment awaiting manual capture",
			Message:  fmt.Sprintf("application %s has an authorized payment but status %q blocks automatic capture", applicationID, app.Status),
			Severity: alerts.SeverityMedium,
			Details: map[string]interface{}{
				"application_id":     applicationID,
				"payment_intent_id":  paymentIntentID,
				"application_status": app.Status,
			},
		})
		r := failure(ReasonManualCapture)
		r.UserAction = ActionAwaitAdminReview
		return r
	}

	captured, err := e.callGateway(ctx, func(ctx context.Context) (*gateway.PaymentIntent, error) {
		return e.gateway.Capture(ctx, paymentIntentID)
	})
	if errors.Is(err, breaker.ErrOpen) {
		return failure(ReasonCircuitOpen)
	}
	if err != nil {
		e.alerts.SendAsync(alerts.Alert{
			Title:    "Payment capture failed",
			Message:  fmt.Sprintf("capture of %s for application %s failed: %v", paymentIntentID, applicationID, err),
			Severity: alerts.SeverityHigh,
			Details: map[string]interface{}{
				"application_id":    applicationID,
				"payment_intent_id": paymentIntentID,
				"error":             err.Error(),
			},
		})
		r := failure(ReasonCaptureError)
		r.Error = err.Error()
		return r
	}
	return e.handleStatus(ctx, applicationID, paymentIntentID, captured, attemptCount)
}

// callGateway routes a gateway call through the circuit breaker.
func (e *Engine) callGateway(ctx context.Context, op func(ctx context.Context) (*gateway.PaymentIntent, error)) (*gateway.PaymentIntent, error) {
	var intent *gateway.PaymentIntent
	err := e.guard.Execute(ctx, func(ctx context.Context) error {
		pi, opErr := op(ctx)
		if opErr != nil {
			return opErr
		}
		intent = pi
		return nil
	})
	if err != nil {
		return nil, err
	}
	return intent, nil
}

func (e *Engine) markAttempt(ctx context.Context, applicationID, paymentIntentID, status, lastError string) {
	if err := e.attempts.MarkOutcome(ctx, applicationID, paymentIntentID, status, lastError); err != nil {
		e.log.Error("failed to record attempt outcome", "application_id", applicationID, "status", status, "error", err)
	}
}

func (e *Engine) setPaymentStatus(ctx context.Context, applicationID, paymentStatus string) {
	if err := e.apps.SetPaymentStatus(ctx, applicationID, paymentStatus); err != nil {
		e.log.Error("failed to update payment status", "application_id", applicationID, "payment_status", paymentStatus, "error", err)
	}
}

func backoffFor(attemptCount int) int {
	idx := attemptCount - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(processingBackoff) {
		idx = len(processingBackoff) - 1
	}
	return processingBackoff[idx]
}
