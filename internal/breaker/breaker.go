// Package breaker implements the circuit breaker protecting repeated
// calls to the payment gateway.
package breaker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/permithq/payment-reconciler/internal/logger"
	"github.com/permithq/payment-reconciler/internal/metrics"
)

// ErrOpen is returned when the circuit is open and the call was not
// attempted.
var ErrOpen = errors.New("circuit breaker open")

// State represents the breaker state.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// Config holds the breaker tuning knobs. IsFailure decides whether an
// error counts against the breaker; expected business outcomes (intent
// not found, attempt cap reached) must be excluded by the caller's
// predicate so they never open the circuit.
type Config struct {
	Name                     string
	FailureThreshold         int
	ResetTimeout             time.Duration
	HalfOpenSuccessThreshold int
	IsFailure                func(error) bool
}

// Breaker tracks consecutive qualifying failures and short-circuits calls
// once the threshold is reached. State is per-process and in-memory;
// cross-process safety for gateway mutations comes from idempotency, not
// from the breaker.
type Breaker struct {
	mu sync.Mutex

	cfg    Config
	log    *logger.Logger
	now    func() time.Time

	state               State
	consecutiveFailures int
	lastFailureTime     time.Time
	halfOpenSuccesses   int
}

// New creates a breaker. A nil IsFailure counts every error.
func New(cfg Config, log *logger.Logger) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 30 * time.Second
	}
	if cfg.HalfOpenSuccessThreshold <= 0 {
		cfg.HalfOpenSuccessThreshold = 2
	}
	if cfg.IsFailure == nil {
		cfg.IsFailure = func(err error) bool { return err != nil }
	}
	return &Breaker{
		cfg:   cfg,
		log:   log,
		now:   time.Now,
		state: StateClosed,
	}
}

// Execute runs op unless the circuit is open, in which case it returns
// ErrOpen without invoking op. Blocking calls during open state is a form
// of cooperative cancellation; in-flight calls are never interrupted.
func (b *Breaker) Execute(ctx context.Context, op func(ctx context.Context) error) error {
	if !b.allow() {
		return ErrOpen
	}

	err := op(ctx)
	b.record(err)
	return err
}

// State returns the current breaker state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *Breaker) allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed, StateHalfOpen:
		return true
	case StateOpen:
		if b.now().Sub(b.lastFailureTime) >= b.cfg.ResetTimeout {
			b.transitionTo(StateHalfOpen)
			return true
		}
		return false
	default:
		return true
	}
}

func (b *Breaker) record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err != nil && b.cfg.IsFailure(err) {
		b.onFailure()
		return
	}
	b.onSuccess()
}

// onFailure must be called with b.mu held.
func (b *Breaker) onFailure() {
	b.lastFailureTime = b.now()

	switch b.state {
	case StateClosed:
		b.consecutiveFailures++
		if b.consecutiveFailures >= b.cfg.FailureThreshold {
			b.transitionTo(StateOpen)
		}
	case StateHalfOpen:
		// Any qualifying failure while probing reopens immediately.
		b.transitionTo(StateOpen)
	}
}

// onSuccess must be called with b.mu held.
func (b *Breaker) onSuccess() {
	switch b.state {
	case StateClosed:
		b.consecutiveFailures = 0
	case StateHalfOpen:
		b.halfOpenSuccesses++
		if b.halfOpenSuccesses >= b.cfg.HalfOpenSuccessThreshold {
			b.transitionTo(StateClosed)
		}
	}
}

// transitionTo changes state, logging and counting the transition. Must
// be called with b.mu held.
func (b *Breaker) transitionTo(newState State) {
	if b.state == newState {
		return
	}

	from := b.state
	b.state = newState

	metrics.BreakerStateChanges.WithLabelValues(b.cfg.Name, from.String(), newState.String()).Inc()
	if b.log != nil {
		b.log.Info("circuit breaker state change",
			"breaker", b.cfg.Name,
			"from", from.String(),
			"to", newState.String(),
		)
	}

	switch newState {
	case StateClosed:
		b.consecutiveFailures = 0
		b.halfOpenSuccesses = 0
	case StateOpen:
		b.consecutiveFailures = 0
		b.halfOpenSuccesses = 0
	case StateHalfOpen:
		b.halfOpenSuccesses = 0
	}
}
