// Package velocity enforces payment attempt rate limits per identity
// dimension and scores fraud risk. Counters live in the shared Redis so
// limits hold across server instances.
package velocity

import (
	"context"
	"fmt"
	"time"

	"github.com/permithq/payment-reconciler/internal/alerts"
	"github.com/permithq/payment-reconciler/internal/config"
	"github.com/permithq/payment-reconciler/internal/logger"
	"github.com/permithq/payment-reconciler/internal/metrics"
)

// Window durations. Fixed windows: the expiry is stamped on the first
// increment and never extended within the window.
const (
	windowHourly  = time.Hour
	windowDaily   = 24 * time.Hour
	windowMonthly = 30 * 24 * time.Hour
)

// CounterStore is the atomic counter backend. The shared Redis client
// satisfies it.
type CounterStore interface {
	IncrWindow(ctx context.Context, key string, window time.Duration) (int64, error)
	AddToWindowSet(ctx context.Context, key, member string, window time.Duration) (int64, error)
}

// Notifier receives fire-and-forget alerts for high-severity violations.
type Notifier interface {
	SendAsync(alert alerts.Alert)
}

// PaymentContext describes one payment attempt to be checked.
type PaymentContext struct {
	UserID          string `json:"user_id,omitempty"`
	IP              string `json:"ip,omitempty"`
	CardFingerprint string `json:"card_fingerprint,omitempty"`
	Email           string `json:"email,omitempty"`
	AmountCents     int64  `json:"amount_cents"`
}

// Limiter checks payment attempts against the configured limits.
type Limiter struct {
	counters CounterStore
	limits   *config.VelocityLimits
	notifier Notifier
	log      *logger.Logger
}

// NewLimiter creates a velocity limiter.
func NewLimiter(counters CounterStore, limits *config.VelocityLimits, notifier Notifier, log *logger.Logger) *Limiter {
	if limits == nil {
		limits = config.DefaultVelocityLimits()
	}
	return &Limiter{
		counters: counters,
		limits:   limits,
		notifier: notifier,
		log:      log,
	}
}

// Check evaluates every dimension for which an identifier is present and
// returns the combined decision. The limiter never blocks silently:
// every violation is returned, logged and counted, and high-severity
// violations raise an async alert.
func (l *Limiter) Check(ctx context.Context, pc PaymentContext) (*CheckResult, error) {
	var violations []Violation

	highValue := l.limits.HighValue.ThresholdCents > 0 && pc.AmountCents >= l.limits.HighValue.ThresholdCents

	if pc.UserID != "" {
		violations = append(violations, l.checkDimension(ctx, "user", pc.UserID, []limitCheck{
			{CodeUserHourly, "hourly", windowHourly, l.limits.User.Hourly},
			{CodeUserDaily, "daily", windowDaily, l.limits.User.Daily},
			{CodeUserMonthly, "monthly", windowMonthly, l.limits.User.Monthly},
		})...)

		if highValue {
			violations = append(violations, l.checkHighValue(ctx, pc.UserID)...)
		}

		violations = append(violations, l.checkPatterns(ctx, pc)...)
	}

	if pc.IP != "" {
		violations = append(violations, l.checkDimension(ctx, "ip", pc.IP, []limitCheck{
			{CodeIPHourly, "hourly", windowHourly, l.limits.IP.Hourly},
			{CodeIPDaily, "daily", windowDaily, l.limits.IP.Daily},
		})...)
	}

	if pc.CardFingerprint != "" {
		violations = append(violations, l.checkDimension(ctx, "card", pc.CardFingerprint, []limitCheck{
			{CodeCardHourly, "hourly", windowHourly, l.limits.Card.Hourly},
			{CodeCardDaily, "daily", windowDaily, l.limits.Card.Daily},
		})...)
	}

	if pc.Email != "" {
		violations = append(violations, l.checkDimension(ctx, "email", pc.Email, []limitCheck{
			{CodeEmailHourly, "hourly", windowHourly, l.limits.Email.Hourly},
			{CodeEmailDaily, "daily", windowDaily, l.limits.Email.Daily},
		})...)
	}

	for _, v := range violations {
		metrics.VelocityViolationsTotal.WithLabelValues(v.Dimension, string(v.Severity)).Inc()
		if l.log != nil {
			l.log.Warn("velocity violation",
				"code", v.Code,
				"dimension", v.Dimension,
				"window", v.Window,
				"count", v.Count,
				"limit", v.Limit,
			)
		}
		if v.Severity == SeverityHigh && l.notifier != nil {
			l.notifier.SendAsync(alerts.Alert{
				Title:    "Velocity violation: " + v.Code,
				Message:  v.Message,
				Severity: alerts.SeverityHigh,
				Details: map[string]interface{}{
					"dimension": v.Dimension,
					"window":    v.Window,
					"count":     v.Count,
					"limit":     v.Limit,
					"user_id":   pc.UserID,
				},
			})
		}
	}

	return &CheckResult{
		Allowed:    len(violations) == 0,
		Violations: violations,
		RiskScore:  RiskScore(violations),
	}, nil
}

type limitCheck struct {
	code   string
	window string
	dur    time.Duration
	limit  int
}

func (l *Limiter) checkDimension(ctx context.Context, dimension, id string, checks []limitCheck) []Violation {
	var violations []Violation
	for _, c := range checks {
		if c.limit <= 0 {
			continue
		}
		key := counterKey(dimension, id, c.window)
		count, err := l.counters.IncrWindow(ctx, key, c.dur)
		if err != nil {
			// A degraded counter store fails open: the payment decision
			// must not hinge on Redis availability.
			if l.log != nil {
				l.log.Error("velocity counter unavailable", "key", key, "error", err)
			}
			continue
		}
		if count > int64(c.limit) {
			violations = append(violations, Violation{
				Code:      c.code,
				Dimension: dimension,
				Window:    c.window,
				Severity:  SeverityMedium,
				Limit:     c.limit,
				Count:     count,
				Message:   fmt.Sprintf("%s %s limit exceeded: %d > %d", dimension, c.window, count, c.limit),
			})
		}
	}
	return violations
}

func (l *Limiter) checkHighValue(ctx context.Context, userID string) []Violation {
	var violations []Violation
	checks := []limitCheck{
		{CodeHighValueHourly, "hourly", windowHourly, l.limits.HighValue.Hourly},
		{CodeHighValueDaily, "daily", windowDaily, l.limits.HighValue.Daily},
	}
	for _, c := range checks {
		if c.limit <= 0 {
			continue
		}
		key := counterKey("high_value", userID, c.window)
		count, err := l.counters.IncrWindow(ctx, key, c.dur)
		if err != nil {
			if l.log != nil {
				l.log.Error("velocity counter unavailable", "key", key, "error", err)
			}
			continue
		}
		if count > int64(c.limit) {
			violations = append(violations, Violation{
				Code:      c.code,
				Dimension: "high_value",
				Window:    c.window,
				Severity:  SeverityHigh,
				Limit:     c.limit,
				Count:     count,
				Message:   fmt.Sprintf("high-value %s limit exceeded: %d > %d", c.window, count, c.limit),
			})
		}
	}
	return violations
}

// checkPatterns runs the suspicious-pattern detectors. Both are keyed by
// user and only evaluated when a user id is present.
func (l *Limiter) checkPatterns(ctx context.Context, pc PaymentContext) []Violation {
	var violations []Violation

	rf := l.limits.RapidFire
	if rf.Threshold > 0 {
		window := time.Duration(rf.WindowSeconds) * time.Second
		key := counterKey("rapid_fire", pc.UserID, "burst")
		count, err := l.counters.IncrWindow(ctx, key, window)
		if err != nil {
			if l.log != nil {
				l.log.Error("velocity counter unavailable", "key", key, "error", err)
			}
		} else if count >= int64(rf.Threshold) {
			violations = append(violations, Violation{
				Code:      CodeRapidFire,
				Dimension: "user",
				Window:    fmt.Sprintf("%ds", rf.WindowSeconds),
				Severity:  SeverityHigh,
				Limit:     rf.Threshold,
				Count:     count,
				Message:   fmt.Sprintf("%d payment attempts within %ds", count, rf.WindowSeconds),
			})
		}
	}

	mc := l.limits.MultiCard
	if mc.Threshold > 0 && pc.CardFingerprint != "" {
		window := time.Duration(mc.WindowSeconds) * time.Second
		key := counterKey("user_cards", pc.UserID, "distinct")
		distinct, err := l.counters.AddToWindowSet(ctx, key, pc.CardFingerprint, window)
		if err != nil {
			if l.log != nil {
				l.log.Error("velocity counter unavailable", "key", key, "error", err)
			}
		} else if distinct >= int64(mc.Threshold) {
			violations = append(violations, Violation{
				Code:      CodeMultipleCards,
				Dimension: "user",
				Window:    fmt.Sprintf("%ds", mc.WindowSeconds),
				Severity:  SeverityHigh,
				Limit:     mc.Threshold,
				Count:     distinct,
				Message:   fmt.Sprintf("%d distinct cards used within %ds", distinct, mc.WindowSeconds),
			})
		}
	}

	return violations
}

func counterKey(dimension, id, window string) string {
	return fmt.Sprintf("velocity:%s:%s:%s", dimension, id, window)
}
