package recovery

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/permithq/payment-reconciler/internal/alerts"
	"github.com/permithq/payment-reconciler/internal/config"
	"github.com/permithq/payment-reconciler/internal/logger"
	"github.com/permithq/payment-reconciler/internal/metrics"
	"github.com/permithq/payment-reconciler/internal/store"
	"github.com/permithq/payment-reconciler/internal/ws"
)

// CandidateSource lists payments the scheduler should drive through the
// engine. Stuck payments come from applications, stale recoveries from the
// attempt ledger.
type CandidateSource interface {
	ListStuckPayments(ctx context.Context, olderThan time.Duration, limit int) ([]store.StuckPayment, error)
	ListStaleRecovering(ctx context.Context, olderThan time.Duration, limit int) ([]store.RecoveryAttempt, error)
}

// Recoverer is the engine surface the scheduler needs.
type Recoverer interface {
	Recover(ctx context.Context, applicationID, paymentIntentID string) (*Result, error)
}

// Broadcaster pushes run summaries to connected dashboard clients.
type Broadcaster interface {
	BroadcastEvent(msgType, event string, data interface{}) error
}

// RunResult summarizes one reconciliation sweep.
type RunResult struct {
	Processed int           `json:"processed"`
	Succeeded int           `json:"succeeded"`
	Failed    int           `json:"failed"`
	Duration  time.Duration `json:"duration"`
}

// SchedulerStatus is the ops-facing status snapshot.
type SchedulerStatus struct {
	Running       bool       `json:"running"`
	Enabled       bool       `json:"enabled"`
	LastRun       *time.Time `json:"last_run,omitempty"`
	NextRun       *time.Time `json:"next_run,omitempty"`
	ProcessedLast int        `json:"processed_last"`
	Interval      string     `json:"interval"`
}

// Scheduler periodically sweeps stuck and stale payments through the
// recovery engine.
type Scheduler struct {
	source        CandidateSource
	engine        Recoverer
	cfg           *config.Config
	hub           Broadcaster
	alerts        Notifier
	log           *logger.Logger
	running       bool
	stopCh        chan struct{}
	wg            sync.WaitGroup
	mu            sync.RWMutex
	lastRun       *time.Time
	nextRun       *time.Time
	processedLast int
	lastResult    *RunResult
}

func NewScheduler(source CandidateSource, engine Recoverer, cfg *config.Config, hub Broadcaster, notifier Notifier, log *logger.Logger) *Scheduler {
	return &Scheduler{
		source: source,
		engine: engine,
		cfg:    cfg,
		hub:    hub,
		alerts: notifier,
		log:    log,
	}
}

// Start begins the background sweep loop. A stopped scheduler can be
// started again; each Start gets a fresh stop channel.
func (s *Scheduler) Start() {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.stopCh = make(chan struct{})
	stopCh := s.stopCh
	s.mu.Unlock()

	s.log.Info("starting scheduler",
		"interval", s.cfg.SchedulerInterval.String(),
		"batch_size", s.cfg.BatchSize,
		"enabled", s.cfg.SchedulerEnabled,
	)

	s.wg.Add(1)
	go s.run(stopCh)
}

// Stop waits for any in-flight sweep to finish before returning.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	stopCh := s.stopCh
	s.mu.Unlock()

	s.log.Info("stopping scheduler, waiting for current sweep to complete")
	close(stopCh)
	s.wg.Wait()
	s.log.Info("scheduler stopped")
}

func (s *Scheduler) run(stopCh <-chan struct{}) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.SchedulerInterval)
	defer ticker.Stop()

	next := time.Now().Add(s.cfg.SchedulerInterval)
	s.mu.Lock()
	s.nextRun = &next
	s.mu.Unlock()

	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			if s.cfg.SchedulerEnabled {
				s.tick()
			}

			next := time.Now().Add(s.cfg.SchedulerInterval)
			s.mu.Lock()
			s.nextRun = &next
			s.mu.Unlock()
		}
	}
}

func (s *Scheduler) tick() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	if _, err := s.RunOnce(ctx); err != nil {
		s.log.Error("scheduled sweep failed", "error", err)
	}
}

// RunOnce performs a single reconciliation sweep. Stuck payments are
// checked first, then recoveries whose last attempt has gone stale.
func (s *Scheduler) RunOnce(ctx context.Context) (*RunResult, error) {
	start := time.Now()
	s.mu.Lock()
	s.lastRun = &start
	s.mu.Unlock()

	result := &RunResult{}

	stuck, err := s.source.ListStuckPayments(ctx, s.cfg.StuckThreshold, s.cfg.BatchSize)
	if err != nil {
		return s.finishRun(result, start, fmt.Errorf("listing stuck payments: %w", err))
	}
	s.log.Info("sweep found stuck payments", "count", len(stuck))
	for _, p := range stuck {
		if err := s.recoverOne(ctx, p.ApplicationID, p.PaymentIntentID, "stuck", result); err != nil {
			return s.finishRun(result, start, err)
		}
	}

	stale, err := s.source.ListStaleRecovering(ctx, s.cfg.StaleThreshold, s.cfg.BatchSize)
	if err != nil {
		return s.finishRun(result, start, fmt.Errorf("listing stale recoveries: %w", err))
	}
	s.log.Info("sweep found stale recoveries", "count", len(stale))
	for _, a := range stale {
		if err := s.recoverOne(ctx, a.ApplicationID, a.PaymentIntentID, "stale", result); err != nil {
			return s.finishRun(result, start, err)
		}
	}

	return s.finishRun(result, start, nil)
}

// recoverOne drives a single candidate through the engine and paces the
// next gateway call. Engine outcomes never abort the sweep; only a
// cancelled context does.
func (s *Scheduler) recoverOne(ctx context.Context, applicationID, paymentIntentID, source string, result *RunResult) error {
	res, err := s.engine.Recover(ctx, applicationID, paymentIntentID)
	result.Processed++
	metrics.SchedulerProcessed.WithLabelValues(source).Inc()

	if err == nil && res.Success {
		result.Succeeded++
	} else {
		result.Failed++
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(s.cfg.PacingDelay):
		return nil
	}
}

func (s *Scheduler) finishRun(result *RunResult, start time.Time, runErr error) (*RunResult, error) {
	result.Duration = time.Since(start)

	s.mu.Lock()
	s.processedLast = result.Processed
	s.lastResult = result
	s.mu.Unlock()

	data := ws.SchedulerData{
		Processed: result.Processed,
		Succeeded: result.Succeeded,
		Failed:    result.Failed,
		Duration:  result.Duration.String(),
	}

	if runErr != nil {
		metrics.SchedulerRunsTotal.WithLabelValues("error").Inc()
		data.Error = runErr.Error()
		if s.hub != nil {
			s.hub.BroadcastEvent(ws.TypeScheduler, ws.EventRunFailed, data)
		}
		s.alerts.SendAsync(alerts.Alert{
			Title:    "Reconciliation sweep failed",
			Message:  fmt.Sprintf("sweep aborted after %d payments: %v", result.Processed, runErr),
			Severity: alerts.SeverityCritical,
			Details: map[string]interface{}{
				"processed": result.Processed,
				"error":     runErr.Error(),
			},
		})
		return result, runErr
	}

	metrics.SchedulerRunsTotal.WithLabelValues("ok").Inc()
	if s.hub != nil {
		s.hub.BroadcastEvent(ws.TypeScheduler, ws.EventRunCompleted, data)
	}
	s.log.Info("sweep completed",
		"processed", result.Processed,
		"succeeded", result.Succeeded,
		"failed", result.Failed,
		"duration", result.Duration.String(),
	)
	return result, nil
}

// Status returns the current scheduler status for the ops endpoint.
func (s *Scheduler) Status() *SchedulerStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return &SchedulerStatus{
		Running:       s.running,
		Enabled:       s.cfg.SchedulerEnabled,
		LastRun:       s.lastRun,
		NextRun:       s.nextRun,
		ProcessedLast: s.processedLast,
		Interval:      s.cfg.SchedulerInterval.String(),
	}
}

// IsRunning reports whether the background loop is active.
func (s *Scheduler) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

// TriggerManual runs one sweep outside the ticker, for the ops endpoint.
func (s *Scheduler) TriggerManual(ctx context.Context) (*RunResult, error) {
	s.log.Info("manual sweep triggered")
	return s.RunOnce(ctx)
}

// LastResult returns the most recent sweep summary, or nil before the
// first run.
func (s *Scheduler) LastResult() *RunResult {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastResult
}
