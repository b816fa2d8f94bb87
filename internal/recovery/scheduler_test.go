package recovery

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/permithq/payment-reconciler/internal/alerts"
	"github.com/permithq/payment-reconciler/internal/config"
	"github.com/permithq/payment-reconciler/internal/logger"
	"github.com/permithq/payment-reconciler/internal/store"
)

type fakeSource struct {
	stuck    []store.StuckPayment
	stale    []store.RecoveryAttempt
	stuckErr error
	staleErr error
}

func (f *fakeSource) ListStuckPayments(ctx context.Context, olderThan time.Duration, limit int) ([]store.StuckPayment, error) {
	if f.stuckErr != nil {
		return nil, f.stuckErr
	}
	if limit < len(f.stuck) {
		return f.stuck[:limit], nil
	}
	return f.stuck, nil
}

func (f *fakeSource) ListStaleRecovering(ctx context.Context, olderThan time.Duration, limit int) ([]store.RecoveryAttempt, error) {
	if f.staleErr != nil {
		return nil, f.staleErr
	}
	return f.stale, nil
}

type fakeRecoverer struct {
	mu      sync.Mutex
	calls   []string
	results map[string]*Result
}

func (f *fakeRecoverer) Recover(ctx context.Context, applicationID, paymentIntentID string) (*Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, applicationID)
	if res, ok := f.results[applicationID]; ok {
		return res, nil
	}
	return &Result{Success: true, Reason: ReasonPaymentSucceeded}, nil
}

func (f *fakeRecoverer) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type fakeHub struct {
	mu     sync.Mutex
	events []string
}

func (f *fakeHub) BroadcastEvent(msgType, event string, data interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, msgType+"/"+event)
	return nil
}

func schedulerConfig() *config.Config {
	return &config.Config{
		SchedulerInterval: 50 * time.Millisecond,
		SchedulerEnabled:  true,
		BatchSize:         50,
		StuckThreshold:    time.Hour,
		StaleThreshold:    30 * time.Minute,
		PacingDelay:       time.Millisecond,
	}
}

func TestRunOnce_SweepsStuckThenStale(t *testing.T) {
	source := &fakeSource{
		stuck: []store.StuckPayment{
			{ApplicationID: "app-1", PaymentIntentID: "pi_1"},
			{ApplicationID: "app-2", PaymentIntentID: "pi_2"},
		},
		stale: []store.RecoveryAttempt{
			{ApplicationID: "app-3", PaymentIntentID: "pi_3"},
		},
	}
	engine := &fakeRecoverer{results: map[string]*Result{
		"app-2": {Success: false, Reason: ReasonRequiresPaymentMethod},
	}}
	hub := &fakeHub{}
	notifier := &fakeNotifier{}
	s := NewScheduler(source, engine, schedulerConfig(), hub, notifier, logger.New("test"))

	result, err := s.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce returned error: %v", err)
	}
	if result.Processed != 3 || result.Succeeded != 2 || result.Failed != 1 {
		t.Fatalf("result = %+v, want processed=3 succeeded=2 failed=1", result)
	}
	want := []string{"app-1", "app-2", "app-3"}
	for i, app := range want {
		if engine.calls[i] != app {
			t.Errorf("call %d = %q, want %q", i, engine.calls[i], app)
		}
	}
	if len(hub.events) != 1 || hub.events[0] != "scheduler/run_completed" {
		t.Errorf("broadcast events = %v, want one scheduler/run_completed", hub.events)
	}
	if len(notifier.sent()) != 0 {
		t.Errorf("unexpected alerts: %+v", notifier.sent())
	}
}

func TestRunOnce_HonorsBatchSize(t *testing.T) {
	source := &fakeSource{}
	for i := 0; i < 10; i++ {
		source.stuck = append(source.stuck, store.StuckPayment{
			ApplicationID:   "app",
			PaymentIntentID: "pi",
		})
	}
	engine := &fakeRecoverer{}
	cfg := schedulerConfig()
	cfg.BatchSize = 4
	s := NewScheduler(source, engine, cfg, nil, &fakeNotifier{}, logger.New("test"))

	result, err := s.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce returned error: %v", err)
	}
	if result.Processed != 4 {
		t.Fatalf("processed = %d, want 4", result.Processed)
	}
}

func TestRunOnce_ListFailureAlertsAndAborts(t *testing.T) {
	source := &fakeSource{
		stuck:    []store.StuckPayment{{ApplicationID: "app-1", PaymentIntentID: "pi_1"}},
		staleErr: errors.New("connection refused"),
	}
	engine := &fakeRecoverer{}
	notifier := &fakeNotifier{}
	hub := &fakeHub{}
	s := NewScheduler(source, engine, schedulerConfig(), hub, notifier, logger.New("test"))

	result, err := s.RunOnce(context.Background())
	if err == nil {
		t.Fatal("RunOnce succeeded, want error")
	}
	if result.Processed != 1 {
		t.Errorf("processed before abort = %d, want 1", result.Processed)
	}
	sent := notifier.sent()
	if len(sent) != 1 || sent[0].Severity != alerts.SeverityCritical {
		t.Fatalf("alerts = %+v, want one CRITICAL alert", sent)
	}
	if len(hub.events) != 1 || hub.events[0] != "scheduler/run_failed" {
		t.Errorf("broadcast events = %v, want one scheduler/run_failed", hub.events)
	}
}

func TestRunOnce_CancelledContextStopsSweep(t *testing.T) {
	source := &fakeSource{
		stuck: []store.StuckPayment{
			{ApplicationID: "app-1", PaymentIntentID: "pi_1"},
			{ApplicationID: "app-2", PaymentIntentID: "pi_2"},
		},
	}
	engine := &fakeRecoverer{}
	cfg := schedulerConfig()
	cfg.PacingDelay = time.Second
	s := NewScheduler(source, engine, cfg, nil, &fakeNotifier{}, logger.New("test"))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := s.RunOnce(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("RunOnce error = %v, want context.Canceled", err)
	}
	if len(engine.calls) != 1 {
		t.Errorf("engine calls = %d, want 1 before cancellation took effect", len(engine.calls))
	}
}

func TestScheduler_StartStop(t *testing.T) {
	s := NewScheduler(&fakeSource{}, &fakeRecoverer{}, schedulerConfig(), nil, &fakeNotifier{}, logger.New("test"))

	if s.IsRunning() {
		t.Fatal("scheduler running before Start")
	}
	s.Start()
	if !s.IsRunning() {
		t.Fatal("scheduler not running after Start")
	}
	s.Start() // second Start is a no-op

	status := s.Status()
	if !status.Running || !status.Enabled {
		t.Errorf("status = %+v, want running and enabled", status)
	}

	s.Stop()
	if s.IsRunning() {
		t.Fatal("scheduler still running after Stop")
	}
	s.Stop() // second Stop is a no-op
}

func TestScheduler_RestartAfterStop(t *testing.T) {
	source := &fakeSource{
		stuck: []store.StuckPayment{{ApplicationID: "app-1", PaymentIntentID: "pi_1"}},
	}
	engine := &fakeRecoverer{}
	cfg := schedulerConfig()
	cfg.SchedulerInterval = 10 * time.Millisecond
	s := NewScheduler(source, engine, cfg, nil, &fakeNotifier{}, logger.New("test"))

	s.Start()
	s.Stop()

	s.Start()
	if !s.IsRunning() {
		t.Fatal("scheduler not running after restart")
	}

	deadline := time.After(2 * time.Second)
	for engine.callCount() == 0 {
		select {
		case <-deadline:
			t.Fatal("no sweeps ran after restart")
		case <-time.After(5 * time.Millisecond):
		}
	}

	s.Stop()
	if s.IsRunning() {
		t.Fatal("scheduler still running after final Stop")
	}
}

func TestScheduler_TriggerManual(t *testing.T) {
	source := &fakeSource{
		stuck: []store.StuckPayment{{ApplicationID: "app-1", PaymentIntentID: "pi_1"}},
	}
	engine := &fakeRecoverer{}
	s := NewScheduler(source, engine, schedulerConfig(), nil, &fakeNotifier{}, logger.New("test"))

	result, err := s.TriggerManual(context.Background())
	if err != nil {
		t.Fatalf("TriggerManual returned error: %v", err)
	}
	if result.Processed != 1 || result.Succeeded != 1 {
		t.Fatalf("result = %+v, want one success", result)
	}
	if last := s.LastResult(); last == nil || last.Processed != 1 {
		t.Errorf("LastResult = %+v, want the manual run", last)
	}
	if s.Status().LastRun == nil {
		t.Error("Status().LastRun is nil after manual run")
	}
}
