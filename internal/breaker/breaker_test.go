package breaker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/permithq/payment-reconciler/internal/metrics"
)

func init() {
	metrics.Init()
}

var errBoom = errors.New("boom")

func newTestBreaker(t *testing.T, cfg Config) (*Breaker, *time.Time) {
	t.Helper()
	b := New(cfg, nil)
	now := time.Now()
	b.now = func() time.Time { return now }
	return b, &now
}

func fail(ctx context.Context) error    { return errBoom }
func succeed(ctx context.Context) error { return nil }

func TestBreaker_StartsClosed(t *testing.T) {
	b, _ := newTestBreaker(t, Config{Name: "gateway"})

	if b.State() != StateClosed {
		t.Fatalf("state = %v, want closed", b.State())
	}
	if err := b.Execute(context.Background(), succeed); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestBreaker_OpensAfterThreshold(t *testing.T) {
	b, _ := newTestBreaker(t, Config{Name: "gateway", FailureThreshold: 5})

	for i := 0; i < 4; i++ {
		b.Execute(context.Background(), fail)
	}
	if b.State() != StateClosed {
		t.Fatalf("state = %v after 4 failures, want closed", b.State())
	}

	b.Execute(context.Background(), fail)
	if b.State() != StateOpen {
		t.Fatalf("state = %v after 5 failures, want open", b.State())
	}
}

func TestBreaker_OpenShortCircuits(t *testing.T) {
	b, _ := newTestBreaker(t, Config{Name: "gateway", FailureThreshold: 1, ResetTimeout: 30 * time.Second})

	b.Execute(context.Background(), fail)
	if b.State() != StateOpen {
		t.Fatalf("state = %v, want open", b.State())
	}

	invoked := false
	err := b.Execute(context.Background(), func(ctx context.Context) error {
		invoked = true
		return nil
	})
	if !errors.Is(err, ErrOpen) {
		t.Fatalf("err = %v, want ErrOpen", err)
	}
	if invoked {
		t.Error("operation must not be invoked while open")
	}
}

func TestBreaker_HalfOpenAfterResetTimeout(t *testing.T) {
	b, now := newTestBreaker(t, Config{Name: "gateway", FailureThreshold: 1, ResetTimeout: 30 * time.Second})

	b.Execute(context.Background(), fail)

	*now = now.Add(31 * time.Second)

	invoked := false
	err := b.Execute(context.Background(), func(ctx context.Context) error {
		invoked = true
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !invoked {
		t.Fatal("operation should be invoked after the reset timeout")
	}
	if b.State() != StateHalfOpen {
		t.Fatalf("state = %v, want half_open", b.State())
	}
}

func TestBreaker_HalfOpenToClosed(t *testing.T) {
	b, now := newTestBreaker(t, Config{
		Name:                     "gateway",
		FailureThreshold:         1,
		ResetTimeout:             time.Second,
		HalfOpenSuccessThreshold: 2,
	})

	b.Execute(context.Background(), fail)
	*now = now.Add(2 * time.Second)

	b.Execute(context.Background(), succeed)
	if b.State() != StateHalfOpen {
		t.Fatalf("state = %v after 1 success, want half_open", b.State())
	}
	b.Execute(context.Background(), succeed)
	if b.State() != StateClosed {
		t.Fatalf("state = %v after 2 successes, want closed", b.State())
	}
}

func TestBreaker_HalfOpenFailureReopens(t *testing.T) {
	b, now := newTestBreaker(t, Config{Name: "gateway", FailureThreshold: 1, ResetTimeout: time.Second})

	b.Execute(context.Background(), fail)
	*now = now.Add(2 * time.Second)
	b.Execute(context.Background(), succeed) // half-open probe

	b.Execute(context.Background(), fail)
	if b.State() != StateOpen {
		t.Fatalf("state = %v after half-open failure, want open", b.State())
	}

	// The failure streak restarts: the breaker stays open for a fresh
	// reset window from the new failure time.
	if err := b.Execute(context.Background(), succeed); !errors.Is(err, ErrOpen) {
		t.Fatalf("err = %v, want ErrOpen", err)
	}
}

func TestBreaker_IsFailureExcludesBusinessOutcomes(t *testing.T) {
	errExpected := errors.New("payment intent not found")
	b, _ := newTestBreaker(t, Config{
		Name:             "gateway",
		FailureThreshold: 2,
		IsFailure: func(err error) bool {
			return err != nil && !errors.Is(err, errExpected)
		},
	})

	for i := 0; i < 10; i++ {
		b.Execute(context.Background(), func(ctx context.Context) error { return errExpected })
	}
	if b.State() != StateClosed {
		t.Fatalf("state = %v, business outcomes must not open the circuit", b.State())
	}

	b.Execute(context.Background(), fail)
	b.Execute(context.Background(), fail)
	if b.State() != StateOpen {
		t.Fatalf("state = %v, qualifying failures must still open it", b.State())
	}
}

func TestBreaker_ClosedSuccessResetsStreak(t *testing.T) {
	b, _ := newTestBreaker(t, Config{Name: "gateway", FailureThreshold: 3})

	b.Execute(context.Background(), fail)
	b.Execute(context.Background(), fail)
	b.Execute(context.Background(), succeed)
	b.Execute(context.Background(), fail)
	b.Execute(context.Background(), fail)

	if b.State() != StateClosed {
		t.Fatalf("state = %v, streak should have reset on success", b.State())
	}
}

func TestBreaker_ConcurrentAccess(t *testing.T) {
	b := New(Config{Name: "gateway", FailureThreshold: 1000}, nil)

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			if n%2 == 0 {
				b.Execute(context.Background(), succeed)
			} else {
				b.Execute(context.Background(), fail)
			}
			_ = b.State()
		}(i)
	}
	wg.Wait()
}

func TestState_String(t *testing.T) {
	cases := []struct {
		state State
		want  string
	}{
		{StateClosed, "closed"},
		{StateOpen, "open"},
		{StateHalfOpen, "half_open"},
		{State(42), "unknown"},
	}
	for _, tc := range cases {
		if got := tc.state.String(); got != tc.want {
			t.Errorf("State(%d).String() = %q, want %q", tc.state, got, tc.want)
		}
	}
}
