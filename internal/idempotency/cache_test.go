package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/permithq/payment-reconciler/internal/cache"
	"github.com/permithq/payment-reconciler/internal/metrics"
)

func init() {
	metrics.Init()
}

type fakeStore struct {
	mu   sync.Mutex
	data map[string][]byte
}

func newFakeStore() *fakeStore {
	return &fakeStore{data: make(map[string][]byte)}
}

func (s *fakeStore) Get(ctx context.Context, key string, dest interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.data[key]
	if !ok {
		return cache.ErrNotFound
	}
	return json.Unmarshal(data, dest)
}

func (s *fakeStore) Set(ctx context.Context, key string, value interface{}, _ time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = data
	return nil
}

type outcome struct {
	Success bool   `json:"success"`
	Reason  string `json:"reason"`
}

func TestKey_StableAndTimeFree(t *testing.T) {
	k1 := Key("app-42", "pi_123")
	time.Sleep(5 * time.Millisecond)
	k2 := Key("app-42", "pi_123")

	if k1 != k2 {
		t.Errorf("keys differ for identical identity: %s vs %s", k1, k2)
	}
	if !strings.HasPrefix(k1, "idem:recovery:") {
		t.Errorf("key %s missing namespace prefix", k1)
	}
	if Key("app-42", "pi_124") == k1 {
		t.Error("different intents must yield different keys")
	}
	if Key("app-43", "pi_123") == k1 {
		t.Error("different applications must yield different keys")
	}
}

func TestGetOrCompute_MissThenHit(t *testing.T) {
	c := New(newFakeStore(), nil)
	key := Key("app-1", "pi_1")

	var calls int32
	compute := func(ctx context.Context) (interface{}, error) {
		atomic.AddInt32(&calls, 1)
		return &outcome{Success: true, Reason: "payment_succeeded"}, nil
	}

	var first outcome
	hit, err := c.GetOrCompute(context.Background(), key, time.Minute, &first, compute)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if hit {
		t.Error("first call should be a miss")
	}

	var second outcome
	hit, err = c.GetOrCompute(context.Background(), key, time.Minute, &second, compute)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !hit {
		t.Error("second call should be a hit")
	}
	if second != first {
		t.Errorf("cached result %+v differs from computed %+v", second, first)
	}
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Errorf("compute ran %d times, want 1", got)
	}
}

func TestGetOrCompute_ConcurrentCallersComputeOnce(t *testing.T) {
	c := New(newFakeStore(), nil)
	key := Key("app-2", "pi_2")

	var calls int32
	release := make(chan struct{})
	compute := func(ctx context.Context) (interface{}, error) {
		atomic.AddInt32(&calls, 1)
		<-release
		return &outcome{Success: false, Reason: "still_processing"}, nil
	}

	const callers = 8
	results := make([]outcome, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			if _, err := c.GetOrCompute(context.Background(), key, time.Minute, &results[n], compute); err != nil {
				t.Errorf("caller %d: %v", n, err)
			}
		}(i)
	}

	// Give every caller time to reach the singleflight barrier.
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Errorf("compute ran %d times, want 1", got)
	}
	for i, r := range results {
		if r.Reason != "still_processing" {
			t.Errorf("caller %d result = %+v", i, r)
		}
	}
}

func TestGetOrCompute_ErrorNotCached(t *testing.T) {
	c := New(newFakeStore(), nil)
	key := Key("app-3", "pi_3")

	var calls int32
	failing := func(ctx context.Context) (interface{}, error) {
		atomic.AddInt32(&calls, 1)
		return nil, errors.New("gateway down")
	}

	var dest outcome
	if _, err := c.GetOrCompute(context.Background(), key, time.Minute, &dest, failing); err == nil {
		t.Fatal("expected error from compute")
	}

	// A later call must recompute rather than observe the failure.
	working := func(ctx context.Context) (interface{}, error) {
		atomic.AddInt32(&calls, 1)
		return &outcome{Success: true, Reason: "payment_succeeded"}, nil
	}
	hit, err := c.GetOrCompute(context.Background(), key, time.Minute, &dest, working)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if hit {
		t.Error("failed computation must not populate the cache")
	}
	if got := atomic.LoadInt32(&calls); got != 2 {
		t.Errorf("compute ran %d times, want 2", got)
	}
}
