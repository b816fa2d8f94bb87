package gateway

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestRetrieve_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			t.Errorf("method = %s, want GET", r.Method)
		}
		if r.URL.Path != "/v1/payment_intents/pi_123" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer sk_test" {
			t.Errorf("auth header = %q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id":"pi_123","status":"processing","amount":2500,"currency":"usd"}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "sk_test", 5*time.Second)
	intent, err := c.Retrieve(context.Background(), "pi_123")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if intent.ID != "pi_123" {
		t.Errorf("id = %s", intent.ID)
	}
	if intent.Status != StatusProcessing {
		t.Errorf("status = %s, want processing", intent.Status)
	}
	if intent.Amount != 2500 {
		t.Errorf("amount = %d, want 2500", intent.Amount)
	}
}

func TestRetrieve_NotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":{"code":"resource_missing","message":"no such payment intent"}}`, http.StatusNotFound)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "", 5*time.Second)
	_, err := c.Retrieve(context.Background(), "pi_missing")
	if !errors.Is(err, ErrIntentNotFound) {
		t.Fatalf("err = %v, want ErrIntentNotFound", err)
	}
}

func TestRetrieve_ServerErrorIsRetryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":{"code":"internal_error","message":"boom"}}`, http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "", 5*time.Second)
	_, err := c.Retrieve(context.Background(), "pi_123")

	var gwErr *GatewayError
	if !errors.As(err, &gwErr) {
		t.Fatalf("err = %v, want *GatewayError", err)
	}
	if !gwErr.Retryable {
		t.Error("503 should be retryable")
	}
	if gwErr.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("status = %d", gwErr.StatusCode)
	}
}

func TestRetrieve_BadRequestNotRetryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{}`, http.StatusBadRequest)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "", 5*time.Second)
	_, err := c.Retrieve(context.Background(), "pi_123")

	var gwErr *GatewayError
	if !errors.As(err, &gwErr) {
		t.Fatalf("err = %v, want *GatewayError", err)
	}
	if gwErr.Retryable {
		t.Error("400 should not be retryable")
	}
	if gwErr.Code != "bad_request" {
		t.Errorf("code = %s, want bad_request", gwErr.Code)
	}
}

func TestConfirmAndCapture_Paths(t *testing.T) {
	var gotPaths []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPaths = append(gotPaths, r.Method+" "+r.URL.Path)
		w.Write([]byte(`{"id":"pi_123","status":"succeeded","amount":100,"currency":"usd"}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "", 5*time.Second)
	if _, err := c.Confirm(context.Background(), "pi_123"); err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if _, err := c.Capture(context.Background(), "pi_123"); err != nil {
		t.Fatalf("capture: %v", err)
	}

	want := []string{
		"POST /v1/payment_intents/pi_123/confirm",
		"POST /v1/payment_intents/pi_123/capture",
	}
	for i, w := range want {
		if gotPaths[i] != w {
			t.Errorf("request %d = %q, want %q", i, gotPaths[i], w)
		}
	}
}

func TestRetrieve_NetworkErrorIsRetryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close() // connection refused from here on

	c := NewClient(srv.URL, "", time.Second)
	_, err := c.Retrieve(context.Background(), "pi_123")

	var gwErr *GatewayError
	if !errors.As(err, &gwErr) {
		t.Fatalf("err = %v, want *GatewayError", err)
	}
	if gwErr.Code != "network_error" || !gwErr.Retryable {
		t.Errorf("got %+v, want retryable network_error", gwErr)
	}
}

func TestIntentStatus_Known(t *testing.T) {
	for _, s := range []IntentStatus{
		StatusSucceeded, StatusRequiresPaymentMethod, StatusRequiresConfirmation,
		StatusRequiresAction, StatusProcessing, StatusCanceled, StatusRequiresCapture,
	} {
		if !s.Known() {
			t.Errorf("%s should be known", s)
		}
	}
	if IntentStatus("definitely_new").Known() {
		t.Error("unexpected status reported as known")
	}
}
