package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// ErrIntentNotFound is returned when the gateway has no record of the
// payment intent. This is a business outcome, not an infrastructure
// failure, and must not trip the circuit breaker.
var ErrIntentNotFound = errors.New("gateway: payment intent not found")

// GatewayError represents a gateway-level failure.
type GatewayError struct {
	Code       string
	Message    string
	StatusCode int
	Retryable  bool
}

func (e *GatewayError) Error() string {
	return fmt.Sprintf("gateway (%s): %s", e.Code, e.Message)
}

// Client wraps the remote payment gateway's intent API. The HTTP client
// enforces a timeout; a timed-out call surfaces as a retryable
// GatewayError.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewClient creates a gateway client.
func NewClient(baseURL, apiKey string, timeout time.Duration) *Client {
	return &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// Retrieve fetches the current state of a payment intent.
func (c *Client) Retrieve(ctx context.Context, intentID string) (*PaymentIntent, error) {
	var intent PaymentIntent
	if err := c.makeRequest(ctx, http.MethodGet, "/v1/payment_intents/"+intentID, &intent); err != nil {
		return nil, err
	}
	return &intent, nil
}

// Confirm asks the gateway to confirm an intent awaiting confirmation.
func (c *Client) Confirm(ctx context.Context, intentID string) (*PaymentIntent, error) {
	var intent PaymentIntent
	if err := c.makeRequest(ctx, http.MethodPost, "/v1/payment_intents/"+intentID+"/confirm", &intent); err != nil {
		return nil, err
	}
	return &intent, nil
}

// Capture captures an authorized intent. This is the only call with an
// irreversible financial side effect; callers gate it behind the
// application-approval check.
func (c *Client) Capture(ctx context.Context, intentID string) (*PaymentIntent, error) {
	var intent PaymentIntent
	if err := c.makeRequest(ctx, http.MethodPost, "/v1/payment_intents/"+intentID+"/capture", &intent); err != nil {
		return nil, err
	}
	return &intent, nil
}

type errorBody struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (c *Client) makeRequest(ctx context.Context, method, path string, response interface{}) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &GatewayError{
			Code:      "network_error",
			Message:   err.Error(),
			Retryable: true,
		}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode == http.StatusNotFound {
		return ErrIntentNotFound
	}

	if resp.StatusCode >= 400 {
		var body errorBody
		json.Unmarshal(respBody, &body)

		code := body.Error.Code
		if code == "" {
			code = errorCodeFromStatus(resp.StatusCode)
		}
		message := body.Error.Message
		if message == "" {
			message = string(respBody)
		}

		return &GatewayError{
			Code:       code,
			Message:    message,
			StatusCode: resp.StatusCode,
			Retryable:  isRetryableStatusCode(resp.StatusCode),
		}
	}

	if err := json.Unmarshal(respBody, response); err != nil {
		return fmt.Errorf("failed to unmarshal response: %w", err)
	}

	return nil
}

func isRetryableStatusCode(statusCode int) bool {
	switch statusCode {
	case http.StatusRequestTimeout, http.StatusTooManyRequests,
		http.StatusInternalServerError, http.StatusBadGateway,
		http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	default:
		return false
	}
}

func errorCodeFromStatus(statusCode int) string {
	switch statusCode {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusRequestTimeout:
		return "timeout"
	case http.StatusTooManyRequests:
		return "rate_limited"
	case http.StatusInternalServerError:
		return "internal_error"
	case http.StatusBadGateway:
		return "bad_gateway"
	case http.StatusServiceUnavailable:
		return "service_unavailable"
	case http.StatusGatewayTimeout:
		return "gateway_timeout"
	default:
		return "unknown_error"
	}
}
