// Package alerts delivers operational alerts to a webhook sink and the
// websocket event stream. Delivery is fire-and-forget: a failed alert is
// logged and never propagated to the payment decision path.
package alerts

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/permithq/payment-reconciler/internal/logger"
	"github.com/permithq/payment-reconciler/internal/metrics"
)

// Severity of an alert.
type Severity string

const (
	SeverityLow      Severity = "LOW"
	SeverityMedium   Severity = "MEDIUM"
	SeverityHigh     Severity = "HIGH"
	SeverityCritical Severity = "CRITICAL"
)

// Alert is the payload delivered to the sink.
type Alert struct {
	ID        string                 `json:"id"`
	Title     string                 `json:"title"`
	Message   string                 `json:"message"`
	Severity  Severity               `json:"severity"`
	Details   map[string]interface{} `json:"details,omitempty"`
	CreatedAt time.Time              `json:"created_at"`
}

// Broadcaster mirrors alerts onto the websocket event stream.
type Broadcaster interface {
	BroadcastEvent(msgType, event string, data interface{}) error
}

// Publisher sends alerts to the configured webhook.
type Publisher struct {
	webhookURL string
	httpClient *http.Client
	hub        Broadcaster
	log        *logger.Logger
}

// NewPublisher creates an alert publisher. An empty webhookURL disables
// webhook delivery; alerts are still logged and broadcast.
func NewPublisher(webhookURL string, hub Broadcaster, log *logger.Logger) *Publisher {
	return &Publisher{
		webhookURL: webhookURL,
		httpClient: &http.Client{
			Timeout: 5 * time.Second,
		},
		hub: hub,
		log: log,
	}
}

// Send delivers an alert synchronously. Used by tests and by SendAsync.
func (p *Publisher) Send(ctx context.Context, alert Alert) error {
	if alert.ID == "" {
		alert.ID = uuid.New().String()
	}
	if alert.CreatedAt.IsZero() {
		alert.CreatedAt = time.Now().UTC()
	}

	metrics.AlertsSentTotal.WithLabelValues(string(alert.Severity)).Inc()
	if p.log != nil {
		p.log.Info("alert raised",
			"severity", string(alert.Severity),
			"title", alert.Title,
			"message", alert.Message,
		)
	}

	if p.hub != nil {
		p.hub.BroadcastEvent("alert", string(alert.Severity), alert)
	}

	if p.webhookURL == "" {
		return nil
	}

	jsonData, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("failed to marshal alert: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.webhookURL, bytes.NewBuffer(jsonData))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send alert: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("alert rejected with status: %d", resp.StatusCode)
	}

	return nil
}

// SendAsync delivers an alert in the background. Errors are logged,
// never returned.
func (p *Publisher) SendAsync(alert Alert) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := p.Send(ctx, alert); err != nil && p.log != nil {
			p.log.Error("failed to deliver alert", "title", alert.Title, "error", err)
		}
	}()
}
