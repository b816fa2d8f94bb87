package ws

import (
	"encoding/json"
	"time"
)

// Message types for websocket events
const (
	TypeRecovery  = "recovery"
	TypeScheduler = "scheduler"
	TypeAlert     = "alert"
	TypeHealth    = "health"
	TypeHeartbeat = "heartbeat"
)

// Recovery events
const (
	EventRecoveryStarted   = "recovery_started"
	EventRecoverySucceeded = "recovery_succeeded"
	EventRecoveryFailed    = "recovery_failed"
)

// Scheduler events
const (
	EventRunStarted   = "run_started"
	EventRunCompleted = "run_completed"
	EventRunFailed    = "run_failed"
)

// Message represents a websocket message
type Message struct {
	Type      string      `json:"type"`
	Event     string      `json:"event"`
	Data      interface{} `json:"data,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// NewMessage creates a new message with the current timestamp
func NewMessage(msgType, event string, data interface{}) *Message {
	return &Message{
		Type:      msgType,
		Event:     event,
		Data:      data,
		Timestamp: time.Now().UTC(),
	}
}

// ToJSON serializes the message to JSON bytes
func (m *Message) ToJSON() ([]byte, error) {
	return json.Marshal(m)
}

// RecoveryData is the recovery event payload
type RecoveryData struct {
	ApplicationID   string `json:"application_id"`
	PaymentIntentID string `json:"payment_intent_id"`
	Reason          string `json:"reason,omitempty"`
	Attempt         int    `json:"attempt,omitempty"`
	Success         bool   `json:"success"`
}

// SchedulerData is the scheduler event payload
type SchedulerData struct {
	Processed int    `json:"processed"`
	Succeeded int    `json:"succeeded"`
	Failed    int    `json:"failed"`
	Duration  string `json:"duration,omitempty"`
	Error     string `json:"error,omitempty"`
}

// HeartbeatData is the heartbeat payload
type HeartbeatData struct {
	ServerTime  time.Time `json:"server_time"`
	ClientCount int       `json:"client_count"`
}
