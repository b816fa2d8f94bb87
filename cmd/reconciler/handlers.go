package main

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/permithq/payment-reconciler/internal/cache"
	"github.com/permithq/payment-reconciler/internal/logger"
	"github.com/permithq/payment-reconciler/internal/recovery"
	"github.com/permithq/payment-reconciler/internal/store"
	"github.com/permithq/payment-reconciler/internal/velocity"
	"github.com/permithq/payment-reconciler/internal/ws"
)

// ErrorResponse is the JSON error envelope.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

// Handler serves the ops and recovery endpoints.
type Handler struct {
	engine    *recovery.Engine
	scheduler *recovery.Scheduler
	limiter   *velocity.Limiter
	attempts  *store.AttemptStore
	db        *store.DB
	redis     *cache.Client
	hub       *ws.Hub
	log       *logger.Logger
}

func NewHandler(engine *recovery.Engine, scheduler *recovery.Scheduler, limiter *velocity.Limiter, attempts *store.AttemptStore, db *store.DB, redis *cache.Client, hub *ws.Hub, log *logger.Logger) *Handler {
	return &Handler{
		engine:    engine,
		scheduler: scheduler,
		limiter:   limiter,
		attempts:  attempts,
		db:        db,
		redis:     redis,
		hub:       hub,
		log:       log,
	}
}

// HealthCheck handles GET /health
func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	redisHealthy := h.redis.HealthCheck() == nil

	response := map[string]interface{}{
		"service":           "reconciler",
		"status":            "healthy",
		"scheduler_running": h.scheduler.IsRunning(),
		"database":          h.db.Health(),
		"redis_healthy":     redisHealthy,
		"ws_clients":        h.hub.ClientCount(),
	}
	respondJSON(w, http.StatusOK, response)
}

// GetSchedulerStatus handles GET /scheduler/status
func (h *Handler) GetSchedulerStatus(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, h.scheduler.Status())
}

// TriggerScheduler handles POST /scheduler/trigger
func (h *Handler) TriggerScheduler(w http.ResponseWriter, r *http.Request) {
	result, err := h.scheduler.TriggerManual(r.Context())
	if err != nil {
		h.log.Error("manual sweep failed", "error", err)
		respondError(w, http.StatusInternalServerError, "Failed to run reconciliation sweep", "SWEEP_FAILED")
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"success":   true,
		"processed": result.Processed,
		"succeeded": result.Succeeded,
		"failed":    result.Failed,
		"duration":  result.Duration.String(),
	})
}

// TriggerRecovery handles POST /recovery/{applicationID}/{paymentIntentID}
func (h *Handler) TriggerRecovery(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	applicationID := vars["applicationID"]
	paymentIntentID := vars["paymentIntentID"]

	res, err := h.engine.Recover(r.Context(), applicationID, paymentIntentID)
	if err != nil {
		h.log.Error("recovery request failed", "application_id", applicationID, "error", err)
		respondError(w, http.StatusInternalServerError, "Recovery failed", "RECOVERY_FAILED")
		return
	}

	event := ws.EventRecoveryFailed
	if res.Success {
		event = ws.EventRecoverySucceeded
	}
	h.hub.BroadcastEvent(ws.TypeRecovery, event, ws.RecoveryData{
		ApplicationID:   applicationID,
		PaymentIntentID: paymentIntentID,
		Reason:          string(res.Reason),
		Success:         res.Success,
	})

	respondJSON(w, http.StatusOK, res)
}

// ListAttempts handles GET /recovery/attempts?status=&limit=
func (h *Handler) ListAttempts(w http.ResponseWriter, r *http.Request) {
	status := r.URL.Query().Get("status")

	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 1000 {
			limit = n
		}
	}

	attempts, err := h.attempts.List(r.Context(), status, limit)
	if err != nil {
		h.log.Error("failed to list attempts", "error", err)
		respondError(w, http.StatusInternalServerError, "Failed to list recovery attempts", "LIST_FAILED")
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"attempts": attempts,
		"count":    len(attempts),
	})
}

// GetAttempt handles GET /recovery/attempts/{applicationID}/{paymentIntentID}
func (h *Handler) GetAttempt(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)

	attempt, err := h.attempts.Get(r.Context(), vars["applicationID"], vars["paymentIntentID"])
	if errors.Is(err, store.ErrAttemptNotFound) {
		respondError(w, http.StatusNotFound, "Recovery attempt not found", "NOT_FOUND")
		return
	}
	if err != nil {
		h.log.Error("failed to get attempt", "error", err)
		respondError(w, http.StatusInternalServerError, "Failed to get recovery attempt", "GET_FAILED")
		return
	}

	respondJSON(w, http.StatusOK, attempt)
}

// CheckVelocity handles POST /velocity/check
func (h *Handler) CheckVelocity(w http.ResponseWriter, r *http.Request) {
	var pc velocity.PaymentContext
	if err := json.NewDecoder(r.Body).Decode(&pc); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body", "BAD_REQUEST")
		return
	}

	result, err := h.limiter.Check(r.Context(), pc)
	if err != nil {
		h.log.Error("velocity check failed", "error", err)
		respondError(w, http.StatusInternalServerError, "Velocity check failed", "CHECK_FAILED")
		return
	}

	respondJSON(w, http.StatusOK, result)
}

// ListVelocityCounters handles GET /velocity/counters?limit=
func (h *Handler) ListVelocityCounters(w http.ResponseWriter, r *http.Request) {
	limit := 500
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 5000 {
			limit = n
		}
	}

	it := h.redis.ScanKeys("velocity:*", 100)
	keys, err := cache.CollectKeys(r.Context(), it, limit)
	if err != nil {
		h.log.Error("failed to scan velocity counters", "error", err)
		respondError(w, http.StatusInternalServerError, "Failed to list velocity counters", "SCAN_FAILED")
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"keys":  keys,
		"count": len(keys),
	})
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message, code string) {
	respondJSON(w, status, ErrorResponse{Error: message, Code: code})
}
