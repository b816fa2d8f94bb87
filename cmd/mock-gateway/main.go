// cmd/mock-gateway/main.go
package main

import (
	"encoding/json"
	"math/rand"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/permithq/payment-reconciler/internal/gateway"
	"github.com/permithq/payment-reconciler/internal/logger"
)

// Gateway is an in-memory payment gateway used for local development and
// integration testing. Admin endpoints let tests steer intent statuses.
type Gateway struct {
	mu          sync.RWMutex
	intents     map[string]*gateway.PaymentIntent
	failureRate float64
	stats       Stats
	log         *logger.Logger
}

type Stats struct {
	TotalRequests int `json:"total_requests"`
	Retrieves     int `json:"retrieves"`
	Confirms      int `json:"confirms"`
	Captures      int `json:"captures"`
	Failures      int `json:"failures"`
}

type errorBody struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func NewGateway(log *logger.Logger) *Gateway {
	return &Gateway{
		intents: make(map[string]*gateway.PaymentIntent),
		log:     log,
	}
}

func (g *Gateway) injectFailure() bool {
	g.mu.RLock()
	rate := g.failureRate
	g.mu.RUnlock()
	return rate > 0 && rand.Float64() < rate
}

func (g *Gateway) retrieve(w http.ResponseWriter, r *http.Request) {
	g.count(func(s *Stats) { s.Retrieves++ })
	if g.failRandomly(w) {
		return
	}

	g.mu.RLock()
	intent, ok := g.intents[mux.Vars(r)["id"]]
	g.mu.RUnlock()
	if !ok {
		writeError(w, http.StatusNotFound, "resource_missing", "No such payment_intent")
		return
	}
	writeJSON(w, http.StatusOK, intent)
}

func (g *Gateway) confirm(w http.ResponseWriter, r *http.Request) {
	g.count(func(s *Stats) { s.Confirms++ })
	if g.failRandomly(w) {
		return
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	intent, ok := g.intents[mux.Vars(r)["id"]]
	if !ok {
		writeError(w, http.StatusNotFound, "resource_missing", "No such payment_intent")
		return
	}
	if intent.Status != gateway.StatusRequiresConfirmation {
		writeError(w, http.StatusBadRequest, "intent_invalid_state",
			"PaymentIntent cannot be confirmed in status "+string(intent.Status))
		return
	}
	intent.Status = gateway.StatusSucceeded
	writeJSON(w, http.StatusOK, intent)
}

func (g *Gateway) capture(w http.ResponseWriter, r *http.Request) {
	g.count(func(s *Stats) { s.Captures++ })
	if g.failRandomly(w) {
		return
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	intent, ok := g.intents[mux.Vars(r)["id"]]
	if !ok {
		writeError(w, http.StatusNotFound, "resource_missing", "No such payment_intent")
		return
	}
	if intent.Status != gateway.StatusRequiresCapture {
		writeError(w, http.StatusBadRequest, "intent_invalid_state",
			"PaymentIntent cannot be captured in status "+string(intent.Status))
		return
	}
	intent.Status = gateway.StatusSucceeded
	writeJSON(w, http.StatusOK, intent)
}

// Admin endpoints.

type seedRequest struct {
	ID       string `json:"id,omitempty"`
	Status   string `json:"status"`
	Amount   int64  `json:"amount"`
	Currency string `json:"currency,omitempty"`
}

func (g *Gateway) seedIntent(w http.ResponseWriter, r *http.Request) {
	var req seedRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "parameter_invalid", "Invalid request body")
		return
	}
	status := gateway.IntentStatus(req.Status)
	if !status.Known() {
		writeError(w, http.StatusBadRequest, "parameter_invalid", "Unknown status "+req.Status)
		return
	}

	id := req.ID
	if id == "" {
		id = "pi_" + uuid.New().String()[:24]
	}
	currency := req.Currency
	if currency == "" {
		currency = "usd"
	}
	intent := &gateway.PaymentIntent{
		ID:        id,
		Status:    status,
		Amount:    req.Amount,
		Currency:  currency,
		CreatedAt: time.Now(),
	}

	g.mu.Lock()
	g.intents[id] = intent
	g.mu.Unlock()

	g.log.Info("seeded intent", "id", id, "status", req.Status)
	writeJSON(w, http.StatusOK, intent)
}

func (g *Gateway) setStatus(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "parameter_invalid", "Invalid request body")
		return
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	intent, ok := g.intents[mux.Vars(r)["id"]]
	if !ok {
		writeError(w, http.StatusNotFound, "resource_missing", "No such payment_intent")
		return
	}
	intent.Status = gateway.IntentStatus(req.Status)
	writeJSON(w, http.StatusOK, intent)
}

func (g *Gateway) setFailureRate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Rate float64 `json:"rate"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Rate < 0 || req.Rate > 1 {
		writeError(w, http.StatusBadRequest, "parameter_invalid", "rate must be between 0 and 1")
		return
	}

	g.mu.Lock()
	g.failureRate = req.Rate
	g.mu.Unlock()

	g.log.Info("failure rate updated", "rate", req.Rate)
	writeJSON(w, http.StatusOK, map[string]interface{}{"rate": req.Rate})
}

func (g *Gateway) getStats(w http.ResponseWriter, r *http.Request) {
	g.mu.RLock()
	stats := g.stats
	g.mu.RUnlock()
	writeJSON(w, http.StatusOK, stats)
}

func (g *Gateway) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"service": "mock-gateway",
		"status":  "healthy",
	})
}

func (g *Gateway) count(fn func(*Stats)) {
	g.mu.Lock()
	g.stats.TotalRequests++
	fn(&g.stats)
	g.mu.Unlock()
}

func (g *Gateway) failRandomly(w http.ResponseWriter) bool {
	if !g.injectFailure() {
		return false
	}
	g.mu.Lock()
	g.stats.Failures++
	g.mu.Unlock()
	writeError(w, http.StatusServiceUnavailable, "gateway_unavailable", "Injected failure")
	return true
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	var body errorBody
	body.Error.Code = code
	body.Error.Message = message
	writeJSON(w, status, body)
}

func main() {
	log := logger.New("mock-gateway")
	gw := NewGateway(log)

	r := mux.NewRouter()
	r.HandleFunc("/health", gw.health).Methods("GET")
	r.HandleFunc("/v1/payment_intents/{id}", gw.retrieve).Methods("GET")
	r.HandleFunc("/v1/payment_intents/{id}/confirm", gw.confirm).Methods("POST")
	r.HandleFunc("/v1/payment_intents/{id}/capture", gw.capture).Methods("POST")

	r.HandleFunc("/admin/intents", gw.seedIntent).Methods("POST")
	r.HandleFunc("/admin/intents/{id}/status", gw.setStatus).Methods("POST")
	r.HandleFunc("/admin/failure-rate", gw.setFailureRate).Methods("POST")
	r.HandleFunc("/admin/stats", gw.getStats).Methods("GET")

	port := os.Getenv("MOCK_GATEWAY_PORT")
	if port == "" {
		port = "8190"
	}

	log.Info("mock gateway starting", "port", port)
	if err := http.ListenAndServe(":"+port, r); err != nil {
		log.Fatal("server failed", "error", err)
	}
}
