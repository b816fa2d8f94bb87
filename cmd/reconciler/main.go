package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"

	"github.com/permithq/payment-reconciler/internal/alerts"
	"github.com/permithq/payment-reconciler/internal/breaker"
	"github.com/permithq/payment-reconciler/internal/cache"
	"github.com/permithq/payment-reconciler/internal/config"
	"github.com/permithq/payment-reconciler/internal/gateway"
	"github.com/permithq/payment-reconciler/internal/idempotency"
	"github.com/permithq/payment-reconciler/internal/logger"
	"github.com/permithq/payment-reconciler/internal/metrics"
	"github.com/permithq/payment-reconciler/internal/recovery"
	"github.com/permithq/payment-reconciler/internal/store"
	"github.com/permithq/payment-reconciler/internal/velocity"
	"github.com/permithq/payment-reconciler/internal/ws"
)

// sweepSource joins the two stores the scheduler pulls candidates from.
type sweepSource struct {
	*store.ApplicationStore
	*store.AttemptStore
}

// gatewayFailure decides which errors count toward tripping the breaker.
// Business outcomes like a missing intent or a decline are answers from a
// healthy gateway, not signs of an outage.
func gatewayFailure(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gateway.ErrIntentNotFound) {
		return false
	}
	var gwErr *gateway.GatewayError
	if errors.As(err, &gwErr) {
		return gwErr.Retryable
	}
	return true
}

func main() {
	log := logger.New("reconciler")

	cfg := config.Load()
	limits, err := config.LoadVelocityLimits(cfg.LimitsPath)
	if err != nil {
		log.Fatal("failed to load velocity limits", "path", cfg.LimitsPath, "error", err)
	}

	metrics.Init()

	db, err := store.Connect(cfg.DatabaseURL)
	if err != nil {
		log.Fatal("failed to connect to database", "error", err)
	}
	defer db.Close()
	log.Info("database connection established")

	attempts := store.NewAttemptStore(db, cfg.MaxRecoveryAttempts)
	if err := attempts.EnsureTableExists(context.Background()); err != nil {
		log.Warn("failed to ensure recovery_attempts table exists", "error", err)
	}
	apps := store.NewApplicationStore(db)

	redis, err := cache.NewRedisClient(cfg.RedisURL)
	if err != nil {
		log.Fatal("failed to connect to redis", "error", err)
	}
	defer redis.Close()
	log.Info("redis connection established")

	hub := ws.NewHub(log)
	go hub.Run()

	publisher := alerts.NewPublisher(cfg.AlertWebhookURL, hub, log)

	guard := breaker.New(breaker.Config{
		Name:                     "gateway",
		FailureThreshold:         cfg.BreakerFailureThreshold,
		ResetTimeout:             cfg.BreakerResetTimeout,
		HalfOpenSuccessThreshold: cfg.BreakerHalfOpenSuccesses,
		IsFailure:                gatewayFailure,
	}, log)

	gw := gateway.NewClient(cfg.GatewayURL, cfg.GatewayAPIKey, cfg.GatewayTimeout)
	idem := idempotency.New(redis, log)

	engine := recovery.NewEngine(gw, attempts, apps, idem, guard, publisher, cfg.IdempotencyTTL, log)
	scheduler := recovery.NewScheduler(sweepSource{apps, attempts}, engine, cfg, hub, publisher, log)
	limiter := velocity.NewLimiter(redis, limits, publisher, log)

	handler := NewHandler(engine, scheduler, limiter, attempts, db, redis, hub, log)

	r := mux.NewRouter()
	r.HandleFunc("/health", handler.HealthCheck).Methods("GET")
	r.Handle("/metrics", metrics.Handler()).Methods("GET")

	r.HandleFunc("/scheduler/status", handler.GetSchedulerStatus).Methods("GET")
	r.HandleFunc("/scheduler/trigger", handler.TriggerScheduler).Methods("POST")

	r.HandleFunc("/recovery/attempts", handler.ListAttempts).Methods("GET")
	r.HandleFunc("/recovery/attempts/{applicationID}/{paymentIntentID}", handler.GetAttempt).Methods("GET")
	r.HandleFunc("/recovery/{applicationID}/{paymentIntentID}", handler.TriggerRecovery).Methods("POST")

	r.HandleFunc("/velocity/check", handler.CheckVelocity).Methods("POST")
	r.HandleFunc("/velocity/counters", handler.ListVelocityCounters).Methods("GET")

	r.HandleFunc("/ws", hub.ServeWs)

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	if cfg.SchedulerEnabled {
		scheduler.Start()
	} else {
		log.Warn("scheduler disabled, reconciliation runs only on manual trigger")
	}

	done := make(chan bool)
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-quit
		log.Info("shutting down")

		scheduler.Stop()

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			log.Fatal("graceful shutdown failed", "error", err)
		}
		close(done)
	}()

	log.Info("reconciler starting", "port", cfg.Port)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatal("server failed", "error", err)
	}

	<-done
	log.Info("server stopped")
}
