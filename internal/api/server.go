// Package api exposes the merchant-facing REST surface of the gateway:
// payment lifecycle operations, 3-D Secure session completion, webhook
// endpoint management, FX quotes and operational health endpoints.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/acquira/gateway/internal/degrade"
	"github.com/acquira/gateway/internal/fx"
	"github.com/acquira/gateway/internal/idempotency"
	"github.com/acquira/gateway/internal/metrics"
	"github.com/acquira/gateway/internal/middleware"
	"github.com/acquira/gateway/internal/payment"
	"github.com/acquira/gateway/internal/threeds"
	"github.com/acquira/gateway/internal/webhooks"
)

// Server wires handlers, middleware and the underlying http.Server.
type Server struct {
	payments *payment.Service
	threeDS  *threeds.Service
	registry *webhooks.Registry
	fx       *fx.Service
	idem     *idempotency.Store
	degrade  *degrade.Controller
	auth     *middleware.Authenticator
	limiter  *middleware.RateLimiter

	httpServer *http.Server
}

func NewServer(payments *payment.Service, threeDS *threeds.Service,
	registry *webhooks.Registry, fxSvc *fx.Service, idem *idempotency.Store,
	ctl *degrade.Controller, auth *middleware.Authenticator,
	limiter *middleware.RateLimiter) *Server {
	return &Server{
		payments: payments,
		threeDS:  threeDS,
		registry: registry,
		fx:       fxSvc,
		idem:     idem,
		degrade:  ctl,
		auth:     auth,
		limiter:  limiter,
	}
}

// Router builds the full route table. Health and metrics stay outside the
// auth chain so probes and scrapers need no credentials.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(middleware.RequestID)

	r.HandleFunc("/healthz", s.handleHealthz).Methods(http.MethodGet)
	r.HandleFunc("/readyz", s.handleReadyz).Methods(http.MethodGet)
	r.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)

	v1 := r.PathPrefix("/api/v1").Subrouter()
	v1.Use(s.auth.Middleware)
	v1.Use(s.limiter.Middleware)

	v1.HandleFunc("/payments", s.handleCreatePayment).Methods(http.MethodPost)
	v1.HandleFunc("/payments", s.handleListPayments).Methods(http.MethodGet)
	v1.HandleFunc("/payments/{id}", s.handleGetPayment).Methods(http.MethodGet)
	v1.HandleFunc("/payments/{id}/capture", s.handleCapture).Methods(http.MethodPost)
	v1.HandleFunc("/payments/{id}/void", s.handleVoid).Methods(http.MethodPost)
	v1.HandleFunc("/payments/{id}/refund", s.handleRefund).Methods(http.MethodPost)
	v1.HandleFunc("/payments/{id}/events", s.handlePaymentEvents).Methods(http.MethodGet)

	v1.HandleFunc("/3ds/sessions/{id}", s.handleGetThreeDSSession).Methods(http.MethodGet)
	v1.HandleFunc("/3ds/sessions/{id}/complete", s.handleCompleteChallenge).Methods(http.MethodPost)

	v1.HandleFunc("/webhooks", s.handleRegisterWebhook).Methods(http.MethodPost)
	v1.HandleFunc("/webhooks", s.handleListWebhooks).Methods(http.MethodGet)
	v1.HandleFunc("/webhooks/{id}", s.handleDeleteWebhook).Methods(http.MethodDelete)

	v1.HandleFunc("/fx/quote", s.handleFXQuote).Methods(http.MethodGet)

	return r
}

// Start blocks serving HTTP until the listener fails or Shutdown is called.
func (s *Server) Start(port int) error {
	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	slog.Info("gateway API listening", "addr", s.httpServer.Addr)
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleReadyz reports the degradation mode. SEVERELY_DEGRADED returns 503 so
// load balancers rotate traffic away; DEGRADED still serves.
func (s *Server) handleReadyz(w http.ResponseWriter, _ *http.Request) {
	mode := s.degrade.Mode()
	status := http.StatusOK
	if mode == degrade.ModeSeverelyDegraded {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]interface{}{
		"mode":         mode,
		"dependencies": s.degrade.Status(),
	})
}
