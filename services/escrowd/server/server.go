package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"arbescrow/core/events"
	"arbescrow/native/arbitrator"
	"arbescrow/native/bank"
	"arbescrow/native/escrow"
	"arbescrow/observability/metrics"
)

// Config captures the dependencies required to construct the server.
type Config struct {
	Registry    *escrow.Registry
	Arbitrator  *arbitrator.Centralized
	Ledger      *bank.Ledger
	Events      *events.Recorder
	Auth        *Authenticator
	RateLimiter *RateLimiter
	Logger      *slog.Logger
	Metrics     *metrics.HTTPMetrics
	// Faucet exposes POST /accounts/{addr}/credit for development networks.
	Faucet bool
}

// Server hosts the escrow HTTP API.
type Server struct {
	registry    *escrow.Registry
	arbitrator  *arbitrator.Centralized
	ledger      *bank.Ledger
	events      *events.Recorder
	auth        *Authenticator
	rateLimiter *RateLimiter
	logger      *slog.Logger
	metrics     *metrics.HTTPMetrics
	tracer      trace.Tracer
	faucet      bool

	router http.Handler
}

// New constructs a configured HTTP router.
func New(cfg Config) (*Server, error) {
	if cfg.Registry == nil {
		return nil, fmt.Errorf("registry required")
	}
	if cfg.Arbitrator == nil {
		return nil, fmt.Errorf("arbitrator required")
	}
	if cfg.Ledger == nil {
		return nil, fmt.Errorf("ledger required")
	}
	srv := &Server{
		registry:    cfg.Registry,
		arbitrator:  cfg.Arbitrator,
		ledger:      cfg.Ledger,
		events:      cfg.Events,
		auth:        cfg.Auth,
		rateLimiter: cfg.RateLimiter,
		logger:      cfg.Logger,
		metrics:     cfg.Metrics,
		tracer:      otel.Tracer("escrowd"),
		faucet:      cfg.Faucet,
	}
	if srv.logger == nil {
		srv.logger = slog.Default()
	}
	if srv.auth == nil {
		srv.auth = NewAuthenticator(AuthConfig{}, srv.logger)
	}
	if srv.events == nil {
		srv.events = events.NewRecorder(0)
	}
	if srv.rateLimiter != nil {
		srv.rateLimiter.metrics = srv.metrics
	}
	srv.router = srv.buildRouter()
	return srv, nil
}

// Handler exposes the configured HTTP router.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(s.observe)

	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	r.Get("/escrows", s.handleListEscrows)
	r.Get("/escrows/{id}", s.handleGetEscrow)
	r.Get("/escrows/{id}/remaining", s.handleRemaining)
	r.Get("/disputes/{id}", s.handleGetDispute)
	r.Get("/accounts/{addr}", s.handleGetAccount)
	r.Get("/events", s.handleEvents)

	r.Group(func(protected chi.Router) {
		protected.Use(s.auth.Middleware)
		protected.Use(s.rateLimiter.Middleware)

		protected.Post("/escrows", s.handleCreateEscrow)
		protected.Post("/escrows/{id}/release", s.handleRelease)
		protected.Post("/escrows/{id}/reclaim", s.handleReclaim)
		protected.Post("/escrows/{id}/dispute-fee", s.handleDepositFee)
		protected.Post("/escrows/{id}/evidence", s.handleEvidence)
		protected.Post("/disputes/{id}/ruling", s.handleRuling)
		if s.faucet {
			protected.Post("/accounts/{addr}/credit", s.handleCredit)
		}
	})

	return r
}

// observe records per-route metrics once chi has resolved the route pattern.
func (s *Server) observe(next http.Handler) http.Handler {
	if s.metrics == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		route := ""
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			route = rctx.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		s.metrics.Observe(route, r.Method, status, time.Since(start))
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type errorResponse struct {
	Error  string `json:"error"`
	Reason string `json:"reason,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message, reason string) {
	writeJSON(w, status, errorResponse{Error: message, Reason: reason})
}

// writeDomainError maps escrow and arbitrator errors onto HTTP statuses.
func (s *Server) writeDomainError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	reason := escrow.Reason(err)
	switch {
	case errors.Is(err, escrow.ErrNotFound), errors.Is(err, arbitrator.ErrUnknownDispute):
		status = http.StatusNotFound
		reason = "not_found"
	case errors.Is(err, escrow.ErrUnauthorized), errors.Is(err, arbitrator.ErrUnauthorized):
		status = http.StatusForbidden
		reason = "unauthorized"
	case errors.Is(err, escrow.ErrInvalidState), errors.Is(err, escrow.ErrWindowViolation),
		errors.Is(err, arbitrator.ErrAlreadyRuled), errors.Is(err, arbitrator.ErrUnbound):
		status = http.StatusConflict
		if reason == "error" {
			reason = "conflict"
		}
	case errors.Is(err, escrow.ErrInvalidPayment):
		status = http.StatusPaymentRequired
	case errors.Is(err, escrow.ErrInvalidParams), errors.Is(err, escrow.ErrInvalidRuling),
		errors.Is(err, arbitrator.ErrInvalidRuling), errors.Is(err, bank.ErrNegativeAmount):
		status = http.StatusBadRequest
		if reason == "error" {
			reason = "invalid_request"
		}
	}
	if status == http.StatusInternalServerError {
		s.logger.Error("escrowd request failed", "error", err)
	}
	writeError(w, status, err.Error(), reason)
}
