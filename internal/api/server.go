// Package api provides the HTTP server for the ledger.
// The UI reads accounts, tasks and dispatcher state here and performs its
// single write (settle) through POST /api/operators/{id}/tasks/{taskID}/settle.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/tutu-network/agentledger/internal/app/accounts"
	"github.com/tutu-network/agentledger/internal/app/catalog"
	"github.com/tutu-network/agentledger/internal/app/dispatcher"
	"github.com/tutu-network/agentledger/internal/app/reconcile"
	"github.com/tutu-network/agentledger/internal/app/settlement"
	"github.com/tutu-network/agentledger/internal/domain"
	"github.com/tutu-network/agentledger/internal/infra/observability"
)

// Version is reported by /api/version.
var Version = "dev"

// Server is the ledger HTTP API server.
type Server struct {
	accounts       *accounts.Store
	catalog        *catalog.Catalog
	engine         *settlement.Engine
	dispatcher     *dispatcher.Dispatcher // nil when no session operator is configured
	reconciler     *reconcile.Reconciler  // nil when no remote store is configured
	tracer         *observability.Tracer  // nil disables /api/traces
	live           *LiveHub               // nil disables /api/events
	metricsEnabled bool
	logger         *zap.Logger
}

// NewServer creates a new API server.
func NewServer(acc *accounts.Store, cat *catalog.Catalog, eng *settlement.Engine, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{accounts: acc, catalog: cat, engine: eng, logger: logger.Named("api")}
}

// EnableMetrics enables the /metrics Prometheus endpoint.
func (s *Server) EnableMetrics() { s.metricsEnabled = true }

// SetDispatcher exposes the background dispatcher state.
func (s *Server) SetDispatcher(d *dispatcher.Dispatcher) { s.dispatcher = d }

// SetReconciler enables manual sync.
func (s *Server) SetReconciler(r *reconcile.Reconciler) { s.reconciler = r }

// SetTracer exposes recent settlement spans.
func (s *Server) SetTracer(t *observability.Tracer) { s.tracer = t }

// SetLiveHub sets the live ledger SSE hub.
func (s *Server) SetLiveHub(h *LiveHub) { s.live = h }

// Handler returns the chi router with all routes mounted.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(corsMiddleware)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Get("/api/version", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"version": Version})
	})

	r.Route("/api", func(r chi.Router) {
		// Settlement waits on the execution backend; everything else is local.
		r.With(middleware.Timeout(30 * time.Second)).Group(func(r chi.Router) {
			r.Post("/operators", s.handleRegister)
			r.Get("/operators/{id}", s.handleAccount)
			r.Get("/operators/{id}/transactions", s.handleTransactions)
			r.Post("/operators/{id}/modules/{name}", s.handlePurchase)
			r.Post("/operators/{id}/sync", s.handleSync)

			r.Get("/tasks", s.handleListTasks)
			r.Get("/tasks/{id}", s.handleTask)
			r.Get("/modules", s.handleModules)

			r.Get("/dispatcher", s.handleDispatcher)
			r.Get("/leases", s.handleLeases)
			r.Get("/traces", s.handleTraces)
		})
		r.Post("/operators/{id}/tasks/{taskID}/settle", s.handleSettle)

		if s.live != nil {
			r.Get("/events", s.live.HandleSSE)
		}
	})

	// Prometheus metrics endpoint
	if s.metricsEnabled {
		r.Handle("/metrics", promhttp.Handler())
	}

	return r
}

// ─── Error Mapping ──────────────────────────────────────────────────────────

// errBadRequest marks malformed input.
var errBadRequest = errors.New("bad request")

// statusFor maps domain errors onto HTTP statuses.
func statusFor(err error) int {
	switch {
	case errors.Is(err, errBadRequest), errors.Is(err, domain.ErrInvalidAmount):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrAlreadyCompleted),
		errors.Is(err, domain.ErrModuleOwned),
		errors.Is(err, domain.ErrTaskLeased):
		return http.StatusConflict
	case errors.Is(err, domain.ErrInsufficientBalance):
		return http.StatusPaymentRequired
	case errors.Is(err, settlement.ErrCommitPending):
		return http.StatusAccepted
	case errors.Is(err, domain.ErrExternalFailure):
		return http.StatusBadGateway
	case errors.Is(err, domain.ErrSyncUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// errorType names the error class for clients.
func errorType(err error) string {
	switch {
	case errors.Is(err, errBadRequest), errors.Is(err, domain.ErrInvalidAmount):
		return "invalid_request"
	case errors.Is(err, domain.ErrNotFound):
		return "not_found"
	case errors.Is(err, domain.ErrAlreadyCompleted):
		return "already_completed"
	case errors.Is(err, domain.ErrModuleOwned):
		return "module_owned"
	case errors.Is(err, domain.ErrTaskLeased):
		return "task_leased"
	case errors.Is(err, domain.ErrInsufficientBalance):
		return "insufficient_balance"
	case errors.Is(err, settlement.ErrCommitPending):
		return "commit_pending"
	case errors.Is(err, domain.ErrExternalFailure):
		return "external_failure"
	case errors.Is(err, domain.ErrSyncUnavailable):
		return "sync_unavailable"
	default:
		return "internal"
	}
}

// fail writes err with its mapped status.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError && status != http.StatusBadGateway && status != http.StatusServiceUnavailable {
		s.logger.Error("request failed",
			zap.String("path", r.URL.Path),
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.Error(err))
	}
	writeJSON(w, status, map[string]any{
		"error": map[string]any{
			"message":   err.Error(),
			"type":      errorType(err),
			"retryable": domain.Retryable(err),
		},
	})
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    "error",
		},
	})
}

// corsMiddleware adds CORS headers for the browser UI.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}
