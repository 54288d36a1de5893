package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/tutu-network/agentledger/internal/app/settlement"
	"github.com/tutu-network/agentledger/internal/domain"
)

const (
	defaultTxLimit = 50
	maxTxLimit     = 500
)

// ─── Operators ──────────────────────────────────────────────────────────────

type registerRequest struct {
	ID string `json:"id"`
}

// POST /api/operators
func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ID == "" {
		s.fail(w, r, fmt.Errorf("%w: body must be {\"id\": \"<operator>\"}", errBadRequest))
		return
	}
	acc, err := s.accounts.Register(r.Context(), req.ID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, acc)
}

// GET /api/operators/{id}
func (s *Server) handleAccount(w http.ResponseWriter, r *http.Request) {
	acc, err := s.accounts.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, acc)
}

// GET /api/operators/{id}/transactions?limit=N
func (s *Server) handleTransactions(w http.ResponseWriter, r *http.Request) {
	limit := defaultTxLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			s.fail(w, r, fmt.Errorf("%w: limit must be a positive integer", errBadRequest))
			return
		}
		limit = min(n, maxTxLimit)
	}
	txs, err := s.accounts.Transactions(r.Context(), chi.URLParam(r, "id"), limit)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if txs == nil {
		txs = []domain.Transaction{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"transactions": txs})
}

// POST /api/operators/{id}/modules/{name}
func (s *Server) handlePurchase(w http.ResponseWriter, r *http.Request) {
	acc, tx, err := s.accounts.Purchase(r.Context(), chi.URLParam(r, "id"), chi.URLParam(r, "name"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"account": acc, "transaction": tx})
}

// POST /api/operators/{id}/sync
func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	if s.reconciler == nil {
		s.fail(w, r, fmt.Errorf("%w: no remote store configured", domain.ErrSyncUnavailable))
		return
	}
	rep, err := s.reconciler.Reconcile(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

// ─── Tasks ──────────────────────────────────────────────────────────────────

// GET /api/tasks?sector=
func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	tasks, err := s.catalog.ListOpen(r.Context(), r.URL.Query().Get("sector"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if tasks == nil {
		tasks = []domain.Task{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"tasks":   tasks,
		"sectors": s.catalog.Sectors(),
	})
}

// GET /api/tasks/{id}
func (s *Server) handleTask(w http.ResponseWriter, r *http.Request) {
	id, err := taskID(r, "id")
	if err != nil {
		s.fail(w, r, err)
		return
	}
	task, err := s.catalog.Get(r.Context(), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

type settleRequest struct {
	Prompt string `json:"prompt,omitempty"`
}

// POST /api/operators/{id}/tasks/{taskID}/settle
func (s *Server) handleSettle(w http.ResponseWriter, r *http.Request) {
	id, err := taskID(r, "taskID")
	if err != nil {
		s.fail(w, r, err)
		return
	}
	var body settleRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil && !errors.Is(err, io.EOF) {
		s.fail(w, r, fmt.Errorf("%w: %v", errBadRequest, err))
		return
	}

	res, err := s.engine.Settle(r.Context(), settlement.Request{
		AccountID: chi.URLParam(r, "id"),
		TaskID:    id,
		Holder:    "manual",
		Prompt:    body.Prompt,
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// GET /api/modules
func (s *Server) handleModules(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"modules":       domain.Modules,
		"bonus_percent": domain.ModuleBonusPercent,
	})
}

// ─── Inspection ─────────────────────────────────────────────────────────────

// GET /api/dispatcher
func (s *Server) handleDispatcher(w http.ResponseWriter, r *http.Request) {
	if s.dispatcher == nil {
		writeError(w, http.StatusNotFound, "dispatcher not configured")
		return
	}
	writeJSON(w, http.StatusOK, s.dispatcher.Status())
}

// GET /api/leases
func (s *Server) handleLeases(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"leases":          s.engine.Leases(),
		"pending_commits": s.engine.Pending(),
	})
}

// GET /api/traces?limit=N
func (s *Server) handleTraces(w http.ResponseWriter, r *http.Request) {
	if s.tracer == nil {
		writeError(w, http.StatusNotFound, "tracing disabled")
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	writeJSON(w, http.StatusOK, map[string]any{"spans": s.tracer.Spans(limit)})
}

func taskID(r *http.Request, param string) (int64, error) {
	id, err := strconv.ParseInt(chi.URLParam(r, param), 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("%w: task id must be a positive integer", errBadRequest)
	}
	return id, nil
}
