package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/tutu-network/agentledger/internal/app/accounts"
	"github.com/tutu-network/agentledger/internal/app/catalog"
	"github.com/tutu-network/agentledger/internal/app/dispatcher"
	"github.com/tutu-network/agentledger/internal/app/settlement"
	"github.com/tutu-network/agentledger/internal/domain"
	"github.com/tutu-network/agentledger/internal/infra/llm"
	"github.com/tutu-network/agentledger/internal/infra/memstore"
	"github.com/tutu-network/agentledger/internal/infra/observability"
)

type testEnv struct {
	server  *Server
	handler http.Handler
	repo    *memstore.Store
	backend *llm.Static
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	ctx := context.Background()
	repo := memstore.New()
	if err := repo.InsertTasks(ctx, []domain.Task{
		{ID: 7, Sector: "Data Mining", Title: "Cluster clickstream logs", Reward: domain.NewCredits(25), Status: domain.TaskOpen},
		{ID: 9, Sector: "Cyber Security", Title: "Audit firewall rules", Reward: domain.NewCredits(10), Status: domain.TaskOpen},
	}); err != nil {
		t.Fatal(err)
	}

	acc := accounts.New(repo, accounts.Config{}, nil)
	cat := catalog.New(repo, catalog.DefaultConfig(), nil)
	backend := &llm.Static{}
	tracer := observability.NewTracer(observability.DefaultTracerConfig())
	eng := settlement.New(acc, cat, backend, nil, tracer, settlement.Config{}, nil)

	s := NewServer(acc, cat, eng, nil)
	s.SetTracer(tracer)
	s.SetLiveHub(NewLiveHub())
	s.SetDispatcher(dispatcher.New(eng, cat, acc, dispatcher.Config{OperatorID: "op-1"}, nil))
	s.EnableMetrics()
	return &testEnv{server: s, handler: s.Handler(), repo: repo, backend: backend}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	w := httptest.NewRecorder()
	e.handler.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(w.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %q: %v", w.Body.String(), err)
	}
	return v
}

type errorBody struct {
	Error struct {
		Message   string `json:"message"`
		Type      string `json:"type"`
		Retryable bool   `json:"retryable"`
	} `json:"error"`
}

func (e *testEnv) register(t *testing.T, id string) {
	t.Helper()
	if w := e.do(t, "POST", "/api/operators", map[string]string{"id": id}); w.Code != http.StatusCreated {
		t.Fatalf("register: status %d, body %s", w.Code, w.Body)
	}
}

// ─── Basic Routes ───────────────────────────────────────────────────────────

func TestHealth(t *testing.T) {
	e := newTestEnv(t)
	w := e.do(t, "GET", "/health", nil)
	if w.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", w.Code)
	}
}

func TestMetrics(t *testing.T) {
	e := newTestEnv(t)
	w := e.do(t, "GET", "/metrics", nil)
	if w.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", w.Code)
	}
}

func TestCORSPreflight(t *testing.T) {
	e := newTestEnv(t)
	w := e.do(t, "OPTIONS", "/api/tasks", nil)
	if w.Code != http.StatusOK || w.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Errorf("preflight: %d %v", w.Code, w.Header())
	}
}

// ─── Operators ──────────────────────────────────────────────────────────────

func TestRegisterAndGet(t *testing.T) {
	e := newTestEnv(t)
	e.register(t, "op-1")

	w := e.do(t, "GET", "/api/operators/op-1", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	acc := decode[domain.Account](t, w)
	if acc.Balance != domain.NewCredits(100) {
		t.Errorf("balance = %s, want 100.00", acc.Balance)
	}

	if w := e.do(t, "GET", "/api/operators/ghost", nil); w.Code != http.StatusNotFound {
		t.Errorf("unknown operator: expected 404, got %d", w.Code)
	}
	if w := e.do(t, "POST", "/api/operators", map[string]string{}); w.Code != http.StatusBadRequest {
		t.Errorf("empty register: expected 400, got %d", w.Code)
	}
}

// ─── Settlement ─────────────────────────────────────────────────────────────

func TestSettle(t *testing.T) {
	e := newTestEnv(t)
	e.register(t, "op-1")

	w := e.do(t, "POST", "/api/operators/op-1/tasks/7/settle", map[string]string{"prompt": "be thorough"})
	if w.Code != http.StatusOK {
		t.Fatalf("settle: expected 200, got %d: %s", w.Code, w.Body)
	}
	res := decode[settlement.Result](t, w)
	if res.Account.Balance != domain.NewCredits(125) || res.Account.TasksCompleted != 1 {
		t.Errorf("account = %+v", res.Account)
	}
	if res.Transaction.Type != domain.TxTaskReward || res.Transaction.Amount != domain.NewCredits(25) {
		t.Errorf("transaction = %+v", res.Transaction)
	}

	// Second settle of the same task conflicts.
	w = e.do(t, "POST", "/api/operators/op-1/tasks/7/settle", nil)
	if w.Code != http.StatusConflict {
		t.Fatalf("second settle: expected 409, got %d", w.Code)
	}
	if body := decode[errorBody](t, w); body.Error.Type != "already_completed" || body.Error.Retryable {
		t.Errorf("error = %+v", body.Error)
	}

	w = e.do(t, "GET", "/api/operators/op-1/transactions?limit=10", nil)
	txs := decode[struct {
		Transactions []domain.Transaction `json:"transactions"`
	}](t, w)
	if len(txs.Transactions) != 1 {
		t.Errorf("transactions = %d, want 1", len(txs.Transactions))
	}
}

func TestSettle_ExternalFailure(t *testing.T) {
	e := newTestEnv(t)
	e.register(t, "op-1")
	e.backend.Fail = true

	w := e.do(t, "POST", "/api/operators/op-1/tasks/9/settle", nil)
	if w.Code != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", w.Code)
	}
	if body := decode[errorBody](t, w); !body.Error.Retryable {
		t.Error("external failure should be retryable")
	}

	task := decode[domain.Task](t, e.do(t, "GET", "/api/tasks/9", nil))
	if task.Status != domain.TaskOpen {
		t.Errorf("task status = %s, want open", task.Status)
	}
}

func TestSettle_BadInput(t *testing.T) {
	e := newTestEnv(t)
	e.register(t, "op-1")

	tests := []struct {
		path string
		want int
	}{
		{"/api/operators/op-1/tasks/abc/settle", http.StatusBadRequest},
		{"/api/operators/op-1/tasks/0/settle", http.StatusBadRequest},
		{"/api/operators/op-1/tasks/404/settle", http.StatusNotFound},
		{"/api/operators/ghost/tasks/7/settle", http.StatusNotFound},
	}
	for _, tt := range tests {
		if w := e.do(t, "POST", tt.path, nil); w.Code != tt.want {
			t.Errorf("POST %s: expected %d, got %d", tt.path, tt.want, w.Code)
		}
	}
}

// ─── Tasks & Modules ────────────────────────────────────────────────────────

func TestListTasks(t *testing.T) {
	e := newTestEnv(t)

	body := decode[struct {
		Tasks   []domain.Task `json:"tasks"`
		Sectors []string      `json:"sectors"`
	}](t, e.do(t, "GET", "/api/tasks", nil))
	if len(body.Tasks) != 2 || body.Tasks[0].ID != 7 {
		t.Errorf("tasks = %+v", body.Tasks)
	}
	if len(body.Sectors) == 0 {
		t.Error("no sectors listed")
	}

	body = decode[struct {
		Tasks   []domain.Task `json:"tasks"`
		Sectors []string      `json:"sectors"`
	}](t, e.do(t, "GET", "/api/tasks?sector=Cyber%20Security", nil))
	if len(body.Tasks) != 1 || body.Tasks[0].ID != 9 {
		t.Errorf("filtered tasks = %+v", body.Tasks)
	}
}

func TestPurchase(t *testing.T) {
	e := newTestEnv(t)
	e.register(t, "op-1")

	w := e.do(t, "POST", "/api/operators/op-1/modules/neural-accelerator", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("purchase: expected 200, got %d: %s", w.Code, w.Body)
	}
	if w := e.do(t, "POST", "/api/operators/op-1/modules/neural-accelerator", nil); w.Code != http.StatusConflict {
		t.Errorf("duplicate purchase: expected 409, got %d", w.Code)
	}
	if w := e.do(t, "POST", "/api/operators/op-1/modules/singularity-core", nil); w.Code != http.StatusPaymentRequired {
		t.Errorf("overdraft purchase: expected 402, got %d", w.Code)
	}
	if w := e.do(t, "POST", "/api/operators/op-1/modules/warp-drive", nil); w.Code != http.StatusNotFound {
		t.Errorf("unknown module: expected 404, got %d", w.Code)
	}

	mods := decode[struct {
		Modules []domain.Module `json:"modules"`
	}](t, e.do(t, "GET", "/api/modules", nil))
	if len(mods.Modules) != len(domain.Modules) {
		t.Errorf("modules = %d, want %d", len(mods.Modules), len(domain.Modules))
	}
}

// ─── Inspection ─────────────────────────────────────────────────────────────

func TestDispatcherStatus(t *testing.T) {
	e := newTestEnv(t)
	status := decode[dispatcher.Status](t, e.do(t, "GET", "/api/dispatcher", nil))
	if status.OperatorID != "op-1" || status.Running || status.InFlight {
		t.Errorf("status = %+v", status)
	}
}

func TestSync_NoRemote(t *testing.T) {
	e := newTestEnv(t)
	e.register(t, "op-1")
	w := e.do(t, "POST", "/api/operators/op-1/sync", nil)
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503, got %d", w.Code)
	}
}

func TestTracesAndLeases(t *testing.T) {
	e := newTestEnv(t)
	e.register(t, "op-1")
	e.do(t, "POST", "/api/operators/op-1/tasks/7/settle", nil)

	spans := decode[struct {
		Spans []observability.Span `json:"spans"`
	}](t, e.do(t, "GET", "/api/traces?limit=10", nil))
	if len(spans.Spans) == 0 {
		t.Error("no spans recorded")
	}

	leases := decode[struct {
		Leases  []settlement.Lease `json:"leases"`
		Pending int                `json:"pending_commits"`
	}](t, e.do(t, "GET", "/api/leases", nil))
	if len(leases.Leases) != 0 || leases.Pending != 0 {
		t.Errorf("leases = %+v", leases)
	}
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{domain.ErrNotFound, http.StatusNotFound},
		{domain.ErrAlreadyCompleted, http.StatusConflict},
		{domain.ErrTaskLeased, http.StatusConflict},
		{domain.ErrInsufficientBalance, http.StatusPaymentRequired},
		{domain.ErrExternalFailure, http.StatusBadGateway},
		{domain.ErrSyncUnavailable, http.StatusServiceUnavailable},
		{domain.ErrInvalidAmount, http.StatusBadRequest},
		{settlement.ErrCommitPending, http.StatusAccepted},
		{context.Canceled, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := statusFor(tt.err); got != tt.want {
			t.Errorf("statusFor(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}
