// Package settlement turns a confirmed piece of work into exactly one
// ledger credit.
//
// A settlement runs through four stages:
//  1. Lease the task so no other attempt can settle it concurrently; a
//     concurrent attempt waits for the lease and then sees the outcome
//  2. Confirm the work with the execution backend under a deadline
//  3. Commit task completion, credit and transaction record in one store transaction
//  4. Release the lease and publish the ledger event
//
// Every confirmed settlement is written to the store's pending journal before
// its first commit attempt. One whose commit keeps failing stays parked there
// and is retried until it lands, across restarts; it is never dropped.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/tutu-network/agentledger/internal/app/accounts"
	"github.com/tutu-network/agentledger/internal/app/catalog"
	"github.com/tutu-network/agentledger/internal/domain"
	"github.com/tutu-network/agentledger/internal/infra/observability"
)

// ErrCommitPending reports that the work was confirmed but the ledger commit
// was deferred to the pending journal. The reward will be credited by RetryPending.
var ErrCommitPending = errors.New("settlement confirmed, commit pending")

// Config controls engine behavior.
type Config struct {
	LeaseTTL       time.Duration    // task lease lifetime (default: 2m)
	ConfirmTimeout time.Duration    // external confirmation deadline, capped at LeaseTTL (default: 90s)
	CommitRetries  int              // in-line commit attempts before parking (default: 3)
	Backoff        time.Duration    // first retry delay, doubled per attempt (default: 50ms)
	Now            func() time.Time // clock
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		LeaseTTL:       2 * time.Minute,
		ConfirmTimeout: 90 * time.Second,
		CommitRetries:  3,
		Backoff:        50 * time.Millisecond,
		Now:            time.Now,
	}
}

// Request asks for one task to be settled against one account.
type Request struct {
	AccountID string
	TaskID    int64
	Reward    domain.Credits // zero means the task's base reward
	Holder    string         // who is settling (manual, dispatcher)
	Prompt    string         // extra context for the execution backend
}

// Result is the committed outcome.
type Result struct {
	Account     domain.Account     `json:"account"`
	Transaction domain.Transaction `json:"transaction"`
}

// Engine settles tasks.
type Engine struct {
	accounts *accounts.Store
	catalog  *catalog.Catalog
	backend  domain.ExecutionBackend
	events   domain.EventPublisher
	leases   *Table
	tracer   *observability.Tracer
	cfg      Config
	logger   *zap.Logger

	mu      sync.Mutex
	pending map[int64]*domain.PendingSettlement
}

// New creates a settlement engine. events and tracer may be nil.
func New(
	acc *accounts.Store,
	cat *catalog.Catalog,
	backend domain.ExecutionBackend,
	events domain.EventPublisher,
	tracer *observability.Tracer,
	cfg Config,
	logger *zap.Logger,
) *Engine {
	def := DefaultConfig()
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = def.LeaseTTL
	}
	if cfg.ConfirmTimeout <= 0 || cfg.ConfirmTimeout > cfg.LeaseTTL {
		cfg.ConfirmTimeout = min(def.ConfirmTimeout, cfg.LeaseTTL)
	}
	if cfg.CommitRetries <= 0 {
		cfg.CommitRetries = def.CommitRetries
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = def.Backoff
	}
	if cfg.Now == nil {
		cfg.Now = def.Now
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		accounts: acc,
		catalog:  cat,
		backend:  backend,
		events:   events,
		leases:   NewTable(cfg.LeaseTTL, cfg.Now),
		tracer:   tracer,
		cfg:      cfg,
		logger:   logger.Named("settlement"),
		pending:  make(map[int64]*domain.PendingSettlement),
	}
}

// ─── Settle ─────────────────────────────────────────────────────────────────

// Settle runs the full settlement of req.TaskID for req.AccountID.
//
// Concurrent calls for one task serialize on its lease: exactly one commits
// and the others, once the lease is released, report domain.ErrAlreadyCompleted.
//
// Errors: domain.ErrNotFound, domain.ErrAlreadyCompleted,
// domain.ErrExternalFailure, domain.ErrInvalidAmount, domain.ErrTaskLeased
// when ctx ends while waiting for another holder's lease, or ErrCommitPending
// when the reward was confirmed but parked for a later commit.
func (e *Engine) Settle(ctx context.Context, req Request) (res Result, err error) {
	if req.Holder == "" {
		req.Holder = "manual"
	}
	ctx, span := e.tracer.StartSpan(ctx, "settle", map[string]string{
		"operator": req.AccountID,
		"task":     fmt.Sprint(req.TaskID),
		"holder":   req.Holder,
	})
	defer func() {
		e.tracer.EndSpan(span, err)
		observability.Settlements.WithLabelValues(outcome(err)).Inc()
	}()

	acc, err := e.accounts.Get(ctx, req.AccountID)
	if err != nil {
		return Result{}, err
	}
	if e.isPending(req.TaskID) {
		return Result{}, fmt.Errorf("task %d awaiting commit: %w", req.TaskID, domain.ErrAlreadyCompleted)
	}
	if _, err := e.openTask(ctx, req.TaskID); err != nil {
		return Result{}, err
	}

	lease, err := e.leases.AcquireWait(ctx, req.TaskID, req.Holder)
	if err != nil {
		return Result{}, err
	}
	defer e.leases.Release(lease)

	// Re-read under the lease: the previous holder may have committed
	// or parked while this attempt waited.
	if e.isPending(req.TaskID) {
		return Result{}, fmt.Errorf("task %d awaiting commit: %w", req.TaskID, domain.ErrAlreadyCompleted)
	}
	task, err := e.openTask(ctx, req.TaskID)
	if err != nil {
		return Result{}, err
	}

	reward := req.Reward
	if reward == 0 {
		reward = task.Reward
	}
	if reward <= 0 {
		return Result{}, domain.ErrInvalidAmount
	}

	conf, err := e.confirm(ctx, domain.ExecutionRequest{
		OperatorID: acc.ID,
		TaskTitle:  task.Title,
		Sector:     task.Sector,
		Reward:     reward,
		Prompt:     req.Prompt,
	})
	if err != nil {
		e.logger.Warn("confirmation failed",
			zap.String("operator", req.AccountID), zap.Int64("task", req.TaskID), zap.Error(err))
		return Result{}, err
	}

	if !e.leases.Valid(lease) {
		return Result{}, fmt.Errorf("task %d lease expired before commit: %w", req.TaskID, domain.ErrExternalFailure)
	}

	st := domain.Settlement{
		AccountID:     req.AccountID,
		TaskID:        task.ID,
		Reward:        reward,
		TransactionID: e.accounts.NewTransactionID(),
		Description:   describe(task, conf),
		At:            e.cfg.Now(),
	}

	// The reward is confirmed from here on: commits ignore caller cancellation.
	commitCtx := context.WithoutCancel(ctx)
	e.journal(commitCtx, domain.PendingSettlement{Settlement: st})
	acc, tx, err := e.commit(commitCtx, st)
	if err != nil {
		if terminal(err) {
			e.unjournal(commitCtx, st.TaskID)
			return Result{}, err
		}
		e.park(commitCtx, st, err)
		return Result{}, fmt.Errorf("task %d: %w: %v", req.TaskID, ErrCommitPending, err)
	}

	e.unjournal(commitCtx, st.TaskID)
	e.committed(commitCtx, acc, tx, req.Holder)
	return Result{Account: acc, Transaction: tx}, nil
}

// openTask loads the task and rejects anything not open.
func (e *Engine) openTask(ctx context.Context, id int64) (domain.Task, error) {
	task, err := e.catalog.Get(ctx, id)
	if err != nil {
		return domain.Task{}, err
	}
	if !task.IsOpen() {
		return domain.Task{}, fmt.Errorf("task %d: %w", id, domain.ErrAlreadyCompleted)
	}
	return task, nil
}

// confirm asks the execution backend for proof of work. Errors, timeouts
// and unsuccessful results all map to domain.ErrExternalFailure.
func (e *Engine) confirm(ctx context.Context, req domain.ExecutionRequest) (domain.ExecutionResult, error) {
	ctx, span := e.tracer.StartSpan(ctx, "confirm", map[string]string{"task": req.TaskTitle})
	ctx, cancel := context.WithTimeout(ctx, e.cfg.ConfirmTimeout)
	defer cancel()

	start := time.Now()
	res, err := e.backend.Execute(ctx, req)
	observability.ConfirmationLatency.Observe(time.Since(start).Seconds())

	switch {
	case err != nil && errors.Is(err, domain.ErrExternalFailure):
	case err != nil:
		err = fmt.Errorf("%w: %v", domain.ErrExternalFailure, err)
	case !res.Success:
		err = fmt.Errorf("%w: backend reported failure", domain.ErrExternalFailure)
	}
	e.tracer.EndSpan(span, err)
	return res, err
}

// commit applies the settlement, retrying transient store errors with
// exponential backoff.
func (e *Engine) commit(ctx context.Context, st domain.Settlement) (domain.Account, domain.Transaction, error) {
	ctx, span := e.tracer.StartSpan(ctx, "commit", map[string]string{"tx": st.TransactionID})
	var (
		acc     domain.Account
		tx      domain.Transaction
		err     error
		backoff = e.cfg.Backoff
	)
	for attempt := 1; attempt <= e.cfg.CommitRetries; attempt++ {
		acc, tx, err = e.accounts.ApplySettlement(ctx, st)
		if err == nil || terminal(err) {
			break
		}
		e.logger.Warn("commit failed",
			zap.String("tx", st.TransactionID), zap.Int("attempt", attempt), zap.Error(err))
		if attempt < e.cfg.CommitRetries {
			time.Sleep(backoff)
			backoff *= 2
		}
	}
	e.tracer.EndSpan(span, err)
	return acc, tx, err
}

func (e *Engine) committed(ctx context.Context, acc domain.Account, tx domain.Transaction, holder string) {
	observability.CreditsAwarded.Add(tx.Amount.Float())
	e.logger.Info("task settled",
		zap.String("operator", acc.ID),
		zap.Int64("task", tx.TaskID),
		zap.Stringer("reward", tx.Amount),
		zap.Stringer("balance", acc.Balance),
		zap.String("holder", holder))
	e.publish(ctx, domain.LedgerEvent{Kind: domain.EventSettled, Account: acc, Transaction: tx})
}

func (e *Engine) publish(ctx context.Context, ev domain.LedgerEvent) {
	if e.events == nil {
		return
	}
	if err := e.events.Publish(ctx, ev); err != nil {
		e.logger.Warn("publish event failed", zap.String("kind", string(ev.Kind)), zap.Error(err))
	}
}

// ─── Pending Journal ────────────────────────────────────────────────────────

// journal writes p to the durable journal. A failed write is logged: the
// in-line commit still runs, and a parked settlement stays in memory.
func (e *Engine) journal(ctx context.Context, p domain.PendingSettlement) {
	if err := e.accounts.SavePending(ctx, p); err != nil {
		e.logger.Error("journal settlement",
			zap.String("tx", p.TransactionID), zap.Int64("task", p.TaskID), zap.Error(err))
	}
}

func (e *Engine) unjournal(ctx context.Context, taskID int64) {
	if err := e.accounts.DeletePending(ctx, taskID); err != nil {
		e.logger.Warn("clear journal entry", zap.Int64("task", taskID), zap.Error(err))
	}
}

func (e *Engine) park(ctx context.Context, st domain.Settlement, cause error) {
	p := domain.PendingSettlement{
		Settlement: st,
		Attempts:   e.cfg.CommitRetries,
		LastError:  cause.Error(),
	}
	e.mu.Lock()
	e.pending[st.TaskID] = &p
	n := len(e.pending)
	e.mu.Unlock()
	e.journal(ctx, p)

	observability.PendingCommits.Set(float64(n))
	e.logger.Error("commit parked",
		zap.String("operator", st.AccountID),
		zap.Int64("task", st.TaskID),
		zap.String("tx", st.TransactionID),
		zap.Error(cause))
}

func (e *Engine) isPending(taskID int64) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.pending[taskID]
	return ok
}

// LoadPending restores journaled settlements left by a previous process so
// RetryPending can commit them. It returns the number restored.
func (e *Engine) LoadPending(ctx context.Context) (int, error) {
	journaled, err := e.accounts.ListPending(ctx)
	if err != nil {
		return 0, fmt.Errorf("load pending settlements: %w", err)
	}
	e.mu.Lock()
	restored := 0
	for _, p := range journaled {
		if _, ok := e.pending[p.TaskID]; ok {
			continue
		}
		e.pending[p.TaskID] = &p
		restored++
	}
	n := len(e.pending)
	e.mu.Unlock()

	observability.PendingCommits.Set(float64(n))
	if restored > 0 {
		e.logger.Info("pending settlements restored", zap.Int("count", restored))
	}
	return restored, nil
}

// RetryPending re-commits every parked settlement once. It returns the
// number committed. A settlement whose task was meanwhile completed by
// someone else is dropped, since crediting it would double-settle the task.
func (e *Engine) RetryPending(ctx context.Context) (int, error) {
	e.mu.Lock()
	jobs := make([]domain.PendingSettlement, 0, len(e.pending))
	for _, p := range e.pending {
		jobs = append(jobs, *p)
	}
	e.mu.Unlock()

	var (
		done int
		errs []error
	)
	for _, p := range jobs {
		acc, tx, err := e.accounts.ApplySettlement(ctx, p.Settlement)
		switch {
		case err == nil:
			e.resolve(ctx, p.TaskID)
			e.committed(ctx, acc, tx, "retry")
			done++
		case terminal(err):
			e.resolve(ctx, p.TaskID)
			e.logger.Error("pending commit abandoned",
				zap.String("tx", p.TransactionID), zap.Int64("task", p.TaskID), zap.Error(err))
		default:
			e.mu.Lock()
			if cur, ok := e.pending[p.TaskID]; ok {
				cur.Attempts++
				cur.LastError = err.Error()
				p = *cur
			}
			e.mu.Unlock()
			e.journal(ctx, p)
			errs = append(errs, fmt.Errorf("task %d: %w", p.TaskID, err))
		}
	}
	return done, errors.Join(errs...)
}

func (e *Engine) resolve(ctx context.Context, taskID int64) {
	e.mu.Lock()
	delete(e.pending, taskID)
	n := len(e.pending)
	e.mu.Unlock()
	e.unjournal(ctx, taskID)
	observability.PendingCommits.Set(float64(n))
}

// Pending returns the number of parked settlements.
func (e *Engine) Pending() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.pending)
}

// Leased returns the ids of tasks an in-flight or parked settlement is
// targeting. The dispatcher excludes them from selection.
func (e *Engine) Leased() map[int64]bool {
	out := make(map[int64]bool)
	for _, l := range e.leases.Active() {
		out[l.TaskID] = true
	}
	e.mu.Lock()
	for id := range e.pending {
		out[id] = true
	}
	e.mu.Unlock()
	return out
}

// Leases returns the live task leases.
func (e *Engine) Leases() []Lease { return e.leases.Active() }

// ─── Helpers ────────────────────────────────────────────────────────────────

// terminal errors are caller errors that a retry cannot fix.
func terminal(err error) bool {
	return errors.Is(err, domain.ErrAlreadyCompleted) ||
		errors.Is(err, domain.ErrNotFound) ||
		errors.Is(err, domain.ErrInvalidAmount)
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, ErrCommitPending):
		return "pending"
	case errors.Is(err, domain.ErrAlreadyCompleted):
		return "already_completed"
	case errors.Is(err, domain.ErrTaskLeased):
		return "leased"
	case errors.Is(err, domain.ErrExternalFailure):
		return "external_failure"
	case errors.Is(err, domain.ErrNotFound):
		return "not_found"
	default:
		return "error"
	}
}

func describe(task domain.Task, conf domain.ExecutionResult) string {
	if conf.ArtifactRef == "" {
		return fmt.Sprintf("Completed %q in %s", task.Title, task.Sector)
	}
	return fmt.Sprintf("Completed %q in %s [%s]", task.Title, task.Sector, conf.ArtifactRef)
}
