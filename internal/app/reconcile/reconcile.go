// Package reconcile synchronizes the local ledger with the remote store.
//
// Remote always wins: local optimistic writes are first pushed, then the
// remote view overwrites the local one and any local transaction the remote
// still has not seen is re-derived on top of it. An unreachable remote
// leaves the last known-good local state in place.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/tutu-network/agentledger/internal/domain"
	"github.com/tutu-network/agentledger/internal/infra/observability"
)

// Ledger is the local side of reconciliation.
type Ledger interface {
	Unreplicated(ctx context.Context, id string) ([]domain.Transaction, error)
	MarkReplicated(ctx context.Context, ids []string) error
	ReplaceSnapshot(ctx context.Context, snap domain.Snapshot) (domain.Account, int, error)
}

// Config controls reconciler behavior.
type Config struct {
	Timeout time.Duration    // deadline for one reconciliation (default: 15s)
	Now     func() time.Time // clock
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{Timeout: 15 * time.Second, Now: time.Now}
}

// Report summarizes one reconciliation.
type Report struct {
	AccountID     string         `json:"account_id"`
	Pushed        int            `json:"pushed"`
	Reapplied     int            `json:"reapplied"`
	RemoteMissing bool           `json:"remote_missing,omitempty"`
	Account       domain.Account `json:"account"`
	At            time.Time      `json:"at"`
}

// Reconciler pulls authoritative state from a domain.RemoteStore.
type Reconciler struct {
	ledger Ledger
	remote domain.RemoteStore
	cfg    Config
	logger *zap.Logger
	group  singleflight.Group

	mu   sync.Mutex
	last map[string]Report
}

// New creates a reconciler.
func New(ledger Ledger, remote domain.RemoteStore, cfg Config, logger *zap.Logger) *Reconciler {
	def := DefaultConfig()
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.Now == nil {
		cfg.Now = def.Now
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reconciler{
		ledger: ledger,
		remote: remote,
		cfg:    cfg,
		logger: logger.Named("reconcile"),
		last:   make(map[string]Report),
	}
}

// Reconcile synchronizes one operator. Concurrent calls for the same
// operator share a single run. A failure to reach the remote store returns
// domain.ErrSyncUnavailable and leaves local state untouched.
func (r *Reconciler) Reconcile(ctx context.Context, accountID string) (Report, error) {
	v, err, shared := r.group.Do(accountID, func() (any, error) {
		return r.reconcile(ctx, accountID)
	})
	if shared {
		r.logger.Debug("reconcile shared", zap.String("operator", accountID))
	}
	rep, _ := v.(Report)
	return rep, err
}

func (r *Reconciler) reconcile(ctx context.Context, accountID string) (Report, error) {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	defer cancel()

	rep := Report{AccountID: accountID}

	pushed, err := r.push(ctx, accountID)
	rep.Pushed = pushed
	if err != nil {
		return r.fail(rep, err)
	}

	snap, err := r.fetch(ctx, accountID)
	if errors.Is(err, domain.ErrNotFound) {
		// The remote has never heard of this operator; local state stands.
		rep.RemoteMissing = true
		rep.At = r.cfg.Now()
		r.store(rep)
		observability.SyncRuns.WithLabelValues("remote_missing").Inc()
		return rep, nil
	}
	if err != nil {
		return r.fail(rep, err)
	}

	acc, reapplied, err := r.ledger.ReplaceSnapshot(ctx, snap)
	if err != nil {
		return rep, fmt.Errorf("apply snapshot: %w", err)
	}
	rep.Account = acc
	rep.Reapplied = reapplied
	rep.At = r.cfg.Now()
	r.store(rep)

	observability.SyncRuns.WithLabelValues("ok").Inc()
	r.logger.Info("reconciled",
		zap.String("operator", accountID),
		zap.Int("pushed", rep.Pushed),
		zap.Int("reapplied", reapplied),
		zap.Stringer("balance", acc.Balance))
	return rep, nil
}

// push replicates local transactions in commit order and stops at the
// first failure. Pushed records are marked replicated even on failure.
func (r *Reconciler) push(ctx context.Context, accountID string) (int, error) {
	pending, err := r.ledger.Unreplicated(ctx, accountID)
	if err != nil {
		return 0, fmt.Errorf("load unreplicated: %w", err)
	}
	var (
		done    []string
		pushErr error
	)
	for _, tx := range pending {
		if err := r.remote.PushTransaction(ctx, tx); err != nil {
			pushErr = fmt.Errorf("%w: push %s: %v", domain.ErrSyncUnavailable, tx.ID, err)
			break
		}
		done = append(done, tx.ID)
	}
	if len(done) > 0 {
		if err := r.ledger.MarkReplicated(ctx, done); err != nil {
			return 0, fmt.Errorf("mark replicated: %w", err)
		}
		observability.SyncPushed.Add(float64(len(done)))
	}
	return len(done), pushErr
}

// fetch loads the remote account, task board and log in parallel.
func (r *Reconciler) fetch(ctx context.Context, accountID string) (domain.Snapshot, error) {
	var snap domain.Snapshot
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		acc, err := r.remote.FetchAccount(gctx, accountID)
		snap.Account = acc
		return err
	})
	g.Go(func() error {
		tasks, err := r.remote.FetchTasks(gctx)
		snap.Tasks = tasks
		return err
	})
	g.Go(func() error {
		txs, err := r.remote.FetchTransactions(gctx, accountID)
		snap.Transactions = txs
		return err
	})
	if err := g.Wait(); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return domain.Snapshot{}, err
		}
		return domain.Snapshot{}, fmt.Errorf("%w: fetch: %v", domain.ErrSyncUnavailable, err)
	}
	return snap, nil
}

func (r *Reconciler) fail(rep Report, err error) (Report, error) {
	if !errors.Is(err, domain.ErrSyncUnavailable) {
		err = fmt.Errorf("%w: %v", domain.ErrSyncUnavailable, err)
	}
	observability.SyncRuns.WithLabelValues("unavailable").Inc()
	r.logger.Warn("remote unavailable, keeping local state",
		zap.String("operator", rep.AccountID), zap.Int("pushed", rep.Pushed), zap.Error(err))
	return rep, err
}

func (r *Reconciler) store(rep Report) {
	r.mu.Lock()
	r.last[rep.AccountID] = rep
	r.mu.Unlock()
}

// Last returns the most recent successful report for an operator.
func (r *Reconciler) Last(accountID string) (Report, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rep, ok := r.last[accountID]
	return rep, ok
}

// Run reconciles the given operators every interval until ctx is done.
// Failures are logged and retried on the next tick.
func (r *Reconciler) Run(ctx context.Context, interval time.Duration, accountIDs ...string) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, id := range accountIDs {
				if _, err := r.Reconcile(ctx, id); err != nil && ctx.Err() == nil {
					r.logger.Debug("scheduled reconcile failed", zap.String("operator", id), zap.Error(err))
				}
			}
		}
	}
}
