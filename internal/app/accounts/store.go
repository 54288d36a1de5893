// Package accounts is the Account Store: the only entry point that mutates
// balances. Mutations on one account id are linearized through a keyed
// mutex; different accounts proceed in parallel.
package accounts

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/tutu-network/agentledger/internal/domain"
	"github.com/tutu-network/agentledger/internal/infra/observability"
)

// Config controls store behavior.
type Config struct {
	Now    func() time.Time      // clock (default time.Now)
	NewID  func() string         // transaction id source (default uuid)
	Events domain.EventPublisher // purchase events (optional)
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		Now:   time.Now,
		NewID: func() string { return uuid.NewString() },
	}
}

// Store serializes account mutations over a domain.LedgerStore.
type Store struct {
	repo   domain.LedgerStore
	locks  *keyedMutex
	cfg    Config
	logger *zap.Logger
}

// New creates an account store.
func New(repo domain.LedgerStore, cfg Config, logger *zap.Logger) *Store {
	def := DefaultConfig()
	if cfg.Now == nil {
		cfg.Now = def.Now
	}
	if cfg.NewID == nil {
		cfg.NewID = def.NewID
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		repo:   repo,
		locks:  newKeyedMutex(),
		cfg:    cfg,
		logger: logger.Named("accounts"),
	}
}

// NewTransactionID returns a fresh transaction id.
func (s *Store) NewTransactionID() string { return s.cfg.NewID() }

// Now returns the store's clock reading.
func (s *Store) Now() time.Time { return s.cfg.Now() }

// ─── Reads ──────────────────────────────────────────────────────────────────

// Get returns the account or domain.ErrNotFound.
func (s *Store) Get(ctx context.Context, id string) (domain.Account, error) {
	return s.repo.GetAccount(ctx, id)
}

// Transactions returns the newest limit records in commit order.
func (s *Store) Transactions(ctx context.Context, id string, limit int) ([]domain.Transaction, error) {
	if _, err := s.repo.GetAccount(ctx, id); err != nil {
		return nil, err
	}
	return s.repo.ListTransactions(ctx, id, limit)
}

// Unreplicated returns records not yet pushed to the remote store.
func (s *Store) Unreplicated(ctx context.Context, id string) ([]domain.Transaction, error) {
	return s.repo.UnreplicatedTransactions(ctx, id)
}

// MarkReplicated flags records as pushed.
func (s *Store) MarkReplicated(ctx context.Context, ids []string) error {
	return s.repo.MarkReplicated(ctx, ids)
}

// ─── Mutations ──────────────────────────────────────────────────────────────

// Register creates the operator's account with the initial balance.
// Registering an existing operator returns the stored account.
func (s *Store) Register(ctx context.Context, id string) (domain.Account, error) {
	if id == "" {
		return domain.Account{}, fmt.Errorf("register: empty operator id")
	}
	unlock := s.locks.Lock(id)
	defer unlock()

	acc, err := s.repo.CreateAccount(ctx, domain.NewAccount(id, s.cfg.Now()))
	if errors.Is(err, domain.ErrAccountExists) {
		return acc, nil
	}
	if err != nil {
		return domain.Account{}, fmt.Errorf("register %s: %w", id, err)
	}
	s.logger.Info("operator registered", zap.String("operator", id), zap.Stringer("balance", acc.Balance))
	observability.AccountBalance.WithLabelValues(id).Set(acc.Balance.Float())
	return acc, nil
}

// Credit adds a positive amount to the balance and records an adjustment
// transaction for replication.
func (s *Store) Credit(ctx context.Context, id string, amount domain.Credits) (domain.Account, error) {
	if amount <= 0 {
		return domain.Account{}, domain.ErrInvalidAmount
	}
	unlock := s.locks.Lock(id)
	defer unlock()
	return s.adjust(ctx, id, amount, "Balance credit")
}

// Debit removes a positive amount, rejecting it with
// domain.ErrInsufficientBalance (and no state change) when it exceeds the balance.
func (s *Store) Debit(ctx context.Context, id string, amount domain.Credits) (domain.Account, error) {
	if amount <= 0 {
		return domain.Account{}, domain.ErrInvalidAmount
	}
	unlock := s.locks.Lock(id)
	defer unlock()
	return s.adjust(ctx, id, -amount, "Balance debit")
}

func (s *Store) adjust(ctx context.Context, id string, delta domain.Credits, desc string) (domain.Account, error) {
	acc, tx, err := s.repo.AdjustBalance(ctx, domain.Adjustment{
		AccountID:     id,
		Delta:         delta,
		TransactionID: s.cfg.NewID(),
		Description:   desc,
		At:            s.cfg.Now(),
	})
	if err != nil {
		return acc, err
	}
	s.logger.Debug("balance adjusted",
		zap.String("operator", id), zap.String("tx", tx.ID), zap.Stringer("delta", delta))
	observability.AccountBalance.WithLabelValues(id).Set(acc.Balance.Float())
	return acc, nil
}

// ApplySettlement commits a confirmed settlement under the account's lock.
func (s *Store) ApplySettlement(ctx context.Context, st domain.Settlement) (domain.Account, domain.Transaction, error) {
	unlock := s.locks.Lock(st.AccountID)
	defer unlock()

	if st.At.IsZero() {
		st.At = s.cfg.Now()
	}
	if st.TransactionID == "" {
		st.TransactionID = s.cfg.NewID()
	}
	acc, tx, err := s.repo.CommitSettlement(ctx, st)
	if err != nil {
		return domain.Account{}, domain.Transaction{}, err
	}
	observability.AccountBalance.WithLabelValues(acc.ID).Set(acc.Balance.Float())
	return acc, tx, nil
}

// Purchase buys a module from the shop: debit, ownership and an
// upgrade_purchase record in one commit.
func (s *Store) Purchase(ctx context.Context, id, module string) (domain.Account, domain.Transaction, error) {
	m := domain.LookupModule(module)
	if m == nil {
		return domain.Account{}, domain.Transaction{}, fmt.Errorf("module %q: %w", module, domain.ErrNotFound)
	}
	unlock := s.locks.Lock(id)
	defer unlock()

	acc, tx, err := s.repo.CommitPurchase(ctx, domain.Purchase{
		AccountID:     id,
		Module:        m.Name,
		Cost:          m.Cost,
		TransactionID: s.cfg.NewID(),
		At:            s.cfg.Now(),
	})
	if err != nil {
		return acc, domain.Transaction{}, err
	}
	s.logger.Info("module purchased",
		zap.String("operator", id),
		zap.String("module", m.Name),
		zap.Stringer("cost", m.Cost),
		zap.Stringer("balance", acc.Balance))
	observability.AccountBalance.WithLabelValues(id).Set(acc.Balance.Float())
	if s.cfg.Events != nil {
		ev := domain.LedgerEvent{Kind: domain.EventPurchased, Account: acc, Transaction: tx}
		if err := s.cfg.Events.Publish(ctx, ev); err != nil {
			s.logger.Warn("publish event failed", zap.String("kind", string(ev.Kind)), zap.Error(err))
		}
	}
	return acc, tx, nil
}

// ─── Pending Journal ────────────────────────────────────────────────────────

// SavePending journals a confirmed settlement until its commit lands.
func (s *Store) SavePending(ctx context.Context, p domain.PendingSettlement) error {
	return s.repo.SavePending(ctx, p)
}

// DeletePending drops the task's journal entry.
func (s *Store) DeletePending(ctx context.Context, taskID int64) error {
	return s.repo.DeletePending(ctx, taskID)
}

// ListPending returns every journaled settlement.
func (s *Store) ListPending(ctx context.Context) ([]domain.PendingSettlement, error) {
	return s.repo.ListPending(ctx)
}

// ─── Reconciliation ─────────────────────────────────────────────────────────

// ReplaceSnapshot overwrites the local view with remote state (remote wins)
// and then re-derives every local transaction the remote has not seen yet,
// so optimistic local writes survive reconciliation. It returns the
// resulting account and the number of re-applied transactions.
func (s *Store) ReplaceSnapshot(ctx context.Context, snap domain.Snapshot) (domain.Account, int, error) {
	id := snap.Account.ID
	unlock := s.locks.Lock(id)
	defer unlock()

	pending, err := s.repo.UnreplicatedTransactions(ctx, id)
	if err != nil {
		return domain.Account{}, 0, fmt.Errorf("load pending: %w", err)
	}

	derived := snap
	derived.Account = snap.Account.Clone()
	derived.Tasks = append([]domain.Task(nil), snap.Tasks...)
	reapplied := 0
	for _, tx := range pending {
		if snap.Supersedes(tx) {
			s.logger.Warn("local transaction superseded by remote",
				zap.String("operator", id), zap.String("tx", tx.ID), zap.Int64("task", tx.TaskID))
			continue
		}
		domain.ApplyTransaction(&derived.Account, derived.Tasks, tx)
		reapplied++
	}

	if err := s.repo.ReplaceSnapshot(ctx, derived); err != nil {
		return domain.Account{}, 0, fmt.Errorf("replace snapshot: %w", err)
	}
	acc, err := s.repo.GetAccount(ctx, id)
	if err != nil {
		return domain.Account{}, 0, err
	}
	observability.AccountBalance.WithLabelValues(id).Set(acc.Balance.Float())
	return acc, reapplied, nil
}
