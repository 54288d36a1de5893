// Package memstore is an in-memory domain.LedgerStore.
// It backs tests and the `--memory` dev mode; semantics match the SQLite store.
package memstore

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/tutu-network/agentledger/internal/domain"
)

type txRecord struct {
	tx         domain.Transaction
	replicated bool
}

// Store holds the whole ledger behind one mutex. Every method is a
// single critical section, which gives the same atomicity as a SQL transaction.
type Store struct {
	mu       sync.Mutex
	accounts map[string]domain.Account
	tasks    map[int64]domain.Task
	txs      []txRecord
	seq      int64
	pending  map[int64]domain.PendingSettlement

	failCommits int
}

// New creates an empty store.
func New() *Store {
	return &Store{
		accounts: make(map[string]domain.Account),
		tasks:    make(map[int64]domain.Task),
		pending:  make(map[int64]domain.PendingSettlement),
	}
}

// FailNextCommits makes the next n settlement commits return an error.
func (s *Store) FailNextCommits(n int) {
	s.mu.Lock()
	s.failCommits = n
	s.mu.Unlock()
}

// ─── Accounts ───────────────────────────────────────────────────────────────

func (s *Store) CreateAccount(_ context.Context, acc domain.Account) (domain.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.accounts[acc.ID]; ok {
		return existing.Clone(), domain.ErrAccountExists
	}
	acc = acc.Clone()
	s.accounts[acc.ID] = acc
	return acc.Clone(), nil
}

func (s *Store) GetAccount(_ context.Context, id string) (domain.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	acc, ok := s.accounts[id]
	if !ok {
		return domain.Account{}, fmt.Errorf("account %q: %w", id, domain.ErrNotFound)
	}
	return acc.Clone(), nil
}

func (s *Store) AdjustBalance(_ context.Context, a domain.Adjustment) (domain.Account, domain.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	acc, ok := s.accounts[a.AccountID]
	if !ok {
		return domain.Account{}, domain.Transaction{}, fmt.Errorf("account %q: %w", a.AccountID, domain.ErrNotFound)
	}
	if acc.Balance+a.Delta < 0 {
		return acc.Clone(), domain.Transaction{}, domain.ErrInsufficientBalance
	}
	acc = acc.Clone()
	acc.Balance += a.Delta
	acc.UpdatedAt = a.At
	s.accounts[acc.ID] = acc

	s.seq++
	tx := domain.Transaction{
		ID:          a.TransactionID,
		Seq:         s.seq,
		AccountID:   a.AccountID,
		Timestamp:   a.At,
		Type:        domain.TxAdjustment,
		Amount:      a.Delta,
		Description: a.Description,
	}
	s.txs = append(s.txs, txRecord{tx: tx})
	return acc.Clone(), tx, nil
}

// ─── Commits ────────────────────────────────────────────────────────────────

func (s *Store) CommitSettlement(_ context.Context, st domain.Settlement) (domain.Account, domain.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.failCommits > 0 {
		s.failCommits--
		return domain.Account{}, domain.Transaction{}, fmt.Errorf("memstore: injected commit failure")
	}

	for _, r := range s.txs {
		if r.tx.ID == st.TransactionID {
			return s.accounts[st.AccountID].Clone(), r.tx, nil
		}
	}

	acc, ok := s.accounts[st.AccountID]
	if !ok {
		return domain.Account{}, domain.Transaction{}, fmt.Errorf("account %q: %w", st.AccountID, domain.ErrNotFound)
	}
	task, ok := s.tasks[st.TaskID]
	if !ok {
		return domain.Account{}, domain.Transaction{}, fmt.Errorf("task %d: %w", st.TaskID, domain.ErrNotFound)
	}
	if !task.IsOpen() {
		return domain.Account{}, domain.Transaction{}, fmt.Errorf("task %d: %w", st.TaskID, domain.ErrAlreadyCompleted)
	}
	if st.Reward <= 0 {
		return domain.Account{}, domain.Transaction{}, domain.ErrInvalidAmount
	}

	task.Status = domain.TaskCompleted
	task.CompletedBy = st.AccountID
	task.CompletedAt = st.At
	s.tasks[task.ID] = task

	acc.Balance += st.Reward
	acc.TasksCompleted++
	acc.TotalEarnings += st.Reward
	acc.UpdatedAt = st.At
	s.accounts[acc.ID] = acc

	s.seq++
	tx := domain.Transaction{
		ID:          st.TransactionID,
		Seq:         s.seq,
		AccountID:   st.AccountID,
		Timestamp:   st.At,
		Type:        domain.TxTaskReward,
		Amount:      st.Reward,
		Description: st.Description,
		TaskID:      st.TaskID,
	}
	s.txs = append(s.txs, txRecord{tx: tx})
	return acc.Clone(), tx, nil
}

func (s *Store) CommitPurchase(_ context.Context, p domain.Purchase) (domain.Account, domain.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	acc, ok := s.accounts[p.AccountID]
	if !ok {
		return domain.Account{}, domain.Transaction{}, fmt.Errorf("account %q: %w", p.AccountID, domain.ErrNotFound)
	}
	if acc.Owns(p.Module) {
		return acc.Clone(), domain.Transaction{}, domain.ErrModuleOwned
	}
	if acc.Balance < p.Cost {
		return acc.Clone(), domain.Transaction{}, domain.ErrInsufficientBalance
	}
	acc = acc.Clone()
	acc.Balance -= p.Cost
	acc.OwnedModules = append(acc.OwnedModules, p.Module)
	acc.UpdatedAt = p.At
	s.accounts[acc.ID] = acc

	s.seq++
	tx := domain.Transaction{
		ID:          p.TransactionID,
		Seq:         s.seq,
		AccountID:   p.AccountID,
		Timestamp:   p.At,
		Type:        domain.TxUpgradePurchase,
		Amount:      -p.Cost,
		Description: "Purchased " + p.Module,
		Module:      p.Module,
	}
	s.txs = append(s.txs, txRecord{tx: tx})
	return acc.Clone(), tx, nil
}

// ─── Tasks ──────────────────────────────────────────────────────────────────

func (s *Store) InsertTasks(_ context.Context, tasks []domain.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range tasks {
		if _, ok := s.tasks[t.ID]; ok {
			continue
		}
		s.tasks[t.ID] = t
	}
	return nil
}

func (s *Store) GetTask(_ context.Context, id int64) (domain.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return domain.Task{}, fmt.Errorf("task %d: %w", id, domain.ErrNotFound)
	}
	return t, nil
}

func (s *Store) ListTasks(_ context.Context, f domain.TaskFilter) ([]domain.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		if f.Sector != "" && t.Sector != f.Sector {
			continue
		}
		if f.OpenOnly && !t.IsOpen() {
			continue
		}
		if f.Status != "" && t.Status != f.Status {
			continue
		}
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) CountTasks(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tasks), nil
}

func (s *Store) MarkTaskCompleted(_ context.Context, id int64, by string, at time.Time) (domain.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return domain.Task{}, fmt.Errorf("task %d: %w", id, domain.ErrNotFound)
	}
	if !t.IsOpen() {
		return t, fmt.Errorf("task %d: %w", id, domain.ErrAlreadyCompleted)
	}
	t.Status = domain.TaskCompleted
	t.CompletedBy = by
	t.CompletedAt = at
	s.tasks[id] = t
	return t, nil
}

// ─── Transactions ───────────────────────────────────────────────────────────

func (s *Store) ListTransactions(_ context.Context, accountID string, limit int) ([]domain.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Transaction
	for _, r := range s.txs {
		if r.tx.AccountID == accountID {
			out = append(out, r.tx)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func (s *Store) UnreplicatedTransactions(_ context.Context, accountID string) ([]domain.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Transaction
	for _, r := range s.txs {
		if r.tx.AccountID == accountID && !r.replicated {
			out = append(out, r.tx)
		}
	}
	return out, nil
}

func (s *Store) MarkReplicated(_ context.Context, ids []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.txs {
		if slices.Contains(ids, s.txs[i].tx.ID) {
			s.txs[i].replicated = true
		}
	}
	return nil
}

// ─── Pending Journal ────────────────────────────────────────────────────────

func (s *Store) SavePending(_ context.Context, p domain.PendingSettlement) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending[p.TaskID] = p
	return nil
}

func (s *Store) DeletePending(_ context.Context, taskID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.pending, taskID)
	return nil
}

func (s *Store) ListPending(_ context.Context) ([]domain.PendingSettlement, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.PendingSettlement, 0, len(s.pending))
	for _, p := range s.pending {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TaskID < out[j].TaskID })
	return out, nil
}

// ─── Snapshot ───────────────────────────────────────────────────────────────

func (s *Store) ReplaceSnapshot(_ context.Context, snap domain.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	acc := snap.Account.Clone()
	if existing, ok := s.accounts[acc.ID]; ok && acc.CreatedAt.IsZero() {
		acc.CreatedAt = existing.CreatedAt
	}
	s.accounts[acc.ID] = acc
	for _, t := range snap.Tasks {
		s.tasks[t.ID] = t
	}

	var kept, pending []txRecord
	for _, r := range s.txs {
		switch {
		case r.tx.AccountID != snap.Account.ID:
			kept = append(kept, r)
		case !r.replicated && !snap.Supersedes(r.tx):
			pending = append(pending, r)
		}
	}
	remote := slices.Clone(snap.Transactions)
	sort.SliceStable(remote, func(i, j int) bool { return remote[i].Seq < remote[j].Seq })
	for _, tx := range remote {
		s.seq++
		tx.Seq = s.seq
		kept = append(kept, txRecord{tx: tx, replicated: true})
	}
	for _, r := range pending {
		s.seq++
		r.tx.Seq = s.seq
		kept = append(kept, r)
	}
	s.txs = kept
	return nil
}

func (s *Store) Close() error { return nil }

var _ domain.LedgerStore = (*Store)(nil)
