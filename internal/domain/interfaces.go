package domain

import (
	"context"
	"time"
)

// ─── Service Interfaces ─────────────────────────────────────────────────────
// These interfaces define boundaries between layers.
// Infrastructure implements them; application layer depends on them.

// LedgerStore is the local system of record for accounts, tasks and the
// transaction log. Every multi-row write is a single store transaction.
type LedgerStore interface {
	CreateAccount(ctx context.Context, acc Account) (Account, error)
	GetAccount(ctx context.Context, id string) (Account, error)

	// AdjustBalance adds a.Delta to the balance and appends the adjustment
	// transaction. A result below zero is rejected with ErrInsufficientBalance
	// and leaves the row untouched.
	AdjustBalance(ctx context.Context, a Adjustment) (Account, Transaction, error)

	// CommitSettlement completes the task, credits the account and appends
	// the task_reward transaction. Re-committing the same TransactionID is a no-op
	// that returns the original result.
	CommitSettlement(ctx context.Context, s Settlement) (Account, Transaction, error)

	// CommitPurchase debits the cost, records ownership and appends the
	// upgrade_purchase transaction.
	CommitPurchase(ctx context.Context, p Purchase) (Account, Transaction, error)

	InsertTasks(ctx context.Context, tasks []Task) error
	GetTask(ctx context.Context, id int64) (Task, error)
	ListTasks(ctx context.Context, f TaskFilter) ([]Task, error)
	CountTasks(ctx context.Context) (int, error)
	MarkTaskCompleted(ctx context.Context, id int64, by string, at time.Time) (Task, error)

	// ListTransactions returns the newest limit records in commit order.
	ListTransactions(ctx context.Context, accountID string, limit int) ([]Transaction, error)
	UnreplicatedTransactions(ctx context.Context, accountID string) ([]Transaction, error)
	MarkReplicated(ctx context.Context, ids []string) error

	// SavePending journals a confirmed settlement until its commit lands.
	// Saving the same task again replaces the entry.
	SavePending(ctx context.Context, p PendingSettlement) error
	DeletePending(ctx context.Context, taskID int64) error
	ListPending(ctx context.Context) ([]PendingSettlement, error)

	// ReplaceSnapshot overwrites the local view with remote state.
	// Unreplicated local transactions are kept after the remote ones.
	ReplaceSnapshot(ctx context.Context, snap Snapshot) error

	Close() error
}

// ExecutionRequest asks the execution backend to perform a task.
type ExecutionRequest struct {
	OperatorID string  `json:"operator_id"`
	TaskTitle  string  `json:"task_title"`
	Sector     string  `json:"sector"`
	Reward     Credits `json:"reward"`
	Prompt     string  `json:"prompt,omitempty"` // richer context for manual completion
}

// ExecutionResult is the backend's confirmation of completed work.
type ExecutionResult struct {
	Success     bool   `json:"success"`
	ArtifactRef string `json:"artifact_ref"`
}

// ExecutionBackend performs task work (an LLM call). No latency bound is
// promised; callers apply their own deadline through ctx.
type ExecutionBackend interface {
	Execute(ctx context.Context, req ExecutionRequest) (ExecutionResult, error)
}

// RemoteStore is the hosted relational source of truth.
type RemoteStore interface {
	FetchAccount(ctx context.Context, id string) (Account, error)
	FetchTasks(ctx context.Context) ([]Task, error)
	FetchTransactions(ctx context.Context, accountID string) ([]Transaction, error)

	// PushTransaction applies a locally committed transaction remotely.
	// Pushing the same transaction ID twice must have no further effect.
	PushTransaction(ctx context.Context, tx Transaction) error
}

// EventKind names a ledger event.
type EventKind string

const (
	EventSettled   EventKind = "settled"
	EventPurchased EventKind = "purchased"
)

// LedgerEvent is broadcast after a commit.
type LedgerEvent struct {
	Kind        EventKind   `json:"kind"`
	Account     Account     `json:"account"`
	Transaction Transaction `json:"transaction"`
}

// EventPublisher broadcasts committed ledger events. Publishing is best-effort.
type EventPublisher interface {
	Publish(ctx context.Context, ev LedgerEvent) error
}
