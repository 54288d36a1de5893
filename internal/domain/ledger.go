package domain

import (
	"slices"
	"time"
)

// ─── Account ────────────────────────────────────────────────────────────────

// InitialBalance is granted to every operator at registration.
var InitialBalance = NewCredits(100)

// Account is an operator's ledger state.
type Account struct {
	ID             string    `json:"id"`
	Balance        Credits   `json:"balance"`
	TasksCompleted int64     `json:"tasks_completed"`
	TotalEarnings  Credits   `json:"total_earnings"`
	OwnedModules   []string  `json:"owned_modules"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// NewAccount returns a freshly registered account.
func NewAccount(id string, now time.Time) Account {
	return Account{
		ID:           id,
		Balance:      InitialBalance,
		OwnedModules: []string{},
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

// Owns reports whether the account owns the named module.
func (a Account) Owns(module string) bool {
	return slices.Contains(a.OwnedModules, module)
}

// ModuleCount returns the number of owned modules.
func (a Account) ModuleCount() int { return len(a.OwnedModules) }

// Clone returns a deep copy so callers never share the modules slice.
func (a Account) Clone() Account {
	a.OwnedModules = slices.Clone(a.OwnedModules)
	if a.OwnedModules == nil {
		a.OwnedModules = []string{}
	}
	return a
}

// ─── Task ───────────────────────────────────────────────────────────────────

// TaskStatus is the lifecycle state of a task. Only open → completed is legal.
type TaskStatus string

const (
	TaskOpen      TaskStatus = "open"
	TaskCompleted TaskStatus = "completed"
)

// Difficulty grades a task by its reward.
type Difficulty string

const (
	DifficultyEasy   Difficulty = "easy"
	DifficultyMedium Difficulty = "medium"
	DifficultyHard   Difficulty = "hard"
)

// Task is a unit of assignable work carrying a fixed reward.
type Task struct {
	ID          int64      `json:"id"`
	Sector      string     `json:"sector"`
	Title       string     `json:"title"`
	Reward      Credits    `json:"reward"`
	Difficulty  Difficulty `json:"difficulty"`
	Status      TaskStatus `json:"status"`
	CompletedBy string     `json:"completed_by,omitempty"`
	CompletedAt time.Time  `json:"completed_at,omitzero"`
}

// IsOpen reports whether the task can still be settled.
func (t Task) IsOpen() bool { return t.Status == TaskOpen }

// TaskFilter narrows task listings.
type TaskFilter struct {
	Sector   string     // empty = every sector
	Status   TaskStatus // empty = every status
	OpenOnly bool
}

// ─── Transactions ───────────────────────────────────────────────────────────

// TransactionType is the business reason for a ledger movement.
type TransactionType string

const (
	TxTaskReward      TransactionType = "task_reward"
	TxUpgradePurchase TransactionType = "upgrade_purchase"
	TxAdjustment      TransactionType = "adjustment" // direct credit or debit
)

// Transaction is one append-only audit record. Seq is the commit order.
type Transaction struct {
	ID          string          `json:"id"`
	Seq         int64           `json:"seq"`
	AccountID   string          `json:"account_id"`
	Timestamp   time.Time       `json:"timestamp"`
	Type        TransactionType `json:"type"`
	Amount      Credits         `json:"amount"`
	Description string          `json:"description"`
	TaskID      int64           `json:"task_id,omitempty"`
	Module      string          `json:"module,omitempty"`
}

// Settlement is a confirmed task completion ready to be committed.
type Settlement struct {
	AccountID     string
	TaskID        int64
	Reward        Credits
	TransactionID string
	Description   string
	At            time.Time
}

// Purchase is a module purchase ready to be committed.
type Purchase struct {
	AccountID     string
	Module        string
	Cost          Credits
	TransactionID string
	At            time.Time
}

// Adjustment is a direct balance credit (Delta > 0) or debit (Delta < 0).
type Adjustment struct {
	AccountID     string
	Delta         Credits
	TransactionID string
	Description   string
	At            time.Time
}

// PendingSettlement is a confirmed settlement whose commit has not landed yet.
type PendingSettlement struct {
	Settlement
	Attempts  int
	LastError string
}

// Snapshot is the authoritative remote view of one operator's ledger.
type Snapshot struct {
	Account      Account
	Tasks        []Task
	Transactions []Transaction
}

// Supersedes reports whether the snapshot makes a local unreplicated
// transaction obsolete: the remote already holds it, or the remote records
// its task as completed by a different operator.
func (s Snapshot) Supersedes(tx Transaction) bool {
	for _, r := range s.Transactions {
		if r.ID == tx.ID {
			return true
		}
	}
	if tx.Type != TxTaskReward {
		return false
	}
	for _, t := range s.Tasks {
		if t.ID == tx.TaskID && t.Status == TaskCompleted && t.CompletedBy != tx.AccountID {
			return true
		}
	}
	return false
}

// ApplyTransaction re-derives the effect of a committed transaction on an
// account and its task. Used to replay local writes on top of a remote snapshot.
func ApplyTransaction(acc *Account, tasks []Task, tx Transaction) {
	acc.Balance += tx.Amount
	switch tx.Type {
	case TxTaskReward:
		acc.TasksCompleted++
		acc.TotalEarnings += tx.Amount
		for i := range tasks {
			if tasks[i].ID == tx.TaskID {
				tasks[i].Status = TaskCompleted
				tasks[i].CompletedBy = tx.AccountID
				tasks[i].CompletedAt = tx.Timestamp
			}
		}
	case TxUpgradePurchase:
		if tx.Module != "" && !acc.Owns(tx.Module) {
			acc.OwnedModules = append(acc.OwnedModules, tx.Module)
		}
	}
	if tx.Timestamp.After(acc.UpdatedAt) {
		acc.UpdatedAt = tx.Timestamp
	}
}

// ─── Modules ────────────────────────────────────────────────────────────────

// Module is a purchasable agent upgrade. Each owned module boosts rewards.
type Module struct {
	Name        string  `json:"name"`
	Cost        Credits `json:"cost"`
	Description string  `json:"description"`
}

// Modules is the upgrade shop.
var Modules = []Module{
	{Name: "neural-accelerator", Cost: NewCredits(50), Description: "Overclocked inference cores"},
	{Name: "quantum-cache", Cost: NewCredits(120), Description: "Entangled working memory"},
	{Name: "stealth-protocol", Cost: NewCredits(200), Description: "Ghost routing through the grid"},
	{Name: "swarm-link", Cost: NewCredits(350), Description: "Parallel sub-agent uplink"},
	{Name: "singularity-core", Cost: NewCredits(800), Description: "Self-optimizing cognition kernel"},
}

// LookupModule returns the module with the given name, or nil.
func LookupModule(name string) *Module {
	for i := range Modules {
		if Modules[i].Name == name {
			m := Modules[i]
			return &m
		}
	}
	return nil
}
