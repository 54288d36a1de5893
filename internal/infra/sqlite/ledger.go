package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/tutu-network/agentledger/internal/domain"
)

// ─── Ledger Schema ──────────────────────────────────────────────────────────

// LedgerMigrations returns the schema migration statements.
// Each string is a single SQL statement (SQLite executes one at a time).
func LedgerMigrations() []string {
	return []string{
		`CREATE TABLE IF NOT EXISTS accounts (
			id              TEXT PRIMARY KEY,
			balance         INTEGER NOT NULL DEFAULT 0,
			tasks_completed INTEGER NOT NULL DEFAULT 0,
			total_earnings  INTEGER NOT NULL DEFAULT 0,
			created_at      TEXT NOT NULL,
			updated_at      TEXT NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS owned_modules (
			account_id  TEXT NOT NULL REFERENCES accounts(id),
			module      TEXT NOT NULL,
			position    INTEGER NOT NULL,
			PRIMARY KEY (account_id, module)
		)`,

		`CREATE TABLE IF NOT EXISTS tasks (
			id           INTEGER PRIMARY KEY,
			sector       TEXT NOT NULL,
			title        TEXT NOT NULL,
			reward       INTEGER NOT NULL CHECK (reward > 0),
			difficulty   TEXT NOT NULL,
			status       TEXT NOT NULL DEFAULT 'open',
			completed_by TEXT NOT NULL DEFAULT '',
			completed_at TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_sector_status ON tasks(sector, status)`,

		// seq is the commit order of the append-only log
		`CREATE TABLE IF NOT EXISTS transactions (
			seq         INTEGER PRIMARY KEY AUTOINCREMENT,
			id          TEXT NOT NULL UNIQUE,
			account_id  TEXT NOT NULL,
			ts          TEXT NOT NULL,
			type        TEXT NOT NULL,
			amount      INTEGER NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			task_id     INTEGER NOT NULL DEFAULT 0,
			module      TEXT NOT NULL DEFAULT '',
			replicated  INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_transactions_account ON transactions(account_id, seq)`,
		`CREATE INDEX IF NOT EXISTS idx_transactions_unreplicated ON transactions(account_id, replicated)`,
		// One reward per task, ever.
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_transactions_task_reward
			ON transactions(task_id) WHERE type = 'task_reward'`,

		// Confirmed settlements whose commit has not landed. Survives restarts.
		`CREATE TABLE IF NOT EXISTS pending_settlements (
			task_id     INTEGER PRIMARY KEY,
			account_id  TEXT NOT NULL,
			tx_id       TEXT NOT NULL,
			reward      INTEGER NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			settled_at  TEXT NOT NULL,
			attempts    INTEGER NOT NULL DEFAULT 0,
			last_error  TEXT NOT NULL DEFAULT ''
		)`,
	}
}

// queryer is satisfied by *sql.DB and *sql.Tx.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// inTx runs fn in a transaction, committing on nil error.
func (d *DB) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit
	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// ─── Account Operations ─────────────────────────────────────────────────────

// CreateAccount inserts a new account. An existing id returns the stored
// account with domain.ErrAccountExists.
func (d *DB) CreateAccount(ctx context.Context, acc domain.Account) (domain.Account, error) {
	var out domain.Account
	err := d.inTx(ctx, func(tx *sql.Tx) error {
		existing, err := loadAccount(ctx, tx, acc.ID)
		if err == nil {
			out = existing
			return domain.ErrAccountExists
		}
		if !errors.Is(err, domain.ErrNotFound) {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO accounts (id, balance, tasks_completed, total_earnings, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?)
		`, acc.ID, int64(acc.Balance), acc.TasksCompleted, int64(acc.TotalEarnings),
			formatTime(acc.CreatedAt), formatTime(acc.UpdatedAt)); err != nil {
			return fmt.Errorf("insert account: %w", err)
		}
		if err := writeModules(ctx, tx, acc.ID, acc.OwnedModules); err != nil {
			return err
		}
		out, err = loadAccount(ctx, tx, acc.ID)
		return err
	})
	return out, err
}

// GetAccount loads an account with its owned modules.
func (d *DB) GetAccount(ctx context.Context, id string) (domain.Account, error) {
	return loadAccount(ctx, d.db, id)
}

// AdjustBalance applies a direct credit or debit and appends the
// adjustment transaction, rejecting a negative result.
func (d *DB) AdjustBalance(ctx context.Context, a domain.Adjustment) (domain.Account, domain.Transaction, error) {
	var (
		acc domain.Account
		rec domain.Transaction
	)
	err := d.inTx(ctx, func(tx *sql.Tx) error {
		cur, err := loadAccount(ctx, tx, a.AccountID)
		if err != nil {
			return err
		}
		if cur.Balance+a.Delta < 0 {
			acc = cur
			return domain.ErrInsufficientBalance
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE accounts SET balance = balance + ?, updated_at = ? WHERE id = ?
		`, int64(a.Delta), formatTime(a.At), a.AccountID); err != nil {
			return fmt.Errorf("update balance: %w", err)
		}
		rec = domain.Transaction{
			ID:          a.TransactionID,
			AccountID:   a.AccountID,
			Timestamp:   a.At,
			Type:        domain.TxAdjustment,
			Amount:      a.Delta,
			Description: a.Description,
		}
		if rec.Seq, err = insertTransaction(ctx, tx, rec, false); err != nil {
			return err
		}
		acc, err = loadAccount(ctx, tx, a.AccountID)
		return err
	})
	if errors.Is(err, domain.ErrInsufficientBalance) {
		return acc, domain.Transaction{}, err
	}
	if err != nil {
		return domain.Account{}, domain.Transaction{}, err
	}
	return acc, rec, nil
}

func loadAccount(ctx context.Context, q queryer, id string) (domain.Account, error) {
	var (
		acc                  domain.Account
		balance, earnings    int64
		createdAt, updatedAt string
	)
	err := q.QueryRowContext(ctx, `
		SELECT id, balance, tasks_completed, total_earnings, created_at, updated_at
		FROM accounts WHERE id = ?
	`, id).Scan(&acc.ID, &balance, &acc.TasksCompleted, &earnings, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return domain.Account{}, fmt.Errorf("account %q: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return domain.Account{}, fmt.Errorf("load account: %w", err)
	}
	acc.Balance = domain.Credits(balance)
	acc.TotalEarnings = domain.Credits(earnings)
	acc.CreatedAt = parseTime(createdAt)
	acc.UpdatedAt = parseTime(updatedAt)

	rows, err := q.QueryContext(ctx, `
		SELECT module FROM owned_modules WHERE account_id = ? ORDER BY position
	`, id)
	if err != nil {
		return domain.Account{}, fmt.Errorf("load modules: %w", err)
	}
	defer rows.Close()
	acc.OwnedModules = []string{}
	for rows.Next() {
		var m string
		if err := rows.Scan(&m); err != nil {
			return domain.Account{}, err
		}
		acc.OwnedModules = append(acc.OwnedModules, m)
	}
	return acc, rows.Err()
}

func writeModules(ctx context.Context, q queryer, accountID string, modules []string) error {
	if _, err := q.ExecContext(ctx, `DELETE FROM owned_modules WHERE account_id = ?`, accountID); err != nil {
		return fmt.Errorf("clear modules: %w", err)
	}
	for i, m := range modules {
		if _, err := q.ExecContext(ctx, `
			INSERT INTO owned_modules (account_id, module, position) VALUES (?, ?, ?)
		`, accountID, m, i); err != nil {
			return fmt.Errorf("insert module: %w", err)
		}
	}
	return nil
}

// ─── Commit Operations ──────────────────────────────────────────────────────

// CommitSettlement completes the task, credits the account and appends the
// reward transaction in one SQL transaction.
func (d *DB) CommitSettlement(ctx context.Context, s domain.Settlement) (domain.Account, domain.Transaction, error) {
	var (
		acc domain.Account
		rec domain.Transaction
	)
	err := d.inTx(ctx, func(tx *sql.Tx) error {
		// Idempotent retry: the transaction already landed.
		if prior, err := loadTransaction(ctx, tx, s.TransactionID); err == nil {
			rec = prior
			acc, err = loadAccount(ctx, tx, s.AccountID)
			return err
		} else if !errors.Is(err, domain.ErrNotFound) {
			return err
		}

		if s.Reward <= 0 {
			return domain.ErrInvalidAmount
		}
		if _, err := loadAccount(ctx, tx, s.AccountID); err != nil {
			return err
		}
		task, err := loadTask(ctx, tx, s.TaskID)
		if err != nil {
			return err
		}
		if !task.IsOpen() {
			return fmt.Errorf("task %d: %w", s.TaskID, domain.ErrAlreadyCompleted)
		}

		res, err := tx.ExecContext(ctx, `
			UPDATE tasks SET status = ?, completed_by = ?, completed_at = ?
			WHERE id = ? AND status = ?
		`, domain.TaskCompleted, s.AccountID, formatTime(s.At), s.TaskID, domain.TaskOpen)
		if err != nil {
			return fmt.Errorf("complete task: %w", err)
		}
		if n, _ := res.RowsAffected(); n != 1 {
			return fmt.Errorf("task %d: %w", s.TaskID, domain.ErrAlreadyCompleted)
		}

		if _, err := tx.ExecContext(ctx, `
			UPDATE accounts SET
				balance         = balance + ?,
				tasks_completed = tasks_completed + 1,
				total_earnings  = total_earnings + ?,
				updated_at      = ?
			WHERE id = ?
		`, int64(s.Reward), int64(s.Reward), formatTime(s.At), s.AccountID); err != nil {
			return fmt.Errorf("credit account: %w", err)
		}

		rec = domain.Transaction{
			ID:          s.TransactionID,
			AccountID:   s.AccountID,
			Timestamp:   s.At,
			Type:        domain.TxTaskReward,
			Amount:      s.Reward,
			Description: s.Description,
			TaskID:      s.TaskID,
		}
		if rec.Seq, err = insertTransaction(ctx, tx, rec, false); err != nil {
			return err
		}
		acc, err = loadAccount(ctx, tx, s.AccountID)
		return err
	})
	if err != nil {
		return domain.Account{}, domain.Transaction{}, err
	}
	return acc, rec, nil
}

// CommitPurchase debits the module cost, records ownership and appends the
// purchase transaction in one SQL transaction.
func (d *DB) CommitPurchase(ctx context.Context, p domain.Purchase) (domain.Account, domain.Transaction, error) {
	var (
		acc domain.Account
		rec domain.Transaction
	)
	err := d.inTx(ctx, func(tx *sql.Tx) error {
		cur, err := loadAccount(ctx, tx, p.AccountID)
		if err != nil {
			return err
		}
		if cur.Owns(p.Module) {
			acc = cur
			return domain.ErrModuleOwned
		}
		if cur.Balance < p.Cost {
			acc = cur
			return domain.ErrInsufficientBalance
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE accounts SET balance = balance - ?, updated_at = ? WHERE id = ?
		`, int64(p.Cost), formatTime(p.At), p.AccountID); err != nil {
			return fmt.Errorf("debit account: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO owned_modules (account_id, module, position) VALUES (?, ?, ?)
		`, p.AccountID, p.Module, len(cur.OwnedModules)); err != nil {
			return fmt.Errorf("record module: %w", err)
		}

		rec = domain.Transaction{
			ID:          p.TransactionID,
			AccountID:   p.AccountID,
			Timestamp:   p.At,
			Type:        domain.TxUpgradePurchase,
			Amount:      -p.Cost,
			Description: "Purchased " + p.Module,
			Module:      p.Module,
		}
		if rec.Seq, err = insertTransaction(ctx, tx, rec, false); err != nil {
			return err
		}
		acc, err = loadAccount(ctx, tx, p.AccountID)
		return err
	})
	if err != nil && !errors.Is(err, domain.ErrModuleOwned) && !errors.Is(err, domain.ErrInsufficientBalance) {
		return domain.Account{}, domain.Transaction{}, err
	}
	return acc, rec, err
}

// ─── Task Operations ────────────────────────────────────────────────────────

// InsertTasks inserts tasks, skipping ids that already exist.
func (d *DB) InsertTasks(ctx context.Context, tasks []domain.Task) error {
	return d.inTx(ctx, func(tx *sql.Tx) error {
		for _, t := range tasks {
			if _, err := tx.ExecContext(ctx, `
				INSERT OR IGNORE INTO tasks (id, sector, title, reward, difficulty, status, completed_by, completed_at)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			`, t.ID, t.Sector, t.Title, int64(t.Reward), t.Difficulty, statusOrOpen(t.Status),
				t.CompletedBy, formatTime(t.CompletedAt)); err != nil {
				return fmt.Errorf("insert task %d: %w", t.ID, err)
			}
		}
		return nil
	})
}

// GetTask loads one task.
func (d *DB) GetTask(ctx context.Context, id int64) (domain.Task, error) {
	return loadTask(ctx, d.db, id)
}

// ListTasks returns tasks in ascending id order.
func (d *DB) ListTasks(ctx context.Context, f domain.TaskFilter) ([]domain.Task, error) {
	var (
		where []string
		args  []any
	)
	if f.Sector != "" {
		where = append(where, "sector = ?")
		args = append(args, f.Sector)
	}
	if f.OpenOnly {
		where = append(where, "status = ?")
		args = append(args, domain.TaskOpen)
	} else if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, f.Status)
	}
	query := `SELECT id, sector, title, reward, difficulty, status, completed_by, completed_at FROM tasks`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY id"

	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var out []domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// CountTasks returns the catalog size.
func (d *DB) CountTasks(ctx context.Context) (int, error) {
	var n int
	err := d.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM tasks`).Scan(&n)
	return n, err
}

// MarkTaskCompleted transitions open → completed exactly once.
func (d *DB) MarkTaskCompleted(ctx context.Context, id int64, by string, at time.Time) (domain.Task, error) {
	var out domain.Task
	err := d.inTx(ctx, func(tx *sql.Tx) error {
		t, err := loadTask(ctx, tx, id)
		if err != nil {
			return err
		}
		if !t.IsOpen() {
			out = t
			return fmt.Errorf("task %d: %w", id, domain.ErrAlreadyCompleted)
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE tasks SET status = ?, completed_by = ?, completed_at = ? WHERE id = ? AND status = ?
		`, domain.TaskCompleted, by, formatTime(at), id, domain.TaskOpen); err != nil {
			return fmt.Errorf("complete task: %w", err)
		}
		out, err = loadTask(ctx, tx, id)
		return err
	})
	return out, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(r rowScanner) (domain.Task, error) {
	var (
		t           domain.Task
		reward      int64
		completedAt string
	)
	if err := r.Scan(&t.ID, &t.Sector, &t.Title, &reward, &t.Difficulty, &t.Status, &t.CompletedBy, &completedAt); err != nil {
		return domain.Task{}, err
	}
	t.Reward = domain.Credits(reward)
	t.CompletedAt = parseTime(completedAt)
	return t, nil
}

func loadTask(ctx context.Context, q queryer, id int64) (domain.Task, error) {
	t, err := scanTask(q.QueryRowContext(ctx, `
		SELECT id, sector, title, reward, difficulty, status, completed_by, completed_at
		FROM tasks WHERE id = ?
	`, id))
	if err == sql.ErrNoRows {
		return domain.Task{}, fmt.Errorf("task %d: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return domain.Task{}, fmt.Errorf("load task: %w", err)
	}
	return t, nil
}

func upsertTask(ctx context.Context, q queryer, t domain.Task) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO tasks (id, sector, title, reward, difficulty, status, completed_by, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			sector       = excluded.sector,
			title        = excluded.title,
			reward       = excluded.reward,
			difficulty   = excluded.difficulty,
			status       = excluded.status,
			completed_by = excluded.completed_by,
			completed_at = excluded.completed_at
	`, t.ID, t.Sector, t.Title, int64(t.Reward), t.Difficulty, statusOrOpen(t.Status),
		t.CompletedBy, formatTime(t.CompletedAt))
	return err
}

func statusOrOpen(s domain.TaskStatus) domain.TaskStatus {
	if s == "" {
		return domain.TaskOpen
	}
	return s
}

// ─── Transaction Log Operations ─────────────────────────────────────────────

const txColumns = `seq, id, account_id, ts, type, amount, description, task_id, module`

func scanTransaction(r rowScanner) (domain.Transaction, error) {
	var (
		t      domain.Transaction
		ts     string
		amount int64
	)
	if err := r.Scan(&t.Seq, &t.ID, &t.AccountID, &ts, &t.Type, &amount, &t.Description, &t.TaskID, &t.Module); err != nil {
		return domain.Transaction{}, err
	}
	t.Timestamp = parseTime(ts)
	t.Amount = domain.Credits(amount)
	return t, nil
}

func loadTransaction(ctx context.Context, q queryer, id string) (domain.Transaction, error) {
	t, err := scanTransaction(q.QueryRowContext(ctx,
		`SELECT `+txColumns+` FROM transactions WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return domain.Transaction{}, fmt.Errorf("transaction %s: %w", id, domain.ErrNotFound)
	}
	return t, err
}

func insertTransaction(ctx context.Context, q queryer, t domain.Transaction, replicated bool) (int64, error) {
	rep := 0
	if replicated {
		rep = 1
	}
	res, err := q.ExecContext(ctx, `
		INSERT INTO transactions (id, account_id, ts, type, amount, description, task_id, module, replicated)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, t.ID, t.AccountID, formatTime(t.Timestamp), t.Type, int64(t.Amount), t.Description, t.TaskID, t.Module, rep)
	if err != nil {
		return 0, fmt.Errorf("append transaction: %w", err)
	}
	return res.LastInsertId()
}

func queryTransactions(ctx context.Context, q queryer, query string, args ...any) ([]domain.Transaction, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query transactions: %w", err)
	}
	defer rows.Close()
	var out []domain.Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// ListTransactions returns the newest limit records (all when limit <= 0)
// in commit order.
func (d *DB) ListTransactions(ctx context.Context, accountID string, limit int) ([]domain.Transaction, error) {
	if limit <= 0 {
		return queryTransactions(ctx, d.db,
			`SELECT `+txColumns+` FROM transactions WHERE account_id = ? ORDER BY seq`, accountID)
	}
	out, err := queryTransactions(ctx, d.db,
		`SELECT `+txColumns+` FROM transactions WHERE account_id = ? ORDER BY seq DESC LIMIT ?`, accountID, limit)
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, nil
}

// UnreplicatedTransactions returns local records not yet pushed to the remote.
func (d *DB) UnreplicatedTransactions(ctx context.Context, accountID string) ([]domain.Transaction, error) {
	return queryTransactions(ctx, d.db,
		`SELECT `+txColumns+` FROM transactions WHERE account_id = ? AND replicated = 0 ORDER BY seq`, accountID)
}

// MarkReplicated flags records as pushed.
func (d *DB) MarkReplicated(ctx context.Context, ids []string) error {
	return d.inTx(ctx, func(tx *sql.Tx) error {
		for _, id := range ids {
			if _, err := tx.ExecContext(ctx, `UPDATE transactions SET replicated = 1 WHERE id = ?`, id); err != nil {
				return fmt.Errorf("mark replicated: %w", err)
			}
		}
		return nil
	})
}

// ─── Pending Journal ────────────────────────────────────────────────────────

// SavePending journals a confirmed settlement, replacing any entry for the task.
func (d *DB) SavePending(ctx context.Context, p domain.PendingSettlement) error {
	_, err := d.db.ExecContext(ctx, `
		INSERT INTO pending_settlements (task_id, account_id, tx_id, reward, description, settled_at, attempts, last_error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(task_id) DO UPDATE SET
			account_id  = excluded.account_id,
			tx_id       = excluded.tx_id,
			reward      = excluded.reward,
			description = excluded.description,
			settled_at  = excluded.settled_at,
			attempts    = excluded.attempts,
			last_error  = excluded.last_error
	`, p.TaskID, p.AccountID, p.TransactionID, int64(p.Reward), p.Description, formatTime(p.At), p.Attempts, p.LastError)
	if err != nil {
		return fmt.Errorf("save pending settlement: %w", err)
	}
	return nil
}

// DeletePending removes the task's journal entry. A missing entry is not an error.
func (d *DB) DeletePending(ctx context.Context, taskID int64) error {
	if _, err := d.db.ExecContext(ctx, `DELETE FROM pending_settlements WHERE task_id = ?`, taskID); err != nil {
		return fmt.Errorf("delete pending settlement: %w", err)
	}
	return nil
}

// ListPending returns every journaled settlement by task id.
func (d *DB) ListPending(ctx context.Context) ([]domain.PendingSettlement, error) {
	rows, err := d.db.QueryContext(ctx, `
		SELECT task_id, account_id, tx_id, reward, description, settled_at, attempts, last_error
		FROM pending_settlements ORDER BY task_id
	`)
	if err != nil {
		return nil, fmt.Errorf("list pending settlements: %w", err)
	}
	defer rows.Close()

	var out []domain.PendingSettlement
	for rows.Next() {
		var (
			p      domain.PendingSettlement
			reward int64
			at     string
		)
		if err := rows.Scan(&p.TaskID, &p.AccountID, &p.TransactionID, &reward, &p.Description, &at, &p.Attempts, &p.LastError); err != nil {
			return nil, err
		}
		p.Reward = domain.Credits(reward)
		p.At = parseTime(at)
		out = append(out, p)
	}
	return out, rows.Err()
}

// ─── Snapshot Replacement ───────────────────────────────────────────────────

// ReplaceSnapshot overwrites the local account, tasks and log with remote
// state. Unreplicated local records the snapshot does not supersede are
// re-appended after the remote records.
func (d *DB) ReplaceSnapshot(ctx context.Context, snap domain.Snapshot) error {
	return d.inTx(ctx, func(tx *sql.Tx) error {
		acc := snap.Account
		created := formatTime(acc.CreatedAt)
		if created == "" {
			created = formatTime(acc.UpdatedAt)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO accounts (id, balance, tasks_completed, total_earnings, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				balance         = excluded.balance,
				tasks_completed = excluded.tasks_completed,
				total_earnings  = excluded.total_earnings,
				updated_at      = excluded.updated_at
		`, acc.ID, int64(acc.Balance), acc.TasksCompleted, int64(acc.TotalEarnings),
			created, formatTime(acc.UpdatedAt)); err != nil {
			return fmt.Errorf("replace account: %w", err)
		}
		if err := writeModules(ctx, tx, acc.ID, acc.OwnedModules); err != nil {
			return err
		}

		for _, t := range snap.Tasks {
			if err := upsertTask(ctx, tx, t); err != nil {
				return fmt.Errorf("replace task %d: %w", t.ID, err)
			}
		}

		pending, err := queryTransactions(ctx, tx,
			`SELECT `+txColumns+` FROM transactions WHERE account_id = ? AND replicated = 0 ORDER BY seq`, acc.ID)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM transactions WHERE account_id = ?`, acc.ID); err != nil {
			return fmt.Errorf("clear log: %w", err)
		}

		remote := append([]domain.Transaction(nil), snap.Transactions...)
		sort.SliceStable(remote, func(i, j int) bool { return remote[i].Seq < remote[j].Seq })
		for _, t := range remote {
			if _, err := insertTransaction(ctx, tx, t, true); err != nil {
				return err
			}
		}
		for _, t := range pending {
			if snap.Supersedes(t) {
				continue
			}
			if _, err := insertTransaction(ctx, tx, t, false); err != nil {
				return err
			}
		}
		return nil
	})
}

var _ domain.LedgerStore = (*DB)(nil)
