// Package remote is the hosted PostgreSQL source of truth.
//
// The remote store applies pushed transactions idempotently (keyed by
// transaction id) and serves the authoritative account, task board and
// transaction log to the reconciler.
package remote

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/tutu-network/agentledger/internal/domain"
)

// Store is a domain.RemoteStore on a pgx connection pool.
type Store struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// Open connects to dsn, verifies the connection and applies the schema.
func Open(ctx context.Context, dsn string, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("remote: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("remote: ping: %w", err)
	}
	s := &Store{pool: pool, logger: logger.Named("remote")}
	if err := s.migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// Close releases the pool.
func (s *Store) Close() { s.pool.Close() }

// Migrations returns the remote schema, applied in order.
func Migrations() []string {
	return []string{
		`CREATE TABLE IF NOT EXISTS accounts (
			id              TEXT PRIMARY KEY,
			balance         BIGINT NOT NULL,
			tasks_completed BIGINT NOT NULL DEFAULT 0,
			total_earnings  BIGINT NOT NULL DEFAULT 0,
			created_at      TIMESTAMPTZ NOT NULL,
			updated_at      TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS owned_modules (
			account_id TEXT NOT NULL REFERENCES accounts(id),
			module     TEXT NOT NULL,
			position   INTEGER NOT NULL,
			PRIMARY KEY (account_id, module)
		)`,
		`CREATE TABLE IF NOT EXISTS tasks (
			id           BIGINT PRIMARY KEY,
			sector       TEXT NOT NULL,
			title        TEXT NOT NULL,
			reward       BIGINT NOT NULL CHECK (reward > 0),
			difficulty   TEXT NOT NULL DEFAULT '',
			status       TEXT NOT NULL DEFAULT 'open',
			completed_by TEXT NOT NULL DEFAULT '',
			completed_at TIMESTAMPTZ
		)`,
		`CREATE TABLE IF NOT EXISTS transactions (
			seq         BIGSERIAL PRIMARY KEY,
			id          TEXT NOT NULL UNIQUE,
			account_id  TEXT NOT NULL REFERENCES accounts(id),
			ts          TIMESTAMPTZ NOT NULL,
			type        TEXT NOT NULL,
			amount      BIGINT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			task_id     BIGINT NOT NULL DEFAULT 0,
			module      TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS idx_transactions_account ON transactions(account_id, seq)`,
	}
}

func (s *Store) migrate(ctx context.Context) error {
	for i, stmt := range Migrations() {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("remote: migration %d: %w", i, err)
		}
	}
	return nil
}

// ─── Reads ──────────────────────────────────────────────────────────────────

// FetchAccount returns the authoritative account or domain.ErrNotFound.
func (s *Store) FetchAccount(ctx context.Context, id string) (domain.Account, error) {
	var (
		acc                      domain.Account
		balance, earnings, tasks int64
	)
	err := s.pool.QueryRow(ctx,
		`SELECT id, balance, tasks_completed, total_earnings, created_at, updated_at
		 FROM accounts WHERE id = $1`, id).
		Scan(&acc.ID, &balance, &tasks, &earnings, &acc.CreatedAt, &acc.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Account{}, fmt.Errorf("operator %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return domain.Account{}, fmt.Errorf("fetch account: %w", err)
	}
	acc.Balance = domain.Credits(balance)
	acc.TotalEarnings = domain.Credits(earnings)
	acc.TasksCompleted = tasks

	rows, err := s.pool.Query(ctx,
		`SELECT module FROM owned_modules WHERE account_id = $1 ORDER BY position`, id)
	if err != nil {
		return domain.Account{}, fmt.Errorf("fetch modules: %w", err)
	}
	modules, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return domain.Account{}, fmt.Errorf("fetch modules: %w", err)
	}
	acc.OwnedModules = modules
	if acc.OwnedModules == nil {
		acc.OwnedModules = []string{}
	}
	return acc, nil
}

// FetchTasks returns the whole task board in id order.
func (s *Store) FetchTasks(ctx context.Context) ([]domain.Task, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, sector, title, reward, difficulty, status, completed_by, completed_at
		 FROM tasks ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("fetch tasks: %w", err)
	}
	tasks, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.Task, error) {
		var (
			t           domain.Task
			reward      int64
			difficulty  string
			status      string
			completedAt *time.Time
		)
		err := row.Scan(&t.ID, &t.Sector, &t.Title, &reward, &difficulty, &status, &t.CompletedBy, &completedAt)
		t.Reward = domain.Credits(reward)
		t.Difficulty = domain.Difficulty(difficulty)
		t.Status = domain.TaskStatus(status)
		if completedAt != nil {
			t.CompletedAt = *completedAt
		}
		return t, err
	})
	if err != nil {
		return nil, fmt.Errorf("fetch tasks: %w", err)
	}
	return tasks, nil
}

// FetchTransactions returns the operator's log in commit order.
func (s *Store) FetchTransactions(ctx context.Context, accountID string) ([]domain.Transaction, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT seq, id, account_id, ts, type, amount, description, task_id, module
		 FROM transactions WHERE account_id = $1 ORDER BY seq`, accountID)
	if err != nil {
		return nil, fmt.Errorf("fetch transactions: %w", err)
	}
	txs, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.Transaction, error) {
		var (
			tx     domain.Transaction
			typ    string
			amount int64
		)
		err := row.Scan(&tx.Seq, &tx.ID, &tx.AccountID, &tx.Timestamp, &typ, &amount, &tx.Description, &tx.TaskID, &tx.Module)
		tx.Type = domain.TransactionType(typ)
		tx.Amount = domain.Credits(amount)
		return tx, err
	})
	if err != nil {
		return nil, fmt.Errorf("fetch transactions: %w", err)
	}
	return txs, nil
}

// ─── Writes ─────────────────────────────────────────────────────────────────

// PushTransaction applies a locally committed transaction. A transaction id
// already present is a no-op. A task reward for a task the remote already
// records as settled is discarded: the remote wins.
func (s *Store) PushTransaction(ctx context.Context, t domain.Transaction) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		fresh := domain.NewAccount(t.AccountID, t.Timestamp)
		if _, err := tx.Exec(ctx,
			`INSERT INTO accounts (id, balance, tasks_completed, total_earnings, created_at, updated_at)
			 VALUES ($1, $2, 0, 0, $3, $3) ON CONFLICT (id) DO NOTHING`,
			fresh.ID, int64(fresh.Balance), fresh.CreatedAt); err != nil {
			return fmt.Errorf("ensure account: %w", err)
		}

		tag, err := tx.Exec(ctx,
			`INSERT INTO transactions (id, account_id, ts, type, amount, description, task_id, module)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8) ON CONFLICT (id) DO NOTHING`,
			t.ID, t.AccountID, t.Timestamp, string(t.Type), int64(t.Amount), t.Description, t.TaskID, t.Module)
		if err != nil {
			return fmt.Errorf("insert transaction: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return nil
		}

		switch t.Type {
		case domain.TxTaskReward:
			tag, err := tx.Exec(ctx,
				`UPDATE tasks SET status = 'completed', completed_by = $2, completed_at = $3
				 WHERE id = $1 AND status = 'open'`, t.TaskID, t.AccountID, t.Timestamp)
			if err != nil {
				return fmt.Errorf("complete task: %w", err)
			}
			if tag.RowsAffected() == 0 {
				var by string
				err := tx.QueryRow(ctx, `SELECT completed_by FROM tasks WHERE id = $1`, t.TaskID).Scan(&by)
				if err != nil && !errors.Is(err, pgx.ErrNoRows) {
					return fmt.Errorf("load task: %w", err)
				}
				if err == nil {
					s.logger.Warn("reward discarded, task settled remotely",
						zap.String("tx", t.ID), zap.Int64("task", t.TaskID), zap.String("completed_by", by))
					_, err := tx.Exec(ctx, `DELETE FROM transactions WHERE id = $1`, t.ID)
					return err
				}
			}
			_, err = tx.Exec(ctx,
				`UPDATE accounts SET balance = balance + $2, tasks_completed = tasks_completed + 1,
				 total_earnings = total_earnings + $2, updated_at = GREATEST(updated_at, $3) WHERE id = $1`,
				t.AccountID, int64(t.Amount), t.Timestamp)
			if err != nil {
				return fmt.Errorf("credit account: %w", err)
			}
		case domain.TxUpgradePurchase:
			if _, err := tx.Exec(ctx,
				`INSERT INTO owned_modules (account_id, module, position)
				 SELECT $1::text, $2::text, COUNT(*)::int FROM owned_modules WHERE account_id = $1::text
				 ON CONFLICT (account_id, module) DO NOTHING`, t.AccountID, t.Module); err != nil {
				return fmt.Errorf("record module: %w", err)
			}
			if _, err := tx.Exec(ctx,
				`UPDATE accounts SET balance = balance + $2, updated_at = GREATEST(updated_at, $3) WHERE id = $1`,
				t.AccountID, int64(t.Amount), t.Timestamp); err != nil {
				return fmt.Errorf("debit account: %w", err)
			}
		case domain.TxAdjustment:
			if _, err := tx.Exec(ctx,
				`UPDATE accounts SET balance = balance + $2, updated_at = GREATEST(updated_at, $3) WHERE id = $1`,
				t.AccountID, int64(t.Amount), t.Timestamp); err != nil {
				return fmt.Errorf("adjust balance: %w", err)
			}
		default:
			return fmt.Errorf("unknown transaction type %q", t.Type)
		}
		return nil
	})
}

// PublishTasks upserts the task board so every device settles against the
// same ids. Existing completion state is never overwritten.
func (s *Store) PublishTasks(ctx context.Context, tasks []domain.Task) error {
	batch := &pgx.Batch{}
	for _, t := range tasks {
		batch.Queue(
			`INSERT INTO tasks (id, sector, title, reward, difficulty, status)
			 VALUES ($1, $2, $3, $4, $5, 'open') ON CONFLICT (id) DO NOTHING`,
			t.ID, t.Sector, t.Title, int64(t.Reward), string(t.Difficulty))
	}
	if err := s.pool.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("publish tasks: %w", err)
	}
	return nil
}

var _ domain.RemoteStore = (*Store)(nil)
