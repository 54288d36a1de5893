package accounts

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tutu-network/agentledger/internal/domain"
	"github.com/tutu-network/agentledger/internal/infra/memstore"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestStore(t *testing.T) (*Store, *memstore.Store) {
	t.Helper()
	repo := memstore.New()
	var n int
	var mu sync.Mutex
	s := New(repo, Config{
		Now: func() time.Time { return t0 },
		NewID: func() string {
			mu.Lock()
			defer mu.Unlock()
			n++
			return fmt.Sprintf("tx-%03d", n)
		},
	}, nil)
	return s, repo
}

func seedTasks(t *testing.T, repo *memstore.Store, rewards ...int64) {
	t.Helper()
	tasks := make([]domain.Task, len(rewards))
	for i, r := range rewards {
		tasks[i] = domain.Task{
			ID:     int64(i + 1),
			Sector: "Data Mining",
			Title:  fmt.Sprintf("Task %d", i+1),
			Reward: domain.NewCredits(r),
			Status: domain.TaskOpen,
		}
	}
	require.NoError(t, repo.InsertTasks(context.Background(), tasks))
}

func TestRegister_Idempotent(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	acc, err := s.Register(ctx, "op-1")
	require.NoError(t, err)
	assert.Equal(t, domain.NewCredits(100), acc.Balance)
	assert.Empty(t, acc.OwnedModules)

	_, err = s.Credit(ctx, "op-1", domain.NewCredits(5))
	require.NoError(t, err)

	again, err := s.Register(ctx, "op-1")
	require.NoError(t, err)
	assert.Equal(t, domain.NewCredits(105), again.Balance, "re-register must not reset the balance")

	_, err = s.Register(ctx, "")
	assert.Error(t, err)
}

func TestCreditDebit(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	_, err := s.Register(ctx, "op-1")
	require.NoError(t, err)

	acc, err := s.Debit(ctx, "op-1", domain.NewCredits(80))
	require.NoError(t, err)
	assert.Equal(t, domain.NewCredits(20), acc.Balance)

	_, err = s.Debit(ctx, "op-1", domain.NewCredits(30))
	assert.ErrorIs(t, err, domain.ErrInsufficientBalance)

	acc, err = s.Get(ctx, "op-1")
	require.NoError(t, err)
	assert.Equal(t, domain.NewCredits(20), acc.Balance, "rejected debit must leave balance unchanged")

	acc, err = s.Credit(ctx, "op-1", domain.NewCredits(25))
	require.NoError(t, err)
	assert.Equal(t, domain.NewCredits(45), acc.Balance)

	// Both applied adjustments are logged for replication; the rejected one is not.
	pending, err := s.Unreplicated(ctx, "op-1")
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, domain.TxAdjustment, pending[0].Type)
	assert.Equal(t, -domain.NewCredits(80), pending[0].Amount)
	assert.Equal(t, domain.NewCredits(25), pending[1].Amount)
}

func TestCreditDebit_InvalidAmount(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	_, err := s.Register(ctx, "op-1")
	require.NoError(t, err)

	for _, amt := range []domain.Credits{0, -1, domain.NewCredits(-10)} {
		_, err := s.Credit(ctx, "op-1", amt)
		assert.ErrorIs(t, err, domain.ErrInvalidAmount, "credit %s", amt)
		_, err = s.Debit(ctx, "op-1", amt)
		assert.ErrorIs(t, err, domain.ErrInvalidAmount, "debit %s", amt)
	}
}

func TestGet_NotFound(t *testing.T) {
	s, _ := newTestStore(t)
	_, err := s.Get(context.Background(), "ghost")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	_, err = s.Transactions(context.Background(), "ghost", 10)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestApplySettlement(t *testing.T) {
	s, repo := newTestStore(t)
	ctx := context.Background()
	seedTasks(t, repo, 25)
	_, err := s.Register(ctx, "op-1")
	require.NoError(t, err)

	acc, tx, err := s.ApplySettlement(ctx, domain.Settlement{AccountID: "op-1", TaskID: 1, Reward: domain.NewCredits(25)})
	require.NoError(t, err)
	assert.Equal(t, domain.NewCredits(125), acc.Balance)
	assert.Equal(t, int64(1), acc.TasksCompleted)
	assert.Equal(t, domain.NewCredits(25), acc.TotalEarnings)
	assert.Equal(t, "tx-001", tx.ID)
	assert.Equal(t, t0, tx.Timestamp)
	assert.Equal(t, domain.TxTaskReward, tx.Type)

	_, _, err = s.ApplySettlement(ctx, domain.Settlement{AccountID: "op-1", TaskID: 1, Reward: domain.NewCredits(25)})
	assert.ErrorIs(t, err, domain.ErrAlreadyCompleted)

	acc, err = s.Get(ctx, "op-1")
	require.NoError(t, err)
	assert.Equal(t, domain.NewCredits(125), acc.Balance)
}

// Concurrent settlements on one account must serialize: the final balance
// equals the sum of every reward and the log holds one record per task.
func TestApplySettlement_ConcurrentSameAccount(t *testing.T) {
	s, repo := newTestStore(t)
	ctx := context.Background()
	rewards := []int64{5, 10, 15, 20, 25, 30, 35, 40}
	seedTasks(t, repo, rewards...)
	_, err := s.Register(ctx, "op-1")
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i, r := range rewards {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, err := s.ApplySettlement(ctx, domain.Settlement{
				AccountID: "op-1",
				TaskID:    int64(i + 1),
				Reward:    domain.NewCredits(r),
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	acc, err := s.Get(ctx, "op-1")
	require.NoError(t, err)
	assert.Equal(t, domain.NewCredits(100+180), acc.Balance)
	assert.Equal(t, int64(len(rewards)), acc.TasksCompleted)

	txs, err := s.Transactions(ctx, "op-1", 0)
	require.NoError(t, err)
	assert.Len(t, txs, len(rewards))
	for i := 1; i < len(txs); i++ {
		assert.Less(t, txs[i-1].Seq, txs[i].Seq)
	}
	assert.Zero(t, s.locks.size(), "keyed mutex must free idle keys")
}

func TestPurchase(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	_, err := s.Register(ctx, "op-1")
	require.NoError(t, err)

	acc, tx, err := s.Purchase(ctx, "op-1", "neural-accelerator")
	require.NoError(t, err)
	assert.Equal(t, domain.NewCredits(50), acc.Balance)
	assert.Equal(t, []string{"neural-accelerator"}, acc.OwnedModules)
	assert.Equal(t, domain.TxUpgradePurchase, tx.Type)
	assert.Equal(t, domain.NewCredits(-50), tx.Amount)

	_, _, err = s.Purchase(ctx, "op-1", "neural-accelerator")
	assert.ErrorIs(t, err, domain.ErrModuleOwned)

	_, _, err = s.Purchase(ctx, "op-1", "singularity-core")
	assert.ErrorIs(t, err, domain.ErrInsufficientBalance)

	_, _, err = s.Purchase(ctx, "op-1", "warp-drive")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	acc, err = s.Get(ctx, "op-1")
	require.NoError(t, err)
	assert.Equal(t, domain.NewCredits(50), acc.Balance)
}

func TestReplaceSnapshot_ReappliesPending(t *testing.T) {
	s, repo := newTestStore(t)
	ctx := context.Background()
	seedTasks(t, repo, 25, 10)
	_, err := s.Register(ctx, "op-1")
	require.NoError(t, err)

	// Local, unreplicated settlement of task 1.
	_, _, err = s.ApplySettlement(ctx, domain.Settlement{AccountID: "op-1", TaskID: 1, Reward: domain.NewCredits(25)})
	require.NoError(t, err)

	// Remote knows a different history: balance 300, task 2 done remotely.
	remote := domain.Snapshot{
		Account: domain.Account{
			ID:             "op-1",
			Balance:        domain.NewCredits(300),
			TasksCompleted: 4,
			TotalEarnings:  domain.NewCredits(200),
			OwnedModules:   []string{"quantum-cache"},
		},
		Tasks: []domain.Task{
			{ID: 1, Sector: "Data Mining", Title: "Task 1", Reward: domain.NewCredits(25), Status: domain.TaskOpen},
			{ID: 2, Sector: "Data Mining", Title: "Task 2", Reward: domain.NewCredits(10), Status: domain.TaskCompleted, CompletedBy: "op-1"},
		},
		Transactions: []domain.Transaction{
			{ID: "remote-1", Seq: 1, AccountID: "op-1", Type: domain.TxTaskReward, Amount: domain.NewCredits(10), TaskID: 2, Timestamp: t0.Add(-time.Hour)},
		},
	}

	acc, reapplied, err := s.ReplaceSnapshot(ctx, remote)
	require.NoError(t, err)
	assert.Equal(t, 1, reapplied)
	assert.Equal(t, domain.NewCredits(325), acc.Balance)
	assert.Equal(t, int64(5), acc.TasksCompleted)
	assert.Equal(t, []string{"quantum-cache"}, acc.OwnedModules)

	task, err := repo.GetTask(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskCompleted, task.Status)

	txs, err := s.Transactions(ctx, "op-1", 0)
	require.NoError(t, err)
	require.Len(t, txs, 2)
	assert.Equal(t, "remote-1", txs[0].ID)
	assert.Equal(t, "tx-001", txs[1].ID)
}

func TestReplaceSnapshot_DropsSuperseded(t *testing.T) {
	s, repo := newTestStore(t)
	ctx := context.Background()
	seedTasks(t, repo, 25)
	_, err := s.Register(ctx, "op-1")
	require.NoError(t, err)
	_, _, err = s.ApplySettlement(ctx, domain.Settlement{AccountID: "op-1", TaskID: 1, Reward: domain.NewCredits(25)})
	require.NoError(t, err)

	// Another operator won task 1 remotely.
	remote := domain.Snapshot{
		Account: domain.Account{ID: "op-1", Balance: domain.NewCredits(100)},
		Tasks: []domain.Task{
			{ID: 1, Sector: "Data Mining", Title: "Task 1", Reward: domain.NewCredits(25), Status: domain.TaskCompleted, CompletedBy: "op-2"},
		},
	}
	acc, reapplied, err := s.ReplaceSnapshot(ctx, remote)
	require.NoError(t, err)
	assert.Zero(t, reapplied)
	assert.Equal(t, domain.NewCredits(100), acc.Balance)

	pending, err := s.Unreplicated(ctx, "op-1")
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestReplaceSnapshot_KeepsAdjustment(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	_, err := s.Register(ctx, "op-1")
	require.NoError(t, err)
	_, err = s.Credit(ctx, "op-1", domain.NewCredits(50))
	require.NoError(t, err)

	// The remote has not seen the credit yet.
	acc, reapplied, err := s.ReplaceSnapshot(ctx, domain.Snapshot{
		Account: domain.Account{ID: "op-1", Balance: domain.NewCredits(100)},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, reapplied)
	assert.Equal(t, domain.NewCredits(150), acc.Balance)
	assert.Zero(t, acc.TotalEarnings, "adjustments are not earnings")
	assert.Zero(t, acc.TasksCompleted)
}

func TestKeyedMutex_Serializes(t *testing.T) {
	k := newKeyedMutex()
	var (
		wg      sync.WaitGroup
		counter int
	)
	for range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := k.Lock("a")
			counter++
			unlock()
		}()
	}
	wg.Wait()
	assert.Equal(t, 50, counter)
	assert.Zero(t, k.size())
}
