// Package dispatcher is the background agent: on a fixed interval it picks
// one open task and settles it for the session's operator.
//
// Each tick:
//  1. Retries parked commits
//  2. Skips if a dispatch is still in flight
//  3. Picks an open task uniformly at random, excluding leased tasks
//  4. Boosts the reward by the operator's owned modules
//  5. Settles asynchronously under a per-attempt deadline
package dispatcher

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/tutu-network/agentledger/internal/app/settlement"
	"github.com/tutu-network/agentledger/internal/domain"
	"github.com/tutu-network/agentledger/internal/infra/observability"
)

// Settler is the settlement path the dispatcher drives.
type Settler interface {
	Settle(ctx context.Context, req settlement.Request) (settlement.Result, error)
	RetryPending(ctx context.Context) (int, error)
	Leased() map[int64]bool
}

// TaskLister lists open tasks.
type TaskLister interface {
	ListOpen(ctx context.Context, sector string) ([]domain.Task, error)
}

// AccountReader reads the operator's account.
type AccountReader interface {
	Get(ctx context.Context, id string) (domain.Account, error)
}

// Tick results.
const (
	TickDispatched = "dispatched"
	TickBusy       = "busy"
	TickIdle       = "idle"
	TickError      = "error"
)

// Config controls dispatcher behavior.
type Config struct {
	OperatorID     string        // account the dispatcher works for
	Interval       time.Duration // tick period (default: 30s)
	AttemptTimeout time.Duration // deadline per settlement attempt (default: 2m)
	History        int           // attempts kept for inspection (default: 20)
	Seed           uint64        // PRNG seed; 0 picks one from the clock
}

// DefaultConfig returns safe dispatcher defaults.
func DefaultConfig() Config {
	return Config{
		Interval:       30 * time.Second,
		AttemptTimeout: 2 * time.Minute,
		History:        20,
	}
}

// Attempt records one autonomous settlement attempt.
type Attempt struct {
	TaskID     int64          `json:"task_id"`
	Title      string         `json:"title"`
	Sector     string         `json:"sector"`
	Reward     domain.Credits `json:"reward"`
	StartedAt  time.Time      `json:"started_at"`
	FinishedAt time.Time      `json:"finished_at,omitzero"`
	Outcome    string         `json:"outcome"`
	Error      string         `json:"error,omitempty"`
}

// Dispatcher runs the autonomous settlement loop.
type Dispatcher struct {
	settler  Settler
	tasks    TaskLister
	accounts AccountReader
	cfg      Config
	logger   *zap.Logger

	inFlight atomic.Bool
	rng      *rand.Rand // guarded by inFlight

	mu       sync.Mutex
	attempts []Attempt
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// New creates a dispatcher.
func New(s Settler, tasks TaskLister, accounts AccountReader, cfg Config, logger *zap.Logger) *Dispatcher {
	def := DefaultConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.AttemptTimeout <= 0 {
		cfg.AttemptTimeout = def.AttemptTimeout
	}
	if cfg.History <= 0 {
		cfg.History = def.History
	}
	seed := cfg.Seed
	if seed == 0 {
		seed = uint64(time.Now().UnixNano())
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		settler:  s,
		tasks:    tasks,
		accounts: accounts,
		cfg:      cfg,
		rng:      rand.New(rand.NewPCG(seed, seed>>1|1)),
		logger:   logger.Named("dispatcher").With(zap.String("operator", cfg.OperatorID)),
	}
}

// ─── Lifecycle ──────────────────────────────────────────────────────────────

// Start begins ticking until ctx is done or Stop is called.
func (d *Dispatcher) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.cancel != nil {
		return fmt.Errorf("dispatcher already running")
	}
	if d.cfg.OperatorID == "" {
		return fmt.Errorf("dispatcher: no operator configured")
	}
	ctx, d.cancel = context.WithCancel(ctx)

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		ticker := time.NewTicker(d.cfg.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				d.safeTick(ctx)
			}
		}
	}()

	d.logger.Info("dispatcher started", zap.Duration("interval", d.cfg.Interval))
	return nil
}

// Stop cancels the loop and waits for any in-flight attempt to return.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	cancel := d.cancel
	d.cancel = nil
	d.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	d.wg.Wait()
	d.logger.Info("dispatcher stopped")
}

// Wait blocks until the loop and any in-flight attempt have returned.
func (d *Dispatcher) Wait() { d.wg.Wait() }

// ─── Tick ───────────────────────────────────────────────────────────────────

// Tick runs one dispatch cycle and reports what it did.
func (d *Dispatcher) Tick(ctx context.Context) string {
	result := d.tick(ctx)
	observability.DispatchTicks.WithLabelValues(result).Inc()
	return result
}

// safeTick runs Tick for the loop. A panic is logged and the loop goes on.
func (d *Dispatcher) safeTick(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			observability.DispatchTicks.WithLabelValues(TickError).Inc()
			d.logger.Error("dispatch tick panicked", zap.Any("panic", r))
		}
	}()
	d.Tick(ctx)
}

func (d *Dispatcher) tick(ctx context.Context) string {
	if n, err := d.settler.RetryPending(ctx); err != nil {
		d.logger.Warn("pending commits still failing", zap.Error(err))
	} else if n > 0 {
		d.logger.Info("pending commits recovered", zap.Int("count", n))
	}

	if !d.inFlight.CompareAndSwap(false, true) {
		return TickBusy
	}
	observability.DispatchInFlight.Set(1)
	handedOff := false
	defer func() {
		if !handedOff {
			d.release()
		}
	}()

	task, ok, err := d.pick(ctx)
	if err != nil {
		d.logger.Warn("pick task failed", zap.Error(err))
		return TickError
	}
	if !ok {
		return TickIdle
	}

	acc, err := d.accounts.Get(ctx, d.cfg.OperatorID)
	if err != nil {
		d.logger.Warn("load operator failed", zap.Error(err))
		return TickError
	}
	reward := domain.BoostedReward(task.Reward, acc.ModuleCount())

	d.wg.Add(1)
	handedOff = true
	go d.run(ctx, task, reward)
	return TickDispatched
}

// pick chooses uniformly among open tasks no attempt currently targets.
func (d *Dispatcher) pick(ctx context.Context) (domain.Task, bool, error) {
	open, err := d.tasks.ListOpen(ctx, "")
	if err != nil {
		return domain.Task{}, false, err
	}
	leased := d.settler.Leased()
	eligible := open[:0:0]
	for _, t := range open {
		if !leased[t.ID] {
			eligible = append(eligible, t)
		}
	}
	if len(eligible) == 0 {
		return domain.Task{}, false, nil
	}
	return eligible[d.rng.IntN(len(eligible))], true, nil
}

// run settles one task. The in-flight guard is released on every exit path.
func (d *Dispatcher) run(ctx context.Context, task domain.Task, reward domain.Credits) {
	defer d.wg.Done()
	defer d.release()

	a := Attempt{
		TaskID:    task.ID,
		Title:     task.Title,
		Sector:    task.Sector,
		Reward:    reward,
		StartedAt: time.Now(),
	}
	defer func() {
		if r := recover(); r != nil {
			a.Outcome = "panic"
			a.Error = fmt.Sprint(r)
			d.logger.Error("dispatch panicked", zap.Int64("task", task.ID), zap.Any("panic", r))
		}
		a.FinishedAt = time.Now()
		d.record(a)
	}()

	ctx, cancel := context.WithTimeout(ctx, d.cfg.AttemptTimeout)
	defer cancel()

	d.logger.Info("dispatching task",
		zap.Int64("task", task.ID), zap.String("title", task.Title), zap.Stringer("reward", reward))

	res, err := d.settler.Settle(ctx, settlement.Request{
		AccountID: d.cfg.OperatorID,
		TaskID:    task.ID,
		Reward:    reward,
		Holder:    "dispatcher",
	})
	if err != nil {
		a.Outcome = "failed"
		a.Error = err.Error()
		d.logger.Warn("dispatch failed",
			zap.Int64("task", task.ID), zap.Bool("retryable", domain.Retryable(err)), zap.Error(err))
		return
	}
	a.Outcome = "settled"
	d.logger.Info("dispatch settled",
		zap.Int64("task", task.ID), zap.Stringer("balance", res.Account.Balance))
}

func (d *Dispatcher) release() {
	d.inFlight.Store(false)
	observability.DispatchInFlight.Set(0)
}

func (d *Dispatcher) record(a Attempt) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.attempts = append(d.attempts, a)
	if over := len(d.attempts) - d.cfg.History; over > 0 {
		d.attempts = d.attempts[over:]
	}
}

// ─── Inspection ─────────────────────────────────────────────────────────────

// InFlight reports whether a dispatch is running.
func (d *Dispatcher) InFlight() bool { return d.inFlight.Load() }

// Running reports whether the tick loop is active.
func (d *Dispatcher) Running() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cancel != nil
}

// Attempts returns recent attempts, oldest first.
func (d *Dispatcher) Attempts() []Attempt {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]Attempt, len(d.attempts))
	copy(out, d.attempts)
	return out
}

// Status is the dispatcher snapshot served to the UI.
type Status struct {
	OperatorID string    `json:"operator_id"`
	Running    bool      `json:"running"`
	InFlight   bool      `json:"in_flight"`
	Attempts   []Attempt `json:"attempts"`
}

// Status returns the current snapshot.
func (d *Dispatcher) Status() Status {
	return Status{
		OperatorID: d.cfg.OperatorID,
		Running:    d.Running(),
		InFlight:   d.InFlight(),
		Attempts:   d.Attempts(),
	}
}
