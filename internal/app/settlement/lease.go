package settlement

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tutu-network/agentledger/internal/domain"
	"github.com/tutu-network/agentledger/internal/infra/observability"
)

// Lease is a time-bounded exclusive claim on one task.
type Lease struct {
	TaskID  int64     `json:"task_id"`
	Token   string    `json:"token"`
	Holder  string    `json:"holder"`
	Expires time.Time `json:"expires"`
}

// Table hands out per-task leases. An expired lease is reclaimable by the
// next Acquire, so a crashed or stuck holder never locks a task forever.
type Table struct {
	mu      sync.Mutex
	leases  map[int64]Lease
	waiters map[int64]chan struct{} // closed when the task's lease is released
	ttl     time.Duration
	now     func() time.Time
}

// NewTable creates a lease table.
func NewTable(ttl time.Duration, now func() time.Time) *Table {
	if now == nil {
		now = time.Now
	}
	return &Table{
		leases:  make(map[int64]Lease),
		waiters: make(map[int64]chan struct{}),
		ttl:     ttl,
		now:     now,
	}
}

// Acquire claims the task for holder. A live lease held by anyone else
// fails with domain.ErrTaskLeased.
func (t *Table) Acquire(taskID int64, holder string) (Lease, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	l, cur, ok := t.tryAcquire(taskID, holder)
	if !ok {
		return Lease{}, fmt.Errorf("task %d held by %s: %w", taskID, cur.Holder, domain.ErrTaskLeased)
	}
	return l, nil
}

// AcquireWait claims the task for holder, waiting while another holder's
// lease is live. The wait ends when that lease is released or expires.
// If ctx ends first it fails with domain.ErrTaskLeased.
func (t *Table) AcquireWait(ctx context.Context, taskID int64, holder string) (Lease, error) {
	for {
		t.mu.Lock()
		l, cur, ok := t.tryAcquire(taskID, holder)
		if ok {
			t.mu.Unlock()
			return l, nil
		}
		released, found := t.waiters[taskID]
		if !found {
			released = make(chan struct{})
			t.waiters[taskID] = released
		}
		wait := cur.Expires.Sub(t.now())
		t.mu.Unlock()

		timer := time.NewTimer(wait)
		select {
		case <-released:
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return Lease{}, fmt.Errorf("task %d held by %s: %w", taskID, cur.Holder, domain.ErrTaskLeased)
		}
		timer.Stop()
	}
}

// tryAcquire must be called with mu held. On failure it returns the live lease.
func (t *Table) tryAcquire(taskID int64, holder string) (Lease, Lease, bool) {
	now := t.now()
	if cur, ok := t.leases[taskID]; ok && now.Before(cur.Expires) {
		return Lease{}, cur, false
	}
	l := Lease{
		TaskID:  taskID,
		Token:   uuid.NewString(),
		Holder:  holder,
		Expires: now.Add(t.ttl),
	}
	t.leases[taskID] = l
	t.updateGauge()
	return l, Lease{}, true
}

// Valid reports whether l is still the live lease on its task.
func (t *Table) Valid(l Lease) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	cur, ok := t.leases[l.TaskID]
	return ok && cur.Token == l.Token && t.now().Before(cur.Expires)
}

// Extend pushes the expiry of a live lease one TTL past now.
func (t *Table) Extend(l Lease) (Lease, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	cur, ok := t.leases[l.TaskID]
	if !ok || cur.Token != l.Token || !t.now().Before(cur.Expires) {
		return l, false
	}
	cur.Expires = t.now().Add(t.ttl)
	t.leases[l.TaskID] = cur
	return cur, true
}

// Release drops the lease if l still owns it and wakes AcquireWait callers.
func (t *Table) Release(l Lease) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if cur, ok := t.leases[l.TaskID]; ok && cur.Token == l.Token {
		delete(t.leases, l.TaskID)
		t.updateGauge()
		if released, ok := t.waiters[l.TaskID]; ok {
			close(released)
			delete(t.waiters, l.TaskID)
		}
	}
}

// Held reports whether the task has a live lease.
func (t *Table) Held(taskID int64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	cur, ok := t.leases[taskID]
	return ok && t.now().Before(cur.Expires)
}

// Active returns the live leases and prunes expired ones.
func (t *Table) Active() []Lease {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now()
	out := make([]Lease, 0, len(t.leases))
	for id, l := range t.leases {
		if !now.Before(l.Expires) {
			delete(t.leases, id)
			continue
		}
		out = append(out, l)
	}
	t.updateGauge()
	return out
}

// updateGauge must be called with mu held.
func (t *Table) updateGauge() {
	observability.ActiveLeases.Set(float64(len(t.leases)))
}
