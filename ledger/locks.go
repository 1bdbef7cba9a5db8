/*
locks.go - Row-level exclusive locking with bounded waits

PURPOSE:
  Both store implementations serialize mutation paths through this lock
  table. Every transaction that wants to validate and mutate a user or
  prize row acquires the row's exclusive lock first, reads the value
  under the lock, and releases on commit or rollback. No two
  transactions hold the same row at once; a second request blocks until
  the first releases.

DEADLOCK AVOIDANCE:
  Acquisition follows a fixed global order: user rows before prize
  rows, ascending id within a kind. A transaction that tries to acquire
  out of order gets ErrLockOrder immediately - that is a bug in the
  caller, not a race outcome.

BOUNDED WAITS:
  A lock request waits at most the table's configured timeout, then
  fails with ErrLockTimeout. Callers treat that as retryable; nothing
  blocks indefinitely.

SEE ALSO:
  - store.go: Tx contract built on these locks
  - store/memory.go, store/sqlite: the two lock table users
*/
package ledger

import (
	"context"
	"sync"
	"time"
)

// DefaultLockWait bounds how long a transaction waits for a contended row.
const DefaultLockWait = 3 * time.Second

// =============================================================================
// ROW KEYS
// =============================================================================

type rowKind int

// Lock order: users strictly before prizes.
const (
	kindUser rowKind = iota
	kindPrize
)

// RowKey identifies a lockable row. Construct via UserRow / PrizeRow.
type RowKey struct {
	kind rowKind
	id   string
}

func UserRow(id UserID) RowKey   { return RowKey{kind: kindUser, id: string(id)} }
func PrizeRow(id PrizeID) RowKey { return RowKey{kind: kindPrize, id: string(id)} }

// less defines the global acquisition order.
func (k RowKey) less(other RowKey) bool {
	if k.kind != other.kind {
		return k.kind < other.kind
	}
	return k.id < other.id
}

// =============================================================================
// LOCK TABLE
// =============================================================================

// LockTable hands out per-row exclusive locks. Safe for concurrent use.
// Rows are materialized lazily on first acquisition and never removed;
// the population of users and prizes is small and long-lived.
type LockTable struct {
	mu   sync.Mutex
	rows map[RowKey]chan struct{}
	wait time.Duration
}

// NewLockTable creates a lock table with the given wait bound.
// A non-positive wait falls back to DefaultLockWait.
func NewLockTable(wait time.Duration) *LockTable {
	if wait <= 0 {
		wait = DefaultLockWait
	}
	return &LockTable{
		rows: make(map[RowKey]chan struct{}),
		wait: wait,
	}
}

func (lt *LockTable) row(key RowKey) chan struct{} {
	lt.mu.Lock()
	defer lt.mu.Unlock()
	ch, ok := lt.rows[key]
	if !ok {
		ch = make(chan struct{}, 1)
		lt.rows[key] = ch
	}
	return ch
}

// Acquire takes the exclusive lock on one row, waiting at most the
// table's bound. Returns ErrLockTimeout if the wait expires, or the
// context error if ctx is cancelled first.
func (lt *LockTable) Acquire(ctx context.Context, key RowKey) error {
	ch := lt.row(key)

	select {
	case ch <- struct{}{}:
		return nil
	default:
	}

	timer := time.NewTimer(lt.wait)
	defer timer.Stop()

	select {
	case ch <- struct{}{}:
		return nil
	case <-timer.C:
		return ErrLockTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Release frees a previously acquired row lock.
func (lt *LockTable) Release(key RowKey) {
	ch := lt.row(key)
	select {
	case <-ch:
	default:
		// Releasing an unheld lock is a no-op.
	}
}

// =============================================================================
// HELD LOCKS - Per-transaction bookkeeping
// =============================================================================

// HeldLocks tracks the rows a single transaction holds and enforces the
// fixed acquisition order. Not safe for concurrent use; a transaction
// belongs to one worker.
type HeldLocks struct {
	table *LockTable
	held  []RowKey
}

func NewHeldLocks(table *LockTable) *HeldLocks {
	return &HeldLocks{table: table}
}

// Acquire takes one more row for the transaction. The new row must sort
// after every row already held.
func (h *HeldLocks) Acquire(ctx context.Context, key RowKey) error {
	for _, prev := range h.held {
		if key == prev {
			// Re-locking a held row is fine; the transaction owns it.
			return nil
		}
		if key.less(prev) {
			return ErrLockOrder
		}
	}
	if err := h.table.Acquire(ctx, key); err != nil {
		return err
	}
	h.held = append(h.held, key)
	return nil
}

// ReleaseAll frees every held row. Called on commit and rollback.
func (h *HeldLocks) ReleaseAll() {
	for i := len(h.held) - 1; i >= 0; i-- {
		h.table.Release(h.held[i])
	}
	h.held = nil
}
