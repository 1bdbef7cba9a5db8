/*
store.go - Transactional persistence interface

PURPOSE:
  Defines the contract between the engine and the database. Every
  mutation flows through a Tx: exclusive row locks are taken before the
  values they validate are read, and all staged writes either commit
  atomically or vanish on rollback. There is no way to mutate a balance
  or a stock count outside a Tx.

LOCKING CONTRACT:
  - LockUser / LockPrize acquire the row's exclusive lock for the
    duration of the transaction and return the value observed under it.
  - Acquisition order is fixed: user rows before prize rows, ascending
    id within a kind. Out-of-order acquisition fails with ErrLockOrder.
  - Lock waits are bounded; contention past the bound yields
    ErrLockTimeout.

APPEND-ONLY CONTRACT:
  Redemptions and history entries are insert-only. The single exception
  is SetRedemptionStatus, which moves a redemption through its
  fulfillment lifecycle; the points/stock effects of a cancellation are
  expressed as new history entries, never by editing old ones.

IMPLEMENTATIONS:
  - ledger/store:  in-memory, for tests and development
  - store/sqlite:  durable SQLite store

SEE ALSO:
  - locks.go:  the row lock table both implementations share
  - engine:    the only package that opens transactions
*/
package ledger

import (
	"context"

	"github.com/shopspring/decimal"
)

// =============================================================================
// STORE - Reads, collaborator writes, and transaction entry point
// =============================================================================

// Store provides read-committed access plus the Begin entry point for
// transactional mutation. Reads never observe a half-applied redemption:
// staged writes become visible only after Commit.
type Store interface {
	// GetUser returns a committed user row, or ErrUserNotFound.
	GetUser(ctx context.Context, id UserID) (User, error)

	// GetUserByExternalID resolves a user by the upstream platform id.
	GetUserByExternalID(ctx context.Context, externalID string) (User, error)

	// GetPrize returns a committed prize row, or ErrPrizeNotFound.
	GetPrize(ctx context.Context, id PrizeID) (Prize, error)

	// GetRedemption returns a committed redemption, or ErrRedemptionNotFound.
	GetRedemption(ctx context.Context, id RedemptionID) (Redemption, error)

	// HistoryForUser returns the user's history entries, oldest first.
	HistoryForUser(ctx context.Context, id UserID) ([]HistoryEntry, error)

	// RedemptionsForUser returns the user's redemptions, newest first.
	RedemptionsForUser(ctx context.Context, id UserID) ([]Redemption, error)

	// PutUser and PutPrize upsert rows on behalf of the registration and
	// catalog collaborators. They are not part of any balance mutation
	// path and must not be used to change Balance or Stock of existing
	// rows; the engine owns those fields.
	PutUser(ctx context.Context, u User) error
	PutPrize(ctx context.Context, p Prize) error

	// Begin opens a transaction. The caller must end it with exactly one
	// Commit or Rollback; Rollback after a successful Commit is a no-op.
	Begin(ctx context.Context) (Tx, error)

	Close() error
}

// =============================================================================
// TX - One atomic unit of locked reads and staged writes
// =============================================================================

// Tx is a single-worker transaction. Locked reads return the committed
// value observed under the row's exclusive lock; staged writes are
// invisible to other readers until Commit.
type Tx interface {
	// LockUser acquires the user row exclusively and returns it, or
	// ErrUserNotFound.
	LockUser(ctx context.Context, id UserID) (User, error)

	// LockUserByExternalID is LockUser keyed by the upstream platform id.
	LockUserByExternalID(ctx context.Context, externalID string) (User, error)

	// LockPrize acquires the prize row exclusively and returns it, or
	// ErrPrizeNotFound.
	LockPrize(ctx context.Context, id PrizeID) (Prize, error)

	// GetRedemption reads a redemption within the transaction.
	GetRedemption(ctx context.Context, id RedemptionID) (Redemption, error)

	// InsertRedemption stages a new redemption row.
	InsertRedemption(ctx context.Context, r Redemption) error

	// AppendHistory stages a new history entry.
	AppendHistory(ctx context.Context, h HistoryEntry) error

	// SetUserBalance stages the user's new balance. The row must be held.
	SetUserBalance(ctx context.Context, id UserID, balance decimal.Decimal) error

	// SetPrizeStock stages the prize's new stock. The row must be held.
	SetPrizeStock(ctx context.Context, id PrizeID, stock int) error

	// SetRedemptionStatus stages a fulfillment status transition.
	SetRedemptionStatus(ctx context.Context, id RedemptionID, status RedemptionStatus) error

	// Commit applies all staged writes atomically and releases the locks.
	Commit() error

	// Rollback discards staged writes and releases the locks. Safe to
	// call after Commit (no-op), so callers may defer it.
	Rollback() error
}
