/*
errors.go - Centralized error types for the redemption engine

PURPOSE:
  All error types in one place for consistency and discoverability.
  Callers classify outcomes with errors.Is / errors.As and the helper
  predicates at the bottom of this file.

ERROR CATEGORIES:
  1. Validation errors  - malformed input, rejected before any lock
  2. Domain errors      - business-rule violations, no mutation occurs
  3. Concurrency errors - lock wait expired, safe to retry
  4. Persistence errors - storage failed, transaction was aborted

USAGE:
  result, err := eng.Redeem(ctx, userID, prizeID, addr)
  switch {
  case errors.Is(err, ledger.ErrOutOfStock):
      // surface to the user, do not retry
  case ledger.IsRetryable(err):
      // retry the whole operation
  }

SEE ALSO:
  - store.go: Store/Tx methods return these errors
  - engine:   maps validation outcomes onto this taxonomy
*/
package ledger

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrInvalidInput is returned for malformed arguments (e.g. empty id).
	// Rejected before any lock is taken.
	ErrInvalidInput = errors.New("invalid input")

	// ErrUserNotFound is returned when a referenced user doesn't exist.
	ErrUserNotFound = errors.New("user not found")

	// ErrPrizeNotFound is returned when a referenced prize doesn't exist.
	ErrPrizeNotFound = errors.New("prize not found")

	// ErrRedemptionNotFound is returned when a referenced redemption doesn't exist.
	ErrRedemptionNotFound = errors.New("redemption not found")

	// ErrPrizeInactive is returned when redeeming a prize that is not
	// available for redemption.
	ErrPrizeInactive = errors.New("prize is not active")

	// ErrOutOfStock is returned when a prize has no remaining stock.
	ErrOutOfStock = errors.New("prize is out of stock")

	// ErrInsufficientBalance is returned when a user's balance cannot
	// cover a prize's cost.
	ErrInsufficientBalance = errors.New("insufficient balance")

	// ErrInvalidTransition is returned for a disallowed redemption
	// status change. Only completed -> shipped and completed -> cancelled
	// are permitted.
	ErrInvalidTransition = errors.New("invalid redemption status transition")

	// ErrLockTimeout is returned when a row lock could not be acquired
	// within the bounded wait. The whole operation may be retried.
	ErrLockTimeout = errors.New("row lock wait timed out")

	// ErrLockOrder is returned when a transaction attempts to acquire
	// rows out of the fixed global order (users before prizes, ascending
	// id within a kind). This is a programming error, never a runtime
	// race outcome.
	ErrLockOrder = errors.New("row locks acquired out of order")

	// ErrPersistence is returned when the underlying storage failed
	// mid-transaction. The transaction was aborted; nothing persisted.
	ErrPersistence = errors.New("persistence failure")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// InsufficientBalanceError provides details about a balance shortage.
type InsufficientBalanceError struct {
	UserID    UserID
	PrizeID   PrizeID
	Available decimal.Decimal
	Requested decimal.Decimal
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("insufficient balance: available %s, requested %s",
		e.Available, e.Requested)
}

func (e *InsufficientBalanceError) Unwrap() error {
	return ErrInsufficientBalance
}

// Shortfall returns how many points the user is missing.
func (e *InsufficientBalanceError) Shortfall() decimal.Decimal {
	return e.Requested.Sub(e.Available)
}

// PersistenceError wraps a storage-level failure with the operation that
// hit it. The cause is kept in the message; classification goes through
// the ErrPersistence sentinel.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence failure during %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return ErrPersistence
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the error might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrLockTimeout)
}

// IsClientError returns true if the error is a business-rule outcome the
// caller should surface rather than retry.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInvalidInput) ||
		errors.Is(err, ErrPrizeInactive) ||
		errors.Is(err, ErrOutOfStock) ||
		errors.Is(err, ErrInsufficientBalance) ||
		errors.Is(err, ErrInvalidTransition)
}

// IsNotFound returns true if the error indicates a missing entity.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrUserNotFound) ||
		errors.Is(err, ErrPrizeNotFound) ||
		errors.Is(err, ErrRedemptionNotFound)
}
