/*
Package ledger provides the core data model and storage contract for the
points redemption engine.

PURPOSE:
  This package contains the entities shared by every mutation path:
  users with point balances, prizes with stock, redemptions, and the
  append-only history of balance changes. The engine package builds the
  redemption and bulk-adjustment flows on top of these types.

KEY CONCEPTS IN THIS FILE (types.go):
  - User:         A registered participant with a point balance
  - Prize:        A catalog item redeemable for points
  - Redemption:   A completed exchange of points for one prize unit
  - HistoryEntry: An immutable record of a single signed balance change

DESIGN PRINCIPLES:
  1. Immutability: Redemptions and history entries are never edited;
     corrections happen through new entries
  2. Precision: Uses decimal.Decimal to avoid floating-point errors
  3. Type Safety: Strong typing for IDs prevents mixing user/prize IDs
  4. Reconciliation: Summing a user's history entries must reproduce
     their stored balance exactly

SEE ALSO:
  - store.go:  Transactional persistence interface
  - errors.go: Error taxonomy shared by all components
  - locks.go:  Row-level exclusive locking
*/
package ledger

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type UserID string
type PrizeID string
type RedemptionID string

// =============================================================================
// USER - Registered participant with a point balance
// =============================================================================

// User holds the stored balance alongside identity fields. The balance is
// mutated only through engine operations, never by direct writes, and must
// stay >= 0 at every committed state.
type User struct {
	ID         UserID
	ExternalID string // unique id from the upstream platform
	Nickname   string
	Balance    decimal.Decimal
	IsAdmin    bool
}

// =============================================================================
// PRIZE - Catalog item with remaining stock
// =============================================================================

// Prize stock must stay >= 0 at every committed state.
type Prize struct {
	ID     PrizeID
	Name   string
	Cost   decimal.Decimal
	Stock  int
	Active bool
}

// =============================================================================
// REDEMPTION - One completed points-for-prize exchange
// =============================================================================

type RedemptionStatus string

const (
	// StatusCompleted is the only status the engine itself produces.
	StatusCompleted RedemptionStatus = "completed"
	// StatusShipped and StatusCancelled are reached through fulfillment.
	StatusShipped   RedemptionStatus = "shipped"
	StatusCancelled RedemptionStatus = "cancelled"
	// StatusPending is reserved for future two-phase flows. Nothing
	// produces it today.
	StatusPending RedemptionStatus = "pending"
)

// Redemption is immutable once created except for the status field, which
// moves completed -> shipped or completed -> cancelled via fulfillment.
type Redemption struct {
	ID              RedemptionID
	UserID          UserID
	PrizeID         PrizeID
	PointsSpent     decimal.Decimal
	Status          RedemptionStatus
	ShippingAddress string
	CreatedAt       time.Time
}

// =============================================================================
// HISTORY ENTRY - Append-only ledger line
// =============================================================================

type HistoryReason string

const (
	ReasonRedemption          HistoryReason = "redemption"
	ReasonBulkAdjustment      HistoryReason = "bulk_adjustment"
	ReasonRedemptionCancelled HistoryReason = "redemption_cancelled"
)

// HistoryEntry records a single signed change to a user's balance.
// Entries are append-only: no update, no delete, ever.
type HistoryEntry struct {
	ID           string
	UserID       UserID
	ChangeAmount decimal.Decimal
	Reason       HistoryReason
	RelatedID    RedemptionID // optional link to a redemption
	CreatedAt    time.Time
}

// =============================================================================
// RECONCILIATION
// =============================================================================

// Reconcile sums the change amounts of a user's history entries. For a
// user whose every balance change went through the engine, the result
// equals the stored balance.
func Reconcile(entries []HistoryEntry) decimal.Decimal {
	sum := decimal.Zero
	for _, e := range entries {
		sum = sum.Add(e.ChangeAmount)
	}
	return sum
}
