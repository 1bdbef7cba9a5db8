/*
Package engine implements the redemption coordinator and the bulk points
adjustment path.

PURPOSE:
  This is the only place where balances, stock, and history change.
  Route handlers and feed consumers hand the engine validated primitives
  (a user id, a prize id, a row of external-id + amount) and receive
  typed results back; the engine never parses HTTP bodies, files, or
  tokens.

INVARIANTS (hold at every committed state):
  - user balance >= 0
  - prize stock >= 0
  - every redemption has exactly one history entry carrying
    -points_spent and pointing back at it
  - the sum of a user's history entries equals the stored balance
  - a redemption's stock decrement and balance decrement either both
    happened or neither did

  The history-sum invariant can be waived for bulk adjustment only, and
  only explicitly: see AdjustmentMode.

LOCKING:
  Every mutation acquires exclusive row locks before reading the values
  it validates against and holds them to commit or rollback. The order
  is fixed (user before prize), so concurrent operations touching
  overlapping rows cannot form a wait cycle. Contended rows serialize;
  disjoint rows proceed in parallel.

SEE ALSO:
  - ledger:       data model, errors, store contract
  - feed:         delivers adjustment batches from the message queue
*/
package engine

import (
	"io"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/warp/redemption-engine/ledger"
)

// =============================================================================
// ADJUSTMENT MODE - How bulk overwrites treat the history ledger
// =============================================================================

// AdjustmentMode selects what a bulk balance overwrite writes to history.
//
// The upstream feed reports absolute balances, not deltas. Overwriting
// silently (the original system's behavior) breaks reconciliation when a
// redemption lands between the feed's snapshot and its application, so
// the choice is exposed instead of hard-coded.
type AdjustmentMode string

const (
	// OverwriteSilent sets the balance absolutely and writes no history
	// entry. Reconciliation no longer holds for adjusted users.
	OverwriteSilent AdjustmentMode = "overwrite_silent"

	// OverwriteReconcile sets the balance absolutely and records the
	// implied delta as a history entry, so history still sums to the
	// balance. Default.
	OverwriteReconcile AdjustmentMode = "overwrite_reconcile"
)

// =============================================================================
// ENGINE
// =============================================================================

type Engine struct {
	store ledger.Store
	log   *logrus.Logger
	mode  AdjustmentMode
	now   func() time.Time
}

type Option func(*Engine)

// WithAdjustmentMode overrides the default OverwriteReconcile mode.
func WithAdjustmentMode(mode AdjustmentMode) Option {
	return func(e *Engine) { e.mode = mode }
}

// WithClock injects a time source. Tests use this for deterministic
// created_at stamps.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// New creates an engine on top of the given store. A nil logger disables
// logging.
func New(store ledger.Store, log *logrus.Logger, opts ...Option) *Engine {
	if log == nil {
		log = logrus.New()
		log.SetOutput(io.Discard)
	}
	e := &Engine{
		store: store,
		log:   log,
		mode:  OverwriteReconcile,
		now:   func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Mode returns the configured adjustment mode.
func (e *Engine) Mode() AdjustmentMode { return e.mode }
