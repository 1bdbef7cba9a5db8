// queries.go - read-side accessors for route handlers.
package engine

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/warp/redemption-engine/ledger"
)

// Balance returns the user's committed balance.
func (e *Engine) Balance(ctx context.Context, id ledger.UserID) (decimal.Decimal, error) {
	u, err := e.store.GetUser(ctx, id)
	if err != nil {
		return decimal.Zero, err
	}
	return u.Balance, nil
}

// History returns the user's ledger entries, oldest first.
func (e *Engine) History(ctx context.Context, id ledger.UserID) ([]ledger.HistoryEntry, error) {
	return e.store.HistoryForUser(ctx, id)
}

// Redemptions returns the user's redemptions, newest first.
func (e *Engine) Redemptions(ctx context.Context, id ledger.UserID) ([]ledger.Redemption, error) {
	return e.store.RedemptionsForUser(ctx, id)
}

// Reconciled reports whether the sum of the user's history entries
// reproduces the stored balance. Always true for users whose every
// change went through the engine; false after a silent-mode overwrite.
func (e *Engine) Reconciled(ctx context.Context, id ledger.UserID) (bool, error) {
	u, err := e.store.GetUser(ctx, id)
	if err != nil {
		return false, err
	}
	entries, err := e.store.HistoryForUser(ctx, id)
	if err != nil {
		return false, err
	}
	return ledger.Reconcile(entries).Equal(u.Balance), nil
}
