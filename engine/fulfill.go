/*
fulfill.go - Redemption fulfillment transitions

The coordinator only ever produces completed redemptions; shipping and
cancellation arrive later from fulfillment tooling. Cancellation is the
one transition with ledger effects: the spent points come back as a new
history entry and the prize unit returns to stock, under the same locks
a redemption takes.
*/
package engine

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/warp/redemption-engine/ledger"
)

// MarkRedemption moves a redemption to shipped or cancelled. Only
// transitions out of the completed status are allowed.
func (e *Engine) MarkRedemption(ctx context.Context, id ledger.RedemptionID, status ledger.RedemptionStatus) error {
	if id == "" {
		return fmt.Errorf("%w: missing redemption id", ledger.ErrInvalidInput)
	}
	if status != ledger.StatusShipped && status != ledger.StatusCancelled {
		return fmt.Errorf("%w: cannot mark redemption %q", ledger.ErrInvalidTransition, status)
	}

	tx, err := e.store.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	// First read resolves the rows to lock; the authoritative status
	// check happens again once the locks are held.
	r, err := tx.GetRedemption(ctx, id)
	if err != nil {
		return err
	}

	user, err := tx.LockUser(ctx, r.UserID)
	if err != nil {
		return err
	}
	prize, err := tx.LockPrize(ctx, r.PrizeID)
	if err != nil {
		return err
	}

	r, err = tx.GetRedemption(ctx, id)
	if err != nil {
		return err
	}
	if r.Status != ledger.StatusCompleted {
		return fmt.Errorf("%w: %s -> %s", ledger.ErrInvalidTransition, r.Status, status)
	}

	if status == ledger.StatusCancelled {
		if err := tx.AppendHistory(ctx, ledger.HistoryEntry{
			ID:           uuid.NewString(),
			UserID:       user.ID,
			ChangeAmount: r.PointsSpent,
			Reason:       ledger.ReasonRedemptionCancelled,
			RelatedID:    r.ID,
			CreatedAt:    e.now(),
		}); err != nil {
			return err
		}
		if err := tx.SetUserBalance(ctx, user.ID, user.Balance.Add(r.PointsSpent)); err != nil {
			return err
		}
		if err := tx.SetPrizeStock(ctx, prize.ID, prize.Stock+1); err != nil {
			return err
		}
	}

	if err := tx.SetRedemptionStatus(ctx, id, status); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}

	e.log.WithFields(logrus.Fields{
		"redemption_id": id,
		"status":        status,
	}).Info("redemption status updated")
	return nil
}
