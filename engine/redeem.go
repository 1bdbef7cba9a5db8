/*
redeem.go - The redemption coordinator

PURPOSE:
  Exchanges a user's points for one unit of a prize as a single atomic
  transaction: validate under lock, create the redemption, log the
  history entry, decrement balance and stock, commit. Either all of it
  happens or none of it does.

FAILURE SEMANTICS:
  ErrUserNotFound / ErrPrizeNotFound / ErrPrizeInactive / ErrOutOfStock
  / InsufficientBalanceError are final domain outcomes: the transaction
  is rolled back and nothing changed. ErrLockTimeout is retryable.
  A PersistenceError means storage failed and the whole operation is
  void.
*/
package engine

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/warp/redemption-engine/ledger"
)

// RedeemResult reports a successful redemption.
type RedeemResult struct {
	RedemptionID ledger.RedemptionID
	NewBalance   decimal.Decimal
}

// Redeem exchanges prize.Cost points of userID for one unit of prizeID.
//
// Validation order under lock: prize exists, prize active, stock > 0,
// balance >= cost. Checks run against the values observed under the row
// locks, never a stale read.
func (e *Engine) Redeem(ctx context.Context, userID ledger.UserID, prizeID ledger.PrizeID, shippingAddress string) (RedeemResult, error) {
	if userID == "" {
		return RedeemResult{}, fmt.Errorf("%w: missing user id", ledger.ErrInvalidInput)
	}
	if prizeID == "" {
		return RedeemResult{}, fmt.Errorf("%w: missing prize id", ledger.ErrInvalidInput)
	}

	tx, err := e.store.Begin(ctx)
	if err != nil {
		return RedeemResult{}, err
	}
	defer tx.Rollback()

	// Lock order: user row before prize row. Always.
	user, err := tx.LockUser(ctx, userID)
	if err != nil {
		return RedeemResult{}, err
	}
	prize, err := tx.LockPrize(ctx, prizeID)
	if err != nil {
		return RedeemResult{}, err
	}

	if !prize.Active {
		return RedeemResult{}, ledger.ErrPrizeInactive
	}
	if prize.Stock <= 0 {
		return RedeemResult{}, ledger.ErrOutOfStock
	}
	if user.Balance.LessThan(prize.Cost) {
		return RedeemResult{}, &ledger.InsufficientBalanceError{
			UserID:    userID,
			PrizeID:   prizeID,
			Available: user.Balance,
			Requested: prize.Cost,
		}
	}

	now := e.now()
	redemption := ledger.Redemption{
		ID:              ledger.RedemptionID(uuid.NewString()),
		UserID:          userID,
		PrizeID:         prizeID,
		PointsSpent:     prize.Cost,
		Status:          ledger.StatusCompleted,
		ShippingAddress: shippingAddress,
		CreatedAt:       now,
	}
	if err := tx.InsertRedemption(ctx, redemption); err != nil {
		return RedeemResult{}, err
	}

	if err := tx.AppendHistory(ctx, ledger.HistoryEntry{
		ID:           uuid.NewString(),
		UserID:       userID,
		ChangeAmount: prize.Cost.Neg(),
		Reason:       ledger.ReasonRedemption,
		RelatedID:    redemption.ID,
		CreatedAt:    now,
	}); err != nil {
		return RedeemResult{}, err
	}

	newBalance := user.Balance.Sub(prize.Cost)
	if err := tx.SetUserBalance(ctx, userID, newBalance); err != nil {
		return RedeemResult{}, err
	}
	if err := tx.SetPrizeStock(ctx, prizeID, prize.Stock-1); err != nil {
		return RedeemResult{}, err
	}

	if err := tx.Commit(); err != nil {
		e.log.WithError(err).WithFields(logrus.Fields{
			"user_id":  userID,
			"prize_id": prizeID,
		}).Error("redemption aborted at commit")
		return RedeemResult{}, err
	}

	e.log.WithFields(logrus.Fields{
		"user_id":       userID,
		"prize_id":      prizeID,
		"redemption_id": redemption.ID,
		"points_spent":  prize.Cost,
		"new_balance":   newBalance,
	}).Info("redemption completed")

	return RedeemResult{RedemptionID: redemption.ID, NewBalance: newBalance}, nil
}
