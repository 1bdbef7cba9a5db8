/*
adjust.go - Bulk points adjustment

PURPOSE:
  Applies a batch of external balance overwrites, one row at a time.
  The upstream feed reports revenue per external id; points are derived
  as revenue / 10 in fixed-point decimal. Each row is its own
  transaction under the same user-row lock the coordinator takes, so a
  concurrent redemption can never interleave with an overwrite in a way
  that loses an update.

  The batch is NOT atomic as a whole: a failing row is reported and the
  remaining rows continue.
*/
package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/warp/redemption-engine/ledger"
)

// pointsDivisor converts raw feed revenue into points.
var pointsDivisor = decimal.NewFromInt(10)

// AdjustmentRow is one line of the external feed. RawAmount stays a
// string until it is parsed into a decimal here; routing float64 through
// the API would reintroduce the rounding drift this path exists to avoid.
type AdjustmentRow struct {
	ExternalID string
	RawAmount  string
}

// ErrorRecord reports one failed row. Row is 1-based over the batch.
type ErrorRecord struct {
	Row        int
	ExternalID string
	Reason     string
}

// AdjustmentResult summarizes a processed batch.
type AdjustmentResult struct {
	UpdatedCount  int
	NotFoundCount int
	Total         int
	ErrorRecords  []ErrorRecord
}

// ApplyTransactions processes the batch row by row. Rows with an empty
// external id are skipped; they count toward Total only. Malformed or
// failing rows are reported in ErrorRecords and never abort the rest of
// the batch.
func (e *Engine) ApplyTransactions(ctx context.Context, rows []AdjustmentRow) AdjustmentResult {
	result := AdjustmentResult{Total: len(rows)}

	for i, row := range rows {
		rowNum := i + 1

		externalID := strings.TrimSpace(row.ExternalID)
		if externalID == "" {
			continue
		}

		amount, err := decimal.NewFromString(strings.TrimSpace(row.RawAmount))
		if err != nil {
			result.ErrorRecords = append(result.ErrorRecords, ErrorRecord{
				Row:        rowNum,
				ExternalID: externalID,
				Reason:     fmt.Sprintf("invalid amount %q", row.RawAmount),
			})
			continue
		}

		points := amount.Div(pointsDivisor)
		if points.IsNegative() {
			// A negative balance would survive past commit; reject the row.
			result.ErrorRecords = append(result.ErrorRecords, ErrorRecord{
				Row:        rowNum,
				ExternalID: externalID,
				Reason:     "negative amount",
			})
			continue
		}

		if err := e.applyRow(ctx, externalID, points); err != nil {
			if errors.Is(err, ledger.ErrUserNotFound) {
				result.NotFoundCount++
				result.ErrorRecords = append(result.ErrorRecords, ErrorRecord{
					Row:        rowNum,
					ExternalID: externalID,
					Reason:     "user not found",
				})
				continue
			}
			e.log.WithError(err).WithFields(logrus.Fields{
				"row":         rowNum,
				"external_id": externalID,
			}).Warn("adjustment row failed")
			result.ErrorRecords = append(result.ErrorRecords, ErrorRecord{
				Row:        rowNum,
				ExternalID: externalID,
				Reason:     err.Error(),
			})
			continue
		}

		result.UpdatedCount++
	}

	e.log.WithFields(logrus.Fields{
		"total":     result.Total,
		"updated":   result.UpdatedCount,
		"not_found": result.NotFoundCount,
		"errors":    len(result.ErrorRecords),
		"mode":      e.mode,
	}).Info("adjustment batch processed")

	return result
}

// applyRow overwrites one user's balance in its own transaction.
func (e *Engine) applyRow(ctx context.Context, externalID string, points decimal.Decimal) error {
	tx, err := e.store.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	user, err := tx.LockUserByExternalID(ctx, externalID)
	if err != nil {
		return err
	}

	if e.mode == OverwriteReconcile {
		delta := points.Sub(user.Balance)
		if !delta.IsZero() {
			if err := tx.AppendHistory(ctx, ledger.HistoryEntry{
				ID:           uuid.NewString(),
				UserID:       user.ID,
				ChangeAmount: delta,
				Reason:       ledger.ReasonBulkAdjustment,
				CreatedAt:    e.now(),
			}); err != nil {
				return err
			}
		}
	}

	if err := tx.SetUserBalance(ctx, user.ID, points); err != nil {
		return err
	}
	return tx.Commit()
}
