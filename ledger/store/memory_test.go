package store_test

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/redemption-engine/ledger"
	"github.com/warp/redemption-engine/ledger/store"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func seed(t *testing.T, m *store.Memory) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, m.PutUser(ctx, ledger.User{
		ID: "user-1", ExternalID: "ks-1001", Nickname: "anchor-a", Balance: dec("50"),
	}))
	require.NoError(t, m.PutPrize(ctx, ledger.Prize{
		ID: "prize-1", Name: "Fitness Tracker", Cost: dec("30"), Stock: 2, Active: true,
	}))
}

// =============================================================================
// TRANSACTION ATOMICITY
// =============================================================================

func TestMemory_CommitAppliesAllWritesAtOnce(t *testing.T) {
	// GIVEN: A transaction staging a redemption, history entry, balance
	//        and stock change
	// WHEN: Observing the store before and after Commit
	// THEN: Readers see none of it before and all of it after

	m := store.NewMemory(0)
	seed(t, m)
	ctx := context.Background()

	tx, err := m.Begin(ctx)
	require.NoError(t, err)

	user, err := tx.LockUser(ctx, "user-1")
	require.NoError(t, err)
	prize, err := tx.LockPrize(ctx, "prize-1")
	require.NoError(t, err)

	redemption := ledger.Redemption{
		ID: "red-1", UserID: user.ID, PrizeID: prize.ID,
		PointsSpent: prize.Cost, Status: ledger.StatusCompleted,
		CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, tx.InsertRedemption(ctx, redemption))
	require.NoError(t, tx.AppendHistory(ctx, ledger.HistoryEntry{
		ID: "hist-1", UserID: user.ID, ChangeAmount: prize.Cost.Neg(),
		Reason: ledger.ReasonRedemption, RelatedID: redemption.ID,
		CreatedAt: time.Now().UTC(),
	}))
	require.NoError(t, tx.SetUserBalance(ctx, user.ID, user.Balance.Sub(prize.Cost)))
	require.NoError(t, tx.SetPrizeStock(ctx, prize.ID, prize.Stock-1))

	// Nothing staged is visible yet.
	before, err := m.GetUser(ctx, "user-1")
	require.NoError(t, err)
	assert.True(t, before.Balance.Equal(dec("50")), "balance must be untouched before commit")
	_, err = m.GetRedemption(ctx, "red-1")
	assert.ErrorIs(t, err, ledger.ErrRedemptionNotFound)

	require.NoError(t, tx.Commit())

	after, err := m.GetUser(ctx, "user-1")
	require.NoError(t, err)
	assert.True(t, after.Balance.Equal(dec("20")))

	prizeAfter, err := m.GetPrize(ctx, "prize-1")
	require.NoError(t, err)
	assert.Equal(t, 1, prizeAfter.Stock)

	history, err := m.HistoryForUser(ctx, "user-1")
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.True(t, history[0].ChangeAmount.Equal(dec("-30")))
	assert.Equal(t, ledger.RedemptionID("red-1"), history[0].RelatedID)
}

func TestMemory_RollbackDiscardsEverything(t *testing.T) {
	m := store.NewMemory(0)
	seed(t, m)
	ctx := context.Background()

	tx, err := m.Begin(ctx)
	require.NoError(t, err)

	_, err = tx.LockUser(ctx, "user-1")
	require.NoError(t, err)
	require.NoError(t, tx.SetUserBalance(ctx, "user-1", dec("0")))
	require.NoError(t, tx.AppendHistory(ctx, ledger.HistoryEntry{
		ID: "hist-x", UserID: "user-1", ChangeAmount: dec("-50"),
		Reason: ledger.ReasonRedemption,
	}))
	require.NoError(t, tx.Rollback())

	user, err := m.GetUser(ctx, "user-1")
	require.NoError(t, err)
	assert.True(t, user.Balance.Equal(dec("50")), "rollback must restore pre-transaction state")

	history, err := m.HistoryForUser(ctx, "user-1")
	require.NoError(t, err)
	assert.Empty(t, history)
}

func TestMemory_RollbackAfterCommitIsNoop(t *testing.T) {
	m := store.NewMemory(0)
	seed(t, m)
	ctx := context.Background()

	tx, err := m.Begin(ctx)
	require.NoError(t, err)
	_, err = tx.LockUser(ctx, "user-1")
	require.NoError(t, err)
	require.NoError(t, tx.SetUserBalance(ctx, "user-1", dec("75")))
	require.NoError(t, tx.Commit())
	require.NoError(t, tx.Rollback())

	user, err := m.GetUser(ctx, "user-1")
	require.NoError(t, err)
	assert.True(t, user.Balance.Equal(dec("75")), "rollback after commit must not undo the commit")
}

// =============================================================================
// ROW LOCKING
// =============================================================================

func TestMemory_LockedRowBlocksSecondTransaction(t *testing.T) {
	// GIVEN: tx1 holds the lock on user-1
	// WHEN: tx2 tries to lock the same user with a short wait bound
	// THEN: tx2 fails with ErrLockTimeout; after tx1 ends, tx2 succeeds

	m := store.NewMemory(50 * time.Millisecond)
	seed(t, m)
	ctx := context.Background()

	tx1, err := m.Begin(ctx)
	require.NoError(t, err)
	_, err = tx1.LockUser(ctx, "user-1")
	require.NoError(t, err)

	tx2, err := m.Begin(ctx)
	require.NoError(t, err)
	_, err = tx2.LockUser(ctx, "user-1")
	assert.ErrorIs(t, err, ledger.ErrLockTimeout)
	require.NoError(t, tx2.Rollback())

	require.NoError(t, tx1.Rollback())

	tx3, err := m.Begin(ctx)
	require.NoError(t, err)
	defer tx3.Rollback()
	_, err = tx3.LockUser(ctx, "user-1")
	assert.NoError(t, err, "released row must be acquirable again")
}

func TestMemory_LockUserByExternalID(t *testing.T) {
	m := store.NewMemory(0)
	seed(t, m)
	ctx := context.Background()

	tx, err := m.Begin(ctx)
	require.NoError(t, err)
	defer tx.Rollback()

	user, err := tx.LockUserByExternalID(ctx, "ks-1001")
	require.NoError(t, err)
	assert.Equal(t, ledger.UserID("user-1"), user.ID)

	_, err = tx.LockUserByExternalID(ctx, "ks-9999")
	assert.ErrorIs(t, err, ledger.ErrUserNotFound)
}

// =============================================================================
// COLLABORATOR WRITES
// =============================================================================

func TestMemory_PutUserPreservesEngineOwnedBalance(t *testing.T) {
	m := store.NewMemory(0)
	seed(t, m)
	ctx := context.Background()

	// Profile update from the registration collaborator.
	require.NoError(t, m.PutUser(ctx, ledger.User{
		ID: "user-1", ExternalID: "ks-1001", Nickname: "renamed", Balance: dec("999"),
	}))

	user, err := m.GetUser(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, "renamed", user.Nickname)
	assert.True(t, user.Balance.Equal(dec("50")), "PutUser must not touch the balance")
}

func TestMemory_NotFoundErrors(t *testing.T) {
	m := store.NewMemory(0)
	ctx := context.Background()

	_, err := m.GetUser(ctx, "nope")
	assert.ErrorIs(t, err, ledger.ErrUserNotFound)
	_, err = m.GetPrize(ctx, "nope")
	assert.ErrorIs(t, err, ledger.ErrPrizeNotFound)
	_, err = m.GetRedemption(ctx, "nope")
	assert.ErrorIs(t, err, ledger.ErrRedemptionNotFound)
}
