package sqlite_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/redemption-engine/ledger"
	"github.com/warp/redemption-engine/store/sqlite"
)

func newTestStore(t *testing.T) *sqlite.Store {
	store, err := sqlite.New(":memory:", 0)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func seed(t *testing.T, s *sqlite.Store) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, s.PutUser(ctx, ledger.User{
		ID: "user-1", ExternalID: "ks-1001", Nickname: "anchor-a", Balance: dec("50.25"),
	}))
	require.NoError(t, s.PutPrize(ctx, ledger.Prize{
		ID: "prize-1", Name: "Fitness Tracker", Cost: dec("30"), Stock: 2, Active: true,
	}))
}

// =============================================================================
// ROUND TRIPS
// =============================================================================

func TestSQLite_TransactionRoundTrip(t *testing.T) {
	// GIVEN: A seeded user and prize
	// WHEN: A transaction writes a redemption, history entry, balance and
	//       stock change, then commits
	// THEN: Every value reads back exactly, decimals included

	s := newTestStore(t)
	seed(t, s)
	ctx := context.Background()
	createdAt := time.Date(2026, time.August, 29, 10, 0, 0, 0, time.UTC)

	tx, err := s.Begin(ctx)
	require.NoError(t, err)

	user, err := tx.LockUser(ctx, "user-1")
	require.NoError(t, err)
	assert.True(t, user.Balance.Equal(dec("50.25")))

	prize, err := tx.LockPrize(ctx, "prize-1")
	require.NoError(t, err)

	require.NoError(t, tx.InsertRedemption(ctx, ledger.Redemption{
		ID: "red-1", UserID: user.ID, PrizeID: prize.ID,
		PointsSpent: prize.Cost, Status: ledger.StatusCompleted,
		ShippingAddress: "12 Harbor Rd", CreatedAt: createdAt,
	}))
	require.NoError(t, tx.AppendHistory(ctx, ledger.HistoryEntry{
		ID: "hist-1", UserID: user.ID, ChangeAmount: dec("-30"),
		Reason: ledger.ReasonRedemption, RelatedID: "red-1", CreatedAt: createdAt,
	}))
	require.NoError(t, tx.SetUserBalance(ctx, user.ID, dec("20.25")))
	require.NoError(t, tx.SetPrizeStock(ctx, prize.ID, 1))
	require.NoError(t, tx.Commit())

	userAfter, err := s.GetUser(ctx, "user-1")
	require.NoError(t, err)
	assert.True(t, userAfter.Balance.Equal(dec("20.25")))

	prizeAfter, err := s.GetPrize(ctx, "prize-1")
	require.NoError(t, err)
	assert.Equal(t, 1, prizeAfter.Stock)

	red, err := s.GetRedemption(ctx, "red-1")
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusCompleted, red.Status)
	assert.Equal(t, "12 Harbor Rd", red.ShippingAddress)
	assert.True(t, red.PointsSpent.Equal(dec("30")))
	assert.True(t, red.CreatedAt.Equal(createdAt))

	history, err := s.HistoryForUser(ctx, "user-1")
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, ledger.ReasonRedemption, history[0].Reason)
	assert.Equal(t, ledger.RedemptionID("red-1"), history[0].RelatedID)
	assert.True(t, history[0].ChangeAmount.Equal(dec("-30")))
}

func TestSQLite_RollbackDiscardsEverything(t *testing.T) {
	s := newTestStore(t)
	seed(t, s)
	ctx := context.Background()

	tx, err := s.Begin(ctx)
	require.NoError(t, err)
	_, err = tx.LockUser(ctx, "user-1")
	require.NoError(t, err)
	require.NoError(t, tx.SetUserBalance(ctx, "user-1", dec("0")))
	require.NoError(t, tx.InsertRedemption(ctx, ledger.Redemption{
		ID: "red-x", UserID: "user-1", PrizeID: "prize-1",
		PointsSpent: dec("30"), Status: ledger.StatusCompleted,
		CreatedAt: time.Now().UTC(),
	}))
	require.NoError(t, tx.Rollback())

	user, err := s.GetUser(ctx, "user-1")
	require.NoError(t, err)
	assert.True(t, user.Balance.Equal(dec("50.25")))

	_, err = s.GetRedemption(ctx, "red-x")
	assert.ErrorIs(t, err, ledger.ErrRedemptionNotFound)
}

// =============================================================================
// LOOKUPS AND ORDERING
// =============================================================================

func TestSQLite_GetUserByExternalID(t *testing.T) {
	s := newTestStore(t)
	seed(t, s)
	ctx := context.Background()

	user, err := s.GetUserByExternalID(ctx, "ks-1001")
	require.NoError(t, err)
	assert.Equal(t, ledger.UserID("user-1"), user.ID)

	_, err = s.GetUserByExternalID(ctx, "ks-9999")
	assert.ErrorIs(t, err, ledger.ErrUserNotFound)
}

func TestSQLite_HistoryOldestFirst_RedemptionsNewestFirst(t *testing.T) {
	s := newTestStore(t)
	seed(t, s)
	ctx := context.Background()

	base := time.Date(2026, time.August, 1, 0, 0, 0, 0, time.UTC)
	for i, id := range []string{"red-a", "red-b", "red-c"} {
		tx, err := s.Begin(ctx)
		require.NoError(t, err)
		require.NoError(t, tx.InsertRedemption(ctx, ledger.Redemption{
			ID: ledger.RedemptionID(id), UserID: "user-1", PrizeID: "prize-1",
			PointsSpent: dec("1"), Status: ledger.StatusCompleted,
			CreatedAt: base.Add(time.Duration(i) * time.Hour),
		}))
		require.NoError(t, tx.AppendHistory(ctx, ledger.HistoryEntry{
			ID: "hist-" + id, UserID: "user-1", ChangeAmount: dec("-1"),
			Reason: ledger.ReasonRedemption, RelatedID: ledger.RedemptionID(id),
			CreatedAt: base.Add(time.Duration(i) * time.Hour),
		}))
		require.NoError(t, tx.Commit())
	}

	history, err := s.HistoryForUser(ctx, "user-1")
	require.NoError(t, err)
	require.Len(t, history, 3)
	assert.Equal(t, ledger.RedemptionID("red-a"), history[0].RelatedID)
	assert.Equal(t, ledger.RedemptionID("red-c"), history[2].RelatedID)

	redemptions, err := s.RedemptionsForUser(ctx, "user-1")
	require.NoError(t, err)
	require.Len(t, redemptions, 3)
	assert.Equal(t, ledger.RedemptionID("red-c"), redemptions[0].ID)
	assert.Equal(t, ledger.RedemptionID("red-a"), redemptions[2].ID)
}

// =============================================================================
// DURABILITY
// =============================================================================

func TestSQLite_ReopenPersistsState(t *testing.T) {
	// GIVEN: A file-backed store with committed state
	// WHEN: Closing and reopening the database
	// THEN: Users, prizes, and history survive

	path := filepath.Join(t.TempDir(), "points.db")

	s, err := sqlite.New(path, 0)
	require.NoError(t, err)
	seed(t, s)

	ctx := context.Background()
	tx, err := s.Begin(ctx)
	require.NoError(t, err)
	_, err = tx.LockUser(ctx, "user-1")
	require.NoError(t, err)
	require.NoError(t, tx.SetUserBalance(ctx, "user-1", dec("12.5")))
	require.NoError(t, tx.Commit())
	require.NoError(t, s.Close())

	reopened, err := sqlite.New(path, 0)
	require.NoError(t, err)
	defer reopened.Close()

	user, err := reopened.GetUser(ctx, "user-1")
	require.NoError(t, err)
	assert.True(t, user.Balance.Equal(dec("12.5")))

	prize, err := reopened.GetPrize(ctx, "prize-1")
	require.NoError(t, err)
	assert.Equal(t, 2, prize.Stock)
}

func TestSQLite_PutUserPreservesEngineOwnedBalance(t *testing.T) {
	s := newTestStore(t)
	seed(t, s)
	ctx := context.Background()

	require.NoError(t, s.PutUser(ctx, ledger.User{
		ID: "user-1", ExternalID: "ks-1001", Nickname: "renamed", Balance: dec("999"),
	}))

	user, err := s.GetUser(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, "renamed", user.Nickname)
	assert.True(t, user.Balance.Equal(dec("50.25")), "PutUser must not touch the balance")
}
