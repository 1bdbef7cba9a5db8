// Package store provides the in-memory ledger.Store implementation.
package store

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/redemption-engine/ledger"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

type Memory struct {
	mu    sync.RWMutex
	locks *ledger.LockTable

	users           map[ledger.UserID]ledger.User
	byExternal      map[string]ledger.UserID
	prizes          map[ledger.PrizeID]ledger.Prize
	redemptions     map[ledger.RedemptionID]ledger.Redemption
	redemptionOrder []ledger.RedemptionID
	history         map[ledger.UserID][]ledger.HistoryEntry
}

// NewMemory creates an empty in-memory store. lockWait bounds how long a
// transaction waits for a contended row; pass 0 for the default.
func NewMemory(lockWait time.Duration) *Memory {
	return &Memory{
		locks:       ledger.NewLockTable(lockWait),
		users:       make(map[ledger.UserID]ledger.User),
		byExternal:  make(map[string]ledger.UserID),
		prizes:      make(map[ledger.PrizeID]ledger.Prize),
		redemptions: make(map[ledger.RedemptionID]ledger.Redemption),
		history:     make(map[ledger.UserID][]ledger.HistoryEntry),
	}
}

func (m *Memory) Close() error { return nil }

// =============================================================================
// READS - Committed state only
// =============================================================================

func (m *Memory) GetUser(_ context.Context, id ledger.UserID) (ledger.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.users[id]
	if !ok {
		return ledger.User{}, ledger.ErrUserNotFound
	}
	return u, nil
}

func (m *Memory) GetUserByExternalID(_ context.Context, externalID string) (ledger.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.byExternal[externalID]
	if !ok {
		return ledger.User{}, ledger.ErrUserNotFound
	}
	return m.users[id], nil
}

func (m *Memory) GetPrize(_ context.Context, id ledger.PrizeID) (ledger.Prize, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.prizes[id]
	if !ok {
		return ledger.Prize{}, ledger.ErrPrizeNotFound
	}
	return p, nil
}

func (m *Memory) GetRedemption(_ context.Context, id ledger.RedemptionID) (ledger.Redemption, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.redemptions[id]
	if !ok {
		return ledger.Redemption{}, ledger.ErrRedemptionNotFound
	}
	return r, nil
}

func (m *Memory) HistoryForUser(_ context.Context, id ledger.UserID) ([]ledger.HistoryEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	entries := m.history[id]
	out := make([]ledger.HistoryEntry, len(entries))
	copy(out, entries)
	return out, nil
}

func (m *Memory) RedemptionsForUser(_ context.Context, id ledger.UserID) ([]ledger.Redemption, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []ledger.Redemption
	// Newest first.
	for i := len(m.redemptionOrder) - 1; i >= 0; i-- {
		r := m.redemptions[m.redemptionOrder[i]]
		if r.UserID == id {
			out = append(out, r)
		}
	}
	return out, nil
}

// =============================================================================
// COLLABORATOR WRITES
// =============================================================================

func (m *Memory) PutUser(_ context.Context, u ledger.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if prev, ok := m.users[u.ID]; ok {
		if prev.ExternalID != u.ExternalID {
			delete(m.byExternal, prev.ExternalID)
		}
		// The engine owns the balance of an existing row.
		u.Balance = prev.Balance
	}
	m.users[u.ID] = u
	if u.ExternalID != "" {
		m.byExternal[u.ExternalID] = u.ID
	}
	return nil
}

func (m *Memory) PutPrize(_ context.Context, p ledger.Prize) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.prizes[p.ID] = p
	return nil
}

// =============================================================================
// TRANSACTIONS - Staged writes applied atomically on Commit
// =============================================================================

func (m *Memory) Begin(_ context.Context) (ledger.Tx, error) {
	return &memoryTx{
		store:    m,
		held:     ledger.NewHeldLocks(m.lockTable()),
		balances: make(map[ledger.UserID]decimal.Decimal),
		stocks:   make(map[ledger.PrizeID]int),
		statuses: make(map[ledger.RedemptionID]ledger.RedemptionStatus),
	}, nil
}

func (m *Memory) lockTable() *ledger.LockTable { return m.locks }

type memoryTx struct {
	store *Memory
	held  *ledger.HeldLocks
	done  bool

	balances    map[ledger.UserID]decimal.Decimal
	stocks      map[ledger.PrizeID]int
	statuses    map[ledger.RedemptionID]ledger.RedemptionStatus
	redemptions []ledger.Redemption
	history     []ledger.HistoryEntry
}

func (tx *memoryTx) LockUser(ctx context.Context, id ledger.UserID) (ledger.User, error) {
	if err := tx.held.Acquire(ctx, ledger.UserRow(id)); err != nil {
		return ledger.User{}, err
	}
	return tx.store.GetUser(ctx, id)
}

func (tx *memoryTx) LockUserByExternalID(ctx context.Context, externalID string) (ledger.User, error) {
	u, err := tx.store.GetUserByExternalID(ctx, externalID)
	if err != nil {
		return ledger.User{}, err
	}
	// Re-read under the lock; the row may have changed between the
	// unlocked resolve and the acquisition.
	return tx.LockUser(ctx, u.ID)
}

func (tx *memoryTx) LockPrize(ctx context.Context, id ledger.PrizeID) (ledger.Prize, error) {
	if err := tx.held.Acquire(ctx, ledger.PrizeRow(id)); err != nil {
		return ledger.Prize{}, err
	}
	return tx.store.GetPrize(ctx, id)
}

func (tx *memoryTx) GetRedemption(ctx context.Context, id ledger.RedemptionID) (ledger.Redemption, error) {
	return tx.store.GetRedemption(ctx, id)
}

func (tx *memoryTx) InsertRedemption(_ context.Context, r ledger.Redemption) error {
	tx.redemptions = append(tx.redemptions, r)
	return nil
}

func (tx *memoryTx) AppendHistory(_ context.Context, h ledger.HistoryEntry) error {
	tx.history = append(tx.history, h)
	return nil
}

func (tx *memoryTx) SetUserBalance(ctx context.Context, id ledger.UserID, balance decimal.Decimal) error {
	if _, err := tx.store.GetUser(ctx, id); err != nil {
		return err
	}
	tx.balances[id] = balance
	return nil
}

func (tx *memoryTx) SetPrizeStock(ctx context.Context, id ledger.PrizeID, stock int) error {
	if _, err := tx.store.GetPrize(ctx, id); err != nil {
		return err
	}
	tx.stocks[id] = stock
	return nil
}

func (tx *memoryTx) SetRedemptionStatus(ctx context.Context, id ledger.RedemptionID, status ledger.RedemptionStatus) error {
	if _, err := tx.store.GetRedemption(ctx, id); err != nil {
		return err
	}
	tx.statuses[id] = status
	return nil
}

// Commit applies every staged write under the store mutex, so readers
// see either none of the transaction or all of it.
func (tx *memoryTx) Commit() error {
	if tx.done {
		return nil
	}
	tx.done = true

	m := tx.store
	m.mu.Lock()
	for id, balance := range tx.balances {
		u := m.users[id]
		u.Balance = balance
		m.users[id] = u
	}
	for id, stock := range tx.stocks {
		p := m.prizes[id]
		p.Stock = stock
		m.prizes[id] = p
	}
	for id, status := range tx.statuses {
		r := m.redemptions[id]
		r.Status = status
		m.redemptions[id] = r
	}
	for _, r := range tx.redemptions {
		m.redemptions[r.ID] = r
		m.redemptionOrder = append(m.redemptionOrder, r.ID)
	}
	for _, h := range tx.history {
		m.history[h.UserID] = append(m.history[h.UserID], h)
	}
	m.mu.Unlock()

	tx.held.ReleaseAll()
	return nil
}

func (tx *memoryTx) Rollback() error {
	if tx.done {
		return nil
	}
	tx.done = true
	tx.held.ReleaseAll()
	return nil
}

var _ ledger.Store = (*Memory)(nil)
