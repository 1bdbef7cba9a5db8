/*
Package sqlite provides the SQLite-backed implementation of ledger.Store.

PURPOSE:
  Durable persistence for users, prizes, redemptions, and history. In
  production the same patterns apply to PostgreSQL - only minor SQL
  dialect differences.

APPEND-ONLY ENFORCEMENT:
  - No UPDATE or DELETE statements touch the history table
  - Redemptions are insert-only except the fulfillment status column
  - Balance and stock change only through a Tx holding the row locks

KEY TABLES:
  users:        stored balance keyed by id and external_id
  prizes:       catalog rows with remaining stock
  redemptions:  one row per completed exchange
  history:      immutable ledger of signed balance changes

CONCURRENCY:
  Row exclusivity comes from the in-process ledger.LockTable shared by
  every transaction; the SQL transaction supplies atomic multi-row
  commit. The pool is capped at one connection so SQLite never sees two
  concurrent write transactions. In production with PostgreSQL,
  SELECT ... FOR UPDATE replaces the lock table.

WAL MODE:
  SQLite is opened with WAL (Write-Ahead Logging) for better concurrency
  and crash recovery.

USAGE:
  store, err := sqlite.New("./data/points.db", 0)
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

MIGRATION:
  Schema is auto-migrated on New(). For production, use a proper
  migration tool (golang-migrate, goose) with versioned migrations.

SEE ALSO:
  - ledger/store.go:       Interface definitions
  - ledger/store/memory.go: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"github.com/warp/redemption-engine/ledger"
)

// Store implements ledger.Store using SQLite.
type Store struct {
	db    *sql.DB
	locks *ledger.LockTable
}

// New creates a SQLite store at the given path. Use ":memory:" for an
// in-memory database. lockWait bounds row-lock waits; 0 means the default.
func New(dbPath string, lockWait time.Duration) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// One connection: SQLite allows a single writer, and a Tx must not
	// starve waiting for a pool slot mid-flight.
	db.SetMaxOpenConns(1)

	store := &Store{db: db, locks: ledger.NewLockTable(lockWait)}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS users (
		id TEXT PRIMARY KEY,
		external_id TEXT NOT NULL UNIQUE,
		nickname TEXT NOT NULL DEFAULT '',
		balance TEXT NOT NULL,
		is_admin BOOLEAN NOT NULL DEFAULT FALSE
	);

	CREATE TABLE IF NOT EXISTS prizes (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		cost TEXT NOT NULL,
		stock INTEGER NOT NULL CHECK (stock >= 0),
		active BOOLEAN NOT NULL DEFAULT TRUE
	);

	CREATE TABLE IF NOT EXISTS redemptions (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL REFERENCES users(id),
		prize_id TEXT NOT NULL REFERENCES prizes(id),
		points_spent TEXT NOT NULL,
		status TEXT NOT NULL,
		shipping_address TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_redemptions_user
		ON redemptions(user_id, created_at DESC);

	-- Append-only ledger of balance changes (hot path: reconciliation)
	CREATE TABLE IF NOT EXISTS history (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL REFERENCES users(id),
		change_amount TEXT NOT NULL,
		reason TEXT NOT NULL,
		related_id TEXT,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_history_user
		ON history(user_id, created_at ASC);
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// READS (ledger.Store interface)
// =============================================================================

const userColumns = "id, external_id, nickname, balance, is_admin"

func (s *Store) GetUser(ctx context.Context, id ledger.UserID) (ledger.User, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+userColumns+" FROM users WHERE id = ?", id)
	return scanUser(row)
}

func (s *Store) GetUserByExternalID(ctx context.Context, externalID string) (ledger.User, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+userColumns+" FROM users WHERE external_id = ?", externalID)
	return scanUser(row)
}

func (s *Store) GetPrize(ctx context.Context, id ledger.PrizeID) (ledger.Prize, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT id, name, cost, stock, active FROM prizes WHERE id = ?", id)
	return scanPrize(row)
}

func (s *Store) GetRedemption(ctx context.Context, id ledger.RedemptionID) (ledger.Redemption, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT id, user_id, prize_id, points_spent, status, shipping_address, created_at FROM redemptions WHERE id = ?", id)
	return scanRedemption(row)
}

func (s *Store) HistoryForUser(ctx context.Context, id ledger.UserID) ([]ledger.HistoryEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, change_amount, reason, related_id, created_at
		FROM history WHERE user_id = ?
		ORDER BY created_at ASC, id ASC`, id)
	if err != nil {
		return nil, &ledger.PersistenceError{Op: "load history", Err: err}
	}
	defer rows.Close()

	var entries []ledger.HistoryEntry
	for rows.Next() {
		var (
			h         ledger.HistoryEntry
			amount    string
			relatedID sql.NullString
			createdAt string
		)
		if err := rows.Scan(&h.ID, &h.UserID, &amount, &h.Reason, &relatedID, &createdAt); err != nil {
			return nil, &ledger.PersistenceError{Op: "scan history", Err: err}
		}
		h.ChangeAmount, err = decimal.NewFromString(amount)
		if err != nil {
			return nil, &ledger.PersistenceError{Op: "parse history amount", Err: err}
		}
		h.RelatedID = ledger.RedemptionID(relatedID.String)
		h.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		entries = append(entries, h)
	}
	return entries, rows.Err()
}

func (s *Store) RedemptionsForUser(ctx context.Context, id ledger.UserID) ([]ledger.Redemption, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, prize_id, points_spent, status, shipping_address, created_at
		FROM redemptions WHERE user_id = ?
		ORDER BY created_at DESC, id DESC`, id)
	if err != nil {
		return nil, &ledger.PersistenceError{Op: "load redemptions", Err: err}
	}
	defer rows.Close()

	var redemptions []ledger.Redemption
	for rows.Next() {
		r, err := scanRedemptionRows(rows)
		if err != nil {
			return nil, err
		}
		redemptions = append(redemptions, r)
	}
	return redemptions, rows.Err()
}

// =============================================================================
// COLLABORATOR WRITES
// =============================================================================

func (s *Store) PutUser(ctx context.Context, u ledger.User) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, external_id, nickname, balance, is_admin)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			external_id = excluded.external_id,
			nickname = excluded.nickname,
			is_admin = excluded.is_admin`,
		u.ID, u.ExternalID, u.Nickname, u.Balance.String(), u.IsAdmin)
	if err != nil {
		return &ledger.PersistenceError{Op: "put user", Err: err}
	}
	return nil
}

func (s *Store) PutPrize(ctx context.Context, p ledger.Prize) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO prizes (id, name, cost, stock, active)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			cost = excluded.cost,
			active = excluded.active`,
		p.ID, p.Name, p.Cost.String(), p.Stock, p.Active)
	if err != nil {
		return &ledger.PersistenceError{Op: "put prize", Err: err}
	}
	return nil
}

// =============================================================================
// TRANSACTIONS (ledger.Tx interface)
// =============================================================================

func (s *Store) Begin(ctx context.Context) (ledger.Tx, error) {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, &ledger.PersistenceError{Op: "begin", Err: err}
	}
	return &sqliteTx{
		sqlTx: sqlTx,
		held:  ledger.NewHeldLocks(s.locks),
	}, nil
}

type sqliteTx struct {
	sqlTx *sql.Tx
	held  *ledger.HeldLocks
	done  bool
}

func (tx *sqliteTx) LockUser(ctx context.Context, id ledger.UserID) (ledger.User, error) {
	if err := tx.held.Acquire(ctx, ledger.UserRow(id)); err != nil {
		return ledger.User{}, err
	}
	row := tx.sqlTx.QueryRowContext(ctx,
		"SELECT "+userColumns+" FROM users WHERE id = ?", id)
	return scanUser(row)
}

func (tx *sqliteTx) LockUserByExternalID(ctx context.Context, externalID string) (ledger.User, error) {
	// Resolve the id first, then acquire the lock and re-read; the row
	// may have changed between the unlocked resolve and the acquisition.
	var id ledger.UserID
	err := tx.sqlTx.QueryRowContext(ctx,
		"SELECT id FROM users WHERE external_id = ?", externalID).Scan(&id)
	if err == sql.ErrNoRows {
		return ledger.User{}, ledger.ErrUserNotFound
	}
	if err != nil {
		return ledger.User{}, &ledger.PersistenceError{Op: "resolve external id", Err: err}
	}
	return tx.LockUser(ctx, id)
}

func (tx *sqliteTx) LockPrize(ctx context.Context, id ledger.PrizeID) (ledger.Prize, error) {
	if err := tx.held.Acquire(ctx, ledger.PrizeRow(id)); err != nil {
		return ledger.Prize{}, err
	}
	row := tx.sqlTx.QueryRowContext(ctx,
		"SELECT id, name, cost, stock, active FROM prizes WHERE id = ?", id)
	return scanPrize(row)
}

func (tx *sqliteTx) GetRedemption(ctx context.Context, id ledger.RedemptionID) (ledger.Redemption, error) {
	row := tx.sqlTx.QueryRowContext(ctx,
		"SELECT id, user_id, prize_id, points_spent, status, shipping_address, created_at FROM redemptions WHERE id = ?", id)
	return scanRedemption(row)
}

func (tx *sqliteTx) InsertRedemption(ctx context.Context, r ledger.Redemption) error {
	_, err := tx.sqlTx.ExecContext(ctx, `
		INSERT INTO redemptions (id, user_id, prize_id, points_spent, status, shipping_address, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.UserID, r.PrizeID, r.PointsSpent.String(), r.Status,
		r.ShippingAddress, r.CreatedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return &ledger.PersistenceError{Op: "insert redemption", Err: err}
	}
	return nil
}

func (tx *sqliteTx) AppendHistory(ctx context.Context, h ledger.HistoryEntry) error {
	_, err := tx.sqlTx.ExecContext(ctx, `
		INSERT INTO history (id, user_id, change_amount, reason, related_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		h.ID, h.UserID, h.ChangeAmount.String(), h.Reason,
		nullString(string(h.RelatedID)), h.CreatedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return &ledger.PersistenceError{Op: "append history", Err: err}
	}
	return nil
}

func (tx *sqliteTx) SetUserBalance(ctx context.Context, id ledger.UserID, balance decimal.Decimal) error {
	res, err := tx.sqlTx.ExecContext(ctx,
		"UPDATE users SET balance = ? WHERE id = ?", balance.String(), id)
	if err != nil {
		return &ledger.PersistenceError{Op: "set balance", Err: err}
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ledger.ErrUserNotFound
	}
	return nil
}

func (tx *sqliteTx) SetPrizeStock(ctx context.Context, id ledger.PrizeID, stock int) error {
	res, err := tx.sqlTx.ExecContext(ctx,
		"UPDATE prizes SET stock = ? WHERE id = ?", stock, id)
	if err != nil {
		return &ledger.PersistenceError{Op: "set stock", Err: err}
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ledger.ErrPrizeNotFound
	}
	return nil
}

func (tx *sqliteTx) SetRedemptionStatus(ctx context.Context, id ledger.RedemptionID, status ledger.RedemptionStatus) error {
	res, err := tx.sqlTx.ExecContext(ctx,
		"UPDATE redemptions SET status = ? WHERE id = ?", status, id)
	if err != nil {
		return &ledger.PersistenceError{Op: "set redemption status", Err: err}
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ledger.ErrRedemptionNotFound
	}
	return nil
}

func (tx *sqliteTx) Commit() error {
	if tx.done {
		return nil
	}
	tx.done = true
	defer tx.held.ReleaseAll()

	if err := tx.sqlTx.Commit(); err != nil {
		return &ledger.PersistenceError{Op: "commit", Err: err}
	}
	return nil
}

func (tx *sqliteTx) Rollback() error {
	if tx.done {
		return nil
	}
	tx.done = true
	defer tx.held.ReleaseAll()

	if err := tx.sqlTx.Rollback(); err != nil {
		return &ledger.PersistenceError{Op: "rollback", Err: err}
	}
	return nil
}

// =============================================================================
// SCAN HELPERS
// =============================================================================

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUser(row rowScanner) (ledger.User, error) {
	var (
		u       ledger.User
		balance string
	)
	err := row.Scan(&u.ID, &u.ExternalID, &u.Nickname, &balance, &u.IsAdmin)
	if err == sql.ErrNoRows {
		return ledger.User{}, ledger.ErrUserNotFound
	}
	if err != nil {
		return ledger.User{}, &ledger.PersistenceError{Op: "scan user", Err: err}
	}
	u.Balance, err = decimal.NewFromString(balance)
	if err != nil {
		return ledger.User{}, &ledger.PersistenceError{Op: "parse balance", Err: err}
	}
	return u, nil
}

func scanPrize(row rowScanner) (ledger.Prize, error) {
	var (
		p    ledger.Prize
		cost string
	)
	err := row.Scan(&p.ID, &p.Name, &cost, &p.Stock, &p.Active)
	if err == sql.ErrNoRows {
		return ledger.Prize{}, ledger.ErrPrizeNotFound
	}
	if err != nil {
		return ledger.Prize{}, &ledger.PersistenceError{Op: "scan prize", Err: err}
	}
	p.Cost, err = decimal.NewFromString(cost)
	if err != nil {
		return ledger.Prize{}, &ledger.PersistenceError{Op: "parse cost", Err: err}
	}
	return p, nil
}

func scanRedemption(row rowScanner) (ledger.Redemption, error) {
	r, err := scanRedemptionInto(row)
	if err == sql.ErrNoRows {
		return ledger.Redemption{}, ledger.ErrRedemptionNotFound
	}
	return r, err
}

func scanRedemptionRows(rows *sql.Rows) (ledger.Redemption, error) {
	return scanRedemptionInto(rows)
}

func scanRedemptionInto(row rowScanner) (ledger.Redemption, error) {
	var (
		r         ledger.Redemption
		spent     string
		createdAt string
	)
	err := row.Scan(&r.ID, &r.UserID, &r.PrizeID, &spent, &r.Status, &r.ShippingAddress, &createdAt)
	if err == sql.ErrNoRows {
		return ledger.Redemption{}, err
	}
	if err != nil {
		return ledger.Redemption{}, &ledger.PersistenceError{Op: "scan redemption", Err: err}
	}
	r.PointsSpent, err = decimal.NewFromString(spent)
	if err != nil {
		return ledger.Redemption{}, &ledger.PersistenceError{Op: "parse points spent", Err: err}
	}
	r.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	return r, nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

var _ ledger.Store = (*Store)(nil)
