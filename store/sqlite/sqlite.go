/*
Package sqlite provides the SQLite-backed ledger store.

PURPOSE:
  Implements ledger.Store. In production the same patterns apply to
  PostgreSQL - only minor SQL dialect differences.

KEY TABLES:
  entries:     Append-only ledger of balance movements. The single mutable
               column is remaining_amount on deposit rows, changed only
               through allocation rows inside Apply.
  allocations: One row per (debit entry, deposit entry) draw-down. Kept
               forever for audit; settled draws are excluded at recompute
               time, never deleted.
  wallets:     Cached snapshot per (user, year) with the optimistic version
               counter. Rewritten by every Apply.

CONCURRENCY:
  Optimistic versioning inside a single BEGIN...COMMIT per Apply: the wallet
  row's version is compared against the caller's ExpectedVersion before any
  write; mismatch rolls back with ErrConcurrentModification. A sync.RWMutex
  serializes access on top, matching SQLite's single-writer reality.

AMOUNTS:
  Stored as decimal TEXT, never REAL. All arithmetic happens in Go on
  decimal.Decimal; SQL only stores and returns the strings.

WAL MODE:
  Opened with WAL so readers don't block behind the writer.

SEE ALSO:
  - ledger/store.go: the contract this implements
  - store/memory: in-memory implementation for tests
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/warp/leave-ledger/ledger"
)

// Store implements ledger.Store on SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex

	// now is swappable in tests.
	now func() time.Time
}

// New opens (or creates) the database at dbPath. Use ":memory:" for an
// in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	store := &Store{db: db, now: time.Now}
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

func (s *Store) migrate() error {
	schema := `
	-- Append-only ledger entries
	CREATE TABLE IF NOT EXISTS entries (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		year INTEGER NOT NULL,
		balance_type TEXT NOT NULL,
		kind TEXT NOT NULL,
		bucket TEXT NOT NULL DEFAULT '',
		amount TEXT NOT NULL,
		unit TEXT NOT NULL,
		remaining_amount TEXT NOT NULL,
		expires_on TEXT,
		period TEXT NOT NULL DEFAULT '',
		reverses TEXT NOT NULL DEFAULT '',
		balance_after TEXT NOT NULL DEFAULT '0',
		reference TEXT,
		reason TEXT,
		idempotency_key TEXT UNIQUE,
		created_by TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_entries_wallet
		ON entries(user_id, year, balance_type, created_at);

	-- For release/finalize lookups
	CREATE INDEX IF NOT EXISTS idx_entries_reference
		ON entries(reference) WHERE reference IS NOT NULL;

	-- For the expiry sweep
	CREATE INDEX IF NOT EXISTS idx_entries_expires
		ON entries(expires_on) WHERE expires_on IS NOT NULL;

	-- At most one accrual per (user, year, period, balance type); belt on
	-- top of the idempotency key's suspenders
	CREATE UNIQUE INDEX IF NOT EXISTS idx_entries_accrual_period
		ON entries(user_id, year, period, balance_type)
		WHERE kind = 'accrual' AND period != '';

	-- Draw-downs of debits against deposit remainders
	CREATE TABLE IF NOT EXISTS allocations (
		id TEXT PRIMARY KEY,
		debit_entry_id TEXT NOT NULL,
		deposit_entry_id TEXT NOT NULL,
		amount TEXT NOT NULL,
		unit TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_allocations_debit
		ON allocations(debit_entry_id);
	CREATE INDEX IF NOT EXISTS idx_allocations_deposit
		ON allocations(deposit_entry_id);

	-- Cached wallet snapshots with the optimistic version counter
	CREATE TABLE IF NOT EXISTS wallets (
		user_id TEXT NOT NULL,
		year INTEGER NOT NULL,
		version INTEGER NOT NULL,
		status TEXT NOT NULL,
		totals_json TEXT NOT NULL,
		ap_expires_on TEXT,
		last_accrual_on TEXT,
		updated_at TEXT NOT NULL,
		PRIMARY KEY (user_id, year)
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// APPLY - the single write path
// =============================================================================

// Apply appends the change atomically: entries, allocation rows, remainder
// updates, and the recomputed snapshot all land in one database transaction.
func (s *Store) Apply(ctx context.Context, change ledger.Change) (*ledger.Wallet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	wallet, err := s.lockWallet(ctx, tx, change)
	if err != nil {
		return nil, err
	}

	for _, entry := range change.Entries {
		if err := s.insertEntry(ctx, tx, entry); err != nil {
			return nil, err
		}
	}
	// Restores land before draws: a finalize restores the reservation's
	// allocations and re-draws them under the consumption in one change, and
	// the re-draw is only valid against the restored remainder.
	for _, a := range change.Restores {
		if err := s.adjustRemaining(ctx, tx, a.DepositEntryID, a.Amount); err != nil {
			return nil, err
		}
	}
	for _, a := range change.Draws {
		if err := s.adjustRemaining(ctx, tx, a.DepositEntryID, a.Amount.Neg()); err != nil {
			return nil, err
		}
		if err := s.insertAllocation(ctx, tx, a); err != nil {
			return nil, err
		}
	}

	// Recompute the snapshot from the full ledger inside the same
	// transaction, so it can never drift from the entries.
	entries, err := s.entriesTx(ctx, tx, change.UserID, change.Year, nil)
	if err != nil {
		return nil, err
	}
	allocations, err := s.allocationsForWallet(ctx, tx, entries)
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()
	ledger.RecomputeWallet(wallet, entries, allocations, now)
	wallet.Version++
	if change.CloseWallet {
		wallet.Status = ledger.WalletClosed
	}
	if change.APExpiresOn != nil {
		wallet.APExpiresOn = change.APExpiresOn
	}
	if change.LastAccrualOn != nil {
		wallet.LastAccrualOn = change.LastAccrualOn
	}

	if err := s.saveWallet(ctx, tx, wallet); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit change: %w", err)
	}
	return wallet, nil
}

// lockWallet reads the wallet row and enforces the optimistic version check.
func (s *Store) lockWallet(ctx context.Context, tx *sql.Tx, change ledger.Change) (*ledger.Wallet, error) {
	wallet, err := s.scanWallet(tx.QueryRowContext(ctx,
		walletSelect+" WHERE user_id = ? AND year = ?",
		change.UserID, change.Year))
	if err != nil {
		return nil, err
	}
	if wallet == nil {
		if change.ExpectedVersion != 0 {
			return nil, ledger.ErrConcurrentModification
		}
		return ledger.NewWallet(change.UserID, change.Year), nil
	}
	if wallet.Version != change.ExpectedVersion {
		return nil, ledger.ErrConcurrentModification
	}
	return wallet, nil
}

func (s *Store) insertEntry(ctx context.Context, tx *sql.Tx, e ledger.Entry) error {
	query := `
		INSERT INTO entries
		(id, user_id, year, balance_type, kind, bucket, amount, unit,
		 remaining_amount, expires_on, period, reverses, balance_after,
		 reference, reason, idempotency_key, created_by, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := tx.ExecContext(ctx, query,
		e.ID,
		e.UserID,
		e.Year,
		string(e.BalanceType),
		string(e.Kind),
		string(e.Bucket),
		e.Amount.Value.String(),
		string(e.Amount.Unit),
		e.RemainingAmount.Value.String(),
		nullTime(e.ExpiresOn),
		e.Period,
		e.Reverses,
		e.BalanceAfter.Value.String(),
		nullString(e.Reference),
		nullString(e.Reason),
		nullString(e.IdempotencyKey),
		e.CreatedBy,
		e.CreatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			if e.Kind == ledger.KindAccrual {
				return ledger.ErrDuplicateAccrual
			}
			return ledger.ErrDuplicateEntry
		}
		return fmt.Errorf("failed to append entry: %w", err)
	}
	return nil
}

func (s *Store) insertAllocation(ctx context.Context, tx *sql.Tx, a ledger.Allocation) error {
	_, err := tx.ExecContext(ctx,
		"INSERT INTO allocations (id, debit_entry_id, deposit_entry_id, amount, unit) VALUES (?, ?, ?, ?, ?)",
		a.ID, a.DebitEntryID, a.DepositEntryID, a.Amount.Value.String(), string(a.Amount.Unit),
	)
	if err != nil {
		return fmt.Errorf("failed to insert allocation: %w", err)
	}
	return nil
}

// adjustRemaining changes a deposit's remainder by delta. Decimal math stays
// in Go; the column only ever holds the resulting string.
func (s *Store) adjustRemaining(ctx context.Context, tx *sql.Tx, depositID string, delta ledger.Amount) error {
	var remainingStr, amountStr, unit string
	err := tx.QueryRowContext(ctx,
		"SELECT remaining_amount, amount, unit FROM entries WHERE id = ?",
		depositID,
	).Scan(&remainingStr, &amountStr, &unit)
	if err == sql.ErrNoRows {
		return fmt.Errorf("deposit entry %s not found", depositID)
	}
	if err != nil {
		return err
	}

	remaining := ledger.MustParseDecimal(remainingStr).Add(delta.Value)
	original := ledger.MustParseDecimal(amountStr)
	if remaining.IsNegative() {
		return fmt.Errorf("deposit %s remainder would go negative: %w", depositID, ledger.ErrInsufficientBalance)
	}
	if remaining.GreaterThan(original) {
		return fmt.Errorf("deposit %s remainder would exceed original amount %s", depositID, amountStr)
	}

	_, err = tx.ExecContext(ctx,
		"UPDATE entries SET remaining_amount = ? WHERE id = ?",
		remaining.String(), depositID)
	return err
}

// =============================================================================
// READS
// =============================================================================

func (s *Store) GetWallet(ctx context.Context, userID string, year int) (*ledger.Wallet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.scanWallet(s.db.QueryRowContext(ctx,
		walletSelect+" WHERE user_id = ? AND year = ?", userID, year))
}

func (s *Store) ListEntries(ctx context.Context, userID string, year int, balanceType *ledger.BalanceType) ([]ledger.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.entriesTx(ctx, s.db, userID, year, balanceType)
}

func (s *Store) OpenDeposits(ctx context.Context, userID string, year int, balanceType ledger.BalanceType, asOf time.Time) ([]ledger.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries, err := s.entriesTx(ctx, s.db, userID, year, &balanceType)
	if err != nil {
		return nil, err
	}
	var open []ledger.Entry
	for _, e := range entries {
		if e.IsDeposit() && e.RemainingAmount.IsPositive() && !e.Expired(asOf) {
			open = append(open, e)
		}
	}
	return open, nil
}

func (s *Store) EntriesByReference(ctx context.Context, reference string) ([]ledger.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.queryEntries(ctx, s.db,
		entrySelect+" WHERE reference = ? ORDER BY created_at ASC, rowid ASC", reference)
}

func (s *Store) AllocationsByDebit(ctx context.Context, debitEntryID string) ([]ledger.Allocation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		"SELECT id, debit_entry_id, deposit_entry_id, amount, unit FROM allocations WHERE debit_entry_id = ?",
		debitEntryID)
	if err != nil {
		return nil, fmt.Errorf("failed to query allocations: %w", err)
	}
	defer rows.Close()
	return scanAllocations(rows)
}

func (s *Store) HasAccrual(ctx context.Context, userID string, year int, period string, balanceType ledger.BalanceType) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var count int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM entries WHERE user_id = ? AND year = ? AND period = ? AND balance_type = ? AND kind = 'accrual'",
		userID, year, period, string(balanceType),
	).Scan(&count)
	return count > 0, err
}

func (s *Store) ExpiringDeposits(ctx context.Context, cutoff time.Time) ([]ledger.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries, err := s.queryEntries(ctx, s.db,
		entrySelect+" WHERE expires_on IS NOT NULL AND expires_on < ? ORDER BY created_at ASC, rowid ASC",
		cutoff.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return nil, err
	}
	var overdue []ledger.Entry
	for _, e := range entries {
		if e.IsDeposit() && e.RemainingAmount.IsPositive() {
			overdue = append(overdue, e)
		}
	}
	return overdue, nil
}

// =============================================================================
// ROW PLUMBING
// =============================================================================

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

const entrySelect = `
	SELECT id, user_id, year, balance_type, kind, bucket, amount, unit,
	       remaining_amount, expires_on, period, reverses, balance_after,
	       reference, reason, idempotency_key, created_by, created_at
	FROM entries`

func (s *Store) entriesTx(ctx context.Context, db queryer, userID string, year int, balanceType *ledger.BalanceType) ([]ledger.Entry, error) {
	query := entrySelect + " WHERE user_id = ? AND year = ?"
	args := []any{userID, year}
	if balanceType != nil {
		query += " AND balance_type = ?"
		args = append(args, string(*balanceType))
	}
	query += " ORDER BY created_at ASC, rowid ASC"
	return s.queryEntries(ctx, db, query, args...)
}

func (s *Store) queryEntries(ctx context.Context, db queryer, query string, args ...any) ([]ledger.Entry, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query entries: %w", err)
	}
	defer rows.Close()

	var entries []ledger.Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func scanEntry(rows *sql.Rows) (ledger.Entry, error) {
	var (
		e              ledger.Entry
		balanceType    string
		kind           string
		bucket         string
		amount         string
		unit           string
		remaining      string
		expiresOn      sql.NullString
		balanceAfter   string
		reference      sql.NullString
		reason         sql.NullString
		idempotencyKey sql.NullString
		createdAt      string
	)
	err := rows.Scan(
		&e.ID, &e.UserID, &e.Year, &balanceType, &kind, &bucket,
		&amount, &unit, &remaining, &expiresOn, &e.Period, &e.Reverses,
		&balanceAfter, &reference, &reason, &idempotencyKey,
		&e.CreatedBy, &createdAt,
	)
	if err != nil {
		return e, fmt.Errorf("failed to scan entry: %w", err)
	}

	e.BalanceType = ledger.BalanceType(balanceType)
	e.Kind = ledger.EntryKind(kind)
	e.Bucket = ledger.Bucket(bucket)
	u := ledger.Unit(unit)
	e.Amount = ledger.Amount{Value: ledger.MustParseDecimal(amount), Unit: u}
	e.RemainingAmount = ledger.Amount{Value: ledger.MustParseDecimal(remaining), Unit: u}
	e.BalanceAfter = ledger.Amount{Value: ledger.MustParseDecimal(balanceAfter), Unit: u}
	e.Reference = reference.String
	e.Reason = reason.String
	e.IdempotencyKey = idempotencyKey.String
	if expiresOn.Valid {
		t, _ := time.Parse(time.RFC3339Nano, expiresOn.String)
		e.ExpiresOn = &t
	}
	e.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	return e, nil
}

func scanAllocations(rows *sql.Rows) ([]ledger.Allocation, error) {
	var allocations []ledger.Allocation
	for rows.Next() {
		var a ledger.Allocation
		var amount, unit string
		if err := rows.Scan(&a.ID, &a.DebitEntryID, &a.DepositEntryID, &amount, &unit); err != nil {
			return nil, fmt.Errorf("failed to scan allocation: %w", err)
		}
		a.Amount = ledger.Amount{Value: ledger.MustParseDecimal(amount), Unit: ledger.Unit(unit)}
		allocations = append(allocations, a)
	}
	return allocations, rows.Err()
}

// allocationsForWallet loads the allocation rows touching any of the
// wallet's entries, for the snapshot recompute.
func (s *Store) allocationsForWallet(ctx context.Context, tx *sql.Tx, entries []ledger.Entry) ([]ledger.Allocation, error) {
	if len(entries) == 0 {
		return nil, nil
	}
	placeholders := make([]string, len(entries))
	args := make([]any, len(entries))
	for i, e := range entries {
		placeholders[i] = "?"
		args[i] = e.ID
	}
	query := fmt.Sprintf(
		"SELECT id, debit_entry_id, deposit_entry_id, amount, unit FROM allocations WHERE debit_entry_id IN (%s)",
		strings.Join(placeholders, ","))

	rows, err := tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query allocations: %w", err)
	}
	defer rows.Close()
	return scanAllocations(rows)
}

// =============================================================================
// WALLET ROW
// =============================================================================

// walletTotals is the JSON shape of the cached snapshot sums.
type walletTotals struct {
	VacationPrev     ledger.BucketTotals `json:"vacation_prev"`
	VacationCurr     ledger.BucketTotals `json:"vacation_curr"`
	RolPrev          ledger.BucketTotals `json:"rol_prev"`
	RolCurr          ledger.BucketTotals `json:"rol_curr"`
	Permit           ledger.BucketTotals `json:"permit"`
	LegalMinimumUsed ledger.Amount       `json:"legal_minimum_used"`
}

const walletSelect = `
	SELECT user_id, year, version, status, totals_json,
	       ap_expires_on, last_accrual_on, updated_at
	FROM wallets`

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *Store) scanWallet(row rowScanner) (*ledger.Wallet, error) {
	var (
		w             ledger.Wallet
		status        string
		totalsJSON    string
		apExpiresOn   sql.NullString
		lastAccrualOn sql.NullString
		updatedAt     string
	)
	err := row.Scan(&w.UserID, &w.Year, &w.Version, &status, &totalsJSON,
		&apExpiresOn, &lastAccrualOn, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan wallet: %w", err)
	}

	w.Status = ledger.WalletStatus(status)
	var totals walletTotals
	if err := json.Unmarshal([]byte(totalsJSON), &totals); err != nil {
		return nil, fmt.Errorf("failed to decode wallet totals: %w", err)
	}
	w.VacationPrev = totals.VacationPrev
	w.VacationCurr = totals.VacationCurr
	w.RolPrev = totals.RolPrev
	w.RolCurr = totals.RolCurr
	w.Permit = totals.Permit
	w.LegalMinimumUsed = totals.LegalMinimumUsed

	if apExpiresOn.Valid {
		t, _ := time.Parse(time.RFC3339Nano, apExpiresOn.String)
		w.APExpiresOn = &t
	}
	if lastAccrualOn.Valid {
		t, _ := time.Parse(time.RFC3339Nano, lastAccrualOn.String)
		w.LastAccrualOn = &t
	}
	w.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	return &w, nil
}

func (s *Store) saveWallet(ctx context.Context, tx *sql.Tx, w *ledger.Wallet) error {
	totalsJSON, err := json.Marshal(walletTotals{
		VacationPrev:     w.VacationPrev,
		VacationCurr:     w.VacationCurr,
		RolPrev:          w.RolPrev,
		RolCurr:          w.RolCurr,
		Permit:           w.Permit,
		LegalMinimumUsed: w.LegalMinimumUsed,
	})
	if err != nil {
		return fmt.Errorf("failed to encode wallet totals: %w", err)
	}

	query := `
		INSERT INTO wallets
		(user_id, year, version, status, totals_json, ap_expires_on, last_accrual_on, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id, year) DO UPDATE SET
			version = excluded.version,
			status = excluded.status,
			totals_json = excluded.totals_json,
			ap_expires_on = excluded.ap_expires_on,
			last_accrual_on = excluded.last_accrual_on,
			updated_at = excluded.updated_at
	`
	_, err = tx.ExecContext(ctx, query,
		w.UserID, w.Year, w.Version, string(w.Status), string(totalsJSON),
		nullTime(w.APExpiresOn), nullTime(w.LastAccrualOn),
		w.UpdatedAt.UTC().Format(time.RFC3339Nano),
	)
	return err
}

// =============================================================================
// HELPERS
// =============================================================================

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: t.UTC().Format(time.RFC3339Nano), Valid: true}
}

func isUniqueConstraintError(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
