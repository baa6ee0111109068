/*
store.go - Atomic persistence contract for the ledger

PURPOSE:
  Defines the interface between the ledger engine and the database. One
  logical balance movement - entries, allocation rows, remainder updates,
  and the recomputed wallet snapshot - is applied as a single unit of work;
  partial application is never observable.

CONCURRENCY:
  Optimistic versioning. The engine reads the wallet (with its version),
  computes the change, and submits it with ExpectedVersion set. If another
  writer bumped the version in between, Apply fails with
  ErrConcurrentModification and the engine retries the whole operation.

IMPLEMENTATIONS:
  - store/sqlite: durable store used in production
  - store/memory: in-memory store for tests
*/
package ledger

import (
	"context"
	"time"
)

// Change is one atomic mutation of a single (user, year) wallet.
type Change struct {
	UserID string
	Year   int

	// ExpectedVersion is the wallet version the caller read before computing
	// this change. Zero means the wallet is expected not to exist yet and is
	// created lazily.
	ExpectedVersion int64

	// Entries to append, in order.
	Entries []Entry

	// Draws decrement deposit remainders and insert allocation rows.
	// The store rejects any draw that would push a remainder negative.
	Draws []Allocation

	// Restores re-add previously drawn amounts to deposit remainders
	// (release path). The store rejects any restore that would push a
	// remainder above the deposit's original amount.
	Restores []Allocation

	// CloseWallet marks the wallet closed after applying (year rollover).
	CloseWallet bool

	// Optional snapshot metadata updates.
	APExpiresOn   *time.Time
	LastAccrualOn *time.Time
}

// Store persists ledger entries and the derived wallet snapshot.
//
// INVARIANTS ENFORCED BY IMPLEMENTATIONS:
//   - Apply is all-or-nothing and recomputes the snapshot in the same unit
//   - entry rows are append-only; only deposit remainders ever change
//   - idempotency keys are unique; replays fail with ErrDuplicateAccrual
//     (accrual entries) or ErrDuplicateEntry
type Store interface {
	// Apply appends the change atomically and returns the updated snapshot.
	Apply(ctx context.Context, change Change) (*Wallet, error)

	// GetWallet returns the snapshot, or nil if no ledger operation has
	// touched this (user, year) yet.
	GetWallet(ctx context.Context, userID string, year int) (*Wallet, error)

	// ListEntries returns entries ordered by creation time. balanceType nil
	// means all types.
	ListEntries(ctx context.Context, userID string, year int, balanceType *BalanceType) ([]Entry, error)

	// OpenDeposits returns unexpired deposit entries with remaining balance,
	// ordered by creation time, as planner candidates.
	OpenDeposits(ctx context.Context, userID string, year int, balanceType BalanceType, asOf time.Time) ([]Entry, error)

	// EntriesByReference returns all entries tied to a business reference,
	// ordered by creation time. Used by release and finalize lookups.
	EntriesByReference(ctx context.Context, reference string) ([]Entry, error)

	// AllocationsByDebit returns the allocation rows of a debit entry.
	AllocationsByDebit(ctx context.Context, debitEntryID string) ([]Allocation, error)

	// HasAccrual reports whether an accrual entry exists for the period
	// ("2026-03" style key) and balance type.
	HasAccrual(ctx context.Context, userID string, year int, period string, balanceType BalanceType) (bool, error)

	// ExpiringDeposits returns deposits across all wallets whose expiry date
	// is before the cutoff and whose remainder is still positive.
	ExpiringDeposits(ctx context.Context, cutoff time.Time) ([]Entry, error)
}
