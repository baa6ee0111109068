/*
Package ledger provides the leave balance bookkeeping core.

PURPOSE:
  This package contains the types and algorithms for tracking how much
  vacation, ROL, and permit balance each employee has accrued, reserved,
  consumed, and still owns - split across prior-year (AP) and current-year
  (AC) buckets, with per-entry expiry dates.

KEY CONCEPTS IN THIS FILE (types.go):
  - Amount: A quantity with a unit (vacation days, ROL/permit hours)
  - Entry: An append-only ledger record of a balance movement
  - Allocation: A draw-down of one debit against one deposit's remainder
  - Wallet: The derived per-(user, year) balance snapshot

DESIGN PRINCIPLES:
  1. Append-only: entries are never edited; corrections are new entries
  2. Precision: decimal.Decimal everywhere, no floating-point balance math
  3. Auditability: every draw-down is an explicit allocation row
  4. Derived state: the wallet snapshot is always recomputable from entries

SEE ALSO:
  - planner.go: which deposits a debit draws from, and in what order
  - engine.go: the facade that enforces the invariants transactionally
  - store.go: atomic persistence contract
*/
package ledger

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// AMOUNT - Quantity with unit
// =============================================================================

type Amount struct {
	Value decimal.Decimal
	Unit  Unit
}

type Unit string

const (
	UnitDays  Unit = "days"
	UnitHours Unit = "hours"
)

func NewAmount(value float64, unit Unit) Amount {
	return Amount{Value: decimal.NewFromFloat(value), Unit: unit}
}

func NewAmountFromInt(value int, unit Unit) Amount {
	return Amount{Value: decimal.NewFromInt(int64(value)), Unit: unit}
}

func ZeroAmount(unit Unit) Amount {
	return Amount{Value: decimal.Zero, Unit: unit}
}

func MustParseDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

func (a Amount) Zero() Amount                 { return Amount{Value: decimal.Zero, Unit: a.Unit} }
func (a Amount) Add(b Amount) Amount          { return Amount{Value: a.Value.Add(b.Value), Unit: a.Unit} }
func (a Amount) Sub(b Amount) Amount          { return Amount{Value: a.Value.Sub(b.Value), Unit: a.Unit} }
func (a Amount) Mul(s decimal.Decimal) Amount { return Amount{Value: a.Value.Mul(s), Unit: a.Unit} }
func (a Amount) Div(s decimal.Decimal) Amount { return Amount{Value: a.Value.Div(s), Unit: a.Unit} }
func (a Amount) Neg() Amount                  { return Amount{Value: a.Value.Neg(), Unit: a.Unit} }
func (a Amount) Abs() Amount                  { return Amount{Value: a.Value.Abs(), Unit: a.Unit} }
func (a Amount) IsNegative() bool             { return a.Value.IsNegative() }
func (a Amount) IsZero() bool                 { return a.Value.IsZero() }
func (a Amount) IsPositive() bool             { return a.Value.IsPositive() }
func (a Amount) Equal(b Amount) bool          { return a.Value.Equal(b.Value) }
func (a Amount) GreaterThan(b Amount) bool    { return a.Value.GreaterThan(b.Value) }
func (a Amount) LessThan(b Amount) bool       { return a.Value.LessThan(b.Value) }
func (a Amount) String() string               { return a.Value.String() + " " + string(a.Unit) }

func (a Amount) Min(b Amount) Amount {
	if a.LessThan(b) {
		return a
	}
	return b
}

type amountJSON struct {
	Value decimal.Decimal `json:"value"`
	Unit  Unit            `json:"unit"`
}

func (a Amount) MarshalJSON() ([]byte, error) {
	return json.Marshal(amountJSON{Value: a.Value, Unit: a.Unit})
}

func (a *Amount) UnmarshalJSON(data []byte) error {
	var raw amountJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	a.Value = raw.Value
	a.Unit = raw.Unit
	return nil
}

// =============================================================================
// BALANCE TYPES AND BUCKETS
// =============================================================================

// BalanceType identifies which balance an entry moves.
type BalanceType string

const (
	Vacation BalanceType = "vacation" // tracked in days
	Rol      BalanceType = "rol"      // tracked in hours
	Permit   BalanceType = "permit"   // tracked in hours
)

// BalanceTypes lists all tracked balance types.
var BalanceTypes = []BalanceType{Vacation, Rol, Permit}

// DefaultUnit returns the unit a balance type is tracked in.
func (bt BalanceType) DefaultUnit() Unit {
	if bt == Vacation {
		return UnitDays
	}
	return UnitHours
}

func (bt BalanceType) Valid() bool {
	return bt == Vacation || bt == Rol || bt == Permit
}

// Bucket is the year allocation a deposit belongs to. AP (prior-year) balance
// is consumed before AC (current-year) under the default deduction policy and
// carries its own expiry date. Permits only ever use the current-year bucket.
type Bucket string

const (
	BucketPrevYear Bucket = "prev_year"    // AP
	BucketCurrYear Bucket = "current_year" // AC
)

// =============================================================================
// ENTRY - Append-only ledger record
// =============================================================================

type EntryKind string

const (
	KindAccrual     EntryKind = "accrual"     // periodic grant from the accrual engine
	KindReservation EntryKind = "reservation" // balance held for a pending request
	KindConsumption EntryKind = "consumption" // balance spent by an approved request
	KindRelease     EntryKind = "release"     // reservation/consumption undone exactly
	KindExpiry      EntryKind = "expiry"      // unused deposit remainder zeroed at cutoff
	KindAdjustment  EntryKind = "adjustment"  // manual correction or year rollover
)

// Entry is one movement in the ledger. Immutable once written, with a single
// exception: RemainingAmount on deposit entries, which only ever decreases
// and only through allocation rows.
type Entry struct {
	ID          string
	UserID      string
	Year        int
	BalanceType BalanceType
	Kind        EntryKind

	// Bucket is only meaningful on deposit entries. A debit can span buckets
	// through its allocations.
	Bucket Bucket

	// Amount is signed: positive for deposits, negative for debits.
	Amount Amount

	// RemainingAmount tracks how much of a deposit is still unconsumed.
	// Meaningless (zero) on debit entries.
	RemainingAmount Amount

	// ExpiresOn bounds how long a deposit stays spendable. Nil = no expiry.
	ExpiresOn *time.Time

	// Period identifies the accrual period for KindAccrual entries
	// ("2026-03" for monthly, "2026" for yearly grants). Together with the
	// idempotency key it enforces at-most-one accrual per period.
	Period string

	// Reverses points at the debit entry this entry settles: set on release
	// entries and on consumption entries produced by finalizing a
	// reservation. A debit with a reversing entry is no longer outstanding.
	Reverses string

	// BalanceAfter is an audit snapshot of the total available balance for
	// this balance type at write time. Diagnostic only - the invariants are
	// enforced from entries and allocations, never from this field.
	BalanceAfter Amount

	Reference      string // business event id (leave request, rollover, ...)
	Reason         string
	IdempotencyKey string
	CreatedBy      string
	CreatedAt      time.Time
}

// IsDeposit reports whether the entry carries consumable balance.
// Release entries are positive but restore existing deposits instead of
// adding new consumable balance, so they are not deposits.
func (e Entry) IsDeposit() bool {
	switch e.Kind {
	case KindAccrual:
		return true
	case KindAdjustment:
		return e.Amount.IsPositive()
	default:
		return false
	}
}

// IsDebit reports whether the entry draws balance down.
func (e Entry) IsDebit() bool {
	switch e.Kind {
	case KindReservation, KindConsumption, KindExpiry:
		return true
	case KindAdjustment:
		return e.Amount.IsNegative()
	default:
		return false
	}
}

// Expired reports whether a deposit is past its expiry date at the given time.
func (e Entry) Expired(at time.Time) bool {
	return e.ExpiresOn != nil && e.ExpiresOn.Before(at)
}

// =============================================================================
// ALLOCATION - One debit's draw against one deposit
// =============================================================================

// Allocation records that a debit entry decremented a specific deposit's
// remainder by a specific amount. A release restores exactly these rows.
type Allocation struct {
	ID             string
	DebitEntryID   string
	DepositEntryID string
	Amount         Amount
}

// =============================================================================
// WALLET - Derived balance snapshot per (user, year)
// =============================================================================

type WalletStatus string

const (
	WalletActive WalletStatus = "active"
	WalletClosed WalletStatus = "closed" // rolled over; rejects further writes
)

// BucketTotals are the cached sums for one (balance type, bucket) pair.
type BucketTotals struct {
	Accrued   Amount // all deposits written into the bucket
	Used      Amount // outstanding consumption drawn from the bucket
	Pending   Amount // outstanding reservations drawn from the bucket
	Expired   Amount // remainders zeroed by expiry sweeps
	Available Amount // sum of unexpired deposit remainders
}

// Wallet is the cached snapshot for one user and calendar year. It is written
// only by Store.Apply while recomputing from entries; callers never mutate it.
// Version is the optimistic concurrency counter: every Apply bumps it, and an
// Apply with a stale ExpectedVersion fails with ErrConcurrentModification.
type Wallet struct {
	UserID  string
	Year    int
	Version int64
	Status  WalletStatus

	VacationPrev BucketTotals // AP
	VacationCurr BucketTotals // AC
	RolPrev      BucketTotals
	RolCurr      BucketTotals
	Permit       BucketTotals

	// LegalMinimumUsed is the vacation consumed so far this year, compared
	// against the statutory minimum by the balance summary.
	LegalMinimumUsed Amount

	APExpiresOn   *time.Time
	LastAccrualOn *time.Time
	UpdatedAt     time.Time
}

// Totals returns the bucket totals for a balance type and bucket.
func (w *Wallet) Totals(bt BalanceType, bucket Bucket) *BucketTotals {
	switch bt {
	case Vacation:
		if bucket == BucketPrevYear {
			return &w.VacationPrev
		}
		return &w.VacationCurr
	case Rol:
		if bucket == BucketPrevYear {
			return &w.RolPrev
		}
		return &w.RolCurr
	default:
		return &w.Permit
	}
}

// Available returns the total spendable balance across buckets.
func (w *Wallet) Available(bt BalanceType) Amount {
	unit := bt.DefaultUnit()
	total := ZeroAmount(unit)
	for _, b := range []Bucket{BucketPrevYear, BucketCurrYear} {
		total = total.Add(w.Totals(bt, b).Available)
	}
	return total
}

// NewWallet returns an empty active wallet with zeroed totals.
func NewWallet(userID string, year int) *Wallet {
	w := &Wallet{UserID: userID, Year: year, Status: WalletActive}
	w.VacationPrev = zeroTotals(UnitDays)
	w.VacationCurr = zeroTotals(UnitDays)
	w.RolPrev = zeroTotals(UnitHours)
	w.RolCurr = zeroTotals(UnitHours)
	w.Permit = zeroTotals(UnitHours)
	w.LegalMinimumUsed = ZeroAmount(UnitDays)
	return w
}

func zeroTotals(unit Unit) BucketTotals {
	z := ZeroAmount(unit)
	return BucketTotals{Accrued: z, Used: z, Pending: z, Expired: z, Available: z}
}
