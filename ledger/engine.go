/*
engine.go - Ledger engine facade

PURPOSE:
  Orchestrates every balance movement: deposits, reservations, finalization,
  releases, expiry sweeps, and year rollover. This is the only writer of the
  ledger; external callers (leave-request workflow, admin tools, the accrual
  engine) go through it.

TRANSACTIONAL DISCIPLINE:
  Each operation is read-plan-write: read the wallet snapshot (with its
  version), plan the change, submit it with the expected version. A stale
  version fails with ErrConcurrentModification and the whole operation is
  retried from the read, a bounded number of times, before a retryable
  ConflictError is surfaced. No operation ever leaves a partial write.

RESERVATION LIFECYCLE:
  reserve   -> reservation entry + allocations against open deposits
  finalize  -> consumption entry inheriting the exact same allocations
  release   -> release entry restoring the exact allocations (never
               re-planned, so a policy change between reserve and release
               cannot cause drift)

SEE ALSO:
  - planner.go: candidate ordering and greedy allocation
  - recompute.go: how Apply derives the snapshot
  - accrual: the monthly batch driver that deposits through this facade
*/
package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Config carries the policy knobs of the engine. Everything here used to be
// ambient process-wide settings; it is now explicit constructor state.
type Config struct {
	// SmartDeduction switches the planner from AP-before-AC ordering to
	// soonest-expiring-first ordering.
	SmartDeduction bool

	// AllowNegative permits reservations beyond the available balance
	// (emergency grants). The uncovered portion is held against the
	// current-year bucket and drives availability negative.
	AllowNegative bool

	// MaxRetries bounds the optimistic-conflict retry loop per operation.
	MaxRetries int

	// LegalMinimumDays is the statutory vacation minimum reported by
	// balance summaries.
	LegalMinimumDays int

	// CarryoverExpiryMonth/Day define when prior-year balance expires:
	// balance accrued in year Y stays spendable until this date in Y+1.
	CarryoverExpiryMonth time.Month
	CarryoverExpiryDay   int
}

// DefaultConfig mirrors the standard national-contract policy: AP balance
// usable until June 30 of the following year, 4 weeks statutory minimum.
func DefaultConfig() Config {
	return Config{
		MaxRetries:           3,
		LegalMinimumDays:     20,
		CarryoverExpiryMonth: time.June,
		CarryoverExpiryDay:   30,
	}
}

type Engine struct {
	store   Store
	planner Planner
	cfg     Config
	log     zerolog.Logger

	// now is swappable in tests.
	now func() time.Time
}

func NewEngine(store Store, cfg Config, log zerolog.Logger) *Engine {
	if cfg.MaxRetries < 1 {
		cfg.MaxRetries = 1
	}
	if cfg.CarryoverExpiryMonth == 0 {
		cfg.CarryoverExpiryMonth = time.June
		cfg.CarryoverExpiryDay = 30
	}
	policy := BucketOrder
	if cfg.SmartDeduction {
		policy = SmartExpiry
	}
	return &Engine{
		store:   store,
		planner: Planner{Policy: policy},
		cfg:     cfg,
		log:     log.With().Str("component", "ledger-engine").Logger(),
		now:     time.Now,
	}
}

// CarryoverExpiry returns the date when balance accrued in year stops being
// spendable: the configured cutoff in the following year.
func (e *Engine) CarryoverExpiry(year int) time.Time {
	return time.Date(year+1, e.cfg.CarryoverExpiryMonth, e.cfg.CarryoverExpiryDay, 0, 0, 0, 0, time.UTC)
}

// =============================================================================
// DEPOSIT
// =============================================================================

// DepositArgs describes an administrative or accrual deposit.
type DepositArgs struct {
	UserID      string
	Year        int
	BalanceType BalanceType
	Bucket      Bucket
	Amount      Amount
	ExpiresOn   *time.Time
	Reference   string
	Reason      string
	CreatedBy   string
}

// Deposit writes one positive adjustment entry. It always succeeds: deposits
// need no allocation.
func (e *Engine) Deposit(ctx context.Context, args DepositArgs) (*Wallet, error) {
	if !args.Amount.IsPositive() {
		return nil, ErrInvalidAmount
	}
	if args.Bucket == "" {
		args.Bucket = BucketCurrYear
	}

	var wallet *Wallet
	err := e.withRetry(ctx, args.UserID, args.Year, "deposit", func() error {
		version, err := e.walletVersion(ctx, args.UserID, args.Year)
		if err != nil {
			return err
		}
		entry := e.newEntry(args.UserID, args.Year, args.BalanceType, KindAdjustment)
		entry.Bucket = args.Bucket
		entry.Amount = args.Amount
		entry.RemainingAmount = args.Amount
		entry.ExpiresOn = args.ExpiresOn
		entry.Reference = args.Reference
		entry.Reason = args.Reason
		entry.CreatedBy = args.CreatedBy

		wallet, err = e.store.Apply(ctx, Change{
			UserID:          args.UserID,
			Year:            args.Year,
			ExpectedVersion: version,
			Entries:         []Entry{entry},
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	e.log.Info().
		Str("user", args.UserID).Int("year", args.Year).
		Str("type", string(args.BalanceType)).Str("amount", args.Amount.Value.String()).
		Msg("deposit recorded")
	return wallet, nil
}

// AccrualDepositArgs is the accrual engine's deposit: idempotent per
// (user, year, period, balance type).
type AccrualDepositArgs struct {
	UserID      string
	Year        int
	BalanceType BalanceType
	Amount      Amount
	Period      string // "2026-03" for monthly grants, "2026" for yearly
	ExpiresOn   *time.Time
	Reason      string
}

// DepositAccrual records a periodic accrual. Re-running an already-recorded
// period is a no-op success, never an error.
func (e *Engine) DepositAccrual(ctx context.Context, args AccrualDepositArgs) error {
	if !args.Amount.IsPositive() {
		return ErrInvalidAmount
	}

	done, err := e.store.HasAccrual(ctx, args.UserID, args.Year, args.Period, args.BalanceType)
	if err != nil {
		return err
	}
	if done {
		e.log.Debug().Str("user", args.UserID).Str("period", args.Period).
			Str("type", string(args.BalanceType)).Msg("accrual already recorded, skipping")
		return nil
	}

	accruedOn := e.now()
	err = e.withRetry(ctx, args.UserID, args.Year, "accrual", func() error {
		version, err := e.walletVersion(ctx, args.UserID, args.Year)
		if err != nil {
			return err
		}
		entry := e.newEntry(args.UserID, args.Year, args.BalanceType, KindAccrual)
		entry.Bucket = BucketCurrYear
		entry.Amount = args.Amount
		entry.RemainingAmount = args.Amount
		entry.ExpiresOn = args.ExpiresOn
		entry.Period = args.Period
		entry.Reason = args.Reason
		entry.CreatedBy = "accrual-engine"
		entry.IdempotencyKey = fmt.Sprintf("accrual:%s:%s:%s", args.UserID, args.Period, args.BalanceType)

		_, err = e.store.Apply(ctx, Change{
			UserID:          args.UserID,
			Year:            args.Year,
			ExpectedVersion: version,
			Entries:         []Entry{entry},
			LastAccrualOn:   &accruedOn,
		})
		return err
	})
	if errors.Is(err, ErrDuplicateAccrual) {
		// Lost a race against a concurrent run of the same period.
		e.log.Warn().Str("user", args.UserID).Str("period", args.Period).
			Str("type", string(args.BalanceType)).Msg("duplicate accrual suppressed")
		return nil
	}
	return err
}

// =============================================================================
// RESERVE
// =============================================================================

// ReserveArgs describes a balance hold for a pending leave request.
type ReserveArgs struct {
	UserID      string
	Year        int
	BalanceType BalanceType
	Amount      Amount
	Reference   string
	CreatedBy   string
}

// ReservationSummary reports how a reservation was covered.
type ReservationSummary struct {
	EntryID     string
	Reference   string
	Allocations []Allocation
	// Overdraft is the uncovered portion when negative balances are
	// permitted; zero otherwise.
	Overdraft Amount
	Wallet    *Wallet
}

// Reserve holds balance for a request: plans the draw-downs, writes one
// reservation entry plus its allocations atomically. All-or-nothing: on
// InsufficientBalanceError nothing is written and the wallet is unchanged.
func (e *Engine) Reserve(ctx context.Context, args ReserveArgs) (*ReservationSummary, error) {
	if !args.Amount.IsPositive() {
		return nil, ErrInvalidAmount
	}
	if !args.BalanceType.Valid() {
		return nil, fmt.Errorf("unknown balance type %q", args.BalanceType)
	}

	var summary *ReservationSummary
	err := e.withRetry(ctx, args.UserID, args.Year, "reserve", func() error {
		wallet, err := e.store.GetWallet(ctx, args.UserID, args.Year)
		if err != nil {
			return err
		}
		if wallet != nil && wallet.Status == WalletClosed {
			return ErrWalletClosed
		}
		var version int64
		available := args.Amount.Zero()
		if wallet != nil {
			version = wallet.Version
			available = wallet.Available(args.BalanceType)
		}

		deposits, err := e.store.OpenDeposits(ctx, args.UserID, args.Year, args.BalanceType, e.now())
		if err != nil {
			return err
		}

		var allocations []Allocation
		overdraft := args.Amount.Zero()
		allocations, err = e.planner.Plan(deposits, args.Amount)
		if err != nil {
			var insufficient *InsufficientBalanceError
			if !errors.As(err, &insufficient) || !e.cfg.AllowNegative {
				if insufficient != nil {
					insufficient.UserID = args.UserID
					insufficient.Year = args.Year
					insufficient.BalanceType = args.BalanceType
				}
				return err
			}
			allocations, overdraft = e.planner.PlanUpTo(deposits, args.Amount)
		}

		entry := e.newEntry(args.UserID, args.Year, args.BalanceType, KindReservation)
		entry.Amount = args.Amount.Neg()
		entry.Reference = args.Reference
		entry.Reason = "balance reserved for request " + args.Reference
		entry.CreatedBy = args.CreatedBy
		entry.BalanceAfter = available.Sub(args.Amount)

		draws := make([]Allocation, len(allocations))
		for i, a := range allocations {
			a.ID = uuid.NewString()
			a.DebitEntryID = entry.ID
			draws[i] = a
		}

		wallet, err = e.store.Apply(ctx, Change{
			UserID:          args.UserID,
			Year:            args.Year,
			ExpectedVersion: version,
			Entries:         []Entry{entry},
			Draws:           draws,
		})
		if err != nil {
			return err
		}
		summary = &ReservationSummary{
			EntryID:     entry.ID,
			Reference:   args.Reference,
			Allocations: draws,
			Overdraft:   overdraft,
			Wallet:      wallet,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	ev := e.log.Info().
		Str("user", args.UserID).Int("year", args.Year).
		Str("type", string(args.BalanceType)).
		Str("amount", args.Amount.Value.String()).
		Str("reference", args.Reference)
	if summary.Overdraft.IsPositive() {
		ev = ev.Str("overdraft", summary.Overdraft.Value.String())
	}
	ev.Msg("balance reserved")
	return summary, nil
}

// =============================================================================
// FINALIZE
// =============================================================================

// Finalize converts the reservation tied to reference into a consumption,
// inheriting the exact allocations so the draw-downs never shift. Called by
// the approval workflow on final approval.
func (e *Engine) Finalize(ctx context.Context, reference, actor string) error {
	return e.settle(ctx, reference, actor, true)
}

// Release undoes the outstanding reservation or consumption tied to
// reference, restoring the exact deposits it drew from by the exact amounts.
// A reference that was never reserved is a logged no-op: release must stay
// idempotent for the approval workflow's retries.
func (e *Engine) Release(ctx context.Context, reference, actor string) error {
	return e.settle(ctx, reference, actor, false)
}

func (e *Engine) settle(ctx context.Context, reference, actor string, finalize bool) error {
	op := "release"
	if finalize {
		op = "finalize"
	}

	entries, err := e.store.EntriesByReference(ctx, reference)
	if err != nil {
		return err
	}
	first := outstandingDebit(entries, finalize)
	if first == nil {
		e.log.Warn().Err(ErrReleaseWithoutReservation).Str("reference", reference).Str("op", op).
			Msg("no outstanding reservation for reference, treating as no-op")
		return nil
	}
	userID, year := first.UserID, first.Year

	return e.withRetry(ctx, userID, year, op, func() error {
		// Re-read per attempt: a version conflict can mean a concurrent
		// settle of this same reference won the race, and replaying stale
		// restores would push remainders past their ceiling.
		entries, err := e.store.EntriesByReference(ctx, reference)
		if err != nil {
			return err
		}
		target := outstandingDebit(entries, finalize)
		if target == nil {
			e.log.Warn().Str("reference", reference).Str("op", op).
				Msg("reference settled concurrently, treating as no-op")
			return nil
		}

		allocations, err := e.store.AllocationsByDebit(ctx, target.ID)
		if err != nil {
			return err
		}

		wallet, err := e.store.GetWallet(ctx, target.UserID, target.Year)
		if err != nil {
			return err
		}
		if wallet == nil {
			return fmt.Errorf("wallet %s/%d missing for reference %s", target.UserID, target.Year, reference)
		}
		if wallet.Status == WalletClosed {
			return ErrWalletClosed
		}

		change := Change{
			UserID:          target.UserID,
			Year:            target.Year,
			ExpectedVersion: wallet.Version,
			Restores:        allocations,
		}

		if finalize {
			consumption := e.newEntry(target.UserID, target.Year, target.BalanceType, KindConsumption)
			consumption.Amount = target.Amount
			consumption.Reference = reference
			consumption.Reverses = target.ID
			consumption.Reason = "request " + reference + " approved"
			consumption.CreatedBy = actor
			draws := make([]Allocation, len(allocations))
			for i, a := range allocations {
				a.ID = uuid.NewString()
				a.DebitEntryID = consumption.ID
				draws[i] = a
			}
			change.Entries = []Entry{consumption}
			change.Draws = draws
		} else {
			release := e.newEntry(target.UserID, target.Year, target.BalanceType, KindRelease)
			release.Amount = target.Amount.Neg() // debits are negative, so this is positive
			release.Reference = reference
			release.Reverses = target.ID
			release.Reason = "request " + reference + " released"
			release.CreatedBy = actor
			change.Entries = []Entry{release}
		}

		if _, err := e.store.Apply(ctx, change); err != nil {
			return err
		}
		e.log.Info().Str("reference", reference).Str("user", target.UserID).
			Int("year", target.Year).Msg(op + " applied")
		return nil
	})
}

// outstandingDebit picks the debit entry a settle operates on. Finalize only
// converts reservations; release undoes reservations and consumptions alike.
func outstandingDebit(entries []Entry, finalizeOnly bool) *Entry {
	reversed := make(map[string]bool)
	for _, e := range entries {
		if e.Reverses != "" {
			reversed[e.Reverses] = true
		}
	}
	for i := len(entries) - 1; i >= 0; i-- {
		entry := entries[i]
		if reversed[entry.ID] {
			continue
		}
		if entry.Kind == KindReservation || (!finalizeOnly && entry.Kind == KindConsumption) {
			return &entry
		}
	}
	return nil
}

// =============================================================================
// EXPIRY
// =============================================================================

// ExpiryReport summarizes one expiry sweep.
type ExpiryReport struct {
	DepositsExpired int
	Wallets         int
	Failed          int
}

// ExpireOutstanding zeroes the remainder of every deposit whose expiry date
// is before cutoff, one expiry entry per deposit, atomically per wallet.
// It is a scheduled maintenance pass: wallets that fail (for instance due to
// sustained contention) are reported and picked up by the next run.
func (e *Engine) ExpireOutstanding(ctx context.Context, cutoff time.Time) (*ExpiryReport, error) {
	overdue, err := e.store.ExpiringDeposits(ctx, cutoff)
	if err != nil {
		return nil, err
	}

	type walletKey struct {
		UserID string
		Year   int
	}
	wallets := make(map[walletKey]bool)
	for _, d := range overdue {
		wallets[walletKey{d.UserID, d.Year}] = true
	}

	report := &ExpiryReport{}
	for key := range wallets {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		err := e.withRetry(ctx, key.UserID, key.Year, "expire", func() error {
			version, err := e.walletVersion(ctx, key.UserID, key.Year)
			if err != nil {
				return err
			}
			// Re-read inside the attempt: a concurrent writer may have
			// drained some of these remainders already.
			current, err := e.store.ExpiringDeposits(ctx, cutoff)
			if err != nil {
				return err
			}

			var entries []Entry
			var draws []Allocation
			for _, dep := range current {
				if dep.UserID != key.UserID || dep.Year != key.Year {
					continue
				}
				expiry := e.newEntry(dep.UserID, dep.Year, dep.BalanceType, KindExpiry)
				expiry.Amount = dep.RemainingAmount.Neg()
				expiry.Reference = dep.ID
				expiry.Reason = "unused balance expired on " + dep.ExpiresOn.Format("2006-01-02")
				expiry.CreatedBy = "expiry-sweep"
				entries = append(entries, expiry)
				draws = append(draws, Allocation{
					ID:             uuid.NewString(),
					DebitEntryID:   expiry.ID,
					DepositEntryID: dep.ID,
					Amount:         dep.RemainingAmount,
				})
			}
			if len(entries) == 0 {
				return nil
			}
			_, err = e.store.Apply(ctx, Change{
				UserID:          key.UserID,
				Year:            key.Year,
				ExpectedVersion: version,
				Entries:         entries,
				Draws:           draws,
			})
			if err == nil {
				report.DepositsExpired += len(entries)
			}
			return err
		})
		if err != nil {
			report.Failed++
			e.log.Error().Err(err).Str("user", key.UserID).Int("year", key.Year).
				Msg("expiry sweep failed for wallet")
			continue
		}
		report.Wallets++
	}
	e.log.Info().Int("wallets", report.Wallets).Int("deposits", report.DepositsExpired).
		Int("failed", report.Failed).Msg("expiry sweep completed")
	return report, nil
}

// =============================================================================
// YEAR ROLLOVER
// =============================================================================

// RolloverReport describes what a year rollover moved.
type RolloverReport struct {
	UserID          string
	FromYear        int
	VacationCarried Amount
	RolCarried      Amount
	APExpiresOn     time.Time
}

// Rollover closes the fromYear wallet and moves its unused current-year
// vacation and ROL balance into the prior-year (AP) bucket of fromYear+1,
// bounded by the carryover expiry date. Permits never carry over.
//
// The two wallets are distinct rows, so the move is two atomic writes with
// idempotency keys: re-running after a partial failure completes the missing
// half instead of double-granting.
func (e *Engine) Rollover(ctx context.Context, userID string, fromYear int) (*RolloverReport, error) {
	wallet, err := e.store.GetWallet(ctx, userID, fromYear)
	if err != nil {
		return nil, err
	}
	if wallet == nil {
		return nil, fmt.Errorf("no wallet to roll over for %s/%d", userID, fromYear)
	}

	report := &RolloverReport{
		UserID:      userID,
		FromYear:    fromYear,
		APExpiresOn: e.CarryoverExpiry(fromYear),
	}
	apExpiry := report.APExpiresOn
	reference := fmt.Sprintf("rollover:%s:%d", userID, fromYear)

	carried := map[BalanceType]Amount{}
	if wallet.Status != WalletClosed {
		err = e.withRetry(ctx, userID, fromYear, "rollover-out", func() error {
			w, err := e.store.GetWallet(ctx, userID, fromYear)
			if err != nil {
				return err
			}
			if w.Status == WalletClosed {
				return nil
			}

			change := Change{
				UserID:          userID,
				Year:            fromYear,
				ExpectedVersion: w.Version,
				CloseWallet:     true,
			}
			for _, bt := range []BalanceType{Vacation, Rol} {
				deposits, err := e.store.OpenDeposits(ctx, userID, fromYear, bt, e.now())
				if err != nil {
					return err
				}
				// Every open remainder is drained so the closed wallet ends
				// at zero, but only the current-year portion carries over:
				// prior-year balance does not survive a second rollover.
				drained := ZeroAmount(bt.DefaultUnit())
				carry := ZeroAmount(bt.DefaultUnit())
				var draws []Allocation
				out := e.newEntry(userID, fromYear, bt, KindAdjustment)
				for _, dep := range deposits {
					drained = drained.Add(dep.RemainingAmount)
					if dep.Bucket == BucketCurrYear {
						carry = carry.Add(dep.RemainingAmount)
					}
					draws = append(draws, Allocation{
						ID:             uuid.NewString(),
						DebitEntryID:   out.ID,
						DepositEntryID: dep.ID,
						Amount:         dep.RemainingAmount,
					})
				}
				if !drained.IsPositive() {
					continue
				}
				out.Amount = drained.Neg()
				out.Reference = reference
				out.Reason = fmt.Sprintf("carried over to %d", fromYear+1)
				out.CreatedBy = "rollover"
				out.IdempotencyKey = fmt.Sprintf("rollover-out:%s:%d:%s", userID, fromYear, bt)
				change.Entries = append(change.Entries, out)
				change.Draws = append(change.Draws, draws...)
				if carry.IsPositive() {
					carried[bt] = carry
				}
			}
			_, err = e.store.Apply(ctx, change)
			return err
		})
		if err != nil {
			return nil, err
		}
	}

	// An already-closed wallet means the out-half committed in an earlier run
	// (or concurrently) without this invocation seeing what it drained.
	// Recover the carry from the persisted drain entries so the in-half still
	// deposits it instead of silently dropping the balance.
	if len(carried) == 0 {
		carried, err = e.carriedByDrains(ctx, userID, fromYear)
		if err != nil {
			return nil, err
		}
	}

	err = e.withRetry(ctx, userID, fromYear+1, "rollover-in", func() error {
		version, err := e.walletVersion(ctx, userID, fromYear+1)
		if err != nil {
			return err
		}
		change := Change{
			UserID:          userID,
			Year:            fromYear + 1,
			ExpectedVersion: version,
			APExpiresOn:     &apExpiry,
		}
		for bt, total := range carried {
			in := e.newEntry(userID, fromYear+1, bt, KindAdjustment)
			in.Bucket = BucketPrevYear
			in.Amount = total
			in.RemainingAmount = total
			in.ExpiresOn = &apExpiry
			in.Reference = reference
			in.Reason = fmt.Sprintf("carryover from %d", fromYear)
			in.CreatedBy = "rollover"
			in.IdempotencyKey = fmt.Sprintf("rollover-in:%s:%d:%s", userID, fromYear, bt)
			change.Entries = append(change.Entries, in)
		}
		if len(change.Entries) == 0 && version > 0 {
			return nil
		}
		_, err = e.store.Apply(ctx, change)
		if errors.Is(err, ErrDuplicateEntry) {
			// The in-half already landed in an earlier, partially failed run.
			e.log.Warn().Str("user", userID).Int("from_year", fromYear).
				Msg("rollover deposits already present, skipping")
			return nil
		}
		return err
	})
	if err != nil {
		return nil, err
	}

	report.VacationCarried = carried[Vacation]
	report.RolCarried = carried[Rol]
	if report.VacationCarried.Value.IsZero() && report.VacationCarried.Unit == "" {
		report.VacationCarried = ZeroAmount(UnitDays)
	}
	if report.RolCarried.Value.IsZero() && report.RolCarried.Unit == "" {
		report.RolCarried = ZeroAmount(UnitHours)
	}

	e.log.Info().Str("user", userID).Int("from_year", fromYear).
		Str("vacation", report.VacationCarried.Value.String()).
		Str("rol", report.RolCarried.Value.String()).
		Msg("year rollover completed")
	return report, nil
}

// carriedByDrains rebuilds the carryover amounts of a fromYear wallet whose
// drain already committed: the rollover-out adjustments hold allocations
// against every deposit they emptied, and the current-year portion of those
// is exactly what the in-half owes fromYear+1.
func (e *Engine) carriedByDrains(ctx context.Context, userID string, fromYear int) (map[BalanceType]Amount, error) {
	entries, err := e.store.ListEntries(ctx, userID, fromYear, nil)
	if err != nil {
		return nil, err
	}
	byID := make(map[string]Entry, len(entries))
	for _, entry := range entries {
		byID[entry.ID] = entry
	}

	keyPrefix := fmt.Sprintf("rollover-out:%s:%d:", userID, fromYear)
	carried := map[BalanceType]Amount{}
	for _, entry := range entries {
		if !strings.HasPrefix(entry.IdempotencyKey, keyPrefix) {
			continue
		}
		allocations, err := e.store.AllocationsByDebit(ctx, entry.ID)
		if err != nil {
			return nil, err
		}
		carry := ZeroAmount(entry.BalanceType.DefaultUnit())
		for _, a := range allocations {
			if dep, ok := byID[a.DepositEntryID]; ok && dep.Bucket == BucketCurrYear {
				carry = carry.Add(a.Amount)
			}
		}
		if carry.IsPositive() {
			carried[entry.BalanceType] = carry
		}
	}
	return carried, nil
}

// =============================================================================
// INTERNAL HELPERS
// =============================================================================

func (e *Engine) newEntry(userID string, year int, bt BalanceType, kind EntryKind) Entry {
	unit := bt.DefaultUnit()
	return Entry{
		ID:              uuid.NewString(),
		UserID:          userID,
		Year:            year,
		BalanceType:     bt,
		Kind:            kind,
		Amount:          ZeroAmount(unit),
		RemainingAmount: ZeroAmount(unit),
		BalanceAfter:    ZeroAmount(unit),
		CreatedAt:       e.now(),
	}
}

func (e *Engine) walletVersion(ctx context.Context, userID string, year int) (int64, error) {
	wallet, err := e.store.GetWallet(ctx, userID, year)
	if err != nil {
		return 0, err
	}
	if wallet == nil {
		return 0, nil
	}
	if wallet.Status == WalletClosed {
		return 0, ErrWalletClosed
	}
	return wallet.Version, nil
}

// withRetry re-runs the whole read-plan-write cycle on optimistic conflicts.
func (e *Engine) withRetry(ctx context.Context, userID string, year int, op string, fn func() error) error {
	var err error
	for attempt := 1; attempt <= e.cfg.MaxRetries; attempt++ {
		if err = ctx.Err(); err != nil {
			return err
		}
		err = fn()
		if !errors.Is(err, ErrConcurrentModification) {
			observeOperation(op, err)
			return err
		}
		e.log.Debug().Str("user", userID).Int("year", year).Str("op", op).
			Int("attempt", attempt).Msg("wallet version conflict, retrying")
	}
	observeOperation(op, ErrConcurrentModification)
	return &ConflictError{UserID: userID, Year: year, Attempts: e.cfg.MaxRetries}
}
