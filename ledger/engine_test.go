package ledger_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/leave-ledger/ledger"
	"github.com/warp/leave-ledger/store/memory"
)

// =============================================================================
// TEST SETUP
// =============================================================================

func newTestEngine(t *testing.T, cfg ledger.Config) (*ledger.Engine, *memory.Store) {
	t.Helper()
	store := memory.New()
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 3
	}
	engine := ledger.NewEngine(store, cfg, zerolog.Nop())
	return engine, store
}

func mustDeposit(t *testing.T, e *ledger.Engine, userID string, year int, bucket ledger.Bucket, amount float64, expiresOn *time.Time) {
	t.Helper()
	_, err := e.Deposit(context.Background(), ledger.DepositArgs{
		UserID:      userID,
		Year:        year,
		BalanceType: ledger.Vacation,
		Bucket:      bucket,
		Amount:      days(amount),
		ExpiresOn:   expiresOn,
		Reason:      "test grant",
		CreatedBy:   "test",
	})
	require.NoError(t, err)
}

// requireInvariant checks the core balance equation from the entries:
// available equals the remainders of unexpired deposits minus the
// unallocated portion of outstanding debits.
func requireInvariant(t *testing.T, store ledger.Store, userID string, year int, bt ledger.BalanceType) {
	t.Helper()
	ctx := context.Background()
	wallet, err := store.GetWallet(ctx, userID, year)
	require.NoError(t, err)
	require.NotNil(t, wallet)

	entries, err := store.ListEntries(ctx, userID, year, &bt)
	require.NoError(t, err)

	reversed := make(map[string]bool)
	for _, e := range entries {
		if e.Reverses != "" {
			reversed[e.Reverses] = true
		}
	}

	now := time.Now()
	expected := ledger.ZeroAmount(bt.DefaultUnit())
	for _, e := range entries {
		if e.IsDeposit() && !e.Expired(now) {
			expected = expected.Add(e.RemainingAmount)
		}
	}
	for _, e := range entries {
		if !e.IsDebit() || e.Kind == ledger.KindExpiry || e.Kind == ledger.KindAdjustment || reversed[e.ID] {
			continue
		}
		allocs, err := store.AllocationsByDebit(ctx, e.ID)
		require.NoError(t, err)
		allocated := ledger.ZeroAmount(bt.DefaultUnit())
		for _, a := range allocs {
			allocated = allocated.Add(a.Amount)
		}
		expected = expected.Sub(e.Amount.Abs().Sub(allocated))
	}

	assert.True(t, wallet.Available(bt).Equal(expected),
		"available %v != derived %v", wallet.Available(bt).Value, expected.Value)
}

// =============================================================================
// RESERVE
// =============================================================================

func TestEngine_Reserve_DrawsPrevYearFirst(t *testing.T) {
	// GIVEN: 5 days AP and 10 days AC
	// WHEN: reserving 7 days under the default policy
	// THEN: AP is drained before AC and available drops to 8

	engine, store := newTestEngine(t, ledger.Config{})
	ctx := context.Background()

	mustDeposit(t, engine, "emp-1", 2026, ledger.BucketPrevYear, 5, nil)
	mustDeposit(t, engine, "emp-1", 2026, ledger.BucketCurrYear, 10, nil)

	summary, err := engine.Reserve(ctx, ledger.ReserveArgs{
		UserID: "emp-1", Year: 2026, BalanceType: ledger.Vacation,
		Amount: days(7), Reference: "req-1", CreatedBy: "workflow",
	})
	require.NoError(t, err)
	require.Len(t, summary.Allocations, 2)
	assert.True(t, summary.Allocations[0].Amount.Equal(days(5)))
	assert.True(t, summary.Allocations[1].Amount.Equal(days(2)))
	assert.True(t, summary.Overdraft.IsZero())

	wallet, err := store.GetWallet(ctx, "emp-1", 2026)
	require.NoError(t, err)
	assert.True(t, wallet.Available(ledger.Vacation).Equal(days(8)))
	assert.True(t, wallet.VacationPrev.Available.IsZero())
	assert.True(t, wallet.VacationPrev.Pending.Equal(days(5)))
	assert.True(t, wallet.VacationCurr.Pending.Equal(days(2)))

	requireInvariant(t, store, "emp-1", 2026, ledger.Vacation)
}

func TestEngine_Reserve_Insufficient_NothingWritten(t *testing.T) {
	engine, store := newTestEngine(t, ledger.Config{})
	ctx := context.Background()

	mustDeposit(t, engine, "emp-1", 2026, ledger.BucketCurrYear, 3, nil)

	_, err := engine.Reserve(ctx, ledger.ReserveArgs{
		UserID: "emp-1", Year: 2026, BalanceType: ledger.Vacation,
		Amount: days(5), Reference: "req-1",
	})
	var insufficient *ledger.InsufficientBalanceError
	require.ErrorAs(t, err, &insufficient)
	assert.Equal(t, "emp-1", insufficient.UserID)
	assert.True(t, insufficient.Shortfall.Equal(days(2)))

	// Nothing was written: wallet unchanged, no reservation entry.
	wallet, err := store.GetWallet(ctx, "emp-1", 2026)
	require.NoError(t, err)
	assert.True(t, wallet.Available(ledger.Vacation).Equal(days(3)))
	entries, err := store.EntriesByReference(ctx, "req-1")
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestEngine_Reserve_Overdraft_WhenNegativePermitted(t *testing.T) {
	engine, store := newTestEngine(t, ledger.Config{AllowNegative: true})
	ctx := context.Background()

	mustDeposit(t, engine, "emp-1", 2026, ledger.BucketCurrYear, 3, nil)

	summary, err := engine.Reserve(ctx, ledger.ReserveArgs{
		UserID: "emp-1", Year: 2026, BalanceType: ledger.Vacation,
		Amount: days(5), Reference: "req-1",
	})
	require.NoError(t, err)
	assert.True(t, summary.Overdraft.Equal(days(2)))

	wallet, err := store.GetWallet(ctx, "emp-1", 2026)
	require.NoError(t, err)
	assert.True(t, wallet.Available(ledger.Vacation).Equal(days(-2)))

	requireInvariant(t, store, "emp-1", 2026, ledger.Vacation)
}

func TestEngine_Reserve_SmartExpiry_TakesSoonestExpiring(t *testing.T) {
	// GIVEN: 5 days expiring in 10 days and 5 days expiring in 100 days
	// WHEN: reserving 3 days with smart deduction enabled
	// THEN: the soon-expiring deposit is the one drawn down

	engine, store := newTestEngine(t, ledger.Config{SmartDeduction: true})
	ctx := context.Background()

	soon := time.Now().AddDate(0, 0, 10)
	late := time.Now().AddDate(0, 0, 100)
	mustDeposit(t, engine, "emp-1", 2026, ledger.BucketPrevYear, 5, &late)
	mustDeposit(t, engine, "emp-1", 2026, ledger.BucketCurrYear, 5, &soon)

	summary, err := engine.Reserve(ctx, ledger.ReserveArgs{
		UserID: "emp-1", Year: 2026, BalanceType: ledger.Vacation,
		Amount: days(3), Reference: "req-1",
	})
	require.NoError(t, err)
	require.Len(t, summary.Allocations, 1)

	deposits, err := store.OpenDeposits(ctx, "emp-1", 2026, ledger.Vacation, time.Now())
	require.NoError(t, err)
	for _, d := range deposits {
		if d.ID == summary.Allocations[0].DepositEntryID {
			require.NotNil(t, d.ExpiresOn)
			assert.WithinDuration(t, soon, *d.ExpiresOn, time.Second)
		}
	}
}

func TestEngine_Reserve_ClosedWallet_Rejected(t *testing.T) {
	engine, _ := newTestEngine(t, ledger.Config{})
	ctx := context.Background()

	mustDeposit(t, engine, "emp-1", 2026, ledger.BucketCurrYear, 10, nil)
	_, err := engine.Rollover(ctx, "emp-1", 2026)
	require.NoError(t, err)

	_, err = engine.Reserve(ctx, ledger.ReserveArgs{
		UserID: "emp-1", Year: 2026, BalanceType: ledger.Vacation,
		Amount: days(1), Reference: "req-1",
	})
	assert.ErrorIs(t, err, ledger.ErrWalletClosed)
}

// =============================================================================
// RELEASE AND FINALIZE
// =============================================================================

func TestEngine_ReserveRelease_RoundTrip(t *testing.T) {
	// GIVEN: a reservation drawing from two deposits
	// WHEN: releasing the reference
	// THEN: the exact remainders are restored and availability is back

	engine, store := newTestEngine(t, ledger.Config{})
	ctx := context.Background()

	mustDeposit(t, engine, "emp-1", 2026, ledger.BucketPrevYear, 5, nil)
	mustDeposit(t, engine, "emp-1", 2026, ledger.BucketCurrYear, 10, nil)

	_, err := engine.Reserve(ctx, ledger.ReserveArgs{
		UserID: "emp-1", Year: 2026, BalanceType: ledger.Vacation,
		Amount: days(7), Reference: "req-1",
	})
	require.NoError(t, err)

	require.NoError(t, engine.Release(ctx, "req-1", "workflow"))

	wallet, err := store.GetWallet(ctx, "emp-1", 2026)
	require.NoError(t, err)
	assert.True(t, wallet.Available(ledger.Vacation).Equal(days(15)))
	assert.True(t, wallet.VacationPrev.Available.Equal(days(5)))
	assert.True(t, wallet.VacationCurr.Available.Equal(days(10)))
	assert.True(t, wallet.VacationPrev.Pending.IsZero())

	requireInvariant(t, store, "emp-1", 2026, ledger.Vacation)
}

func TestEngine_Release_UnknownReference_NoOp(t *testing.T) {
	engine, _ := newTestEngine(t, ledger.Config{})

	// Release must stay idempotent for workflow retries.
	assert.NoError(t, engine.Release(context.Background(), "never-reserved", "workflow"))
}

func TestEngine_Release_Twice_SecondIsNoOp(t *testing.T) {
	engine, store := newTestEngine(t, ledger.Config{})
	ctx := context.Background()

	mustDeposit(t, engine, "emp-1", 2026, ledger.BucketCurrYear, 10, nil)
	_, err := engine.Reserve(ctx, ledger.ReserveArgs{
		UserID: "emp-1", Year: 2026, BalanceType: ledger.Vacation,
		Amount: days(4), Reference: "req-1",
	})
	require.NoError(t, err)

	require.NoError(t, engine.Release(ctx, "req-1", "workflow"))
	require.NoError(t, engine.Release(ctx, "req-1", "workflow"))

	wallet, err := store.GetWallet(ctx, "emp-1", 2026)
	require.NoError(t, err)
	assert.True(t, wallet.Available(ledger.Vacation).Equal(days(10)),
		"double release must not restore twice")
}

func TestEngine_Finalize_ConvertsReservationToConsumption(t *testing.T) {
	engine, store := newTestEngine(t, ledger.Config{LegalMinimumDays: 20})
	ctx := context.Background()

	mustDeposit(t, engine, "emp-1", 2026, ledger.BucketCurrYear, 10, nil)
	_, err := engine.Reserve(ctx, ledger.ReserveArgs{
		UserID: "emp-1", Year: 2026, BalanceType: ledger.Vacation,
		Amount: days(4), Reference: "req-1",
	})
	require.NoError(t, err)

	require.NoError(t, engine.Finalize(ctx, "req-1", "manager"))

	wallet, err := store.GetWallet(ctx, "emp-1", 2026)
	require.NoError(t, err)
	assert.True(t, wallet.VacationCurr.Pending.IsZero(), "pending moves to used")
	assert.True(t, wallet.VacationCurr.Used.Equal(days(4)))
	assert.True(t, wallet.Available(ledger.Vacation).Equal(days(6)))
	assert.True(t, wallet.LegalMinimumUsed.Equal(days(4)))

	// A finalized request can still be released (request cancelled after
	// approval), restoring the same deposits.
	require.NoError(t, engine.Release(ctx, "req-1", "manager"))
	wallet, err = store.GetWallet(ctx, "emp-1", 2026)
	require.NoError(t, err)
	assert.True(t, wallet.Available(ledger.Vacation).Equal(days(10)))
	assert.True(t, wallet.VacationCurr.Used.IsZero())

	requireInvariant(t, store, "emp-1", 2026, ledger.Vacation)
}

func TestEngine_Finalize_RedrawLargerThanLeftoverRemainder(t *testing.T) {
	// GIVEN: a single 10 day deposit with 6 days reserved, so its leftover
	// remainder (4) is smaller than the reservation
	// WHEN: finalizing, which restores the reservation's draw-downs and
	// re-draws them under the consumption in one atomic change
	// THEN: the re-draw succeeds against the restored remainder

	engine, store := newTestEngine(t, ledger.Config{})
	ctx := context.Background()

	mustDeposit(t, engine, "emp-1", 2026, ledger.BucketCurrYear, 10, nil)
	_, err := engine.Reserve(ctx, ledger.ReserveArgs{
		UserID: "emp-1", Year: 2026, BalanceType: ledger.Vacation,
		Amount: days(6), Reference: "req-1",
	})
	require.NoError(t, err)

	require.NoError(t, engine.Finalize(ctx, "req-1", "manager"))

	wallet, err := store.GetWallet(ctx, "emp-1", 2026)
	require.NoError(t, err)
	assert.True(t, wallet.VacationCurr.Used.Equal(days(6)))
	assert.True(t, wallet.VacationCurr.Pending.IsZero())
	assert.True(t, wallet.Available(ledger.Vacation).Equal(days(4)))

	requireInvariant(t, store, "emp-1", 2026, ledger.Vacation)
}

// hookedStore runs a hook before delegating Apply, for staging writes that
// race with the engine's own.
type hookedStore struct {
	ledger.Store
	beforeApply func(ledger.Change) error
}

func (s *hookedStore) Apply(ctx context.Context, change ledger.Change) (*ledger.Wallet, error) {
	if s.beforeApply != nil {
		if err := s.beforeApply(change); err != nil {
			return nil, err
		}
	}
	return s.Store.Apply(ctx, change)
}

func TestEngine_Release_ConcurrentReleaseWinsRace_NoOp(t *testing.T) {
	// GIVEN: two workers releasing the same reference; the other worker's
	// release commits first, leaving this one with a version conflict
	// WHEN: this worker retries
	// THEN: it re-reads, sees the reservation already reversed, and no-ops
	// instead of restoring the deposits a second time

	inner := memory.New()
	store := &hookedStore{Store: inner}
	engine := ledger.NewEngine(store, ledger.Config{MaxRetries: 3}, zerolog.Nop())
	ctx := context.Background()

	mustDeposit(t, engine, "emp-1", 2026, ledger.BucketCurrYear, 10, nil)
	_, err := engine.Reserve(ctx, ledger.ReserveArgs{
		UserID: "emp-1", Year: 2026, BalanceType: ledger.Vacation,
		Amount: days(4), Reference: "req-1",
	})
	require.NoError(t, err)

	store.beforeApply = func(change ledger.Change) error {
		store.beforeApply = nil
		// The competing worker lands the same release first.
		if _, err := inner.Apply(ctx, change); err != nil {
			return err
		}
		return ledger.ErrConcurrentModification
	}

	require.NoError(t, engine.Release(ctx, "req-1", "workflow"))

	wallet, err := store.GetWallet(ctx, "emp-1", 2026)
	require.NoError(t, err)
	assert.True(t, wallet.Available(ledger.Vacation).Equal(days(10)),
		"the winning release restored the deposits; the retry must not restore again")
	requireInvariant(t, store, "emp-1", 2026, ledger.Vacation)
}

// =============================================================================
// ACCRUAL DEPOSITS
// =============================================================================

func TestEngine_DepositAccrual_Idempotent(t *testing.T) {
	engine, store := newTestEngine(t, ledger.Config{})
	ctx := context.Background()

	args := ledger.AccrualDepositArgs{
		UserID: "emp-1", Year: 2026, BalanceType: ledger.Vacation,
		Amount: days(2.1667), Period: "2026-03", Reason: "accrual for 2026-03",
	}
	require.NoError(t, engine.DepositAccrual(ctx, args))
	require.NoError(t, engine.DepositAccrual(ctx, args), "re-run must be a no-op")

	wallet, err := store.GetWallet(ctx, "emp-1", 2026)
	require.NoError(t, err)
	assert.True(t, wallet.Available(ledger.Vacation).Equal(days(2.1667)),
		"the grant must land exactly once")
	assert.NotNil(t, wallet.LastAccrualOn)
}

// =============================================================================
// EXPIRY
// =============================================================================

func TestEngine_ExpireOutstanding_ZeroesOverdueRemainders(t *testing.T) {
	engine, store := newTestEngine(t, ledger.Config{})
	ctx := context.Background()

	past := time.Now().Add(-24 * time.Hour)
	mustDeposit(t, engine, "emp-1", 2026, ledger.BucketPrevYear, 5, &past)
	mustDeposit(t, engine, "emp-1", 2026, ledger.BucketCurrYear, 10, nil)

	report, err := engine.ExpireOutstanding(ctx, time.Now())
	require.NoError(t, err)
	assert.Equal(t, 1, report.DepositsExpired)
	assert.Equal(t, 1, report.Wallets)
	assert.Equal(t, 0, report.Failed)

	wallet, err := store.GetWallet(ctx, "emp-1", 2026)
	require.NoError(t, err)
	assert.True(t, wallet.VacationPrev.Expired.Equal(days(5)))
	assert.True(t, wallet.VacationPrev.Available.IsZero())
	assert.True(t, wallet.Available(ledger.Vacation).Equal(days(10)))

	// The sweep is idempotent: nothing left to expire.
	report, err = engine.ExpireOutstanding(ctx, time.Now())
	require.NoError(t, err)
	assert.Equal(t, 0, report.DepositsExpired)
}

// =============================================================================
// YEAR ROLLOVER
// =============================================================================

func TestEngine_Rollover_CarriesUnusedIntoPrevYearBucket(t *testing.T) {
	// GIVEN: 10 unused vacation days in 2026
	// WHEN: rolling over into 2027
	// THEN: 2026 closes and 2027 starts with 10 AP days expiring June 30

	engine, store := newTestEngine(t, ledger.Config{
		CarryoverExpiryMonth: time.June,
		CarryoverExpiryDay:   30,
	})
	ctx := context.Background()

	mustDeposit(t, engine, "emp-1", 2026, ledger.BucketCurrYear, 10, nil)

	report, err := engine.Rollover(ctx, "emp-1", 2026)
	require.NoError(t, err)
	assert.True(t, report.VacationCarried.Equal(days(10)))
	assert.Equal(t, time.Date(2027, time.June, 30, 0, 0, 0, 0, time.UTC), report.APExpiresOn)

	oldWallet, err := store.GetWallet(ctx, "emp-1", 2026)
	require.NoError(t, err)
	assert.Equal(t, ledger.WalletClosed, oldWallet.Status)
	assert.True(t, oldWallet.Available(ledger.Vacation).IsZero())

	newWallet, err := store.GetWallet(ctx, "emp-1", 2027)
	require.NoError(t, err)
	assert.True(t, newWallet.VacationPrev.Available.Equal(days(10)))
	assert.True(t, newWallet.VacationCurr.Available.IsZero())
	require.NotNil(t, newWallet.APExpiresOn)
	assert.Equal(t, report.APExpiresOn, *newWallet.APExpiresOn)
}

func TestEngine_Rollover_PrevYearBalanceDoesNotCarryTwice(t *testing.T) {
	// GIVEN: 4 unused AP days (last year's carryover) and 10 unused AC days
	// WHEN: rolling over
	// THEN: only the 10 AC days carry; the AP remainder is drained with the
	// closing wallet

	engine, store := newTestEngine(t, ledger.Config{})
	ctx := context.Background()

	mustDeposit(t, engine, "emp-1", 2026, ledger.BucketPrevYear, 4, nil)
	mustDeposit(t, engine, "emp-1", 2026, ledger.BucketCurrYear, 10, nil)

	report, err := engine.Rollover(ctx, "emp-1", 2026)
	require.NoError(t, err)
	assert.True(t, report.VacationCarried.Equal(days(10)))

	oldWallet, err := store.GetWallet(ctx, "emp-1", 2026)
	require.NoError(t, err)
	assert.True(t, oldWallet.Available(ledger.Vacation).IsZero(),
		"closed wallet must hold no spendable remainder")

	newWallet, err := store.GetWallet(ctx, "emp-1", 2027)
	require.NoError(t, err)
	assert.True(t, newWallet.VacationPrev.Available.Equal(days(10)))
}

func TestEngine_Rollover_Idempotent(t *testing.T) {
	engine, store := newTestEngine(t, ledger.Config{})
	ctx := context.Background()

	mustDeposit(t, engine, "emp-1", 2026, ledger.BucketCurrYear, 10, nil)

	_, err := engine.Rollover(ctx, "emp-1", 2026)
	require.NoError(t, err)
	_, err = engine.Rollover(ctx, "emp-1", 2026)
	require.NoError(t, err, "repeat rollover must be a no-op")

	newWallet, err := store.GetWallet(ctx, "emp-1", 2027)
	require.NoError(t, err)
	assert.True(t, newWallet.VacationPrev.Available.Equal(days(10)),
		"carryover must not double-grant")
}

// flakyYearStore fails Apply calls targeting failYear until failures runs
// out, simulating an outage between the two halves of a rollover.
type flakyYearStore struct {
	ledger.Store
	failYear int
	failures int
}

func (s *flakyYearStore) Apply(ctx context.Context, change ledger.Change) (*ledger.Wallet, error) {
	if change.Year == s.failYear && s.failures > 0 {
		s.failures--
		return nil, errors.New("store unavailable")
	}
	return s.Store.Apply(ctx, change)
}

func TestEngine_Rollover_ResumesAfterInHalfFailure(t *testing.T) {
	// GIVEN: a rollover whose drain of 2026 committed but whose deposit into
	// 2027 failed
	// WHEN: rolling over again
	// THEN: the carry is recovered from the drain entries and deposited,
	// nothing is lost

	store := &flakyYearStore{Store: memory.New(), failYear: 2027, failures: 1}
	engine := ledger.NewEngine(store, ledger.Config{MaxRetries: 3}, zerolog.Nop())
	ctx := context.Background()

	mustDeposit(t, engine, "emp-1", 2026, ledger.BucketCurrYear, 10, nil)

	_, err := engine.Rollover(ctx, "emp-1", 2026)
	require.Error(t, err)

	oldWallet, err := store.GetWallet(ctx, "emp-1", 2026)
	require.NoError(t, err)
	require.Equal(t, ledger.WalletClosed, oldWallet.Status,
		"the drain half committed before the failure")

	report, err := engine.Rollover(ctx, "emp-1", 2026)
	require.NoError(t, err)
	assert.True(t, report.VacationCarried.Equal(days(10)))

	newWallet, err := store.GetWallet(ctx, "emp-1", 2027)
	require.NoError(t, err)
	require.NotNil(t, newWallet)
	assert.True(t, newWallet.VacationPrev.Available.Equal(days(10)))
	require.NotNil(t, newWallet.APExpiresOn)
}

// =============================================================================
// OPTIMISTIC CONCURRENCY
// =============================================================================

// conflictingStore fails the first n Apply calls with a version conflict.
type conflictingStore struct {
	ledger.Store
	failures int
}

func (s *conflictingStore) Apply(ctx context.Context, change ledger.Change) (*ledger.Wallet, error) {
	if s.failures > 0 {
		s.failures--
		return nil, ledger.ErrConcurrentModification
	}
	return s.Store.Apply(ctx, change)
}

func TestEngine_Reserve_RetriesOnConflict(t *testing.T) {
	store := &conflictingStore{Store: memory.New(), failures: 2}
	engine := ledger.NewEngine(store, ledger.Config{MaxRetries: 3}, zerolog.Nop())
	ctx := context.Background()

	store.failures = 0
	mustDeposit(t, engine, "emp-1", 2026, ledger.BucketCurrYear, 10, nil)
	store.failures = 2

	_, err := engine.Reserve(ctx, ledger.ReserveArgs{
		UserID: "emp-1", Year: 2026, BalanceType: ledger.Vacation,
		Amount: days(3), Reference: "req-1",
	})
	require.NoError(t, err, "two conflicts fit inside three attempts")
}

func TestEngine_Reserve_SurfacesConflictAfterRetryBudget(t *testing.T) {
	store := &conflictingStore{Store: memory.New()}
	engine := ledger.NewEngine(store, ledger.Config{MaxRetries: 3}, zerolog.Nop())
	ctx := context.Background()

	mustDeposit(t, engine, "emp-1", 2026, ledger.BucketCurrYear, 10, nil)
	store.failures = 5

	_, err := engine.Reserve(ctx, ledger.ReserveArgs{
		UserID: "emp-1", Year: 2026, BalanceType: ledger.Vacation,
		Amount: days(3), Reference: "req-1",
	})
	var conflict *ledger.ConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, 3, conflict.Attempts)
	assert.True(t, ledger.IsRetryable(err))
}

// =============================================================================
// BALANCE SUMMARY
// =============================================================================

func TestEngine_BalanceSummary_LegalMinimum(t *testing.T) {
	engine, _ := newTestEngine(t, ledger.Config{LegalMinimumDays: 20})
	ctx := context.Background()

	mustDeposit(t, engine, "emp-1", 2026, ledger.BucketCurrYear, 26, nil)
	_, err := engine.Reserve(ctx, ledger.ReserveArgs{
		UserID: "emp-1", Year: 2026, BalanceType: ledger.Vacation,
		Amount: days(21), Reference: "req-1",
	})
	require.NoError(t, err)
	require.NoError(t, engine.Finalize(ctx, "req-1", "manager"))

	summary, err := engine.BalanceSummary(ctx, "emp-1", 2026)
	require.NoError(t, err)
	assert.Equal(t, 20, summary.LegalMinimum.RequiredDays)
	assert.True(t, summary.LegalMinimum.UsedDays.Equal(days(21)))
	assert.True(t, summary.LegalMinimum.Compliant)
	assert.True(t, summary.Vacation.Available.Equal(days(5)))
	assert.True(t, summary.Vacation.Used.Equal(days(21)))
}

func TestEngine_BalanceSummary_UnknownUser_Zeroes(t *testing.T) {
	engine, _ := newTestEngine(t, ledger.Config{LegalMinimumDays: 20})

	summary, err := engine.BalanceSummary(context.Background(), "ghost", 2026)
	require.NoError(t, err)
	assert.Equal(t, ledger.WalletActive, summary.Status)
	assert.True(t, summary.Vacation.Available.IsZero())
	assert.False(t, summary.LegalMinimum.Compliant)
}
