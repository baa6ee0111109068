package sqlite_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/leave-ledger/ledger"
	"github.com/warp/leave-ledger/store/sqlite"
)

// =============================================================================
// TEST SETUP
// =============================================================================

func newTestStore(t *testing.T) *sqlite.Store {
	t.Helper()
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func days(v float64) ledger.Amount {
	return ledger.NewAmount(v, ledger.UnitDays)
}

func accrualEntry(userID string, year int, period string, amount float64) ledger.Entry {
	return ledger.Entry{
		ID:              uuid.NewString(),
		UserID:          userID,
		Year:            year,
		BalanceType:     ledger.Vacation,
		Kind:            ledger.KindAccrual,
		Bucket:          ledger.BucketCurrYear,
		Amount:          days(amount),
		RemainingAmount: days(amount),
		BalanceAfter:    days(0),
		Period:          period,
		IdempotencyKey:  "accrual:" + userID + ":" + period + ":vacation",
		CreatedBy:       "accrual-engine",
		CreatedAt:       time.Now().UTC(),
	}
}

// =============================================================================
// APPLY AND SNAPSHOT
// =============================================================================

func TestStore_Apply_CreatesWalletLazily(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	wallet, err := store.GetWallet(ctx, "emp-1", 2026)
	require.NoError(t, err)
	assert.Nil(t, wallet, "no wallet before the first operation")

	wallet, err = store.Apply(ctx, ledger.Change{
		UserID: "emp-1", Year: 2026,
		Entries: []ledger.Entry{accrualEntry("emp-1", 2026, "2026-01", 2)},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1), wallet.Version)
	assert.Equal(t, ledger.WalletActive, wallet.Status)
	assert.True(t, wallet.VacationCurr.Available.Equal(days(2)))

	// The persisted snapshot matches what Apply returned.
	stored, err := store.GetWallet(ctx, "emp-1", 2026)
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, wallet.Version, stored.Version)
	assert.True(t, stored.VacationCurr.Available.Equal(days(2)))
	assert.True(t, stored.VacationCurr.Accrued.Equal(days(2)))
}

func TestStore_Apply_VersionConflict(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, err := store.Apply(ctx, ledger.Change{
		UserID: "emp-1", Year: 2026,
		Entries: []ledger.Entry{accrualEntry("emp-1", 2026, "2026-01", 2)},
	})
	require.NoError(t, err)

	// A writer holding the pre-write version (0) is stale now.
	_, err = store.Apply(ctx, ledger.Change{
		UserID: "emp-1", Year: 2026, ExpectedVersion: 0,
		Entries: []ledger.Entry{accrualEntry("emp-1", 2026, "2026-02", 2)},
	})
	assert.ErrorIs(t, err, ledger.ErrConcurrentModification)

	// The current version goes through.
	_, err = store.Apply(ctx, ledger.Change{
		UserID: "emp-1", Year: 2026, ExpectedVersion: 1,
		Entries: []ledger.Entry{accrualEntry("emp-1", 2026, "2026-02", 2)},
	})
	assert.NoError(t, err)
}

func TestStore_Apply_DuplicateAccrual(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, err := store.Apply(ctx, ledger.Change{
		UserID: "emp-1", Year: 2026,
		Entries: []ledger.Entry{accrualEntry("emp-1", 2026, "2026-01", 2)},
	})
	require.NoError(t, err)

	_, err = store.Apply(ctx, ledger.Change{
		UserID: "emp-1", Year: 2026, ExpectedVersion: 1,
		Entries: []ledger.Entry{accrualEntry("emp-1", 2026, "2026-01", 2)},
	})
	assert.ErrorIs(t, err, ledger.ErrDuplicateAccrual)

	// The failed Apply left nothing behind.
	wallet, err := store.GetWallet(ctx, "emp-1", 2026)
	require.NoError(t, err)
	assert.Equal(t, int64(1), wallet.Version)
	assert.True(t, wallet.VacationCurr.Available.Equal(days(2)))

	has, err := store.HasAccrual(ctx, "emp-1", 2026, "2026-01", ledger.Vacation)
	require.NoError(t, err)
	assert.True(t, has)
}

func TestStore_Apply_DrawsAndRestores(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	dep := accrualEntry("emp-1", 2026, "2026-01", 5)
	_, err := store.Apply(ctx, ledger.Change{
		UserID: "emp-1", Year: 2026, Entries: []ledger.Entry{dep},
	})
	require.NoError(t, err)

	reservation := ledger.Entry{
		ID: uuid.NewString(), UserID: "emp-1", Year: 2026,
		BalanceType: ledger.Vacation, Kind: ledger.KindReservation,
		Amount: days(3).Neg(), RemainingAmount: days(0), BalanceAfter: days(2),
		Reference: "req-1", CreatedAt: time.Now().UTC(),
	}
	alloc := ledger.Allocation{
		ID: uuid.NewString(), DebitEntryID: reservation.ID,
		DepositEntryID: dep.ID, Amount: days(3),
	}
	wallet, err := store.Apply(ctx, ledger.Change{
		UserID: "emp-1", Year: 2026, ExpectedVersion: 1,
		Entries: []ledger.Entry{reservation},
		Draws:   []ledger.Allocation{alloc},
	})
	require.NoError(t, err)
	assert.True(t, wallet.VacationCurr.Available.Equal(days(2)))
	assert.True(t, wallet.VacationCurr.Pending.Equal(days(3)))

	deposits, err := store.OpenDeposits(ctx, "emp-1", 2026, ledger.Vacation, time.Now())
	require.NoError(t, err)
	require.Len(t, deposits, 1)
	assert.True(t, deposits[0].RemainingAmount.Equal(days(2)))

	allocs, err := store.AllocationsByDebit(ctx, reservation.ID)
	require.NoError(t, err)
	require.Len(t, allocs, 1)
	assert.True(t, allocs[0].Amount.Equal(days(3)))

	// Release: restore the exact draw.
	release := ledger.Entry{
		ID: uuid.NewString(), UserID: "emp-1", Year: 2026,
		BalanceType: ledger.Vacation, Kind: ledger.KindRelease,
		Amount: days(3), RemainingAmount: days(0), BalanceAfter: days(5),
		Reference: "req-1", Reverses: reservation.ID, CreatedAt: time.Now().UTC(),
	}
	wallet, err = store.Apply(ctx, ledger.Change{
		UserID: "emp-1", Year: 2026, ExpectedVersion: 2,
		Entries:  []ledger.Entry{release},
		Restores: []ledger.Allocation{alloc},
	})
	require.NoError(t, err)
	assert.True(t, wallet.VacationCurr.Available.Equal(days(5)))
	assert.True(t, wallet.VacationCurr.Pending.IsZero())
}

func TestStore_Apply_RestoresBeforeDraws(t *testing.T) {
	// A finalize-shaped change restores the reservation's allocation and
	// re-draws the same deposit under the consumption. With 6 of 10 days
	// drawn the leftover remainder (4) is smaller than the re-draw, so the
	// change only balances if the restore lands first.
	store := newTestStore(t)
	ctx := context.Background()

	dep := accrualEntry("emp-1", 2026, "2026-01", 10)
	_, err := store.Apply(ctx, ledger.Change{
		UserID: "emp-1", Year: 2026, Entries: []ledger.Entry{dep},
	})
	require.NoError(t, err)

	reservation := ledger.Entry{
		ID: uuid.NewString(), UserID: "emp-1", Year: 2026,
		BalanceType: ledger.Vacation, Kind: ledger.KindReservation,
		Amount: days(6).Neg(), RemainingAmount: days(0), BalanceAfter: days(4),
		Reference: "req-1", CreatedAt: time.Now().UTC(),
	}
	resAlloc := ledger.Allocation{
		ID: uuid.NewString(), DebitEntryID: reservation.ID,
		DepositEntryID: dep.ID, Amount: days(6),
	}
	_, err = store.Apply(ctx, ledger.Change{
		UserID: "emp-1", Year: 2026, ExpectedVersion: 1,
		Entries: []ledger.Entry{reservation},
		Draws:   []ledger.Allocation{resAlloc},
	})
	require.NoError(t, err)

	consumption := ledger.Entry{
		ID: uuid.NewString(), UserID: "emp-1", Year: 2026,
		BalanceType: ledger.Vacation, Kind: ledger.KindConsumption,
		Amount: days(6).Neg(), RemainingAmount: days(0), BalanceAfter: days(4),
		Reference: "req-1", Reverses: reservation.ID, CreatedAt: time.Now().UTC(),
	}
	wallet, err := store.Apply(ctx, ledger.Change{
		UserID: "emp-1", Year: 2026, ExpectedVersion: 2,
		Entries:  []ledger.Entry{consumption},
		Restores: []ledger.Allocation{resAlloc},
		Draws: []ledger.Allocation{{
			ID: uuid.NewString(), DebitEntryID: consumption.ID,
			DepositEntryID: dep.ID, Amount: days(6),
		}},
	})
	require.NoError(t, err)
	assert.True(t, wallet.VacationCurr.Used.Equal(days(6)))
	assert.True(t, wallet.VacationCurr.Pending.IsZero())
	assert.True(t, wallet.VacationCurr.Available.Equal(days(4)))

	deposits, err := store.OpenDeposits(ctx, "emp-1", 2026, ledger.Vacation, time.Now())
	require.NoError(t, err)
	require.Len(t, deposits, 1)
	assert.True(t, deposits[0].RemainingAmount.Equal(days(4)),
		"net of restore and re-draw")
}

func TestStore_Apply_OverdrawRejected(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	dep := accrualEntry("emp-1", 2026, "2026-01", 2)
	_, err := store.Apply(ctx, ledger.Change{
		UserID: "emp-1", Year: 2026, Entries: []ledger.Entry{dep},
	})
	require.NoError(t, err)

	// A draw beyond the remainder must fail and write nothing.
	debit := ledger.Entry{
		ID: uuid.NewString(), UserID: "emp-1", Year: 2026,
		BalanceType: ledger.Vacation, Kind: ledger.KindReservation,
		Amount: days(3).Neg(), RemainingAmount: days(0), BalanceAfter: days(0),
		Reference: "req-1", CreatedAt: time.Now().UTC(),
	}
	_, err = store.Apply(ctx, ledger.Change{
		UserID: "emp-1", Year: 2026, ExpectedVersion: 1,
		Entries: []ledger.Entry{debit},
		Draws: []ledger.Allocation{{
			ID: uuid.NewString(), DebitEntryID: debit.ID,
			DepositEntryID: dep.ID, Amount: days(3),
		}},
	})
	require.Error(t, err)

	deposits, err := store.OpenDeposits(ctx, "emp-1", 2026, ledger.Vacation, time.Now())
	require.NoError(t, err)
	require.Len(t, deposits, 1)
	assert.True(t, deposits[0].RemainingAmount.Equal(days(2)), "rolled back")
	entries, err := store.EntriesByReference(ctx, "req-1")
	require.NoError(t, err)
	assert.Empty(t, entries, "rolled back")
}

// =============================================================================
// QUERIES
// =============================================================================

func TestStore_ListEntries_FiltersAndOrders(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	jan := accrualEntry("emp-1", 2026, "2026-01", 2)
	jan.CreatedAt = time.Date(2026, 1, 31, 0, 0, 0, 0, time.UTC)
	feb := accrualEntry("emp-1", 2026, "2026-02", 2)
	feb.CreatedAt = time.Date(2026, 2, 28, 0, 0, 0, 0, time.UTC)
	rol := accrualEntry("emp-1", 2026, "2026-01", 8)
	rol.BalanceType = ledger.Rol
	rol.IdempotencyKey = "accrual:emp-1:2026-01:rol"

	_, err := store.Apply(ctx, ledger.Change{
		UserID: "emp-1", Year: 2026,
		Entries: []ledger.Entry{feb, jan, rol},
	})
	require.NoError(t, err)

	all, err := store.ListEntries(ctx, "emp-1", 2026, nil)
	require.NoError(t, err)
	assert.Len(t, all, 3)
	assert.Equal(t, jan.ID, all[0].ID, "creation-time order")

	bt := ledger.Vacation
	vacation, err := store.ListEntries(ctx, "emp-1", 2026, &bt)
	require.NoError(t, err)
	assert.Len(t, vacation, 2)
}

func TestStore_ExpiringDeposits(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	overdue := accrualEntry("emp-1", 2026, "2026-01", 5)
	past := time.Date(2026, 6, 30, 0, 0, 0, 0, time.UTC)
	overdue.ExpiresOn = &past

	fresh := accrualEntry("emp-1", 2026, "2026-02", 5)
	future := time.Date(2027, 6, 30, 0, 0, 0, 0, time.UTC)
	fresh.ExpiresOn = &future

	_, err := store.Apply(ctx, ledger.Change{
		UserID: "emp-1", Year: 2026,
		Entries: []ledger.Entry{overdue, fresh},
	})
	require.NoError(t, err)

	cutoff := time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC)
	expiring, err := store.ExpiringDeposits(ctx, cutoff)
	require.NoError(t, err)
	require.Len(t, expiring, 1)
	assert.Equal(t, overdue.ID, expiring[0].ID)
}

func TestStore_Apply_CloseWalletAndMetadata(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	apExpiry := time.Date(2027, 6, 30, 0, 0, 0, 0, time.UTC)
	accruedOn := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	_, err := store.Apply(ctx, ledger.Change{
		UserID: "emp-1", Year: 2026,
		Entries:       []ledger.Entry{accrualEntry("emp-1", 2026, "2026-01", 2)},
		CloseWallet:   true,
		APExpiresOn:   &apExpiry,
		LastAccrualOn: &accruedOn,
	})
	require.NoError(t, err)

	wallet, err := store.GetWallet(ctx, "emp-1", 2026)
	require.NoError(t, err)
	assert.Equal(t, ledger.WalletClosed, wallet.Status)
	require.NotNil(t, wallet.APExpiresOn)
	assert.True(t, apExpiry.Equal(*wallet.APExpiresOn))
	require.NotNil(t, wallet.LastAccrualOn)
	assert.True(t, accruedOn.Equal(*wallet.LastAccrualOn))
}
