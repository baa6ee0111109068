package accrual_test

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/leave-ledger/accrual"
)

// =============================================================================
// TEST SETUP
// =============================================================================

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func contract(start string, end string) accrual.Contract {
	c := accrual.Contract{
		Start:              mustDate(start),
		AnnualVacationDays: dec("26"),
		AnnualRolHours:     dec("104"),
		PartTimePercent:    dec("100"),
		VacationMode:       string(accrual.MonthlyStd),
		RolMode:            string(accrual.MonthlyStd),
	}
	if end != "" {
		e := mustDate(end)
		c.End = &e
	}
	return c
}

func mustDate(s string) time.Time {
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		panic(err)
	}
	return t
}

func resolve(t *testing.T, code accrual.Code) accrual.Strategy {
	t.Helper()
	registry := accrual.NewRegistry(zerolog.Nop(), false)
	s, err := registry.Resolve(string(code))
	require.NoError(t, err)
	return s
}

// =============================================================================
// MONTHLY STANDARD
// =============================================================================

func TestMonthlyStd_FullMonth(t *testing.T) {
	// 26 annual days over 12 months: one twelfth per full month.
	s := resolve(t, accrual.MonthlyStd)
	got := s.Accrue(dec("26"), contract("2020-01-01", ""), accrual.Month(2026, time.March), accrual.Params{})
	assert.True(t, got.Equal(dec("26").Div(dec("12"))), "got %s", got)
}

func TestMonthlyStd_MinActiveDays(t *testing.T) {
	period := accrual.Month(2026, time.March)

	// Hired March 10: 22 active days, above the 15 day floor.
	got := resolve(t, accrual.MonthlyStd).Accrue(dec("26"), contract("2026-03-10", ""), period, accrual.Params{})
	assert.False(t, got.IsZero(), "22 active days should accrue")

	// Hired March 20: 12 active days, below the floor.
	got = resolve(t, accrual.MonthlyStd).Accrue(dec("26"), contract("2026-03-20", ""), period, accrual.Params{})
	assert.True(t, got.IsZero(), "12 active days should accrue nothing")
}

func TestMonthlyStd_ContractOutsidePeriod(t *testing.T) {
	// Contract ended before the period: zero accrual.
	got := resolve(t, accrual.MonthlyStd).Accrue(dec("26"),
		contract("2020-01-01", "2026-01-31"), accrual.Month(2026, time.March), accrual.Params{})
	assert.True(t, got.IsZero())
}

func TestMonthlyStd_CustomDivisor(t *testing.T) {
	got := resolve(t, accrual.MonthlyStd).Accrue(dec("26"), contract("2020-01-01", ""),
		accrual.Month(2026, time.March), accrual.Params{Divisor: 13})
	assert.True(t, got.Equal(dec("26").Div(dec("13"))))
}

// =============================================================================
// DAILY STRATEGIES
// =============================================================================

func TestDaily365_ProRatesByOverlapDays(t *testing.T) {
	// March has 31 days: (365/365) * 31 = 31.
	got := resolve(t, accrual.Daily365).Accrue(dec("365"), contract("2020-01-01", ""),
		accrual.Month(2026, time.March), accrual.Params{})
	assert.True(t, got.Equal(dec("31")), "got %s", got)
}

func TestDaily365_PartialOverlap(t *testing.T) {
	// Contract starts March 22: 10 overlap days.
	got := resolve(t, accrual.Daily365).Accrue(dec("365"), contract("2026-03-22", ""),
		accrual.Month(2026, time.March), accrual.Params{})
	assert.True(t, got.Equal(dec("10")), "got %s", got)
}

func TestDaily260_UsesWorkingDayBasis(t *testing.T) {
	got := resolve(t, accrual.Daily260).Accrue(dec("260"), contract("2020-01-01", ""),
		accrual.Month(2026, time.March), accrual.Params{})
	assert.True(t, got.Equal(dec("31")), "260/260 per day over 31 days")
}

// =============================================================================
// YEARLY FLAT
// =============================================================================

func TestYearlyFlat_FullAmountOnAnyOverlap(t *testing.T) {
	got := resolve(t, accrual.YearlyFlat).Accrue(dec("26"), contract("2026-11-15", ""),
		accrual.Year(2026), accrual.Params{})
	assert.True(t, got.Equal(dec("26")))
}

func TestYearlyFlat_NoOverlap(t *testing.T) {
	got := resolve(t, accrual.YearlyFlat).Accrue(dec("26"), contract("2027-01-01", ""),
		accrual.Year(2026), accrual.Params{})
	assert.True(t, got.IsZero())
}

// =============================================================================
// REGISTRY
// =============================================================================

func TestRegistry_UnknownStrategy_FallsBack(t *testing.T) {
	registry := accrual.NewRegistry(zerolog.Nop(), false)

	s, err := registry.Resolve("no_such_mode")
	require.NoError(t, err)
	assert.Equal(t, accrual.MonthlyStd, s.Code(), "unknown modes degrade to the standard grant")
}

func TestRegistry_UnknownStrategy_StrictMode(t *testing.T) {
	registry := accrual.NewRegistry(zerolog.Nop(), true)

	_, err := registry.Resolve("no_such_mode")
	require.Error(t, err)
	var unknown *accrual.UnknownStrategyError
	require.ErrorAs(t, err, &unknown)
	assert.Equal(t, "no_such_mode", unknown.Requested)
	assert.ErrorIs(t, err, accrual.ErrUnknownStrategy)
}

// =============================================================================
// PERIOD KEYS
// =============================================================================

func TestPeriod_Keys(t *testing.T) {
	assert.Equal(t, "2026-03", accrual.Month(2026, time.March).Key())
	assert.Equal(t, "2026", accrual.Year(2026).Key())
}

// =============================================================================
// PRORATION
// =============================================================================

func TestContract_PartTimeProration(t *testing.T) {
	c := contract("2020-01-01", "")
	c.PartTimePercent = dec("50")

	assert.True(t, c.ProratedVacationDays().Equal(dec("13")))
	assert.True(t, c.ProratedRolHours().Equal(dec("52")))
}
