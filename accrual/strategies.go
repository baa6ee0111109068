/*
strategies.go - Built-in accrual formulas

All formulas work off the contract's overlap with the accrual period:
[max(contract.start, period.start), min(contract.end or infinity, period.end)],
counted in inclusive calendar days. Zero or negative overlap accrues nothing.
*/
package accrual

import (
	"time"

	"github.com/shopspring/decimal"
)

// Period is one accrual window, typically a calendar month.
type Period struct {
	Start time.Time
	End   time.Time // inclusive
}

// Month returns the period covering a calendar month.
func Month(year int, month time.Month) Period {
	start := time.Date(year, month, 1, 0, 0, 0, 0, time.UTC)
	return Period{Start: start, End: start.AddDate(0, 1, -1)}
}

// Year returns the period covering a calendar year.
func Year(year int) Period {
	return Period{
		Start: time.Date(year, time.January, 1, 0, 0, 0, 0, time.UTC),
		End:   time.Date(year, time.December, 31, 0, 0, 0, 0, time.UTC),
	}
}

// Key is the idempotency period key: "2026-03" for months, "2026" for years.
func (p Period) Key() string {
	if p.Start.Day() == 1 && p.Start.Month() == time.January &&
		p.End.Month() == time.December && p.End.Day() == 31 &&
		p.Start.Year() == p.End.Year() {
		return p.Start.Format("2006")
	}
	return p.Start.Format("2006-01")
}

// overlapDays counts the inclusive calendar days the contract is active
// within the period. An open-ended contract runs to the period end.
func overlapDays(c Contract, p Period) int {
	start := p.Start
	if c.Start.After(start) {
		start = c.Start
	}
	end := p.End
	if c.End != nil && c.End.Before(end) {
		end = *c.End
	}
	start = truncateDay(start)
	end = truncateDay(end)
	if end.Before(start) {
		return 0
	}
	return int(end.Sub(start).Hours()/24) + 1
}

func truncateDay(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// =============================================================================
// MONTHLY STANDARD - annual / divisor if active long enough
// =============================================================================

type monthlyStdStrategy struct{}

func (monthlyStdStrategy) Code() Code { return MonthlyStd }

// Accrue grants annual/divisor for the period when the contract was active
// at least MinActiveDays of it, zero otherwise. A hire on the 20th accrues
// nothing for that month; a hire on the 10th accrues the full twelfth.
func (monthlyStdStrategy) Accrue(annual decimal.Decimal, contract Contract, period Period, params Params) decimal.Decimal {
	divisor := params.Divisor
	if divisor <= 0 {
		divisor = 12
	}
	minActive := params.MinActiveDays
	if minActive <= 0 {
		minActive = 15
	}
	if overlapDays(contract, period) < minActive {
		return decimal.Zero
	}
	return annual.Div(decimal.NewFromInt(int64(divisor)))
}

// =============================================================================
// DAILY - (annual / year basis) per active day
// =============================================================================

type dailyStrategy struct {
	code  Code
	basis int
}

func (s dailyStrategy) Code() Code { return s.code }

func (s dailyStrategy) Accrue(annual decimal.Decimal, contract Contract, period Period, params Params) decimal.Decimal {
	basis := params.YearBasis
	if basis <= 0 {
		basis = s.basis
	}
	overlap := overlapDays(contract, period)
	if overlap <= 0 {
		return decimal.Zero
	}
	return annual.Div(decimal.NewFromInt(int64(basis))).Mul(decimal.NewFromInt(int64(overlap)))
}

// =============================================================================
// YEARLY FLAT - full annual amount in one grant
// =============================================================================

type yearlyFlatStrategy struct{}

func (yearlyFlatStrategy) Code() Code { return YearlyFlat }

// Accrue grants the full annual amount whenever the contract touches the
// period at all. The engine keys yearly_flat deposits by year, so the grant
// still lands at most once regardless of how often the batch runs.
func (yearlyFlatStrategy) Accrue(annual decimal.Decimal, contract Contract, period Period, params Params) decimal.Decimal {
	if overlapDays(contract, period) <= 0 {
		return decimal.Zero
	}
	return annual
}
