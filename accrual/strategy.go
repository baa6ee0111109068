/*
Package accrual grants periodic leave balance from employment contracts.

PURPOSE:
  Turns contract terms (annual entitlement, part-time percentage, calculation
  mode) into deposits on the ledger, once per user per period, idempotently.

PIECES:
  - Strategy / Registry (this file): pluggable accrual formulas keyed by a
    mode identifier carried on the contract
  - strategies.go: the built-in formulas
  - contracts.go: the external contract provider
  - engine.go: the batch driver that walks users and deposits

STRATEGIES ARE PURE:
  (annual amount, contract, period) -> accrued amount. No clock, no storage,
  no side effects. Everything stateful lives in the engine.
*/
package accrual

import (
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// Code identifies an accrual formula. Contracts carry it as their
// configured calculation mode.
type Code string

const (
	MonthlyStd Code = "monthly_std" // annual / divisor, subject to minimum active days
	Daily365   Code = "daily_365"   // (annual / 365) * overlap days
	Daily260   Code = "daily_260"   // (annual / 260) * overlap days, working-day basis
	YearlyFlat Code = "yearly_flat" // full annual amount, once per year
)

// Params tune a strategy. Zero values mean "use the strategy's default".
type Params struct {
	// Divisor splits the annual amount for monthly_std. Default 12.
	Divisor int `json:"divisor,omitempty" yaml:"divisor,omitempty"`

	// MinActiveDays is the minimum contract overlap with the period for
	// monthly_std to grant anything. Default 15.
	MinActiveDays int `json:"min_active_days,omitempty" yaml:"min_active_days,omitempty"`

	// YearBasis overrides the day basis of the daily strategies.
	YearBasis int `json:"year_basis,omitempty" yaml:"year_basis,omitempty"`
}

// Strategy computes the accrued amount for one contract over one period.
type Strategy interface {
	Code() Code
	Accrue(annual decimal.Decimal, contract Contract, period Period, params Params) decimal.Decimal
}

// ErrUnknownStrategy is the sentinel under UnknownStrategyError.
var ErrUnknownStrategy = errors.New("unknown accrual strategy")

// UnknownStrategyError names the mode identifier that did not resolve.
type UnknownStrategyError struct {
	Requested string
}

func (e *UnknownStrategyError) Error() string {
	return fmt.Sprintf("unknown accrual strategy %q", e.Requested)
}

func (e *UnknownStrategyError) Unwrap() error {
	return ErrUnknownStrategy
}

// Registry resolves mode identifiers to strategies. In strict mode an
// unknown identifier fails resolution with UnknownStrategyError so the
// misconfigured contract surfaces in the batch report. With strict off it
// degrades to monthly_std with a warning, for deployments that prefer a
// standard grant over a missed one.
type Registry struct {
	strategies map[Code]Strategy
	fallback   Code
	strict     bool
	log        zerolog.Logger
}

// NewRegistry builds a registry with every built-in strategy registered and
// monthly_std as the fallback.
func NewRegistry(log zerolog.Logger, strict bool) *Registry {
	r := &Registry{
		strategies: make(map[Code]Strategy),
		fallback:   MonthlyStd,
		strict:     strict,
		log:        log.With().Str("component", "accrual-registry").Logger(),
	}
	r.Register(monthlyStdStrategy{})
	r.Register(dailyStrategy{code: Daily365, basis: 365})
	r.Register(dailyStrategy{code: Daily260, basis: 260})
	r.Register(yearlyFlatStrategy{})
	return r
}

// Register adds or replaces a strategy.
func (r *Registry) Register(s Strategy) {
	r.strategies[s.Code()] = s
}

// Resolve returns the strategy for a contract's mode identifier.
func (r *Registry) Resolve(mode string) (Strategy, error) {
	if s, ok := r.strategies[Code(mode)]; ok {
		return s, nil
	}
	if r.strict {
		return nil, &UnknownStrategyError{Requested: mode}
	}
	r.log.Warn().Str("requested", mode).Str("fallback", string(r.fallback)).
		Msg("unknown accrual strategy, using fallback")
	return r.strategies[r.fallback], nil
}
