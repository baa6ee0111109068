/*
engine.go - Monthly accrual batch driver

PURPOSE:
  Walks the user roster once per month, resolves each user's contracts and
  their configured calculation modes, computes the vacation and ROL grants,
  and deposits them through the ledger engine.

PARALLELISM:
  Users are independent, so the batch fans out across a bounded worker pool.
  Within one user everything is serial: the user's ledger wallet must not
  race with itself (a concurrent reserve is handled by the ledger's
  optimistic retry, but the batch never creates that contention on its own).

RE-RUN SAFETY:
  Deposits are keyed by (user, period, balance type), so re-running a month
  is a no-op. Aborting mid-batch commits nothing extra and rolls back
  nothing: already-deposited users stay deposited, the rest are picked up by
  the next run.
*/
package accrual

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/warp/leave-ledger/ledger"
)

// Depositor is the slice of the ledger engine the batch needs.
type Depositor interface {
	DepositAccrual(ctx context.Context, args ledger.AccrualDepositArgs) error
	CarryoverExpiry(year int) time.Time
}

type Engine struct {
	deposits  Depositor
	contracts ContractProvider
	registry  *Registry
	workers   int
	log       zerolog.Logger
}

func NewEngine(deposits Depositor, contracts ContractProvider, registry *Registry, workers int, log zerolog.Logger) *Engine {
	if workers < 1 {
		workers = 4
	}
	return &Engine{
		deposits:  deposits,
		contracts: contracts,
		registry:  registry,
		workers:   workers,
		log:       log.With().Str("component", "accrual-engine").Logger(),
	}
}

// Report summarizes one batch run.
type Report struct {
	Year      int
	Month     time.Month
	Users     int
	Succeeded int
	Failed    int
	Deposits  int
	Elapsed   time.Duration
}

// RunMonth accrues one calendar month for the given users, or for the whole
// roster when users is nil. Partial failures are logged and counted; the
// batch keeps going so one broken contract cannot starve everyone else.
func (e *Engine) RunMonth(ctx context.Context, users []string, year int, month time.Month) (*Report, error) {
	started := time.Now()
	if users == nil {
		var err error
		users, err = e.contracts.Users(ctx)
		if err != nil {
			return nil, fmt.Errorf("loading user roster: %w", err)
		}
	}

	report := &Report{Year: year, Month: month, Users: len(users)}
	e.log.Info().Int("year", year).Str("month", month.String()).
		Int("users", len(users)).Int("workers", e.workers).Msg("accrual run starting")

	type result struct {
		deposits int
		err      error
	}
	queue := make(chan string)
	results := make(chan result, len(users))

	var wg sync.WaitGroup
	for i := 0; i < e.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for userID := range queue {
				n, err := e.accrueUser(ctx, userID, year, month)
				if err != nil {
					e.log.Error().Err(err).Str("user", userID).
						Msg("accrual failed for user")
				}
				results <- result{deposits: n, err: err}
			}
		}()
	}

feed:
	for _, userID := range users {
		select {
		case <-ctx.Done():
			break feed
		case queue <- userID:
		}
	}
	close(queue)
	wg.Wait()
	close(results)

	for r := range results {
		if r.err != nil {
			report.Failed++
		} else {
			report.Succeeded++
		}
		report.Deposits += r.deposits
	}
	report.Elapsed = time.Since(started)

	e.log.Info().Int("succeeded", report.Succeeded).Int("failed", report.Failed).
		Int("deposits", report.Deposits).Dur("elapsed", report.Elapsed).
		Msg("accrual run finished")
	if err := ctx.Err(); err != nil {
		return report, err
	}
	return report, nil
}

// accrueUser computes and deposits one user's grants for the month. Multiple
// overlapping contracts (for instance a part-time raise mid-month) sum into
// a single deposit per balance type and period key.
func (e *Engine) accrueUser(ctx context.Context, userID string, year int, month time.Month) (int, error) {
	period := Month(year, month)
	contracts, err := e.contracts.ActiveContracts(ctx, userID, period.Start, period.End)
	if err != nil {
		return 0, err
	}
	if len(contracts) == 0 {
		e.log.Debug().Str("user", userID).Str("period", period.Key()).
			Msg("no active contract, skipping")
		return 0, nil
	}

	type grantKey struct {
		bt     ledger.BalanceType
		period string
	}
	grants := make(map[grantKey]decimal.Decimal)

	for _, contract := range contracts {
		parts := []struct {
			bt     ledger.BalanceType
			annual decimal.Decimal
			mode   string
			params Params
		}{
			{ledger.Vacation, contract.ProratedVacationDays(), contract.VacationMode, contract.VacationParams},
			{ledger.Rol, contract.ProratedRolHours(), contract.RolMode, contract.RolParams},
		}
		for _, part := range parts {
			if part.annual.IsZero() {
				continue
			}
			strategy, err := e.registry.Resolve(part.mode)
			if err != nil {
				return 0, err
			}
			// Yearly grants are keyed and evaluated per year so the
			// monthly batch lands them exactly once.
			p := period
			if strategy.Code() == YearlyFlat {
				p = Year(year)
			}
			amount := strategy.Accrue(part.annual, contract, p, part.params)
			if !amount.IsPositive() {
				continue
			}
			key := grantKey{bt: part.bt, period: p.Key()}
			grants[key] = grants[key].Add(amount)
		}
	}

	expiry := e.deposits.CarryoverExpiry(year)
	deposited := 0
	for key, amount := range grants {
		err := e.deposits.DepositAccrual(ctx, ledger.AccrualDepositArgs{
			UserID:      userID,
			Year:        year,
			BalanceType: key.bt,
			Amount:      ledger.Amount{Value: amount, Unit: key.bt.DefaultUnit()},
			Period:      key.period,
			ExpiresOn:   &expiry,
			Reason:      "accrual for " + key.period,
		})
		if err != nil {
			return deposited, err
		}
		deposited++
	}
	return deposited, nil
}
