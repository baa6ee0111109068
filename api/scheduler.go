/*
scheduler.go - Scheduled accrual and expiry runs

PURPOSE:
  Drives the two maintenance passes on cron schedules:
  - monthly accrual batch (default: 1st of the month, 03:00)
  - expiry sweep (default: nightly, 04:00)

Both jobs are idempotent, so an overlapping manual trigger through the admin
endpoints is harmless.
*/
package api

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/warp/leave-ledger/accrual"
	"github.com/warp/leave-ledger/ledger"
)

// Scheduler manages the cron jobs.
type Scheduler struct {
	cron    *cron.Cron
	ledger  *ledger.Engine
	accrual *accrual.Engine
	log     zerolog.Logger
	ctx     context.Context
}

func NewScheduler(ctx context.Context, l *ledger.Engine, a *accrual.Engine, log zerolog.Logger) *Scheduler {
	return &Scheduler{
		cron:    cron.New(),
		ledger:  l,
		accrual: a,
		log:     log.With().Str("component", "scheduler").Logger(),
		ctx:     ctx,
	}
}

// Register wires the accrual and expiry jobs to their cron expressions.
func (s *Scheduler) Register(monthlyCron, expiryCron string) error {
	if _, err := s.cron.AddFunc(monthlyCron, s.monthlyAccrual); err != nil {
		return fmt.Errorf("register monthly accrual: %w", err)
	}
	if _, err := s.cron.AddFunc(expiryCron, s.expirySweep); err != nil {
		return fmt.Errorf("register expiry sweep: %w", err)
	}
	return nil
}

// Start starts the cron scheduler.
func (s *Scheduler) Start() {
	s.cron.Start()
	s.log.Info().Msg("scheduler started")
}

// Stop stops the scheduler and waits for a running job to finish.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
	s.log.Info().Msg("scheduler stopped")
}

// monthlyAccrual accrues the previous calendar month: when the job fires on
// the 1st, the month that just ended is the one owed its grants.
func (s *Scheduler) monthlyAccrual() {
	year, month := previousMonth(time.Now().UTC())
	report, err := s.accrual.RunMonth(s.ctx, nil, year, month)
	if err != nil {
		s.log.Error().Err(err).Msg("scheduled accrual run failed")
		return
	}
	s.log.Info().Int("succeeded", report.Succeeded).Int("failed", report.Failed).
		Msg("scheduled accrual run done")
}

// previousMonth returns the calendar month before the one containing t.
// AddDate normalizes day overflow (March 31 minus one month lands on
// March 3), so the walk goes through the last day of the previous month.
func previousMonth(t time.Time) (int, time.Month) {
	last := time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC).AddDate(0, 0, -1)
	return last.Year(), last.Month()
}

func (s *Scheduler) expirySweep() {
	report, err := s.ledger.ExpireOutstanding(s.ctx, time.Now().UTC())
	if err != nil {
		s.log.Error().Err(err).Msg("scheduled expiry sweep failed")
		return
	}
	s.log.Info().Int("wallets", report.Wallets).Int("deposits", report.DepositsExpired).
		Msg("scheduled expiry sweep done")
}
