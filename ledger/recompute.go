/*
recompute.go - Wallet snapshot derivation

The wallet is a cache, never a source of truth. Store implementations call
RecomputeWallet inside the same unit of work that appends entries, so the
snapshot can never drift from the ledger. The derivation rules:

  accrued[bucket]   = sum of deposit amounts written into the bucket
  available[bucket] = sum of remainders of unexpired deposits in the bucket
  pending[bucket]   = outstanding reservation draws against the bucket
  used[bucket]      = outstanding consumption draws against the bucket
  expired[bucket]   = remainders zeroed by expiry entries

A debit is outstanding until an entry reverses it (release, or the
consumption written by finalize). Draws of a settled debit are excluded
wholesale: the release restored the remainders, and the finalize re-drew
them under the consumption entry.

An unallocated debit portion only exists when negative balances were
explicitly permitted; it is attributed to the current-year bucket and
subtracted from its availability, which is how a wallet goes negative.
*/
package ledger

import "time"

// RecomputeWallet rebuilds every derived field of w from the full entry and
// allocation sets of its (user, year). Version, UserID, Year, Status and the
// metadata fields are left untouched.
func RecomputeWallet(w *Wallet, entries []Entry, allocations []Allocation, asOf time.Time) {
	w.VacationPrev = zeroTotals(UnitDays)
	w.VacationCurr = zeroTotals(UnitDays)
	w.RolPrev = zeroTotals(UnitHours)
	w.RolCurr = zeroTotals(UnitHours)
	w.Permit = zeroTotals(UnitHours)
	w.LegalMinimumUsed = ZeroAmount(UnitDays)

	byID := make(map[string]*Entry, len(entries))
	reversed := make(map[string]bool)
	for i := range entries {
		e := &entries[i]
		byID[e.ID] = e
		if e.Reverses != "" {
			reversed[e.Reverses] = true
		}
	}

	allocsByDebit := make(map[string][]Allocation)
	for _, a := range allocations {
		allocsByDebit[a.DebitEntryID] = append(allocsByDebit[a.DebitEntryID], a)
	}

	for i := range entries {
		e := &entries[i]

		if e.IsDeposit() {
			t := w.Totals(e.BalanceType, e.Bucket)
			t.Accrued = t.Accrued.Add(e.Amount)
			if !e.Expired(asOf) {
				t.Available = t.Available.Add(e.RemainingAmount)
			}
			continue
		}

		if !e.IsDebit() {
			continue
		}

		if e.Kind == KindExpiry {
			for _, a := range allocsByDebit[e.ID] {
				if dep := byID[a.DepositEntryID]; dep != nil {
					t := w.Totals(e.BalanceType, dep.Bucket)
					t.Expired = t.Expired.Add(a.Amount)
				}
			}
			continue
		}

		// Negative adjustments (rollover out, admin corrections) drain
		// remainders without counting as usage.
		if e.Kind == KindAdjustment {
			continue
		}

		if reversed[e.ID] {
			continue
		}

		unit := e.BalanceType.DefaultUnit()
		allocated := ZeroAmount(unit)
		for _, a := range allocsByDebit[e.ID] {
			dep := byID[a.DepositEntryID]
			if dep == nil {
				continue
			}
			t := w.Totals(e.BalanceType, dep.Bucket)
			switch e.Kind {
			case KindReservation:
				t.Pending = t.Pending.Add(a.Amount)
			case KindConsumption:
				t.Used = t.Used.Add(a.Amount)
			}
			allocated = allocated.Add(a.Amount)
		}

		// Overdraft portion: permitted negative balance, held against AC.
		shortfall := e.Amount.Abs().Sub(allocated)
		if shortfall.IsPositive() {
			t := w.Totals(e.BalanceType, BucketCurrYear)
			switch e.Kind {
			case KindReservation:
				t.Pending = t.Pending.Add(shortfall)
			case KindConsumption:
				t.Used = t.Used.Add(shortfall)
			}
			t.Available = t.Available.Sub(shortfall)
		}
	}

	w.LegalMinimumUsed = w.VacationPrev.Used.Add(w.VacationCurr.Used)
	w.UpdatedAt = asOf
}
