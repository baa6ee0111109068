/*
planner.go - Deduction planning: which deposits a debit draws from

PURPOSE:
  Given the requested amount and the open deposits of a (user, year,
  balance type), decide which deposits to draw from and by how much.

POLICIES:
  BucketOrder (default):
    Prior-year bucket (AP) before current-year (AC), oldest deposits first
    within a bucket. This is the classic "spend last year's days before
    they expire at the cutoff" ordering.

  SmartExpiry (feature-flagged):
    Soonest-expiring deposits first regardless of bucket, deposits without
    an expiry date last, creation order as the tiebreak. Strictly better at
    minimizing expired balance when deposits carry heterogeneous expiries.

ALGORITHM:
  Greedy walk of the ordered candidates taking min(remaining, still needed)
  from each. All-or-nothing: if the candidates cannot cover the requested
  amount, no allocation is returned and the caller gets
  InsufficientBalanceError with the exact shortfall.
*/
package ledger

import "sort"

// DeductionPolicy selects the candidate ordering for the planner.
type DeductionPolicy string

const (
	BucketOrder DeductionPolicy = "bucket_order"
	SmartExpiry DeductionPolicy = "smart_expiry"
)

// Planner is pure: it never touches storage, it only orders candidates and
// splits the requested amount across them.
type Planner struct {
	Policy DeductionPolicy
}

// Plan returns the draw-downs covering amount, or InsufficientBalanceError.
// The returned allocations carry deposit IDs and amounts; the engine fills
// in allocation IDs and the debit entry ID when it writes the change.
func (p Planner) Plan(deposits []Entry, amount Amount) ([]Allocation, error) {
	candidates := make([]Entry, 0, len(deposits))
	available := amount.Zero()
	for _, d := range deposits {
		if !d.RemainingAmount.IsPositive() {
			continue
		}
		candidates = append(candidates, d)
		available = available.Add(d.RemainingAmount)
	}

	if available.LessThan(amount) {
		return nil, &InsufficientBalanceError{
			Available: available,
			Requested: amount,
			Shortfall: amount.Sub(available),
		}
	}

	p.order(candidates)

	var allocations []Allocation
	needed := amount
	for _, d := range candidates {
		if !needed.IsPositive() {
			break
		}
		take := d.RemainingAmount.Min(needed)
		allocations = append(allocations, Allocation{
			DepositEntryID: d.ID,
			Amount:         take,
		})
		needed = needed.Sub(take)
	}
	return allocations, nil
}

// PlanUpTo is the overdraft variant: it allocates as much as the candidates
// cover and reports how much is left uncovered. Used only when negative
// balances are explicitly permitted.
func (p Planner) PlanUpTo(deposits []Entry, amount Amount) (allocations []Allocation, shortfall Amount) {
	allocations, err := p.Plan(deposits, amount)
	if err == nil {
		return allocations, amount.Zero()
	}
	insufficient := err.(*InsufficientBalanceError)
	if insufficient.Available.IsPositive() {
		// Covered portion cannot fail: we plan exactly what is available.
		allocations, _ = p.Plan(deposits, insufficient.Available)
	}
	return allocations, insufficient.Shortfall
}

func (p Planner) order(candidates []Entry) {
	switch p.Policy {
	case SmartExpiry:
		sort.SliceStable(candidates, func(i, j int) bool {
			a, b := candidates[i], candidates[j]
			switch {
			case a.ExpiresOn == nil && b.ExpiresOn == nil:
				return a.CreatedAt.Before(b.CreatedAt)
			case a.ExpiresOn == nil:
				return false
			case b.ExpiresOn == nil:
				return true
			case !a.ExpiresOn.Equal(*b.ExpiresOn):
				return a.ExpiresOn.Before(*b.ExpiresOn)
			default:
				return a.CreatedAt.Before(b.CreatedAt)
			}
		})
	default: // BucketOrder
		sort.SliceStable(candidates, func(i, j int) bool {
			a, b := candidates[i], candidates[j]
			if a.Bucket != b.Bucket {
				return a.Bucket == BucketPrevYear
			}
			return a.CreatedAt.Before(b.CreatedAt)
		})
	}
}
