/*
summary.go - Balance summary projection

Read-only view over the wallet snapshot: per-type, per-bucket totals plus the
statutory-minimum compliance check reported to HR. Never recomputes from the
ledger; Apply already did that.
*/
package ledger

import (
	"context"
	"time"
)

// BucketSummary is the external projection of one bucket's totals.
type BucketSummary struct {
	Accrued   Amount `json:"accrued"`
	Used      Amount `json:"used"`
	Pending   Amount `json:"pending"`
	Expired   Amount `json:"expired"`
	Available Amount `json:"available"`
}

// TypeSummary aggregates one balance type across both buckets.
type TypeSummary struct {
	Unit      Unit          `json:"unit"`
	PrevYear  BucketSummary `json:"prev_year"`
	CurrYear  BucketSummary `json:"current_year"`
	Available Amount        `json:"available"`
	Pending   Amount        `json:"pending"`
	Used      Amount        `json:"used"`
}

// LegalMinimumStatus reports progress against the statutory vacation minimum.
type LegalMinimumStatus struct {
	RequiredDays int    `json:"required_days"`
	UsedDays     Amount `json:"used_days"`
	Compliant    bool   `json:"compliant"`
}

// Summary is the full balance view for one user and year.
type Summary struct {
	UserID string       `json:"user_id"`
	Year   int          `json:"year"`
	Status WalletStatus `json:"status"`

	Vacation TypeSummary `json:"vacation"`
	Rol      TypeSummary `json:"rol"`
	Permit   TypeSummary `json:"permit"`

	LegalMinimum  LegalMinimumStatus `json:"legal_minimum"`
	APExpiresOn   *time.Time         `json:"ap_expires_on,omitempty"`
	LastAccrualOn *time.Time         `json:"last_accrual_on,omitempty"`
}

// BalanceSummary projects the wallet snapshot into the external summary
// shape. A user with no ledger activity gets an all-zero active summary.
func (e *Engine) BalanceSummary(ctx context.Context, userID string, year int) (*Summary, error) {
	wallet, err := e.store.GetWallet(ctx, userID, year)
	if err != nil {
		return nil, err
	}
	if wallet == nil {
		wallet = NewWallet(userID, year)
	}

	s := &Summary{
		UserID:        userID,
		Year:          year,
		Status:        wallet.Status,
		Vacation:      typeSummary(wallet, Vacation),
		Rol:           typeSummary(wallet, Rol),
		Permit:        typeSummary(wallet, Permit),
		APExpiresOn:   wallet.APExpiresOn,
		LastAccrualOn: wallet.LastAccrualOn,
	}
	required := NewAmountFromInt(e.cfg.LegalMinimumDays, UnitDays)
	s.LegalMinimum = LegalMinimumStatus{
		RequiredDays: e.cfg.LegalMinimumDays,
		UsedDays:     wallet.LegalMinimumUsed,
		Compliant:    !wallet.LegalMinimumUsed.LessThan(required),
	}
	return s, nil
}

func typeSummary(w *Wallet, bt BalanceType) TypeSummary {
	prev := bucketSummary(w.Totals(bt, BucketPrevYear))
	curr := bucketSummary(w.Totals(bt, BucketCurrYear))
	return TypeSummary{
		Unit:      bt.DefaultUnit(),
		PrevYear:  prev,
		CurrYear:  curr,
		Available: prev.Available.Add(curr.Available),
		Pending:   prev.Pending.Add(curr.Pending),
		Used:      prev.Used.Add(curr.Used),
	}
}

func bucketSummary(t *BucketTotals) BucketSummary {
	return BucketSummary{
		Accrued:   t.Accrued,
		Used:      t.Used,
		Pending:   t.Pending,
		Expired:   t.Expired,
		Available: t.Available,
	}
}
