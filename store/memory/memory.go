/*
Package memory provides an in-memory ledger.Store for tests.

Same semantics as the SQLite store - optimistic versioning, idempotency-key
uniqueness, remainder ceilings - without the database. Everything returned
to callers is a copy, so tests cannot corrupt internal state by mutating
results.
*/
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/warp/leave-ledger/ledger"
)

type walletKey struct {
	UserID string
	Year   int
}

// Store implements ledger.Store with mutex-protected maps.
type Store struct {
	mu          sync.RWMutex
	wallets     map[walletKey]*ledger.Wallet
	entries     map[walletKey][]ledger.Entry
	allocations map[string][]ledger.Allocation // by debit entry id
	idemKeys    map[string]bool

	// Now is swappable in tests; defaults to time.Now.
	Now func() time.Time
}

func New() *Store {
	return &Store{
		wallets:     make(map[walletKey]*ledger.Wallet),
		entries:     make(map[walletKey][]ledger.Entry),
		allocations: make(map[string][]ledger.Allocation),
		idemKeys:    make(map[string]bool),
		Now:         time.Now,
	}
}

func (s *Store) Apply(ctx context.Context, change ledger.Change) (*ledger.Wallet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := walletKey{change.UserID, change.Year}
	wallet, ok := s.wallets[key]
	switch {
	case !ok && change.ExpectedVersion != 0:
		return nil, ledger.ErrConcurrentModification
	case ok && wallet.Version != change.ExpectedVersion:
		return nil, ledger.ErrConcurrentModification
	case !ok:
		wallet = ledger.NewWallet(change.UserID, change.Year)
	}

	// Validate idempotency keys before touching anything: Apply is
	// all-or-nothing.
	for _, e := range change.Entries {
		if e.IdempotencyKey != "" && s.idemKeys[e.IdempotencyKey] {
			if e.Kind == ledger.KindAccrual {
				return nil, ledger.ErrDuplicateAccrual
			}
			return nil, ledger.ErrDuplicateEntry
		}
	}

	entries := s.entries[key]
	index := make(map[string]int, len(entries))
	for i, e := range entries {
		index[e.ID] = i
	}

	// Dry-run remainder arithmetic on copies.
	staged := make(map[string]ledger.Amount)
	remaining := func(id string) (ledger.Amount, ledger.Entry, error) {
		i, ok := index[id]
		if !ok {
			return ledger.Amount{}, ledger.Entry{}, fmt.Errorf("deposit entry %s not found", id)
		}
		if r, ok := staged[id]; ok {
			return r, entries[i], nil
		}
		return entries[i].RemainingAmount, entries[i], nil
	}
	// Restores land before draws: a finalize restores the reservation's
	// allocations and re-draws them under the consumption in one change, and
	// the re-draw is only valid against the restored remainder.
	for _, a := range change.Restores {
		r, dep, err := remaining(a.DepositEntryID)
		if err != nil {
			return nil, err
		}
		next := r.Add(a.Amount)
		if next.GreaterThan(dep.Amount) {
			return nil, fmt.Errorf("deposit %s remainder would exceed original amount", a.DepositEntryID)
		}
		staged[a.DepositEntryID] = next
	}
	for _, a := range change.Draws {
		r, _, err := remaining(a.DepositEntryID)
		if err != nil {
			return nil, err
		}
		next := r.Sub(a.Amount)
		if next.IsNegative() {
			return nil, fmt.Errorf("deposit %s remainder would go negative: %w",
				a.DepositEntryID, ledger.ErrInsufficientBalance)
		}
		staged[a.DepositEntryID] = next
	}

	// Commit.
	for id, r := range staged {
		entries[index[id]].RemainingAmount = r
	}
	for _, e := range change.Entries {
		entries = append(entries, e)
		if e.IdempotencyKey != "" {
			s.idemKeys[e.IdempotencyKey] = true
		}
	}
	s.entries[key] = entries
	for _, a := range change.Draws {
		s.allocations[a.DebitEntryID] = append(s.allocations[a.DebitEntryID], a)
	}

	var allAllocs []ledger.Allocation
	for _, e := range entries {
		allAllocs = append(allAllocs, s.allocations[e.ID]...)
	}
	ledger.RecomputeWallet(wallet, entries, allAllocs, s.Now().UTC())
	wallet.Version++
	if change.CloseWallet {
		wallet.Status = ledger.WalletClosed
	}
	if change.APExpiresOn != nil {
		t := *change.APExpiresOn
		wallet.APExpiresOn = &t
	}
	if change.LastAccrualOn != nil {
		t := *change.LastAccrualOn
		wallet.LastAccrualOn = &t
	}
	s.wallets[key] = wallet

	out := *wallet
	return &out, nil
}

func (s *Store) GetWallet(ctx context.Context, userID string, year int) (*ledger.Wallet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	wallet, ok := s.wallets[walletKey{userID, year}]
	if !ok {
		return nil, nil
	}
	out := *wallet
	return &out, nil
}

func (s *Store) ListEntries(ctx context.Context, userID string, year int, balanceType *ledger.BalanceType) ([]ledger.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []ledger.Entry
	for _, e := range s.entries[walletKey{userID, year}] {
		if balanceType != nil && e.BalanceType != *balanceType {
			continue
		}
		out = append(out, e)
	}
	sortEntries(out)
	return out, nil
}

func (s *Store) OpenDeposits(ctx context.Context, userID string, year int, balanceType ledger.BalanceType, asOf time.Time) ([]ledger.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []ledger.Entry
	for _, e := range s.entries[walletKey{userID, year}] {
		if e.BalanceType != balanceType {
			continue
		}
		if e.IsDeposit() && e.RemainingAmount.IsPositive() && !e.Expired(asOf) {
			out = append(out, e)
		}
	}
	sortEntries(out)
	return out, nil
}

func (s *Store) EntriesByReference(ctx context.Context, reference string) ([]ledger.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []ledger.Entry
	for _, entries := range s.entries {
		for _, e := range entries {
			if e.Reference == reference {
				out = append(out, e)
			}
		}
	}
	sortEntries(out)
	return out, nil
}

func (s *Store) AllocationsByDebit(ctx context.Context, debitEntryID string) ([]ledger.Allocation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]ledger.Allocation, len(s.allocations[debitEntryID]))
	copy(out, s.allocations[debitEntryID])
	return out, nil
}

func (s *Store) HasAccrual(ctx context.Context, userID string, year int, period string, balanceType ledger.BalanceType) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, e := range s.entries[walletKey{userID, year}] {
		if e.Kind == ledger.KindAccrual && e.Period == period && e.BalanceType == balanceType {
			return true, nil
		}
	}
	return false, nil
}

func (s *Store) ExpiringDeposits(ctx context.Context, cutoff time.Time) ([]ledger.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []ledger.Entry
	for _, entries := range s.entries {
		for _, e := range entries {
			if e.IsDeposit() && e.RemainingAmount.IsPositive() &&
				e.ExpiresOn != nil && e.ExpiresOn.Before(cutoff) {
				out = append(out, e)
			}
		}
	}
	sortEntries(out)
	return out, nil
}

func sortEntries(entries []ledger.Entry) {
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].CreatedAt.Before(entries[j].CreatedAt)
	})
}
