/*
errors.go - Centralized error types for the ledger core

ERROR CATEGORIES:
  1. Business rule violations - surfaced to the caller (insufficient balance)
  2. Transient conflicts - retried internally, then surfaced as retryable
  3. Idempotency guards - treated as no-op successes and logged

Callers discriminate with errors.Is / errors.As; structured errors wrap the
matching sentinel via Unwrap().
*/
package ledger

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrInsufficientBalance is returned when a reservation exceeds the
	// spendable balance and negative balances are not permitted.
	ErrInsufficientBalance = errors.New("insufficient balance")

	// ErrConcurrentModification is returned when the wallet snapshot changed
	// between read and write. The engine retries a bounded number of times
	// before surfacing it to the caller.
	ErrConcurrentModification = errors.New("concurrent wallet modification")

	// ErrDuplicateAccrual is returned by the store when an accrual for the
	// same (user, year, period, balance type) already exists. The engine
	// treats it as a no-op success.
	ErrDuplicateAccrual = errors.New("accrual already recorded for period")

	// ErrDuplicateEntry is returned when a non-accrual idempotency key is
	// replayed.
	ErrDuplicateEntry = errors.New("duplicate idempotency key")

	// ErrReleaseWithoutReservation marks a release for a reference that was
	// never reserved. Logged as a warning and treated as a no-op so release
	// stays idempotent.
	ErrReleaseWithoutReservation = errors.New("release without matching reservation")

	// ErrWalletClosed is returned for writes against a wallet that has been
	// rolled over into the next year.
	ErrWalletClosed = errors.New("wallet closed by year rollover")

	// ErrInvalidAmount is returned for zero or negative operation amounts.
	ErrInvalidAmount = errors.New("amount must be positive")
)

// =============================================================================
// STRUCTURED ERRORS
// =============================================================================

// InsufficientBalanceError carries the shortfall details for the caller.
type InsufficientBalanceError struct {
	UserID      string
	Year        int
	BalanceType BalanceType
	Available   Amount
	Requested   Amount
	Shortfall   Amount
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("insufficient %s balance for %s/%d: available %v, requested %v, shortfall %v",
		e.BalanceType, e.UserID, e.Year, e.Available.Value, e.Requested.Value, e.Shortfall.Value)
}

func (e *InsufficientBalanceError) Unwrap() error {
	return ErrInsufficientBalance
}

// ConflictError is surfaced after the bounded retry budget is exhausted.
type ConflictError struct {
	UserID   string
	Year     int
	Attempts int
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("wallet %s/%d still contended after %d attempts", e.UserID, e.Year, e.Attempts)
}

func (e *ConflictError) Unwrap() error {
	return ErrConcurrentModification
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the caller may retry the whole operation.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConcurrentModification)
}

// IsClientError returns true if the error is due to the caller's request.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInsufficientBalance) ||
		errors.Is(err, ErrInvalidAmount) ||
		errors.Is(err, ErrWalletClosed)
}
