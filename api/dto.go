/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication, decoupling the internal
  ledger model from the external contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

VALIDATION:
  Validation is done in handlers, not in DTOs. DTOs are pure data carriers.

SEE ALSO:
  - handlers.go: Uses these types
*/
package api

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/leave-ledger/ledger"
)

// =============================================================================
// REQUEST TYPES
// =============================================================================

// DepositRequest creates an administrative deposit.
type DepositRequest struct {
	BalanceType string          `json:"balance_type"`
	Bucket      string          `json:"bucket,omitempty"` // prev_year | current_year
	Amount      decimal.Decimal `json:"amount"`
	ExpiresOn   *time.Time      `json:"expires_on,omitempty"`
	Reference   string          `json:"reference,omitempty"`
	Reason      string          `json:"reason"`
	CreatedBy   string          `json:"created_by"`
}

// ReserveRequest holds balance for a leave request.
type ReserveRequest struct {
	UserID      string          `json:"user_id"`
	Year        int             `json:"year"`
	BalanceType string          `json:"balance_type"`
	Amount      decimal.Decimal `json:"amount"`
	Reference   string          `json:"reference"`
	CreatedBy   string          `json:"created_by"`
}

// SettleRequest finalizes or releases a reservation by reference.
type SettleRequest struct {
	Actor string `json:"actor"`
}

// AccrualRunRequest triggers a batch accrual run.
type AccrualRunRequest struct {
	Year  int      `json:"year"`
	Month int      `json:"month"`
	Users []string `json:"users,omitempty"` // empty = whole roster
}

// RolloverRequest closes a year and carries unused balance forward.
type RolloverRequest struct {
	UserID   string `json:"user_id"`
	FromYear int    `json:"from_year"`
}

// ExpiryRunRequest triggers an expiry sweep.
type ExpiryRunRequest struct {
	Cutoff *time.Time `json:"cutoff,omitempty"` // default: now
}

// =============================================================================
// RESPONSE TYPES
// =============================================================================

// ErrorResponse is the uniform error body.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// ReservationDTO reports how a reservation was covered.
type ReservationDTO struct {
	EntryID     string          `json:"entry_id"`
	Reference   string          `json:"reference"`
	Allocations []AllocationDTO `json:"allocations"`
	Overdraft   ledger.Amount   `json:"overdraft"`
}

// AllocationDTO is one draw-down against a deposit.
type AllocationDTO struct {
	DepositEntryID string        `json:"deposit_entry_id"`
	Amount         ledger.Amount `json:"amount"`
}

// EntryDTO is one ledger entry in API responses.
type EntryDTO struct {
	ID              string        `json:"id"`
	BalanceType     string        `json:"balance_type"`
	Kind            string        `json:"kind"`
	Bucket          string        `json:"bucket,omitempty"`
	Amount          ledger.Amount `json:"amount"`
	RemainingAmount ledger.Amount `json:"remaining_amount"`
	ExpiresOn       *time.Time    `json:"expires_on,omitempty"`
	Period          string        `json:"period,omitempty"`
	Reference       string        `json:"reference,omitempty"`
	Reason          string        `json:"reason,omitempty"`
	CreatedBy       string        `json:"created_by,omitempty"`
	CreatedAt       time.Time     `json:"created_at"`
}

func toEntryDTO(e ledger.Entry) EntryDTO {
	return EntryDTO{
		ID:              e.ID,
		BalanceType:     string(e.BalanceType),
		Kind:            string(e.Kind),
		Bucket:          string(e.Bucket),
		Amount:          e.Amount,
		RemainingAmount: e.RemainingAmount,
		ExpiresOn:       e.ExpiresOn,
		Period:          e.Period,
		Reference:       e.Reference,
		Reason:          e.Reason,
		CreatedBy:       e.CreatedBy,
		CreatedAt:       e.CreatedAt,
	}
}
