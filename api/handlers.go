/*
handlers.go - HTTP handlers for the leave ledger

ENDPOINTS:
  Balances:
    GET  /api/users/{id}/balance?year=     Balance summary
    GET  /api/users/{id}/entries?year=     Ledger history
    POST /api/users/{id}/deposits          Administrative deposit

  Reservations:
    POST /api/reservations                       Reserve balance
    POST /api/reservations/{reference}/finalize  Convert to consumption
    POST /api/reservations/{reference}/release   Undo

  Admin:
    POST /api/admin/accrual/run            Run the monthly accrual batch
    POST /api/admin/expiry/run             Run the expiry sweep
    POST /api/admin/rollover               Year rollover for one user

ERROR MAPPING:
  400: invalid input (bad amounts, unknown balance types)
  409: closed wallet, exhausted conflict retries
  422: insufficient balance, with the shortfall in the body
  500: everything else

SEE ALSO:
  - dto.go: request/response shapes
  - server.go: router and middleware
*/
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/warp/leave-ledger/accrual"
	"github.com/warp/leave-ledger/ledger"
)

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Ledger  *ledger.Engine
	Accrual *accrual.Engine
	Store   ledger.Store
	Log     zerolog.Logger
}

func NewHandler(l *ledger.Engine, a *accrual.Engine, store ledger.Store, log zerolog.Logger) *Handler {
	return &Handler{Ledger: l, Accrual: a, Store: store, Log: log.With().Str("component", "api").Logger()}
}

// =============================================================================
// BALANCES
// =============================================================================

// GetBalance returns the balance summary for a user and year.
// GET /api/users/{id}/balance?year=2026
func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "id")
	year, ok := yearParam(w, r)
	if !ok {
		return
	}

	summary, err := h.Ledger.BalanceSummary(r.Context(), userID, year)
	if err != nil {
		h.writeLedgerError(w, "Failed to load balance", err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

// GetEntries returns the ledger history for a user and year.
// GET /api/users/{id}/entries?year=2026&balance_type=vacation
func (h *Handler) GetEntries(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "id")
	year, ok := yearParam(w, r)
	if !ok {
		return
	}

	var balanceType *ledger.BalanceType
	if v := r.URL.Query().Get("balance_type"); v != "" {
		bt := ledger.BalanceType(v)
		if !bt.Valid() {
			writeError(w, http.StatusBadRequest, "Unknown balance type", nil)
			return
		}
		balanceType = &bt
	}

	entries, err := h.Store.ListEntries(r.Context(), userID, year, balanceType)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list entries", err)
		return
	}
	dtos := make([]EntryDTO, 0, len(entries))
	for _, e := range entries {
		dtos = append(dtos, toEntryDTO(e))
	}
	writeJSON(w, http.StatusOK, dtos)
}

// CreateDeposit records an administrative deposit.
// POST /api/users/{id}/deposits
func (h *Handler) CreateDeposit(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "id")
	year, ok := yearParam(w, r)
	if !ok {
		return
	}

	var req DepositRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	bt := ledger.BalanceType(req.BalanceType)
	if !bt.Valid() {
		writeError(w, http.StatusBadRequest, "Unknown balance type", nil)
		return
	}

	wallet, err := h.Ledger.Deposit(r.Context(), ledger.DepositArgs{
		UserID:      userID,
		Year:        year,
		BalanceType: bt,
		Bucket:      ledger.Bucket(req.Bucket),
		Amount:      ledger.Amount{Value: req.Amount, Unit: bt.DefaultUnit()},
		ExpiresOn:   req.ExpiresOn,
		Reference:   req.Reference,
		Reason:      req.Reason,
		CreatedBy:   req.CreatedBy,
	})
	if err != nil {
		h.writeLedgerError(w, "Failed to record deposit", err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"available": wallet.Available(bt),
	})
}

// =============================================================================
// RESERVATIONS
// =============================================================================

// Reserve holds balance for a leave request.
// POST /api/reservations
func (h *Handler) Reserve(w http.ResponseWriter, r *http.Request) {
	var req ReserveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	bt := ledger.BalanceType(req.BalanceType)
	if !bt.Valid() {
		writeError(w, http.StatusBadRequest, "Unknown balance type", nil)
		return
	}
	if req.Reference == "" {
		writeError(w, http.StatusBadRequest, "reference is required", nil)
		return
	}

	summary, err := h.Ledger.Reserve(r.Context(), ledger.ReserveArgs{
		UserID:      req.UserID,
		Year:        req.Year,
		BalanceType: bt,
		Amount:      ledger.Amount{Value: req.Amount, Unit: bt.DefaultUnit()},
		Reference:   req.Reference,
		CreatedBy:   req.CreatedBy,
	})
	if err != nil {
		h.writeLedgerError(w, "Failed to reserve balance", err)
		return
	}

	dto := ReservationDTO{
		EntryID:   summary.EntryID,
		Reference: summary.Reference,
		Overdraft: summary.Overdraft,
	}
	for _, a := range summary.Allocations {
		dto.Allocations = append(dto.Allocations, AllocationDTO{
			DepositEntryID: a.DepositEntryID,
			Amount:         a.Amount,
		})
	}
	writeJSON(w, http.StatusCreated, dto)
}

// Finalize converts a reservation into a consumption.
// POST /api/reservations/{reference}/finalize
func (h *Handler) Finalize(w http.ResponseWriter, r *http.Request) {
	h.settle(w, r, true)
}

// Release undoes a reservation or consumption.
// POST /api/reservations/{reference}/release
func (h *Handler) Release(w http.ResponseWriter, r *http.Request) {
	h.settle(w, r, false)
}

func (h *Handler) settle(w http.ResponseWriter, r *http.Request, finalize bool) {
	reference := chi.URLParam(r, "reference")
	var req SettleRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "Invalid request body", err)
			return
		}
	}

	var err error
	if finalize {
		err = h.Ledger.Finalize(r.Context(), reference, req.Actor)
	} else {
		err = h.Ledger.Release(r.Context(), reference, req.Actor)
	}
	if err != nil {
		h.writeLedgerError(w, "Failed to settle reservation", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"reference": reference, "status": "ok"})
}

// =============================================================================
// ADMIN
// =============================================================================

// RunAccrual triggers the monthly accrual batch.
// POST /api/admin/accrual/run
func (h *Handler) RunAccrual(w http.ResponseWriter, r *http.Request) {
	var req AccrualRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.Month < 1 || req.Month > 12 {
		writeError(w, http.StatusBadRequest, "month must be in 1-12", nil)
		return
	}
	if req.Year < 2000 || req.Year > 2200 {
		writeError(w, http.StatusBadRequest, "year out of range", nil)
		return
	}

	report, err := h.Accrual.RunMonth(r.Context(), req.Users, req.Year, time.Month(req.Month))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Accrual run failed", err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// RunExpiry triggers the expiry sweep.
// POST /api/admin/expiry/run
func (h *Handler) RunExpiry(w http.ResponseWriter, r *http.Request) {
	var req ExpiryRunRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "Invalid request body", err)
			return
		}
	}
	cutoff := time.Now().UTC()
	if req.Cutoff != nil {
		cutoff = *req.Cutoff
	}

	report, err := h.Ledger.ExpireOutstanding(r.Context(), cutoff)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Expiry sweep failed", err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// Rollover closes a year and carries unused balance into the next.
// POST /api/admin/rollover
func (h *Handler) Rollover(w http.ResponseWriter, r *http.Request) {
	var req RolloverRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.UserID == "" || req.FromYear == 0 {
		writeError(w, http.StatusBadRequest, "user_id and from_year are required", nil)
		return
	}

	report, err := h.Ledger.Rollover(r.Context(), req.UserID, req.FromYear)
	if err != nil {
		h.writeLedgerError(w, "Rollover failed", err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// Healthz is the liveness probe.
func (h *Handler) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// HELPERS
// =============================================================================

func yearParam(w http.ResponseWriter, r *http.Request) (int, bool) {
	v := r.URL.Query().Get("year")
	if v == "" {
		return time.Now().Year(), true
	}
	year, err := strconv.Atoi(v)
	if err != nil || year < 2000 || year > 2200 {
		writeError(w, http.StatusBadRequest, "Invalid year", err)
		return 0, false
	}
	return year, true
}

// writeLedgerError maps ledger error taxonomy to HTTP status codes.
func (h *Handler) writeLedgerError(w http.ResponseWriter, message string, err error) {
	var insufficient *ledger.InsufficientBalanceError
	switch {
	case errors.As(err, &insufficient):
		writeJSON(w, http.StatusUnprocessableEntity, map[string]any{
			"error":     "insufficient balance",
			"available": insufficient.Available,
			"requested": insufficient.Requested,
			"shortfall": insufficient.Shortfall,
		})
	case errors.Is(err, ledger.ErrConcurrentModification):
		writeError(w, http.StatusConflict, "Wallet is contended, retry", err)
	case errors.Is(err, ledger.ErrWalletClosed):
		writeError(w, http.StatusConflict, "Wallet closed by year rollover", err)
	case errors.Is(err, ledger.ErrInvalidAmount):
		writeError(w, http.StatusBadRequest, "Amount must be positive", err)
	default:
		h.Log.Error().Err(err).Msg(message)
		writeError(w, http.StatusInternalServerError, message, err)
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}
