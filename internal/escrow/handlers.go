package escrow

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/RoiLaboratories/Know-Empire-sub000/internal/model"
)

// actorHeader carries the authenticated caller identity, set by the
// marketplace's auth gateway. The engine never trusts identity fields in
// request bodies.
const actorHeader = "X-Actor-ID"

// CreateEscrowRequest is the JSON body for POST /api/v1/escrows. The buyer
// is the authenticated caller.
type CreateEscrowRequest struct {
	Seller   string `json:"seller"`
	Amount   int64  `json:"amount"` // minor currency units
	OrderRef string `json:"order_ref"`
}

// SetFeeRequest is the JSON body for POST /api/v1/admin/fee.
type SetFeeRequest struct {
	BasisPoints int64 `json:"basis_points"`
}

// EligibilityResponse is the JSON body for the auto-release eligibility read.
type EligibilityResponse struct {
	EscrowID string `json:"escrow_id"`
	Eligible bool   `json:"eligible"`
}

func caller(r *http.Request) model.Party {
	return model.Party(r.Header.Get(actorHeader))
}

// HandleCreate handles POST /api/v1/escrows.
func (e *Engine) HandleCreate(w http.ResponseWriter, r *http.Request) {
	who := caller(r)
	if who == "" {
		writeError(w, "missing "+actorHeader+" header", http.StatusUnauthorized)
		return
	}

	var req CreateEscrowRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	rec, err := e.Create(r.Context(), who, CreateParams{
		Seller:   model.Party(req.Seller),
		Amount:   req.Amount,
		OrderRef: req.OrderRef,
	})
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, rec)
}

// HandleGet handles GET /api/v1/escrows/{escrowID}.
func (e *Engine) HandleGet(w http.ResponseWriter, r *http.Request) {
	rec, err := e.Get(r.Context(), chi.URLParam(r, "escrowID"))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// HandleList handles GET /api/v1/escrows, optionally filtered by ?state=.
func (e *Engine) HandleList(w http.ResponseWriter, r *http.Request) {
	records, err := e.List(r.Context())
	if err != nil {
		writeEngineError(w, err)
		return
	}
	if records == nil {
		records = []model.EscrowRecord{}
	}

	if name := r.URL.Query().Get("state"); name != "" {
		state, err := model.ParseState(name)
		if err != nil {
			writeError(w, "unknown state filter: "+name, http.StatusBadRequest)
			return
		}
		filtered := []model.EscrowRecord{}
		for _, rec := range records {
			if rec.State == state {
				filtered = append(filtered, rec)
			}
		}
		records = filtered
	}
	writeJSON(w, http.StatusOK, records)
}

// HandleEligibility handles GET /api/v1/escrows/{escrowID}/eligibility.
func (e *Engine) HandleEligibility(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "escrowID")
	eligible, err := e.EligibleForAutoRelease(r.Context(), id)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, EligibilityResponse{EscrowID: id, Eligible: eligible})
}

// HandleShip handles POST /api/v1/escrows/{escrowID}/ship.
func (e *Engine) HandleShip(w http.ResponseWriter, r *http.Request) {
	e.transition(w, r, e.MarkShipped)
}

// HandleConfirm handles POST /api/v1/escrows/{escrowID}/confirm.
func (e *Engine) HandleConfirm(w http.ResponseWriter, r *http.Request) {
	e.transition(w, r, e.ConfirmDelivery)
}

// HandleDispute handles POST /api/v1/escrows/{escrowID}/dispute.
func (e *Engine) HandleDispute(w http.ResponseWriter, r *http.Request) {
	e.transition(w, r, e.InitiateDispute)
}

// HandleRefund handles POST /api/v1/escrows/{escrowID}/refund.
func (e *Engine) HandleRefund(w http.ResponseWriter, r *http.Request) {
	e.transition(w, r, e.RefundBuyer)
}

// HandleRelease handles POST /api/v1/escrows/{escrowID}/release.
func (e *Engine) HandleRelease(w http.ResponseWriter, r *http.Request) {
	e.transition(w, r, e.ReleaseToSeller)
}

// HandleAutoRelease handles POST /api/v1/escrows/{escrowID}/auto-release.
// Permissionless: no caller identity required.
func (e *Engine) HandleAutoRelease(w http.ResponseWriter, r *http.Request) {
	rec, err := e.CheckAndAutoRelease(r.Context(), chi.URLParam(r, "escrowID"))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// HandleCustody handles GET /api/v1/custody.
func (e *Engine) HandleCustody(w http.ResponseWriter, r *http.Request) {
	summary, err := e.Custody(r.Context())
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

// HandleSetFee handles POST /api/v1/admin/fee.
func (e *Engine) HandleSetFee(w http.ResponseWriter, r *http.Request) {
	var req SetFeeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if err := e.SetFeeBasisPoints(caller(r), req.BasisPoints); err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"fee_basis_points": req.BasisPoints})
}

// HandlePause handles POST /api/v1/admin/pause.
func (e *Engine) HandlePause(w http.ResponseWriter, r *http.Request) {
	if err := e.Pause(caller(r)); err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"paused": true})
}

// HandleUnpause handles POST /api/v1/admin/unpause.
func (e *Engine) HandleUnpause(w http.ResponseWriter, r *http.Request) {
	if err := e.Unpause(caller(r)); err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"paused": false})
}

// transition runs one caller-gated state transition handler: caller from
// the identity header, escrow id from the route, updated record back out.
func (e *Engine) transition(w http.ResponseWriter, r *http.Request,
	op func(ctx context.Context, caller model.Party, id string) (*model.EscrowRecord, error)) {
	who := caller(r)
	if who == "" {
		writeError(w, "missing "+actorHeader+" header", http.StatusUnauthorized)
		return
	}
	rec, err := op(r.Context(), who, chi.URLParam(r, "escrowID"))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// writeJSON writes a JSON response with the given status.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

// writeEngineError maps engine error kinds to stable HTTP statuses.
func writeEngineError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, ErrInvalidAmount), errors.Is(err, ErrFeeTooHigh), errors.Is(err, ErrArithmetic):
		status = http.StatusBadRequest
	case errors.Is(err, ErrUnauthorized):
		status = http.StatusUnauthorized
	case errors.Is(err, ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, ErrDuplicateOrder), errors.Is(err, ErrInvalidState), errors.Is(err, ErrNotEligible):
		status = http.StatusConflict
	case errors.Is(err, ErrPaused):
		status = http.StatusLocked
	case errors.Is(err, ErrTransferFailed):
		status = http.StatusBadGateway
	}
	writeError(w, err.Error(), status)
}
