package escrow_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"

	"github.com/RoiLaboratories/Know-Empire-sub000/internal/escrow"
	"github.com/RoiLaboratories/Know-Empire-sub000/internal/model"
	"github.com/RoiLaboratories/Know-Empire-sub000/internal/treasury"
)

// newTestEnv creates an engine with in-memory ledger/treasury and the chi
// router as wired in cmd/server.
func newTestEnv(t *testing.T) (*escrow.Engine, *treasury.MemoryBank, chi.Router) {
	t.Helper()
	eng, _, bank := newTestEngine(t)

	r := chi.NewRouter()
	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/escrows", eng.HandleList)
		r.Post("/escrows", eng.HandleCreate)
		r.Get("/escrows/{escrowID}", eng.HandleGet)
		r.Get("/escrows/{escrowID}/eligibility", eng.HandleEligibility)
		r.Post("/escrows/{escrowID}/ship", eng.HandleShip)
		r.Post("/escrows/{escrowID}/confirm", eng.HandleConfirm)
		r.Post("/escrows/{escrowID}/dispute", eng.HandleDispute)
		r.Post("/escrows/{escrowID}/refund", eng.HandleRefund)
		r.Post("/escrows/{escrowID}/release", eng.HandleRelease)
		r.Post("/escrows/{escrowID}/auto-release", eng.HandleAutoRelease)
		r.Get("/custody", eng.HandleCustody)
		r.Post("/admin/fee", eng.HandleSetFee)
		r.Post("/admin/pause", eng.HandlePause)
		r.Post("/admin/unpause", eng.HandleUnpause)
	})

	return eng, bank, r
}

func doJSON(t *testing.T, router chi.Router, method, path string, actor model.Party, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("failed to encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if actor != "" {
		req.Header.Set("X-Actor-ID", string(actor))
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func createViaHTTP(t *testing.T, router chi.Router, bank *treasury.MemoryBank) model.EscrowRecord {
	t.Helper()
	bank.Deposit(buyer, amount)
	w := doJSON(t, router, "POST", "/api/v1/escrows", buyer, escrow.CreateEscrowRequest{
		Seller:   string(seller),
		Amount:   amount,
		OrderRef: "order-x",
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}
	var rec model.EscrowRecord
	if err := json.Unmarshal(w.Body.Bytes(), &rec); err != nil {
		t.Fatalf("failed to decode record: %v", err)
	}
	return rec
}

func TestHandleCreate(t *testing.T) {
	_, bank, router := newTestEnv(t)
	rec := createViaHTTP(t, router, bank)

	if rec.State != model.StateCreated {
		t.Errorf("state = %s, want created", rec.State)
	}
	if rec.Buyer != buyer || rec.Seller != seller {
		t.Errorf("parties = %s/%s, want %s/%s", rec.Buyer, rec.Seller, buyer, seller)
	}
}

func TestHandleCreate_MissingActor(t *testing.T) {
	_, _, router := newTestEnv(t)

	w := doJSON(t, router, "POST", "/api/v1/escrows", "", escrow.CreateEscrowRequest{
		Seller: string(seller), Amount: amount, OrderRef: "order-x",
	})
	if w.Code != http.StatusUnauthorized {
		t.Errorf("expected 401 without identity header, got %d", w.Code)
	}
}

func TestHandleCreate_InvalidAmount(t *testing.T) {
	_, _, router := newTestEnv(t)

	w := doJSON(t, router, "POST", "/api/v1/escrows", buyer, escrow.CreateEscrowRequest{
		Seller: string(seller), Amount: 0, OrderRef: "order-x",
	})
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for zero amount, got %d: %s", w.Code, w.Body.String())
	}
}

func TestHandleCreate_Duplicate(t *testing.T) {
	_, bank, router := newTestEnv(t)
	createViaHTTP(t, router, bank)

	bank.Deposit(buyer, amount)
	w := doJSON(t, router, "POST", "/api/v1/escrows", buyer, escrow.CreateEscrowRequest{
		Seller: string(seller), Amount: amount, OrderRef: "order-x",
	})
	if w.Code != http.StatusConflict {
		t.Errorf("expected 409 for duplicate order ref, got %d", w.Code)
	}
}

func TestHandleFlow_ShipConfirm(t *testing.T) {
	_, bank, router := newTestEnv(t)
	rec := createViaHTTP(t, router, bank)

	w := doJSON(t, router, "POST", "/api/v1/escrows/"+rec.ID+"/ship", seller, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("ship: expected 200, got %d: %s", w.Code, w.Body.String())
	}

	w = doJSON(t, router, "POST", "/api/v1/escrows/"+rec.ID+"/confirm", buyer, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("confirm: expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var done model.EscrowRecord
	json.Unmarshal(w.Body.Bytes(), &done)
	if done.State != model.StateCompleted {
		t.Errorf("state = %s, want completed", done.State)
	}
}

func TestHandleShip_WrongCaller(t *testing.T) {
	_, bank, router := newTestEnv(t)
	rec := createViaHTTP(t, router, bank)

	w := doJSON(t, router, "POST", "/api/v1/escrows/"+rec.ID+"/ship", buyer, nil)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("expected 401 for non-seller ship, got %d", w.Code)
	}
}

func TestHandleConfirm_Terminal(t *testing.T) {
	_, bank, router := newTestEnv(t)
	rec := createViaHTTP(t, router, bank)

	doJSON(t, router, "POST", "/api/v1/escrows/"+rec.ID+"/confirm", buyer, nil)
	w := doJSON(t, router, "POST", "/api/v1/escrows/"+rec.ID+"/confirm", buyer, nil)
	if w.Code != http.StatusConflict {
		t.Errorf("expected 409 on completed record, got %d", w.Code)
	}
}

func TestHandleDisputeRefund(t *testing.T) {
	_, bank, router := newTestEnv(t)
	rec := createViaHTTP(t, router, bank)

	w := doJSON(t, router, "POST", "/api/v1/escrows/"+rec.ID+"/dispute", buyer, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("dispute: expected 200, got %d: %s", w.Code, w.Body.String())
	}

	// Non-owner refund is refused.
	w = doJSON(t, router, "POST", "/api/v1/escrows/"+rec.ID+"/refund", seller, nil)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("expected 401 for non-owner refund, got %d", w.Code)
	}

	w = doJSON(t, router, "POST", "/api/v1/escrows/"+rec.ID+"/refund", owner, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("refund: expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var refunded model.EscrowRecord
	json.Unmarshal(w.Body.Bytes(), &refunded)
	if refunded.State != model.StateRefunded {
		t.Errorf("state = %s, want refunded", refunded.State)
	}
}

func TestHandleAutoRelease_NotEligible(t *testing.T) {
	_, bank, router := newTestEnv(t)
	rec := createViaHTTP(t, router, bank)
	doJSON(t, router, "POST", "/api/v1/escrows/"+rec.ID+"/ship", seller, nil)

	// Permissionless: no identity header required, but the window gate holds.
	w := doJSON(t, router, "POST", "/api/v1/escrows/"+rec.ID+"/auto-release", "", nil)
	if w.Code != http.StatusConflict {
		t.Errorf("expected 409 before window elapses, got %d: %s", w.Code, w.Body.String())
	}
}

func TestHandleEligibility(t *testing.T) {
	_, bank, router := newTestEnv(t)
	rec := createViaHTTP(t, router, bank)
	doJSON(t, router, "POST", "/api/v1/escrows/"+rec.ID+"/ship", seller, nil)

	w := doJSON(t, router, "GET", "/api/v1/escrows/"+rec.ID+"/eligibility", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var resp escrow.EligibilityResponse
	json.Unmarshal(w.Body.Bytes(), &resp)
	if resp.Eligible {
		t.Error("freshly shipped escrow must not be eligible")
	}
}

func TestHandleGet_NotFound(t *testing.T) {
	_, _, router := newTestEnv(t)

	w := doJSON(t, router, "GET", "/api/v1/escrows/missing", "", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", w.Code)
	}
}

func TestHandleList_StateFilter(t *testing.T) {
	_, bank, router := newTestEnv(t)
	rec := createViaHTTP(t, router, bank)
	doJSON(t, router, "POST", "/api/v1/escrows/"+rec.ID+"/ship", seller, nil)

	w := doJSON(t, router, "GET", "/api/v1/escrows?state=shipped", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var records []model.EscrowRecord
	json.Unmarshal(w.Body.Bytes(), &records)
	if len(records) != 1 || records[0].State != model.StateShipped {
		t.Errorf("unexpected filter result: %+v", records)
	}

	w = doJSON(t, router, "GET", "/api/v1/escrows?state=bogus", "", nil)
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for unknown state, got %d", w.Code)
	}
}

func TestHandleCustody(t *testing.T) {
	_, bank, router := newTestEnv(t)
	createViaHTTP(t, router, bank)

	w := doJSON(t, router, "GET", "/api/v1/custody", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var summary escrow.CustodySummary
	if err := json.Unmarshal(w.Body.Bytes(), &summary); err != nil {
		t.Fatalf("failed to decode summary: %v", err)
	}
	if summary.OpenAmount != summary.CustodyBalance {
		t.Errorf("custody mismatch in summary: open %d, custody %d",
			summary.OpenAmount, summary.CustodyBalance)
	}
}

func TestHandleAdmin(t *testing.T) {
	eng, bank, router := newTestEnv(t)

	// Fee change by non-owner.
	w := doJSON(t, router, "POST", "/api/v1/admin/fee", stranger, escrow.SetFeeRequest{BasisPoints: 100})
	if w.Code != http.StatusUnauthorized {
		t.Errorf("expected 401 for non-owner fee change, got %d", w.Code)
	}

	// Fee above cap.
	w = doJSON(t, router, "POST", "/api/v1/admin/fee", owner, escrow.SetFeeRequest{BasisPoints: 5_000})
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 over cap, got %d", w.Code)
	}

	w = doJSON(t, router, "POST", "/api/v1/admin/fee", owner, escrow.SetFeeRequest{BasisPoints: 100})
	if w.Code != http.StatusOK {
		t.Errorf("expected 200 for valid fee change, got %d", w.Code)
	}
	if got := eng.FeeBasisPoints(); got != 100 {
		t.Errorf("fee = %d, want 100", got)
	}

	// Pause gate over HTTP.
	w = doJSON(t, router, "POST", "/api/v1/admin/pause", owner, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("pause: expected 200, got %d", w.Code)
	}
	bank.Deposit(buyer, amount)
	w = doJSON(t, router, "POST", "/api/v1/escrows", buyer, escrow.CreateEscrowRequest{
		Seller: string(seller), Amount: amount, OrderRef: "order-p",
	})
	if w.Code != http.StatusLocked {
		t.Errorf("expected 423 while paused, got %d", w.Code)
	}
	w = doJSON(t, router, "POST", "/api/v1/admin/unpause", owner, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("unpause: expected 200, got %d", w.Code)
	}
}
