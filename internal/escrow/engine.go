// Package escrow implements the marketplace's escrow settlement engine: the
// authoritative state machine that custodies a buyer's payment, enforces who
// may release, refund, or dispute it, withholds the marketplace fee on
// settlement, and supports permissionless time-boxed auto-release after
// shipment.
//
// Confirmation, auto-release, and arbiter release share one settlement
// routine so the fee/transfer logic and the custody invariant live in
// exactly one code path.
package escrow

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/RoiLaboratories/Know-Empire-sub000/internal/fee"
	"github.com/RoiLaboratories/Know-Empire-sub000/internal/ledger"
	"github.com/RoiLaboratories/Know-Empire-sub000/internal/metrics"
	"github.com/RoiLaboratories/Know-Empire-sub000/internal/model"
	"github.com/RoiLaboratories/Know-Empire-sub000/internal/treasury"
)

// Settlement paths, used as metric labels and event payload fields.
const (
	pathConfirm     = "confirm"
	pathAutoRelease = "auto_release"
	pathArbiter     = "arbiter"
)

// Config holds the engine's deployment parameters. The fee rate and pause
// flag are the only mutable pieces, and only through owner-gated operations;
// each escrow snapshots the fee rate it was created under.
type Config struct {
	// Owner is the privileged identity: arbiter for disputes, and the only
	// party allowed to change the fee rate or pause the engine.
	Owner model.Party

	// PlatformAccount receives the marketplace fee on settlement.
	PlatformAccount model.Party

	// FeeBasisPoints is the initial global fee rate (10000 bps = 100%).
	FeeBasisPoints int64

	// MaxFeeBasisPoints caps the fee rate for the lifetime of the engine.
	MaxFeeBasisPoints int64

	// AutoReleaseWindow is how long after shipment a silent buyer keeps
	// the funds locked before anyone may trigger release to the seller.
	AutoReleaseWindow time.Duration
}

func (c Config) validate() error {
	if c.Owner == "" || c.PlatformAccount == "" {
		return fmt.Errorf("escrow: owner and platform account are required")
	}
	if c.MaxFeeBasisPoints < 0 || c.MaxFeeBasisPoints > fee.Denominator {
		return fmt.Errorf("escrow: max fee must be within [0, %d] bps", fee.Denominator)
	}
	if c.FeeBasisPoints < 0 || c.FeeBasisPoints > c.MaxFeeBasisPoints {
		return ErrFeeTooHigh
	}
	if c.AutoReleaseWindow <= 0 {
		return fmt.Errorf("escrow: auto-release window must be positive")
	}
	return nil
}

// Engine executes escrow state transitions. A mutex serializes mutating
// operations (single-instance); the Postgres ledger additionally row-locks
// each record so the serialization point can move into the database when
// scaling horizontally.
type Engine struct {
	ledger ledger.Ledger
	bank   treasury.Treasury
	cfg    Config
	hub    *Hub // optional event hub for marketplace UI broadcasts

	mu     sync.Mutex
	feeBps int64
	paused bool
}

// NewEngine creates an engine over the given ledger and treasury.
// Pass nil for hub if event broadcasting is not needed.
func NewEngine(l ledger.Ledger, bank treasury.Treasury, cfg Config, hub *Hub) (*Engine, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &Engine{
		ledger: l,
		bank:   bank,
		cfg:    cfg,
		hub:    hub,
		feeBps: cfg.FeeBasisPoints,
	}, nil
}

// CreateParams are the caller-supplied fields for escrow creation. The buyer
// is the authenticated caller, never a request field.
type CreateParams struct {
	Seller   model.Party
	Amount   int64 // minor currency units
	OrderRef string
}

// Create funds a new escrow: the buyer's payment moves into custody and the
// record is written in the same atomic unit. Rejected while paused.
func (e *Engine) Create(ctx context.Context, buyer model.Party, p CreateParams) (*model.EscrowRecord, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.paused {
		return nil, ErrPaused
	}
	if p.Amount <= 0 || buyer == "" || p.Seller == "" || p.OrderRef == "" || buyer == p.Seller {
		return nil, ErrInvalidAmount
	}

	now := time.Now().UTC()
	rec := &model.EscrowRecord{
		ID:             deriveID(buyer, p.Seller, p.OrderRef, uuid.New().String()),
		Buyer:          buyer,
		Seller:         p.Seller,
		OrderRef:       p.OrderRef,
		Amount:         p.Amount,
		FeeBasisPoints: e.feeBps,
		State:          model.StateCreated,
		CreatedAt:      now,
	}

	if _, err := e.bank.TransferIn(ctx, buyer, p.Amount); err != nil {
		metrics.TransferFailures.Inc()
		return nil, fmt.Errorf("%w: %v", ErrTransferFailed, err)
	}

	if err := e.ledger.Create(ctx, rec); err != nil {
		// Return the buyer's funds; the operation is all-or-nothing.
		if _, cerr := e.bank.TransferOut(ctx, buyer, p.Amount); cerr != nil {
			slog.Error("escrow create rollback failed", "escrow_id", rec.ID, "err", cerr)
		}
		if errors.Is(err, ledger.ErrDuplicateOrder) {
			return nil, ErrDuplicateOrder
		}
		return nil, fmt.Errorf("create escrow: %w", err)
	}

	metrics.EscrowsCreated.Inc()
	e.refreshCustodyGauge(ctx)
	e.publish(Event{Type: "escrow_created", EscrowID: rec.ID, OrderRef: rec.OrderRef,
		State: rec.State.String(), Amount: rec.Amount})

	slog.Info("escrow created",
		"escrow_id", rec.ID,
		"order_ref", rec.OrderRef,
		"buyer", rec.Buyer,
		"seller", rec.Seller,
		"amount", rec.Amount,
		"fee_bps", rec.FeeBasisPoints,
	)
	return rec, nil
}

// MarkShipped transitions Created → Shipped. Seller only.
func (e *Engine) MarkShipped(ctx context.Context, caller model.Party, id string) (*model.EscrowRecord, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	rec, err := e.ledger.Update(ctx, id, func(r *model.EscrowRecord) error {
		if r.State != model.StateCreated {
			return ErrInvalidState
		}
		if caller != r.Seller {
			return ErrUnauthorized
		}
		now := time.Now().UTC()
		r.State = model.StateShipped
		r.ShippedAt = &now
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.publish(Event{Type: "escrow_shipped", EscrowID: rec.ID, OrderRef: rec.OrderRef,
		State: rec.State.String(), Amount: rec.Amount})
	slog.Info("escrow shipped", "escrow_id", rec.ID, "seller", rec.Seller)
	return rec, nil
}

// ConfirmDelivery settles the escrow: fee to the platform, remainder to the
// seller. Buyer only, from Created or Shipped.
func (e *Engine) ConfirmDelivery(ctx context.Context, caller model.Party, id string) (*model.EscrowRecord, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	rec, err := e.ledger.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec.State != model.StateCreated && rec.State != model.StateShipped {
		return nil, ErrInvalidState
	}
	if caller != rec.Buyer {
		return nil, ErrUnauthorized
	}
	return e.settle(ctx, rec, pathConfirm)
}

// InitiateDispute transitions Created/Shipped → Disputed and records which
// side opened it. Buyer or seller only. Disputes do not expire; auto-release
// can no longer fire once a record leaves Shipped.
func (e *Engine) InitiateDispute(ctx context.Context, caller model.Party, id string) (*model.EscrowRecord, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	rec, err := e.ledger.Update(ctx, id, func(r *model.EscrowRecord) error {
		if r.State != model.StateCreated && r.State != model.StateShipped {
			return ErrInvalidState
		}
		if caller != r.Buyer && caller != r.Seller {
			return ErrUnauthorized
		}
		initiator := caller
		r.State = model.StateDisputed
		r.DisputeInitiator = &initiator
		return nil
	})
	if err != nil {
		return nil, err
	}

	metrics.DisputesTotal.WithLabelValues(initiatorLabel(rec)).Inc()
	e.publish(Event{Type: "escrow_disputed", EscrowID: rec.ID, OrderRef: rec.OrderRef,
		State: rec.State.String(), Amount: rec.Amount, Initiator: string(caller)})
	slog.Info("escrow disputed", "escrow_id", rec.ID, "initiator", caller)
	return rec, nil
}

// RefundBuyer resolves a dispute in the buyer's favor: the full amount goes
// back to the buyer and no fee is charged. Owner only, from Disputed.
func (e *Engine) RefundBuyer(ctx context.Context, caller model.Party, id string) (*model.EscrowRecord, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	rec, err := e.ledger.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec.State != model.StateDisputed {
		return nil, ErrInvalidState
	}
	if caller != e.cfg.Owner {
		return nil, ErrUnauthorized
	}

	if _, err := e.bank.TransferOut(ctx, rec.Buyer, rec.Amount); err != nil {
		metrics.TransferFailures.Inc()
		return nil, fmt.Errorf("%w: %v", ErrTransferFailed, err)
	}

	updated, err := e.ledger.Update(ctx, id, func(r *model.EscrowRecord) error {
		if r.State != model.StateDisputed {
			return ErrInvalidState
		}
		now := time.Now().UTC()
		r.State = model.StateRefunded
		r.ClosedAt = &now
		return nil
	})
	if err != nil {
		// Pull the refund back into custody so the ledger and the custody
		// account cannot diverge.
		if _, cerr := e.bank.TransferIn(ctx, rec.Buyer, rec.Amount); cerr != nil {
			slog.Error("refund rollback failed", "escrow_id", id, "err", cerr)
		}
		return nil, err
	}

	metrics.RefundsTotal.Inc()
	e.refreshCustodyGauge(ctx)
	e.publish(Event{Type: "escrow_refunded", EscrowID: updated.ID, OrderRef: updated.OrderRef,
		State: updated.State.String(), Amount: updated.Amount})
	slog.Info("escrow refunded", "escrow_id", updated.ID, "buyer", updated.Buyer, "amount", updated.Amount)
	return updated, nil
}

// ReleaseToSeller resolves a dispute in the seller's favor through the same
// settlement routine as delivery confirmation, so the fee is charged.
// Owner only, from Disputed.
func (e *Engine) ReleaseToSeller(ctx context.Context, caller model.Party, id string) (*model.EscrowRecord, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	rec, err := e.ledger.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec.State != model.StateDisputed {
		return nil, ErrInvalidState
	}
	if caller != e.cfg.Owner {
		return nil, ErrUnauthorized
	}
	return e.settle(ctx, rec, pathArbiter)
}

// CheckAndAutoRelease is the permissionless nudge: anyone may finalize a
// shipped escrow once the buyer has been silent for the full window.
// Eligibility is re-validated under the engine mutex, so a race with a
// concurrent confirmation settles exactly once; the loser sees
// ErrInvalidState, never a duplicate payout.
func (e *Engine) CheckAndAutoRelease(ctx context.Context, id string) (*model.EscrowRecord, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	rec, err := e.ledger.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec.State != model.StateShipped || rec.ShippedAt == nil {
		return nil, ErrInvalidState
	}
	if time.Now().UTC().Sub(*rec.ShippedAt) < e.cfg.AutoReleaseWindow {
		return nil, ErrNotEligible
	}
	return e.settle(ctx, rec, pathAutoRelease)
}

// EligibleForAutoRelease is the side-effect-free eligibility read.
func (e *Engine) EligibleForAutoRelease(ctx context.Context, id string) (bool, error) {
	rec, err := e.ledger.Get(ctx, id)
	if err != nil {
		return false, err
	}
	if rec.State != model.StateShipped || rec.ShippedAt == nil {
		return false, nil
	}
	return time.Now().UTC().Sub(*rec.ShippedAt) >= e.cfg.AutoReleaseWindow, nil
}

// settle is the single settlement routine shared by delivery confirmation,
// auto-release, and arbiter release. Transfer legs run first; the terminal
// ledger write commits last, and any failure unwinds the legs already
// executed so no error is ever paired with a partial mutation.
func (e *Engine) settle(ctx context.Context, rec *model.EscrowRecord, path string) (*model.EscrowRecord, error) {
	feeAmount, payout, err := fee.Split(rec.Amount, rec.FeeBasisPoints)
	if err != nil {
		return nil, err
	}

	if feeAmount > 0 {
		if _, err := e.bank.TransferOut(ctx, e.cfg.PlatformAccount, feeAmount); err != nil {
			metrics.TransferFailures.Inc()
			return nil, fmt.Errorf("%w: fee leg: %v", ErrTransferFailed, err)
		}
	}
	if payout > 0 {
		if _, err := e.bank.TransferOut(ctx, rec.Seller, payout); err != nil {
			metrics.TransferFailures.Inc()
			e.unwindFeeLeg(ctx, rec.ID, feeAmount)
			return nil, fmt.Errorf("%w: payout leg: %v", ErrTransferFailed, err)
		}
	}

	updated, err := e.ledger.Update(ctx, rec.ID, func(r *model.EscrowRecord) error {
		if r.State.Terminal() {
			return ErrInvalidState
		}
		now := time.Now().UTC()
		r.State = model.StateCompleted
		r.ClosedAt = &now
		return nil
	})
	if err != nil {
		if payout > 0 {
			if _, cerr := e.bank.TransferIn(ctx, rec.Seller, payout); cerr != nil {
				slog.Error("settlement rollback failed", "escrow_id", rec.ID, "leg", "payout", "err", cerr)
			}
		}
		e.unwindFeeLeg(ctx, rec.ID, feeAmount)
		return nil, err
	}

	metrics.SettlementsTotal.WithLabelValues(path).Inc()
	e.refreshCustodyGauge(ctx)
	e.publish(Event{Type: "escrow_settled", EscrowID: updated.ID, OrderRef: updated.OrderRef,
		State: updated.State.String(), Amount: updated.Amount, Fee: feeAmount, Payout: payout, Path: path})

	slog.Info("escrow settled",
		"escrow_id", updated.ID,
		"path", path,
		"seller", updated.Seller,
		"payout", payout,
		"fee", feeAmount,
	)
	return updated, nil
}

func (e *Engine) unwindFeeLeg(ctx context.Context, id string, feeAmount int64) {
	if feeAmount <= 0 {
		return
	}
	if _, err := e.bank.TransferIn(ctx, e.cfg.PlatformAccount, feeAmount); err != nil {
		slog.Error("settlement rollback failed", "escrow_id", id, "leg", "fee", "err", err)
	}
}

// --- Read surface ---

// Get returns one escrow record.
func (e *Engine) Get(ctx context.Context, id string) (*model.EscrowRecord, error) {
	return e.ledger.Get(ctx, id)
}

// List returns all escrow records, newest first.
func (e *Engine) List(ctx context.Context) ([]model.EscrowRecord, error) {
	return e.ledger.List(ctx)
}

// CustodySummary is the treasury view exposed to the marketplace's ops
// dashboard. Display fields are major-unit decimals.
type CustodySummary struct {
	OpenEscrows       int             `json:"open_escrows"`
	OpenAmount        int64           `json:"open_amount"`
	CustodyBalance    int64           `json:"custody_balance"`
	CustodyDisplay    decimal.Decimal `json:"custody_display"`
	FeeBasisPoints    int64           `json:"fee_basis_points"`
	FeeRatePercent    decimal.Decimal `json:"fee_rate_percent"`
	AutoReleaseWindow string          `json:"auto_release_window"`
	Paused            bool            `json:"paused"`
}

// Custody reports the open-escrow totals against the actual custody balance.
// At any quiescent point OpenAmount == CustodyBalance; a divergence means
// the paired transfer-and-write contract has been violated.
func (e *Engine) Custody(ctx context.Context) (*CustodySummary, error) {
	records, err := e.ledger.List(ctx)
	if err != nil {
		return nil, err
	}
	open := 0
	for _, rec := range records {
		if rec.State.Open() {
			open++
		}
	}

	openAmount, err := e.ledger.OpenAmountTotal(ctx)
	if err != nil {
		return nil, err
	}
	balance, err := e.bank.CustodyBalance(ctx)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	bps := e.feeBps
	paused := e.paused
	e.mu.Unlock()

	return &CustodySummary{
		OpenEscrows:       open,
		OpenAmount:        openAmount,
		CustodyBalance:    balance,
		CustodyDisplay:    model.DisplayAmount(balance),
		FeeBasisPoints:    bps,
		FeeRatePercent:    decimal.New(bps, -2), // 250 bps → 2.50%
		AutoReleaseWindow: e.cfg.AutoReleaseWindow.String(),
		Paused:            paused,
	}, nil
}

// --- Owner configuration surface ---

// SetFeeBasisPoints changes the global fee rate for escrows created
// afterward; in-flight escrows keep their snapshotted rate. Owner only.
func (e *Engine) SetFeeBasisPoints(caller model.Party, bps int64) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if caller != e.cfg.Owner {
		return ErrUnauthorized
	}
	if bps < 0 || bps > e.cfg.MaxFeeBasisPoints {
		return ErrFeeTooHigh
	}
	e.feeBps = bps
	slog.Info("fee rate changed", "fee_bps", bps)
	return nil
}

// FeeBasisPoints returns the current global fee rate.
func (e *Engine) FeeBasisPoints() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.feeBps
}

// Pause stops new escrow creation. In-flight escrows may still be shipped,
// disputed, refunded, and auto-released — a pause can never trap funds.
// Owner only.
func (e *Engine) Pause(caller model.Party) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if caller != e.cfg.Owner {
		return ErrUnauthorized
	}
	e.paused = true
	slog.Warn("escrow engine paused")
	return nil
}

// Unpause re-enables escrow creation. Owner only.
func (e *Engine) Unpause(caller model.Party) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if caller != e.cfg.Owner {
		return ErrUnauthorized
	}
	e.paused = false
	slog.Info("escrow engine unpaused")
	return nil
}

// Paused reports whether escrow creation is currently refused.
func (e *Engine) Paused() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.paused
}

// --- Helpers ---

func (e *Engine) publish(event Event) {
	if e.hub != nil {
		e.hub.Broadcast(event)
	}
}

func (e *Engine) refreshCustodyGauge(ctx context.Context) {
	if balance, err := e.bank.CustodyBalance(ctx); err == nil {
		metrics.CustodyBalance.Set(float64(balance))
	}
}

func initiatorLabel(rec *model.EscrowRecord) string {
	if rec.DisputeInitiator != nil && *rec.DisputeInitiator == rec.Seller {
		return "seller"
	}
	return "buyer"
}

// deriveID deterministically derives the escrow id from the parties, the
// order reference, and a creation-time nonce.
func deriveID(buyer, seller model.Party, orderRef, nonce string) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s|%s|%s|%s", buyer, seller, orderRef, nonce)
	return hex.EncodeToString(h.Sum(nil))
}
