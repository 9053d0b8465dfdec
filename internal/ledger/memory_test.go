package ledger_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/RoiLaboratories/Know-Empire-sub000/internal/ledger"
	"github.com/RoiLaboratories/Know-Empire-sub000/internal/model"
)

func newRecord(id, orderRef string, amount int64) *model.EscrowRecord {
	return &model.EscrowRecord{
		ID:             id,
		Buyer:          "buyer-1",
		Seller:         "seller-1",
		OrderRef:       orderRef,
		Amount:         amount,
		FeeBasisPoints: 250,
		State:          model.StateCreated,
		CreatedAt:      time.Now().UTC(),
	}
}

func TestMemoryLedger_CreateAndGet(t *testing.T) {
	ml := ledger.NewMemoryLedger()
	ctx := context.Background()

	if err := ml.Create(ctx, newRecord("esc-1", "order-1", 500)); err != nil {
		t.Fatalf("create failed: %v", err)
	}

	rec, err := ml.Get(ctx, "esc-1")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if rec.OrderRef != "order-1" || rec.Amount != 500 {
		t.Errorf("unexpected record: %+v", rec)
	}

	// Returned record is a copy; mutating it must not affect the store.
	rec.Amount = 999
	again, _ := ml.Get(ctx, "esc-1")
	if again.Amount != 500 {
		t.Error("store record mutated through a returned copy")
	}
}

func TestMemoryLedger_GetNotFound(t *testing.T) {
	ml := ledger.NewMemoryLedger()
	if _, err := ml.Get(context.Background(), "missing"); !errors.Is(err, ledger.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestMemoryLedger_DuplicateOrderRef(t *testing.T) {
	ml := ledger.NewMemoryLedger()
	ctx := context.Background()

	if err := ml.Create(ctx, newRecord("esc-1", "order-1", 500)); err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if err := ml.Create(ctx, newRecord("esc-2", "order-1", 700)); !errors.Is(err, ledger.ErrDuplicateOrder) {
		t.Errorf("expected ErrDuplicateOrder, got %v", err)
	}
}

func TestMemoryLedger_TerminalRecordReleasesOrderRef(t *testing.T) {
	ml := ledger.NewMemoryLedger()
	ctx := context.Background()

	if err := ml.Create(ctx, newRecord("esc-1", "order-1", 500)); err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if _, err := ml.Update(ctx, "esc-1", func(r *model.EscrowRecord) error {
		r.State = model.StateCompleted
		return nil
	}); err != nil {
		t.Fatalf("update failed: %v", err)
	}

	// The reference is free again, and the terminal record stays for audit.
	if err := ml.Create(ctx, newRecord("esc-2", "order-1", 700)); err != nil {
		t.Errorf("terminal record should release its order ref: %v", err)
	}
	if _, err := ml.Get(ctx, "esc-1"); err != nil {
		t.Errorf("terminal record should remain readable: %v", err)
	}
}

func TestMemoryLedger_UpdateFailureLeavesRecordUntouched(t *testing.T) {
	ml := ledger.NewMemoryLedger()
	ctx := context.Background()

	if err := ml.Create(ctx, newRecord("esc-1", "order-1", 500)); err != nil {
		t.Fatalf("create failed: %v", err)
	}

	boom := errors.New("guard failed")
	_, err := ml.Update(ctx, "esc-1", func(r *model.EscrowRecord) error {
		r.State = model.StateCompleted
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected mutator error, got %v", err)
	}

	rec, _ := ml.Get(ctx, "esc-1")
	if rec.State != model.StateCreated {
		t.Errorf("failed update must not be observable, state = %s", rec.State)
	}
}

func TestMemoryLedger_OpenAmountTotal(t *testing.T) {
	ml := ledger.NewMemoryLedger()
	ctx := context.Background()

	ml.Create(ctx, newRecord("esc-1", "order-1", 500))
	ml.Create(ctx, newRecord("esc-2", "order-2", 700))
	ml.Create(ctx, newRecord("esc-3", "order-3", 900))

	// Dispute keeps funds custodied; completion releases them.
	ml.Update(ctx, "esc-2", func(r *model.EscrowRecord) error {
		r.State = model.StateDisputed
		return nil
	})
	ml.Update(ctx, "esc-3", func(r *model.EscrowRecord) error {
		r.State = model.StateCompleted
		return nil
	})

	total, err := ml.OpenAmountTotal(ctx)
	if err != nil {
		t.Fatalf("open amount total failed: %v", err)
	}
	if total != 1200 {
		t.Errorf("expected open total 1200, got %d", total)
	}
}
