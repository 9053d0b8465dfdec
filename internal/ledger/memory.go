package ledger

import (
	"context"
	"sort"
	"sync"

	"github.com/RoiLaboratories/Know-Empire-sub000/internal/model"
)

// MemoryLedger implements Ledger with in-memory maps. Used for testing and
// development. Not suitable for production (no persistence).
type MemoryLedger struct {
	mu      sync.RWMutex
	records map[string]*model.EscrowRecord
}

// NewMemoryLedger creates a new in-memory ledger.
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{
		records: make(map[string]*model.EscrowRecord),
	}
}

func (l *MemoryLedger) Create(_ context.Context, rec *model.EscrowRecord) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	for _, existing := range l.records {
		if existing.OrderRef == rec.OrderRef && !existing.State.Terminal() {
			return ErrDuplicateOrder
		}
	}

	// Store a copy to avoid external mutation.
	cp := *rec
	l.records[rec.ID] = &cp
	return nil
}

func (l *MemoryLedger) Get(_ context.Context, id string) (*model.EscrowRecord, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	rec, ok := l.records[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *rec
	return &cp, nil
}

func (l *MemoryLedger) Update(_ context.Context, id string, mutate Mutator) (*model.EscrowRecord, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	rec, ok := l.records[id]
	if !ok {
		return nil, ErrNotFound
	}

	// Mutate a copy; commit only on success so a failed guard leaves the
	// stored record untouched.
	cp := *rec
	if err := mutate(&cp); err != nil {
		return nil, err
	}
	l.records[id] = &cp

	out := cp
	return &out, nil
}

func (l *MemoryLedger) List(_ context.Context) ([]model.EscrowRecord, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	records := make([]model.EscrowRecord, 0, len(l.records))
	for _, rec := range l.records {
		records = append(records, *rec)
	}
	sort.Slice(records, func(i, j int) bool {
		return records[i].CreatedAt.After(records[j].CreatedAt)
	})
	return records, nil
}

func (l *MemoryLedger) OpenAmountTotal(_ context.Context) (int64, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var total int64
	for _, rec := range l.records {
		if rec.State.Open() {
			total += rec.Amount
		}
	}
	return total, nil
}
