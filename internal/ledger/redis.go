package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/RoiLaboratories/Know-Empire-sub000/internal/model"
)

// CachedLedger wraps a primary Ledger (PostgreSQL) with a Redis read-through
// cache for the marketplace's read surface. Writes go to the primary ledger
// and refresh the cache; reads check Redis first then fall back to the
// primary. List and OpenAmountTotal always hit the primary — the custody
// invariant is checked against the source of truth, never a cache.
type CachedLedger struct {
	primary Ledger
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedLedger creates a cached wrapper around a primary ledger.
func NewCachedLedger(primary Ledger, rdb *redis.Client, ttl time.Duration) *CachedLedger {
	return &CachedLedger{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

func (l *CachedLedger) Create(ctx context.Context, rec *model.EscrowRecord) error {
	if err := l.primary.Create(ctx, rec); err != nil {
		return err
	}
	l.cacheRecord(ctx, rec)
	return nil
}

func (l *CachedLedger) Get(ctx context.Context, id string) (*model.EscrowRecord, error) {
	data, err := l.rdb.Get(ctx, escrowKey(id)).Bytes()
	if err == nil {
		var rec model.EscrowRecord
		if json.Unmarshal(data, &rec) == nil {
			return &rec, nil
		}
	}

	rec, err := l.primary.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	l.cacheRecord(ctx, rec)
	return rec, nil
}

func (l *CachedLedger) Update(ctx context.Context, id string, mutate Mutator) (*model.EscrowRecord, error) {
	rec, err := l.primary.Update(ctx, id, mutate)
	if err != nil {
		return nil, err
	}
	// Refresh with the post-state so readers never see the stale record.
	l.cacheRecord(ctx, rec)
	return rec, nil
}

func (l *CachedLedger) List(ctx context.Context) ([]model.EscrowRecord, error) {
	return l.primary.List(ctx)
}

func (l *CachedLedger) OpenAmountTotal(ctx context.Context) (int64, error) {
	return l.primary.OpenAmountTotal(ctx)
}

func (l *CachedLedger) cacheRecord(ctx context.Context, rec *model.EscrowRecord) {
	if data, err := json.Marshal(rec); err == nil {
		l.rdb.Set(ctx, escrowKey(rec.ID), data, l.ttl)
	}
}

func escrowKey(id string) string { return fmt.Sprintf("escrow:%s", id) }
