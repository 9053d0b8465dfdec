package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/RoiLaboratories/Know-Empire-sub000/internal/model"
)

// PostgresLedger implements Ledger using PostgreSQL as the source of truth.
// Amounts are stored as BIGINT minor currency units. Every Update runs in a
// transaction holding FOR UPDATE on the row, so a multi-instance deployment
// can rely on the database for per-record serialization.
type PostgresLedger struct {
	pool *pgxpool.Pool
}

// NewPostgresLedger creates a new PostgreSQL-backed ledger.
func NewPostgresLedger(pool *pgxpool.Pool) *PostgresLedger {
	return &PostgresLedger{pool: pool}
}

const recordColumns = `id, buyer, seller, order_ref, amount, fee_basis_points,
        state, created_at, shipped_at, closed_at, dispute_initiator`

func (l *PostgresLedger) Create(ctx context.Context, rec *model.EscrowRecord) error {
	tx, err := l.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("create escrow: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	var inUse bool
	err = tx.QueryRow(ctx,
		`SELECT EXISTS (
		    SELECT 1 FROM escrows
		    WHERE order_ref = $1 AND state NOT IN ('refunded', 'completed')
		 )`, rec.OrderRef).Scan(&inUse)
	if err != nil {
		return fmt.Errorf("create escrow: check order ref: %w", err)
	}
	if inUse {
		return ErrDuplicateOrder
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO escrows (id, buyer, seller, order_ref, amount, fee_basis_points,
		                      state, created_at, shipped_at, closed_at, dispute_initiator)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		rec.ID, string(rec.Buyer), string(rec.Seller), rec.OrderRef,
		rec.Amount, rec.FeeBasisPoints, rec.State.String(), rec.CreatedAt,
		rec.ShippedAt, rec.ClosedAt, partyPtr(rec.DisputeInitiator),
	)
	if err != nil {
		return fmt.Errorf("create escrow %s: %w", rec.ID, err)
	}
	return tx.Commit(ctx)
}

func (l *PostgresLedger) Get(ctx context.Context, id string) (*model.EscrowRecord, error) {
	row := l.pool.QueryRow(ctx,
		`SELECT `+recordColumns+` FROM escrows WHERE id = $1`, id)
	rec, err := scanRecord(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get escrow %s: %w", id, err)
	}
	return rec, nil
}

func (l *PostgresLedger) Update(ctx context.Context, id string, mutate Mutator) (*model.EscrowRecord, error) {
	tx, err := l.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("update escrow: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	row := tx.QueryRow(ctx,
		`SELECT `+recordColumns+` FROM escrows WHERE id = $1 FOR UPDATE`, id)
	rec, err := scanRecord(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("update escrow %s: %w", id, err)
	}

	if err := mutate(rec); err != nil {
		return nil, err
	}

	_, err = tx.Exec(ctx,
		`UPDATE escrows
		 SET state = $2, shipped_at = $3, closed_at = $4, dispute_initiator = $5
		 WHERE id = $1`,
		id, rec.State.String(), rec.ShippedAt, rec.ClosedAt, partyPtr(rec.DisputeInitiator),
	)
	if err != nil {
		return nil, fmt.Errorf("update escrow %s: %w", id, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("update escrow %s: commit: %w", id, err)
	}
	return rec, nil
}

func (l *PostgresLedger) List(ctx context.Context) ([]model.EscrowRecord, error) {
	rows, err := l.pool.Query(ctx,
		`SELECT `+recordColumns+` FROM escrows ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []model.EscrowRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, *rec)
	}
	return records, rows.Err()
}

func (l *PostgresLedger) OpenAmountTotal(ctx context.Context) (int64, error) {
	var total int64
	err := l.pool.QueryRow(ctx,
		`SELECT COALESCE(SUM(amount), 0)
		 FROM escrows
		 WHERE state NOT IN ('refunded', 'completed')`).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("open amount total: %w", err)
	}
	return total, nil
}

// scanRecord reads one escrow row into an EscrowRecord.
type pgxRow interface {
	Scan(dest ...any) error
}

func scanRecord(row pgxRow) (*model.EscrowRecord, error) {
	var (
		rec              model.EscrowRecord
		buyer, seller    string
		stateName        string
		shippedAt        *time.Time
		closedAt         *time.Time
		disputeInitiator *string
	)

	if err := row.Scan(&rec.ID, &buyer, &seller, &rec.OrderRef,
		&rec.Amount, &rec.FeeBasisPoints, &stateName, &rec.CreatedAt,
		&shippedAt, &closedAt, &disputeInitiator); err != nil {
		return nil, err
	}

	state, err := model.ParseState(stateName)
	if err != nil {
		return nil, err
	}

	rec.Buyer = model.Party(buyer)
	rec.Seller = model.Party(seller)
	rec.State = state
	rec.ShippedAt = shippedAt
	rec.ClosedAt = closedAt
	if disputeInitiator != nil {
		p := model.Party(*disputeInitiator)
		rec.DisputeInitiator = &p
	}
	return &rec, nil
}

func partyPtr(p *model.Party) *string {
	if p == nil {
		return nil
	}
	s := string(*p)
	return &s
}
