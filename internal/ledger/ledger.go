// Package ledger defines the persistence interface for escrow records.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), and in-memory (for testing and development).
package ledger

import (
	"context"
	"errors"

	"github.com/RoiLaboratories/Know-Empire-sub000/internal/model"
)

var (
	// ErrNotFound is returned when the referenced escrow id does not exist.
	ErrNotFound = errors.New("ledger: escrow not found")

	// ErrDuplicateOrder is returned when an order reference is already in
	// use by a non-terminal escrow. Terminal records release their
	// reference but are themselves kept forever for audit.
	ErrDuplicateOrder = errors.New("ledger: order reference already in use")
)

// Mutator applies a single state transition to a record. It runs inside the
// ledger's atomic unit; returning an error aborts the update with no
// observable change.
type Mutator func(*model.EscrowRecord) error

// Ledger is the persistence interface. Records are never deleted — reaching
// a terminal state is a logical close, not a physical one.
type Ledger interface {
	// Create persists a new record. Fails with ErrDuplicateOrder if the
	// order reference is held by a non-terminal record.
	Create(ctx context.Context, rec *model.EscrowRecord) error

	// Get retrieves a record by id. Fails with ErrNotFound if absent.
	Get(ctx context.Context, id string) (*model.EscrowRecord, error)

	// Update applies mutate atomically and returns the post-state. No
	// partial write is observable to concurrent readers.
	Update(ctx context.Context, id string, mutate Mutator) (*model.EscrowRecord, error)

	// List returns all records, newest first.
	List(ctx context.Context) ([]model.EscrowRecord, error)

	// OpenAmountTotal sums Amount over all records still holding custodied
	// funds (Created, Shipped, Disputed). This must equal the treasury's
	// custody balance at every quiescent point.
	OpenAmountTotal(ctx context.Context) (int64, error)
}
