// Package model defines the core domain types shared across the escrow
// settlement engine. All monetary values are int64 minor currency units —
// never float64 for money. Display-precision conversion to major units uses
// shopspring/decimal.
package model

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Party is an authenticated account identity (buyer, seller, owner, or the
// platform fee account). The engine never trusts client-supplied identity
// fields; handlers receive the caller from the marketplace's auth gateway.
type Party string

// State is the lifecycle state of an escrow record.
//
// The numeric values are inherited from the marketplace's original escrow
// contract: value 2 was a standalone "delivered" state that has since been
// folded into the confirm-delivery transition, so it stays reserved.
// Refunded and Completed are terminal; a record never leaves either.
type State int

const (
	StateCreated   State = 0
	StateShipped   State = 1
	StateRefunded  State = 3
	StateCompleted State = 4
	StateDisputed  State = 5
)

var stateNames = map[State]string{
	StateCreated:   "created",
	StateShipped:   "shipped",
	StateRefunded:  "refunded",
	StateCompleted: "completed",
	StateDisputed:  "disputed",
}

// String returns the canonical lowercase name used over JSON and in storage.
func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Terminal reports whether the state is final. Terminal records are kept for
// audit but accept no further transitions.
func (s State) Terminal() bool {
	return s == StateRefunded || s == StateCompleted
}

// Open reports whether the record still holds custodied funds.
func (s State) Open() bool {
	return s == StateCreated || s == StateShipped || s == StateDisputed
}

// ParseState converts a stored state name back to its State value.
func ParseState(name string) (State, error) {
	for s, n := range stateNames {
		if n == name {
			return s, nil
		}
	}
	return 0, fmt.Errorf("model: unknown state %q", name)
}

// MarshalJSON serializes the state as its string name.
func (s State) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// UnmarshalJSON parses the string name form.
func (s *State) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	parsed, err := ParseState(name)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// EscrowRecord is one custody arrangement for one physical-goods trade.
// ID and Amount are immutable after creation; FeeBasisPoints is snapshotted
// from the engine configuration at creation time so later rate changes never
// affect in-flight escrows.
type EscrowRecord struct {
	ID               string     `json:"id" db:"id"`
	Buyer            Party      `json:"buyer" db:"buyer"`
	Seller           Party      `json:"seller" db:"seller"`
	OrderRef         string     `json:"order_ref" db:"order_ref"`
	Amount           int64      `json:"amount" db:"amount"` // minor currency units
	FeeBasisPoints   int64      `json:"fee_basis_points" db:"fee_basis_points"`
	State            State      `json:"state" db:"state"`
	CreatedAt        time.Time  `json:"created_at" db:"created_at"`
	ShippedAt        *time.Time `json:"shipped_at,omitempty" db:"shipped_at"`
	ClosedAt         *time.Time `json:"closed_at,omitempty" db:"closed_at"`
	DisputeInitiator *Party     `json:"dispute_initiator,omitempty" db:"dispute_initiator"`
}

// MinorUnitExponent is the decimal exponent between minor and major currency
// units (2 → cents).
const MinorUnitExponent = 2

// DisplayAmount converts minor currency units to a major-unit decimal for
// read surfaces. 1_000_000 minor units → 10000.00.
func DisplayAmount(minor int64) decimal.Decimal {
	return decimal.New(minor, -MinorUnitExponent)
}
