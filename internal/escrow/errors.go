package escrow

import (
	"errors"

	"github.com/RoiLaboratories/Know-Empire-sub000/internal/fee"
	"github.com/RoiLaboratories/Know-Empire-sub000/internal/ledger"
)

// Stable error kinds for every guard in the transition table. Each failure
// returns exactly one of these (possibly wrapped); callers discriminate with
// errors.Is. No error is ever paired with a partial mutation.
var (
	// ErrInvalidAmount is returned when the amount is not positive, the
	// buyer equals the seller, or a creation field is missing.
	ErrInvalidAmount = errors.New("escrow: invalid amount or parties")

	// ErrDuplicateOrder is returned when the order reference is already in
	// use by a non-terminal escrow.
	ErrDuplicateOrder = ledger.ErrDuplicateOrder

	// ErrNotFound is returned when the referenced escrow does not exist.
	ErrNotFound = ledger.ErrNotFound

	// ErrUnauthorized is returned when the caller is not the required
	// party for the requested operation.
	ErrUnauthorized = errors.New("escrow: caller not authorized for this operation")

	// ErrInvalidState is returned when the operation is not legal from the
	// record's current state.
	ErrInvalidState = errors.New("escrow: operation not legal in current state")

	// ErrTransferFailed is returned when the treasury rejected a value
	// transfer; the operation is aborted whole.
	ErrTransferFailed = errors.New("escrow: value transfer failed")

	// ErrFeeTooHigh is returned when a proposed fee rate exceeds the
	// configured cap.
	ErrFeeTooHigh = errors.New("escrow: fee exceeds configured cap")

	// ErrArithmetic is returned when the fee/payout computation would
	// overflow.
	ErrArithmetic = fee.ErrArithmetic

	// ErrPaused is returned when escrow creation is attempted while the
	// engine is paused.
	ErrPaused = errors.New("escrow: engine is paused")

	// ErrNotEligible is returned when auto-release is attempted before the
	// window has elapsed.
	ErrNotEligible = errors.New("escrow: auto-release window has not elapsed")
)
