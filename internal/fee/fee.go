// Package fee implements the basis-point marketplace fee split used on every
// settlement.
//
// All arithmetic is integer arithmetic over minor currency units with
// truncation — the platform never collects more than the configured rate.
// Any computation that would overflow fails closed with ErrArithmetic
// instead of wrapping.
package fee

import (
	"errors"
	"math"
)

// Denominator is the basis-point denominator: 10000 bps = 100%.
const Denominator int64 = 10_000

var (
	// ErrArithmetic is returned when a fee computation would overflow or
	// receives an out-of-range operand.
	ErrArithmetic = errors.New("fee: computation out of arithmetic range")
)

// Split computes the platform fee and seller payout for a settlement:
//
//	fee    = amount * bps / 10000   (truncating)
//	payout = amount - fee
//
// It is a pure function. fee + payout == amount holds for every valid input.
func Split(amount, bps int64) (fee, payout int64, err error) {
	if amount < 0 || bps < 0 {
		return 0, 0, ErrArithmetic
	}
	if bps > 0 && amount > math.MaxInt64/bps {
		return 0, 0, ErrArithmetic
	}
	fee = amount * bps / Denominator
	return fee, amount - fee, nil
}
