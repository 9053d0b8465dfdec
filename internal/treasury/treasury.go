// Package treasury provides the value-transfer capability the escrow engine
// settles through. The engine treats transfers as fallible, synchronous, and
// authoritative — a failed transfer aborts the whole escrow operation.
//
// MemoryBank is an in-process account book used for tests and development.
// A production deployment substitutes an adapter for the marketplace's real
// settlement layer behind the same interface.
package treasury

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/RoiLaboratories/Know-Empire-sub000/internal/model"
)

var (
	// ErrInsufficientFunds is returned when the debited account cannot
	// cover the transfer.
	ErrInsufficientFunds = errors.New("treasury: insufficient funds")

	// ErrInvalidTransfer is returned for a non-positive transfer amount.
	ErrInvalidTransfer = errors.New("treasury: transfer amount must be positive")
)

// Receipt records one executed transfer.
type Receipt struct {
	ID        string      `json:"id"`
	Account   model.Party `json:"account"`
	Amount    int64       `json:"amount"`
	Timestamp time.Time   `json:"timestamp"`
}

// Treasury is the value-transfer capability. TransferIn moves funds from a
// party into custody; TransferOut moves funds from custody to a party.
type Treasury interface {
	TransferIn(ctx context.Context, from model.Party, amount int64) (*Receipt, error)
	TransferOut(ctx context.Context, to model.Party, amount int64) (*Receipt, error)

	// CustodyBalance returns the value currently held in custody.
	CustodyBalance(ctx context.Context) (int64, error)

	// BalanceOf returns a party's free balance.
	BalanceOf(ctx context.Context, p model.Party) (int64, error)
}

// MemoryBank implements Treasury with in-memory account balances.
type MemoryBank struct {
	mu       sync.Mutex
	accounts map[model.Party]int64
	custody  int64
}

// NewMemoryBank creates an empty in-process account book.
func NewMemoryBank() *MemoryBank {
	return &MemoryBank{
		accounts: make(map[model.Party]int64),
	}
}

// Deposit credits a party's free balance. Used to seed accounts in tests and
// development.
func (b *MemoryBank) Deposit(p model.Party, amount int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.accounts[p] += amount
}

func (b *MemoryBank) TransferIn(_ context.Context, from model.Party, amount int64) (*Receipt, error) {
	if amount <= 0 {
		return nil, ErrInvalidTransfer
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.accounts[from] < amount {
		return nil, ErrInsufficientFunds
	}
	b.accounts[from] -= amount
	b.custody += amount

	return b.receipt(from, amount), nil
}

func (b *MemoryBank) TransferOut(_ context.Context, to model.Party, amount int64) (*Receipt, error) {
	if amount <= 0 {
		return nil, ErrInvalidTransfer
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.custody < amount {
		return nil, ErrInsufficientFunds
	}
	b.custody -= amount
	b.accounts[to] += amount

	return b.receipt(to, amount), nil
}

func (b *MemoryBank) CustodyBalance(_ context.Context) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.custody, nil
}

func (b *MemoryBank) BalanceOf(_ context.Context, p model.Party) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.accounts[p], nil
}

func (b *MemoryBank) receipt(account model.Party, amount int64) *Receipt {
	return &Receipt{
		ID:        uuid.New().String(),
		Account:   account,
		Amount:    amount,
		Timestamp: time.Now().UTC(),
	}
}
