// Package bank keeps account balances for the hosts that drive escrows. It
// models the "attached payment" of a call: the host debits the caller before
// invoking an escrow operation and credits the amount back if the operation is
// rejected. Payouts out of escrow custody are delivered through Send.
package bank

import (
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/holiman/uint256"

	"arbescrow/storage"
)

var (
	ErrInsufficientFunds = errors.New("bank: insufficient funds")
	ErrNegativeAmount    = errors.New("bank: negative amount")
	ErrOverflow          = errors.New("bank: balance exceeds 256 bits")
	ErrRecipientRejected = errors.New("bank: recipient rejected funds")
)

var balancePrefix = []byte("bank/balance/")

// Ledger stores balances as 256-bit unsigned integers.
type Ledger struct {
	mu        sync.Mutex
	db        storage.Database
	rejecting map[[20]byte]struct{}
}

// NewLedger creates a ledger over the supplied database.
func NewLedger(db storage.Database) *Ledger {
	if db == nil {
		db = storage.NewMemDB()
	}
	return &Ledger{db: db, rejecting: make(map[[20]byte]struct{})}
}

func balanceKey(addr [20]byte) []byte {
	key := make([]byte, 0, len(balancePrefix)+40)
	key = append(key, balancePrefix...)
	return append(key, hex.EncodeToString(addr[:])...)
}

func (l *Ledger) load(addr [20]byte) (*uint256.Int, error) {
	raw, err := l.db.Get(balanceKey(addr))
	if errors.Is(err, storage.ErrNotFound) {
		return new(uint256.Int), nil
	}
	if err != nil {
		return nil, fmt.Errorf("bank: load balance: %w", err)
	}
	return new(uint256.Int).SetBytes(raw), nil
}

func (l *Ledger) store(addr [20]byte, balance *uint256.Int) error {
	buf := balance.Bytes32()
	if err := l.db.Put(balanceKey(addr), buf[:]); err != nil {
		return fmt.Errorf("bank: store balance: %w", err)
	}
	return nil
}

func toUint256(amount *big.Int) (*uint256.Int, error) {
	if amount == nil {
		return new(uint256.Int), nil
	}
	if amount.Sign() < 0 {
		return nil, ErrNegativeAmount
	}
	value, overflow := uint256.FromBig(amount)
	if overflow {
		return nil, ErrOverflow
	}
	return value, nil
}

// Balance returns the current balance of addr.
func (l *Ledger) Balance(addr [20]byte) (*big.Int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	balance, err := l.load(addr)
	if err != nil {
		return nil, err
	}
	return balance.ToBig(), nil
}

// Credit adds amount to addr.
func (l *Ledger) Credit(addr [20]byte, amount *big.Int) error {
	value, err := toUint256(amount)
	if err != nil {
		return err
	}
	if value.IsZero() {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	balance, err := l.load(addr)
	if err != nil {
		return err
	}
	sum, overflow := new(uint256.Int).AddOverflow(balance, value)
	if overflow {
		return ErrOverflow
	}
	return l.store(addr, sum)
}

// Debit removes amount from addr, failing without change when the balance is
// too small.
func (l *Ledger) Debit(addr [20]byte, amount *big.Int) error {
	value, err := toUint256(amount)
	if err != nil {
		return err
	}
	if value.IsZero() {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	balance, err := l.load(addr)
	if err != nil {
		return err
	}
	if balance.Lt(value) {
		return fmt.Errorf("%w: have %s, need %s", ErrInsufficientFunds, balance.Dec(), value.Dec())
	}
	return l.store(addr, new(uint256.Int).Sub(balance, value))
}

// Send delivers a payout to addr. Accounts flagged with SetRejecting refuse
// every incoming payout, mirroring recipients that cannot accept funds.
func (l *Ledger) Send(to [20]byte, amount *big.Int) error {
	l.mu.Lock()
	_, rejecting := l.rejecting[to]
	l.mu.Unlock()
	if rejecting {
		return ErrRecipientRejected
	}
	return l.Credit(to, amount)
}

// SetRejecting toggles whether addr refuses payouts delivered through Send.
func (l *Ledger) SetRejecting(addr [20]byte, rejecting bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if rejecting {
		l.rejecting[addr] = struct{}{}
		return
	}
	delete(l.rejecting, addr)
}
