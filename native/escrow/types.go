package escrow

import (
	"encoding/hex"
	"fmt"
	"math/big"
	"time"

	"arbescrow/core/arbitration"
)

// Status represents the lifecycle states of an escrow. Statuses only ever move
// forward; StatusResolved is terminal.
type Status uint8

const (
	StatusInitial Status = iota
	StatusReclaimed
	StatusDisputed
	StatusResolved
)

// Valid reports whether the status value is within the supported range.
func (s Status) Valid() bool {
	switch s {
	case StatusInitial, StatusReclaimed, StatusDisputed, StatusResolved:
		return true
	default:
		return false
	}
}

func (s Status) String() string {
	switch s {
	case StatusInitial:
		return "initial"
	case StatusReclaimed:
		return "reclaimed"
	case StatusDisputed:
		return "disputed"
	case StatusResolved:
		return "resolved"
	default:
		return fmt.Sprintf("status(%d)", uint8(s))
	}
}

// ParseStatus is the inverse of Status.String.
func ParseStatus(v string) (Status, error) {
	for s := StatusInitial; s <= StatusResolved; s++ {
		if s.String() == v {
			return s, nil
		}
	}
	return 0, fmt.Errorf("unknown escrow status %q", v)
}

const (
	// RulingPayerWins sends the custody balance back to the payer.
	RulingPayerWins arbitration.Ruling = 1
	// RulingPayeeWins sends the custody balance to the payee.
	RulingPayeeWins arbitration.Ruling = 2
	// RulingOptions is the number of choices offered to the arbitrator.
	RulingOptions uint64 = 2
)

// DefaultPeriod is used for both the reclamation and the arbitration fee
// deposit windows unless overridden.
const DefaultPeriod = 3 * time.Minute

// payoutPending marks a payout committed with its escrow but not yet sent.
const payoutPending = "pending"

// Payout records one best-effort transfer out of custody. A payout is
// committed together with the state change that triggers it and sent only
// afterwards, so a crash in between leaves it pending rather than sent twice.
type Payout struct {
	Recipient [20]byte
	Amount    *big.Int
	Reason    string
	Delivered bool
	Error     string
}

// Escrow captures the immutable terms and the runtime status of a single
// escrow. Timestamps are unix seconds.
type Escrow struct {
	ID         [32]byte
	Payer      [20]byte
	Payee      [20]byte
	Arbitrator [20]byte
	Value      *big.Int
	// Balance is the amount currently held in custody. It exceeds Value while
	// the payer's arbitration fee is held and drops to zero on resolution.
	Balance *big.Int
	Status  Status

	CreatedAt   int64
	ReclaimedAt int64
	ResolvedAt  int64

	ReclamationPeriod           time.Duration
	ArbitrationFeeDepositPeriod time.Duration

	MetaEvidenceID  uint64
	MetaEvidenceURI string
	EvidenceGroupID uint64
	ExtraData       []byte

	HasDispute bool
	DisputeID  uint64
	Ruling     arbitration.Ruling

	Payouts []Payout
}

// IDHex returns the hex encoded identifier.
func (e *Escrow) IDHex() string {
	return hex.EncodeToString(e.ID[:])
}

// Clone returns a deep copy of the escrow object so callers can safely mutate
// the copy without affecting the stored instance.
func (e *Escrow) Clone() *Escrow {
	if e == nil {
		return nil
	}
	clone := *e
	clone.Value = cloneBigInt(e.Value)
	clone.Balance = cloneBigInt(e.Balance)
	clone.ExtraData = append([]byte(nil), e.ExtraData...)
	if e.Payouts != nil {
		clone.Payouts = make([]Payout, len(e.Payouts))
		for i, p := range e.Payouts {
			p.Amount = cloneBigInt(p.Amount)
			clone.Payouts[i] = p
		}
	}
	return &clone
}

// Validate checks the structural invariants of a snapshot. It is used when
// restoring escrows from storage.
func (e *Escrow) Validate() error {
	if e == nil {
		return fmt.Errorf("%w: nil escrow", ErrInvalidParams)
	}
	if !e.Status.Valid() {
		return fmt.Errorf("%w: status %d", ErrInvalidParams, e.Status)
	}
	if e.Payer == ([20]byte{}) || e.Payee == ([20]byte{}) || e.Arbitrator == ([20]byte{}) {
		return fmt.Errorf("%w: payer, payee and arbitrator are required", ErrInvalidParams)
	}
	if e.Value == nil || e.Value.Sign() <= 0 {
		return fmt.Errorf("%w: value must be positive", ErrInvalidParams)
	}
	if e.Balance == nil || e.Balance.Sign() < 0 {
		return fmt.Errorf("%w: balance must be non-negative", ErrInvalidParams)
	}
	if e.Status == StatusResolved && e.Balance.Sign() != 0 {
		return fmt.Errorf("%w: resolved escrow still holds funds", ErrInvalidParams)
	}
	if e.Status == StatusDisputed && !e.HasDispute {
		return fmt.Errorf("%w: disputed escrow without dispute id", ErrInvalidParams)
	}
	if e.ReclamationPeriod <= 0 || e.ArbitrationFeeDepositPeriod <= 0 {
		return fmt.Errorf("%w: periods must be positive", ErrInvalidParams)
	}
	return nil
}

func cloneBigInt(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(v)
}
