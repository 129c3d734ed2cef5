package events

import (
	"encoding/hex"
	"math/big"

	"arbescrow/core/types"
)

const (
	// TypePayout is emitted for every attempt to move custody funds out of an
	// escrow, whether or not the recipient accepted them.
	TypePayout = "escrow.payout"
)

// Payout describes a best-effort transfer attempt out of escrow custody.
type Payout struct {
	EscrowID  [32]byte
	Recipient [20]byte
	Amount    *big.Int
	Reason    string
	Delivered bool
	Error     string
}

func (Payout) EventType() string { return TypePayout }

func (e Payout) Event() *types.Event {
	attrs := map[string]string{
		"recipient": formatAccount(e.Recipient),
		"amount":    formatAmount(e.Amount),
		"delivered": boolToString(e.Delivered),
	}
	if !zeroBytes(e.EscrowID[:]) {
		attrs["escrowId"] = hex.EncodeToString(e.EscrowID[:])
	}
	if e.Reason != "" {
		attrs["reason"] = e.Reason
	}
	if e.Error != "" {
		attrs["error"] = e.Error
	}
	return &types.Event{Type: TypePayout, Attributes: attrs}
}

func boolToString(v bool) string {
	if v {
		return "true"
	}
	return "false"
}
