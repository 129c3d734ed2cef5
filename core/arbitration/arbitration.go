// Package arbitration defines the protocol spoken between an arbitrable
// contract (such as an escrow) and the arbitrator that settles its disputes.
package arbitration

import "math/big"

// Ruling is the arbitrator's decision for a dispute. Zero is reserved for
// "refused to arbitrate"; valid choices start at one.
type Ruling uint64

// RefusedToArbitrate is the ruling given when the arbitrator declines to pick
// any of the offered options.
const RefusedToArbitrate Ruling = 0

// Arbitrable is implemented by contracts that accept rulings. The arbitrator
// passes its own address as caller so the contract can authenticate it.
type Arbitrable interface {
	Rule(caller [20]byte, disputeID uint64, ruling Ruling) error
}

// Arbitrator settles disputes raised by arbitrable contracts.
type Arbitrator interface {
	// Address identifies the arbitrator. Rulings are only accepted from it.
	Address() [20]byte
	// ArbitrationCost quotes the fee required to create a dispute.
	ArbitrationCost(extraData []byte) (*big.Int, error)
	// CreateDispute registers a dispute with the given number of ruling
	// options. The payment is handed over to the arbitrator and must cover
	// ArbitrationCost. The arbitrator later calls arbitrable.Rule.
	CreateDispute(arbitrable Arbitrable, choices uint64, extraData []byte, payment *big.Int) (uint64, error)
}
