// Package arbitrator implements a centralized arbitrator: a single owner
// decides every dispute and collects the arbitration fees.
package arbitrator

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"

	"arbescrow/core/arbitration"
	"arbescrow/crypto"
	"arbescrow/storage"
)

var (
	ErrUnauthorized    = errors.New("arbitrator: unauthorized caller")
	ErrInsufficientFee = errors.New("arbitrator: insufficient arbitration fee")
	ErrInvalidChoices  = errors.New("arbitrator: dispute needs at least one choice")
	ErrUnknownDispute  = errors.New("arbitrator: unknown dispute")
	ErrAlreadyRuled    = errors.New("arbitrator: dispute already ruled")
	ErrInvalidRuling   = errors.New("arbitrator: ruling out of range")
	ErrUnbound         = errors.New("arbitrator: dispute has no arbitrable attached")
)

// Sender pays collected fees to the owner.
type Sender interface {
	Send(to [20]byte, amount *big.Int) error
}

// DisputeStatus tracks the lifecycle of a dispute.
type DisputeStatus uint8

const (
	DisputeWaiting DisputeStatus = iota
	DisputeSolved
)

func (s DisputeStatus) String() string {
	switch s {
	case DisputeWaiting:
		return "waiting"
	case DisputeSolved:
		return "solved"
	default:
		return fmt.Sprintf("dispute_status(%d)", uint8(s))
	}
}

// Dispute is the arbitrator-side view of a dispute.
type Dispute struct {
	ID        uint64
	Choices   uint64
	Fee       *big.Int
	Status    DisputeStatus
	Ruling    arbitration.Ruling
	CreatedAt int64
	RuledAt   int64
}

// Clone returns a deep copy.
func (d *Dispute) Clone() *Dispute {
	if d == nil {
		return nil
	}
	out := *d
	out.Fee = new(big.Int)
	if d.Fee != nil {
		out.Fee.Set(d.Fee)
	}
	return &out
}

// Option customises the arbitrator.
type Option func(*Centralized)

// WithStorage persists disputes to db.
func WithStorage(db storage.Database) Option {
	return func(c *Centralized) { c.db = db }
}

// WithSender configures how fees reach the owner. Without one, fees are held.
func WithSender(sender Sender) Option {
	return func(c *Centralized) { c.sender = sender }
}

// WithLogger overrides the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Centralized) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithClock overrides the time source (unix seconds).
func WithClock(now func() int64) Option {
	return func(c *Centralized) {
		if now != nil {
			c.nowFn = now
		}
	}
}

// Centralized is an arbitrator controlled by a single owner account.
type Centralized struct {
	mu          sync.Mutex
	address     [20]byte
	owner       [20]byte
	cost        *big.Int
	disputes    []*Dispute
	arbitrables map[uint64]arbitration.Arbitrable

	db     storage.Database
	sender Sender
	logger *slog.Logger
	nowFn  func() int64
}

var _ arbitration.Arbitrator = (*Centralized)(nil)

// New creates an arbitrator owned by owner charging cost per dispute.
func New(owner [20]byte, cost *big.Int, opts ...Option) (*Centralized, error) {
	if owner == ([20]byte{}) {
		return nil, fmt.Errorf("arbitrator: owner required")
	}
	if cost == nil || cost.Sign() < 0 {
		return nil, fmt.Errorf("arbitrator: cost must be non-negative")
	}
	c := &Centralized{
		address:     DeriveAddress(owner),
		owner:       owner,
		cost:        new(big.Int).Set(cost),
		arbitrables: make(map[uint64]arbitration.Arbitrable),
		logger:      slog.Default(),
		nowFn:       func() int64 { return time.Now().Unix() },
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	if err := c.load(); err != nil {
		return nil, err
	}
	return c, nil
}

// DeriveAddress returns the identity an arbitrator owned by owner rules with.
func DeriveAddress(owner [20]byte) [20]byte {
	var out [20]byte
	copy(out[:], ethcrypto.Keccak256([]byte("arbitrator"), owner[:])[12:])
	return out
}

// Address implements arbitration.Arbitrator.
func (c *Centralized) Address() [20]byte { return c.address }

// Owner returns the account allowed to rule.
func (c *Centralized) Owner() [20]byte { return c.owner }

// ArbitrationCost implements arbitration.Arbitrator. The cost does not depend
// on extraData.
func (c *Centralized) ArbitrationCost([]byte) (*big.Int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return new(big.Int).Set(c.cost), nil
}

// SetArbitrationCost changes the price of future disputes.
func (c *Centralized) SetArbitrationCost(caller [20]byte, cost *big.Int) error {
	if caller != c.owner {
		return ErrUnauthorized
	}
	if cost == nil || cost.Sign() < 0 {
		return fmt.Errorf("arbitrator: cost must be non-negative")
	}
	c.mu.Lock()
	c.cost = new(big.Int).Set(cost)
	c.mu.Unlock()
	c.logger.Info("arbitration cost updated", "amount", cost.String())
	return nil
}

// CreateDispute implements arbitration.Arbitrator. Dispute IDs are sequential
// starting at zero.
func (c *Centralized) CreateDispute(arbitrable arbitration.Arbitrable, choices uint64, _ []byte, payment *big.Int) (uint64, error) {
	if arbitrable == nil {
		return 0, fmt.Errorf("arbitrator: nil arbitrable")
	}
	if choices == 0 {
		return 0, ErrInvalidChoices
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if payment == nil || payment.Cmp(c.cost) < 0 {
		return 0, fmt.Errorf("%w: need %s", ErrInsufficientFee, c.cost)
	}
	d := &Dispute{
		ID:        uint64(len(c.disputes)),
		Choices:   choices,
		Fee:       new(big.Int).Set(payment),
		Status:    DisputeWaiting,
		CreatedAt: c.nowFn(),
	}
	if err := c.persist(d); err != nil {
		return 0, err
	}
	c.disputes = append(c.disputes, d)
	c.arbitrables[d.ID] = arbitrable
	c.logger.Info("dispute created", "dispute", d.ID, "amount", d.Fee.String())
	return d.ID, nil
}

// Bind reattaches a live arbitrable to a persisted dispute after a restart.
// Only arbitrables still awaiting a ruling are bound, so a dispute stored as
// solved never reached its arbitrable and goes back to waiting.
func (c *Centralized) Bind(disputeID uint64, arbitrable arbitration.Arbitrable) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if disputeID >= uint64(len(c.disputes)) {
		return fmt.Errorf("%w: %d", ErrUnknownDispute, disputeID)
	}
	if d := c.disputes[disputeID]; d.Status == DisputeSolved {
		c.revert(d)
		if err := c.persist(d); err != nil {
			return fmt.Errorf("arbitrator: reopen dispute %d: %w", disputeID, err)
		}
		c.logger.Warn("reopened dispute whose ruling was never applied", "dispute", disputeID)
	}
	c.arbitrables[disputeID] = arbitrable
	return nil
}

// GiveRuling decides a waiting dispute and forwards the ruling to the
// arbitrable. The fee is paid to the owner only once the arbitrable accepted
// the ruling; if it rejects it the dispute goes back to waiting.
func (c *Centralized) GiveRuling(caller [20]byte, disputeID uint64, ruling arbitration.Ruling) error {
	if caller != c.owner {
		return ErrUnauthorized
	}
	c.mu.Lock()
	if disputeID >= uint64(len(c.disputes)) {
		c.mu.Unlock()
		return fmt.Errorf("%w: %d", ErrUnknownDispute, disputeID)
	}
	d := c.disputes[disputeID]
	if d.Status != DisputeWaiting {
		c.mu.Unlock()
		return fmt.Errorf("%w: %d", ErrAlreadyRuled, disputeID)
	}
	if uint64(ruling) > d.Choices {
		c.mu.Unlock()
		return fmt.Errorf("%w: %d > %d", ErrInvalidRuling, ruling, d.Choices)
	}
	arbitrable, ok := c.arbitrables[disputeID]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("%w: %d", ErrUnbound, disputeID)
	}
	d.Status = DisputeSolved
	d.Ruling = ruling
	d.RuledAt = c.nowFn()
	// The decision is stored before the arbitrable acts on it. A crash in
	// between leaves a solved dispute whose escrow is still disputed, which
	// Bind undoes on restart.
	if err := c.persist(d); err != nil {
		c.revert(d)
		c.mu.Unlock()
		return fmt.Errorf("arbitrator: persist ruling: %w", err)
	}
	fee := new(big.Int).Set(d.Fee)
	c.mu.Unlock()

	// Rule re-enters the escrow, which takes its own lock.
	if err := arbitrable.Rule(c.address, disputeID, ruling); err != nil {
		c.mu.Lock()
		c.revert(d)
		persistErr := c.persist(d)
		c.mu.Unlock()
		if persistErr != nil {
			c.logger.Error("persist reverted dispute", "dispute", disputeID, "error", persistErr)
		}
		return fmt.Errorf("arbitrator: deliver ruling: %w", err)
	}
	c.logger.Info("ruling given", "dispute", disputeID, "ruling", uint64(ruling))

	if c.sender != nil && fee.Sign() > 0 {
		if err := c.sender.Send(c.owner, fee); err != nil {
			c.logger.Warn("arbitration fee not delivered",
				"dispute", disputeID,
				"recipient", crypto.FormatAddress(c.owner),
				"amount", fee.String(),
				"error", err)
		}
	}
	return nil
}

// revert puts d back to waiting. Callers hold c.mu.
func (c *Centralized) revert(d *Dispute) {
	d.Status = DisputeWaiting
	d.Ruling = arbitration.RefusedToArbitrate
	d.RuledAt = 0
}

// Dispute returns a copy of the dispute.
func (c *Centralized) Dispute(disputeID uint64) (*Dispute, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if disputeID >= uint64(len(c.disputes)) {
		return nil, fmt.Errorf("%w: %d", ErrUnknownDispute, disputeID)
	}
	return c.disputes[disputeID].Clone(), nil
}

// Disputes returns copies of every dispute in ID order.
func (c *Centralized) Disputes() []*Dispute {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*Dispute, 0, len(c.disputes))
	for _, d := range c.disputes {
		out = append(out, d.Clone())
	}
	return out
}

var disputePrefix = []byte("arbitrator/dispute/")

func disputeKey(id uint64) []byte {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], id)
	return append(append([]byte(nil), disputePrefix...), buf[:]...)
}

type storedDispute struct {
	ID        uint64
	Choices   uint64
	Fee       *big.Int
	Status    uint8
	Ruling    uint64
	CreatedAt uint64
	RuledAt   uint64
}

func (c *Centralized) persist(d *Dispute) error {
	if c.db == nil {
		return nil
	}
	encoded, err := rlp.EncodeToBytes(&storedDispute{
		ID:        d.ID,
		Choices:   d.Choices,
		Fee:       d.Fee,
		Status:    uint8(d.Status),
		Ruling:    uint64(d.Ruling),
		CreatedAt: uint64(d.CreatedAt),
		RuledAt:   uint64(d.RuledAt),
	})
	if err != nil {
		return fmt.Errorf("arbitrator: encode dispute: %w", err)
	}
	return c.db.Put(disputeKey(d.ID), encoded)
}

func (c *Centralized) load() error {
	if c.db == nil {
		return nil
	}
	keys, err := c.db.Keys(disputePrefix)
	if err != nil {
		return err
	}
	for i, key := range keys {
		raw, err := c.db.Get(key)
		if err != nil {
			return err
		}
		var rec storedDispute
		if err := rlp.DecodeBytes(raw, &rec); err != nil {
			return fmt.Errorf("arbitrator: decode dispute: %w", err)
		}
		if rec.ID != uint64(i) {
			return fmt.Errorf("arbitrator: dispute sequence gap at %d", i)
		}
		c.disputes = append(c.disputes, &Dispute{
			ID:        rec.ID,
			Choices:   rec.Choices,
			Fee:       rec.Fee,
			Status:    DisputeStatus(rec.Status),
			Ruling:    arbitration.Ruling(rec.Ruling),
			CreatedAt: int64(rec.CreatedAt),
			RuledAt:   int64(rec.RuledAt),
		})
	}
	return nil
}
