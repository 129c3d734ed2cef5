package escrow

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"sync/atomic"
	"time"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"arbescrow/core/arbitration"
	"arbescrow/core/events"
	"arbescrow/crypto"
	"arbescrow/observability/logging"
	"arbescrow/observability/metrics"
)

// Sender delivers funds leaving escrow custody. Delivery is best-effort: a
// failed Send is recorded on the escrow but never undoes the transition that
// triggered it.
type Sender interface {
	Send(to [20]byte, amount *big.Int) error
}

// SenderFunc adapts a function to the Sender interface.
type SenderFunc func(to [20]byte, amount *big.Int) error

// Send implements Sender.
func (f SenderFunc) Send(to [20]byte, amount *big.Int) error { return f(to, amount) }

// Params are the terms fixed when an escrow is created.
type Params struct {
	Payer           [20]byte
	Payee           [20]byte
	Value           *big.Int
	MetaEvidenceURI string
}

// Option customises a Machine.
type Option func(*Machine)

// WithClock overrides the time source (unix seconds). Primarily intended for
// tests to provide deterministic timestamps.
func WithClock(now func() int64) Option {
	return func(m *Machine) {
		if now != nil {
			m.nowFn = now
		}
	}
}

// WithEmitter configures where notifications go. Notifications are emitted in
// commit order while the escrow lock is held, so the emitter must not call
// back into the machine.
func WithEmitter(emitter events.Emitter) Option {
	return func(m *Machine) {
		if emitter != nil {
			m.emitter = emitter
		}
	}
}

// WithSender configures how payouts are delivered. It is required.
func WithSender(sender Sender) Option {
	return func(m *Machine) { m.sender = sender }
}

// WithLogger overrides the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Machine) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithMetrics records operations in the supplied registry.
func WithMetrics(reg *metrics.EscrowMetrics) Option {
	return func(m *Machine) { m.metrics = reg }
}

// WithCommitHook registers fn to durably record every state change in commit
// order, including the initial state. It runs while the escrow lock is held,
// before the change becomes visible and before any payout is sent, and must
// not call back into the machine. An error rejects the change with
// ErrPersist.
func WithCommitHook(fn func(*Escrow) error) Option {
	return func(m *Machine) { m.onCommit = fn }
}

// WithPeriods overrides the reclamation and arbitration fee deposit windows.
func WithPeriods(reclamation, feeDeposit time.Duration) Option {
	return func(m *Machine) {
		m.reclamationPeriod = reclamation
		m.feeDepositPeriod = feeDeposit
	}
}

// WithExtraData sets the opaque data passed to the arbitrator.
func WithExtraData(extra []byte) Option {
	return func(m *Machine) { m.extraData = append([]byte(nil), extra...) }
}

// WithEvidenceIDs sets the meta-evidence and evidence group identifiers
// referenced by notifications. Both default to zero.
func WithEvidenceIDs(metaEvidenceID, evidenceGroupID uint64) Option {
	return func(m *Machine) {
		m.metaEvidenceID = metaEvidenceID
		m.evidenceGroupID = evidenceGroupID
	}
}

// WithNonce mixes the nonce into the escrow identifier so that two escrows with
// identical terms created in the same second get distinct IDs.
func WithNonce(nonce []byte) Option {
	return func(m *Machine) { m.nonce = append([]byte(nil), nonce...) }
}

// Machine is the state machine of a single escrow. All transitions are
// serialised by an exclusive lock; readers use the atomically published
// snapshot and never block.
type Machine struct {
	mu       sync.Mutex
	state    *Escrow
	snapshot atomic.Pointer[Escrow]

	arbitrator arbitration.Arbitrator
	sender     Sender
	emitter    events.Emitter
	logger     *slog.Logger
	metrics    *metrics.EscrowMetrics
	nowFn      func() int64
	onCommit   func(*Escrow) error

	// construction-only settings
	reclamationPeriod time.Duration
	feeDepositPeriod  time.Duration
	extraData         []byte
	metaEvidenceID    uint64
	evidenceGroupID   uint64
	nonce             []byte
}

var _ arbitration.Arbitrable = (*Machine)(nil)

func newMachine(arbitrator arbitration.Arbitrator, opts []Option) *Machine {
	m := &Machine{
		arbitrator:        arbitrator,
		emitter:           events.NoopEmitter{},
		logger:            slog.Default(),
		nowFn:             func() int64 { return time.Now().Unix() },
		reclamationPeriod: DefaultPeriod,
		feeDepositPeriod:  DefaultPeriod,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	return m
}

// New creates an escrow in StatusInitial holding params.Value on behalf of the
// payer, records it through the commit hook and then emits its MetaEvidence
// notification. The caller is responsible for having collected the deposit
// from the payer.
func New(params Params, arbitrator arbitration.Arbitrator, opts ...Option) (*Machine, error) {
	if arbitrator == nil {
		return nil, fmt.Errorf("%w: arbitrator required", ErrInvalidParams)
	}
	m := newMachine(arbitrator, opts)
	if m.sender == nil {
		return nil, fmt.Errorf("%w: payout sender required", ErrInvalidParams)
	}
	if params.Payer == ([20]byte{}) || params.Payee == ([20]byte{}) {
		return nil, fmt.Errorf("%w: payer and payee are required", ErrInvalidParams)
	}
	if params.Payer == params.Payee {
		return nil, fmt.Errorf("%w: payer and payee must differ", ErrInvalidParams)
	}
	if params.Value == nil || params.Value.Sign() <= 0 {
		return nil, fmt.Errorf("%w: value must be positive", ErrInvalidParams)
	}
	if err := validPeriod(m.reclamationPeriod); err != nil {
		return nil, fmt.Errorf("%w: reclamation period %w", ErrInvalidParams, err)
	}
	if err := validPeriod(m.feeDepositPeriod); err != nil {
		return nil, fmt.Errorf("%w: arbitration fee deposit period %w", ErrInvalidParams, err)
	}
	arbAddr := arbitrator.Address()
	if arbAddr == ([20]byte{}) {
		return nil, fmt.Errorf("%w: arbitrator address required", ErrInvalidParams)
	}

	now := m.now()
	esc := &Escrow{
		ID:                          deriveID(params, arbAddr, now, m.nonce),
		Payer:                       params.Payer,
		Payee:                       params.Payee,
		Arbitrator:                  arbAddr,
		Value:                       cloneBigInt(params.Value),
		Balance:                     cloneBigInt(params.Value),
		Status:                      StatusInitial,
		CreatedAt:                   now,
		ReclamationPeriod:           m.reclamationPeriod,
		ArbitrationFeeDepositPeriod: m.feeDepositPeriod,
		MetaEvidenceID:              m.metaEvidenceID,
		MetaEvidenceURI:             params.MetaEvidenceURI,
		EvidenceGroupID:             m.evidenceGroupID,
		ExtraData:                   m.extraData,
	}
	if m.onCommit != nil {
		if err := m.onCommit(esc.Clone()); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrPersist, err)
		}
	}
	m.publish(esc)
	m.metrics.RecordStatusChange("", esc.Status.String())
	m.logger.Info("escrow created",
		"escrow", esc.IDHex(),
		"amount", esc.Value.String(),
		"arbitrator", crypto.FormatAddress(arbAddr),
		logging.MaskField("metaEvidence", params.MetaEvidenceURI))
	m.emitter.Emit(events.MetaEvidence{
		Arbitrable:     esc.ID,
		MetaEvidenceID: esc.MetaEvidenceID,
		URI:            esc.MetaEvidenceURI,
	})
	return m, nil
}

// Restore rebuilds a machine from a persisted snapshot without emitting any
// notification. The arbitrator must be the one the escrow was created with.
func Restore(snapshot *Escrow, arbitrator arbitration.Arbitrator, opts ...Option) (*Machine, error) {
	if arbitrator == nil {
		return nil, fmt.Errorf("%w: arbitrator required", ErrInvalidParams)
	}
	if err := snapshot.Validate(); err != nil {
		return nil, err
	}
	if arbitrator.Address() != snapshot.Arbitrator {
		return nil, fmt.Errorf("%w: arbitrator mismatch", ErrInvalidParams)
	}
	m := newMachine(arbitrator, opts)
	if m.sender == nil {
		return nil, fmt.Errorf("%w: payout sender required", ErrInvalidParams)
	}
	m.publish(snapshot.Clone())
	return m, nil
}

func deriveID(params Params, arbitrator [20]byte, createdAt int64, nonce []byte) [32]byte {
	var ts [8]byte
	binary.BigEndian.PutUint64(ts[:], uint64(createdAt))
	return ethcrypto.Keccak256Hash(
		params.Payer[:],
		params.Payee[:],
		arbitrator[:],
		params.Value.Bytes(),
		ts[:],
		nonce,
	)
}

func (m *Machine) now() int64 {
	if m == nil || m.nowFn == nil {
		return time.Now().Unix()
	}
	return m.nowFn()
}

// publish installs esc as the current state and exposes a read-only copy to
// lock-free readers. Callers must hold m.mu or own m exclusively.
func (m *Machine) publish(esc *Escrow) {
	m.state = esc
	m.snapshot.Store(esc.Clone())
}

// Snapshot returns a copy of the latest committed state.
func (m *Machine) Snapshot() *Escrow {
	return m.snapshot.Load().Clone()
}

// ID returns the escrow identifier.
func (m *Machine) ID() [32]byte { return m.snapshot.Load().ID }

// Status returns the latest committed status.
func (m *Machine) Status() Status { return m.snapshot.Load().Status }

// elapsed reports whether strictly more than window has passed since ts.
func elapsed(now, ts int64, window time.Duration) bool {
	return now-ts > windowSeconds(window)
}

func windowSeconds(window time.Duration) int64 {
	return int64(window / time.Second)
}

// validPeriod accepts whole, positive numbers of seconds; timestamps have
// second resolution.
func validPeriod(period time.Duration) error {
	if period < time.Second {
		return fmt.Errorf("must be at least 1s, got %s", period)
	}
	if period%time.Second != 0 {
		return fmt.Errorf("must be whole seconds, got %s", period)
	}
	return nil
}

// remaining returns the time left in a window that started at ts, clamped to
// [0, window].
func remaining(now, ts int64, window time.Duration) time.Duration {
	length := windowSeconds(window)
	passed := now - ts
	if passed < 0 {
		passed = 0
	}
	if passed >= length {
		return 0
	}
	return time.Duration(length-passed) * time.Second
}

// RemainingTimeToReclaim returns how long the payer may still reclaim. Only
// valid while the escrow is in StatusInitial.
func (m *Machine) RemainingTimeToReclaim() (time.Duration, error) {
	snap := m.snapshot.Load()
	if snap.Status != StatusInitial {
		return 0, fmt.Errorf("%w: reclamation window only exists in status %s, escrow is %s", ErrInvalidState, StatusInitial, snap.Status)
	}
	return remaining(m.now(), snap.CreatedAt, snap.ReclamationPeriod), nil
}

// RemainingTimeToDepositArbitrationFee returns how long the payee has left
// before the payer may take the funds back. Only valid in StatusReclaimed.
func (m *Machine) RemainingTimeToDepositArbitrationFee() (time.Duration, error) {
	snap := m.snapshot.Load()
	if snap.Status != StatusReclaimed {
		return 0, fmt.Errorf("%w: fee deposit window only exists in status %s, escrow is %s", ErrInvalidState, StatusReclaimed, snap.Status)
	}
	return remaining(m.now(), snap.ReclaimedAt, snap.ArbitrationFeeDepositPeriod), nil
}

// ReleaseFunds pays the deposit to the payee. The payer may release at any
// time while the escrow is in StatusInitial; anyone else only after the
// reclamation period has elapsed.
func (m *Machine) ReleaseFunds(caller [20]byte) error {
	return m.transition("release", caller, func(cur *Escrow, now int64) (*change, error) {
		if cur.Status != StatusInitial {
			return nil, fmt.Errorf("%w: cannot release funds in status %s", ErrInvalidState, cur.Status)
		}
		if caller != cur.Payer && !elapsed(now, cur.CreatedAt, cur.ReclamationPeriod) {
			return nil, fmt.Errorf("%w: only the payer may release before the reclamation period ends", ErrWindowViolation)
		}
		next := cur.Clone()
		payout := planPayout(next, cur.Payee, "release")
		resolve(next, now)
		return &change{next: next, payout: payout}, nil
	})
}

// ReclaimFunds is called by the payer. The first call, within the
// reclamation period, must attach exactly the arbitration cost and moves the
// escrow to StatusReclaimed. The second call, once the arbitration fee
// deposit period has elapsed without the payee raising a dispute, returns the
// whole custody balance to the payer.
func (m *Machine) ReclaimFunds(caller [20]byte, payment *big.Int) error {
	return m.transition("reclaim", caller, func(cur *Escrow, now int64) (*change, error) {
		switch cur.Status {
		case StatusInitial:
			if caller != cur.Payer {
				return nil, fmt.Errorf("%w: only the payer may reclaim funds", ErrUnauthorized)
			}
			if elapsed(now, cur.CreatedAt, cur.ReclamationPeriod) {
				return nil, fmt.Errorf("%w: reclamation period has ended", ErrWindowViolation)
			}
			cost, err := m.arbitrator.ArbitrationCost(cur.ExtraData)
			if err != nil {
				return nil, fmt.Errorf("escrow: quote arbitration cost: %w", err)
			}
			if payment == nil || payment.Cmp(cost) != 0 {
				return nil, fmt.Errorf("%w: reclaiming requires exactly %s, got %s", ErrInvalidPayment, cost, cloneBigInt(payment))
			}
			next := cur.Clone()
			next.Balance.Add(next.Balance, payment)
			next.Status = StatusReclaimed
			next.ReclaimedAt = now
			return &change{next: next}, nil
		case StatusReclaimed:
			if caller != cur.Payer {
				return nil, fmt.Errorf("%w: only the payer may reclaim funds", ErrUnauthorized)
			}
			if payment != nil && payment.Sign() != 0 {
				return nil, fmt.Errorf("%w: completing a reclaim takes no payment", ErrInvalidPayment)
			}
			if !elapsed(now, cur.ReclaimedAt, cur.ArbitrationFeeDepositPeriod) {
				return nil, fmt.Errorf("%w: payee may still deposit the arbitration fee", ErrWindowViolation)
			}
			next := cur.Clone()
			payout := planPayout(next, cur.Payer, "reclaim")
			resolve(next, now)
			return &change{next: next, payout: payout}, nil
		default:
			return nil, fmt.Errorf("%w: cannot reclaim funds in status %s", ErrInvalidState, cur.Status)
		}
	})
}

// DepositArbitrationFeeForPayee funds a dispute on behalf of the payee after
// the payer reclaimed. Anyone may call it. The payment is forwarded to the
// arbitrator in full and must cover its quoted cost.
//
// The arbitrator must not call Rule from inside CreateDispute.
func (m *Machine) DepositArbitrationFeeForPayee(caller [20]byte, payment *big.Int) error {
	return m.transition("deposit_fee", caller, func(cur *Escrow, now int64) (*change, error) {
		if cur.Status != StatusReclaimed {
			return nil, fmt.Errorf("%w: arbitration fee can only be deposited in status %s, escrow is %s", ErrInvalidState, StatusReclaimed, cur.Status)
		}
		cost, err := m.arbitrator.ArbitrationCost(cur.ExtraData)
		if err != nil {
			return nil, fmt.Errorf("escrow: quote arbitration cost: %w", err)
		}
		if payment == nil || payment.Cmp(cost) < 0 {
			return nil, fmt.Errorf("%w: dispute requires at least %s, got %s", ErrInvalidPayment, cost, cloneBigInt(payment))
		}
		disputeID, err := m.arbitrator.CreateDispute(m, RulingOptions, cur.ExtraData, cloneBigInt(payment))
		if err != nil {
			return nil, fmt.Errorf("escrow: create dispute: %w", err)
		}
		next := cur.Clone()
		next.Status = StatusDisputed
		next.HasDispute = true
		next.DisputeID = disputeID
		return &change{next: next, events: []events.Event{events.Dispute{
			Arbitrable:      next.ID,
			Arbitrator:      next.Arbitrator,
			DisputeID:       disputeID,
			MetaEvidenceID:  next.MetaEvidenceID,
			EvidenceGroupID: next.EvidenceGroupID,
		}}}, nil
	})
}

// Rule applies the arbitrator's ruling. Only the registered arbitrator may
// call it, whatever the escrow's status.
func (m *Machine) Rule(caller [20]byte, disputeID uint64, ruling arbitration.Ruling) error {
	return m.transition("rule", caller, func(cur *Escrow, now int64) (*change, error) {
		if caller != cur.Arbitrator {
			return nil, fmt.Errorf("%w: only the arbitrator may rule", ErrUnauthorized)
		}
		if cur.Status != StatusDisputed {
			return nil, fmt.Errorf("%w: cannot rule in status %s", ErrInvalidState, cur.Status)
		}
		if disputeID != cur.DisputeID {
			return nil, fmt.Errorf("%w: dispute %d does not belong to this escrow", ErrInvalidState, disputeID)
		}
		var recipient [20]byte
		switch ruling {
		case RulingPayerWins:
			recipient = cur.Payer
		case RulingPayeeWins:
			recipient = cur.Payee
		default:
			return nil, fmt.Errorf("%w: ruling %d outside 1..%d", ErrInvalidRuling, ruling, RulingOptions)
		}
		next := cur.Clone()
		payout := planPayout(next, recipient, "ruling")
		next.Ruling = ruling
		resolve(next, now)
		return &change{next: next, payout: payout, events: []events.Event{events.Ruling{
			Arbitrable: next.ID,
			Arbitrator: next.Arbitrator,
			DisputeID:  disputeID,
			Ruling:     uint64(ruling),
		}}}, nil
	})
}

// SubmitEvidence lets either party point at off-chain evidence while the
// escrow is unresolved. It does not change the escrow's state.
func (m *Machine) SubmitEvidence(caller [20]byte, uri string) error {
	return m.transition("evidence", caller, func(cur *Escrow, now int64) (*change, error) {
		if cur.Status == StatusResolved {
			return nil, fmt.Errorf("%w: escrow is resolved", ErrInvalidState)
		}
		if caller != cur.Payer && caller != cur.Payee {
			return nil, fmt.Errorf("%w: only the payer or payee may submit evidence", ErrUnauthorized)
		}
		m.logger.Debug("evidence submitted",
			"escrow", cur.IDHex(),
			"caller", crypto.FormatAddress(caller),
			logging.MaskField("uri", uri))
		return &change{events: []events.Event{events.Evidence{
			Arbitrable:      cur.ID,
			Arbitrator:      cur.Arbitrator,
			EvidenceGroupID: cur.EvidenceGroupID,
			Submitter:       caller,
			URI:             uri,
		}}}, nil
	})
}

// change is what a step asks transition to commit. A nil next state commits
// nothing but still emits events.
type change struct {
	next   *Escrow
	events []events.Event
	payout *plannedPayout
}

// plannedPayout is a transfer recorded on the next state and sent only once
// that state has been committed.
type plannedPayout struct {
	index     int
	recipient [20]byte
	amount    *big.Int
	reason    string
}

// step computes the change to apply to cur. It must not move funds.
type step func(cur *Escrow, now int64) (*change, error)

// transition runs fn under the escrow lock. A change is persisted through the
// commit hook, then published, then its payout is sent and finally its
// notifications are emitted, all before the lock is released so that
// observers see changes in commit order.
func (m *Machine) transition(operation string, caller [20]byte, fn step) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur := m.state
	ch, err := fn(cur, m.now())
	if err == nil && ch != nil && ch.next != nil && m.onCommit != nil {
		if hookErr := m.onCommit(ch.next.Clone()); hookErr != nil {
			err = fmt.Errorf("%w: %w", ErrPersist, hookErr)
		}
	}
	m.metrics.ObserveOperation(operation, err, Reason)
	if err != nil {
		m.logger.Debug("escrow operation rejected",
			"escrow", cur.IDHex(),
			"operation", operation,
			"caller", crypto.FormatAddress(caller),
			"reason", Reason(err),
			"error", err)
		return err
	}
	if ch == nil {
		return nil
	}

	emitted := ch.events
	if next := ch.next; next != nil {
		m.publish(next)
		m.recordCommit(cur, next)
		if ch.payout != nil {
			emitted = append([]events.Event{m.deliver(ch.payout)}, emitted...)
		}
	}
	for _, evt := range emitted {
		m.emitter.Emit(evt)
	}
	return nil
}

func (m *Machine) recordCommit(cur, next *Escrow) {
	if next.Status == cur.Status {
		return
	}
	m.metrics.RecordStatusChange(cur.Status.String(), next.Status.String())
	switch next.Status {
	case StatusDisputed:
		m.metrics.RecordDispute()
	case StatusResolved:
		if next.Ruling != arbitration.RefusedToArbitrate {
			m.metrics.RecordRuling(uint64(next.Ruling))
		}
	}
	m.logger.Info("escrow transitioned",
		"escrow", next.IDHex(),
		"status", next.Status.String())
}

// planPayout moves the whole custody balance out of next and records a
// pending payout to recipient.
func planPayout(next *Escrow, recipient [20]byte, reason string) *plannedPayout {
	amount := cloneBigInt(next.Balance)
	next.Payouts = append(next.Payouts, Payout{
		Recipient: recipient,
		Amount:    cloneBigInt(amount),
		Reason:    reason,
		Error:     payoutPending,
	})
	next.Balance = big.NewInt(0)
	return &plannedPayout{
		index:     len(next.Payouts) - 1,
		recipient: recipient,
		amount:    amount,
		reason:    reason,
	}
}

// deliver sends a committed payout and records its outcome. The escrow stays
// resolved whatever the outcome; a failure to persist the outcome only leaves
// the payout marked pending. Callers hold m.mu.
func (m *Machine) deliver(p *plannedPayout) events.Payout {
	var sendErr error
	if p.amount.Sign() > 0 {
		sendErr = m.sender.Send(p.recipient, cloneBigInt(p.amount))
		m.metrics.RecordPayout(sendErr)
	}
	settled := m.state.Clone()
	record := &settled.Payouts[p.index]
	record.Delivered = sendErr == nil
	record.Error = ""
	if sendErr != nil {
		record.Error = sendErr.Error()
		m.logger.Warn("escrow payout not delivered",
			"escrow", settled.IDHex(),
			"recipient", crypto.FormatAddress(p.recipient),
			"amount", p.amount.String(),
			"reason", p.reason,
			"error", sendErr)
	}
	if m.onCommit != nil {
		if err := m.onCommit(settled.Clone()); err != nil {
			m.logger.Error("persist payout outcome", "escrow", settled.IDHex(), "error", err)
		}
	}
	m.publish(settled)
	return events.Payout{
		EscrowID:  settled.ID,
		Recipient: p.recipient,
		Amount:    cloneBigInt(p.amount),
		Reason:    p.reason,
		Delivered: record.Delivered,
		Error:     record.Error,
	}
}

func resolve(next *Escrow, now int64) {
	next.Status = StatusResolved
	next.ResolvedAt = now
}
