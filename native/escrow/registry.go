package escrow

import (
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/google/uuid"

	"arbescrow/core/arbitration"
	"arbescrow/core/events"
	"arbescrow/crypto"
	"arbescrow/observability/metrics"
)

// Funds moves balances on behalf of the registry. Debit and Credit model the
// payment attached to a call; Send delivers payouts out of custody.
type Funds interface {
	Sender
	Debit(addr [20]byte, amount *big.Int) error
	Credit(addr [20]byte, amount *big.Int) error
}

// disputeBinder is implemented by arbitrators that keep disputes across
// restarts and need the live escrow reattached to deliver rulings.
type disputeBinder interface {
	Bind(disputeID uint64, arbitrable arbitration.Arbitrable) error
}

// RegistryConfig wires a Registry.
type RegistryConfig struct {
	Store      *Store
	Funds      Funds
	Arbitrator arbitration.Arbitrator
	Emitter    events.Emitter
	Logger     *slog.Logger
	Metrics    *metrics.EscrowMetrics
	Clock      func() int64

	ReclamationPeriod           time.Duration
	ArbitrationFeeDepositPeriod time.Duration
}

// CreateRequest describes a new escrow. The payer funds it with Value.
type CreateRequest struct {
	Payer           [20]byte
	Payee           [20]byte
	Value           *big.Int
	MetaEvidenceURI string
	ExtraData       []byte
}

// ListFilter narrows List. Zero values match everything.
type ListFilter struct {
	Status *Status
	Party  [20]byte
}

// Registry hosts many escrows against a single arbitrator. It collects
// attached payments from callers, refunds them when an operation is rejected,
// and persists every state change before it takes effect; an operation whose
// state cannot be stored is rejected with ErrPersist.
type Registry struct {
	mu       sync.RWMutex
	machines map[[32]byte]*Machine
	order    [][32]byte

	store      *Store
	funds      Funds
	arbitrator arbitration.Arbitrator
	emitter    events.Emitter
	logger     *slog.Logger
	metrics    *metrics.EscrowMetrics
	clock      func() int64

	reclamationPeriod time.Duration
	feeDepositPeriod  time.Duration
}

// NewRegistry validates cfg and builds an empty registry. Call Load to
// restore previously persisted escrows.
func NewRegistry(cfg RegistryConfig) (*Registry, error) {
	if cfg.Funds == nil {
		return nil, fmt.Errorf("%w: funds required", ErrInvalidParams)
	}
	if cfg.Arbitrator == nil {
		return nil, fmt.Errorf("%w: arbitrator required", ErrInvalidParams)
	}
	r := &Registry{
		machines:          make(map[[32]byte]*Machine),
		store:             cfg.Store,
		funds:             cfg.Funds,
		arbitrator:        cfg.Arbitrator,
		emitter:           cfg.Emitter,
		logger:            cfg.Logger,
		metrics:           cfg.Metrics,
		clock:             cfg.Clock,
		reclamationPeriod: cfg.ReclamationPeriod,
		feeDepositPeriod:  cfg.ArbitrationFeeDepositPeriod,
	}
	if r.store == nil {
		r.store = NewStore(nil)
	}
	if r.emitter == nil {
		r.emitter = events.NoopEmitter{}
	}
	if r.logger == nil {
		r.logger = slog.Default()
	}
	if r.reclamationPeriod == 0 {
		r.reclamationPeriod = DefaultPeriod
	}
	if r.feeDepositPeriod == 0 {
		r.feeDepositPeriod = DefaultPeriod
	}
	return r, nil
}

func (r *Registry) machineOptions() []Option {
	opts := []Option{
		WithSender(r.funds),
		WithEmitter(r.emitter),
		WithLogger(r.logger),
		WithMetrics(r.metrics),
		WithCommitHook(r.persist),
	}
	if r.clock != nil {
		opts = append(opts, WithClock(r.clock))
	}
	return opts
}

func (r *Registry) persist(snapshot *Escrow) error {
	if err := r.store.Put(snapshot); err != nil {
		r.logger.Error("persist escrow", "escrow", snapshot.IDHex(), "error", err)
		return err
	}
	return nil
}

// Load restores every persisted escrow. Disputed escrows are reattached to the
// arbitrator when it supports it.
func (r *Registry) Load() (int, error) {
	snapshots, err := r.store.List()
	if err != nil {
		return 0, err
	}
	binder, _ := r.arbitrator.(disputeBinder)
	r.mu.Lock()
	defer r.mu.Unlock()
	restored := 0
	for _, snap := range snapshots {
		if _, ok := r.machines[snap.ID]; ok {
			continue
		}
		m, err := Restore(snap, r.arbitrator, r.machineOptions()...)
		if err != nil {
			return restored, fmt.Errorf("restore %s: %w", snap.IDHex(), err)
		}
		if snap.Status == StatusDisputed && binder != nil {
			if err := binder.Bind(snap.DisputeID, m); err != nil {
				return restored, fmt.Errorf("bind dispute %d: %w", snap.DisputeID, err)
			}
		}
		r.machines[snap.ID] = m
		r.order = append(r.order, snap.ID)
		r.metrics.RecordStatusChange("", snap.Status.String())
		restored++
	}
	return restored, nil
}

// Create debits the payer's deposit and opens a new escrow.
func (r *Registry) Create(req CreateRequest) (*Escrow, error) {
	if req.Value == nil || req.Value.Sign() <= 0 {
		return nil, fmt.Errorf("%w: value must be positive", ErrInvalidParams)
	}
	var created *Machine
	err := r.withPayment(req.Payer, req.Value, func() error {
		nonce := uuid.New()
		opts := append(r.machineOptions(),
			WithPeriods(r.reclamationPeriod, r.feeDepositPeriod),
			WithExtraData(req.ExtraData),
			WithNonce(nonce[:]),
		)
		m, err := New(Params{
			Payer:           req.Payer,
			Payee:           req.Payee,
			Value:           req.Value,
			MetaEvidenceURI: req.MetaEvidenceURI,
		}, r.arbitrator, opts...)
		if err != nil {
			return err
		}
		snap := m.Snapshot()
		r.mu.Lock()
		r.machines[snap.ID] = m
		r.order = append(r.order, snap.ID)
		r.mu.Unlock()
		created = m
		return nil
	})
	if err != nil {
		return nil, err
	}
	return created.Snapshot(), nil
}

// Machine returns the live state machine for id.
func (r *Registry) Machine(id [32]byte) (*Machine, error) {
	r.mu.RLock()
	m, ok := r.machines[id]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %x", ErrNotFound, id)
	}
	return m, nil
}

// Get returns a snapshot of the escrow.
func (r *Registry) Get(id [32]byte) (*Escrow, error) {
	m, err := r.Machine(id)
	if err != nil {
		return nil, err
	}
	return m.Snapshot(), nil
}

// List returns snapshots in creation order.
func (r *Registry) List(filter ListFilter) []*Escrow {
	r.mu.RLock()
	machines := make([]*Machine, 0, len(r.order))
	for _, id := range r.order {
		machines = append(machines, r.machines[id])
	}
	r.mu.RUnlock()

	out := make([]*Escrow, 0, len(machines))
	for _, m := range machines {
		snap := m.Snapshot()
		if filter.Status != nil && snap.Status != *filter.Status {
			continue
		}
		if filter.Party != ([20]byte{}) && snap.Payer != filter.Party && snap.Payee != filter.Party {
			continue
		}
		out = append(out, snap)
	}
	return out
}

// Release forwards to Machine.ReleaseFunds.
func (r *Registry) Release(id [32]byte, caller [20]byte) error {
	m, err := r.Machine(id)
	if err != nil {
		return err
	}
	return m.ReleaseFunds(caller)
}

// Reclaim collects payment from the caller and forwards to
// Machine.ReclaimFunds.
func (r *Registry) Reclaim(id [32]byte, caller [20]byte, payment *big.Int) error {
	m, err := r.Machine(id)
	if err != nil {
		return err
	}
	return r.withPayment(caller, payment, func() error {
		return m.ReclaimFunds(caller, payment)
	})
}

// DepositArbitrationFee collects payment from the caller and forwards to
// Machine.DepositArbitrationFeeForPayee.
func (r *Registry) DepositArbitrationFee(id [32]byte, caller [20]byte, payment *big.Int) error {
	m, err := r.Machine(id)
	if err != nil {
		return err
	}
	return r.withPayment(caller, payment, func() error {
		return m.DepositArbitrationFeeForPayee(caller, payment)
	})
}

// SubmitEvidence forwards to Machine.SubmitEvidence.
func (r *Registry) SubmitEvidence(id [32]byte, caller [20]byte, uri string) error {
	m, err := r.Machine(id)
	if err != nil {
		return err
	}
	return m.SubmitEvidence(caller, uri)
}

// RemainingTimes reports both windows for id. A window that does not apply to
// the escrow's current status is reported as nil.
func (r *Registry) RemainingTimes(id [32]byte) (reclaim, feeDeposit *time.Duration, err error) {
	m, err := r.Machine(id)
	if err != nil {
		return nil, nil, err
	}
	if left, err := m.RemainingTimeToReclaim(); err == nil {
		reclaim = &left
	}
	if left, err := m.RemainingTimeToDepositArbitrationFee(); err == nil {
		feeDeposit = &left
	}
	return reclaim, feeDeposit, nil
}

// withPayment debits payment from caller, runs fn and refunds the payment if
// fn fails.
func (r *Registry) withPayment(caller [20]byte, payment *big.Int, fn func() error) error {
	if payment != nil && payment.Sign() < 0 {
		return fmt.Errorf("%w: negative payment", ErrInvalidPayment)
	}
	debited := payment != nil && payment.Sign() > 0
	if debited {
		if err := r.funds.Debit(caller, payment); err != nil {
			return fmt.Errorf("%w: %w", ErrInvalidPayment, err)
		}
	}
	err := fn()
	if err != nil && debited {
		if refundErr := r.funds.Credit(caller, payment); refundErr != nil {
			r.logger.Error("refund attached payment",
				"caller", crypto.FormatAddress(caller),
				"amount", payment.String(),
				"error", refundErr)
		}
	}
	return err
}
