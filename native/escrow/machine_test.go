package escrow

import (
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"arbescrow/core/arbitration"
	"arbescrow/core/events"
	"arbescrow/crypto"
	"arbescrow/native/bank"
)

var (
	payer      = crypto.NamedAccount("payer")
	payee      = crypto.NamedAccount("payee")
	stranger   = crypto.NamedAccount("stranger")
	arbAccount = crypto.NamedAccount("arbitrator")
)

type fakeClock struct {
	mu  sync.Mutex
	now int64
}

func (c *fakeClock) Now() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Set(v int64) {
	c.mu.Lock()
	c.now = v
	c.mu.Unlock()
}

type stubArbitrator struct {
	cost      *big.Int
	costErr   error
	createErr error
	nextID    uint64
	disputes  []stubDispute
}

type stubDispute struct {
	arbitrable arbitration.Arbitrable
	choices    uint64
	payment    *big.Int
}

func (a *stubArbitrator) Address() [20]byte { return arbAccount }

func (a *stubArbitrator) ArbitrationCost([]byte) (*big.Int, error) {
	if a.costErr != nil {
		return nil, a.costErr
	}
	return new(big.Int).Set(a.cost), nil
}

func (a *stubArbitrator) CreateDispute(arbitrable arbitration.Arbitrable, choices uint64, _ []byte, payment *big.Int) (uint64, error) {
	if a.createErr != nil {
		return 0, a.createErr
	}
	id := a.nextID
	a.nextID++
	a.disputes = append(a.disputes, stubDispute{arbitrable: arbitrable, choices: choices, payment: payment})
	return id, nil
}

type captureEmitter struct {
	mu     sync.Mutex
	events []events.Event
}

func (c *captureEmitter) Emit(evt events.Event) {
	c.mu.Lock()
	c.events = append(c.events, evt)
	c.mu.Unlock()
}

func (c *captureEmitter) types() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.events))
	for _, evt := range c.events {
		out = append(out, evt.EventType())
	}
	return out
}

func (c *captureEmitter) last() events.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.events) == 0 {
		return nil
	}
	return c.events[len(c.events)-1]
}

type harness struct {
	clock   *fakeClock
	arb     *stubArbitrator
	ledger  *bank.Ledger
	emitter *captureEmitter
	machine *Machine
}

func newHarness(t *testing.T, value int64, opts ...Option) *harness {
	t.Helper()
	h := &harness{
		clock:   &fakeClock{now: 0},
		arb:     &stubArbitrator{cost: big.NewInt(10)},
		ledger:  bank.NewLedger(nil),
		emitter: &captureEmitter{},
	}
	base := []Option{
		WithClock(h.clock.Now),
		WithSender(h.ledger),
		WithEmitter(h.emitter),
	}
	m, err := New(Params{
		Payer:           payer,
		Payee:           payee,
		Value:           big.NewInt(value),
		MetaEvidenceURI: "ipfs://agreement",
	}, h.arb, append(base, opts...)...)
	require.NoError(t, err)
	h.machine = m
	return h
}

func (h *harness) balance(t *testing.T, addr [20]byte) int64 {
	t.Helper()
	bal, err := h.ledger.Balance(addr)
	require.NoError(t, err)
	return bal.Int64()
}

func TestNewEmitsMetaEvidence(t *testing.T) {
	h := newHarness(t, 100)
	snap := h.machine.Snapshot()
	require.Equal(t, StatusInitial, snap.Status)
	require.Equal(t, int64(100), snap.Balance.Int64())
	require.Equal(t, arbAccount, snap.Arbitrator)
	require.Equal(t, DefaultPeriod, snap.ReclamationPeriod)
	require.Equal(t, DefaultPeriod, snap.ArbitrationFeeDepositPeriod)
	require.Equal(t, []string{events.TypeMetaEvidence}, h.emitter.types())

	meta, ok := h.emitter.last().(events.MetaEvidence)
	require.True(t, ok)
	require.Equal(t, snap.ID, meta.Arbitrable)
	require.Equal(t, "ipfs://agreement", meta.URI)
}

func TestNewValidatesParams(t *testing.T) {
	arb := &stubArbitrator{cost: big.NewInt(1)}
	sender := WithSender(bank.NewLedger(nil))
	cases := map[string]struct {
		params Params
		arb    arbitration.Arbitrator
		opts   []Option
	}{
		"zero value":     {params: Params{Payer: payer, Payee: payee, Value: big.NewInt(0)}, arb: arb, opts: []Option{sender}},
		"nil value":      {params: Params{Payer: payer, Payee: payee}, arb: arb, opts: []Option{sender}},
		"same parties":   {params: Params{Payer: payer, Payee: payer, Value: big.NewInt(1)}, arb: arb, opts: []Option{sender}},
		"missing payee":  {params: Params{Payer: payer, Value: big.NewInt(1)}, arb: arb, opts: []Option{sender}},
		"nil arbitrator": {params: Params{Payer: payer, Payee: payee, Value: big.NewInt(1)}, opts: []Option{sender}},
		"no sender":      {params: Params{Payer: payer, Payee: payee, Value: big.NewInt(1)}, arb: arb},
		"zero period": {
			params: Params{Payer: payer, Payee: payee, Value: big.NewInt(1)},
			arb:    arb,
			opts:   []Option{sender, WithPeriods(0, time.Minute)},
		},
		"sub-second period": {
			params: Params{Payer: payer, Payee: payee, Value: big.NewInt(1)},
			arb:    arb,
			opts:   []Option{sender, WithPeriods(500*time.Millisecond, time.Minute)},
		},
		"fractional period": {
			params: Params{Payer: payer, Payee: payee, Value: big.NewInt(1)},
			arb:    arb,
			opts:   []Option{sender, WithPeriods(time.Minute, 1500*time.Millisecond)},
		},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := New(tc.params, tc.arb, tc.opts...)
			require.ErrorIs(t, err, ErrInvalidParams)
		})
	}
}

func TestNonceSeparatesIdenticalTerms(t *testing.T) {
	a := newHarness(t, 100, WithNonce([]byte("a")))
	b := newHarness(t, 100, WithNonce([]byte("b")))
	c := newHarness(t, 100, WithNonce([]byte("a")))
	require.NotEqual(t, a.machine.ID(), b.machine.ID())
	require.Equal(t, a.machine.ID(), c.machine.ID())
}

func TestPayeeReleasesAfterReclamationPeriod(t *testing.T) {
	h := newHarness(t, 100)

	h.clock.Set(180)
	err := h.machine.ReleaseFunds(payee)
	require.ErrorIs(t, err, ErrWindowViolation)
	require.Equal(t, StatusInitial, h.machine.Status())

	h.clock.Set(181)
	require.NoError(t, h.machine.ReleaseFunds(payee))

	snap := h.machine.Snapshot()
	require.Equal(t, StatusResolved, snap.Status)
	require.Zero(t, snap.Balance.Sign())
	require.Equal(t, int64(181), snap.ResolvedAt)
	require.Equal(t, int64(100), h.balance(t, payee))
	require.Len(t, snap.Payouts, 1)
	require.True(t, snap.Payouts[0].Delivered)
	require.Equal(t, "release", snap.Payouts[0].Reason)
}

func TestPayerMayReleaseAnyTimeInInitial(t *testing.T) {
	h := newHarness(t, 100)
	h.clock.Set(5000)
	require.NoError(t, h.machine.ReleaseFunds(payer))
	require.Equal(t, int64(100), h.balance(t, payee))
	require.Equal(t, StatusResolved, h.machine.Status())
}

func TestAnyoneMayReleaseOnceWindowElapsed(t *testing.T) {
	h := newHarness(t, 100)
	h.clock.Set(200)
	require.NoError(t, h.machine.ReleaseFunds(stranger))
	require.Equal(t, int64(100), h.balance(t, payee))
}

func TestReleaseRejectedOutsideInitial(t *testing.T) {
	h := newHarness(t, 100)
	h.clock.Set(10)
	require.NoError(t, h.machine.ReclaimFunds(payer, big.NewInt(10)))
	require.ErrorIs(t, h.machine.ReleaseFunds(payer), ErrInvalidState)
}

func TestDisputeScenarioPayeeWins(t *testing.T) {
	h := newHarness(t, 100)

	h.clock.Set(10)
	require.NoError(t, h.machine.ReclaimFunds(payer, big.NewInt(10)))
	snap := h.machine.Snapshot()
	require.Equal(t, StatusReclaimed, snap.Status)
	require.Equal(t, int64(110), snap.Balance.Int64())
	require.Equal(t, int64(10), snap.ReclaimedAt)

	h.clock.Set(15)
	require.NoError(t, h.machine.DepositArbitrationFeeForPayee(payee, big.NewInt(10)))
	snap = h.machine.Snapshot()
	require.Equal(t, StatusDisputed, snap.Status)
	require.True(t, snap.HasDispute)
	require.Equal(t, uint64(0), snap.DisputeID)
	require.Len(t, h.arb.disputes, 1)
	require.Equal(t, RulingOptions, h.arb.disputes[0].choices)
	require.Equal(t, int64(10), h.arb.disputes[0].payment.Int64())
	require.Equal(t, int64(110), snap.Balance.Int64())

	require.NoError(t, h.machine.Rule(arbAccount, 0, RulingPayeeWins))
	snap = h.machine.Snapshot()
	require.Equal(t, StatusResolved, snap.Status)
	require.Equal(t, RulingPayeeWins, snap.Ruling)
	require.Zero(t, snap.Balance.Sign())
	require.Equal(t, int64(110), h.balance(t, payee))
	require.Zero(t, h.balance(t, payer))

	require.Equal(t, []string{
		events.TypeMetaEvidence,
		events.TypeDispute,
		events.TypePayout,
		events.TypeRuling,
	}, h.emitter.types())
	ruling, ok := h.emitter.last().(events.Ruling)
	require.True(t, ok)
	require.Equal(t, uint64(2), ruling.Ruling)
	require.Equal(t, arbAccount, ruling.Arbitrator)
}

func TestDisputeScenarioPayerWins(t *testing.T) {
	h := newHarness(t, 100)
	h.clock.Set(10)
	require.NoError(t, h.machine.ReclaimFunds(payer, big.NewInt(10)))
	require.NoError(t, h.machine.DepositArbitrationFeeForPayee(stranger, big.NewInt(25)))
	require.Equal(t, int64(25), h.arb.disputes[0].payment.Int64())
	require.NoError(t, h.machine.Rule(arbAccount, 0, RulingPayerWins))
	require.Equal(t, int64(110), h.balance(t, payer))
}

func TestReclaimCompletesAfterFeeWindow(t *testing.T) {
	h := newHarness(t, 100)
	h.clock.Set(10)
	require.NoError(t, h.machine.ReclaimFunds(payer, big.NewInt(10)))

	h.clock.Set(190)
	require.ErrorIs(t, h.machine.ReclaimFunds(payer, nil), ErrWindowViolation)

	h.clock.Set(191)
	require.ErrorIs(t, h.machine.ReclaimFunds(payer, big.NewInt(1)), ErrInvalidPayment)
	require.ErrorIs(t, h.machine.ReclaimFunds(payee, nil), ErrUnauthorized)
	require.NoError(t, h.machine.ReclaimFunds(payer, nil))

	snap := h.machine.Snapshot()
	require.Equal(t, StatusResolved, snap.Status)
	require.Equal(t, int64(110), h.balance(t, payer))
	require.Equal(t, "reclaim", snap.Payouts[0].Reason)
}

func TestReclaimRequiresExactCost(t *testing.T) {
	h := newHarness(t, 100)
	h.clock.Set(10)
	require.ErrorIs(t, h.machine.ReclaimFunds(payer, big.NewInt(9)), ErrInvalidPayment)
	require.ErrorIs(t, h.machine.ReclaimFunds(payer, big.NewInt(11)), ErrInvalidPayment)
	require.ErrorIs(t, h.machine.ReclaimFunds(payer, nil), ErrInvalidPayment)
	require.ErrorIs(t, h.machine.ReclaimFunds(payee, big.NewInt(10)), ErrUnauthorized)
	require.Equal(t, StatusInitial, h.machine.Status())
	require.Equal(t, int64(100), h.machine.Snapshot().Balance.Int64())
}

func TestReclaimRejectedAfterReclamationPeriod(t *testing.T) {
	h := newHarness(t, 100)
	h.clock.Set(180)
	require.NoError(t, h.machine.ReclaimFunds(payer, big.NewInt(10)))

	h2 := newHarness(t, 100)
	h2.clock.Set(181)
	require.ErrorIs(t, h2.machine.ReclaimFunds(payer, big.NewInt(10)), ErrWindowViolation)
}

func TestReclaimPropagatesCostFailure(t *testing.T) {
	h := newHarness(t, 100)
	h.arb.costErr = errors.New("oracle down")
	err := h.machine.ReclaimFunds(payer, big.NewInt(10))
	require.Error(t, err)
	require.Equal(t, "error", Reason(err))
	require.Equal(t, StatusInitial, h.machine.Status())
}

func TestDepositRequiresReclaimedAndCost(t *testing.T) {
	h := newHarness(t, 100)
	require.ErrorIs(t, h.machine.DepositArbitrationFeeForPayee(payee, big.NewInt(10)), ErrInvalidState)

	h.clock.Set(10)
	require.NoError(t, h.machine.ReclaimFunds(payer, big.NewInt(10)))
	require.ErrorIs(t, h.machine.DepositArbitrationFeeForPayee(payee, big.NewInt(9)), ErrInvalidPayment)
	require.Empty(t, h.arb.disputes)

	h.arb.createErr = errors.New("arbitrator paused")
	require.Error(t, h.machine.DepositArbitrationFeeForPayee(payee, big.NewInt(10)))
	require.Equal(t, StatusReclaimed, h.machine.Status())
}

func TestDepositAllowedAfterFeeWindow(t *testing.T) {
	h := newHarness(t, 100)
	h.clock.Set(10)
	require.NoError(t, h.machine.ReclaimFunds(payer, big.NewInt(10)))
	h.clock.Set(10_000)
	require.NoError(t, h.machine.DepositArbitrationFeeForPayee(payee, big.NewInt(10)))
	require.Equal(t, StatusDisputed, h.machine.Status())
}

func TestRuleChecks(t *testing.T) {
	h := newHarness(t, 100)
	require.ErrorIs(t, h.machine.Rule(payer, 0, RulingPayerWins), ErrUnauthorized)
	require.ErrorIs(t, h.machine.Rule(arbAccount, 0, RulingPayerWins), ErrInvalidState)

	h.clock.Set(10)
	require.NoError(t, h.machine.ReclaimFunds(payer, big.NewInt(10)))
	require.NoError(t, h.machine.DepositArbitrationFeeForPayee(payee, big.NewInt(10)))

	require.ErrorIs(t, h.machine.Rule(arbAccount, 7, RulingPayerWins), ErrInvalidState)
	require.ErrorIs(t, h.machine.Rule(arbAccount, 0, arbitration.RefusedToArbitrate), ErrInvalidRuling)
	require.ErrorIs(t, h.machine.Rule(arbAccount, 0, 3), ErrInvalidRuling)
	require.ErrorIs(t, h.machine.Rule(stranger, 0, RulingPayeeWins), ErrUnauthorized)
	require.Equal(t, StatusDisputed, h.machine.Status())

	require.NoError(t, h.machine.Rule(arbAccount, 0, RulingPayeeWins))
	require.ErrorIs(t, h.machine.Rule(arbAccount, 0, RulingPayeeWins), ErrInvalidState)
}

func TestResolvedIsTerminal(t *testing.T) {
	h := newHarness(t, 100)
	require.NoError(t, h.machine.ReleaseFunds(payer))
	before := h.machine.Snapshot()

	require.ErrorIs(t, h.machine.ReleaseFunds(payer), ErrInvalidState)
	require.ErrorIs(t, h.machine.ReclaimFunds(payer, big.NewInt(10)), ErrInvalidState)
	require.ErrorIs(t, h.machine.DepositArbitrationFeeForPayee(payee, big.NewInt(10)), ErrInvalidState)
	require.ErrorIs(t, h.machine.SubmitEvidence(payer, "ipfs://late"), ErrInvalidState)
	require.ErrorIs(t, h.machine.Rule(arbAccount, 0, RulingPayerWins), ErrInvalidState)

	require.Equal(t, before, h.machine.Snapshot())
}

func TestSubmitEvidence(t *testing.T) {
	h := newHarness(t, 100, WithEvidenceIDs(3, 9))
	require.NoError(t, h.machine.SubmitEvidence(payee, "ipfs://photo"))
	evt, ok := h.emitter.last().(events.Evidence)
	require.True(t, ok)
	require.Equal(t, payee, evt.Submitter)
	require.Equal(t, uint64(9), evt.EvidenceGroupID)
	require.Equal(t, "ipfs://photo", evt.URI)

	require.ErrorIs(t, h.machine.SubmitEvidence(stranger, "ipfs://spam"), ErrUnauthorized)
	require.Equal(t, StatusInitial, h.machine.Status())
}

func TestRemainingTimeQueries(t *testing.T) {
	h := newHarness(t, 100)
	left, err := h.machine.RemainingTimeToReclaim()
	require.NoError(t, err)
	require.Equal(t, 3*time.Minute, left)

	h.clock.Set(60)
	left, err = h.machine.RemainingTimeToReclaim()
	require.NoError(t, err)
	require.Equal(t, 2*time.Minute, left)

	h.clock.Set(500)
	left, err = h.machine.RemainingTimeToReclaim()
	require.NoError(t, err)
	require.Zero(t, left)

	_, err = h.machine.RemainingTimeToDepositArbitrationFee()
	require.ErrorIs(t, err, ErrInvalidState)

	h.clock.Set(100)
	require.NoError(t, h.machine.ReclaimFunds(payer, big.NewInt(10)))
	_, err = h.machine.RemainingTimeToReclaim()
	require.ErrorIs(t, err, ErrInvalidState)

	h.clock.Set(130)
	left, err = h.machine.RemainingTimeToDepositArbitrationFee()
	require.NoError(t, err)
	require.Equal(t, 150*time.Second, left)
}

func TestRemainingTimeClampsClockSkew(t *testing.T) {
	h := newHarness(t, 100)
	h.clock.Set(-30)
	left, err := h.machine.RemainingTimeToReclaim()
	require.NoError(t, err)
	require.Equal(t, DefaultPeriod, left)
}

func TestFailedPayoutStillResolves(t *testing.T) {
	h := newHarness(t, 100)
	h.ledger.SetRejecting(payee, true)
	h.clock.Set(200)
	require.NoError(t, h.machine.ReleaseFunds(payee))

	snap := h.machine.Snapshot()
	require.Equal(t, StatusResolved, snap.Status)
	require.Zero(t, snap.Balance.Sign())
	require.Len(t, snap.Payouts, 1)
	require.False(t, snap.Payouts[0].Delivered)
	require.NotEmpty(t, snap.Payouts[0].Error)
	require.Zero(t, h.balance(t, payee))

	var payout events.Payout
	for _, evt := range h.emitter.events {
		if p, ok := evt.(events.Payout); ok {
			payout = p
		}
	}
	require.False(t, payout.Delivered)
	require.Equal(t, int64(100), payout.Amount.Int64())
}

func TestCustomPeriods(t *testing.T) {
	h := newHarness(t, 100, WithPeriods(10*time.Second, 20*time.Second))
	h.clock.Set(11)
	require.ErrorIs(t, h.machine.ReclaimFunds(payer, big.NewInt(10)), ErrWindowViolation)
	require.NoError(t, h.machine.ReleaseFunds(payee))
}

func TestRestoreResumesFromSnapshot(t *testing.T) {
	h := newHarness(t, 100)
	h.clock.Set(10)
	require.NoError(t, h.machine.ReclaimFunds(payer, big.NewInt(10)))

	emitter := &captureEmitter{}
	restored, err := Restore(h.machine.Snapshot(), h.arb,
		WithClock(h.clock.Now), WithSender(h.ledger), WithEmitter(emitter))
	require.NoError(t, err)
	require.Empty(t, emitter.types())
	require.Equal(t, StatusReclaimed, restored.Status())

	h.clock.Set(191)
	require.NoError(t, restored.ReclaimFunds(payer, nil))
	require.Equal(t, int64(110), h.balance(t, payer))

	other := &stubArbitrator{cost: big.NewInt(1)}
	otherAddr := crypto.NamedAccount("other")
	snap := h.machine.Snapshot()
	snap.Arbitrator = otherAddr
	_, err = Restore(snap, other, WithSender(h.ledger))
	require.ErrorIs(t, err, ErrInvalidParams)
}

func TestSnapshotIsolation(t *testing.T) {
	h := newHarness(t, 100)
	snap := h.machine.Snapshot()
	snap.Balance.SetInt64(1)
	snap.Status = StatusResolved
	require.Equal(t, int64(100), h.machine.Snapshot().Balance.Int64())
	require.Equal(t, StatusInitial, h.machine.Status())
}

func TestConcurrentReleaseResolvesOnce(t *testing.T) {
	h := newHarness(t, 100)
	h.clock.Set(500)

	var wg sync.WaitGroup
	results := make(chan error, 16)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results <- h.machine.ReleaseFunds(stranger)
		}()
	}
	wg.Wait()
	close(results)

	var ok, rejected int
	for err := range results {
		if err == nil {
			ok++
			continue
		}
		require.ErrorIs(t, err, ErrInvalidState)
		rejected++
	}
	require.Equal(t, 1, ok)
	require.Equal(t, 15, rejected)
	require.Equal(t, int64(100), h.balance(t, payee))
}

// failingHook records committed snapshots and fails while fail is set.
type failingHook struct {
	mu        sync.Mutex
	fail      bool
	committed []*Escrow
	onCommit  func(*Escrow)
}

func (h *failingHook) commit(esc *Escrow) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.fail {
		return errors.New("disk full")
	}
	h.committed = append(h.committed, esc)
	if h.onCommit != nil {
		h.onCommit(esc)
	}
	return nil
}

func (h *failingHook) setFail(v bool) {
	h.mu.Lock()
	h.fail = v
	h.mu.Unlock()
}

func TestNewDoesNotAnnounceUnpersistedEscrow(t *testing.T) {
	hook := &failingHook{fail: true}
	emitter := &captureEmitter{}
	_, err := New(Params{Payer: payer, Payee: payee, Value: big.NewInt(100)}, &stubArbitrator{cost: big.NewInt(10)},
		WithSender(bank.NewLedger(nil)),
		WithEmitter(emitter),
		WithCommitHook(hook.commit))
	require.ErrorIs(t, err, ErrPersist)
	require.Equal(t, "persist_failed", Reason(err))
	require.Empty(t, emitter.types())
}

func TestCommitFailureLeavesEscrowUntouched(t *testing.T) {
	hook := &failingHook{}
	h := newHarness(t, 100, WithCommitHook(hook.commit))
	require.Len(t, hook.committed, 1)
	require.Equal(t, StatusInitial, hook.committed[0].Status)

	hook.setFail(true)
	h.clock.Set(200)
	require.ErrorIs(t, h.machine.ReleaseFunds(payee), ErrPersist)
	require.Equal(t, StatusInitial, h.machine.Status())
	require.Equal(t, int64(100), h.machine.Snapshot().Balance.Int64())
	require.Zero(t, h.balance(t, payee))
	require.Equal(t, []string{events.TypeMetaEvidence}, h.emitter.types())

	hook.setFail(false)
	require.NoError(t, h.machine.ReleaseFunds(payee))
	require.Equal(t, int64(100), h.balance(t, payee))
	require.Equal(t, StatusResolved, h.machine.Status())
}

func TestPayoutSentOnlyAfterCommit(t *testing.T) {
	hook := &failingHook{}
	var payeeAtCommit []int64
	h := newHarness(t, 100, WithCommitHook(hook.commit))
	hook.onCommit = func(*Escrow) {
		payeeAtCommit = append(payeeAtCommit, h.balance(t, payee))
	}

	h.clock.Set(200)
	require.NoError(t, h.machine.ReleaseFunds(payee))

	// resolved state first, with the payout pending, then the delivery outcome
	require.Len(t, hook.committed, 3)
	resolved := hook.committed[1]
	require.Equal(t, StatusResolved, resolved.Status)
	require.Equal(t, payoutPending, resolved.Payouts[0].Error)
	require.False(t, resolved.Payouts[0].Delivered)
	settled := hook.committed[2]
	require.True(t, settled.Payouts[0].Delivered)
	require.Empty(t, settled.Payouts[0].Error)
	require.Equal(t, []int64{0, 100}, payeeAtCommit)
	require.Equal(t, settled.Payouts, h.machine.Snapshot().Payouts)
}

// gateEmitter blocks inside Emit for the first event of type gate.
type gateEmitter struct {
	captureEmitter
	gate    string
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (g *gateEmitter) Emit(evt events.Event) {
	if evt.EventType() == g.gate {
		g.once.Do(func() {
			close(g.entered)
			<-g.release
		})
	}
	g.captureEmitter.Emit(evt)
}

func TestEventsFollowCommitOrder(t *testing.T) {
	emitter := &gateEmitter{gate: events.TypeDispute, entered: make(chan struct{}), release: make(chan struct{})}
	h := newHarness(t, 100, WithEmitter(emitter))
	h.clock.Set(10)
	require.NoError(t, h.machine.ReclaimFunds(payer, big.NewInt(10)))
	h.clock.Set(15)

	var wg sync.WaitGroup
	errs := make(chan error, 2)
	wg.Add(2)
	go func() {
		defer wg.Done()
		errs <- h.machine.DepositArbitrationFeeForPayee(payee, big.NewInt(10))
	}()
	<-emitter.entered
	go func() {
		defer wg.Done()
		errs <- h.machine.Rule(arbAccount, 0, RulingPayeeWins)
	}()
	time.Sleep(20 * time.Millisecond)
	close(emitter.release)
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	require.Equal(t, []string{
		events.TypeMetaEvidence,
		events.TypeDispute,
		events.TypePayout,
		events.TypeRuling,
	}, emitter.types())
}
