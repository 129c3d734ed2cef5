package escrow

import (
	"errors"
	"math/big"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"arbescrow/core/arbitration"
	"arbescrow/core/events"
	"arbescrow/native/bank"
	"arbescrow/storage"
)

type registryFixture struct {
	clock    *fakeClock
	arb      *bindingArbitrator
	ledger   *bank.Ledger
	db       storage.Database
	recorder *events.Recorder
	registry *Registry
}

// bindingArbitrator extends the stub with dispute rebinding.
type bindingArbitrator struct {
	stubArbitrator
	bound map[uint64]arbitration.Arbitrable
}

func (a *bindingArbitrator) Bind(disputeID uint64, arbitrable arbitration.Arbitrable) error {
	if a.bound == nil {
		a.bound = make(map[uint64]arbitration.Arbitrable)
	}
	a.bound[disputeID] = arbitrable
	return nil
}

func newRegistryFixture(t *testing.T) *registryFixture {
	t.Helper()
	f := &registryFixture{
		clock:    &fakeClock{},
		arb:      &bindingArbitrator{stubArbitrator: stubArbitrator{cost: big.NewInt(10)}},
		db:       storage.NewMemDB(),
		recorder: events.NewRecorder(0),
	}
	f.ledger = bank.NewLedger(f.db)
	f.registry = f.open(t)
	return f
}

func (f *registryFixture) open(t *testing.T) *Registry {
	t.Helper()
	reg, err := NewRegistry(RegistryConfig{
		Store:      NewStore(f.db),
		Funds:      f.ledger,
		Arbitrator: f.arb,
		Emitter:    f.recorder,
		Clock:      f.clock.Now,
	})
	require.NoError(t, err)
	return reg
}

func (f *registryFixture) fund(t *testing.T, addr [20]byte, amount int64) {
	t.Helper()
	require.NoError(t, f.ledger.Credit(addr, big.NewInt(amount)))
}

func (f *registryFixture) balance(t *testing.T, addr [20]byte) int64 {
	t.Helper()
	bal, err := f.ledger.Balance(addr)
	require.NoError(t, err)
	return bal.Int64()
}

func TestRegistryCreateDebitsPayer(t *testing.T) {
	f := newRegistryFixture(t)
	f.fund(t, payer, 150)

	esc, err := f.registry.Create(CreateRequest{Payer: payer, Payee: payee, Value: big.NewInt(100), MetaEvidenceURI: "ipfs://terms"})
	require.NoError(t, err)
	require.Equal(t, int64(50), f.balance(t, payer))
	require.Equal(t, StatusInitial, esc.Status)
	require.Equal(t, []string{events.TypeMetaEvidence}, f.recorder.Types())

	got, err := f.registry.Get(esc.ID)
	require.NoError(t, err)
	require.Equal(t, esc.ID, got.ID)
}

func TestRegistryCreateRefundsOnInvalidParams(t *testing.T) {
	f := newRegistryFixture(t)
	f.fund(t, payer, 100)

	_, err := f.registry.Create(CreateRequest{Payer: payer, Payee: payer, Value: big.NewInt(100)})
	require.ErrorIs(t, err, ErrInvalidParams)
	require.Equal(t, int64(100), f.balance(t, payer))
	require.Empty(t, f.registry.List(ListFilter{}))
}

func TestRegistryCreateRequiresFunds(t *testing.T) {
	f := newRegistryFixture(t)
	f.fund(t, payer, 10)
	_, err := f.registry.Create(CreateRequest{Payer: payer, Payee: payee, Value: big.NewInt(100)})
	require.ErrorIs(t, err, ErrInvalidPayment)
	require.ErrorIs(t, err, bank.ErrInsufficientFunds)
}

func TestRegistryRefundsRejectedPayment(t *testing.T) {
	f := newRegistryFixture(t)
	f.fund(t, payer, 200)
	esc, err := f.registry.Create(CreateRequest{Payer: payer, Payee: payee, Value: big.NewInt(100)})
	require.NoError(t, err)

	err = f.registry.Reclaim(esc.ID, payer, big.NewInt(9))
	require.ErrorIs(t, err, ErrInvalidPayment)
	require.Equal(t, int64(100), f.balance(t, payer))

	err = f.registry.Reclaim(esc.ID, payer, big.NewInt(-1))
	require.ErrorIs(t, err, ErrInvalidPayment)

	require.NoError(t, f.registry.Reclaim(esc.ID, payer, big.NewInt(10)))
	require.Equal(t, int64(90), f.balance(t, payer))
}

func TestRegistryDisputeFlowPersistsAndRestores(t *testing.T) {
	f := newRegistryFixture(t)
	f.fund(t, payer, 110)
	f.fund(t, payee, 10)

	esc, err := f.registry.Create(CreateRequest{Payer: payer, Payee: payee, Value: big.NewInt(100)})
	require.NoError(t, err)

	f.clock.Set(10)
	require.NoError(t, f.registry.Reclaim(esc.ID, payer, big.NewInt(10)))
	f.clock.Set(15)
	require.NoError(t, f.registry.DepositArbitrationFee(esc.ID, payee, big.NewInt(10)))
	require.Zero(t, f.balance(t, payee))

	restarted := f.open(t)
	n, err := restarted.Load()
	require.NoError(t, err)
	require.Equal(t, 1, n)

	snap, err := restarted.Get(esc.ID)
	require.NoError(t, err)
	require.Equal(t, StatusDisputed, snap.Status)
	require.Contains(t, f.arb.bound, snap.DisputeID)

	require.NoError(t, f.arb.bound[snap.DisputeID].Rule(arbAccount, snap.DisputeID, RulingPayeeWins))
	require.Equal(t, int64(110), f.balance(t, payee))

	// the ruling reached the store through the commit hook
	final, err := NewStore(f.db).Get(esc.ID)
	require.NoError(t, err)
	require.Equal(t, StatusResolved, final.Status)
	require.Equal(t, RulingPayeeWins, final.Ruling)
}

func TestRegistryListFilters(t *testing.T) {
	f := newRegistryFixture(t)
	other := [20]byte{9}
	f.fund(t, payer, 1_000)

	a, err := f.registry.Create(CreateRequest{Payer: payer, Payee: payee, Value: big.NewInt(10)})
	require.NoError(t, err)
	_, err = f.registry.Create(CreateRequest{Payer: payer, Payee: other, Value: big.NewInt(10)})
	require.NoError(t, err)
	require.NoError(t, f.registry.Release(a.ID, payer))

	require.Len(t, f.registry.List(ListFilter{}), 2)

	resolved := StatusResolved
	list := f.registry.List(ListFilter{Status: &resolved})
	require.Len(t, list, 1)
	require.Equal(t, a.ID, list[0].ID)

	list = f.registry.List(ListFilter{Party: other})
	require.Len(t, list, 1)
	require.Equal(t, other, list[0].Payee)
}

func TestRegistryUnknownEscrow(t *testing.T) {
	f := newRegistryFixture(t)
	require.ErrorIs(t, f.registry.Release([32]byte{1}, payer), ErrNotFound)
	require.ErrorIs(t, f.registry.SubmitEvidence([32]byte{1}, payer, "x"), ErrNotFound)
	_, _, err := f.registry.RemainingTimes([32]byte{1})
	require.ErrorIs(t, err, ErrNotFound)
}

func TestRegistryRemainingTimes(t *testing.T) {
	f := newRegistryFixture(t)
	f.fund(t, payer, 200)
	esc, err := f.registry.Create(CreateRequest{Payer: payer, Payee: payee, Value: big.NewInt(100)})
	require.NoError(t, err)

	reclaim, fee, err := f.registry.RemainingTimes(esc.ID)
	require.NoError(t, err)
	require.NotNil(t, reclaim)
	require.Nil(t, fee)
	require.Equal(t, DefaultPeriod, *reclaim)

	require.NoError(t, f.registry.Reclaim(esc.ID, payer, big.NewInt(10)))
	reclaim, fee, err = f.registry.RemainingTimes(esc.ID)
	require.NoError(t, err)
	require.Nil(t, reclaim)
	require.NotNil(t, fee)
}

func TestNewRegistryValidates(t *testing.T) {
	_, err := NewRegistry(RegistryConfig{Arbitrator: &stubArbitrator{cost: big.NewInt(1)}})
	require.ErrorIs(t, err, ErrInvalidParams)
	_, err = NewRegistry(RegistryConfig{Funds: bank.NewLedger(nil)})
	require.ErrorIs(t, err, ErrInvalidParams)
}

// flakyDB fails writes while failing is set.
type flakyDB struct {
	*storage.MemDB
	failing atomic.Bool
}

func (db *flakyDB) Put(key, value []byte) error {
	if db.failing.Load() {
		return errors.New("disk full")
	}
	return db.MemDB.Put(key, value)
}

// newFlakyFixture keeps balances in their own database so only escrow writes
// fail.
func newFlakyFixture(t *testing.T) (*registryFixture, *flakyDB) {
	t.Helper()
	db := &flakyDB{MemDB: storage.NewMemDB()}
	f := &registryFixture{
		clock:    &fakeClock{},
		arb:      &bindingArbitrator{stubArbitrator: stubArbitrator{cost: big.NewInt(10)}},
		ledger:   bank.NewLedger(storage.NewMemDB()),
		db:       db,
		recorder: events.NewRecorder(0),
	}
	f.registry = f.open(t)
	return f, db
}

func TestRegistryCreateFailsWhenStoreFails(t *testing.T) {
	f, db := newFlakyFixture(t)
	f.fund(t, payer, 100)
	db.failing.Store(true)

	_, err := f.registry.Create(CreateRequest{Payer: payer, Payee: payee, Value: big.NewInt(100)})
	require.ErrorIs(t, err, ErrPersist)
	require.Equal(t, int64(100), f.balance(t, payer))
	require.Empty(t, f.registry.List(ListFilter{}))
	require.Empty(t, f.recorder.Types())
}

func TestRegistryUnstoredReleaseDoesNotPayOrRegress(t *testing.T) {
	f, db := newFlakyFixture(t)
	f.fund(t, payer, 100)
	esc, err := f.registry.Create(CreateRequest{Payer: payer, Payee: payee, Value: big.NewInt(100)})
	require.NoError(t, err)

	db.failing.Store(true)
	require.ErrorIs(t, f.registry.Release(esc.ID, payer), ErrPersist)
	require.Zero(t, f.balance(t, payee))
	snap, err := f.registry.Get(esc.ID)
	require.NoError(t, err)
	require.Equal(t, StatusInitial, snap.Status)

	db.failing.Store(false)
	restarted := f.open(t)
	_, err = restarted.Load()
	require.NoError(t, err)
	require.NoError(t, restarted.Release(esc.ID, payer))
	require.ErrorIs(t, restarted.Release(esc.ID, payer), ErrInvalidState)
	require.Equal(t, int64(100), f.balance(t, payee))

	stored, err := NewStore(db).Get(esc.ID)
	require.NoError(t, err)
	require.Equal(t, StatusResolved, stored.Status)
	require.True(t, stored.Payouts[0].Delivered)
}

func TestRegistryRefundsPaymentWhenStoreFails(t *testing.T) {
	f, db := newFlakyFixture(t)
	f.fund(t, payer, 110)
	esc, err := f.registry.Create(CreateRequest{Payer: payer, Payee: payee, Value: big.NewInt(100)})
	require.NoError(t, err)

	db.failing.Store(true)
	require.ErrorIs(t, f.registry.Reclaim(esc.ID, payer, big.NewInt(10)), ErrPersist)
	require.Equal(t, int64(10), f.balance(t, payer))
	snap, err := f.registry.Get(esc.ID)
	require.NoError(t, err)
	require.Equal(t, StatusInitial, snap.Status)
	require.Equal(t, int64(100), snap.Balance.Int64())
}
