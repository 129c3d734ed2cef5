package escrow

import (
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"time"

	"github.com/ethereum/go-ethereum/rlp"

	"arbescrow/core/arbitration"
	"arbescrow/storage"
)

var recordPrefix = []byte("escrow/record/")

func recordKey(id [32]byte) []byte {
	key := make([]byte, 0, len(recordPrefix)+64)
	key = append(key, recordPrefix...)
	return append(key, hex.EncodeToString(id[:])...)
}

// storedPayout is the RLP form of Payout.
type storedPayout struct {
	Recipient [20]byte
	Amount    *big.Int
	Reason    string
	Delivered bool
	Error     string
}

// storedEscrow is the RLP form of Escrow. RLP has no signed integers, so
// timestamps and periods are stored as unsigned seconds.
type storedEscrow struct {
	ID                 [32]byte
	Payer              [20]byte
	Payee              [20]byte
	Arbitrator         [20]byte
	Value              *big.Int
	Balance            *big.Int
	Status             uint8
	CreatedAt          uint64
	ReclaimedAt        uint64
	ResolvedAt         uint64
	ReclamationSeconds uint64
	FeeDepositSeconds  uint64
	MetaEvidenceID     uint64
	MetaEvidenceURI    string
	EvidenceGroupID    uint64
	ExtraData          []byte
	HasDispute         bool
	DisputeID          uint64
	Ruling             uint64
	Payouts            []storedPayout
}

func toStored(e *Escrow) (*storedEscrow, error) {
	if e.CreatedAt < 0 || e.ReclaimedAt < 0 || e.ResolvedAt < 0 {
		return nil, fmt.Errorf("escrow: negative timestamp in %s", e.IDHex())
	}
	out := &storedEscrow{
		ID:                 e.ID,
		Payer:              e.Payer,
		Payee:              e.Payee,
		Arbitrator:         e.Arbitrator,
		Value:              cloneBigInt(e.Value),
		Balance:            cloneBigInt(e.Balance),
		Status:             uint8(e.Status),
		CreatedAt:          uint64(e.CreatedAt),
		ReclaimedAt:        uint64(e.ReclaimedAt),
		ResolvedAt:         uint64(e.ResolvedAt),
		ReclamationSeconds: uint64(windowSeconds(e.ReclamationPeriod)),
		FeeDepositSeconds:  uint64(windowSeconds(e.ArbitrationFeeDepositPeriod)),
		MetaEvidenceID:     e.MetaEvidenceID,
		MetaEvidenceURI:    e.MetaEvidenceURI,
		EvidenceGroupID:    e.EvidenceGroupID,
		ExtraData:          append([]byte(nil), e.ExtraData...),
		HasDispute:         e.HasDispute,
		DisputeID:          e.DisputeID,
		Ruling:             uint64(e.Ruling),
	}
	for _, p := range e.Payouts {
		out.Payouts = append(out.Payouts, storedPayout{
			Recipient: p.Recipient,
			Amount:    cloneBigInt(p.Amount),
			Reason:    p.Reason,
			Delivered: p.Delivered,
			Error:     p.Error,
		})
	}
	return out, nil
}

func (s *storedEscrow) toEscrow() *Escrow {
	out := &Escrow{
		ID:                          s.ID,
		Payer:                       s.Payer,
		Payee:                       s.Payee,
		Arbitrator:                  s.Arbitrator,
		Value:                       cloneBigInt(s.Value),
		Balance:                     cloneBigInt(s.Balance),
		Status:                      Status(s.Status),
		CreatedAt:                   int64(s.CreatedAt),
		ReclaimedAt:                 int64(s.ReclaimedAt),
		ResolvedAt:                  int64(s.ResolvedAt),
		ReclamationPeriod:           time.Duration(s.ReclamationSeconds) * time.Second,
		ArbitrationFeeDepositPeriod: time.Duration(s.FeeDepositSeconds) * time.Second,
		MetaEvidenceID:              s.MetaEvidenceID,
		MetaEvidenceURI:             s.MetaEvidenceURI,
		EvidenceGroupID:             s.EvidenceGroupID,
		ExtraData:                   s.ExtraData,
		HasDispute:                  s.HasDispute,
		DisputeID:                   s.DisputeID,
		Ruling:                      arbitration.Ruling(s.Ruling),
	}
	if len(out.ExtraData) == 0 {
		out.ExtraData = nil
	}
	for _, p := range s.Payouts {
		out.Payouts = append(out.Payouts, Payout{
			Recipient: p.Recipient,
			Amount:    cloneBigInt(p.Amount),
			Reason:    p.Reason,
			Delivered: p.Delivered,
			Error:     p.Error,
		})
	}
	return out
}

// Store persists escrow snapshots as RLP records.
type Store struct {
	db storage.Database
}

// NewStore wraps db. A nil db selects an in-memory database.
func NewStore(db storage.Database) *Store {
	if db == nil {
		db = storage.NewMemDB()
	}
	return &Store{db: db}
}

// Put writes the snapshot, replacing any previous record with the same ID.
func (s *Store) Put(e *Escrow) error {
	if err := e.Validate(); err != nil {
		return err
	}
	record, err := toStored(e)
	if err != nil {
		return err
	}
	encoded, err := rlp.EncodeToBytes(record)
	if err != nil {
		return fmt.Errorf("escrow: encode %s: %w", e.IDHex(), err)
	}
	return s.db.Put(recordKey(e.ID), encoded)
}

// Get loads the snapshot stored under id.
func (s *Store) Get(id [32]byte) (*Escrow, error) {
	raw, err := s.db.Get(recordKey(id))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("%w: %x", ErrNotFound, id)
		}
		return nil, err
	}
	return decodeRecord(raw)
}

// List returns every stored snapshot ordered by creation time, then ID.
func (s *Store) List() ([]*Escrow, error) {
	keys, err := s.db.Keys(recordPrefix)
	if err != nil {
		return nil, err
	}
	out := make([]*Escrow, 0, len(keys))
	for _, key := range keys {
		raw, err := s.db.Get(key)
		if err != nil {
			return nil, err
		}
		esc, err := decodeRecord(raw)
		if err != nil {
			return nil, err
		}
		out = append(out, esc)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt != out[j].CreatedAt {
			return out[i].CreatedAt < out[j].CreatedAt
		}
		return out[i].IDHex() < out[j].IDHex()
	})
	return out, nil
}

func decodeRecord(raw []byte) (*Escrow, error) {
	var record storedEscrow
	if err := rlp.DecodeBytes(raw, &record); err != nil {
		return nil, fmt.Errorf("escrow: decode record: %w", err)
	}
	esc := record.toEscrow()
	if err := esc.Validate(); err != nil {
		return nil, err
	}
	return esc, nil
}
