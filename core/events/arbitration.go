package events

import (
	"encoding/hex"

	"arbescrow/core/types"
)

const (
	TypeMetaEvidence = "arbitration.meta_evidence"
	TypeEvidence     = "arbitration.evidence"
	TypeDispute      = "arbitration.dispute"
	TypeRuling       = "arbitration.ruling"
)

// MetaEvidence links an escrow to the off-chain document describing the
// agreement. It is emitted once, when the escrow is created.
type MetaEvidence struct {
	Arbitrable     [32]byte
	MetaEvidenceID uint64
	URI            string
}

func (MetaEvidence) EventType() string { return TypeMetaEvidence }

func (e MetaEvidence) Event() *types.Event {
	return &types.Event{
		Type: TypeMetaEvidence,
		Attributes: map[string]string{
			"arbitrable":     hex.EncodeToString(e.Arbitrable[:]),
			"metaEvidenceId": uintToString(e.MetaEvidenceID),
			"uri":            e.URI,
		},
	}
}

// Evidence records a pointer to off-chain evidence submitted by one of the
// parties.
type Evidence struct {
	Arbitrable      [32]byte
	Arbitrator      [20]byte
	EvidenceGroupID uint64
	Submitter       [20]byte
	URI             string
}

func (Evidence) EventType() string { return TypeEvidence }

func (e Evidence) Event() *types.Event {
	return &types.Event{
		Type: TypeEvidence,
		Attributes: map[string]string{
			"arbitrable":      hex.EncodeToString(e.Arbitrable[:]),
			"arbitrator":      formatAccount(e.Arbitrator),
			"evidenceGroupId": uintToString(e.EvidenceGroupID),
			"submitter":       formatAccount(e.Submitter),
			"uri":             e.URI,
		},
	}
}

// Dispute is emitted when the arbitrator accepted a new dispute for an escrow.
type Dispute struct {
	Arbitrable      [32]byte
	Arbitrator      [20]byte
	DisputeID       uint64
	MetaEvidenceID  uint64
	EvidenceGroupID uint64
}

func (Dispute) EventType() string { return TypeDispute }

func (e Dispute) Event() *types.Event {
	return &types.Event{
		Type: TypeDispute,
		Attributes: map[string]string{
			"arbitrable":      hex.EncodeToString(e.Arbitrable[:]),
			"arbitrator":      formatAccount(e.Arbitrator),
			"disputeId":       uintToString(e.DisputeID),
			"metaEvidenceId":  uintToString(e.MetaEvidenceID),
			"evidenceGroupId": uintToString(e.EvidenceGroupID),
		},
	}
}

// Ruling is emitted once the arbitrator's decision has been applied.
type Ruling struct {
	Arbitrable [32]byte
	Arbitrator [20]byte
	DisputeID  uint64
	Ruling     uint64
}

func (Ruling) EventType() string { return TypeRuling }

func (e Ruling) Event() *types.Event {
	return &types.Event{
		Type: TypeRuling,
		Attributes: map[string]string{
			"arbitrable": hex.EncodeToString(e.Arbitrable[:]),
			"arbitrator": formatAccount(e.Arbitrator),
			"disputeId":  uintToString(e.DisputeID),
			"ruling":     uintToString(e.Ruling),
		},
	}
}
