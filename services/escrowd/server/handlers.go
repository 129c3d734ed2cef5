package server

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/text/unicode/norm"

	"arbescrow/core/arbitration"
	"arbescrow/crypto"
	"arbescrow/native/arbitrator"
	"arbescrow/native/escrow"
)

type payoutView struct {
	Recipient string `json:"recipient"`
	Amount    string `json:"amount"`
	Reason    string `json:"reason"`
	Delivered bool   `json:"delivered"`
	Error     string `json:"error,omitempty"`
}

type escrowView struct {
	ID                                 string       `json:"id"`
	Payer                              string       `json:"payer"`
	Payee                              string       `json:"payee"`
	Arbitrator                         string       `json:"arbitrator"`
	Value                              string       `json:"value"`
	Balance                            string       `json:"balance"`
	Status                             string       `json:"status"`
	CreatedAt                          int64        `json:"createdAt"`
	ReclaimedAt                        int64        `json:"reclaimedAt,omitempty"`
	ResolvedAt                         int64        `json:"resolvedAt,omitempty"`
	ReclamationPeriodSeconds           int64        `json:"reclamationPeriodSeconds"`
	ArbitrationFeeDepositPeriodSeconds int64        `json:"arbitrationFeeDepositPeriodSeconds"`
	MetaEvidenceID                     uint64       `json:"metaEvidenceId"`
	MetaEvidenceURI                    string       `json:"metaEvidenceUri,omitempty"`
	EvidenceGroupID                    uint64       `json:"evidenceGroupId"`
	ExtraData                          string       `json:"extraData,omitempty"`
	DisputeID                          *uint64      `json:"disputeId,omitempty"`
	Ruling                             uint64       `json:"ruling"`
	Payouts                            []payoutView `json:"payouts,omitempty"`
}

func newEscrowView(e *escrow.Escrow) escrowView {
	view := escrowView{
		ID:                                 e.IDHex(),
		Payer:                              crypto.FormatAddress(e.Payer),
		Payee:                              crypto.FormatAddress(e.Payee),
		Arbitrator:                         crypto.FormatAddress(e.Arbitrator),
		Value:                              e.Value.String(),
		Balance:                            e.Balance.String(),
		Status:                             e.Status.String(),
		CreatedAt:                          e.CreatedAt,
		ReclaimedAt:                        e.ReclaimedAt,
		ResolvedAt:                         e.ResolvedAt,
		ReclamationPeriodSeconds:           int64(e.ReclamationPeriod.Seconds()),
		ArbitrationFeeDepositPeriodSeconds: int64(e.ArbitrationFeeDepositPeriod.Seconds()),
		MetaEvidenceID:                     e.MetaEvidenceID,
		MetaEvidenceURI:                    e.MetaEvidenceURI,
		EvidenceGroupID:                    e.EvidenceGroupID,
		Ruling:                             uint64(e.Ruling),
	}
	if len(e.ExtraData) > 0 {
		view.ExtraData = hex.EncodeToString(e.ExtraData)
	}
	if e.HasDispute {
		id := e.DisputeID
		view.DisputeID = &id
	}
	for _, p := range e.Payouts {
		view.Payouts = append(view.Payouts, payoutView{
			Recipient: crypto.FormatAddress(p.Recipient),
			Amount:    p.Amount.String(),
			Reason:    p.Reason,
			Delivered: p.Delivered,
			Error:     p.Error,
		})
	}
	return view
}

type disputeView struct {
	ID        uint64 `json:"id"`
	Choices   uint64 `json:"choices"`
	Fee       string `json:"fee"`
	Status    string `json:"status"`
	Ruling    uint64 `json:"ruling"`
	CreatedAt int64  `json:"createdAt"`
	RuledAt   int64  `json:"ruledAt,omitempty"`
}

func newDisputeView(d *arbitrator.Dispute) disputeView {
	return disputeView{
		ID:        d.ID,
		Choices:   d.Choices,
		Fee:       d.Fee.String(),
		Status:    d.Status.String(),
		Ruling:    uint64(d.Ruling),
		CreatedAt: d.CreatedAt,
		RuledAt:   d.RuledAt,
	}
}

func parseEscrowID(r *http.Request) ([32]byte, error) {
	var id [32]byte
	raw := strings.TrimPrefix(strings.TrimSpace(chi.URLParam(r, "id")), "0x")
	decoded, err := hex.DecodeString(raw)
	if err != nil || len(decoded) != len(id) {
		return id, fmt.Errorf("%w: malformed escrow id", escrow.ErrInvalidParams)
	}
	copy(id[:], decoded)
	return id, nil
}

func parseAmount(raw string) (*big.Int, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return big.NewInt(0), nil
	}
	value, ok := new(big.Int).SetString(trimmed, 10)
	if !ok {
		return nil, fmt.Errorf("%w: invalid amount %q", escrow.ErrInvalidParams, raw)
	}
	return value, nil
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst interface{}) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("%w: invalid payload: %v", escrow.ErrInvalidParams, err)
	}
	return nil
}

func (s *Server) caller(r *http.Request) [20]byte {
	caller, _ := CallerFromContext(r.Context())
	return caller
}

type createEscrowRequest struct {
	Payee           string `json:"payee"`
	Value           string `json:"value"`
	MetaEvidenceURI string `json:"metaEvidenceUri"`
	ExtraData       string `json:"extraData"`
}

func (s *Server) handleCreateEscrow(w http.ResponseWriter, r *http.Request) {
	ctx, span := s.tracer.Start(r.Context(), "escrowd.create")
	defer span.End()
	r = r.WithContext(ctx)

	var req createEscrowRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.writeDomainError(w, err)
		return
	}
	payee, err := crypto.ParseAccount(req.Payee)
	if err != nil {
		s.writeDomainError(w, fmt.Errorf("%w: payee: %v", escrow.ErrInvalidParams, err))
		return
	}
	value, err := parseAmount(req.Value)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	var extra []byte
	if req.ExtraData != "" {
		extra, err = hex.DecodeString(strings.TrimPrefix(req.ExtraData, "0x"))
		if err != nil {
			s.writeDomainError(w, fmt.Errorf("%w: extraData must be hex", escrow.ErrInvalidParams))
			return
		}
	}
	created, err := s.registry.Create(escrow.CreateRequest{
		Payer:           s.caller(r),
		Payee:           payee,
		Value:           value,
		MetaEvidenceURI: normalizeURI(req.MetaEvidenceURI),
		ExtraData:       extra,
	})
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	span.SetAttributes(attribute.String("escrow.id", created.IDHex()))
	writeJSON(w, http.StatusCreated, newEscrowView(created))
}

func (s *Server) handleListEscrows(w http.ResponseWriter, r *http.Request) {
	var filter escrow.ListFilter
	if raw := strings.TrimSpace(r.URL.Query().Get("status")); raw != "" {
		status, err := escrow.ParseStatus(raw)
		if err != nil {
			s.writeDomainError(w, fmt.Errorf("%w: %v", escrow.ErrInvalidParams, err))
			return
		}
		filter.Status = &status
	}
	if raw := strings.TrimSpace(r.URL.Query().Get("party")); raw != "" {
		party, err := crypto.ParseAccount(raw)
		if err != nil {
			s.writeDomainError(w, fmt.Errorf("%w: party: %v", escrow.ErrInvalidParams, err))
			return
		}
		filter.Party = party
	}
	list := s.registry.List(filter)
	out := make([]escrowView, 0, len(list))
	for _, e := range list {
		out = append(out, newEscrowView(e))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetEscrow(w http.ResponseWriter, r *http.Request) {
	id, err := parseEscrowID(r)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	snap, err := s.registry.Get(id)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newEscrowView(snap))
}

type remainingView struct {
	Status                       string `json:"status"`
	ReclaimSeconds               *int64 `json:"reclaimSeconds,omitempty"`
	ArbitrationFeeDepositSeconds *int64 `json:"arbitrationFeeDepositSeconds,omitempty"`
}

func (s *Server) handleRemaining(w http.ResponseWriter, r *http.Request) {
	id, err := parseEscrowID(r)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	reclaim, fee, err := s.registry.RemainingTimes(id)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	snap, err := s.registry.Get(id)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	view := remainingView{Status: snap.Status.String()}
	if reclaim != nil {
		secs := int64(reclaim.Seconds())
		view.ReclaimSeconds = &secs
	}
	if fee != nil {
		secs := int64(fee.Seconds())
		view.ArbitrationFeeDepositSeconds = &secs
	}
	writeJSON(w, http.StatusOK, view)
}

// respondWithEscrow writes the current snapshot after a successful operation.
func (s *Server) respondWithEscrow(w http.ResponseWriter, id [32]byte) {
	snap, err := s.registry.Get(id)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newEscrowView(snap))
}

func (s *Server) handleRelease(w http.ResponseWriter, r *http.Request) {
	id, err := parseEscrowID(r)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	if err := s.registry.Release(id, s.caller(r)); err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.respondWithEscrow(w, id)
}

type paymentRequest struct {
	Payment string `json:"payment"`
}

func (s *Server) handleReclaim(w http.ResponseWriter, r *http.Request) {
	s.handlePaidOperation(w, r, s.registry.Reclaim)
}

func (s *Server) handleDepositFee(w http.ResponseWriter, r *http.Request) {
	s.handlePaidOperation(w, r, s.registry.DepositArbitrationFee)
}

func (s *Server) handlePaidOperation(w http.ResponseWriter, r *http.Request, op func([32]byte, [20]byte, *big.Int) error) {
	id, err := parseEscrowID(r)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	var req paymentRequest
	if r.ContentLength != 0 {
		if err := decodeBody(w, r, &req); err != nil {
			s.writeDomainError(w, err)
			return
		}
	}
	payment, err := parseAmount(req.Payment)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	if err := op(id, s.caller(r), payment); err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.respondWithEscrow(w, id)
}

type evidenceRequest struct {
	URI string `json:"uri"`
}

func (s *Server) handleEvidence(w http.ResponseWriter, r *http.Request) {
	id, err := parseEscrowID(r)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	var req evidenceRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.writeDomainError(w, err)
		return
	}
	if err := s.registry.SubmitEvidence(id, s.caller(r), normalizeURI(req.URI)); err != nil {
		s.writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// normalizeURI trims the URI and puts it in NFC so the same document always
// produces the same event payload.
func normalizeURI(raw string) string {
	return norm.NFC.String(strings.TrimSpace(raw))
}

func parseDisputeID(r *http.Request) (uint64, error) {
	id, err := strconv.ParseUint(strings.TrimSpace(chi.URLParam(r, "id")), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: malformed dispute id", escrow.ErrInvalidParams)
	}
	return id, nil
}

func (s *Server) handleGetDispute(w http.ResponseWriter, r *http.Request) {
	id, err := parseDisputeID(r)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	d, err := s.arbitrator.Dispute(id)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newDisputeView(d))
}

type rulingRequest struct {
	Ruling uint64 `json:"ruling"`
}

func (s *Server) handleRuling(w http.ResponseWriter, r *http.Request) {
	ctx, span := s.tracer.Start(r.Context(), "escrowd.ruling")
	defer span.End()
	r = r.WithContext(ctx)

	id, err := parseDisputeID(r)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	var req rulingRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.writeDomainError(w, err)
		return
	}
	span.SetAttributes(attribute.Int64("dispute.id", int64(id)), attribute.Int64("dispute.ruling", int64(req.Ruling)))
	if err := s.arbitrator.GiveRuling(s.caller(r), id, arbitration.Ruling(req.Ruling)); err != nil {
		s.writeDomainError(w, err)
		return
	}
	d, err := s.arbitrator.Dispute(id)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newDisputeView(d))
}

type accountView struct {
	Address string `json:"address"`
	Balance string `json:"balance"`
}

func (s *Server) handleGetAccount(w http.ResponseWriter, r *http.Request) {
	addr, err := crypto.ParseAccount(chi.URLParam(r, "addr"))
	if err != nil {
		s.writeDomainError(w, fmt.Errorf("%w: %v", escrow.ErrInvalidParams, err))
		return
	}
	balance, err := s.ledger.Balance(addr)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, accountView{Address: crypto.FormatAddress(addr), Balance: balance.String()})
}

type creditRequest struct {
	Amount string `json:"amount"`
}

func (s *Server) handleCredit(w http.ResponseWriter, r *http.Request) {
	addr, err := crypto.ParseAccount(chi.URLParam(r, "addr"))
	if err != nil {
		s.writeDomainError(w, fmt.Errorf("%w: %v", escrow.ErrInvalidParams, err))
		return
	}
	var req creditRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.writeDomainError(w, err)
		return
	}
	amount, err := parseAmount(req.Amount)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	if err := s.ledger.Credit(addr, amount); err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.logger.Info("faucet credit", "recipient", crypto.FormatAddress(addr), "amount", amount.String())
	s.handleGetAccount(w, r)
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	var after uint64
	if raw := strings.TrimSpace(r.URL.Query().Get("after")); raw != "" {
		parsed, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			s.writeDomainError(w, fmt.Errorf("%w: after must be a sequence number", escrow.ErrInvalidParams))
			return
		}
		after = parsed
	}
	writeJSON(w, http.StatusOK, s.events.Since(after))
}
