package rpc

import (
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"strconv"
	"strings"

	"bountyescrow/native/escrow"
	"bountyescrow/storage/eventlog"
)

const maxQueryLimit = 1000

func (s *Server) handleGetInfo(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	id, ok := s.bountyID(w, req)
	if !ok {
		return
	}
	s.writeEscrow(w, req, id)
}

func (s *Server) handleGetRefundHistory(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	id, ok := s.bountyID(w, req)
	if !ok {
		return
	}
	history, err := s.engine.GetRefundHistory(id)
	if err != nil {
		s.writeEscrowError(w, req, err)
		return
	}
	out := make([]refundRecordJSON, 0, len(history))
	for _, rec := range history {
		out = append(out, refundRecordJSON{
			Amount:    formatAmount(rec.Amount),
			Recipient: formatAddr(rec.Recipient),
			Mode:      rec.Mode.String(),
			Timestamp: rec.Timestamp,
		})
	}
	writeResult(w, req.ID, out)
}

func (s *Server) handleGetRefundEligibility(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	id, ok := s.bountyID(w, req)
	if !ok {
		return
	}
	elig, err := s.engine.GetRefundEligibility(id)
	if err != nil {
		s.writeEscrowError(w, req, err)
		return
	}
	writeResult(w, req.ID, eligibilityJSON{
		CanRefund:       elig.CanRefund,
		DeadlinePassed:  elig.DeadlinePassed,
		RemainingAmount: formatAmount(elig.RemainingAmount),
		Approval:        refundApprovalToJSON(elig.Approval),
	})
}

type balanceJSON struct {
	Address string `json:"address"`
	Balance string `json:"balance"`
}

func (s *Server) handleGetBalance(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var params struct{}
	if !decodeOptionalParams(w, req, &params) {
		return
	}
	balance, err := s.engine.GetBalance()
	if err != nil {
		s.writeEscrowError(w, req, err)
		return
	}
	writeResult(w, req.ID, balanceJSON{Address: formatAddr(s.engine.Custody()), Balance: formatAmount(balance)})
}

func (s *Server) handleBankBalance(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var params struct {
		Address string `json:"address"`
	}
	if !decodeParams(w, req, &params) {
		return
	}
	addr, err := parseAddress("address", params.Address)
	if err != nil {
		invalidParams(w, req, err)
		return
	}
	balance, err := s.engine.AccountBalance(addr)
	if err != nil {
		s.writeEscrowError(w, req, err)
		return
	}
	writeResult(w, req.ID, balanceJSON{Address: formatAddr(addr), Balance: formatAmount(balance)})
}

func (s *Server) writePauseConfig(w http.ResponseWriter, req *RPCRequest) {
	cfg, err := s.engine.GetPauseConfig()
	if err != nil {
		s.writeEscrowError(w, req, err)
		return
	}
	writeResult(w, req.ID, pauseJSON{
		LockPaused:    cfg.LockPaused,
		ReleasePaused: cfg.ReleasePaused,
		RefundPaused:  cfg.RefundPaused,
		Reason:        cfg.Reason,
		PausedAt:      cfg.PausedAt,
		PausedBy:      formatAddr(cfg.PausedBy),
	})
}

func (s *Server) handleGetPauseConfig(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var params struct{}
	if !decodeOptionalParams(w, req, &params) {
		return
	}
	s.writePauseConfig(w, req)
}

func (s *Server) handleGetReleaseApproval(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	id, ok := s.bountyID(w, req)
	if !ok {
		return
	}
	approval, err := s.engine.GetReleaseApproval(id)
	if err != nil {
		s.writeEscrowError(w, req, err)
		return
	}
	signers := make([]string, 0, len(approval.Approvals))
	for _, signer := range approval.Approvals {
		signers = append(signers, formatAddr(signer))
	}
	writeResult(w, req.ID, releaseApprovalJSON{
		BountyID:  strconv.FormatUint(approval.BountyID, 10),
		Amount:    formatAmount(approval.Amount),
		Recipient: formatAddr(approval.Recipient),
		Approvals: signers,
		CreatedAt: approval.CreatedAt,
	})
}

func (s *Server) handleGetRefundApproval(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	id, ok := s.bountyID(w, req)
	if !ok {
		return
	}
	approval, err := s.engine.GetRefundApproval(id)
	if err != nil {
		s.writeEscrowError(w, req, err)
		return
	}
	writeResult(w, req.ID, refundApprovalToJSON(approval))
}

func (s *Server) writeClaim(w http.ResponseWriter, req *RPCRequest, id uint64) {
	claim, err := s.engine.GetPendingClaim(id)
	if err != nil {
		s.writeEscrowError(w, req, err)
		return
	}
	writeResult(w, req.ID, claimJSON{
		BountyID:  strconv.FormatUint(claim.BountyID, 10),
		Recipient: formatAddr(claim.Recipient),
		Amount:    formatAmount(claim.Amount),
		ExpiresAt: claim.ExpiresAt,
		Claimed:   claim.Claimed,
		CreatedAt: claim.CreatedAt,
	})
}

func (s *Server) handleGetPendingClaim(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	id, ok := s.bountyID(w, req)
	if !ok {
		return
	}
	s.writeClaim(w, req, id)
}

func (s *Server) handleGetMultisigConfig(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var params struct{}
	if !decodeOptionalParams(w, req, &params) {
		return
	}
	cfg, err := s.engine.GetMultisigConfig()
	if err != nil {
		s.writeEscrowError(w, req, err)
		return
	}
	signers := make([]string, 0, len(cfg.Signers))
	for _, signer := range cfg.Signers {
		signers = append(signers, formatAddr(signer))
	}
	writeResult(w, req.ID, multisigJSON{
		ThresholdAmount:   formatAmount(cfg.ThresholdAmount),
		Signers:           signers,
		RequiredApprovals: cfg.RequiredApprovals,
		Enabled:           cfg.Enabled,
	})
}

func (s *Server) handleGetRateLimitConfig(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var params struct{}
	if !decodeOptionalParams(w, req, &params) {
		return
	}
	cfg, err := s.engine.GetRateLimitConfig()
	if err != nil {
		s.writeEscrowError(w, req, err)
		return
	}
	writeResult(w, req.ID, rateLimitJSON{
		CooldownPeriod: cfg.CooldownPeriod,
		WindowSize:     cfg.WindowSize,
		MaxOperations:  cfg.MaxOperations,
	})
}

type queryParams struct {
	Status      string `json:"status,omitempty"`
	Depositor   string `json:"depositor,omitempty"`
	MinAmount   string `json:"minAmount,omitempty"`
	MaxAmount   string `json:"maxAmount,omitempty"`
	MinDeadline *int64 `json:"minDeadline,omitempty"`
	MaxDeadline *int64 `json:"maxDeadline,omitempty"`
	Offset      uint64 `json:"offset,omitempty"`
	Limit       uint64 `json:"limit,omitempty"`
}

func (p queryParams) filter() (escrow.EscrowFilter, error) {
	filter := escrow.EscrowFilter{MinDeadline: p.MinDeadline, MaxDeadline: p.MaxDeadline}
	if strings.TrimSpace(p.Status) != "" {
		status, err := escrow.ParseStatus(p.Status)
		if err != nil {
			return filter, err
		}
		filter.Status = &status
	}
	if strings.TrimSpace(p.Depositor) != "" {
		addr, err := parseAddress("depositor", p.Depositor)
		if err != nil {
			return filter, err
		}
		filter.Depositor = &addr
	}
	if strings.TrimSpace(p.MinAmount) != "" {
		v, err := parseAmount("minAmount", p.MinAmount)
		if err != nil {
			return filter, err
		}
		filter.MinAmount = v
	}
	if strings.TrimSpace(p.MaxAmount) != "" {
		v, err := parseAmount("maxAmount", p.MaxAmount)
		if err != nil {
			return filter, err
		}
		filter.MaxAmount = v
	}
	return filter, nil
}

type queryResult struct {
	Escrows []escrowJSON `json:"escrows"`
	Total   uint64       `json:"total"`
}

func (s *Server) handleQuery(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var params queryParams
	if !decodeOptionalParams(w, req, &params) {
		return
	}
	filter, err := params.filter()
	if err != nil {
		invalidParams(w, req, err)
		return
	}
	if params.Limit > maxQueryLimit {
		params.Limit = maxQueryLimit
	}
	escrows, total, err := s.engine.QueryEscrows(filter, escrow.Pagination{Offset: params.Offset, Limit: params.Limit})
	if err != nil {
		s.writeEscrowError(w, req, err)
		return
	}
	out := queryResult{Escrows: make([]escrowJSON, 0, len(escrows)), Total: total}
	for _, esc := range escrows {
		out.Escrows = append(out.Escrows, escrowToJSON(esc))
	}
	writeResult(w, req.ID, out)
}

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var params struct{}
	if !decodeOptionalParams(w, req, &params) {
		return
	}
	stats, err := s.engine.Stats()
	if err != nil {
		s.writeEscrowError(w, req, err)
		return
	}
	writeResult(w, req.ID, statsJSON{
		TotalBounties:  stats.TotalBounties,
		LockedCount:    stats.LockedCount,
		ReleasedCount:  stats.ReleasedCount,
		RefundedCount:  stats.RefundedCount,
		TotalLocked:    formatAmount(stats.TotalLocked),
		TotalReleased:  formatAmount(stats.TotalReleased),
		TotalRefunded:  formatAmount(stats.TotalRefunded),
		CustodyBalance: formatAmount(stats.CustodyBalance),
	})
}

type eventsParams struct {
	Type      string `json:"type,omitempty"`
	BountyID  string `json:"bountyId,omitempty"`
	Address   string `json:"address,omitempty"`
	MinAmount string `json:"minAmount,omitempty"`
	MaxAmount string `json:"maxAmount,omitempty"`
	From      int64  `json:"from,omitempty"`
	To        int64  `json:"to,omitempty"`
	AfterSeq  uint64 `json:"afterSeq,omitempty"`
	Limit     int    `json:"limit,omitempty"`
}

func (p eventsParams) filter() (eventlog.Filter, error) {
	filter := eventlog.Filter{
		Type:     strings.TrimSpace(p.Type),
		From:     p.From,
		To:       p.To,
		AfterSeq: p.AfterSeq,
		Limit:    p.Limit,
	}
	if strings.TrimSpace(p.BountyID) != "" {
		id, err := parseBountyID(p.BountyID)
		if err != nil {
			return filter, err
		}
		filter.BountyID = &id
	}
	if strings.TrimSpace(p.Address) != "" {
		addr, err := parseAddress("address", p.Address)
		if err != nil {
			return filter, err
		}
		filter.Address = formatAddr(addr)
	}
	var lo *big.Int
	if strings.TrimSpace(p.MinAmount) != "" {
		v, err := parseAmount("minAmount", p.MinAmount)
		if err != nil {
			return filter, err
		}
		if v.Sign() < 0 {
			return filter, errors.New("minAmount must not be negative")
		}
		lo = v
		filter.MinAmount = v.String()
	}
	if strings.TrimSpace(p.MaxAmount) != "" {
		v, err := parseAmount("maxAmount", p.MaxAmount)
		if err != nil {
			return filter, err
		}
		if v.Sign() < 0 {
			return filter, errors.New("maxAmount must not be negative")
		}
		if lo != nil && lo.Cmp(v) > 0 {
			return filter, fmt.Errorf("minAmount %s above maxAmount %s", lo, v)
		}
		filter.MaxAmount = v.String()
	}
	if filter.To > 0 && filter.From > filter.To {
		return filter, fmt.Errorf("from %d after to %d", filter.From, filter.To)
	}
	return filter, nil
}

type eventsResult struct {
	Events []eventRecordJSON `json:"events"`
	Next   uint64            `json:"next,omitempty"`
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	if s.audit == nil {
		writeError(w, http.StatusServiceUnavailable, req.ID, codeServerError, "event log unavailable", nil)
		return
	}
	var params eventsParams
	if !decodeOptionalParams(w, req, &params) {
		return
	}
	filter, err := params.filter()
	if err != nil {
		invalidParams(w, req, err)
		return
	}
	records, err := s.audit.Query(r.Context(), filter)
	if err != nil {
		s.logger.Error("event query failed", "error", err)
		writeError(w, http.StatusInternalServerError, req.ID, codeServerError, "event query failed", nil)
		return
	}
	out := eventsResult{Events: make([]eventRecordJSON, 0, len(records))}
	for _, rec := range records {
		view, err := eventRecordToJSON(rec)
		if err != nil {
			s.logger.Error("decode stored event", "seq", rec.Seq, "error", err)
			writeError(w, http.StatusInternalServerError, req.ID, codeServerError, "corrupt event record", nil)
			return
		}
		out.Events = append(out.Events, view)
	}
	if n := len(records); n > 0 {
		out.Next = records[n-1].Seq
	}
	writeResult(w, req.ID, out)
}
