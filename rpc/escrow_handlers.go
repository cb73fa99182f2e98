package rpc

import (
	"bytes"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"bountyescrow/core/caller"
	"bountyescrow/native/escrow"
)

type bountyParams struct {
	BountyID string `json:"bountyId"`
}

type initializeParams struct {
	Admin string `json:"admin,omitempty"`
}

type lockParams struct {
	BountyID  string `json:"bountyId"`
	Depositor string `json:"depositor,omitempty"`
	Amount    string `json:"amount"`
	Deadline  int64  `json:"deadline"`
}

type batchLockParams struct {
	Items []lockParams `json:"items"`
}

type releaseParams struct {
	BountyID    string `json:"bountyId"`
	Contributor string `json:"contributor"`
	Amount      string `json:"amount,omitempty"`
}

type batchReleaseParams struct {
	Items []releaseParams `json:"items"`
}

type refundParams struct {
	BountyID  string `json:"bountyId"`
	Mode      string `json:"mode"`
	Amount    string `json:"amount,omitempty"`
	Recipient string `json:"recipient,omitempty"`
}

type claimParams struct {
	BountyID  string `json:"bountyId"`
	Recipient string `json:"recipient"`
}

type claimWindowParams struct {
	Seconds uint64 `json:"seconds"`
}

type multisigParams struct {
	ThresholdAmount   string   `json:"thresholdAmount"`
	Signers           []string `json:"signers"`
	RequiredApprovals uint32   `json:"requiredApprovals"`
	Enabled           bool     `json:"enabled"`
}

type pauseParams struct {
	Reason string `json:"reason"`
}

type setPauseParams struct {
	Operation string `json:"operation"`
	Paused    bool   `json:"paused"`
}

type recipientParams struct {
	Recipient string `json:"recipient"`
}

type whitelistParams struct {
	Address string `json:"address"`
	Allowed bool   `json:"allowed"`
}

type roleParams struct {
	Address string `json:"address"`
	Role    string `json:"role"`
}

type okResult struct {
	OK bool `json:"ok"`
}

// decodeOptionalParams accepts zero params or one object.
func decodeOptionalParams(w http.ResponseWriter, req *RPCRequest, out interface{}) bool {
	if len(req.Params) == 0 {
		return true
	}
	trimmed := bytes.TrimSpace(req.Params[0])
	if len(req.Params) == 1 && (len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))) {
		return true
	}
	return decodeParams(w, req, out)
}

func primary(r *http.Request) [20]byte {
	addr, _ := caller.Primary(r.Context())
	return addr
}

// writeEscrow answers a bounty mutation with the record's new state.
func (s *Server) writeEscrow(w http.ResponseWriter, req *RPCRequest, id uint64) {
	esc, err := s.engine.GetEscrowInfo(id)
	if err != nil {
		s.writeEscrowError(w, req, err)
		return
	}
	writeResult(w, req.ID, escrowToJSON(esc))
}

func (s *Server) bountyID(w http.ResponseWriter, req *RPCRequest) (uint64, bool) {
	var params bountyParams
	if !decodeParams(w, req, &params) {
		return 0, false
	}
	id, err := parseBountyID(params.BountyID)
	if err != nil {
		invalidParams(w, req, err)
		return 0, false
	}
	return id, true
}

func (s *Server) handleInitialize(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	var params initializeParams
	if !decodeOptionalParams(w, req, &params) {
		return
	}
	admin := primary(r)
	if strings.TrimSpace(params.Admin) != "" {
		var err error
		if admin, err = parseAddress("admin", params.Admin); err != nil {
			invalidParams(w, req, err)
			return
		}
	}
	if err := s.engine.Initialize(r.Context(), admin); err != nil {
		s.writeEscrowError(w, req, err)
		return
	}
	writeResult(w, req.ID, okResult{OK: true})
}

func (p lockParams) item(r *http.Request) (escrow.LockItem, error) {
	id, err := parseBountyID(p.BountyID)
	if err != nil {
		return escrow.LockItem{}, err
	}
	depositor := primary(r)
	if strings.TrimSpace(p.Depositor) != "" {
		if depositor, err = parseAddress("depositor", p.Depositor); err != nil {
			return escrow.LockItem{}, err
		}
	}
	amount, err := parseAmount("amount", p.Amount)
	if err != nil {
		return escrow.LockItem{}, err
	}
	return escrow.LockItem{BountyID: id, Depositor: depositor, Amount: amount, Deadline: p.Deadline}, nil
}

func (s *Server) handleLock(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	var params lockParams
	if !decodeParams(w, req, &params) {
		return
	}
	item, err := params.item(r)
	if err != nil {
		invalidParams(w, req, err)
		return
	}
	if err := s.engine.Lock(r.Context(), item.Depositor, item.BountyID, item.Amount, item.Deadline); err != nil {
		s.writeEscrowError(w, req, err)
		return
	}
	s.writeEscrow(w, req, item.BountyID)
}

type batchResult struct {
	Count int `json:"count"`
}

func (s *Server) handleBatchLock(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	var params batchLockParams
	if !decodeParams(w, req, &params) {
		return
	}
	items := make([]escrow.LockItem, 0, len(params.Items))
	for i, p := range params.Items {
		item, err := p.item(r)
		if err != nil {
			invalidParams(w, req, fmt.Errorf("items[%d]: %w", i, err))
			return
		}
		items = append(items, item)
	}
	count, err := s.engine.BatchLock(r.Context(), items)
	if err != nil {
		s.writeEscrowError(w, req, err)
		return
	}
	writeResult(w, req.ID, batchResult{Count: count})
}

func (s *Server) handleRelease(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	var params releaseParams
	if !decodeParams(w, req, &params) {
		return
	}
	id, err := parseBountyID(params.BountyID)
	if err != nil {
		invalidParams(w, req, err)
		return
	}
	contributor, err := parseAddress("contributor", params.Contributor)
	if err != nil {
		invalidParams(w, req, err)
		return
	}
	if strings.TrimSpace(params.Amount) == "" {
		err = s.engine.Release(r.Context(), id, contributor)
	} else {
		amount, perr := parseAmount("amount", params.Amount)
		if perr != nil {
			invalidParams(w, req, perr)
			return
		}
		err = s.engine.ReleasePartial(r.Context(), id, contributor, amount)
	}
	if err != nil {
		s.writeEscrowError(w, req, err)
		return
	}
	s.writeEscrow(w, req, id)
}

type initiateResult struct {
	Pending bool `json:"pending"`
}

func (s *Server) handleInitiateRelease(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	var params releaseParams
	if !decodeParams(w, req, &params) {
		return
	}
	id, err := parseBountyID(params.BountyID)
	if err != nil {
		invalidParams(w, req, err)
		return
	}
	contributor, err := parseAddress("contributor", params.Contributor)
	if err != nil {
		invalidParams(w, req, err)
		return
	}
	pending, err := s.engine.InitiateRelease(r.Context(), id, contributor)
	if err != nil {
		s.writeEscrowError(w, req, err)
		return
	}
	writeResult(w, req.ID, initiateResult{Pending: pending})
}

type approveResult struct {
	Executed bool `json:"executed"`
}

func (s *Server) handleApproveRelease(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	id, ok := s.bountyID(w, req)
	if !ok {
		return
	}
	executed, err := s.engine.ApproveReleaseAs(r.Context(), id, primary(r))
	if err != nil {
		s.writeEscrowError(w, req, err)
		return
	}
	writeResult(w, req.ID, approveResult{Executed: executed})
}

func (s *Server) handleCancelReleaseApproval(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	id, ok := s.bountyID(w, req)
	if !ok {
		return
	}
	if err := s.engine.CancelReleaseApproval(r.Context(), id); err != nil {
		s.writeEscrowError(w, req, err)
		return
	}
	writeResult(w, req.ID, okResult{OK: true})
}

func (s *Server) handleBatchRelease(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	var params batchReleaseParams
	if !decodeParams(w, req, &params) {
		return
	}
	items := make([]escrow.ReleaseItem, 0, len(params.Items))
	for i, p := range params.Items {
		id, err := parseBountyID(p.BountyID)
		if err != nil {
			invalidParams(w, req, fmt.Errorf("items[%d]: %w", i, err))
			return
		}
		contributor, err := parseAddress("contributor", p.Contributor)
		if err != nil {
			invalidParams(w, req, fmt.Errorf("items[%d]: %w", i, err))
			return
		}
		items = append(items, escrow.ReleaseItem{BountyID: id, Contributor: contributor})
	}
	count, err := s.engine.BatchRelease(r.Context(), items)
	if err != nil {
		s.writeEscrowError(w, req, err)
		return
	}
	writeResult(w, req.ID, batchResult{Count: count})
}

func (p refundParams) request() (escrow.RefundRequest, error) {
	mode, err := escrow.ParseRefundMode(p.Mode)
	if err != nil {
		return nil, err
	}
	switch mode {
	case escrow.RefundModeFull:
		return escrow.FullRefund{}, nil
	case escrow.RefundModePartial:
		amount, err := parseAmount("amount", p.Amount)
		if err != nil {
			return nil, err
		}
		return escrow.PartialRefund{Amount: amount}, nil
	default:
		amount, err := parseAmount("amount", p.Amount)
		if err != nil {
			return nil, err
		}
		recipient, err := parseAddress("recipient", p.Recipient)
		if err != nil {
			return nil, err
		}
		return escrow.CustomRefund{Amount: amount, Recipient: recipient}, nil
	}
}

func (s *Server) handleRefund(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	var params refundParams
	if !decodeParams(w, req, &params) {
		return
	}
	id, err := parseBountyID(params.BountyID)
	if err != nil {
		invalidParams(w, req, err)
		return
	}
	refund, err := params.request()
	if err != nil {
		invalidParams(w, req, err)
		return
	}
	if err := s.engine.Refund(r.Context(), id, refund); err != nil {
		s.writeEscrowError(w, req, err)
		return
	}
	s.writeEscrow(w, req, id)
}

func (s *Server) handleApproveRefund(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	var params refundParams
	if !decodeParams(w, req, &params) {
		return
	}
	id, err := parseBountyID(params.BountyID)
	if err != nil {
		invalidParams(w, req, err)
		return
	}
	amount, err := parseAmount("amount", params.Amount)
	if err != nil {
		invalidParams(w, req, err)
		return
	}
	recipient, err := parseAddress("recipient", params.Recipient)
	if err != nil {
		invalidParams(w, req, err)
		return
	}
	mode := escrow.RefundModeCustom
	if strings.TrimSpace(params.Mode) != "" {
		if mode, err = escrow.ParseRefundMode(params.Mode); err != nil {
			invalidParams(w, req, err)
			return
		}
	}
	if err := s.engine.ApproveRefund(r.Context(), id, amount, recipient, mode); err != nil {
		s.writeEscrowError(w, req, err)
		return
	}
	writeResult(w, req.ID, okResult{OK: true})
}

func (s *Server) handleCancelRefundApproval(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	id, ok := s.bountyID(w, req)
	if !ok {
		return
	}
	if err := s.engine.CancelRefundApproval(r.Context(), id); err != nil {
		s.writeEscrowError(w, req, err)
		return
	}
	writeResult(w, req.ID, okResult{OK: true})
}

func (s *Server) handleAuthorizeClaim(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	var params claimParams
	if !decodeParams(w, req, &params) {
		return
	}
	id, err := parseBountyID(params.BountyID)
	if err != nil {
		invalidParams(w, req, err)
		return
	}
	recipient, err := parseAddress("recipient", params.Recipient)
	if err != nil {
		invalidParams(w, req, err)
		return
	}
	if err := s.engine.AuthorizeClaim(r.Context(), id, recipient); err != nil {
		s.writeEscrowError(w, req, err)
		return
	}
	s.writeClaim(w, req, id)
}

func (s *Server) handleClaim(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	id, ok := s.bountyID(w, req)
	if !ok {
		return
	}
	if err := s.engine.Claim(r.Context(), id); err != nil {
		s.writeEscrowError(w, req, err)
		return
	}
	s.writeEscrow(w, req, id)
}

func (s *Server) handleCancelClaim(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	id, ok := s.bountyID(w, req)
	if !ok {
		return
	}
	if err := s.engine.CancelPendingClaim(r.Context(), id); err != nil {
		s.writeEscrowError(w, req, err)
		return
	}
	writeResult(w, req.ID, okResult{OK: true})
}

func (s *Server) handleSetClaimWindow(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	var params claimWindowParams
	if !decodeParams(w, req, &params) {
		return
	}
	if err := s.engine.SetClaimWindow(r.Context(), params.Seconds); err != nil {
		s.writeEscrowError(w, req, err)
		return
	}
	writeResult(w, req.ID, okResult{OK: true})
}

func (s *Server) handleConfigureMultisig(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	var params multisigParams
	if !decodeParams(w, req, &params) {
		return
	}
	threshold, err := parseAmount("thresholdAmount", params.ThresholdAmount)
	if err != nil {
		invalidParams(w, req, err)
		return
	}
	signers := make([][20]byte, 0, len(params.Signers))
	for i, raw := range params.Signers {
		addr, err := parseAddress(fmt.Sprintf("signers[%d]", i), raw)
		if err != nil {
			invalidParams(w, req, err)
			return
		}
		signers = append(signers, addr)
	}
	cfg := escrow.MultisigConfig{
		ThresholdAmount:   threshold,
		Signers:           signers,
		RequiredApprovals: params.RequiredApprovals,
		Enabled:           params.Enabled,
	}
	if err := s.engine.ConfigureMultisig(r.Context(), cfg); err != nil {
		s.writeEscrowError(w, req, err)
		return
	}
	writeResult(w, req.ID, okResult{OK: true})
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	var params pauseParams
	if !decodeOptionalParams(w, req, &params) {
		return
	}
	if err := s.engine.Pause(r.Context(), params.Reason); err != nil {
		s.writeEscrowError(w, req, err)
		return
	}
	s.writePauseConfig(w, req)
}

func (s *Server) handleUnpause(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	var params struct{}
	if !decodeOptionalParams(w, req, &params) {
		return
	}
	if err := s.engine.Unpause(r.Context()); err != nil {
		s.writeEscrowError(w, req, err)
		return
	}
	s.writePauseConfig(w, req)
}

func (s *Server) handleSetPause(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	var params setPauseParams
	if !decodeParams(w, req, &params) {
		return
	}
	var err error
	switch strings.ToLower(strings.TrimSpace(params.Operation)) {
	case "lock":
		err = s.engine.SetPauseLock(r.Context(), params.Paused)
	case "release":
		err = s.engine.SetPauseRelease(r.Context(), params.Paused)
	case "refund":
		err = s.engine.SetPauseRefund(r.Context(), params.Paused)
	default:
		invalidParams(w, req, errors.New("operation must be lock, release or refund"))
		return
	}
	if err != nil {
		s.writeEscrowError(w, req, err)
		return
	}
	s.writePauseConfig(w, req)
}

func (s *Server) handleEmergencyWithdraw(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	var params recipientParams
	if !decodeParams(w, req, &params) {
		return
	}
	recipient, err := parseAddress("recipient", params.Recipient)
	if err != nil {
		invalidParams(w, req, err)
		return
	}
	if err := s.engine.EmergencyWithdraw(r.Context(), recipient); err != nil {
		s.writeEscrowError(w, req, err)
		return
	}
	writeResult(w, req.ID, okResult{OK: true})
}

func (s *Server) handleSetRateLimit(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	var params rateLimitJSON
	if !decodeParams(w, req, &params) {
		return
	}
	cfg := escrow.RateLimitConfig{
		CooldownPeriod: params.CooldownPeriod,
		WindowSize:     params.WindowSize,
		MaxOperations:  params.MaxOperations,
	}
	if err := s.engine.SetRateLimitConfig(r.Context(), cfg); err != nil {
		s.writeEscrowError(w, req, err)
		return
	}
	writeResult(w, req.ID, params)
}

func (s *Server) handleSetWhitelist(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	var params whitelistParams
	if !decodeParams(w, req, &params) {
		return
	}
	addr, err := parseAddress("address", params.Address)
	if err != nil {
		invalidParams(w, req, err)
		return
	}
	if err := s.engine.SetWhitelist(r.Context(), addr, params.Allowed); err != nil {
		s.writeEscrowError(w, req, err)
		return
	}
	writeResult(w, req.ID, okResult{OK: true})
}

func (s *Server) roleChange(w http.ResponseWriter, r *http.Request, req *RPCRequest, grant bool) {
	var params roleParams
	if !decodeParams(w, req, &params) {
		return
	}
	addr, err := parseAddress("address", params.Address)
	if err != nil {
		invalidParams(w, req, err)
		return
	}
	role, err := escrow.ParseRole(params.Role)
	if err != nil {
		invalidParams(w, req, err)
		return
	}
	if grant {
		err = s.engine.GrantRole(r.Context(), addr, role)
	} else {
		err = s.engine.RevokeRole(r.Context(), addr, role)
	}
	if err != nil {
		s.writeEscrowError(w, req, err)
		return
	}
	writeResult(w, req.ID, okResult{OK: true})
}

func (s *Server) handleGrantRole(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	s.roleChange(w, r, req, true)
}

func (s *Server) handleRevokeRole(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	s.roleChange(w, r, req, false)
}
