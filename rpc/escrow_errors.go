package rpc

import (
	"errors"
	"net/http"

	"bountyescrow/native/bank"
	"bountyescrow/native/escrow"
)

const (
	codeEscrowInvalidParams = -32021
	codeEscrowNotFound      = -32022
	codeEscrowForbidden     = -32023
	codeEscrowConflict      = -32024
	codeEscrowInternal      = -32025
	codeEscrowPaused        = -32026
	codeEscrowThrottled     = -32027
)

type errorMapping struct {
	err     error
	status  int
	code    int
	message string
}

// escrowErrorTable maps each ledger sentinel to its wire form. Order matters
// only for errors that wrap one another.
var escrowErrorTable = []errorMapping{
	{escrow.ErrInvalidAmount, http.StatusBadRequest, codeEscrowInvalidParams, "invalid_amount"},
	{escrow.ErrInvalidDeadline, http.StatusBadRequest, codeEscrowInvalidParams, "invalid_deadline"},
	{escrow.ErrInvalidBatchSize, http.StatusBadRequest, codeEscrowInvalidParams, "invalid_batch_size"},
	{escrow.ErrDuplicateBountyID, http.StatusBadRequest, codeEscrowInvalidParams, "duplicate_bounty_id"},
	{escrow.ErrInvalidMultisigConfig, http.StatusBadRequest, codeEscrowInvalidParams, "invalid_multisig_config"},
	{escrow.ErrInvalidRateLimit, http.StatusBadRequest, codeEscrowInvalidParams, "invalid_rate_limit"},
	{escrow.ErrInvalidRecipient, http.StatusBadRequest, codeEscrowInvalidParams, "invalid_recipient"},

	{escrow.ErrBountyNotFound, http.StatusNotFound, codeEscrowNotFound, "bounty_not_found"},
	{escrow.ErrNoPendingApproval, http.StatusNotFound, codeEscrowNotFound, "no_pending_approval"},
	{escrow.ErrNoRefundApproval, http.StatusNotFound, codeEscrowNotFound, "no_refund_approval"},
	{escrow.ErrClaimNotFound, http.StatusNotFound, codeEscrowNotFound, "claim_not_found"},

	{escrow.ErrBountyExists, http.StatusConflict, codeEscrowConflict, "bounty_exists"},
	{escrow.ErrFundsNotLocked, http.StatusConflict, codeEscrowConflict, "funds_not_locked"},
	{escrow.ErrDeadlineNotPassed, http.StatusConflict, codeEscrowConflict, "deadline_not_passed"},
	{escrow.ErrAlreadyApproved, http.StatusConflict, codeEscrowConflict, "already_approved"},
	{escrow.ErrRefundNotApproved, http.StatusConflict, codeEscrowConflict, "refund_not_approved"},
	{escrow.ErrClaimExpired, http.StatusConflict, codeEscrowConflict, "claim_expired"},
	{escrow.ErrClaimAlreadyClaimed, http.StatusConflict, codeEscrowConflict, "claim_already_claimed"},
	{escrow.ErrNotInitialized, http.StatusConflict, codeEscrowConflict, "not_initialized"},
	{escrow.ErrAlreadyInitialized, http.StatusConflict, codeEscrowConflict, "already_initialized"},
	{bank.ErrInsufficientBalance, http.StatusConflict, codeEscrowConflict, "insufficient_balance"},

	{escrow.ErrUnauthorized, http.StatusForbidden, codeEscrowForbidden, "unauthorized"},
	{escrow.ErrNotAuthorizedSigner, http.StatusForbidden, codeEscrowForbidden, "not_authorized_signer"},
	{escrow.ErrMultisigRequired, http.StatusForbidden, codeEscrowForbidden, "multisig_required"},

	{escrow.ErrLockPaused, http.StatusServiceUnavailable, codeEscrowPaused, "lock_paused"},
	{escrow.ErrReleasePaused, http.StatusServiceUnavailable, codeEscrowPaused, "release_paused"},
	{escrow.ErrRefundPaused, http.StatusServiceUnavailable, codeEscrowPaused, "refund_paused"},
	{escrow.ErrCooldownViolation, http.StatusTooManyRequests, codeEscrowThrottled, "cooldown_violation"},
	{escrow.ErrRateLimitExceeded, http.StatusTooManyRequests, codeEscrowThrottled, "rate_limit_exceeded"},
}

func mapEscrowError(err error) (int, int, string) {
	for _, m := range escrowErrorTable {
		if errors.Is(err, m.err) {
			return m.status, m.code, m.message
		}
	}
	return http.StatusInternalServerError, codeEscrowInternal, "internal_error"
}

func (s *Server) writeEscrowError(w http.ResponseWriter, req *RPCRequest, err error) {
	status, code, message := mapEscrowError(err)
	if status == http.StatusInternalServerError {
		s.logger.Error("escrow rpc failed", "method", req.Method, "error", err)
	}
	writeError(w, status, req.ID, code, message, err.Error())
}
