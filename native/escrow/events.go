package escrow

import (
	"math/big"
	"strconv"

	"bountyescrow/core/types"
	"bountyescrow/crypto"
)

// EventVersion is stamped on every escrow event.
const EventVersion = "1"

const (
	EventTypeInitialized              = "escrow.initialized"
	EventTypeLocked                   = "escrow.locked"
	EventTypeReleased                 = "escrow.released"
	EventTypeReleaseInitiated         = "escrow.release_initiated"
	EventTypeReleaseApproved          = "escrow.release_approved"
	EventTypeReleaseApprovalCancelled = "escrow.release_approval_cancelled"
	EventTypeRefunded                 = "escrow.refunded"
	EventTypeRefundApproved           = "escrow.refund_approved"
	EventTypeRefundApprovalCancelled  = "escrow.refund_approval_cancelled"
	EventTypeClaimAuthorized          = "escrow.claim_authorized"
	EventTypeClaimed                  = "escrow.claimed"
	EventTypeClaimCancelled           = "escrow.claim_cancelled"
	EventTypeClaimWindowUpdated       = "escrow.claim_window_updated"
	EventTypeMultisigConfigured       = "escrow.multisig_configured"
	EventTypePaused                   = "escrow.paused"
	EventTypeUnpaused                 = "escrow.unpaused"
	EventTypePauseUpdated             = "escrow.pause_updated"
	EventTypeEmergencyWithdraw        = "escrow.emergency_withdraw"
	EventTypeRateLimitUpdated         = "escrow.rate_limit_updated"
	EventTypeWhitelistUpdated         = "escrow.whitelist_updated"
	EventTypeRoleGranted              = "escrow.role_granted"
	EventTypeRoleRevoked              = "escrow.role_revoked"
	EventTypeBatchLocked              = "escrow.batch_locked"
	EventTypeBatchReleased            = "escrow.batch_released"
)

func addr(a [20]byte) string {
	return crypto.FromRaw(a).String()
}

func amountString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

func newEvent(eventType string, now int64, attrs map[string]string) *types.Event {
	if attrs == nil {
		attrs = make(map[string]string)
	}
	attrs["version"] = EventVersion
	return &types.Event{Type: eventType, Timestamp: now, Attributes: attrs}
}

func escrowAttrs(e *Escrow) map[string]string {
	attrs := make(map[string]string)
	if e == nil {
		return attrs
	}
	attrs["bountyId"] = strconv.FormatUint(e.BountyID, 10)
	attrs["depositor"] = addr(e.Depositor)
	attrs["remaining"] = amountString(e.RemainingAmount)
	attrs["status"] = e.Status.String()
	return attrs
}

// NewLockedEvent returns the payload emitted when funds enter custody.
func NewLockedEvent(e *Escrow, now int64) *types.Event {
	attrs := escrowAttrs(e)
	if e != nil {
		attrs["amount"] = amountString(e.Amount)
		attrs["deadline"] = strconv.FormatInt(e.Deadline, 10)
	}
	return newEvent(EventTypeLocked, now, attrs)
}

// NewReleasedEvent returns the payload for a payout to a contributor.
func NewReleasedEvent(e *Escrow, recipient [20]byte, amount *big.Int, actor [20]byte, now int64) *types.Event {
	attrs := escrowAttrs(e)
	attrs["recipient"] = addr(recipient)
	attrs["amount"] = amountString(amount)
	if actor != ([20]byte{}) {
		attrs["actor"] = addr(actor)
	}
	return newEvent(EventTypeReleased, now, attrs)
}

// NewRefundedEvent returns the payload for an executed refund.
func NewRefundedEvent(e *Escrow, rec RefundRecord) *types.Event {
	attrs := escrowAttrs(e)
	attrs["recipient"] = addr(rec.Recipient)
	attrs["amount"] = amountString(rec.Amount)
	attrs["mode"] = rec.Mode.String()
	return newEvent(EventTypeRefunded, rec.Timestamp, attrs)
}

func bountyEvent(bountyID uint64, actor [20]byte) map[string]string {
	attrs := map[string]string{"bountyId": strconv.FormatUint(bountyID, 10)}
	if actor != ([20]byte{}) {
		attrs["actor"] = addr(actor)
	}
	return attrs
}

func newReleaseInitiatedEvent(a *ReleaseApproval, actor [20]byte, now int64) *types.Event {
	attrs := bountyEvent(a.BountyID, actor)
	attrs["recipient"] = addr(a.Recipient)
	attrs["amount"] = amountString(a.Amount)
	return newEvent(EventTypeReleaseInitiated, now, attrs)
}

func newReleaseApprovedEvent(a *ReleaseApproval, signer [20]byte, now int64) *types.Event {
	attrs := bountyEvent(a.BountyID, signer)
	attrs["approvals"] = strconv.Itoa(len(a.Approvals))
	return newEvent(EventTypeReleaseApproved, now, attrs)
}

func newRefundApprovedEvent(a *RefundApproval, now int64) *types.Event {
	attrs := bountyEvent(a.BountyID, a.ApprovedBy)
	attrs["recipient"] = addr(a.Recipient)
	attrs["amount"] = amountString(a.Amount)
	attrs["mode"] = a.Mode.String()
	return newEvent(EventTypeRefundApproved, now, attrs)
}

func newClaimAuthorizedEvent(c *PendingClaim, actor [20]byte) *types.Event {
	attrs := bountyEvent(c.BountyID, actor)
	attrs["recipient"] = addr(c.Recipient)
	attrs["amount"] = amountString(c.Amount)
	attrs["expiresAt"] = strconv.FormatInt(c.ExpiresAt, 10)
	return newEvent(EventTypeClaimAuthorized, c.CreatedAt, attrs)
}

func newClaimedEvent(c *PendingClaim, now int64) *types.Event {
	attrs := bountyEvent(c.BountyID, c.Recipient)
	attrs["recipient"] = addr(c.Recipient)
	attrs["amount"] = amountString(c.Amount)
	return newEvent(EventTypeClaimed, now, attrs)
}

func newBountyActionEvent(eventType string, bountyID uint64, actor [20]byte, now int64) *types.Event {
	return newEvent(eventType, now, bountyEvent(bountyID, actor))
}

func newPauseEvent(eventType string, cfg PauseConfig, actor [20]byte, now int64) *types.Event {
	attrs := map[string]string{
		"actor":         addr(actor),
		"lockPaused":    strconv.FormatBool(cfg.LockPaused),
		"releasePaused": strconv.FormatBool(cfg.ReleasePaused),
		"refundPaused":  strconv.FormatBool(cfg.RefundPaused),
	}
	if cfg.Reason != "" {
		attrs["reason"] = cfg.Reason
	}
	return newEvent(eventType, now, attrs)
}

func newAdminEvent(eventType string, actor [20]byte, now int64, kv ...string) *types.Event {
	attrs := map[string]string{"actor": addr(actor)}
	for i := 0; i+1 < len(kv); i += 2 {
		attrs[kv[i]] = kv[i+1]
	}
	return newEvent(eventType, now, attrs)
}
