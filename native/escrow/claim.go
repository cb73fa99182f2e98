package escrow

import (
	"context"
	"math/big"
	"strconv"
	"time"

	"bountyescrow/native/common"
)

func (e *Engine) effectiveClaimWindow() (int64, error) {
	seconds, ok, err := e.state.EscrowClaimWindowGet()
	if err != nil {
		return 0, err
	}
	if !ok {
		return int64(e.claimWindow / time.Second), nil
	}
	if seconds > 1<<62 {
		seconds = 1 << 62
	}
	return int64(seconds), nil
}

// SetClaimWindow sets how long an authorized claim stays executable.
func (e *Engine) SetClaimWindow(ctx context.Context, seconds uint64) error {
	return e.apply(ctx, "set_claim_window", func(ctx context.Context, now int64) error {
		actor, err := e.authorizeRoles(ctx, now, RoleAdmin)
		if err != nil {
			return err
		}
		if err := e.state.EscrowClaimWindowPut(seconds); err != nil {
			return err
		}
		e.queue(newAdminEvent(EventTypeClaimWindowUpdated, actor, now, "window", strconv.FormatUint(seconds, 10)))
		return nil
	})
}

// ClaimWindow returns the window applied to new claims, in seconds.
func (e *Engine) ClaimWindow() (int64, error) {
	var window int64
	err := e.view(func(int64) error {
		var err error
		window, err = e.effectiveClaimWindow()
		return err
	})
	return window, err
}

// AuthorizeClaim lets recipient pull the full remaining amount of bountyID
// until the claim window elapses. A new authorization replaces any earlier
// one for the bounty.
func (e *Engine) AuthorizeClaim(ctx context.Context, bountyID uint64, recipient [20]byte) error {
	return e.apply(ctx, "authorize_claim", func(ctx context.Context, now int64) error {
		if !e.payable(recipient) {
			return ErrInvalidRecipient
		}
		esc, err := e.loadReleasable(bountyID)
		if err != nil {
			return err
		}
		actor, err := e.authorizeRoles(ctx, now, RoleAdmin, RoleOperator)
		if err != nil {
			return err
		}
		cfg, _, err := e.state.EscrowMultisigGet()
		if err != nil {
			return err
		}
		if cfg.Requires(esc.RemainingAmount) {
			return ErrMultisigRequired
		}
		window, err := e.effectiveClaimWindow()
		if err != nil {
			return err
		}
		claim := &PendingClaim{
			BountyID:  bountyID,
			Recipient: recipient,
			Amount:    cloneBigInt(esc.RemainingAmount),
			ExpiresAt: now + window,
			CreatedAt: now,
		}
		if err := e.state.EscrowClaimPut(claim); err != nil {
			return err
		}
		e.queue(newClaimAuthorizedEvent(claim, actor))
		return nil
	})
}

// Claim executes the pending claim for bountyID. Anyone may submit it; funds
// always go to the authorized recipient. Claiming at exactly ExpiresAt is
// allowed.
func (e *Engine) Claim(ctx context.Context, bountyID uint64) error {
	return e.apply(ctx, "claim", func(ctx context.Context, now int64) error {
		claim, ok, err := e.state.EscrowClaimGet(bountyID)
		if err != nil {
			return err
		}
		if !ok {
			return ErrClaimNotFound
		}
		if claim.Claimed {
			return ErrClaimAlreadyClaimed
		}
		if now > claim.ExpiresAt {
			return ErrClaimExpired
		}
		esc, err := e.loadReleasable(bountyID)
		if err != nil {
			return err
		}
		if claim.Amount.Cmp(esc.RemainingAmount) != 0 {
			return ErrInvalidAmount
		}
		if err := e.checkPause(common.ModuleRelease); err != nil {
			return err
		}
		if err := e.transfer(e.custody, claim.Recipient, claim.Amount); err != nil {
			return err
		}
		claim.Claimed = true
		esc.RemainingAmount = big.NewInt(0)
		esc.Status = StatusReleased
		if err := e.state.EscrowPut(esc); err != nil {
			return err
		}
		if err := e.clearPending(bountyID); err != nil {
			return err
		}
		paid := cloneBigInt(claim.Amount)
		e.afterCommit(func() { e.metrics.RecordFunds("release", paid) })
		e.queue(newClaimedEvent(claim, now))
		return nil
	})
}

// CancelPendingClaim removes the pending claim for bountyID, expired or not.
// The escrow itself is left as is.
func (e *Engine) CancelPendingClaim(ctx context.Context, bountyID uint64) error {
	return e.apply(ctx, "cancel_pending_claim", func(ctx context.Context, now int64) error {
		_, ok, err := e.state.EscrowClaimGet(bountyID)
		if err != nil {
			return err
		}
		if !ok {
			return ErrClaimNotFound
		}
		actor, err := e.authorizeRoles(ctx, now, RoleAdmin)
		if err != nil {
			return err
		}
		if err := e.state.EscrowClaimDelete(bountyID); err != nil {
			return err
		}
		e.queue(newBountyActionEvent(EventTypeClaimCancelled, bountyID, actor, now))
		return nil
	})
}

// GetPendingClaim returns the pending claim for bountyID.
func (e *Engine) GetPendingClaim(bountyID uint64) (*PendingClaim, error) {
	var out *PendingClaim
	err := e.view(func(int64) error {
		c, ok, err := e.state.EscrowClaimGet(bountyID)
		if err != nil {
			return err
		}
		if !ok {
			return ErrClaimNotFound
		}
		out = c
		return nil
	})
	return out, err
}
