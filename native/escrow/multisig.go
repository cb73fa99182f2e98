package escrow

import (
	"context"
	"math/big"
	"strconv"

	"bountyescrow/core/caller"
	"bountyescrow/native/common"
)

func validateMultisig(cfg *MultisigConfig) error {
	if cfg == nil || cfg.ThresholdAmount == nil || cfg.ThresholdAmount.Sign() < 0 {
		return ErrInvalidMultisigConfig
	}
	if cfg.RequiredApprovals == 0 || int(cfg.RequiredApprovals) > len(cfg.Signers) {
		return ErrInvalidMultisigConfig
	}
	seen := make(map[[20]byte]struct{}, len(cfg.Signers))
	for _, s := range cfg.Signers {
		if s == ([20]byte{}) {
			return ErrInvalidMultisigConfig
		}
		if _, dup := seen[s]; dup {
			return ErrInvalidMultisigConfig
		}
		seen[s] = struct{}{}
	}
	return nil
}

// ConfigureMultisig replaces the multisig gate for high-value releases.
func (e *Engine) ConfigureMultisig(ctx context.Context, cfg MultisigConfig) error {
	return e.apply(ctx, "configure_multisig", func(ctx context.Context, now int64) error {
		if err := validateMultisig(&cfg); err != nil {
			return err
		}
		actor, err := e.authorizeRoles(ctx, now, RoleAdmin)
		if err != nil {
			return err
		}
		stored := &MultisigConfig{
			ThresholdAmount:   cloneBigInt(cfg.ThresholdAmount),
			Signers:           append([][20]byte(nil), cfg.Signers...),
			RequiredApprovals: cfg.RequiredApprovals,
			Enabled:           cfg.Enabled,
		}
		if err := e.state.EscrowMultisigPut(stored); err != nil {
			return err
		}
		e.queue(newAdminEvent(EventTypeMultisigConfigured, actor, now,
			"threshold", stored.ThresholdAmount.String(),
			"signers", strconv.Itoa(len(stored.Signers)),
			"required", strconv.FormatUint(uint64(stored.RequiredApprovals), 10),
			"enabled", strconv.FormatBool(stored.Enabled)))
		return nil
	})
}

// InitiateRelease starts a release of the full remaining amount. When the
// amount does not exceed the multisig threshold the release executes at once
// and pending is false. Otherwise a pending approval replaces any earlier one
// for the bounty and pending is true.
func (e *Engine) InitiateRelease(ctx context.Context, bountyID uint64, contributor [20]byte) (pending bool, err error) {
	err = e.apply(ctx, "initiate_release", func(ctx context.Context, now int64) error {
		if !e.payable(contributor) {
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
		if err := e.checkPause(common.ModuleRelease); err != nil {
			return err
		}
		if !cfg.Requires(esc.RemainingAmount) {
			pending = false
			return e.payout(esc, contributor, esc.RemainingAmount, actor, now)
		}
		approval := &ReleaseApproval{
			BountyID:  bountyID,
			Amount:    cloneBigInt(esc.RemainingAmount),
			Recipient: contributor,
			CreatedAt: now,
		}
		if err := e.state.EscrowReleaseApprovalPut(approval); err != nil {
			return err
		}
		pending = true
		e.queue(newReleaseInitiatedEvent(approval, actor, now))
		return nil
	})
	if err != nil {
		return false, err
	}
	return pending, nil
}

// ApproveReleaseAs records signer's approval of the pending release. The
// release executes when the approval count reaches the configured quorum, in
// which case executed is true.
func (e *Engine) ApproveReleaseAs(ctx context.Context, bountyID uint64, signer [20]byte) (executed bool, err error) {
	err = e.apply(ctx, "approve_release", func(ctx context.Context, now int64) error {
		approval, ok, err := e.state.EscrowReleaseApprovalGet(bountyID)
		if err != nil {
			return err
		}
		if !ok {
			return ErrNoPendingApproval
		}
		cfg, _, err := e.state.EscrowMultisigGet()
		if err != nil {
			return err
		}
		if !cfg.IsSigner(signer) {
			return ErrNotAuthorizedSigner
		}
		if !caller.IsAuthenticated(ctx, signer) {
			return ErrUnauthorized
		}
		if approval.HasApproved(signer) {
			return ErrAlreadyApproved
		}
		approval.Approvals = append(approval.Approvals, signer)
		if uint32(len(approval.Approvals)) < cfg.RequiredApprovals {
			if err := e.state.EscrowReleaseApprovalPut(approval); err != nil {
				return err
			}
			executed = false
			e.queue(newReleaseApprovedEvent(approval, signer, now))
			return nil
		}
		esc, err := e.loadReleasable(bountyID)
		if err != nil {
			return err
		}
		if approval.Amount.Cmp(esc.RemainingAmount) > 0 {
			return ErrInvalidAmount
		}
		if err := e.checkPause(common.ModuleRelease); err != nil {
			return err
		}
		if err := e.state.EscrowReleaseApprovalDelete(bountyID); err != nil {
			return err
		}
		e.queue(newReleaseApprovedEvent(approval, signer, now))
		if err := e.payout(esc, approval.Recipient, new(big.Int).Set(approval.Amount), signer, now); err != nil {
			return err
		}
		executed = true
		return nil
	})
	if err != nil {
		return false, err
	}
	return executed, nil
}

// CancelReleaseApproval discards the pending release approval for bountyID.
func (e *Engine) CancelReleaseApproval(ctx context.Context, bountyID uint64) error {
	return e.apply(ctx, "cancel_release_approval", func(ctx context.Context, now int64) error {
		_, ok, err := e.state.EscrowReleaseApprovalGet(bountyID)
		if err != nil {
			return err
		}
		if !ok {
			return ErrNoPendingApproval
		}
		actor, err := e.authorizeRoles(ctx, now, RoleAdmin)
		if err != nil {
			return err
		}
		if err := e.state.EscrowReleaseApprovalDelete(bountyID); err != nil {
			return err
		}
		e.queue(newBountyActionEvent(EventTypeReleaseApprovalCancelled, bountyID, actor, now))
		return nil
	})
}

// GetMultisigConfig returns the current multisig gate, or a disabled zero
// config when none has been set.
func (e *Engine) GetMultisigConfig() (*MultisigConfig, error) {
	var out *MultisigConfig
	err := e.view(func(int64) error {
		cfg, ok, err := e.state.EscrowMultisigGet()
		if err != nil {
			return err
		}
		if !ok || cfg == nil {
			out = &MultisigConfig{ThresholdAmount: big.NewInt(0)}
			return nil
		}
		out = cfg
		return nil
	})
	return out, err
}

// GetReleaseApproval returns the pending release approval for bountyID.
func (e *Engine) GetReleaseApproval(bountyID uint64) (*ReleaseApproval, error) {
	var out *ReleaseApproval
	err := e.view(func(int64) error {
		a, ok, err := e.state.EscrowReleaseApprovalGet(bountyID)
		if err != nil {
			return err
		}
		if !ok {
			return ErrNoPendingApproval
		}
		out = a
		return nil
	})
	return out, err
}
