package escrow

import (
	"context"
	"math/big"

	"bountyescrow/native/common"
)

func validateRefundRequest(req RefundRequest) error {
	switch r := req.(type) {
	case FullRefund, *FullRefund:
		return nil
	case PartialRefund:
		if !ValidAmount(r.Amount) {
			return ErrInvalidAmount
		}
	case *PartialRefund:
		if r == nil || !ValidAmount(r.Amount) {
			return ErrInvalidAmount
		}
	case CustomRefund:
		return validateCustom(r)
	case *CustomRefund:
		if r == nil {
			return ErrInvalidAmount
		}
		return validateCustom(*r)
	default:
		return ErrInvalidAmount
	}
	return nil
}

func validateCustom(r CustomRefund) error {
	if !ValidAmount(r.Amount) {
		return ErrInvalidAmount
	}
	if r.Recipient == ([20]byte{}) {
		return ErrInvalidAmount
	}
	return nil
}

// resolveRefund returns the amount and recipient req selects for esc.
func resolveRefund(esc *Escrow, req RefundRequest) (*big.Int, [20]byte) {
	switch r := req.(type) {
	case PartialRefund:
		return r.Amount, esc.Depositor
	case *PartialRefund:
		return r.Amount, esc.Depositor
	case CustomRefund:
		return r.Amount, r.Recipient
	case *CustomRefund:
		return r.Amount, r.Recipient
	default:
		return esc.RemainingAmount, esc.Depositor
	}
}

// Refund returns funds according to req. Full and partial refunds go to the
// depositor and require the deadline to have passed. A custom refund before
// the deadline requires a matching refund approval, which it consumes; after
// the deadline anyone may trigger it.
func (e *Engine) Refund(ctx context.Context, bountyID uint64, req RefundRequest) error {
	return e.apply(ctx, "refund", func(ctx context.Context, now int64) error {
		if req == nil {
			req = FullRefund{}
		}
		if err := validateRefundRequest(req); err != nil {
			return err
		}
		esc, err := e.loadEscrow(bountyID)
		if err != nil {
			return err
		}
		if !esc.Status.Refundable() {
			return ErrFundsNotLocked
		}
		amount, recipient := resolveRefund(esc, req)
		if !e.payable(recipient) {
			return ErrInvalidRecipient
		}
		if amount.Cmp(esc.RemainingAmount) > 0 {
			return ErrInvalidAmount
		}
		deadlinePassed := now > esc.Deadline
		consumeApproval := false
		switch req.Mode() {
		case RefundModeCustom:
			if !deadlinePassed {
				approval, ok, err := e.state.EscrowRefundApprovalGet(bountyID)
				if err != nil {
					return err
				}
				if !ok || approval.Amount.Cmp(amount) != 0 || approval.Recipient != recipient {
					return ErrRefundNotApproved
				}
				consumeApproval = true
			}
		default:
			if !deadlinePassed {
				return ErrDeadlineNotPassed
			}
		}
		if err := e.checkPause(common.ModuleRefund); err != nil {
			return err
		}
		if consumeApproval {
			if err := e.state.EscrowRefundApprovalDelete(bountyID); err != nil {
				return err
			}
		}
		if err := e.transfer(e.custody, recipient, amount); err != nil {
			return err
		}
		rec := RefundRecord{Amount: cloneBigInt(amount), Recipient: recipient, Mode: req.Mode(), Timestamp: now}
		if err := e.state.EscrowRefundAppend(bountyID, rec); err != nil {
			return err
		}
		esc.RemainingAmount = new(big.Int).Sub(esc.RemainingAmount, amount)
		if esc.RemainingAmount.Sign() == 0 {
			esc.Status = StatusRefunded
		} else {
			esc.Status = StatusPartiallyRefunded
		}
		if err := e.state.EscrowPut(esc); err != nil {
			return err
		}
		if esc.Status.Terminal() {
			if err := e.clearPending(bountyID); err != nil {
				return err
			}
		}
		refunded := cloneBigInt(amount)
		e.afterCommit(func() { e.metrics.RecordFunds("refund", refunded) })
		e.queue(NewRefundedEvent(esc, rec))
		return nil
	})
}

// ApproveRefund records an admin or operator approval allowing a custom
// refund of amount to recipient before the deadline. A new approval replaces
// any existing one.
func (e *Engine) ApproveRefund(ctx context.Context, bountyID uint64, amount *big.Int, recipient [20]byte, mode RefundMode) error {
	return e.apply(ctx, "approve_refund", func(ctx context.Context, now int64) error {
		if !ValidAmount(amount) {
			return ErrInvalidAmount
		}
		if !e.payable(recipient) {
			return ErrInvalidRecipient
		}
		if mode == 0 {
			mode = RefundModeCustom
		}
		esc, err := e.loadEscrow(bountyID)
		if err != nil {
			return err
		}
		if !esc.Status.Refundable() {
			return ErrFundsNotLocked
		}
		if amount.Cmp(esc.RemainingAmount) > 0 {
			return ErrInvalidAmount
		}
		actor, err := e.authorizeRoles(ctx, now, RoleAdmin, RoleOperator)
		if err != nil {
			return err
		}
		approval := &RefundApproval{
			BountyID:   bountyID,
			Amount:     cloneBigInt(amount),
			Recipient:  recipient,
			Mode:       mode,
			ApprovedBy: actor,
			CreatedAt:  now,
		}
		if err := e.state.EscrowRefundApprovalPut(approval); err != nil {
			return err
		}
		e.queue(newRefundApprovedEvent(approval, now))
		return nil
	})
}

// CancelRefundApproval drops the pending refund approval for bountyID.
func (e *Engine) CancelRefundApproval(ctx context.Context, bountyID uint64) error {
	return e.apply(ctx, "cancel_refund_approval", func(ctx context.Context, now int64) error {
		_, ok, err := e.state.EscrowRefundApprovalGet(bountyID)
		if err != nil {
			return err
		}
		if !ok {
			return ErrNoRefundApproval
		}
		actor, err := e.authorizeRoles(ctx, now, RoleAdmin, RoleOperator)
		if err != nil {
			return err
		}
		if err := e.state.EscrowRefundApprovalDelete(bountyID); err != nil {
			return err
		}
		e.queue(newBountyActionEvent(EventTypeRefundApprovalCancelled, bountyID, actor, now))
		return nil
	})
}
