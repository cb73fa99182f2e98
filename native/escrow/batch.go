package escrow

import (
	"context"
	"math/big"
	"strconv"

	"github.com/google/uuid"

	"bountyescrow/core/caller"
	"bountyescrow/native/common"
)

func (e *Engine) checkBatchSize(n int) error {
	if n == 0 || n > e.maxBatchSize {
		return ErrInvalidBatchSize
	}
	return nil
}

// BatchLock locks every item or none. The whole list is validated before any
// funds move; items are then applied in order and the count is returned.
func (e *Engine) BatchLock(ctx context.Context, items []LockItem) (int, error) {
	err := e.apply(ctx, "batch_lock", func(ctx context.Context, now int64) error {
		if err := e.checkBatchSize(len(items)); err != nil {
			return err
		}
		seen := make(map[uint64]struct{}, len(items))
		for _, item := range items {
			if _, dup := seen[item.BountyID]; dup {
				return ErrDuplicateBountyID
			}
			seen[item.BountyID] = struct{}{}
		}
		for _, item := range items {
			if err := e.validateLock(item.Depositor, item.BountyID, item.Amount, item.Deadline, now); err != nil {
				return err
			}
		}
		var depositors [][20]byte
		counted := make(map[[20]byte]struct{})
		for _, item := range items {
			if !caller.IsAuthenticated(ctx, item.Depositor) {
				return ErrUnauthorized
			}
			if _, ok := counted[item.Depositor]; !ok {
				counted[item.Depositor] = struct{}{}
				depositors = append(depositors, item.Depositor)
			}
		}
		if err := e.checkPause(common.ModuleLock); err != nil {
			return err
		}
		for _, depositor := range depositors {
			if err := e.consumeRateLimit(depositor, now); err != nil {
				return err
			}
		}
		total := new(big.Int)
		for _, item := range items {
			if _, err := e.lockFunds(item.Depositor, item.BountyID, item.Amount, item.Deadline, now); err != nil {
				return err
			}
			total.Add(total, item.Amount)
		}
		e.queue(newEvent(EventTypeBatchLocked, now, map[string]string{
			"batchId": uuid.NewString(),
			"count":   strconv.Itoa(len(items)),
			"amount":  total.String(),
		}))
		return nil
	})
	if err != nil {
		return 0, err
	}
	return len(items), nil
}

// BatchRelease releases the full remaining amount of every item or of none.
func (e *Engine) BatchRelease(ctx context.Context, items []ReleaseItem) (int, error) {
	err := e.apply(ctx, "batch_release", func(ctx context.Context, now int64) error {
		if err := e.checkBatchSize(len(items)); err != nil {
			return err
		}
		seen := make(map[uint64]struct{}, len(items))
		for _, item := range items {
			if _, dup := seen[item.BountyID]; dup {
				return ErrDuplicateBountyID
			}
			seen[item.BountyID] = struct{}{}
		}
		loaded := make([]*Escrow, len(items))
		for i, item := range items {
			if !e.payable(item.Contributor) {
				return ErrInvalidRecipient
			}
			esc, err := e.loadReleasable(item.BountyID)
			if err != nil {
				return err
			}
			loaded[i] = esc
		}
		actor, err := e.authorizeRoles(ctx, now, RoleAdmin, RoleOperator)
		if err != nil {
			return err
		}
		cfg, _, err := e.state.EscrowMultisigGet()
		if err != nil {
			return err
		}
		for _, esc := range loaded {
			if cfg.Requires(esc.RemainingAmount) {
				return ErrMultisigRequired
			}
		}
		if err := e.checkPause(common.ModuleRelease); err != nil {
			return err
		}
		total := new(big.Int)
		for i, item := range items {
			esc := loaded[i]
			amount := new(big.Int).Set(esc.RemainingAmount)
			if err := e.payout(esc, item.Contributor, amount, actor, now); err != nil {
				return err
			}
			total.Add(total, amount)
		}
		e.queue(newEvent(EventTypeBatchReleased, now, map[string]string{
			"batchId": uuid.NewString(),
			"count":   strconv.Itoa(len(items)),
			"amount":  total.String(),
			"actor":   addr(actor),
		}))
		return nil
	})
	if err != nil {
		return 0, err
	}
	return len(items), nil
}
