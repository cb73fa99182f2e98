package escrow

import (
	"math/big"
)

const (
	defaultQueryLimit = 50
	maxQueryLimit     = 1000
)

// GetEscrowInfo returns the record for bountyID.
func (e *Engine) GetEscrowInfo(bountyID uint64) (*Escrow, error) {
	var out *Escrow
	err := e.view(func(int64) error {
		esc, err := e.loadEscrow(bountyID)
		out = esc
		return err
	})
	return out, err
}

// GetRefundHistory returns the executed refunds for bountyID, oldest first.
func (e *Engine) GetRefundHistory(bountyID uint64) ([]RefundRecord, error) {
	var out []RefundRecord
	err := e.view(func(int64) error {
		if _, err := e.loadEscrow(bountyID); err != nil {
			return err
		}
		var err error
		out, err = e.state.EscrowRefundHistory(bountyID)
		return err
	})
	return out, err
}

// GetRefundEligibility reports whether a refund of bountyID could execute
// now, either because the deadline passed or because an approval exists.
func (e *Engine) GetRefundEligibility(bountyID uint64) (*RefundEligibility, error) {
	var out *RefundEligibility
	err := e.view(func(now int64) error {
		esc, err := e.loadEscrow(bountyID)
		if err != nil {
			return err
		}
		approval, ok, err := e.state.EscrowRefundApprovalGet(bountyID)
		if err != nil {
			return err
		}
		if !ok {
			approval = nil
		}
		passed := now > esc.Deadline
		out = &RefundEligibility{
			CanRefund:       esc.Status.Refundable() && (passed || approval != nil),
			DeadlinePassed:  passed,
			RemainingAmount: cloneBigInt(esc.RemainingAmount),
			Approval:        approval,
		}
		return nil
	})
	return out, err
}

// GetRefundApproval returns the pending refund approval for bountyID.
func (e *Engine) GetRefundApproval(bountyID uint64) (*RefundApproval, error) {
	var out *RefundApproval
	err := e.view(func(int64) error {
		a, ok, err := e.state.EscrowRefundApprovalGet(bountyID)
		if err != nil {
			return err
		}
		if !ok {
			return ErrNoRefundApproval
		}
		out = a
		return nil
	})
	return out, err
}

// GetBalance returns the custody balance, the sum of all funds held.
func (e *Engine) GetBalance() (*big.Int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.ready(); err != nil {
		return nil, err
	}
	return e.ledger.Balance(e.custody)
}

// AccountBalance returns the token balance of any account, read under the
// engine lock so it never observes a half-applied operation.
func (e *Engine) AccountBalance(addr [20]byte) (*big.Int, error) {
	var bal *big.Int
	err := e.view(func(int64) error {
		if err := e.ready(); err != nil {
			return err
		}
		var err error
		bal, err = e.ledger.Balance(addr)
		return err
	})
	return bal, err
}

func (f EscrowFilter) matches(esc *Escrow) bool {
	if f.Status != nil && esc.Status != *f.Status {
		return false
	}
	if f.Depositor != nil && esc.Depositor != *f.Depositor {
		return false
	}
	if f.MinAmount != nil && esc.Amount.Cmp(f.MinAmount) < 0 {
		return false
	}
	if f.MaxAmount != nil && esc.Amount.Cmp(f.MaxAmount) > 0 {
		return false
	}
	if f.MinDeadline != nil && esc.Deadline < *f.MinDeadline {
		return false
	}
	if f.MaxDeadline != nil && esc.Deadline > *f.MaxDeadline {
		return false
	}
	return true
}

// QueryEscrows returns the escrows matching filter in creation order together
// with the total number of matches before pagination.
func (e *Engine) QueryEscrows(filter EscrowFilter, page Pagination) ([]*Escrow, uint64, error) {
	limit := page.Limit
	if limit == 0 {
		limit = defaultQueryLimit
	}
	if limit > maxQueryLimit {
		limit = maxQueryLimit
	}
	var (
		out   []*Escrow
		total uint64
	)
	err := e.view(func(int64) error {
		ids, err := e.state.EscrowIDs()
		if err != nil {
			return err
		}
		for _, id := range ids {
			esc, ok, err := e.state.EscrowGet(id)
			if err != nil {
				return err
			}
			if !ok || !filter.matches(esc) {
				continue
			}
			if total >= page.Offset && uint64(len(out)) < limit {
				out = append(out, esc)
			}
			total++
		}
		return nil
	})
	if err != nil {
		return nil, 0, err
	}
	return out, total, nil
}

// Stats aggregates every escrow in the ledger.
func (e *Engine) Stats() (*Stats, error) {
	stats := &Stats{
		TotalLocked:   new(big.Int),
		TotalReleased: new(big.Int),
		TotalRefunded: new(big.Int),
	}
	err := e.view(func(int64) error {
		ids, err := e.state.EscrowIDs()
		if err != nil {
			return err
		}
		for _, id := range ids {
			esc, ok, err := e.state.EscrowGet(id)
			if err != nil {
				return err
			}
			if !ok {
				continue
			}
			stats.TotalBounties++
			switch esc.Status {
			case StatusReleased:
				stats.ReleasedCount++
			case StatusRefunded:
				stats.RefundedCount++
			default:
				stats.LockedCount++
				stats.TotalLocked.Add(stats.TotalLocked, esc.RemainingAmount)
			}
			history, err := e.state.EscrowRefundHistory(id)
			if err != nil {
				return err
			}
			refunded := new(big.Int)
			for _, rec := range history {
				refunded.Add(refunded, rec.Amount)
			}
			released := new(big.Int).Sub(esc.Amount, esc.RemainingAmount)
			released.Sub(released, refunded)
			stats.TotalRefunded.Add(stats.TotalRefunded, refunded)
			stats.TotalReleased.Add(stats.TotalReleased, released)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if e.ledger != nil && e.custody != ([20]byte{}) {
		bal, err := e.GetBalance()
		if err != nil {
			return nil, err
		}
		stats.CustodyBalance = bal
	}
	return stats, nil
}
