package escrow

import (
	"context"
	"strings"

	"golang.org/x/text/unicode/norm"

	"bountyescrow/native/common"
)

const maxPauseReasonLen = 256

func normalizeReason(reason string) string {
	reason = strings.TrimSpace(norm.NFC.String(reason))
	if len(reason) > maxPauseReasonLen {
		reason = strings.ToValidUTF8(reason[:maxPauseReasonLen], "")
	}
	return reason
}

func (e *Engine) recordPauseGauges(cfg PauseConfig) {
	e.afterCommit(func() {
		e.metrics.SetPaused(common.ModuleLock, cfg.LockPaused)
		e.metrics.SetPaused(common.ModuleRelease, cfg.ReleasePaused)
		e.metrics.SetPaused(common.ModuleRefund, cfg.RefundPaused)
	})
}

// Pause blocks lock, release and refund at once. Calling it again replaces the
// stored reason.
func (e *Engine) Pause(ctx context.Context, reason string) error {
	return e.apply(ctx, "pause", func(ctx context.Context, now int64) error {
		actor, err := e.authorizeRoles(ctx, now, RoleAdmin, RolePauser)
		if err != nil {
			return err
		}
		cfg := PauseConfig{
			LockPaused:    true,
			ReleasePaused: true,
			RefundPaused:  true,
			Reason:        normalizeReason(reason),
			PausedAt:      now,
			PausedBy:      actor,
		}
		if err := e.state.EscrowPausePut(cfg); err != nil {
			return err
		}
		e.recordPauseGauges(cfg)
		e.queue(newPauseEvent(EventTypePaused, cfg, actor, now))
		return nil
	})
}

// Unpause clears every flag and the reason. It is a no-op when nothing is
// paused.
func (e *Engine) Unpause(ctx context.Context) error {
	return e.apply(ctx, "unpause", func(ctx context.Context, now int64) error {
		actor, err := e.authorizeRoles(ctx, now, RoleAdmin)
		if err != nil {
			return err
		}
		current, err := e.state.EscrowPauseGet()
		if err != nil {
			return err
		}
		if current == (PauseConfig{}) {
			return nil
		}
		cfg := PauseConfig{}
		if err := e.state.EscrowPausePut(cfg); err != nil {
			return err
		}
		e.recordPauseGauges(cfg)
		e.queue(newPauseEvent(EventTypeUnpaused, cfg, actor, now))
		return nil
	})
}

// SetPauseLock toggles the lock flag.
func (e *Engine) SetPauseLock(ctx context.Context, paused bool) error {
	return e.setPauseFlag(ctx, common.ModuleLock, paused)
}

// SetPauseRelease toggles the release flag.
func (e *Engine) SetPauseRelease(ctx context.Context, paused bool) error {
	return e.setPauseFlag(ctx, common.ModuleRelease, paused)
}

// SetPauseRefund toggles the refund flag.
func (e *Engine) SetPauseRefund(ctx context.Context, paused bool) error {
	return e.setPauseFlag(ctx, common.ModuleRefund, paused)
}

func (e *Engine) setPauseFlag(ctx context.Context, module string, paused bool) error {
	return e.apply(ctx, "set_pause_"+module, func(ctx context.Context, now int64) error {
		actor, err := e.authorizeRoles(ctx, now, RoleAdmin)
		if err != nil {
			return err
		}
		cfg, err := e.state.EscrowPauseGet()
		if err != nil {
			return err
		}
		flag := &cfg.LockPaused
		switch module {
		case common.ModuleRelease:
			flag = &cfg.ReleasePaused
		case common.ModuleRefund:
			flag = &cfg.RefundPaused
		}
		if *flag == paused {
			return nil
		}
		*flag = paused
		if paused {
			cfg.PausedAt = now
			cfg.PausedBy = actor
		}
		if !cfg.LockPaused && !cfg.ReleasePaused && !cfg.RefundPaused {
			cfg = PauseConfig{}
		}
		if err := e.state.EscrowPausePut(cfg); err != nil {
			return err
		}
		e.recordPauseGauges(cfg)
		e.queue(newPauseEvent(EventTypePauseUpdated, cfg, actor, now))
		return nil
	})
}

// IsPaused reports whether every operation class is paused.
func (e *Engine) IsPaused() (bool, error) {
	cfg, err := e.GetPauseConfig()
	if err != nil {
		return false, err
	}
	return cfg.FullyPaused(), nil
}

// GetPauseConfig returns the stored pause flags.
func (e *Engine) GetPauseConfig() (PauseConfig, error) {
	var cfg PauseConfig
	err := e.view(func(int64) error {
		var err error
		cfg, err = e.state.EscrowPauseGet()
		return err
	})
	return cfg, err
}

// EmergencyWithdraw drains the whole custody balance to recipient regardless
// of per-bounty bookkeeping or pause state. An empty custody is a no-op.
func (e *Engine) EmergencyWithdraw(ctx context.Context, recipient [20]byte) error {
	return e.apply(ctx, "emergency_withdraw", func(ctx context.Context, now int64) error {
		if !e.payable(recipient) {
			return ErrInvalidRecipient
		}
		actor, err := e.authorizeRoles(ctx, now, RoleAdmin)
		if err != nil {
			return err
		}
		balance, err := e.ledger.Balance(e.custody)
		if err != nil {
			return err
		}
		if balance == nil || balance.Sign() == 0 {
			return nil
		}
		if err := e.transfer(e.custody, recipient, balance); err != nil {
			return err
		}
		drained := cloneBigInt(balance)
		e.afterCommit(func() { e.metrics.RecordFunds("emergency_withdraw", drained) })
		e.queue(newAdminEvent(EventTypeEmergencyWithdraw, actor, now,
			"recipient", addr(recipient),
			"amount", drained.String()))
		return nil
	})
}
