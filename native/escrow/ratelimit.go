package escrow

import (
	"context"
	"errors"
	"strconv"

	"bountyescrow/native/common"
)

func (e *Engine) rateLimitConfig() (RateLimitConfig, error) {
	cfg, ok, err := e.state.EscrowRateLimitGet()
	if err != nil {
		return RateLimitConfig{}, err
	}
	if !ok {
		return e.defaultRateLimit, nil
	}
	return cfg, nil
}

// consumeRateLimit admits one lock by depositor at now or returns the
// throttle error. Whitelisted depositors are never counted.
func (e *Engine) consumeRateLimit(depositor [20]byte, now int64) error {
	allowed, err := e.state.EscrowWhitelisted(depositor)
	if err != nil {
		return err
	}
	if allowed {
		return nil
	}
	cfg, err := e.rateLimitConfig()
	if err != nil {
		return err
	}
	prev, err := e.state.EscrowRateStateGet(depositor)
	if err != nil {
		return err
	}
	at := uint64(0)
	if now > 0 {
		at = uint64(now)
	}
	limit := common.RateLimit{
		WindowSeconds:   cfg.WindowSize,
		MaxOperations:   cfg.MaxOperations,
		CooldownSeconds: cfg.CooldownPeriod,
	}
	next, err := common.CheckRateLimit(limit, at, common.RateUsage{
		LastOperation: prev.LastOperation,
		WindowStart:   prev.WindowStart,
		Count:         prev.OperationCount,
	})
	switch {
	case errors.Is(err, common.ErrRateCooldownActive):
		e.afterThrottle("cooldown")
		return ErrCooldownViolation
	case errors.Is(err, common.ErrRateWindowExhausted):
		e.afterThrottle("window")
		return ErrRateLimitExceeded
	case err != nil:
		return err
	}
	return e.state.EscrowRateStatePut(depositor, RateLimitState{
		LastOperation:  next.LastOperation,
		WindowStart:    next.WindowStart,
		OperationCount: next.Count,
	})
}

// afterThrottle counts a rejected lock. It is recorded immediately because
// the surrounding operation is about to fail.
func (e *Engine) afterThrottle(reason string) {
	e.metrics.RecordThrottle(reason)
}

// SetRateLimitConfig replaces the lock throttle.
func (e *Engine) SetRateLimitConfig(ctx context.Context, cfg RateLimitConfig) error {
	return e.apply(ctx, "set_rate_limit", func(ctx context.Context, now int64) error {
		if cfg.WindowSize == 0 || cfg.MaxOperations == 0 {
			return ErrInvalidRateLimit
		}
		actor, err := e.authorizeRoles(ctx, now, RoleAdmin)
		if err != nil {
			return err
		}
		if err := e.state.EscrowRateLimitPut(cfg); err != nil {
			return err
		}
		e.queue(newAdminEvent(EventTypeRateLimitUpdated, actor, now,
			"cooldown", strconv.FormatUint(cfg.CooldownPeriod, 10),
			"window", strconv.FormatUint(cfg.WindowSize, 10),
			"maxOperations", strconv.FormatUint(uint64(cfg.MaxOperations), 10)))
		return nil
	})
}

// GetRateLimitConfig returns the active lock throttle.
func (e *Engine) GetRateLimitConfig() (RateLimitConfig, error) {
	var cfg RateLimitConfig
	err := e.view(func(int64) error {
		var err error
		cfg, err = e.rateLimitConfig()
		return err
	})
	return cfg, err
}

// GetRateLimitState returns the usage counters recorded for depositor.
func (e *Engine) GetRateLimitState(depositor [20]byte) (RateLimitState, error) {
	var st RateLimitState
	err := e.view(func(int64) error {
		var err error
		st, err = e.state.EscrowRateStateGet(depositor)
		return err
	})
	return st, err
}

// SetWhitelist adds or removes depositor from the throttle exemption list.
func (e *Engine) SetWhitelist(ctx context.Context, depositor [20]byte, allowed bool) error {
	return e.apply(ctx, "set_whitelist", func(ctx context.Context, now int64) error {
		if depositor == ([20]byte{}) {
			return ErrInvalidRecipient
		}
		actor, err := e.authorizeRoles(ctx, now, RoleAdmin)
		if err != nil {
			return err
		}
		if err := e.state.EscrowWhitelistSet(depositor, allowed); err != nil {
			return err
		}
		e.queue(newAdminEvent(EventTypeWhitelistUpdated, actor, now,
			"address", addr(depositor),
			"allowed", strconv.FormatBool(allowed)))
		return nil
	})
}

// IsWhitelisted reports whether depositor bypasses the lock throttle.
func (e *Engine) IsWhitelisted(depositor [20]byte) (bool, error) {
	var allowed bool
	err := e.view(func(int64) error {
		var err error
		allowed, err = e.state.EscrowWhitelisted(depositor)
		return err
	})
	return allowed, err
}
