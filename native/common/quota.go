package common

import (
	"errors"
	"math"
)

var (
	ErrRateCooldownActive  = errors.New("rate limit cooldown active")
	ErrRateWindowExhausted = errors.New("rate limit window exhausted")
)

// RateLimit defines the per-address throttle applied to a module interaction.
type RateLimit struct {
	WindowSeconds   uint64
	MaxOperations   uint32
	CooldownSeconds uint64
}

// RateUsage captures the current counters for an address.
type RateUsage struct {
	LastOperation uint64
	WindowStart   uint64
	Count         uint32
}

// DefaultRateLimit is the throttle applied until an administrator overrides
// it: ten operations per hour with a one minute cooldown.
func DefaultRateLimit() RateLimit {
	return RateLimit{WindowSeconds: 3600, MaxOperations: 10, CooldownSeconds: 60}
}

func saturatingAdd(a, b uint64) uint64 {
	if a > math.MaxUint64-b {
		return math.MaxUint64
	}
	return a + b
}

// CheckRateLimit verifies whether one more operation at now fits within the
// limit. The returned RateUsage reflects the updated counters when the
// operation is admitted; on error the previous counters are returned
// unchanged. Count is non-zero once any operation has been admitted, so it
// marks whether LastOperation is meaningful even at timestamp zero.
func CheckRateLimit(l RateLimit, now uint64, prev RateUsage) (RateUsage, error) {
	if prev.Count > 0 && now < saturatingAdd(prev.LastOperation, l.CooldownSeconds) {
		return prev, ErrRateCooldownActive
	}
	next := prev
	if now >= saturatingAdd(prev.WindowStart, l.WindowSeconds) {
		next.WindowStart = now
		next.Count = 0
	}
	if next.Count >= l.MaxOperations {
		return prev, ErrRateWindowExhausted
	}
	next.Count++
	next.LastOperation = now
	return next, nil
}
