package escrow_test

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/require"

	"bountyescrow/native/escrow"
)

func TestLockCooldownAndWhitelist(t *testing.T) {
	h := newHarness(t)
	depositor := testAddress(0x01)
	trusted := testAddress(0x02)
	require.NoError(t, h.engine.SetRateLimitConfig(h.adminCtx(), escrow.RateLimitConfig{
		CooldownPeriod: 60,
		WindowSize:     3600,
		MaxOperations:  10,
	}))
	require.NoError(t, h.engine.SetWhitelist(h.adminCtx(), trusted, true))

	h.lock(depositor, 1, 1000)
	h.fund(depositor, 1000)
	snap := h.snapshot(depositor)
	h.now += 59
	require.ErrorIs(t, h.engine.Lock(h.as(depositor), depositor, 2, big.NewInt(1000), h.now+1000), escrow.ErrCooldownViolation)
	h.requireUnchanged(snap)
	h.now++
	require.NoError(t, h.engine.Lock(h.as(depositor), depositor, 2, big.NewInt(1000), h.now+1000))

	for id := uint64(10); id < 15; id++ {
		h.lock(trusted, id, 1000)
	}
	allowed, err := h.engine.IsWhitelisted(trusted)
	require.NoError(t, err)
	require.True(t, allowed)
	st, err := h.engine.GetRateLimitState(trusted)
	require.NoError(t, err)
	require.Zero(t, st.OperationCount)
}

func TestLockWindowExhaustion(t *testing.T) {
	h := newHarness(t)
	depositor := testAddress(0x01)
	require.NoError(t, h.engine.SetRateLimitConfig(h.adminCtx(), escrow.RateLimitConfig{WindowSize: 100, MaxOperations: 2}))

	h.lock(depositor, 1, 10)
	h.now += 10
	h.lock(depositor, 2, 10)
	h.now += 10
	h.fund(depositor, 10)
	require.ErrorIs(t, h.engine.Lock(h.as(depositor), depositor, 3, big.NewInt(10), h.now+1000), escrow.ErrRateLimitExceeded)

	st, err := h.engine.GetRateLimitState(depositor)
	require.NoError(t, err)
	require.EqualValues(t, 2, st.OperationCount)
	require.Equal(t, uint64(startTime), st.WindowStart)

	h.now = startTime + 100
	require.NoError(t, h.engine.Lock(h.as(depositor), depositor, 3, big.NewInt(10), h.now+1000))
}

func TestRateLimitConfigValidation(t *testing.T) {
	h := newHarness(t)
	require.ErrorIs(t, h.engine.SetRateLimitConfig(h.adminCtx(), escrow.RateLimitConfig{WindowSize: 0, MaxOperations: 1}), escrow.ErrInvalidRateLimit)
	require.ErrorIs(t, h.engine.SetRateLimitConfig(h.adminCtx(), escrow.RateLimitConfig{WindowSize: 1}), escrow.ErrInvalidRateLimit)
	cfg := escrow.RateLimitConfig{CooldownPeriod: 5, WindowSize: 10, MaxOperations: 3}
	require.ErrorIs(t, h.engine.SetRateLimitConfig(h.as(testAddress(0x01)), cfg), escrow.ErrUnauthorized)
	require.NoError(t, h.engine.SetRateLimitConfig(h.adminCtx(), cfg))
	got, err := h.engine.GetRateLimitConfig()
	require.NoError(t, err)
	require.Equal(t, cfg, got)

	require.ErrorIs(t, h.engine.SetWhitelist(h.as(testAddress(0x01)), testAddress(0x01), true), escrow.ErrUnauthorized)
}

func TestDefaultRateLimitApplies(t *testing.T) {
	h := newHarness(t)
	h.engine.SetDefaultRateLimit(escrow.RateLimitConfig{CooldownPeriod: 30, WindowSize: 3600, MaxOperations: 5})
	depositor := testAddress(0x01)
	h.lock(depositor, 1, 10)
	h.fund(depositor, 10)
	require.ErrorIs(t, h.engine.Lock(h.as(depositor), depositor, 2, big.NewInt(10), h.now+1000), escrow.ErrCooldownViolation)
}
