package state_test

import (
	"bytes"
	"math/big"
	"testing"

	"github.com/stretchr/testify/require"

	"bountyescrow/core/state"
	"bountyescrow/native/escrow"
	"bountyescrow/storage"
)

func newManager(t *testing.T) *state.Manager {
	t.Helper()
	db := storage.NewMemDB()
	t.Cleanup(db.Close)
	return state.NewManager(db)
}

func testAddress(fill byte) [20]byte {
	var addr [20]byte
	copy(addr[:], bytes.Repeat([]byte{fill}, 20))
	return addr
}

func TestEscrowPutGetAndIndex(t *testing.T) {
	mgr := newManager(t)
	amount := big.NewInt(1_000_000)
	rec := &escrow.Escrow{
		BountyID:        42,
		Depositor:       testAddress(0x01),
		Amount:          amount,
		RemainingAmount: big.NewInt(250_000),
		Deadline:        1_700_000_000,
		CreatedAt:       1_695_000_000,
		Status:          escrow.StatusPartiallyReleased,
	}
	require.NoError(t, mgr.EscrowPut(rec))
	require.NoError(t, mgr.EscrowPut(&escrow.Escrow{BountyID: 7, Amount: big.NewInt(1), RemainingAmount: big.NewInt(1), Status: escrow.StatusLocked}))
	// rewriting an existing record must not duplicate the index entry
	require.NoError(t, mgr.EscrowPut(rec))
	require.NoError(t, mgr.Commit())

	stored, ok, err := mgr.EscrowGet(42)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, rec.Depositor, stored.Depositor)
	require.Zero(t, stored.Amount.Cmp(amount))
	require.Zero(t, stored.RemainingAmount.Cmp(big.NewInt(250_000)))
	require.Equal(t, int64(1_700_000_000), stored.Deadline)
	require.Equal(t, escrow.StatusPartiallyReleased, stored.Status)
	require.NotSame(t, amount, stored.Amount)

	ids, err := mgr.EscrowIDs()
	require.NoError(t, err)
	require.Equal(t, []uint64{42, 7}, ids)

	_, ok, err = mgr.EscrowGet(99)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestEscrowPutRejectsInvalid(t *testing.T) {
	mgr := newManager(t)
	require.Error(t, mgr.EscrowPut(nil))
	require.Error(t, mgr.EscrowPut(&escrow.Escrow{BountyID: 1, Status: 0}))
	require.Error(t, mgr.EscrowPut(&escrow.Escrow{BountyID: 1, Amount: big.NewInt(-1), Status: escrow.StatusLocked}))
}

func TestRefundHistoryAppendOrder(t *testing.T) {
	mgr := newManager(t)
	require.NoError(t, mgr.EscrowRefundAppend(1, escrow.RefundRecord{Amount: big.NewInt(10), Recipient: testAddress(2), Mode: escrow.RefundModePartial, Timestamp: 100}))
	require.NoError(t, mgr.EscrowRefundAppend(1, escrow.RefundRecord{Amount: big.NewInt(5), Recipient: testAddress(3), Mode: escrow.RefundModeCustom, Timestamp: 200}))

	history, err := mgr.EscrowRefundHistory(1)
	require.NoError(t, err)
	require.Len(t, history, 2)
	require.Equal(t, escrow.RefundModePartial, history[0].Mode)
	require.Equal(t, testAddress(3), history[1].Recipient)
	require.Equal(t, int64(200), history[1].Timestamp)

	empty, err := mgr.EscrowRefundHistory(2)
	require.NoError(t, err)
	require.Empty(t, empty)
}

func TestApprovalsAndClaims(t *testing.T) {
	mgr := newManager(t)

	require.NoError(t, mgr.EscrowReleaseApprovalPut(&escrow.ReleaseApproval{
		BountyID:  3,
		Amount:    big.NewInt(500),
		Recipient: testAddress(9),
		Approvals: [][20]byte{testAddress(1)},
		CreatedAt: 10,
	}))
	approval, ok, err := mgr.EscrowReleaseApprovalGet(3)
	require.NoError(t, err)
	require.True(t, ok)
	require.True(t, approval.HasApproved(testAddress(1)))
	require.NoError(t, mgr.EscrowReleaseApprovalDelete(3))
	_, ok, err = mgr.EscrowReleaseApprovalGet(3)
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, mgr.EscrowRefundApprovalPut(&escrow.RefundApproval{BountyID: 3, Amount: big.NewInt(4), Recipient: testAddress(5), Mode: escrow.RefundModeCustom}))
	refund, ok, err := mgr.EscrowRefundApprovalGet(3)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, escrow.RefundModeCustom, refund.Mode)

	require.NoError(t, mgr.EscrowClaimPut(&escrow.PendingClaim{BountyID: 3, Recipient: testAddress(6), Amount: big.NewInt(4), ExpiresAt: 99}))
	claim, ok, err := mgr.EscrowClaimGet(3)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, int64(99), claim.ExpiresAt)
	require.False(t, claim.Claimed)
}

func TestConfigRecords(t *testing.T) {
	mgr := newManager(t)

	_, ok, err := mgr.EscrowMultisigGet()
	require.NoError(t, err)
	require.False(t, ok)
	require.NoError(t, mgr.EscrowMultisigPut(&escrow.MultisigConfig{
		ThresholdAmount:   big.NewInt(1_000),
		Signers:           [][20]byte{testAddress(1), testAddress(2)},
		RequiredApprovals: 2,
		Enabled:           true,
	}))
	cfg, ok, err := mgr.EscrowMultisigGet()
	require.NoError(t, err)
	require.True(t, ok)
	require.True(t, cfg.IsSigner(testAddress(2)))
	require.True(t, cfg.Requires(big.NewInt(1_001)))
	require.False(t, cfg.Requires(big.NewInt(1_000)))

	pause, err := mgr.EscrowPauseGet()
	require.NoError(t, err)
	require.False(t, pause.FullyPaused())
	require.NoError(t, mgr.EscrowPausePut(escrow.PauseConfig{LockPaused: true, ReleasePaused: true, RefundPaused: true, Reason: "incident"}))
	pause, err = mgr.EscrowPauseGet()
	require.NoError(t, err)
	require.True(t, pause.FullyPaused())
	require.Equal(t, "incident", pause.Reason)

	window, ok, err := mgr.EscrowClaimWindowGet()
	require.NoError(t, err)
	require.False(t, ok)
	require.Zero(t, window)
	require.NoError(t, mgr.EscrowClaimWindowPut(0))
	_, ok, err = mgr.EscrowClaimWindowGet()
	require.NoError(t, err)
	require.True(t, ok, "a zero window is still a configured window")
}

func TestWhitelistAndRateState(t *testing.T) {
	mgr := newManager(t)
	addr := testAddress(4)

	listed, err := mgr.EscrowWhitelisted(addr)
	require.NoError(t, err)
	require.False(t, listed)
	require.NoError(t, mgr.EscrowWhitelistSet(addr, true))
	listed, err = mgr.EscrowWhitelisted(addr)
	require.NoError(t, err)
	require.True(t, listed)
	require.NoError(t, mgr.EscrowWhitelistSet(addr, false))
	listed, err = mgr.EscrowWhitelisted(addr)
	require.NoError(t, err)
	require.False(t, listed)

	require.NoError(t, mgr.EscrowRateStatePut(addr, escrow.RateLimitState{LastOperation: 5, WindowStart: 1, OperationCount: 2}))
	st, err := mgr.EscrowRateStateGet(addr)
	require.NoError(t, err)
	require.Equal(t, uint32(2), st.OperationCount)
}

func TestRoleExpiry(t *testing.T) {
	mgr := newManager(t)
	admin, operator := testAddress(1), testAddress(2)

	require.NoError(t, mgr.EscrowRoleGrant(escrow.RoleAdmin, admin, 100, 0))
	require.NoError(t, mgr.EscrowRoleGrant(escrow.RoleOperator, operator, 100, 200))

	active, err := mgr.EscrowRoleActive(escrow.RoleAdmin, admin, 1_000_000)
	require.NoError(t, err)
	require.True(t, active)

	active, err = mgr.EscrowRoleActive(escrow.RoleOperator, operator, 199)
	require.NoError(t, err)
	require.True(t, active)
	active, err = mgr.EscrowRoleActive(escrow.RoleOperator, operator, 200)
	require.NoError(t, err)
	require.False(t, active)

	active, err = mgr.EscrowRoleActive(escrow.RoleAdmin, operator, 150)
	require.NoError(t, err)
	require.False(t, active)

	require.NoError(t, mgr.EscrowRoleRevoke(escrow.RoleAdmin, admin))
	active, err = mgr.EscrowRoleActive(escrow.RoleAdmin, admin, 150)
	require.NoError(t, err)
	require.False(t, active)
}

func TestBankBalances(t *testing.T) {
	mgr := newManager(t)
	addr := testAddress(8)
	bal, err := mgr.BankBalance(addr)
	require.NoError(t, err)
	require.Zero(t, bal.Sign())

	require.NoError(t, mgr.BankSetBalance(addr, big.NewInt(12)))
	bal, err = mgr.BankBalance(addr)
	require.NoError(t, err)
	require.Zero(t, bal.Cmp(big.NewInt(12)))

	require.Error(t, mgr.BankSetBalance(addr, big.NewInt(-1)))
	require.NoError(t, mgr.BankSetBalance(addr, big.NewInt(0)))
	bal, err = mgr.BankBalance(addr)
	require.NoError(t, err)
	require.Zero(t, bal.Sign())
}
