package escrow_test

import (
	"bytes"
	"context"
	"math/big"
	"testing"

	"github.com/stretchr/testify/require"

	"bountyescrow/core/caller"
	"bountyescrow/core/events"
	"bountyescrow/core/state"
	"bountyescrow/core/types"
	"bountyescrow/native/bank"
	"bountyescrow/native/escrow"
	"bountyescrow/storage"
)

const startTime int64 = 1_000_000

type recorder struct {
	events []*types.Event
}

func (r *recorder) Emit(evt events.Event) {
	r.events = append(r.events, events.Wire(evt))
}

func (r *recorder) eventTypes() []string {
	out := make([]string, 0, len(r.events))
	for _, evt := range r.events {
		out = append(out, evt.Type)
	}
	return out
}

func (r *recorder) last() *types.Event {
	if len(r.events) == 0 {
		return nil
	}
	return r.events[len(r.events)-1]
}

type harness struct {
	t       *testing.T
	db      *storage.MemDB
	state   *state.Manager
	ledger  *bank.Ledger
	engine  *escrow.Engine
	events  *recorder
	now     int64
	admin   [20]byte
	custody [20]byte
}

func testAddress(fill byte) [20]byte {
	var addr [20]byte
	copy(addr[:], bytes.Repeat([]byte{fill}, 20))
	return addr
}

// newHarness returns an initialised engine over an in-memory store with a
// permissive lock throttle.
func newHarness(t *testing.T) *harness {
	t.Helper()
	db := storage.NewMemDB()
	t.Cleanup(db.Close)
	mgr := state.NewManager(db)
	h := &harness{
		t:       t,
		db:      db,
		state:   mgr,
		ledger:  bank.NewLedger(mgr),
		engine:  escrow.NewEngine(),
		events:  &recorder{},
		now:     startTime,
		admin:   testAddress(0xAD),
		custody: testAddress(0xCC),
	}
	h.engine.SetState(mgr)
	h.engine.SetLedger(h.ledger)
	h.engine.SetCustody(h.custody)
	h.engine.SetEmitter(h.events)
	h.engine.SetNowFunc(func() int64 { return h.now })
	h.engine.SetDefaultRateLimit(escrow.RateLimitConfig{WindowSize: 3600, MaxOperations: 1000})
	require.NoError(t, h.engine.Initialize(h.as(h.admin), h.admin))
	h.events.events = nil
	return h
}

func (h *harness) as(principals ...[20]byte) context.Context {
	return caller.WithPrincipals(context.Background(), principals...)
}

func (h *harness) adminCtx() context.Context { return h.as(h.admin) }

func (h *harness) fund(addr [20]byte, amount int64) {
	h.t.Helper()
	require.NoError(h.t, h.ledger.Mint(addr, big.NewInt(amount)))
	require.NoError(h.t, h.state.Commit())
}

func (h *harness) balance(addr [20]byte) *big.Int {
	h.t.Helper()
	bal, err := h.ledger.Balance(addr)
	require.NoError(h.t, err)
	return bal
}

func (h *harness) requireBalance(addr [20]byte, want int64) {
	h.t.Helper()
	require.Zero(h.t, h.balance(addr).Cmp(big.NewInt(want)), "balance %s, want %d", h.balance(addr), want)
}

// lock funds depositor and locks amount against id with a deadline 1000s out.
func (h *harness) lock(depositor [20]byte, id uint64, amount int64) {
	h.t.Helper()
	h.fund(depositor, amount)
	require.NoError(h.t, h.engine.Lock(h.as(depositor), depositor, id, big.NewInt(amount), h.now+1000))
}

func (h *harness) info(id uint64) *escrow.Escrow {
	h.t.Helper()
	esc, err := h.engine.GetEscrowInfo(id)
	require.NoError(h.t, err)
	return esc
}

func (h *harness) grant(addr [20]byte, role escrow.Role) {
	h.t.Helper()
	require.NoError(h.t, h.engine.GrantRole(h.adminCtx(), addr, role))
}

type snapshot struct {
	keys     int
	custody  *big.Int
	balances map[[20]byte]*big.Int
	escrows  map[uint64]*escrow.Escrow
	events   int
}

func (h *harness) snapshot(addrs ...[20]byte) snapshot {
	h.t.Helper()
	snap := snapshot{
		keys:     h.db.Len(),
		custody:  h.balance(h.custody),
		balances: make(map[[20]byte]*big.Int),
		escrows:  make(map[uint64]*escrow.Escrow),
		events:   len(h.events.events),
	}
	for _, a := range addrs {
		snap.balances[a] = h.balance(a)
	}
	list, _, err := h.engine.QueryEscrows(escrow.EscrowFilter{}, escrow.Pagination{Limit: 1000})
	require.NoError(h.t, err)
	for _, esc := range list {
		snap.escrows[esc.BountyID] = esc
	}
	return snap
}

// requireUnchanged asserts that nothing observable moved since snap.
func (h *harness) requireUnchanged(snap snapshot) {
	h.t.Helper()
	after := h.snapshot()
	require.Zero(h.t, h.state.Pending(), "journal must be empty after a failed call")
	require.Equal(h.t, snap.keys, after.keys)
	require.Zero(h.t, snap.custody.Cmp(after.custody))
	for a, bal := range snap.balances {
		require.Zero(h.t, bal.Cmp(h.balance(a)))
	}
	require.Equal(h.t, snap.escrows, after.escrows)
	require.Equal(h.t, snap.events, after.events)
}

// requireInvariants checks remaining and status consistency for every escrow
// and that custody holds exactly the outstanding amounts.
func (h *harness) requireInvariants() {
	h.t.Helper()
	list, _, err := h.engine.QueryEscrows(escrow.EscrowFilter{}, escrow.Pagination{Limit: 1000})
	require.NoError(h.t, err)
	outstanding := new(big.Int)
	for _, esc := range list {
		require.GreaterOrEqual(h.t, esc.RemainingAmount.Sign(), 0)
		require.LessOrEqual(h.t, esc.RemainingAmount.Cmp(esc.Amount), 0)
		require.Equal(h.t, esc.RemainingAmount.Sign() == 0, esc.Status.Terminal(), "bounty %d status %s", esc.BountyID, esc.Status)
		outstanding.Add(outstanding, esc.RemainingAmount)
	}
	require.Zero(h.t, outstanding.Cmp(h.balance(h.custody)))
}
