package state

import (
	"encoding/binary"
	"fmt"
	"math/big"

	"bountyescrow/native/escrow"
)

var (
	escrowRecordPrefix      = []byte("escrow/record/")
	escrowIndexKey          = []byte("escrow/index")
	escrowRefundsPrefix     = []byte("escrow/refunds/")
	escrowRefundApproval    = []byte("escrow/refund-approval/")
	escrowReleaseApproval   = []byte("escrow/release-approval/")
	escrowClaimPrefix       = []byte("escrow/claim/")
	escrowClaimWindowKey    = []byte("escrow/claim-window")
	escrowMultisigKey       = []byte("escrow/multisig")
	escrowPauseKey          = []byte("escrow/pause")
	escrowRateLimitKey      = []byte("escrow/rate-limit/config")
	escrowRateStatePrefix   = []byte("escrow/rate-limit/state/")
	escrowWhitelistPrefix   = []byte("escrow/whitelist/")
	escrowRolePrefix        = []byte("escrow/role/")
	escrowMetaKey           = []byte("escrow/meta")
	bankBalancePrefix       = []byte("bank/balance/")
	bankSupplyKey           = []byte("bank/supply")
	errNegativeStoredAmount = fmt.Errorf("state: negative amount cannot be stored")
)

func bountyKey(prefix []byte, id uint64) []byte {
	key := make([]byte, len(prefix)+8)
	copy(key, prefix)
	binary.BigEndian.PutUint64(key[len(prefix):], id)
	return key
}

func addrKey(prefix []byte, addr [20]byte) []byte {
	key := make([]byte, len(prefix)+len(addr))
	copy(key, prefix)
	copy(key[len(prefix):], addr[:])
	return key
}

func roleKey(role escrow.Role, addr [20]byte) []byte {
	prefix := append(append([]byte(nil), escrowRolePrefix...), []byte(role+"/")...)
	return addrKey(prefix, addr)
}

func toUnix(v int64) uint64 {
	if v < 0 {
		return 0
	}
	return uint64(v)
}

func fromUnix(v uint64) int64 {
	return int64(v)
}

func storedAmount(v *big.Int) (*big.Int, error) {
	if v == nil {
		return big.NewInt(0), nil
	}
	if v.Sign() < 0 {
		return nil, errNegativeStoredAmount
	}
	return new(big.Int).Set(v), nil
}

func loadedAmount(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(v)
}

type storedEscrow struct {
	BountyID  uint64
	Depositor [20]byte
	Amount    *big.Int
	Remaining *big.Int
	Deadline  uint64
	CreatedAt uint64
	Status    uint8
}

// EscrowPut persists the escrow record and, on first write, appends the
// bounty id to the creation-order index.
func (m *Manager) EscrowPut(e *escrow.Escrow) error {
	if e == nil {
		return fmt.Errorf("escrow: nil record")
	}
	if !e.Status.Valid() {
		return fmt.Errorf("escrow: invalid status %d", e.Status)
	}
	amount, err := storedAmount(e.Amount)
	if err != nil {
		return err
	}
	remaining, err := storedAmount(e.RemainingAmount)
	if err != nil {
		return err
	}
	key := bountyKey(escrowRecordPrefix, e.BountyID)
	exists, err := m.KVGet(key, nil)
	if err != nil {
		return err
	}
	record := storedEscrow{
		BountyID:  e.BountyID,
		Depositor: e.Depositor,
		Amount:    amount,
		Remaining: remaining,
		Deadline:  toUnix(e.Deadline),
		CreatedAt: toUnix(e.CreatedAt),
		Status:    uint8(e.Status),
	}
	if err := m.KVPut(key, &record); err != nil {
		return err
	}
	if !exists {
		var id [8]byte
		binary.BigEndian.PutUint64(id[:], e.BountyID)
		return m.KVAppend(escrowIndexKey, id[:])
	}
	return nil
}

// EscrowGet loads the escrow record for the bounty id.
func (m *Manager) EscrowGet(id uint64) (*escrow.Escrow, bool, error) {
	var stored storedEscrow
	ok, err := m.KVGet(bountyKey(escrowRecordPrefix, id), &stored)
	if err != nil || !ok {
		return nil, ok, err
	}
	return &escrow.Escrow{
		BountyID:        stored.BountyID,
		Depositor:       stored.Depositor,
		Amount:          loadedAmount(stored.Amount),
		RemainingAmount: loadedAmount(stored.Remaining),
		Deadline:        fromUnix(stored.Deadline),
		CreatedAt:       fromUnix(stored.CreatedAt),
		Status:          escrow.Status(stored.Status),
	}, true, nil
}

// EscrowIDs lists every bounty id in creation order.
func (m *Manager) EscrowIDs() ([]uint64, error) {
	var raw [][]byte
	if err := m.KVGetList(escrowIndexKey, &raw); err != nil {
		return nil, err
	}
	ids := make([]uint64, 0, len(raw))
	for _, entry := range raw {
		if len(entry) != 8 {
			return nil, fmt.Errorf("escrow: corrupt index entry %x", entry)
		}
		ids = append(ids, binary.BigEndian.Uint64(entry))
	}
	return ids, nil
}

type storedRefundRecord struct {
	Amount    *big.Int
	Recipient [20]byte
	Mode      uint8
	Timestamp uint64
}

// EscrowRefundAppend appends a record to the bounty's refund history.
func (m *Manager) EscrowRefundAppend(id uint64, rec escrow.RefundRecord) error {
	amount, err := storedAmount(rec.Amount)
	if err != nil {
		return err
	}
	key := bountyKey(escrowRefundsPrefix, id)
	var history []storedRefundRecord
	if err := m.KVGetList(key, &history); err != nil {
		return err
	}
	history = append(history, storedRefundRecord{
		Amount:    amount,
		Recipient: rec.Recipient,
		Mode:      uint8(rec.Mode),
		Timestamp: toUnix(rec.Timestamp),
	})
	return m.KVPut(key, history)
}

// EscrowRefundHistory returns the refund history in execution order.
func (m *Manager) EscrowRefundHistory(id uint64) ([]escrow.RefundRecord, error) {
	var history []storedRefundRecord
	if err := m.KVGetList(bountyKey(escrowRefundsPrefix, id), &history); err != nil {
		return nil, err
	}
	out := make([]escrow.RefundRecord, 0, len(history))
	for _, rec := range history {
		out = append(out, escrow.RefundRecord{
			Amount:    loadedAmount(rec.Amount),
			Recipient: rec.Recipient,
			Mode:      escrow.RefundMode(rec.Mode),
			Timestamp: fromUnix(rec.Timestamp),
		})
	}
	return out, nil
}

type storedRefundApproval struct {
	BountyID   uint64
	Amount     *big.Int
	Recipient  [20]byte
	Mode       uint8
	ApprovedBy [20]byte
	CreatedAt  uint64
}

func (m *Manager) EscrowRefundApprovalPut(a *escrow.RefundApproval) error {
	if a == nil {
		return fmt.Errorf("escrow: nil refund approval")
	}
	amount, err := storedAmount(a.Amount)
	if err != nil {
		return err
	}
	return m.KVPut(bountyKey(escrowRefundApproval, a.BountyID), &storedRefundApproval{
		BountyID:   a.BountyID,
		Amount:     amount,
		Recipient:  a.Recipient,
		Mode:       uint8(a.Mode),
		ApprovedBy: a.ApprovedBy,
		CreatedAt:  toUnix(a.CreatedAt),
	})
}

func (m *Manager) EscrowRefundApprovalGet(id uint64) (*escrow.RefundApproval, bool, error) {
	var stored storedRefundApproval
	ok, err := m.KVGet(bountyKey(escrowRefundApproval, id), &stored)
	if err != nil || !ok {
		return nil, ok, err
	}
	return &escrow.RefundApproval{
		BountyID:   stored.BountyID,
		Amount:     loadedAmount(stored.Amount),
		Recipient:  stored.Recipient,
		Mode:       escrow.RefundMode(stored.Mode),
		ApprovedBy: stored.ApprovedBy,
		CreatedAt:  fromUnix(stored.CreatedAt),
	}, true, nil
}

func (m *Manager) EscrowRefundApprovalDelete(id uint64) error {
	return m.KVDelete(bountyKey(escrowRefundApproval, id))
}

type storedReleaseApproval struct {
	BountyID  uint64
	Amount    *big.Int
	Recipient [20]byte
	Approvals [][20]byte
	CreatedAt uint64
}

func (m *Manager) EscrowReleaseApprovalPut(a *escrow.ReleaseApproval) error {
	if a == nil {
		return fmt.Errorf("escrow: nil release approval")
	}
	amount, err := storedAmount(a.Amount)
	if err != nil {
		return err
	}
	return m.KVPut(bountyKey(escrowReleaseApproval, a.BountyID), &storedReleaseApproval{
		BountyID:  a.BountyID,
		Amount:    amount,
		Recipient: a.Recipient,
		Approvals: append([][20]byte(nil), a.Approvals...),
		CreatedAt: toUnix(a.CreatedAt),
	})
}

func (m *Manager) EscrowReleaseApprovalGet(id uint64) (*escrow.ReleaseApproval, bool, error) {
	var stored storedReleaseApproval
	ok, err := m.KVGet(bountyKey(escrowReleaseApproval, id), &stored)
	if err != nil || !ok {
		return nil, ok, err
	}
	approvals := stored.Approvals
	if approvals == nil {
		approvals = make([][20]byte, 0)
	}
	return &escrow.ReleaseApproval{
		BountyID:  stored.BountyID,
		Amount:    loadedAmount(stored.Amount),
		Recipient: stored.Recipient,
		Approvals: approvals,
		CreatedAt: fromUnix(stored.CreatedAt),
	}, true, nil
}

func (m *Manager) EscrowReleaseApprovalDelete(id uint64) error {
	return m.KVDelete(bountyKey(escrowReleaseApproval, id))
}

type storedClaim struct {
	BountyID  uint64
	Recipient [20]byte
	Amount    *big.Int
	ExpiresAt uint64
	Claimed   bool
	CreatedAt uint64
}

func (m *Manager) EscrowClaimPut(c *escrow.PendingClaim) error {
	if c == nil {
		return fmt.Errorf("escrow: nil claim")
	}
	amount, err := storedAmount(c.Amount)
	if err != nil {
		return err
	}
	return m.KVPut(bountyKey(escrowClaimPrefix, c.BountyID), &storedClaim{
		BountyID:  c.BountyID,
		Recipient: c.Recipient,
		Amount:    amount,
		ExpiresAt: toUnix(c.ExpiresAt),
		Claimed:   c.Claimed,
		CreatedAt: toUnix(c.CreatedAt),
	})
}

func (m *Manager) EscrowClaimGet(id uint64) (*escrow.PendingClaim, bool, error) {
	var stored storedClaim
	ok, err := m.KVGet(bountyKey(escrowClaimPrefix, id), &stored)
	if err != nil || !ok {
		return nil, ok, err
	}
	return &escrow.PendingClaim{
		BountyID:  stored.BountyID,
		Recipient: stored.Recipient,
		Amount:    loadedAmount(stored.Amount),
		ExpiresAt: fromUnix(stored.ExpiresAt),
		Claimed:   stored.Claimed,
		CreatedAt: fromUnix(stored.CreatedAt),
	}, true, nil
}

func (m *Manager) EscrowClaimDelete(id uint64) error {
	return m.KVDelete(bountyKey(escrowClaimPrefix, id))
}

// EscrowClaimWindowPut stores the claim window in seconds.
func (m *Manager) EscrowClaimWindowPut(seconds uint64) error {
	return m.KVPut(escrowClaimWindowKey, seconds)
}

// EscrowClaimWindowGet returns the stored claim window and whether one was
// ever configured.
func (m *Manager) EscrowClaimWindowGet() (uint64, bool, error) {
	var seconds uint64
	ok, err := m.KVGet(escrowClaimWindowKey, &seconds)
	return seconds, ok, err
}

type storedMultisig struct {
	Threshold *big.Int
	Signers   [][20]byte
	Required  uint32
	Enabled   bool
}

func (m *Manager) EscrowMultisigPut(cfg *escrow.MultisigConfig) error {
	if cfg == nil {
		return fmt.Errorf("escrow: nil multisig config")
	}
	threshold, err := storedAmount(cfg.ThresholdAmount)
	if err != nil {
		return err
	}
	return m.KVPut(escrowMultisigKey, &storedMultisig{
		Threshold: threshold,
		Signers:   append([][20]byte(nil), cfg.Signers...),
		Required:  cfg.RequiredApprovals,
		Enabled:   cfg.Enabled,
	})
}

func (m *Manager) EscrowMultisigGet() (*escrow.MultisigConfig, bool, error) {
	var stored storedMultisig
	ok, err := m.KVGet(escrowMultisigKey, &stored)
	if err != nil || !ok {
		return nil, ok, err
	}
	signers := stored.Signers
	if signers == nil {
		signers = make([][20]byte, 0)
	}
	return &escrow.MultisigConfig{
		ThresholdAmount:   loadedAmount(stored.Threshold),
		Signers:           signers,
		RequiredApprovals: stored.Required,
		Enabled:           stored.Enabled,
	}, true, nil
}

type storedPause struct {
	Lock     bool
	Release  bool
	Refund   bool
	Reason   string
	PausedAt uint64
	PausedBy [20]byte
}

func (m *Manager) EscrowPausePut(cfg escrow.PauseConfig) error {
	return m.KVPut(escrowPauseKey, &storedPause{
		Lock:     cfg.LockPaused,
		Release:  cfg.ReleasePaused,
		Refund:   cfg.RefundPaused,
		Reason:   cfg.Reason,
		PausedAt: toUnix(cfg.PausedAt),
		PausedBy: cfg.PausedBy,
	})
}

// EscrowPauseGet returns the pause configuration; absent config means
// nothing is paused.
func (m *Manager) EscrowPauseGet() (escrow.PauseConfig, error) {
	var stored storedPause
	if _, err := m.KVGet(escrowPauseKey, &stored); err != nil {
		return escrow.PauseConfig{}, err
	}
	return escrow.PauseConfig{
		LockPaused:    stored.Lock,
		ReleasePaused: stored.Release,
		RefundPaused:  stored.Refund,
		Reason:        stored.Reason,
		PausedAt:      fromUnix(stored.PausedAt),
		PausedBy:      stored.PausedBy,
	}, nil
}

func (m *Manager) EscrowRateLimitPut(cfg escrow.RateLimitConfig) error {
	return m.KVPut(escrowRateLimitKey, &cfg)
}

func (m *Manager) EscrowRateLimitGet() (escrow.RateLimitConfig, bool, error) {
	var cfg escrow.RateLimitConfig
	ok, err := m.KVGet(escrowRateLimitKey, &cfg)
	return cfg, ok, err
}

func (m *Manager) EscrowRateStatePut(addr [20]byte, st escrow.RateLimitState) error {
	return m.KVPut(addrKey(escrowRateStatePrefix, addr), &st)
}

func (m *Manager) EscrowRateStateGet(addr [20]byte) (escrow.RateLimitState, error) {
	var st escrow.RateLimitState
	_, err := m.KVGet(addrKey(escrowRateStatePrefix, addr), &st)
	return st, err
}

func (m *Manager) EscrowWhitelistSet(addr [20]byte, allowed bool) error {
	key := addrKey(escrowWhitelistPrefix, addr)
	if !allowed {
		return m.KVDelete(key)
	}
	return m.KVPut(key, true)
}

func (m *Manager) EscrowWhitelisted(addr [20]byte) (bool, error) {
	var allowed bool
	ok, err := m.KVGet(addrKey(escrowWhitelistPrefix, addr), &allowed)
	if err != nil {
		return false, err
	}
	return ok && allowed, nil
}

type storedRoleGrant struct {
	GrantedAt uint64
	// ExpiresAt of zero means the grant never lapses.
	ExpiresAt uint64
}

// EscrowRoleGrant records role for addr. expiresAt <= 0 grants permanently.
func (m *Manager) EscrowRoleGrant(role escrow.Role, addr [20]byte, grantedAt, expiresAt int64) error {
	return m.KVPut(roleKey(role, addr), &storedRoleGrant{
		GrantedAt: toUnix(grantedAt),
		ExpiresAt: toUnix(expiresAt),
	})
}

func (m *Manager) EscrowRoleRevoke(role escrow.Role, addr [20]byte) error {
	return m.KVDelete(roleKey(role, addr))
}

// EscrowRoleActive reports whether addr holds role at now.
func (m *Manager) EscrowRoleActive(role escrow.Role, addr [20]byte, now int64) (bool, error) {
	var grant storedRoleGrant
	ok, err := m.KVGet(roleKey(role, addr), &grant)
	if err != nil || !ok {
		return false, err
	}
	if grant.ExpiresAt == 0 {
		return true, nil
	}
	return toUnix(now) < grant.ExpiresAt, nil
}

type storedMeta struct {
	Initialized bool
	Admin       [20]byte
	InitAt      uint64
}

// EscrowMetaPut marks the ledger initialised with admin.
func (m *Manager) EscrowMetaPut(admin [20]byte, at int64) error {
	return m.KVPut(escrowMetaKey, &storedMeta{Initialized: true, Admin: admin, InitAt: toUnix(at)})
}

// EscrowMetaGet returns the initial admin and whether the ledger has been
// initialised.
func (m *Manager) EscrowMetaGet() ([20]byte, bool, error) {
	var meta storedMeta
	ok, err := m.KVGet(escrowMetaKey, &meta)
	if err != nil || !ok {
		return [20]byte{}, false, err
	}
	return meta.Admin, meta.Initialized, nil
}
