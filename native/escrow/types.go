package escrow

import (
	"fmt"
	"math/big"
	"strings"
)

// MaxAmount is the largest amount accepted by the ledger (2^127 - 1).
var MaxAmount = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 127), big.NewInt(1))

// Status represents the lifecycle states of a bounty escrow.
type Status uint8

const (
	StatusLocked Status = iota + 1
	StatusReleased
	StatusRefunded
	StatusPartiallyReleased
	StatusPartiallyRefunded
)

// Valid reports whether the status value is within the supported range.
func (s Status) Valid() bool {
	return s >= StatusLocked && s <= StatusPartiallyRefunded
}

func (s Status) String() string {
	switch s {
	case StatusLocked:
		return "locked"
	case StatusReleased:
		return "released"
	case StatusRefunded:
		return "refunded"
	case StatusPartiallyReleased:
		return "partially_released"
	case StatusPartiallyRefunded:
		return "partially_refunded"
	default:
		return fmt.Sprintf("status(%d)", uint8(s))
	}
}

// ParseStatus converts the string form produced by String back to a Status.
func ParseStatus(raw string) (Status, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "locked":
		return StatusLocked, nil
	case "released":
		return StatusReleased, nil
	case "refunded":
		return StatusRefunded, nil
	case "partially_released", "partiallyreleased":
		return StatusPartiallyReleased, nil
	case "partially_refunded", "partiallyrefunded":
		return StatusPartiallyRefunded, nil
	default:
		return 0, fmt.Errorf("escrow: unknown status %q", raw)
	}
}

// Terminal reports whether no further payout can happen.
func (s Status) Terminal() bool {
	return s == StatusReleased || s == StatusRefunded
}

// Releasable reports whether a release may draw from an escrow in this state.
func (s Status) Releasable() bool {
	return s == StatusLocked || s == StatusPartiallyReleased
}

// Refundable reports whether a refund may draw from an escrow in this state.
func (s Status) Refundable() bool {
	return s == StatusLocked || s == StatusPartiallyReleased || s == StatusPartiallyRefunded
}

// Escrow is the ledger record for one bounty.
type Escrow struct {
	BountyID        uint64
	Depositor       [20]byte
	Amount          *big.Int
	RemainingAmount *big.Int
	Deadline        int64
	CreatedAt       int64
	Status          Status
}

// Clone returns a deep copy of the escrow object so callers can safely mutate
// the copy without affecting the stored instance.
func (e *Escrow) Clone() *Escrow {
	if e == nil {
		return nil
	}
	clone := *e
	clone.Amount = cloneBigInt(e.Amount)
	clone.RemainingAmount = cloneBigInt(e.RemainingAmount)
	return &clone
}

// RefundMode identifies how a refund amount and recipient were chosen.
type RefundMode uint8

const (
	RefundModeFull RefundMode = iota + 1
	RefundModePartial
	RefundModeCustom
)

func (m RefundMode) String() string {
	switch m {
	case RefundModeFull:
		return "full"
	case RefundModePartial:
		return "partial"
	case RefundModeCustom:
		return "custom"
	default:
		return fmt.Sprintf("mode(%d)", uint8(m))
	}
}

// ParseRefundMode converts "full", "partial" or "custom" to a RefundMode.
func ParseRefundMode(raw string) (RefundMode, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "full":
		return RefundModeFull, nil
	case "partial":
		return RefundModePartial, nil
	case "custom":
		return RefundModeCustom, nil
	default:
		return 0, fmt.Errorf("escrow: unknown refund mode %q", raw)
	}
}

// RefundRequest selects a refund mode together with the inputs that mode
// requires. Implementations are FullRefund, PartialRefund and CustomRefund.
type RefundRequest interface {
	Mode() RefundMode
}

// FullRefund returns the whole remaining amount to the depositor.
type FullRefund struct{}

func (FullRefund) Mode() RefundMode { return RefundModeFull }

// PartialRefund returns Amount to the depositor.
type PartialRefund struct {
	Amount *big.Int
}

func (PartialRefund) Mode() RefundMode { return RefundModePartial }

// CustomRefund pays Amount to Recipient.
type CustomRefund struct {
	Amount    *big.Int
	Recipient [20]byte
}

func (CustomRefund) Mode() RefundMode { return RefundModeCustom }

// RefundRecord is one executed refund in a bounty's history.
type RefundRecord struct {
	Amount    *big.Int
	Recipient [20]byte
	Mode      RefundMode
	Timestamp int64
}

// RefundApproval authorises a specific refund ahead of the deadline.
type RefundApproval struct {
	BountyID   uint64
	Amount     *big.Int
	Recipient  [20]byte
	Mode       RefundMode
	ApprovedBy [20]byte
	CreatedAt  int64
}

// MultisigConfig gates releases above ThresholdAmount behind
// RequiredApprovals distinct signer approvals.
type MultisigConfig struct {
	ThresholdAmount   *big.Int
	Signers           [][20]byte
	RequiredApprovals uint32
	Enabled           bool
}

// IsSigner reports whether addr belongs to the signer set.
func (c *MultisigConfig) IsSigner(addr [20]byte) bool {
	if c == nil {
		return false
	}
	for _, s := range c.Signers {
		if s == addr {
			return true
		}
	}
	return false
}

// Requires reports whether releasing amount needs multisig approval.
func (c *MultisigConfig) Requires(amount *big.Int) bool {
	if c == nil || !c.Enabled || c.ThresholdAmount == nil || amount == nil {
		return false
	}
	return amount.Cmp(c.ThresholdAmount) > 0
}

// ReleaseApproval tracks signer approvals for a pending high-value release.
type ReleaseApproval struct {
	BountyID  uint64
	Amount    *big.Int
	Recipient [20]byte
	Approvals [][20]byte
	CreatedAt int64
}

// HasApproved reports whether signer already approved.
func (a *ReleaseApproval) HasApproved(signer [20]byte) bool {
	if a == nil {
		return false
	}
	for _, s := range a.Approvals {
		if s == signer {
			return true
		}
	}
	return false
}

// PauseConfig holds the per-operation pause flags.
type PauseConfig struct {
	LockPaused    bool
	ReleasePaused bool
	RefundPaused  bool
	Reason        string
	PausedAt      int64
	PausedBy      [20]byte
}

// FullyPaused reports whether every operation is paused.
func (p PauseConfig) FullyPaused() bool {
	return p.LockPaused && p.ReleasePaused && p.RefundPaused
}

// RateLimitConfig throttles locks per depositor.
type RateLimitConfig struct {
	CooldownPeriod uint64
	WindowSize     uint64
	MaxOperations  uint32
}

// RateLimitState is the per-depositor usage record.
type RateLimitState struct {
	LastOperation  uint64
	WindowStart    uint64
	OperationCount uint32
}

// PendingClaim is a time-bounded right for Recipient to pull the remaining
// amount of a bounty.
type PendingClaim struct {
	BountyID  uint64
	Recipient [20]byte
	Amount    *big.Int
	ExpiresAt int64
	Claimed   bool
	CreatedAt int64
}

// Role names an access-control role.
type Role string

const (
	RoleAdmin    Role = "admin"
	RoleOperator Role = "operator"
	RolePauser   Role = "pauser"
	RoleViewer   Role = "viewer"
)

// ParseRole validates a role name.
func ParseRole(raw string) (Role, error) {
	role := Role(strings.ToLower(strings.TrimSpace(raw)))
	switch role {
	case RoleAdmin, RoleOperator, RolePauser, RoleViewer:
		return role, nil
	default:
		return "", fmt.Errorf("escrow: unknown role %q", raw)
	}
}

// LockItem is one entry of a batch lock.
type LockItem struct {
	BountyID  uint64
	Depositor [20]byte
	Amount    *big.Int
	Deadline  int64
}

// ReleaseItem is one entry of a batch release.
type ReleaseItem struct {
	BountyID    uint64
	Contributor [20]byte
}

// RefundEligibility summarises whether a bounty can currently be refunded.
type RefundEligibility struct {
	CanRefund       bool
	DeadlinePassed  bool
	RemainingAmount *big.Int
	Approval        *RefundApproval
}

// EscrowFilter narrows QueryEscrows results. Zero-valued fields are ignored.
type EscrowFilter struct {
	Status      *Status
	Depositor   *[20]byte
	MinAmount   *big.Int
	MaxAmount   *big.Int
	MinDeadline *int64
	MaxDeadline *int64
}

// Pagination selects a window of results in creation order.
type Pagination struct {
	Offset uint64
	Limit  uint64
}

// Stats aggregates the ledger.
type Stats struct {
	TotalBounties  uint64
	LockedCount    uint64
	ReleasedCount  uint64
	RefundedCount  uint64
	TotalLocked    *big.Int
	TotalReleased  *big.Int
	TotalRefunded  *big.Int
	CustodyBalance *big.Int
}

func cloneBigInt(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(v)
}

// ValidAmount reports whether v lies in (0, MaxAmount].
func ValidAmount(v *big.Int) bool {
	return v != nil && v.Sign() > 0 && v.Cmp(MaxAmount) <= 0
}
