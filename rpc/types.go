package rpc

import (
	"fmt"
	"math/big"
	"strconv"
	"strings"

	"bountyescrow/crypto"
	"bountyescrow/native/escrow"
	"bountyescrow/storage/eventlog"
)

func parseAddress(field, raw string) ([20]byte, error) {
	addr, err := crypto.ParseAddress(raw)
	if err != nil {
		return [20]byte{}, fmt.Errorf("%s: %w", field, err)
	}
	return addr, nil
}

// parseAmount parses a decimal string. Range checks are left to the engine
// so the wire error matches the ledger's.
func parseAmount(field, raw string) (*big.Int, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, fmt.Errorf("%s required", field)
	}
	v, ok := new(big.Int).SetString(trimmed, 10)
	if !ok {
		return nil, fmt.Errorf("%s: invalid integer %q", field, raw)
	}
	return v, nil
}

func parseBountyID(raw string) (uint64, error) {
	id, err := strconv.ParseUint(strings.TrimSpace(raw), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("bountyId: %w", err)
	}
	return id, nil
}

func formatAmount(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

func formatAddr(a [20]byte) string {
	if a == ([20]byte{}) {
		return ""
	}
	return crypto.FormatAddress(a)
}

type escrowJSON struct {
	BountyID        string `json:"bountyId"`
	Depositor       string `json:"depositor"`
	Amount          string `json:"amount"`
	RemainingAmount string `json:"remainingAmount"`
	Deadline        int64  `json:"deadline"`
	CreatedAt       int64  `json:"createdAt"`
	Status          string `json:"status"`
}

func escrowToJSON(esc *escrow.Escrow) escrowJSON {
	return escrowJSON{
		BountyID:        strconv.FormatUint(esc.BountyID, 10),
		Depositor:       formatAddr(esc.Depositor),
		Amount:          formatAmount(esc.Amount),
		RemainingAmount: formatAmount(esc.RemainingAmount),
		Deadline:        esc.Deadline,
		CreatedAt:       esc.CreatedAt,
		Status:          esc.Status.String(),
	}
}

type refundRecordJSON struct {
	Amount    string `json:"amount"`
	Recipient string `json:"recipient"`
	Mode      string `json:"mode"`
	Timestamp int64  `json:"timestamp"`
}

type refundApprovalJSON struct {
	BountyID   string `json:"bountyId"`
	Amount     string `json:"amount"`
	Recipient  string `json:"recipient"`
	Mode       string `json:"mode"`
	ApprovedBy string `json:"approvedBy"`
	CreatedAt  int64  `json:"createdAt"`
}

func refundApprovalToJSON(a *escrow.RefundApproval) *refundApprovalJSON {
	if a == nil {
		return nil
	}
	return &refundApprovalJSON{
		BountyID:   strconv.FormatUint(a.BountyID, 10),
		Amount:     formatAmount(a.Amount),
		Recipient:  formatAddr(a.Recipient),
		Mode:       a.Mode.String(),
		ApprovedBy: formatAddr(a.ApprovedBy),
		CreatedAt:  a.CreatedAt,
	}
}

type eligibilityJSON struct {
	CanRefund       bool                `json:"canRefund"`
	DeadlinePassed  bool                `json:"deadlinePassed"`
	RemainingAmount string              `json:"remainingAmount"`
	Approval        *refundApprovalJSON `json:"approval,omitempty"`
}

type releaseApprovalJSON struct {
	BountyID  string   `json:"bountyId"`
	Amount    string   `json:"amount"`
	Recipient string   `json:"recipient"`
	Approvals []string `json:"approvals"`
	CreatedAt int64    `json:"createdAt"`
}

type claimJSON struct {
	BountyID  string `json:"bountyId"`
	Recipient string `json:"recipient"`
	Amount    string `json:"amount"`
	ExpiresAt int64  `json:"expiresAt"`
	Claimed   bool   `json:"claimed"`
	CreatedAt int64  `json:"createdAt"`
}

type pauseJSON struct {
	LockPaused    bool   `json:"lockPaused"`
	ReleasePaused bool   `json:"releasePaused"`
	RefundPaused  bool   `json:"refundPaused"`
	Reason        string `json:"reason,omitempty"`
	PausedAt      int64  `json:"pausedAt,omitempty"`
	PausedBy      string `json:"pausedBy,omitempty"`
}

type multisigJSON struct {
	ThresholdAmount   string   `json:"thresholdAmount"`
	Signers           []string `json:"signers"`
	RequiredApprovals uint32   `json:"requiredApprovals"`
	Enabled           bool     `json:"enabled"`
}

type rateLimitJSON struct {
	CooldownPeriod uint64 `json:"cooldownPeriod"`
	WindowSize     uint64 `json:"windowSize"`
	MaxOperations  uint32 `json:"maxOperations"`
}

type statsJSON struct {
	TotalBounties  uint64 `json:"totalBounties"`
	LockedCount    uint64 `json:"lockedCount"`
	ReleasedCount  uint64 `json:"releasedCount"`
	RefundedCount  uint64 `json:"refundedCount"`
	TotalLocked    string `json:"totalLocked"`
	TotalReleased  string `json:"totalReleased"`
	TotalRefunded  string `json:"totalRefunded"`
	CustodyBalance string `json:"custodyBalance"`
}

type eventRecordJSON struct {
	Seq        uint64            `json:"seq"`
	Type       string            `json:"type"`
	Timestamp  int64             `json:"timestamp"`
	Attributes map[string]string `json:"attributes"`
	Hash       string            `json:"hash"`
	PrevHash   string            `json:"prevHash,omitempty"`
}

func eventRecordToJSON(rec eventlog.Record) (eventRecordJSON, error) {
	evt, err := rec.Event()
	if err != nil {
		return eventRecordJSON{}, err
	}
	return eventRecordJSON{
		Seq:        rec.Seq,
		Type:       rec.Type,
		Timestamp:  rec.Timestamp,
		Attributes: evt.Attributes,
		Hash:       rec.Hash,
		PrevHash:   rec.PrevHash,
	}, nil
}
