package escrow

import "errors"

// Validation failures.
var (
	ErrInvalidAmount         = errors.New("escrow: invalid amount")
	ErrInvalidDeadline       = errors.New("escrow: deadline must be in the future")
	ErrInvalidBatchSize      = errors.New("escrow: invalid batch size")
	ErrDuplicateBountyID     = errors.New("escrow: duplicate bounty id in batch")
	ErrInvalidMultisigConfig = errors.New("escrow: invalid multisig config")
	ErrInvalidRateLimit      = errors.New("escrow: invalid rate limit config")
	ErrInvalidRecipient      = errors.New("escrow: invalid recipient")
)

// State conflicts.
var (
	ErrBountyExists        = errors.New("escrow: bounty already exists")
	ErrBountyNotFound      = errors.New("escrow: bounty not found")
	ErrFundsNotLocked      = errors.New("escrow: funds not locked")
	ErrDeadlineNotPassed   = errors.New("escrow: deadline not passed")
	ErrNoPendingApproval   = errors.New("escrow: no pending release approval")
	ErrAlreadyApproved     = errors.New("escrow: signer already approved")
	ErrRefundNotApproved   = errors.New("escrow: refund not approved")
	ErrNoRefundApproval    = errors.New("escrow: no refund approval")
	ErrClaimNotFound       = errors.New("escrow: no pending claim")
	ErrClaimExpired        = errors.New("escrow: claim window expired")
	ErrClaimAlreadyClaimed = errors.New("escrow: claim already executed")
	ErrNotInitialized      = errors.New("escrow: not initialized")
	ErrAlreadyInitialized  = errors.New("escrow: already initialized")
)

// Authorization failures.
var (
	ErrUnauthorized        = errors.New("escrow: unauthorized")
	ErrNotAuthorizedSigner = errors.New("escrow: not an authorized signer")
	ErrMultisigRequired    = errors.New("escrow: multisig approval required")
)

// Operational gating.
var (
	ErrLockPaused         = errors.New("escrow: lock paused")
	ErrReleasePaused      = errors.New("escrow: release paused")
	ErrRefundPaused       = errors.New("escrow: refund paused")
	ErrCooldownViolation  = errors.New("escrow: cooldown period active")
	ErrRateLimitExceeded  = errors.New("escrow: rate limit exceeded")
	errNilState           = errors.New("escrow engine: state not configured")
	errNilLedger          = errors.New("escrow engine: token ledger not configured")
	errCustodyUnavailable = errors.New("escrow engine: custody address not configured")
)
