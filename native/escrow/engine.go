package escrow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"bountyescrow/core/caller"
	"bountyescrow/core/events"
	"bountyescrow/core/types"
	"bountyescrow/native/common"
	"bountyescrow/observability"
)

const (
	// DefaultClaimWindow is applied until an administrator sets one.
	DefaultClaimWindow = 24 * time.Hour
	// DefaultRoleTTL bounds non-initial role grants.
	DefaultRoleTTL = 30 * 24 * time.Hour
	// DefaultMaxBatchSize caps batch lock and release lists.
	DefaultMaxBatchSize = 100

	tracerName = "bountyescrow/native/escrow"
)

type engineState interface {
	EscrowPut(*Escrow) error
	EscrowGet(id uint64) (*Escrow, bool, error)
	EscrowIDs() ([]uint64, error)
	EscrowRefundAppend(id uint64, rec RefundRecord) error
	EscrowRefundHistory(id uint64) ([]RefundRecord, error)
	EscrowRefundApprovalPut(*RefundApproval) error
	EscrowRefundApprovalGet(id uint64) (*RefundApproval, bool, error)
	EscrowRefundApprovalDelete(id uint64) error
	EscrowReleaseApprovalPut(*ReleaseApproval) error
	EscrowReleaseApprovalGet(id uint64) (*ReleaseApproval, bool, error)
	EscrowReleaseApprovalDelete(id uint64) error
	EscrowClaimPut(*PendingClaim) error
	EscrowClaimGet(id uint64) (*PendingClaim, bool, error)
	EscrowClaimDelete(id uint64) error
	EscrowClaimWindowPut(seconds uint64) error
	EscrowClaimWindowGet() (uint64, bool, error)
	EscrowMultisigPut(*MultisigConfig) error
	EscrowMultisigGet() (*MultisigConfig, bool, error)
	EscrowPausePut(PauseConfig) error
	EscrowPauseGet() (PauseConfig, error)
	EscrowRateLimitPut(RateLimitConfig) error
	EscrowRateLimitGet() (RateLimitConfig, bool, error)
	EscrowRateStatePut(addr [20]byte, st RateLimitState) error
	EscrowRateStateGet(addr [20]byte) (RateLimitState, error)
	EscrowWhitelistSet(addr [20]byte, allowed bool) error
	EscrowWhitelisted(addr [20]byte) (bool, error)
	EscrowRoleGrant(role Role, addr [20]byte, grantedAt, expiresAt int64) error
	EscrowRoleRevoke(role Role, addr [20]byte) error
	EscrowRoleActive(role Role, addr [20]byte, now int64) (bool, error)
	EscrowMetaPut(admin [20]byte, at int64) error
	EscrowMetaGet() ([20]byte, bool, error)
	Commit() error
	Rollback()
}

// TokenLedger is the value-transfer primitive holding depositor, custody and
// recipient balances.
type TokenLedger interface {
	Balance(addr [20]byte) (*big.Int, error)
	Transfer(from, to [20]byte, amount *big.Int) error
}

type escrowEvent struct {
	evt *types.Event
}

func (e escrowEvent) EventType() string {
	if e.evt == nil {
		return ""
	}
	return e.evt.Type
}

func (e escrowEvent) Event() *types.Event { return e.evt }

// Engine wires the escrow business logic with external state, the token
// ledger and event emitters. Calls are serialised; each mutating call runs
// inside one state journal that is committed on success and rolled back on
// any error, so failures leave storage and custody untouched. Events are
// published only after a successful commit.
type Engine struct {
	mu sync.Mutex

	state   engineState
	ledger  TokenLedger
	emitter events.Emitter
	custody [20]byte
	nowFn   func() int64
	logger  *slog.Logger
	metrics *observability.EscrowMetrics

	roleTTL          time.Duration
	claimWindow      time.Duration
	maxBatchSize     int
	defaultRateLimit RateLimitConfig

	deferred []func()
}

// NewEngine creates an escrow engine with a no-op emitter. Callers can override
// the emitter via SetEmitter.
func NewEngine() *Engine {
	limit := common.DefaultRateLimit()
	return &Engine{
		emitter:      events.NoopEmitter{},
		nowFn:        func() int64 { return time.Now().Unix() },
		logger:       slog.Default(),
		metrics:      observability.Escrow(),
		roleTTL:      DefaultRoleTTL,
		claimWindow:  DefaultClaimWindow,
		maxBatchSize: DefaultMaxBatchSize,
		defaultRateLimit: RateLimitConfig{
			CooldownPeriod: limit.CooldownSeconds,
			WindowSize:     limit.WindowSeconds,
			MaxOperations:  limit.MaxOperations,
		},
	}
}

// SetState configures the state backend used by the engine.
func (e *Engine) SetState(state engineState) { e.state = state }

// SetLedger configures the token ledger funds move through.
func (e *Engine) SetLedger(ledger TokenLedger) { e.ledger = ledger }

// SetCustody configures the account holding locked funds.
func (e *Engine) SetCustody(addr [20]byte) { e.custody = addr }

// Custody returns the custody account.
func (e *Engine) Custody() [20]byte { return e.custody }

// SetNowFunc overrides the time source used by the engine. Primarily intended
// for tests to provide deterministic timestamps.
func (e *Engine) SetNowFunc(now func() int64) {
	if now == nil {
		e.nowFn = func() int64 { return time.Now().Unix() }
		return
	}
	e.nowFn = now
}

// SetEmitter configures the event emitter used by the engine. Passing nil resets
// the emitter to a no-op implementation.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		e.emitter = events.NoopEmitter{}
		return
	}
	e.emitter = emitter
}

// SetLogger replaces the engine logger. Nil restores slog.Default.
func (e *Engine) SetLogger(logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}
	e.logger = logger.With("component", "escrow")
}

// SetRoleTTL sets the lifetime of role grants. Zero grants permanently.
func (e *Engine) SetRoleTTL(ttl time.Duration) {
	if ttl < 0 {
		ttl = 0
	}
	e.roleTTL = ttl
}

// SetDefaultClaimWindow sets the window used until SetClaimWindow is called.
func (e *Engine) SetDefaultClaimWindow(window time.Duration) {
	if window < 0 {
		window = 0
	}
	e.claimWindow = window
}

// SetMaxBatchSize caps batch lists. Non-positive values restore the default.
func (e *Engine) SetMaxBatchSize(n int) {
	if n <= 0 {
		n = DefaultMaxBatchSize
	}
	e.maxBatchSize = n
}

// SetDefaultRateLimit sets the throttle used until SetRateLimitConfig is
// called.
func (e *Engine) SetDefaultRateLimit(cfg RateLimitConfig) { e.defaultRateLimit = cfg }

func (e *Engine) now() int64 {
	if e == nil || e.nowFn == nil {
		return time.Now().Unix()
	}
	return e.nowFn()
}

func (e *Engine) ready() error {
	if e == nil || e.state == nil {
		return errNilState
	}
	if e.ledger == nil {
		return errNilLedger
	}
	if e.custody == ([20]byte{}) {
		return errCustodyUnavailable
	}
	return nil
}

// queue defers evt until the surrounding operation commits.
func (e *Engine) queue(evt *types.Event) {
	if evt == nil {
		return
	}
	e.deferred = append(e.deferred, func() {
		e.emitter.Emit(escrowEvent{evt: evt})
	})
}

func (e *Engine) afterCommit(fn func()) {
	e.deferred = append(e.deferred, fn)
}

// apply runs fn under the engine lock inside a state journal.
func (e *Engine) apply(ctx context.Context, op string, fn func(ctx context.Context, now int64) error) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, span := otel.Tracer(tracerName).Start(ctx, "escrow."+op)
	defer span.End()
	start := time.Now()

	e.mu.Lock()
	defer e.mu.Unlock()

	err := e.ready()
	if err == nil && op != opInitialize {
		err = e.requireInitialized()
	}
	if err == nil {
		e.deferred = e.deferred[:0]
		err = fn(ctx, e.now())
		if err == nil {
			err = e.state.Commit()
		}
	}
	if err != nil {
		if e.state != nil {
			e.state.Rollback()
		}
		e.deferred = nil
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		e.metrics.ObserveOperation(op, err, time.Since(start))
		e.logger.Debug("escrow operation rejected", "operation", op, "error", err)
		return err
	}
	for _, fn := range e.deferred {
		fn()
	}
	e.deferred = nil
	e.metrics.ObserveOperation(op, nil, time.Since(start))
	span.SetAttributes(attribute.Bool("escrow.committed", true))
	return nil
}

// view runs a read-only fn under the engine lock.
func (e *Engine) view(fn func(now int64) error) error {
	if e == nil {
		return errNilState
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == nil {
		return errNilState
	}
	return fn(e.now())
}

func (e *Engine) loadEscrow(id uint64) (*Escrow, error) {
	esc, ok, err := e.state.EscrowGet(id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrBountyNotFound
	}
	return esc, nil
}

func (e *Engine) loadReleasable(id uint64) (*Escrow, error) {
	esc, err := e.loadEscrow(id)
	if err != nil {
		return nil, err
	}
	if !esc.Status.Releasable() {
		return nil, ErrFundsNotLocked
	}
	return esc, nil
}

func (e *Engine) transfer(from, to [20]byte, amount *big.Int) error {
	if amount == nil || amount.Sign() == 0 {
		return nil
	}
	if err := e.ledger.Transfer(from, to, amount); err != nil {
		return fmt.Errorf("escrow: transfer: %w", err)
	}
	return nil
}

func (e *Engine) checkPause(module string) error {
	cfg, err := e.state.EscrowPauseGet()
	if err != nil {
		return err
	}
	flags := common.PauseFlags{Lock: cfg.LockPaused, Release: cfg.ReleasePaused, Refund: cfg.RefundPaused}
	if !errors.Is(common.Guard(flags, module), common.ErrModulePaused) {
		return nil
	}
	switch module {
	case common.ModuleLock:
		return ErrLockPaused
	case common.ModuleRelease:
		return ErrReleasePaused
	default:
		return ErrRefundPaused
	}
}

// clearPending drops every single-slot pending record once a bounty can no
// longer pay out.
func (e *Engine) clearPending(id uint64) error {
	if err := e.state.EscrowReleaseApprovalDelete(id); err != nil {
		return err
	}
	if err := e.state.EscrowRefundApprovalDelete(id); err != nil {
		return err
	}
	return e.state.EscrowClaimDelete(id)
}

// payable reports whether addr may receive funds out of custody. Paying the
// custody account itself would mark funds as paid while they stay locked.
func (e *Engine) payable(addr [20]byte) bool {
	return addr != ([20]byte{}) && addr != e.custody
}

func (e *Engine) validateLock(depositor [20]byte, bountyID uint64, amount *big.Int, deadline, now int64) error {
	if !e.payable(depositor) {
		return ErrInvalidRecipient
	}
	if !ValidAmount(amount) {
		return ErrInvalidAmount
	}
	if deadline <= now {
		return ErrInvalidDeadline
	}
	_, exists, err := e.state.EscrowGet(bountyID)
	if err != nil {
		return err
	}
	if exists {
		return ErrBountyExists
	}
	return nil
}

func (e *Engine) lockFunds(depositor [20]byte, bountyID uint64, amount *big.Int, deadline, now int64) (*Escrow, error) {
	if err := e.transfer(depositor, e.custody, amount); err != nil {
		return nil, err
	}
	esc := &Escrow{
		BountyID:        bountyID,
		Depositor:       depositor,
		Amount:          cloneBigInt(amount),
		RemainingAmount: cloneBigInt(amount),
		Deadline:        deadline,
		CreatedAt:       now,
		Status:          StatusLocked,
	}
	if err := e.state.EscrowPut(esc); err != nil {
		return nil, err
	}
	locked := cloneBigInt(amount)
	e.afterCommit(func() { e.metrics.RecordFunds("lock", locked) })
	e.queue(NewLockedEvent(esc, now))
	return esc, nil
}

// Lock moves amount from depositor into custody against bountyID. The
// depositor must be an authenticated principal on ctx.
func (e *Engine) Lock(ctx context.Context, depositor [20]byte, bountyID uint64, amount *big.Int, deadline int64) error {
	return e.apply(ctx, "lock", func(ctx context.Context, now int64) error {
		if err := e.validateLock(depositor, bountyID, amount, deadline, now); err != nil {
			return err
		}
		if !caller.IsAuthenticated(ctx, depositor) {
			return ErrUnauthorized
		}
		if err := e.checkPause(common.ModuleLock); err != nil {
			return err
		}
		if err := e.consumeRateLimit(depositor, now); err != nil {
			return err
		}
		_, err := e.lockFunds(depositor, bountyID, amount, deadline, now)
		return err
	})
}

// Release pays the full remaining amount to contributor.
func (e *Engine) Release(ctx context.Context, bountyID uint64, contributor [20]byte) error {
	return e.release(ctx, "release", bountyID, contributor, nil)
}

// ReleasePartial pays amount to contributor, leaving the rest locked.
// Amounts above the remaining balance are rejected, never clamped.
func (e *Engine) ReleasePartial(ctx context.Context, bountyID uint64, contributor [20]byte, amount *big.Int) error {
	if amount == nil {
		return ErrInvalidAmount
	}
	return e.release(ctx, "release_partial", bountyID, contributor, amount)
}

func (e *Engine) release(ctx context.Context, op string, bountyID uint64, contributor [20]byte, partial *big.Int) error {
	return e.apply(ctx, op, func(ctx context.Context, now int64) error {
		if !e.payable(contributor) {
			return ErrInvalidRecipient
		}
		if partial != nil && !ValidAmount(partial) {
			return ErrInvalidAmount
		}
		esc, err := e.loadReleasable(bountyID)
		if err != nil {
			return err
		}
		amount := esc.RemainingAmount
		if partial != nil {
			if partial.Cmp(esc.RemainingAmount) > 0 {
				return ErrInvalidAmount
			}
			amount = partial
		}
		actor, err := e.authorizeRoles(ctx, now, RoleAdmin, RoleOperator)
		if err != nil {
			return err
		}
		cfg, _, err := e.state.EscrowMultisigGet()
		if err != nil {
			return err
		}
		if cfg.Requires(amount) {
			return ErrMultisigRequired
		}
		if err := e.checkPause(common.ModuleRelease); err != nil {
			return err
		}
		return e.payout(esc, contributor, amount, actor, now)
	})
}

// payout moves amount from custody to recipient and records the release.
func (e *Engine) payout(esc *Escrow, recipient [20]byte, amount *big.Int, actor [20]byte, now int64) error {
	if amount.Cmp(esc.RemainingAmount) > 0 {
		return ErrInvalidAmount
	}
	if err := e.transfer(e.custody, recipient, amount); err != nil {
		return err
	}
	esc.RemainingAmount = new(big.Int).Sub(esc.RemainingAmount, amount)
	if esc.RemainingAmount.Sign() == 0 {
		esc.Status = StatusReleased
	} else {
		esc.Status = StatusPartiallyReleased
	}
	if err := e.state.EscrowPut(esc); err != nil {
		return err
	}
	if esc.Status.Terminal() {
		if err := e.clearPending(esc.BountyID); err != nil {
			return err
		}
	}
	paid := cloneBigInt(amount)
	e.afterCommit(func() { e.metrics.RecordFunds("release", paid) })
	e.queue(NewReleasedEvent(esc, recipient, amount, actor, now))
	return nil
}
