package escrow

import (
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"tradeescrow/core/events"
	"tradeescrow/core/types"
	nativecommon "tradeescrow/native/common"
)

// ModuleName is the pause-domain identifier under which every mutating
// trade operation is guarded.
const ModuleName = "trade"

// Role identifiers understood by the engine. The admin role manages all
// other memberships, the pauser role controls the circuit breaker and the
// arbitrator role resolves disputes. The delivery/compliance oracle is a
// single designated account rather than a role set.
const (
	RoleAdmin      = "escrow.admin"
	RolePauser     = "escrow.pauser"
	RoleArbitrator = "escrow.arbitrator"
)

// ReleasePolicy selects which caller may trigger the release of delivered,
// compliance-cleared funds to the seller.
type ReleasePolicy uint8

const (
	ReleaseByEither ReleasePolicy = iota
	ReleaseByBuyer
	ReleaseByOracle
)

// Valid reports whether the policy value is within the supported range.
func (p ReleasePolicy) Valid() bool {
	switch p {
	case ReleaseByEither, ReleaseByBuyer, ReleaseByOracle:
		return true
	default:
		return false
	}
}

// String returns the canonical lowercase name of the policy.
func (p ReleasePolicy) String() string {
	switch p {
	case ReleaseByBuyer:
		return "buyer"
	case ReleaseByOracle:
		return "oracle"
	case ReleaseByEither:
		return "either"
	default:
		return fmt.Sprintf("policy(%d)", uint8(p))
	}
}

// ParseReleasePolicy maps a configuration string onto a release policy.
func ParseReleasePolicy(value string) (ReleasePolicy, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "", "either":
		return ReleaseByEither, nil
	case "buyer":
		return ReleaseByBuyer, nil
	case "oracle":
		return ReleaseByOracle, nil
	default:
		return ReleaseByEither, fmt.Errorf("escrow: unknown release policy %q", value)
	}
}

type engineState interface {
	nativecommon.PauseView
	TradePut(*Trade) error
	TradeGet([32]byte) (*Trade, bool)
	SetBalance(addr [20]byte, token string, amount *big.Int) error
	BalanceOf(addr [20]byte, token string) (*big.Int, error)
	VaultAddress(token string) ([20]byte, error)
	CustodyCredit(id [32]byte, token string, amount *big.Int) error
	CustodyDebit(id [32]byte, token string, amount *big.Int) error
	CustodyBalance(id [32]byte, token string) (*big.Int, error)
	RoleGrant(role string, addr [20]byte) (bool, error)
	RoleRevoke(role string, addr [20]byte) (bool, error)
	RoleMembers(role string) ([][20]byte, error)
	HasRole(role string, addr [20]byte) bool
	SetPaused(module string, paused bool) error
	Paused(module string) (bool, error)
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

// Engine wires the trade escrow state machine with external state and event
// emitters. Every mutating operation is serialised behind a single lock so
// each call either fully applies or fully fails before the next call is
// considered.
type Engine struct {
	mu            sync.RWMutex
	state         engineState
	emitter       events.Emitter
	oracle        [20]byte
	feeTreasury   [20]byte
	feeBps        uint32
	releasePolicy ReleasePolicy
	pauses        nativecommon.PauseView
	nowFn         func() int64
}

// NewEngine creates a trade escrow engine with a no-op emitter. Callers can
// override the emitter via SetEmitter.
func NewEngine() *Engine {
	return &Engine{
		emitter:       events.NoopEmitter{},
		releasePolicy: ReleaseByEither,
		nowFn:         func() int64 { return time.Now().Unix() },
	}
}

// SetState configures the state backend used by the engine. The backend also
// serves as the default pause view unless SetPauses overrides it.
func (e *Engine) SetState(state engineState) { e.state = state }

// SetEmitter configures the event emitter used by the engine. Passing nil
// resets the emitter to a no-op implementation.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		e.emitter = events.NoopEmitter{}
		return
	}
	e.emitter = emitter
}

// SetOracle designates the external account trusted to confirm delivery and
// compliance status.
func (e *Engine) SetOracle(addr [20]byte) { e.oracle = addr }

// Oracle returns the designated oracle account.
func (e *Engine) Oracle() [20]byte {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.oracle
}

// SetFeeTreasury configures the address that receives arbitration fees.
func (e *Engine) SetFeeTreasury(addr [20]byte) { e.feeTreasury = addr }

// SetFeeBps configures the fee, in basis points, deducted from seller
// payouts in favour of the treasury.
func (e *Engine) SetFeeBps(bps uint32) error {
	if bps > 10_000 {
		return fmt.Errorf("escrow: fee bps out of range")
	}
	e.feeBps = bps
	return nil
}

// SetReleasePolicy configures which caller may release delivered funds.
func (e *Engine) SetReleasePolicy(policy ReleasePolicy) error {
	if !policy.Valid() {
		return fmt.Errorf("escrow: invalid release policy %d", policy)
	}
	e.releasePolicy = policy
	return nil
}

// SetPauses overrides the pause view checked before every mutation,
// primarily used in tests. When unset the state backend's persisted flag is
// consulted.
func (e *Engine) SetPauses(p nativecommon.PauseView) { e.pauses = p }

// SetNowFunc overrides the time source, primarily used in tests.
func (e *Engine) SetNowFunc(now func() int64) {
	if now == nil {
		e.nowFn = func() int64 { return time.Now().Unix() }
		return
	}
	e.nowFn = now
}

func (e *Engine) pauseView() nativecommon.PauseView {
	if e.pauses != nil {
		return e.pauses
	}
	return e.state
}

func (e *Engine) guard() error {
	if e.state == nil {
		return errNilState
	}
	return nativecommon.Guard(e.pauseView(), ModuleName)
}

func (e *Engine) emit(evt *types.Event) {
	if e == nil || e.emitter == nil || evt == nil {
		return
	}
	e.emitter.Emit(escrowEvent{evt: evt})
}

func (e *Engine) now() int64 {
	if e == nil || e.nowFn == nil {
		return time.Now().Unix()
	}
	return e.nowFn()
}

func (e *Engine) requireRole(role string, caller [20]byte) error {
	if e.state != nil && e.state.HasRole(role, caller) {
		return nil
	}
	return fmt.Errorf("%w: account %x missing role %s", ErrUnauthorized, caller, role)
}

func (e *Engine) loadTrade(id [32]byte) (*Trade, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	trade, ok := e.state.TradeGet(id)
	if !ok {
		return nil, ErrTradeNotFound
	}
	return SanitizeTrade(trade)
}

func cloneBigInt(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(v)
}

// transferToken moves a balance between two accounts, failing without side
// effects when the source balance is insufficient.
func (e *Engine) transferToken(from, to [20]byte, token string, amount *big.Int) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	amt := cloneBigInt(amount)
	if amt.Sign() == 0 {
		return nil
	}
	if amt.Sign() < 0 {
		return fmt.Errorf("escrow: negative transfer amount")
	}
	normalized, err := NormalizeToken(token)
	if err != nil {
		return err
	}
	fromBalance, err := e.state.BalanceOf(from, normalized)
	if err != nil {
		return err
	}
	if fromBalance.Cmp(amt) < 0 {
		return fmt.Errorf("escrow: insufficient balance")
	}
	toBalance, err := e.state.BalanceOf(to, normalized)
	if err != nil {
		return err
	}
	if err := e.state.SetBalance(from, normalized, new(big.Int).Sub(fromBalance, amt)); err != nil {
		return err
	}
	return e.state.SetBalance(to, normalized, new(big.Int).Add(toBalance, amt))
}

// GrantRole associates an account with a role. Only admin-role holders may
// manage membership; granting an already-held role is a no-op.
func (e *Engine) GrantRole(caller [20]byte, role string, account [20]byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == nil {
		return errNilState
	}
	if err := e.requireRole(RoleAdmin, caller); err != nil {
		return err
	}
	_, err := e.state.RoleGrant(role, account)
	return err
}

// RevokeRole removes an account from a role. Only admin-role holders may
// manage membership; revoking an unheld role is a no-op.
func (e *Engine) RevokeRole(caller [20]byte, role string, account [20]byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == nil {
		return errNilState
	}
	if err := e.requireRole(RoleAdmin, caller); err != nil {
		return err
	}
	_, err := e.state.RoleRevoke(role, account)
	return err
}

// BootstrapRole seeds a role membership without an authorization check. It
// is intended for genesis wiring before any admin exists and must not be
// exposed to external callers.
func (e *Engine) BootstrapRole(role string, account [20]byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == nil {
		return errNilState
	}
	_, err := e.state.RoleGrant(role, account)
	return err
}

// AddArbitrator grants the arbitrator role to the account. Admin only.
func (e *Engine) AddArbitrator(caller, account [20]byte) error {
	return e.GrantRole(caller, RoleArbitrator, account)
}

// RemoveArbitrator revokes the arbitrator role from the account. Admin only.
func (e *Engine) RemoveArbitrator(caller, account [20]byte) error {
	return e.RevokeRole(caller, RoleArbitrator, account)
}

// HasRole reports whether the account currently holds the role. Never gated.
func (e *Engine) HasRole(role string, account [20]byte) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.state == nil {
		return false
	}
	return e.state.HasRole(role, account)
}

// RoleMembers returns the accounts holding the role. Never gated.
func (e *Engine) RoleMembers(role string) ([][20]byte, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.state == nil {
		return nil, errNilState
	}
	return e.state.RoleMembers(role)
}

// Pause engages the circuit breaker, freezing every custody-affecting
// operation until Unpause. Pauser role only; pausing an already-paused
// engine is a state-conflict error.
func (e *Engine) Pause(caller [20]byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == nil {
		return errNilState
	}
	if err := e.requireRole(RolePauser, caller); err != nil {
		return err
	}
	paused, err := e.state.Paused(ModuleName)
	if err != nil {
		return err
	}
	if paused {
		return ErrAlreadyPaused
	}
	if err := e.state.SetPaused(ModuleName, true); err != nil {
		return err
	}
	e.emit(NewPausedEvent(caller))
	return nil
}

// Unpause disengages the circuit breaker. Pauser role only; unpausing an
// engine that is not paused is a state-conflict error.
func (e *Engine) Unpause(caller [20]byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == nil {
		return errNilState
	}
	if err := e.requireRole(RolePauser, caller); err != nil {
		return err
	}
	paused, err := e.state.Paused(ModuleName)
	if err != nil {
		return err
	}
	if !paused {
		return ErrNotPaused
	}
	if err := e.state.SetPaused(ModuleName, false); err != nil {
		return err
	}
	e.emit(NewUnpausedEvent(caller))
	return nil
}

// Paused reports whether the circuit breaker is engaged. Never gated.
func (e *Engine) Paused() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.state == nil {
		return false
	}
	return e.pauseView().IsPaused(ModuleName)
}
