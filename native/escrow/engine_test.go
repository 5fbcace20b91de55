package escrow

import (
	"bytes"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"testing"

	"tradeescrow/core/events"
	nativecommon "tradeescrow/native/common"
)

type mockState struct {
	trades   map[[32]byte]*Trade
	balances map[string]map[[20]byte]*big.Int
	custody  map[string]map[[32]byte]*big.Int
	roles    map[string]map[[20]byte]bool
	paused   map[string]bool
}

func newMockState() *mockState {
	return &mockState{
		trades:   make(map[[32]byte]*Trade),
		balances: make(map[string]map[[20]byte]*big.Int),
		custody:  make(map[string]map[[32]byte]*big.Int),
		roles:    make(map[string]map[[20]byte]bool),
		paused:   make(map[string]bool),
	}
}

func (m *mockState) TradePut(t *Trade) error {
	sanitized, err := SanitizeTrade(t)
	if err != nil {
		return err
	}
	m.trades[sanitized.ID] = sanitized.Clone()
	return nil
}

func (m *mockState) TradeGet(id [32]byte) (*Trade, bool) {
	trade, ok := m.trades[id]
	if !ok {
		return nil, false
	}
	return trade.Clone(), true
}

func (m *mockState) SetBalance(addr [20]byte, token string, amount *big.Int) error {
	if m.balances[token] == nil {
		m.balances[token] = make(map[[20]byte]*big.Int)
	}
	m.balances[token][addr] = new(big.Int).Set(amount)
	return nil
}

func (m *mockState) BalanceOf(addr [20]byte, token string) (*big.Int, error) {
	if m.balances[token] == nil || m.balances[token][addr] == nil {
		return big.NewInt(0), nil
	}
	return new(big.Int).Set(m.balances[token][addr]), nil
}

func (m *mockState) VaultAddress(token string) ([20]byte, error) {
	var addr [20]byte
	copy(addr[:], bytes.Repeat([]byte{0xEE}, 20))
	return addr, nil
}

func (m *mockState) CustodyCredit(id [32]byte, token string, amount *big.Int) error {
	if m.custody[token] == nil {
		m.custody[token] = make(map[[32]byte]*big.Int)
	}
	balance := m.custody[token][id]
	if balance == nil {
		balance = big.NewInt(0)
	}
	m.custody[token][id] = new(big.Int).Add(balance, amount)
	return nil
}

func (m *mockState) CustodyDebit(id [32]byte, token string, amount *big.Int) error {
	balance := big.NewInt(0)
	if m.custody[token] != nil && m.custody[token][id] != nil {
		balance = m.custody[token][id]
	}
	if balance.Cmp(amount) < 0 {
		return fmt.Errorf("custody underflow")
	}
	m.custody[token][id] = new(big.Int).Sub(balance, amount)
	return nil
}

func (m *mockState) CustodyBalance(id [32]byte, token string) (*big.Int, error) {
	if m.custody[token] == nil || m.custody[token][id] == nil {
		return big.NewInt(0), nil
	}
	return new(big.Int).Set(m.custody[token][id]), nil
}

func (m *mockState) RoleGrant(role string, addr [20]byte) (bool, error) {
	if m.roles[role] == nil {
		m.roles[role] = make(map[[20]byte]bool)
	}
	if m.roles[role][addr] {
		return false, nil
	}
	m.roles[role][addr] = true
	return true, nil
}

func (m *mockState) RoleRevoke(role string, addr [20]byte) (bool, error) {
	if m.roles[role] == nil || !m.roles[role][addr] {
		return false, nil
	}
	delete(m.roles[role], addr)
	return true, nil
}

func (m *mockState) RoleMembers(role string) ([][20]byte, error) {
	members := make([][20]byte, 0, len(m.roles[role]))
	for addr := range m.roles[role] {
		members = append(members, addr)
	}
	sort.Slice(members, func(i, j int) bool {
		return bytes.Compare(members[i][:], members[j][:]) < 0
	})
	return members, nil
}

func (m *mockState) HasRole(role string, addr [20]byte) bool {
	return m.roles[role] != nil && m.roles[role][addr]
}

func (m *mockState) SetPaused(module string, paused bool) error {
	m.paused[module] = paused
	return nil
}

func (m *mockState) Paused(module string) (bool, error) {
	return m.paused[module], nil
}

func (m *mockState) IsPaused(module string) bool {
	return m.paused[module]
}

type capturingEmitter struct {
	events []events.Event
}

func (c *capturingEmitter) Emit(evt events.Event) {
	c.events = append(c.events, evt)
}

func eventSeen(emitter *capturingEmitter, eventType string) bool {
	for _, evt := range emitter.events {
		if evt.EventType() == eventType {
			return true
		}
	}
	return false
}

func newTestAddress(fill byte) [20]byte {
	var addr [20]byte
	copy(addr[:], bytes.Repeat([]byte{fill}, 20))
	return addr
}

var (
	testAdmin      = newTestAddress(0xA0)
	testPauser     = newTestAddress(0xA1)
	testOracle     = newTestAddress(0xA2)
	testArbitrator = newTestAddress(0xA3)
	testBuyer      = newTestAddress(0x01)
	testSeller     = newTestAddress(0x02)
)

func setupEngine(t *testing.T) (*Engine, *mockState, *capturingEmitter) {
	t.Helper()
	state := newMockState()
	engine := NewEngine()
	engine.SetState(state)
	engine.SetOracle(testOracle)
	emitter := &capturingEmitter{}
	engine.SetEmitter(emitter)
	engine.SetNowFunc(func() int64 { return 1000 })
	state.RoleGrant(RoleAdmin, testAdmin)
	state.RoleGrant(RolePauser, testPauser)
	state.RoleGrant(RoleArbitrator, testArbitrator)
	state.SetBalance(testBuyer, "INR", big.NewInt(1000))
	return engine, state, emitter
}

func createTestTrade(t *testing.T, engine *Engine) *Trade {
	t.Helper()
	nonce := [32]byte{0xAA}
	trade, err := engine.CreateTrade(testBuyer, testSeller, "INR", big.NewInt(100), 18, nonce)
	if err != nil {
		t.Fatalf("CreateTrade: %v", err)
	}
	return trade
}

func fundTestTrade(t *testing.T, engine *Engine) *Trade {
	t.Helper()
	trade := createTestTrade(t, engine)
	if err := engine.FundTrade(trade.ID, testBuyer); err != nil {
		t.Fatalf("FundTrade: %v", err)
	}
	return trade
}

func TestCreateTradeValidation(t *testing.T) {
	engine, _, emitter := setupEngine(t)
	nonce := [32]byte{0x01}
	if _, err := engine.CreateTrade(testBuyer, testBuyer, "INR", big.NewInt(100), 18, nonce); err == nil {
		t.Fatalf("expected error for identical buyer and seller")
	}
	if _, err := engine.CreateTrade(testBuyer, testSeller, "INR", big.NewInt(0), 18, nonce); err == nil {
		t.Fatalf("expected error for zero amount")
	}
	if _, err := engine.CreateTrade(testBuyer, testSeller, "INR", big.NewInt(100), 101, nonce); err == nil {
		t.Fatalf("expected error for gst percentage out of range")
	}
	if _, err := engine.CreateTrade(testBuyer, testSeller, "", big.NewInt(100), 18, nonce); err == nil {
		t.Fatalf("expected error for empty token")
	}
	trade, err := engine.CreateTrade(testBuyer, testSeller, "inr", big.NewInt(100), 18, nonce)
	if err != nil {
		t.Fatalf("CreateTrade: %v", err)
	}
	if trade.Token != "INR" {
		t.Fatalf("expected canonical token, got %s", trade.Token)
	}
	if trade.Status != TradeCreated {
		t.Fatalf("expected TradeCreated, got %v", trade.Status)
	}
	if !eventSeen(emitter, EventTypeTradeCreated) {
		t.Fatalf("expected trade created event")
	}
}

func TestCreateTradeIdempotency(t *testing.T) {
	engine, _, _ := setupEngine(t)
	nonce := [32]byte{0x02}
	first, err := engine.CreateTrade(testBuyer, testSeller, "INR", big.NewInt(100), 18, nonce)
	if err != nil {
		t.Fatalf("CreateTrade: %v", err)
	}
	second, err := engine.CreateTrade(testBuyer, testSeller, "INR", big.NewInt(100), 18, nonce)
	if err != nil {
		t.Fatalf("repeat CreateTrade: %v", err)
	}
	if first.ID != second.ID {
		t.Fatalf("expected identical trade identifiers")
	}
	if _, err := engine.CreateTrade(testBuyer, testSeller, "INR", big.NewInt(200), 18, nonce); err == nil {
		t.Fatalf("expected conflict for differing definition under same identifier")
	}
}

func TestRoleManagement(t *testing.T) {
	engine, state, _ := setupEngine(t)
	target := newTestAddress(0x10)

	if err := engine.GrantRole(testBuyer, RolePauser, target); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized for non-admin grant, got %v", err)
	}
	if state.HasRole(RolePauser, target) {
		t.Fatalf("role must not be granted by unauthorized caller")
	}
	if err := engine.GrantRole(testAdmin, RolePauser, target); err != nil {
		t.Fatalf("GrantRole: %v", err)
	}
	if !engine.HasRole(RolePauser, target) {
		t.Fatalf("expected role to be granted")
	}
	// Duplicate grant and unheld revoke are no-ops, not errors.
	if err := engine.GrantRole(testAdmin, RolePauser, target); err != nil {
		t.Fatalf("duplicate grant: %v", err)
	}
	if err := engine.RevokeRole(testAdmin, RoleArbitrator, target); err != nil {
		t.Fatalf("unheld revoke: %v", err)
	}
	if err := engine.RevokeRole(testAdmin, RolePauser, target); err != nil {
		t.Fatalf("RevokeRole: %v", err)
	}
	if engine.HasRole(RolePauser, target) {
		t.Fatalf("expected role to be revoked")
	}
}

func TestArbitratorManagement(t *testing.T) {
	engine, _, _ := setupEngine(t)
	candidate := newTestAddress(0x11)
	if err := engine.AddArbitrator(testSeller, candidate); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	if err := engine.AddArbitrator(testAdmin, candidate); err != nil {
		t.Fatalf("AddArbitrator: %v", err)
	}
	members, err := engine.RoleMembers(RoleArbitrator)
	if err != nil {
		t.Fatalf("RoleMembers: %v", err)
	}
	found := false
	for _, member := range members {
		if member == candidate {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected candidate in arbitrator set")
	}
	if err := engine.RemoveArbitrator(testAdmin, candidate); err != nil {
		t.Fatalf("RemoveArbitrator: %v", err)
	}
	if engine.HasRole(RoleArbitrator, candidate) {
		t.Fatalf("expected candidate removed from arbitrator set")
	}
}

func TestGuardWithInjectedPauseView(t *testing.T) {
	engine, _, _ := setupEngine(t)
	engine.SetPauses(stubPauseView{modules: map[string]bool{ModuleName: true}})
	nonce := [32]byte{0x03}
	if _, err := engine.CreateTrade(testBuyer, testSeller, "INR", big.NewInt(100), 18, nonce); !errors.Is(err, nativecommon.ErrModulePaused) {
		t.Fatalf("expected ErrModulePaused, got %v", err)
	}
}

type stubPauseView struct {
	modules map[string]bool
}

func (s stubPauseView) IsPaused(module string) bool {
	if s.modules == nil {
		return false
	}
	return s.modules[module]
}
