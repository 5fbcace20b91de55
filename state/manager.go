package state

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"math/big"
	"sort"
	"strings"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"

	"tradeescrow/native/escrow"
	"tradeescrow/storage"
)

// Manager persists escrow state in a key-value database using canonical RLP
// encoding. It implements the state interface consumed by the escrow engine
// as well as the pause view checked by the mutation guard.
type Manager struct {
	db storage.Database
}

// NewManager creates a state manager operating on the provided database.
func NewManager(db storage.Database) *Manager {
	return &Manager{db: db}
}

var (
	tradePrefix   = []byte("trade:")
	balancePrefix = []byte("balance:")
	custodyPrefix = []byte("custody:")
	rolePrefix    = []byte("role:")
	pausePrefix   = []byte("pause:")
	vaultPrefix   = []byte("vault:")
)

func tradeKey(id [32]byte) []byte {
	buf := make([]byte, len(tradePrefix)+len(id))
	copy(buf, tradePrefix)
	copy(buf[len(tradePrefix):], id[:])
	return ethcrypto.Keccak256(buf)
}

func balanceKey(addr [20]byte, token string) []byte {
	buf := make([]byte, len(balancePrefix)+len(token)+1+len(addr))
	copy(buf, balancePrefix)
	copy(buf[len(balancePrefix):], token)
	buf[len(balancePrefix)+len(token)] = ':'
	copy(buf[len(balancePrefix)+len(token)+1:], addr[:])
	return ethcrypto.Keccak256(buf)
}

func custodyKey(id [32]byte, token string) []byte {
	buf := make([]byte, len(custodyPrefix)+len(token)+1+len(id))
	copy(buf, custodyPrefix)
	copy(buf[len(custodyPrefix):], token)
	buf[len(custodyPrefix)+len(token)] = ':'
	copy(buf[len(custodyPrefix)+len(token)+1:], id[:])
	return ethcrypto.Keccak256(buf)
}

func roleKey(role string) []byte {
	buf := make([]byte, len(rolePrefix)+len(role))
	copy(buf, rolePrefix)
	copy(buf[len(rolePrefix):], role)
	return ethcrypto.Keccak256(buf)
}

func pauseKey(module string) []byte {
	buf := make([]byte, len(pausePrefix)+len(module))
	copy(buf, pausePrefix)
	copy(buf[len(pausePrefix):], module)
	return ethcrypto.Keccak256(buf)
}

// get normalises a database miss to an empty value.
func (m *Manager) get(key []byte) ([]byte, error) {
	data, err := m.db.Get(key)
	if err == storage.ErrKeyNotFound {
		return nil, nil
	}
	return data, err
}

// storedTrade is the canonical RLP representation of a trade record. Signed
// timestamps are carried as big integers because RLP only encodes unsigned
// scalars.
type storedTrade struct {
	ID                [32]byte
	Buyer             [20]byte
	Seller            [20]byte
	Token             string
	Amount            *big.Int
	GSTPercent        uint32
	BuyerGSTVerified  bool
	SellerGSTVerified bool
	TrackingInfo      string
	DisputeReason     string
	ResolutionNotes   string
	CreatedAt         *big.Int
	FundedAt          *big.Int
	Status            uint8
}

func newStoredTrade(t *escrow.Trade) *storedTrade {
	if t == nil {
		return nil
	}
	amount := big.NewInt(0)
	if t.Amount != nil {
		amount = new(big.Int).Set(t.Amount)
	}
	return &storedTrade{
		ID:                t.ID,
		Buyer:             t.Buyer,
		Seller:            t.Seller,
		Token:             t.Token,
		Amount:            amount,
		GSTPercent:        t.GSTPercent,
		BuyerGSTVerified:  t.BuyerGSTVerified,
		SellerGSTVerified: t.SellerGSTVerified,
		TrackingInfo:      t.TrackingInfo,
		DisputeReason:     t.DisputeReason,
		ResolutionNotes:   t.ResolutionNotes,
		CreatedAt:         big.NewInt(t.CreatedAt),
		FundedAt:          big.NewInt(t.FundedAt),
		Status:            uint8(t.Status),
	}
}

func (s *storedTrade) toTrade() (*escrow.Trade, error) {
	if s == nil {
		return nil, fmt.Errorf("state: nil trade record")
	}
	out := &escrow.Trade{
		ID:                s.ID,
		Buyer:             s.Buyer,
		Seller:            s.Seller,
		Token:             s.Token,
		Amount:            big.NewInt(0),
		GSTPercent:        s.GSTPercent,
		BuyerGSTVerified:  s.BuyerGSTVerified,
		SellerGSTVerified: s.SellerGSTVerified,
		TrackingInfo:      s.TrackingInfo,
		DisputeReason:     s.DisputeReason,
		ResolutionNotes:   s.ResolutionNotes,
		Status:            escrow.TradeStatus(s.Status),
	}
	if s.Amount != nil {
		out.Amount = new(big.Int).Set(s.Amount)
	}
	if s.CreatedAt != nil {
		out.CreatedAt = s.CreatedAt.Int64()
	}
	if s.FundedAt != nil {
		out.FundedAt = s.FundedAt.Int64()
	}
	return escrow.SanitizeTrade(out)
}

// TradePut validates and persists the provided trade record.
func (m *Manager) TradePut(t *escrow.Trade) error {
	sanitized, err := escrow.SanitizeTrade(t)
	if err != nil {
		return err
	}
	encoded, err := rlp.EncodeToBytes(newStoredTrade(sanitized))
	if err != nil {
		return err
	}
	return m.db.Put(tradeKey(sanitized.ID), encoded)
}

// TradeGet loads a trade record by identifier. A missing record is reported
// via the boolean rather than an error.
func (m *Manager) TradeGet(id [32]byte) (*escrow.Trade, bool) {
	data, err := m.get(tradeKey(id))
	if err != nil || len(data) == 0 {
		return nil, false
	}
	stored := new(storedTrade)
	if err := rlp.DecodeBytes(data, stored); err != nil {
		return nil, false
	}
	trade, err := stored.toTrade()
	if err != nil {
		return nil, false
	}
	return trade, true
}

// SetBalance stores the token balance of an account.
func (m *Manager) SetBalance(addr [20]byte, token string, amount *big.Int) error {
	normalized, err := escrow.NormalizeToken(token)
	if err != nil {
		return err
	}
	if amount == nil {
		amount = big.NewInt(0)
	}
	if amount.Sign() < 0 {
		return fmt.Errorf("state: negative balance not allowed")
	}
	encoded, err := rlp.EncodeToBytes(amount)
	if err != nil {
		return err
	}
	return m.db.Put(balanceKey(addr, normalized), encoded)
}

// BalanceOf retrieves the token balance of an account, defaulting to zero.
func (m *Manager) BalanceOf(addr [20]byte, token string) (*big.Int, error) {
	normalized, err := escrow.NormalizeToken(token)
	if err != nil {
		return nil, err
	}
	data, err := m.get(balanceKey(addr, normalized))
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return big.NewInt(0), nil
	}
	amount := new(big.Int)
	if err := rlp.DecodeBytes(data, amount); err != nil {
		return nil, err
	}
	return amount, nil
}

// VaultAddress derives the deterministic custody vault address for a token.
func (m *Manager) VaultAddress(token string) ([20]byte, error) {
	normalized, err := escrow.NormalizeToken(token)
	if err != nil {
		return [20]byte{}, err
	}
	buf := make([]byte, len(vaultPrefix)+len(normalized))
	copy(buf, vaultPrefix)
	copy(buf[len(vaultPrefix):], normalized)
	digest := ethcrypto.Keccak256(buf)
	var addr [20]byte
	copy(addr[:], digest[12:])
	return addr, nil
}

func (m *Manager) custodyBalance(id [32]byte, token string) (*big.Int, error) {
	data, err := m.get(custodyKey(id, token))
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return big.NewInt(0), nil
	}
	amount := new(big.Int)
	if err := rlp.DecodeBytes(data, amount); err != nil {
		return nil, err
	}
	return amount, nil
}

func (m *Manager) putCustodyBalance(id [32]byte, token string, amount *big.Int) error {
	encoded, err := rlp.EncodeToBytes(amount)
	if err != nil {
		return err
	}
	return m.db.Put(custodyKey(id, token), encoded)
}

// CustodyBalance reports the amount currently held for the given trade.
func (m *Manager) CustodyBalance(id [32]byte, token string) (*big.Int, error) {
	normalized, err := escrow.NormalizeToken(token)
	if err != nil {
		return nil, err
	}
	return m.custodyBalance(id, normalized)
}

// CustodyCredit records funds entering the per-trade custody ledger.
func (m *Manager) CustodyCredit(id [32]byte, token string, amount *big.Int) error {
	normalized, err := escrow.NormalizeToken(token)
	if err != nil {
		return err
	}
	if amount == nil || amount.Sign() <= 0 {
		return fmt.Errorf("state: custody credit must be positive")
	}
	balance, err := m.custodyBalance(id, normalized)
	if err != nil {
		return err
	}
	return m.putCustodyBalance(id, normalized, new(big.Int).Add(balance, amount))
}

// CustodyDebit records funds leaving the per-trade custody ledger.
func (m *Manager) CustodyDebit(id [32]byte, token string, amount *big.Int) error {
	normalized, err := escrow.NormalizeToken(token)
	if err != nil {
		return err
	}
	if amount == nil || amount.Sign() <= 0 {
		return fmt.Errorf("state: custody debit must be positive")
	}
	balance, err := m.custodyBalance(id, normalized)
	if err != nil {
		return err
	}
	if balance.Cmp(amount) < 0 {
		return fmt.Errorf("state: custody balance underflow")
	}
	return m.putCustodyBalance(id, normalized, new(big.Int).Sub(balance, amount))
}

func (m *Manager) roleMembers(role string) ([][]byte, error) {
	data, err := m.get(roleKey(role))
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return [][]byte{}, nil
	}
	var members [][]byte
	if err := rlp.DecodeBytes(data, &members); err != nil {
		return nil, err
	}
	return members, nil
}

func (m *Manager) writeRoleMembers(role string, members [][]byte) error {
	sort.Slice(members, func(i, j int) bool {
		return hex.EncodeToString(members[i]) < hex.EncodeToString(members[j])
	})
	encoded, err := rlp.EncodeToBytes(members)
	if err != nil {
		return err
	}
	return m.db.Put(roleKey(role), encoded)
}

// RoleGrant associates an address with the specified role. Granting an
// already-held role is a no-op; the returned boolean reports whether the
// membership actually changed. The stored list remains sorted for
// determinism.
func (m *Manager) RoleGrant(role string, addr [20]byte) (bool, error) {
	trimmed := strings.TrimSpace(role)
	if trimmed == "" {
		return false, fmt.Errorf("state: role must not be empty")
	}
	members, err := m.roleMembers(trimmed)
	if err != nil {
		return false, err
	}
	for _, existing := range members {
		if bytes.Equal(existing, addr[:]) {
			return false, nil
		}
	}
	members = append(members, append([]byte(nil), addr[:]...))
	if err := m.writeRoleMembers(trimmed, members); err != nil {
		return false, err
	}
	return true, nil
}

// RoleRevoke removes an address from the specified role. Revoking an unheld
// role is a no-op; the returned boolean reports whether the membership
// actually changed.
func (m *Manager) RoleRevoke(role string, addr [20]byte) (bool, error) {
	trimmed := strings.TrimSpace(role)
	if trimmed == "" {
		return false, fmt.Errorf("state: role must not be empty")
	}
	members, err := m.roleMembers(trimmed)
	if err != nil {
		return false, err
	}
	kept := members[:0]
	removed := false
	for _, existing := range members {
		if bytes.Equal(existing, addr[:]) {
			removed = true
			continue
		}
		kept = append(kept, existing)
	}
	if !removed {
		return false, nil
	}
	if err := m.writeRoleMembers(trimmed, kept); err != nil {
		return false, err
	}
	return true, nil
}

// RoleMembers returns all addresses assigned to the provided role.
func (m *Manager) RoleMembers(role string) ([][20]byte, error) {
	members, err := m.roleMembers(strings.TrimSpace(role))
	if err != nil {
		return nil, err
	}
	out := make([][20]byte, 0, len(members))
	for _, member := range members {
		if len(member) != 20 {
			return nil, fmt.Errorf("state: malformed role member")
		}
		var addr [20]byte
		copy(addr[:], member)
		out = append(out, addr)
	}
	return out, nil
}

// HasRole reports whether the provided address is associated with the
// specified role. Errors while reading the underlying state result in a false
// return, matching the best-effort semantics required by the callers.
func (m *Manager) HasRole(role string, addr [20]byte) bool {
	members, err := m.roleMembers(strings.TrimSpace(role))
	if err != nil {
		return false
	}
	for _, member := range members {
		if bytes.Equal(member, addr[:]) {
			return true
		}
	}
	return false
}

// SetPaused persists the circuit-breaker flag for the named module.
func (m *Manager) SetPaused(module string, paused bool) error {
	trimmed := strings.TrimSpace(module)
	if trimmed == "" {
		return fmt.Errorf("state: module must not be empty")
	}
	encoded, err := rlp.EncodeToBytes(paused)
	if err != nil {
		return err
	}
	return m.db.Put(pauseKey(trimmed), encoded)
}

// Paused reads the persisted circuit-breaker flag for the named module.
func (m *Manager) Paused(module string) (bool, error) {
	data, err := m.get(pauseKey(strings.TrimSpace(module)))
	if err != nil {
		return false, err
	}
	if len(data) == 0 {
		return false, nil
	}
	var paused bool
	if err := rlp.DecodeBytes(data, &paused); err != nil {
		return false, err
	}
	return paused, nil
}

// IsPaused implements the pause view consumed by the mutation guard. Read
// errors are treated as unpaused so queries never fail on pause lookups.
func (m *Manager) IsPaused(module string) bool {
	paused, err := m.Paused(module)
	if err != nil {
		return false
	}
	return paused
}
