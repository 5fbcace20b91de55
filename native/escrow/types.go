package escrow

import (
	"fmt"
	"math/big"
	"strings"
)

// TradeStatus represents the lifecycle states supported by the escrow trade
// engine.
type TradeStatus uint8

const (
	TradeCreated TradeStatus = iota
	TradeFunded
	TradeShipped
	TradeDelivered
	TradeReleased
	TradeDisputed
	TradeRefunded
)

// Valid reports whether the status value is within the supported range.
func (s TradeStatus) Valid() bool {
	switch s {
	case TradeCreated, TradeFunded, TradeShipped, TradeDelivered, TradeReleased, TradeDisputed, TradeRefunded:
		return true
	default:
		return false
	}
}

// Terminal reports whether the status admits no further transitions.
func (s TradeStatus) Terminal() bool {
	return s == TradeReleased || s == TradeRefunded
}

// String returns the canonical lowercase name of the status.
func (s TradeStatus) String() string {
	switch s {
	case TradeCreated:
		return "created"
	case TradeFunded:
		return "funded"
	case TradeShipped:
		return "shipped"
	case TradeDelivered:
		return "delivered"
	case TradeReleased:
		return "released"
	case TradeDisputed:
		return "disputed"
	case TradeRefunded:
		return "refunded"
	default:
		return fmt.Sprintf("status(%d)", uint8(s))
	}
}

// Trade captures the immutable metadata and runtime status of a single
// buyer-seller custody agreement. The identifier is the keccak256 hash of the
// buyer, seller and a caller-supplied nonce, ensuring deterministic IDs that
// are opaque to callers and never reused.
type Trade struct {
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
	CreatedAt         int64
	FundedAt          int64
	Status            TradeStatus
}

// Clone returns a deep copy of the trade so callers can safely mutate the
// copy without affecting the stored instance.
func (t *Trade) Clone() *Trade {
	if t == nil {
		return nil
	}
	clone := *t
	if t.Amount != nil {
		clone.Amount = new(big.Int).Set(t.Amount)
	} else {
		clone.Amount = big.NewInt(0)
	}
	return &clone
}

// NormalizeToken canonicalises a settlement token symbol to its uppercase
// form. Symbols are short alphanumeric identifiers; anything else is
// rejected.
func NormalizeToken(symbol string) (string, error) {
	trimmed := strings.ToUpper(strings.TrimSpace(symbol))
	if trimmed == "" {
		return "", fmt.Errorf("escrow: token symbol must not be empty")
	}
	if len(trimmed) > 12 {
		return "", fmt.Errorf("escrow: token symbol too long: %s", trimmed)
	}
	for _, r := range trimmed {
		if (r < 'A' || r > 'Z') && (r < '0' || r > '9') {
			return "", fmt.Errorf("escrow: invalid token symbol: %s", symbol)
		}
	}
	return trimmed, nil
}

// SanitizeTrade validates and normalises the supplied trade definition,
// returning a cloned instance with canonical token casing and a non-nil
// amount field. The function does not mutate the original value.
func SanitizeTrade(t *Trade) (*Trade, error) {
	if t == nil {
		return nil, fmt.Errorf("escrow: nil trade")
	}
	clone := t.Clone()
	token, err := NormalizeToken(clone.Token)
	if err != nil {
		return nil, err
	}
	clone.Token = token
	if clone.Amount == nil {
		clone.Amount = big.NewInt(0)
	}
	if clone.Amount.Sign() < 0 {
		return nil, fmt.Errorf("escrow: trade amount must be non-negative")
	}
	if clone.GSTPercent > 100 {
		return nil, fmt.Errorf("escrow: gst percentage out of range: %d", clone.GSTPercent)
	}
	if clone.Buyer == ([20]byte{}) || clone.Seller == ([20]byte{}) {
		return nil, fmt.Errorf("escrow: buyer and seller must be set")
	}
	if clone.Buyer == clone.Seller {
		return nil, fmt.Errorf("escrow: buyer and seller must be distinct")
	}
	if !clone.Status.Valid() {
		return nil, fmt.Errorf("escrow: invalid trade status %d", clone.Status)
	}
	clone.TrackingInfo = strings.TrimSpace(clone.TrackingInfo)
	clone.DisputeReason = strings.TrimSpace(clone.DisputeReason)
	clone.ResolutionNotes = strings.TrimSpace(clone.ResolutionNotes)
	return clone, nil
}
