package escrow

import (
	"fmt"
	"math/big"
	"strings"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// CreateTrade instantiates a new trade in the Created state and persists it.
// The identifier is derived deterministically from the parties and the
// caller-supplied nonce; re-creating an identical definition is idempotent
// while a conflicting definition under the same identifier is rejected.
func (e *Engine) CreateTrade(buyer, seller [20]byte, token string, amount *big.Int, gstPercent uint32, nonce [32]byte) (*Trade, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == nil {
		return nil, errNilState
	}
	if err := e.guard(); err != nil {
		return nil, err
	}
	normalized, err := NormalizeToken(token)
	if err != nil {
		return nil, err
	}
	if buyer == ([20]byte{}) || seller == ([20]byte{}) {
		return nil, fmt.Errorf("escrow: buyer and seller must be set")
	}
	if buyer == seller {
		return nil, fmt.Errorf("escrow: buyer and seller must be distinct")
	}
	if amount == nil || amount.Sign() <= 0 {
		return nil, fmt.Errorf("escrow: trade amount must be positive")
	}
	if gstPercent > 100 {
		return nil, fmt.Errorf("escrow: gst percentage out of range: %d", gstPercent)
	}
	id := ethcrypto.Keccak256Hash(buyer[:], seller[:], nonce[:])
	if existing, ok := e.state.TradeGet(id); ok {
		sanitized, err := SanitizeTrade(existing)
		if err != nil {
			return nil, err
		}
		if sanitized.Buyer != buyer || sanitized.Seller != seller || sanitized.Token != normalized || sanitized.Amount.Cmp(amount) != 0 || sanitized.GSTPercent != gstPercent {
			return nil, fmt.Errorf("escrow: identifier already exists with different definition")
		}
		return sanitized, nil
	}
	trade := &Trade{
		ID:         id,
		Buyer:      buyer,
		Seller:     seller,
		Token:      normalized,
		Amount:     new(big.Int).Set(amount),
		GSTPercent: gstPercent,
		CreatedAt:  e.now(),
		Status:     TradeCreated,
	}
	if err := e.state.TradePut(trade); err != nil {
		return nil, err
	}
	e.emit(NewTradeCreatedEvent(trade, buyer))
	return trade.Clone(), nil
}

// FundTrade moves the trade amount from the buyer into the custody vault and
// marks the trade as funded. Buyer only, Created state only.
func (e *Engine) FundTrade(id [32]byte, caller [20]byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.guard(); err != nil {
		return err
	}
	trade, err := e.loadTrade(id)
	if err != nil {
		return err
	}
	if caller != trade.Buyer {
		return fmt.Errorf("%w: account %x is not the trade buyer", ErrUnauthorized, caller)
	}
	if trade.Status != TradeCreated {
		return fmt.Errorf("%w: cannot fund in status %s", ErrInvalidStatus, trade.Status)
	}
	vault, err := e.state.VaultAddress(trade.Token)
	if err != nil {
		return err
	}
	if err := e.transferToken(trade.Buyer, vault, trade.Token, trade.Amount); err != nil {
		return err
	}
	if err := e.state.CustodyCredit(id, trade.Token, trade.Amount); err != nil {
		return err
	}
	trade.Status = TradeFunded
	trade.FundedAt = e.now()
	if err := e.state.TradePut(trade); err != nil {
		return err
	}
	e.emit(NewTradeFundedEvent(trade, caller))
	return nil
}

// ConfirmShipment records the tracking reference and marks the trade as
// shipped. Seller only, Funded state only; the tracking reference is set
// once.
func (e *Engine) ConfirmShipment(id [32]byte, caller [20]byte, trackingInfo string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.guard(); err != nil {
		return err
	}
	trade, err := e.loadTrade(id)
	if err != nil {
		return err
	}
	if caller != trade.Seller {
		return fmt.Errorf("%w: account %x is not the trade seller", ErrUnauthorized, caller)
	}
	if trade.Status != TradeFunded {
		return fmt.Errorf("%w: cannot confirm shipment in status %s", ErrInvalidStatus, trade.Status)
	}
	tracking := strings.TrimSpace(trackingInfo)
	if tracking == "" {
		return fmt.Errorf("escrow: tracking info must not be empty")
	}
	trade.TrackingInfo = tracking
	trade.Status = TradeShipped
	if err := e.state.TradePut(trade); err != nil {
		return err
	}
	e.emit(NewShipmentConfirmedEvent(trade, caller))
	return nil
}

// ConfirmDelivery marks the shipped trade as delivered. Buyer only.
func (e *Engine) ConfirmDelivery(id [32]byte, caller [20]byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.guard(); err != nil {
		return err
	}
	trade, err := e.loadTrade(id)
	if err != nil {
		return err
	}
	if caller != trade.Buyer {
		return fmt.Errorf("%w: account %x is not the trade buyer", ErrUnauthorized, caller)
	}
	return e.markDelivered(trade, caller, "buyer")
}

// OracleConfirmDelivery is the alternate path into the Delivered state used
// when the buyer is unresponsive. Designated oracle only.
func (e *Engine) OracleConfirmDelivery(id [32]byte, caller [20]byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.guard(); err != nil {
		return err
	}
	trade, err := e.loadTrade(id)
	if err != nil {
		return err
	}
	if err := e.requireOracle(caller); err != nil {
		return err
	}
	return e.markDelivered(trade, caller, "oracle")
}

func (e *Engine) requireOracle(caller [20]byte) error {
	if e.oracle == ([20]byte{}) || caller != e.oracle {
		return fmt.Errorf("%w: account %x is not the designated oracle", ErrUnauthorized, caller)
	}
	return nil
}

func (e *Engine) markDelivered(trade *Trade, caller [20]byte, via string) error {
	if trade.Status != TradeShipped {
		return fmt.Errorf("%w: cannot confirm delivery in status %s", ErrInvalidStatus, trade.Status)
	}
	trade.Status = TradeDelivered
	if err := e.state.TradePut(trade); err != nil {
		return err
	}
	e.emit(NewDeliveryConfirmedEvent(trade, caller, via))
	return nil
}

// UpdateGSTVerification sets the two tax-compliance flags. Designated oracle
// only. The trade status is never changed by this operation; it is one of
// the two independent gates checked by ReleaseToSeller.
func (e *Engine) UpdateGSTVerification(id [32]byte, caller [20]byte, buyerVerified, sellerVerified bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.guard(); err != nil {
		return err
	}
	trade, err := e.loadTrade(id)
	if err != nil {
		return err
	}
	if err := e.requireOracle(caller); err != nil {
		return err
	}
	trade.BuyerGSTVerified = buyerVerified
	trade.SellerGSTVerified = sellerVerified
	if err := e.state.TradePut(trade); err != nil {
		return err
	}
	e.emit(NewGSTStatusUpdatedEvent(trade, caller))
	return nil
}

func (e *Engine) requireReleaseCaller(trade *Trade, caller [20]byte) error {
	switch e.releasePolicy {
	case ReleaseByBuyer:
		if caller == trade.Buyer {
			return nil
		}
	case ReleaseByOracle:
		if e.oracle != ([20]byte{}) && caller == e.oracle {
			return nil
		}
	default:
		if caller == trade.Buyer {
			return nil
		}
		if e.oracle != ([20]byte{}) && caller == e.oracle {
			return nil
		}
	}
	return fmt.Errorf("%w: account %x may not release this trade", ErrUnauthorized, caller)
}

// ReleaseToSeller pays the custody amount to the seller, deducting the
// configured treasury fee. It requires a delivered trade and both GST
// verification flags; neither gate alone is sufficient.
func (e *Engine) ReleaseToSeller(id [32]byte, caller [20]byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.guard(); err != nil {
		return err
	}
	trade, err := e.loadTrade(id)
	if err != nil {
		return err
	}
	if err := e.requireReleaseCaller(trade, caller); err != nil {
		return err
	}
	if !trade.BuyerGSTVerified || !trade.SellerGSTVerified {
		return fmt.Errorf("%w: buyer=%t seller=%t", ErrGSTUnverified, trade.BuyerGSTVerified, trade.SellerGSTVerified)
	}
	if trade.Status != TradeDelivered {
		return fmt.Errorf("%w: cannot release in status %s", ErrInvalidStatus, trade.Status)
	}
	vault, err := e.state.VaultAddress(trade.Token)
	if err != nil {
		return err
	}
	total := cloneBigInt(trade.Amount)
	if total.Sign() <= 0 {
		return fmt.Errorf("escrow: trade amount must be positive")
	}
	fee := new(big.Int).Mul(total, new(big.Int).SetUint64(uint64(e.feeBps)))
	fee.Div(fee, big.NewInt(10_000))
	if fee.Sign() > 0 && e.feeTreasury == ([20]byte{}) {
		return fmt.Errorf("escrow: fee treasury not configured")
	}
	payout := new(big.Int).Sub(total, fee)
	if payout.Sign() > 0 {
		if err := e.transferToken(vault, trade.Seller, trade.Token, payout); err != nil {
			return err
		}
	}
	if fee.Sign() > 0 {
		if err := e.transferToken(vault, e.feeTreasury, trade.Token, fee); err != nil {
			return err
		}
	}
	if err := e.state.CustodyDebit(id, trade.Token, total); err != nil {
		return err
	}
	trade.Status = TradeReleased
	if err := e.state.TradePut(trade); err != nil {
		return err
	}
	e.emit(NewFundsReleasedEvent(trade, caller, payout, fee))
	return nil
}

// RaiseDispute moves a funded, shipped or delivered trade into the Disputed
// state and records the reason. Buyer or seller only.
func (e *Engine) RaiseDispute(id [32]byte, caller [20]byte, reason string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.guard(); err != nil {
		return err
	}
	trade, err := e.loadTrade(id)
	if err != nil {
		return err
	}
	if caller != trade.Buyer && caller != trade.Seller {
		return fmt.Errorf("%w: account %x is not a party to this trade", ErrUnauthorized, caller)
	}
	switch trade.Status {
	case TradeFunded, TradeShipped, TradeDelivered:
	default:
		return fmt.Errorf("%w: cannot dispute in status %s", ErrInvalidStatus, trade.Status)
	}
	trimmed := strings.TrimSpace(reason)
	if trimmed == "" {
		return fmt.Errorf("escrow: dispute reason must not be empty")
	}
	trade.DisputeReason = trimmed
	trade.Status = TradeDisputed
	if err := e.state.TradePut(trade); err != nil {
		return err
	}
	e.emit(NewDisputeRaisedEvent(trade, caller))
	return nil
}

// ResolveDispute directs the custody of a disputed trade. The seller
// receives settlementAmount and the buyer the remainder; the terminal status
// is Released when the seller receives anything and Refunded otherwise.
// Arbitrator role only.
func (e *Engine) ResolveDispute(id [32]byte, caller [20]byte, settlementAmount *big.Int, notes string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.guard(); err != nil {
		return err
	}
	trade, err := e.loadTrade(id)
	if err != nil {
		return err
	}
	if err := e.requireRole(RoleArbitrator, caller); err != nil {
		return err
	}
	if trade.Status != TradeDisputed {
		return fmt.Errorf("%w: cannot resolve in status %s", ErrInvalidStatus, trade.Status)
	}
	settlement := cloneBigInt(settlementAmount)
	if settlement.Sign() < 0 {
		return fmt.Errorf("escrow: settlement amount must be non-negative")
	}
	total := cloneBigInt(trade.Amount)
	if settlement.Cmp(total) > 0 {
		return fmt.Errorf("escrow: settlement amount exceeds custody")
	}
	vault, err := e.state.VaultAddress(trade.Token)
	if err != nil {
		return err
	}
	refund := new(big.Int).Sub(total, settlement)
	if settlement.Sign() > 0 {
		if err := e.transferToken(vault, trade.Seller, trade.Token, settlement); err != nil {
			return err
		}
	}
	if refund.Sign() > 0 {
		if err := e.transferToken(vault, trade.Buyer, trade.Token, refund); err != nil {
			return err
		}
	}
	if err := e.state.CustodyDebit(id, trade.Token, total); err != nil {
		return err
	}
	trade.ResolutionNotes = strings.TrimSpace(notes)
	if settlement.Sign() > 0 {
		trade.Status = TradeReleased
	} else {
		trade.Status = TradeRefunded
	}
	if err := e.state.TradePut(trade); err != nil {
		return err
	}
	e.emit(NewDisputeResolvedEvent(trade, caller, settlement, refund))
	return nil
}

// RefundBuyer returns the custody amount to the buyer. The buyer may refund
// a funded trade before shipment; an arbitrator may refund a funded or
// disputed trade.
func (e *Engine) RefundBuyer(id [32]byte, caller [20]byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.guard(); err != nil {
		return err
	}
	trade, err := e.loadTrade(id)
	if err != nil {
		return err
	}
	isArbitrator := e.state.HasRole(RoleArbitrator, caller)
	switch {
	case caller == trade.Buyer:
		if trade.Status != TradeFunded {
			return fmt.Errorf("%w: buyer cannot refund in status %s", ErrInvalidStatus, trade.Status)
		}
	case isArbitrator:
		if trade.Status != TradeFunded && trade.Status != TradeDisputed {
			return fmt.Errorf("%w: cannot refund in status %s", ErrInvalidStatus, trade.Status)
		}
	default:
		return fmt.Errorf("%w: account %x may not refund this trade", ErrUnauthorized, caller)
	}
	vault, err := e.state.VaultAddress(trade.Token)
	if err != nil {
		return err
	}
	total := cloneBigInt(trade.Amount)
	if total.Sign() <= 0 {
		return fmt.Errorf("escrow: trade amount must be positive")
	}
	if err := e.transferToken(vault, trade.Buyer, trade.Token, total); err != nil {
		return err
	}
	if err := e.state.CustodyDebit(id, trade.Token, total); err != nil {
		return err
	}
	trade.Status = TradeRefunded
	if err := e.state.TradePut(trade); err != nil {
		return err
	}
	e.emit(NewRefundIssuedEvent(trade, caller))
	return nil
}

// Trade returns a defensive copy of the trade record. Never gated; reads
// remain available while the engine is paused.
func (e *Engine) Trade(id [32]byte) (*Trade, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.state == nil {
		return nil, errNilState
	}
	trade, ok := e.state.TradeGet(id)
	if !ok {
		return nil, ErrTradeNotFound
	}
	return trade.Clone(), nil
}

// CustodyBalance reports the amount currently held in custody for the trade.
// Never gated.
func (e *Engine) CustodyBalance(id [32]byte) (*big.Int, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.state == nil {
		return nil, errNilState
	}
	trade, ok := e.state.TradeGet(id)
	if !ok {
		return nil, ErrTradeNotFound
	}
	return e.state.CustodyBalance(id, trade.Token)
}
