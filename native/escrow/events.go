package escrow

import (
	"encoding/hex"
	"math/big"
	"strconv"

	"tradeescrow/core/types"
)

const (
	EventTypeTradeCreated      = "trade.created"
	EventTypeTradeFunded       = "trade.funded"
	EventTypeShipmentConfirmed = "trade.shipment_confirmed"
	EventTypeDeliveryConfirmed = "trade.delivery_confirmed"
	EventTypeGSTStatusUpdated  = "trade.gst_updated"
	EventTypeFundsReleased     = "trade.released"
	EventTypeDisputeRaised     = "trade.disputed"
	EventTypeDisputeResolved   = "trade.resolved"
	EventTypeRefundIssued      = "trade.refunded"
	EventTypeEnginePaused      = "escrow.paused"
	EventTypeEngineUnpaused    = "escrow.unpaused"
)

// NewTradeCreatedEvent returns the canonical payload for a newly created
// trade.
func NewTradeCreatedEvent(t *Trade, actor [20]byte) *types.Event {
	return newTradeEvent(EventTypeTradeCreated, t, actor, nil)
}

// NewTradeFundedEvent returns the payload emitted when the buyer moves funds
// into custody.
func NewTradeFundedEvent(t *Trade, actor [20]byte) *types.Event {
	return newTradeEvent(EventTypeTradeFunded, t, actor, nil)
}

// NewShipmentConfirmedEvent returns the payload emitted when the seller
// records a shipment.
func NewShipmentConfirmedEvent(t *Trade, actor [20]byte) *types.Event {
	extra := map[string]string{}
	if t != nil {
		extra["trackingInfo"] = t.TrackingInfo
	}
	return newTradeEvent(EventTypeShipmentConfirmed, t, actor, extra)
}

// NewDeliveryConfirmedEvent returns the payload emitted when delivery is
// confirmed, carrying which path ("buyer" or "oracle") confirmed it.
func NewDeliveryConfirmedEvent(t *Trade, actor [20]byte, via string) *types.Event {
	return newTradeEvent(EventTypeDeliveryConfirmed, t, actor, map[string]string{"via": via})
}

// NewGSTStatusUpdatedEvent returns the payload emitted when the oracle
// updates the compliance flags.
func NewGSTStatusUpdatedEvent(t *Trade, actor [20]byte) *types.Event {
	extra := map[string]string{}
	if t != nil {
		extra["buyerGSTVerified"] = strconv.FormatBool(t.BuyerGSTVerified)
		extra["sellerGSTVerified"] = strconv.FormatBool(t.SellerGSTVerified)
	}
	return newTradeEvent(EventTypeGSTStatusUpdated, t, actor, extra)
}

// NewFundsReleasedEvent returns the payload emitted when custody is paid out
// to the seller.
func NewFundsReleasedEvent(t *Trade, actor [20]byte, payout, fee *big.Int) *types.Event {
	extra := map[string]string{
		"payout": formatAmount(payout),
		"fee":    formatAmount(fee),
	}
	return newTradeEvent(EventTypeFundsReleased, t, actor, extra)
}

// NewDisputeRaisedEvent returns the payload emitted when a party disputes a
// trade.
func NewDisputeRaisedEvent(t *Trade, actor [20]byte) *types.Event {
	extra := map[string]string{}
	if t != nil {
		extra["reason"] = t.DisputeReason
	}
	return newTradeEvent(EventTypeDisputeRaised, t, actor, extra)
}

// NewDisputeResolvedEvent returns the payload emitted when an arbitrator
// directs the custody outcome.
func NewDisputeResolvedEvent(t *Trade, actor [20]byte, settlement, refund *big.Int) *types.Event {
	extra := map[string]string{
		"settlement": formatAmount(settlement),
		"refund":     formatAmount(refund),
	}
	if t != nil {
		extra["notes"] = t.ResolutionNotes
	}
	return newTradeEvent(EventTypeDisputeResolved, t, actor, extra)
}

// NewRefundIssuedEvent returns the payload emitted when custody is returned
// to the buyer.
func NewRefundIssuedEvent(t *Trade, actor [20]byte) *types.Event {
	return newTradeEvent(EventTypeRefundIssued, t, actor, nil)
}

// NewPausedEvent returns the payload emitted when the circuit breaker is
// engaged, carrying the pauser's identity.
func NewPausedEvent(actor [20]byte) *types.Event {
	return &types.Event{
		Type: EventTypeEnginePaused,
		Attributes: map[string]string{
			"actor": hex.EncodeToString(actor[:]),
		},
	}
}

// NewUnpausedEvent returns the payload emitted when the circuit breaker is
// disengaged, carrying the pauser's identity.
func NewUnpausedEvent(actor [20]byte) *types.Event {
	return &types.Event{
		Type: EventTypeEngineUnpaused,
		Attributes: map[string]string{
			"actor": hex.EncodeToString(actor[:]),
		},
	}
}

func formatAmount(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

func newTradeEvent(eventType string, t *Trade, actor [20]byte, extra map[string]string) *types.Event {
	attrs := make(map[string]string)
	attrs["actor"] = hex.EncodeToString(actor[:])
	if t == nil {
		return &types.Event{Type: eventType, Attributes: attrs}
	}
	sanitized, err := SanitizeTrade(t)
	if err != nil {
		return &types.Event{Type: eventType, Attributes: attrs}
	}
	attrs["tradeId"] = hex.EncodeToString(sanitized.ID[:])
	attrs["buyer"] = hex.EncodeToString(sanitized.Buyer[:])
	attrs["seller"] = hex.EncodeToString(sanitized.Seller[:])
	attrs["token"] = sanitized.Token
	attrs["amount"] = sanitized.Amount.String()
	attrs["gstPercent"] = strconv.FormatUint(uint64(sanitized.GSTPercent), 10)
	attrs["status"] = sanitized.Status.String()
	attrs["createdAt"] = strconv.FormatInt(sanitized.CreatedAt, 10)
	for key, value := range extra {
		attrs[key] = value
	}
	return &types.Event{Type: eventType, Attributes: attrs}
}
