package sale

import (
	"encoding/hex"
	"math/big"
	"strconv"

	"investchain/core/types"
)

const (
	EventTypeSaleInitialized    = "sale.initialized"
	EventTypeSalePurchased      = "sale.purchased"
	EventTypeSaleEscrowPurchase = "sale.escrow_purchase"
	EventTypeSaleUnlocked       = "sale.unlocked"
	EventTypeSaleClaimedBack    = "sale.claimed_back"
	EventTypeSalePaused         = "sale.paused"
	EventTypeSaleResumed        = "sale.resumed"
	EventTypeSaleWhitelist      = "sale.whitelist_updated"
	EventTypeSaleLockupReached  = "sale.lockup_reached"
	EventTypeSaleSwept          = "sale.swept"
)

func newSaleEvent(eventType string, s *Sale) *types.Event {
	attrs := make(map[string]string)
	if s == nil {
		return &types.Event{Type: eventType, Attributes: attrs}
	}
	attrs["saleId"] = hex.EncodeToString(s.ID[:])
	attrs["token"] = s.Token
	attrs["totalPurchased"] = cloneOrZero(s.TotalPurchased).String()
	attrs["participants"] = strconv.FormatUint(s.ParticipantCount, 10)
	return &types.Event{Type: eventType, Attributes: attrs}
}

func newPurchaseEvent(eventType string, s *Sale, buyer [20]byte, currency string, net, tokens, fee *big.Int) *types.Event {
	evt := newSaleEvent(eventType, s)
	evt.Attributes["buyer"] = hex.EncodeToString(buyer[:])
	evt.Attributes["currency"] = currency
	evt.Attributes["netPayment"] = cloneOrZero(net).String()
	evt.Attributes["tokenAmount"] = cloneOrZero(tokens).String()
	evt.Attributes["fee"] = cloneOrZero(fee).String()
	return evt
}

func newAmountEvent(eventType string, s *Sale, addr [20]byte, key string, amount *big.Int) *types.Event {
	evt := newSaleEvent(eventType, s)
	evt.Attributes["address"] = hex.EncodeToString(addr[:])
	evt.Attributes[key] = cloneOrZero(amount).String()
	return evt
}
