package market

import (
	"encoding/hex"
	"math/big"
	"strconv"

	"dutchmarket/core/types"
)

const (
	// EventTypeSaleCreated is emitted when a seller lists an asset.
	EventTypeSaleCreated = "market.sale.created"
	// EventTypeSaleSold is emitted for every settled purchase.
	EventTypeSaleSold = "market.sale.sold"
	// EventTypeSaleClosed is emitted when a sale reaches its terminal state.
	EventTypeSaleClosed = "market.sale.closed"
	// EventTypeSaleCancelled is emitted when the seller withdraws an open sale.
	EventTypeSaleCancelled = "market.sale.cancelled"
)

func newSaleCreatedEvent(sale *Sale) *types.Event {
	return newSaleEvent(EventTypeSaleCreated, sale)
}

func newSaleSoldEvent(sale *Sale, buyer [20]byte, method PaymentMethod, paid *big.Int, receipt [32]byte) *types.Event {
	evt := newSaleEvent(EventTypeSaleSold, sale)
	evt.Attributes["buyer"] = formatAddress(buyer)
	evt.Attributes["method"] = strconv.FormatUint(uint64(method), 10)
	evt.Attributes["paid"] = formatAmount(paid)
	evt.Attributes["receipt"] = hex.EncodeToString(receipt[:])
	return evt
}

func newSaleClosedEvent(sale *Sale) *types.Event {
	return newSaleEvent(EventTypeSaleClosed, sale)
}

func newSaleCancelledEvent(sale *Sale, caller [20]byte) *types.Event {
	evt := newSaleEvent(EventTypeSaleCancelled, sale)
	evt.Attributes["caller"] = formatAddress(caller)
	return evt
}

func newSaleEvent(eventType string, sale *Sale) *types.Event {
	evt := &types.Event{Type: eventType, Attributes: map[string]string{}}
	if sale == nil {
		return evt
	}
	evt.Attributes["id"] = strconv.FormatUint(sale.ID, 10)
	evt.Attributes["assetContract"] = formatAddress(sale.AssetContract)
	evt.Attributes["assetId"] = strconv.FormatUint(sale.AssetID, 10)
	evt.Attributes["seller"] = formatAddress(sale.Seller)
	evt.Attributes["initialPrice"] = formatAmount(sale.InitialPrice)
	evt.Attributes["floorPrice"] = formatAmount(sale.FloorPrice)
	evt.Attributes["remaining"] = strconv.FormatUint(sale.Remaining, 10)
	evt.Attributes["status"] = sale.Status.String()
	return evt
}

func formatAddress(addr [20]byte) string {
	return "0x" + hex.EncodeToString(addr[:])
}

func formatAmount(amount *big.Int) string {
	if amount == nil {
		return "0"
	}
	return amount.String()
}
