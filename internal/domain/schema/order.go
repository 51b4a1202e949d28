package schema

import "strings"

// Side captures the direction of an order or fill.
type Side string

const (
	// SideBuy indicates bids and buy fills.
	SideBuy Side = "BUY"
	// SideSell indicates asks and sell fills.
	SideSell Side = "SELL"
)

// Sides lists both quoting sides in deterministic order.
var Sides = [2]Side{SideBuy, SideSell}

// Valid reports whether the side is recognised.
func (s Side) Valid() bool {
	return s == SideBuy || s == SideSell
}

// Opposite returns the other side.
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// ParseSide normalises venue spellings such as "buy" or "Sell".
func ParseSide(raw string) (Side, bool) {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case "BUY", "BID":
		return SideBuy, true
	case "SELL", "ASK":
		return SideSell, true
	default:
		return "", false
	}
}

// OrderType enumerates the order types the paper engine submits.
type OrderType string

const (
	// OrderTypeLimit represents resting limit orders.
	OrderTypeLimit OrderType = "LIMIT"
	// OrderTypeLimitMaker represents post-only limit orders.
	OrderTypeLimitMaker OrderType = "LIMIT_MAKER"
	// OrderTypeMarket represents market orders.
	OrderTypeMarket OrderType = "MARKET"
)

// OrderStatus enumerates order lifecycle states carried by order events.
type OrderStatus string

const (
	OrderStatusNew      OrderStatus = "NEW"
	OrderStatusFilled   OrderStatus = "FILLED"
	OrderStatusCanceled OrderStatus = "CANCELED"
	OrderStatusRejected OrderStatus = "REJECTED"
	OrderStatusExpired  OrderStatus = "EXPIRED"
)

// Terminal reports whether the status ends the order lifecycle.
func (s OrderStatus) Terminal() bool {
	switch s {
	case OrderStatusFilled, OrderStatusCanceled, OrderStatusRejected, OrderStatusExpired:
		return true
	default:
		return false
	}
}

// Liquidity marks whether a fill added or removed liquidity.
type Liquidity string

const (
	LiquidityMaker Liquidity = "MAKER"
	LiquidityTaker Liquidity = "TAKER"
)
