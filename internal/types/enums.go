package types

// OrderSide is the direction of a single brokerage fill.
type OrderSide string

const (
	SideBuy  OrderSide = "BUY"
	SideSell OrderSide = "SELL"
)

// Valid reports whether the side is one of the known values.
func (s OrderSide) Valid() bool {
	switch s {
	case SideBuy, SideSell:
		return true
	}
	return false
}

// TradeSide is the direction of an open or closed position.
type TradeSide string

const (
	TradeSideLong  TradeSide = "LONG"
	TradeSideShort TradeSide = "SHORT"
)

// Opposite returns the reversed trade side.
func (s TradeSide) Opposite() TradeSide {
	if s == TradeSideLong {
		return TradeSideShort
	}
	return TradeSideLong
}

// Opens returns the trade side a fill of the given order side opens.
func (s OrderSide) Opens() TradeSide {
	if s == SideBuy {
		return TradeSideLong
	}
	return TradeSideShort
}

// Extends reports whether a fill of this side adds to a position of the
// given trade side rather than closing against it.
func (s OrderSide) Extends(side TradeSide) bool {
	return s.Opens() == side
}

// TradeStatus is the lifecycle state of a trade record.
type TradeStatus string

const (
	TradeStatusOpen   TradeStatus = "OPEN"
	TradeStatusClosed TradeStatus = "CLOSED"
)
