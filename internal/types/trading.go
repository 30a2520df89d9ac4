package types

import (
	"encoding/json"
	"math"
	"time"

	"gorm.io/gorm"
)

// Order is one brokerage execution record (fill). It is created by the
// intake pipeline, read-only to the reconciliation engine, and mutated
// exactly once when the engine stamps TradeID on consumption.
type Order struct {
	gorm.Model `json:"-"`
	OrderID    string     `gorm:"uniqueIndex" json:"order_id"`
	ClientID   string     `gorm:"index" json:"client_id"`
	Symbol     string     `json:"symbol"`
	Side       OrderSide  `json:"side"` // BUY or SELL
	Quantity   int64      `json:"quantity"`
	Price      *float64   `json:"price"`
	ExecutedAt *time.Time `json:"executed_at"`
	TradeID    *string    `gorm:"index" json:"trade_id"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// Eligible reports whether the fill can participate in reconciliation.
// A fill without a price or execution time, a non-positive quantity, an
// unparseable side, or a price outside sanity bounds is skipped entirely.
func (o *Order) Eligible() bool {
	if o.Price == nil || o.ExecutedAt == nil {
		return false
	}
	if o.Quantity <= 0 || !o.Side.Valid() {
		return false
	}
	p := *o.Price
	if p < 0 || math.IsNaN(p) || math.IsInf(p, 0) {
		return false
	}
	return true
}

// Trade is a persisted position aggregate: either the currently OPEN
// inventory for a (client, symbol) or one fully-matched CLOSED lot.
// A CLOSED trade always has OpenQuantity == CloseQuantity; an OPEN trade
// always has CloseQuantity == 0 and no exit price.
type Trade struct {
	gorm.Model    `json:"-"`
	TradeID       string      `gorm:"uniqueIndex" json:"trade_id"`
	ClientID      string      `gorm:"index" json:"client_id"`
	Symbol        string      `json:"symbol"`
	Side          TradeSide   `json:"side"`   // LONG or SHORT
	Status        TradeStatus `json:"status"` // OPEN or CLOSED
	OpenQuantity  int64       `json:"open_quantity"`
	CloseQuantity int64       `json:"close_quantity"`
	AvgEntryPrice float64     `json:"avg_entry_price"`
	AvgExitPrice  *float64    `json:"avg_exit_price"`
	Pnl           float64     `json:"pnl"`
	OrdersInTrade string      `json:"orders_in_trade"` // JSON array of order IDs
	OrdersCount   int         `json:"orders_count"`
	CreatedAt     time.Time   `json:"created_at"`
	UpdatedAt     time.Time   `json:"updated_at"`
}

// OrderIDs decodes the contributing order ID list.
func (t *Trade) OrderIDs() ([]string, error) {
	if t.OrdersInTrade == "" {
		return nil, nil
	}
	var ids []string
	if err := json.Unmarshal([]byte(t.OrdersInTrade), &ids); err != nil {
		return nil, err
	}
	return ids, nil
}

// SetOrderIDs encodes the contributing order ID list and keeps OrdersCount
// in sync with it.
func (t *Trade) SetOrderIDs(ids []string) error {
	encoded, err := json.Marshal(ids)
	if err != nil {
		return err
	}
	t.OrdersInTrade = string(encoded)
	t.OrdersCount = len(ids)
	return nil
}
