package reconcile

import (
	"fmt"

	"github.com/ksred/recon-api/internal/types"
)

// Position is the transient open inventory for one (client, symbol) while
// its fill stream is being walked. It is rebuilt from the persisted OPEN
// trade (if any) at the start of every run, passed explicitly through the
// tracker, and never stored directly: the backing Trade record is its
// durable form.
type Position struct {
	Direction     types.TradeSide
	Quantity      int64
	AvgEntryPrice float64
	OrderIDs      []string
	// TradeID names the backing OPEN trade record. It is set as soon as
	// the position opens, whether the record pre-dates this run or was
	// created during it.
	TradeID string
}

// Flat reports whether there is no open inventory.
func (p *Position) Flat() bool {
	return p.Quantity == 0
}

// positionFromTrade rebuilds the in-memory position from a persisted OPEN
// trade carried over from a previous run. A nil trade means a flat book.
func positionFromTrade(t *types.Trade) (Position, error) {
	if t == nil {
		return Position{}, nil
	}
	if t.Status != types.TradeStatusOpen {
		return Position{}, fmt.Errorf("%w: resuming from trade %s with status %s", ErrInvariantViolation, t.TradeID, t.Status)
	}
	if t.OpenQuantity <= 0 || t.CloseQuantity != 0 {
		return Position{}, fmt.Errorf("%w: open trade %s has open=%d close=%d", ErrInvariantViolation, t.TradeID, t.OpenQuantity, t.CloseQuantity)
	}

	ids, err := t.OrderIDs()
	if err != nil {
		return Position{}, fmt.Errorf("failed to decode contributing orders for trade %s: %w", t.TradeID, err)
	}

	return Position{
		Direction:     t.Side,
		Quantity:      t.OpenQuantity,
		AvgEntryPrice: t.AvgEntryPrice,
		OrderIDs:      ids,
		TradeID:       t.TradeID,
	}, nil
}
