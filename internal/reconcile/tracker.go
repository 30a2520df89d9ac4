package reconcile

import (
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/ksred/recon-api/internal/types"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// partitionResult is the changeset produced by walking one (client, symbol)
// fill stream. Nothing in it has touched durable state yet; the sink applies
// the whole result in a single transaction.
type partitionResult struct {
	Creates []*types.Trade
	Updates []*types.Trade
	// Links maps a trade ID to the order IDs consumed into it. Stamping
	// these is the idempotency boundary: a linked order is never re-read.
	Links map[string][]string
	// Emitted holds the final state of every trade touched by the pass,
	// in first-touch order.
	Emitted []types.Trade

	Processed int
	Skipped   int
}

// Empty reports whether the pass produced no durable changes.
func (r *partitionResult) Empty() bool {
	return len(r.Creates) == 0 && len(r.Updates) == 0 && len(r.Links) == 0
}

// tracker walks one partition's fills in execution-time order, maintaining
// the open position and accumulating the changeset. It performs no I/O.
type tracker struct {
	clientID string
	symbol   string
	logger   zerolog.Logger

	pos     Position
	carried *types.Trade // OPEN trade resumed from a previous run, if any

	trades  map[string]*types.Trade
	touched []string // trade IDs in first-touch order
	created map[string]bool
	links   map[string][]string

	processed int
	skipped   int
}

// trackPartition applies all eligible fills for one (client, symbol) against
// the carried-over open trade (nil when the book is flat) and returns the
// changeset to commit. Fills are re-validated defensively and re-sorted by
// execution time regardless of input order.
func trackPartition(clientID, symbol string, open *types.Trade, orders []types.Order) (*partitionResult, error) {
	tr := &tracker{
		clientID: clientID,
		symbol:   symbol,
		logger: log.With().
			Str("service", "reconcile").
			Str("client_id", clientID).
			Str("symbol", symbol).
			Logger(),
		carried: open,
		trades:  make(map[string]*types.Trade),
		created: make(map[string]bool),
		links:   make(map[string][]string),
	}

	pos, err := positionFromTrade(open)
	if err != nil {
		return nil, err
	}
	tr.pos = pos

	eligible := make([]types.Order, 0, len(orders))
	for i := range orders {
		o := orders[i]
		if !o.Eligible() {
			tr.skipped++
			tr.logger.Warn().
				Str("order_id", o.OrderID).
				Str("side", string(o.Side)).
				Int64("quantity", o.Quantity).
				Bool("has_price", o.Price != nil).
				Bool("has_executed_at", o.ExecutedAt != nil).
				Msg("skipping ineligible fill")
			continue
		}
		eligible = append(eligible, o)
	}

	sort.SliceStable(eligible, func(i, j int) bool {
		return eligible[i].ExecutedAt.Before(*eligible[j].ExecutedAt)
	})

	for i := range eligible {
		if err := tr.apply(&eligible[i]); err != nil {
			return nil, err
		}
		tr.processed++
	}

	return tr.result(), nil
}

// apply routes one eligible fill through the position state machine.
func (t *tracker) apply(o *types.Order) error {
	switch {
	case t.pos.Flat():
		return t.openPosition(o)
	case o.Side.Extends(t.pos.Direction):
		return t.extendPosition(o)
	default:
		return t.closeAgainst(o)
	}
}

// openPosition starts a new OPEN trade from a flat book.
func (t *tracker) openPosition(o *types.Order) error {
	now := time.Now()
	trade := &types.Trade{
		TradeID:       "TRD_" + uuid.New().String(),
		ClientID:      t.clientID,
		Symbol:        t.symbol,
		Side:          o.Side.Opens(),
		Status:        types.TradeStatusOpen,
		OpenQuantity:  o.Quantity,
		AvgEntryPrice: *o.Price,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := trade.SetOrderIDs([]string{o.OrderID}); err != nil {
		return fmt.Errorf("failed to encode contributing orders: %w", err)
	}

	t.touch(trade, true)
	t.link(o.OrderID, trade.TradeID)

	t.pos = Position{
		Direction:     trade.Side,
		Quantity:      trade.OpenQuantity,
		AvgEntryPrice: trade.AvgEntryPrice,
		OrderIDs:      []string{o.OrderID},
		TradeID:       trade.TradeID,
	}

	t.logger.Debug().
		Str("trade_id", trade.TradeID).
		Str("order_id", o.OrderID).
		Str("side", string(trade.Side)).
		Int64("quantity", trade.OpenQuantity).
		Float64("avg_entry_price", trade.AvgEntryPrice).
		Msg("opened new position")
	return nil
}

// extendPosition folds a same-direction fill into the open trade, moving
// the weighted-average entry price. No new trade record is created.
func (t *tracker) extendPosition(o *types.Order) error {
	trade, err := t.backing()
	if err != nil {
		return err
	}

	newAvg := weightedEntry(t.pos.Quantity, t.pos.AvgEntryPrice, o.Quantity, *o.Price)

	trade.OpenQuantity += o.Quantity
	trade.AvgEntryPrice = newAvg
	trade.UpdatedAt = time.Now()

	t.pos.Quantity += o.Quantity
	t.pos.AvgEntryPrice = newAvg
	t.pos.OrderIDs = append(t.pos.OrderIDs, o.OrderID)

	if err := trade.SetOrderIDs(t.pos.OrderIDs); err != nil {
		return fmt.Errorf("failed to encode contributing orders: %w", err)
	}

	t.touch(trade, false)
	t.link(o.OrderID, trade.TradeID)

	t.logger.Debug().
		Str("trade_id", trade.TradeID).
		Str("order_id", o.OrderID).
		Int64("quantity", trade.OpenQuantity).
		Float64("avg_entry_price", trade.AvgEntryPrice).
		Msg("added to open position")
	return nil
}

// closeAgainst matches an opposing fill against the open position: a full
// close finalizes the backing trade in place, a partial close splits off a
// CLOSED lot while the backing trade keeps the remainder, and a fill larger
// than the position reverses the book into a fresh OPEN trade.
func (t *tracker) closeAgainst(o *types.Order) error {
	match, err := matchLot(t.pos.Direction, t.pos.Quantity, t.pos.AvgEntryPrice, o.Quantity, *o.Price)
	if err != nil {
		return err
	}

	trade, err := t.backing()
	if err != nil {
		return err
	}

	exitPrice := *o.Price
	now := time.Now()

	if match.Remaining == 0 {
		// The fill consumes the entire position: the backing trade itself
		// becomes the CLOSED lot.
		trade.Status = types.TradeStatusClosed
		trade.CloseQuantity = trade.OpenQuantity
		trade.AvgExitPrice = &exitPrice
		trade.Pnl = match.Pnl
		trade.UpdatedAt = now
		if err := trade.SetOrderIDs(append(t.pos.OrderIDs, o.OrderID)); err != nil {
			return fmt.Errorf("failed to encode contributing orders: %w", err)
		}
		t.touch(trade, false)
		t.link(o.OrderID, trade.TradeID)

		if trade.OpenQuantity != trade.CloseQuantity {
			return fmt.Errorf("%w: closed trade %s has open=%d close=%d", ErrInvariantViolation, trade.TradeID, trade.OpenQuantity, trade.CloseQuantity)
		}

		t.logger.Info().
			Str("trade_id", trade.TradeID).
			Str("order_id", o.OrderID).
			Int64("matched", match.Matched).
			Float64("pnl", match.Pnl).
			Msg("closed position")

		t.pos = Position{}
	} else {
		// Partial close: split the matched lot into its own CLOSED record;
		// the backing trade continues to represent the remainder.
		lot := &types.Trade{
			TradeID:       "TRD_" + uuid.New().String(),
			ClientID:      t.clientID,
			Symbol:        t.symbol,
			Side:          t.pos.Direction,
			Status:        types.TradeStatusClosed,
			OpenQuantity:  match.Matched,
			CloseQuantity: match.Matched,
			AvgEntryPrice: t.pos.AvgEntryPrice,
			AvgExitPrice:  &exitPrice,
			Pnl:           match.Pnl,
			CreatedAt:     now,
			UpdatedAt:     now,
		}
		// The lot carries every entry order ID plus the closing fill; only
		// the numeric amounts are scaled, not the order list.
		if err := lot.SetOrderIDs(append(append([]string{}, t.pos.OrderIDs...), o.OrderID)); err != nil {
			return fmt.Errorf("failed to encode contributing orders: %w", err)
		}
		t.touch(lot, true)
		t.link(o.OrderID, lot.TradeID)

		trade.OpenQuantity = match.Remaining
		trade.UpdatedAt = now
		t.touch(trade, false)

		t.pos.Quantity = match.Remaining

		t.logger.Info().
			Str("trade_id", lot.TradeID).
			Str("remainder_trade_id", trade.TradeID).
			Str("order_id", o.OrderID).
			Int64("matched", match.Matched).
			Int64("remaining", match.Remaining).
			Float64("pnl", match.Pnl).
			Msg("partially closed position")
	}

	if match.Leftover > 0 {
		// Reversal: the residual immediately opens a position in the
		// opposite direction at the closing fill's price.
		reversed := &types.Trade{
			TradeID:       "TRD_" + uuid.New().String(),
			ClientID:      t.clientID,
			Symbol:        t.symbol,
			Side:          trade.Side.Opposite(),
			Status:        types.TradeStatusOpen,
			OpenQuantity:  match.Leftover,
			AvgEntryPrice: exitPrice,
			CreatedAt:     now,
			UpdatedAt:     now,
		}
		if err := reversed.SetOrderIDs([]string{o.OrderID}); err != nil {
			return fmt.Errorf("failed to encode contributing orders: %w", err)
		}
		t.touch(reversed, true)

		t.pos = Position{
			Direction:     reversed.Side,
			Quantity:      reversed.OpenQuantity,
			AvgEntryPrice: reversed.AvgEntryPrice,
			OrderIDs:      []string{o.OrderID},
			TradeID:       reversed.TradeID,
		}

		t.logger.Info().
			Str("trade_id", reversed.TradeID).
			Str("order_id", o.OrderID).
			Str("side", string(reversed.Side)).
			Int64("quantity", reversed.OpenQuantity).
			Float64("avg_entry_price", reversed.AvgEntryPrice).
			Msg("reversed into opposite position")
	}

	if t.pos.Quantity < 0 {
		return fmt.Errorf("%w: negative open quantity %d after order %s", ErrInvariantViolation, t.pos.Quantity, o.OrderID)
	}
	return nil
}

// backing returns the trade record behind the current open position,
// registering the carried-over trade on first touch.
func (t *tracker) backing() (*types.Trade, error) {
	if trade, ok := t.trades[t.pos.TradeID]; ok {
		return trade, nil
	}
	if t.carried != nil && t.carried.TradeID == t.pos.TradeID {
		return t.carried, nil
	}
	return nil, fmt.Errorf("%w: no backing trade for position %s", ErrInvariantViolation, t.pos.TradeID)
}

// touch registers a trade in the changeset, preserving first-touch order.
func (t *tracker) touch(trade *types.Trade, created bool) {
	if _, ok := t.trades[trade.TradeID]; !ok {
		t.trades[trade.TradeID] = trade
		t.touched = append(t.touched, trade.TradeID)
		if created {
			t.created[trade.TradeID] = true
		}
	}
}

func (t *tracker) link(orderID, tradeID string) {
	t.links[tradeID] = append(t.links[tradeID], orderID)
}

func (t *tracker) result() *partitionResult {
	res := &partitionResult{
		Links:     t.links,
		Processed: t.processed,
		Skipped:   t.skipped,
	}
	for _, id := range t.touched {
		trade := t.trades[id]
		if t.created[id] {
			res.Creates = append(res.Creates, trade)
		} else {
			res.Updates = append(res.Updates, trade)
		}
		res.Emitted = append(res.Emitted, *trade)
	}
	return res
}
