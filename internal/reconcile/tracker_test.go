package reconcile

import (
	"math"
	"testing"
	"time"

	"github.com/ksred/recon-api/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var trackerBase = time.Date(2024, 5, 1, 9, 30, 0, 0, time.UTC)

// fill builds an eligible order executed at base + minutes.
func fill(id string, side types.OrderSide, qty int64, price float64, minutes int) types.Order {
	p := price
	at := trackerBase.Add(time.Duration(minutes) * time.Minute)
	return types.Order{
		OrderID:    id,
		ClientID:   "client-1",
		Symbol:     "AAPL",
		Side:       side,
		Quantity:   qty,
		Price:      &p,
		ExecutedAt: &at,
	}
}

func track(t *testing.T, open *types.Trade, orders ...types.Order) *partitionResult {
	t.Helper()
	res, err := trackPartition("client-1", "AAPL", open, orders)
	require.NoError(t, err)
	return res
}

func TestSingleBuyOpensLongPosition(t *testing.T) {
	res := track(t, nil, fill("o1", types.SideBuy, 100, 150, 0))

	require.Len(t, res.Emitted, 1)
	trade := res.Emitted[0]
	assert.Equal(t, types.TradeSideLong, trade.Side)
	assert.Equal(t, types.TradeStatusOpen, trade.Status)
	assert.Equal(t, int64(100), trade.OpenQuantity)
	assert.Equal(t, int64(0), trade.CloseQuantity)
	assert.Equal(t, 150.0, trade.AvgEntryPrice)
	assert.Nil(t, trade.AvgExitPrice)
	assert.Equal(t, 0.0, trade.Pnl)

	ids, err := trade.OrderIDs()
	require.NoError(t, err)
	assert.Equal(t, []string{"o1"}, ids)
	assert.Equal(t, 1, trade.OrdersCount)

	require.Len(t, res.Creates, 1)
	assert.Empty(t, res.Updates)
	assert.Equal(t, []string{"o1"}, res.Links[trade.TradeID])
}

func TestBuyThenFullSellClosesTrade(t *testing.T) {
	res := track(t, nil,
		fill("o1", types.SideBuy, 100, 150, 0),
		fill("o2", types.SideSell, 100, 160, 1),
	)

	require.Len(t, res.Emitted, 1)
	trade := res.Emitted[0]
	assert.Equal(t, types.TradeStatusClosed, trade.Status)
	assert.Equal(t, int64(100), trade.OpenQuantity)
	assert.Equal(t, int64(100), trade.CloseQuantity)
	assert.Equal(t, 150.0, trade.AvgEntryPrice)
	require.NotNil(t, trade.AvgExitPrice)
	assert.Equal(t, 160.0, *trade.AvgExitPrice)
	assert.Equal(t, 1000.0, trade.Pnl)
	assert.Equal(t, 2, trade.OrdersCount)

	// Both fills link to the same trade.
	assert.ElementsMatch(t, []string{"o1", "o2"}, res.Links[trade.TradeID])
}

func TestOversizedSellReversesIntoShort(t *testing.T) {
	res := track(t, nil,
		fill("o1", types.SideBuy, 100, 150, 0),
		fill("o2", types.SideSell, 150, 160, 1),
	)

	require.Len(t, res.Emitted, 2)

	closed := res.Emitted[0]
	assert.Equal(t, types.TradeStatusClosed, closed.Status)
	assert.Equal(t, int64(100), closed.OpenQuantity)
	assert.Equal(t, int64(100), closed.CloseQuantity)
	assert.Equal(t, 1000.0, closed.Pnl)

	reversed := res.Emitted[1]
	assert.Equal(t, types.TradeSideShort, reversed.Side)
	assert.Equal(t, types.TradeStatusOpen, reversed.Status)
	assert.Equal(t, int64(50), reversed.OpenQuantity)
	assert.Equal(t, 160.0, reversed.AvgEntryPrice)
	assert.Equal(t, 0.0, reversed.Pnl)

	// The closing fill is stamped once, on the trade it completed.
	assert.ElementsMatch(t, []string{"o1", "o2"}, res.Links[closed.TradeID])
	assert.Empty(t, res.Links[reversed.TradeID])

	ids, err := reversed.OrderIDs()
	require.NoError(t, err)
	assert.Equal(t, []string{"o2"}, ids)
}

func TestShortCover(t *testing.T) {
	res := track(t, nil,
		fill("o1", types.SideSell, 100, 150, 0),
		fill("o2", types.SideBuy, 100, 140, 1),
	)

	require.Len(t, res.Emitted, 1)
	trade := res.Emitted[0]
	assert.Equal(t, types.TradeSideShort, trade.Side)
	assert.Equal(t, types.TradeStatusClosed, trade.Status)
	assert.Equal(t, 150.0, trade.AvgEntryPrice)
	require.NotNil(t, trade.AvgExitPrice)
	assert.Equal(t, 140.0, *trade.AvgExitPrice)
	assert.Equal(t, 1000.0, trade.Pnl)
}

func TestIneligibleFillsAreSkippedWithoutSideEffects(t *testing.T) {
	noPrice := fill("o1", types.SideBuy, 100, 150, 0)
	noPrice.Price = nil

	noTime := fill("o2", types.SideBuy, 100, 150, 1)
	noTime.ExecutedAt = nil

	zeroQty := fill("o3", types.SideBuy, 0, 150, 2)
	badSide := fill("o4", types.OrderSide("HOLD"), 100, 150, 3)
	negPrice := fill("o5", types.SideBuy, 100, -10, 4)
	nanPrice := fill("o6", types.SideBuy, 100, math.NaN(), 5)

	res := track(t, nil, noPrice, noTime, zeroQty, badSide, negPrice, nanPrice)

	assert.True(t, res.Empty())
	assert.Empty(t, res.Emitted)
	assert.Equal(t, 0, res.Processed)
	assert.Equal(t, 6, res.Skipped)
}

func TestSameDirectionFillsAccumulateWeightedAverage(t *testing.T) {
	res := track(t, nil,
		fill("o1", types.SideBuy, 100, 150, 0),
		fill("o2", types.SideBuy, 50, 180, 1),
	)

	require.Len(t, res.Emitted, 1)
	trade := res.Emitted[0]
	assert.Equal(t, types.TradeStatusOpen, trade.Status)
	assert.Equal(t, int64(150), trade.OpenQuantity)
	assert.Equal(t, 160.0, trade.AvgEntryPrice)
	assert.Equal(t, 2, trade.OrdersCount)

	// Accumulation mutates the open trade; no second trade record exists.
	require.Len(t, res.Creates, 1)
	assert.Empty(t, res.Updates)
}

func TestPartialCloseSplitsClosedLotAndKeepsRemainder(t *testing.T) {
	res := track(t, nil,
		fill("o1", types.SideBuy, 100, 150, 0),
		fill("o2", types.SideSell, 50, 160, 1),
	)

	require.Len(t, res.Emitted, 2)

	remainder := res.Emitted[0]
	assert.Equal(t, types.TradeStatusOpen, remainder.Status)
	assert.Equal(t, int64(50), remainder.OpenQuantity)
	assert.Equal(t, int64(0), remainder.CloseQuantity)
	assert.Equal(t, 150.0, remainder.AvgEntryPrice)
	assert.Equal(t, 0.0, remainder.Pnl)

	lot := res.Emitted[1]
	assert.Equal(t, types.TradeStatusClosed, lot.Status)
	assert.Equal(t, int64(50), lot.OpenQuantity)
	assert.Equal(t, int64(50), lot.CloseQuantity)
	assert.Equal(t, 150.0, lot.AvgEntryPrice)
	require.NotNil(t, lot.AvgExitPrice)
	assert.Equal(t, 160.0, *lot.AvgExitPrice)
	assert.Equal(t, 500.0, lot.Pnl)

	// The closed lot lists every contributing entry order plus the closing
	// fill; only the numeric amounts are scaled, not the order list.
	ids, err := lot.OrderIDs()
	require.NoError(t, err)
	assert.Equal(t, []string{"o1", "o2"}, ids)

	// The closing fill links to the lot it completed; the entry fill stays
	// linked to the trade it opened.
	assert.Equal(t, []string{"o1"}, res.Links[remainder.TradeID])
	assert.Equal(t, []string{"o2"}, res.Links[lot.TradeID])
}

func TestFillsAppliedInExecutionOrderRegardlessOfInputOrder(t *testing.T) {
	ordered := track(t, nil,
		fill("o1", types.SideBuy, 100, 150, 0),
		fill("o2", types.SideSell, 100, 160, 1),
	)
	shuffled := track(t, nil,
		fill("o2", types.SideSell, 100, 160, 1),
		fill("o1", types.SideBuy, 100, 150, 0),
	)

	require.Len(t, ordered.Emitted, 1)
	require.Len(t, shuffled.Emitted, 1)
	assert.Equal(t, ordered.Emitted[0].Status, shuffled.Emitted[0].Status)
	assert.Equal(t, ordered.Emitted[0].Pnl, shuffled.Emitted[0].Pnl)
	assert.Equal(t, ordered.Emitted[0].Side, shuffled.Emitted[0].Side)
}

func TestResumesFromCarriedOpenTrade(t *testing.T) {
	carried := &types.Trade{
		TradeID:       "TRD_carried",
		ClientID:      "client-1",
		Symbol:        "AAPL",
		Side:          types.TradeSideLong,
		Status:        types.TradeStatusOpen,
		OpenQuantity:  100,
		AvgEntryPrice: 150,
	}
	require.NoError(t, carried.SetOrderIDs([]string{"prev-1"}))

	res := track(t, carried, fill("o1", types.SideSell, 100, 170, 0))

	require.Len(t, res.Emitted, 1)
	trade := res.Emitted[0]
	assert.Equal(t, "TRD_carried", trade.TradeID)
	assert.Equal(t, types.TradeStatusClosed, trade.Status)
	assert.Equal(t, 2000.0, trade.Pnl)

	ids, err := trade.OrderIDs()
	require.NoError(t, err)
	assert.Equal(t, []string{"prev-1", "o1"}, ids)

	// The carried trade is an update, not a create.
	assert.Empty(t, res.Creates)
	require.Len(t, res.Updates, 1)
}

func TestResumingFromClosedTradeIsInvariantViolation(t *testing.T) {
	carried := &types.Trade{
		TradeID:       "TRD_closed",
		Status:        types.TradeStatusClosed,
		OpenQuantity:  100,
		CloseQuantity: 100,
	}

	_, err := trackPartition("client-1", "AAPL", carried, []types.Order{
		fill("o1", types.SideSell, 100, 170, 0),
	})
	require.ErrorIs(t, err, ErrInvariantViolation)
}

func TestClosedTradesConserveQuantityAndPnl(t *testing.T) {
	res := track(t, nil,
		fill("o1", types.SideBuy, 100, 150, 0),
		fill("o2", types.SideBuy, 100, 170, 1),
		fill("o3", types.SideSell, 150, 180, 2),
		fill("o4", types.SideSell, 50, 175, 3),
		fill("o5", types.SideSell, 25, 160, 4),
	)

	for _, trade := range res.Emitted {
		if trade.Status != types.TradeStatusClosed {
			continue
		}
		assert.Equal(t, trade.OpenQuantity, trade.CloseQuantity, "closed trade %s", trade.TradeID)
		require.NotNil(t, trade.AvgExitPrice)

		expected, err := realizedPnl(trade.Side, trade.AvgEntryPrice, *trade.AvgExitPrice, trade.CloseQuantity)
		require.NoError(t, err)
		assert.InDelta(t, expected, trade.Pnl, 1e-9, "closed trade %s", trade.TradeID)
	}
}
