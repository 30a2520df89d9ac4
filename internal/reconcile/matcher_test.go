package reconcile

import (
	"testing"

	"github.com/ksred/recon-api/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMatchLot(t *testing.T) {
	tests := []struct {
		name      string
		side      types.TradeSide
		openQty   int64
		avgEntry  float64
		fillQty   int64
		fillPrice float64
		want      lotMatch
	}{
		{
			name:    "long full close with profit",
			side:    types.TradeSideLong,
			openQty: 100, avgEntry: 150,
			fillQty: 100, fillPrice: 160,
			want: lotMatch{Matched: 100, Pnl: 1000, Remaining: 0, Leftover: 0},
		},
		{
			name:    "long full close with loss",
			side:    types.TradeSideLong,
			openQty: 100, avgEntry: 150,
			fillQty: 100, fillPrice: 140,
			want: lotMatch{Matched: 100, Pnl: -1000, Remaining: 0, Leftover: 0},
		},
		{
			name:    "short cover with profit",
			side:    types.TradeSideShort,
			openQty: 100, avgEntry: 150,
			fillQty: 100, fillPrice: 140,
			want: lotMatch{Matched: 100, Pnl: 1000, Remaining: 0, Leftover: 0},
		},
		{
			name:    "short cover with loss",
			side:    types.TradeSideShort,
			openQty: 50, avgEntry: 100,
			fillQty: 50, fillPrice: 110,
			want: lotMatch{Matched: 50, Pnl: -500, Remaining: 0, Leftover: 0},
		},
		{
			name:    "partial close leaves remainder",
			side:    types.TradeSideLong,
			openQty: 100, avgEntry: 150,
			fillQty: 40, fillPrice: 155,
			want: lotMatch{Matched: 40, Pnl: 200, Remaining: 60, Leftover: 0},
		},
		{
			name:    "oversized fill produces reversal leftover",
			side:    types.TradeSideLong,
			openQty: 100, avgEntry: 150,
			fillQty: 150, fillPrice: 160,
			want: lotMatch{Matched: 100, Pnl: 1000, Remaining: 0, Leftover: 50},
		},
		{
			name:    "short reversal leftover",
			side:    types.TradeSideShort,
			openQty: 30, avgEntry: 200,
			fillQty: 70, fillPrice: 190,
			want: lotMatch{Matched: 30, Pnl: 300, Remaining: 0, Leftover: 40},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := matchLot(tt.side, tt.openQty, tt.avgEntry, tt.fillQty, tt.fillPrice)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestMatchLotRejectsBadInputs(t *testing.T) {
	_, err := matchLot(types.TradeSideLong, 0, 150, 10, 160)
	require.ErrorIs(t, err, ErrInvariantViolation)

	_, err = matchLot(types.TradeSideLong, 10, 150, 0, 160)
	require.ErrorIs(t, err, ErrInvariantViolation)

	_, err = matchLot(types.TradeSide("SIDEWAYS"), 10, 150, 10, 160)
	require.ErrorIs(t, err, ErrInvariantViolation)
}

func TestRealizedPnlSignConvention(t *testing.T) {
	// Profit is positive when price moves favorably for the held direction.
	pnl, err := realizedPnl(types.TradeSideLong, 100, 110, 10)
	require.NoError(t, err)
	assert.Equal(t, 100.0, pnl)

	pnl, err = realizedPnl(types.TradeSideShort, 100, 110, 10)
	require.NoError(t, err)
	assert.Equal(t, -100.0, pnl)
}

func TestWeightedEntry(t *testing.T) {
	assert.Equal(t, 160.0, weightedEntry(100, 150, 50, 180))
	assert.Equal(t, 150.0, weightedEntry(100, 150, 100, 150))
	// Fresh position: old quantity zero contributes nothing.
	assert.Equal(t, 120.0, weightedEntry(0, 0, 10, 120))
}
