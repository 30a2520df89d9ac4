package reconcile

import (
	"errors"
	"fmt"

	"github.com/ksred/recon-api/internal/types"
)

// ErrInvariantViolation marks a programming-bug-class inconsistency in
// position arithmetic. The partition run is aborted; financial quantities
// are never silently corrected.
var ErrInvariantViolation = errors.New("position invariant violation")

// lotMatch is the outcome of applying one opposing fill against the open
// position of a partition.
type lotMatch struct {
	// Matched is the quantity consumed from the open position, min(Q, q).
	Matched int64
	// Pnl is the realized amount for the matched lot, positive when the
	// price moved favorably for the held direction.
	Pnl float64
	// Remaining is the open quantity left on the position after matching.
	Remaining int64
	// Leftover is the residual fill quantity that reverses the book into
	// the opposite direction. Zero unless the fill exceeded the position.
	Leftover int64
}

// matchLot computes the FIFO match between an open position (side, openQty
// at avgEntry) and an opposing fill (fillQty at fillPrice). It is pure
// arithmetic with no side effects.
func matchLot(side types.TradeSide, openQty int64, avgEntry float64, fillQty int64, fillPrice float64) (lotMatch, error) {
	if openQty <= 0 || fillQty <= 0 {
		return lotMatch{}, fmt.Errorf("%w: match called with open=%d fill=%d", ErrInvariantViolation, openQty, fillQty)
	}

	matched := fillQty
	if openQty < matched {
		matched = openQty
	}

	pnl, err := realizedPnl(side, avgEntry, fillPrice, matched)
	if err != nil {
		return lotMatch{}, err
	}

	return lotMatch{
		Matched:   matched,
		Pnl:       pnl,
		Remaining: openQty - matched,
		Leftover:  fillQty - matched,
	}, nil
}

// realizedPnl returns the signed profit for closing matched units of the
// given side: (exit-entry)*qty for LONG, (entry-exit)*qty for SHORT.
func realizedPnl(side types.TradeSide, entry, exit float64, matched int64) (float64, error) {
	switch side {
	case types.TradeSideLong:
		return (exit - entry) * float64(matched), nil
	case types.TradeSideShort:
		return (entry - exit) * float64(matched), nil
	default:
		return 0, fmt.Errorf("%w: unknown trade side %q", ErrInvariantViolation, side)
	}
}

// weightedEntry folds a same-direction fill into the position's average
// entry price: (oldQty*oldAvg + qty*price) / (oldQty + qty).
func weightedEntry(oldQty int64, oldAvg float64, qty int64, price float64) float64 {
	total := oldQty + qty
	return (float64(oldQty)*oldAvg + float64(qty)*price) / float64(total)
}
