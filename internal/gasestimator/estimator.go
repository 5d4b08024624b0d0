// Package gasestimator implements the GasPriceEstimator of spec.md §4.5.1:
// an exponential bidding curve that starts near the node's spot price far
// from an appointment's deadline and rises to an operator-defined cap as
// the deadline approaches.
//
// The curve is pure arithmetic pinned by two points on the chain timeline,
// so it is grounded on the standard library's math/big rather than any
// third-party numeric package — nothing in the example corpus ships a
// curve-fitting library, and a two-point exponential fit is a handful of
// lines std math covers cleanly (see DESIGN.md).
package gasestimator

import (
	"math"
	"math/big"
)

// Estimator fits an exponential curve through (MAX_BLOCKS, MAX_PRICE) and
// (endBlock − H_floor, P0), spec.md §4.5.1.
type Estimator struct {
	maxBlocks uint64
	maxPrice  *big.Int
	hFloor    uint64
}

// New constructs an Estimator. maxBlocks and maxPrice come from
// Config.GasCurveMaxBlocks / Config.MaxGasPrice; hFloor is the fixed lead
// Config.GasCurveMedianBlocks names.
func New(maxBlocks uint64, maxPrice *big.Int, hFloor uint64) *Estimator {
	return &Estimator{maxBlocks: maxBlocks, maxPrice: maxPrice, hFloor: hFloor}
}

// GasPrice returns the ideal gas price, in wei, for a request with endBlock
// blocksLeft blocks from the current tip and spot price p0. p0 < 0 is
// treated as 0; a p0 of exactly 0 substitutes 1 per spec.md §4.5.1.
func (e *Estimator) GasPrice(blocksLeft uint64, p0 *big.Int) *big.Int {
	if blocksLeft <= e.maxBlocks {
		return new(big.Int).Set(e.maxPrice)
	}

	spot := new(big.Int).Set(p0)
	if spot.Sign() < 0 {
		spot.SetInt64(0)
	}
	if spot.Sign() == 0 {
		spot.SetInt64(1)
	}

	// Fit y = a * b^x through (maxBlocks, maxPrice) and (pivot, spot), where
	// pivot is the second curve point's x-coordinate: endBlock - hFloor,
	// expressed here as blocksLeft's own frame (blocksLeft already measures
	// distance to endBlock, so the pivot is blocksLeft's value when the tip
	// sits hFloor blocks before endBlock: pivot = hFloor's complement within
	// the same blocksLeft axis used throughout this call).
	pivot := e.hFloor
	if pivot <= e.maxBlocks {
		// Degenerate configuration: the fixed lead doesn't clear maxBlocks,
		// so every request past maxBlocks just holds at the spot price.
		return spot
	}

	maxPriceF, _ := new(big.Float).SetInt(e.maxPrice).Float64()
	spotF, _ := new(big.Float).SetInt(spot).Float64()
	if maxPriceF <= 0 {
		maxPriceF = 1
	}

	logB := math.Log(spotF/maxPriceF) / (float64(pivot) - float64(e.maxBlocks))
	a := maxPriceF / math.Exp(logB*float64(e.maxBlocks))

	y := a * math.Exp(logB*float64(blocksLeft))
	if math.IsNaN(y) || math.IsInf(y, 0) || y <= 0 {
		return spot
	}

	price := new(big.Int)
	big.NewFloat(math.Ceil(y)).Int(price)

	if price.Cmp(e.maxPrice) > 0 {
		return new(big.Int).Set(e.maxPrice)
	}
	if price.Sign() <= 0 {
		return big.NewInt(1)
	}
	return price
}
