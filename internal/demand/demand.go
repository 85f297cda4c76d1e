// Package demand computes the absorbable quantity for one
// (market, product, segment) cell per period.
//
// Demand is finalized in two passes: the base term depends only on the
// market and calendar, while the elasticity term needs the cell's offers to
// exist first. Callers gather offers, then call Finalize, then allocate
// against the finalized number.
package demand

import (
	"github.com/shopspring/decimal"

	"github.com/velosim/market-engine/internal/config"
	"github.com/velosim/market-engine/internal/model"
)

var (
	one  = decimal.NewFromInt(1)
	half = decimal.NewFromFloat(0.5)

	// Elasticity adjustment clamp bounds: demand never drops below 30% of
	// base or rises above 150% on price effects alone.
	adjustFloor = decimal.NewFromFloat(0.3)
	adjustCeil  = decimal.NewFromFloat(1.5)
)

// Model computes cell demand using the engine parameters.
type Model struct {
	params *config.Params
}

func New(params *config.Params) *Model {
	return &Model{params: params}
}

// Base returns the pre-elasticity demand for a cell:
//
//	capacityBaseline × categoryMultiplier × segmentShare × seasonalFactor
//
// Negative multiplier inputs clamp the result to zero rather than letting a
// negative number reach allocation.
func (m *Model) Base(mkt *model.Market, productID string, seg model.Segment, period int) decimal.Decimal {
	base := decimal.NewFromInt(mkt.CapacityBaseline).
		Mul(mkt.CategoryMultiplier(productID)).
		Mul(m.params.SegmentShares[seg]).
		Mul(mkt.SeasonalFactor(productID, period))
	if base.IsNegative() {
		return decimal.Zero
	}
	return base
}

// AveragePrice returns the quantity-weighted mean of the offers' nominal
// unit prices, or zero when nothing is offered.
func AveragePrice(offers []model.Offer) decimal.Decimal {
	totalValue := decimal.Zero
	var totalQty int64
	for i := range offers {
		qty := decimal.NewFromInt(offers[i].Quantity)
		totalValue = totalValue.Add(offers[i].NominalPrice.Mul(qty))
		totalQty += offers[i].Quantity
	}
	if totalQty == 0 {
		return decimal.Zero
	}
	return totalValue.Div(decimal.NewFromInt(totalQty))
}

// Adjustment returns the elasticity dampening factor for an average offered
// price against the segment baseline, clamped to [0.3, 1.5].
func (m *Model) Adjustment(mkt *model.Market, seg model.Segment, avgPrice decimal.Decimal) decimal.Decimal {
	basePrice := m.params.BaselinePrices[seg]
	if basePrice.LessThanOrEqual(decimal.Zero) || avgPrice.LessThanOrEqual(decimal.Zero) {
		return one
	}
	ratio := avgPrice.Div(basePrice)
	adj := one.Sub(ratio.Sub(one).Mul(mkt.Elasticity).Mul(half))
	if adj.LessThan(adjustFloor) {
		return adjustFloor
	}
	if adj.GreaterThan(adjustCeil) {
		return adjustCeil
	}
	return adj
}

// Finalize applies the elasticity term to a base demand given the cell's
// collected offers and returns the integer demand ceiling, floored at zero.
func (m *Model) Finalize(mkt *model.Market, seg model.Segment, base decimal.Decimal, offers []model.Offer) int64 {
	adj := one
	if len(offers) > 0 {
		adj = m.Adjustment(mkt, seg, AveragePrice(offers))
	}
	d := base.Mul(adj).Round(0).IntPart()
	if d < 0 {
		return 0
	}
	return d
}
