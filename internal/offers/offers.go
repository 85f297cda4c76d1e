// Package offers materializes ranked sell offers from pending decisions,
// backed by real inventory lots.
//
// Each offer is backed by exactly one lot, so the aging penalty is exact
// even when a decision spans lots of different ages. The effective ranking
// price incorporates the aging penalty, a quality factor, and a small
// random variance drawn from an injectable source.
package offers

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/velosim/market-engine/internal/config"
	"github.com/velosim/market-engine/internal/entropy"
	"github.com/velosim/market-engine/internal/model"
)

// InventoryGateway is the per-agent read of unsold stock, oldest lots first.
// Owned by the persistence layer; consumed here.
type InventoryGateway interface {
	ListUnsoldLots(ctx context.Context, gameID, agentID, productID string, seg model.Segment) ([]model.InventoryLot, error)
}

// Variance bounds: each offer's ranking price is multiplied by a uniform
// draw in [varianceBase, varianceBase+varianceSpan].
var (
	varianceBase = decimal.NewFromFloat(0.95)
	varianceSpan = decimal.NewFromFloat(0.10)
)

// Collector turns decisions into ranked offers.
type Collector struct {
	params *config.Params
	src    entropy.Source
}

func NewCollector(params *config.Params, src entropy.Source) *Collector {
	return &Collector{params: params, src: src}
}

// Collect builds offers for every decision in one cell, drawing from each
// agent's own lots oldest first. Units promised to an earlier decision in
// the same pass are not offered again, so two decisions by one agent share
// the agent's stock instead of each claiming it whole. Fails closed: when
// an agent holds fewer available units than requested, the offer is capped
// to what exists — the shortfall is never offered, and never reported as a
// sale failure.
func (c *Collector) Collect(ctx context.Context, gw InventoryGateway, decisions []model.SellDecision) ([]model.Offer, error) {
	var out []model.Offer
	drawn := make(map[string]int64)

	for i := range decisions {
		dec := &decisions[i]
		lots, err := gw.ListUnsoldLots(ctx, dec.GameID, dec.AgentID, dec.ProductID, dec.Segment)
		if err != nil {
			return nil, fmt.Errorf("collect offers for decision %s: %w", dec.ID, err)
		}

		remaining := dec.Quantity
		for j := range lots {
			if remaining <= 0 {
				break
			}
			lot := &lots[j]
			avail := lot.Available() - drawn[lot.ID]
			if avail <= 0 {
				continue
			}
			qty := avail
			if qty > remaining {
				qty = remaining
			}
			remaining -= qty
			drawn[lot.ID] += qty

			out = append(out, model.Offer{
				DecisionID:     dec.ID,
				AgentID:        dec.AgentID,
				LotID:          lot.ID,
				Quantity:       qty,
				NominalPrice:   dec.DesiredPrice,
				EffectivePrice: c.effectivePrice(dec, lot),
				Seq:            dec.Seq,
			})
		}
	}

	return out, nil
}

// effectivePrice derives the ranking-only price:
//
//	desired × agingPenalty(lot.age) × variance / qualityFactor(segment)
func (c *Collector) effectivePrice(dec *model.SellDecision, lot *model.InventoryLot) decimal.Decimal {
	penalty := c.params.AgingPenalty(lot.AgePeriods)
	variance := varianceBase.Add(varianceSpan.Mul(decimal.NewFromFloat(c.src.Float64())))
	quality := c.params.QualityFactors[dec.Segment]
	if quality.LessThanOrEqual(decimal.Zero) {
		quality = decimal.NewFromInt(1)
	}
	return dec.DesiredPrice.Mul(penalty).Mul(variance).Div(quality)
}

// OfferedByDecision sums offered units per decision id.
func OfferedByDecision(offers []model.Offer) map[string]int64 {
	totals := make(map[string]int64)
	for i := range offers {
		totals[offers[i].DecisionID] += offers[i].Quantity
	}
	return totals
}
