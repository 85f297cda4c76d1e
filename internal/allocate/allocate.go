// Package allocate ranks a cell's offers and allocates them against the
// demand ceiling.
//
// Allocation is capacity-bound, not price-bound: there is no price floor
// rejection distinct from running out of demand, so a high-priced offer
// still sells in full whenever demand exceeds total supply. Price
// uncompetitiveness only matters as a rank.
package allocate

import (
	"sort"

	"github.com/velosim/market-engine/internal/model"
)

// Run sorts offers ascending by effective ranking price and walks the list
// accumulating quantity until the demand ceiling is reached. The boundary
// offer is split; everything past the ceiling stays at zero allocation.
//
// Ties on effective price break by decision submission sequence, earliest
// first. This ordering is deliberate and stable — never the incidental
// collection order.
//
// The returned slice is the input reordered with Allocated filled in. The
// pass is single-threaded by design: each offer's allocation depends on the
// ones ranked before it.
func Run(offers []model.Offer, demand int64) []model.Offer {
	sort.Slice(offers, func(i, j int) bool {
		if !offers[i].EffectivePrice.Equal(offers[j].EffectivePrice) {
			return offers[i].EffectivePrice.LessThan(offers[j].EffectivePrice)
		}
		return offers[i].Seq < offers[j].Seq
	})

	remaining := demand
	if remaining < 0 {
		remaining = 0
	}
	for i := range offers {
		if remaining <= 0 {
			offers[i].Allocated = 0
			continue
		}
		take := offers[i].Quantity
		if take > remaining {
			take = remaining
		}
		offers[i].Allocated = take
		remaining -= take
	}
	return offers
}

// Total sums allocated units across offers.
func Total(offers []model.Offer) int64 {
	var n int64
	for i := range offers {
		n += offers[i].Allocated
	}
	return n
}
