package demand_test

import (
	"testing"

	"github.com/shopspring/decimal"

	"github.com/velosim/market-engine/internal/config"
	"github.com/velosim/market-engine/internal/demand"
	"github.com/velosim/market-engine/internal/model"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func testMarket() *model.Market {
	return &model.Market{
		ID:               "muenster",
		CapacityBaseline: 200,
		Elasticity:       d(1.0),
		CategoryMultipliers: map[string]decimal.Decimal{
			"city": d(1.5),
		},
		Seasonal: map[string][]decimal.Decimal{
			"city": {d(1.2), d(1.2), d(1.2), d(1.2), d(1.2), d(1.2), d(1.2), d(1.2), d(1.2), d(1.2), d(1.2), d(1.2)},
		},
	}
}

func TestBase(t *testing.T) {
	params := config.Default()
	m := demand.New(&params)

	// 200 × 1.5 × 0.4 × 1.2 = 144
	base := m.Base(testMarket(), "city", model.SegmentMid, 1)
	if !base.Equal(d(144)) {
		t.Fatalf("base demand: got %s, want 144", base)
	}
}

func TestBase_UnknownCategoryDefaultsToOne(t *testing.T) {
	params := config.Default()
	m := demand.New(&params)

	// 200 × 1.0 × 0.4 × 1.0 = 80
	base := m.Base(testMarket(), "unknown-product", model.SegmentMid, 1)
	if !base.Equal(d(80)) {
		t.Fatalf("unknown category should use multiplier 1, got %s", base)
	}
}

func TestAveragePrice_QuantityWeighted(t *testing.T) {
	offers := []model.Offer{
		{Quantity: 30, NominalPrice: d(800)},
		{Quantity: 25, NominalPrice: d(750)},
	}

	// (30×800 + 25×750) / 55 = 777.27...
	avg := demand.AveragePrice(offers)
	want := d(42750).Div(d(55))
	if !avg.Equal(want) {
		t.Fatalf("average price: got %s, want %s", avg, want)
	}
}

func TestAveragePrice_Empty(t *testing.T) {
	if got := demand.AveragePrice(nil); !got.IsZero() {
		t.Fatalf("no offers should yield zero average, got %s", got)
	}
}

func TestFinalize_ElasticityDampensAboveBaseline(t *testing.T) {
	params := config.Default()
	m := demand.New(&params)
	mkt := testMarket()

	offers := []model.Offer{
		{Quantity: 30, NominalPrice: d(800)},
		{Quantity: 25, NominalPrice: d(750)},
	}

	base := m.Base(mkt, "city", model.SegmentMid, 1)
	got := m.Finalize(mkt, model.SegmentMid, base, offers)

	// avg 777.27, baseline 700, ratio 1.1104, adj 0.9448, 144×0.9448 → 136
	if got != 136 {
		t.Fatalf("finalized demand: got %d, want 136", got)
	}
}

func TestFinalize_BelowBaselineBoostsDemand(t *testing.T) {
	params := config.Default()
	m := demand.New(&params)
	mkt := testMarket()

	cheap := []model.Offer{{Quantity: 10, NominalPrice: d(350)}}
	atBaseline := []model.Offer{{Quantity: 10, NominalPrice: d(700)}}

	base := m.Base(mkt, "city", model.SegmentMid, 1)
	if m.Finalize(mkt, model.SegmentMid, base, cheap) <= m.Finalize(mkt, model.SegmentMid, base, atBaseline) {
		t.Fatal("pricing below baseline should increase demand")
	}
}

func TestAdjustment_Clamped(t *testing.T) {
	params := config.Default()
	m := demand.New(&params)
	mkt := testMarket()

	// Ratio 10 → raw adjustment far below the floor.
	low := m.Adjustment(mkt, model.SegmentMid, d(7000))
	if !low.Equal(d(0.3)) {
		t.Fatalf("adjustment floor: got %s, want 0.3", low)
	}

	// Near-free pricing with strong elasticity → raw adjustment above the
	// ceiling.
	elastic := testMarket()
	elastic.Elasticity = d(2.0)
	high := m.Adjustment(elastic, model.SegmentMid, d(1))
	if !high.Equal(d(1.5)) {
		t.Fatalf("adjustment ceiling: got %s, want 1.5", high)
	}
}

func TestAdjustment_NonPositiveInputsNeutral(t *testing.T) {
	params := config.Default()
	m := demand.New(&params)
	mkt := testMarket()

	if got := m.Adjustment(mkt, model.SegmentMid, decimal.Zero); !got.Equal(d(1)) {
		t.Fatalf("zero average price should yield neutral adjustment, got %s", got)
	}
}

func TestFinalize_NoOffersSkipsAdjustment(t *testing.T) {
	params := config.Default()
	m := demand.New(&params)
	mkt := testMarket()

	base := m.Base(mkt, "city", model.SegmentMid, 1)
	if got := m.Finalize(mkt, model.SegmentMid, base, nil); got != 144 {
		t.Fatalf("empty cell should keep base demand, got %d", got)
	}
}

func TestFinalize_NeverNegative(t *testing.T) {
	params := config.Default()
	m := demand.New(&params)
	mkt := testMarket()

	if got := m.Finalize(mkt, model.SegmentMid, d(-10), nil); got != 0 {
		t.Fatalf("negative base must floor at zero, got %d", got)
	}
}

func TestSeasonalFactor_Wraps(t *testing.T) {
	mkt := testMarket()
	mkt.Seasonal["city"] = []decimal.Decimal{
		d(0.5), d(1), d(1), d(1), d(1), d(1), d(1), d(1), d(1), d(1), d(1), d(1),
	}

	if got := mkt.SeasonalFactor("city", 1); !got.Equal(d(0.5)) {
		t.Fatalf("period 1 should map to entry 0, got %s", got)
	}
	if got := mkt.SeasonalFactor("city", 13); !got.Equal(d(0.5)) {
		t.Fatalf("period 13 should wrap to entry 0, got %s", got)
	}
}
