package config_test

import (
	"strings"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/velosim/market-engine/internal/config"
	"github.com/velosim/market-engine/internal/model"
)

const minimalYAML = `
products:
  - id: city
    name: City bike
markets:
  - id: m1
    name: Test Market
    capacity_baseline: 100
    elasticity: 1.0
    category_multipliers:
      city: 1.5
`

func TestParse_DefaultsWhenEngineBlockAbsent(t *testing.T) {
	cfg, err := config.Parse([]byte(minimalYAML))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}

	if !cfg.Params.SegmentShares[model.SegmentLow].Equal(decimal.NewFromFloat(0.4)) {
		t.Fatalf("missing engine block should fall back to stock parameters")
	}
	if cfg.Market("m1") == nil {
		t.Fatal("market m1 should be loaded")
	}
	if !cfg.HasProduct("city") {
		t.Fatal("product city should be loaded")
	}
	if cfg.HasProduct("gravel") {
		t.Fatal("unknown product should not resolve")
	}
}

func TestParse_RejectsBadSegmentShares(t *testing.T) {
	bad := strings.Replace(minimalYAML, "products:", `
engine:
  storage_cost_rate: 0.02
  segment_shares:
    low: 0.5
    mid: 0.5
    high: 0.5
  baseline_prices:
    low: 400
    mid: 700
    high: 1200
  quality_factors:
    low: 0.8
    mid: 1.0
    high: 1.3
  aging_penalties:
    - max_age: 1
      factor: 1.0
  aged_factor: 0.85
products:`, 1)

	if _, err := config.Parse([]byte(bad)); err == nil {
		t.Fatal("shares summing to 1.5 must be rejected")
	}
}

func TestValidate_RejectsShortSeasonalRow(t *testing.T) {
	cfg, err := config.Parse([]byte(minimalYAML))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	cfg.Markets[0].Seasonal = map[string][]decimal.Decimal{
		"city": {decimal.NewFromInt(1), decimal.NewFromInt(1)},
	}

	if err := cfg.Validate(); err == nil {
		t.Fatal("seasonal row with 2 entries must be rejected")
	}
}

func TestValidate_RejectsIncreasingAgingFactors(t *testing.T) {
	cfg, err := config.Parse([]byte(minimalYAML))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	cfg.Params.AgingSteps = []config.AgingStep{
		{MaxAge: 1, Factor: decimal.NewFromFloat(0.9)},
		{MaxAge: 3, Factor: decimal.NewFromFloat(0.95)},
	}

	if err := cfg.Validate(); err == nil {
		t.Fatal("aging factors rising with age must be rejected")
	}
}

func TestValidate_RejectsDuplicateMarketIDs(t *testing.T) {
	cfg, err := config.Parse([]byte(minimalYAML))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	cfg.Markets = append(cfg.Markets, cfg.Markets[0])

	if err := cfg.Validate(); err == nil {
		t.Fatal("duplicate market ids must be rejected")
	}
}

func TestValidate_RejectsEmptyCatalog(t *testing.T) {
	cfg := &config.Config{Params: config.Default()}
	if err := cfg.Validate(); err == nil {
		t.Fatal("catalog without markets must be rejected")
	}
}

func TestAgingPenalty_Steps(t *testing.T) {
	p := config.Default()

	cases := []struct {
		age  int
		want float64
	}{
		{0, 1.0},
		{1, 1.0},
		{2, 0.95},
		{3, 0.95},
		{4, 0.90},
		{6, 0.90},
		{7, 0.85},
		{20, 0.85},
	}
	for _, tc := range cases {
		got := p.AgingPenalty(tc.age)
		if !got.Equal(decimal.NewFromFloat(tc.want)) {
			t.Errorf("AgingPenalty(%d) = %s, want %v", tc.age, got, tc.want)
		}
	}
}
