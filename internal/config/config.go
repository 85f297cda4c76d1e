// Package config loads the market catalog and engine parameters from YAML.
// Validation happens at load time: a malformed catalog (bad segment shares,
// short seasonal rows, negative multipliers) never reaches turn processing.
package config

import (
	"errors"
	"fmt"
	"os"
	"sort"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/velosim/market-engine/internal/model"
)

// AgingStep is one aging-penalty threshold: lots up to MaxAge periods old
// rank with Factor applied to their nominal price.
type AgingStep struct {
	MaxAge int
	Factor decimal.Decimal
}

// Params are the engine-wide tuning parameters shared by all markets.
type Params struct {
	// SegmentShares split a product's demand across segments; must sum to 1.
	SegmentShares map[model.Segment]decimal.Decimal
	// BaselinePrices anchor the elasticity price ratio per segment.
	BaselinePrices map[model.Segment]decimal.Decimal
	// QualityFactors divide the effective ranking price; higher quality
	// ranks more competitively at the same nominal price.
	QualityFactors map[model.Segment]decimal.Decimal
	// AgingSteps are ordered by MaxAge ascending; AgedFactor applies past
	// the last step.
	AgingSteps []AgingStep
	AgedFactor decimal.Decimal
	// StorageCostRate is the per-period carrying cost as a fraction of a
	// lot's production cost basis.
	StorageCostRate decimal.Decimal
}

// AgingPenalty returns the ranking penalty factor for a lot age. Older
// stock ranks more competitively to encourage clearance.
func (p *Params) AgingPenalty(age int) decimal.Decimal {
	for _, step := range p.AgingSteps {
		if age <= step.MaxAge {
			return step.Factor
		}
	}
	return p.AgedFactor
}

// Product is one sellable product category.
type Product struct {
	ID   string `yaml:"id" json:"id"`
	Name string `yaml:"name" json:"name"`
}

// Config is the validated runtime configuration.
type Config struct {
	Params   Params
	Products []Product
	Markets  []model.Market
}

// HasProduct reports whether a product id is in the catalog.
func (c *Config) HasProduct(id string) bool {
	for i := range c.Products {
		if c.Products[i].ID == id {
			return true
		}
	}
	return false
}

// Market returns the market with the given id, or nil.
func (c *Config) Market(id string) *model.Market {
	for i := range c.Markets {
		if c.Markets[i].ID == id {
			return &c.Markets[i]
		}
	}
	return nil
}

// --- on-disk shape (floats in YAML, decimals after Load) ---

type rawAgingStep struct {
	MaxAge int     `yaml:"max_age"`
	Factor float64 `yaml:"factor"`
}

type rawEngine struct {
	StorageCostRate float64            `yaml:"storage_cost_rate"`
	SegmentShares   map[string]float64 `yaml:"segment_shares"`
	BaselinePrices  map[string]float64 `yaml:"baseline_prices"`
	QualityFactors  map[string]float64 `yaml:"quality_factors"`
	AgingPenalties  []rawAgingStep     `yaml:"aging_penalties"`
	AgedFactor      float64            `yaml:"aged_factor"`
}

type rawMarket struct {
	ID                  string               `yaml:"id"`
	Name                string               `yaml:"name"`
	CapacityBaseline    int64                `yaml:"capacity_baseline"`
	Elasticity          float64              `yaml:"elasticity"`
	CategoryMultipliers map[string]float64   `yaml:"category_multipliers"`
	Seasonal            map[string][]float64 `yaml:"seasonal"`
}

type rawConfig struct {
	Engine   rawEngine   `yaml:"engine"`
	Products []Product   `yaml:"products"`
	Markets  []rawMarket `yaml:"markets"`
}

// Load reads, converts, and validates a YAML config file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

// Parse converts and validates raw YAML bytes.
func Parse(data []byte) (*Config, error) {
	var raw rawConfig
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	cfg := &Config{Params: convertParams(raw.Engine), Products: raw.Products}
	if len(raw.Engine.SegmentShares) == 0 {
		// No engine block: fall back to the stock parameters.
		cfg.Params = Default()
	}
	for _, rm := range raw.Markets {
		cfg.Markets = append(cfg.Markets, convertMarket(rm))
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func convertParams(e rawEngine) Params {
	p := Params{
		SegmentShares:   make(map[model.Segment]decimal.Decimal),
		BaselinePrices:  make(map[model.Segment]decimal.Decimal),
		QualityFactors:  make(map[model.Segment]decimal.Decimal),
		StorageCostRate: decimal.NewFromFloat(e.StorageCostRate),
		AgedFactor:      decimal.NewFromFloat(e.AgedFactor),
	}
	for seg, v := range e.SegmentShares {
		p.SegmentShares[model.Segment(seg)] = decimal.NewFromFloat(v)
	}
	for seg, v := range e.BaselinePrices {
		p.BaselinePrices[model.Segment(seg)] = decimal.NewFromFloat(v)
	}
	for seg, v := range e.QualityFactors {
		p.QualityFactors[model.Segment(seg)] = decimal.NewFromFloat(v)
	}
	for _, s := range e.AgingPenalties {
		p.AgingSteps = append(p.AgingSteps, AgingStep{
			MaxAge: s.MaxAge,
			Factor: decimal.NewFromFloat(s.Factor),
		})
	}
	sort.Slice(p.AgingSteps, func(i, j int) bool {
		return p.AgingSteps[i].MaxAge < p.AgingSteps[j].MaxAge
	})
	return p
}

func convertMarket(rm rawMarket) model.Market {
	m := model.Market{
		ID:                  rm.ID,
		Name:                rm.Name,
		CapacityBaseline:    rm.CapacityBaseline,
		Elasticity:          decimal.NewFromFloat(rm.Elasticity),
		CategoryMultipliers: make(map[string]decimal.Decimal),
		Seasonal:            make(map[string][]decimal.Decimal),
	}
	for cat, v := range rm.CategoryMultipliers {
		m.CategoryMultipliers[cat] = decimal.NewFromFloat(v)
	}
	for cat, row := range rm.Seasonal {
		conv := make([]decimal.Decimal, len(row))
		for i, v := range row {
			conv[i] = decimal.NewFromFloat(v)
		}
		m.Seasonal[cat] = conv
	}
	return m
}

// Validate checks the structural invariants the turn processor relies on.
func (c *Config) Validate() error {
	p := &c.Params

	if len(c.Markets) == 0 {
		return errors.New("config: no markets defined")
	}
	if len(c.Products) == 0 {
		return errors.New("config: no products defined")
	}
	seenProducts := make(map[string]bool)
	for _, p := range c.Products {
		if p.ID == "" {
			return errors.New("config: product with empty id")
		}
		if seenProducts[p.ID] {
			return fmt.Errorf("config: duplicate product id %q", p.ID)
		}
		seenProducts[p.ID] = true
	}

	shareSum := decimal.Zero
	for _, seg := range model.Segments {
		share, ok := p.SegmentShares[seg]
		if !ok {
			return fmt.Errorf("config: missing segment share for %q", seg)
		}
		if share.IsNegative() {
			return fmt.Errorf("config: negative segment share for %q", seg)
		}
		shareSum = shareSum.Add(share)

		price, ok := p.BaselinePrices[seg]
		if !ok || price.LessThanOrEqual(decimal.Zero) {
			return fmt.Errorf("config: baseline price for %q must be positive", seg)
		}
		qf, ok := p.QualityFactors[seg]
		if !ok || qf.LessThanOrEqual(decimal.Zero) {
			return fmt.Errorf("config: quality factor for %q must be positive", seg)
		}
	}
	if !shareSum.Equal(decimal.NewFromInt(1)) {
		return fmt.Errorf("config: segment shares sum to %s, want 1", shareSum)
	}

	if p.StorageCostRate.IsNegative() {
		return errors.New("config: storage cost rate must be non-negative")
	}
	if len(p.AgingSteps) == 0 {
		return errors.New("config: no aging penalty steps defined")
	}
	prev := decimal.NewFromInt(2) // above any sane factor
	for _, step := range p.AgingSteps {
		if step.Factor.LessThanOrEqual(decimal.Zero) {
			return errors.New("config: aging penalty factor must be positive")
		}
		if step.Factor.GreaterThan(prev) {
			return errors.New("config: aging penalty factors must be non-increasing with age")
		}
		prev = step.Factor
	}
	if p.AgedFactor.LessThanOrEqual(decimal.Zero) || p.AgedFactor.GreaterThan(prev) {
		return errors.New("config: aged factor must be positive and non-increasing")
	}

	seen := make(map[string]bool)
	for i := range c.Markets {
		m := &c.Markets[i]
		if m.ID == "" {
			return errors.New("config: market with empty id")
		}
		if seen[m.ID] {
			return fmt.Errorf("config: duplicate market id %q", m.ID)
		}
		seen[m.ID] = true
		if m.CapacityBaseline < 0 {
			return fmt.Errorf("config: market %q has negative capacity baseline", m.ID)
		}
		if m.Elasticity.IsNegative() {
			return fmt.Errorf("config: market %q has negative elasticity", m.ID)
		}
		for cat, mult := range m.CategoryMultipliers {
			if mult.IsNegative() {
				return fmt.Errorf("config: market %q category %q has negative multiplier", m.ID, cat)
			}
		}
		for cat, row := range m.Seasonal {
			if len(row) != 12 {
				return fmt.Errorf("config: market %q seasonal row for %q has %d entries, want 12", m.ID, cat, len(row))
			}
			for _, f := range row {
				if f.IsNegative() {
					return fmt.Errorf("config: market %q seasonal row for %q has negative factor", m.ID, cat)
				}
			}
		}
	}

	return nil
}

// Default returns the stock parameters used when no engine block is
// configured.
func Default() Params {
	return Params{
		SegmentShares: map[model.Segment]decimal.Decimal{
			model.SegmentLow:  decimal.NewFromFloat(0.4),
			model.SegmentMid:  decimal.NewFromFloat(0.4),
			model.SegmentHigh: decimal.NewFromFloat(0.2),
		},
		BaselinePrices: map[model.Segment]decimal.Decimal{
			model.SegmentLow:  decimal.NewFromInt(400),
			model.SegmentMid:  decimal.NewFromInt(700),
			model.SegmentHigh: decimal.NewFromInt(1200),
		},
		QualityFactors: map[model.Segment]decimal.Decimal{
			model.SegmentLow:  decimal.NewFromFloat(0.8),
			model.SegmentMid:  decimal.NewFromInt(1),
			model.SegmentHigh: decimal.NewFromFloat(1.3),
		},
		AgingSteps: []AgingStep{
			{MaxAge: 1, Factor: decimal.NewFromInt(1)},
			{MaxAge: 3, Factor: decimal.NewFromFloat(0.95)},
			{MaxAge: 6, Factor: decimal.NewFromFloat(0.90)},
		},
		AgedFactor:      decimal.NewFromFloat(0.85),
		StorageCostRate: decimal.NewFromFloat(0.02),
	}
}
