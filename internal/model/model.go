// Package model defines the core domain types shared across the market engine.
// All monetary values use shopspring/decimal — never float64 for money.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Segment is a market price segment. Demand is split across the three
// segments in fixed shares per product.
type Segment string

const (
	SegmentLow  Segment = "low"
	SegmentMid  Segment = "mid"
	SegmentHigh Segment = "high"
)

// Valid reports whether s is one of the three known segments.
func (s Segment) Valid() bool {
	switch s {
	case SegmentLow, SegmentMid, SegmentHigh:
		return true
	}
	return false
}

// Segments lists all segments in share order (low, mid, high).
var Segments = []Segment{SegmentLow, SegmentMid, SegmentHigh}

// Decision processing states.
const (
	DecisionPending   = "pending"
	DecisionProcessed = "processed"
)

// Unsold reason codes attached to a processed decision.
const (
	// ReasonNone means the decision sold in full.
	ReasonNone = ""
	// ReasonMarketSaturated means demand ran out before the offer was
	// fully allocated.
	ReasonMarketSaturated = "market_saturated"
	// ReasonInsufficientInventory means the offer was capped below the
	// requested quantity before ranking. Not a sale failure: everything
	// actually offered sold.
	ReasonInsufficientInventory = "insufficient_inventory"
)

// SellDecision is one agent's intent to sell a quantity of one product in one
// market segment. Created by an agent (human or AI — same path), mutated only
// by settlement, immutable once processed.
type SellDecision struct {
	ID           string          `json:"id" db:"id"`
	GameID       string          `json:"game_id" db:"game_id"`
	AgentID      string          `json:"agent_id" db:"agent_id"`
	MarketID     string          `json:"market_id" db:"market_id"`
	ProductID    string          `json:"product_id" db:"product_id"`
	Segment      Segment         `json:"segment" db:"segment"`
	Quantity     int64           `json:"quantity" db:"quantity"`
	DesiredPrice decimal.Decimal `json:"desired_price" db:"desired_price"`
	// TransportCost is per unit, deducted from revenue at settlement.
	TransportCost decimal.Decimal `json:"transport_cost" db:"transport_cost"`
	// Period the decision was submitted in. Decisions are resolved on the
	// first turn whose period is >= this.
	Period int `json:"period" db:"period"`
	// Seq is a per-game monotonically increasing submission sequence,
	// assigned by the store. It is the allocation tie-breaker.
	Seq int64 `json:"seq" db:"seq"`

	State string `json:"state" db:"state"`

	// Settlement outcome, written once when State flips to processed.
	QuantitySold  int64           `json:"quantity_sold" db:"quantity_sold"`
	ActualRevenue decimal.Decimal `json:"actual_revenue" db:"actual_revenue"`
	UnsoldReason  string          `json:"unsold_reason" db:"unsold_reason"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// InventoryLot is a quantity of one agent's stock of one product/segment,
// produced in one period. Ownership is exclusive: a lot is never shared
// across agents. Mutated by settlement (quantity, sold flag) and aging
// (age, storage cost).
type InventoryLot struct {
	ID        string  `json:"id" db:"id"`
	GameID    string  `json:"game_id" db:"game_id"`
	AgentID   string  `json:"agent_id" db:"agent_id"`
	ProductID string  `json:"product_id" db:"product_id"`
	Segment   Segment `json:"segment" db:"segment"`
	Quantity  int64   `json:"quantity" db:"quantity"`
	// AgePeriods counts full periods the lot has sat unsold.
	AgePeriods int `json:"age_periods" db:"age_periods"`
	// ProductionCost is the per-unit cost basis used for storage accrual.
	ProductionCost decimal.Decimal `json:"production_cost" db:"production_cost"`
	// StorageCost is the accumulated carrying cost charged so far.
	StorageCost decimal.Decimal `json:"storage_cost" db:"storage_cost"`
	Sold        bool            `json:"sold" db:"sold"`
	// CreatedPeriod is the period the lot entered inventory.
	CreatedPeriod int `json:"created_period" db:"created_period"`
}

// Available returns the units still sellable from this lot.
func (l *InventoryLot) Available() int64 {
	if l.Sold {
		return 0
	}
	return l.Quantity
}

// Market holds one market's demand characteristics. Loaded from the catalog
// config; static for the life of a game.
type Market struct {
	ID string `json:"id" yaml:"id"`
	// Name is display-only.
	Name string `json:"name" yaml:"name"`
	// CapacityBaseline is the per-period unit capacity before multipliers.
	CapacityBaseline int64 `json:"capacity_baseline" yaml:"capacity_baseline"`
	// Elasticity scales how strongly above-baseline pricing dampens demand.
	Elasticity decimal.Decimal `json:"elasticity" yaml:"elasticity"`
	// CategoryMultipliers scales demand per product category id.
	CategoryMultipliers map[string]decimal.Decimal `json:"category_multipliers" yaml:"category_multipliers"`
	// Seasonal maps product category id to a 12-entry multiplier row,
	// indexed by (period-1) mod 12.
	Seasonal map[string][]decimal.Decimal `json:"seasonal" yaml:"seasonal"`
}

// CategoryMultiplier returns the demand multiplier for a product category,
// defaulting to 1 for unknown categories.
func (m *Market) CategoryMultiplier(productID string) decimal.Decimal {
	if f, ok := m.CategoryMultipliers[productID]; ok {
		return f
	}
	return decimal.NewFromInt(1)
}

// SeasonalFactor returns the seasonal demand multiplier for a product
// category at a given period, defaulting to 1.
func (m *Market) SeasonalFactor(productID string, period int) decimal.Decimal {
	row, ok := m.Seasonal[productID]
	if !ok || len(row) == 0 {
		return decimal.NewFromInt(1)
	}
	idx := ((period-1)%len(row) + len(row)) % len(row)
	return row[idx]
}

// Cell identifies one (market, product, segment) demand/allocation unit.
// All decisions in a cell compete for the same demand ceiling.
type Cell struct {
	MarketID  string  `json:"market_id"`
	ProductID string  `json:"product_id"`
	Segment   Segment `json:"segment"`
}

// Offer is one ranked sell offer, backed by exactly one inventory lot.
// Ephemeral: exists only during one turn's processing of one cell.
type Offer struct {
	DecisionID string `json:"decision_id"`
	AgentID    string `json:"agent_id"`
	LotID      string `json:"lot_id"`
	Quantity   int64  `json:"quantity"`
	// NominalPrice is the decision's desired unit price, used for revenue.
	NominalPrice decimal.Decimal `json:"nominal_price"`
	// EffectivePrice is the derived ranking price: nominal × agingPenalty ×
	// variance / qualityFactor. Used only for sort order.
	EffectivePrice decimal.Decimal `json:"effective_price"`
	// Seq mirrors the decision's submission sequence for tie-breaking.
	Seq int64 `json:"seq"`
	// Allocated is filled by the allocation pass.
	Allocated int64 `json:"allocated"`
}

// SettlementResult is the per-decision outcome of one turn, 1:1 with a
// processed SellDecision.
type SettlementResult struct {
	DecisionID    string          `json:"decision_id" db:"decision_id"`
	GameID        string          `json:"game_id" db:"game_id"`
	AgentID       string          `json:"agent_id" db:"agent_id"`
	MarketID      string          `json:"market_id" db:"market_id"`
	ProductID     string          `json:"product_id" db:"product_id"`
	Segment       Segment         `json:"segment" db:"segment"`
	Period        int             `json:"period" db:"period"`
	QuantityAsked int64           `json:"quantity_asked" db:"quantity_asked"`
	QuantitySold  int64           `json:"quantity_sold" db:"quantity_sold"`
	Revenue       decimal.Decimal `json:"revenue" db:"revenue"`
	UnsoldReason  string          `json:"unsold_reason" db:"unsold_reason"`
	// Draws trace every sold unit back to a lot owned by the agent.
	Draws []LotDraw `json:"draws" db:"-"`
}

// SuccessRate returns quantity sold as a percentage of quantity asked.
func (r *SettlementResult) SuccessRate() decimal.Decimal {
	if r.QuantityAsked == 0 {
		return decimal.Zero
	}
	return decimal.NewFromInt(r.QuantitySold).
		Div(decimal.NewFromInt(r.QuantityAsked)).
		Mul(decimal.NewFromInt(100)).Round(2)
}

// LotDraw records units drawn from one lot for settlement, so every sold
// unit stays traceable to a lot owned by the selling agent.
type LotDraw struct {
	LotID    string `json:"lot_id"`
	Quantity int64  `json:"quantity"`
}

// CellOutcome summarizes one cell's turn for broadcast and metrics.
type CellOutcome struct {
	Cell         Cell               `json:"cell"`
	Period       int                `json:"period"`
	Demand       int64              `json:"demand"`
	Offered      int64              `json:"offered"`
	Allocated    int64              `json:"allocated"`
	AveragePrice decimal.Decimal    `json:"average_price"`
	Results      []SettlementResult `json:"results"`
}
