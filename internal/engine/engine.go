// Package engine drives turn processing: it groups pending decisions into
// cells, runs demand → offers → allocation → settlement per cell, ages the
// remaining inventory, and exposes the whole thing over HTTP.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/velosim/market-engine/internal/allocate"
	"github.com/velosim/market-engine/internal/config"
	"github.com/velosim/market-engine/internal/demand"
	"github.com/velosim/market-engine/internal/entropy"
	"github.com/velosim/market-engine/internal/ledger"
	"github.com/velosim/market-engine/internal/metrics"
	"github.com/velosim/market-engine/internal/model"
	"github.com/velosim/market-engine/internal/offers"
	"github.com/velosim/market-engine/internal/store"
)

var (
	ErrMissingGame         = errors.New("engine: game id is required")
	ErrMissingAgent        = errors.New("engine: agent id is required")
	ErrUnknownMarket       = errors.New("engine: unknown market")
	ErrUnknownProduct      = errors.New("engine: unknown product")
	ErrInvalidSegment      = errors.New("engine: invalid segment")
	ErrNonPositiveQuantity = errors.New("engine: quantity must be positive")
	ErrNonPositivePrice    = errors.New("engine: desired price must be positive")
	ErrInvalidPeriod       = errors.New("engine: period must be positive")
)

// cellWorkers bounds how many cells settle in parallel per turn. Cells are
// independent; within a cell the rank-and-allocate pass stays single-threaded.
const cellWorkers = 4

// Service is the turn scheduler. Human and AI agents submit through the
// same SubmitDecision path; AdvanceTurn resolves a period exactly once per
// game.
type Service struct {
	store     store.Store
	ledger    ledger.Ledger
	cfg       *config.Config
	demand    *demand.Model
	collector *offers.Collector
	hub       *WSHub // optional, nil disables broadcasting

	// gameLocks serializes AdvanceTurn per game; different games never
	// contend.
	mu        sync.Mutex
	gameLocks map[string]*sync.Mutex
}

// NewService creates the turn scheduler. Pass nil for hub if WebSocket
// broadcasting is not needed.
func NewService(st store.Store, led ledger.Ledger, cfg *config.Config, src entropy.Source, hub *WSHub) *Service {
	return &Service{
		store:     st,
		ledger:    led,
		cfg:       cfg,
		demand:    demand.New(&cfg.Params),
		collector: offers.NewCollector(&cfg.Params, src),
		hub:       hub,
		gameLocks: make(map[string]*sync.Mutex),
	}
}

func (s *Service) gameLock(gameID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.gameLocks[gameID]
	if !ok {
		m = &sync.Mutex{}
		s.gameLocks[gameID] = m
	}
	return m
}

// SubmitRequest carries one sell decision submission.
type SubmitRequest struct {
	GameID        string          `json:"game_id"`
	AgentID       string          `json:"agent_id"`
	MarketID      string          `json:"market_id"`
	ProductID     string          `json:"product_id"`
	Segment       model.Segment   `json:"segment"`
	Quantity      int64           `json:"quantity"`
	DesiredPrice  decimal.Decimal `json:"desired_price"`
	TransportCost decimal.Decimal `json:"transport_cost"`
	Period        int             `json:"period"`
}

// SubmitDecision validates and stores a pending sell decision. Validation
// failures never enter the decision store.
func (s *Service) SubmitDecision(ctx context.Context, req SubmitRequest) (*model.SellDecision, error) {
	if req.GameID == "" {
		return nil, ErrMissingGame
	}
	if req.AgentID == "" {
		return nil, ErrMissingAgent
	}
	if s.cfg.Market(req.MarketID) == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownMarket, req.MarketID)
	}
	if !s.cfg.HasProduct(req.ProductID) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProduct, req.ProductID)
	}
	if !req.Segment.Valid() {
		return nil, fmt.Errorf("%w: %s", ErrInvalidSegment, req.Segment)
	}
	if req.Quantity <= 0 {
		return nil, ErrNonPositiveQuantity
	}
	if req.DesiredPrice.LessThanOrEqual(decimal.Zero) {
		return nil, ErrNonPositivePrice
	}
	if req.TransportCost.IsNegative() {
		return nil, fmt.Errorf("engine: transport cost must be non-negative")
	}
	if req.Period <= 0 {
		return nil, ErrInvalidPeriod
	}

	d := &model.SellDecision{
		ID:            uuid.New().String(),
		GameID:        req.GameID,
		AgentID:       req.AgentID,
		MarketID:      req.MarketID,
		ProductID:     req.ProductID,
		Segment:       req.Segment,
		Quantity:      req.Quantity,
		DesiredPrice:  req.DesiredPrice,
		TransportCost: req.TransportCost,
		Period:        req.Period,
		CreatedAt:     time.Now().UTC(),
	}
	if err := s.store.InsertDecision(ctx, d); err != nil {
		return nil, fmt.Errorf("submit decision: %w", err)
	}

	metrics.DecisionsSubmitted.WithLabelValues(string(d.Segment)).Inc()
	slog.Info("decision submitted",
		"decision", d.ID,
		"game", d.GameID,
		"agent", d.AgentID,
		"market", d.MarketID,
		"product", d.ProductID,
		"segment", d.Segment,
		"qty", d.Quantity,
		"price", d.DesiredPrice.String(),
	)
	return d, nil
}

// TurnReport summarizes one AdvanceTurn call.
type TurnReport struct {
	GameID             string              `json:"game_id"`
	Period             int                 `json:"period"`
	Skipped            bool                `json:"skipped"`
	Cells              []model.CellOutcome `json:"cells"`
	DecisionsProcessed int                 `json:"decisions_processed"`
	UnitsSold          int64               `json:"units_sold"`
	LotsAged           int                 `json:"lots_aged"`
}

// AdvanceTurn resolves one period for one game: every cell with at least one
// pending decision runs demand → offers → allocation → settlement, then the
// whole game's unsold inventory ages. Safe to invoke once per period;
// re-invocation on an already-advanced period is a logged no-op.
func (s *Service) AdvanceTurn(ctx context.Context, gameID string, period int) (*TurnReport, error) {
	if gameID == "" {
		return nil, ErrMissingGame
	}
	if period <= 0 {
		return nil, ErrInvalidPeriod
	}

	lock := s.gameLock(gameID)
	lock.Lock()
	defer lock.Unlock()

	start := time.Now()

	last, err := s.store.LastProcessedPeriod(ctx, gameID)
	if err != nil {
		return nil, fmt.Errorf("advance turn: %w", err)
	}
	if period <= last {
		slog.Info("turn already processed, skipping",
			"game", gameID, "period", period, "last_processed", last)
		metrics.TurnsSkipped.Inc()
		return &TurnReport{GameID: gameID, Period: period, Skipped: true}, nil
	}

	// Catalog faults are fatal at turn start, before any store mutation.
	if err := s.cfg.Validate(); err != nil {
		return nil, fmt.Errorf("advance turn aborted: %w", err)
	}

	pending, err := s.store.ListPendingDecisions(ctx, gameID, period)
	if err != nil {
		return nil, fmt.Errorf("advance turn: %w", err)
	}

	cells := groupByCell(pending)
	outcomes, err := s.processCells(ctx, gameID, period, cells)
	if err != nil {
		return nil, fmt.Errorf("advance turn game %s period %d: %w", gameID, period, err)
	}

	report := &TurnReport{GameID: gameID, Period: period, Cells: outcomes}
	for i := range outcomes {
		report.DecisionsProcessed += len(outcomes[i].Results)
		report.UnitsSold += outcomes[i].Allocated
	}

	// Aging runs every period, with or without cell activity.
	aged, err := s.ageInventory(ctx, gameID, period)
	if err != nil {
		return nil, fmt.Errorf("advance turn game %s period %d: %w", gameID, period, err)
	}
	report.LotsAged = aged

	if err := s.store.SetLastProcessedPeriod(ctx, gameID, period); err != nil {
		return nil, fmt.Errorf("advance turn: %w", err)
	}

	metrics.TurnsProcessed.Inc()
	metrics.TurnDuration.Observe(time.Since(start).Seconds())
	slog.Info("turn processed",
		"game", gameID,
		"period", period,
		"cells", len(outcomes),
		"decisions", report.DecisionsProcessed,
		"units_sold", report.UnitsSold,
		"lots_aged", aged,
		"elapsed", time.Since(start),
	)

	if s.hub != nil {
		for i := range outcomes {
			s.hub.BroadcastOutcome(gameID, &outcomes[i])
		}
	}
	return report, nil
}

// groupByCell buckets decisions into (market, product, segment) cells,
// preserving submission order within each cell.
func groupByCell(decisions []model.SellDecision) map[model.Cell][]model.SellDecision {
	cells := make(map[model.Cell][]model.SellDecision)
	for _, d := range decisions {
		c := model.Cell{MarketID: d.MarketID, ProductID: d.ProductID, Segment: d.Segment}
		cells[c] = append(cells[c], d)
	}
	return cells
}

// processCells settles all cells on a bounded worker pool. Cells share no
// state, so they run in parallel; a failed cell aborts the turn (its own
// settlement is already rolled back; settled cells stay settled and the
// unset period marker makes the retry pick up the remainder).
func (s *Service) processCells(ctx context.Context, gameID string, period int, cells map[model.Cell][]model.SellDecision) ([]model.CellOutcome, error) {
	if len(cells) == 0 {
		return nil, nil
	}

	type job struct {
		cell      model.Cell
		decisions []model.SellDecision
	}
	jobs := make(chan job, len(cells))
	for c, ds := range cells {
		jobs <- job{cell: c, decisions: ds}
	}
	close(jobs)

	workers := cellWorkers
	if workers > len(cells) {
		workers = len(cells)
	}

	var (
		wg       sync.WaitGroup
		outMu    sync.Mutex
		outcomes []model.CellOutcome
		firstErr error
	)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := range jobs {
				outcome, err := s.processCell(ctx, gameID, period, j.cell, j.decisions)
				outMu.Lock()
				if err != nil {
					if firstErr == nil {
						firstErr = err
					}
				} else {
					outcomes = append(outcomes, *outcome)
				}
				outMu.Unlock()
			}
		}()
	}
	wg.Wait()

	if firstErr != nil {
		return nil, firstErr
	}
	return outcomes, nil
}

// processCell runs the full pipeline for one cell: collect offers, finalize
// demand with the elasticity term, allocate, settle, credit.
func (s *Service) processCell(ctx context.Context, gameID string, period int, cell model.Cell, decisions []model.SellDecision) (*model.CellOutcome, error) {
	mkt := s.cfg.Market(cell.MarketID)
	if mkt == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownMarket, cell.MarketID)
	}

	// Two-pass demand: offers must exist before the elasticity term.
	offs, err := s.collector.Collect(ctx, s.store, decisions)
	if err != nil {
		return nil, err
	}
	base := s.demand.Base(mkt, cell.ProductID, cell.Segment, period)
	avgPrice := demand.AveragePrice(offs)
	ceiling := s.demand.Finalize(mkt, cell.Segment, base, offs)

	ranked := allocate.Run(offs, ceiling)

	offeredTotals := offers.OfferedByDecision(ranked)
	allocatedByDecision := make(map[string]int64)
	drawsByDecision := make(map[string][]model.LotDraw)
	var offeredTotal int64
	for i := range ranked {
		o := &ranked[i]
		offeredTotal += o.Quantity
		if o.Allocated > 0 {
			allocatedByDecision[o.DecisionID] += o.Allocated
			drawsByDecision[o.DecisionID] = append(drawsByDecision[o.DecisionID],
				model.LotDraw{LotID: o.LotID, Quantity: o.Allocated})
		}
	}

	results := make([]model.SettlementResult, 0, len(decisions))
	for i := range decisions {
		d := &decisions[i]
		sold := allocatedByDecision[d.ID]
		results = append(results, model.SettlementResult{
			DecisionID:    d.ID,
			GameID:        d.GameID,
			AgentID:       d.AgentID,
			MarketID:      d.MarketID,
			ProductID:     d.ProductID,
			Segment:       d.Segment,
			Period:        period,
			QuantityAsked: d.Quantity,
			QuantitySold:  sold,
			UnsoldReason:  unsoldReason(d.Quantity, offeredTotals[d.ID], sold),
			Draws:         drawsByDecision[d.ID],
		})
	}

	applied, err := s.settleCell(ctx, gameID, period, results)
	if err != nil {
		return nil, err
	}

	var allocatedTotal int64
	for i := range applied {
		allocatedTotal += applied[i].QuantitySold
	}
	metrics.CellsProcessed.Inc()
	metrics.UnitsAllocated.WithLabelValues("sold").Add(float64(allocatedTotal))
	metrics.UnitsAllocated.WithLabelValues("unsold").Add(float64(offeredTotal - allocatedTotal))

	slog.Info("cell settled",
		"game", gameID,
		"period", period,
		"market", cell.MarketID,
		"product", cell.ProductID,
		"segment", cell.Segment,
		"demand", ceiling,
		"offered", offeredTotal,
		"allocated", allocatedTotal,
		"avg_price", avgPrice.Round(2).String(),
	)

	return &model.CellOutcome{
		Cell:         cell,
		Period:       period,
		Demand:       ceiling,
		Offered:      offeredTotal,
		Allocated:    allocatedTotal,
		AveragePrice: avgPrice.Round(2),
		Results:      applied,
	}, nil
}

// unsoldReason classifies a decision's outcome. Demand running out wins over
// an inventory cap: a capped offer that still hit the ceiling is saturated.
func unsoldReason(asked, offered, sold int64) string {
	switch {
	case sold >= asked:
		return model.ReasonNone
	case sold < offered:
		return model.ReasonMarketSaturated
	case offered < asked:
		return model.ReasonInsufficientInventory
	default:
		return model.ReasonNone
	}
}

// settleCell commits the cell's mutations, then credits revenue. A failed
// credit compensates the credits already applied and reverts the store
// mutations, leaving every decision of the cell pending.
//
// Ordering note: the store commit happens before any credit, so a crash
// between the two can leave a processed-but-uncredited decision, never a
// double credit on retry.
func (s *Service) settleCell(ctx context.Context, gameID string, period int, results []model.SettlementResult) ([]model.SettlementResult, error) {
	applied, err := s.store.ApplyCellSettlement(ctx, results)
	if err != nil {
		return nil, fmt.Errorf("apply settlement: %w", err)
	}

	for i := range applied {
		res := &applied[i]
		if res.Revenue.LessThanOrEqual(decimal.Zero) {
			continue
		}
		if err := s.ledger.Credit(ctx, gameID, res.AgentID, res.Revenue, ledger.ReasonSale, period); err != nil {
			s.compensateCell(ctx, gameID, period, applied, applied[:i], err)
			return nil, fmt.Errorf("credit agent %s: %w", res.AgentID, err)
		}
	}
	return applied, nil
}

// compensateCell debits back the credits applied so far and reverts the
// whole cell's store mutations, leaving every decision pending again.
func (s *Service) compensateCell(ctx context.Context, gameID string, period int, applied, credited []model.SettlementResult, cause error) {
	slog.Error("cell settlement failed, rolling back",
		"game", gameID, "period", period, "credited", len(credited), "err", cause)

	for i := range credited {
		res := &credited[i]
		if res.Revenue.LessThanOrEqual(decimal.Zero) {
			continue
		}
		if err := s.ledger.Debit(ctx, gameID, res.AgentID, res.Revenue, ledger.ReasonCorrection, period); err != nil {
			slog.Error("compensating debit failed",
				"game", gameID, "agent", res.AgentID, "amount", res.Revenue.String(), "err", err)
		}
	}
	if err := s.store.RevertCellSettlement(ctx, applied); err != nil {
		slog.Error("settlement revert failed", "game", gameID, "period", period, "err", err)
	}
}

// ageInventory advances every unsold lot by one period and charges the
// carrying cost to the owning agent: quantity × productionCost × rate.
func (s *Service) ageInventory(ctx context.Context, gameID string, period int) (int, error) {
	lots, err := s.store.ListGameUnsoldLots(ctx, gameID)
	if err != nil {
		return 0, fmt.Errorf("age inventory: %w", err)
	}
	if len(lots) == 0 {
		return 0, nil
	}

	rate := s.cfg.Params.StorageCostRate
	accruals := make([]store.StorageAccrual, 0, len(lots))
	perAgent := make(map[string]decimal.Decimal)
	for i := range lots {
		lot := &lots[i]
		cost := decimal.NewFromInt(lot.Quantity).Mul(lot.ProductionCost).Mul(rate)
		accruals = append(accruals, store.StorageAccrual{LotID: lot.ID, Cost: cost})
		perAgent[lot.AgentID] = perAgent[lot.AgentID].Add(cost)
	}

	if err := s.store.ApplyAging(ctx, gameID, accruals); err != nil {
		return 0, fmt.Errorf("age inventory: %w", err)
	}
	debited := make(map[string]decimal.Decimal)
	for agentID, total := range perAgent {
		if total.LessThanOrEqual(decimal.Zero) {
			continue
		}
		if err := s.ledger.Debit(ctx, gameID, agentID, total, ledger.ReasonStorage, period); err != nil {
			s.compensateAging(ctx, gameID, period, accruals, debited, err)
			return 0, fmt.Errorf("charge storage to agent %s: %w", agentID, err)
		}
		debited[agentID] = total
	}

	metrics.LotsAged.Add(float64(len(lots)))
	return len(lots), nil
}

// compensateAging unwinds a failed aging pass: storage charges already
// applied are credited back as corrections and the age/cost increments are
// reverted, so a retried turn ages each lot exactly once.
func (s *Service) compensateAging(ctx context.Context, gameID string, period int, accruals []store.StorageAccrual, debited map[string]decimal.Decimal, cause error) {
	slog.Error("aging pass failed, rolling back",
		"game", gameID, "period", period, "agents_charged", len(debited), "err", cause)

	for agentID, total := range debited {
		if err := s.ledger.Credit(ctx, gameID, agentID, total, ledger.ReasonCorrection, period); err != nil {
			slog.Error("compensating storage credit failed",
				"game", gameID, "agent", agentID, "amount", total.String(), "err", err)
		}
	}
	if err := s.store.RevertAging(ctx, gameID, accruals); err != nil {
		slog.Error("aging revert failed", "game", gameID, "period", period, "err", err)
	}
}

// PendingLine is one pending decision in an agent's summary.
type PendingLine struct {
	ProductID       string          `json:"product_id"`
	Segment         model.Segment   `json:"segment"`
	Quantity        int64           `json:"quantity"`
	DesiredPrice    decimal.Decimal `json:"desired_price"`
	ExpectedRevenue decimal.Decimal `json:"expected_revenue"`
}

// MarketPending groups an agent's pending decisions for one market.
type MarketPending struct {
	Quantity        int64           `json:"quantity"`
	ExpectedRevenue decimal.Decimal `json:"expected_revenue"`
	Lines           []PendingLine   `json:"lines"`
}

// PendingSummary is the agent-facing view of decisions awaiting the next
// turn. Expected revenue is quantity × (desired price − transport cost).
type PendingSummary struct {
	TotalQuantity   int64                     `json:"total_quantity"`
	ExpectedRevenue decimal.Decimal           `json:"expected_revenue"`
	ByMarket        map[string]*MarketPending `json:"by_market"`
}

// GetPendingSummary aggregates an agent's unprocessed decisions.
func (s *Service) GetPendingSummary(ctx context.Context, gameID, agentID string) (*PendingSummary, error) {
	pending, err := s.store.ListPendingByAgent(ctx, gameID, agentID)
	if err != nil {
		return nil, fmt.Errorf("pending summary: %w", err)
	}

	summary := &PendingSummary{
		ExpectedRevenue: decimal.Zero,
		ByMarket:        make(map[string]*MarketPending),
	}
	for i := range pending {
		d := &pending[i]
		expected := d.DesiredPrice.Sub(d.TransportCost).Mul(decimal.NewFromInt(d.Quantity))

		summary.TotalQuantity += d.Quantity
		summary.ExpectedRevenue = summary.ExpectedRevenue.Add(expected)

		mp, ok := summary.ByMarket[d.MarketID]
		if !ok {
			mp = &MarketPending{ExpectedRevenue: decimal.Zero}
			summary.ByMarket[d.MarketID] = mp
		}
		mp.Quantity += d.Quantity
		mp.ExpectedRevenue = mp.ExpectedRevenue.Add(expected)
		mp.Lines = append(mp.Lines, PendingLine{
			ProductID:       d.ProductID,
			Segment:         d.Segment,
			Quantity:        d.Quantity,
			DesiredPrice:    d.DesiredPrice,
			ExpectedRevenue: expected,
		})
	}
	return summary, nil
}

// ResultView is a settlement result with the derived success rate.
type ResultView struct {
	model.SettlementResult
	SuccessRate decimal.Decimal `json:"success_rate"`
}

// GetSettlementResults returns an agent's per-decision outcomes for one
// period, with success rates for UI feedback.
func (s *Service) GetSettlementResults(ctx context.Context, gameID, agentID string, period int) ([]ResultView, error) {
	results, err := s.store.ListSettlementResults(ctx, gameID, agentID, period)
	if err != nil {
		return nil, fmt.Errorf("settlement results: %w", err)
	}
	views := make([]ResultView, 0, len(results))
	for i := range results {
		views = append(views, ResultView{
			SettlementResult: results[i],
			SuccessRate:      results[i].SuccessRate(),
		})
	}
	return views, nil
}
