package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/velosim/market-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing and
// development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu         sync.RWMutex
	decisions  map[string]*model.SellDecision
	lots       map[string]*model.InventoryLot
	results    []model.SettlementResult
	nextSeq    map[string]int64
	lastPeriod map[string]int
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		decisions:  make(map[string]*model.SellDecision),
		lots:       make(map[string]*model.InventoryLot),
		nextSeq:    make(map[string]int64),
		lastPeriod: make(map[string]int),
	}
}

// --- Sell decisions ---

func (s *MemoryStore) InsertDecision(_ context.Context, d *model.SellDecision) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.decisions[d.ID]; exists {
		return fmt.Errorf("decision %s already exists", d.ID)
	}

	s.nextSeq[d.GameID]++
	d.Seq = s.nextSeq[d.GameID]
	d.State = model.DecisionPending
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now().UTC()
	}

	// Store a copy to avoid external mutation.
	cp := *d
	s.decisions[d.ID] = &cp
	return nil
}

func (s *MemoryStore) GetDecision(_ context.Context, id string) (*model.SellDecision, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	d, ok := s.decisions[id]
	if !ok {
		return nil, fmt.Errorf("decision %s: %w", id, ErrNotFound)
	}
	cp := *d
	return &cp, nil
}

func (s *MemoryStore) ListPendingDecisions(_ context.Context, gameID string, period int) ([]model.SellDecision, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.SellDecision
	for _, d := range s.decisions {
		if d.GameID == gameID && d.State == model.DecisionPending && d.Period <= period {
			out = append(out, *d)
		}
	}
	sortDecisions(out)
	return out, nil
}

func (s *MemoryStore) ListPendingByAgent(_ context.Context, gameID, agentID string) ([]model.SellDecision, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.SellDecision
	for _, d := range s.decisions {
		if d.GameID == gameID && d.AgentID == agentID && d.State == model.DecisionPending {
			out = append(out, *d)
		}
	}
	sortDecisions(out)
	return out, nil
}

func sortDecisions(ds []model.SellDecision) {
	sort.Slice(ds, func(i, j int) bool { return ds[i].Seq < ds[j].Seq })
}

// --- Inventory gateway ---

func (s *MemoryStore) InsertLot(_ context.Context, lot *model.InventoryLot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.lots[lot.ID]; exists {
		return fmt.Errorf("lot %s already exists", lot.ID)
	}
	cp := *lot
	s.lots[lot.ID] = &cp
	return nil
}

func (s *MemoryStore) ListUnsoldLots(_ context.Context, gameID, agentID, productID string, seg model.Segment) ([]model.InventoryLot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.InventoryLot
	for _, l := range s.lots {
		if l.GameID == gameID && l.AgentID == agentID &&
			l.ProductID == productID && l.Segment == seg &&
			!l.Sold && l.Quantity > 0 {
			out = append(out, *l)
		}
	}
	sortLotsOldestFirst(out)
	return out, nil
}

func (s *MemoryStore) ListGameUnsoldLots(_ context.Context, gameID string) ([]model.InventoryLot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.InventoryLot
	for _, l := range s.lots {
		if l.GameID == gameID && !l.Sold && l.Quantity > 0 {
			out = append(out, *l)
		}
	}
	sortLotsOldestFirst(out)
	return out, nil
}

// sortLotsOldestFirst orders by creation period ascending so aged stock is
// drawn before fresh stock; lot id breaks ties for stable iteration.
func sortLotsOldestFirst(lots []model.InventoryLot) {
	sort.Slice(lots, func(i, j int) bool {
		if lots[i].CreatedPeriod != lots[j].CreatedPeriod {
			return lots[i].CreatedPeriod < lots[j].CreatedPeriod
		}
		return lots[i].ID < lots[j].ID
	})
}

func (s *MemoryStore) ReserveUnits(_ context.Context, lotID string, qty int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	lot, ok := s.lots[lotID]
	if !ok {
		return fmt.Errorf("lot %s: %w", lotID, ErrNotFound)
	}
	if lot.Sold || lot.Quantity < qty {
		return fmt.Errorf("lot %s has %d units, want %d: %w", lotID, lot.Quantity, qty, ErrInsufficientUnits)
	}
	lot.Quantity -= qty
	if lot.Quantity == 0 {
		lot.Sold = true
	}
	return nil
}

func (s *MemoryStore) ApplyAging(_ context.Context, _ string, accruals []StorageAccrual) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, acc := range accruals {
		lot, ok := s.lots[acc.LotID]
		if !ok {
			return fmt.Errorf("lot %s: %w", acc.LotID, ErrNotFound)
		}
		lot.AgePeriods++
		lot.StorageCost = lot.StorageCost.Add(acc.Cost)
	}
	return nil
}

func (s *MemoryStore) RevertAging(_ context.Context, _ string, accruals []StorageAccrual) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, acc := range accruals {
		lot, ok := s.lots[acc.LotID]
		if !ok {
			return fmt.Errorf("lot %s: %w", acc.LotID, ErrNotFound)
		}
		lot.AgePeriods--
		lot.StorageCost = lot.StorageCost.Sub(acc.Cost)
	}
	return nil
}

// --- Settlement ---

// ApplyCellSettlement commits a cell under one lock. Draws that race an
// earlier settlement of the same lot are capped to what remains; the
// returned results carry the applied quantities and recomputed revenue.
func (s *MemoryStore) ApplyCellSettlement(_ context.Context, results []model.SettlementResult) ([]model.SettlementResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	applied := make([]model.SettlementResult, 0, len(results))
	for _, res := range results {
		d, ok := s.decisions[res.DecisionID]
		if !ok {
			return nil, fmt.Errorf("decision %s: %w", res.DecisionID, ErrNotFound)
		}

		var appliedDraws []model.LotDraw
		var appliedQty int64
		for _, draw := range res.Draws {
			lot, ok := s.lots[draw.LotID]
			if !ok || lot.Sold {
				continue
			}
			take := draw.Quantity
			if take > lot.Quantity {
				take = lot.Quantity
			}
			if take <= 0 {
				continue
			}
			lot.Quantity -= take
			if lot.Quantity == 0 {
				lot.Sold = true
			}
			appliedQty += take
			appliedDraws = append(appliedDraws, model.LotDraw{LotID: draw.LotID, Quantity: take})
		}

		out := res
		out.QuantitySold = appliedQty
		out.Draws = appliedDraws
		out.Revenue = d.DesiredPrice.Sub(d.TransportCost).Mul(decimal.NewFromInt(appliedQty))
		if appliedQty < res.QuantitySold && out.UnsoldReason == model.ReasonNone {
			out.UnsoldReason = model.ReasonInsufficientInventory
		}

		d.State = model.DecisionProcessed
		d.QuantitySold = out.QuantitySold
		d.ActualRevenue = out.Revenue
		d.UnsoldReason = out.UnsoldReason

		s.results = append(s.results, out)
		applied = append(applied, out)
	}
	return applied, nil
}

func (s *MemoryStore) RevertCellSettlement(_ context.Context, results []model.SettlementResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, res := range results {
		for _, draw := range res.Draws {
			if lot, ok := s.lots[draw.LotID]; ok {
				lot.Quantity += draw.Quantity
				if lot.Quantity > 0 {
					lot.Sold = false
				}
			}
		}
		if d, ok := s.decisions[res.DecisionID]; ok {
			d.State = model.DecisionPending
			d.QuantitySold = 0
			d.ActualRevenue = decimal.Zero
			d.UnsoldReason = model.ReasonNone
		}
		for i := len(s.results) - 1; i >= 0; i-- {
			if s.results[i].DecisionID == res.DecisionID && s.results[i].Period == res.Period {
				s.results = append(s.results[:i], s.results[i+1:]...)
			}
		}
	}
	return nil
}

func (s *MemoryStore) ListSettlementResults(_ context.Context, gameID, agentID string, period int) ([]model.SettlementResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.SettlementResult
	for _, r := range s.results {
		if r.GameID == gameID && r.AgentID == agentID && r.Period == period {
			out = append(out, r)
		}
	}
	return out, nil
}

// --- Turn guard ---

func (s *MemoryStore) LastProcessedPeriod(_ context.Context, gameID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastPeriod[gameID], nil
}

func (s *MemoryStore) SetLastProcessedPeriod(_ context.Context, gameID string, period int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if period > s.lastPeriod[gameID] {
		s.lastPeriod[gameID] = period
	}
	return nil
}
