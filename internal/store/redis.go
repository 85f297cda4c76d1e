package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/velosim/market-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache. Settlement results are immutable once a turn commits, which makes
// them ideal cache targets; pending-decision reads are cached and
// invalidated on every write that can change them.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

func pendingKey(gameID, agentID string) string {
	return fmt.Sprintf("pending:%s:%s", gameID, agentID)
}

func resultsKey(gameID, agentID string, period int) string {
	return fmt.Sprintf("results:%s:%s:%d", gameID, agentID, period)
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) InsertDecision(ctx context.Context, d *model.SellDecision) error {
	if err := s.primary.InsertDecision(ctx, d); err != nil {
		return err
	}
	s.rdb.Del(ctx, pendingKey(d.GameID, d.AgentID))
	return nil
}

func (s *CachedStore) ApplyCellSettlement(ctx context.Context, results []model.SettlementResult) ([]model.SettlementResult, error) {
	applied, err := s.primary.ApplyCellSettlement(ctx, results)
	if err != nil {
		return nil, err
	}
	for i := range applied {
		s.rdb.Del(ctx,
			pendingKey(applied[i].GameID, applied[i].AgentID),
			resultsKey(applied[i].GameID, applied[i].AgentID, applied[i].Period))
	}
	return applied, nil
}

func (s *CachedStore) RevertCellSettlement(ctx context.Context, results []model.SettlementResult) error {
	if err := s.primary.RevertCellSettlement(ctx, results); err != nil {
		return err
	}
	for i := range results {
		s.rdb.Del(ctx,
			pendingKey(results[i].GameID, results[i].AgentID),
			resultsKey(results[i].GameID, results[i].AgentID, results[i].Period))
	}
	return nil
}

// --- Read-through (check cache first) ---

func (s *CachedStore) ListPendingByAgent(ctx context.Context, gameID, agentID string) ([]model.SellDecision, error) {
	key := pendingKey(gameID, agentID)
	if data, err := s.rdb.Get(ctx, key).Bytes(); err == nil {
		var out []model.SellDecision
		if json.Unmarshal(data, &out) == nil {
			return out, nil
		}
	}

	out, err := s.primary.ListPendingByAgent(ctx, gameID, agentID)
	if err != nil {
		return nil, err
	}
	if data, err := json.Marshal(out); err == nil {
		s.rdb.Set(ctx, key, data, s.ttl)
	}
	return out, nil
}

func (s *CachedStore) ListSettlementResults(ctx context.Context, gameID, agentID string, period int) ([]model.SettlementResult, error) {
	key := resultsKey(gameID, agentID, period)
	if data, err := s.rdb.Get(ctx, key).Bytes(); err == nil {
		var out []model.SettlementResult
		if json.Unmarshal(data, &out) == nil {
			return out, nil
		}
	}

	out, err := s.primary.ListSettlementResults(ctx, gameID, agentID, period)
	if err != nil {
		return nil, err
	}
	if data, err := json.Marshal(out); err == nil {
		s.rdb.Set(ctx, key, data, s.ttl)
	}
	return out, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) GetDecision(ctx context.Context, id string) (*model.SellDecision, error) {
	return s.primary.GetDecision(ctx, id)
}

func (s *CachedStore) ListPendingDecisions(ctx context.Context, gameID string, period int) ([]model.SellDecision, error) {
	return s.primary.ListPendingDecisions(ctx, gameID, period)
}

func (s *CachedStore) InsertLot(ctx context.Context, lot *model.InventoryLot) error {
	return s.primary.InsertLot(ctx, lot)
}

func (s *CachedStore) ListUnsoldLots(ctx context.Context, gameID, agentID, productID string, seg model.Segment) ([]model.InventoryLot, error) {
	return s.primary.ListUnsoldLots(ctx, gameID, agentID, productID, seg)
}

func (s *CachedStore) ListGameUnsoldLots(ctx context.Context, gameID string) ([]model.InventoryLot, error) {
	return s.primary.ListGameUnsoldLots(ctx, gameID)
}

func (s *CachedStore) ReserveUnits(ctx context.Context, lotID string, qty int64) error {
	return s.primary.ReserveUnits(ctx, lotID, qty)
}

func (s *CachedStore) ApplyAging(ctx context.Context, gameID string, accruals []StorageAccrual) error {
	return s.primary.ApplyAging(ctx, gameID, accruals)
}

func (s *CachedStore) RevertAging(ctx context.Context, gameID string, accruals []StorageAccrual) error {
	return s.primary.RevertAging(ctx, gameID, accruals)
}

func (s *CachedStore) LastProcessedPeriod(ctx context.Context, gameID string) (int, error) {
	return s.primary.LastProcessedPeriod(ctx, gameID)
}

func (s *CachedStore) SetLastProcessedPeriod(ctx context.Context, gameID string, period int) error {
	return s.primary.SetLastProcessedPeriod(ctx, gameID, period)
}
