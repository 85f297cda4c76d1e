package store_test

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/velosim/market-engine/internal/model"
	"github.com/velosim/market-engine/internal/store"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func seedDecision(t *testing.T, ms *store.MemoryStore, id, agentID string, qty int64, price, transport float64, period int) *model.SellDecision {
	t.Helper()
	dec := &model.SellDecision{
		ID:            id,
		GameID:        "g1",
		AgentID:       agentID,
		MarketID:      "m1",
		ProductID:     "city",
		Segment:       model.SegmentMid,
		Quantity:      qty,
		DesiredPrice:  d(price),
		TransportCost: d(transport),
		Period:        period,
	}
	if err := ms.InsertDecision(context.Background(), dec); err != nil {
		t.Fatalf("seed decision: %v", err)
	}
	return dec
}

func seedLot(t *testing.T, ms *store.MemoryStore, id string, qty int64, createdPeriod int) {
	t.Helper()
	err := ms.InsertLot(context.Background(), &model.InventoryLot{
		ID:             id,
		GameID:         "g1",
		AgentID:        "a1",
		ProductID:      "city",
		Segment:        model.SegmentMid,
		Quantity:       qty,
		ProductionCost: d(300),
		CreatedPeriod:  createdPeriod,
	})
	if err != nil {
		t.Fatalf("seed lot: %v", err)
	}
}

func TestInsertDecision_AssignsSequence(t *testing.T) {
	ms := store.NewMemoryStore()

	d1 := seedDecision(t, ms, "d1", "a1", 10, 700, 0, 1)
	d2 := seedDecision(t, ms, "d2", "a2", 10, 700, 0, 1)

	if d1.Seq != 1 || d2.Seq != 2 {
		t.Fatalf("sequence must increase per game: got %d, %d", d1.Seq, d2.Seq)
	}
	if d1.State != model.DecisionPending {
		t.Fatalf("new decision must be pending, got %q", d1.State)
	}
}

func TestListPendingDecisions_FiltersByPeriod(t *testing.T) {
	ms := store.NewMemoryStore()
	ctx := context.Background()

	seedDecision(t, ms, "now", "a1", 10, 700, 0, 1)
	seedDecision(t, ms, "future", "a1", 10, 700, 0, 5)

	out, err := ms.ListPendingDecisions(ctx, "g1", 1)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(out) != 1 || out[0].ID != "now" {
		t.Fatalf("future decisions must not resolve early: %+v", out)
	}
}

func TestListUnsoldLots_OldestFirst(t *testing.T) {
	ms := store.NewMemoryStore()
	ctx := context.Background()

	seedLot(t, ms, "newer", 10, 8)
	seedLot(t, ms, "older", 10, 2)

	lots, err := ms.ListUnsoldLots(ctx, "g1", "a1", "city", model.SegmentMid)
	if err != nil {
		t.Fatalf("list lots: %v", err)
	}
	if len(lots) != 2 || lots[0].ID != "older" {
		t.Fatalf("lots must come oldest first: %+v", lots)
	}
}

func TestReserveUnits(t *testing.T) {
	ms := store.NewMemoryStore()
	ctx := context.Background()
	seedLot(t, ms, "l1", 10, 1)

	if err := ms.ReserveUnits(ctx, "l1", 10); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	// Draining a lot flags it sold.
	lots, _ := ms.ListUnsoldLots(ctx, "g1", "a1", "city", model.SegmentMid)
	if len(lots) != 0 {
		t.Fatalf("drained lot must leave the unsold listing: %+v", lots)
	}
	if err := ms.ReserveUnits(ctx, "l1", 1); !errors.Is(err, store.ErrInsufficientUnits) {
		t.Fatalf("over-reserve: got %v, want ErrInsufficientUnits", err)
	}
}

func TestApplyCellSettlement_DrawsAndRevenue(t *testing.T) {
	ms := store.NewMemoryStore()
	ctx := context.Background()

	dec := seedDecision(t, ms, "d1", "a1", 30, 700, 20, 1)
	seedLot(t, ms, "l1", 30, 1)

	applied, err := ms.ApplyCellSettlement(ctx, []model.SettlementResult{{
		DecisionID:    "d1",
		GameID:        "g1",
		AgentID:       "a1",
		Period:        1,
		QuantityAsked: 30,
		QuantitySold:  30,
		Draws:         []model.LotDraw{{LotID: "l1", Quantity: 30}},
	}})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if len(applied) != 1 {
		t.Fatalf("expected 1 applied result, got %d", len(applied))
	}

	// Revenue = (700 − 20) × 30 = 20400
	if !applied[0].Revenue.Equal(d(20400)) {
		t.Fatalf("revenue: got %s, want 20400", applied[0].Revenue)
	}

	got, err := ms.GetDecision(ctx, dec.ID)
	if err != nil {
		t.Fatalf("get decision: %v", err)
	}
	if got.State != model.DecisionProcessed || got.QuantitySold != 30 {
		t.Fatalf("decision not settled: %+v", got)
	}

	lots, _ := ms.ListUnsoldLots(ctx, "g1", "a1", "city", model.SegmentMid)
	if len(lots) != 0 {
		t.Fatalf("fully drawn lot must be sold: %+v", lots)
	}
}

func TestApplyCellSettlement_CapsRacingDraws(t *testing.T) {
	ms := store.NewMemoryStore()
	ctx := context.Background()

	seedDecision(t, ms, "d1", "a1", 20, 700, 0, 1)
	seedLot(t, ms, "l1", 20, 1)

	// A concurrent settlement already took 15 units from the lot.
	if err := ms.ReserveUnits(ctx, "l1", 15); err != nil {
		t.Fatalf("reserve: %v", err)
	}

	applied, err := ms.ApplyCellSettlement(ctx, []model.SettlementResult{{
		DecisionID:    "d1",
		GameID:        "g1",
		AgentID:       "a1",
		Period:        1,
		QuantityAsked: 20,
		QuantitySold:  20,
		Draws:         []model.LotDraw{{LotID: "l1", Quantity: 20}},
	}})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}

	if applied[0].QuantitySold != 5 {
		t.Fatalf("draw must cap at remaining units: got %d, want 5", applied[0].QuantitySold)
	}
	if applied[0].UnsoldReason != model.ReasonInsufficientInventory {
		t.Fatalf("capped draw must report insufficient inventory, got %q", applied[0].UnsoldReason)
	}
	if !applied[0].Revenue.Equal(d(3500)) {
		t.Fatalf("revenue must reflect the capped quantity: got %s, want 3500", applied[0].Revenue)
	}
}

func TestRevertCellSettlement(t *testing.T) {
	ms := store.NewMemoryStore()
	ctx := context.Background()

	seedDecision(t, ms, "d1", "a1", 10, 700, 0, 1)
	seedLot(t, ms, "l1", 10, 1)

	applied, err := ms.ApplyCellSettlement(ctx, []model.SettlementResult{{
		DecisionID:    "d1",
		GameID:        "g1",
		AgentID:       "a1",
		Period:        1,
		QuantityAsked: 10,
		QuantitySold:  10,
		Draws:         []model.LotDraw{{LotID: "l1", Quantity: 10}},
	}})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}

	if err := ms.RevertCellSettlement(ctx, applied); err != nil {
		t.Fatalf("revert: %v", err)
	}

	got, _ := ms.GetDecision(ctx, "d1")
	if got.State != model.DecisionPending || got.QuantitySold != 0 {
		t.Fatalf("decision must be pending again: %+v", got)
	}
	lots, _ := ms.ListUnsoldLots(ctx, "g1", "a1", "city", model.SegmentMid)
	if len(lots) != 1 || lots[0].Quantity != 10 {
		t.Fatalf("lot quantity must be restored: %+v", lots)
	}
	results, _ := ms.ListSettlementResults(ctx, "g1", "a1", 1)
	if len(results) != 0 {
		t.Fatalf("reverted results must disappear: %+v", results)
	}
}

func TestApplyAging(t *testing.T) {
	ms := store.NewMemoryStore()
	ctx := context.Background()
	seedLot(t, ms, "l1", 10, 1)

	err := ms.ApplyAging(ctx, "g1", []store.StorageAccrual{{LotID: "l1", Cost: d(60)}})
	if err != nil {
		t.Fatalf("aging: %v", err)
	}

	lots, _ := ms.ListUnsoldLots(ctx, "g1", "a1", "city", model.SegmentMid)
	if lots[0].AgePeriods != 1 {
		t.Fatalf("age must advance by one, got %d", lots[0].AgePeriods)
	}
	if !lots[0].StorageCost.Equal(d(60)) {
		t.Fatalf("storage cost must accrue, got %s", lots[0].StorageCost)
	}
}

func TestLastProcessedPeriod_OnlyAdvances(t *testing.T) {
	ms := store.NewMemoryStore()
	ctx := context.Background()

	if err := ms.SetLastProcessedPeriod(ctx, "g1", 3); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := ms.SetLastProcessedPeriod(ctx, "g1", 1); err != nil {
		t.Fatalf("set: %v", err)
	}

	last, _ := ms.LastProcessedPeriod(ctx, "g1")
	if last != 3 {
		t.Fatalf("marker must never move backwards: got %d, want 3", last)
	}
}
