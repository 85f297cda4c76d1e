// Package store defines the persistence interface for the market engine.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), and in-memory (for testing).
package store

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"

	"github.com/velosim/market-engine/internal/model"
)

var (
	// ErrNotFound is returned when a referenced record does not exist.
	ErrNotFound = errors.New("store: not found")

	// ErrInsufficientUnits is returned by ReserveUnits when a lot holds
	// fewer units than requested.
	ErrInsufficientUnits = errors.New("store: insufficient units in lot")
)

// StorageAccrual is one lot's aging pass: age +1 and Cost added to the
// lot's accumulated storage cost.
type StorageAccrual struct {
	LotID string
	Cost  decimal.Decimal
}

// Store is the persistence interface. PostgreSQL is the source of truth;
// Redis provides a read-through cache layer for turn-immutable reads.
type Store interface {
	// --- Sell decisions ---

	// InsertDecision persists a new pending decision, assigning its
	// per-game submission sequence.
	InsertDecision(ctx context.Context, d *model.SellDecision) error

	// GetDecision retrieves a decision by id.
	GetDecision(ctx context.Context, id string) (*model.SellDecision, error)

	// ListPendingDecisions returns all pending decisions of a game whose
	// submission period is <= period, in submission order.
	ListPendingDecisions(ctx context.Context, gameID string, period int) ([]model.SellDecision, error)

	// ListPendingByAgent returns an agent's pending decisions in
	// submission order.
	ListPendingByAgent(ctx context.Context, gameID, agentID string) ([]model.SellDecision, error)

	// --- Inventory gateway ---

	// InsertLot persists a new inventory lot.
	InsertLot(ctx context.Context, lot *model.InventoryLot) error

	// ListUnsoldLots returns an agent's unsold, non-empty lots for one
	// product/segment, oldest first.
	ListUnsoldLots(ctx context.Context, gameID, agentID, productID string, seg model.Segment) ([]model.InventoryLot, error)

	// ListGameUnsoldLots returns every unsold lot in a game, for aging.
	ListGameUnsoldLots(ctx context.Context, gameID string) ([]model.InventoryLot, error)

	// ReserveUnits removes qty units from a lot, flagging it sold when it
	// reaches zero.
	ReserveUnits(ctx context.Context, lotID string, qty int64) error

	// ApplyAging increments age by one period and accrues storage cost
	// for the listed lots, as one batch.
	ApplyAging(ctx context.Context, gameID string, accruals []StorageAccrual) error

	// RevertAging undoes a previously applied aging pass for the listed
	// lots. Used when a storage-cost debit fails mid-turn, so a retry
	// never ages a lot twice for one period.
	RevertAging(ctx context.Context, gameID string, accruals []StorageAccrual) error

	// --- Settlement ---

	// ApplyCellSettlement commits one cell's settlement: draws down the
	// backing lots, marks decisions processed with their outcomes, and
	// persists the results — atomically. Draws racing a concurrent
	// settlement are silently capped to what the lot still holds; the
	// returned results reflect the applied (possibly capped) quantities.
	ApplyCellSettlement(ctx context.Context, results []model.SettlementResult) ([]model.SettlementResult, error)

	// RevertCellSettlement undoes a previously applied cell settlement:
	// restores lot quantities, reverts decisions to pending, and removes
	// the stored results. Used when a ledger credit fails mid-cell.
	RevertCellSettlement(ctx context.Context, results []model.SettlementResult) error

	// ListSettlementResults returns an agent's results for one period.
	ListSettlementResults(ctx context.Context, gameID, agentID string, period int) ([]model.SettlementResult, error)

	// --- Turn guard ---

	// LastProcessedPeriod returns the most recent period a game has
	// settled, or 0 if none.
	LastProcessedPeriod(ctx context.Context, gameID string) (int, error)

	// SetLastProcessedPeriod advances the per-game turn marker.
	SetLastProcessedPeriod(ctx context.Context, gameID string, period int) error
}
