package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/velosim/market-engine/internal/model"
)

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// --- Sell decisions ---

func (s *PostgresStore) InsertDecision(ctx context.Context, d *model.SellDecision) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	// Per-game submission sequence; atomic under concurrent submits.
	err = tx.QueryRow(ctx,
		`INSERT INTO game_seq (game_id, next) VALUES ($1, 1)
		 ON CONFLICT (game_id) DO UPDATE SET next = game_seq.next + 1
		 RETURNING next`, d.GameID).Scan(&d.Seq)
	if err != nil {
		return fmt.Errorf("assign seq for game %s: %w", d.GameID, err)
	}
	d.State = model.DecisionPending

	_, err = tx.Exec(ctx,
		`INSERT INTO sell_decisions
		   (id, game_id, agent_id, market_id, product_id, segment,
		    quantity, desired_price, transport_cost, period, seq, state, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8::NUMERIC, $9::NUMERIC, $10, $11, $12, $13)`,
		d.ID, d.GameID, d.AgentID, d.MarketID, d.ProductID, string(d.Segment),
		d.Quantity, d.DesiredPrice.String(), d.TransportCost.String(),
		d.Period, d.Seq, d.State, d.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert decision %s: %w", d.ID, err)
	}
	return tx.Commit(ctx)
}

const decisionColumns = `id, game_id, agent_id, market_id, product_id, segment,
	quantity, desired_price::TEXT, transport_cost::TEXT, period, seq, state,
	quantity_sold, COALESCE(actual_revenue, 0)::TEXT, COALESCE(unsold_reason, ''), created_at`

func scanDecision(row pgx.Row) (*model.SellDecision, error) {
	var d model.SellDecision
	var seg, priceS, transportS, revenueS string
	err := row.Scan(&d.ID, &d.GameID, &d.AgentID, &d.MarketID, &d.ProductID, &seg,
		&d.Quantity, &priceS, &transportS, &d.Period, &d.Seq, &d.State,
		&d.QuantitySold, &revenueS, &d.UnsoldReason, &d.CreatedAt)
	if err != nil {
		return nil, err
	}
	d.Segment = model.Segment(seg)
	d.DesiredPrice, _ = decimal.NewFromString(priceS)
	d.TransportCost, _ = decimal.NewFromString(transportS)
	d.ActualRevenue, _ = decimal.NewFromString(revenueS)
	return &d, nil
}

func (s *PostgresStore) GetDecision(ctx context.Context, id string) (*model.SellDecision, error) {
	d, err := scanDecision(s.pool.QueryRow(ctx,
		`SELECT `+decisionColumns+` FROM sell_decisions WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("decision %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get decision %s: %w", id, err)
	}
	return d, nil
}

func (s *PostgresStore) queryDecisions(ctx context.Context, query string, args ...any) ([]model.SellDecision, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.SellDecision
	for rows.Next() {
		d, err := scanDecision(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *d)
	}
	return out, rows.Err()
}

func (s *PostgresStore) ListPendingDecisions(ctx context.Context, gameID string, period int) ([]model.SellDecision, error) {
	return s.queryDecisions(ctx,
		`SELECT `+decisionColumns+` FROM sell_decisions
		 WHERE game_id = $1 AND state = 'pending' AND period <= $2
		 ORDER BY seq`, gameID, period)
}

func (s *PostgresStore) ListPendingByAgent(ctx context.Context, gameID, agentID string) ([]model.SellDecision, error) {
	return s.queryDecisions(ctx,
		`SELECT `+decisionColumns+` FROM sell_decisions
		 WHERE game_id = $1 AND agent_id = $2 AND state = 'pending'
		 ORDER BY seq`, gameID, agentID)
}

// --- Inventory gateway ---

func (s *PostgresStore) InsertLot(ctx context.Context, lot *model.InventoryLot) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO inventory_lots
		   (id, game_id, agent_id, product_id, segment, quantity,
		    age_periods, production_cost, storage_cost, sold, created_period)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8::NUMERIC, $9::NUMERIC, $10, $11)`,
		lot.ID, lot.GameID, lot.AgentID, lot.ProductID, string(lot.Segment),
		lot.Quantity, lot.AgePeriods, lot.ProductionCost.String(),
		lot.StorageCost.String(), lot.Sold, lot.CreatedPeriod,
	)
	if err != nil {
		return fmt.Errorf("insert lot %s: %w", lot.ID, err)
	}
	return nil
}

const lotColumns = `id, game_id, agent_id, product_id, segment, quantity,
	age_periods, production_cost::TEXT, storage_cost::TEXT, sold, created_period`

func scanLot(row pgx.Row) (*model.InventoryLot, error) {
	var l model.InventoryLot
	var seg, prodS, storS string
	err := row.Scan(&l.ID, &l.GameID, &l.AgentID, &l.ProductID, &seg, &l.Quantity,
		&l.AgePeriods, &prodS, &storS, &l.Sold, &l.CreatedPeriod)
	if err != nil {
		return nil, err
	}
	l.Segment = model.Segment(seg)
	l.ProductionCost, _ = decimal.NewFromString(prodS)
	l.StorageCost, _ = decimal.NewFromString(storS)
	return &l, nil
}

func (s *PostgresStore) queryLots(ctx context.Context, query string, args ...any) ([]model.InventoryLot, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.InventoryLot
	for rows.Next() {
		l, err := scanLot(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *l)
	}
	return out, rows.Err()
}

func (s *PostgresStore) ListUnsoldLots(ctx context.Context, gameID, agentID, productID string, seg model.Segment) ([]model.InventoryLot, error) {
	return s.queryLots(ctx,
		`SELECT `+lotColumns+` FROM inventory_lots
		 WHERE game_id = $1 AND agent_id = $2 AND product_id = $3 AND segment = $4
		   AND NOT sold AND quantity > 0
		 ORDER BY created_period, id`, gameID, agentID, productID, string(seg))
}

func (s *PostgresStore) ListGameUnsoldLots(ctx context.Context, gameID string) ([]model.InventoryLot, error) {
	return s.queryLots(ctx,
		`SELECT `+lotColumns+` FROM inventory_lots
		 WHERE game_id = $1 AND NOT sold AND quantity > 0
		 ORDER BY created_period, id`, gameID)
}

func (s *PostgresStore) ReserveUnits(ctx context.Context, lotID string, qty int64) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE inventory_lots
		 SET quantity = quantity - $2, sold = (quantity - $2 = 0)
		 WHERE id = $1 AND NOT sold AND quantity >= $2`, lotID, qty)
	if err != nil {
		return fmt.Errorf("reserve %d units of lot %s: %w", qty, lotID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("lot %s: %w", lotID, ErrInsufficientUnits)
	}
	return nil
}

func (s *PostgresStore) ApplyAging(ctx context.Context, _ string, accruals []StorageAccrual) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	for _, acc := range accruals {
		_, err := tx.Exec(ctx,
			`UPDATE inventory_lots
			 SET age_periods = age_periods + 1,
			     storage_cost = storage_cost + $2::NUMERIC
			 WHERE id = $1`, acc.LotID, acc.Cost.String())
		if err != nil {
			return fmt.Errorf("age lot %s: %w", acc.LotID, err)
		}
	}
	return tx.Commit(ctx)
}

func (s *PostgresStore) RevertAging(ctx context.Context, _ string, accruals []StorageAccrual) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	for _, acc := range accruals {
		_, err := tx.Exec(ctx,
			`UPDATE inventory_lots
			 SET age_periods = age_periods - 1,
			     storage_cost = storage_cost - $2::NUMERIC
			 WHERE id = $1`, acc.LotID, acc.Cost.String())
		if err != nil {
			return fmt.Errorf("revert aging of lot %s: %w", acc.LotID, err)
		}
	}
	return tx.Commit(ctx)
}

// --- Settlement ---

// ApplyCellSettlement commits one cell in a single transaction. Lot rows are
// locked FOR UPDATE; draws racing a concurrent settlement are capped to the
// units remaining at lock time.
func (s *PostgresStore) ApplyCellSettlement(ctx context.Context, results []model.SettlementResult) ([]model.SettlementResult, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	applied := make([]model.SettlementResult, 0, len(results))
	for _, res := range results {
		var priceS, transportS string
		err := tx.QueryRow(ctx,
			`SELECT desired_price::TEXT, transport_cost::TEXT
			 FROM sell_decisions WHERE id = $1 FOR UPDATE`, res.DecisionID).
			Scan(&priceS, &transportS)
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("decision %s: %w", res.DecisionID, ErrNotFound)
		}
		if err != nil {
			return nil, fmt.Errorf("lock decision %s: %w", res.DecisionID, err)
		}
		price, _ := decimal.NewFromString(priceS)
		transport, _ := decimal.NewFromString(transportS)

		var appliedDraws []model.LotDraw
		var appliedQty int64
		for _, draw := range res.Draws {
			var available int64
			err := tx.QueryRow(ctx,
				`SELECT quantity FROM inventory_lots
				 WHERE id = $1 AND NOT sold FOR UPDATE`, draw.LotID).Scan(&available)
			if errors.Is(err, pgx.ErrNoRows) {
				continue // lot consumed by a concurrent settlement
			}
			if err != nil {
				return nil, fmt.Errorf("lock lot %s: %w", draw.LotID, err)
			}

			take := draw.Quantity
			if take > available {
				take = available
			}
			if take <= 0 {
				continue
			}
			_, err = tx.Exec(ctx,
				`UPDATE inventory_lots
				 SET quantity = quantity - $2, sold = (quantity - $2 = 0)
				 WHERE id = $1`, draw.LotID, take)
			if err != nil {
				return nil, fmt.Errorf("draw lot %s: %w", draw.LotID, err)
			}
			appliedQty += take
			appliedDraws = append(appliedDraws, model.LotDraw{LotID: draw.LotID, Quantity: take})
		}

		out := res
		out.QuantitySold = appliedQty
		out.Draws = appliedDraws
		out.Revenue = price.Sub(transport).Mul(decimal.NewFromInt(appliedQty))
		if appliedQty < res.QuantitySold && out.UnsoldReason == model.ReasonNone {
			out.UnsoldReason = model.ReasonInsufficientInventory
		}

		_, err = tx.Exec(ctx,
			`UPDATE sell_decisions
			 SET state = 'processed', quantity_sold = $2,
			     actual_revenue = $3::NUMERIC, unsold_reason = $4
			 WHERE id = $1`,
			res.DecisionID, out.QuantitySold, out.Revenue.String(), out.UnsoldReason)
		if err != nil {
			return nil, fmt.Errorf("settle decision %s: %w", res.DecisionID, err)
		}

		_, err = tx.Exec(ctx,
			`INSERT INTO settlement_results
			   (decision_id, game_id, agent_id, market_id, product_id, segment,
			    period, quantity_asked, quantity_sold, revenue, unsold_reason)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10::NUMERIC, $11)`,
			out.DecisionID, out.GameID, out.AgentID, out.MarketID, out.ProductID,
			string(out.Segment), out.Period, out.QuantityAsked, out.QuantitySold,
			out.Revenue.String(), out.UnsoldReason)
		if err != nil {
			return nil, fmt.Errorf("record result for %s: %w", res.DecisionID, err)
		}

		for _, draw := range appliedDraws {
			_, err := tx.Exec(ctx,
				`INSERT INTO settlement_draws (decision_id, period, lot_id, quantity)
				 VALUES ($1, $2, $3, $4)`,
				out.DecisionID, out.Period, draw.LotID, draw.Quantity)
			if err != nil {
				return nil, fmt.Errorf("record draw for %s: %w", res.DecisionID, err)
			}
		}

		applied = append(applied, out)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return applied, nil
}

func (s *PostgresStore) RevertCellSettlement(ctx context.Context, results []model.SettlementResult) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	for _, res := range results {
		for _, draw := range res.Draws {
			_, err := tx.Exec(ctx,
				`UPDATE inventory_lots
				 SET quantity = quantity + $2, sold = false
				 WHERE id = $1`, draw.LotID, draw.Quantity)
			if err != nil {
				return fmt.Errorf("restore lot %s: %w", draw.LotID, err)
			}
		}
		_, err := tx.Exec(ctx,
			`UPDATE sell_decisions
			 SET state = 'pending', quantity_sold = 0,
			     actual_revenue = 0, unsold_reason = ''
			 WHERE id = $1`, res.DecisionID)
		if err != nil {
			return fmt.Errorf("revert decision %s: %w", res.DecisionID, err)
		}
		_, err = tx.Exec(ctx,
			`DELETE FROM settlement_results WHERE decision_id = $1 AND period = $2`,
			res.DecisionID, res.Period)
		if err != nil {
			return fmt.Errorf("delete result for %s: %w", res.DecisionID, err)
		}
		_, err = tx.Exec(ctx,
			`DELETE FROM settlement_draws WHERE decision_id = $1 AND period = $2`,
			res.DecisionID, res.Period)
		if err != nil {
			return fmt.Errorf("delete draws for %s: %w", res.DecisionID, err)
		}
	}
	return tx.Commit(ctx)
}

func (s *PostgresStore) ListSettlementResults(ctx context.Context, gameID, agentID string, period int) ([]model.SettlementResult, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT decision_id, game_id, agent_id, market_id, product_id, segment,
		        period, quantity_asked, quantity_sold, revenue::TEXT, unsold_reason
		 FROM settlement_results
		 WHERE game_id = $1 AND agent_id = $2 AND period = $3
		 ORDER BY decision_id`, gameID, agentID, period)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.SettlementResult
	for rows.Next() {
		var r model.SettlementResult
		var seg, revenueS string
		if err := rows.Scan(&r.DecisionID, &r.GameID, &r.AgentID, &r.MarketID,
			&r.ProductID, &seg, &r.Period, &r.QuantityAsked, &r.QuantitySold,
			&revenueS, &r.UnsoldReason); err != nil {
			return nil, err
		}
		r.Segment = model.Segment(seg)
		r.Revenue, _ = decimal.NewFromString(revenueS)
		out = append(out, r)
	}
	return out, rows.Err()
}

// --- Turn guard ---

func (s *PostgresStore) LastProcessedPeriod(ctx context.Context, gameID string) (int, error) {
	var period int
	err := s.pool.QueryRow(ctx,
		`SELECT last_period FROM game_turns WHERE game_id = $1`, gameID).Scan(&period)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("last processed period for %s: %w", gameID, err)
	}
	return period, nil
}

func (s *PostgresStore) SetLastProcessedPeriod(ctx context.Context, gameID string, period int) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO game_turns (game_id, last_period) VALUES ($1, $2)
		 ON CONFLICT (game_id) DO UPDATE SET last_period = GREATEST(game_turns.last_period, EXCLUDED.last_period)`,
		gameID, period)
	return err
}
