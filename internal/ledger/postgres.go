package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

// PostgresLedger implements Ledger on PostgreSQL. The entry insert and the
// balance upsert run in one transaction, so a balance never drifts from its
// entry log. Balances are stored as NUMERIC for exact decimal precision.
type PostgresLedger struct {
	pool *pgxpool.Pool
}

// NewPostgresLedger creates a new PostgreSQL-backed ledger.
func NewPostgresLedger(pool *pgxpool.Pool) *PostgresLedger {
	return &PostgresLedger{pool: pool}
}

func (l *PostgresLedger) apply(ctx context.Context, gameID, agentID string, amount decimal.Decimal, reason string, period int) error {
	tx, err := l.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("ledger begin: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx,
		`INSERT INTO ledger_entries (id, game_id, agent_id, amount, reason, period, timestamp)
		 VALUES ($1, $2, $3, $4::NUMERIC, $5, $6, $7)`,
		uuid.New().String(), gameID, agentID, amount.String(), reason, period, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("ledger insert entry: %w", err)
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO balances (game_id, agent_id, balance)
		 VALUES ($1, $2, $3::NUMERIC)
		 ON CONFLICT (game_id, agent_id)
		 DO UPDATE SET balance = balances.balance + EXCLUDED.balance`,
		gameID, agentID, amount.String(),
	)
	if err != nil {
		return fmt.Errorf("ledger update balance: %w", err)
	}

	return tx.Commit(ctx)
}

func (l *PostgresLedger) Credit(ctx context.Context, gameID, agentID string, amount decimal.Decimal, reason string, period int) error {
	if amount.LessThanOrEqual(decimal.Zero) {
		return ErrNonPositiveAmount
	}
	return l.apply(ctx, gameID, agentID, amount, reason, period)
}

func (l *PostgresLedger) Debit(ctx context.Context, gameID, agentID string, amount decimal.Decimal, reason string, period int) error {
	if amount.LessThanOrEqual(decimal.Zero) {
		return ErrNonPositiveAmount
	}
	return l.apply(ctx, gameID, agentID, amount.Neg(), reason, period)
}

func (l *PostgresLedger) Balance(ctx context.Context, gameID, agentID string) (decimal.Decimal, error) {
	var s string
	err := l.pool.QueryRow(ctx,
		`SELECT COALESCE(balance, 0)::TEXT FROM balances WHERE game_id = $1 AND agent_id = $2`,
		gameID, agentID).Scan(&s)
	if errors.Is(err, pgx.ErrNoRows) {
		// No row yet means a zero balance, not an error.
		return decimal.Zero, nil
	}
	if err != nil {
		return decimal.Zero, fmt.Errorf("ledger balance %s/%s: %w", gameID, agentID, err)
	}
	b, _ := decimal.NewFromString(s)
	return b, nil
}

func (l *PostgresLedger) Entries(ctx context.Context, gameID, agentID string) ([]Entry, error) {
	rows, err := l.pool.Query(ctx,
		`SELECT id, game_id, agent_id, amount::TEXT, reason, period, timestamp
		 FROM ledger_entries
		 WHERE game_id = $1 AND agent_id = $2
		 ORDER BY timestamp`, gameID, agentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var amountS string
		if err := rows.Scan(&e.ID, &e.GameID, &e.AgentID, &amountS, &e.Reason, &e.Period, &e.Timestamp); err != nil {
			return nil, err
		}
		e.Amount, _ = decimal.NewFromString(amountS)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
