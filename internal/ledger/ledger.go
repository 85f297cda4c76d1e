// Package ledger routes every balance change through one atomic, logged
// abstraction. No subsystem mutates an agent balance directly.
//
// All monetary values use shopspring/decimal — never float64 for money.
package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

var (
	// ErrNonPositiveAmount is returned for zero or negative credit/debit
	// amounts; direction is expressed by the operation, not the sign.
	ErrNonPositiveAmount = errors.New("ledger: amount must be positive")
)

// Well-known entry reasons.
const (
	ReasonSale       = "sale"
	ReasonStorage    = "storage"
	ReasonCorrection = "correction" // compensating entry after a failed cell settlement
)

// Entry is an immutable record of one balance change. Once created, entries
// are never modified or deleted. Amount is signed: positive for credits,
// negative for debits.
type Entry struct {
	ID        string          `json:"id" db:"id"`
	GameID    string          `json:"game_id" db:"game_id"`
	AgentID   string          `json:"agent_id" db:"agent_id"`
	Amount    decimal.Decimal `json:"amount" db:"amount"`
	Reason    string          `json:"reason" db:"reason"`
	Period    int             `json:"period" db:"period"`
	Timestamp time.Time       `json:"timestamp" db:"timestamp"`
}

// Ledger applies balance changes atomically per agent. The same agent may
// receive concurrent credits from multiple cells in one turn, so
// implementations serialize per-agent mutation.
type Ledger interface {
	// Credit adds amount to the agent's balance and appends an entry.
	Credit(ctx context.Context, gameID, agentID string, amount decimal.Decimal, reason string, period int) error

	// Debit subtracts amount from the agent's balance and appends an
	// entry. Balances may go negative; solvency is not this layer's
	// concern.
	Debit(ctx context.Context, gameID, agentID string, amount decimal.Decimal, reason string, period int) error

	// Balance returns the agent's current balance within a game.
	Balance(ctx context.Context, gameID, agentID string) (decimal.Decimal, error)

	// Entries returns the agent's entries within a game, oldest first.
	Entries(ctx context.Context, gameID, agentID string) ([]Entry, error)
}
