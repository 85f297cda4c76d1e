package ledger

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// MemoryLedger implements Ledger with in-memory accounts. Used for testing
// and development. Each account carries its own mutex, so parallel cells
// touching different agents never contend, while same-agent mutation stays
// serialized.
type MemoryLedger struct {
	mu       sync.Mutex // guards the accounts map only
	accounts map[string]*account
}

type account struct {
	mu      sync.Mutex
	balance decimal.Decimal
	entries []Entry
}

// NewMemoryLedger creates a new in-memory ledger.
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{accounts: make(map[string]*account)}
}

func accountKey(gameID, agentID string) string {
	return gameID + "/" + agentID
}

// account returns the account for a game/agent pair, creating it on first use.
func (l *MemoryLedger) account(gameID, agentID string) *account {
	key := accountKey(gameID, agentID)
	l.mu.Lock()
	defer l.mu.Unlock()
	a, ok := l.accounts[key]
	if !ok {
		a = &account{}
		l.accounts[key] = a
	}
	return a
}

func (l *MemoryLedger) apply(gameID, agentID string, amount decimal.Decimal, reason string, period int) error {
	a := l.account(gameID, agentID)
	a.mu.Lock()
	a.balance = a.balance.Add(amount)
	a.entries = append(a.entries, Entry{
		ID:        uuid.New().String(),
		GameID:    gameID,
		AgentID:   agentID,
		Amount:    amount,
		Reason:    reason,
		Period:    period,
		Timestamp: time.Now().UTC(),
	})
	a.mu.Unlock()

	slog.Debug("ledger entry",
		"game", gameID,
		"agent", agentID,
		"amount", amount.String(),
		"reason", reason,
		"period", period,
	)
	return nil
}

func (l *MemoryLedger) Credit(_ context.Context, gameID, agentID string, amount decimal.Decimal, reason string, period int) error {
	if amount.LessThanOrEqual(decimal.Zero) {
		return ErrNonPositiveAmount
	}
	return l.apply(gameID, agentID, amount, reason, period)
}

func (l *MemoryLedger) Debit(_ context.Context, gameID, agentID string, amount decimal.Decimal, reason string, period int) error {
	if amount.LessThanOrEqual(decimal.Zero) {
		return ErrNonPositiveAmount
	}
	return l.apply(gameID, agentID, amount.Neg(), reason, period)
}

func (l *MemoryLedger) Balance(_ context.Context, gameID, agentID string) (decimal.Decimal, error) {
	a := l.account(gameID, agentID)
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.balance, nil
}

func (l *MemoryLedger) Entries(_ context.Context, gameID, agentID string) ([]Entry, error) {
	a := l.account(gameID, agentID)
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]Entry, len(a.entries))
	copy(out, a.entries)
	return out, nil
}
