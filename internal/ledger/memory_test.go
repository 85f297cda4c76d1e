package ledger_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/velosim/market-engine/internal/ledger"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func TestCreditDebit(t *testing.T) {
	l := ledger.NewMemoryLedger()
	ctx := context.Background()

	if err := l.Credit(ctx, "g1", "a1", d(1000), ledger.ReasonSale, 1); err != nil {
		t.Fatalf("credit: %v", err)
	}
	if err := l.Debit(ctx, "g1", "a1", d(250.50), ledger.ReasonStorage, 1); err != nil {
		t.Fatalf("debit: %v", err)
	}

	bal, err := l.Balance(ctx, "g1", "a1")
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if !bal.Equal(d(749.50)) {
		t.Fatalf("balance: got %s, want 749.50", bal)
	}

	entries, err := l.Entries(ctx, "g1", "a1")
	if err != nil {
		t.Fatalf("entries: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if !entries[0].Amount.Equal(d(1000)) || entries[0].Reason != ledger.ReasonSale {
		t.Fatalf("first entry mismatch: %+v", entries[0])
	}
	if !entries[1].Amount.Equal(d(-250.50)) || entries[1].Reason != ledger.ReasonStorage {
		t.Fatalf("debit entry must carry a negative amount: %+v", entries[1])
	}
}

func TestRejectsNonPositiveAmounts(t *testing.T) {
	l := ledger.NewMemoryLedger()
	ctx := context.Background()

	if err := l.Credit(ctx, "g1", "a1", decimal.Zero, ledger.ReasonSale, 1); !errors.Is(err, ledger.ErrNonPositiveAmount) {
		t.Fatalf("zero credit: got %v, want ErrNonPositiveAmount", err)
	}
	if err := l.Debit(ctx, "g1", "a1", d(-5), ledger.ReasonStorage, 1); !errors.Is(err, ledger.ErrNonPositiveAmount) {
		t.Fatalf("negative debit: got %v, want ErrNonPositiveAmount", err)
	}
}

func TestBalancesScopedPerGame(t *testing.T) {
	l := ledger.NewMemoryLedger()
	ctx := context.Background()

	l.Credit(ctx, "g1", "a1", d(100), ledger.ReasonSale, 1)
	l.Credit(ctx, "g2", "a1", d(999), ledger.ReasonSale, 1)

	bal, _ := l.Balance(ctx, "g1", "a1")
	if !bal.Equal(d(100)) {
		t.Fatalf("same agent in a different game must not share a balance, got %s", bal)
	}
}

func TestBalanceMayGoNegative(t *testing.T) {
	l := ledger.NewMemoryLedger()
	ctx := context.Background()

	if err := l.Debit(ctx, "g1", "a1", d(50), ledger.ReasonStorage, 1); err != nil {
		t.Fatalf("debit into negative: %v", err)
	}
	bal, _ := l.Balance(ctx, "g1", "a1")
	if !bal.Equal(d(-50)) {
		t.Fatalf("balance should go negative, got %s", bal)
	}
}

func TestConcurrentCredits(t *testing.T) {
	l := ledger.NewMemoryLedger()
	ctx := context.Background()

	const n = 100
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			l.Credit(ctx, "g1", "a1", d(1), ledger.ReasonSale, 1)
		}()
	}
	wg.Wait()

	bal, _ := l.Balance(ctx, "g1", "a1")
	if !bal.Equal(d(n)) {
		t.Fatalf("concurrent credits lost updates: got %s, want %d", bal, n)
	}
	entries, _ := l.Entries(ctx, "g1", "a1")
	if len(entries) != n {
		t.Fatalf("expected %d entries, got %d", n, len(entries))
	}
}
