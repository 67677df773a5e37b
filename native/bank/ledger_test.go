package bank

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"reservebank/crypto"
	"reservebank/storage"
)

func testUser(suffix byte) crypto.Address {
	raw := make([]byte, crypto.AddressLength)
	raw[0] = suffix
	return crypto.NewAddress(crypto.UserPrefix, raw)
}

func mustBalance(t *testing.T, l *Ledger, user crypto.Address, asset string, want int64) {
	t.Helper()
	got, err := l.Balance(user, asset)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if got.Cmp(big.NewInt(want)) != 0 {
		t.Fatalf("balance %s: got %s want %d", asset, got, want)
	}
}

func TestLedgerDebitAndCredit(t *testing.T) {
	ctx := context.Background()
	ledger := NewLedger(storage.NewMemDB())
	alice := testUser(1)

	if err := ledger.Mint(alice, " USDC ", big.NewInt(1_000)); err != nil {
		t.Fatalf("mint: %v", err)
	}
	if err := ledger.Debit(ctx, alice, "USDC", big.NewInt(600)); err != nil {
		t.Fatalf("debit: %v", err)
	}
	mustBalance(t, ledger, alice, "USDC", 400)
	treasury, err := ledger.Treasury("USDC ")
	if err != nil {
		t.Fatalf("treasury: %v", err)
	}
	if treasury.Cmp(big.NewInt(600)) != 0 {
		t.Fatalf("treasury: got %s want 600", treasury)
	}

	if err := ledger.Credit(ctx, alice, "USDC", big.NewInt(250)); err != nil {
		t.Fatalf("credit: %v", err)
	}
	mustBalance(t, ledger, alice, "USDC", 650)
}

func TestLedgerRejectsOverdraft(t *testing.T) {
	ctx := context.Background()
	ledger := NewLedger(storage.NewMemDB())
	bob := testUser(2)

	if err := ledger.Debit(ctx, bob, "SOL", big.NewInt(1)); !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}
	if err := ledger.Credit(ctx, bob, "SOL", big.NewInt(1)); !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("expected treasury overdraft, got %v", err)
	}
	mustBalance(t, ledger, bob, "SOL", 0)
}

func TestLedgerRejectsInvalidAmounts(t *testing.T) {
	ledger := NewLedger(storage.NewMemDB())
	user := testUser(3)
	for _, amount := range []*big.Int{nil, big.NewInt(0), big.NewInt(-5)} {
		if err := ledger.Mint(user, "SOL", amount); !errors.Is(err, ErrInvalidAmount) {
			t.Fatalf("amount %v: expected ErrInvalidAmount, got %v", amount, err)
		}
	}
}

func TestLedgerHonoursCancelledContext(t *testing.T) {
	ledger := NewLedger(storage.NewMemDB())
	user := testUser(4)
	if err := ledger.Mint(user, "SOL", big.NewInt(10)); err != nil {
		t.Fatalf("mint: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := ledger.Debit(ctx, user, "SOL", big.NewInt(5)); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	mustBalance(t, ledger, user, "SOL", 10)
}
