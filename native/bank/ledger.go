package bank

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/rlp"

	"reservebank/crypto"
	"reservebank/storage"
)

var (
	// ErrInsufficientFunds is returned when the source account cannot cover a movement.
	ErrInsufficientFunds = errors.New("bank: insufficient funds")
	// ErrInvalidAmount rejects nil, zero or negative movements.
	ErrInvalidAmount = errors.New("bank: amount must be positive")

	balancePrefix  = []byte("bank/balance/")
	treasuryPrefix = []byte("bank/treasury/")
)

// Ledger tracks custody balances per account and asset. Each asset has a
// treasury account holding the funds supplied to its lending bank. Debit
// moves funds from a user into the treasury and Credit pays them back out.
type Ledger struct {
	db storage.Database
	mu sync.Mutex
}

// NewLedger returns a ledger persisting balances in db.
func NewLedger(db storage.Database) *Ledger {
	return &Ledger{db: db}
}

func normalizeAsset(asset string) string {
	return strings.TrimSpace(asset)
}

func balanceKey(addr crypto.Address, asset string) []byte {
	key := append([]byte(nil), balancePrefix...)
	key = append(key, addr.Bytes()...)
	key = append(key, '/')
	return append(key, normalizeAsset(asset)...)
}

func treasuryKey(asset string) []byte {
	return append(append([]byte(nil), treasuryPrefix...), normalizeAsset(asset)...)
}

func (l *Ledger) load(key []byte) (*big.Int, error) {
	data, err := l.db.Get(key)
	if errors.Is(err, storage.ErrNotFound) {
		return big.NewInt(0), nil
	}
	if err != nil {
		return nil, err
	}
	value := new(big.Int)
	if err := rlp.DecodeBytes(data, value); err != nil {
		return nil, fmt.Errorf("bank: decode balance: %w", err)
	}
	return value, nil
}

func put(batch storage.Batch, key []byte, value *big.Int) error {
	encoded, err := rlp.EncodeToBytes(value)
	if err != nil {
		return err
	}
	batch.Put(key, encoded)
	return nil
}

// move transfers amount from one key to another in a single batch. A nil
// source mints the amount.
func (l *Ledger) move(from, to []byte, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	batch := l.db.NewBatch()
	if from != nil {
		balance, err := l.load(from)
		if err != nil {
			return err
		}
		if balance.Cmp(amount) < 0 {
			return fmt.Errorf("%w: have %s need %s", ErrInsufficientFunds, balance, amount)
		}
		if err := put(batch, from, balance.Sub(balance, amount)); err != nil {
			return err
		}
	}
	balance, err := l.load(to)
	if err != nil {
		return err
	}
	if err := put(batch, to, balance.Add(balance, amount)); err != nil {
		return err
	}
	return batch.Write()
}

// Debit collects amount of asset from user into the asset treasury.
func (l *Ledger) Debit(ctx context.Context, user crypto.Address, asset string, amount *big.Int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return l.move(balanceKey(user, asset), treasuryKey(asset), amount)
}

// Credit pays amount of asset from the treasury to user.
func (l *Ledger) Credit(ctx context.Context, user crypto.Address, asset string, amount *big.Int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return l.move(treasuryKey(asset), balanceKey(user, asset), amount)
}

// Mint seeds a user balance. It is used by operators and tests to fund
// wallets outside the lending flow.
func (l *Ledger) Mint(user crypto.Address, asset string, amount *big.Int) error {
	return l.move(nil, balanceKey(user, asset), amount)
}

// Balance returns the user's spendable balance of asset.
func (l *Ledger) Balance(user crypto.Address, asset string) (*big.Int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.load(balanceKey(user, asset))
}

// Treasury returns the funds currently held for asset.
func (l *Ledger) Treasury(asset string) (*big.Int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.load(treasuryKey(asset))
}
