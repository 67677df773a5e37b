package lending

import (
	"context"
	"math/big"
	"time"

	"reservebank/crypto"
)

// FundsTransfer moves underlying tokens between users and the protocol.
// Debit pulls funds from the user into the bank; Credit pays them out.
type FundsTransfer interface {
	Credit(ctx context.Context, user crypto.Address, asset string, amount *big.Int) error
	Debit(ctx context.Context, user crypto.Address, asset string, amount *big.Int) error
}

// Authority gates administrative operations such as bank creation.
type Authority interface {
	IsAdmin(caller crypto.Address) bool
}

// StaticAuthority authorises a fixed set of addresses.
type StaticAuthority struct {
	admins map[string]struct{}
}

func NewStaticAuthority(admins ...crypto.Address) *StaticAuthority {
	a := &StaticAuthority{admins: make(map[string]struct{}, len(admins))}
	for _, admin := range admins {
		if admin.IsZero() {
			continue
		}
		a.admins[accountKey(admin)] = struct{}{}
	}
	return a
}

func (a *StaticAuthority) IsAdmin(caller crypto.Address) bool {
	if a == nil || caller.IsZero() {
		return false
	}
	_, ok := a.admins[accountKey(caller)]
	return ok
}

// Metrics receives operation outcomes and post-commit bank gauges.
type Metrics interface {
	RecordOperation(op, outcome string, elapsed time.Duration)
	RecordBank(asset string, depositIndex, borrowIndex *big.Int, utilisation float64)
}

type noopMetrics struct{}

func (noopMetrics) RecordOperation(string, string, time.Duration)  {}
func (noopMetrics) RecordBank(string, *big.Int, *big.Int, float64) {}
