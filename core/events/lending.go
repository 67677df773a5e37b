package events

import (
	"math/big"
	"strconv"
	"strings"

	"reservebank/core/types"
	"reservebank/crypto"
)

// Attributed is implemented by events that expose a flat attribute view.
type Attributed interface {
	Event() *types.Event
}

const (
	// TypeLendingBankCreated is emitted when an administrator initialises a bank.
	TypeLendingBankCreated = "lending.bank_created"
	// TypeLendingUserCreated is emitted the first time a user record exists.
	TypeLendingUserCreated = "lending.user_created"
	TypeLendingDeposited   = "lending.deposited"
	TypeLendingWithdrawn   = "lending.withdrawn"
	TypeLendingBorrowed    = "lending.borrowed"
	TypeLendingRepaid      = "lending.repaid"
	// TypeLendingLiquidated is emitted after an unhealthy position is partially closed.
	TypeLendingLiquidated = "lending.liquidated"
)

// LendingBankCreated records the parameters of a new bank.
type LendingBankCreated struct {
	Asset                   string
	Admin                   crypto.Address
	MaxLtvBps               uint64
	LiquidationThresholdBps uint64
	Timestamp               int64
}

func (LendingBankCreated) EventType() string { return TypeLendingBankCreated }

func (e LendingBankCreated) Event() *types.Event {
	return &types.Event{
		Type: TypeLendingBankCreated,
		Attributes: map[string]string{
			"asset":                assetAttr(e.Asset),
			"admin":                e.Admin.String(),
			"maxLtvBps":            strconv.FormatUint(e.MaxLtvBps, 10),
			"liquidationThreshold": strconv.FormatUint(e.LiquidationThresholdBps, 10),
			"timestamp":            strconv.FormatInt(e.Timestamp, 10),
		},
	}
}

type LendingUserCreated struct {
	User      crypto.Address
	Timestamp int64
}

func (LendingUserCreated) EventType() string { return TypeLendingUserCreated }

func (e LendingUserCreated) Event() *types.Event {
	return &types.Event{
		Type: TypeLendingUserCreated,
		Attributes: map[string]string{
			"user":      e.User.String(),
			"timestamp": strconv.FormatInt(e.Timestamp, 10),
		},
	}
}

// LendingPositionChanged describes a committed deposit, withdraw, borrow or
// repay. Kind selects the event type.
type LendingPositionChanged struct {
	Kind      string
	User      crypto.Address
	Asset     string
	Amount    *big.Int
	Shares    *big.Int
	Index     *big.Int
	Timestamp int64
}

func (e LendingPositionChanged) EventType() string { return e.Kind }

func (e LendingPositionChanged) Event() *types.Event {
	return &types.Event{
		Type: e.Kind,
		Attributes: map[string]string{
			"user":      e.User.String(),
			"asset":     assetAttr(e.Asset),
			"amount":    intString(e.Amount),
			"shares":    intString(e.Shares),
			"index":     intString(e.Index),
			"timestamp": strconv.FormatInt(e.Timestamp, 10),
		},
	}
}

type LendingLiquidated struct {
	Liquidator      crypto.Address
	Borrower        crypto.Address
	DebtAsset       string
	CollateralAsset string
	Repaid          *big.Int
	Seized          *big.Int
	Timestamp       int64
}

func (LendingLiquidated) EventType() string { return TypeLendingLiquidated }

func (e LendingLiquidated) Event() *types.Event {
	return &types.Event{
		Type: TypeLendingLiquidated,
		Attributes: map[string]string{
			"liquidator":      e.Liquidator.String(),
			"borrower":        e.Borrower.String(),
			"debtAsset":       assetAttr(e.DebtAsset),
			"collateralAsset": assetAttr(e.CollateralAsset),
			"repaid":          intString(e.Repaid),
			"seized":          intString(e.Seized),
			"timestamp":       strconv.FormatInt(e.Timestamp, 10),
		},
	}
}

func intString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

func assetAttr(asset string) string { return strings.TrimSpace(asset) }
