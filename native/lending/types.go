package lending

import (
	"math/big"
	"sort"
	"strings"
	"time"

	"reservebank/crypto"
)

// Bank is the per-asset reserve pool. Balances are tracked in shares; the
// indices convert shares into underlying amounts.
type Bank struct {
	Asset string
	// TotalDepositShares aggregates every UserPosition.DepositShares.
	TotalDepositShares *big.Int
	// TotalBorrowShares aggregates every UserPosition.BorrowShares.
	TotalBorrowShares *big.Int
	// DepositIndex and BorrowIndex start at one ray and never decrease.
	DepositIndex *big.Int
	BorrowIndex  *big.Int
	// LastAccrual is the timestamp the indices were last advanced to.
	LastAccrual time.Time
	// Reserves accumulates the protocol share of accrued borrow interest.
	Reserves *big.Int
	Params   BankParams
	// CreatedAt records when initBank ran.
	CreatedAt time.Time
}

// NewBank constructs a bank with unit indices and zero totals.
func NewBank(asset string, params BankParams, now time.Time) *Bank {
	return &Bank{
		Asset:              NormalizeAsset(asset),
		TotalDepositShares: big.NewInt(0),
		TotalBorrowShares:  big.NewInt(0),
		DepositIndex:       new(big.Int).Set(ray),
		BorrowIndex:        new(big.Int).Set(ray),
		LastAccrual:        now.UTC(),
		Reserves:           big.NewInt(0),
		Params:             params,
		CreatedAt:          now.UTC(),
	}
}

// Clone returns a deep copy of the bank.
func (b *Bank) Clone() *Bank {
	if b == nil {
		return nil
	}
	clone := *b
	clone.TotalDepositShares = cloneBig(b.TotalDepositShares)
	clone.TotalBorrowShares = cloneBig(b.TotalBorrowShares)
	clone.DepositIndex = cloneBig(b.DepositIndex)
	clone.BorrowIndex = cloneBig(b.BorrowIndex)
	clone.Reserves = cloneBig(b.Reserves)
	if clone.DepositIndex.Sign() == 0 {
		clone.DepositIndex.Set(ray)
	}
	if clone.BorrowIndex.Sign() == 0 {
		clone.BorrowIndex.Set(ray)
	}
	return &clone
}

// TotalDeposits is the underlying owed to depositors, rounded down.
func (b *Bank) TotalDeposits() *big.Int {
	return depositAmount(b.TotalDepositShares, b.DepositIndex)
}

// TotalBorrows is the underlying owed by borrowers, rounded up.
func (b *Bank) TotalBorrows() *big.Int {
	return debtAmount(b.TotalBorrowShares, b.BorrowIndex)
}

// AvailableLiquidity is deposits minus borrows, floored at zero.
func (b *Bank) AvailableLiquidity() *big.Int {
	available := new(big.Int).Sub(b.TotalDeposits(), b.TotalBorrows())
	if available.Sign() < 0 {
		return big.NewInt(0)
	}
	return available
}

// Utilisation reports borrowed / deposited in amount terms.
func (b *Bank) Utilisation() *big.Rat {
	return Utilisation(b.TotalBorrows(), b.TotalDeposits())
}

// UserPosition holds one user's shares in one bank.
type UserPosition struct {
	User          crypto.Address
	Asset         string
	DepositShares *big.Int
	BorrowShares  *big.Int
}

func newPosition(user crypto.Address, asset string) *UserPosition {
	return &UserPosition{
		User:          user,
		Asset:         asset,
		DepositShares: big.NewInt(0),
		BorrowShares:  big.NewInt(0),
	}
}

// Clone returns a deep copy of the position.
func (p *UserPosition) Clone() *UserPosition {
	if p == nil {
		return nil
	}
	return &UserPosition{
		User:          p.User,
		Asset:         p.Asset,
		DepositShares: cloneBig(p.DepositShares),
		BorrowShares:  cloneBig(p.BorrowShares),
	}
}

// IsEmpty reports whether both share balances are zero. Empty positions are
// kept, not deleted.
func (p *UserPosition) IsEmpty() bool {
	return p == nil || (p.DepositShares.Sign() == 0 && p.BorrowShares.Sign() == 0)
}

// UserAccount is the per-user record listing the banks the user touched.
type UserAccount struct {
	Address   crypto.Address
	Assets    []string
	CreatedAt time.Time
}

// Clone returns a deep copy of the account.
func (a *UserAccount) Clone() *UserAccount {
	if a == nil {
		return nil
	}
	clone := *a
	clone.Assets = append([]string(nil), a.Assets...)
	return &clone
}

// HasAsset reports whether the user ever held a position in asset.
func (a *UserAccount) HasAsset(asset string) bool {
	idx := sort.SearchStrings(a.Assets, asset)
	return idx < len(a.Assets) && a.Assets[idx] == asset
}

func (a *UserAccount) addAsset(asset string) bool {
	if a.HasAsset(asset) {
		return false
	}
	a.Assets = append(a.Assets, asset)
	sort.Strings(a.Assets)
	return true
}

// PositionView pairs a position with its accrued underlying amounts.
type PositionView struct {
	Position *UserPosition
	Deposit  *big.Int
	Debt     *big.Int
}

// NormalizeAsset trims surrounding whitespace. Asset identifiers are mint or
// contract addresses and stay case-sensitive.
func NormalizeAsset(asset string) string {
	return strings.TrimSpace(asset)
}
