package lending

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"reservebank/core/events"
	"reservebank/crypto"
	nativecommon "reservebank/native/common"
)

func (e *Engine) precheck(action string, user crypto.Address, amount *big.Int) error {
	if err := e.ready(); err != nil {
		return err
	}
	if err := nativecommon.GuardAction(e.pauses, moduleName, action); err != nil {
		return err
	}
	if user.IsZero() {
		return fmt.Errorf("%w: user address required", ErrInvalidParameters)
	}
	if !positive(amount) {
		return ErrInvalidAmount
	}
	return nil
}

// Deposit moves amount from the user into the bank and mints deposit shares,
// rounding down. The minted shares are returned.
func (e *Engine) Deposit(ctx context.Context, user crypto.Address, asset string, amount *big.Int) (minted *big.Int, err error) {
	start := time.Now()
	defer func() { e.observe("deposit", start, err) }()
	if err := e.precheck("deposit", user, amount); err != nil {
		return nil, err
	}
	asset = NormalizeAsset(asset)

	releaseUser := e.locks.lock(userLockKey(user))
	defer releaseUser()
	releaseBank := e.locks.lock(bankLockKey(asset))
	defer releaseBank()

	tx := e.begin(ctx)
	bank, err := tx.bank(asset)
	if err != nil {
		return nil, err
	}
	acct, err := tx.ensureAccount(user)
	if err != nil {
		return nil, err
	}
	pos, err := tx.position(user, asset)
	if err != nil {
		return nil, err
	}
	minted = depositSharesDown(amount, bank.DepositIndex)
	if minted.Sign() == 0 {
		return nil, fmt.Errorf("%w: amount below one share", ErrInvalidAmount)
	}

	pos.DepositShares.Add(pos.DepositShares, minted)
	bank.TotalDepositShares.Add(bank.TotalDepositShares, minted)
	tx.addAsset(acct, asset)
	tx.markPosition(pos)
	tx.markBank(asset)

	if err := e.apply(tx, &transferStep{user: user, asset: asset, amount: amount}); err != nil {
		return nil, err
	}
	e.emitPosition(events.TypeLendingDeposited, tx, user, asset, amount, minted, bank.DepositIndex)
	return minted, nil
}

// Withdraw burns deposit shares, rounding up, and pays amount to the user.
// Users with outstanding debt must stay within their borrowing power.
func (e *Engine) Withdraw(ctx context.Context, user crypto.Address, asset string, amount *big.Int) (burned *big.Int, err error) {
	start := time.Now()
	defer func() { e.observe("withdraw", start, err) }()
	if err := e.precheck("withdraw", user, amount); err != nil {
		return nil, err
	}
	asset = NormalizeAsset(asset)

	releaseUser := e.locks.lock(userLockKey(user))
	defer releaseUser()
	tx := e.begin(ctx)
	acct, ok, err := tx.account(user)
	if err != nil {
		return nil, err
	}
	if !ok {
		acct = &UserAccount{Address: user}
	}
	releaseBanks := e.locks.lock(bankLockKeys(acct.Assets, []string{asset})...)
	defer releaseBanks()

	bank, err := tx.bank(asset)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrInsufficientBalance
	}
	positions, err := tx.positionsOf(user, acct)
	if err != nil {
		return nil, err
	}
	pos, err := tx.position(user, asset)
	if err != nil {
		return nil, err
	}
	burned = depositSharesUp(amount, bank.DepositIndex)
	if burned.Cmp(pos.DepositShares) > 0 {
		return nil, ErrInsufficientBalance
	}
	if amount.Cmp(bank.AvailableLiquidity()) > 0 {
		return nil, ErrInsufficientLiquidity
	}

	pos.DepositShares.Sub(pos.DepositShares, burned)
	bank.TotalDepositShares.Sub(bank.TotalDepositShares, burned)
	tx.markPosition(pos)
	tx.markBank(asset)

	if hasDebt(positions) {
		prices, err := tx.prices(activeAssets(positions))
		if err != nil {
			return nil, err
		}
		report, err := evaluateHealth(positions, tx.banks, prices)
		if err != nil {
			return nil, err
		}
		if report.Debt.Cmp(report.BorrowingPower) > 0 {
			return nil, ErrInsufficientCollateral
		}
	}

	if err := e.apply(tx, &transferStep{user: user, asset: asset, amount: amount, credit: true}); err != nil {
		return nil, err
	}
	e.emitPosition(events.TypeLendingWithdrawn, tx, user, asset, amount, burned, bank.DepositIndex)
	return burned, nil
}

// Borrow mints borrow shares, rounding up, and pays amount to the user once
// the resulting debt fits within the user's borrowing power.
func (e *Engine) Borrow(ctx context.Context, user crypto.Address, asset string, amount *big.Int) (minted *big.Int, err error) {
	start := time.Now()
	defer func() { e.observe("borrow", start, err) }()
	if err := e.precheck("borrow", user, amount); err != nil {
		return nil, err
	}
	asset = NormalizeAsset(asset)

	releaseUser := e.locks.lock(userLockKey(user))
	defer releaseUser()
	tx := e.begin(ctx)
	acct, err := tx.ensureAccount(user)
	if err != nil {
		return nil, err
	}
	releaseBanks := e.locks.lock(bankLockKeys(acct.Assets, []string{asset})...)
	defer releaseBanks()

	bank, err := tx.bank(asset)
	if err != nil {
		return nil, err
	}
	positions, err := tx.positionsOf(user, acct)
	if err != nil {
		return nil, err
	}
	pos, err := tx.position(user, asset)
	if err != nil {
		return nil, err
	}
	positions[asset] = pos
	if amount.Cmp(bank.AvailableLiquidity()) > 0 {
		return nil, ErrInsufficientLiquidity
	}
	prices, err := tx.prices(append(activeAssets(positions), asset))
	if err != nil {
		return nil, err
	}

	minted = borrowSharesUp(amount, bank.BorrowIndex)
	pos.BorrowShares.Add(pos.BorrowShares, minted)
	bank.TotalBorrowShares.Add(bank.TotalBorrowShares, minted)

	report, err := evaluateHealth(positions, tx.banks, prices)
	if err != nil {
		return nil, err
	}
	if report.Debt.Cmp(report.BorrowingPower) > 0 {
		return nil, ErrExceedsLtv
	}
	tx.addAsset(acct, asset)
	tx.markPosition(pos)
	tx.markBank(asset)

	if err := e.apply(tx, &transferStep{user: user, asset: asset, amount: amount, credit: true}); err != nil {
		return nil, err
	}
	e.emitPosition(events.TypeLendingBorrowed, tx, user, asset, amount, minted, bank.BorrowIndex)
	return minted, nil
}

// Repay reduces the user's debt. Amounts above the outstanding debt are capped
// and the amount actually applied is returned.
func (e *Engine) Repay(ctx context.Context, user crypto.Address, asset string, amount *big.Int) (applied *big.Int, err error) {
	start := time.Now()
	defer func() { e.observe("repay", start, err) }()
	if err := e.precheck("repay", user, amount); err != nil {
		return nil, err
	}
	asset = NormalizeAsset(asset)

	releaseUser := e.locks.lock(userLockKey(user))
	defer releaseUser()
	releaseBank := e.locks.lock(bankLockKey(asset))
	defer releaseBank()

	tx := e.begin(ctx)
	bank, err := tx.bank(asset)
	if err != nil {
		return nil, err
	}
	pos, err := tx.position(user, asset)
	if err != nil {
		return nil, err
	}
	if pos.BorrowShares.Sign() == 0 {
		return nil, ErrNoDebt
	}

	burned, applied := repayShares(pos.BorrowShares, bank.BorrowIndex, amount)
	if burned.Sign() == 0 {
		return nil, fmt.Errorf("%w: amount below one share", ErrInvalidAmount)
	}
	pos.BorrowShares.Sub(pos.BorrowShares, burned)
	bank.TotalBorrowShares.Sub(bank.TotalBorrowShares, burned)
	tx.markPosition(pos)
	tx.markBank(asset)

	if err := e.apply(tx, &transferStep{user: user, asset: asset, amount: applied}); err != nil {
		return nil, err
	}
	e.emitPosition(events.TypeLendingRepaid, tx, user, asset, applied, burned, bank.BorrowIndex)
	return applied, nil
}

// repayShares caps amount at the outstanding debt and returns the shares to
// burn with the amount applied. Partial repayments burn shares rounded down.
func repayShares(shares, index, amount *big.Int) (*big.Int, *big.Int) {
	debt := debtAmount(shares, index)
	if amount.Cmp(debt) >= 0 {
		return new(big.Int).Set(shares), debt
	}
	burned := borrowSharesDown(amount, index)
	if burned.Cmp(shares) > 0 {
		burned.Set(shares)
	}
	return burned, new(big.Int).Set(amount)
}

func (e *Engine) emitPosition(kind string, tx *txn, user crypto.Address, asset string, amount, shares, index *big.Int) {
	e.emit(events.LendingPositionChanged{
		Kind:      kind,
		User:      user,
		Asset:     asset,
		Amount:    new(big.Int).Set(amount),
		Shares:    new(big.Int).Set(shares),
		Index:     new(big.Int).Set(index),
		Timestamp: tx.now.Unix(),
	})
	e.logger.Info("lending operation committed", "op", kind, "user", user.String(),
		"asset", asset, "amount", amount.String())
}
