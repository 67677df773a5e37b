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

// Liquidate repays part of an unhealthy borrower's debt in debtAsset on their
// behalf. In exchange the liquidator receives the borrower's deposit shares in
// collateralAsset worth the repaid value plus the bank's liquidation bonus.
// The repayment is capped by the debt bank's close factor and by the
// collateral available to seize.
func (e *Engine) Liquidate(ctx context.Context, liquidator, borrower crypto.Address, debtAsset, collateralAsset string, amount *big.Int) (repaid, seized *big.Int, err error) {
	start := time.Now()
	defer func() { e.observe("liquidate", start, err) }()
	if err := e.ready(); err != nil {
		return nil, nil, err
	}
	if err := nativecommon.GuardAction(e.pauses, moduleName, "liquidate"); err != nil {
		return nil, nil, err
	}
	if !positive(amount) {
		return nil, nil, ErrInvalidAmount
	}
	if liquidator.IsZero() || borrower.IsZero() || liquidator.Equal(borrower) {
		return nil, nil, fmt.Errorf("%w: liquidator must differ from borrower", ErrInvalidParameters)
	}
	debtAsset = NormalizeAsset(debtAsset)
	collateralAsset = NormalizeAsset(collateralAsset)

	releaseUsers := e.locks.lock(userLockKey(liquidator), userLockKey(borrower))
	defer releaseUsers()
	tx := e.begin(ctx)
	borrowerAcct, ok, err := tx.account(borrower)
	if err != nil {
		return nil, nil, err
	}
	if !ok {
		return nil, nil, ErrUserNotFound
	}
	releaseBanks := e.locks.lock(bankLockKeys(borrowerAcct.Assets, []string{debtAsset, collateralAsset})...)
	defer releaseBanks()

	debtBank, err := tx.bank(debtAsset)
	if err != nil {
		return nil, nil, err
	}
	collBank, err := tx.bank(collateralAsset)
	if err != nil {
		return nil, nil, err
	}
	positions, err := tx.positionsOf(borrower, borrowerAcct)
	if err != nil {
		return nil, nil, err
	}
	prices, err := tx.prices(append(activeAssets(positions), debtAsset, collateralAsset))
	if err != nil {
		return nil, nil, err
	}
	report, err := evaluateHealth(positions, tx.banks, prices)
	if err != nil {
		return nil, nil, err
	}
	if report.State != HealthUnhealthy {
		return nil, nil, ErrNotLiquidatable
	}

	debtPos, err := tx.position(borrower, debtAsset)
	if err != nil {
		return nil, nil, err
	}
	if debtPos.BorrowShares.Sign() == 0 {
		return nil, nil, ErrNoDebt
	}
	collPos, err := tx.position(borrower, collateralAsset)
	if err != nil {
		return nil, nil, err
	}
	if collPos.DepositShares.Sign() == 0 {
		return nil, nil, fmt.Errorf("%w: borrower holds no %s collateral", ErrNotLiquidatable, collateralAsset)
	}

	debt := debtAmount(debtPos.BorrowShares, debtBank.BorrowIndex)
	maxRepay := bpsOf(debt, debtBank.Params.CloseFactorBps)
	if maxRepay.Sign() == 0 {
		maxRepay = debt
	}
	repaid = minBig(amount, maxRepay)

	bonus := new(big.Rat).Add(big.NewRat(1, 1), bpsRat(collBank.Params.LiquidationBonusBps))
	debtPrice, collPrice := prices[debtAsset], prices[collateralAsset]
	seizeValue := assetValue(repaid, debtPrice, debtBank.Params.Decimals)
	seizeValue.Mul(seizeValue, bonus)
	seized = amountForValue(seizeValue, collPrice, collBank.Params.Decimals)

	available := depositAmount(collPos.DepositShares, collBank.DepositIndex)
	if seized.Cmp(available) >= 0 {
		seized = available
		cover := assetValue(seized, collPrice, collBank.Params.Decimals)
		cover.Quo(cover, bonus)
		repaid = minBig(repaid, amountForValue(cover, debtPrice, debtBank.Params.Decimals))
	}
	if repaid.Sign() == 0 || seized.Sign() == 0 {
		return nil, nil, fmt.Errorf("%w: liquidation amount too small", ErrInvalidAmount)
	}

	burnedDebt, repaid := repayShares(debtPos.BorrowShares, debtBank.BorrowIndex, repaid)
	seizedShares := new(big.Int).Set(collPos.DepositShares)
	if seized.Cmp(available) < 0 {
		seizedShares = depositSharesDown(seized, collBank.DepositIndex)
	}
	if burnedDebt.Sign() == 0 || seizedShares.Sign() == 0 {
		return nil, nil, fmt.Errorf("%w: liquidation amount too small", ErrInvalidAmount)
	}

	liquidatorAcct, err := tx.ensureAccount(liquidator)
	if err != nil {
		return nil, nil, err
	}
	liqPos, err := tx.position(liquidator, collateralAsset)
	if err != nil {
		return nil, nil, err
	}

	debtPos.BorrowShares.Sub(debtPos.BorrowShares, burnedDebt)
	debtBank.TotalBorrowShares.Sub(debtBank.TotalBorrowShares, burnedDebt)
	collPos.DepositShares.Sub(collPos.DepositShares, seizedShares)
	liqPos.DepositShares.Add(liqPos.DepositShares, seizedShares)
	tx.addAsset(liquidatorAcct, collateralAsset)
	tx.markPosition(debtPos)
	tx.markPosition(collPos)
	tx.markPosition(liqPos)
	tx.markBank(debtAsset)
	tx.markBank(collateralAsset)

	if err := e.apply(tx, &transferStep{user: liquidator, asset: debtAsset, amount: repaid}); err != nil {
		return nil, nil, err
	}
	seized = depositAmount(seizedShares, collBank.DepositIndex)
	e.emit(events.LendingLiquidated{
		Liquidator:      liquidator,
		Borrower:        borrower,
		DebtAsset:       debtAsset,
		CollateralAsset: collateralAsset,
		Repaid:          new(big.Int).Set(repaid),
		Seized:          new(big.Int).Set(seized),
		Timestamp:       tx.now.Unix(),
	})
	e.logger.Info("position liquidated", "liquidator", liquidator.String(), "borrower", borrower.String(),
		"debtAsset", debtAsset, "collateralAsset", collateralAsset, "repaid", repaid.String(), "seized", seized.String())
	return repaid, seized, nil
}
