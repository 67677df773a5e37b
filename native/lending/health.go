package lending

import (
	"fmt"
	"math/big"
)

// HealthState classifies a user's aggregate position.
type HealthState string

const (
	// HealthHealthy means debt is within borrowing power.
	HealthHealthy HealthState = "healthy"
	// HealthAtRisk means debt exceeds borrowing power but not the liquidation
	// threshold.
	HealthAtRisk HealthState = "at_risk"
	// HealthUnhealthy means the position may be liquidated.
	HealthUnhealthy HealthState = "unhealthy"
)

// HealthReport values a user's positions in the common quote currency.
type HealthReport struct {
	// Collateral is deposits weighted by liquidation threshold.
	Collateral *big.Rat
	// BorrowingPower is deposits weighted by max LTV.
	BorrowingPower *big.Rat
	Debt           *big.Rat
	// HealthFactor is Collateral / Debt, nil when there is no debt.
	HealthFactor *big.Rat
	State        HealthState
}

// assetValue converts base units into quote value: amount x price / 10^decimals.
func assetValue(amount *big.Int, price *big.Rat, decimals uint8) *big.Rat {
	if amount == nil || amount.Sign() == 0 || price == nil {
		return new(big.Rat)
	}
	value := new(big.Rat).SetFrac(amount, pow10(decimals))
	return value.Mul(value, price)
}

// amountForValue converts a quote value back into base units, rounding down.
func amountForValue(value *big.Rat, price *big.Rat, decimals uint8) *big.Int {
	if value == nil || price == nil || price.Sign() <= 0 {
		return big.NewInt(0)
	}
	units := new(big.Rat).Quo(value, price)
	units.Mul(units, new(big.Rat).SetInt(pow10(decimals)))
	return new(big.Int).Quo(units.Num(), units.Denom())
}

func weighted(value *big.Rat, bps uint64) *big.Rat {
	return new(big.Rat).Mul(value, bpsRat(bps))
}

// evaluateHealth values every position against the accrued banks and prices.
func evaluateHealth(positions map[string]*UserPosition, banks map[string]*Bank, prices map[string]*big.Rat) (*HealthReport, error) {
	report := &HealthReport{
		Collateral:     new(big.Rat),
		BorrowingPower: new(big.Rat),
		Debt:           new(big.Rat),
	}
	for asset, pos := range positions {
		if pos.IsEmpty() {
			continue
		}
		bank, ok := banks[asset]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrBankNotFound, asset)
		}
		price, ok := prices[asset]
		if !ok {
			return nil, fmt.Errorf("%w: no quote for %s", ErrOracleUnavailable, asset)
		}
		if pos.DepositShares.Sign() > 0 {
			value := assetValue(depositAmount(pos.DepositShares, bank.DepositIndex), price, bank.Params.Decimals)
			report.Collateral.Add(report.Collateral, weighted(value, bank.Params.LiquidationThresholdBps))
			report.BorrowingPower.Add(report.BorrowingPower, weighted(value, bank.Params.MaxLtvBps))
		}
		if pos.BorrowShares.Sign() > 0 {
			value := assetValue(debtAmount(pos.BorrowShares, bank.BorrowIndex), price, bank.Params.Decimals)
			report.Debt.Add(report.Debt, value)
		}
	}
	switch {
	case report.Debt.Cmp(report.BorrowingPower) <= 0:
		report.State = HealthHealthy
	case report.Debt.Cmp(report.Collateral) <= 0:
		report.State = HealthAtRisk
	default:
		report.State = HealthUnhealthy
	}
	if report.Debt.Sign() > 0 {
		report.HealthFactor = new(big.Rat).Quo(report.Collateral, report.Debt)
	}
	return report, nil
}

func hasDebt(positions map[string]*UserPosition) bool {
	for _, pos := range positions {
		if pos.BorrowShares.Sign() > 0 {
			return true
		}
	}
	return false
}
