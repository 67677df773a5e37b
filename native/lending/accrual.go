package lending

import (
	"math/big"
	"time"
)

const (
	// DefaultAccrualPeriod is the compounding granularity.
	DefaultAccrualPeriod = time.Second
	secondsPerYear       = 365 * 24 * 60 * 60
)

// accrue advances the bank's indices to now in whole accrual periods. The
// bank is mutated in place; callers pass a staged clone.
func accrue(bank *Bank, now time.Time, period time.Duration) bool {
	if bank == nil || period <= 0 {
		return false
	}
	now = now.UTC()
	if !now.After(bank.LastAccrual) {
		return false
	}
	periods := uint64(now.Sub(bank.LastAccrual) / period)
	if periods == 0 {
		return false
	}
	bank.LastAccrual = bank.LastAccrual.Add(time.Duration(periods) * period)

	utilisation := bank.Utilisation()
	model := bank.Params.InterestModel()
	borrowAPR := model.BorrowRate(utilisation)
	if borrowAPR.Sign() == 0 || bank.TotalBorrowShares.Sign() == 0 {
		return true
	}
	depositAPR := model.DepositRate(utilisation, bank.Params.ReserveFactorBps)

	perYear := periodsPerYear(period)
	borrowPerPeriod := ratToRay(new(big.Rat).Quo(borrowAPR, perYear), true)
	depositPerPeriod := ratToRay(new(big.Rat).Quo(depositAPR, perYear), false)

	borrowFactor := rayPow(new(big.Int).Add(ray, borrowPerPeriod), periods, true)
	depositFactor := rayPow(new(big.Int).Add(ray, depositPerPeriod), periods, false)

	debtBefore := bank.TotalBorrows()
	bank.BorrowIndex = rayMulUp(bank.BorrowIndex, borrowFactor)
	bank.DepositIndex = rayMulDown(bank.DepositIndex, depositFactor)

	interest := new(big.Int).Sub(bank.TotalBorrows(), debtBefore)
	if interest.Sign() > 0 {
		bank.Reserves = new(big.Int).Add(bank.Reserves, bpsOf(interest, bank.Params.ReserveFactorBps))
	}
	return true
}

func periodsPerYear(period time.Duration) *big.Rat {
	year := new(big.Int).Mul(big.NewInt(secondsPerYear), big.NewInt(int64(time.Second)))
	return new(big.Rat).SetFrac(year, big.NewInt(int64(period)))
}
