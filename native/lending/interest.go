package lending

import "math/big"

// InterestModel encapsulates the parameters that shape how interest rates react
// to market utilisation. Rates are annualised.
type InterestModel struct {
	// BaseRate is the minimum borrow APR applied when utilisation is zero.
	BaseRate *big.Rat
	// Slope1 is the borrow APR increase per unit of utilisation up to the
	// kink point.
	Slope1 *big.Rat
	// Slope2 governs the additional APR increase applied when utilisation
	// exceeds the kink point.
	Slope2 *big.Rat
	// Kink represents the utilisation ratio where the borrow rate slope
	// changes to encourage liquidity.
	Kink *big.Rat
}

// NewInterestModelBps constructs an interest model from basis point inputs,
// e.g. a 2% base rate is 200 and an 80% kink utilisation is 8000.
func NewInterestModelBps(baseRate, slope1, slope2, kink uint64) *InterestModel {
	return &InterestModel{
		BaseRate: bpsRat(baseRate),
		Slope1:   bpsRat(slope1),
		Slope2:   bpsRat(slope2),
		Kink:     bpsRat(kink),
	}
}

// Utilisation computes U = borrowed / supplied clamped to [0, 1]. When no
// liquidity exists the utilisation is defined as zero.
func Utilisation(borrowed, supplied *big.Int) *big.Rat {
	if borrowed == nil || borrowed.Sign() <= 0 {
		return new(big.Rat)
	}
	if supplied == nil || supplied.Sign() <= 0 {
		return new(big.Rat)
	}
	if borrowed.Cmp(supplied) >= 0 {
		return big.NewRat(1, 1)
	}
	return new(big.Rat).SetFrac(borrowed, supplied)
}

// BorrowRate derives the borrow APR for the supplied utilisation. The curve is
// non-decreasing in utilisation as long as both slopes are non-negative.
func (m *InterestModel) BorrowRate(utilisation *big.Rat) *big.Rat {
	if m == nil {
		return new(big.Rat)
	}
	rate := cloneRat(m.BaseRate)
	if utilisation == nil || utilisation.Sign() <= 0 {
		return rate
	}
	u := cloneRat(utilisation)
	if u.Cmp(big.NewRat(1, 1)) > 0 {
		u.SetInt64(1)
	}

	kink := cloneRat(m.Kink)
	slope1 := cloneRat(m.Slope1)
	slope2 := cloneRat(m.Slope2)
	if kink.Sign() == 0 || u.Cmp(kink) <= 0 {
		// Linear region before the kink.
		return rate.Add(rate, new(big.Rat).Mul(slope1, u))
	}

	// Rate at the kink using slope1.
	rate.Add(rate, new(big.Rat).Mul(slope1, kink))

	// Additional rate beyond the kink using slope2.
	excess := new(big.Rat).Sub(u, kink)
	return rate.Add(rate, new(big.Rat).Mul(slope2, excess))
}

// DepositRate derives the supply APR: borrowRate x utilisation x (1 - reserve).
func (m *InterestModel) DepositRate(utilisation *big.Rat, reserveFactorBps uint64) *big.Rat {
	if m == nil || utilisation == nil || utilisation.Sign() <= 0 {
		return new(big.Rat)
	}
	borrowRate := m.BorrowRate(utilisation)
	if borrowRate.Sign() == 0 {
		return new(big.Rat)
	}
	oneMinusReserve := new(big.Rat).Sub(big.NewRat(1, 1), bpsRat(reserveFactorBps))
	if oneMinusReserve.Sign() < 0 {
		oneMinusReserve.SetInt64(0)
	}
	u := cloneRat(utilisation)
	if u.Cmp(big.NewRat(1, 1)) > 0 {
		u.SetInt64(1)
	}
	rate := new(big.Rat).Mul(borrowRate, u)
	return rate.Mul(rate, oneMinusReserve)
}

func cloneRat(r *big.Rat) *big.Rat {
	if r == nil {
		return new(big.Rat)
	}
	return new(big.Rat).Set(r)
}
