package lending

import "math/big"

var (
	basisPoints = big.NewInt(maxBps)
	ray         = mustBigInt("1000000000000000000000000000") // 1e27 precision
)

func mustBigInt(value string) *big.Int {
	v, ok := new(big.Int).SetString(value, 10)
	if !ok {
		panic("invalid big integer constant")
	}
	return v
}

// mulDiv returns a*b/c rounded towards zero or away from zero. Inputs are
// non-negative.
func mulDiv(a, b, c *big.Int, roundUp bool) *big.Int {
	if a == nil || b == nil || c == nil || c.Sign() == 0 {
		return big.NewInt(0)
	}
	product := new(big.Int).Mul(a, b)
	quo, rem := new(big.Int).QuoRem(product, c, new(big.Int))
	if roundUp && rem.Sign() > 0 {
		quo.Add(quo, big.NewInt(1))
	}
	return quo
}

func rayMulDown(a, b *big.Int) *big.Int { return mulDiv(a, b, ray, false) }
func rayMulUp(a, b *big.Int) *big.Int   { return mulDiv(a, b, ray, true) }

// rayPow raises a ray-scaled base to n using exponentiation by squaring, with
// every intermediate product rounded in the same direction.
func rayPow(base *big.Int, n uint64, roundUp bool) *big.Int {
	result := new(big.Int).Set(ray)
	if n == 0 {
		return result
	}
	b := new(big.Int).Set(base)
	for n > 0 {
		if n&1 == 1 {
			result = mulDiv(result, b, ray, roundUp)
		}
		n >>= 1
		if n > 0 {
			b = mulDiv(b, b, ray, roundUp)
		}
	}
	return result
}

// ratToRay scales a non-negative rational into ray precision.
func ratToRay(r *big.Rat, roundUp bool) *big.Int {
	if r == nil || r.Sign() <= 0 {
		return big.NewInt(0)
	}
	return mulDiv(r.Num(), ray, r.Denom(), roundUp)
}

// Shares minted for a deposit round down.
func depositSharesDown(amount, index *big.Int) *big.Int { return mulDiv(amount, ray, index, false) }

// Shares burned for a withdrawal round up.
func depositSharesUp(amount, index *big.Int) *big.Int { return mulDiv(amount, ray, index, true) }

// Shares minted for a borrow round up.
func borrowSharesUp(amount, index *big.Int) *big.Int { return mulDiv(amount, ray, index, true) }

// Shares burned for a repayment round down.
func borrowSharesDown(amount, index *big.Int) *big.Int { return mulDiv(amount, ray, index, false) }

// depositAmount converts deposit shares into underlying, rounding down.
func depositAmount(shares, index *big.Int) *big.Int { return mulDiv(shares, index, ray, false) }

// debtAmount converts borrow shares into underlying, rounding up.
func debtAmount(shares, index *big.Int) *big.Int { return mulDiv(shares, index, ray, true) }

func bpsOf(value *big.Int, bps uint64) *big.Int {
	return mulDiv(value, new(big.Int).SetUint64(bps), basisPoints, false)
}

func minBig(a, b *big.Int) *big.Int {
	if a.Cmp(b) <= 0 {
		return new(big.Int).Set(a)
	}
	return new(big.Int).Set(b)
}

func cloneBig(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(v)
}

func pow10(decimals uint8) *big.Int {
	return new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil)
}
