package lending

import (
	"math/big"
	"testing"
)

func rayOf(n int64) *big.Int { return new(big.Int).Mul(ray, big.NewInt(n)) }

func TestRayPow(t *testing.T) {
	if got := rayPow(rayOf(2), 10, false); got.Cmp(rayOf(1024)) != 0 {
		t.Fatalf("2^10: got %s", got)
	}
	if got := rayPow(rayOf(7), 0, true); got.Cmp(ray) != 0 {
		t.Fatalf("x^0 should be one ray, got %s", got)
	}
	third := new(big.Int).Div(rayOf(4), big.NewInt(3))
	down := rayPow(third, 5, false)
	up := rayPow(third, 5, true)
	if down.Cmp(up) >= 0 {
		t.Fatalf("rounding up must not be below rounding down: %s vs %s", up, down)
	}
}

func TestShareConversionsRoundForProtocol(t *testing.T) {
	index := rayOf(3)
	cases := []struct {
		name string
		got  *big.Int
		want int64
	}{
		{"deposit mint rounds down", depositSharesDown(big.NewInt(10), index), 3},
		{"withdraw burn rounds up", depositSharesUp(big.NewInt(10), index), 4},
		{"borrow mint rounds up", borrowSharesUp(big.NewInt(10), index), 4},
		{"repay burn rounds down", borrowSharesDown(big.NewInt(10), index), 3},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			expectInt(t, tc.name, tc.got, tc.want)
		})
	}

	oneAndHalf := new(big.Int).Div(rayOf(3), big.NewInt(2))
	expectInt(t, "deposit amount", depositAmount(big.NewInt(3), oneAndHalf), 4)
	expectInt(t, "debt amount", debtAmount(big.NewInt(3), oneAndHalf), 5)
}

func TestMulDivZeroDenominator(t *testing.T) {
	expectInt(t, "zero denominator", mulDiv(big.NewInt(5), big.NewInt(5), big.NewInt(0), true), 0)
}

func TestRatToRay(t *testing.T) {
	third := big.NewRat(1, 3)
	down, up := ratToRay(third, false), ratToRay(third, true)
	if new(big.Int).Sub(up, down).Cmp(big.NewInt(1)) != 0 {
		t.Fatalf("expected one unit rounding gap, got %s and %s", down, up)
	}
	if ratToRay(new(big.Rat), true).Sign() != 0 {
		t.Fatalf("zero rate should map to zero")
	}
}
