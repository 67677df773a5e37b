package lending

import (
	"fmt"
	"math/big"
)

const (
	// DefaultCloseFactorBps bounds a single liquidation to half the debt.
	DefaultCloseFactorBps = 5_000
	maxBps                = 10_000
)

// BankParams groups the governance controlled risk and rate settings fixed at
// bank creation. All ratios are expressed in basis points.
type BankParams struct {
	Decimals                uint8
	MaxLtvBps               uint64
	LiquidationThresholdBps uint64
	LiquidationBonusBps     uint64
	CloseFactorBps          uint64
	ReserveFactorBps        uint64

	BaseRateBps uint64
	Slope1Bps   uint64
	Slope2Bps   uint64
	KinkBps     uint64
}

// WithDefaults fills optional fields left unset.
func (p BankParams) WithDefaults() BankParams {
	if p.CloseFactorBps == 0 {
		p.CloseFactorBps = DefaultCloseFactorBps
	}
	return p
}

// Validate enforces 0 < maxLtv <= liquidationThreshold <= 100%.
func (p BankParams) Validate() error {
	if p.MaxLtvBps == 0 {
		return fmt.Errorf("%w: max ltv must be positive", ErrInvalidParameters)
	}
	if p.MaxLtvBps > p.LiquidationThresholdBps {
		return fmt.Errorf("%w: max ltv %d exceeds liquidation threshold %d", ErrInvalidParameters, p.MaxLtvBps, p.LiquidationThresholdBps)
	}
	if p.LiquidationThresholdBps > maxBps {
		return fmt.Errorf("%w: liquidation threshold %d above 100%%", ErrInvalidParameters, p.LiquidationThresholdBps)
	}
	if p.CloseFactorBps == 0 || p.CloseFactorBps > maxBps {
		return fmt.Errorf("%w: close factor %d out of range", ErrInvalidParameters, p.CloseFactorBps)
	}
	if p.ReserveFactorBps > maxBps {
		return fmt.Errorf("%w: reserve factor %d above 100%%", ErrInvalidParameters, p.ReserveFactorBps)
	}
	if p.KinkBps > maxBps {
		return fmt.Errorf("%w: kink %d above 100%%", ErrInvalidParameters, p.KinkBps)
	}
	if p.Decimals > 36 {
		return fmt.Errorf("%w: decimals %d unsupported", ErrInvalidParameters, p.Decimals)
	}
	return nil
}

// InterestModel builds the kinked rate curve described by the parameters.
func (p BankParams) InterestModel() *InterestModel {
	return NewInterestModelBps(p.BaseRateBps, p.Slope1Bps, p.Slope2Bps, p.KinkBps)
}

func bpsRat(bps uint64) *big.Rat {
	return new(big.Rat).SetFrac(new(big.Int).SetUint64(bps), basisPoints)
}
