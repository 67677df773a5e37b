package lending

import (
	"context"
	"errors"
	"fmt"

	"github.com/BurntSushi/toml"

	"reservebank/crypto"
)

// MarketConfig captures the bootstrap configuration for a single bank.
type MarketConfig struct {
	Asset                   string      `toml:"Asset"`
	Decimals                uint8       `toml:"Decimals"`
	MaxLTVBps               uint64      `toml:"MaxLTVBps"`
	LiquidationThresholdBps uint64      `toml:"LiquidationThresholdBps"`
	LiquidationBonusBps     uint64      `toml:"LiquidationBonusBps"`
	CloseFactorBps          uint64      `toml:"CloseFactorBps"`
	ReserveFactorBps        uint64      `toml:"ReserveFactorBps"`
	Rates                   *RateConfig `toml:"rates"`
}

// RateConfig describes the kinked borrow rate curve in basis points.
type RateConfig struct {
	BaseRateBps uint64 `toml:"BaseRateBps"`
	Slope1Bps   uint64 `toml:"Slope1Bps"`
	Slope2Bps   uint64 `toml:"Slope2Bps"`
	KinkBps     uint64 `toml:"KinkBps"`
}

// DefaultRates is the curve applied to markets without a rates table. An
// explicit table of zeros keeps borrowing interest free.
var DefaultRates = RateConfig{BaseRateBps: 200, Slope1Bps: 1_500, Slope2Bps: 6_000, KinkBps: 8_000}

type marketsFile struct {
	Banks []MarketConfig `toml:"bank"`
}

// Params converts the config into bank parameters.
func (m MarketConfig) Params() BankParams {
	rates := DefaultRates
	if m.Rates != nil {
		rates = *m.Rates
	}
	return BankParams{
		Decimals:                m.Decimals,
		MaxLtvBps:               m.MaxLTVBps,
		LiquidationThresholdBps: m.LiquidationThresholdBps,
		LiquidationBonusBps:     m.LiquidationBonusBps,
		CloseFactorBps:          m.CloseFactorBps,
		ReserveFactorBps:        m.ReserveFactorBps,
		BaseRateBps:             rates.BaseRateBps,
		Slope1Bps:               rates.Slope1Bps,
		Slope2Bps:               rates.Slope2Bps,
		KinkBps:                 rates.KinkBps,
	}.WithDefaults()
}

// LoadMarkets reads the [[bank]] tables from a TOML file.
func LoadMarkets(path string) ([]MarketConfig, error) {
	var file marketsFile
	if _, err := toml.DecodeFile(path, &file); err != nil {
		return nil, fmt.Errorf("lending: decode markets %s: %w", path, err)
	}
	return ParseMarkets(file.Banks)
}

// ParseMarkets validates a decoded market list.
func ParseMarkets(markets []MarketConfig) ([]MarketConfig, error) {
	seen := make(map[string]struct{}, len(markets))
	out := make([]MarketConfig, 0, len(markets))
	for i, m := range markets {
		m.Asset = NormalizeAsset(m.Asset)
		if m.Asset == "" {
			return nil, fmt.Errorf("lending: bank %d: asset required", i)
		}
		if _, dup := seen[m.Asset]; dup {
			return nil, fmt.Errorf("lending: bank %s configured twice", m.Asset)
		}
		seen[m.Asset] = struct{}{}
		if err := m.Params().Validate(); err != nil {
			return nil, fmt.Errorf("bank %s: %w", m.Asset, err)
		}
		out = append(out, m)
	}
	return out, nil
}

// Bootstrap initialises every configured bank that does not exist yet and
// returns the assets created.
func (e *Engine) Bootstrap(ctx context.Context, admin crypto.Address, markets []MarketConfig) ([]string, error) {
	var created []string
	for _, m := range markets {
		_, err := e.InitBank(ctx, admin, m.Asset, m.Params())
		switch {
		case err == nil:
			created = append(created, NormalizeAsset(m.Asset))
		case errors.Is(err, ErrAlreadyExists):
		default:
			return created, err
		}
	}
	return created, nil
}
