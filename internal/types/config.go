package types

import (
	"github.com/shopspring/decimal"
)

// FeeConfig is the engine's single runtime configuration record.
// Admin-updatable, bounds-checked on update.
type FeeConfig struct {
	Admins []string `json:"admins"`
	Paused bool     `json:"paused"`
	// SwapFeeRate is the default fee taken off every received amount.
	SwapFeeRate decimal.Decimal `json:"swap_fee_rate"`
	// DenomFeeOverrides maps a denom to a custom swap fee rate. When an
	// override applies to either side of a pair, the lowest applicable
	// rate wins.
	DenomFeeOverrides map[string]decimal.Decimal `json:"denom_fee_overrides,omitempty"`
	// DelegationFeeRate is charged on the share of proceeds routed to
	// auto-delegate destinations.
	DelegationFeeRate decimal.Decimal `json:"delegation_fee_rate"`
	// PerformanceFeeRate applies to enhanced vaults on escrow release.
	PerformanceFeeRate decimal.Decimal `json:"performance_fee_rate"`
	// DefaultPageLimit bounds list queries; clamped to [MinPageLimit, MaxPageLimit].
	DefaultPageLimit         int             `json:"default_page_limit"`
	DefaultSlippageTolerance decimal.Decimal `json:"default_slippage_tolerance"`
	// MinimumSwapAmount is the economic floor for a vault's swap amount.
	MinimumSwapAmount decimal.Decimal `json:"minimum_swap_amount"`
	// MaxDestinations caps the destination list length per vault.
	MaxDestinations int `json:"max_destinations"`
}

const (
	MinPageLimit = 30
	MaxPageLimit = 1000
)

// SwapFeeRateFor resolves the fee rate for a swap between the two
// denoms: the minimum of any applicable override, else the default.
func (c FeeConfig) SwapFeeRateFor(sourceDenom, targetDenom string) decimal.Decimal {
	var rate *decimal.Decimal
	for _, denom := range []string{sourceDenom, targetDenom} {
		if override, ok := c.DenomFeeOverrides[denom]; ok {
			if rate == nil || override.LessThan(*rate) {
				r := override
				rate = &r
			}
		}
	}
	if rate == nil {
		return c.SwapFeeRate
	}
	return *rate
}

func (c FeeConfig) IsAdmin(address string) bool {
	for _, admin := range c.Admins {
		if admin == address {
			return true
		}
	}
	return false
}
