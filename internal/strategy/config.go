package strategy

import (
	"fmt"

	sdkmath "cosmossdk.io/math"
)

// Config carries the controller's leverage band, fee schedule and hedge
// tolerance. Leverage values are plain multipliers (6 means 6x).
type Config struct {
	Asset   string
	Product string

	TargetLeverage sdkmath.LegacyDec
	MinLeverage    sdkmath.LegacyDec
	MaxLeverage    sdkmath.LegacyDec

	EntryFee sdkmath.LegacyDec
	ExitFee  sdkmath.LegacyDec

	HedgeDeviationThreshold sdkmath.LegacyDec
}

func (c Config) Validate() error {
	if c.Asset == "" || c.Product == "" {
		return fmt.Errorf("asset and product tokens are required")
	}
	if c.Asset == c.Product {
		return fmt.Errorf("asset and product must differ: %s", c.Asset)
	}
	if c.TargetLeverage.IsNil() || !c.TargetLeverage.IsPositive() {
		return fmt.Errorf("target leverage must be positive: %s", c.TargetLeverage)
	}
	if c.MinLeverage.IsNil() || !c.MinLeverage.IsPositive() {
		return fmt.Errorf("min leverage must be positive: %s", c.MinLeverage)
	}
	if c.MaxLeverage.IsNil() || !c.MaxLeverage.GT(c.MinLeverage) {
		return fmt.Errorf("max leverage %s must exceed min leverage %s", c.MaxLeverage, c.MinLeverage)
	}
	if c.TargetLeverage.LT(c.MinLeverage) || c.TargetLeverage.GT(c.MaxLeverage) {
		return fmt.Errorf("target leverage %s outside band [%s, %s]", c.TargetLeverage, c.MinLeverage, c.MaxLeverage)
	}
	if c.EntryFee.IsNil() || c.EntryFee.IsNegative() || c.EntryFee.GTE(sdkmath.LegacyOneDec()) {
		return fmt.Errorf("entry fee must be in [0, 1): %s", c.EntryFee)
	}
	if c.ExitFee.IsNil() || c.ExitFee.IsNegative() || c.ExitFee.GTE(sdkmath.LegacyOneDec()) {
		return fmt.Errorf("exit fee must be in [0, 1): %s", c.ExitFee)
	}
	if c.HedgeDeviationThreshold.IsNil() || c.HedgeDeviationThreshold.IsNegative() {
		return fmt.Errorf("hedge deviation threshold must be non-negative: %s", c.HedgeDeviationThreshold)
	}
	return nil
}
