package basismath

import (
	sdkmath "cosmossdk.io/math"
)

// PendingUtilization returns the amount of idle capital that should be
// swapped into the product leg so that, together with the proportional
// collateral leg, the full idle balance is deployed at target leverage:
//
//	utilization = idle × tl / (1 + tl)
//
// Result is floored to whole base units.
func PendingUtilization(idle sdkmath.Int, targetLeverage sdkmath.LegacyDec) sdkmath.Int {
	if !idle.IsPositive() || !targetLeverage.IsPositive() {
		return sdkmath.ZeroInt()
	}

	num := targetLeverage.MulInt(idle)
	den := sdkmath.LegacyOneDec().Add(targetLeverage)

	return num.Quo(den).TruncateInt()
}

// CollateralForUtilization returns the collateral leg matching a product
// purchase of swapAmount at target leverage: collateral = amount / tl.
func CollateralForUtilization(swapAmount sdkmath.Int, targetLeverage sdkmath.LegacyDec) sdkmath.Int {
	if !swapAmount.IsPositive() || !targetLeverage.IsPositive() {
		return sdkmath.ZeroInt()
	}

	return sdkmath.LegacyNewDecFromInt(swapAmount).Quo(targetLeverage).TruncateInt()
}

// PendingDeutilization returns the position size (in product tokens) that
// must be unwound so the outstanding withdrawal backlog is covered by the
// sale proceeds plus the matching collateral reduction:
//
//	deutilization = S × (W − D) / (V + N − D)
//
// where S is position size in tokens, W the outstanding backlog, D the
// collateral reduction already queued, V the position value in asset terms
// and N the position net collateral balance. Returns zero when D > W or
// D ≥ V + N (nothing left to cover, or the denominator would underflow).
// The result is clamped to [0, productBalance].
func PendingDeutilization(
	sizeInTokens sdkmath.Int,
	productBalance sdkmath.Int,
	positionValue sdkmath.Int,
	netBalance sdkmath.Int,
	backlog sdkmath.Int,
	pendingDecreaseCollateral sdkmath.Int,
) sdkmath.Int {
	if !sizeInTokens.IsPositive() || !backlog.IsPositive() {
		return sdkmath.ZeroInt()
	}
	if pendingDecreaseCollateral.GT(backlog) {
		return sdkmath.ZeroInt()
	}

	den := positionValue.Add(netBalance).Sub(pendingDecreaseCollateral)
	if !den.IsPositive() {
		return sdkmath.ZeroInt()
	}

	num := backlog.Sub(pendingDecreaseCollateral)

	out := sdkmath.LegacyNewDecFromInt(sizeInTokens).
		MulInt(num).
		QuoInt(den).
		TruncateInt()

	if out.IsNegative() {
		return sdkmath.ZeroInt()
	}
	return sdkmath.MinInt(out, productBalance)
}

// Leverage returns positionValue / netBalance. The caller is expected to
// have checked netBalance for zero; a non-positive net balance yields
// zero leverage (the rebalance check treats it as no position).
func Leverage(positionValue, netBalance sdkmath.Int) sdkmath.LegacyDec {
	if !netBalance.IsPositive() || !positionValue.IsPositive() {
		return sdkmath.LegacyZeroDec()
	}
	return sdkmath.LegacyNewDecFromInt(positionValue).QuoInt(netBalance)
}

// RelativeDeviation returns |a − b| / b, or zero when b is zero.
// Used for the hedge-deviation check between spot exposure and the
// adapter's reported position size.
func RelativeDeviation(a, b sdkmath.Int) sdkmath.LegacyDec {
	if b.IsZero() {
		if a.IsZero() {
			return sdkmath.LegacyZeroDec()
		}
		return sdkmath.LegacyOneDec()
	}

	diff := a.Sub(b)
	if diff.IsNegative() {
		diff = diff.Neg()
	}
	return sdkmath.LegacyNewDecFromInt(diff).QuoInt(b.Abs())
}

// FeeOn returns amount × rate floored to whole base units.
func FeeOn(amount sdkmath.Int, rate sdkmath.LegacyDec) sdkmath.Int {
	if !amount.IsPositive() || !rate.IsPositive() {
		return sdkmath.ZeroInt()
	}
	return rate.MulInt(amount).TruncateInt()
}

// MulDivFloor returns amount × num / den floored. Panics on a zero
// denominator: callers guard it, a zero here is a defect.
func MulDivFloor(amount, num, den sdkmath.Int) sdkmath.Int {
	return sdkmath.LegacyNewDecFromInt(amount).MulInt(num).QuoInt(den).TruncateInt()
}

// MulDivCeil returns amount × num / den rounded up.
func MulDivCeil(amount, num, den sdkmath.Int) sdkmath.Int {
	return sdkmath.LegacyNewDecFromInt(amount).MulInt(num).QuoInt(den).Ceil().TruncateInt()
}
