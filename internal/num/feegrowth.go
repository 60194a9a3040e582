package num

import "math/big"

// Fee-growth accumulators are unsigned X128 values in the 256-bit ring.
// Differences are always taken with wrapping subtraction: an accumulator that
// overflowed still yields the correct delta as long as fewer than 2^256 units
// of growth elapsed between the two snapshots.

// SubX128 returns (a - b) mod 2^256.
func SubX128(a, b *big.Int) *big.Int {
	d := new(big.Int).Sub(a, b)
	return d.Mod(d, ringMod)
}

// AddX128 returns (a + b) mod 2^256.
func AddX128(a, b *big.Int) *big.Int {
	s := new(big.Int).Add(a, b)
	return s.Mod(s, ringMod)
}

// FeeGrowthPerUnit converts a fee amount into X128 growth per unit of
// liquidity: fee * 2^128 / liquidity, rounding down. The floored dust stays
// in the pool and is never attributed to anyone.
func FeeGrowthPerUnit(fee, liquidity *big.Int) *big.Int {
	if liquidity.Sign() <= 0 {
		panic("num: fee growth with non-positive liquidity")
	}
	return MulDiv(fee, Q128, liquidity, RoundDown)
}

// FeesForGrowth converts an X128 growth delta back into a fee amount for the
// given liquidity: delta * liquidity / 2^128, rounding down.
func FeesForGrowth(growthDeltaX128, liquidity *big.Int) *big.Int {
	return MulDiv(growthDeltaX128, liquidity, Q128, RoundDown)
}

// FeeGrowthInside computes the growth accumulated strictly inside
// [tickLower, tickUpper):
//
//	inside = global - below(lower) - above(upper)
//
// where below/above are derived from the per-tick "growth outside" values the
// pool maintains, relative to the current tick. All arithmetic wraps.
func FeeGrowthInside(tickCurrent, tickLower, tickUpper int, globalX128, lowerOutsideX128, upperOutsideX128 *big.Int) *big.Int {
	var below *big.Int
	if tickCurrent >= tickLower {
		below = lowerOutsideX128
	} else {
		below = SubX128(globalX128, lowerOutsideX128)
	}

	var above *big.Int
	if tickCurrent < tickUpper {
		above = upperOutsideX128
	} else {
		above = SubX128(globalX128, upperOutsideX128)
	}

	return SubX128(SubX128(globalX128, below), above)
}
