package num

import "math/big"

// Range liquidity math. Token0 is base, token1 is quote throughout the engine.
// All deltas follow "round down, never up" for amounts paid out; amounts the
// pool must receive round up.

// Amount0Delta returns the base owed between two sqrt prices for the given
// liquidity: L * 2^96 * (sqrtB - sqrtA) / (sqrtB * sqrtA).
func Amount0Delta(sqrtA, sqrtB, liquidity *big.Int, rounding RoundingMode) *big.Int {
	lower, upper := orderSqrt(sqrtA, sqrtB)
	numerator1 := new(big.Int).Lsh(liquidity, 96)
	numerator2 := new(big.Int).Sub(upper, lower)
	if rounding == RoundUp {
		inner := MulDiv(numerator1, numerator2, upper, RoundUp)
		return divRound(inner, lower, RoundUp)
	}
	inner := MulDiv(numerator1, numerator2, upper, RoundDown)
	return divRound(inner, lower, RoundDown)
}

// Amount1Delta returns the quote owed between two sqrt prices for the given
// liquidity: L * (sqrtB - sqrtA) / 2^96.
func Amount1Delta(sqrtA, sqrtB, liquidity *big.Int, rounding RoundingMode) *big.Int {
	lower, upper := orderSqrt(sqrtA, sqrtB)
	return MulDiv(liquidity, new(big.Int).Sub(upper, lower), Q96, rounding)
}

// LiquidityForAmount0 returns the maximum liquidity a base amount can back
// over [sqrtA, sqrtB]: amount0 * (sqrtA*sqrtB/2^96) / (sqrtB - sqrtA).
func LiquidityForAmount0(sqrtA, sqrtB, amount0 *big.Int) *big.Int {
	lower, upper := orderSqrt(sqrtA, sqrtB)
	intermediate := MulDiv(lower, upper, Q96, RoundDown)
	return MulDiv(amount0, intermediate, new(big.Int).Sub(upper, lower), RoundDown)
}

// LiquidityForAmount1 returns the maximum liquidity a quote amount can back
// over [sqrtA, sqrtB]: amount1 * 2^96 / (sqrtB - sqrtA).
func LiquidityForAmount1(sqrtA, sqrtB, amount1 *big.Int) *big.Int {
	lower, upper := orderSqrt(sqrtA, sqrtB)
	return MulDiv(amount1, Q96, new(big.Int).Sub(upper, lower), RoundDown)
}

// LiquidityForAmounts returns the maximum liquidity the desired amounts can
// back given the current price. Below the range only base contributes; above
// it only quote; inside, the binding side wins.
func LiquidityForAmounts(sqrtCurrent, sqrtLower, sqrtUpper, amount0, amount1 *big.Int) *big.Int {
	lower, upper := orderSqrt(sqrtLower, sqrtUpper)
	switch {
	case sqrtCurrent.Cmp(lower) <= 0:
		return LiquidityForAmount0(lower, upper, amount0)
	case sqrtCurrent.Cmp(upper) < 0:
		l0 := LiquidityForAmount0(sqrtCurrent, upper, amount0)
		l1 := LiquidityForAmount1(lower, sqrtCurrent, amount1)
		if amount0.Sign() == 0 {
			return l1
		}
		if amount1.Sign() == 0 {
			return l0
		}
		return Min(l0, l1)
	default:
		return LiquidityForAmount1(lower, upper, amount1)
	}
}

// AmountsForLiquidity returns the base/quote amounts a liquidity value spans
// at the current price. Minting rounds up (pool must be fully backed); burns
// round down.
func AmountsForLiquidity(sqrtCurrent, sqrtLower, sqrtUpper, liquidity *big.Int, rounding RoundingMode) (amount0, amount1 *big.Int) {
	lower, upper := orderSqrt(sqrtLower, sqrtUpper)
	switch {
	case sqrtCurrent.Cmp(lower) <= 0:
		return Amount0Delta(lower, upper, liquidity, rounding), new(big.Int)
	case sqrtCurrent.Cmp(upper) < 0:
		return Amount0Delta(sqrtCurrent, upper, liquidity, rounding),
			Amount1Delta(lower, sqrtCurrent, liquidity, rounding)
	default:
		return new(big.Int), Amount1Delta(lower, upper, liquidity, rounding)
	}
}

func orderSqrt(a, b *big.Int) (lower, upper *big.Int) {
	if a.Cmp(b) > 0 {
		return b, a
	}
	return a, b
}

func divRound(n, d *big.Int, rounding RoundingMode) *big.Int {
	quo, rem := new(big.Int).QuoRem(n, d, new(big.Int))
	if rounding == RoundUp && rem.Sign() != 0 {
		quo.Add(quo, big.NewInt(1))
	}
	return quo
}
