package num

import "math/big"

// Fixed-point conventions used across the engine:
//   - token amounts, prices and PnL are 18-decimal integers ("wad")
//   - sqrt prices are Q64.96 (X96)
//   - fee-growth accumulators are Q128 (X128) living in the 256-bit ring
//   - ratios (fees, margins, haircuts) are parts-per-million int64 ("ppm")
var (
	Wad  = new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil) // 1e18
	Q96  = new(big.Int).Lsh(big.NewInt(1), 96)
	Q128 = new(big.Int).Lsh(big.NewInt(1), 128)

	// MaxUint256 + 1; the modulus of the X128 accumulator ring.
	ringMod = new(big.Int).Lsh(big.NewInt(1), 256)
)

// PpmDenominator is the ratio scale: 1_000_000 == 100%.
const PpmDenominator = 1_000_000

// RoundingMode selects rounding for divisions that do not land exactly.
type RoundingMode int

const (
	RoundDown RoundingMode = iota // truncate toward zero (default for payouts)
	RoundUp                       // away from zero (amounts owed to the system)
)

// MulDiv computes a*b/den without intermediate overflow. den must be non-zero.
// Inputs are not mutated.
func MulDiv(a, b, den *big.Int, rounding RoundingMode) *big.Int {
	if den.Sign() == 0 {
		panic("num: MulDiv division by zero")
	}
	prod := new(big.Int).Mul(a, b)
	quo, rem := new(big.Int).QuoRem(prod, den, new(big.Int))
	if rounding == RoundUp && rem.Sign() != 0 {
		if (prod.Sign() < 0) == (den.Sign() < 0) {
			quo.Add(quo, big.NewInt(1))
		} else {
			quo.Sub(quo, big.NewInt(1))
		}
	}
	return quo
}

// WMul multiplies two wad values: a*b/1e18, rounding down.
func WMul(a, b *big.Int) *big.Int {
	return MulDiv(a, b, Wad, RoundDown)
}

// WDiv divides two wad values: a*1e18/b, rounding down.
func WDiv(a, b *big.Int) *big.Int {
	return MulDiv(a, Wad, b, RoundDown)
}

// PpmMul applies a ppm ratio to an amount: amount*ppm/1e6.
func PpmMul(amount *big.Int, ppm int64, rounding RoundingMode) *big.Int {
	return MulDiv(amount, big.NewInt(ppm), big.NewInt(PpmDenominator), rounding)
}

// Abs returns |v| as a fresh value.
func Abs(v *big.Int) *big.Int {
	return new(big.Int).Abs(v)
}

// Neg returns -v as a fresh value.
func Neg(v *big.Int) *big.Int {
	return new(big.Int).Neg(v)
}

// Add returns a+b as a fresh value.
func Add(a, b *big.Int) *big.Int {
	return new(big.Int).Add(a, b)
}

// Sub returns a-b as a fresh value.
func Sub(a, b *big.Int) *big.Int {
	return new(big.Int).Sub(a, b)
}

// Clone returns a copy of v (nil-safe: nil becomes zero).
func Clone(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(v)
}

// Min returns the smaller of a and b (by value).
func Min(a, b *big.Int) *big.Int {
	if a.Cmp(b) <= 0 {
		return Clone(a)
	}
	return Clone(b)
}

// SqrtPriceX96FromPrice converts a wad price (quote per base) to a Q64.96
// sqrt price: floor(sqrt(price) * 2^96).
func SqrtPriceX96FromPrice(priceWad *big.Int) *big.Int {
	if priceWad.Sign() <= 0 {
		panic("num: sqrt price of non-positive price")
	}
	// sqrt(p/1e18)*2^96 == isqrt(p*2^192/1e18)
	n := new(big.Int).Lsh(priceWad, 192)
	n.Quo(n, Wad)
	return n.Sqrt(n)
}

// PriceFromSqrtPriceX96 converts a Q64.96 sqrt price back to a wad price,
// rounding down.
func PriceFromSqrtPriceX96(sqrtPriceX96 *big.Int) *big.Int {
	p := new(big.Int).Mul(sqrtPriceX96, sqrtPriceX96)
	p.Mul(p, Wad)
	return p.Rsh(p, 192)
}
