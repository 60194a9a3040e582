package num

import (
	"fmt"
	"math/big"
)

// Tick bounds of the concentrated-liquidity price grid. price = 1.0001^tick,
// so MaxTick corresponds to the largest representable Q64.96 sqrt price.
const (
	MinTick = -887272
	MaxTick = 887272
)

var (
	// MinSqrtRatio == SqrtRatioAtTick(MinTick), MaxSqrtRatio == SqrtRatioAtTick(MaxTick).
	MinSqrtRatio = big.NewInt(4295128739)
	MaxSqrtRatio = mustBig("1461446703485210103287273052203988822378723970342")

	tickFactors = []*big.Int{
		mustHex("fffcb933bd6fad37aa2d162d1a594001"),
		mustHex("fff97272373d413259a46990580e213a"),
		mustHex("fff2e50f5f656932ef12357cf3c7fdcc"),
		mustHex("ffe5caca7e10e4e61c3624eaa0941cd0"),
		mustHex("ffcb9843d60f6159c9db58835c926644"),
		mustHex("ff973b41fa98c081472e6896dfb254c0"),
		mustHex("ff2ea16466c96a3843ec78b326b52861"),
		mustHex("fe5dee046a99a2a811c461f1969c3053"),
		mustHex("fcbe86c7900a88aedcffc83b479aa3a4"),
		mustHex("f987a7253ac413176f2b074cf7815e54"),
		mustHex("f3392b0822b70005940c7a398e4b70f3"),
		mustHex("e7159475a2c29b7443b29c7fa6e889d9"),
		mustHex("d097f3bdfd2022b8845ad8f792aa5825"),
		mustHex("a9f746462d870fdf8a65dc1f90e061e5"),
		mustHex("70d869a156d2a1b890bb3df62baf32f7"),
		mustHex("31be135f97d08fd981231505542fcfa6"),
		mustHex("9aa508b5b7a84e1c677de54f3e99bc9"),
		mustHex("5d6af8dedb81196699c329225ee604"),
		mustHex("2216e584f5fa1ea926041bedfe98"),
		mustHex("48a170391f7dc42444e8fa2"),
	}

	maxUint256 = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))
	one128     = new(big.Int).Lsh(big.NewInt(1), 128)
)

func mustBig(s string) *big.Int {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		panic("num: bad constant " + s)
	}
	return v
}

func mustHex(s string) *big.Int {
	v, ok := new(big.Int).SetString(s, 16)
	if !ok {
		panic("num: bad constant " + s)
	}
	return v
}

// SqrtRatioAtTick returns floor(sqrt(1.0001^tick) * 2^96) using the canonical
// per-bit factor decomposition, exact to the unit.
func SqrtRatioAtTick(tick int) (*big.Int, error) {
	if tick < MinTick || tick > MaxTick {
		return nil, fmt.Errorf("num: tick %d out of range", tick)
	}
	absTick := tick
	if absTick < 0 {
		absTick = -absTick
	}

	ratio := new(big.Int).Set(one128)
	tmp := new(big.Int)
	for i, factor := range tickFactors {
		if absTick&(1<<uint(i)) != 0 {
			tmp.Mul(ratio, factor)
			ratio.Rsh(tmp, 128)
		}
	}
	if tick > 0 {
		ratio.Quo(maxUint256, ratio)
	}

	// Q128.128 -> Q64.96, rounding up so TickAtSqrtRatio(SqrtRatioAtTick(t)) == t.
	rem := new(big.Int).And(ratio, big.NewInt(0xffffffff))
	ratio.Rsh(ratio, 32)
	if rem.Sign() != 0 {
		ratio.Add(ratio, big.NewInt(1))
	}
	return ratio, nil
}

// TickAtSqrtRatio returns the largest tick whose sqrt ratio is <= the given
// sqrt price. Implemented as a binary search over SqrtRatioAtTick, which is
// strictly monotonic; exactness follows from the exactness of the forward map.
func TickAtSqrtRatio(sqrtPriceX96 *big.Int) (int, error) {
	if sqrtPriceX96.Cmp(MinSqrtRatio) < 0 || sqrtPriceX96.Cmp(MaxSqrtRatio) >= 0 {
		return 0, fmt.Errorf("num: sqrt price %s out of range", sqrtPriceX96)
	}
	lo, hi := MinTick, MaxTick
	for lo < hi {
		mid := lo + (hi-lo+1)/2
		r, err := SqrtRatioAtTick(mid)
		if err != nil {
			return 0, err
		}
		if r.Cmp(sqrtPriceX96) <= 0 {
			lo = mid
		} else {
			hi = mid - 1
		}
	}
	return lo, nil
}

// PriceAtTick returns 1.0001^tick as a wad price.
func PriceAtTick(tick int) (*big.Int, error) {
	sqrt, err := SqrtRatioAtTick(tick)
	if err != nil {
		return nil, err
	}
	return PriceFromSqrtPriceX96(sqrt), nil
}
