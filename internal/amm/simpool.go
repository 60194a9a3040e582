package amm

import (
	"fmt"
	"math/big"
	"sort"

	"PerpClear/internal/clock"
	"PerpClear/internal/num"
)

// SimPool is an in-process concentrated-liquidity pool with tick-indexed
// liquidity, per-tick fee-growth-outside accounting, an observation ring for
// TWAPs, and a swap loop honoring sqrt price limits. Token0 is base, token1
// is quote. The engine is the pool's only caller, so ranges are keyed by
// ticks alone; per-owner attribution lives in the order book.
type SimPool struct {
	clk         clock.Clock
	tickSpacing int

	sqrtPriceX96 *big.Int
	tick         int
	liquidity    *big.Int

	feeGrowthGlobal0X128 *big.Int
	feeGrowthGlobal1X128 *big.Int

	ticks     map[int]*tickInfo
	positions map[rangeKey]*poolPosition

	observations   []observation
	tickCumulative *big.Int
	lastObsTime    int64
}

type rangeKey struct {
	lower, upper int
}

type tickInfo struct {
	liquidityGross *big.Int
	liquidityNet   *big.Int // signed: added when crossing left-to-right
	feeGrowthOutside0X128 *big.Int
	feeGrowthOutside1X128 *big.Int
}

type poolPosition struct {
	liquidity               *big.Int
	feeGrowthInside0X128Last *big.Int
	feeGrowthInside1X128Last *big.Int
	tokensOwed0             *big.Int
	tokensOwed1             *big.Int
}

type observation struct {
	time           int64
	tick           int
	tickCumulative *big.Int
}

// NewSimPool creates a pool initialized at the given sqrt price.
func NewSimPool(sqrtPriceX96 *big.Int, tickSpacing int, clk clock.Clock) (*SimPool, error) {
	if sqrtPriceX96 == nil || sqrtPriceX96.Sign() <= 0 {
		return nil, fmt.Errorf("amm: pool price not initialized")
	}
	tick, err := num.TickAtSqrtRatio(sqrtPriceX96)
	if err != nil {
		return nil, fmt.Errorf("amm: init: %w", err)
	}
	p := &SimPool{
		clk:                  clk,
		tickSpacing:          tickSpacing,
		sqrtPriceX96:         num.Clone(sqrtPriceX96),
		tick:                 tick,
		liquidity:            new(big.Int),
		feeGrowthGlobal0X128: new(big.Int),
		feeGrowthGlobal1X128: new(big.Int),
		ticks:                make(map[int]*tickInfo),
		positions:            make(map[rangeKey]*poolPosition),
		tickCumulative:       new(big.Int),
		lastObsTime:          clk.Now(),
	}
	p.observations = append(p.observations, observation{time: p.lastObsTime, tick: tick, tickCumulative: new(big.Int)})
	return p, nil
}

func (p *SimPool) TickSpacing() int { return p.tickSpacing }

func (p *SimPool) Slot0() Slot0 {
	return Slot0{SqrtPriceX96: num.Clone(p.sqrtPriceX96), Tick: p.tick}
}

func (p *SimPool) checkTicks(tickLower, tickUpper int) error {
	if tickLower >= tickUpper ||
		tickLower < num.MinTick || tickUpper > num.MaxTick ||
		tickLower%p.tickSpacing != 0 || tickUpper%p.tickSpacing != 0 {
		return fmt.Errorf("amm: ticks [%d,%d) invalid for spacing %d", tickLower, tickUpper, p.tickSpacing)
	}
	return nil
}

// Mint adds liquidity backed by the desired amounts. Consumed amounts round
// up so the pool is always fully backed.
func (p *SimPool) Mint(tickLower, tickUpper int, amount0Desired, amount1Desired *big.Int) (MintResult, error) {
	if err := p.checkTicks(tickLower, tickUpper); err != nil {
		return MintResult{}, err
	}
	p.writeObservation()

	sqrtLower, err := num.SqrtRatioAtTick(tickLower)
	if err != nil {
		return MintResult{}, err
	}
	sqrtUpper, err := num.SqrtRatioAtTick(tickUpper)
	if err != nil {
		return MintResult{}, err
	}

	liquidity := num.LiquidityForAmounts(p.sqrtPriceX96, sqrtLower, sqrtUpper, amount0Desired, amount1Desired)
	if liquidity.Sign() <= 0 {
		return MintResult{}, fmt.Errorf("amm: desired amounts yield zero liquidity")
	}
	amount0, amount1 := num.AmountsForLiquidity(p.sqrtPriceX96, sqrtLower, sqrtUpper, liquidity, num.RoundUp)

	p.updatePosition(tickLower, tickUpper, liquidity)

	return MintResult{Amount0: amount0, Amount1: amount1, Liquidity: liquidity}, nil
}

// Burn removes liquidity, crediting principal to tokens owed. Burning zero is
// a poke: fee snapshots refresh, nothing else moves.
func (p *SimPool) Burn(tickLower, tickUpper int, liquidity *big.Int) (BurnResult, error) {
	if err := p.checkTicks(tickLower, tickUpper); err != nil {
		return BurnResult{}, err
	}
	if liquidity.Sign() < 0 {
		return BurnResult{}, fmt.Errorf("amm: negative burn")
	}
	pos := p.positions[rangeKey{tickLower, tickUpper}]
	if pos == nil {
		return BurnResult{}, fmt.Errorf("amm: no position in [%d,%d)", tickLower, tickUpper)
	}
	if pos.liquidity.Cmp(liquidity) < 0 {
		return BurnResult{}, fmt.Errorf("amm: burn exceeds position liquidity")
	}
	p.writeObservation()

	sqrtLower, _ := num.SqrtRatioAtTick(tickLower)
	sqrtUpper, _ := num.SqrtRatioAtTick(tickUpper)

	p.updatePosition(tickLower, tickUpper, new(big.Int).Neg(liquidity))

	amount0, amount1 := new(big.Int), new(big.Int)
	if liquidity.Sign() > 0 {
		amount0, amount1 = num.AmountsForLiquidity(p.sqrtPriceX96, sqrtLower, sqrtUpper, liquidity, num.RoundDown)
		pos.tokensOwed0.Add(pos.tokensOwed0, amount0)
		pos.tokensOwed1.Add(pos.tokensOwed1, amount1)
	}
	return BurnResult{Amount0: amount0, Amount1: amount1}, nil
}

// Collect withdraws everything owed to a range.
func (p *SimPool) Collect(tickLower, tickUpper int) (*big.Int, *big.Int, error) {
	pos := p.positions[rangeKey{tickLower, tickUpper}]
	if pos == nil {
		return nil, nil, fmt.Errorf("amm: no position in [%d,%d)", tickLower, tickUpper)
	}
	owed0, owed1 := pos.tokensOwed0, pos.tokensOwed1
	pos.tokensOwed0 = new(big.Int)
	pos.tokensOwed1 = new(big.Int)
	if pos.liquidity.Sign() == 0 {
		delete(p.positions, rangeKey{tickLower, tickUpper})
	}
	return owed0, owed1, nil
}

// HasRange reports whether a range currently exists on the pool.
func (p *SimPool) HasRange(tickLower, tickUpper int) bool {
	_, ok := p.positions[rangeKey{tickLower, tickUpper}]
	return ok
}

// FeeGrowthInside returns the pool-native fee growth inside a range.
func (p *SimPool) FeeGrowthInside(tickLower, tickUpper int) (*big.Int, *big.Int) {
	lower := p.tickOutside(tickLower)
	upper := p.tickOutside(tickUpper)
	inside0 := num.FeeGrowthInside(p.tick, tickLower, tickUpper, p.feeGrowthGlobal0X128, lower.feeGrowthOutside0X128, upper.feeGrowthOutside0X128)
	inside1 := num.FeeGrowthInside(p.tick, tickLower, tickUpper, p.feeGrowthGlobal1X128, lower.feeGrowthOutside1X128, upper.feeGrowthOutside1X128)
	return inside0, inside1
}

func (p *SimPool) tickOutside(tick int) *tickInfo {
	if info, ok := p.ticks[tick]; ok {
		return info
	}
	return &tickInfo{
		liquidityGross:        new(big.Int),
		liquidityNet:          new(big.Int),
		feeGrowthOutside0X128: new(big.Int),
		feeGrowthOutside1X128: new(big.Int),
	}
}

// updatePosition settles pool-native fees into tokens owed, then applies the
// liquidity delta to the position, the tick boundaries, and the in-range
// liquidity. Fee settlement first is what prevents double counting across
// repeated touches.
func (p *SimPool) updatePosition(tickLower, tickUpper int, liquidityDelta *big.Int) {
	key := rangeKey{tickLower, tickUpper}
	pos := p.positions[key]
	if pos == nil {
		pos = &poolPosition{
			liquidity:                new(big.Int),
			feeGrowthInside0X128Last: new(big.Int),
			feeGrowthInside1X128Last: new(big.Int),
			tokensOwed0:              new(big.Int),
			tokensOwed1:              new(big.Int),
		}
		p.positions[key] = pos
	}

	// Tick bookkeeping before the inside computation so a freshly
	// initialized boundary carries the right growth-outside convention.
	p.updateTick(tickLower, liquidityDelta, false)
	p.updateTick(tickUpper, liquidityDelta, true)

	inside0, inside1 := p.FeeGrowthInside(tickLower, tickUpper)
	if pos.liquidity.Sign() > 0 {
		pos.tokensOwed0.Add(pos.tokensOwed0, num.FeesForGrowth(num.SubX128(inside0, pos.feeGrowthInside0X128Last), pos.liquidity))
		pos.tokensOwed1.Add(pos.tokensOwed1, num.FeesForGrowth(num.SubX128(inside1, pos.feeGrowthInside1X128Last), pos.liquidity))
	}
	pos.feeGrowthInside0X128Last = inside0
	pos.feeGrowthInside1X128Last = inside1

	pos.liquidity.Add(pos.liquidity, liquidityDelta)
	if p.tick >= tickLower && p.tick < tickUpper {
		p.liquidity.Add(p.liquidity, liquidityDelta)
	}

	p.clearTickIfEmpty(tickLower)
	p.clearTickIfEmpty(tickUpper)
}

func (p *SimPool) updateTick(tick int, liquidityDelta *big.Int, isUpper bool) {
	info, ok := p.ticks[tick]
	if !ok {
		if liquidityDelta.Sign() <= 0 {
			return
		}
		info = &tickInfo{
			liquidityGross:        new(big.Int),
			liquidityNet:          new(big.Int),
			feeGrowthOutside0X128: new(big.Int),
			feeGrowthOutside1X128: new(big.Int),
		}
		// Convention: growth outside a newly initialized tick at or below
		// the current tick equals the global accumulator.
		if tick <= p.tick {
			info.feeGrowthOutside0X128 = num.Clone(p.feeGrowthGlobal0X128)
			info.feeGrowthOutside1X128 = num.Clone(p.feeGrowthGlobal1X128)
		}
		p.ticks[tick] = info
	}
	info.liquidityGross.Add(info.liquidityGross, liquidityDelta)
	if isUpper {
		info.liquidityNet.Sub(info.liquidityNet, liquidityDelta)
	} else {
		info.liquidityNet.Add(info.liquidityNet, liquidityDelta)
	}
}

func (p *SimPool) clearTickIfEmpty(tick int) {
	if info, ok := p.ticks[tick]; ok && info.liquidityGross.Sign() == 0 {
		delete(p.ticks, tick)
	}
}

// initializedTicks returns the sorted initialized tick indexes.
func (p *SimPool) initializedTicks() []int {
	out := make([]int, 0, len(p.ticks))
	for t := range p.ticks {
		out = append(out, t)
	}
	sort.Ints(out)
	return out
}

// Swap walks the price across initialized ticks until the specified amount is
// consumed or the limit is hit. Fees are charged on the input token at
// FeePpm; ProtocolFeePpm of each step's fee is withheld from makers and
// reported back as the protocol (insurance) share.
func (p *SimPool) Swap(params SwapParams) (SwapResult, error) {
	if params.AmountSpecified == nil || params.AmountSpecified.Sign() == 0 {
		return SwapResult{}, fmt.Errorf("amm: zero swap amount")
	}
	p.writeObservation()

	limit := params.SqrtPriceLimitX96
	if limit == nil || limit.Sign() == 0 {
		if params.ZeroForOne {
			limit = new(big.Int).Add(num.MinSqrtRatio, big.NewInt(1))
		} else {
			limit = new(big.Int).Sub(num.MaxSqrtRatio, big.NewInt(1))
		}
	}
	if params.ZeroForOne {
		if limit.Cmp(p.sqrtPriceX96) >= 0 || limit.Cmp(num.MinSqrtRatio) <= 0 {
			return SwapResult{}, fmt.Errorf("amm: sqrt price limit out of bounds")
		}
	} else {
		if limit.Cmp(p.sqrtPriceX96) <= 0 || limit.Cmp(num.MaxSqrtRatio) >= 0 {
			return SwapResult{}, fmt.Errorf("amm: sqrt price limit out of bounds")
		}
	}

	exactInput := params.AmountSpecified.Sign() > 0
	remaining := num.Clone(params.AmountSpecified)
	calculated := new(big.Int) // the non-specified side, accumulated

	totalFee := new(big.Int)
	totalProtocolFee := new(big.Int)
	var steps []SwapStep

	ticksSorted := p.initializedTicks()

	for remaining.Sign() != 0 && p.sqrtPriceX96.Cmp(limit) != 0 {
		nextTick, hasNext := nextInitializedTick(ticksSorted, p.tick, params.ZeroForOne)
		if !hasNext {
			if params.ZeroForOne {
				nextTick = num.MinTick
			} else {
				nextTick = num.MaxTick
			}
		}
		sqrtNextTick, err := num.SqrtRatioAtTick(nextTick)
		if err != nil {
			return SwapResult{}, err
		}

		target := sqrtNextTick
		if params.ZeroForOne && target.Cmp(limit) < 0 {
			target = limit
		}
		if !params.ZeroForOne && target.Cmp(limit) > 0 {
			target = limit
		}

		sqrtAfter, amountIn, amountOut, feeAmount := computeSwapStep(
			p.sqrtPriceX96, target, p.liquidity, remaining, params.FeePpm, params.ZeroForOne, exactInput)

		if exactInput {
			remaining.Sub(remaining, new(big.Int).Add(amountIn, feeAmount))
			if remaining.Sign() < 0 {
				remaining.SetInt64(0)
			}
			calculated.Add(calculated, amountOut)
		} else {
			remaining.Add(remaining, amountOut) // remaining is negative
			if remaining.Sign() > 0 {
				remaining.SetInt64(0)
			}
			calculated.Add(calculated, new(big.Int).Add(amountIn, feeAmount))
		}

		protocolFee := num.PpmMul(feeAmount, params.ProtocolFeePpm, num.RoundDown)
		makerFee := new(big.Int).Sub(feeAmount, protocolFee)
		if p.liquidity.Sign() > 0 && makerFee.Sign() > 0 {
			growth := num.FeeGrowthPerUnit(makerFee, p.liquidity)
			if params.ZeroForOne {
				p.feeGrowthGlobal0X128 = num.AddX128(p.feeGrowthGlobal0X128, growth)
			} else {
				p.feeGrowthGlobal1X128 = num.AddX128(p.feeGrowthGlobal1X128, growth)
			}
		}
		totalFee.Add(totalFee, feeAmount)
		totalProtocolFee.Add(totalProtocolFee, protocolFee)

		step := SwapStep{
			Liquidity: num.Clone(p.liquidity),
			AmountIn:  amountIn,
			AmountOut: amountOut,
			FeeAmount: feeAmount,
		}

		p.sqrtPriceX96 = sqrtAfter
		if hasNext && sqrtAfter.Cmp(sqrtNextTick) == 0 {
			// Crossing an initialized tick: flip growth-outside and apply net
			// liquidity.
			info := p.ticks[nextTick]
			info.feeGrowthOutside0X128 = num.SubX128(p.feeGrowthGlobal0X128, info.feeGrowthOutside0X128)
			info.feeGrowthOutside1X128 = num.SubX128(p.feeGrowthGlobal1X128, info.feeGrowthOutside1X128)
			if params.ZeroForOne {
				p.liquidity.Sub(p.liquidity, info.liquidityNet)
				p.tick = nextTick - 1
			} else {
				p.liquidity.Add(p.liquidity, info.liquidityNet)
				p.tick = nextTick
			}
			crossed := nextTick
			step.TickCrossed = &crossed
		} else {
			tick, err := num.TickAtSqrtRatio(sqrtAfter)
			if err != nil {
				return SwapResult{}, err
			}
			p.tick = tick
		}
		steps = append(steps, step)

		if !hasNext && p.sqrtPriceX96.Cmp(sqrtNextTick) == 0 {
			return SwapResult{}, fmt.Errorf("amm: ran out of liquidity")
		}
	}

	// Signed flows: positive into the pool, negative out to the trader.
	var amount0, amount1 *big.Int
	specifiedDelta := new(big.Int).Sub(params.AmountSpecified, remaining)
	if params.ZeroForOne {
		if exactInput {
			amount0 = specifiedDelta                 // base in (positive)
			amount1 = new(big.Int).Neg(calculated)   // quote out
		} else {
			amount0 = calculated                     // base in
			amount1 = specifiedDelta                 // negative quote out
		}
	} else {
		if exactInput {
			amount1 = specifiedDelta
			amount0 = new(big.Int).Neg(calculated)
		} else {
			amount1 = calculated
			amount0 = specifiedDelta
		}
	}

	return SwapResult{
		Amount0:           amount0,
		Amount1:           amount1,
		SqrtPriceX96After: num.Clone(p.sqrtPriceX96),
		TickAfter:         p.tick,
		TotalFee:          totalFee,
		ProtocolFee:       totalProtocolFee,
		Steps:             steps,
	}, nil
}

// nextInitializedTick finds the next initialized tick strictly below (when
// zeroForOne) or above the current tick.
func nextInitializedTick(sorted []int, current int, zeroForOne bool) (int, bool) {
	if zeroForOne {
		// largest tick <= current
		idx := sort.SearchInts(sorted, current+1) - 1
		if idx < 0 {
			return 0, false
		}
		return sorted[idx], true
	}
	idx := sort.SearchInts(sorted, current+1)
	if idx >= len(sorted) {
		return 0, false
	}
	return sorted[idx], true
}

// computeSwapStep advances the price within a single tick interval.
func computeSwapStep(sqrtCurrent, sqrtTarget, liquidity, amountRemaining *big.Int, feePpm int64, zeroForOne, exactInput bool) (sqrtAfter, amountIn, amountOut, feeAmount *big.Int) {
	feeDen := big.NewInt(num.PpmDenominator)
	feeComp := big.NewInt(num.PpmDenominator - feePpm)

	if liquidity.Sign() == 0 {
		// No liquidity in range: price jumps to the target for free.
		return num.Clone(sqrtTarget), new(big.Int), new(big.Int), new(big.Int)
	}

	if exactInput {
		remainingLessFee := num.MulDiv(amountRemaining, feeComp, feeDen, num.RoundDown)
		var maxIn *big.Int
		if zeroForOne {
			maxIn = num.Amount0Delta(sqrtTarget, sqrtCurrent, liquidity, num.RoundUp)
		} else {
			maxIn = num.Amount1Delta(sqrtCurrent, sqrtTarget, liquidity, num.RoundUp)
		}
		if remainingLessFee.Cmp(maxIn) >= 0 {
			sqrtAfter = num.Clone(sqrtTarget)
			amountIn = maxIn
			feeAmount = num.MulDiv(amountIn, big.NewInt(feePpm), feeComp, num.RoundUp)
		} else {
			sqrtAfter = nextSqrtPriceFromInput(sqrtCurrent, liquidity, remainingLessFee, zeroForOne)
			if zeroForOne {
				amountIn = num.Amount0Delta(sqrtAfter, sqrtCurrent, liquidity, num.RoundUp)
			} else {
				amountIn = num.Amount1Delta(sqrtCurrent, sqrtAfter, liquidity, num.RoundUp)
			}
			feeAmount = new(big.Int).Sub(amountRemaining, amountIn)
		}
		if zeroForOne {
			amountOut = num.Amount1Delta(sqrtAfter, sqrtCurrent, liquidity, num.RoundDown)
		} else {
			amountOut = num.Amount0Delta(sqrtCurrent, sqrtAfter, liquidity, num.RoundDown)
		}
		return sqrtAfter, amountIn, amountOut, feeAmount
	}

	// Exact output: amountRemaining is negative.
	want := new(big.Int).Neg(amountRemaining)
	var maxOut *big.Int
	if zeroForOne {
		maxOut = num.Amount1Delta(sqrtTarget, sqrtCurrent, liquidity, num.RoundDown)
	} else {
		maxOut = num.Amount0Delta(sqrtCurrent, sqrtTarget, liquidity, num.RoundDown)
	}
	if want.Cmp(maxOut) >= 0 {
		sqrtAfter = num.Clone(sqrtTarget)
		amountOut = maxOut
	} else {
		sqrtAfter = nextSqrtPriceFromOutput(sqrtCurrent, liquidity, want, zeroForOne)
		amountOut = want
	}
	if zeroForOne {
		amountIn = num.Amount0Delta(sqrtAfter, sqrtCurrent, liquidity, num.RoundUp)
	} else {
		amountIn = num.Amount1Delta(sqrtCurrent, sqrtAfter, liquidity, num.RoundUp)
	}
	feeAmount = num.MulDiv(amountIn, big.NewInt(feePpm), feeComp, num.RoundUp)
	return sqrtAfter, amountIn, amountOut, feeAmount
}

// nextSqrtPriceFromInput moves the price by consuming exactly amountIn.
func nextSqrtPriceFromInput(sqrtP, liquidity, amountIn *big.Int, zeroForOne bool) *big.Int {
	if amountIn.Sign() == 0 {
		return num.Clone(sqrtP)
	}
	if zeroForOne {
		// sqrt' = L<<96 * sqrtP / (L<<96 + amountIn * sqrtP), rounded up.
		numerator := new(big.Int).Lsh(liquidity, 96)
		denominator := new(big.Int).Mul(amountIn, sqrtP)
		denominator.Add(denominator, numerator)
		return num.MulDiv(numerator, sqrtP, denominator, num.RoundUp)
	}
	// sqrt' = sqrtP + amountIn<<96 / L, rounded down.
	quotient := new(big.Int).Lsh(amountIn, 96)
	quotient.Quo(quotient, liquidity)
	return new(big.Int).Add(sqrtP, quotient)
}

// nextSqrtPriceFromOutput moves the price by producing exactly amountOut.
func nextSqrtPriceFromOutput(sqrtP, liquidity, amountOut *big.Int, zeroForOne bool) *big.Int {
	if zeroForOne {
		// Output is quote: sqrt' = sqrtP - ceil(amountOut<<96 / L).
		quotient := new(big.Int).Lsh(amountOut, 96)
		quotient = divCeil(quotient, liquidity)
		return new(big.Int).Sub(sqrtP, quotient)
	}
	// Output is base: sqrt' = L<<96 * sqrtP / (L<<96 - amountOut*sqrtP), up.
	numerator := new(big.Int).Lsh(liquidity, 96)
	product := new(big.Int).Mul(amountOut, sqrtP)
	denominator := new(big.Int).Sub(numerator, product)
	if denominator.Sign() <= 0 {
		panic("amm: output exceeds range reserves")
	}
	return num.MulDiv(numerator, sqrtP, denominator, num.RoundUp)
}

func divCeil(n, d *big.Int) *big.Int {
	quo, rem := new(big.Int).QuoRem(n, d, new(big.Int))
	if rem.Sign() != 0 {
		quo.Add(quo, big.NewInt(1))
	}
	return quo
}

// writeObservation extends the tick-cumulative series to the current time.
func (p *SimPool) writeObservation() {
	now := p.clk.Now()
	if now <= p.lastObsTime {
		return
	}
	elapsed := now - p.lastObsTime
	p.tickCumulative = new(big.Int).Add(p.tickCumulative,
		new(big.Int).Mul(big.NewInt(int64(p.tick)), big.NewInt(elapsed)))
	p.lastObsTime = now
	p.observations = append(p.observations, observation{time: now, tick: p.tick, tickCumulative: num.Clone(p.tickCumulative)})
	// Bounded ring.
	if len(p.observations) > 65536 {
		p.observations = p.observations[len(p.observations)-65536:]
	}
}

// Observe returns tick cumulatives at the requested seconds-ago offsets.
func (p *SimPool) Observe(secondsAgos []int64) ([]*big.Int, error) {
	now := p.clk.Now()
	out := make([]*big.Int, len(secondsAgos))
	for i, ago := range secondsAgos {
		target := now - ago
		cum, err := p.cumulativeAt(target)
		if err != nil {
			return nil, err
		}
		out[i] = cum
	}
	return out, nil
}

func (p *SimPool) cumulativeAt(target int64) (*big.Int, error) {
	if target >= p.lastObsTime {
		extra := new(big.Int).Mul(big.NewInt(int64(p.tick)), big.NewInt(target-p.lastObsTime))
		return new(big.Int).Add(p.tickCumulative, extra), nil
	}
	idx := sort.Search(len(p.observations), func(i int) bool {
		return p.observations[i].time > target
	}) - 1
	if idx < 0 {
		return nil, fmt.Errorf("amm: observation older than recorded history")
	}
	obs := p.observations[idx]
	extra := new(big.Int).Mul(big.NewInt(int64(obs.tick)), big.NewInt(target-obs.time))
	return new(big.Int).Add(obs.tickCumulative, extra), nil
}

// Checkpoint captures the full pool state for all-or-nothing rollback.
func (p *SimPool) Checkpoint() any {
	cp := &SimPool{
		clk:                  p.clk,
		tickSpacing:          p.tickSpacing,
		sqrtPriceX96:         num.Clone(p.sqrtPriceX96),
		tick:                 p.tick,
		liquidity:            num.Clone(p.liquidity),
		feeGrowthGlobal0X128: num.Clone(p.feeGrowthGlobal0X128),
		feeGrowthGlobal1X128: num.Clone(p.feeGrowthGlobal1X128),
		ticks:                make(map[int]*tickInfo, len(p.ticks)),
		positions:            make(map[rangeKey]*poolPosition, len(p.positions)),
		tickCumulative:       num.Clone(p.tickCumulative),
		lastObsTime:          p.lastObsTime,
		observations:         append([]observation(nil), p.observations...),
	}
	for t, info := range p.ticks {
		cp.ticks[t] = &tickInfo{
			liquidityGross:        num.Clone(info.liquidityGross),
			liquidityNet:          num.Clone(info.liquidityNet),
			feeGrowthOutside0X128: num.Clone(info.feeGrowthOutside0X128),
			feeGrowthOutside1X128: num.Clone(info.feeGrowthOutside1X128),
		}
	}
	for k, pos := range p.positions {
		cp.positions[k] = &poolPosition{
			liquidity:                num.Clone(pos.liquidity),
			feeGrowthInside0X128Last: num.Clone(pos.feeGrowthInside0X128Last),
			feeGrowthInside1X128Last: num.Clone(pos.feeGrowthInside1X128Last),
			tokensOwed0:              num.Clone(pos.tokensOwed0),
			tokensOwed1:              num.Clone(pos.tokensOwed1),
		}
	}
	return cp
}

// Restore reinstates a checkpoint taken from this pool.
func (p *SimPool) Restore(checkpoint any) {
	cp, ok := checkpoint.(*SimPool)
	if !ok {
		panic("amm: foreign checkpoint")
	}
	p.sqrtPriceX96 = cp.sqrtPriceX96
	p.tick = cp.tick
	p.liquidity = cp.liquidity
	p.feeGrowthGlobal0X128 = cp.feeGrowthGlobal0X128
	p.feeGrowthGlobal1X128 = cp.feeGrowthGlobal1X128
	p.ticks = cp.ticks
	p.positions = cp.positions
	p.tickCumulative = cp.tickCumulative
	p.lastObsTime = cp.lastObsTime
	p.observations = cp.observations
}
