package amm_test

import (
	"math/big"
	"testing"

	"PerpClear/internal/amm"
	"PerpClear/internal/clock"
	"PerpClear/internal/num"
)

func w(units int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(units), num.Wad)
}

func sqrtTick(t *testing.T, tick int) *big.Int {
	t.Helper()
	r, err := num.SqrtRatioAtTick(tick)
	if err != nil {
		t.Fatal(err)
	}
	return r
}

func newTestPool(t *testing.T, tick int) (*amm.SimPool, *clock.Manual) {
	t.Helper()
	clk := clock.NewManual(1000)
	p, err := amm.NewSimPool(sqrtTick(t, tick), 60, clk)
	if err != nil {
		t.Fatal(err)
	}
	return p, clk
}

func TestNewSimPool_RequiresPrice(t *testing.T) {
	if _, err := amm.NewSimPool(nil, 60, clock.NewManual(0)); err == nil {
		t.Error("nil price should error")
	}
	if _, err := amm.NewSimPool(new(big.Int), 60, clock.NewManual(0)); err == nil {
		t.Error("zero price should error")
	}
}

func TestSimPool_MintChecksTicks(t *testing.T) {
	p, _ := newTestPool(t, 0)

	if _, err := p.Mint(60, 60, w(1), w(1)); err == nil {
		t.Error("empty range should error")
	}
	if _, err := p.Mint(-61, 60, w(1), w(1)); err == nil {
		t.Error("misaligned lower tick should error")
	}
	if _, err := p.Mint(num.MinTick-60, 0, w(1), w(1)); err == nil {
		t.Error("lower tick below range should error")
	}
	if _, err := p.Mint(-60, 60, new(big.Int), new(big.Int)); err == nil {
		t.Error("zero amounts should error")
	}
}

func TestSimPool_MintConsumesNoMoreThanDesired(t *testing.T) {
	p, _ := newTestPool(t, 0)

	res, err := p.Mint(-600, 600, w(1000), w(1000))
	if err != nil {
		t.Fatal(err)
	}
	if res.Liquidity.Sign() <= 0 {
		t.Fatal("mint yielded no liquidity")
	}
	if res.Amount0.Cmp(w(1000)) > 0 {
		t.Errorf("base consumed %s exceeds desired %s", res.Amount0, w(1000))
	}
	if res.Amount1.Cmp(w(1000)) > 0 {
		t.Errorf("quote consumed %s exceeds desired %s", res.Amount1, w(1000))
	}
	if !p.HasRange(-600, 600) {
		t.Error("range missing after mint")
	}
}

func TestSimPool_BurnCollectRoundtrip(t *testing.T) {
	p, _ := newTestPool(t, 0)

	minted, err := p.Mint(-600, 600, w(1000), w(1000))
	if err != nil {
		t.Fatal(err)
	}

	burned, err := p.Burn(-600, 600, minted.Liquidity)
	if err != nil {
		t.Fatal(err)
	}
	// Burn rounds principal down, mint rounded up.
	if burned.Amount0.Cmp(minted.Amount0) > 0 {
		t.Errorf("burn released %s base, minted only %s", burned.Amount0, minted.Amount0)
	}
	if burned.Amount1.Cmp(minted.Amount1) > 0 {
		t.Errorf("burn released %s quote, minted only %s", burned.Amount1, minted.Amount1)
	}

	got0, got1, err := p.Collect(-600, 600)
	if err != nil {
		t.Fatal(err)
	}
	if got0.Cmp(burned.Amount0) != 0 || got1.Cmp(burned.Amount1) != 0 {
		t.Errorf("collect got %s/%s, want %s/%s", got0, got1, burned.Amount0, burned.Amount1)
	}
	if p.HasRange(-600, 600) {
		t.Error("empty range should be removed after collect")
	}
}

func TestSimPool_BurnErrors(t *testing.T) {
	p, _ := newTestPool(t, 0)

	if _, err := p.Burn(-600, 600, big.NewInt(1)); err == nil {
		t.Error("burn without position should error")
	}

	minted, err := p.Mint(-600, 600, w(10), w(10))
	if err != nil {
		t.Fatal(err)
	}
	tooMuch := new(big.Int).Add(minted.Liquidity, big.NewInt(1))
	if _, err := p.Burn(-600, 600, tooMuch); err == nil {
		t.Error("burn beyond position liquidity should error")
	}
	if _, err := p.Burn(-600, 600, big.NewInt(-1)); err == nil {
		t.Error("negative burn should error")
	}
	if _, _, err := p.Collect(-660, 600); err == nil {
		t.Error("collect on unknown range should error")
	}
}

func TestSimPool_SwapBaseForQuote(t *testing.T) {
	p, _ := newTestPool(t, 0)
	if _, err := p.Mint(-600, 600, w(1000), w(1000)); err != nil {
		t.Fatal(err)
	}
	before := p.Slot0()

	res, err := p.Swap(amm.SwapParams{
		ZeroForOne:      true,
		AmountSpecified: w(1),
		FeePpm:          1000,
		ProtocolFeePpm:  100_000,
	})
	if err != nil {
		t.Fatal(err)
	}

	if res.Amount0.Cmp(w(1)) != 0 {
		t.Errorf("exact input not fully consumed: got %s, want %s", res.Amount0, w(1))
	}
	if res.Amount1.Sign() >= 0 {
		t.Errorf("quote should flow out to the trader, got %s", res.Amount1)
	}
	if res.SqrtPriceX96After.Cmp(before.SqrtPriceX96) >= 0 {
		t.Error("selling base should move the price down")
	}
	if res.TotalFee.Sign() <= 0 {
		t.Error("fee should be charged")
	}
	if len(res.Steps) != 1 {
		t.Fatalf("expected a single step, got %d", len(res.Steps))
	}
	wantProtocol := num.PpmMul(res.Steps[0].FeeAmount, 100_000, num.RoundDown)
	if res.ProtocolFee.Cmp(wantProtocol) != 0 {
		t.Errorf("protocol fee: got %s, want %s", res.ProtocolFee, wantProtocol)
	}
}

func TestSimPool_SwapQuoteForBaseMovesPriceUp(t *testing.T) {
	p, _ := newTestPool(t, 0)
	if _, err := p.Mint(-600, 600, w(1000), w(1000)); err != nil {
		t.Fatal(err)
	}
	before := p.Slot0()

	res, err := p.Swap(amm.SwapParams{
		ZeroForOne:      false,
		AmountSpecified: w(1),
		FeePpm:          1000,
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.Amount1.Cmp(w(1)) != 0 {
		t.Errorf("exact quote input: got %s, want %s", res.Amount1, w(1))
	}
	if res.Amount0.Sign() >= 0 {
		t.Errorf("base should flow out to the trader, got %s", res.Amount0)
	}
	if res.SqrtPriceX96After.Cmp(before.SqrtPriceX96) <= 0 {
		t.Error("buying base should move the price up")
	}
}

func TestSimPool_SwapValidation(t *testing.T) {
	p, _ := newTestPool(t, 0)

	if _, err := p.Swap(amm.SwapParams{ZeroForOne: true, AmountSpecified: new(big.Int), FeePpm: 1000}); err == nil {
		t.Error("zero amount should error")
	}
	// Selling base with a limit above the current price is a contradiction.
	aboveCurrent := sqrtTick(t, 100)
	if _, err := p.Swap(amm.SwapParams{ZeroForOne: true, AmountSpecified: w(1), SqrtPriceLimitX96: aboveCurrent, FeePpm: 1000}); err == nil {
		t.Error("limit on the wrong side should error")
	}
	belowCurrent := sqrtTick(t, -100)
	if _, err := p.Swap(amm.SwapParams{ZeroForOne: false, AmountSpecified: w(1), SqrtPriceLimitX96: belowCurrent, FeePpm: 1000}); err == nil {
		t.Error("limit on the wrong side should error")
	}
}

func TestSimPool_SwapExhaustsRange(t *testing.T) {
	p, _ := newTestPool(t, 0)
	if _, err := p.Mint(-60, 60, w(10), w(10)); err != nil {
		t.Fatal(err)
	}

	res, err := p.Swap(amm.SwapParams{
		ZeroForOne:      true,
		AmountSpecified: w(1_000_000),
		FeePpm:          1000,
	})
	if err != nil {
		t.Fatal(err)
	}
	// The pool ran dry below the only range: the fill is partial.
	if res.Amount0.Cmp(w(1_000_000)) >= 0 {
		t.Error("swap beyond the pool's reserves should fill partially")
	}
	if res.TickAfter >= -60 {
		t.Errorf("price should have left the range, tick after = %d", res.TickAfter)
	}
	var crossed bool
	for _, step := range res.Steps {
		if step.TickCrossed != nil && *step.TickCrossed == -60 {
			crossed = true
		}
	}
	if !crossed {
		t.Error("expected the lower range boundary to be crossed")
	}
}

func TestSimPool_FeesAccrueToRange(t *testing.T) {
	p, _ := newTestPool(t, 0)
	if _, err := p.Mint(-600, 600, w(1000), w(1000)); err != nil {
		t.Fatal(err)
	}

	res, err := p.Swap(amm.SwapParams{
		ZeroForOne:      false,
		AmountSpecified: w(5),
		FeePpm:          1000,
		ProtocolFeePpm:  100_000,
	})
	if err != nil {
		t.Fatal(err)
	}

	inside0, inside1 := p.FeeGrowthInside(-600, 600)
	if inside0.Sign() != 0 {
		t.Errorf("no base fees were charged, growth0 = %s", inside0)
	}
	if inside1.Sign() <= 0 {
		t.Error("quote fee growth should have accrued inside the range")
	}

	// A zero burn pokes the position; collect then yields only the fees.
	if _, err := p.Burn(-600, 600, new(big.Int)); err != nil {
		t.Fatal(err)
	}
	got0, got1, err := p.Collect(-600, 600)
	if err != nil {
		t.Fatal(err)
	}
	if got0.Sign() != 0 {
		t.Errorf("collected base fees with none charged: %s", got0)
	}
	makerFee := new(big.Int).Sub(res.TotalFee, res.ProtocolFee)
	if got1.Sign() <= 0 || got1.Cmp(makerFee) > 0 {
		t.Errorf("collected quote fees %s, want in (0, %s]", got1, makerFee)
	}
}

func TestSimPool_Observe(t *testing.T) {
	p, clk := newTestPool(t, 100)

	cums, err := p.Observe([]int64{0})
	if err != nil {
		t.Fatal(err)
	}
	if cums[0].Sign() != 0 {
		t.Errorf("cumulative at creation: got %s, want 0", cums[0])
	}

	clk.Advance(100)
	cums, err = p.Observe([]int64{0, 100})
	if err != nil {
		t.Fatal(err)
	}
	diff := new(big.Int).Sub(cums[0], cums[1])
	if diff.Int64() != 100*100 {
		t.Errorf("tick-seconds over the window: got %s, want 10000", diff)
	}

	if _, err := p.Observe([]int64{150}); err == nil {
		t.Error("observing before recorded history should error")
	}
}

func TestSimPool_CheckpointRestore(t *testing.T) {
	p, _ := newTestPool(t, 0)
	minted, err := p.Mint(-600, 600, w(1000), w(1000))
	if err != nil {
		t.Fatal(err)
	}
	before := p.Slot0()
	cp := p.Checkpoint()

	if _, err := p.Swap(amm.SwapParams{ZeroForOne: true, AmountSpecified: w(5), FeePpm: 1000}); err != nil {
		t.Fatal(err)
	}
	if _, err := p.Burn(-600, 600, minted.Liquidity); err != nil {
		t.Fatal(err)
	}

	p.Restore(cp)

	after := p.Slot0()
	if after.SqrtPriceX96.Cmp(before.SqrtPriceX96) != 0 || after.Tick != before.Tick {
		t.Errorf("price after restore: got %s/%d, want %s/%d",
			after.SqrtPriceX96, after.Tick, before.SqrtPriceX96, before.Tick)
	}
	inside0, inside1 := p.FeeGrowthInside(-600, 600)
	if inside0.Sign() != 0 || inside1.Sign() != 0 {
		t.Error("fee growth should be back to zero after restore")
	}
	// The position is whole again: the full burn succeeds.
	if _, err := p.Burn(-600, 600, minted.Liquidity); err != nil {
		t.Fatalf("burn after restore: %v", err)
	}
}
