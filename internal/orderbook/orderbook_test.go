package orderbook_test

import (
	"errors"
	"math/big"
	"testing"

	"PerpClear/internal/amm"
	"PerpClear/internal/cherr"
	"PerpClear/internal/clock"
	"PerpClear/internal/market"
	"PerpClear/internal/num"
	"PerpClear/internal/orderbook"

	"github.com/google/uuid"
)

const mktID = "ETH-PERP"

func w(units int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(units), num.Wad)
}

func newTestBook(t *testing.T, maxOrders int) (*orderbook.Book, *amm.SimPool, *clock.Manual) {
	t.Helper()
	clk := clock.NewManual(1000)
	sqrt, err := num.SqrtRatioAtTick(0)
	if err != nil {
		t.Fatal(err)
	}
	pool, err := amm.NewSimPool(sqrt, 60, clk)
	if err != nil {
		t.Fatal(err)
	}
	feed := amm.NewSettableFeed(clk, 0)
	feed.SetPrice(w(1))

	registry := market.NewRegistry()
	cfg := market.Config{
		ID:                        mktID,
		TickSpacing:               60,
		FeeRatioPpm:               1000,
		InsuranceFundFeeRatioPpm:  100_000,
		MaxTickCrossedWithinBlock: 100,
	}
	if err := registry.Add(cfg, pool, feed); err != nil {
		t.Fatal(err)
	}
	return orderbook.New(registry, clk, maxOrders), pool, clk
}

func addOrder(t *testing.T, b *orderbook.Book, trader uuid.UUID, lower, upper int, base, quote *big.Int) orderbook.AddLiquidityResult {
	t.Helper()
	res, err := b.AddLiquidityToOrder(orderbook.AddLiquidityParams{
		Trader:        trader,
		MarketID:      mktID,
		TickLower:     lower,
		TickUpper:     upper,
		Base:          base,
		Quote:         quote,
		FundingGrowth: new(big.Int),
	})
	if err != nil {
		t.Fatal(err)
	}
	return res
}

func TestAddLiquidity_RecordsOrderAndDebt(t *testing.T) {
	b, _, _ := newTestBook(t, 100)
	trader := uuid.New()

	res := addOrder(t, b, trader, -600, 600, w(100), w(100))
	if res.Liquidity.Sign() <= 0 {
		t.Fatal("add yielded no liquidity")
	}

	order, ok := b.GetOpenOrder(trader, mktID, -600, 600)
	if !ok {
		t.Fatal("order missing after add")
	}
	if order.Liquidity.Cmp(res.Liquidity) != 0 {
		t.Errorf("order liquidity: got %s, want %s", order.Liquidity, res.Liquidity)
	}
	if order.BaseDebt.Cmp(res.Base) != 0 || order.QuoteDebt.Cmp(res.Quote) != 0 {
		t.Errorf("recorded debt %s/%s, want %s/%s", order.BaseDebt, order.QuoteDebt, res.Base, res.Quote)
	}
	if !b.HasOrder(trader, mktID) {
		t.Error("HasOrder should report the open order")
	}
}

func TestAddLiquidity_Validation(t *testing.T) {
	b, _, clk := newTestBook(t, 100)
	trader := uuid.New()

	_, err := b.AddLiquidityToOrder(orderbook.AddLiquidityParams{
		Trader: trader, MarketID: mktID, TickLower: -600, TickUpper: 600,
	})
	if !errors.Is(err, cherr.ErrZeroAmount) {
		t.Errorf("no amounts: got %v, want %v", err, cherr.ErrZeroAmount)
	}

	_, err = b.AddLiquidityToOrder(orderbook.AddLiquidityParams{
		Trader: trader, MarketID: mktID, TickLower: -600, TickUpper: 600,
		Base: big.NewInt(-1), Quote: w(1),
	})
	if !errors.Is(err, cherr.ErrInvalidAmount) {
		t.Errorf("negative base: got %v, want %v", err, cherr.ErrInvalidAmount)
	}

	_, err = b.AddLiquidityToOrder(orderbook.AddLiquidityParams{
		Trader: trader, MarketID: "no-such-market", TickLower: -600, TickUpper: 600,
		Base: w(1), Quote: w(1),
	})
	if !errors.Is(err, cherr.ErrUnknownMarket) {
		t.Errorf("unknown market: got %v, want %v", err, cherr.ErrUnknownMarket)
	}

	_, err = b.AddLiquidityToOrder(orderbook.AddLiquidityParams{
		Trader: trader, MarketID: mktID, TickLower: -601, TickUpper: 600,
		Base: w(1), Quote: w(1),
	})
	if !errors.Is(err, cherr.ErrInvalidTickRange) {
		t.Errorf("misaligned ticks: got %v, want %v", err, cherr.ErrInvalidTickRange)
	}

	clk.Advance(10)
	_, err = b.AddLiquidityToOrder(orderbook.AddLiquidityParams{
		Trader: trader, MarketID: mktID, TickLower: -600, TickUpper: 600,
		Base: w(1), Quote: w(1), Deadline: clk.Now() - 1,
	})
	if !errors.Is(err, cherr.ErrDeadlineExceeded) {
		t.Errorf("past deadline: got %v, want %v", err, cherr.ErrDeadlineExceeded)
	}
}

func TestAddLiquidity_OrderLimitPerMarket(t *testing.T) {
	b, _, _ := newTestBook(t, 1)
	trader := uuid.New()

	addOrder(t, b, trader, -600, 600, w(10), w(10))

	_, err := b.AddLiquidityToOrder(orderbook.AddLiquidityParams{
		Trader: trader, MarketID: mktID, TickLower: -60, TickUpper: 60,
		Base: w(1), Quote: w(1), FundingGrowth: new(big.Int),
	})
	if !errors.Is(err, cherr.ErrTooManyOrders) {
		t.Errorf("second range: got %v, want %v", err, cherr.ErrTooManyOrders)
	}

	// Topping up the existing range is not a new order.
	addOrder(t, b, trader, -600, 600, w(10), w(10))
	if got := b.OpenOrderCount(trader, mktID); got != 1 {
		t.Errorf("order count: got %d, want 1", got)
	}
}

func TestRemoveLiquidity_Validation(t *testing.T) {
	b, _, _ := newTestBook(t, 100)
	trader := uuid.New()

	_, err := b.RemoveLiquidityFromOrder(orderbook.RemoveLiquidityParams{
		Trader: trader, MarketID: mktID, TickLower: -600, TickUpper: 600, Liquidity: w(1),
	})
	if !errors.Is(err, cherr.ErrOrderNotFound) {
		t.Errorf("missing order: got %v, want %v", err, cherr.ErrOrderNotFound)
	}

	res := addOrder(t, b, trader, -600, 600, w(10), w(10))

	tooMuch := new(big.Int).Add(res.Liquidity, big.NewInt(1))
	_, err = b.RemoveLiquidityFromOrder(orderbook.RemoveLiquidityParams{
		Trader: trader, MarketID: mktID, TickLower: -600, TickUpper: 600, Liquidity: tooMuch,
	})
	if !errors.Is(err, cherr.ErrNotEnoughLiquidity) {
		t.Errorf("over-remove: got %v, want %v", err, cherr.ErrNotEnoughLiquidity)
	}

	_, err = b.RemoveLiquidityFromOrder(orderbook.RemoveLiquidityParams{
		Trader: trader, MarketID: mktID, TickLower: -600, TickUpper: 600, Liquidity: big.NewInt(-1),
	})
	if !errors.Is(err, cherr.ErrInvalidAmount) {
		t.Errorf("negative remove: got %v, want %v", err, cherr.ErrInvalidAmount)
	}
}

func TestRemoveLiquidity_ProRataDebtRelease(t *testing.T) {
	b, _, _ := newTestBook(t, 100)
	trader := uuid.New()

	added := addOrder(t, b, trader, -600, 600, w(100), w(100))

	half := new(big.Int).Div(added.Liquidity, big.NewInt(2))
	res, err := b.RemoveLiquidityFromOrder(orderbook.RemoveLiquidityParams{
		Trader: trader, MarketID: mktID, TickLower: -600, TickUpper: 600, Liquidity: half,
	})
	if err != nil {
		t.Fatal(err)
	}
	wantBase := num.MulDiv(added.Base, half, added.Liquidity, num.RoundDown)
	wantQuote := num.MulDiv(added.Quote, half, added.Liquidity, num.RoundDown)
	if res.BaseDebtReduced.Cmp(wantBase) != 0 {
		t.Errorf("base debt released: got %s, want %s", res.BaseDebtReduced, wantBase)
	}
	if res.QuoteDebtReduced.Cmp(wantQuote) != 0 {
		t.Errorf("quote debt released: got %s, want %s", res.QuoteDebtReduced, wantQuote)
	}
	if res.OrderClosed {
		t.Error("partial removal should not close the order")
	}

	order, ok := b.GetOpenOrder(trader, mktID, -600, 600)
	if !ok {
		t.Fatal("order missing after partial removal")
	}

	// The final removal releases the remaining debt, rounding residue included.
	res2, err := b.RemoveLiquidityFromOrder(orderbook.RemoveLiquidityParams{
		Trader: trader, MarketID: mktID, TickLower: -600, TickUpper: 600, Liquidity: order.Liquidity,
	})
	if err != nil {
		t.Fatal(err)
	}
	if !res2.OrderClosed {
		t.Error("full removal should close the order")
	}
	totalBase := new(big.Int).Add(res.BaseDebtReduced, res2.BaseDebtReduced)
	totalQuote := new(big.Int).Add(res.QuoteDebtReduced, res2.QuoteDebtReduced)
	if totalBase.Cmp(added.Base) != 0 || totalQuote.Cmp(added.Quote) != 0 {
		t.Errorf("total debt released %s/%s, want %s/%s", totalBase, totalQuote, added.Base, added.Quote)
	}
	if b.HasOrder(trader, mktID) {
		t.Error("order should be gone after full removal")
	}
}

func TestRemoveLiquidity_ZeroIsCollectOnly(t *testing.T) {
	b, _, _ := newTestBook(t, 100)
	trader := uuid.New()

	added := addOrder(t, b, trader, -600, 600, w(10), w(10))

	res, err := b.RemoveLiquidityFromOrder(orderbook.RemoveLiquidityParams{
		Trader: trader, MarketID: mktID, TickLower: -600, TickUpper: 600, Liquidity: new(big.Int),
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.Base.Sign() != 0 || res.Quote.Sign() != 0 {
		t.Errorf("collect-only returned principal %s/%s", res.Base, res.Quote)
	}
	if res.BaseDebtReduced.Sign() != 0 || res.QuoteDebtReduced.Sign() != 0 {
		t.Error("collect-only should not touch recorded debt")
	}
	if res.OrderClosed {
		t.Error("collect-only should not close the order")
	}

	order, _ := b.GetOpenOrder(trader, mktID, -600, 600)
	if order.Liquidity.Cmp(added.Liquidity) != 0 {
		t.Errorf("liquidity after collect-only: got %s, want %s", order.Liquidity, added.Liquidity)
	}
}

func TestExchangeFeeStream_SettlesOnce(t *testing.T) {
	b, _, _ := newTestBook(t, 100)
	trader := uuid.New()

	added := addOrder(t, b, trader, -600, 600, w(100), w(100))

	makerFee := big.NewInt(1_000_000_000_000)
	b.ApplyQuoteFees(mktID, []orderbook.QuoteFeeStep{
		{Liquidity: added.Liquidity, MakerFee: makerFee},
	})

	res, err := b.RemoveLiquidityFromOrder(orderbook.RemoveLiquidityParams{
		Trader: trader, MarketID: mktID, TickLower: -600, TickUpper: 600, Liquidity: new(big.Int),
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.Fee.Sign() <= 0 || res.Fee.Cmp(makerFee) > 0 {
		t.Errorf("settled fee %s, want in (0, %s]", res.Fee, makerFee)
	}

	// Already settled: a second touch yields nothing.
	res2, err := b.RemoveLiquidityFromOrder(orderbook.RemoveLiquidityParams{
		Trader: trader, MarketID: mktID, TickLower: -600, TickUpper: 600, Liquidity: new(big.Int),
	})
	if err != nil {
		t.Fatal(err)
	}
	if res2.Fee.Sign() != 0 {
		t.Errorf("second settle should be zero, got %s", res2.Fee)
	}
}

func TestExchangeFeeStream_StopsAccruingOutsideRange(t *testing.T) {
	b, _, _ := newTestBook(t, 100)
	trader := uuid.New()

	added := addOrder(t, b, trader, -60, 60, w(100), w(100))

	// Fees accrue while in range, then the price leaves through the lower
	// boundary.
	crossed := -60
	b.ApplyQuoteFees(mktID, []orderbook.QuoteFeeStep{
		{Liquidity: added.Liquidity, MakerFee: big.NewInt(1 << 40), TickCrossed: &crossed},
	})
	inRange := b.ExchangeFeeGrowthInside(mktID, -60, 60, -61)
	want := num.FeeGrowthPerUnit(big.NewInt(1<<40), added.Liquidity)
	if inRange.Cmp(want) != 0 {
		t.Errorf("growth inside after sweep: got %s, want %s", inRange, want)
	}

	// Further fees below the range must not attribute to it.
	b.ApplyQuoteFees(mktID, []orderbook.QuoteFeeStep{
		{Liquidity: w(1), MakerFee: big.NewInt(1 << 40)},
	})
	after := b.ExchangeFeeGrowthInside(mktID, -60, 60, -61)
	if after.Cmp(inRange) != 0 {
		t.Errorf("out-of-range fees leaked into the range: %s -> %s", inRange, after)
	}
}

func TestMakerFunding_SettleRefreshesSnapshot(t *testing.T) {
	b, pool, _ := newTestBook(t, 100)
	trader := uuid.New()

	added := addOrder(t, b, trader, -600, 600, w(100), w(100))

	slot0 := pool.Slot0()
	lower, _ := num.SqrtRatioAtTick(-600)
	upper, _ := num.SqrtRatioAtTick(600)
	baseNow, _ := num.AmountsForLiquidity(slot0.SqrtPriceX96, lower, upper, added.Liquidity, num.RoundDown)

	growth := w(2)
	pending, err := b.PendingMakerFunding(trader, mktID, growth)
	if err != nil {
		t.Fatal(err)
	}
	want := num.PendingFunding(baseNow, growth, new(big.Int))
	if pending.Cmp(want) != 0 {
		t.Errorf("pending maker funding: got %s, want %s", pending, want)
	}

	settled, err := b.SettleMakerFunding(trader, mktID, growth)
	if err != nil {
		t.Fatal(err)
	}
	if settled.Cmp(want) != 0 {
		t.Errorf("settled maker funding: got %s, want %s", settled, want)
	}

	again, err := b.PendingMakerFunding(trader, mktID, growth)
	if err != nil {
		t.Fatal(err)
	}
	if again.Sign() != 0 {
		t.Errorf("pending after settle: got %s, want 0", again)
	}
}

func TestGetOpenOrderIDs_SortedByRange(t *testing.T) {
	b, _, _ := newTestBook(t, 100)
	trader := uuid.New()

	addOrder(t, b, trader, 60, 120, w(10), w(10))
	addOrder(t, b, trader, -120, -60, w(10), w(10))
	addOrder(t, b, trader, -600, 600, w(10), w(10))

	ids := b.GetOpenOrderIDs(trader, mktID)
	if len(ids) != 3 {
		t.Fatalf("order count: got %d, want 3", len(ids))
	}
	wantLowers := []int{-600, -120, 60}
	for i, id := range ids {
		if id.TickLower != wantLowers[i] {
			t.Errorf("ids[%d].TickLower: got %d, want %d", i, id.TickLower, wantLowers[i])
		}
	}
}

func TestTotalOrderAmounts_TracksDebts(t *testing.T) {
	b, _, _ := newTestBook(t, 100)
	trader := uuid.New()

	added := addOrder(t, b, trader, -600, 600, w(100), w(100))

	baseNow, quoteNow, baseDebt, quoteDebt, err := b.TotalOrderAmounts(trader, mktID)
	if err != nil {
		t.Fatal(err)
	}
	if baseDebt.Cmp(added.Base) != 0 || quoteDebt.Cmp(added.Quote) != 0 {
		t.Errorf("debts %s/%s, want %s/%s", baseDebt, quoteDebt, added.Base, added.Quote)
	}
	// At an unmoved price the live holdings match the round-up principal to
	// within the rounding gap.
	if baseNow.Cmp(baseDebt) > 0 || quoteNow.Cmp(quoteDebt) > 0 {
		t.Errorf("holdings %s/%s exceed recorded debt %s/%s", baseNow, quoteNow, baseDebt, quoteDebt)
	}
	gap0 := new(big.Int).Sub(baseDebt, baseNow)
	gap1 := new(big.Int).Sub(quoteDebt, quoteNow)
	if gap0.Cmp(big.NewInt(2)) > 0 || gap1.Cmp(big.NewInt(2)) > 0 {
		t.Errorf("rounding gap too large: %s/%s", gap0, gap1)
	}
}

func TestBook_CheckpointRestore(t *testing.T) {
	b, _, _ := newTestBook(t, 100)
	trader := uuid.New()

	added := addOrder(t, b, trader, -600, 600, w(10), w(10))
	cp := b.Checkpoint()

	if _, err := b.RemoveLiquidityFromOrder(orderbook.RemoveLiquidityParams{
		Trader: trader, MarketID: mktID, TickLower: -600, TickUpper: 600, Liquidity: added.Liquidity,
	}); err != nil {
		t.Fatal(err)
	}
	if b.HasOrder(trader, mktID) {
		t.Fatal("order should be gone before restore")
	}

	b.Restore(cp)

	order, ok := b.GetOpenOrder(trader, mktID, -600, 600)
	if !ok {
		t.Fatal("order missing after restore")
	}
	if order.Liquidity.Cmp(added.Liquidity) != 0 {
		t.Errorf("restored liquidity: got %s, want %s", order.Liquidity, added.Liquidity)
	}
}
