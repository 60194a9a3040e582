// Package exchange executes swaps against the per-market AMM pool and owns
// the two market-level accruals that ride on them: the trading fee split
// (maker share vs insurance-fund share) and the continuous funding growth.
//
// The fee is always charged on the quote leg. For quote->base swaps the pool
// charges it natively on the input and withholds the insurance share from the
// maker growth. For base->quote swaps the pool runs fee-free and the exchange
// takes the fee out of the quote output, step by step, feeding the maker
// share into the order book's own fee-growth accounting.
package exchange

import (
	"math/big"

	"PerpClear/internal/amm"
	"PerpClear/internal/cherr"
	"PerpClear/internal/clock"
	"PerpClear/internal/market"
	"PerpClear/internal/num"
	"PerpClear/internal/orderbook"
)

// SwapParams describes one trade against a market.
type SwapParams struct {
	MarketID     string
	IsBaseToQuote bool
	IsExactInput  bool
	Amount        *big.Int // magnitude of the specified side, wad
	// SqrtPriceLimitX96 bounds the execution price; zero means no limit.
	SqrtPriceLimitX96 *big.Int
	// IsClose marks a position-reducing swap, which may proceed while the
	// market is paused and is exempt from the per-block tick band there.
	IsClose bool
}

// SwapResult reports the trade from the taker's position perspective:
// Base and Quote are the signed deltas applied to the taker's balances,
// with the fee already taken out of the quote leg.
type SwapResult struct {
	Base             *big.Int
	Quote            *big.Int
	Fee              *big.Int // total quote fee charged
	InsuranceFundFee *big.Int // portion of Fee routed to the insurance fund
	TickAfter        int
}

type fundingState struct {
	growth        *big.Int // wad accumulator
	lastSettledAt int64
}

type blockTick struct {
	block int64
	tick  int
}

type twapEntry struct {
	at    int64
	value *big.Int
}

// Exchange is the swap and funding engine over all listed markets.
type Exchange struct {
	registry *market.Registry
	book     *orderbook.Book
	clk      clock.Clock

	// Mark TWAP window for funding, seconds.
	twapInterval int64
	// Mark TWAP reads within this many seconds of each other reuse the
	// last value. Zero disables caching.
	twapCacheSec int64

	fundings    map[string]*fundingState
	tickAtBlock map[string]blockTick
	twapCache   map[string]twapEntry
}

func New(registry *market.Registry, book *orderbook.Book, clk clock.Clock, twapIntervalSec int64) *Exchange {
	return &Exchange{
		registry:     registry,
		book:         book,
		clk:          clk,
		twapInterval: twapIntervalSec,
		fundings:     make(map[string]*fundingState),
		tickAtBlock:  make(map[string]blockTick),
		twapCache:    make(map[string]twapEntry),
	}
}

// SetMarkTwapCacheInterval bounds the cost of repeated mark TWAP reads:
// reads within sec seconds of the last computation return it unchanged.
func (e *Exchange) SetMarkTwapCacheInterval(sec int64) { e.twapCacheSec = sec }

// Swap executes a trade. It enforces the per-block tick band: the pool tick
// may not move more than MaxTickCrossedWithinBlock away from where it stood
// when the market first traded in the current block.
func (e *Exchange) Swap(p SwapParams) (SwapResult, error) {
	if p.Amount == nil || p.Amount.Sign() <= 0 {
		return SwapResult{}, cherr.ErrInvalidAmount
	}
	cfg, err := e.registry.Get(p.MarketID)
	if err != nil {
		return SwapResult{}, err
	}
	active := cfg.Status() == market.StatusActive
	if !active && !p.IsClose {
		return SwapResult{}, cherr.ErrMarketPaused
	}
	pool, err := e.registry.Pool(p.MarketID)
	if err != nil {
		return SwapResult{}, err
	}
	refTick := e.blockReferenceTick(p.MarketID, pool)

	var res SwapResult
	if p.IsBaseToQuote {
		res, err = e.swapBaseToQuote(cfg, pool, p)
	} else {
		res, err = e.swapQuoteToBase(cfg, pool, p)
	}
	if err != nil {
		return SwapResult{}, err
	}

	if active {
		if delta := res.TickAfter - refTick; delta > cfg.MaxTickCrossedWithinBlock ||
			-delta > cfg.MaxTickCrossedWithinBlock {
			return SwapResult{}, cherr.ErrOverPriceBand
		}
	}
	return res, nil
}

// swapBaseToQuote sells base for quote. The pool runs fee-free; the fee is
// carved out of each step's quote output so makers earn exactly on the
// liquidity that served the step.
func (e *Exchange) swapBaseToQuote(cfg market.Config, pool amm.Pool, p SwapParams) (SwapResult, error) {
	specified := num.Clone(p.Amount)
	if !p.IsExactInput {
		// The taker wants p.Amount quote net of fee, so the pool must
		// produce the grossed-up output.
		specified = num.MulDiv(p.Amount, big.NewInt(num.PpmDenominator),
			big.NewInt(num.PpmDenominator-cfg.FeeRatioPpm), num.RoundUp)
		specified.Neg(specified)
	}
	out, err := pool.Swap(amm.SwapParams{
		ZeroForOne:        true,
		AmountSpecified:   specified,
		SqrtPriceLimitX96: p.SqrtPriceLimitX96,
		FeePpm:            0,
	})
	if err != nil {
		return SwapResult{}, err
	}

	fee, insuranceFee := new(big.Int), new(big.Int)
	makerSteps := make([]orderbook.QuoteFeeStep, 0, len(out.Steps))
	for _, step := range out.Steps {
		stepFee := num.PpmMul(step.AmountOut, cfg.FeeRatioPpm, num.RoundDown)
		stepInsurance := num.PpmMul(stepFee, cfg.InsuranceFundFeeRatioPpm, num.RoundDown)
		fee.Add(fee, stepFee)
		insuranceFee.Add(insuranceFee, stepInsurance)
		makerSteps = append(makerSteps, orderbook.QuoteFeeStep{
			Liquidity:   step.Liquidity,
			MakerFee:    new(big.Int).Sub(stepFee, stepInsurance),
			TickCrossed: step.TickCrossed,
		})
	}
	e.book.ApplyQuoteFees(p.MarketID, makerSteps)

	// out.Amount0 > 0 flows in (base sold), out.Amount1 < 0 flows out.
	quoteOut := num.Neg(out.Amount1)
	return SwapResult{
		Base:             num.Neg(out.Amount0),
		Quote:            quoteOut.Sub(quoteOut, fee),
		Fee:              fee,
		InsuranceFundFee: insuranceFee,
		TickAfter:        out.TickAfter,
	}, nil
}

// swapQuoteToBase buys base with quote. The pool charges the fee on the quote
// input and credits the maker share to its native fee growth; the withheld
// protocol share is the insurance fund's.
func (e *Exchange) swapQuoteToBase(cfg market.Config, pool amm.Pool, p SwapParams) (SwapResult, error) {
	specified := num.Clone(p.Amount)
	if !p.IsExactInput {
		specified.Neg(specified) // exact base out
	}
	out, err := pool.Swap(amm.SwapParams{
		ZeroForOne:        false,
		AmountSpecified:   specified,
		SqrtPriceLimitX96: p.SqrtPriceLimitX96,
		FeePpm:            cfg.FeeRatioPpm,
		ProtocolFeePpm:    cfg.InsuranceFundFeeRatioPpm,
	})
	if err != nil {
		return SwapResult{}, err
	}
	// out.Amount1 > 0 flows in (quote paid, fee included), out.Amount0 < 0
	// flows out (base bought).
	return SwapResult{
		Base:             num.Neg(out.Amount0),
		Quote:            num.Neg(out.Amount1),
		Fee:              out.TotalFee,
		InsuranceFundFee: out.ProtocolFee,
		TickAfter:        out.TickAfter,
	}, nil
}

// blockReferenceTick returns the pool tick recorded at the market's first
// trade of the current block, recording it now if this is the first.
func (e *Exchange) blockReferenceTick(marketID string, pool amm.Pool) int {
	block := e.clk.BlockNumber()
	if bt, ok := e.tickAtBlock[marketID]; ok && bt.block == block {
		return bt.tick
	}
	tick := pool.Slot0().Tick
	e.tickAtBlock[marketID] = blockTick{block: block, tick: tick}
	return tick
}

// --- funding ---

// FundingGrowth advances the market's funding accumulator to now and returns
// it. Growth integrates (mark TWAP - index) / day over elapsed time.
func (e *Exchange) FundingGrowth(marketID string) (*big.Int, error) {
	fs, err := e.syncFunding(marketID)
	if err != nil {
		return nil, err
	}
	return num.Clone(fs.growth), nil
}

func (e *Exchange) syncFunding(marketID string) (*fundingState, error) {
	if _, err := e.registry.Get(marketID); err != nil {
		return nil, err
	}
	now := e.clk.Now()
	fs, ok := e.fundings[marketID]
	if !ok {
		fs = &fundingState{growth: new(big.Int), lastSettledAt: now}
		e.fundings[marketID] = fs
		return fs, nil
	}
	elapsed := now - fs.lastSettledAt
	if elapsed <= 0 {
		return fs, nil
	}
	mark, err := e.MarkTwap(marketID)
	if err != nil {
		return nil, err
	}
	index, err := e.IndexPrice(marketID)
	if err != nil {
		return nil, err
	}
	fs.growth = new(big.Int).Add(fs.growth, num.FundingGrowthDelta(mark, index, elapsed))
	fs.lastSettledAt = now
	return fs, nil
}

// MarkTwap returns the pool's time-weighted mark price over the configured
// window, falling back to the spot tick price when the pool's observation
// history is shorter than the window.
func (e *Exchange) MarkTwap(marketID string) (*big.Int, error) {
	if e.twapCacheSec > 0 {
		if c, ok := e.twapCache[marketID]; ok && e.clk.Now()-c.at < e.twapCacheSec {
			return num.Clone(c.value), nil
		}
	}
	price, err := e.markTwapUncached(marketID)
	if err != nil {
		return nil, err
	}
	if e.twapCacheSec > 0 {
		e.twapCache[marketID] = twapEntry{at: e.clk.Now(), value: num.Clone(price)}
	}
	return price, nil
}

func (e *Exchange) markTwapUncached(marketID string) (*big.Int, error) {
	pool, err := e.registry.Pool(marketID)
	if err != nil {
		return nil, err
	}
	cums, err := pool.Observe([]int64{e.twapInterval, 0})
	if err != nil {
		return num.PriceAtTick(pool.Slot0().Tick)
	}
	diff := new(big.Int).Sub(cums[1], cums[0])
	avgTick := new(big.Int).Div(diff, big.NewInt(e.twapInterval)) // floor
	return num.PriceAtTick(int(avgTick.Int64()))
}

// IndexPrice reads the market's oracle, normalized to wad.
func (e *Exchange) IndexPrice(marketID string) (*big.Int, error) {
	feed, err := e.registry.Feed(marketID)
	if err != nil {
		return nil, err
	}
	price, decimals, err := feed.GetPrice()
	if err != nil {
		return nil, err
	}
	if decimals == 18 {
		return price, nil
	}
	scale := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(18-decimals)), nil)
	return new(big.Int).Mul(price, scale), nil
}

// MarkPrice returns the pool's spot price as a wad.
func (e *Exchange) MarkPrice(marketID string) (*big.Int, error) {
	pool, err := e.registry.Pool(marketID)
	if err != nil {
		return nil, err
	}
	return num.PriceFromSqrtPriceX96(pool.Slot0().SqrtPriceX96), nil
}

// --- rollback ---

type exchangeCheckpoint struct {
	fundings    map[string]*fundingState
	tickAtBlock map[string]blockTick
	twapCache   map[string]twapEntry
}

func (e *Exchange) Checkpoint() any {
	cp := &exchangeCheckpoint{
		fundings:    make(map[string]*fundingState, len(e.fundings)),
		tickAtBlock: make(map[string]blockTick, len(e.tickAtBlock)),
		twapCache:   make(map[string]twapEntry, len(e.twapCache)),
	}
	for id, fs := range e.fundings {
		cp.fundings[id] = &fundingState{growth: num.Clone(fs.growth), lastSettledAt: fs.lastSettledAt}
	}
	for id, bt := range e.tickAtBlock {
		cp.tickAtBlock[id] = bt
	}
	// The cache is rollback state too: a value computed inside a failed
	// operation must not survive it.
	for id, c := range e.twapCache {
		cp.twapCache[id] = twapEntry{at: c.at, value: num.Clone(c.value)}
	}
	return cp
}

func (e *Exchange) Restore(checkpoint any) {
	cp, ok := checkpoint.(*exchangeCheckpoint)
	if !ok {
		panic("exchange: foreign checkpoint")
	}
	e.fundings = cp.fundings
	e.tickAtBlock = cp.tickAtBlock
	e.twapCache = cp.twapCache
}
