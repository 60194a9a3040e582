// Package clearinghouse is the orchestration layer: every external entry
// point settles funding, delegates to the order book, exchange and vault,
// enforces the margin rules, and commits or rolls back as one unit.
//
// Atomicity is checkpoint-based: all mutable components are snapshotted at
// entry and restored on any error, so a failed precondition can never leave a
// partially applied action behind. Execution is single-threaded by contract;
// the rollback is the only concurrency control.
package clearinghouse

import (
	"errors"
	"math/big"
	"time"

	"PerpClear/internal/account"
	"PerpClear/internal/amm"
	"PerpClear/internal/cherr"
	"PerpClear/internal/clock"
	"PerpClear/internal/collateral"
	"PerpClear/internal/event"
	"PerpClear/internal/exchange"
	"PerpClear/internal/market"
	"PerpClear/internal/num"
	"PerpClear/internal/observability"
	"PerpClear/internal/orderbook"
	"PerpClear/internal/vault"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Config is the protocol-level parameter set.
type Config struct {
	ImRatioPpm                 int64
	MmRatioPpm                 int64
	PartialCloseRatioPpm       int64
	LiquidationPenaltyRatioPpm int64

	// InsuranceFund is the reserved account fees and penalties accrue to.
	InsuranceFund uuid.UUID
}

// snapshotter is the rollback contract every mutable component implements.
type snapshotter interface {
	Checkpoint() any
	Restore(any)
}

// ClearingHouse composes the engine components.
type ClearingHouse struct {
	cfg       Config
	registry  *market.Registry
	cm        *collateral.Manager
	vault     *vault.Vault
	book      *orderbook.Book
	exch      *exchange.Exchange
	balances  *account.Balances
	approvals amm.ApprovalRegistry
	clk       clock.Clock

	sink    event.Sink
	log     zerolog.Logger
	metrics *observability.Metrics

	sequence int64
}

func New(
	cfg Config,
	registry *market.Registry,
	cm *collateral.Manager,
	v *vault.Vault,
	book *orderbook.Book,
	exch *exchange.Exchange,
	balances *account.Balances,
	approvals amm.ApprovalRegistry,
	clk clock.Clock,
	sink event.Sink,
	metrics *observability.Metrics,
) *ClearingHouse {
	if sink == nil {
		sink = event.NopSink{}
	}
	return &ClearingHouse{
		cfg:       cfg,
		registry:  registry,
		cm:        cm,
		vault:     v,
		book:      book,
		exch:      exch,
		balances:  balances,
		approvals: approvals,
		clk:       clk,
		sink:      sink,
		log:       observability.NewLogger("clearinghouse"),
		metrics:   metrics,
	}
}

// --- atomicity ---

type checkpointSet struct {
	components []snapshotter
	states     []any
}

func (ch *ClearingHouse) checkpointAll() checkpointSet {
	components := []snapshotter{ch.vault, ch.book, ch.exch, ch.balances}
	for _, id := range ch.registry.IDs() {
		pool, err := ch.registry.Pool(id)
		if err != nil {
			continue
		}
		if s, ok := pool.(snapshotter); ok {
			components = append(components, s)
		}
	}
	states := make([]any, len(components))
	for i, c := range components {
		states[i] = c.Checkpoint()
	}
	return checkpointSet{components: components, states: states}
}

func (cs checkpointSet) restore() {
	for i, c := range cs.components {
		c.Restore(cs.states[i])
	}
}

// atomically runs op under a full checkpoint and rolls everything back on
// error. Successful operations report to metrics; failures report the stable
// error code.
func (ch *ClearingHouse) atomically(op string, fn func() error) error {
	start := time.Now()
	cps := ch.checkpointAll()
	if err := fn(); err != nil {
		cps.restore()
		if ch.metrics != nil {
			ch.metrics.OpsRejected.WithLabelValues(op, cherr.Code(err)).Inc()
		}
		ch.log.Debug().Str("op", op).Err(err).Msg("operation rejected")
		return err
	}
	if ch.metrics != nil {
		ch.metrics.OpsApplied.WithLabelValues(op).Inc()
		ch.metrics.OpDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	}
	return nil
}

func (ch *ClearingHouse) emit(t event.Type, marketID string, trader uuid.UUID, payload any) {
	ch.sequence++
	ch.sink.Publish(event.Envelope{
		Sequence:  ch.sequence,
		Type:      t,
		MarketID:  marketID,
		Trader:    trader,
		Timestamp: time.Unix(ch.clk.Now(), 0).UTC(),
		Payload:   payload,
	})
	if ch.metrics != nil {
		ch.metrics.EventsEmitted.WithLabelValues(t.String()).Inc()
	}
}

// --- liquidity ---

// AddLiquidityParams is the external addLiquidity surface.
type AddLiquidityParams struct {
	Trader    uuid.UUID
	MarketID  string
	TickLower int
	TickUpper int
	Base      *big.Int
	Quote     *big.Int
	MinBase   *big.Int
	MinQuote  *big.Int
	Deadline  int64
}

// AddLiquidityResult reports what the order actually consumed.
type AddLiquidityResult struct {
	Base      *big.Int
	Quote     *big.Int
	Liquidity *big.Int
	Fee       *big.Int
}

// AddLiquidity opens or grows a range order. Funding settles first, fees
// accrued since last touch are credited, and the trader's free collateral
// must remain non-negative afterwards.
func (ch *ClearingHouse) AddLiquidity(p AddLiquidityParams) (AddLiquidityResult, error) {
	var res AddLiquidityResult
	err := ch.atomically("add_liquidity", func() error {
		cfg, err := ch.registry.Get(p.MarketID)
		if err != nil {
			return err
		}
		if cfg.Paused {
			return cherr.ErrMarketPaused
		}
		if err := ch.balances.RegisterMarket(p.Trader, p.MarketID); err != nil {
			return err
		}
		if _, err := ch.balances.SettleFunding(p.Trader, p.MarketID); err != nil {
			return err
		}
		growth, err := ch.exch.FundingGrowth(p.MarketID)
		if err != nil {
			return err
		}
		added, err := ch.book.AddLiquidityToOrder(orderbook.AddLiquidityParams{
			Trader:        p.Trader,
			MarketID:      p.MarketID,
			TickLower:     p.TickLower,
			TickUpper:     p.TickUpper,
			Base:          p.Base,
			Quote:         p.Quote,
			MinBase:       p.MinBase,
			MinQuote:      p.MinQuote,
			Deadline:      p.Deadline,
			FundingGrowth: growth,
		})
		if err != nil {
			return err
		}
		ch.balances.AddOwedRealizedPnl(p.Trader, added.Fee)

		free, err := ch.vault.FreeCollateral(p.Trader)
		if err != nil {
			return err
		}
		if free.Sign() < 0 {
			return cherr.ErrNotEnoughFreeCollateral
		}
		res = AddLiquidityResult(added)
		return nil
	})
	if err != nil {
		return AddLiquidityResult{}, err
	}
	order, _ := ch.book.GetOpenOrder(p.Trader, p.MarketID, p.TickLower, p.TickUpper)
	ch.emit(event.TypeLiquidityAdded, p.MarketID, p.Trader, &event.LiquidityChanged{
		TickLower:      p.TickLower,
		TickUpper:      p.TickUpper,
		Base:           res.Base,
		Quote:          res.Quote,
		Liquidity:      res.Liquidity,
		LiquidityAfter: order.Liquidity,
		QuoteFee:       res.Fee,
	})
	ch.log.Info().
		Str("market", p.MarketID).Str("trader", p.Trader.String()).
		Str("liquidity", res.Liquidity.String()).
		Msg("liquidity added")
	return res, nil
}

// RemoveLiquidityParams is the external removeLiquidity surface.
type RemoveLiquidityParams struct {
	Trader    uuid.UUID
	MarketID  string
	TickLower int
	TickUpper int
	Liquidity *big.Int // zero collects fees only
	MinBase   *big.Int
	MinQuote  *big.Int
	Deadline  int64
}

// RemoveLiquidityResult reports principal returned and fee settled.
type RemoveLiquidityResult struct {
	Base  *big.Int
	Quote *big.Int
	Fee   *big.Int
}

// RemoveLiquidity shrinks or collects from a range order. Always allowed,
// paused markets included; it only ever reduces risk.
func (ch *ClearingHouse) RemoveLiquidity(p RemoveLiquidityParams) (RemoveLiquidityResult, error) {
	var res RemoveLiquidityResult
	var liquidityAfter *big.Int
	err := ch.atomically("remove_liquidity", func() error {
		if _, err := ch.registry.Get(p.MarketID); err != nil {
			return err
		}
		if _, err := ch.balances.SettleFunding(p.Trader, p.MarketID); err != nil {
			return err
		}
		removed, err := ch.book.RemoveLiquidityFromOrder(orderbook.RemoveLiquidityParams{
			Trader:    p.Trader,
			MarketID:  p.MarketID,
			TickLower: p.TickLower,
			TickUpper: p.TickUpper,
			Liquidity: p.Liquidity,
			MinBase:   p.MinBase,
			MinQuote:  p.MinQuote,
			Deadline:  p.Deadline,
		})
		if err != nil {
			return err
		}
		ch.balances.AddOwedRealizedPnl(p.Trader, removed.Fee)
		ch.settleMakerImpermanent(p.Trader, p.MarketID, removed)
		ch.balances.DeregisterIfEmpty(p.Trader, p.MarketID)
		res = RemoveLiquidityResult{Base: removed.Base, Quote: removed.Quote, Fee: removed.Fee}
		liquidityAfter = new(big.Int)
		if order, ok := ch.book.GetOpenOrder(p.Trader, p.MarketID, p.TickLower, p.TickUpper); ok {
			liquidityAfter = order.Liquidity
		}
		return nil
	})
	if err != nil {
		return RemoveLiquidityResult{}, err
	}
	ch.emit(event.TypeLiquidityRemoved, p.MarketID, p.Trader, &event.LiquidityChanged{
		TickLower:      p.TickLower,
		TickUpper:      p.TickUpper,
		Base:           res.Base,
		Quote:          res.Quote,
		Liquidity:      p.Liquidity,
		LiquidityAfter: liquidityAfter,
		QuoteFee:       res.Fee,
	})
	return res, nil
}

// settleMakerImpermanent converts a removal's principal-vs-debt difference
// into taker balance: the base surplus (or shortfall) over the released base
// debt becomes taker position, the quote difference becomes open notional.
// This is how a range that was traded through turns into a real position.
func (ch *ClearingHouse) settleMakerImpermanent(trader uuid.UUID, marketID string, removed orderbook.RemoveLiquidityResult) {
	baseDelta := num.Sub(removed.Base, removed.BaseDebtReduced)
	quoteDelta := num.Sub(removed.Quote, removed.QuoteDebtReduced)
	if baseDelta.Sign() == 0 && quoteDelta.Sign() == 0 {
		return
	}
	realized := ch.balances.ModifyTakerBalance(trader, marketID, baseDelta, quoteDelta)
	ch.balances.AddOwedRealizedPnl(trader, realized)
}

// --- positions ---

// OpenPositionParams is the external openPosition surface.
type OpenPositionParams struct {
	Trader       uuid.UUID
	MarketID     string
	IsBaseToQuote bool // true: sell base (short)
	IsExactInput  bool
	Amount        *big.Int
	// OppositeAmountBound is the slippage guard on the unspecified side:
	// minimum received for exact input, maximum paid for exact output.
	// Nil disables the check.
	OppositeAmountBound *big.Int
	SqrtPriceLimitX96   *big.Int
	Deadline            int64
}

// PositionResult reports a trade's effect on the taker position.
type PositionResult struct {
	Base             *big.Int
	Quote            *big.Int
	RealizedPnl      *big.Int
	Fee              *big.Int
	InsuranceFundFee *big.Int
}

// OpenPosition trades against the pool and applies the result to the taker
// position. Post-trade free collateral must be non-negative.
func (ch *ClearingHouse) OpenPosition(p OpenPositionParams) (PositionResult, error) {
	var res PositionResult
	err := ch.atomically("open_position", func() error {
		var err error
		res, err = ch.openPositionLocked(p, false)
		return err
	})
	if err != nil {
		return PositionResult{}, err
	}
	ch.emitPositionChanged(p.Trader, p.MarketID, res)
	return res, nil
}

// OpenPositionFor lets an approved delegate trade on the trader's behalf.
func (ch *ClearingHouse) OpenPositionFor(delegate uuid.UUID, p OpenPositionParams) (PositionResult, error) {
	if ch.approvals == nil ||
		!ch.approvals.HasApprovalFor(p.Trader, delegate, amm.ApprovalOpenPosition) {
		return PositionResult{}, cherr.ErrNotApproved
	}
	var res PositionResult
	err := ch.atomically("open_position_for", func() error {
		var err error
		res, err = ch.openPositionLocked(p, false)
		return err
	})
	if err != nil {
		return PositionResult{}, err
	}
	ch.emitPositionChanged(p.Trader, p.MarketID, res)
	return res, nil
}

func (ch *ClearingHouse) openPositionLocked(p OpenPositionParams, isClose bool) (PositionResult, error) {
	if p.Deadline > 0 && ch.clk.Now() > p.Deadline {
		return PositionResult{}, cherr.ErrDeadlineExceeded
	}
	if err := ch.balances.RegisterMarket(p.Trader, p.MarketID); err != nil {
		return PositionResult{}, err
	}
	if _, err := ch.balances.SettleFunding(p.Trader, p.MarketID); err != nil {
		return PositionResult{}, err
	}
	swapped, err := ch.exch.Swap(exchange.SwapParams{
		MarketID:          p.MarketID,
		IsBaseToQuote:     p.IsBaseToQuote,
		IsExactInput:      p.IsExactInput,
		Amount:            p.Amount,
		SqrtPriceLimitX96: p.SqrtPriceLimitX96,
		IsClose:           isClose,
	})
	if err != nil {
		return PositionResult{}, err
	}
	if err := checkOppositeBound(p, swapped); err != nil {
		return PositionResult{}, err
	}

	realized := ch.balances.ModifyTakerBalance(p.Trader, p.MarketID, swapped.Base, swapped.Quote)
	ch.balances.AddOwedRealizedPnl(p.Trader, realized)
	ch.balances.AddOwedRealizedPnl(ch.cfg.InsuranceFund, swapped.InsuranceFundFee)

	if !isClose {
		free, err := ch.vault.FreeCollateral(p.Trader)
		if err != nil {
			return PositionResult{}, err
		}
		if free.Sign() < 0 {
			return PositionResult{}, cherr.ErrNotEnoughFreeCollateral
		}
	}
	ch.balances.DeregisterIfEmpty(p.Trader, p.MarketID)
	return PositionResult{
		Base:             swapped.Base,
		Quote:            swapped.Quote,
		RealizedPnl:      realized,
		Fee:              swapped.Fee,
		InsuranceFundFee: swapped.InsuranceFundFee,
	}, nil
}

// checkOppositeBound validates the unspecified side of the trade against the
// caller's slippage bound.
func checkOppositeBound(p OpenPositionParams, swapped exchange.SwapResult) error {
	if p.OppositeAmountBound == nil {
		return nil
	}
	var opposite *big.Int
	if p.IsBaseToQuote == p.IsExactInput {
		// Specified base in or base out; the quote leg is the unspecified one.
		opposite = num.Abs(swapped.Quote)
	} else {
		opposite = num.Abs(swapped.Base)
	}
	if p.IsExactInput {
		if opposite.Cmp(p.OppositeAmountBound) < 0 {
			return cherr.ErrSlippage
		}
	} else if opposite.Cmp(p.OppositeAmountBound) > 0 {
		return cherr.ErrSlippage
	}
	return nil
}

// ClosePositionParams is the external closePosition surface.
type ClosePositionParams struct {
	Trader              uuid.UUID
	MarketID            string
	OppositeAmountBound *big.Int
	SqrtPriceLimitX96   *big.Int
	Deadline            int64
}

// ClosePosition unwinds the taker position. When the full close would trip
// the per-block tick band, the configured partial-close ratio is applied
// instead, as one atomic retry.
func (ch *ClearingHouse) ClosePosition(p ClosePositionParams) (PositionResult, error) {
	var res PositionResult
	err := ch.atomically("close_position", func() error {
		size := ch.balances.TakerPositionSize(p.Trader, p.MarketID)
		if size.Sign() == 0 {
			return cherr.ErrZeroAmount
		}

		inner := ch.checkpointAll()
		var err error
		res, err = ch.closeSize(p, size)
		if err == nil {
			return nil
		}
		if !errors.Is(err, cherr.ErrOverPriceBand) || ch.cfg.PartialCloseRatioPpm <= 0 {
			return err
		}
		// Full close infeasible within the band; retry with the partial size.
		inner.restore()
		partial := num.ExecutableCloseSize(size, false, ch.cfg.PartialCloseRatioPpm)
		if partial.Sign() == 0 {
			return err
		}
		res, err = ch.closeSize(p, partial)
		return err
	})
	if err != nil {
		return PositionResult{}, err
	}
	ch.emitPositionChanged(p.Trader, p.MarketID, res)
	return res, nil
}

// closeSize executes the reducing swap for a signed size.
func (ch *ClearingHouse) closeSize(p ClosePositionParams, size *big.Int) (PositionResult, error) {
	params := OpenPositionParams{
		Trader:              p.Trader,
		MarketID:            p.MarketID,
		OppositeAmountBound: p.OppositeAmountBound,
		SqrtPriceLimitX96:   p.SqrtPriceLimitX96,
		Deadline:            p.Deadline,
	}
	if size.Sign() > 0 {
		// Long: sell the base, exact input.
		params.IsBaseToQuote = true
		params.IsExactInput = true
		params.Amount = num.Abs(size)
	} else {
		// Short: buy the base back, exact output.
		params.IsBaseToQuote = false
		params.IsExactInput = false
		params.Amount = num.Abs(size)
	}
	return ch.openPositionLocked(params, true)
}

func (ch *ClearingHouse) emitPositionChanged(trader uuid.UUID, marketID string, res PositionResult) {
	price, _ := ch.exch.MarkPrice(marketID)
	ch.emit(event.TypePositionChanged, marketID, trader, &event.PositionChanged{
		BaseDelta:         res.Base,
		QuoteDelta:        res.Quote,
		SizeAfter:         ch.balances.TakerPositionSize(trader, marketID),
		OpenNotionalAfter: ch.balances.TakerOpenNotional(trader, marketID),
		RealizedPnl:       res.RealizedPnl,
		Fee:               res.Fee,
		InsuranceFundFee:  res.InsuranceFundFee,
		PriceAfter:        price,
	})
	if ch.metrics != nil {
		quoteAbs, _ := new(big.Float).SetInt(num.Abs(res.Quote)).Float64()
		ch.metrics.SwapVolumeQuote.WithLabelValues(marketID).Add(quoteAbs / 1e18)
	}
}

// --- liquidation ---

// LiquidateResult reports a forced unwind.
type LiquidateResult struct {
	SizeLiquidated   *big.Int // absolute base size taken over
	NotionalValue    *big.Int
	Penalty          *big.Int
	LiquidatorReward *big.Int
	InsuranceFundFee *big.Int
}

// Liquidate lets the liquidator take over part or all of an undercollateral-
// ized trader's position at mark price, for a penalty split with the
// insurance fund. Open range orders must be cancelled first.
func (ch *ClearingHouse) Liquidate(liquidator, trader uuid.UUID, marketID string) (LiquidateResult, error) {
	var res LiquidateResult
	err := ch.atomically("liquidate", func() error {
		if _, err := ch.registry.Get(marketID); err != nil {
			return err
		}
		liquidatable, err := ch.IsLiquidatable(trader)
		if err != nil {
			return err
		}
		if !liquidatable {
			return cherr.ErrNotLiquidatable
		}
		if ch.book.HasOrder(trader, marketID) {
			return cherr.ErrExcessOrdersExist
		}
		if _, err := ch.balances.SettleFunding(trader, marketID); err != nil {
			return err
		}
		size := ch.balances.TakerPositionSize(trader, marketID)
		if size.Sign() == 0 {
			return cherr.ErrNotLiquidatable
		}

		liqSize, err := ch.liquidationSize(trader, size)
		if err != nil {
			return err
		}
		mark, err := ch.exch.MarkPrice(marketID)
		if err != nil {
			return err
		}
		notional := num.WMul(liqSize, mark)

		// Transfer the slice at mark: the trader sheds it, the liquidator
		// takes it over on the same terms.
		var traderBase, traderQuote *big.Int
		if size.Sign() > 0 {
			traderBase, traderQuote = num.Neg(liqSize), num.Clone(notional)
		} else {
			traderBase, traderQuote = num.Clone(liqSize), num.Neg(notional)
		}
		if err := ch.balances.RegisterMarket(liquidator, marketID); err != nil {
			return err
		}
		if _, err := ch.balances.SettleFunding(liquidator, marketID); err != nil {
			return err
		}
		realized := ch.balances.ModifyTakerBalance(trader, marketID, traderBase, traderQuote)
		ch.balances.AddOwedRealizedPnl(trader, realized)
		liqRealized := ch.balances.ModifyTakerBalance(liquidator, marketID, num.Neg(traderBase), num.Neg(traderQuote))
		ch.balances.AddOwedRealizedPnl(liquidator, liqRealized)

		// Penalty on the liquidated notional, split with the insurance fund.
		penalty := num.PpmMul(notional, ch.cfg.LiquidationPenaltyRatioPpm, num.RoundDown)
		insuranceFee := num.PpmMul(penalty, ch.cm.Params().InsuranceFundFeeRatioOnLiquidationPpm, num.RoundDown)
		reward := num.Sub(penalty, insuranceFee)
		ch.balances.AddOwedRealizedPnl(trader, num.Neg(penalty))
		ch.balances.AddOwedRealizedPnl(liquidator, reward)
		ch.balances.AddOwedRealizedPnl(ch.cfg.InsuranceFund, insuranceFee)

		// The liquidator must be able to carry what it took over.
		free, err := ch.vault.FreeCollateral(liquidator)
		if err != nil {
			return err
		}
		if free.Sign() < 0 {
			return cherr.ErrNotEnoughFreeCollateral
		}
		ch.balances.DeregisterIfEmpty(trader, marketID)
		res = LiquidateResult{
			SizeLiquidated:   liqSize,
			NotionalValue:    notional,
			Penalty:          penalty,
			LiquidatorReward: reward,
			InsuranceFundFee: insuranceFee,
		}
		return nil
	})
	if err != nil {
		return LiquidateResult{}, err
	}
	ch.emit(event.TypePositionLiquidated, marketID, trader, &event.PositionLiquidated{
		Liquidator:       liquidator,
		SizeLiquidated:   res.SizeLiquidated,
		NotionalValue:    res.NotionalValue,
		Penalty:          res.Penalty,
		LiquidatorReward: res.LiquidatorReward,
		InsuranceFundFee: res.InsuranceFundFee,
		SizeAfter:        ch.balances.TakerPositionSize(trader, marketID),
	})
	if ch.metrics != nil {
		ch.metrics.LiquidationsTotal.WithLabelValues(marketID).Inc()
	}
	ch.log.Warn().
		Str("market", marketID).Str("trader", trader.String()).
		Str("liquidator", liquidator.String()).
		Str("size", res.SizeLiquidated.String()).
		Msg("position liquidated")
	return res, nil
}

// liquidationSize picks the absolute size to unwind: everything when the
// account is deep under water (below half maintenance), otherwise the
// configured liquidation ratio of the position.
func (ch *ClearingHouse) liquidationSize(trader uuid.UUID, size *big.Int) (*big.Int, error) {
	absSize := num.Abs(size)
	accountValue, err := ch.vault.AccountValue(trader)
	if err != nil {
		return nil, err
	}
	absPositionValue, err := ch.balances.TotalAbsPositionValue(trader)
	if err != nil {
		return nil, err
	}
	halfMaintenance := num.PpmMul(absPositionValue, ch.cfg.MmRatioPpm/2, num.RoundDown)
	if accountValue.Cmp(halfMaintenance) < 0 {
		return absSize, nil
	}
	ratio := ch.cm.Params().LiquidationRatioPpm
	if ratio <= 0 || ratio >= num.PpmDenominator {
		return absSize, nil
	}
	partial := num.PpmMul(absSize, ratio, num.RoundDown)
	if partial.Sign() == 0 {
		return absSize, nil
	}
	return partial, nil
}

// CollateralLiquidationResult reports a forced collateral sale.
type CollateralLiquidationResult struct {
	Amount           *big.Int // collateral taken over by the liquidator
	Repaid           *big.Int // settlement credited against the trader's debt
	InsuranceFundFee *big.Int
}

// LiquidateCollateral lets the liquidator buy non-settlement collateral off
// an account whose settlement-token debt trips the collateral manager's
// gating rules. The collateral transfers at the discounted price, the
// settlement proceeds repay the debt, and the penalty portion goes to the
// insurance fund.
func (ch *ClearingHouse) LiquidateCollateral(liquidator, trader uuid.UUID, token string, amount *big.Int) (CollateralLiquidationResult, error) {
	var res CollateralLiquidationResult
	err := ch.atomically("liquidate_collateral", func() error {
		if amount == nil || amount.Sign() <= 0 {
			return cherr.ErrInvalidAmount
		}
		if _, err := ch.cm.Token(token); err != nil {
			return err
		}
		// Fold realized amounts first so the settlement balance is the true debt.
		ch.vault.SettleToBalance(trader, ch.balances.SettleOwedRealizedPnl(trader))
		debt := num.Neg(ch.vault.SettlementBalance(trader))
		nonSettlementValue, err := ch.vault.NonSettlementValue(trader)
		if err != nil {
			return err
		}
		if !ch.cm.RequiresCollateralLiquidation(trader, debt, nonSettlementValue) {
			return cherr.ErrNotLiquidatable
		}

		repaid, penalty, err := ch.cm.LiquidationProceeds(token, amount)
		if err != nil {
			return err
		}
		// Proceeds may not exceed the debt; the liquidator sizes the call.
		if repaid.Cmp(debt) > 0 {
			return cherr.ErrInvalidAmount
		}
		if err := ch.vault.SeizeCollateral(trader, token, amount); err != nil {
			return err
		}
		if err := ch.vault.Deposit(liquidator, token, amount); err != nil {
			return err
		}
		ch.vault.SettleToBalance(liquidator, num.Neg(new(big.Int).Add(repaid, penalty)))
		ch.vault.SettleToBalance(trader, repaid)
		ch.balances.AddOwedRealizedPnl(ch.cfg.InsuranceFund, penalty)

		// The liquidator pays in settlement and must stay solvent.
		free, err := ch.vault.FreeCollateral(liquidator)
		if err != nil {
			return err
		}
		if free.Sign() < 0 {
			return cherr.ErrNotEnoughFreeCollateral
		}
		res = CollateralLiquidationResult{
			Amount:           num.Clone(amount),
			Repaid:           repaid,
			InsuranceFundFee: penalty,
		}
		return nil
	})
	if err != nil {
		return CollateralLiquidationResult{}, err
	}
	ch.emit(event.TypeCollateralLiquidated, "", trader, &event.CollateralLiquidated{
		Liquidator:       liquidator,
		Token:            token,
		Amount:           res.Amount,
		Repaid:           res.Repaid,
		InsuranceFundFee: res.InsuranceFundFee,
	})
	ch.log.Warn().
		Str("trader", trader.String()).Str("liquidator", liquidator.String()).
		Str("token", token).Str("amount", res.Amount.String()).
		Msg("collateral liquidated")
	return res, nil
}

// --- order maintenance ---

// CancelAllExcessOrders releases all of a trader's range orders in a market.
// Callable by anyone when the market is paused or the trader's free
// collateral has gone negative; the owner may always cancel.
func (ch *ClearingHouse) CancelAllExcessOrders(caller, trader uuid.UUID, marketID string) error {
	var cancelled event.OrdersCancelled
	err := ch.atomically("cancel_all_excess_orders", func() error {
		cfg, err := ch.registry.Get(marketID)
		if err != nil {
			return err
		}
		ids := ch.book.GetOpenOrderIDs(trader, marketID)
		if len(ids) == 0 {
			return cherr.ErrNothingToCancel
		}
		if caller != trader && cfg.Status() == market.StatusActive {
			free, err := ch.vault.FreeCollateral(trader)
			if err != nil {
				return err
			}
			if free.Sign() >= 0 {
				return cherr.ErrNothingToCancel
			}
		}
		if _, err := ch.balances.SettleFunding(trader, marketID); err != nil {
			return err
		}
		base, quote := new(big.Int), new(big.Int)
		for _, id := range ids {
			order, _ := ch.book.GetOpenOrder(trader, marketID, id.TickLower, id.TickUpper)
			removed, err := ch.book.RemoveLiquidityFromOrder(orderbook.RemoveLiquidityParams{
				Trader:    trader,
				MarketID:  marketID,
				TickLower: id.TickLower,
				TickUpper: id.TickUpper,
				Liquidity: order.Liquidity,
			})
			if err != nil {
				return err
			}
			ch.balances.AddOwedRealizedPnl(trader, removed.Fee)
			ch.settleMakerImpermanent(trader, marketID, removed)
			base.Add(base, removed.Base)
			quote.Add(quote, removed.Quote)
		}
		ch.balances.DeregisterIfEmpty(trader, marketID)
		cancelled = event.OrdersCancelled{Count: len(ids), BaseReleased: base, QuoteReleased: quote}
		return nil
	})
	if err != nil {
		return err
	}
	ch.emit(event.TypeOrdersCancelled, marketID, trader, &cancelled)
	return nil
}

// --- funding & collateral ---

// SettleFunding realizes the trader's pending funding in one market.
func (ch *ClearingHouse) SettleFunding(trader uuid.UUID, marketID string) (*big.Int, error) {
	var payment *big.Int
	err := ch.atomically("settle_funding", func() error {
		if _, err := ch.registry.Get(marketID); err != nil {
			return err
		}
		var err error
		payment, err = ch.balances.SettleFunding(trader, marketID)
		return err
	})
	if err != nil {
		return nil, err
	}
	growth, _ := ch.exch.FundingGrowth(marketID)
	ch.emit(event.TypeFundingSettled, marketID, trader, &event.FundingSettled{
		Payment:     payment,
		GrowthAfter: growth,
	})
	if ch.metrics != nil {
		ch.metrics.FundingSettlements.WithLabelValues(marketID).Inc()
	}
	return payment, nil
}

// Deposit credits collateral to the trader's vault balance.
func (ch *ClearingHouse) Deposit(trader uuid.UUID, token string, amount *big.Int) error {
	err := ch.atomically("deposit", func() error {
		return ch.vault.Deposit(trader, token, amount)
	})
	if err != nil {
		return err
	}
	ch.emit(event.TypeDeposited, "", trader, &event.BalanceChanged{
		Token:        token,
		Amount:       amount,
		BalanceAfter: ch.vault.Balance(trader, token),
	})
	return nil
}

// Withdraw debits collateral. Realized-but-unsettled PnL is folded into the
// settlement balance first so it is withdrawable.
func (ch *ClearingHouse) Withdraw(trader uuid.UUID, token string, amount *big.Int) error {
	err := ch.atomically("withdraw", func() error {
		ch.vault.SettleToBalance(trader, ch.balances.SettleOwedRealizedPnl(trader))
		return ch.vault.Withdraw(trader, token, amount)
	})
	if err != nil {
		return err
	}
	ch.emit(event.TypeWithdrawn, "", trader, &event.BalanceChanged{
		Token:        token,
		Amount:       amount,
		BalanceAfter: ch.vault.Balance(trader, token),
	})
	return nil
}

// --- risk queries ---

// MarginRatio is accountValue / totalAbsPositionValue as a ppm value.
// A flat account reports the maximum.
func (ch *ClearingHouse) MarginRatio(trader uuid.UUID) (int64, error) {
	accountValue, err := ch.vault.AccountValue(trader)
	if err != nil {
		return 0, err
	}
	absPositionValue, err := ch.balances.TotalAbsPositionValue(trader)
	if err != nil {
		return 0, err
	}
	if absPositionValue.Sign() == 0 {
		return num.PpmDenominator, nil
	}
	ratio := num.MulDiv(accountValue, big.NewInt(num.PpmDenominator), absPositionValue, num.RoundDown)
	if !ratio.IsInt64() {
		return num.PpmDenominator, nil
	}
	return ratio.Int64(), nil
}

// IsLiquidatable reports whether the margin ratio is below maintenance plus
// the collateral manager's buffer.
func (ch *ClearingHouse) IsLiquidatable(trader uuid.UUID) (bool, error) {
	ratio, err := ch.MarginRatio(trader)
	if err != nil {
		return false, err
	}
	absPositionValue, err := ch.balances.TotalAbsPositionValue(trader)
	if err != nil {
		return false, err
	}
	if absPositionValue.Sign() == 0 {
		return false, nil
	}
	return ratio < ch.cfg.MmRatioPpm+ch.cm.Params().MMRatioBufferPpm, nil
}

// FreeCollateral passes through the vault query.
func (ch *ClearingHouse) FreeCollateral(trader uuid.UUID) (*big.Int, error) {
	return ch.vault.FreeCollateral(trader)
}

// AccountValue passes through the vault query.
func (ch *ClearingHouse) AccountValue(trader uuid.UUID) (*big.Int, error) {
	return ch.vault.AccountValue(trader)
}

// InsuranceFundBalance is the insurance fund's accrued value.
func (ch *ClearingHouse) InsuranceFundBalance() *big.Int {
	balance := ch.vault.SettlementBalance(ch.cfg.InsuranceFund)
	return balance.Add(balance, ch.balances.OwedRealizedPnl(ch.cfg.InsuranceFund))
}
