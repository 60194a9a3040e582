// Package amm declares the surfaces the clearing engine consumes from its
// environment: the concentrated-liquidity pool, the index price feed, and the
// delegated-approval registry. The engine treats all three as external
// collaborators; SimPool is a faithful in-process pool used by tests and the
// local daemon.
package amm

import (
	"math/big"

	"github.com/google/uuid"
)

// Slot0 is the pool's current price state.
type Slot0 struct {
	SqrtPriceX96 *big.Int
	Tick         int
}

// MintResult reports what a mint actually consumed.
type MintResult struct {
	Amount0   *big.Int // base consumed
	Amount1   *big.Int // quote consumed
	Liquidity *big.Int
}

// BurnResult reports what a burn released into tokens owed.
type BurnResult struct {
	Amount0 *big.Int
	Amount1 *big.Int
}

// SwapStep is the per-step telemetry a swap emits: the liquidity that was in
// range for the step, the fee charged on it, and the tick crossed leaving the
// step, if any. This is the Go rendering of the reference swap callback; the
// exchange folds it into its own fee-growth bookkeeping.
type SwapStep struct {
	Liquidity   *big.Int
	AmountIn    *big.Int
	AmountOut   *big.Int
	FeeAmount   *big.Int
	TickCrossed *int
}

// SwapResult is the pool-side outcome of a swap. Amount0/Amount1 are signed:
// positive flows into the pool, negative flows out to the trader.
type SwapResult struct {
	Amount0           *big.Int
	Amount1           *big.Int
	SqrtPriceX96After *big.Int
	TickAfter         int
	TotalFee          *big.Int // fee charged, in the input token
	ProtocolFee       *big.Int // portion withheld from makers (insurance share)
	Steps             []SwapStep
}

// SwapParams describes one directional swap. AmountSpecified is positive for
// exact input, negative for exact output. FeePpm and ProtocolFeePpm are set
// per call by the exchange; the pool itself holds no fee configuration so the
// fee ratio read at operation start cannot drift mid-call.
type SwapParams struct {
	ZeroForOne        bool // base -> quote
	AmountSpecified   *big.Int
	SqrtPriceLimitX96 *big.Int // zero means no limit
	FeePpm            int64
	ProtocolFeePpm    int64
}

// Pool is the concentrated-liquidity AMM adapter.
type Pool interface {
	// Mint adds liquidity backed by the desired amounts and returns what was
	// actually consumed.
	Mint(tickLower, tickUpper int, amount0Desired, amount1Desired *big.Int) (MintResult, error)
	// Burn removes liquidity, crediting principal plus accrued fees to the
	// range's tokens owed. Burn(l, u, 0) only poke-updates fee snapshots.
	Burn(tickLower, tickUpper int, liquidity *big.Int) (BurnResult, error)
	// Collect withdraws tokens owed for a range.
	Collect(tickLower, tickUpper int) (amount0, amount1 *big.Int, err error)
	// Swap executes a directional swap.
	Swap(params SwapParams) (SwapResult, error)
	// Slot0 returns the current price state.
	Slot0() Slot0
	// Observe returns tick cumulatives at the given seconds-ago offsets.
	Observe(secondsAgos []int64) ([]*big.Int, error)
	// FeeGrowthInside returns the pool-native fee growth inside a range
	// (X128, base then quote).
	FeeGrowthInside(tickLower, tickUpper int) (inside0, inside1 *big.Int)
	// TickSpacing returns the pool's tick alignment.
	TickSpacing() int
}

// PriceFeed supplies the index price. Staleness is an error, never a wait.
type PriceFeed interface {
	// GetPrice returns the latest price and its decimals.
	GetPrice() (price *big.Int, decimals int, err error)
}

// Approval capability bits for delegated trading.
const (
	ApprovalOpenPosition uint8 = 1 << iota
	ApprovalAddLiquidity
	ApprovalRemoveLiquidity
)

// ApprovalRegistry answers whether a delegate may act for a trader.
type ApprovalRegistry interface {
	HasApprovalFor(trader, delegate uuid.UUID, action uint8) bool
}
