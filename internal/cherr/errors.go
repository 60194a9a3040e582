// Package cherr defines the stable error codes every engine operation can
// return. Callers match with errors.Is; wrapped context never changes the
// code. No operation is ever partially applied when one of these is returned.
package cherr

import "errors"

// Input validation: rejected before any state is touched.
var (
	ErrZeroAmount       = errors.New("PC_ZA: both amounts are zero")
	ErrInvalidTickRange = errors.New("PC_TR: invalid or misaligned tick range")
	ErrUnknownMarket    = errors.New("PC_UM: unknown market")
	ErrInvalidAmount    = errors.New("PC_IA: invalid amount")
	ErrUnknownToken     = errors.New("PC_UT: unknown collateral token")
)

// Slippage and deadline: rejected after computing the would-be result.
var (
	ErrSlippage        = errors.New("PC_SL: received amount below minimum")
	ErrDeadlineExceeded = errors.New("PC_DL: deadline exceeded")
)

// Margin violations.
var (
	ErrNotEnoughFreeCollateral = errors.New("PC_FC: free collateral below zero")
)

// Market-state violations.
var (
	ErrMarketPaused       = errors.New("PC_MP: market paused")
	ErrOverPriceBand      = errors.New("PC_PB: tick crossings exceed per-block limit")
	ErrPoolNotInitialized = errors.New("PC_PI: pool price not initialized")
	ErrStalePrice         = errors.New("PC_SP: price feed stale")
	ErrOrderNotFound      = errors.New("PC_ON: range order does not exist")
	ErrNotEnoughLiquidity = errors.New("PC_NL: removing more liquidity than recorded")
	ErrRangeNotInitialized = errors.New("PC_RI: range not initialized on the pool")
)

// Capacity violations.
var (
	ErrTooManyOrders      = errors.New("PC_TO: too many open orders in market")
	ErrTooManyMarkets     = errors.New("PC_TM: too many active markets for trader")
	ErrCollateralCap      = errors.New("PC_CC: collateral deposit cap exceeded")
	ErrTooManyCollaterals = errors.New("PC_TC: too many collateral tokens for account")
)

// Liquidation-path violations.
var (
	ErrNotLiquidatable   = errors.New("PC_NQ: account is not liquidatable")
	ErrExcessOrdersExist = errors.New("PC_EO: excess open orders must be cancelled first")
	ErrNothingToCancel   = errors.New("PC_NC: no excess orders to cancel")
)

// Authorization.
var (
	ErrNotApproved = errors.New("PC_NA: delegate not approved for action")
)

// Code extracts the stable code prefix ("PC_xx") from an error in this
// package, unwrapping as needed. Unknown errors report "internal".
func Code(err error) string {
	for _, sentinel := range sentinels {
		if errors.Is(err, sentinel) {
			return sentinel.Error()[:5]
		}
	}
	return "internal"
}

var sentinels = []error{
	ErrZeroAmount, ErrInvalidTickRange, ErrUnknownMarket, ErrInvalidAmount,
	ErrUnknownToken, ErrSlippage, ErrDeadlineExceeded,
	ErrNotEnoughFreeCollateral, ErrMarketPaused,
	ErrOverPriceBand, ErrPoolNotInitialized, ErrStalePrice, ErrOrderNotFound,
	ErrNotEnoughLiquidity, ErrRangeNotInitialized, ErrTooManyOrders,
	ErrTooManyMarkets, ErrCollateralCap, ErrTooManyCollaterals,
	ErrNotLiquidatable, ErrExcessOrdersExist, ErrNothingToCancel,
	ErrNotApproved,
}
