package event

import (
	"math/big"

	"github.com/google/uuid"
)

// Amounts are 18-decimal integers, serialized as JSON numbers.

// LiquidityChanged is the payload of LiquidityAdded and LiquidityRemoved.
type LiquidityChanged struct {
	TickLower      int      `json:"tick_lower"`
	TickUpper      int      `json:"tick_upper"`
	Base           *big.Int `json:"base"`
	Quote          *big.Int `json:"quote"`
	Liquidity      *big.Int `json:"liquidity"`       // minted or burned
	LiquidityAfter *big.Int `json:"liquidity_after"` // order liquidity after
	QuoteFee       *big.Int `json:"quote_fee"`
}

// PositionChanged is the payload of open and close trades.
type PositionChanged struct {
	BaseDelta        *big.Int `json:"base_delta"`
	QuoteDelta       *big.Int `json:"quote_delta"`
	SizeAfter        *big.Int `json:"size_after"`
	OpenNotionalAfter *big.Int `json:"open_notional_after"`
	RealizedPnl      *big.Int `json:"realized_pnl"`
	Fee              *big.Int `json:"fee"`
	InsuranceFundFee *big.Int `json:"insurance_fund_fee"`
	PriceAfter       *big.Int `json:"price_after"`
}

// PositionLiquidated reports a forced unwind.
type PositionLiquidated struct {
	Liquidator       uuid.UUID `json:"liquidator"`
	SizeLiquidated   *big.Int  `json:"size_liquidated"`
	NotionalValue    *big.Int  `json:"notional_value"`
	Penalty          *big.Int  `json:"penalty"`
	LiquidatorReward *big.Int  `json:"liquidator_reward"`
	InsuranceFundFee *big.Int  `json:"insurance_fund_fee"`
	SizeAfter        *big.Int  `json:"size_after"`
}

// CollateralLiquidated reports a forced sale of non-settlement collateral
// against settlement-token debt.
type CollateralLiquidated struct {
	Liquidator       uuid.UUID `json:"liquidator"`
	Token            string    `json:"token"`
	Amount           *big.Int  `json:"amount"`
	Repaid           *big.Int  `json:"repaid"`
	InsuranceFundFee *big.Int  `json:"insurance_fund_fee"`
}

// OrdersCancelled reports a cancelAllExcessOrders sweep.
type OrdersCancelled struct {
	Count         int      `json:"count"`
	BaseReleased  *big.Int `json:"base_released"`
	QuoteReleased *big.Int `json:"quote_released"`
}

// FundingSettled reports one trader's funding realization in one market.
type FundingSettled struct {
	Payment     *big.Int `json:"payment"` // positive: trader paid
	GrowthAfter *big.Int `json:"growth_after"`
}

// BalanceChanged is the payload of Deposited and Withdrawn.
type BalanceChanged struct {
	Token        string   `json:"token"`
	Amount       *big.Int `json:"amount"`
	BalanceAfter *big.Int `json:"balance_after"`
}

// ParamUpdated is the payload of the admin setter events.
type ParamUpdated struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}
