package clearinghouse

import (
	"fmt"
	"math/big"

	"PerpClear/internal/event"

	"github.com/google/uuid"
)

// Privileged parameter setters. Each delegates to the owning component's
// gated setter and emits a MarketParamUpdated or CollateralParamUpdated
// event on success. Authorization is the caller's concern (the API layer);
// the engine records what changed.

func (ch *ClearingHouse) SetFeeRatio(marketID string, ppm int64) error {
	if err := ch.registry.SetFeeRatio(marketID, ppm); err != nil {
		return err
	}
	ch.emitMarketParam(marketID, "fee_ratio_ppm", fmt.Sprintf("%d", ppm))
	return nil
}

func (ch *ClearingHouse) SetInsuranceFundFeeRatio(marketID string, ppm int64) error {
	if err := ch.registry.SetInsuranceFundFeeRatio(marketID, ppm); err != nil {
		return err
	}
	ch.emitMarketParam(marketID, "insurance_fund_fee_ratio_ppm", fmt.Sprintf("%d", ppm))
	return nil
}

// SetMaxTickCrossedWithinBlock doubles as the circuit breaker: zero pauses
// position opening while liquidity operations and closes stay allowed.
func (ch *ClearingHouse) SetMaxTickCrossedWithinBlock(marketID string, maxTicks int) error {
	if err := ch.registry.SetMaxTickCrossedWithinBlock(marketID, maxTicks); err != nil {
		return err
	}
	ch.emitMarketParam(marketID, "max_tick_crossed_within_block", fmt.Sprintf("%d", maxTicks))
	return nil
}

func (ch *ClearingHouse) SetMarketPaused(marketID string, paused bool) error {
	if err := ch.registry.SetPaused(marketID, paused); err != nil {
		return err
	}
	ch.emitMarketParam(marketID, "paused", fmt.Sprintf("%t", paused))
	return nil
}

func (ch *ClearingHouse) SetCollateralRatio(token string, ppm int64) error {
	if err := ch.cm.SetCollateralRatio(token, ppm); err != nil {
		return err
	}
	ch.emitCollateralParam("collateral_ratio_ppm:"+token, fmt.Sprintf("%d", ppm))
	return nil
}

func (ch *ClearingHouse) SetDiscountRatio(token string, ppm int64) error {
	if err := ch.cm.SetDiscountRatio(token, ppm); err != nil {
		return err
	}
	ch.emitCollateralParam("discount_ratio_ppm:"+token, fmt.Sprintf("%d", ppm))
	return nil
}

func (ch *ClearingHouse) SetDepositCap(token string, cap *big.Int) error {
	if err := ch.cm.SetDepositCap(token, cap); err != nil {
		return err
	}
	ch.emitCollateralParam("deposit_cap:"+token, wadOrUnset(cap))
	return nil
}

func (ch *ClearingHouse) SetDebtThreshold(v *big.Int) {
	ch.cm.SetDebtThreshold(v)
	ch.emitCollateralParam("debt_threshold", wadOrUnset(v))
}

func (ch *ClearingHouse) SetWhitelistedDebtThreshold(trader uuid.UUID, v *big.Int) {
	ch.cm.SetWhitelistedDebtThreshold(trader, v)
	ch.emitCollateralParam("whitelisted_debt_threshold:"+trader.String(), wadOrUnset(v))
}

func (ch *ClearingHouse) SetCollateralValueDust(v *big.Int) {
	ch.cm.SetCollateralValueDust(v)
	ch.emitCollateralParam("collateral_value_dust", wadOrUnset(v))
}

func (ch *ClearingHouse) SetLiquidationRatio(ppm int64) {
	ch.cm.SetLiquidationRatio(ppm)
	ch.emitCollateralParam("liquidation_ratio_ppm", fmt.Sprintf("%d", ppm))
}

func (ch *ClearingHouse) SetMMRatioBuffer(ppm int64) {
	ch.cm.SetMMRatioBuffer(ppm)
	ch.emitCollateralParam("mm_ratio_buffer_ppm", fmt.Sprintf("%d", ppm))
}

func (ch *ClearingHouse) SetMaxCollateralTokensPerAccount(n int) {
	ch.cm.SetMaxCollateralTokensPerAccount(n)
	ch.emitCollateralParam("max_collateral_tokens_per_account", fmt.Sprintf("%d", n))
}

func (ch *ClearingHouse) SetDebtNonSettlementTokenValueRatio(ppm int64) {
	ch.cm.SetDebtNonSettlementTokenValueRatio(ppm)
	ch.emitCollateralParam("debt_non_settlement_token_value_ratio_ppm", fmt.Sprintf("%d", ppm))
}

func (ch *ClearingHouse) SetInsuranceFundFeeRatioOnLiquidation(ppm int64) {
	ch.cm.SetInsuranceFundFeeRatioOnLiquidation(ppm)
	ch.emitCollateralParam("insurance_fund_fee_ratio_on_liquidation_ppm", fmt.Sprintf("%d", ppm))
}

// wadOrUnset renders a nullable amount for the param-update audit trail.
func wadOrUnset(v *big.Int) string {
	if v == nil {
		return "unset"
	}
	return v.String()
}

func (ch *ClearingHouse) emitMarketParam(marketID, name, value string) {
	ch.emit(event.TypeMarketParamUpdated, marketID, uuid.Nil, &event.ParamUpdated{Name: name, Value: value})
}

func (ch *ClearingHouse) emitCollateralParam(name, value string) {
	ch.emit(event.TypeCollateralParamUpdated, "", uuid.Nil, &event.ParamUpdated{Name: name, Value: value})
}
