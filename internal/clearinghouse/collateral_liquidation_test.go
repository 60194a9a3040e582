package clearinghouse_test

import (
	"errors"
	"math/big"
	"testing"

	"PerpClear/internal/amm"
	"PerpClear/internal/cherr"
	"PerpClear/internal/collateral"
	"PerpClear/internal/event"
	"PerpClear/internal/num"

	"github.com/google/uuid"
)

// addWETH registers WETH as non-settlement collateral at a fixed price of 2,
// with a 10% liquidation discount.
func addWETH(t *testing.T, f *fixture) {
	t.Helper()
	feed := amm.NewSettableFeed(f.clk, 0)
	feed.SetPrice(w(2))
	if err := f.cm.AddToken(collateral.TokenConfig{
		Token:              "WETH",
		Feed:               feed,
		CollateralRatioPpm: 700_000,
		DiscountRatioPpm:   100_000,
	}); err != nil {
		t.Fatal(err)
	}
}

func TestLiquidateCollateral_RepaysDebtAtDiscount(t *testing.T) {
	f := newFixture(t, 1000)
	addWETH(t, f)
	victim, liquidator := uuid.New(), uuid.New()

	if err := f.ch.Deposit(victim, "WETH", w(10)); err != nil {
		t.Fatal(err)
	}
	f.deposit(t, liquidator, 1000)
	// The victim owes settlement it cannot cover from the settlement balance.
	f.balances.AddOwedRealizedPnl(victim, neg(w(15)))

	res, err := f.ch.LiquidateCollateral(liquidator, victim, "WETH", w(5))
	if err != nil {
		t.Fatal(err)
	}

	// 5 WETH at price 2, discounted 10%: 9 settlement gross, of which the
	// insurance fund keeps its liquidation share.
	discounted := num.PpmMul(num.WMul(w(5), w(2)), num.PpmDenominator-100_000, num.RoundDown)
	wantPenalty := num.PpmMul(discounted, 30_000, num.RoundDown)
	wantRepaid := new(big.Int).Sub(discounted, wantPenalty)
	if res.Amount.Cmp(w(5)) != 0 {
		t.Errorf("amount: got %s, want %s", res.Amount, w(5))
	}
	if res.Repaid.Cmp(wantRepaid) != 0 {
		t.Errorf("repaid: got %s, want %s", res.Repaid, wantRepaid)
	}
	if res.InsuranceFundFee.Cmp(wantPenalty) != 0 {
		t.Errorf("insurance share: got %s, want %s", res.InsuranceFundFee, wantPenalty)
	}

	// Collateral moved, the debt shrank, the liquidator paid the discounted
	// price in settlement.
	if got := f.vault.Balance(victim, "WETH"); got.Cmp(w(5)) != 0 {
		t.Errorf("victim WETH: got %s, want %s", got, w(5))
	}
	if got := f.vault.Balance(liquidator, "WETH"); got.Cmp(w(5)) != 0 {
		t.Errorf("liquidator WETH: got %s, want %s", got, w(5))
	}
	wantDebt := new(big.Int).Sub(wantRepaid, w(15))
	if got := f.vault.SettlementBalance(victim); got.Cmp(wantDebt) != 0 {
		t.Errorf("victim settlement: got %s, want %s", got, wantDebt)
	}
	if got := f.balances.OwedRealizedPnl(victim); got.Sign() != 0 {
		t.Errorf("victim owed after fold: got %s, want 0", got)
	}
	wantLiquidator := new(big.Int).Sub(w(1000), discounted)
	if got := f.vault.SettlementBalance(liquidator); got.Cmp(wantLiquidator) != 0 {
		t.Errorf("liquidator settlement: got %s, want %s", got, wantLiquidator)
	}
	if got := f.balances.OwedRealizedPnl(f.insurance); got.Cmp(wantPenalty) != 0 {
		t.Errorf("insurance fund accrual: got %s, want %s", got, wantPenalty)
	}

	last := f.sink.Events[len(f.sink.Events)-1]
	if last.Type != event.TypeCollateralLiquidated {
		t.Fatalf("last event: got %s, want %s", last.Type, event.TypeCollateralLiquidated)
	}
	payload, ok := last.Payload.(*event.CollateralLiquidated)
	if !ok {
		t.Fatalf("payload type: got %T", last.Payload)
	}
	if payload.Liquidator != liquidator || payload.Token != "WETH" {
		t.Errorf("payload: got %s/%s", payload.Liquidator, payload.Token)
	}
	if payload.Repaid.Cmp(wantRepaid) != 0 {
		t.Errorf("payload repaid: got %s, want %s", payload.Repaid, wantRepaid)
	}
}

func TestLiquidateCollateral_Gating(t *testing.T) {
	f := newFixture(t, 1000)
	addWETH(t, f)
	liquidator := uuid.New()
	f.deposit(t, liquidator, 1000)

	// No debt, nothing to force.
	healthy := uuid.New()
	if err := f.ch.Deposit(healthy, "WETH", w(10)); err != nil {
		t.Fatal(err)
	}
	if _, err := f.ch.LiquidateCollateral(liquidator, healthy, "WETH", w(1)); !errors.Is(err, cherr.ErrNotLiquidatable) {
		t.Errorf("no debt: got %v, want %v", err, cherr.ErrNotLiquidatable)
	}

	// Collateral worth less than the dust bound is written off, not forced.
	dusty := uuid.New()
	quarter := new(big.Int).Div(num.Wad, big.NewInt(4))
	if err := f.ch.Deposit(dusty, "WETH", quarter); err != nil {
		t.Fatal(err)
	}
	f.balances.AddOwedRealizedPnl(dusty, neg(w(15)))
	if _, err := f.ch.LiquidateCollateral(liquidator, dusty, "WETH", quarter); !errors.Is(err, cherr.ErrNotLiquidatable) {
		t.Errorf("dust collateral: got %v, want %v", err, cherr.ErrNotLiquidatable)
	}

	victim := uuid.New()
	if err := f.ch.Deposit(victim, "WETH", w(2)); err != nil {
		t.Fatal(err)
	}
	f.balances.AddOwedRealizedPnl(victim, neg(w(15)))

	// Only registered non-settlement tokens qualify.
	if _, err := f.ch.LiquidateCollateral(liquidator, victim, "USDC", w(1)); !errors.Is(err, cherr.ErrUnknownToken) {
		t.Errorf("settlement token: got %v, want %v", err, cherr.ErrUnknownToken)
	}
	if _, err := f.ch.LiquidateCollateral(liquidator, victim, "DOGE", w(1)); !errors.Is(err, cherr.ErrUnknownToken) {
		t.Errorf("unknown token: got %v, want %v", err, cherr.ErrUnknownToken)
	}
	if _, err := f.ch.LiquidateCollateral(liquidator, victim, "WETH", new(big.Int)); !errors.Is(err, cherr.ErrInvalidAmount) {
		t.Errorf("zero amount: got %v, want %v", err, cherr.ErrInvalidAmount)
	}
	// More than the victim holds.
	if _, err := f.ch.LiquidateCollateral(liquidator, victim, "WETH", w(5)); !errors.Is(err, cherr.ErrInvalidAmount) {
		t.Errorf("amount over balance: got %v, want %v", err, cherr.ErrInvalidAmount)
	}

	// The rejected calls rolled back: the owed fold did not stick and the
	// collateral never moved.
	if got := f.balances.OwedRealizedPnl(victim); got.Cmp(neg(w(15))) != 0 {
		t.Errorf("victim owed after rollback: got %s, want %s", got, neg(w(15)))
	}
	if got := f.vault.SettlementBalance(victim); got.Sign() != 0 {
		t.Errorf("victim settlement after rollback: got %s, want 0", got)
	}
	if got := f.vault.Balance(victim, "WETH"); got.Cmp(w(2)) != 0 {
		t.Errorf("victim WETH after rollback: got %s, want %s", got, w(2))
	}
}

func TestLiquidateCollateral_ProceedsCappedByDebt(t *testing.T) {
	f := newFixture(t, 1000)
	addWETH(t, f)
	victim, liquidator := uuid.New(), uuid.New()
	f.deposit(t, liquidator, 1000)
	if err := f.ch.Deposit(victim, "WETH", w(10)); err != nil {
		t.Fatal(err)
	}
	f.balances.AddOwedRealizedPnl(victim, neg(w(1)))

	// 5 WETH would repay 8.73 against a debt of 1: the call is oversized.
	if _, err := f.ch.LiquidateCollateral(liquidator, victim, "WETH", w(5)); !errors.Is(err, cherr.ErrInvalidAmount) {
		t.Errorf("oversized call: got %v, want %v", err, cherr.ErrInvalidAmount)
	}
}
