// Package vault keeps per-trader, per-token collateral balances and answers
// the two risk queries everything else gates on: account value and free
// collateral. The settlement-token balance may go negative (debt);
// non-settlement balances never do.
package vault

import (
	"math/big"
	"sort"

	"PerpClear/internal/cherr"
	"PerpClear/internal/collateral"
	"PerpClear/internal/num"

	"github.com/google/uuid"
)

// AccountReader is the slice of AccountBalance the vault needs. Values are
// always recomputed from live pool state by the implementation, never cached.
type AccountReader interface {
	TotalUnrealizedPnl(trader uuid.UUID) (*big.Int, error)
	TotalAbsPositionValue(trader uuid.UUID) (*big.Int, error)
	MarginRequirementBase(trader uuid.UUID) (*big.Int, error)
	OwedRealizedPnl(trader uuid.UUID) *big.Int
	PendingFundingPayment(trader uuid.UUID) (*big.Int, error)
}

type balanceKey struct {
	trader uuid.UUID
	token  string
}

// Vault tracks collateral balances. Zero is a valid persistent state; entries
// are never deleted.
type Vault struct {
	cm         *collateral.Manager
	accounts   AccountReader
	imRatioPpm int64

	balances    map[balanceKey]*big.Int
	tokensByAcc map[uuid.UUID][]string // ordered set of non-settlement tokens held
	totals      map[string]*big.Int    // per-token totals for deposit caps
}

func New(cm *collateral.Manager, imRatioPpm int64) *Vault {
	return &Vault{
		cm:          cm,
		imRatioPpm:  imRatioPpm,
		balances:    make(map[balanceKey]*big.Int),
		tokensByAcc: make(map[uuid.UUID][]string),
		totals:      make(map[string]*big.Int),
	}
}

// Bind wires the account reader after construction (the account package in
// turn reads the vault, so one side binds late).
func (v *Vault) Bind(accounts AccountReader) { v.accounts = accounts }

// Balance returns the trader's balance in a token (settlement may be negative).
func (v *Vault) Balance(trader uuid.UUID, token string) *big.Int {
	if b, ok := v.balances[balanceKey{trader, token}]; ok {
		return num.Clone(b)
	}
	return new(big.Int)
}

// SettlementBalance is shorthand for the settlement-token balance.
func (v *Vault) SettlementBalance(trader uuid.UUID) *big.Int {
	return v.Balance(trader, v.cm.SettlementToken())
}

// Tokens returns the non-settlement tokens the trader holds, in deposit order.
func (v *Vault) Tokens(trader uuid.UUID) []string {
	return append([]string(nil), v.tokensByAcc[trader]...)
}

// Deposit credits collateral. Non-settlement deposits honor the per-token cap
// and the per-account token count limit.
func (v *Vault) Deposit(trader uuid.UUID, token string, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return cherr.ErrInvalidAmount
	}
	if !v.cm.IsCollateral(token) {
		return cherr.ErrUnknownToken
	}
	if token != v.cm.SettlementToken() {
		totalAfter := new(big.Int).Add(v.tokenTotal(token), amount)
		if err := v.cm.CheckDepositCap(token, totalAfter); err != nil {
			return err
		}
		if !v.holdsToken(trader, token) {
			maxTokens := v.cm.Params().MaxCollateralTokensPerAccount
			if maxTokens > 0 && len(v.tokensByAcc[trader]) >= maxTokens {
				return cherr.ErrTooManyCollaterals
			}
			v.tokensByAcc[trader] = append(v.tokensByAcc[trader], token)
		}
		v.totals[token] = new(big.Int).Add(v.tokenTotal(token), amount)
	}
	v.add(trader, token, amount)
	return nil
}

// Withdraw debits collateral; it fails when the withdrawal would drive free
// collateral negative or a non-settlement balance below zero.
func (v *Vault) Withdraw(trader uuid.UUID, token string, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return cherr.ErrInvalidAmount
	}
	if !v.cm.IsCollateral(token) {
		return cherr.ErrUnknownToken
	}
	balance := v.Balance(trader, token)
	if token != v.cm.SettlementToken() && balance.Cmp(amount) < 0 {
		return cherr.ErrNotEnoughFreeCollateral
	}
	v.add(trader, token, new(big.Int).Neg(amount))
	if token != v.cm.SettlementToken() {
		v.totals[token] = new(big.Int).Sub(v.tokenTotal(token), amount)
	}

	free, err := v.FreeCollateral(trader)
	if err != nil {
		return err
	}
	if free.Sign() < 0 {
		return cherr.ErrNotEnoughFreeCollateral
	}
	return nil
}

// SeizeCollateral forcibly debits a non-settlement balance during a
// collateral liquidation. The free-collateral gate does not apply; the
// balance still may not go below zero.
func (v *Vault) SeizeCollateral(trader uuid.UUID, token string, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return cherr.ErrInvalidAmount
	}
	if token == v.cm.SettlementToken() {
		return cherr.ErrUnknownToken
	}
	if !v.cm.IsCollateral(token) {
		return cherr.ErrUnknownToken
	}
	if v.Balance(trader, token).Cmp(amount) < 0 {
		return cherr.ErrInvalidAmount
	}
	v.add(trader, token, new(big.Int).Neg(amount))
	v.totals[token] = new(big.Int).Sub(v.tokenTotal(token), amount)
	return nil
}

// TransferSettlement moves settlement token between traders (liquidation
// penalty, fee routing). The source may go into debt; risk checks are the
// caller's responsibility.
func (v *Vault) TransferSettlement(from, to uuid.UUID, amount *big.Int) {
	if amount.Sign() == 0 {
		return
	}
	token := v.cm.SettlementToken()
	v.add(from, token, new(big.Int).Neg(amount))
	v.add(to, token, amount)
}

// SettleToBalance folds a realized amount (PnL, fees, funding) into the
// trader's settlement balance.
func (v *Vault) SettleToBalance(trader uuid.UUID, amount *big.Int) {
	if amount.Sign() == 0 {
		return
	}
	v.add(trader, v.cm.SettlementToken(), amount)
}

// collateralValue is settlement balance plus haircut non-settlement value
// plus realized-but-unsettled amounts.
func (v *Vault) collateralValue(trader uuid.UUID) (*big.Int, error) {
	value := v.SettlementBalance(trader)
	for _, token := range v.tokensByAcc[trader] {
		weighted, err := v.cm.WeightedValue(token, v.Balance(trader, token))
		if err != nil {
			return nil, err
		}
		value = new(big.Int).Add(value, weighted)
	}
	value = new(big.Int).Add(value, v.accounts.OwedRealizedPnl(trader))
	pending, err := v.accounts.PendingFundingPayment(trader)
	if err != nil {
		return nil, err
	}
	return value.Sub(value, pending), nil
}

// AccountValue is collateral value plus total unrealized PnL.
func (v *Vault) AccountValue(trader uuid.UUID) (*big.Int, error) {
	value, err := v.collateralValue(trader)
	if err != nil {
		return nil, err
	}
	unrealized, err := v.accounts.TotalUnrealizedPnl(trader)
	if err != nil {
		return nil, err
	}
	return value.Add(value, unrealized), nil
}

// FreeCollateral is the value available to back new risk:
// min(collateral, accountValue) - imRatio * marginRequirementBase.
func (v *Vault) FreeCollateral(trader uuid.UUID) (*big.Int, error) {
	collateralValue, err := v.collateralValue(trader)
	if err != nil {
		return nil, err
	}
	accountValue, err := v.AccountValue(trader)
	if err != nil {
		return nil, err
	}
	base, err := v.accounts.MarginRequirementBase(trader)
	if err != nil {
		return nil, err
	}
	requirement := num.PpmMul(base, v.imRatioPpm, num.RoundUp)
	free := num.Min(collateralValue, accountValue)
	return free.Sub(free, requirement), nil
}

// NonSettlementValue is the spot (un-haircut) value of non-settlement
// collateral, used by the debt-gating rules.
func (v *Vault) NonSettlementValue(trader uuid.UUID) (*big.Int, error) {
	value := new(big.Int)
	for _, token := range v.tokensByAcc[trader] {
		spot, err := v.cm.SpotValue(token, v.Balance(trader, token))
		if err != nil {
			return nil, err
		}
		value.Add(value, spot)
	}
	return value, nil
}

func (v *Vault) holdsToken(trader uuid.UUID, token string) bool {
	for _, t := range v.tokensByAcc[trader] {
		if t == token {
			return true
		}
	}
	return false
}

func (v *Vault) tokenTotal(token string) *big.Int {
	if t, ok := v.totals[token]; ok {
		return t
	}
	return new(big.Int)
}

func (v *Vault) add(trader uuid.UUID, token string, delta *big.Int) {
	key := balanceKey{trader, token}
	cur, ok := v.balances[key]
	if !ok {
		cur = new(big.Int)
	}
	v.balances[key] = new(big.Int).Add(cur, delta)
}

// Traders returns every trader with a balance entry, sorted for determinism.
func (v *Vault) Traders() []uuid.UUID {
	seen := make(map[uuid.UUID]struct{})
	for key := range v.balances {
		seen[key.trader] = struct{}{}
	}
	out := make([]uuid.UUID, 0, len(seen))
	for t := range seen {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool {
		for k := 0; k < 16; k++ {
			if out[i][k] != out[j][k] {
				return out[i][k] < out[j][k]
			}
		}
		return false
	})
	return out
}

// vaultCheckpoint is a deep copy for all-or-nothing rollback.
type vaultCheckpoint struct {
	balances    map[balanceKey]*big.Int
	tokensByAcc map[uuid.UUID][]string
	totals      map[string]*big.Int
}

func (v *Vault) Checkpoint() any {
	cp := &vaultCheckpoint{
		balances:    make(map[balanceKey]*big.Int, len(v.balances)),
		tokensByAcc: make(map[uuid.UUID][]string, len(v.tokensByAcc)),
		totals:      make(map[string]*big.Int, len(v.totals)),
	}
	for k, b := range v.balances {
		cp.balances[k] = num.Clone(b)
	}
	for t, tokens := range v.tokensByAcc {
		cp.tokensByAcc[t] = append([]string(nil), tokens...)
	}
	for t, total := range v.totals {
		cp.totals[t] = num.Clone(total)
	}
	return cp
}

func (v *Vault) Restore(checkpoint any) {
	cp, ok := checkpoint.(*vaultCheckpoint)
	if !ok {
		panic("vault: foreign checkpoint")
	}
	v.balances = cp.balances
	v.tokensByAcc = cp.tokensByAcc
	v.totals = cp.totals
}
