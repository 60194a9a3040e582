// Package collateral holds the multi-collateral risk parameters: per-token
// ratios and caps plus the global thresholds gating whether an account
// carrying settlement-token debt may keep operating.
package collateral

import (
	"fmt"
	"math/big"
	"sort"

	"PerpClear/internal/amm"
	"PerpClear/internal/cherr"
	"PerpClear/internal/num"

	"github.com/google/uuid"
)

// TokenConfig parameterizes one non-settlement collateral token.
type TokenConfig struct {
	Token              string
	Feed               amm.PriceFeed
	CollateralRatioPpm int64    // haircut applied when counting toward margin
	DiscountRatioPpm   int64    // extra discount when liquidating the collateral
	DepositCap         *big.Int // wad; nil means uncapped
}

// Params are the global multi-collateral thresholds.
type Params struct {
	MaxCollateralTokensPerAccount         int
	DebtNonSettlementTokenValueRatioPpm   int64
	LiquidationRatioPpm                   int64
	MMRatioBufferPpm                      int64
	InsuranceFundFeeRatioOnLiquidationPpm int64
	DebtThreshold                         *big.Int // wad
	CollateralValueDust                   *big.Int // wad
}

// Manager is the collateral parameter registry plus the valuation and
// debt-gating queries built on it. All mutation goes through gated setters.
type Manager struct {
	settlementToken string
	tokens          map[string]TokenConfig
	params          Params
	whitelistedDebt map[uuid.UUID]*big.Int // per-trader debt threshold override
}

func NewManager(settlementToken string, params Params) *Manager {
	if params.DebtThreshold == nil {
		params.DebtThreshold = new(big.Int)
	}
	if params.CollateralValueDust == nil {
		params.CollateralValueDust = new(big.Int)
	}
	return &Manager{
		settlementToken: settlementToken,
		tokens:          make(map[string]TokenConfig),
		params:          params,
		whitelistedDebt: make(map[uuid.UUID]*big.Int),
	}
}

func (m *Manager) SettlementToken() string { return m.settlementToken }

// AddToken registers a non-settlement collateral token.
func (m *Manager) AddToken(cfg TokenConfig) error {
	if cfg.Token == "" || cfg.Token == m.settlementToken {
		return fmt.Errorf("collateral: invalid token %q", cfg.Token)
	}
	if cfg.CollateralRatioPpm <= 0 || cfg.CollateralRatioPpm > num.PpmDenominator {
		return fmt.Errorf("collateral: collateral ratio %d out of (0, 1e6]", cfg.CollateralRatioPpm)
	}
	if cfg.DiscountRatioPpm < 0 || cfg.DiscountRatioPpm >= num.PpmDenominator {
		return fmt.Errorf("collateral: discount ratio %d out of [0, 1e6)", cfg.DiscountRatioPpm)
	}
	if cfg.Feed == nil {
		return fmt.Errorf("collateral: token %s needs a price feed", cfg.Token)
	}
	m.tokens[cfg.Token] = cfg
	return nil
}

// IsCollateral reports whether the token is accepted (settlement included).
func (m *Manager) IsCollateral(token string) bool {
	if token == m.settlementToken {
		return true
	}
	_, ok := m.tokens[token]
	return ok
}

// Token returns a non-settlement token's config by value.
func (m *Manager) Token(token string) (TokenConfig, error) {
	cfg, ok := m.tokens[token]
	if !ok {
		return TokenConfig{}, cherr.ErrUnknownToken
	}
	return cfg, nil
}

// Tokens returns the registered non-settlement tokens, sorted.
func (m *Manager) Tokens() []string {
	out := make([]string, 0, len(m.tokens))
	for t := range m.tokens {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

func (m *Manager) Params() Params { return m.params }

// --- valuation ---

// tokenPrice reads the feed and normalizes to wad.
func (m *Manager) tokenPrice(cfg TokenConfig) (*big.Int, error) {
	price, decimals, err := cfg.Feed.GetPrice()
	if err != nil {
		return nil, err
	}
	if decimals == 18 {
		return price, nil
	}
	scale := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(18-decimals)), nil)
	return new(big.Int).Mul(price, scale), nil
}

// WeightedValue values a non-settlement balance toward margin:
// balance * price * collateralRatio.
func (m *Manager) WeightedValue(token string, balance *big.Int) (*big.Int, error) {
	cfg, err := m.Token(token)
	if err != nil {
		return nil, err
	}
	price, err := m.tokenPrice(cfg)
	if err != nil {
		return nil, err
	}
	value := num.WMul(balance, price)
	return num.PpmMul(value, cfg.CollateralRatioPpm, num.RoundDown), nil
}

// SpotValue values a non-settlement balance without the ratio haircut.
func (m *Manager) SpotValue(token string, balance *big.Int) (*big.Int, error) {
	cfg, err := m.Token(token)
	if err != nil {
		return nil, err
	}
	price, err := m.tokenPrice(cfg)
	if err != nil {
		return nil, err
	}
	return num.WMul(balance, price), nil
}

// CheckDepositCap rejects a deposit that would push the token over its cap.
func (m *Manager) CheckDepositCap(token string, totalAfter *big.Int) error {
	cfg, err := m.Token(token)
	if err != nil {
		return err
	}
	if cfg.DepositCap != nil && totalAfter.Cmp(cfg.DepositCap) > 0 {
		return cherr.ErrCollateralCap
	}
	return nil
}

// DebtThresholdFor returns the trader's effective debt threshold, honoring a
// per-trader whitelist override.
func (m *Manager) DebtThresholdFor(trader uuid.UUID) *big.Int {
	if t, ok := m.whitelistedDebt[trader]; ok {
		return num.Clone(t)
	}
	return num.Clone(m.params.DebtThreshold)
}

// RequiresCollateralLiquidation decides whether settlement-token debt against
// non-settlement collateral forces liquidation: either the debt exceeds the
// trader's threshold, or it exceeds the configured ratio of the account's
// non-settlement collateral value. Dust-valued collateral never forces it.
func (m *Manager) RequiresCollateralLiquidation(trader uuid.UUID, settlementDebt, nonSettlementValue *big.Int) bool {
	if settlementDebt.Sign() <= 0 {
		return false
	}
	if nonSettlementValue.Cmp(m.params.CollateralValueDust) <= 0 {
		return false
	}
	if settlementDebt.Cmp(m.DebtThresholdFor(trader)) > 0 {
		return true
	}
	bound := num.PpmMul(nonSettlementValue, m.params.DebtNonSettlementTokenValueRatioPpm, num.RoundDown)
	return settlementDebt.Cmp(bound) > 0
}

// LiquidationProceeds computes what a collateral liquidation yields: the
// settlement value credited for the collateral (after the discount ratio) and
// the penalty routed to the insurance fund.
func (m *Manager) LiquidationProceeds(token string, amount *big.Int) (credited, insurancePenalty *big.Int, err error) {
	cfg, err := m.Token(token)
	if err != nil {
		return nil, nil, err
	}
	price, err := m.tokenPrice(cfg)
	if err != nil {
		return nil, nil, err
	}
	gross := num.WMul(amount, price)
	discounted := num.PpmMul(gross, num.PpmDenominator-cfg.DiscountRatioPpm, num.RoundDown)
	penalty := num.PpmMul(discounted, m.params.InsuranceFundFeeRatioOnLiquidationPpm, num.RoundDown)
	return new(big.Int).Sub(discounted, penalty), penalty, nil
}

// --- gated setters ---

func (m *Manager) SetCollateralRatio(token string, ppm int64) error {
	return m.mutateToken(token, func(cfg *TokenConfig) { cfg.CollateralRatioPpm = ppm })
}

func (m *Manager) SetDiscountRatio(token string, ppm int64) error {
	return m.mutateToken(token, func(cfg *TokenConfig) { cfg.DiscountRatioPpm = ppm })
}

func (m *Manager) SetDepositCap(token string, cap *big.Int) error {
	return m.mutateToken(token, func(cfg *TokenConfig) { cfg.DepositCap = num.Clone(cap) })
}

func (m *Manager) SetDebtThreshold(v *big.Int)       { m.params.DebtThreshold = num.Clone(v) }
func (m *Manager) SetCollateralValueDust(v *big.Int) { m.params.CollateralValueDust = num.Clone(v) }
func (m *Manager) SetLiquidationRatio(ppm int64)     { m.params.LiquidationRatioPpm = ppm }
func (m *Manager) SetMMRatioBuffer(ppm int64)        { m.params.MMRatioBufferPpm = ppm }

func (m *Manager) SetMaxCollateralTokensPerAccount(n int) {
	m.params.MaxCollateralTokensPerAccount = n
}

func (m *Manager) SetDebtNonSettlementTokenValueRatio(ppm int64) {
	m.params.DebtNonSettlementTokenValueRatioPpm = ppm
}

func (m *Manager) SetInsuranceFundFeeRatioOnLiquidation(ppm int64) {
	m.params.InsuranceFundFeeRatioOnLiquidationPpm = ppm
}

// SetWhitelistedDebtThreshold overrides the debt threshold for one trader.
func (m *Manager) SetWhitelistedDebtThreshold(trader uuid.UUID, v *big.Int) {
	if v == nil {
		delete(m.whitelistedDebt, trader)
		return
	}
	m.whitelistedDebt[trader] = num.Clone(v)
}

func (m *Manager) mutateToken(token string, fn func(*TokenConfig)) error {
	cfg, ok := m.tokens[token]
	if !ok {
		return cherr.ErrUnknownToken
	}
	fn(&cfg)
	m.tokens[token] = cfg
	return nil
}
