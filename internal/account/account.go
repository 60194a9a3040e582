// Package account keeps per-trader, per-market position balances and derives
// every margin input from them. A trader's exposure in a market is the taker
// position plus the impermanent position implied by open range orders (what
// the ranges hold now minus what was put in). Derived values are always
// recomputed from live pool state, never cached.
package account

import (
	"math/big"
	"sort"

	"PerpClear/internal/cherr"
	"PerpClear/internal/exchange"
	"PerpClear/internal/market"
	"PerpClear/internal/num"
	"PerpClear/internal/orderbook"

	"github.com/google/uuid"
)

type posKey struct {
	trader   uuid.UUID
	marketID string
}

// position is the taker side of a trader's market balance. OpenNotional is
// the signed quote flow that built the position: negative for a long (quote
// was paid out), positive for a short.
type position struct {
	size              *big.Int
	openNotional      *big.Int
	lastFundingGrowth *big.Int
}

// Balances is the account-balance ledger.
type Balances struct {
	registry *market.Registry
	book     *orderbook.Book
	exch     *exchange.Exchange

	maxMarketsPerTrader int

	positions map[posKey]*position
	markets   map[uuid.UUID][]string // ordered set of markets with any balance
	owed      map[uuid.UUID]*big.Int // realized but unsettled pnl, fees, funding
}

func New(registry *market.Registry, book *orderbook.Book, exch *exchange.Exchange, maxMarketsPerTrader int) *Balances {
	return &Balances{
		registry:            registry,
		book:                book,
		exch:                exch,
		maxMarketsPerTrader: maxMarketsPerTrader,
		positions:           make(map[posKey]*position),
		markets:             make(map[uuid.UUID][]string),
		owed:                make(map[uuid.UUID]*big.Int),
	}
}

// RegisterMarket adds the market to the trader's active set, enforcing the
// per-trader market limit.
func (b *Balances) RegisterMarket(trader uuid.UUID, marketID string) error {
	for _, id := range b.markets[trader] {
		if id == marketID {
			return nil
		}
	}
	if b.maxMarketsPerTrader > 0 && len(b.markets[trader]) >= b.maxMarketsPerTrader {
		return cherr.ErrTooManyMarkets
	}
	b.markets[trader] = append(b.markets[trader], marketID)
	return nil
}

// Markets returns the trader's active markets in registration order.
func (b *Balances) Markets(trader uuid.UUID) []string {
	return append([]string(nil), b.markets[trader]...)
}

// ModifyTakerBalance applies a trade's signed base and quote deltas to the
// taker position and returns the realized PnL of any reduced portion.
// The market must already be registered for the trader.
func (b *Balances) ModifyTakerBalance(trader uuid.UUID, marketID string, baseDelta, quoteDelta *big.Int) *big.Int {
	pos := b.positionFor(trader, marketID)
	realized := new(big.Int)

	sameSide := pos.size.Sign() == 0 || baseDelta.Sign() == 0 || pos.size.Sign() == baseDelta.Sign()
	if sameSide {
		pos.size = num.Add(pos.size, baseDelta)
		pos.openNotional = num.Add(pos.openNotional, quoteDelta)
		return realized
	}

	absSize := num.Abs(pos.size)
	absDelta := num.Abs(baseDelta)
	if absDelta.Cmp(absSize) <= 0 {
		// Pure reduction: realize the closed share of the open notional
		// against the matching share of the trade's quote flow (which is the
		// whole of it).
		reducedNotional := num.MulDiv(pos.openNotional, absDelta, absSize, num.RoundDown)
		realized = num.Add(quoteDelta, reducedNotional)
		pos.size = num.Add(pos.size, baseDelta)
		pos.openNotional = num.Sub(pos.openNotional, reducedNotional)
		if pos.size.Sign() == 0 {
			// Rounding residue from the pro-rata split realizes with the
			// final close.
			realized.Add(realized, pos.openNotional)
			pos.openNotional = new(big.Int)
		}
		return realized
	}

	// Flip: close everything, open the remainder on the other side with its
	// share of the trade's quote flow.
	closingQuote := num.MulDiv(quoteDelta, absSize, absDelta, num.RoundDown)
	realized = num.Add(closingQuote, pos.openNotional)
	pos.size = num.Add(pos.size, baseDelta)
	pos.openNotional = num.Sub(quoteDelta, closingQuote)
	return realized
}

// TakerPositionSize returns the signed taker base size.
func (b *Balances) TakerPositionSize(trader uuid.UUID, marketID string) *big.Int {
	if pos, ok := b.positions[posKey{trader, marketID}]; ok {
		return num.Clone(pos.size)
	}
	return new(big.Int)
}

// TakerOpenNotional returns the signed taker open notional.
func (b *Balances) TakerOpenNotional(trader uuid.UUID, marketID string) *big.Int {
	if pos, ok := b.positions[posKey{trader, marketID}]; ok {
		return num.Clone(pos.openNotional)
	}
	return new(big.Int)
}

// TotalPositionSize is taker size plus the maker's impermanent base exposure
// (current range holdings minus recorded base debt).
func (b *Balances) TotalPositionSize(trader uuid.UUID, marketID string) (*big.Int, error) {
	size := b.TakerPositionSize(trader, marketID)
	baseNow, _, baseDebt, _, err := b.book.TotalOrderAmounts(trader, marketID)
	if err != nil {
		return nil, err
	}
	size.Add(size, baseNow)
	return size.Sub(size, baseDebt), nil
}

// TotalPositionValue is the total position size at the current mark price.
func (b *Balances) TotalPositionValue(trader uuid.UUID, marketID string) (*big.Int, error) {
	size, err := b.TotalPositionSize(trader, marketID)
	if err != nil {
		return nil, err
	}
	mark, err := b.exch.MarkPrice(marketID)
	if err != nil {
		return nil, err
	}
	return num.WMul(size, mark), nil
}

// TotalAbsPositionValue sums |total position value| across the trader's
// markets. It is the denominator of the margin ratio.
func (b *Balances) TotalAbsPositionValue(trader uuid.UUID) (*big.Int, error) {
	total := new(big.Int)
	for _, marketID := range b.markets[trader] {
		value, err := b.TotalPositionValue(trader, marketID)
		if err != nil {
			return nil, err
		}
		total.Add(total, num.Abs(value))
	}
	return total, nil
}

// TotalUnrealizedPnl marks the trader's whole exposure to the current pool
// price: taker (size*mark + openNotional) plus the maker's impermanent PnL
// ((holdings now) - (holdings put in), both legs at mark).
func (b *Balances) TotalUnrealizedPnl(trader uuid.UUID) (*big.Int, error) {
	total := new(big.Int)
	for _, marketID := range b.markets[trader] {
		mark, err := b.exch.MarkPrice(marketID)
		if err != nil {
			return nil, err
		}
		if pos, ok := b.positions[posKey{trader, marketID}]; ok {
			total.Add(total, num.WMul(pos.size, mark))
			total.Add(total, pos.openNotional)
		}
		baseNow, quoteNow, baseDebt, quoteDebt, err := b.book.TotalOrderAmounts(trader, marketID)
		if err != nil {
			return nil, err
		}
		makerBase := num.Sub(baseNow, baseDebt)
		total.Add(total, num.WMul(makerBase, mark))
		total.Add(total, quoteNow)
		total.Sub(total, quoteDebt)
	}
	return total, nil
}

// MarginRequirementBase is the value margin ratios apply to. Open range
// orders are margined on the larger of their current position value and the
// notional committed to them, so resting liquidity cannot escape margin.
func (b *Balances) MarginRequirementBase(trader uuid.UUID) (*big.Int, error) {
	total := new(big.Int)
	for _, marketID := range b.markets[trader] {
		value, err := b.TotalPositionValue(trader, marketID)
		if err != nil {
			return nil, err
		}
		absValue := num.Abs(value)

		_, _, baseDebt, quoteDebt, err := b.book.TotalOrderAmounts(trader, marketID)
		if err != nil {
			return nil, err
		}
		mark, err := b.exch.MarkPrice(marketID)
		if err != nil {
			return nil, err
		}
		debtValue := num.Add(num.WMul(baseDebt, mark), quoteDebt)

		if debtValue.Cmp(absValue) > 0 {
			total.Add(total, debtValue)
		} else {
			total.Add(total, absValue)
		}
	}
	return total, nil
}

// --- funding ---

// PendingFundingPayment sums the trader's unsettled funding across markets:
// taker size against the taker snapshot plus each range order's base holdings
// against its own snapshot. Positive means the trader pays.
func (b *Balances) PendingFundingPayment(trader uuid.UUID) (*big.Int, error) {
	total := new(big.Int)
	for _, marketID := range b.markets[trader] {
		payment, err := b.pendingFundingIn(trader, marketID)
		if err != nil {
			return nil, err
		}
		total.Add(total, payment)
	}
	return total, nil
}

func (b *Balances) pendingFundingIn(trader uuid.UUID, marketID string) (*big.Int, error) {
	growth, err := b.exch.FundingGrowth(marketID)
	if err != nil {
		return nil, err
	}
	payment := new(big.Int)
	if pos, ok := b.positions[posKey{trader, marketID}]; ok {
		payment.Add(payment, num.PendingFunding(pos.size, growth, pos.lastFundingGrowth))
	}
	maker, err := b.book.PendingMakerFunding(trader, marketID, growth)
	if err != nil {
		return nil, err
	}
	return payment.Add(payment, maker), nil
}

// SettleFunding realizes the trader's pending funding in one market into the
// owed-realized ledger and refreshes all snapshots. It returns the payment
// (positive means the trader paid).
func (b *Balances) SettleFunding(trader uuid.UUID, marketID string) (*big.Int, error) {
	growth, err := b.exch.FundingGrowth(marketID)
	if err != nil {
		return nil, err
	}
	payment := new(big.Int)
	if pos, ok := b.positions[posKey{trader, marketID}]; ok {
		payment.Add(payment, num.PendingFunding(pos.size, growth, pos.lastFundingGrowth))
		pos.lastFundingGrowth = num.Clone(growth)
	}
	maker, err := b.book.SettleMakerFunding(trader, marketID, growth)
	if err != nil {
		return nil, err
	}
	payment.Add(payment, maker)
	if payment.Sign() != 0 {
		b.AddOwedRealizedPnl(trader, num.Neg(payment))
	}
	return payment, nil
}

// --- realized pnl ledger ---

// OwedRealizedPnl returns the trader's realized-but-unsettled balance.
func (b *Balances) OwedRealizedPnl(trader uuid.UUID) *big.Int {
	if owed, ok := b.owed[trader]; ok {
		return num.Clone(owed)
	}
	return new(big.Int)
}

// AddOwedRealizedPnl accrues a realized amount (trade PnL, maker fees,
// funding, liquidation penalties) without touching the vault.
func (b *Balances) AddOwedRealizedPnl(trader uuid.UUID, delta *big.Int) {
	if delta.Sign() == 0 {
		return
	}
	cur, ok := b.owed[trader]
	if !ok {
		cur = new(big.Int)
	}
	b.owed[trader] = new(big.Int).Add(cur, delta)
}

// SettleOwedRealizedPnl zeroes the ledger entry and returns what it held, for
// the caller to fold into the vault's settlement balance.
func (b *Balances) SettleOwedRealizedPnl(trader uuid.UUID) *big.Int {
	owed := b.OwedRealizedPnl(trader)
	delete(b.owed, trader)
	return owed
}

// DeregisterIfEmpty drops the market from the trader's active set once both
// the taker position and all range orders are gone.
func (b *Balances) DeregisterIfEmpty(trader uuid.UUID, marketID string) {
	key := posKey{trader, marketID}
	if pos, ok := b.positions[key]; ok && pos.size.Sign() != 0 {
		return
	}
	if b.book.HasOrder(trader, marketID) {
		return
	}
	delete(b.positions, key)
	ids := b.markets[trader]
	for i, id := range ids {
		if id == marketID {
			b.markets[trader] = append(ids[:i], ids[i+1:]...)
			break
		}
	}
	if len(b.markets[trader]) == 0 {
		delete(b.markets, trader)
	}
}

// TradersInMarket returns every trader holding a balance in the market,
// sorted for deterministic iteration.
func (b *Balances) TradersInMarket(marketID string) []uuid.UUID {
	var out []uuid.UUID
	for trader, ids := range b.markets {
		for _, id := range ids {
			if id == marketID {
				out = append(out, trader)
				break
			}
		}
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

func (b *Balances) positionFor(trader uuid.UUID, marketID string) *position {
	key := posKey{trader, marketID}
	pos, ok := b.positions[key]
	if !ok {
		// A new position anchors at the current growth so no funding accrues
		// retroactively. Callers validate the market before touching balances,
		// so a growth error here can only mean zero prior accumulation.
		growth := new(big.Int)
		if g, err := b.exch.FundingGrowth(marketID); err == nil {
			growth = g
		}
		pos = &position{size: new(big.Int), openNotional: new(big.Int), lastFundingGrowth: growth}
		b.positions[key] = pos
	}
	return pos
}

// --- rollback ---

type balancesCheckpoint struct {
	positions map[posKey]*position
	markets   map[uuid.UUID][]string
	owed      map[uuid.UUID]*big.Int
}

func (b *Balances) Checkpoint() any {
	cp := &balancesCheckpoint{
		positions: make(map[posKey]*position, len(b.positions)),
		markets:   make(map[uuid.UUID][]string, len(b.markets)),
		owed:      make(map[uuid.UUID]*big.Int, len(b.owed)),
	}
	for k, pos := range b.positions {
		cp.positions[k] = &position{
			size:              num.Clone(pos.size),
			openNotional:      num.Clone(pos.openNotional),
			lastFundingGrowth: num.Clone(pos.lastFundingGrowth),
		}
	}
	for trader, ids := range b.markets {
		cp.markets[trader] = append([]string(nil), ids...)
	}
	for trader, owed := range b.owed {
		cp.owed[trader] = num.Clone(owed)
	}
	return cp
}

func (b *Balances) Restore(checkpoint any) {
	cp, ok := checkpoint.(*balancesCheckpoint)
	if !ok {
		panic("account: foreign checkpoint")
	}
	b.positions = cp.positions
	b.markets = cp.markets
	b.owed = cp.owed
}
