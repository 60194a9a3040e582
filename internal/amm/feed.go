package amm

import (
	"math/big"

	"PerpClear/internal/cherr"
	"PerpClear/internal/clock"
)

// SettableFeed is an in-memory index price feed. A price older than MaxAge is
// reported stale; callers reject stale reads outright, they never wait.
type SettableFeed struct {
	clk      clock.Clock
	price    *big.Int // wad
	setAt    int64
	maxAge   int64
	decimals int
}

// NewSettableFeed creates a feed with the given staleness bound in seconds.
// A maxAge of zero disables the staleness check.
func NewSettableFeed(clk clock.Clock, maxAge int64) *SettableFeed {
	return &SettableFeed{clk: clk, maxAge: maxAge, decimals: 18}
}

// SetPrice records a new wad price at the current time.
func (f *SettableFeed) SetPrice(priceWad *big.Int) {
	f.price = new(big.Int).Set(priceWad)
	f.setAt = f.clk.Now()
}

// GetPrice returns the latest price, or an error when unset or stale.
func (f *SettableFeed) GetPrice() (*big.Int, int, error) {
	if f.price == nil {
		return nil, 0, cherr.ErrStalePrice
	}
	if f.maxAge > 0 && f.clk.Now()-f.setAt > f.maxAge {
		return nil, 0, cherr.ErrStalePrice
	}
	return new(big.Int).Set(f.price), f.decimals, nil
}
