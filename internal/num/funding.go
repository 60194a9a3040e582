package num

import "math/big"

// Funding accrues continuously: the per-market growth accumulator integrates
// the premium (mark TWAP - index) over elapsed time, normalized to one day.
// A position's pending payment is its size times the growth elapsed since its
// last settlement. Positive payment means the trader pays.

// SecondsPerDay normalizes the premium integral.
const SecondsPerDay = 86400

// FundingGrowthDelta returns (markTwap - indexPrice) * elapsedSec / 86400 as
// a signed wad value.
func FundingGrowthDelta(markTwapWad, indexPriceWad *big.Int, elapsedSec int64) *big.Int {
	if elapsedSec <= 0 {
		return new(big.Int)
	}
	premium := new(big.Int).Sub(markTwapWad, indexPriceWad)
	premium.Mul(premium, big.NewInt(elapsedSec))
	return premium.Quo(premium, big.NewInt(SecondsPerDay))
}

// PendingFunding returns size * (growth - snapshot) / 1e18. Size and growth
// are signed wads; a long position (positive size) pays when the mark trades
// above the index.
func PendingFunding(sizeWad, growthWad, snapshotWad *big.Int) *big.Int {
	delta := new(big.Int).Sub(growthWad, snapshotWad)
	delta.Mul(delta, sizeWad)
	return delta.Quo(delta, Wad)
}
