package num_test

import (
	"math/big"
	"testing"

	"PerpClear/internal/num"
)

func TestFundingGrowthDelta_FullDay(t *testing.T) {
	// Mark one unit above index for a full day: growth is exactly one unit.
	got := num.FundingGrowthDelta(wad(101), wad(100), num.SecondsPerDay)
	if got.Cmp(wad(1)) != 0 {
		t.Errorf("full-day growth: got %s, want %s", got, wad(1))
	}
}

func TestFundingGrowthDelta_HalfDay(t *testing.T) {
	got := num.FundingGrowthDelta(wad(101), wad(100), num.SecondsPerDay/2)
	want := new(big.Int).Div(wad(1), big.NewInt(2))
	if got.Cmp(want) != 0 {
		t.Errorf("half-day growth: got %s, want %s", got, want)
	}
}

func TestFundingGrowthDelta_NegativePremium(t *testing.T) {
	got := num.FundingGrowthDelta(wad(100), wad(101), num.SecondsPerDay)
	if got.Cmp(new(big.Int).Neg(wad(1))) != 0 {
		t.Errorf("negative premium growth: got %s, want %s", got, new(big.Int).Neg(wad(1)))
	}
}

func TestFundingGrowthDelta_NoElapsed(t *testing.T) {
	if got := num.FundingGrowthDelta(wad(101), wad(100), 0); got.Sign() != 0 {
		t.Errorf("zero elapsed: got %s, want 0", got)
	}
	if got := num.FundingGrowthDelta(wad(101), wad(100), -5); got.Sign() != 0 {
		t.Errorf("negative elapsed: got %s, want 0", got)
	}
}

func TestPendingFunding_LongPaysAboveIndex(t *testing.T) {
	size := wad(2)
	growth := new(big.Int).Div(wad(1), big.NewInt(2)) // +0.5 since snapshot
	snapshot := new(big.Int)

	got := num.PendingFunding(size, growth, snapshot)
	if got.Cmp(wad(1)) != 0 {
		t.Errorf("long pending funding: got %s, want %s", got, wad(1))
	}
}

func TestPendingFunding_ShortReceivesAboveIndex(t *testing.T) {
	size := new(big.Int).Neg(wad(2))
	growth := new(big.Int).Div(wad(1), big.NewInt(2))

	got := num.PendingFunding(size, growth, new(big.Int))
	if got.Cmp(new(big.Int).Neg(wad(1))) != 0 {
		t.Errorf("short pending funding: got %s, want %s", got, new(big.Int).Neg(wad(1)))
	}
}

func TestPendingFunding_SnapshotOffsets(t *testing.T) {
	size := wad(3)
	growth := wad(10)
	snapshot := wad(10)

	if got := num.PendingFunding(size, growth, snapshot); got.Sign() != 0 {
		t.Errorf("settled position should owe nothing, got %s", got)
	}
}
