package num_test

import (
	"math/big"
	"testing"

	"PerpClear/internal/num"
)

func TestSqrtRatioAtTick_Zero(t *testing.T) {
	got, err := num.SqrtRatioAtTick(0)
	if err != nil {
		t.Fatal(err)
	}
	if got.Cmp(num.Q96) != 0 {
		t.Errorf("tick 0: got %s, want %s", got, num.Q96)
	}
}

func TestSqrtRatioAtTick_Bounds(t *testing.T) {
	lo, err := num.SqrtRatioAtTick(num.MinTick)
	if err != nil {
		t.Fatal(err)
	}
	if lo.Cmp(num.MinSqrtRatio) != 0 {
		t.Errorf("min tick: got %s, want %s", lo, num.MinSqrtRatio)
	}

	hi, err := num.SqrtRatioAtTick(num.MaxTick)
	if err != nil {
		t.Fatal(err)
	}
	if hi.Cmp(num.MaxSqrtRatio) != 0 {
		t.Errorf("max tick: got %s, want %s", hi, num.MaxSqrtRatio)
	}
}

func TestSqrtRatioAtTick_OutOfRange(t *testing.T) {
	if _, err := num.SqrtRatioAtTick(num.MinTick - 1); err == nil {
		t.Error("tick below range should error")
	}
	if _, err := num.SqrtRatioAtTick(num.MaxTick + 1); err == nil {
		t.Error("tick above range should error")
	}
}

func TestSqrtRatioAtTick_Monotonic(t *testing.T) {
	prev, err := num.SqrtRatioAtTick(-1000)
	if err != nil {
		t.Fatal(err)
	}
	for tick := -999; tick <= 1000; tick++ {
		cur, err := num.SqrtRatioAtTick(tick)
		if err != nil {
			t.Fatal(err)
		}
		if cur.Cmp(prev) <= 0 {
			t.Fatalf("sqrt ratio not strictly increasing at tick %d", tick)
		}
		prev = cur
	}
}

func TestSqrtRatioAtTick_SymmetryAroundZero(t *testing.T) {
	// sqrt(1.0001^t) * sqrt(1.0001^-t) == 1, up to fixed-point rounding.
	for _, tick := range []int{1, 100, 5000, 50200, 443636} {
		up, err := num.SqrtRatioAtTick(tick)
		if err != nil {
			t.Fatal(err)
		}
		down, err := num.SqrtRatioAtTick(-tick)
		if err != nil {
			t.Fatal(err)
		}
		prod := new(big.Int).Mul(up, down)
		prod.Rsh(prod, 96)
		diff := new(big.Int).Sub(prod, num.Q96)
		diff.Abs(diff)
		// Allow a few parts per 2^96 of drift from the two roundings.
		limit := new(big.Int).Rsh(num.Q96, 60)
		if diff.Cmp(limit) > 0 {
			t.Errorf("tick %d: product of reciprocal ratios drifted by %s", tick, diff)
		}
	}
}

func TestTickAtSqrtRatio_Roundtrip(t *testing.T) {
	for _, tick := range []int{num.MinTick, -50200, -1, 0, 1, 776, 50200, num.MaxTick - 1} {
		r, err := num.SqrtRatioAtTick(tick)
		if err != nil {
			t.Fatal(err)
		}
		got, err := num.TickAtSqrtRatio(r)
		if err != nil {
			t.Fatal(err)
		}
		if got != tick {
			t.Errorf("roundtrip tick %d: got %d", tick, got)
		}
	}
}

func TestTickAtSqrtRatio_BetweenTicks(t *testing.T) {
	r, err := num.SqrtRatioAtTick(100)
	if err != nil {
		t.Fatal(err)
	}
	r.Add(r, big.NewInt(1))
	got, err := num.TickAtSqrtRatio(r)
	if err != nil {
		t.Fatal(err)
	}
	if got != 100 {
		t.Errorf("price just above tick 100 boundary: got tick %d, want 100", got)
	}
}

func TestTickAtSqrtRatio_OutOfRange(t *testing.T) {
	if _, err := num.TickAtSqrtRatio(big.NewInt(1)); err == nil {
		t.Error("sqrt price below MinSqrtRatio should error")
	}
	if _, err := num.TickAtSqrtRatio(num.MaxSqrtRatio); err == nil {
		t.Error("MaxSqrtRatio itself is out of the half-open domain")
	}
}

func TestPriceAtTick(t *testing.T) {
	p, err := num.PriceAtTick(0)
	if err != nil {
		t.Fatal(err)
	}
	// Rounding the Q64.96 conversion can lose at most a wei.
	diff := new(big.Int).Sub(num.Wad, p)
	if diff.Sign() < 0 || diff.Cmp(big.NewInt(1)) > 0 {
		t.Errorf("price at tick 0: got %s, want ~1e18", p)
	}

	higher, err := num.PriceAtTick(1)
	if err != nil {
		t.Fatal(err)
	}
	if higher.Cmp(p) <= 0 {
		t.Error("price should increase with tick")
	}
}
