package market_test

import (
	"errors"
	"testing"

	"PerpClear/internal/amm"
	"PerpClear/internal/cherr"
	"PerpClear/internal/clock"
	"PerpClear/internal/market"
	"PerpClear/internal/num"
)

func newPool(t *testing.T, spacing int) *amm.SimPool {
	t.Helper()
	sqrt, err := num.SqrtRatioAtTick(0)
	if err != nil {
		t.Fatal(err)
	}
	pool, err := amm.NewSimPool(sqrt, spacing, clock.NewManual(1000))
	if err != nil {
		t.Fatal(err)
	}
	return pool
}

func newFeed(t *testing.T) *amm.SettableFeed {
	t.Helper()
	f := amm.NewSettableFeed(clock.NewManual(1000), 0)
	f.SetPrice(num.Clone(num.Wad))
	return f
}

func TestValidate(t *testing.T) {
	valid := market.Config{ID: "ETH-PERP", TickSpacing: 60, FeeRatioPpm: 1000, MaxTickCrossedWithinBlock: 100}
	if err := market.Validate(valid); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}

	cases := []struct {
		name   string
		mutate func(*market.Config)
	}{
		{"empty id", func(c *market.Config) { c.ID = "" }},
		{"zero tick spacing", func(c *market.Config) { c.TickSpacing = 0 }},
		{"fee ratio at 100%", func(c *market.Config) { c.FeeRatioPpm = 1_000_000 }},
		{"negative fee ratio", func(c *market.Config) { c.FeeRatioPpm = -1 }},
		{"insurance share over 100%", func(c *market.Config) { c.InsuranceFundFeeRatioPpm = 1_000_001 }},
		{"negative tick limit", func(c *market.Config) { c.MaxTickCrossedWithinBlock = -1 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := valid
			tc.mutate(&cfg)
			if err := market.Validate(cfg); err == nil {
				t.Error("want error, got nil")
			}
		})
	}
}

func TestStatus(t *testing.T) {
	cfg := market.Config{ID: "m", TickSpacing: 60, MaxTickCrossedWithinBlock: 100}
	if got := cfg.Status(); got != market.StatusActive {
		t.Errorf("got %v, want active", got)
	}
	cfg.MaxTickCrossedWithinBlock = 0
	if got := cfg.Status(); got != market.StatusListedPaused {
		t.Errorf("zero tick limit: got %v, want listed-paused", got)
	}
	cfg.MaxTickCrossedWithinBlock = 100
	cfg.Paused = true
	if got := cfg.Status(); got != market.StatusListedPaused {
		t.Errorf("paused flag: got %v, want listed-paused", got)
	}
}

func TestRegistry_Add(t *testing.T) {
	r := market.NewRegistry()
	cfg := market.Config{ID: "ETH-PERP", TickSpacing: 60, FeeRatioPpm: 1000, MaxTickCrossedWithinBlock: 100}

	if err := r.Add(cfg, newPool(t, 60), newFeed(t)); err != nil {
		t.Fatal(err)
	}
	if err := r.Add(cfg, newPool(t, 60), newFeed(t)); err == nil {
		t.Error("relisting the same id should error")
	}

	cfg.ID = "BTC-PERP"
	if err := r.Add(cfg, newPool(t, 10), newFeed(t)); err == nil {
		t.Error("tick spacing mismatch with the pool should error")
	}

	got, err := r.Get("ETH-PERP")
	if err != nil {
		t.Fatal(err)
	}
	if got.FeeRatioPpm != 1000 {
		t.Errorf("fee ratio: got %d, want 1000", got.FeeRatioPpm)
	}
	if _, err := r.Get("no-such"); !errors.Is(err, cherr.ErrUnknownMarket) {
		t.Errorf("got %v, want %v", err, cherr.ErrUnknownMarket)
	}
	if _, err := r.Pool("no-such"); !errors.Is(err, cherr.ErrUnknownMarket) {
		t.Errorf("got %v, want %v", err, cherr.ErrUnknownMarket)
	}
}

func TestRegistry_IDsSorted(t *testing.T) {
	r := market.NewRegistry()
	for _, id := range []string{"SOL-PERP", "BTC-PERP", "ETH-PERP"} {
		cfg := market.Config{ID: id, TickSpacing: 60, MaxTickCrossedWithinBlock: 100}
		if err := r.Add(cfg, newPool(t, 60), newFeed(t)); err != nil {
			t.Fatal(err)
		}
	}
	got := r.IDs()
	want := []string{"BTC-PERP", "ETH-PERP", "SOL-PERP"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("ids: got %v, want %v", got, want)
		}
	}
}

func TestRegistry_Setters(t *testing.T) {
	r := market.NewRegistry()
	cfg := market.Config{ID: "ETH-PERP", TickSpacing: 60, FeeRatioPpm: 1000, MaxTickCrossedWithinBlock: 100}
	if err := r.Add(cfg, newPool(t, 60), newFeed(t)); err != nil {
		t.Fatal(err)
	}

	if err := r.SetFeeRatio("ETH-PERP", 2000); err != nil {
		t.Fatal(err)
	}
	if err := r.SetFeeRatio("ETH-PERP", 1_000_000); err == nil {
		t.Error("out-of-range fee update should be rejected")
	}
	got, _ := r.Get("ETH-PERP")
	if got.FeeRatioPpm != 2000 {
		t.Errorf("fee after rejected update: got %d, want 2000", got.FeeRatioPpm)
	}

	if err := r.SetMaxTickCrossedWithinBlock("ETH-PERP", 0); err != nil {
		t.Fatal(err)
	}
	got, _ = r.Get("ETH-PERP")
	if got.Status() != market.StatusListedPaused {
		t.Error("zero tick limit should pause the market")
	}

	if err := r.SetPaused("no-such", true); !errors.Is(err, cherr.ErrUnknownMarket) {
		t.Errorf("got %v, want %v", err, cherr.ErrUnknownMarket)
	}
}
