// Package market holds the per-market risk configuration registry. Configs
// are read by value at the start of each operation so a mid-call admin update
// can never change the parameters an in-flight action executes under.
package market

import (
	"fmt"
	"sort"

	"PerpClear/internal/amm"
	"PerpClear/internal/cherr"
)

// Config is the full per-market parameter set. A market is created once at
// listing and only ever paused or re-parameterized afterwards, never deleted.
type Config struct {
	ID                        string
	TickSpacing               int
	FeeRatioPpm               int64 // exchange fee charged on the quote leg
	InsuranceFundFeeRatioPpm  int64 // share of the fee routed to the insurance fund
	MaxTickCrossedWithinBlock int   // 0 == Listed-Paused
	Paused                    bool  // admin pause / delist flag
}

// Status is the market trading state machine:
// Unlisted -> ListedPaused (maxTicks == 0) -> Active (maxTicks > 0).
type Status int

const (
	StatusUnlisted Status = iota
	StatusListedPaused
	StatusActive
)

func (c Config) Status() Status {
	if c.Paused || c.MaxTickCrossedWithinBlock == 0 {
		return StatusListedPaused
	}
	return StatusActive
}

// Validate checks the listing parameters.
func Validate(cfg Config) error {
	if cfg.ID == "" {
		return fmt.Errorf("market: empty id")
	}
	if cfg.TickSpacing <= 0 {
		return fmt.Errorf("market: tick spacing must be > 0, got %d", cfg.TickSpacing)
	}
	if cfg.FeeRatioPpm < 0 || cfg.FeeRatioPpm >= 1_000_000 {
		return fmt.Errorf("market: fee ratio %d out of [0, 1e6)", cfg.FeeRatioPpm)
	}
	if cfg.InsuranceFundFeeRatioPpm < 0 || cfg.InsuranceFundFeeRatioPpm > 1_000_000 {
		return fmt.Errorf("market: insurance fund fee ratio %d out of [0, 1e6]", cfg.InsuranceFundFeeRatioPpm)
	}
	if cfg.MaxTickCrossedWithinBlock < 0 {
		return fmt.Errorf("market: max tick crossed must be >= 0")
	}
	return nil
}

// Registry maps market ids to their config and pool handle.
type Registry struct {
	configs map[string]Config
	pools   map[string]amm.Pool
	feeds   map[string]amm.PriceFeed
}

func NewRegistry() *Registry {
	return &Registry{
		configs: make(map[string]Config),
		pools:   make(map[string]amm.Pool),
		feeds:   make(map[string]amm.PriceFeed),
	}
}

// Add lists a market. The pool price must already be initialized.
func (r *Registry) Add(cfg Config, pool amm.Pool, feed amm.PriceFeed) error {
	if err := Validate(cfg); err != nil {
		return err
	}
	if _, exists := r.configs[cfg.ID]; exists {
		return fmt.Errorf("market: %s already listed", cfg.ID)
	}
	slot0 := pool.Slot0()
	if slot0.SqrtPriceX96 == nil || slot0.SqrtPriceX96.Sign() == 0 {
		return cherr.ErrPoolNotInitialized
	}
	if cfg.TickSpacing != pool.TickSpacing() {
		return fmt.Errorf("market: tick spacing %d does not match pool %d", cfg.TickSpacing, pool.TickSpacing())
	}
	r.configs[cfg.ID] = cfg
	r.pools[cfg.ID] = pool
	r.feeds[cfg.ID] = feed
	return nil
}

// Get returns the config by value.
func (r *Registry) Get(marketID string) (Config, error) {
	cfg, ok := r.configs[marketID]
	if !ok {
		return Config{}, cherr.ErrUnknownMarket
	}
	return cfg, nil
}

// Pool returns the market's AMM pool handle.
func (r *Registry) Pool(marketID string) (amm.Pool, error) {
	pool, ok := r.pools[marketID]
	if !ok {
		return nil, cherr.ErrUnknownMarket
	}
	return pool, nil
}

// Feed returns the market's index price feed.
func (r *Registry) Feed(marketID string) (amm.PriceFeed, error) {
	feed, ok := r.feeds[marketID]
	if !ok {
		return nil, cherr.ErrUnknownMarket
	}
	return feed, nil
}

// IDs returns all listed market ids, sorted for deterministic iteration.
func (r *Registry) IDs() []string {
	ids := make([]string, 0, len(r.configs))
	for id := range r.configs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// --- gated setters ---

func (r *Registry) SetFeeRatio(marketID string, ppm int64) error {
	return r.mutate(marketID, func(cfg *Config) { cfg.FeeRatioPpm = ppm })
}

func (r *Registry) SetInsuranceFundFeeRatio(marketID string, ppm int64) error {
	return r.mutate(marketID, func(cfg *Config) { cfg.InsuranceFundFeeRatioPpm = ppm })
}

// SetMaxTickCrossedWithinBlock doubles as the circuit breaker: zero pauses
// position opening while liquidity operations and closes stay allowed.
func (r *Registry) SetMaxTickCrossedWithinBlock(marketID string, maxTicks int) error {
	if maxTicks < 0 {
		return fmt.Errorf("market: max tick crossed must be >= 0")
	}
	return r.mutate(marketID, func(cfg *Config) { cfg.MaxTickCrossedWithinBlock = maxTicks })
}

func (r *Registry) SetPaused(marketID string, paused bool) error {
	return r.mutate(marketID, func(cfg *Config) { cfg.Paused = paused })
}

func (r *Registry) mutate(marketID string, fn func(*Config)) error {
	cfg, ok := r.configs[marketID]
	if !ok {
		return cherr.ErrUnknownMarket
	}
	fn(&cfg)
	if err := Validate(cfg); err != nil {
		return err
	}
	r.configs[marketID] = cfg
	return nil
}
