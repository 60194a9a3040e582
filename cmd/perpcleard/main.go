package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"PerpClear/internal/account"
	"PerpClear/internal/amm"
	"PerpClear/internal/api"
	"PerpClear/internal/clearinghouse"
	"PerpClear/internal/clock"
	"PerpClear/internal/collateral"
	"PerpClear/internal/event"
	"PerpClear/internal/exchange"
	"PerpClear/internal/market"
	"PerpClear/internal/num"
	"PerpClear/internal/observability"
	"PerpClear/internal/orderbook"
	"PerpClear/internal/persistence"
	"PerpClear/internal/publisher"
	"PerpClear/internal/vault"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/shopspring/decimal"
)

// Config is loaded from environment variables. Postgres and NATS are
// optional: without them the daemon runs with the event journal and outbound
// stream disabled, which is the single-node development mode.
type Config struct {
	HTTPAddr string

	PostgresDSN   string
	MigrationsDir string

	NATSURL string

	PersistChanSize     int
	PersistBatchSize    int
	PersistFlushTimeout time.Duration
	PublishChanSize     int

	MarketsFile string

	TwapIntervalSec     int64
	TwapCacheSec        int64
	FeedMaxAgeSec       int64
	MaxOrdersPerMarket  int
	MaxMarketsPerTrader int

	ImRatioPpm                 int64
	MmRatioPpm                 int64
	PartialCloseRatioPpm       int64
	LiquidationPenaltyRatioPpm int64
	InsuranceFundAccount       uuid.UUID
}

func DefaultConfig() Config {
	return Config{
		HTTPAddr:                   envOrDefault("PERPCLEAR_HTTP_ADDR", ":8080"),
		PostgresDSN:                os.Getenv("PERPCLEAR_POSTGRES_DSN"),
		MigrationsDir:              envOrDefault("PERPCLEAR_MIGRATIONS_DIR", "migrations"),
		NATSURL:                    os.Getenv("PERPCLEAR_NATS_URL"),
		PersistChanSize:            envIntOrDefault("PERPCLEAR_PERSIST_CHAN_SIZE", 4096),
		PersistBatchSize:           envIntOrDefault("PERPCLEAR_PERSIST_BATCH_SIZE", 256),
		PersistFlushTimeout:        200 * time.Millisecond,
		PublishChanSize:            envIntOrDefault("PERPCLEAR_PUBLISH_CHAN_SIZE", 4096),
		MarketsFile:                envOrDefault("PERPCLEAR_MARKETS_FILE", "markets.json"),
		TwapIntervalSec:            int64(envIntOrDefault("PERPCLEAR_TWAP_INTERVAL_SEC", 900)),
		TwapCacheSec:               int64(envIntOrDefault("PERPCLEAR_TWAP_CACHE_SEC", 15)),
		FeedMaxAgeSec:              int64(envIntOrDefault("PERPCLEAR_FEED_MAX_AGE_SEC", 60)),
		MaxOrdersPerMarket:         envIntOrDefault("PERPCLEAR_MAX_ORDERS_PER_MARKET", 100),
		MaxMarketsPerTrader:        envIntOrDefault("PERPCLEAR_MAX_MARKETS_PER_TRADER", 10),
		ImRatioPpm:                 int64(envIntOrDefault("PERPCLEAR_IM_RATIO_PPM", 100_000)),
		MmRatioPpm:                 int64(envIntOrDefault("PERPCLEAR_MM_RATIO_PPM", 62_500)),
		PartialCloseRatioPpm:       int64(envIntOrDefault("PERPCLEAR_PARTIAL_CLOSE_RATIO_PPM", 250_000)),
		LiquidationPenaltyRatioPpm: int64(envIntOrDefault("PERPCLEAR_LIQUIDATION_PENALTY_RATIO_PPM", 25_000)),
		InsuranceFundAccount:       envUUIDOrDefault("PERPCLEAR_INSURANCE_FUND_ACCOUNT", uuid.MustParse("00000000-0000-0000-0000-000000000001")),
	}
}

// marketsFile is the venue definition the operator ships alongside the
// daemon: the settlement token, accepted collaterals, and listed markets.
type marketsFile struct {
	SettlementToken string `json:"settlement_token"`

	Collaterals []struct {
		Token              string `json:"token"`
		Price              string `json:"price"` // initial index price, decimal
		CollateralRatioPpm int64  `json:"collateral_ratio_ppm"`
		DiscountRatioPpm   int64  `json:"discount_ratio_ppm"`
		DepositCap         string `json:"deposit_cap,omitempty"`
	} `json:"collaterals"`

	CollateralParams struct {
		MaxCollateralTokensPerAccount         int    `json:"max_collateral_tokens_per_account"`
		DebtNonSettlementTokenValueRatioPpm   int64  `json:"debt_non_settlement_token_value_ratio_ppm"`
		LiquidationRatioPpm                   int64  `json:"liquidation_ratio_ppm"`
		MMRatioBufferPpm                      int64  `json:"mm_ratio_buffer_ppm"`
		InsuranceFundFeeRatioOnLiquidationPpm int64  `json:"insurance_fund_fee_ratio_on_liquidation_ppm"`
		DebtThreshold                         string `json:"debt_threshold,omitempty"`
		CollateralValueDust                   string `json:"collateral_value_dust,omitempty"`
	} `json:"collateral_params"`

	Markets []struct {
		ID                        string `json:"id"`
		TickSpacing               int    `json:"tick_spacing"`
		FeeRatioPpm               int64  `json:"fee_ratio_ppm"`
		InsuranceFundFeeRatioPpm  int64  `json:"insurance_fund_fee_ratio_ppm"`
		MaxTickCrossedWithinBlock int    `json:"max_tick_crossed_within_block"`
		InitialPrice              string `json:"initial_price"` // pool start price, decimal
		IndexPrice                string `json:"index_price"`   // initial oracle price, decimal
	} `json:"markets"`
}

func main() {
	log := observability.NewLogger("perpcleard")
	log.Info().Msg("perpcleard starting")

	cfg := DefaultConfig()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	metrics := observability.NewMetrics()
	health := observability.NewHealthChecker()

	// --- Venue definition ---
	venue, err := loadMarketsFile(cfg.MarketsFile)
	if err != nil {
		log.Fatal().Err(err).Str("file", cfg.MarketsFile).Msg("load markets file")
	}

	clk := clock.Real{}

	cm := collateral.NewManager(venue.SettlementToken, collateral.Params{
		MaxCollateralTokensPerAccount:         venue.CollateralParams.MaxCollateralTokensPerAccount,
		DebtNonSettlementTokenValueRatioPpm:   venue.CollateralParams.DebtNonSettlementTokenValueRatioPpm,
		LiquidationRatioPpm:                   venue.CollateralParams.LiquidationRatioPpm,
		MMRatioBufferPpm:                      venue.CollateralParams.MMRatioBufferPpm,
		InsuranceFundFeeRatioOnLiquidationPpm: venue.CollateralParams.InsuranceFundFeeRatioOnLiquidationPpm,
		DebtThreshold:                         mustWad(venue.CollateralParams.DebtThreshold),
		CollateralValueDust:                   mustWad(venue.CollateralParams.CollateralValueDust),
	})
	for _, c := range venue.Collaterals {
		feed := amm.NewSettableFeed(clk, cfg.FeedMaxAgeSec)
		feed.SetPrice(mustWad(c.Price))
		tokenCfg := collateral.TokenConfig{
			Token:              c.Token,
			Feed:               feed,
			CollateralRatioPpm: c.CollateralRatioPpm,
			DiscountRatioPpm:   c.DiscountRatioPpm,
		}
		if c.DepositCap != "" {
			tokenCfg.DepositCap = mustWad(c.DepositCap)
		}
		if err := cm.AddToken(tokenCfg); err != nil {
			log.Fatal().Err(err).Str("token", c.Token).Msg("add collateral token")
		}
	}

	registry := market.NewRegistry()
	for _, m := range venue.Markets {
		sqrtPrice := num.SqrtPriceX96FromPrice(mustWad(m.InitialPrice))
		pool, err := amm.NewSimPool(sqrtPrice, m.TickSpacing, clk)
		if err != nil {
			log.Fatal().Err(err).Str("market", m.ID).Msg("create pool")
		}
		feed := amm.NewSettableFeed(clk, cfg.FeedMaxAgeSec)
		feed.SetPrice(mustWad(m.IndexPrice))
		err = registry.Add(market.Config{
			ID:                        m.ID,
			TickSpacing:               m.TickSpacing,
			FeeRatioPpm:               m.FeeRatioPpm,
			InsuranceFundFeeRatioPpm:  m.InsuranceFundFeeRatioPpm,
			MaxTickCrossedWithinBlock: m.MaxTickCrossedWithinBlock,
		}, pool, feed)
		if err != nil {
			log.Fatal().Err(err).Str("market", m.ID).Msg("list market")
		}
		log.Info().Str("market", m.ID).Str("price", m.InitialPrice).Msg("market listed")
	}

	// --- Engine ---
	book := orderbook.New(registry, clk, cfg.MaxOrdersPerMarket)
	exch := exchange.New(registry, book, clk, cfg.TwapIntervalSec)
	exch.SetMarkTwapCacheInterval(cfg.TwapCacheSec)
	balances := account.New(registry, book, exch, cfg.MaxMarketsPerTrader)
	v := vault.New(cm, cfg.ImRatioPpm)
	v.Bind(balances)
	approvals := amm.NewMemoryApprovals()

	// --- Sinks: journal to Postgres, fan out to NATS ---
	var sinks event.MultiSink

	var persistWorker *persistence.Worker
	if cfg.PostgresDSN != "" {
		db, err := sql.Open("postgres", cfg.PostgresDSN)
		if err != nil {
			log.Fatal().Err(err).Msg("postgres open")
		}
		defer db.Close()
		db.SetMaxOpenConns(20)
		db.SetMaxIdleConns(10)
		db.SetConnMaxLifetime(5 * time.Minute)
		if err := db.PingContext(ctx); err != nil {
			log.Fatal().Err(err).Msg("postgres ping")
		}
		if err := persistence.NewMigrator(db, cfg.MigrationsDir).Up(ctx); err != nil {
			log.Fatal().Err(err).Msg("run migrations")
		}
		log.Info().Msg("postgres connected, migrations applied")

		journal := persistence.NewJournal(db, metrics)
		persistWorker = persistence.NewWorker(journal, cfg.PersistChanSize, cfg.PersistBatchSize, cfg.PersistFlushTimeout, metrics)
		sinks = append(sinks, persistWorker.Sink())
	} else {
		log.Warn().Msg("PERPCLEAR_POSTGRES_DSN not set, event journal disabled")
	}

	var outbound *publisher.Publisher
	if cfg.NATSURL != "" {
		nc, err := nats.Connect(cfg.NATSURL, nats.Name("perpcleard"))
		if err != nil {
			log.Fatal().Err(err).Msg("nats connect")
		}
		defer nc.Close()
		js, err := jetstream.New(nc)
		if err != nil {
			log.Fatal().Err(err).Msg("jetstream init")
		}
		if err := publisher.EnsureStream(ctx, js); err != nil {
			log.Fatal().Err(err).Msg("ensure outbound stream")
		}
		log.Info().Msg("nats connected, outbound stream ensured")

		outbound = publisher.New(js, cfg.PublishChanSize, metrics)
		sinks = append(sinks, outbound.Sink())
	} else {
		log.Warn().Msg("PERPCLEAR_NATS_URL not set, outbound publishing disabled")
	}

	var sink event.Sink = sinks
	if len(sinks) == 0 {
		sink = event.NopSink{}
	}

	ch := clearinghouse.New(clearinghouse.Config{
		ImRatioPpm:                 cfg.ImRatioPpm,
		MmRatioPpm:                 cfg.MmRatioPpm,
		PartialCloseRatioPpm:       cfg.PartialCloseRatioPpm,
		LiquidationPenaltyRatioPpm: cfg.LiquidationPenaltyRatioPpm,
		InsuranceFund:              cfg.InsuranceFundAccount,
	}, registry, cm, v, book, exch, balances, approvals, clk, sink, metrics)

	// --- Goroutines ---
	errChan := make(chan error, 4)

	if persistWorker != nil {
		go persistWorker.Run(ctx)
	}
	if outbound != nil {
		go outbound.Run(ctx)
	}

	server := api.NewServer(ch, registry, cm, book, balances, v, exch, approvals, health, metrics)
	httpServer := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      server.Router(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	go func() {
		log.Info().Str("addr", cfg.HTTPAddr).Msg("http server listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- fmt.Errorf("http server: %w", err)
		}
	}()

	health.SetReady(true)
	log.Info().Int("markets", len(venue.Markets)).Msg("perpcleard ready")

	select {
	case sig := <-sigChan:
		log.Info().Str("signal", sig.String()).Msg("shutting down")
	case err := <-errChan:
		log.Error().Err(err).Msg("fatal error, shutting down")
	}

	health.SetReady(false)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	httpServer.Shutdown(shutdownCtx)

	// Stop the workers and let the persistence worker drain its buffer.
	cancel()
	if persistWorker != nil {
		select {
		case <-persistWorker.Done():
		case <-shutdownCtx.Done():
		}
	}
	if outbound != nil {
		select {
		case <-outbound.Done():
		case <-shutdownCtx.Done():
		}
	}

	log.Info().Msg("perpcleard shutdown complete")
}

func loadMarketsFile(path string) (*marketsFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var venue marketsFile
	if err := json.Unmarshal(data, &venue); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if venue.SettlementToken == "" {
		return nil, fmt.Errorf("%s: settlement_token required", path)
	}
	return &venue, nil
}

// mustWad parses a decimal string into a wad. Empty strings are zero; the
// markets file is operator-validated input, so a malformed number is fatal.
func mustWad(s string) *big.Int {
	if s == "" {
		return new(big.Int)
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(fmt.Sprintf("bad decimal %q: %v", s, err))
	}
	return d.Shift(18).Truncate(0).BigInt()
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envIntOrDefault(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	var i int
	if _, err := fmt.Sscanf(v, "%d", &i); err != nil {
		return defaultVal
	}
	return i
}

func envUUIDOrDefault(key string, defaultVal uuid.UUID) uuid.UUID {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	id, err := uuid.Parse(v)
	if err != nil {
		return defaultVal
	}
	return id
}
