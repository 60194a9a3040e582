package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the clearing engine.
type Metrics struct {
	// --- Operations ---
	OpsApplied  *prometheus.CounterVec
	OpsRejected *prometheus.CounterVec
	OpDuration  *prometheus.HistogramVec

	// --- Domain ---
	SwapVolumeQuote      *prometheus.CounterVec
	FeesCollected        *prometheus.CounterVec
	LiquidationsTotal    *prometheus.CounterVec
	FundingSettlements   *prometheus.CounterVec
	InsuranceFundBalance prometheus.Gauge
	MarketTick           *prometheus.GaugeVec

	// --- Events & publishing ---
	EventsEmitted *prometheus.CounterVec
	PublishDrops  prometheus.Counter

	// --- Persistence ---
	PersistEventsWritten prometheus.Counter
	PersistErrors        *prometheus.CounterVec

	// --- Query API ---
	QueryRequests *prometheus.CounterVec
	QueryDuration *prometheus.HistogramVec
}

// NewMetrics creates and registers all Prometheus metrics.
func NewMetrics() *Metrics {
	latencyBuckets := []float64{
		0.000001, 0.000005, 0.00001, 0.000025, 0.00005,
		0.0001, 0.00025, 0.0005, 0.001, 0.002, 0.005, 0.01,
	}

	return &Metrics{
		OpsApplied: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "perpclear_ops_applied_total",
			Help: "Operations successfully committed",
		}, []string{"op"}),

		OpsRejected: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "perpclear_ops_rejected_total",
			Help: "Operations rejected and rolled back",
		}, []string{"op", "code"}),

		OpDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "perpclear_op_duration_seconds",
			Help:    "Time to execute one operation",
			Buckets: latencyBuckets,
		}, []string{"op"}),

		SwapVolumeQuote: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "perpclear_swap_volume_quote",
			Help: "Quote volume traded (absolute, wad float)",
		}, []string{"market_id"}),

		FeesCollected: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "perpclear_fees_collected",
			Help: "Quote fees charged (wad float)",
		}, []string{"market_id", "destination"}),

		LiquidationsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "perpclear_liquidations_total",
			Help: "Positions liquidated",
		}, []string{"market_id"}),

		FundingSettlements: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "perpclear_funding_settlements_total",
			Help: "Funding settlements realized",
		}, []string{"market_id"}),

		InsuranceFundBalance: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "perpclear_insurance_fund_balance",
			Help: "Insurance fund settlement balance (wad float)",
		}),

		MarketTick: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "perpclear_market_tick",
			Help: "Current pool tick",
		}, []string{"market_id"}),

		EventsEmitted: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "perpclear_events_emitted_total",
			Help: "Domain events emitted",
		}, []string{"type"}),

		PublishDrops: promauto.NewCounter(prometheus.CounterOpts{
			Name: "perpclear_publish_drops_total",
			Help: "Events dropped due to full publish channel",
		}),

		PersistEventsWritten: promauto.NewCounter(prometheus.CounterOpts{
			Name: "perpclear_persist_events_written_total",
			Help: "Events written to Postgres",
		}),

		PersistErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "perpclear_persist_errors_total",
			Help: "Persistence errors",
		}, []string{"error_type"}),

		QueryRequests: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "perpclear_query_requests_total",
			Help: "Query requests",
		}, []string{"endpoint", "status"}),

		QueryDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "perpclear_query_duration_seconds",
			Help:    "Query latency",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
		}, []string{"endpoint"}),
	}
}
