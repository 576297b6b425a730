package obs

import (
	"sort"
	"sync"
	"time"

	"makerbot/internal/schema"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes the bot's Prometheus collectors and keeps in-process
// latency stats per exchange operation. A nil *Metrics is a no-op.
type Metrics struct {
	exchangeCalls   *prometheus.CounterVec
	exchangeLatency *prometheus.HistogramVec
	orderEvents     *prometheus.CounterVec
	trades          *prometheus.CounterVec
	netProfit       prometheus.Histogram
	episodes        prometheus.Counter
	activeConfig    prometheus.Gauge
	openOrders      prometheus.Gauge
	backlog         prometheus.Gauge
	marketPrice     prometheus.Gauge
	equity          prometheus.Gauge
	tickErrors      *prometheus.CounterVec
	queueDrops      prometheus.Counter
	arbEdge         *prometheus.GaugeVec
	arbSignals      *prometheus.CounterVec

	mu      sync.Mutex
	latency map[string]*LatencyStats
}

// NewMetrics registers every collector on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		exchangeCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "makerbot_exchange_calls_total",
			Help: "Exchange call attempts by operation and result",
		}, []string{"op", "result"}),
		exchangeLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "makerbot_exchange_call_seconds",
			Help:    "Exchange call latency",
			Buckets: prometheus.DefBuckets,
		}, []string{"op"}),
		orderEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "makerbot_order_events_total",
			Help: "Exit order state changes",
		}, []string{"state"}),
		trades: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "makerbot_trades_total",
			Help: "Terminal exit orders by outcome",
		}, []string{"outcome"}),
		netProfit: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "makerbot_net_profit_pct",
			Help:    "Net profit fraction of filled exits",
			Buckets: []float64{0, 0.001, 0.0025, 0.005, 0.01, 0.02, 0.05, 0.1, 0.2},
		}),
		episodes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "makerbot_episodes_total",
			Help: "Episodes started",
		}),
		activeConfig: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "makerbot_active_configuration",
			Help: "Configuration id of the running episode",
		}),
		openOrders: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "makerbot_open_orders",
			Help: "Exit orders resting on the venue",
		}),
		backlog: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "makerbot_backlog_positions",
			Help: "Positions waiting for an exit order",
		}),
		marketPrice: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "makerbot_market_price",
			Help: "Last market price",
		}),
		equity: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "makerbot_equity_quote",
			Help: "Free balances valued in quote units",
		}),
		tickErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "makerbot_tick_errors_total",
			Help: "Errors isolated inside the control loop by stage",
		}, []string{"stage"}),
		queueDrops: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "makerbot_fill_queue_drops_total",
			Help: "Fill notifications dropped by a full inbox",
		}),
		arbEdge: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "makerbot_arbitrage_edge_pct",
			Help: "Best net cross-venue edge by direction",
		}, []string{"direction"}),
		arbSignals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "makerbot_arbitrage_signals_total",
			Help: "Cross-venue edges above the alert threshold",
		}, []string{"direction"}),
		latency: make(map[string]*LatencyStats),
	}
	if reg != nil {
		reg.MustRegister(
			m.exchangeCalls, m.exchangeLatency, m.orderEvents, m.trades, m.netProfit,
			m.episodes, m.activeConfig, m.openOrders, m.backlog, m.marketPrice,
			m.equity, m.tickErrors, m.queueDrops, m.arbEdge, m.arbSignals,
		)
	}
	return m
}

// ObserveExchange matches exchange.Observer.
func (m *Metrics) ObserveExchange(op string, took time.Duration, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.exchangeCalls.WithLabelValues(op, result).Inc()
	m.exchangeLatency.WithLabelValues(op).Observe(took.Seconds())

	m.mu.Lock()
	stats, ok := m.latency[op]
	if !ok {
		stats = &LatencyStats{}
		m.latency[op] = stats
	}
	m.mu.Unlock()
	stats.Observe(took, err != nil)
}

func (m *Metrics) ObserveOrderEvent(e schema.OrderEvent) {
	if m == nil {
		return
	}
	m.orderEvents.WithLabelValues(e.State).Inc()
}

func (m *Metrics) ObserveTerminal(rec schema.RewardRecord) {
	if m == nil {
		return
	}
	m.trades.WithLabelValues(rec.Outcome.String()).Inc()
	if rec.Filled() {
		m.netProfit.Observe(rec.NetProfitPct)
	}
}

func (m *Metrics) StartEpisode(id schema.ConfigurationID) {
	if m == nil {
		return
	}
	m.episodes.Inc()
	m.activeConfig.Set(float64(id))
}

func (m *Metrics) SetOpenOrders(n int) {
	if m == nil {
		return
	}
	m.openOrders.Set(float64(n))
}

func (m *Metrics) SetBacklog(n int) {
	if m == nil {
		return
	}
	m.backlog.Set(float64(n))
}

func (m *Metrics) SetMarketPrice(price float64) {
	if m == nil {
		return
	}
	m.marketPrice.Set(price)
}

func (m *Metrics) SetEquity(value float64) {
	if m == nil {
		return
	}
	m.equity.Set(value)
}

func (m *Metrics) IncTickError(stage string) {
	if m == nil {
		return
	}
	m.tickErrors.WithLabelValues(stage).Inc()
}

func (m *Metrics) IncQueueDrop() {
	if m == nil {
		return
	}
	m.queueDrops.Inc()
}

func (m *Metrics) ObserveArbitrage(direction string, edgePct float64, signal bool) {
	if m == nil {
		return
	}
	m.arbEdge.WithLabelValues(direction).Set(edgePct)
	if signal {
		m.arbSignals.WithLabelValues(direction).Inc()
	}
}

// OpLatency is the latency snapshot of one exchange operation.
type OpLatency struct {
	Op string
	LatencySnapshot
}

// Latencies returns the per-operation latency snapshots ordered by name.
func (m *Metrics) Latencies() []OpLatency {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	out := make([]OpLatency, 0, len(m.latency))
	for op, stats := range m.latency {
		out = append(out, OpLatency{Op: op, LatencySnapshot: stats.Snapshot()})
	}
	m.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].Op < out[j].Op
	})
	return out
}
