package obs

import (
	"sync/atomic"
	"time"

	"livetrader/internal/schema"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "livetrader"

// Message results.
const (
	MessageBuffered  = "buffered"
	MessageDuplicate = "duplicate"
	MessageMalformed = "malformed"
	MessageEvicted   = "evicted"
	MessageNacked    = "nacked"
	MessageDropped   = "dropped"
)

// Metrics exports process counters to Prometheus. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	registry *prometheus.Registry

	cycles          prometheus.Counter
	cycleDuration   prometheus.Histogram
	phaseSkipped    *prometheus.CounterVec
	messages        *prometheus.CounterVec
	queueDepth      *prometheus.GaugeVec
	symbolFailures  *prometheus.CounterVec
	decisions       *prometheus.CounterVec
	orders          *prometheus.CounterVec
	dispatchDenied  *prometheus.CounterVec
	stuckOrders     prometheus.Gauge
	refreshFailures prometheus.Counter
	accountCash     prometheus.Gauge
	accountEquity   prometheus.Gauge
	activeFeeds     prometheus.Gauge
	heartbeat       prometheus.Gauge

	cycleLatency LatencyStats
}

// LatencyStats aggregates duration samples in nanoseconds.
type LatencyStats struct {
	count uint64
	sum   uint64
	min   uint64
	max   uint64
}

// LatencySnapshot is a point-in-time view of latency stats.
type LatencySnapshot struct {
	Count uint64
	Min   time.Duration
	Max   time.Duration
	Avg   time.Duration
}

// NewMetrics registers every collector on a fresh registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)
	return &Metrics{
		registry: reg,
		cycles: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "loop", Name: "cycles_total",
			Help: "Completed reconciliation cycles",
		}),
		cycleDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "loop", Name: "cycle_duration_seconds",
			Help:    "Duration of a reconciliation cycle excluding idle",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
		}),
		phaseSkipped: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "loop", Name: "phase_skipped_total",
			Help: "Phases skipped because of shutdown or untrusted account state",
		}, []string{"phase", "reason"}),
		messages: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "ingest", Name: "messages_total",
			Help: "Received messages by result",
		}, []string{"symbol", "result"}),
		queueDepth: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "ingest", Name: "queue_depth",
			Help: "Buffered records waiting for drain",
		}, []string{"symbol"}),
		symbolFailures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "loop", Name: "symbol_failures_total",
			Help: "Per-symbol failures isolated by the loop",
		}, []string{"symbol", "phase"}),
		decisions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "strategy", Name: "intents_total",
			Help: "Order intents produced by the decision routine",
		}, []string{"symbol", "side"}),
		orders: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "gateway", Name: "order_transitions_total",
			Help: "Order records entering a status",
		}, []string{"status"}),
		dispatchDenied: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "risk", Name: "denied_total",
			Help: "Intents denied before dispatch",
		}, []string{"reason"}),
		stuckOrders: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "gateway", Name: "stuck_orders",
			Help: "Orders needing operator attention",
		}),
		refreshFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "gateway", Name: "account_refresh_failures_total",
			Help: "Failed account refreshes",
		}),
		accountCash: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "account", Name: "cash",
			Help: "Cash of the last account snapshot",
		}),
		accountEquity: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "account", Name: "equity",
			Help: "Equity of the last account snapshot",
		}),
		activeFeeds: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "supervisor", Name: "active_feeds",
			Help: "Running ingestors",
		}),
		heartbeat: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "supervisor", Name: "heartbeat_timestamp_seconds",
			Help: "Unix time of the last heartbeat",
		}),
	}
}

// Registry returns the registry holding every collector.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// ObserveCycle records a finished cycle.
func (m *Metrics) ObserveCycle(d time.Duration) {
	if m == nil {
		return
	}
	m.cycles.Inc()
	m.cycleDuration.Observe(d.Seconds())
	m.cycleLatency.Observe(d)
}

// CycleLatency returns in-process cycle duration stats.
func (m *Metrics) CycleLatency() LatencySnapshot {
	if m == nil {
		return LatencySnapshot{}
	}
	return m.cycleLatency.Snapshot()
}

// IncPhaseSkipped records a skipped phase.
func (m *Metrics) IncPhaseSkipped(phase, reason string) {
	if m == nil {
		return
	}
	m.phaseSkipped.WithLabelValues(phase, reason).Inc()
}

// ObserveMessage counts a received message by result.
func (m *Metrics) ObserveMessage(symbol schema.Symbol, result string) {
	if m == nil {
		return
	}
	m.messages.WithLabelValues(string(symbol), result).Inc()
}

// SetQueueDepth records the buffer depth of symbol.
func (m *Metrics) SetQueueDepth(symbol schema.Symbol, depth int) {
	if m == nil {
		return
	}
	m.queueDepth.WithLabelValues(string(symbol)).Set(float64(depth))
}

// IncSymbolFailure records an isolated per-symbol failure.
func (m *Metrics) IncSymbolFailure(symbol schema.Symbol, phase string) {
	if m == nil {
		return
	}
	m.symbolFailures.WithLabelValues(string(symbol), phase).Inc()
}

// IncDecision counts an intent.
func (m *Metrics) IncDecision(symbol schema.Symbol, side schema.Side) {
	if m == nil {
		return
	}
	m.decisions.WithLabelValues(string(symbol), side.String()).Inc()
}

// IncOrderStatus counts an order record entering status.
func (m *Metrics) IncOrderStatus(status schema.OrderStatus) {
	if m == nil {
		return
	}
	m.orders.WithLabelValues(status.String()).Inc()
}

// IncDenied counts an intent blocked before dispatch.
func (m *Metrics) IncDenied(reason string) {
	if m == nil {
		return
	}
	m.dispatchDenied.WithLabelValues(reason).Inc()
}

// SetStuckOrders records how many orders need attention.
func (m *Metrics) SetStuckOrders(n int) {
	if m == nil {
		return
	}
	m.stuckOrders.Set(float64(n))
}

// IncRefreshFailure counts a failed account refresh.
func (m *Metrics) IncRefreshFailure() {
	if m == nil {
		return
	}
	m.refreshFailures.Inc()
}

// SetAccount records the values of a fresh snapshot.
func (m *Metrics) SetAccount(a schema.AccountSnapshot) {
	if m == nil {
		return
	}
	m.accountCash.Set(a.Cash)
	m.accountEquity.Set(a.Equity)
}

// SetActiveFeeds records the number of running ingestors.
func (m *Metrics) SetActiveFeeds(n int) {
	if m == nil {
		return
	}
	m.activeFeeds.Set(float64(n))
}

// SetHeartbeat records the time of the last heartbeat.
func (m *Metrics) SetHeartbeat(t time.Time) {
	if m == nil {
		return
	}
	m.heartbeat.Set(float64(t.Unix()))
}

// Observe records a duration sample.
func (l *LatencyStats) Observe(d time.Duration) {
	if d < 0 {
		return
	}
	nanos := uint64(d)
	atomic.AddUint64(&l.count, 1)
	atomic.AddUint64(&l.sum, nanos)

	for {
		min := atomic.LoadUint64(&l.min)
		if min != 0 && nanos >= min {
			break
		}
		if atomic.CompareAndSwapUint64(&l.min, min, nanos) {
			break
		}
	}

	for {
		max := atomic.LoadUint64(&l.max)
		if nanos <= max {
			break
		}
		if atomic.CompareAndSwapUint64(&l.max, max, nanos) {
			break
		}
	}
}

// Snapshot returns the aggregated latency stats.
func (l *LatencyStats) Snapshot() LatencySnapshot {
	count := atomic.LoadUint64(&l.count)
	if count == 0 {
		return LatencySnapshot{}
	}
	sum := atomic.LoadUint64(&l.sum)
	min := atomic.LoadUint64(&l.min)
	max := atomic.LoadUint64(&l.max)
	return LatencySnapshot{
		Count: count,
		Min:   time.Duration(min),
		Max:   time.Duration(max),
		Avg:   time.Duration(sum / count),
	}
}
