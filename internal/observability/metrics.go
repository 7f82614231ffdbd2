package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for PositionLedger.
type Metrics struct {
	// --- Ledger ---
	LedgerCommands        *prometheus.CounterVec
	LedgerCommandDuration *prometheus.HistogramVec
	LedgerSlot            prometheus.Gauge
	LedgerOpenPositions   prometheus.Gauge
	LedgerBadDebt         prometheus.Counter

	// --- Risk Monitor ---
	MonitorEventsApplied *prometheus.CounterVec
	MonitorStaleEvents   *prometheus.CounterVec
	MonitorTicks         *prometheus.CounterVec
	MonitorTicksRejected *prometheus.CounterVec
	MonitorTickDuration  prometheus.Histogram
	MonitorPositions     *prometheus.GaugeVec
	MonitorAlerts        *prometheus.CounterVec
	LiquidationRequests  *prometheus.CounterVec

	// --- Fan-out ---
	Subscribers     prometheus.Gauge
	SubscriberDrops *prometheus.CounterVec

	// --- Channel & Backpressure ---
	ChannelSize        *prometheus.GaugeVec
	ChannelCapacity    *prometheus.GaugeVec
	ChannelUtilization *prometheus.GaugeVec
	PublishDrops       prometheus.Counter
	PublishErrors      prometheus.Counter

	// --- Persistence ---
	PersistEventsWritten prometheus.Counter
	PersistBatchSize     prometheus.Histogram
	PersistBatchDur      prometheus.Histogram
	PersistErrors        *prometheus.CounterVec
	PersistRetry         prometheus.Counter
	PersistLastSlot      prometheus.Gauge

	// --- Snapshot ---
	SnapshotTaken     prometheus.Counter
	SnapshotDuration  prometheus.Histogram
	SnapshotSizeBytes prometheus.Gauge
	ReplayEventsTotal prometheus.Counter

	// --- HTTP API ---
	HTTPRequests *prometheus.CounterVec
	HTTPDuration *prometheus.HistogramVec
}

// NewMetrics creates and registers all metrics on the default registry.
func NewMetrics() *Metrics {
	return NewMetricsWithRegistry(prometheus.DefaultRegisterer)
}

// NewMetricsWithRegistry registers on reg; tests pass a fresh registry.
func NewMetricsWithRegistry(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	latencyBuckets := []float64{
		0.000001, 0.000005, 0.00001, 0.000025, 0.00005,
		0.0001, 0.00025, 0.0005, 0.001, 0.002, 0.005, 0.01,
	}

	return &Metrics{
		// Ledger
		LedgerCommands: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "posledger_ledger_commands_total",
			Help: "Ledger commands by operation and result",
		}, []string{"op", "result"}),

		LedgerCommandDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "posledger_ledger_command_duration_seconds",
			Help:    "Time to execute a ledger command",
			Buckets: latencyBuckets,
		}, []string{"op"}),

		LedgerSlot: factory.NewGauge(prometheus.GaugeOpts{
			Name: "posledger_ledger_slot",
			Help: "Last committed slot",
		}),

		LedgerOpenPositions: factory.NewGauge(prometheus.GaugeOpts{
			Name: "posledger_ledger_open_positions",
			Help: "Open positions on the ledger",
		}),

		LedgerBadDebt: factory.NewCounter(prometheus.CounterOpts{
			Name: "posledger_ledger_bad_debt_total",
			Help: "Losses not covered by collateral (quote units)",
		}),

		// Risk Monitor
		MonitorEventsApplied: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "posledger_monitor_events_applied_total",
			Help: "Ledger events applied by the risk monitor",
		}, []string{"event_type"}),

		MonitorStaleEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "posledger_monitor_stale_events_total",
			Help: "Events or ticks discarded as stale",
		}, []string{"kind"}),

		MonitorTicks: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "posledger_monitor_ticks_total",
			Help: "Price ticks processed",
		}, []string{"symbol"}),

		MonitorTicksRejected: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "posledger_monitor_ticks_rejected_total",
			Help: "Malformed price ticks",
		}, []string{"reason"}),

		MonitorTickDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "posledger_monitor_tick_duration_seconds",
			Help:    "Time to re-derive risk for one tick",
			Buckets: latencyBuckets,
		}),

		MonitorPositions: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "posledger_monitor_positions",
			Help: "Open positions tracked per symbol",
		}, []string{"symbol"}),

		MonitorAlerts: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "posledger_monitor_alerts_total",
			Help: "Liquidation alerts by risk level",
		}, []string{"level"}),

		LiquidationRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "posledger_liquidation_requests_total",
			Help: "Liquidation requests by outcome",
		}, []string{"result"}),

		// Fan-out
		Subscribers: factory.NewGauge(prometheus.GaugeOpts{
			Name: "posledger_feed_subscribers",
			Help: "Connected push feed subscribers",
		}),

		SubscriberDrops: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "posledger_feed_drops_total",
			Help: "Messages dropped from full subscriber queues",
		}, []string{"type"}),

		// Channel & Backpressure
		ChannelSize: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "posledger_channel_size",
			Help: "Current items in channel",
		}, []string{"name"}),

		ChannelCapacity: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "posledger_channel_capacity",
			Help: "Channel capacity (constant)",
		}, []string{"name"}),

		ChannelUtilization: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "posledger_channel_utilization",
			Help: "Channel size / capacity (0.0-1.0)",
		}, []string{"name"}),

		PublishDrops: factory.NewCounter(prometheus.CounterOpts{
			Name: "posledger_publish_drops_total",
			Help: "Events dropped due to full publish channel",
		}),

		PublishErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "posledger_publish_errors_total",
			Help: "Outbound publish failures",
		}),

		// Persistence
		PersistEventsWritten: factory.NewCounter(prometheus.CounterOpts{
			Name: "posledger_persist_events_written_total",
			Help: "Events written to Postgres",
		}),

		PersistBatchSize: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "posledger_persist_batch_size",
			Help:    "Events per batch",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500},
		}),

		PersistBatchDur: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "posledger_persist_batch_duration_seconds",
			Help:    "Postgres batch write duration",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25},
		}),

		PersistErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "posledger_persist_errors_total",
			Help: "Persistence errors",
		}, []string{"error_type"}),

		PersistRetry: factory.NewCounter(prometheus.CounterOpts{
			Name: "posledger_persist_retry_total",
			Help: "Persistence retries",
		}),

		PersistLastSlot: factory.NewGauge(prometheus.GaugeOpts{
			Name: "posledger_persist_last_slot",
			Help: "Last persisted slot",
		}),

		// Snapshot
		SnapshotTaken: factory.NewCounter(prometheus.CounterOpts{
			Name: "posledger_snapshot_taken_total",
			Help: "Snapshots created",
		}),

		SnapshotDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "posledger_snapshot_duration_seconds",
			Help:    "Snapshot creation time",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1.0, 5.0, 10.0},
		}),

		SnapshotSizeBytes: factory.NewGauge(prometheus.GaugeOpts{
			Name: "posledger_snapshot_size_bytes",
			Help: "Last snapshot size",
		}),

		ReplayEventsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "posledger_replay_events_total",
			Help: "Events replayed on startup",
		}),

		// HTTP API
		HTTPRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "posledger_http_requests_total",
			Help: "HTTP requests by route and status",
		}, []string{"route", "status"}),

		HTTPDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "posledger_http_request_duration_seconds",
			Help:    "HTTP request latency",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
		}, []string{"route"}),
	}
}

// SetChannelMetrics updates channel utilization metrics.
func (m *Metrics) SetChannelMetrics(name string, size, capacity int) {
	m.ChannelSize.WithLabelValues(name).Set(float64(size))
	m.ChannelCapacity.WithLabelValues(name).Set(float64(capacity))
	if capacity > 0 {
		m.ChannelUtilization.WithLabelValues(name).Set(float64(size) / float64(capacity))
	}
}
