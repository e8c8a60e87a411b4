package pbft

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics exposes engine counters to Prometheus. A nil *Metrics disables
// collection; every method is nil-safe.
type Metrics struct {
	roundsCompleted     prometheus.Counter
	operationsProcessed prometheus.Counter
	viewChanges         prometheus.Counter
	slashingEvents      *prometheus.CounterVec
	consensusLatency    prometheus.Histogram
	batchSize           prometheus.Histogram
	pipelineDepth       prometheus.Gauge
	pendingOps          prometheus.Gauge
	sigCacheHitRate     prometheus.Gauge
}

// NewMetrics registers the engine metrics on a registry. Pass
// prometheus.DefaultRegisterer outside of tests.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		roundsCompleted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "consensus",
			Name:      "rounds_completed_total",
			Help:      "Consensus instances committed and applied.",
		}),
		operationsProcessed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "consensus",
			Name:      "operations_processed_total",
			Help:      "Operations applied through committed batches.",
		}),
		viewChanges: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "consensus",
			Name:      "view_changes_total",
			Help:      "Completed view changes.",
		}),
		slashingEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "consensus",
			Name:      "slashing_events_total",
			Help:      "Slashing events by reason.",
		}, []string{"reason"}),
		consensusLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "consensus",
			Name:      "round_latency_seconds",
			Help:      "Time from instance creation to apply.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
		}),
		batchSize: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "consensus",
			Name:      "batch_size_operations",
			Help:      "Operations per committed batch.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 10),
		}),
		pipelineDepth: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "consensus",
			Name:      "pipeline_inflight_instances",
			Help:      "Consensus instances currently in flight.",
		}),
		pendingOps: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "consensus",
			Name:      "pending_operations",
			Help:      "Operations queued and not yet batched.",
		}),
		sigCacheHitRate: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "consensus",
			Name:      "signature_cache_hit_rate",
			Help:      "Fraction of signature checks served from cache.",
		}),
	}
}

func (m *Metrics) RoundCompleted(latencySeconds float64, batchOps int) {
	if m == nil {
		return
	}
	m.roundsCompleted.Inc()
	m.operationsProcessed.Add(float64(batchOps))
	m.consensusLatency.Observe(latencySeconds)
	m.batchSize.Observe(float64(batchOps))
}

func (m *Metrics) ViewChanged() {
	if m == nil {
		return
	}
	m.viewChanges.Inc()
}

func (m *Metrics) Slashed(reason string) {
	if m == nil {
		return
	}
	m.slashingEvents.WithLabelValues(reason).Inc()
}

func (m *Metrics) SetPipelineDepth(n int) {
	if m == nil {
		return
	}
	m.pipelineDepth.Set(float64(n))
}

func (m *Metrics) SetPendingOps(n int) {
	if m == nil {
		return
	}
	m.pendingOps.Set(float64(n))
}

func (m *Metrics) SetSigCacheHitRate(rate float64) {
	if m == nil {
		return
	}
	m.sigCacheHitRate.Set(rate)
}
