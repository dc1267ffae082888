package engine

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mnemolabs/strata/pkg/bus"
)

// Metrics exports engine counters on a private Prometheus registry.
type Metrics struct {
	registry *prometheus.Registry

	itemsRecorded    *prometheus.CounterVec
	routingDecisions *prometheus.CounterVec
	transitions      *prometheus.CounterVec
	evictions        prometheus.Counter
	forgotten        prometheus.Counter
	quarantined      prometheus.Counter

	sweepDuration prometheus.Histogram
	sweepFailures prometheus.Counter
	casConflicts  prometheus.Counter

	tokensRaw        prometheus.Counter
	tokensCompressed prometheus.Counter

	tierOccupancy    *prometheus.GaugeVec
	retrievalLatency prometheus.Histogram
}

func NewMetrics() *Metrics {
	m := &Metrics{registry: prometheus.NewRegistry()}

	m.itemsRecorded = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "strata",
			Subsystem: "memory",
			Name:      "items_recorded_total",
			Help:      "Events recorded, by landing tier",
		},
		[]string{"tier"},
	)
	m.routingDecisions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "strata",
			Subsystem: "memory",
			Name:      "routing_decisions_total",
			Help:      "Routing decisions, by reason code",
		},
		[]string{"reason"},
	)
	m.transitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "strata",
			Subsystem: "memory",
			Name:      "phase_transitions_total",
			Help:      "Decay phase transitions",
		},
		[]string{"from", "to"},
	)
	m.evictions = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "strata",
		Subsystem: "memory",
		Name:      "working_evictions_total",
		Help:      "Items displaced from working memory",
	})
	m.forgotten = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "strata",
		Subsystem: "memory",
		Name:      "items_forgotten_total",
		Help:      "Items physically deleted at end of decay",
	})
	m.quarantined = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "strata",
		Subsystem: "memory",
		Name:      "entries_quarantined_total",
		Help:      "Corrupt entries removed from query paths",
	})
	m.sweepDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "strata",
		Subsystem: "memory",
		Name:      "sweep_duration_seconds",
		Help:      "Wall time of one full decay pass",
		Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 15, 60},
	})
	m.sweepFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "strata",
		Subsystem: "memory",
		Name:      "sweep_item_failures_total",
		Help:      "Per-item transaction failures across sweeps",
	})
	m.casConflicts = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "strata",
		Subsystem: "memory",
		Name:      "version_conflicts_total",
		Help:      "Version CAS conflicts hit during sweeps",
	})
	m.tokensRaw = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "strata",
		Subsystem: "memory",
		Name:      "compression_raw_tokens_total",
		Help:      "Estimated tokens entering compression",
	})
	m.tokensCompressed = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "strata",
		Subsystem: "memory",
		Name:      "compression_output_tokens_total",
		Help:      "Estimated tokens after compression",
	})
	m.tierOccupancy = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "strata",
			Subsystem: "memory",
			Name:      "tier_occupancy",
			Help:      "Live items per tier",
		},
		[]string{"tier"},
	)
	m.retrievalLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "strata",
		Subsystem: "memory",
		Name:      "retrieval_latency_seconds",
		Help:      "Relevance query latency",
		Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
	})

	m.registry.MustRegister(
		m.itemsRecorded,
		m.routingDecisions,
		m.transitions,
		m.evictions,
		m.forgotten,
		m.quarantined,
		m.sweepDuration,
		m.sweepFailures,
		m.casConflicts,
		m.tokensRaw,
		m.tokensCompressed,
		m.tierOccupancy,
		m.retrievalLatency,
	)
	return m
}

// Handler serves the registry in Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) ObserveSweep(report SweepReport) {
	elapsed := time.Duration(report.FinishedAtMS-report.StartedAtMS) * time.Millisecond
	if elapsed < 0 {
		elapsed = 0
	}
	m.sweepDuration.Observe(elapsed.Seconds())
	m.sweepFailures.Add(float64(report.Failures))
	m.casConflicts.Add(float64(report.Conflicts))
	m.tokensRaw.Add(float64(report.RawTokens))
	m.tokensCompressed.Add(float64(report.CompressedTokens))
}

func (m *Metrics) ObserveRetrieval(elapsed time.Duration) {
	m.retrievalLatency.Observe(elapsed.Seconds())
}

func (m *Metrics) SetTierOccupancy(tier Tier, n int) {
	m.tierOccupancy.WithLabelValues(string(tier)).Set(float64(n))
}

// ObserveQuarantine is called by whoever drains the diagnostics
// channel; corrupt-entry events bypass the lifecycle stream.
func (m *Metrics) ObserveQuarantine() {
	m.quarantined.Inc()
}

// DrainBus consumes lifecycle events and folds them into counters.
// Run it on its own goroutine; it returns when ctx is done or the bus
// closes.
func (m *Metrics) DrainBus(ctx context.Context, b *bus.EventBus) {
	for {
		ev, ok := b.Consume(ctx)
		if !ok {
			return
		}
		switch ev.Topic {
		case bus.TopicItemRecorded:
			m.itemsRecorded.WithLabelValues(ev.Tier).Inc()
		case bus.TopicRoutingDecision:
			m.routingDecisions.WithLabelValues(ev.Reason).Inc()
		case bus.TopicItemTransitioned:
			m.transitions.WithLabelValues(ev.FromPhase, ev.ToPhase).Inc()
		case bus.TopicItemEvicted:
			m.evictions.Inc()
		case bus.TopicItemForgotten:
			m.forgotten.Inc()
		}
	}
}
