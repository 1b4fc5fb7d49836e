package telemetry

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Request kinds used as label values.
const (
	KindUpdate = "update"
	KindImage  = "image"
	KindRegion = "region"
)

// Metrics exposes engine and access counters to Prometheus.
// A nil *Metrics ignores every call.
type Metrics struct {
	timesteps    prometheus.Counter
	syncCycles   prometheus.Counter
	faults       prometheus.Counter
	handoffs     prometheus.Counter
	stepDuration prometheus.Histogram
	requests     *prometheus.CounterVec
	superseded   *prometheus.CounterVec
	resolved     *prometheus.CounterVec
	entities     *prometheus.GaugeVec
}

// NewMetrics creates the collectors and registers them on reg.
func NewMetrics(reg prometheus.Registerer, namespace string) *Metrics {
	m := &Metrics{
		timesteps: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "timesteps_total",
			Help:      "Timesteps completed by the engine.",
		}),
		syncCycles: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sync_cycles_total",
			Help:      "Synchronization points served without advancing time.",
		}),
		faults: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "faults_total",
			Help:      "Timesteps that failed.",
		}),
		handoffs: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handoffs_total",
			Help:      "Entities moved between compartments.",
		}),
		stepDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "step_duration_seconds",
			Help:      "Wall time of one timestep including handoff.",
			Buckets:   prometheus.ExponentialBuckets(1e-5, 4, 10),
		}),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "access_requests_total",
			Help:      "Access requests submitted, by kind.",
		}, []string{"kind"}),
		superseded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "access_superseded_total",
			Help:      "Access requests overwritten before they were served, by kind.",
		}, []string{"kind"}),
		resolved: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "access_resolved_total",
			Help:      "Access requests served, by kind and outcome.",
		}, []string{"kind", "outcome"}),
		entities: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "entities",
			Help:      "Entities in the last resolved snapshot of the whole universe.",
		}, []string{"kind"}),
	}
	reg.MustRegister(
		m.timesteps, m.syncCycles, m.faults, m.handoffs, m.stepDuration,
		m.requests, m.superseded, m.resolved, m.entities,
	)
	return m
}

// ObserveStep records one completed timestep.
func (m *Metrics) ObserveStep(d time.Duration, handoffs int) {
	if m == nil {
		return
	}
	m.timesteps.Inc()
	m.handoffs.Add(float64(handoffs))
	m.stepDuration.Observe(d.Seconds())
}

// ObserveSync records a sync point that did not advance time.
func (m *Metrics) ObserveSync() {
	if m == nil {
		return
	}
	m.syncCycles.Inc()
}

// ObserveFault records a failed timestep.
func (m *Metrics) ObserveFault() {
	if m == nil {
		return
	}
	m.faults.Inc()
}

// ObserveRequest records a submitted access request.
func (m *Metrics) ObserveRequest(kind string) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(kind).Inc()
}

// ObserveSuperseded records a request overwritten by a newer one.
func (m *Metrics) ObserveSuperseded(kind string) {
	if m == nil {
		return
	}
	m.superseded.WithLabelValues(kind).Inc()
}

// ObserveResolved records a served request.
func (m *Metrics) ObserveResolved(kind string, err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.resolved.WithLabelValues(kind, outcome).Inc()
}

// SetEntities publishes entity counts.
func (m *Metrics) SetEntities(clusters, cells, particles int) {
	if m == nil {
		return
	}
	m.entities.WithLabelValues("clusters").Set(float64(clusters))
	m.entities.WithLabelValues("cells").Set(float64(cells))
	m.entities.WithLabelValues("particles").Set(float64(particles))
}
