package metrics

import "github.com/prometheus/client_golang/prometheus"

// Metrics exposes counters/histograms for the rule engine. All methods are
// safe on a nil receiver so components can run without a registry.
type Metrics struct {
	cacheLookups    *prometheus.CounterVec
	cacheEvictions  *prometheus.CounterVec
	evaluations     *prometheus.CounterVec
	evalLatency     prometheus.Histogram
	compilations    *prometheus.CounterVec
	reservationOps  *prometheus.CounterVec
	searchLatency   prometheus.Histogram
	holdsSweptTotal prometheus.Counter
}

func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		cacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "scheduling",
			Subsystem: "policy_cache",
			Name:      "lookups_total",
			Help:      "Policy cache lookups by tier and outcome",
		}, []string{"tier", "outcome"}),
		cacheEvictions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "scheduling",
			Subsystem: "policy_cache",
			Name:      "evictions_total",
			Help:      "Policy cache evictions by tier and reason",
		}, []string{"tier", "reason"}),
		evaluations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "scheduling",
			Subsystem: "evaluator",
			Name:      "evaluations_total",
			Help:      "Slot evaluations by outcome",
		}, []string{"outcome"}),
		evalLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "scheduling",
			Subsystem: "evaluator",
			Name:      "evaluation_seconds",
			Help:      "Latency of a single slot evaluation",
			Buckets:   []float64{.001, .0025, .005, .01, .025, .05, .1, .25},
		}),
		compilations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "scheduling",
			Subsystem: "policy",
			Name:      "compilations_total",
			Help:      "Policy compilations by result",
		}, []string{"result"}),
		reservationOps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "scheduling",
			Subsystem: "reservations",
			Name:      "operations_total",
			Help:      "Pattern reservation operations by op and result",
		}, []string{"op", "result"}),
		searchLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "scheduling",
			Subsystem: "patterns",
			Name:      "search_seconds",
			Help:      "Latency of multi-visit pattern searches",
			Buckets:   prometheus.DefBuckets,
		}),
		holdsSweptTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "scheduling",
			Subsystem: "reservations",
			Name:      "holds_expired_total",
			Help:      "Holds transitioned to expired by the sweep",
		}),
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(
		m.cacheLookups,
		m.cacheEvictions,
		m.evaluations,
		m.evalLatency,
		m.compilations,
		m.reservationOps,
		m.searchLatency,
		m.holdsSweptTotal,
	)
	return m
}

func (m *Metrics) ObserveCacheLookup(tier, outcome string) {
	if m == nil {
		return
	}
	m.cacheLookups.WithLabelValues(tier, outcome).Inc()
}

func (m *Metrics) ObserveCacheEviction(tier, reason string) {
	if m == nil {
		return
	}
	m.cacheEvictions.WithLabelValues(tier, reason).Inc()
}

func (m *Metrics) ObserveEvaluation(outcome string, seconds float64) {
	if m == nil {
		return
	}
	m.evaluations.WithLabelValues(outcome).Inc()
	m.evalLatency.Observe(seconds)
}

func (m *Metrics) ObserveCompilation(result string) {
	if m == nil {
		return
	}
	m.compilations.WithLabelValues(result).Inc()
}

func (m *Metrics) ObserveReservation(op, result string) {
	if m == nil {
		return
	}
	m.reservationOps.WithLabelValues(op, result).Inc()
}

func (m *Metrics) ObserveSearch(seconds float64) {
	if m == nil {
		return
	}
	m.searchLatency.Observe(seconds)
}

func (m *Metrics) AddExpiredHolds(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.holdsSweptTotal.Add(float64(n))
}
