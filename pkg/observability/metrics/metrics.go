package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector exposes coordination metrics. A nil *Collector is valid and
// records nothing, so components can run without metrics wiring in tests.
type Collector struct {
	lockAcquisitions *prometheus.CounterVec
	lockReleases     *prometheus.CounterVec
	reaperExpired    prometheus.Counter
	reaperCleared    prometheus.Counter
	reaperSweeps     prometheus.Counter
	outcomes         *prometheus.CounterVec
	classified       *prometheus.CounterVec
	providerLatency  prometheus.Histogram
	rescheduled      *prometheus.CounterVec

	gatherer prometheus.Gatherer
}

func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		lockAcquisitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "stamping",
			Name:      "lock_acquisitions_total",
			Help:      "Lock acquisition attempts by result (acquired or rejection reason).",
		}, []string{"result"}),
		lockReleases: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "stamping",
			Name:      "lock_releases_total",
			Help:      "Lock releases by final attempt status.",
		}, []string{"status"}),
		reaperExpired: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "stamping",
			Name:      "reaper_expired_attempts_total",
			Help:      "In-progress attempts expired by the reaper.",
		}),
		reaperCleared: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "stamping",
			Name:      "reaper_cleared_locks_total",
			Help:      "Stale document locks cleared by the reaper.",
		}),
		reaperSweeps: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "stamping",
			Name:      "reaper_sweeps_total",
			Help:      "Completed reaper sweeps.",
		}),
		outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "stamping",
			Name:      "submission_outcomes_total",
			Help:      "Orchestrator outcomes per processed job.",
		}, []string{"outcome"}),
		classified: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "stamping",
			Name:      "classified_errors_total",
			Help:      "Provider failures by classified kind.",
		}, []string{"kind"}),
		providerLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "stamping",
			Name:      "provider_call_seconds",
			Help:      "Latency of calls to the certification provider.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		}),
		rescheduled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "stamping",
			Name:      "jobs_rescheduled_total",
			Help:      "Jobs put back on the retry queue, by reason.",
		}, []string{"reason"}),
	}

	reg.MustRegister(
		c.lockAcquisitions,
		c.lockReleases,
		c.reaperExpired,
		c.reaperCleared,
		c.reaperSweeps,
		c.outcomes,
		c.classified,
		c.providerLatency,
		c.rescheduled,
	)
	if g, ok := reg.(prometheus.Gatherer); ok {
		c.gatherer = g
	}
	return c
}

func (c *Collector) RecordAcquire(result string) {
	if c == nil {
		return
	}
	c.lockAcquisitions.WithLabelValues(result).Inc()
}

func (c *Collector) RecordRelease(status string) {
	if c == nil {
		return
	}
	c.lockReleases.WithLabelValues(status).Inc()
}

func (c *Collector) RecordSweep(expired, cleared int) {
	if c == nil {
		return
	}
	c.reaperSweeps.Inc()
	c.reaperExpired.Add(float64(expired))
	c.reaperCleared.Add(float64(cleared))
}

func (c *Collector) RecordOutcome(outcome string) {
	if c == nil {
		return
	}
	c.outcomes.WithLabelValues(outcome).Inc()
}

func (c *Collector) RecordClassified(kind string) {
	if c == nil {
		return
	}
	c.classified.WithLabelValues(kind).Inc()
}

func (c *Collector) ObserveProviderCall(d time.Duration) {
	if c == nil {
		return
	}
	c.providerLatency.Observe(d.Seconds())
}

func (c *Collector) RecordReschedule(reason string) {
	if c == nil {
		return
	}
	c.rescheduled.WithLabelValues(reason).Inc()
}

// Handler serves the registry the collector was registered with.
func (c *Collector) Handler() http.Handler {
	if c == nil || c.gatherer == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(c.gatherer, promhttp.HandlerOpts{})
}
