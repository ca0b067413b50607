package trace

import (
	"strconv"

	"github.com/jochym/hecss/sampler"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics exports engine events as Prometheus metrics labelled with the
// temperature.
type Metrics struct {
	trials   *prometheus.CounterVec
	samples  *prometheus.CounterVec
	failures *prometheus.CounterVec
	burnin   *prometheus.CounterVec
	eta      *prometheus.GaugeVec
	energy   *prometheus.HistogramVec
}

// NewMetrics registers the collectors with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		trials: f.NewCounterVec(prometheus.CounterOpts{
			Name: "hecss_trials_total",
			Help: "Successful evaluations by temperature and engine state",
		}, []string{"temperature", "state"}),
		samples: f.NewCounterVec(prometheus.CounterOpts{
			Name: "hecss_samples_total",
			Help: "Samples emitted by temperature",
		}, []string{"temperature"}),
		failures: f.NewCounterVec(prometheus.CounterOpts{
			Name: "hecss_evaluation_failures_total",
			Help: "Failed evaluations by temperature",
		}, []string{"temperature"}),
		burnin: f.NewCounterVec(prometheus.CounterOpts{
			Name: "hecss_burnin_exhausted_total",
			Help: "Width searches that ran out of burn-in trials",
		}, []string{"temperature"}),
		eta: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "hecss_eta",
			Help: "Relative proposal width of the last trial",
		}, []string{"temperature"}),
		energy: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "hecss_sample_energy_ev",
			Help:    "Per atom energy of emitted samples in eV",
			Buckets: prometheus.ExponentialBuckets(0.001, 1.5, 16),
		}, []string{"temperature"}),
	}
}

func label(T float64) string { return strconv.FormatFloat(T, 'f', 1, 64) }

func (m *Metrics) Record(ev sampler.Event) {
	t := label(ev.T)
	switch ev.Kind {
	case sampler.EventTrial:
		m.trials.WithLabelValues(t, ev.State.String()).Inc()
		m.eta.WithLabelValues(t).Set(ev.Eta)
		if ev.Accepted {
			m.samples.WithLabelValues(t).Inc()
			m.energy.WithLabelValues(t).Observe(ev.Energy)
		}
	case sampler.EventFailure:
		m.failures.WithLabelValues(t).Inc()
	case sampler.EventBurnIn:
		m.burnin.WithLabelValues(t).Inc()
	}
}
