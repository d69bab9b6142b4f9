package dispatch

import (
	"time"

	"github.com/BTreeMap/ImgurBot/internal/models"
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics are the scheduler's Prometheus instruments. A nil *Metrics
// records nothing.
type Metrics struct {
	outcomes   *prometheus.CounterVec
	admissions *prometheus.CounterVec
	commits    *prometheus.CounterVec
	inFlight   prometheus.Gauge
	queueDepth prometheus.Gauge
	latency    prometheus.Histogram
}

// NewMetrics creates the instruments and registers them on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "imgurbot",
			Subsystem: "dispatch",
			Name:      "outcomes_total",
			Help:      "Dispatch attempts by classified outcome.",
		}, []string{"outcome"}),
		admissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "imgurbot",
			Subsystem: "dispatch",
			Name:      "admissions_total",
			Help:      "Rate gate decisions for eligible actions.",
		}, []string{"result"}),
		commits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "imgurbot",
			Subsystem: "seen",
			Name:      "commits_total",
			Help:      "Seen-item commits after a group completed.",
		}, []string{"result"}),
		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "imgurbot",
			Subsystem: "dispatch",
			Name:      "in_flight",
			Help:      "Dispatches currently awaiting the remote API.",
		}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "imgurbot",
			Subsystem: "queue",
			Name:      "depth",
			Help:      "Non-terminal actions held by the queue.",
		}),
		latency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "imgurbot",
			Subsystem: "dispatch",
			Name:      "duration_seconds",
			Help:      "Remote API call latency.",
			Buckets:   prometheus.DefBuckets,
		}),
	}
	if reg != nil {
		reg.MustRegister(m.outcomes, m.admissions, m.commits, m.inFlight, m.queueDepth, m.latency)
	}
	return m
}

func (m *Metrics) admitted(ok bool) {
	if m == nil {
		return
	}
	if ok {
		m.admissions.WithLabelValues("admitted").Inc()
	} else {
		m.admissions.WithLabelValues("limited").Inc()
	}
}

func (m *Metrics) started() {
	if m != nil {
		m.inFlight.Inc()
	}
}

func (m *Metrics) finished(outcome models.Outcome, took time.Duration) {
	if m == nil {
		return
	}
	m.inFlight.Dec()
	m.outcomes.WithLabelValues(string(outcome)).Inc()
	m.latency.Observe(took.Seconds())
}

func (m *Metrics) committed(err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.commits.WithLabelValues("error").Inc()
	} else {
		m.commits.WithLabelValues("ok").Inc()
	}
}

func (m *Metrics) depth(n int) {
	if m != nil {
		m.queueDepth.Set(float64(n))
	}
}
