// Package metrics exposes notivox's Prometheus instruments and the HTTP
// server that serves them.
package metrics

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	Namespace = "notivox"

	StatusCompleted = "completed"
	StatusRetrying  = "retrying"
	StatusFailed    = "failed"

	StrategyDirect = "direct"
	StrategyQueued = "queued"
)

// Metrics holds every instrument. A nil *Metrics is valid and records nothing.
type Metrics struct {
	jobsEnqueued  *prometheus.CounterVec   // by channel
	jobsProcessed *prometheus.CounterVec   // by channel, status
	jobDuration   *prometheus.HistogramVec // by channel
	jobsInFlight  *prometheus.GaugeVec     // by channel
	queueDepth    *prometheus.GaugeVec     // by channel, state

	sends        *prometheus.CounterVec // by adapter, strategy, status
	sendDuration *prometheus.HistogramVec

	adaptersBuilt *prometheus.CounterVec // by adapter, status
	pruned        *prometheus.CounterVec // by channel
}

// New creates and registers all instruments with reg.
func New(reg prometheus.Registerer) (*Metrics, error) {
	buckets := []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30}
	m := &Metrics{
		jobsEnqueued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "queue",
			Name:      "jobs_enqueued_total",
			Help:      "Jobs accepted by a channel queue",
		}, []string{"channel"}),
		jobsProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "queue",
			Name:      "jobs_processed_total",
			Help:      "Job attempts settled by a channel worker, by outcome",
		}, []string{"channel", "status"}),
		jobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: Namespace,
			Subsystem: "queue",
			Name:      "job_duration_seconds",
			Help:      "Time spent in the job handler per attempt",
			Buckets:   buckets,
		}, []string{"channel"}),
		jobsInFlight: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: "queue",
			Name:      "jobs_in_flight",
			Help:      "Jobs currently inside a handler",
		}, []string{"channel"}),
		queueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: "queue",
			Name:      "depth",
			Help:      "Jobs per queue and state at the last stats sample",
		}, []string{"channel", "state"}),
		sends: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "adapter",
			Name:      "sends_total",
			Help:      "Adapter send calls by strategy and outcome",
		}, []string{"adapter", "strategy", "status"}),
		sendDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: Namespace,
			Subsystem: "adapter",
			Name:      "send_duration_seconds",
			Help:      "Adapter send latency (enqueue time for queued strategies)",
			Buckets:   buckets,
		}, []string{"adapter", "strategy"}),
		adaptersBuilt: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "hub",
			Name:      "adapters_built_total",
			Help:      "Adapter constructions by outcome",
		}, []string{"adapter", "status"}),
		pruned: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "maintenance",
			Name:      "jobs_pruned_total",
			Help:      "Finished jobs removed by retention pruning",
		}, []string{"channel"}),
	}

	collectors := []prometheus.Collector{
		m.jobsEnqueued, m.jobsProcessed, m.jobDuration, m.jobsInFlight, m.queueDepth,
		m.sends, m.sendDuration, m.adaptersBuilt, m.pruned,
	}
	var errs []error
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Metrics) JobEnqueued(channel string) {
	if m == nil {
		return
	}
	m.jobsEnqueued.WithLabelValues(channel).Inc()
}

// JobStarted marks a job as in flight and returns the func that ends it.
func (m *Metrics) JobStarted(channel string) func() {
	if m == nil {
		return func() {}
	}
	start := time.Now()
	m.jobsInFlight.WithLabelValues(channel).Inc()
	return func() {
		m.jobsInFlight.WithLabelValues(channel).Dec()
		m.jobDuration.WithLabelValues(channel).Observe(time.Since(start).Seconds())
	}
}

// JobSettled counts one attempt outcome (StatusCompleted, StatusRetrying,
// StatusFailed).
func (m *Metrics) JobSettled(channel, status string) {
	if m == nil {
		return
	}
	m.jobsProcessed.WithLabelValues(channel, status).Inc()
}

func (m *Metrics) QueueDepth(channel string, waiting, active, completed, failed int64) {
	if m == nil {
		return
	}
	m.queueDepth.WithLabelValues(channel, "waiting").Set(float64(waiting))
	m.queueDepth.WithLabelValues(channel, "active").Set(float64(active))
	m.queueDepth.WithLabelValues(channel, "completed").Set(float64(completed))
	m.queueDepth.WithLabelValues(channel, "failed").Set(float64(failed))
}

func (m *Metrics) Send(adapter, strategy string, took time.Duration, err error) {
	if m == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	m.sends.WithLabelValues(adapter, strategy, status).Inc()
	m.sendDuration.WithLabelValues(adapter, strategy).Observe(took.Seconds())
}

func (m *Metrics) AdapterBuilt(adapter string, err error) {
	if m == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	m.adaptersBuilt.WithLabelValues(adapter, status).Inc()
}

func (m *Metrics) Pruned(channel string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.pruned.WithLabelValues(channel).Add(float64(n))
}

// RegisterDrops exposes a drop counter kept elsewhere as
// notivox_<subsystem>_dropped_total.
func RegisterDrops(reg prometheus.Registerer, subsystem, help string, dropped func() uint64) error {
	return reg.Register(prometheus.NewCounterFunc(prometheus.CounterOpts{
		Namespace: Namespace,
		Subsystem: subsystem,
		Name:      "dropped_total",
		Help:      help,
	}, func() float64 { return float64(dropped()) }))
}
