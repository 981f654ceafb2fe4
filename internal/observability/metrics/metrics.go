// Package metrics holds the Prometheus collectors for the scheduler and runner.
// All methods are safe on a nil *Metrics.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "supertask"

type Metrics struct {
	reg *prometheus.Registry

	fires      *prometheus.CounterVec
	skips      *prometheus.CounterVec
	runs       *prometheus.CounterVec
	runSeconds *prometheus.HistogramVec
	reconciles *prometheus.CounterVec
	entries    prometheus.Gauge
	inFlight   *prometheus.GaugeVec
	queueDrops *prometheus.CounterVec
}

// New registers every collector on a private registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)
	return &Metrics{
		reg: reg,
		fires: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "job_fires_total",
			Help: "Scheduled fires dispatched to the runner, by job.",
		}, []string{"job"}),
		skips: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "job_skips_total",
			Help: "Fires skipped because the job was at its concurrency limit.",
		}, []string{"job"}),
		runs: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "job_runs_total",
			Help: "Completed runs by pool and status.",
		}, []string{"pool", "status"}),
		runSeconds: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "job_run_seconds",
			Help:    "Payload execution time.",
			Buckets: prometheus.DefBuckets,
		}, []string{"pool"}),
		reconciles: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "reconciles_total",
			Help: "Reconciliation passes by result.",
		}, []string{"result"}),
		entries: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "scheduled_entries",
			Help: "Enabled jobs currently in the schedule.",
		}),
		inFlight: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "runs_in_flight",
			Help: "Runs currently executing, by pool.",
		}, []string{"pool"}),
		queueDrops: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "dispatch_rejected_total",
			Help: "Dispatches refused by the runner, by reason.",
		}, []string{"reason"}),
	}
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.reg
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}

func (m *Metrics) Fired(jobID string) {
	if m == nil {
		return
	}
	m.fires.WithLabelValues(jobID).Inc()
}

func (m *Metrics) Skipped(jobID string) {
	if m == nil {
		return
	}
	m.skips.WithLabelValues(jobID).Inc()
}

// Forget drops per-job series of a job that left the schedule.
func (m *Metrics) Forget(jobID string) {
	if m == nil {
		return
	}
	m.fires.DeleteLabelValues(jobID)
	m.skips.DeleteLabelValues(jobID)
}

func (m *Metrics) RunStarted(pool string) {
	if m == nil {
		return
	}
	m.inFlight.WithLabelValues(pool).Inc()
}

func (m *Metrics) RunFinished(pool, status string, took time.Duration) {
	if m == nil {
		return
	}
	m.inFlight.WithLabelValues(pool).Dec()
	m.runs.WithLabelValues(pool, status).Inc()
	m.runSeconds.WithLabelValues(pool).Observe(took.Seconds())
}

func (m *Metrics) Rejected(reason string) {
	if m == nil {
		return
	}
	m.queueDrops.WithLabelValues(reason).Inc()
}

func (m *Metrics) Reconciled(ok bool) {
	if m == nil {
		return
	}
	res := "ok"
	if !ok {
		res = "error"
	}
	m.reconciles.WithLabelValues(res).Inc()
}

func (m *Metrics) SetEntries(n int) {
	if m == nil {
		return
	}
	m.entries.Set(float64(n))
}
