// Package metrics holds the Prometheus collectors of a rollout process.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"rollout/internal/dispatch"
)

const namespace = "rollout"

// Metrics is built per process on its own registry. A nil *Metrics records nothing.
type Metrics struct {
	reg *prometheus.Registry

	calls       *prometheus.CounterVec
	remote      *prometheus.HistogramVec
	jobRuns     *prometheus.CounterVec
	deployments *prometheus.CounterVec
	cronSkips   *prometheus.CounterVec
	lastRun     *prometheus.GaugeVec
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Metrics{
		reg: reg,
		calls: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatch_calls_total",
			Help:      "Procedure calls by module, procedure, route and outcome.",
		}, []string{"module", "procedure", "route", "outcome"}),
		remote: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "dispatch_remote_seconds",
			Help:      "Latency of procedure calls sent to the server.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"module", "procedure"}),
		jobRuns: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "job_runs_total",
			Help:      "Job runs by job, trigger and outcome.",
		}, []string{"job", "trigger", "outcome"}),
		deployments: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deployments_total",
			Help:      "Deployment updates by cluster and result.",
		}, []string{"cluster", "result"}),
		cronSkips: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cron_skipped_total",
			Help:      "Cron ticks skipped because the previous run was still active.",
		}, []string{"name"}),
		lastRun: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "job_last_run_timestamp_seconds",
			Help:      "Unix time of the last finished run per job.",
		}, []string{"job"}),
	}
}

// ObserveCall implements dispatch.Observer.
func (m *Metrics) ObserveCall(key dispatch.Key, route, outcome string, took time.Duration) {
	if m == nil {
		return
	}
	m.calls.WithLabelValues(key.Module, key.Procedure, route, outcome).Inc()
	if route == "remote" {
		m.remote.WithLabelValues(key.Module, key.Procedure).Observe(took.Seconds())
	}
}

func (m *Metrics) JobRun(job, trigger, outcome string, finished time.Time) {
	if m == nil {
		return
	}
	m.jobRuns.WithLabelValues(job, trigger, outcome).Inc()
	m.lastRun.WithLabelValues(job).Set(float64(finished.Unix()))
}

func (m *Metrics) Deployment(cluster string, ok bool) {
	if m == nil {
		return
	}
	result := "applied"
	if !ok {
		result = "failed"
	}
	m.deployments.WithLabelValues(cluster, result).Inc()
}

func (m *Metrics) CronSkipped(name string) {
	if m == nil {
		return
	}
	m.cronSkips.WithLabelValues(name).Inc()
}

// Registry exposes the underlying registry, mostly for tests.
func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

var _ dispatch.Observer = (*Metrics)(nil)
